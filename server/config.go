package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"runtime"

	"github.com/quilldb/quill"
	"github.com/quilldb/quill/netbuf"
)

// Config controls a Server. The zero value is completed by assignDefaults;
// only the handler and traffic cop factories are mandatory.
type Config struct {
	// Addr is the TCP listen address. Default 127.0.0.1:5432.
	Addr string

	// Loops is the number of event-loop threads. Connections are
	// affinitised round-robin. Default: GOMAXPROCS.
	Loops int

	// BufferCap is the capacity of each connection's read and write
	// buffers. Default netbuf.DefaultCap.
	BufferCap int

	// TLSConfig enables SSL negotiation when non-nil. It is process-wide
	// immutable state shared by read-only reference across all connections.
	// If nil and both TLSCertFile and TLSKeyFile are set, a config is
	// loaded from them.
	TLSConfig   *tls.Config
	TLSCertFile string
	TLSKeyFile  string

	// NewHandler builds the protocol handler for a connection once its
	// startup packet arrives.
	NewHandler func(cop TrafficCop, client ClientInfo) ProtocolHandler

	// NewTrafficCop builds the query-engine front-end for a connection.
	NewTrafficCop func() TrafficCop

	// Logger receives engine logs. nil discards.
	Logger quill.Logger
}

func (c *Config) assignDefaults() error {
	if c.NewHandler == nil {
		return errors.New("server: config requires NewHandler")
	}
	if c.NewTrafficCop == nil {
		return errors.New("server: config requires NewTrafficCop")
	}
	if c.Addr == "" {
		c.Addr = "127.0.0.1:5432"
	}
	if c.Loops <= 0 {
		c.Loops = runtime.GOMAXPROCS(0)
	}
	if c.BufferCap <= 0 {
		c.BufferCap = netbuf.DefaultCap
	}
	if c.TLSConfig == nil && c.TLSCertFile != "" && c.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("server: load TLS key pair: %w", err)
		}
		c.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	return nil
}
