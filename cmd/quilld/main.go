// Command quilld runs the quill server: the PostgreSQL-wire network engine
// in front of the stand-in query executor.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/quilldb/quill"
	"github.com/quilldb/quill/log/zerologadapter"
	"github.com/quilldb/quill/quillcop"
	"github.com/quilldb/quill/quillwire"
	"github.com/quilldb/quill/server"
)

func main() {
	var (
		addr     = flag.String("listen", envOr("QUILL_LISTEN", "127.0.0.1:5432"), "listen address")
		loops    = flag.Int("loops", 0, "event loop threads (0 = GOMAXPROCS)")
		workers  = flag.Int("workers", 4, "query worker pool size")
		certFile = flag.String("tls-cert", envOr("QUILL_TLS_CERT", ""), "TLS certificate file")
		keyFile  = flag.String("tls-key", envOr("QUILL_TLS_KEY", ""), "TLS key file")
		logLevel = flag.String("log-level", envOr("QUILL_LOG_LEVEL", "info"), "trace, debug, info, warn, error or none")
		authUser = flag.String("auth-user", envOr("QUILL_AUTH_USER", ""), "user for md5 authentication (empty = trust)")
		authPass = flag.String("auth-password", envOr("QUILL_AUTH_PASSWORD", ""), "password for md5 authentication")
	)
	flag.Parse()

	level, err := quill.LogLevelFromString(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quilld: %v\n", err)
		os.Exit(1)
	}
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	zl = zl.Level(zerologLevel(level))
	logger := zerologadapter.NewLogger(zl)

	wireCfg := quillwire.Config{Logger: logger}
	if *authUser != "" {
		wireCfg.AuthMethod = quillwire.AuthMD5
		wireCfg.Credentials = map[string]string{*authUser: *authPass}
	}

	pool := quillcop.NewPool(*workers)
	defer pool.Close()

	srv, err := server.New(server.Config{
		Addr:          *addr,
		Loops:         *loops,
		TLSCertFile:   *certFile,
		TLSKeyFile:    *keyFile,
		NewHandler:    quillwire.NewHandlerFactory(wireCfg),
		NewTrafficCop: pool.NewCop,
		Logger:        logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "quilld: %v\n", err)
		os.Exit(1)
	}
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "quilld: %v\n", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	srv.Close()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func zerologLevel(level quill.LogLevel) zerolog.Level {
	switch level {
	case quill.LogLevelTrace, quill.LogLevelDebug:
		return zerolog.DebugLevel
	case quill.LogLevelInfo:
		return zerolog.InfoLevel
	case quill.LogLevelWarn:
		return zerolog.WarnLevel
	case quill.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.Disabled
	}
}
