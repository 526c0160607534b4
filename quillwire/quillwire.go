// Package quillwire implements the PostgreSQL v3 dialect of the server's
// protocol handler contract: startup negotiation, authentication, and the
// simple query cycle, delegating execution to the traffic cop.
package quillwire

import (
	"bytes"
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/jackc/pgproto3/v2"

	"github.com/quilldb/quill"
	"github.com/quilldb/quill/netbuf"
	"github.com/quilldb/quill/packet"
	"github.com/quilldb/quill/server"
)

// AuthMethod selects how a session is authenticated.
type AuthMethod int

const (
	// AuthTrust accepts every user without a password exchange.
	AuthTrust AuthMethod = iota
	// AuthCleartext requests the password in the clear.
	AuthCleartext
	// AuthMD5 requests an md5 digest salted per session.
	AuthMD5
)

// Config controls handler behaviour shared by all connections.
type Config struct {
	AuthMethod AuthMethod

	// Credentials maps user names to passwords. Ignored under AuthTrust;
	// under the other methods an unknown user fails authentication.
	Credentials map[string]string

	// ServerParams are announced to the client as ParameterStatus messages
	// after authentication. Reasonable defaults are filled in.
	ServerParams map[string]string

	Logger quill.Logger
}

// NewHandlerFactory adapts a Config to the server's handler factory
// signature.
func NewHandlerFactory(cfg Config) func(cop server.TrafficCop, client server.ClientInfo) server.ProtocolHandler {
	return func(cop server.TrafficCop, client server.ClientInfo) server.ProtocolHandler {
		return NewHandler(cfg, cop, client)
	}
}

type authState int

const (
	authNone authState = iota
	authAwaitCleartext
	authAwaitMD5
)

var nextBackendPID uint32

// Handler is the per-connection PostgreSQL v3 protocol handler. It is
// exclusively owned by its connection and never called concurrently.
type Handler struct {
	cfg    Config
	cop    server.TrafficCop
	client server.ClientInfo

	framer *packet.Framer
	cur    packet.Input

	responses []*packet.Output
	flushFlag bool

	authPending authState
	md5Salt     [4]byte

	user     string
	database string
	params   map[string]string

	backendPID uint32
	secretKey  uint32

	// dead marks a session that has been sent a fatal error; every
	// subsequent Process call terminates the connection.
	dead bool
}

// NewHandler builds a handler bound to one connection's traffic cop.
func NewHandler(cfg Config, cop server.TrafficCop, client server.ClientInfo) *Handler {
	if cfg.ServerParams == nil {
		cfg.ServerParams = map[string]string{}
	}
	for k, v := range defaultServerParams {
		if _, ok := cfg.ServerParams[k]; !ok {
			cfg.ServerParams[k] = v
		}
	}
	h := &Handler{
		cfg:        cfg,
		cop:        cop,
		client:     client,
		framer:     packet.NewFramer(netbuf.DefaultCap),
		backendPID: atomic.AddUint32(&nextBackendPID, 1),
	}
	var key [4]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err == nil {
		h.secretKey = binary.BigEndian.Uint32(key[:])
	}
	return h
}

var defaultServerParams = map[string]string{
	"server_version":              "13.4",
	"server_encoding":             "UTF8",
	"client_encoding":             "UTF8",
	"DateStyle":                   "ISO, MDY",
	"integer_datetimes":           "on",
	"standard_conforming_strings": "on",
}

// ProcessStartup negotiates the typeless first packet: protocol version,
// connection parameters, and the authentication request that fits the
// configured method.
func (h *Handler) ProcessStartup(pkt *packet.Input, client server.ClientInfo) server.ProcessResult {
	if len(pkt.Payload) < 4 {
		h.log(quill.LogLevelWarn, "startup packet too short", nil)
		return server.ProcessTerminate
	}
	version := binary.BigEndian.Uint32(pkt.Payload)
	if version != pgproto3.ProtocolVersionNumber {
		h.fatal("0A000", fmt.Sprintf("unsupported frontend protocol %d.%d", version>>16, version&0xffff))
		return server.ProcessComplete
	}
	params := map[string]string{}
	// A startup packet with no parameters is the version followed by the
	// terminating zero byte alone; the decoder rejects that form.
	if len(pkt.Payload) != 5 || pkt.Payload[4] != 0 {
		var sm pgproto3.StartupMessage
		if err := sm.Decode(pkt.Payload); err != nil {
			h.log(quill.LogLevelWarn, "startup decode failed", map[string]interface{}{"err": err.Error()})
			return server.ProcessTerminate
		}
		params = sm.Parameters
	}
	h.params = params
	h.user = params["user"]
	h.database = params["database"]
	if h.database == "" {
		h.database = h.user
	}
	if h.user == "" {
		h.fatal("28000", "no PostgreSQL user name specified in startup packet")
		return server.ProcessComplete
	}

	switch h.cfg.AuthMethod {
	case AuthTrust:
		h.completeAuth()
	case AuthCleartext:
		h.append(&pgproto3.AuthenticationCleartextPassword{})
		h.flushFlag = true
		h.authPending = authAwaitCleartext
	case AuthMD5:
		if _, err := io.ReadFull(rand.Reader, h.md5Salt[:]); err != nil {
			h.log(quill.LogLevelError, "salt generation failed", map[string]interface{}{"err": err.Error()})
			return server.ProcessTerminate
		}
		h.append(&pgproto3.AuthenticationMD5Password{Salt: h.md5Salt})
		h.flushFlag = true
		h.authPending = authAwaitMD5
	}
	return server.ProcessComplete
}

// Process frames and dispatches as many steady-state packets as the read
// buffer holds.
func (h *Handler) Process(rb *netbuf.ReadBuffer) server.ProcessResult {
	if h.dead {
		return server.ProcessTerminate
	}
	produced := false
	for {
		switch h.framer.Frame(rb, &h.cur) {
		case packet.NeedMore:
			if produced {
				return server.ProcessComplete
			}
			return server.ProcessMoreDataRequired
		case packet.Malformed:
			h.log(quill.LogLevelWarn, "malformed packet", nil)
			return server.ProcessTerminate
		}
		pkt := h.cur
		h.cur.Reset()
		switch h.dispatch(&pkt) {
		case dispatchResponded:
			produced = true
		case dispatchProcessing:
			return server.ProcessProcessing
		case dispatchTerminate:
			return server.ProcessTerminate
		}
		if h.dead {
			// Flush the fatal error; the next Process call terminates.
			return server.ProcessComplete
		}
	}
}

type dispatchResult int

const (
	dispatchResponded dispatchResult = iota
	dispatchProcessing
	dispatchTerminate
)

func (h *Handler) dispatch(pkt *packet.Input) dispatchResult {
	if h.authPending != authNone {
		return h.dispatchAuth(pkt)
	}
	switch pkt.Type {
	case 'Q':
		sql := cstring(pkt.Payload)
		h.log(quill.LogLevelDebug, "query", map[string]interface{}{"sql": sql})
		res, done := h.cop.ExecuteStatement(sql)
		if !done {
			h.cop.SetQueuing(true)
			return dispatchProcessing
		}
		h.appendResult(res)
		h.appendReadyForQuery()
		return dispatchResponded
	case 'X':
		return dispatchTerminate
	case 'H':
		h.flushFlag = true
		return dispatchResponded
	case 'S':
		h.appendReadyForQuery()
		return dispatchResponded
	default:
		h.appendError("08P01", fmt.Sprintf("unsupported frontend message type %q", pkt.Type))
		h.appendReadyForQuery()
		return dispatchResponded
	}
}

func (h *Handler) dispatchAuth(pkt *packet.Input) dispatchResult {
	if pkt.Type != 'p' {
		h.fatal("08P01", "expected password response")
		return dispatchResponded
	}
	var pm pgproto3.PasswordMessage
	if err := pm.Decode(pkt.Payload); err != nil {
		h.fatal("08P01", "malformed password response")
		return dispatchResponded
	}
	password, known := h.cfg.Credentials[h.user]
	ok := false
	if known {
		switch h.authPending {
		case authAwaitCleartext:
			ok = pm.Password == password
		case authAwaitMD5:
			ok = pm.Password == MD5Response(password, h.user, h.md5Salt)
		}
	}
	if !ok {
		h.log(quill.LogLevelInfo, "authentication failed", map[string]interface{}{"user": h.user})
		h.fatal("28P01", fmt.Sprintf("password authentication failed for user %q", h.user))
		return dispatchResponded
	}
	h.authPending = authNone
	h.completeAuth()
	return dispatchResponded
}

// completeAuth queues the post-authentication preamble: authentication ok,
// the parameter status set, the cancel key, and ready-for-query.
func (h *Handler) completeAuth() {
	h.append(&pgproto3.AuthenticationOk{})
	for name, value := range h.cfg.ServerParams {
		h.append(&pgproto3.ParameterStatus{Name: name, Value: value})
	}
	h.append(&pgproto3.BackendKeyData{ProcessID: h.backendPID, SecretKey: h.secretKey})
	h.appendReadyForQuery()
	h.log(quill.LogLevelInfo, "session established", map[string]interface{}{
		"user":     h.user,
		"database": h.database,
	})
}

// GetResult is invoked on wake after a deferred statement completes.
func (h *Handler) GetResult() {
	h.appendResult(h.cop.Result())
	h.appendReadyForQuery()
}

// Responses returns the ordered output queue.
func (h *Handler) Responses() []*packet.Output { return h.responses }

// ClearResponses empties the output queue.
func (h *Handler) ClearResponses() { h.responses = nil }

// FlushFlag reports whether the engine should flush after draining the
// queue.
func (h *Handler) FlushFlag() bool { return h.flushFlag }

func (h *Handler) SetFlushFlag(v bool) { h.flushFlag = v }

// Reset clears queues and parser state; any deferred request is dropped.
func (h *Handler) Reset() {
	h.responses = nil
	h.flushFlag = false
	h.cur.Reset()
	h.authPending = authNone
	h.dead = false
}

func (h *Handler) appendResult(res *server.QueryResult) {
	if res == nil {
		h.appendError("XX000", "query produced no result")
		return
	}
	if res.Err != nil {
		h.appendError("XX000", res.Err.Error())
		return
	}
	if len(res.Columns) > 0 {
		desc := &pgproto3.RowDescription{Fields: make([]pgproto3.FieldDescription, len(res.Columns))}
		for i, name := range res.Columns {
			desc.Fields[i] = pgproto3.FieldDescription{
				Name:                 []byte(name),
				TableAttributeNumber: uint16(i + 1),
				DataTypeOID:          25, // text
				DataTypeSize:         -1,
				TypeModifier:         -1,
			}
		}
		h.append(desc)
		for _, row := range res.Rows {
			dr := &pgproto3.DataRow{Values: make([][]byte, len(row))}
			for i, v := range row {
				dr.Values[i] = []byte(v)
			}
			h.append(dr)
		}
		h.append(&pgproto3.CommandComplete{CommandTag: []byte(res.Tag)})
		return
	}
	if res.Tag == "" {
		h.append(&pgproto3.EmptyQueryResponse{})
		return
	}
	h.append(&pgproto3.CommandComplete{CommandTag: []byte(res.Tag)})
}

func (h *Handler) appendReadyForQuery() {
	h.append(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	h.flushFlag = true
}

func (h *Handler) appendError(code, message string) {
	h.append(&pgproto3.ErrorResponse{Severity: "ERROR", Code: code, Message: message})
}

// fatal queues an error response and marks the session dead; the next
// Process call terminates the connection.
func (h *Handler) fatal(code, message string) {
	h.append(&pgproto3.ErrorResponse{Severity: "FATAL", Code: code, Message: message})
	h.flushFlag = true
	h.dead = true
}

// append serializes msg and queues it as an output packet. pgproto3 encodes
// the full frame; the engine re-emits the header itself, so only the body
// is carried.
func (h *Handler) append(msg pgproto3.BackendMessage) {
	buf, err := msg.Encode(nil)
	if err != nil {
		panic(err)
	}
	h.responses = append(h.responses, &packet.Output{Type: buf[0], Payload: buf[5:]})
}

func (h *Handler) log(level quill.LogLevel, msg string, data map[string]interface{}) {
	if h.cfg.Logger == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["conn"] = h.client.ID.String()
	h.cfg.Logger.Log(level, msg, data)
}

// MD5Response computes the digest the frontend sends for md5
// authentication: "md5" + md5(md5(password + user) + salt).
func MD5Response(password, user string, salt [4]byte) string {
	inner := hexMD5(password + user)
	return "md5" + hexMD5(inner+string(salt[:]))
}

func hexMD5(s string) string {
	hash := md5.New()
	io.WriteString(hash, s)
	return hex.EncodeToString(hash.Sum(nil))
}

func cstring(payload []byte) string {
	if i := bytes.IndexByte(payload, 0); i >= 0 {
		return string(payload[:i])
	}
	return string(payload)
}
