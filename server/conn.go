package server

import (
	"crypto/tls"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgio"
	"golang.org/x/sys/unix"

	"github.com/quilldb/quill"
	"github.com/quilldb/quill/event"
	"github.com/quilldb/quill/netbuf"
	"github.com/quilldb/quill/packet"
	"github.com/quilldb/quill/transport"
)

// ConnState is the connection's position in its lifecycle.
type ConnState int

const (
	StateRead ConnState = iota
	StateProcess
	StateWrite
	StateWaitResult
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateRead:
		return "read"
	case StateProcess:
		return "process"
	case StateWrite:
		return "write"
	case StateWaitResult:
		return "wait-result"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// Transition is what a state handler returns to the driver. Proceed re-enters
// the next state immediately; NeedData from READ, NotReady and GetResult yield
// to the event loop, while NeedData from PROCESS re-enters READ immediately;
// Finish and Error begin close.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionProceed
	TransitionNeedData
	TransitionGetResult
	TransitionNotReady
	TransitionFinish
	TransitionError
)

// writeState is the outcome of the buffered write path.
type writeState int

const (
	writeComplete writeState = iota
	writeNotReady
	writeError
)

// Conn owns one client socket from accept to close: the descriptor, both
// scratch buffers, the optional TLS session, the protocol handler and the
// registered events. All of its state is mutated only on the loop goroutine
// it is affinitised to; the single cross-thread entry point is the manual
// wake event the query engine raises.
type Conn struct {
	id   uuid.UUID
	fd   int
	addr string
	loop *event.Loop
	srv  *Server

	tlsConfig *tls.Config

	session transport.Session
	tlsSess *transport.TLS

	rbuf       *netbuf.ReadBuffer
	wbuf       *netbuf.WriteBuffer
	framer     *packet.Framer
	initialPkt packet.Input
	hdrScratch [4]byte

	handler    ProtocolHandler
	cop        TrafficCop
	newHandler func(cop TrafficCop, client ClientInfo) ProtocolHandler
	newCop     func() TrafficCop

	netReg  *event.Registration
	wakeReg *event.Registration

	state        ConnState
	nextResponse int

	// startupPhase is set while the next inbound packet is the typeless
	// startup packet: at accept, and again after a TLS handshake.
	startupPhase bool
	// sslPending is set between queuing the one-byte SSL accept reply and
	// completing the handshake.
	sslPending bool
	sslDone    bool

	readBlocked        bool
	readBlockedOnWrite bool
	writeBlocked       bool
	writeBlockedOnRead bool

	logger quill.Logger
}

// NewConn wraps an accepted descriptor. Init must be called on the
// connection's loop goroutine before any event can be delivered.
func NewConn(fd int, addr string, loop *event.Loop, cfg *Config, srv *Server) *Conn {
	return &Conn{
		id:           uuid.Must(uuid.NewV4()),
		fd:           fd,
		addr:         addr,
		loop:         loop,
		srv:          srv,
		tlsConfig:    cfg.TLSConfig,
		rbuf:         netbuf.NewReadBuffer(cfg.BufferCap),
		wbuf:         netbuf.NewWriteBuffer(cfg.BufferCap),
		framer:       packet.NewFramer(cfg.BufferCap),
		newHandler:   cfg.NewHandler,
		newCop:       cfg.NewTrafficCop,
		state:        StateRead,
		startupPhase: true,
		logger:       cfg.Logger,
	}
}

// ID returns the connection's identity for log correlation.
func (c *Conn) ID() uuid.UUID { return c.id }

// State returns the connection's current state.
func (c *Conn) State() ConnState { return c.state }

// Init makes the socket non-blocking and no-delay, installs the raw
// transport session, and registers the network and wake events. The initial
// event mask is read-persist.
func (c *Conn) Init() error {
	if err := unix.SetNonblock(c.fd, true); err != nil {
		return err
	}
	// Not every socket family supports nodelay (unix sockets in tests).
	_ = unix.SetsockoptInt(c.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	c.session = transport.NewRaw(c.fd)

	var err error
	c.netReg, err = c.loop.RegisterEvent(c.fd, event.Read|event.Persist, c.onNetworkEvent)
	if err != nil {
		return err
	}
	c.wakeReg, err = c.loop.RegisterManualEvent(c.onWakeEvent)
	if err != nil {
		c.netReg.Close()
		return err
	}
	c.log(quill.LogLevelDebug, "connection accepted", map[string]interface{}{"addr": c.addr})
	return nil
}

func (c *Conn) onNetworkEvent(event.Mask) {
	if c.state == StateClosing || c.state == StateClosed || c.state == StateWaitResult {
		return
	}
	c.drive()
}

// onWakeEvent is delivered when the query engine raises the manual wake
// handle after completing a deferred request.
func (c *Conn) onWakeEvent(event.Mask) {
	if c.state != StateWaitResult {
		return
	}
	if c.getResult() != TransitionProceed {
		c.close()
		return
	}
	c.state = StateWrite
	c.drive()
}

// drive runs the state machine until a state yields to the event loop or
// the connection closes.
func (c *Conn) drive() {
	for {
		switch c.state {
		case StateRead:
			switch c.fillReadBuffer() {
			case TransitionProceed:
				c.state = StateProcess
			case TransitionNeedData:
				return
			default: // Finish or Error
				c.close()
				return
			}
		case StateProcess:
			switch c.process() {
			case TransitionProceed:
				c.state = StateWrite
			case TransitionNeedData:
				c.state = StateRead
			case TransitionGetResult:
				c.state = StateWaitResult
				return
			default:
				c.close()
				return
			}
		case StateWrite:
			switch c.processWrite() {
			case TransitionProceed:
				if c.sslPending {
					if err := c.startTLS(); err != nil {
						c.log(quill.LogLevelError, "tls handshake failed", map[string]interface{}{"err": err.Error()})
						c.close()
						return
					}
				}
				c.state = StateRead
			case TransitionNotReady:
				return
			default:
				c.close()
				return
			}
		default: // WaitResult, Closing, Closed
			return
		}
	}
}

// fillReadBuffer reads from the session into the read buffer until the
// buffer fills or the socket runs dry. Repeated reads also drain application
// data the TLS session already holds, which the event loop cannot observe.
func (c *Conn) fillReadBuffer() Transition {
	if !c.readBlocked {
		if c.rbuf.AvailableRead() == 0 {
			c.rbuf.Reset()
		} else if c.rbuf.Full() && c.rbuf.Cursor() > 0 {
			c.rbuf.Compact()
		}
	}

	result := TransitionNeedData
	for {
		if c.rbuf.Full() {
			return TransitionProceed
		}
		c.readBlocked = false
		c.readBlockedOnWrite = false
		n, st, err := c.session.TryRead(c.rbuf.Writable())
		switch st {
		case transport.OK:
			c.rbuf.Commit(n)
			result = TransitionProceed
		case transport.Eof:
			return TransitionFinish
		case transport.WouldBlockRead:
			c.readBlocked = true
			if err := c.rearm(event.Read | event.Persist); err != nil {
				return TransitionError
			}
			return result
		case transport.WouldBlockWrite:
			// TLS renegotiation turned the read into a pending write; wait
			// for writability.
			c.readBlockedOnWrite = true
			if err := c.rearm(event.Write | event.Persist); err != nil {
				return TransitionError
			}
			return result
		case transport.Interrupted:
			continue
		default: // Fatal
			c.log(quill.LogLevelError, "read failed", map[string]interface{}{"err": err.Error()})
			return TransitionError
		}
	}
}

// process interprets whatever the read buffer holds: the startup exchange
// before a handler exists, the handler's steady-state parse afterwards.
func (c *Conn) process() Transition {
	if c.startupPhase {
		return c.processStartup()
	}
	switch c.handler.Process(c.rbuf) {
	case ProcessComplete:
		return TransitionProceed
	case ProcessMoreDataRequired:
		return TransitionNeedData
	case ProcessProcessing:
		// The network event is deregistered while the query engine owns the
		// request; spurious readiness must not re-enter the machine. The
		// manual wake handle is the only way back.
		if c.netReg == nil {
			return TransitionGetResult
		}
		if err := c.netReg.Suspend(); err != nil {
			c.log(quill.LogLevelError, "suspend network event failed", map[string]interface{}{"err": err.Error()})
			return TransitionError
		}
		return TransitionGetResult
	default: // ProcessTerminate
		return TransitionError
	}
}

func (c *Conn) processStartup() Transition {
	switch c.framer.FrameStartup(c.rbuf, &c.initialPkt) {
	case packet.NeedMore:
		return TransitionNeedData
	case packet.Malformed:
		c.log(quill.LogLevelWarn, "malformed startup packet", nil)
		return TransitionError
	}

	pkt := &c.initialPkt
	if pkt.IsSSLRequest() {
		accepted := c.tlsConfig != nil && !c.sslDone
		reply := byte('N')
		if accepted {
			reply = 'S'
		}
		// The reply is a bare byte, not a framed packet.
		c.wbuf.AppendByte(reply)
		c.sslPending = accepted
		pkt.Reset()
		return TransitionProceed
	}
	if pkt.IsCancelRequest() {
		// Query cancellation targets another backend; this connection is
		// done and the protocol expects no reply.
		c.log(quill.LogLevelDebug, "cancel request received", nil)
		pkt.Reset()
		return TransitionError
	}

	if c.handler == nil {
		c.cop = c.newCop()
		wake := c.wakeReg
		c.cop.SetTaskCallback(func() {
			if wake != nil {
				wake.Raise()
			}
		})
		c.handler = c.newHandler(c.cop, ClientInfo{ID: c.id, Addr: c.addr})
	}
	res := c.handler.ProcessStartup(pkt, ClientInfo{ID: c.id, Addr: c.addr})
	pkt.Reset()
	switch res {
	case ProcessComplete:
		c.startupPhase = false
		return TransitionProceed
	case ProcessMoreDataRequired:
		return TransitionNeedData
	default:
		return TransitionError
	}
}

// processWrite drains the response queue and rearms for read when done.
func (c *Conn) processWrite() Transition {
	switch c.writePackets() {
	case writeComplete:
		if err := c.rearm(event.Read | event.Persist); err != nil {
			return TransitionError
		}
		return TransitionProceed
	case writeNotReady:
		return TransitionNotReady
	default:
		return TransitionError
	}
}

// writePackets serializes the handler's response queue into the write
// buffer, flushing whenever the buffer runs short. A packet's skip-header
// flag and write cursor preserve progress across would-block re-entries.
func (c *Conn) writePackets() writeState {
	// Ciphertext the TLS session is still holding goes out before anything
	// new is buffered.
	if c.writeBlocked || (c.session != nil && c.session.Pending()) {
		if ws := c.flushWriteBuffer(); ws != writeComplete {
			return ws
		}
	}

	// Before startup negotiation completes there may be bytes with no
	// packet framing at all (the SSL accept/reject reply).
	if c.handler == nil {
		return c.flushWriteBuffer()
	}

	resps := c.handler.Responses()
	for ; c.nextResponse < len(resps); c.nextResponse++ {
		pkt := resps[c.nextResponse]
		if ws := c.bufferHeader(pkt); ws != writeComplete {
			return ws
		}
		if ws := c.bufferPayload(pkt); ws != writeComplete {
			return ws
		}
	}
	c.handler.ClearResponses()
	c.nextResponse = 0

	if c.handler.FlushFlag() {
		if ws := c.flushWriteBuffer(); ws != writeComplete {
			return ws
		}
		c.handler.SetFlushFlag(false)
	}
	return writeComplete
}

// bufferHeader emits a packet's type byte and length field. The length on
// the wire includes its own four bytes but not the type byte. A type of
// zero omits the type byte.
func (c *Conn) bufferHeader(pkt *packet.Output) writeState {
	if pkt.SkipHeader {
		return writeComplete
	}
	if c.wbuf.AvailableWrite() < 5 {
		if ws := c.flushWriteBuffer(); ws != writeComplete {
			return ws
		}
	}
	if pkt.Type != 0 {
		c.wbuf.AppendByte(pkt.Type)
	}
	c.wbuf.Append(pgio.AppendUint32(c.hdrScratch[:0], uint32(pkt.Len())+4))
	pkt.SkipHeader = true
	return writeComplete
}

// bufferPayload copies a packet's payload into the write buffer, flushing
// each time the buffer fills.
func (c *Conn) bufferPayload(pkt *packet.Output) writeState {
	for {
		remaining := pkt.Len() - pkt.WriteCursor
		if remaining == 0 {
			return writeComplete
		}
		window := c.wbuf.AvailableWrite()
		if remaining <= window {
			c.wbuf.Append(pkt.Payload[pkt.WriteCursor:])
			pkt.WriteCursor = pkt.Len()
			return writeComplete
		}
		if window > 0 {
			c.wbuf.Append(pkt.Payload[pkt.WriteCursor : pkt.WriteCursor+window])
			pkt.WriteCursor += window
		}
		if ws := c.flushWriteBuffer(); ws != writeComplete {
			return ws
		}
	}
}

// flushWriteBuffer hands committed bytes to the session until they are gone
// or the socket pushes back.
func (c *Conn) flushWriteBuffer() writeState {
	for c.wbuf.Outstanding() > 0 || (c.session != nil && c.session.Pending()) {
		c.writeBlocked = false
		c.writeBlockedOnRead = false
		n, st, err := c.session.TryWrite(c.wbuf.Flushable())
		switch st {
		case transport.OK:
			c.wbuf.Advance(n)
		case transport.WouldBlockWrite:
			c.wbuf.Advance(n)
			c.writeBlocked = true
			if err := c.rearm(event.Write | event.Persist); err != nil {
				return writeError
			}
			return writeNotReady
		case transport.WouldBlockRead:
			// TLS renegotiation mid-write; wait for readability.
			c.wbuf.Advance(n)
			c.writeBlockedOnRead = true
			if err := c.rearm(event.Read | event.Persist); err != nil {
				return writeError
			}
			return writeNotReady
		case transport.Interrupted:
			continue
		default: // Fatal
			c.log(quill.LogLevelError, "write failed", map[string]interface{}{"err": err.Error()})
			return writeError
		}
	}
	c.wbuf.Reset()
	return writeComplete
}

// startTLS runs after the one-byte SSL accept reply has been flushed:
// allocate a TLS session bound to the descriptor, drive the handshake to
// completion, then resume reading for the real startup packet.
func (c *Conn) startTLS() error {
	c.sslPending = false
	sess := transport.NewTLS(c.fd, c.tlsConfig)
	if err := sess.Handshake(); err != nil {
		return err
	}
	c.session = sess
	c.tlsSess = sess
	c.sslDone = true
	c.startupPhase = true
	c.log(quill.LogLevelDebug, "tls session established", nil)
	return nil
}

// getResult runs when the wake handle fires in WAIT_RESULT: re-register the
// network event, let the handler materialise response packets from the
// computed result, and head to the write state.
func (c *Conn) getResult() Transition {
	if c.netReg != nil {
		if err := c.netReg.Resume(event.Read | event.Persist); err != nil {
			c.log(quill.LogLevelError, "resume network event failed", map[string]interface{}{"err": err.Error()})
			return TransitionError
		}
	}
	c.handler.GetResult()
	c.cop.SetQueuing(false)
	return TransitionProceed
}

// close tears the connection down: deregister both events, shut the TLS
// session down in an orderly fashion, reset all owned state, and close the
// descriptor. It is idempotent; the descriptor is closed at most once.
func (c *Conn) close() {
	if c.state == StateClosing || c.state == StateClosed {
		return
	}
	c.state = StateClosing

	if c.netReg != nil {
		c.netReg.Close()
	}
	if c.wakeReg != nil {
		c.wakeReg.Close()
	}
	if c.tlsSess != nil {
		if err := c.tlsSess.Shutdown(); err != nil {
			c.log(quill.LogLevelDebug, "tls shutdown", map[string]interface{}{"err": err.Error()})
		}
	}
	c.reset()
	for {
		if err := unix.Close(c.fd); err == unix.EINTR {
			continue
		}
		break
	}
	c.state = StateClosed
	if c.srv != nil {
		c.srv.removeConn(c)
	}
	c.log(quill.LogLevelDebug, "connection closed", nil)
}

func (c *Conn) reset() {
	c.rbuf.Reset()
	c.wbuf.Reset()
	c.initialPkt.Reset()
	if c.handler != nil {
		c.handler.Reset()
	}
	if c.cop != nil {
		c.cop.Reset()
	}
	c.tlsSess = nil
	c.nextResponse = 0
	c.startupPhase = false
	c.sslPending = false
	c.readBlocked = false
	c.readBlockedOnWrite = false
	c.writeBlocked = false
	c.writeBlockedOnRead = false
}

// rearm re-registers the persistent network event with a possibly-changed
// mask, reflecting the session's true need rather than the operation's
// nominal direction.
func (c *Conn) rearm(mask event.Mask) error {
	if c.netReg == nil {
		return nil
	}
	return c.netReg.Update(mask)
}

func (c *Conn) log(level quill.LogLevel, msg string, data map[string]interface{}) {
	if c.logger == nil {
		return
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	data["conn"] = c.id.String()
	c.logger.Log(level, msg, data)
}
