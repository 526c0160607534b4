package server

import (
	"testing"
	"time"

	"github.com/jackc/pgio"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/quilldb/quill/event"
	"github.com/quilldb/quill/netbuf"
	"github.com/quilldb/quill/packet"
	"github.com/quilldb/quill/transport"
)

// chokeSession is an adversarial transport: each TryWrite accepts at most
// accept bytes, and every other call refuses with would-block. Written
// bytes accumulate in out for comparison with the expected stream.
type chokeSession struct {
	accept int
	out    []byte
	calls  int
	choke  bool // alternate would-block between successful writes
}

func (s *chokeSession) TryRead(dst []byte) (int, transport.Status, error) {
	return 0, transport.WouldBlockRead, nil
}

func (s *chokeSession) TryWrite(src []byte) (int, transport.Status, error) {
	s.calls++
	if s.choke && s.calls%2 == 0 {
		return 0, transport.WouldBlockWrite, nil
	}
	if len(src) == 0 {
		return 0, transport.OK, nil
	}
	n := s.accept
	if n <= 0 || n > len(src) {
		n = len(src)
	}
	s.out = append(s.out, src[:n]...)
	if n < len(src) {
		return n, transport.OK, nil
	}
	return n, transport.OK, nil
}

func (s *chokeSession) Pending() bool   { return false }
func (s *chokeSession) Shutdown() error { return nil }

// fakeHandler scripts the protocol handler side of the contract.
type fakeHandler struct {
	responses       []*packet.Output
	flush           bool
	processResult   ProcessResult
	processCalls    int
	getResultCalls  int
	resetCalls      int
	startupResult   ProcessResult
	startupReceived *packet.Input
}

func (h *fakeHandler) ProcessStartup(pkt *packet.Input, client ClientInfo) ProcessResult {
	cp := *pkt
	h.startupReceived = &cp
	return h.startupResult
}

func (h *fakeHandler) Process(rb *netbuf.ReadBuffer) ProcessResult {
	h.processCalls++
	rb.Skip(rb.AvailableRead())
	return h.processResult
}

func (h *fakeHandler) Responses() []*packet.Output { return h.responses }
func (h *fakeHandler) ClearResponses()             { h.responses = nil }
func (h *fakeHandler) FlushFlag() bool             { return h.flush }
func (h *fakeHandler) SetFlushFlag(v bool)         { h.flush = v }
func (h *fakeHandler) GetResult()                  { h.getResultCalls++ }
func (h *fakeHandler) Reset()                      { h.resetCalls++ }

type nopCop struct{ queuing bool }

func (c *nopCop) SetTaskCallback(func())                       {}
func (c *nopCop) SetQueuing(v bool)                            { c.queuing = v }
func (c *nopCop) Queuing() bool                                { return c.queuing }
func (c *nopCop) ExecuteStatement(string) (*QueryResult, bool) { return &QueryResult{}, true }
func (c *nopCop) Result() *QueryResult                         { return &QueryResult{} }
func (c *nopCop) Reset()                                       {}

// testConn builds a connection with no event loop; rearm and event
// bookkeeping become no-ops so the buffered write path can be driven
// directly.
func testConn(sess transport.Session, h ProtocolHandler, bufCap int) *Conn {
	c := &Conn{
		fd:      -1,
		session: sess,
		rbuf:    netbuf.NewReadBuffer(bufCap),
		wbuf:    netbuf.NewWriteBuffer(bufCap),
		framer:  packet.NewFramer(bufCap),
		handler: h,
		cop:     &nopCop{},
		state:   StateWrite,
	}
	return c
}

// serialize renders the wire form of an output packet the way the peer
// should observe it.
func serialize(pkts ...*packet.Output) []byte {
	var out []byte
	for _, p := range pkts {
		if p.Type != 0 {
			out = append(out, p.Type)
		}
		out = pgio.AppendUint32(out, uint32(len(p.Payload))+4)
		out = append(out, p.Payload...)
	}
	return out
}

// Any adversarial interleaving of would-block-write with short writes must
// yield exactly the serialized response queue, no duplicates, no gaps.
func TestWritePacketsPartialFlushExactStream(t *testing.T) {
	t.Parallel()

	big := make([]byte, 300)
	for i := range big {
		big[i] = byte(i * 3)
	}
	mkQueue := func() []*packet.Output {
		return []*packet.Output{
			{Type: 'R', Payload: []byte{0, 0, 0, 0}},
			{Type: 'D', Payload: big},
			{Type: 'Z', Payload: []byte{'I'}},
		}
	}
	want := serialize(mkQueue()...)

	for _, accept := range []int{1, 3, 7, 64, 0} {
		sess := &chokeSession{accept: accept, choke: true}
		h := &fakeHandler{responses: mkQueue(), flush: true}
		c := testConn(sess, h, 64)

		// Drive the write state to completion across as many would-block
		// yields as the session produces.
		for i := 0; ; i++ {
			require.Less(t, i, 10000, "write did not complete (accept=%d)", accept)
			tr := c.processWrite()
			if tr == TransitionProceed {
				break
			}
			require.Equal(t, TransitionNotReady, tr)
		}
		require.Equal(t, want, sess.out, "accept=%d", accept)
		require.Empty(t, h.responses)
		require.Zero(t, c.nextResponse)
		require.False(t, h.flush, "force flush consumed")
	}
}

// A typeless output packet is emitted without a type byte.
func TestWritePacketsOmitsZeroType(t *testing.T) {
	t.Parallel()

	sess := &chokeSession{}
	h := &fakeHandler{responses: []*packet.Output{{Type: 0, Payload: []byte{1, 2}}}, flush: true}
	c := testConn(sess, h, 64)

	require.Equal(t, TransitionProceed, c.processWrite())
	require.Equal(t, serialize(&packet.Output{Type: 0, Payload: []byte{1, 2}}), sess.out)
}

// A response larger than the write buffer flushes in segments and resumes
// from the packet's write cursor, never re-emitting its header.
func TestWritePacketsLargerThanBuffer(t *testing.T) {
	t.Parallel()

	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(255 - i%251)
	}
	sess := &chokeSession{accept: 16, choke: true}
	h := &fakeHandler{responses: []*packet.Output{{Type: 'D', Payload: payload}}, flush: true}
	c := testConn(sess, h, 32)

	for i := 0; ; i++ {
		require.Less(t, i, 10000)
		tr := c.processWrite()
		if tr == TransitionProceed {
			break
		}
		require.Equal(t, TransitionNotReady, tr)
	}
	require.Equal(t, serialize(&packet.Output{Type: 'D', Payload: payload}), sess.out)
}

func TestCloseIdempotent(t *testing.T) {
	t.Parallel()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	h := &fakeHandler{}
	c := testConn(&chokeSession{}, h, 64)
	c.fd = fds[0]

	c.close()
	require.Equal(t, StateClosed, c.State())
	require.Equal(t, 1, h.resetCalls)

	// A second close must not touch the descriptor or the handler again.
	c.close()
	require.Equal(t, StateClosed, c.State())
	require.Equal(t, 1, h.resetCalls)
}

func TestProcessProcessingParksConnection(t *testing.T) {
	t.Parallel()

	h := &fakeHandler{processResult: ProcessProcessing}
	c := testConn(&chokeSession{}, h, 64)
	c.state = StateProcess
	c.startupPhase = false
	c.rbuf.Commit(copy(c.rbuf.Writable(), []byte{1, 2, 3}))

	require.Equal(t, TransitionGetResult, c.process())
	require.Equal(t, 1, h.processCalls)
}

func TestGetResultResumesHandler(t *testing.T) {
	t.Parallel()

	h := &fakeHandler{}
	cop := &nopCop{queuing: true}
	c := testConn(&chokeSession{}, h, 64)
	c.cop = cop
	c.state = StateWaitResult

	require.Equal(t, TransitionProceed, c.getResult())
	require.Equal(t, 1, h.getResultCalls)
	require.False(t, cop.queuing)
}

// Serialising a response queue and feeding the resulting bytes back through
// the framer yields exactly the original packets.
func TestFramingRoundTrip(t *testing.T) {
	t.Parallel()

	queue := []*packet.Output{
		{Type: 'R', Payload: []byte{0, 0, 0, 0}},
		{Type: 'Z', Payload: []byte{'I'}},
		{Type: 'D', Payload: make([]byte, 700)},
	}
	sess := &chokeSession{accept: 5, choke: true}
	h := &fakeHandler{responses: queue, flush: true}
	c := testConn(sess, h, 64)
	for c.processWrite() != TransitionProceed {
	}

	rb := netbuf.NewReadBuffer(64)
	framer := packet.NewFramer(64)
	raw := sess.out
	var got []packet.Input
	var pkt packet.Input
	for len(raw) > 0 || rb.AvailableRead() > 0 {
		if rb.AvailableWrite() == 0 {
			rb.Compact()
		}
		n := copy(rb.Writable(), raw)
		rb.Commit(n)
		raw = raw[n:]
		for {
			res := framer.Frame(rb, &pkt)
			require.NotEqual(t, packet.Malformed, res)
			if res != packet.Complete {
				break
			}
			got = append(got, pkt)
			pkt = packet.Input{}
		}
		if n == 0 && rb.AvailableRead() > 0 {
			break
		}
	}

	require.Len(t, got, 3)
	for i, want := range []*packet.Output{
		{Type: 'R', Payload: []byte{0, 0, 0, 0}},
		{Type: 'Z', Payload: []byte{'I'}},
		{Type: 'D', Payload: make([]byte, 700)},
	} {
		require.Equal(t, want.Type, got[i].Type)
		require.Equal(t, want.Payload, got[i].Payload)
	}
}

// A handle parked in WAIT_RESULT has no registered network event; the wake
// handle is the only way back in, and the network event returns with it.
func TestWaitResultWakeExclusivity(t *testing.T) {
	t.Parallel()

	loop, err := event.NewLoop(nil)
	require.NoError(t, err)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run()
	}()
	t.Cleanup(func() {
		loop.Stop()
		<-loopDone
	})

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fds[1]) })

	h := &fakeHandler{processResult: ProcessProcessing}
	cfg := &Config{
		BufferCap:     64,
		NewHandler:    func(TrafficCop, ClientInfo) ProtocolHandler { return h },
		NewTrafficCop: func() TrafficCop { return &nopCop{} },
	}
	c := NewConn(fds[0], "test", loop, cfg, nil)

	initDone := make(chan error, 1)
	loop.Submit(func() {
		err := c.Init()
		if err == nil {
			c.handler = h
			c.cop = &nopCop{}
			c.startupPhase = false
		}
		initDone <- err
	})
	require.NoError(t, <-initDone)

	// Inbound bytes drive READ -> PROCESS -> PROCESSING -> WAIT_RESULT.
	_, err = unix.Write(fds[1], []byte{1, 2, 3})
	require.NoError(t, err)

	type snapshot struct {
		state     ConnState
		netArmed  bool
		wakeArmed bool
		results   int
	}
	observe := func() snapshot {
		ch := make(chan snapshot, 1)
		loop.Submit(func() {
			ch <- snapshot{c.state, c.netReg.Armed(), c.wakeReg.Armed(), h.getResultCalls}
		})
		return <-ch
	}

	deadline := time.Now().Add(5 * time.Second)
	var snap snapshot
	for {
		snap = observe()
		if snap.state == StateWaitResult {
			break
		}
		require.True(t, time.Now().Before(deadline), "never parked (state %v)", snap.state)
		time.Sleep(time.Millisecond)
	}
	require.False(t, snap.netArmed, "network event still registered in WAIT_RESULT")
	require.True(t, snap.wakeArmed, "wake event must stay registered")

	// The query engine completes and raises the wake handle.
	require.NoError(t, c.wakeReg.Raise())
	for {
		snap = observe()
		if snap.state == StateRead && snap.netArmed {
			break
		}
		require.True(t, time.Now().Before(deadline), "wake never resumed (state %v)", snap.state)
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 1, snap.results)
}
