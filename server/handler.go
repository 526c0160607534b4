package server

import (
	"github.com/gofrs/uuid"

	"github.com/quilldb/quill/netbuf"
	"github.com/quilldb/quill/packet"
)

// ProcessResult is what a protocol handler reports back to the connection
// state machine after consuming inbound bytes.
type ProcessResult int

const (
	// ProcessComplete means one or more responses are now queued; the
	// connection transitions to its write state.
	ProcessComplete ProcessResult = iota
	// ProcessMoreDataRequired means the handler needs more inbound bytes
	// before it can make progress.
	ProcessMoreDataRequired
	// ProcessProcessing means the query engine has taken ownership of the
	// request and will raise the connection's wake handle when the result is
	// ready.
	ProcessProcessing
	// ProcessTerminate means the session is over; the connection closes.
	ProcessTerminate
)

func (r ProcessResult) String() string {
	switch r {
	case ProcessComplete:
		return "complete"
	case ProcessMoreDataRequired:
		return "more-data-required"
	case ProcessProcessing:
		return "processing"
	case ProcessTerminate:
		return "terminate"
	default:
		return "invalid"
	}
}

// ClientInfo identifies a connection to the protocol handler.
type ClientInfo struct {
	ID   uuid.UUID
	Addr string
}

// ProtocolHandler interprets decoded packets and produces response packets.
// Today only the PostgreSQL v3 dialect (quillwire) satisfies it; another
// wire dialect is a second implementation, not a change to the engine.
//
// A handler is exclusively owned by one connection and is never called
// concurrently.
type ProtocolHandler interface {
	// ProcessStartup performs version and parameter negotiation on the
	// connection's first packet. SSL negotiation never reaches the handler;
	// the connection engine answers the SSLRequest sentinel itself.
	ProcessStartup(pkt *packet.Input, client ClientInfo) ProcessResult

	// Process consumes bytes from the read buffer, framing and dispatching
	// as many packets as are available, and populates the response queue.
	Process(rb *netbuf.ReadBuffer) ProcessResult

	// Responses is the ordered queue of output packets to be drained by the
	// connection's write state.
	Responses() []*packet.Output

	// ClearResponses empties the response queue after all packets have been
	// serialized.
	ClearResponses()

	// FlushFlag instructs the engine to flush the socket after draining the
	// response queue.
	FlushFlag() bool
	SetFlushFlag(bool)

	// GetResult is invoked on wake; it appends response packets synthesised
	// from the completed query.
	GetResult()

	// Reset clears queues and parser state. Any in-flight deferred request
	// is dropped.
	Reset()
}
