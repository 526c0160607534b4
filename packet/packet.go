// Package packet implements the logical framing unit of the wire protocol: a
// one-byte type tag, a four-byte big-endian length, and a payload. The Framer
// decodes Input packets out of a connection's read buffer; Output packets are
// serialized into the write buffer by the connection's write path.
package packet

import "encoding/binary"

// SSLRequestCode is the magic protocol version carried by an SSLRequest
// startup packet.
const SSLRequestCode = 80877103

// CancelRequestCode is the magic protocol version carried by a CancelRequest
// startup packet.
const CancelRequestCode = 80877102

// Input is a packet being assembled from inbound bytes. The first packet of a
// connection has no type byte; all subsequent packets do. Length counts
// payload bytes only — the four length-field bytes on the wire are excluded.
// Once HeaderParsed is set, Length is fixed and Payload accretes until its
// size equals Length, at which point FullyRead becomes true.
type Input struct {
	Type         byte
	Length       uint32
	Payload      []byte
	HeaderParsed bool
	FullyRead    bool

	// Extended marks a packet whose payload exceeds the read buffer
	// capacity; its payload lives in a dedicated allocation instead of being
	// bounded by the scratch buffer.
	Extended bool
}

// Reset returns the packet to its zero state so it can assemble the next
// frame. The payload allocation is dropped, not reused: extended payloads
// must not pin their large backing arrays.
func (p *Input) Reset() {
	*p = Input{}
}

// Remaining returns the number of payload bytes still to be read.
func (p *Input) Remaining() int {
	return int(p.Length) - len(p.Payload)
}

// IsSSLRequest reports whether the packet is the PostgreSQL SSL negotiation
// sentinel: a startup-shaped packet whose four-byte payload is the SSLRequest
// magic.
func (p *Input) IsSSLRequest() bool {
	return p.FullyRead && p.Type == 0 && p.Length == 4 &&
		binary.BigEndian.Uint32(p.Payload) == SSLRequestCode
}

// IsCancelRequest reports whether the packet is a CancelRequest: a
// startup-shaped packet whose payload opens with the CancelRequest magic.
func (p *Input) IsCancelRequest() bool {
	return p.FullyRead && p.Type == 0 && p.Length >= 4 &&
		binary.BigEndian.Uint32(p.Payload) == CancelRequestCode
}

// Output is a response packet waiting to be serialized into the write
// buffer. A Type of zero means the packet is emitted without a type prefix.
// WriteCursor and SkipHeader preserve progress when a flush returns
// would-block partway through the packet.
type Output struct {
	Type    byte
	Payload []byte

	// WriteCursor counts payload bytes already copied to the socket buffer.
	WriteCursor int
	// SkipHeader is set once the header has been emitted, so a re-entered
	// write does not duplicate it.
	SkipHeader bool
}

// Len returns the payload size.
func (p *Output) Len() int { return len(p.Payload) }
