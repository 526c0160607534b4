package packet

import (
	"encoding/binary"

	"github.com/quilldb/quill/netbuf"
)

// Result is the outcome of one framing attempt.
type Result int

const (
	// NeedMore means the read buffer ran short; commit more bytes and call
	// again with the same packet.
	NeedMore Result = iota
	// Complete means the packet is fully read.
	Complete
	// Malformed means the header is invalid; the connection must close.
	Malformed
)

// maxStartupLength bounds the length field of a startup packet. Matches the
// sanity bound the PostgreSQL backend applies before any negotiation.
const maxStartupLength = 10000

// Framer decodes packets from a read buffer. It is stateless between calls;
// all assembly progress lives in the Input packet, so a partially-framed
// packet survives any number of NeedMore round trips through the event loop.
type Framer struct {
	// bufCap is the capacity of the read buffer the framer consumes from.
	// Payloads larger than this use the packet's extended allocation.
	bufCap int
}

// NewFramer returns a Framer for read buffers of the given capacity.
func NewFramer(bufCap int) *Framer {
	if bufCap <= 0 {
		bufCap = netbuf.DefaultCap
	}
	return &Framer{bufCap: bufCap}
}

// FrameStartup decodes the typeless first packet of a connection: a four-byte
// big-endian length (which includes itself) followed by length-4 payload
// bytes.
func (f *Framer) FrameStartup(rb *netbuf.ReadBuffer, pkt *Input) Result {
	if !pkt.HeaderParsed {
		raw, err := rb.Peek(4)
		if err != nil {
			return NeedMore
		}
		length := binary.BigEndian.Uint32(raw)
		if length < 4 || length > maxStartupLength {
			return Malformed
		}
		rb.Skip(4)
		f.parseHeader(pkt, 0, length-4)
	}
	return f.accrete(rb, pkt)
}

// Frame decodes a steady-state packet: a one-byte type, a four-byte
// big-endian length (which includes itself but not the type byte), and
// length-4 payload bytes.
func (f *Framer) Frame(rb *netbuf.ReadBuffer, pkt *Input) Result {
	if !pkt.HeaderParsed {
		raw, err := rb.Peek(5)
		if err != nil {
			return NeedMore
		}
		length := binary.BigEndian.Uint32(raw[1:])
		if length < 4 {
			return Malformed
		}
		rb.Skip(5)
		f.parseHeader(pkt, raw[0], length-4)
	}
	return f.accrete(rb, pkt)
}

func (f *Framer) parseHeader(pkt *Input, typ byte, payloadLen uint32) {
	pkt.Type = typ
	pkt.Length = payloadLen
	pkt.HeaderParsed = true
	pkt.Extended = int(payloadLen) > f.bufCap
	pkt.Payload = make([]byte, 0, payloadLen)
}

// accrete consumes available bytes into the payload until it reaches the
// length fixed by the header.
func (f *Framer) accrete(rb *netbuf.ReadBuffer, pkt *Input) Result {
	if want := pkt.Remaining(); want > 0 {
		n := rb.AvailableRead()
		if n > want {
			n = want
		}
		if n > 0 {
			chunk, _ := rb.Peek(n)
			pkt.Payload = append(pkt.Payload, chunk...)
			rb.Skip(n)
		}
	}
	if pkt.Remaining() > 0 {
		return NeedMore
	}
	pkt.FullyRead = true
	return Complete
}
