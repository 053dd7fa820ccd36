package protocol

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// ReadResult is the outcome of a single non-blocking read attempt against
// a RequestFrame.
type ReadResult int

const (
	// ReadError means the peer closed the connection or the read failed
	// for a reason other than the socket having no data ready.
	ReadError ReadResult = iota
	// ReadProgress means the read made no further progress beyond filling
	// whatever was immediately available; more invocations are needed.
	ReadProgress
	// ReadComplete means both the 9-byte metadata and the full payload
	// have been received.
	ReadComplete
)

type readState int

const (
	readingMetadata readState = iota
	readingPayload
	complete
)

// RequestFrame incrementally parses one request: a 9-byte header+length
// prefix, then a payload of the declared length. The payload buffer does
// not exist until the metadata is complete; payload length may be zero.
type RequestFrame struct {
	state      readState
	metadata   [MetadataLen]byte
	metaFilled int

	payload       []byte
	payloadFilled int
	payloadLen    uint64
}

// NewRequestFrame returns a frame ready to read metadata from byte zero.
func NewRequestFrame() *RequestFrame {
	return &RequestFrame{}
}

// Read performs exactly one non-blocking read against fd, against either
// the metadata tail or the payload tail, and reports the resulting state.
// Repeated calls drive the frame to ReadComplete.
func (f *RequestFrame) Read(fd int) ReadResult {
	switch f.state {
	case readingMetadata:
		n, err := unix.Read(fd, f.metadata[f.metaFilled:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return ReadProgress
			}
			return ReadError
		}
		if n == 0 {
			return ReadError // peer closed
		}
		f.metaFilled += n
		if f.metaFilled < MetadataLen {
			return ReadProgress
		}
		f.payloadLen = binary.BigEndian.Uint64(f.metadata[1:MetadataLen])
		if f.payloadLen == 0 {
			f.state = complete
			return ReadComplete
		}
		f.payload = make([]byte, f.payloadLen)
		f.state = readingPayload
		return ReadProgress

	case readingPayload:
		n, err := unix.Read(fd, f.payload[f.payloadFilled:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return ReadProgress
			}
			return ReadError
		}
		if n == 0 {
			return ReadError
		}
		f.payloadFilled += n
		if uint64(f.payloadFilled) < f.payloadLen {
			return ReadProgress
		}
		f.state = complete
		return ReadComplete

	default:
		return ReadComplete
	}
}

// Header returns the raw request header byte. Only meaningful once Read
// has returned ReadComplete.
func (f *RequestFrame) Header() byte { return f.metadata[0] }

// Payload returns the received payload, possibly empty. Only meaningful
// once Read has returned ReadComplete.
func (f *RequestFrame) Payload() []byte { return f.payload }
