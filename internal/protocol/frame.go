// Package protocol implements the wire framing: request/response types,
// the 9-byte metadata layout shared by both directions, and the
// incremental, non-blocking frame state machines that read and write it.
package protocol

import "encoding/binary"

// Request type codes, bits 7..4 of the request header byte.
const (
	ReqEcho     byte = 0
	ReqListDir  byte = 2
	ReqFileSize byte = 4
	ReqRetFile  byte = 6
	ReqShutdown byte = 8
)

// Response type codes, the high nibble of the response metadata byte.
const (
	RespEcho     byte = 1
	RespListDir  byte = 3
	RespFileSize byte = 5
	RespRetFile  byte = 7
	RespError    byte = 15
)

// Kind identifies which handler produced a ResponseFrame, independent of
// the wire byte, so the reactor can apply variant-specific completion
// policy (RetFile's re-fill loop) without re-parsing the buffer.
type Kind int

const (
	KindEcho Kind = iota
	KindListDir
	KindFileSize
	KindRetFile
	KindError
)

// MetadataLen is the size of the header+length prefix shared by every
// request and response frame: 1 header byte, 8 big-endian length bytes.
const MetadataLen = 9

// RetFilePrefixLen is the size of the session_id/offset/chunk_len prefix
// that follows the metadata in every RetFile response body.
const RetFilePrefixLen = 20

// ParseHeader splits a request header byte into its three fields.
func ParseHeader(b byte) (reqType byte, compressedIn, wantCompressed bool) {
	reqType = b >> 4
	compressedIn = b&0x08 != 0
	wantCompressed = b&0x04 != 0
	return
}

// WriteMetadata writes the 9-byte header+length prefix for a response of
// the given type, compression flag and payload length into buf[0:9].
func WriteMetadata(buf []byte, respType byte, compressed bool, payloadLen uint64) {
	b := respType << 4
	if compressed {
		b |= 0x08
	}
	buf[0] = b
	binary.BigEndian.PutUint64(buf[1:MetadataLen], payloadLen)
}

// RetFileRefiller lets the reactor drive a multi-chunk RetFile response to
// completion without knowing anything about the open-file registry: it
// asks whether the underlying session is drained, and if not, asks for the
// next chunk's full wire buffer (metadata included).
type RetFileRefiller interface {
	Drained() bool
	Refill() ([]byte, error)
	Release()
}
