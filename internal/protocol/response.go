package protocol

import "golang.org/x/sys/unix"

// WriteResult is the outcome of a single non-blocking write attempt
// against a ResponseFrame.
type WriteResult int

const (
	// WriteError means the peer closed the connection or the write failed
	// for a reason other than the socket buffer being full.
	WriteError WriteResult = iota
	// WriteProgress means the buffer is not yet fully written: either part
	// of the tail was written or the socket buffer was full.
	WriteProgress
	// WriteComplete means the whole buffer has been written.
	WriteComplete
)

// ResponseFrame is a prebuilt buffer (metadata already written into its
// first MetadataLen bytes) written out one non-blocking write at a time.
// Aux is non-nil only for RetFile responses, carrying a borrowed handle on
// the open-file session so the reactor can re-fill the buffer in place
// once the current chunk has been fully written.
type ResponseFrame struct {
	Kind Kind
	Aux  RetFileRefiller

	buf     []byte
	written int
}

// NewResponseFrame wraps a fully-built wire buffer for writing.
func NewResponseFrame(kind Kind, buf []byte, aux RetFileRefiller) *ResponseFrame {
	return &ResponseFrame{Kind: kind, Aux: aux, buf: buf}
}

// Write performs exactly one non-blocking write against fd, against the
// tail [written:len(buf)], and reports the resulting state.
func (f *ResponseFrame) Write(fd int) WriteResult {
	n, err := unix.Write(fd, f.buf[f.written:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return WriteProgress
		}
		return WriteError
	}
	f.written += n
	if f.written < len(f.buf) {
		return WriteProgress
	}
	return WriteComplete
}

// Done reports whether the buffer has been fully written.
func (f *ResponseFrame) Done() bool { return f.written == len(f.buf) }

// Reset re-arms the frame with a new buffer (the next RetFile chunk),
// resetting the write cursor to zero.
func (f *ResponseFrame) Reset(buf []byte) {
	f.buf = buf
	f.written = 0
}

// Len returns the total buffer size, metadata included.
func (f *ResponseFrame) Len() int { return len(f.buf) }

// Buffer exposes the raw wire bytes, primarily for tests.
func (f *ResponseFrame) Buffer() []byte { return f.buf }
