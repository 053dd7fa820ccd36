package reactor

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"filedserver/internal/dict"
	"filedserver/internal/dirlist"
	"filedserver/internal/handlers"
	"filedserver/internal/protocol"
	"filedserver/internal/registry"

	"golang.org/x/sys/unix"
)

func testDict(t *testing.T) *dict.Dictionary {
	t.Helper()
	data := make([]byte, 0, 512)
	for sym := 0; sym < 256; sym++ {
		data = append(data, 8, byte(sym))
	}
	tmp := filepath.Join(t.TempDir(), "compression.dict")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	d, err := dict.LoadFile(tmp)
	if err != nil {
		t.Fatalf("dict.LoadFile() error: %v", err)
	}
	return d
}

func TestWorkerDrivesEchoRoundTrip(t *testing.T) {
	dir := t.TempDir()
	dirCache, err := dirlist.New(4)
	if err != nil {
		t.Fatalf("dirlist.New() error: %v", err)
	}
	deps := &handlers.Deps{
		Dir:      dir,
		Dict:     testDict(t),
		Registry: registry.New(),
		DirCache: dirCache,
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("Socketpair() error: %v", err)
	}
	serverFD, clientFD := fds[0], fds[1]
	defer unix.Close(clientFD)

	w, err := New(deps, nil, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := w.Register(serverFD, "test-trace"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		w.Run(stop)
		close(done)
	}()
	defer func() {
		close(stop)
		<-done
	}()

	req := make([]byte, protocol.MetadataLen+len("hello"))
	protocol.WriteMetadata(req, protocol.ReqEcho, false, uint64(len("hello")))
	copy(req[protocol.MetadataLen:], "hello")
	if _, err := unix.Write(clientFD, req); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	resp := readFullResponse(t, clientFD)
	if resp[0]>>4 != protocol.RespEcho {
		t.Fatalf("response type = %d, want RespEcho", resp[0]>>4)
	}
	n := binary.BigEndian.Uint64(resp[1:protocol.MetadataLen])
	body := resp[protocol.MetadataLen : protocol.MetadataLen+n]
	if string(body) != "hello" {
		t.Fatalf("body = %q, want %q", body, "hello")
	}
}

func TestWorkerClosesConnectionAfterErrorResponse(t *testing.T) {
	dir := t.TempDir()
	dirCache, err := dirlist.New(4)
	if err != nil {
		t.Fatalf("dirlist.New() error: %v", err)
	}
	deps := &handlers.Deps{
		Dir:      dir,
		Dict:     testDict(t),
		Registry: registry.New(),
		DirCache: dirCache,
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("Socketpair() error: %v", err)
	}
	serverFD, clientFD := fds[0], fds[1]
	defer unix.Close(clientFD)

	w, err := New(deps, nil, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := w.Register(serverFD, "test-trace"); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		w.Run(stop)
		close(done)
	}()
	defer func() {
		close(stop)
		<-done
	}()

	// header 0xA0: request type code 10 is not one of the valid codes.
	req := make([]byte, protocol.MetadataLen)
	req[0] = 0xA0
	if _, err := unix.Write(clientFD, req); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	resp := readFullResponse(t, clientFD)
	if resp[0]>>4 != protocol.RespError {
		t.Fatalf("response type = %d, want RespError", resp[0]>>4)
	}

	deadline := time.Now().Add(5 * time.Second)
	buf := make([]byte, 1)
	for {
		n, err := unix.Read(clientFD, buf)
		if n == 0 && err == nil {
			return // peer closed, as expected
		}
		if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return // any other read error also indicates the connection closed
		}
		if time.Now().After(deadline) {
			t.Fatalf("connection was not closed after error response")
		}
		time.Sleep(time.Millisecond)
	}
}

// readFullResponse polls a non-blocking fd until a complete metadata+body
// response has arrived, or the test deadline elapses.
func readFullResponse(t *testing.T, fd int) []byte {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var buf []byte
	chunk := make([]byte, 256)
	for {
		n, err := unix.Read(fd, chunk)
		if err == nil && n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if len(buf) >= protocol.MetadataLen {
			want := protocol.MetadataLen + int(binary.BigEndian.Uint64(buf[1:protocol.MetadataLen]))
			if len(buf) >= want {
				return buf[:want]
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for response, got %d bytes", len(buf))
		}
		time.Sleep(time.Millisecond)
	}
}
