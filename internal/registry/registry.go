// Package registry implements the open-file session table: concurrent
// clients streaming the same ranged read under a shared session identifier
// are coalesced onto a single open file, partitioning its bytes between
// them rather than each re-reading the whole range.
package registry

import (
	"errors"
	"io"
	"os"
	"sync"
)

// ErrConflict is returned by OpenOrJoin when a live session already holds
// the given session_id against a different path or byte range.
var ErrConflict = errors.New("registry: session id in use for a different path or range")

// SessionID is the opaque 4-byte tag clients choose to multiplex under.
type SessionID [4]byte

// session is the shared, reference-counted state behind a Handle. Its
// mutex guards nRead, file and refCount; the Registry's mutex guards only
// the shape of the slot array.
type session struct {
	mu sync.Mutex

	id         SessionID
	path       string
	offset     uint64
	nRequested uint64
	nRead      uint64
	file       *os.File
	refCount   int
}

func (s *session) close() {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
}

// Registry is the shared slot table. The first slot with ref_count == 0 is
// reused on insertion; otherwise the table grows by append (Go's slice
// growth doubles small backing arrays).
type Registry struct {
	mu       sync.Mutex
	sessions []*session
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{}
}

// OpenOrJoin joins an existing live session with an identical
// (session_id, path, offset, n_requested), rejects a session_id
// collision against a different path or range, or else opens a new file
// and claims a slot.
func (r *Registry) OpenOrJoin(id SessionID, path string, offset, nRequested uint64) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reuseIdx := -1
	for i, s := range r.sessions {
		s.mu.Lock()
		live := s.refCount > 0
		sameID := s.id == id
		samePath := s.path == path
		sameRange := s.offset == offset && s.nRequested == nRequested
		if live && sameID {
			if !samePath || !sameRange {
				s.mu.Unlock()
				return nil, ErrConflict
			}
			s.refCount++
			s.mu.Unlock()
			return &Handle{session: s}, nil
		}
		if !live && reuseIdx == -1 {
			reuseIdx = i
		}
		s.mu.Unlock()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	s := &session{
		id:         id,
		path:       path,
		offset:     offset,
		nRequested: nRequested,
		file:       f,
		refCount:   1,
	}
	if reuseIdx != -1 {
		r.sessions[reuseIdx].close()
		r.sessions[reuseIdx] = s
	} else {
		r.sessions = append(r.sessions, s)
	}
	return &Handle{session: s}, nil
}

// Handle is a borrowed reference to a live session, held by exactly one
// RetFile response frame (or shared across the handlers of joined
// multiplex requests, each with its own Handle value pointing at the same
// session).
type Handle struct {
	session *session
}

// Release decrements the session's reference count. It does not free the
// slot; reclamation happens lazily, the next time OpenOrJoin needs a slot.
func (h *Handle) Release() {
	s := h.session
	s.mu.Lock()
	s.refCount--
	s.mu.Unlock()
}

// Drained reports whether every requested byte has been read.
func (h *Handle) Drained() bool {
	s := h.session
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nRead >= s.nRequested
}

// Advance reads at most len(dst) bytes, bounded by the remaining
// (n_requested - n_read), advances the shared cursor, and reports how many
// bytes were read along with the file offset of their first byte. Two
// handles sharing a session therefore partition the range between their
// calls: each byte is read, and so sent, at most once per session.
func (h *Handle) Advance(dst []byte) (n int, globalOffset uint64, err error) {
	s := h.session
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining := s.nRequested - s.nRead
	if remaining == 0 {
		return 0, s.offset + s.nRead, nil
	}
	max := uint64(len(dst))
	if max > remaining {
		max = remaining
	}
	n, err = s.file.Read(dst[:max])
	if err != nil && err != io.EOF {
		return 0, 0, err
	}
	globalOffset = s.offset + s.nRead
	s.nRead += uint64(n)
	return n, globalOffset, nil
}
