// Package reactor implements one worker's readiness loop: a single
// goroutine, pinned to its own connection set, driven directly by epoll
// rather than net.Conn, so framing stays in full control of when a read
// or write actually happens. A request never blocks the worker: it runs
// handlers synchronously between one readiness notification and the
// next.
package reactor

import (
	"sync"

	"filedserver/internal/connpool"
	"filedserver/internal/handlers"
	"filedserver/internal/panics"
	"filedserver/internal/protocol"

	"github.com/op/go-logging"
	"golang.org/x/sys/unix"
)

const initialEventsCap = 64

// Worker owns one epoll instance, one connection pool, and the handler
// dependencies every dispatched request needs.
type Worker struct {
	epfd    int
	pool    *connpool.Manager
	deps    *handlers.Deps
	log     *logging.Logger
	events  []unix.EpollEvent
	running bool

	// indexMu guards index: Register is called from the acceptor goroutine
	// while Run's own goroutine reads and deletes from the same map, so
	// plain map access here would be a concurrent read/write.
	indexMu sync.Mutex
	index   fdIndex

	onShutdown func()
}

// New creates a worker with its own epoll instance.
func New(deps *handlers.Deps, log *logging.Logger, onShutdown func()) (*Worker, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Worker{
		epfd:       epfd,
		pool:       connpool.New(),
		deps:       deps,
		log:        log,
		events:     make([]unix.EpollEvent, initialEventsCap),
		onShutdown: onShutdown,
	}, nil
}

// Register hands fd (already non-blocking) to this worker, arming it for
// read readiness. traceID is a caller-assigned correlation id, logged but
// never sent on the wire.
func (w *Worker) Register(fd int, traceID string) error {
	idx := w.pool.Acquire(fd, traceID)
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		w.pool.Release(idx, closeFD)
		return err
	}
	w.connIndex(fd, idx)
	return nil
}

// fdIndex maps a live fd to its connpool slot index. Kept alongside the
// pool rather than inside Conn because epoll events arrive keyed by fd,
// not by slot index.
type fdIndex = map[int]int

func (w *Worker) connIndex(fd, idx int) {
	w.indexMu.Lock()
	defer w.indexMu.Unlock()
	if w.index == nil {
		w.index = make(fdIndex)
	}
	w.index[fd] = idx
}

func (w *Worker) lookupIndex(fd int) (int, bool) {
	w.indexMu.Lock()
	defer w.indexMu.Unlock()
	idx, ok := w.index[fd]
	return idx, ok
}

func (w *Worker) forgetIndex(fd int) {
	w.indexMu.Lock()
	defer w.indexMu.Unlock()
	delete(w.index, fd)
}

// Run drives the readiness loop until stop is requested or a Shutdown
// request is handled. It returns once every connection has been torn
// down.
func (w *Worker) Run(stop <-chan struct{}) {
	w.running = true
	for w.running {
		select {
		case <-stop:
			w.running = false
			continue
		default:
		}

		if w.pool.Count() >= len(w.events) {
			w.growEvents()
		}

		n, err := unix.EpollWait(w.epfd, w.events, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			break
		}
		for i := 0; i < n; i++ {
			ev := w.events[i]
			fd := int(ev.Fd)
			idx, ok := w.lookupIndex(fd)
			if !ok {
				continue
			}
			panics.RecoverToLog(func() { w.handleEvent(fd, idx, ev.Events) }, w.log)
		}
	}
	w.pool.Destroy(closeFD)
	unix.Close(w.epfd)
}

// growEvents doubles the readiness events buffer, matching the slice
// doubling used throughout this codebase instead of a fixed cap.
func (w *Worker) growEvents() {
	w.events = append(w.events, make([]unix.EpollEvent, len(w.events))...)
}

func (w *Worker) handleEvent(fd, idx int, events uint32) {
	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		w.terminate(fd, idx)
		return
	}

	var state connpool.State
	w.pool.Access(idx, func(c *connpool.Conn) { state = c.State })

	if events&unix.EPOLLIN != 0 && state == connpool.Reading {
		w.handleReadable(fd, idx)
	}
	if events&unix.EPOLLOUT != 0 && state == connpool.Writing {
		w.handleWritable(fd, idx)
	}
}

func (w *Worker) handleReadable(fd, idx int) {
	var result protocol.ReadResult
	var reqType byte
	var compressedIn, wantCompressed bool
	var payload []byte

	w.pool.Access(idx, func(c *connpool.Conn) {
		result = c.Request.Read(fd)
		if result == protocol.ReadComplete {
			reqType, compressedIn, wantCompressed = protocol.ParseHeader(c.Request.Header())
			payload = c.Request.Payload()
		}
	})

	switch result {
	case protocol.ReadError:
		w.terminate(fd, idx)
	case protocol.ReadComplete:
		outcome := handlers.Handle(w.deps, reqType, compressedIn, wantCompressed, payload)
		if outcome.Shutdown {
			w.terminate(fd, idx)
			if w.onShutdown != nil {
				w.onShutdown()
			}
			return
		}
		w.startWriting(fd, idx, outcome.Response)
	}
}

func (w *Worker) startWriting(fd, idx int, resp *protocol.ResponseFrame) {
	w.pool.Access(idx, func(c *connpool.Conn) {
		c.Response = resp
		c.State = connpool.Writing
	})
	ev := unix.EpollEvent{Events: unix.EPOLLOUT, Fd: int32(fd)}
	unix.EpollCtl(w.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (w *Worker) handleWritable(fd, idx int) {
	var result protocol.WriteResult
	var kind protocol.Kind
	var aux protocol.RetFileRefiller

	w.pool.Access(idx, func(c *connpool.Conn) {
		result = c.Response.Write(fd)
		kind = c.Response.Kind
		aux = c.Response.Aux
	})

	switch result {
	case protocol.WriteError:
		if aux != nil {
			aux.Release()
		}
		w.terminate(fd, idx)
	case protocol.WriteProgress:
		// stay registered for writability; level-triggered epoll refires.
	case protocol.WriteComplete:
		if kind == protocol.KindRetFile && aux != nil && !aux.Drained() {
			buf, err := aux.Refill()
			if err != nil {
				aux.Release()
				w.terminate(fd, idx)
				return
			}
			w.pool.Access(idx, func(c *connpool.Conn) { c.Response.Reset(buf) })
			return
		}
		if aux != nil {
			aux.Release()
		}
		if kind == protocol.KindError {
			w.terminate(fd, idx)
			return
		}
		w.recycleToReading(fd, idx)
	}
}

func (w *Worker) recycleToReading(fd, idx int) {
	w.pool.Access(idx, func(c *connpool.Conn) {
		c.State = connpool.Reading
		c.Request = protocol.NewRequestFrame()
		c.Response = nil
	})
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	unix.EpollCtl(w.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (w *Worker) terminate(fd, idx int) {
	if w.log != nil {
		var traceID string
		w.pool.Access(idx, func(c *connpool.Conn) { traceID = c.TraceID })
		w.log.Debug("connection terminated", traceID, fd)
	}
	unix.EpollCtl(w.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	w.forgetIndex(fd)
	w.pool.Release(idx, closeFD)
}

func closeFD(fd int) { unix.Close(fd) }
