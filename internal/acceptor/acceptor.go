// Package acceptor owns the listening socket and distributes accepted
// connections round-robin across a fixed pool of reactor workers.
package acceptor

import (
	"fmt"
	"sync"

	"filedserver/internal/reactor"

	"github.com/op/go-logging"
	uuid "github.com/satori/go.uuid"
	"golang.org/x/sys/unix"
)

// Acceptor binds the listening socket and owns the worker pool.
type Acceptor struct {
	fd      int
	workers []*reactor.Worker
	log     *logging.Logger

	stop       chan struct{}
	stopOnce   sync.Once
	shutdownCh chan struct{}
}

// New binds and listens on ip:port with SO_REUSEADDR|SO_REUSEPORT and the
// maximum backlog, and returns an Acceptor over the given, already-built
// workers.
func New(ip [4]byte, port uint16, workers []*reactor.Worker, log *logging.Logger) (*Acceptor, error) {
	// The listening socket itself is left blocking: Run calls Accept4
	// directly against it and relies on a blocking accept to sleep the
	// acceptor goroutine while idle, matching the original server's
	// accept() loop. Only accepted client sockets are non-blocking
	// (passed via Accept4's flags below).
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("acceptor: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("acceptor: setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("acceptor: setsockopt SO_REUSEPORT: %w", err)
	}
	addr := &unix.SockaddrInet4{Port: int(port), Addr: ip}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("acceptor: bind: %w", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("acceptor: listen: %w", err)
	}

	return &Acceptor{
		fd:         fd,
		workers:    workers,
		log:        log,
		stop:       make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}, nil
}

// Run starts every worker on its own goroutine and then loops accepting
// connections, round-robining each onto the next worker, until Shutdown
// is requested by a handled Shutdown request or Accept4 fails with an
// error other than EINTR. It returns once the listening socket and every
// worker have torn down.
//
// Accept4 blocks on the (blocking) listening socket, so the acceptor
// goroutine sleeps rather than busy-polling while idle; a goroutine below
// unblocks it on shutdown by closing the listening socket, the same
// close-to-interrupt-accept technique the original accept() loop relies
// on.
func (a *Acceptor) Run() {
	var wg sync.WaitGroup
	for _, w := range a.workers {
		wg.Add(1)
		go func(w *reactor.Worker) {
			defer wg.Done()
			w.Run(a.stop)
		}(w)
	}

	go func() {
		<-a.shutdownCh
		unix.Close(a.fd)
	}()

	threadIndex := 0
	for {
		connFD, _, err := unix.Accept4(a.fd, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			// EBADF (closed by the shutdown goroutine above) or any other
			// accept failure both mean this acceptor can no longer accept.
			break
		}

		id, err := uuid.NewV4()
		if err != nil {
			// crypto/rand is exhausted; fall back to a zero-value UUID rather
			// than drop the connection over a log-correlation id.
			id = uuid.UUID{}
		}
		traceID := id.String()
		worker := a.workers[threadIndex]
		if err := worker.Register(connFD, traceID); err != nil {
			unix.Close(connFD)
			if a.log != nil {
				a.log.Error("failed to register connection: ", err)
			}
		} else if a.log != nil {
			a.log.Info("accepted connection ", traceID, " on worker ", threadIndex)
		}
		threadIndex = (threadIndex + 1) % len(a.workers)
	}

	close(a.stop)
	wg.Wait()
}

// Shutdown signals Run to stop accepting new connections and cancel every
// worker. Safe to call from any worker goroutine; idempotent.
func (a *Acceptor) Shutdown() {
	a.stopOnce.Do(func() { close(a.shutdownCh) })
}
