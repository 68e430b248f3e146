// Package server implements the Reactor: the single-threaded event
// loop that accepts connections, demultiplexes their readiness, and
// dispatches read/process/write work onto a worker pool. It is
// grounded on the original server's WebServer/Epoller pairing
// (webserver.h), restructured around Go's goroutines-as-workers
// instead of raw pthread handles.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nullsock/tinyserver/config"
	"github.com/nullsock/tinyserver/core/httpconn"
	"github.com/nullsock/tinyserver/core/observability"
	"github.com/nullsock/tinyserver/core/poller"
	"github.com/nullsock/tinyserver/core/sqlpool"
	"github.com/nullsock/tinyserver/core/timer"
	"github.com/nullsock/tinyserver/core/workerpool"
	"github.com/nullsock/tinyserver/logger"
)

// maxFD bounds the number of live connections, matching the
// original's MAX_FD overload guard in webserver.cpp.
const maxFD = 65536

// Reactor owns the listen socket, the demultiplexer, the timer heap,
// and the connection map. Exactly one goroutine runs Start's loop and
// touches the connection map and timer heap; workers (via the worker
// pool) run Conn.Read/Process/Write concurrently across distinct
// connections.
type Reactor struct {
	cfg    *config.Config
	log    logger.Log
	access *observability.AccessLog
	pool   *sqlpool.Pool

	listenFd int
	demux    poller.Poller
	timers   *timer.Heap
	workers  *workerpool.Pool

	shutdownR, shutdownW int

	mu    sync.Mutex
	conns map[int]*httpconn.Conn

	closing bool
	ready   chan struct{}
}

// New creates a Reactor. log and access must not be nil; pass
// logger.Discard{} and observability.New(logger.Discard{}) if logging
// and access recording are disabled. pool may be nil if no SQL
// collaborator is configured, in which case /login and /register
// always fail soft.
func New(cfg *config.Config, log logger.Log, access *observability.AccessLog, pool *sqlpool.Pool) *Reactor {
	return &Reactor{
		cfg:    cfg,
		log:    log,
		access: access,
		pool:   pool,
		timers: timer.New(),
		conns:  make(map[int]*httpconn.Conn),
		ready:  make(chan struct{}),
	}
}

// Ready returns a channel that closes once the listen socket and
// demultiplexer are initialized and Start is about to enter its event
// loop. Tests use this to avoid dialing before the server is up.
func (r *Reactor) Ready() <-chan struct{} {
	return r.ready
}

// Start initializes the listen socket and demultiplexer and runs the
// event loop until Shutdown is called. It returns nil on a clean
// shutdown and a non-zero-worthy error on bind/listen/demux-create
// failure.
func (r *Reactor) Start() error {
	if err := r.initListener(); err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}

	demux, err := poller.NewPoller()
	if err != nil {
		unix.Close(r.listenFd)
		return fmt.Errorf("server: demultiplexer: %w", err)
	}
	r.demux = demux

	if err := r.initShutdownPipe(); err != nil {
		return fmt.Errorf("server: shutdown pipe: %w", err)
	}

	listenEvents := poller.Readable
	if r.cfg.TrigMode.ListenET() {
		listenEvents |= poller.EdgeTriggered
	}
	if err := r.demux.AddFd(r.listenFd, listenEvents); err != nil {
		return fmt.Errorf("server: register listen fd: %w", err)
	}
	if err := r.demux.AddFd(r.shutdownR, poller.Readable); err != nil {
		return fmt.Errorf("server: register shutdown fd: %w", err)
	}

	r.workers = workerpool.New(r.cfg.ThreadNum, r.cfg.QueueCap)
	r.workers.OnPanic(func(rec any) {
		r.log.Log(logger.LevelError, "worker panic recovered: %v", rec)
	})

	r.log.Log(logger.LevelInfo, "reactor listening on port %d (srcDir=%s, trigMode=%d)", r.cfg.Port, r.cfg.SrcDir, r.cfg.TrigMode)
	close(r.ready)

	r.loop()
	r.teardown()
	return nil
}

func (r *Reactor) loop() {
	for {
		nextMs := r.timers.GetNextTick()
		events, err := r.demux.Wait(nextMs)
		if err != nil {
			r.log.Log(logger.LevelError, "demultiplexer wait: %v", err)
			continue
		}

		r.mu.Lock()
		closing := r.closing
		r.mu.Unlock()
		if closing {
			return
		}

		for _, ev := range events {
			switch ev.Fd {
			case r.shutdownR:
				r.drainShutdownPipe()
			case r.listenFd:
				r.acceptLoop()
			default:
				r.dispatch(ev)
			}
		}
	}
}

func (r *Reactor) dispatch(ev poller.Event) {
	r.mu.Lock()
	conn, ok := r.conns[ev.Fd]
	r.mu.Unlock()
	if !ok {
		return
	}

	if ev.Events&poller.HangUp != 0 {
		r.closeConn(conn)
		return
	}
	if ev.Events&poller.Readable != 0 {
		r.submit(func() { r.onRead(conn) })
	}
	if ev.Events&poller.Writable != 0 {
		r.submit(func() { r.onWrite(conn) })
	}
}

// submit hands a task to the worker pool, logging a warning if the
// pool has already been shut down out from under a late event.
func (r *Reactor) submit(task func()) {
	if err := r.workers.Submit(task); err != nil {
		r.log.Log(logger.LevelWarn, "submit after pool close: %v", err)
	}
}

func (r *Reactor) acceptLoop() {
	for {
		fd, sa, err := unix.Accept4(r.listenFd, unix.SOCK_NONBLOCK)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			r.log.Log(logger.LevelWarn, "accept: %v", err)
			return
		}

		if httpconn.UserCount() >= maxFD {
			rejectOverloaded(fd)
			unix.Close(fd)
			continue
		}
		r.addClient(fd, sa)

		if !r.cfg.TrigMode.ListenET() {
			return
		}
	}
}

// rejectOverloaded writes a short error line to a connection that
// arrived past MAX_FD: degrade the new peer, not the server.
func rejectOverloaded(fd int) {
	const body = "Server is busy!"
	msg := fmt.Sprintf("HTTP/1.1 503 Service Unavailable\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
	unix.Write(fd, []byte(msg))
}

func (r *Reactor) addClient(fd int, sa unix.Sockaddr) {
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return
	}

	peer := formatSockaddr(sa)
	conn := httpconn.NewConn(fd, peer, r.cfg.TrigMode.ConnET(), r.cfg.SrcDir, r.pool)

	r.mu.Lock()
	r.conns[fd] = conn
	r.mu.Unlock()

	r.timers.Add(fd, r.idleTimeout(), func() { r.expireConn(conn) })

	events := poller.Readable
	if r.cfg.TrigMode.ConnET() {
		events |= poller.EdgeTriggered | poller.OneShot
	}
	if err := r.demux.AddFd(fd, events); err != nil {
		r.closeConn(conn)
	}
}

func (r *Reactor) idleTimeout() time.Duration {
	return time.Duration(r.cfg.TimeoutMs) * time.Millisecond
}

// expireConn is the TimerHeap callback for an idle connection; it
// runs on the reactor goroutine during GetNextTick/Tick, never on a
// worker, so it does not race a worker's own close path except
// through Close's idempotence.
func (r *Reactor) expireConn(conn *httpconn.Conn) {
	r.closeConn(conn)
}

func (r *Reactor) onRead(conn *httpconn.Conn) {
	if conn.Closed() {
		return
	}
	_, err := conn.Read()
	if err != nil {
		r.closeConn(conn)
		return
	}
	r.onProcess(conn)
}

func (r *Reactor) onProcess(conn *httpconn.Conn) {
	done, err := conn.Process(context.Background())
	if err != nil {
		r.closeConn(conn)
		return
	}
	if !done {
		r.rearm(conn, poller.Readable)
		return
	}

	r.timers.Adjust(conn.Fd(), r.idleTimeout())
	r.rearm(conn, poller.Writable)
}

func (r *Reactor) onWrite(conn *httpconn.Conn) {
	if conn.Closed() {
		return
	}
	complete, err := conn.Write()
	if err != nil {
		r.closeConn(conn)
		return
	}
	if !complete {
		r.rearm(conn, poller.Writable)
		return
	}

	r.logAccess(conn)
	r.timers.Adjust(conn.Fd(), r.idleTimeout())

	if !conn.KeepAlive() {
		r.closeConn(conn)
		return
	}
	conn.PrepareNext()
	r.rearm(conn, poller.Readable)
}

func (r *Reactor) rearm(conn *httpconn.Conn, base poller.EventMask) {
	events := base
	if r.cfg.TrigMode.ConnET() {
		events |= poller.EdgeTriggered | poller.OneShot
	}
	if err := r.demux.ModFd(conn.Fd(), events); err != nil {
		r.closeConn(conn)
	}
}

func (r *Reactor) logAccess(conn *httpconn.Conn) {
	method, path, code, bytes, elapsed := conn.RequestSnapshot()
	r.access.Record(observability.Record{
		Method:   method,
		Path:     path,
		Status:   code,
		Bytes:    bytes,
		Duration: elapsed,
		Peer:     conn.Peer(),
	})
}

// closeConn removes conn from the connection map and releases its
// resources. It is safe to call concurrently for distinct
// connections, and safe to call twice for the same connection (both
// the timer and a worker may race to close the same idle fd; Conn.Close
// and DelFd both tolerate a repeat call).
func (r *Reactor) closeConn(conn *httpconn.Conn) {
	r.mu.Lock()
	delete(r.conns, conn.Fd())
	r.mu.Unlock()

	r.timers.Remove(conn.Fd())
	r.demux.DelFd(conn.Fd())
	conn.Close()
}

// Shutdown requests a graceful stop: the next Wait wakeup (forced
// immediately via the self-pipe) causes the loop to exit, after which
// Start tears down every connection, the worker pool, and the
// demultiplexer before returning.
func (r *Reactor) Shutdown() {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return
	}
	r.closing = true
	r.mu.Unlock()

	unix.Write(r.shutdownW, []byte{0})
}

func (r *Reactor) teardown() {
	unix.Close(r.listenFd)

	r.mu.Lock()
	conns := make([]*httpconn.Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		r.closeConn(c)
	}

	if r.workers != nil {
		r.workers.Close()
	}
	r.demux.Close()
	unix.Close(r.shutdownR)
	unix.Close(r.shutdownW)

	r.log.Log(logger.LevelInfo, "reactor shut down cleanly")
}

// Addr returns the listen socket's bound address, useful when Config
// was given port 0 and the kernel picked an ephemeral one (tests do
// this to avoid colliding on a fixed port).
func (r *Reactor) Addr() (string, error) {
	sa, err := unix.Getsockname(r.listenFd)
	if err != nil {
		return "", err
	}
	return formatSockaddr(sa), nil
}

func (r *Reactor) initListener() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return err
	}
	if r.cfg.OptLinger {
		linger := unix.Linger{Onoff: 1, Linger: 1}
		if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &linger); err != nil {
			unix.Close(fd)
			return err
		}
	}

	addr := &unix.SockaddrInet4{Port: r.cfg.Port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return err
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return err
	}

	r.listenFd = fd
	return nil
}

// initShutdownPipe creates the self-pipe Shutdown writes to, so a
// Wait blocked indefinitely (no connections, no timers) returns
// immediately instead of waiting out a stray poll interval.
func (r *Reactor) initShutdownPipe() error {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return err
	}
	r.shutdownR, r.shutdownW = fds[0], fds[1]
	return nil
}

func (r *Reactor) drainShutdownPipe() {
	var buf [64]byte
	for {
		_, err := unix.Read(r.shutdownR, buf[:])
		if err != nil {
			return
		}
	}
}

func formatSockaddr(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d:%d", a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3], a.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%x]:%d", a.Addr, a.Port)
	default:
		return "unknown"
	}
}
