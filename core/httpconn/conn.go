package httpconn

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nullsock/tinyserver/core/buffer"
	"github.com/nullsock/tinyserver/core/sqlpool"
)

// userCount is the process-wide live connection count, matching the
// original's static user counter used to reject new connections past
// a fd ceiling. A package-level atomic avoids a mutex for a single
// running total.
var userCount atomic.Int64

// UserCount returns the number of live connections.
func UserCount() int64 {
	return userCount.Load()
}

// Conn binds a socket fd to its read/write buffers, parser, and
// responder, and drives the read/process/write cycle for one
// connection. It is grounded on the original server's HttpConn
// (httpconn.h), with the original's manual iov[2] union replaced by
// plain byte slices handed to golang.org/x/sys/unix.Writev.
//
// Conn is not safe for concurrent use. The one-shot re-arm discipline
// in core/server.Reactor guarantees exactly one worker owns a given
// Conn at a time; this is the sole synchronization mechanism,
// matching the original design rather than adding a per-connection
// mutex.
type Conn struct {
	fd   int
	peer string
	et   bool // edge-triggered: read/write loop until EAGAIN

	readBuf  *buffer.Buffer
	writeBuf *buffer.Buffer
	parser   *Parser
	resp     *Responder

	fileOff   int64
	keepAlive bool
	closed    bool

	reqStart      time.Time
	lastMethod    string
	lastPath      string
	lastCode      int
	lastRespBytes int64
}

// NewConn creates a Conn for an accepted socket. fd must already be
// non-blocking. et selects edge-triggered read/write looping;
// srcDir and pool are forwarded to the responder and parser.
func NewConn(fd int, peer string, et bool, srcDir string, pool *sqlpool.Pool) *Conn {
	userCount.Add(1)
	return &Conn{
		fd:       fd,
		peer:     peer,
		et:       et,
		readBuf:  buffer.New(0),
		writeBuf: buffer.New(0),
		parser:   NewParser(pool),
		resp:     NewResponder(srcDir),
	}
}

// Fd returns the connection's socket file descriptor.
func (c *Conn) Fd() int { return c.fd }

// Peer returns the connection's peer address, for logging.
func (c *Conn) Peer() string { return c.peer }

// KeepAlive reports whether the most recently completed request asked
// to keep the connection open.
func (c *Conn) KeepAlive() bool { return c.keepAlive }

// Closed reports whether Close has already run.
func (c *Conn) Closed() bool { return c.closed }

// Read scatter-reads from the socket into the read buffer. In
// edge-triggered mode it loops until EAGAIN, draining any burst in as
// few syscalls as possible (buffer.ReadFromFd already folds a 64 KiB
// scratch read into each call); in level-triggered mode it performs a
// single read. It returns io.EOF if the peer has closed its side.
func (c *Conn) Read() (int, error) {
	total := 0
	for {
		n, err := c.readBuf.ReadFromFd(c.fd)
		total += n
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return total, nil
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return total, err
		}
		if n == 0 {
			return total, io.EOF
		}
		if !c.et {
			return total, nil
		}
	}
}

// Process runs the parser over the read buffer. It returns
// (false, nil) if the request is not yet complete (the caller should
// re-arm read interest and wait for more data); it returns (true,
// nil) once a response has been built into the write buffer and iov
// state is ready for Write.
func (c *Conn) Process(ctx context.Context) (bool, error) {
	if c.reqStart.IsZero() {
		c.reqStart = time.Now()
	}

	done, err := c.parser.Parse(ctx, c.readBuf)
	if err != nil {
		return false, err
	}
	if !done {
		return false, nil
	}

	req := c.parser.Request()
	c.keepAlive = req.IsKeepAlive() && req.Code != 400
	c.lastMethod = req.Method
	c.lastPath = req.Path

	c.resp.Init(req.Path, c.keepAlive, req.Code)
	c.resp.MakeResponse(c.writeBuf)
	c.lastCode = c.resp.Code()
	c.lastRespBytes = int64(c.writeBuf.Readable()) + c.resp.FileLen()
	c.fileOff = 0
	return true, nil
}

// RequestSnapshot reports the method, path, final status code, and
// response size of the most recently completed request, and the time
// elapsed from the first Process call for that request up to this
// call. It is valid until PrepareNext or the next call to Process.
func (c *Conn) RequestSnapshot() (method, path string, code int, bytes int64, elapsed time.Duration) {
	return c.lastMethod, c.lastPath, c.lastCode, c.lastRespBytes, time.Since(c.reqStart)
}

// Write flushes the response via a vectored write over the header
// region (writeBuf) and the mapped file region (resp.File()). It
// returns true once everything has been written; in edge-triggered
// mode it loops internally until EAGAIN or completion, in
// level-triggered mode it performs a single write attempt.
func (c *Conn) Write() (bool, error) {
	for {
		header := c.writeBuf.Peek()
		file := c.fileRemaining()
		if len(header) == 0 && len(file) == 0 {
			return true, nil
		}

		iovs := make([]unix.Iovec, 0, 2)
		if len(header) > 0 {
			iovs = append(iovs, iovecOf(header))
		}
		if len(file) > 0 {
			iovs = append(iovs, iovecOf(file))
		}

		n, err := unix.Writev(c.fd, iovs)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return false, nil
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return false, err
		}
		if n == 0 {
			return false, nil
		}

		if n <= len(header) {
			c.writeBuf.Retrieve(n)
		} else {
			c.writeBuf.Retrieve(len(header))
			c.fileOff += int64(n - len(header))
		}

		if !c.et {
			header = c.writeBuf.Peek()
			file = c.fileRemaining()
			return len(header) == 0 && len(file) == 0, nil
		}
	}
}

func (c *Conn) fileRemaining() []byte {
	f := c.resp.File()
	if f == nil || c.fileOff >= int64(len(f)) {
		return nil
	}
	return f[c.fileOff:]
}

func iovecOf(p []byte) unix.Iovec {
	var iov unix.Iovec
	if len(p) > 0 {
		iov.Base = &p[0]
	}
	iov.SetLen(len(p))
	return iov
}

// PrepareNext resets the connection for the next request on a
// kept-alive socket: unmaps any file, rewinds the write buffer, and
// resets the parser. The read buffer is left as-is since any
// pipelined bytes already read belong to the next request.
func (c *Conn) PrepareNext() {
	c.resp.UnmapFile()
	c.fileOff = 0
	c.writeBuf.RetrieveAll()
	c.parser.Reset()
	c.reqStart = time.Time{}
}

// Close unregisters the connection's resources: unmaps any file and
// closes the socket. Idempotent, so it tolerates a race with a worker
// mid-transaction on the same fd; the worker's subsequent touch of a
// closed Conn is a caller bug, but Close itself never double-counts.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.resp.UnmapFile()
	err := syscall.Close(c.fd)
	userCount.Add(-1)
	return err
}

// SetNonblock marks fd non-blocking, required before registering any
// socket with the demultiplexer.
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}
