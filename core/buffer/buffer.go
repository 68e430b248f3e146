// Package buffer implements a growable, read/write-indexed byte
// buffer with scatter read and drain-to-fd, the Go counterpart of the
// original server's Buffer class (buffer.h/buffer.cpp).
package buffer

import (
	"syscall"

	"golang.org/x/sys/unix"
)

const initialCapacity = 1024

// scratchSize is the size of the stack scratch region ReadFromFD
// scatters into alongside the buffer's writable tail. 64 KiB covers a
// single edge-triggered drain of a typical socket burst.
const scratchSize = 65535

// Buffer owns a contiguous byte region with two monotonically
// advancing indices readPos <= writePos <= len(buf). It is not safe
// for concurrent use: per the concurrency model, a connection's
// buffers are touched by exactly one worker at a time.
type Buffer struct {
	buf      []byte
	readPos  int
	writePos int
}

// New creates a Buffer with the given initial capacity. A
// non-positive size falls back to the default.
func New(initialSize int) *Buffer {
	if initialSize <= 0 {
		initialSize = initialCapacity
	}
	return &Buffer{buf: make([]byte, initialSize)}
}

// Readable returns the number of unread bytes.
func (b *Buffer) Readable() int {
	return b.writePos - b.readPos
}

// Writable returns the number of bytes that can be written without
// growing the buffer.
func (b *Buffer) Writable() int {
	return len(b.buf) - b.writePos
}

// Prependable returns the number of bytes freed at the front of the
// buffer by prior Retrieve calls.
func (b *Buffer) Prependable() int {
	return b.readPos
}

// Peek returns a view of the readable region. The slice aliases the
// buffer's storage and is invalidated by any mutating call.
func (b *Buffer) Peek() []byte {
	return b.buf[b.readPos:b.writePos]
}

// EnsureWritable grows or compacts the buffer so that at least n bytes
// can be written without reallocating again.
func (b *Buffer) EnsureWritable(n int) {
	if n > b.Writable() {
		b.makeSpace(n)
	}
}

// HasWritten advances the write index by n after n bytes have been
// placed in the writable tail, as AppendBytes does.
func (b *Buffer) HasWritten(n int) {
	b.writePos += n
}

// Retrieve advances the read index by n. When the buffer has been
// fully drained, both indices reset to zero so the next write starts
// at offset 0 instead of growing forever.
func (b *Buffer) Retrieve(n int) {
	b.readPos += n
	if b.readPos >= b.writePos {
		b.readPos = 0
		b.writePos = 0
	}
}

// RetrieveAll resets the buffer to empty without returning its
// contents.
func (b *Buffer) RetrieveAll() {
	b.readPos = 0
	b.writePos = 0
}

// RetrieveAllToString drains every readable byte and returns it as a
// string.
func (b *Buffer) RetrieveAllToString() string {
	s := string(b.Peek())
	b.RetrieveAll()
	return s
}

// AppendBytes appends p to the buffer, growing or compacting first if
// necessary.
func (b *Buffer) AppendBytes(p []byte) {
	b.EnsureWritable(len(p))
	copy(b.buf[b.writePos:], p)
	b.HasWritten(len(p))
}

// AppendString appends s to the buffer.
func (b *Buffer) AppendString(s string) {
	b.AppendBytes([]byte(s))
}

// ReadFromFd performs a scatter read from fd into the buffer's
// writable tail and a stack scratch region, guaranteeing a single
// syscall can drain a burst up to ~64 KiB even when the buffer is
// nearly full. This is essential under edge-triggered readiness,
// which requires reading until EAGAIN.
func (b *Buffer) ReadFromFd(fd int) (int, error) {
	var scratch [scratchSize]byte
	if b.Writable() == 0 {
		b.EnsureWritable(1)
	}
	writable := b.Writable()

	iovs := []unix.Iovec{
		unixIovec(b.buf[b.writePos : b.writePos+writable]),
		unixIovec(scratch[:]),
	}

	n, err := unix.Readv(fd, iovs)
	if err != nil {
		return 0, err
	}

	read := n
	if read <= writable {
		b.writePos += read
	} else {
		b.writePos = len(b.buf)
		b.AppendBytes(scratch[:read-writable])
	}
	return read, nil
}

// unixIovec builds a unix.Iovec pointing at p without copying.
func unixIovec(p []byte) unix.Iovec {
	var iov unix.Iovec
	if len(p) > 0 {
		iov.Base = &p[0]
	}
	iov.SetLen(len(p))
	return iov
}

// WriteToFd performs a single write of the readable region and
// advances readPos by the number of bytes actually written.
func (b *Buffer) WriteToFd(fd int) (int, error) {
	n, err := syscall.Write(fd, b.Peek())
	if n > 0 {
		b.Retrieve(n)
	}
	return n, err
}

func (b *Buffer) makeSpace(n int) {
	if b.Writable()+b.Prependable() < n {
		newBuf := make([]byte, b.writePos+n+1)
		copy(newBuf, b.buf[:b.writePos])
		b.buf = newBuf
		return
	}

	readable := b.Readable()
	copy(b.buf, b.buf[b.readPos:b.writePos])
	b.readPos = 0
	b.writePos = readable
}
