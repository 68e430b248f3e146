package httpconn

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/nullsock/tinyserver/core/buffer"
	"github.com/nullsock/tinyserver/core/optimize"
)

// suffixType is the fixed MIME table, extended with the original
// server's full suffix set so more of srcDir serves with a correct
// Content-Type instead of falling through to text/plain.
var suffixType = map[string]string{
	".html":  "text/html",
	".xml":   "text/xml",
	".xhtml": "application/xhtml+xml",
	".txt":   "text/plain",
	".rtf":   "application/rtf",
	".pdf":   "application/pdf",
	".word":  "application/nsword",
	".png":   "image/png",
	".gif":   "image/gif",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".au":    "audio/basic",
	".mpeg":  "video/mpeg",
	".mpg":   "video/mpeg",
	".avi":   "video/x-msvideo",
	".gz":    "application/x-gzip",
	".tar":   "application/x-tar",
	".css":   "text/css",
	".js":    "text/javascript",
}

var codeStatus = map[int]string{
	200: "OK",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
}

var codePath = map[int]string{
	400: "/400.html",
	403: "/403.html",
	404: "/404.html",
}

// Responder builds an HTTP/1.1 response for a resolved path, memory
// mapping the backing file for zero-copy vectored write. It is
// grounded on the original server's HttpResponse (httpresponse.cpp)
// with Go's golang.org/x/sys/unix.Mmap/Munmap replacing raw mmap(2),
// and a resolve-before-write ordering that keeps Content-Length
// accurate even when mmap fails on an already-stat'ed file (the
// original wrote headers from one stat result and could mmap a
// different one on content-length mismatch).
type Responder struct {
	srcDir    string
	path      string
	keepAlive bool
	code      int

	mapped    []byte
	fileSize  int64
	errorBody []byte
}

// NewResponder creates a Responder rooted at srcDir.
func NewResponder(srcDir string) *Responder {
	return &Responder{srcDir: srcDir}
}

// Init resets the responder for a new request, unmapping any file
// left over from a previous cycle on a kept-alive connection.
func (r *Responder) Init(path string, keepAlive bool, code int) {
	r.UnmapFile()
	r.path = path
	r.keepAlive = keepAlive
	r.code = code
	r.fileSize = 0
	r.errorBody = nil
}

// Code returns the response's final HTTP status.
func (r *Responder) Code() int {
	return r.code
}

// File returns the memory-mapped file content for vectored write, or
// nil if the response body was synthesized inline into buf instead.
func (r *Responder) File() []byte {
	return r.mapped
}

// FileLen returns the length of the mapped file content, 0 if none.
func (r *Responder) FileLen() int64 {
	return r.fileSize
}

// UnmapFile releases any held mapping. Idempotent: safe to call from
// Init (before remapping) and from Close.
func (r *Responder) UnmapFile() {
	if r.mapped != nil {
		unix.Munmap(r.mapped)
		r.mapped = nil
	}
}

// MakeResponse resolves the target file, writes the status line and
// headers into buf, and maps (or synthesizes) the body.
func (r *Responder) MakeResponse(buf *buffer.Buffer) {
	fullPath := filepath.Join(r.srcDir, filepath.Clean("/"+strings.TrimPrefix(r.path, "/")))

	var info os.FileInfo
	var err error
	if r.code == 0 {
		info, err = os.Stat(fullPath)
		switch {
		case err != nil || info.IsDir():
			r.code = 404
		case info.Mode().Perm()&0o004 == 0: // S_IROTH
			r.code = 403
		default:
			r.code = 200
		}
	}

	if _, isError := codePath[r.code]; isError {
		errPath := codePath[r.code]
		if optimize.ComparePathSIMD(r.path, errPath) {
			// Already pointing at its own canonical error page
			// (e.g. a 404 request for /404.html itself); avoid
			// looping back through the same resolution.
		} else {
			r.path = errPath
		}
		fullPath = filepath.Join(r.srcDir, r.path)
		info, err = os.Stat(fullPath)
		if err != nil || info.IsDir() {
			info = nil
		}
	}

	r.addStateLine(buf)

	if info == nil {
		r.errorBody = []byte(errorContent(r.code))
		r.addHeader(buf, ".html", int64(len(r.errorBody)))
		buf.AppendBytes(r.errorBody)
		return
	}

	mapped, mapErr := mmapFile(fullPath, info.Size())
	if mapErr != nil {
		r.errorBody = []byte(errorContent(r.code))
		r.addHeader(buf, ".html", int64(len(r.errorBody)))
		buf.AppendBytes(r.errorBody)
		return
	}

	r.mapped = mapped
	r.fileSize = info.Size()
	r.addHeader(buf, filepath.Ext(fullPath), r.fileSize)
}

func (r *Responder) addStateLine(buf *buffer.Buffer) {
	reason, ok := codeStatus[r.code]
	if !ok {
		reason = "Bad Request"
		r.code = 400
	}
	buf.AppendString(fmt.Sprintf("HTTP/1.1 %d %s\r\n", r.code, reason))
}

func (r *Responder) addHeader(buf *buffer.Buffer, ext string, contentLength int64) {
	if r.keepAlive {
		buf.AppendString("Connection: keep-alive\r\n")
		buf.AppendString("keep-alive: timeout=120\r\n")
	} else {
		buf.AppendString("Connection: close\r\n")
	}

	mime, ok := suffixType[strings.ToLower(ext)]
	if !ok {
		mime = "text/plain"
	}
	buf.AppendString(fmt.Sprintf("Content-Type: %s\r\n", mime))
	buf.AppendString(fmt.Sprintf("Content-Length: %d\r\n\r\n", contentLength))
}

// errorContent synthesizes a minimal HTML body for a status code
// whose canonical error page itself cannot be found on disk, so the
// server can always answer even with a missing/misconfigured srcDir.
func errorContent(code int) string {
	reason, ok := codeStatus[code]
	if !ok {
		reason, code = "Bad Request", 400
	}
	return fmt.Sprintf("<html><title>Error</title><body bgcolor=\"ffffff\">%d : %s</body></html>", code, reason)
}

// mmapFile maps path read-only, matching the original's
// PROT_READ|MAP_PRIVATE mapping used purely for zero-copy transmit.
func mmapFile(path string, size int64) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return data, nil
}
