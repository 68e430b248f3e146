package server

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nullsock/tinyserver/config"
	"github.com/nullsock/tinyserver/core/observability"
	"github.com/nullsock/tinyserver/logger"
)

func newTestReactor(t *testing.T, timeoutMs int) (*Reactor, string) {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{
		Port:      0,
		SrcDir:    dir,
		TrigMode:  config.TrigEdgeEdge,
		TimeoutMs: timeoutMs,
		ThreadNum: 4,
		QueueCap:  16,
	}
	r := New(cfg, logger.Discard{}, observability.New(logger.Discard{}), nil)

	done := make(chan error, 1)
	go func() { done <- r.Start() }()

	select {
	case <-r.Ready():
	case err := <-done:
		t.Fatalf("reactor exited before becoming ready: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("reactor never became ready")
	}

	addr, err := r.Addr()
	if err != nil {
		t.Fatalf("Addr: %v", err)
	}

	t.Cleanup(func() {
		r.Shutdown()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("reactor did not shut down")
		}
	})

	return r, addr
}

func writeResource(t *testing.T, dir, name, content string, mode os.FileMode) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), mode); err != nil {
		t.Fatalf("WriteFile(%s): %v", name, err)
	}
}

func TestEndToEndStaticGetKeepAlive(t *testing.T) {
	r, addr := newTestReactor(t, 60000)
	writeResource(t, r.cfg.SrcDir, "index.html", "hi", 0o644)

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte("GET /index.html HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	resp := readResponse(t, conn)
	if !strings.Contains(resp, "HTTP/1.1 200 OK") {
		t.Fatalf("missing status line: %q", resp)
	}
	if !strings.Contains(resp, "Connection: keep-alive") {
		t.Fatalf("missing keep-alive header: %q", resp)
	}
	if !strings.HasSuffix(resp, "hi") {
		t.Fatalf("missing body: %q", resp)
	}

	// Connection should remain usable for a second request.
	if _, err := conn.Write([]byte("GET /index.html HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")); err != nil {
		t.Fatalf("second write: %v", err)
	}
	resp2 := readResponse(t, conn)
	if !strings.Contains(resp2, "HTTP/1.1 200 OK") {
		t.Fatalf("second response missing status line: %q", resp2)
	}
}

func TestEndToEndMissingFileIs404(t *testing.T) {
	r, addr := newTestReactor(t, 60000)
	writeResource(t, r.cfg.SrcDir, "404.html", "nf", 0o644)

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	conn.Write([]byte("GET /nope HTTP/1.1\r\nConnection: close\r\n\r\n"))
	resp := readResponse(t, conn)
	if !strings.Contains(resp, "HTTP/1.1 404 Not Found") {
		t.Fatalf("missing 404 status line: %q", resp)
	}
	if !strings.HasSuffix(resp, "nf") {
		t.Fatalf("missing 404 body: %q", resp)
	}
}

func TestEndToEndUnreadableFileIs403(t *testing.T) {
	r, addr := newTestReactor(t, 60000)
	writeResource(t, r.cfg.SrcDir, "secret", "top secret", 0o600)
	writeResource(t, r.cfg.SrcDir, "403.html", "forbidden", 0o644)

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	conn.Write([]byte("GET /secret HTTP/1.1\r\nConnection: close\r\n\r\n"))
	resp := readResponse(t, conn)
	if !strings.Contains(resp, "HTTP/1.1 403 Forbidden") {
		t.Fatalf("missing 403 status line: %q", resp)
	}
}

func TestEndToEndMalformedRequestIs400AndCloses(t *testing.T) {
	_, addr := newTestReactor(t, 60000)

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	conn.Write([]byte("GARBAGE\r\n\r\n"))
	resp := readResponse(t, conn)
	if !strings.Contains(resp, "HTTP/1.1 400 Bad Request") {
		t.Fatalf("missing 400 status line: %q", resp)
	}

	// The server must close after a 400; a subsequent read should see EOF.
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	if n, err := conn.Read(buf); err == nil {
		t.Fatalf("expected connection closed after 400, got %d more bytes", n)
	}
}

func TestEndToEndIdleConnectionIsClosedByTimer(t *testing.T) {
	_, addr := newTestReactor(t, 150)

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if err == nil && n > 0 {
		t.Fatalf("expected no data, got %d bytes", n)
	}
	// A closed-by-peer socket reads EOF (err != nil, n == 0); any
	// non-timeout error here confirms the server side closed it.
	if err != nil && strings.Contains(err.Error(), "timeout") {
		t.Fatalf("idle connection was not closed within the deadline: %v", err)
	}
}

func readResponse(t *testing.T, conn net.Conn) string {
	t.Helper()
	r := bufio.NewReader(conn)

	var sb strings.Builder
	contentLength := -1
	for {
		line, err := r.ReadString('\n')
		sb.WriteString(line)
		if err != nil {
			t.Fatalf("read headers: %v", err)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(strings.ToLower(trimmed), "content-length:") {
			var n int
			_, _ = sscanInt(trimmed, &n)
			contentLength = n
		}
		if trimmed == "" {
			break
		}
	}
	if contentLength > 0 {
		body := make([]byte, contentLength)
		if _, err := readFull(r, body); err != nil {
			t.Fatalf("read body: %v", err)
		}
		sb.Write(body)
	}
	return sb.String()
}

func sscanInt(headerLine string, out *int) (int, error) {
	idx := strings.IndexByte(headerLine, ':')
	val := strings.TrimSpace(headerLine[idx+1:])
	n := 0
	for _, ch := range val {
		if ch < '0' || ch > '9' {
			break
		}
		n = n*10 + int(ch-'0')
	}
	*out = n
	return n, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
