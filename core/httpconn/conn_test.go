package httpconn

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"
)

// socketpair returns two connected, bidirectional unix-domain socket
// fds: fds[0] is wrapped in the Conn under test, fds[1] plays the
// remote peer. Using AF_UNIX/SOCK_STREAM gives Conn real socket
// syscalls (Readv/Writev/Close) to exercise without a network
// namespace.
func socketpair(t *testing.T) (local, remote int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}
	t.Cleanup(func() {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestConnReadProcessWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	local, remote := socketpair(t)
	c := NewConn(local, "test-peer", false, dir, nil)

	req := "GET /index.html HTTP/1.1\r\nConnection: keep-alive\r\n\r\n"
	if _, err := syscall.Write(remote, []byte(req)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	if _, err := c.Read(); err != nil {
		t.Fatalf("Read: %v", err)
	}

	done, err := c.Process(context.Background())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !done {
		t.Fatal("expected Process to complete on a full request")
	}
	if !c.KeepAlive() {
		t.Fatal("expected keep-alive")
	}

	for {
		complete, err := c.Write()
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		if complete {
			break
		}
	}

	out := make([]byte, 4096)
	n, err := syscall.Read(remote, out)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	resp := string(out[:n])
	if !strings.Contains(resp, "HTTP/1.1 200 OK") {
		t.Fatalf("missing status line: %q", resp)
	}
	if !strings.HasSuffix(resp, "hi") {
		t.Fatalf("missing body: %q", resp)
	}
}

func TestConnCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	local, _ := socketpair(t)

	before := UserCount()
	c := NewConn(local, "peer", false, dir, nil)
	if UserCount() != before+1 {
		t.Fatalf("UserCount after NewConn = %d, want %d", UserCount(), before+1)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if UserCount() != before {
		t.Fatalf("UserCount after double Close = %d, want %d", UserCount(), before)
	}
	if !c.Closed() {
		t.Fatal("Closed() should report true")
	}
}

func TestConnProcessReturnsFalseOnPartialRequest(t *testing.T) {
	dir := t.TempDir()
	local, remote := socketpair(t)
	c := NewConn(local, "peer", false, dir, nil)

	partial := "GET /index.html HTTP/1.1\r\nConnection: keep-"
	if _, err := syscall.Write(remote, []byte(partial)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := c.Read(); err != nil {
		t.Fatalf("Read: %v", err)
	}

	done, err := c.Process(context.Background())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if done {
		t.Fatal("Process should not complete on a partial request")
	}
}
