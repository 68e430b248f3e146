package buffer

import (
	"os"
	"testing"
)

func TestReadableWritablePrependableInvariant(t *testing.T) {
	b := New(16)
	if b.Readable() != 0 || b.Writable() != 16 || b.Prependable() != 0 {
		t.Fatalf("unexpected fresh buffer state: readable=%d writable=%d prependable=%d", b.Readable(), b.Writable(), b.Prependable())
	}

	b.AppendString("hello")
	if b.Readable() != 5 {
		t.Fatalf("readable = %d, want 5", b.Readable())
	}

	b.Retrieve(2)
	if b.Prependable() != 2 {
		t.Fatalf("prependable = %d, want 2", b.Prependable())
	}
	if got := string(b.Peek()); got != "llo" {
		t.Fatalf("peek = %q, want %q", got, "llo")
	}
}

func TestAppendThenRetrieveAllRoundTrips(t *testing.T) {
	b := New(4)
	want := "the quick brown fox jumps over the lazy dog"
	b.AppendString(want)

	got := b.RetrieveAllToString()
	if got != want {
		t.Fatalf("round trip = %q, want %q", got, want)
	}
	if b.Readable() != 0 {
		t.Fatalf("readable after RetrieveAllToString = %d, want 0", b.Readable())
	}
}

func TestRetrieveResetsIndicesWhenDrained(t *testing.T) {
	b := New(8)
	b.AppendString("ab")
	b.Retrieve(2)

	if b.Readable() != 0 {
		t.Fatalf("readable = %d, want 0", b.Readable())
	}
	// Draining fully must reset both indices to 0, not just readPos,
	// so the buffer does not slowly march towards the end of its
	// backing array on a long-lived keep-alive connection.
	if b.readPos != 0 || b.writePos != 0 {
		t.Fatalf("indices after full drain = (%d,%d), want (0,0)", b.readPos, b.writePos)
	}
}

func TestMakeSpaceCompactsInsteadOfGrowingWhenPossible(t *testing.T) {
	b := New(8)
	b.AppendString("abcdefgh") // fills the buffer
	b.Retrieve(6)              // readPos=6, writePos=8, prependable=6

	capBefore := len(b.buf)
	b.EnsureWritable(6) // writable(0) + prependable(6) >= 6: must compact, not grow
	if len(b.buf) != capBefore {
		t.Fatalf("buffer grew from %d to %d bytes; expected in-place compaction", capBefore, len(b.buf))
	}
	if got := string(b.Peek()); got != "gh" {
		t.Fatalf("peek after compaction = %q, want %q", got, "gh")
	}
}

func TestMakeSpaceGrowsWhenCompactionIsNotEnough(t *testing.T) {
	b := New(4)
	b.AppendString("ab")
	b.EnsureWritable(100)
	if b.Writable() < 100 {
		t.Fatalf("writable = %d, want >= 100", b.Writable())
	}
	if got := string(b.Peek()); got != "ab" {
		t.Fatalf("content lost across grow: %q", got)
	}
}

func TestWriteToFdAdvancesReadPosByWrittenLength(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	b := New(16)
	b.AppendString("payload")

	n, err := b.WriteToFd(int(w.Fd()))
	if err != nil {
		t.Fatalf("WriteToFd: %v", err)
	}
	if n != len("payload") {
		t.Fatalf("wrote %d bytes, want %d", n, len("payload"))
	}
	if b.Readable() != 0 {
		t.Fatalf("readable after full write = %d, want 0", b.Readable())
	}
}

func TestReadFromFdSumsToKernelReturnValue(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	payload := []byte("some bytes sent across a pipe for the reader to scatter-read")
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	w.Close()

	b := New(8) // smaller than payload, forces the scratch-region path
	n, err := b.ReadFromFd(int(r.Fd()))
	if err != nil {
		t.Fatalf("ReadFromFd: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("ReadFromFd returned %d, want %d", n, len(payload))
	}
	if b.Readable() != n {
		t.Fatalf("readable = %d after appending %d bytes", b.Readable(), n)
	}
	if got := string(b.Peek()); got != string(payload) {
		t.Fatalf("content = %q, want %q", got, string(payload))
	}
}
