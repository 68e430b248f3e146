package observability

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/nullsock/tinyserver/logger"
)

func TestRecordWritesThroughLogSinkAndAccumulatesStats(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf, logger.LevelDebug, 16)
	a := New(log)

	a.Record(Record{Method: "GET", Path: "/index.html", Status: 200, Bytes: 2, Duration: 5 * time.Millisecond, Peer: "1.2.3.4:5"})
	a.Record(Record{Method: "GET", Path: "/index.html", Status: 404, Bytes: 2, Duration: 3 * time.Millisecond, Peer: "1.2.3.4:5"})
	log.Close()

	out := buf.String()
	if !strings.Contains(out, "/index.html") || !strings.Contains(out, "200") {
		t.Fatalf("access log missing expected fields: %q", out)
	}

	stats := a.Stats()
	st, ok := stats["/index.html"]
	if !ok {
		t.Fatal("expected stats entry for /index.html")
	}
	if st.Count != 2 {
		t.Fatalf("Count = %d, want 2", st.Count)
	}
	if st.Errors != 1 {
		t.Fatalf("Errors = %d, want 1", st.Errors)
	}
	if st.AvgDuration != 4*time.Millisecond {
		t.Fatalf("AvgDuration = %v, want 4ms", st.AvgDuration)
	}
}

func TestStatsReturnsEmptyMapWhenNothingRecorded(t *testing.T) {
	a := New(logger.Discard{})
	if len(a.Stats()) != 0 {
		t.Fatal("expected empty stats before any Record call")
	}
}
