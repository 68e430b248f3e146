// Package observability records one structured line per completed
// request, plus running atomic counters per path. A fixed small set
// of endpoints has no use for bottleneck detection or per-handler
// percentile histograms; count, error count, and average latency per
// path are enough to see whether a route is healthy.
package observability

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nullsock/tinyserver/logger"
)

// Record is one completed request, handed to the access log once its
// response has been fully written to the peer.
type Record struct {
	Method   string
	Path     string
	Status   int
	Bytes    int64
	Duration time.Duration
	Peer     string
}

// pathStats tracks aggregate counters for a single path, so a long
// running server can answer "how is /login doing" without replaying
// the full access log.
type pathStats struct {
	count    atomic.Uint64
	errors   atomic.Uint64
	totalNs  atomic.Uint64
}

// AccessLog writes one line per request through the given Log sink
// and keeps lightweight running counters per path.
type AccessLog struct {
	log   logger.Log
	mu    sync.Mutex
	paths map[string]*pathStats
}

// New creates an AccessLog writing through log.
func New(log logger.Log) *AccessLog {
	return &AccessLog{
		log:   log,
		paths: make(map[string]*pathStats),
	}
}

// Record logs r and updates that path's running counters.
func (a *AccessLog) Record(r Record) {
	a.log.Log(logger.LevelInfo, "%s %s %d %dB %s %s", r.Method, r.Path, r.Status, r.Bytes, r.Duration, r.Peer)

	a.mu.Lock()
	st, ok := a.paths[r.Path]
	if !ok {
		st = &pathStats{}
		a.paths[r.Path] = st
	}
	a.mu.Unlock()

	st.count.Add(1)
	st.totalNs.Add(uint64(r.Duration.Nanoseconds()))
	if r.Status >= 400 {
		st.errors.Add(1)
	}
}

// PathStats is a snapshot of a single path's running counters.
type PathStats struct {
	Count       uint64
	Errors      uint64
	AvgDuration time.Duration
}

// Stats returns a snapshot of every path seen so far.
func (a *AccessLog) Stats() map[string]PathStats {
	a.mu.Lock()
	paths := make(map[string]*pathStats, len(a.paths))
	for k, v := range a.paths {
		paths[k] = v
	}
	a.mu.Unlock()

	out := make(map[string]PathStats, len(paths))
	for path, st := range paths {
		count := st.count.Load()
		var avg time.Duration
		if count > 0 {
			avg = time.Duration(st.totalNs.Load() / count)
		}
		out[path] = PathStats{
			Count:       count,
			Errors:      st.errors.Load(),
			AvgDuration: avg,
		}
	}
	return out
}
