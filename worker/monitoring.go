package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/shardstore/occworker/internal/wlog"
)

// Stats tracks the running counters this worker's periodic status log
// reports. Narrowed from this codebase's MonitoringManager, which polls
// a registry of named stat functions across many concurrent sessions,
// down to the handful of counters a single-session, single-connection
// worker actually has.
type Stats struct {
	requests   atomic.Uint64
	sqlErrors  atomic.Uint64
	breaks     atomic.Uint64
	markdowns  atomic.Uint64

	mu       sync.Mutex
	lastSeen time.Time
}

func (s *Stats) recordRequest() {
	s.requests.Add(1)
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Stats) recordSQLError() { s.sqlErrors.Add(1) }
func (s *Stats) recordBreak()    { s.breaks.Add(1) }
func (s *Stats) recordMarkdown() { s.markdowns.Add(1) }

func (s *Stats) snapshot() (requests, sqlErrors, breaks, markdowns uint64, lastSeen time.Time) {
	s.mu.Lock()
	lastSeen = s.lastSeen
	s.mu.Unlock()
	return s.requests.Load(), s.sqlErrors.Load(), s.breaks.Load(), s.markdowns.Load(), lastSeen
}

// RunStatusLog periodically writes a one-line status summary until ctx
// is canceled, the same ticker-driven shape this codebase's monitoring
// loop uses, reduced to plain text: this one process serves a single
// session, so there is no per-session table to render.
func (w *Worker) RunStatusLog(ctx context.Context, interval time.Duration) {
	log := wlog.New("stats")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requests, sqlErrors, breaks, markdowns, lastSeen := w.stats.snapshot()
			idle := time.Duration(0)
			if !lastSeen.IsZero() {
				idle = time.Since(lastSeen)
			}
			log.Printf(
				"uptime=%s requests=%s sql_errors=%s breaks=%s markdowns=%s stmt_cache=%d idle=%s",
				humanize.RelTime(w.startTime, time.Now(), "ago", ""),
				humanize.Comma(int64(requests)),
				humanize.Comma(int64(sqlErrors)),
				humanize.Comma(int64(breaks)),
				humanize.Comma(int64(markdowns)),
				w.stmts.Len(),
				idle.Round(time.Second),
			)
		}
	}
}
