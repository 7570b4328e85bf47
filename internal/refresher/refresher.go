// Package refresher runs the background loop that renews cached OAuth tokens
// before they expire. It operates independently from the request path so a
// slow token endpoint never delays page loads.
package refresher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/haukened/tokencache/internal/app"
	"github.com/haukened/tokencache/internal/metrics"
)

// Service is the slice of app.Service the refresher needs.
type Service interface {
	RefreshDue(ctx context.Context) (app.RefreshReport, error)
}

// Recorder receives counters and per-cycle observations (*metrics.Manager).
type Recorder interface {
	Inc(name string, delta int64)
	Observe(name string, value int64)
}

// Config holds tunables for the Refresher.
type Config struct {
	Interval time.Duration // how often a cycle begins
	Logger   *slog.Logger  // optional logger (defaults to slog.Default())
	Recorder Recorder      // optional
}

// Stats is a read-only snapshot of cycle totals.
type Stats struct {
	Cycles          uint64
	Refreshed       uint64
	Failed          uint64
	Skipped         uint64
	LastDurationMS  int64
	LastCycleFailed bool
}

// Refresher encapsulates the background refresh loop.
type Refresher struct {
	svc Service
	cfg Config

	mu      sync.Mutex // guards stats and started
	stats   Stats
	started bool

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New constructs but does not start a Refresher.
func New(svc Service, cfg Config) *Refresher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Refresher{
		svc:    svc,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs one cycle immediately and then one per Interval in a new
// goroutine. Subsequent calls are no-ops.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()
	go r.loop(ctx)
}

// Stop signals the loop to exit and waits for completion. Stop on a
// Refresher that was never started returns immediately.
func (r *Refresher) Stop() {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	r.once.Do(func() { close(r.stopCh) })
	if started {
		<-r.doneCh
	}
}

// Stats returns a copy of the cycle totals.
func (r *Refresher) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Refresher) loop(ctx context.Context) {
	log := r.cfg.Logger.With("domain", "refresher")
	ticker := time.NewTicker(r.cfg.Interval)
	defer func() {
		ticker.Stop()
		close(r.doneCh)
	}()
	r.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info("refresher stop", "reason", "context_cancel")
			return
		case <-r.stopCh:
			log.Info("refresher stop", "reason", "stop_signal")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs one refresh cycle over every cached token and returns its
// report. Errors are logged, never returned: the next cycle retries.
func (r *Refresher) RunOnce(ctx context.Context) app.RefreshReport {
	start := time.Now()
	log := r.cfg.Logger.With("domain", "refresher", "action", "cycle")
	report, err := r.svc.RefreshDue(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("refresh", "error", err)
	}
	elapsed := time.Since(start)

	r.mu.Lock()
	r.stats.Cycles++
	r.stats.Refreshed += uint64(report.Refreshed)
	r.stats.Failed += uint64(report.Failed)
	r.stats.Skipped += uint64(report.Skipped)
	r.stats.LastDurationMS = elapsed.Milliseconds()
	r.stats.LastCycleFailed = err != nil
	r.mu.Unlock()

	if rec := r.cfg.Recorder; rec != nil {
		rec.Inc(metrics.CounterRefreshRuns, 1)
		rec.Inc(metrics.CounterTokensRefreshed, int64(report.Refreshed))
		rec.Inc(metrics.CounterRefreshFailures, int64(report.Failed))
		rec.Observe(metrics.SummaryRefreshedPerCycle, int64(report.Refreshed))
		rec.Observe(metrics.SummaryCycleMillis, elapsed.Milliseconds())
	}
	log.Info("cycle complete",
		"checked", report.Checked,
		"refreshed", report.Refreshed,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"ms", elapsed.Milliseconds(),
	)
	return report
}
