// Package metrics provides a lightweight persistent metrics manager.
// It batches in-memory counter and summary observations from the token cache
// and the refresher and periodically flushes them to a SQLite database, so
// totals survive restarts. Only monotonic counters and simple
// (count,sum,min,max) summaries are supported.
package metrics

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Counter names recorded outside the store package.
const (
	CounterLogins          = "logins_total"
	CounterLoginFailures   = "login_failures_total"
	CounterLogouts         = "logouts_total"
	CounterTokensRefreshed = "tokens_refreshed_total"
	CounterRefreshFailures = "token_refresh_failures_total"
	CounterRefreshRuns     = "refresher_runs_total"
	CounterAPICalls        = "api_calls_total"
	CounterAPIFailures     = "api_failures_total"
	// CounterDropped is reported by Snapshot; it counts events lost to a
	// full buffer since process start and is never persisted.
	CounterDropped = "metrics_dropped_events_total"
)

// Summary names.
const (
	SummaryRefreshedPerCycle = "refresher_refreshed_per_cycle"
	SummaryCycleMillis       = "refresher_cycle_ms"
)

// Config controls flush cadence and logging.
type Config struct {
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// Summary aggregates observations of one named value.
type Summary struct {
	Count int64 `json:"count"`
	Sum   int64 `json:"sum"`
	Min   int64 `json:"min"`
	Max   int64 `json:"max"`
}

func (s *Summary) merge(o Summary) {
	if s.Count == 0 {
		*s = o
		return
	}
	s.Count += o.Count
	s.Sum += o.Sum
	s.Min = min(s.Min, o.Min)
	s.Max = max(s.Max, o.Max)
}

// Manager aggregates metric events and flushes them.
type Manager struct {
	cfg      Config
	db       *sql.DB
	events   chan event
	stop     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
	dropped  atomic.Int64

	// in-memory deltas (protected by mu)
	mu        sync.Mutex
	counters  map[string]int64
	summaries map[string]Summary
}

type eventKind int

const (
	eventInc eventKind = iota + 1
	eventObserve
)

type event struct {
	kind eventKind
	name string
	v    int64
}

// New creates a Manager. Call Start to begin background flushing.
func New(db *sql.DB, cfg Config) *Manager {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		db:        db,
		events:    make(chan event, 1024),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		counters:  make(map[string]int64),
		summaries: make(map[string]Summary),
	}
}

// InitSchema ensures metrics tables exist.
func (m *Manager) InitSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS metrics_counters (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS metrics_summaries (
			name TEXT PRIMARY KEY,
			count INTEGER NOT NULL,
			sum INTEGER NOT NULL,
			min INTEGER NOT NULL,
			max INTEGER NOT NULL
		);`,
	}
	for _, stmt := range ddl {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the background flush loop. Subsequent calls are no-ops.
func (m *Manager) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go m.loop(ctx)
}

// Stop signals the flush loop to exit, drains queued events and performs a
// final flush. It is safe to call more than once.
func (m *Manager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() {
		if m.started.Load() {
			close(m.stop)
			<-m.done
		}
		m.drain()
		if err := m.flush(ctx); err != nil {
			m.cfg.Logger.Error("final flush", "domain", "metrics", "error", err)
		}
	})
}

// Inc increments a counter by delta (>=1). It never blocks; events are
// dropped when the buffer is full.
func (m *Manager) Inc(name string, delta int64) {
	if delta <= 0 {
		return
	}
	m.send(event{kind: eventInc, name: name, v: delta})
}

// Observe records a summary observation.
func (m *Manager) Observe(name string, value int64) {
	m.send(event{kind: eventObserve, name: name, v: value})
}

func (m *Manager) send(ev event) {
	select {
	case m.events <- ev:
	default:
		m.dropped.Add(1)
	}
}

func (m *Manager) loop(ctx context.Context) {
	log := m.cfg.Logger.With("domain", "metrics")
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer func() {
		ticker.Stop()
		close(m.done)
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info("metrics stop", "reason", "context_cancel")
			return
		case <-m.stop:
			log.Info("metrics stop", "reason", "stop_signal")
			return
		case ev := <-m.events:
			m.apply(ev)
		case <-ticker.C:
			m.drain()
			if err := m.flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("flush", "error", err)
			}
		}
	}
}

// drain applies every queued event without blocking.
func (m *Manager) drain() {
	for {
		select {
		case ev := <-m.events:
			m.apply(ev)
		default:
			return
		}
	}
}

func (m *Manager) apply(ev event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.kind {
	case eventInc:
		m.counters[ev.name] += ev.v
	case eventObserve:
		agg := m.summaries[ev.name]
		agg.merge(Summary{Count: 1, Sum: ev.v, Min: ev.v, Max: ev.v})
		m.summaries[ev.name] = agg
	}
}

// Snapshot returns persisted totals with unflushed deltas layered on top.
func (m *Manager) Snapshot(ctx context.Context) (map[string]int64, map[string]Summary, error) {
	m.drain()
	counters := make(map[string]int64)
	summaries := make(map[string]Summary)

	rows, err := m.db.QueryContext(ctx, `SELECT name, value FROM metrics_counters`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var n string
		var v int64
		if err := rows.Scan(&n, &v); err != nil {
			return nil, nil, err
		}
		counters[n] = v
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	srows, err := m.db.QueryContext(ctx, `SELECT name, count, sum, min, max FROM metrics_summaries`)
	if err != nil {
		return nil, nil, err
	}
	defer srows.Close()
	for srows.Next() {
		var n string
		var s Summary
		if err := srows.Scan(&n, &s.Count, &s.Sum, &s.Min, &s.Max); err != nil {
			return nil, nil, err
		}
		summaries[n] = s
	}
	if err := srows.Err(); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	for n, v := range m.counters {
		counters[n] += v
	}
	for n, agg := range m.summaries {
		cur := summaries[n]
		cur.merge(agg)
		summaries[n] = cur
	}
	m.mu.Unlock()
	if d := m.dropped.Load(); d > 0 {
		counters[CounterDropped] = d
	}
	return counters, summaries, nil
}

// flush writes in-memory deltas to SQLite in a single transaction and resets
// them. On failure the deltas are merged back so nothing is lost.
func (m *Manager) flush(ctx context.Context) error {
	m.mu.Lock()
	if len(m.counters) == 0 && len(m.summaries) == 0 {
		m.mu.Unlock()
		return nil
	}
	counters, summaries := m.counters, m.summaries
	m.counters = make(map[string]int64)
	m.summaries = make(map[string]Summary)
	m.mu.Unlock()

	if err := m.write(ctx, counters, summaries); err != nil {
		m.mu.Lock()
		for n, v := range counters {
			m.counters[n] += v
		}
		for n, agg := range summaries {
			cur := m.summaries[n]
			cur.merge(agg)
			m.summaries[n] = cur
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Manager) write(ctx context.Context, counters map[string]int64, summaries map[string]Summary) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for name, delta := range counters {
		if _, err := tx.ExecContext(ctx, `INSERT INTO metrics_counters(name,value) VALUES(?,?) ON CONFLICT(name) DO UPDATE SET value = value + excluded.value`, name, delta); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	for name, agg := range summaries {
		if _, err := tx.ExecContext(ctx, `INSERT INTO metrics_summaries(name,count,sum,min,max) VALUES(?,?,?,?,?) ON CONFLICT(name) DO UPDATE SET count = metrics_summaries.count + excluded.count, sum = metrics_summaries.sum + excluded.sum, min = MIN(metrics_summaries.min, excluded.min), max = MAX(metrics_summaries.max, excluded.max)`, name, agg.Count, agg.Sum, agg.Min, agg.Max); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
