package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stagewise/stagewise/internal/executor"
	"github.com/stagewise/stagewise/internal/store"
	"github.com/stagewise/stagewise/pkg/schema"
)

// JanitorConfig tunes the maintenance pass.
type JanitorConfig struct {
	// CronExpression sets the maintenance cadence (standard 5-field cron).
	CronExpression string
	// SessionTTL is how long terminal sessions are kept before deletion.
	SessionTTL time.Duration
	// CacheTTL is how long execution cache entries survive between sweeps.
	CacheTTL time.Duration
	// VacuumEvery runs a database VACUUM once per this many passes.
	VacuumEvery int
}

// DefaultJanitorConfig keeps terminal sessions for a week and cached
// results for a day, with a nightly pass.
func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		CronExpression: "0 3 * * *",
		SessionTTL:     7 * 24 * time.Hour,
		CacheTTL:       24 * time.Hour,
		VacuumEvery:    7,
	}
}

// Janitor periodically removes terminal sessions past their TTL, sweeps
// the execution cache, and occasionally vacuums the database.
type Janitor struct {
	store  store.Store
	cache  *executor.ResultCache
	config JanitorConfig
	parser cron.Parser
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	passes int
}

// NewJanitor creates a janitor. cache may be nil when no execution cache
// is in use.
func NewJanitor(s store.Store, cache *executor.ResultCache, config JanitorConfig, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:  s,
		cache:  cache,
		config: config,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger: logger,
	}
}

// Start validates the cron expression and launches the background loop
// with a 60s ticker; the pass itself runs only when the schedule is due.
func (j *Janitor) Start(ctx context.Context) error {
	schedule, err := j.parser.Parse(j.config.CronExpression)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid janitor cron expression %q: %s", j.config.CronExpression, err.Error()).WithCause(err)
	}

	j.mu.Lock()
	if j.done != nil {
		j.mu.Unlock()
		return fmt.Errorf("janitor already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	j.mu.Unlock()

	go j.loop(runCtx, schedule)
	j.logger.Info("janitor started", "cron", j.config.CronExpression)
	return nil
}

// Stop cancels the loop and waits for it to drain.
func (j *Janitor) Stop() {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (j *Janitor) loop(ctx context.Context, schedule cron.Schedule) {
	defer close(j.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	next := schedule.Next(time.Now().UTC())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			if now.Before(next) {
				continue
			}
			j.RunPass(ctx)
			next = schedule.Next(now)
		}
	}
}

// RunPass executes one maintenance pass immediately.
func (j *Janitor) RunPass(ctx context.Context) {
	start := time.Now()

	removed := j.cleanSessions(ctx)

	swept := 0
	if j.cache != nil {
		swept = j.cache.SweepOlderThan(time.Now().Add(-j.config.CacheTTL))
	}

	j.passes++
	if j.config.VacuumEvery > 0 && j.passes%j.config.VacuumEvery == 0 {
		if err := j.store.Vacuum(ctx); err != nil {
			j.logger.Warn("vacuum failed", "error", err)
		}
	}

	j.logger.Info("janitor pass complete",
		"sessions_removed", removed,
		"cache_entries_swept", swept,
		"duration", time.Since(start))
}

// cleanSessions deletes terminal sessions whose last update is older than
// the TTL.
func (j *Janitor) cleanSessions(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-j.config.SessionTTL)
	sessions, err := j.store.ListSessions(ctx, store.SessionFilter{
		TerminalOnly:  true,
		UpdatedBefore: cutoff,
	})
	if err != nil {
		j.logger.Error("list sessions for cleanup failed", "error", err)
		return 0
	}

	removed := 0
	for _, sess := range sessions {
		if err := j.store.DeleteSession(ctx, sess.WorkflowID); err != nil {
			j.logger.Warn("session cleanup failed",
				"workflow_id", sess.WorkflowID, "error", err)
			continue
		}
		removed++
	}
	return removed
}
