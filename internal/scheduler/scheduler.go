// Package scheduler runs deferred actions once their run time has passed.
// Actions are recorded as scheduled by the schedule_action capability and
// executed here under their original action id.
package scheduler

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KafClaw/SocialClaw/internal/history"
)

// Config holds scheduler settings.
type Config struct {
	Enabled       bool
	TickInterval  time.Duration
	MaxConcurrent int
	BatchSize     int
	LockPath      string
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Enabled:       true,
		TickInterval:  15 * time.Second,
		MaxConcurrent: 4,
		BatchSize:     20,
		LockPath:      filepath.Join(home, ".socialclaw", "scheduler.lock"),
	}
}

// DueLister lists scheduled actions that are ready to run.
type DueLister interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]history.ActionRecord, error)
}

// RunFunc executes one deferred action and returns its final status.
type RunFunc func(ctx context.Context, rec history.ActionRecord) string

// Stats are cumulative counters since start.
type Stats struct {
	Ticks      int64 `json:"ticks"`
	Skipped    int64 `json:"skipped_ticks"`
	Dispatched int64 `json:"dispatched"`
	Failed     int64 `json:"failed"`
}

// Scheduler polls for due actions and runs each batch with bounded
// concurrency while holding the file lock.
type Scheduler struct {
	cfg   Config
	store DueLister
	run   RunFunc
	sem   *Semaphore
	lock  *FileLock
	now   func() time.Time

	ticks, skipped, dispatched, failed atomic.Int64
}

// New creates a Scheduler.
func New(cfg Config, store DueLister, run RunFunc) *Scheduler {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.LockPath == "" {
		cfg.LockPath = def.LockPath
	}
	return &Scheduler{
		cfg:   cfg,
		store: store,
		run:   run,
		sem:   NewSemaphore(cfg.MaxConcurrent),
		lock:  NewFileLock(cfg.LockPath),
		now:   time.Now,
	}
}

// Run ticks until ctx is cancelled. The first tick happens immediately so
// actions that came due while the process was down run at startup.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		<-ctx.Done()
		return nil
	}
	slog.Info("Scheduler started", "tick", s.cfg.TickInterval, "max_concurrent", s.cfg.MaxConcurrent)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick claims the lock, lists due actions and runs them, returning once the
// whole batch has finished.
func (s *Scheduler) tick(ctx context.Context) {
	s.ticks.Add(1)
	acquired, err := s.lock.TryLock()
	if err != nil {
		slog.Warn("Scheduler lock error", "path", s.cfg.LockPath, "error", err)
		return
	}
	if !acquired {
		s.skipped.Add(1)
		slog.Debug("Scheduler tick skipped: lock held by another process")
		return
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			slog.Warn("Scheduler unlock failed", "error", err)
		}
	}()

	due, err := s.store.ListDue(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		slog.Warn("Scheduler could not list due actions", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}
	slog.Info("Scheduler dispatching due actions", "count", len(due))

	var wg sync.WaitGroup
	for _, rec := range due {
		if err := s.sem.Acquire(ctx); err != nil {
			break
		}
		s.dispatched.Add(1)
		wg.Add(1)
		go func(rec history.ActionRecord) {
			defer wg.Done()
			defer s.sem.Release()
			status := s.run(ctx, rec)
			if status != history.StatusSuccess && status != history.StatusSkipped {
				s.failed.Add(1)
			}
			slog.Debug("Scheduled action finished", "action_id", rec.ActionID, "capability", rec.Capability, "status", status)
		}(rec)
	}
	wg.Wait()
}

// Stats returns the cumulative counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Ticks:      s.ticks.Load(),
		Skipped:    s.skipped.Load(),
		Dispatched: s.dispatched.Load(),
		Failed:     s.failed.Load(),
	}
}
