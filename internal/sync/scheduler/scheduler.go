// Package scheduler runs periodic background jobs: sync cycles, cache sweeps
// and store compaction.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kimhsiao/learnsync/core/internal/db"
	"github.com/kimhsiao/learnsync/core/internal/errors"
	"github.com/kimhsiao/learnsync/core/internal/logging"
	syncpkg "github.com/kimhsiao/learnsync/core/internal/sync"
)

// Job names.
const (
	JobSync       = "sync"
	JobCacheSweep = "cache_sweep"
	JobCompact    = "compact"
)

// SchedulerConfig holds scheduler configuration. Specs use cron syntax or
// descriptors such as "@every 15m". An empty spec disables the job.
type SchedulerConfig struct {
	SyncSpec       string // Periodic sync (default: every 15 minutes)
	CacheSweepSpec string // Expired cache removal (default: every 10 minutes)
	CompactSpec    string // Store compaction (default: daily)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncSpec:       "@every 15m",
		CacheSweepSpec: "@every 10m",
		CompactSpec:    "@daily",
	}
}

// Scheduler manages background jobs.
type Scheduler struct {
	engine syncpkg.SyncEngineInterface
	cache  db.CacheStore
	maint  db.MaintenanceStore
	config SchedulerConfig
	logger *logging.Logger

	mu        sync.RWMutex
	cron      *cron.Cron
	entries   map[string]cron.EntryID
	isRunning bool
	cancel    context.CancelFunc
}

// NewScheduler creates a new Scheduler. cache and maint may be nil, which
// disables the corresponding job.
func NewScheduler(engine syncpkg.SyncEngineInterface, cache db.CacheStore, maint db.MaintenanceStore, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	cfg := *config

	return &Scheduler{
		engine: engine,
		cache:  cache,
		maint:  maint,
		config: cfg,
		logger: logging.Get(),
	}
}

// SetLogger replaces the logger. Call before Start.
func (s *Scheduler) SetLogger(l *logging.Logger) {
	s.logger = l
}

// Start registers the configured jobs and starts the cron runner. A job
// still running when its next activation arrives is skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return nil
	}

	c := cron.New(cron.WithChain(cron.Recover(cronLogger{s.logger}), cron.SkipIfStillRunning(cronLogger{s.logger})))
	entries := make(map[string]cron.EntryID)

	jobs := []struct {
		name string
		spec string
		run  func(context.Context)
		ok   bool
	}{
		{JobSync, s.config.SyncSpec, s.RunSync, s.engine != nil},
		{JobCacheSweep, s.config.CacheSweepSpec, s.RunCacheSweep, s.cache != nil},
		{JobCompact, s.config.CompactSpec, s.RunCompact, s.maint != nil},
	}

	jobCtx, cancel := context.WithCancel(ctx)
	for _, j := range jobs {
		if j.spec == "" || !j.ok {
			continue
		}
		run := j.run
		id, err := c.AddFunc(j.spec, func() { run(jobCtx) })
		if err != nil {
			cancel()
			return errors.Wrap(errors.ErrInvalid, fmt.Sprintf("schedule %s job %q", j.name, j.spec), err)
		}
		entries[j.name] = id
	}

	s.cron = c
	s.entries = entries
	s.cancel = cancel
	s.isRunning = true
	c.Start()

	s.logger.Info("Background scheduler started", map[string]interface{}{
		"sync":        s.config.SyncSpec,
		"cache_sweep": s.config.CacheSweepSpec,
		"compact":     s.config.CompactSpec,
		"jobs":        len(entries),
	})
	return nil
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	c, cancel := s.cron, s.cancel
	s.mu.Unlock()

	<-c.Stop().Done()
	cancel()

	s.logger.Info("Background scheduler stopped", nil)
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// RunSync runs one periodic sync cycle.
func (s *Scheduler) RunSync(ctx context.Context) {
	result, err := s.engine.Sync(ctx, syncpkg.TriggerPeriodic)
	if err != nil {
		s.logger.ErrorWithCode("Periodic sync failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"spec": s.config.SyncSpec})
		return
	}
	if result.Skipped != "" {
		s.logger.Debug("Periodic sync skipped", map[string]interface{}{"reason": string(result.Skipped)})
		return
	}

	s.logger.Info("Periodic sync completed",
		map[string]interface{}{
			"uploaded":   result.Uploaded,
			"downloaded": result.Downloaded,
			"conflicts":  result.Conflicts,
			"error":      result.Error,
		})
}

// RunCacheSweep removes expired cache entries.
func (s *Scheduler) RunCacheSweep(ctx context.Context) {
	n, err := s.cache.SweepExpiredCache(ctx)
	if err != nil {
		s.logger.Error("Cache sweep failed", err)
		return
	}
	if n > 0 {
		s.logger.Info("Expired cache entries removed", map[string]interface{}{"count": n})
	}
}

// RunCompact reclaims free pages and checkpoints the WAL.
func (s *Scheduler) RunCompact(ctx context.Context) {
	res, err := s.maint.Compact(ctx)
	if err != nil {
		s.logger.Error("Compaction failed", err)
		return
	}
	s.logger.Info("Compaction completed", map[string]interface{}{
		"cache_swept": res.CacheSwept,
		"pages_freed": res.PagesFreed,
		"size_before": res.SizeBefore,
		"size_after":  res.SizeAfter,
	})
}

// JobStatus describes one scheduled job.
type JobStatus struct {
	Name string    `json:"name"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

// SchedulerStatus is the current state of the scheduler.
type SchedulerStatus struct {
	IsRunning bool        `json:"is_running"`
	Jobs      []JobStatus `json:"jobs"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{IsRunning: s.isRunning}
	if s.cron == nil {
		return status
	}
	for _, name := range []string{JobSync, JobCacheSweep, JobCompact} {
		id, ok := s.entries[name]
		if !ok {
			continue
		}
		e := s.cron.Entry(id)
		status.Jobs = append(status.Jobs, JobStatus{Name: name, Next: e.Next, Prev: e.Prev})
	}
	return status
}

// cronLogger adapts the package logger to cron.Logger.
type cronLogger struct {
	l *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, kv(keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, err, kv(keysAndValues))
}

func kv(keysAndValues []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return out
}
