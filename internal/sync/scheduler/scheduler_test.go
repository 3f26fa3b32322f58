// Package scheduler tests for background job scheduling.
package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kimhsiao/learnsync/core/internal/db"
	apperrors "github.com/kimhsiao/learnsync/core/internal/errors"
	"github.com/kimhsiao/learnsync/core/internal/logging"
	"github.com/kimhsiao/learnsync/core/internal/models"
	syncpkg "github.com/kimhsiao/learnsync/core/internal/sync"
)

// =====================================================
// Test Helpers
// =====================================================

type fakeEngine struct {
	calls    atomic.Int32
	trigger  atomic.Value
	deadline atomic.Bool
	result   *syncpkg.SyncResult
	err      error
}

func (f *fakeEngine) Sync(ctx context.Context, trigger syncpkg.Trigger) (*syncpkg.SyncResult, error) {
	f.calls.Add(1)
	f.trigger.Store(trigger)
	_, ok := ctx.Deadline()
	f.deadline.Store(ok)
	if f.err != nil {
		return &syncpkg.SyncResult{Trigger: trigger, Error: f.err.Error()}, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &syncpkg.SyncResult{Trigger: trigger}, nil
}

func (f *fakeEngine) TriggerSync(syncpkg.Trigger) bool { return true }
func (f *fakeEngine) Status() models.SyncStatus { return models.SyncStatus{} }
func (f *fakeEngine) SubscribeStatus() (<-chan models.SyncStatus, func()) {
	ch := make(chan models.SyncStatus)
	return ch, func() {}
}
func (f *fakeEngine) OpenConflicts(context.Context) ([]*models.ConflictLog, error) { return nil, nil }
func (f *fakeEngine) ResolveConflict(context.Context, string, models.ResolutionType) (*models.ConflictLog, error) {
	return nil, nil
}

type fakeMaintenance struct {
	swept     atomic.Int32
	compacted atomic.Int32
	err       error
}

func (f *fakeMaintenance) GetCache(context.Context, string) ([]byte, error) { return nil, nil }
func (f *fakeMaintenance) SetCache(context.Context, string, []byte, time.Duration) error {
	return nil
}
func (f *fakeMaintenance) SetCacheExpiry(context.Context, string, []byte, *time.Time) error {
	return nil
}
func (f *fakeMaintenance) DeleteCache(context.Context, string) error { return nil }

func (f *fakeMaintenance) SweepExpiredCache(context.Context) (int64, error) {
	f.swept.Add(1)
	return 3, f.err
}

func (f *fakeMaintenance) Compact(context.Context) (*db.CompactResult, error) {
	f.compacted.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &db.CompactResult{PagesFreed: 12, SizeBefore: 8192, SizeAfter: 4096}, nil
}

func (f *fakeMaintenance) Size(context.Context) (int64, error) { return 4096, nil }

func observed(s *Scheduler) *observer.ObservedLogs {
	core, logs := observer.New(zapcore.DebugLevel)
	s.SetLogger(logging.NewFromCore(core))
	return logs
}

// =====================================================
// DefaultSchedulerConfig Tests
// =====================================================

func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()

	assert.Equal(t, "@every 15m", config.SyncSpec)
	assert.Equal(t, "@every 10m", config.CacheSweepSpec)
	assert.Equal(t, "@daily", config.CompactSpec)
}

func TestNewScheduler_nilConfig(t *testing.T) {
	s := NewScheduler(&fakeEngine{}, nil, nil, nil)
	assert.Equal(t, *DefaultSchedulerConfig(), s.config)
	assert.False(t, s.IsRunning())
}

// =====================================================
// Start/Stop Tests
// =====================================================

func TestStartStop(t *testing.T) {
	m := &fakeMaintenance{}
	s := NewScheduler(&fakeEngine{}, m, m, nil)
	observed(s)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()), "second start is a no-op")
	assert.True(t, s.IsRunning())

	status := s.GetStatus()
	assert.True(t, status.IsRunning)
	require.Len(t, status.Jobs, 3)
	assert.Equal(t, JobSync, status.Jobs[0].Name)
	assert.False(t, status.Jobs[0].Next.IsZero())

	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())
}

func TestStart_InvalidSpec(t *testing.T) {
	s := NewScheduler(&fakeEngine{}, nil, nil, &SchedulerConfig{SyncSpec: "every now and then"})
	observed(s)

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
	assert.False(t, s.IsRunning())
}

func TestStart_SkipsJobsWithoutStore(t *testing.T) {
	s := NewScheduler(&fakeEngine{}, nil, nil, nil)
	observed(s)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	status := s.GetStatus()
	require.Len(t, status.Jobs, 1)
	assert.Equal(t, JobSync, status.Jobs[0].Name)
}

func TestStart_EmptySpecDisablesJob(t *testing.T) {
	m := &fakeMaintenance{}
	s := NewScheduler(&fakeEngine{}, m, m, &SchedulerConfig{CompactSpec: "@daily"})
	observed(s)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	status := s.GetStatus()
	require.Len(t, status.Jobs, 1)
	assert.Equal(t, JobCompact, status.Jobs[0].Name)
}

func TestScheduledSyncRuns(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a cron activation")
	}
	engine := &fakeEngine{}
	s := NewScheduler(engine, nil, nil, &SchedulerConfig{SyncSpec: "@every 1s"})
	observed(s)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return engine.calls.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, syncpkg.TriggerPeriodic, engine.trigger.Load())
}

// =====================================================
// Job Tests
// =====================================================

func TestRunSync_LogsResult(t *testing.T) {
	engine := &fakeEngine{result: &syncpkg.SyncResult{Uploaded: 2, Downloaded: 1}}
	s := NewScheduler(engine, nil, nil, nil)
	logs := observed(s)

	s.RunSync(context.Background())

	entries := logs.FilterMessage("Periodic sync completed").All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, 2, entries[0].ContextMap()["uploaded"])
}

func TestRunSync_NoCycleDeadline(t *testing.T) {
	engine := &fakeEngine{}
	s := NewScheduler(engine, nil, nil, nil)
	observed(s)

	s.RunSync(context.Background())

	assert.EqualValues(t, 1, engine.calls.Load())
	assert.False(t, engine.deadline.Load(), "the engine bounds its own cycle")
}

func TestRunSync_Skipped(t *testing.T) {
	engine := &fakeEngine{result: &syncpkg.SyncResult{Skipped: syncpkg.SkipOffline}}
	s := NewScheduler(engine, nil, nil, nil)
	logs := observed(s)

	s.RunSync(context.Background())

	assert.Equal(t, 1, logs.FilterMessage("Periodic sync skipped").Len())
	assert.Zero(t, logs.FilterMessage("Periodic sync completed").Len())
}

func TestRunSync_Failure(t *testing.T) {
	engine := &fakeEngine{err: apperrors.Storage("get pending actions", errors.New("disk I/O error"))}
	s := NewScheduler(engine, nil, nil, nil)
	logs := observed(s)

	s.RunSync(context.Background())

	entries := logs.FilterMessage("Periodic sync failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, string(apperrors.ErrSyncFailed), entries[0].ContextMap()["error_code"])
}

func TestRunCacheSweepAndCompact(t *testing.T) {
	m := &fakeMaintenance{}
	s := NewScheduler(&fakeEngine{}, m, m, nil)
	logs := observed(s)

	s.RunCacheSweep(context.Background())
	s.RunCompact(context.Background())

	assert.EqualValues(t, 1, m.swept.Load())
	assert.EqualValues(t, 1, m.compacted.Load())
	assert.Equal(t, 1, logs.FilterMessage("Expired cache entries removed").Len())
	assert.Equal(t, 1, logs.FilterMessage("Compaction completed").Len())
}

func TestRunCompact_FailureIsLogged(t *testing.T) {
	m := &fakeMaintenance{err: errors.New("database is locked")}
	s := NewScheduler(&fakeEngine{}, m, m, nil)
	logs := observed(s)

	s.RunCompact(context.Background())
	s.RunCacheSweep(context.Background())

	assert.Equal(t, 1, logs.FilterMessage("Compaction failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("Cache sweep failed").Len())
}
