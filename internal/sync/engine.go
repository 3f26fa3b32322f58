// Package sync drives synchronization cycles between the local store and the
// remote: upload of queued actions, download of remote deltas, conflict
// resolution and per-table metadata.
package sync

import (
	"context"
	"sort"
	stdsync "sync"
	"time"

	"github.com/kimhsiao/learnsync/core/internal/db"
	apperrors "github.com/kimhsiao/learnsync/core/internal/errors"
	"github.com/kimhsiao/learnsync/core/internal/logging"
	"github.com/kimhsiao/learnsync/core/internal/models"
	"github.com/kimhsiao/learnsync/core/internal/sync/conflict"
	"github.com/kimhsiao/learnsync/core/internal/sync/network"
	"github.com/kimhsiao/learnsync/core/internal/sync/queue"
)

// Trigger names what started a cycle.
type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerNetwork  Trigger = "network"
	TriggerRetry    Trigger = "retry"
	TriggerPeriodic Trigger = "periodic"
)

// SkipReason explains why a requested cycle did not run.
type SkipReason string

const (
	SkipInProgress SkipReason = "in_progress"
	SkipOffline    SkipReason = "offline"
	SkipShutdown   SkipReason = "shutdown"
)

// Defaults for Options.
const (
	DefaultRetryDelay     = 30 * time.Second
	DefaultHandlerTimeout = 30 * time.Second
)

// SyncResult represents the result of one requested cycle.
type SyncResult struct {
	Trigger   Trigger       `json:"trigger"`
	Skipped   SkipReason    `json:"skipped,omitempty"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`

	Uploaded  int `json:"uploaded"`
	Failed    int `json:"failed"`
	Evicted   int `json:"evicted"`
	Rejected  int `json:"rejected"`
	Unhandled int `json:"unhandled"`

	Downloaded int `json:"downloaded"`
	Conflicts  int `json:"conflicts"`
	Manual     int `json:"manual"`

	// Error is set when a phase failed and the rest of the cycle was skipped.
	Error string `json:"error,omitempty"`
	// RetryScheduled reports whether a retry cycle is pending after this one.
	RetryScheduled bool `json:"retry_scheduled"`
}

// Options configures an Engine.
type Options struct {
	// Handlers deliver actions by type. Actions without a handler stay queued.
	Handlers map[models.ActionType]Handler
	// Fetchers return remote deltas by table.
	Fetchers map[string]Fetcher
	Resolver *conflict.Resolver
	// Network gates cycles and triggers one on every offline to online
	// transition. Nil means always online.
	Network network.Observer

	RetryDelay     time.Duration
	HandlerTimeout time.Duration
	Clock          Clock
	Logger         *logging.Logger
}

// Engine runs synchronization cycles. At most one cycle runs at a time.
type Engine struct {
	store db.SyncStore
	queue *queue.Queue
	opts  Options
	log   *logging.Logger

	status *StatusBroadcaster

	mu          stdsync.Mutex
	syncing     bool
	closed      bool
	retryTimer  Timer
	unsubscribe func()

	// Background cycles started by triggers.
	wg      stdsync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewEngine creates an Engine. Call Start to react to network transitions.
func NewEngine(store db.SyncStore, q *queue.Queue, opts Options) *Engine {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = DefaultHandlerTimeout
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Get()
	}
	if opts.Resolver == nil {
		opts.Resolver = conflict.NewResolver(conflict.DefaultStrategy, conflict.WithLogger(opts.Logger))
	}
	if opts.Handlers == nil {
		opts.Handlers = map[models.ActionType]Handler{}
	}
	if opts.Fetchers == nil {
		opts.Fetchers = map[string]Fetcher{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:   store,
		queue:   q,
		opts:    opts,
		log:     opts.Logger,
		baseCtx: ctx,
		cancel:  cancel,
	}
	e.status = NewStatusBroadcaster(models.SyncStatus{IsOnline: e.online()})
	return e
}

func (e *Engine) online() bool {
	return e.opts.Network == nil || e.opts.Network.IsOnline()
}

// Start loads the persisted status and subscribes to network transitions.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.refreshStatus(ctx, nil); err != nil {
		return err
	}
	if e.opts.Network == nil {
		return nil
	}

	unsubscribe := e.opts.Network.Subscribe(func(online bool) {
		e.status.Update(func(s *models.SyncStatus) { s.IsOnline = online })
		if online {
			e.log.Info("Network online, triggering sync", nil)
			e.TriggerSync(TriggerNetwork)
		}
	})
	e.mu.Lock()
	e.unsubscribe = unsubscribe
	e.mu.Unlock()
	return nil
}

// Status returns the last published status.
func (e *Engine) Status() models.SyncStatus {
	return e.status.Current()
}

// SubscribeStatus streams status updates.
func (e *Engine) SubscribeStatus() (<-chan models.SyncStatus, func()) {
	return e.status.Subscribe()
}

// TriggerSync runs a cycle in the background. Requests made while a cycle
// runs or while offline are dropped by Sync.
func (e *Engine) TriggerSync(trigger Trigger) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		if _, err := e.Sync(e.baseCtx, trigger); err != nil {
			e.log.Error("Background sync failed", err, map[string]interface{}{"trigger": string(trigger)})
		}
	}()
	return true
}

// begin performs the single-flight check-and-set.
func (e *Engine) begin() SkipReason {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return SkipShutdown
	}
	if e.syncing {
		return SkipInProgress
	}
	if !e.online() {
		return SkipOffline
	}
	e.syncing = true
	e.wg.Add(1)
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	return ""
}

func (e *Engine) end() {
	e.mu.Lock()
	e.syncing = false
	e.mu.Unlock()
	e.wg.Done()
}

// cycleContext keeps the caller's values but not its cancellation. Only
// Shutdown cancels a running cycle.
func (e *Engine) cycleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(e.baseCtx, cancel)
	return cctx, func() {
		stop()
		cancel()
	}
}

// Sync runs one full cycle. Upload failures of individual actions are handled
// inside the cycle. A failing phase aborts the remaining phases and schedules
// one retry. The returned error is non-nil only for local store failures. The
// caller's ctx supplies values only; its cancellation does not stop the cycle.
func (e *Engine) Sync(ctx context.Context, trigger Trigger) (result *SyncResult, err error) {
	start := e.opts.Clock.Now()
	result = &SyncResult{Trigger: trigger, StartTime: start}

	if reason := e.begin(); reason != "" {
		result.Skipped = reason
		result.EndTime = start
		e.log.Debug("Sync request dropped", map[string]interface{}{
			"trigger": string(trigger),
			"reason":  string(reason),
		})
		return result, nil
	}
	ctx, release := e.cycleContext(ctx)
	defer release()

	e.status.Update(func(s *models.SyncStatus) {
		s.SyncInProgress = true
		s.LastError = ""
	})
	e.log.Info("Sync started", map[string]interface{}{"trigger": string(trigger)})

	retry := false
	defer func() {
		result.EndTime = e.opts.Clock.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		if retry {
			result.RetryScheduled = e.scheduleRetry()
		}
		// Publish before releasing the flag so a following cycle's
		// SyncInProgress=true cannot be overwritten.
		e.status.Update(func(s *models.SyncStatus) {
			s.SyncInProgress = false
			s.PendingDownloads = 0
			if result.Error != "" {
				s.LastError = result.Error
			}
		})
		e.end()
	}()

	var phaseErr error
	defer func() {
		if phaseErr == nil {
			return
		}
		retry = true
		result.Error = phaseErr.Error()
		fields := map[string]interface{}{
			"trigger":  string(trigger),
			"uploaded": result.Uploaded,
		}
		if apperrors.IsStorage(phaseErr) {
			e.log.ErrorWithCode("Sync aborted by storage failure", string(apperrors.ErrDatabase), phaseErr, fields)
			err = phaseErr
			return
		}
		e.log.Error("Sync cycle failed", phaseErr, fields)
	}()

	retryableFailures, phaseErr := e.upload(ctx, result)
	if phaseErr != nil {
		return result, nil
	}

	fetched, cursors, phaseErr := e.download(ctx, result)
	if phaseErr != nil {
		return result, nil
	}

	if phaseErr = e.resolveConflicts(ctx, fetched, result); phaseErr != nil {
		return result, nil
	}

	if phaseErr = e.updateMetadata(ctx, cursors); phaseErr != nil {
		return result, nil
	}

	finished := e.opts.Clock.Now()
	if phaseErr = e.refreshStatus(ctx, &finished); phaseErr != nil {
		return result, nil
	}

	// Failed actions stay queued; come back for them.
	retry = retryableFailures > 0

	e.log.Info("Sync completed", map[string]interface{}{
		"trigger":    string(trigger),
		"uploaded":   result.Uploaded,
		"failed":     result.Failed,
		"evicted":    result.Evicted,
		"rejected":   result.Rejected,
		"downloaded": result.Downloaded,
		"conflicts":  result.Conflicts,
		"manual":     result.Manual,
	})
	return result, nil
}

// scheduleRetry arms the single retry timer, replacing any pending one.
func (e *Engine) scheduleRetry() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	var t Timer
	t = e.opts.Clock.AfterFunc(e.opts.RetryDelay, func() {
		e.mu.Lock()
		if e.retryTimer == t {
			e.retryTimer = nil
		}
		e.mu.Unlock()
		e.TriggerSync(TriggerRetry)
	})
	e.retryTimer = t
	e.log.Debug("Sync retry scheduled", map[string]interface{}{"delay": e.opts.RetryDelay.String()})
	return true
}

// RetryPending reports whether a retry cycle is scheduled.
func (e *Engine) RetryPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retryTimer != nil
}

// =====================================================
// Upload phase
// =====================================================

// upload delivers queued actions in FIFO order, one at a time. It returns the
// number of actions that failed and remain queued for another attempt.
func (e *Engine) upload(ctx context.Context, result *SyncResult) (int, error) {
	actions, err := e.queue.Pending(ctx)
	if err != nil {
		return 0, err
	}

	remaining := 0
	for _, a := range actions {
		if err := ctx.Err(); err != nil {
			return remaining, err
		}

		if err := a.Payload.Validate(); err != nil {
			if err := e.drop(ctx, a, apperrors.Permanent(apperrors.ErrInvalidPayload, "invalid payload", err)); err != nil {
				return remaining, err
			}
			result.Rejected++
			continue
		}

		h, ok := e.opts.Handlers[a.Type]
		if !ok {
			// Stays queued without consuming retries until a handler is registered.
			result.Unhandled++
			e.log.Warn("No handler for action type", map[string]interface{}{
				"action_id": a.ID,
				"type":      string(a.Type),
			})
			continue
		}

		if err := e.queue.MarkProcessing(ctx, a.ID); err != nil {
			return remaining, err
		}

		hctx, cancel := context.WithTimeout(ctx, e.opts.HandlerTimeout)
		submitErr := h.Submit(hctx, a)
		cancel()

		switch {
		case submitErr == nil:
			if err := e.queue.DequeueOnSuccess(ctx, a.ID); err != nil {
				return remaining, err
			}
			if err := e.store.MarkClean(ctx, a.Payload.Touches(), a.Timestamp); err != nil {
				return remaining, err
			}
			result.Uploaded++
			if err := e.publishPending(ctx); err != nil {
				return remaining, err
			}

		case apperrors.IsPermanent(submitErr):
			if err := e.drop(ctx, a, submitErr); err != nil {
				return remaining, err
			}
			result.Rejected++

		default:
			evicted, err := e.queue.RecordFailure(ctx, a, submitErr)
			if err != nil {
				return remaining, err
			}
			if evicted {
				if err := e.store.MarkClean(ctx, a.Payload.Touches(), a.Timestamp); err != nil {
					return remaining, err
				}
				result.Evicted++
				if err := e.publishPending(ctx); err != nil {
					return remaining, err
				}
				continue
			}
			result.Failed++
			remaining++
		}
	}
	return remaining, nil
}

// drop rejects an action and releases the records it held dirty.
func (e *Engine) drop(ctx context.Context, a *models.OfflineAction, cause error) error {
	if err := e.queue.Reject(ctx, a, cause); err != nil {
		return err
	}
	if err := e.store.MarkClean(ctx, a.Payload.Touches(), a.Timestamp); err != nil {
		return err
	}
	return e.publishPending(ctx)
}

func (e *Engine) publishPending(ctx context.Context) error {
	n, err := e.queue.Count(ctx)
	if err != nil {
		return err
	}
	evicted := e.queue.Stats().Evicted
	e.status.Update(func(s *models.SyncStatus) {
		s.PendingUploads = n
		s.Evicted = evicted
	})
	return nil
}

// =====================================================
// Download phase
// =====================================================

type conflictPair struct {
	local  models.Record
	remote models.Record
}

// download fetches every table's delta since its cursor and applies records
// that do not conflict with a local edit. Conflicting pairs are returned for
// the conflict phase, along with the new cursor of each fetched table.
func (e *Engine) download(ctx context.Context, result *SyncResult) ([]conflictPair, map[string]int64, error) {
	tables := make([]string, 0, len(e.opts.Fetchers))
	for table := range e.opts.Fetchers {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	var conflicts []conflictPair
	cursors := make(map[string]int64, len(tables))

	for _, table := range tables {
		meta, err := e.store.GetSyncMetadata(ctx, table)
		if err != nil {
			return nil, nil, err
		}

		fctx, cancel := context.WithTimeout(ctx, e.opts.HandlerTimeout)
		records, err := e.opts.Fetchers[table].FetchSince(fctx, meta.Cursor)
		cancel()
		if err != nil {
			return nil, nil, apperrors.Transient(apperrors.ErrSyncFailed, "fetch "+table, err)
		}

		e.status.Update(func(s *models.SyncStatus) { s.PendingDownloads += len(records) })

		cursor := meta.Cursor
		for _, remote := range records {
			remote.Table = table
			remote.LocalModifiedAt = 0
			if remote.UpdatedAt > cursor {
				cursor = remote.UpdatedAt
			}

			local, err := e.store.GetRecord(ctx, table, remote.ID)
			if err != nil {
				return nil, nil, err
			}

			switch {
			case e.opts.Resolver.DetectConflict(local, remote):
				conflicts = append(conflicts, conflictPair{local: *local, remote: remote})
			case local != nil && !local.IsDirty() && remote.UpdatedAt < local.UpdatedAt:
				// Stale delta; the local copy already holds a newer server version.
			default:
				rec := remote
				if err := e.store.UpsertRecord(ctx, &rec); err != nil {
					return nil, nil, err
				}
				result.Downloaded++
			}
			e.status.Update(func(s *models.SyncStatus) {
				if s.PendingDownloads > 0 {
					s.PendingDownloads--
				}
			})
		}
		cursors[table] = cursor
	}
	return conflicts, cursors, nil
}

// =====================================================
// Conflict phase
// =====================================================

func (e *Engine) resolveConflicts(ctx context.Context, pairs []conflictPair, result *SyncResult) error {
	for _, p := range pairs {
		res, err := e.opts.Resolver.Resolve(p.local, p.remote)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrSyncConflict, "resolve "+p.remote.Table+"/"+p.remote.ID, err)
		}

		entry := &models.ConflictLog{
			Table:        p.remote.Table,
			RecordID:     p.remote.ID,
			Strategy:     res.Type,
			LocalData:    res.ClientData,
			RemoteData:   res.ServerData,
			ResolvedData: res.ResolvedData,
		}
		// Writes ResolvedData, if any, in the same transaction.
		if err := e.store.CreateConflictLog(ctx, entry); err != nil {
			return err
		}
		result.Conflicts++
		if res.Type == models.Manual {
			result.Manual++
		}
	}
	return nil
}

// =====================================================
// Metadata phase
// =====================================================

func (e *Engine) updateMetadata(ctx context.Context, cursors map[string]int64) error {
	now := e.opts.Clock.Now().UnixMilli()
	tables := make([]string, 0, len(cursors))
	for table := range cursors {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	for _, table := range tables {
		if err := e.store.UpdateSyncMetadata(ctx, &models.SyncMetadata{
			Table:      table,
			Cursor:     cursors[table],
			LastSyncAt: now,
		}); err != nil {
			return err
		}
	}
	return nil
}

// refreshStatus recomputes the store-derived status fields. finished, when
// set, becomes the last sync time.
func (e *Engine) refreshStatus(ctx context.Context, finished *time.Time) error {
	pending, err := e.queue.Count(ctx)
	if err != nil {
		return err
	}
	open, err := e.store.CountOpenConflicts(ctx)
	if err != nil {
		return err
	}
	var last *time.Time
	if finished != nil {
		t := *finished
		last = &t
	} else {
		ms, err := e.store.LastSyncAt(ctx)
		if err != nil {
			return err
		}
		if ms > 0 {
			t := time.UnixMilli(ms)
			last = &t
		}
	}
	evicted := e.queue.Stats().Evicted

	e.status.Update(func(s *models.SyncStatus) {
		s.PendingUploads = pending
		s.OpenConflicts = open
		s.Evicted = evicted
		s.IsOnline = e.online()
		if last != nil {
			s.LastSyncTime = last
		}
	})
	return nil
}

// =====================================================
// Explicit resolution
// =====================================================

// OpenConflicts lists conflicts awaiting an explicit resolution.
func (e *Engine) OpenConflicts(ctx context.Context) ([]*models.ConflictLog, error) {
	return e.store.ListOpenConflicts(ctx)
}

// ResolveConflict resolves an open conflict with a concrete strategy. The
// current local record is used when it still exists, so edits made after
// detection are not lost.
func (e *Engine) ResolveConflict(ctx context.Context, id string, strategy models.ResolutionType) (*models.ConflictLog, error) {
	if strategy == models.Manual {
		return nil, apperrors.New(apperrors.ErrInvalid, "a conflict must be resolved with a concrete strategy")
	}
	entry, err := e.store.GetConflictLog(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil || !entry.IsOpen() {
		return nil, apperrors.New(apperrors.ErrNotFound, "no open conflict with id "+id)
	}

	local := entry.LocalData
	current, err := e.store.GetRecord(ctx, entry.Table, entry.RecordID)
	if err != nil {
		return nil, err
	}
	if current != nil {
		local = *current
	}

	res, err := e.opts.Resolver.ResolveWith(local, entry.RemoteData, strategy)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncConflict, "resolve conflict "+id, err)
	}
	if err := e.store.MarkConflictResolved(ctx, id, res.Type, res.ResolvedData); err != nil {
		return nil, err
	}

	if n, err := e.store.CountOpenConflicts(ctx); err == nil {
		e.status.Update(func(s *models.SyncStatus) { s.OpenConflicts = n })
	}
	return e.store.GetConflictLog(ctx, id)
}

// =====================================================
// Shutdown
// =====================================================

// Shutdown stops accepting cycles, cancels the pending retry, unsubscribes
// from the network and waits for background cycles. When ctx expires first,
// running cycles are cancelled and ctx.Err() is returned.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		e.cancel()
		<-done
	}
	e.cancel()
	e.status.Close()
	return err
}
