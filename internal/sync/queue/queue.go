// Package queue provides the durable offline action queue.
//
// The queue is an ordered view over the action table of the local store. It
// never consults network state: enqueueing always succeeds while the store is
// writable, and delivery is the sync engine's job.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/learnsync/core/internal/db"
	apperrors "github.com/kimhsiao/learnsync/core/internal/errors"
	"github.com/kimhsiao/learnsync/core/internal/logging"
	"github.com/kimhsiao/learnsync/core/internal/models"
	"github.com/kimhsiao/learnsync/core/internal/uuid"
)

// EvictionListener is notified when an action leaves the queue without succeeding.
type EvictionListener func(dl *models.DeadLetter)

// Stats are counters since the queue was created.
type Stats struct {
	Enqueued int64 `json:"enqueued"`
	Dequeued int64 `json:"dequeued"`
	Retried  int64 `json:"retried"`
	Evicted  int64 `json:"evicted"`
	Rejected int64 `json:"rejected"`
}

// Queue manages pending offline actions.
type Queue struct {
	store db.ActionStore

	// mu serializes enqueues so timestamps are strictly increasing in
	// insertion order. lastTs starts from the newest stored action.
	mu     sync.Mutex
	lastTs int64
	seeded bool

	maxRetries int
	now        func() time.Time
	logger     *logging.Logger
	listener   EvictionListener

	enqueued atomic.Int64
	dequeued atomic.Int64
	retried  atomic.Int64
	evicted  atomic.Int64
	rejected atomic.Int64
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxRetries sets the retry budget of newly enqueued actions.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

// WithClock overrides the clock used for action timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(q *Queue) {
		q.logger = l
	}
}

// WithEvictionListener registers a callback for evicted and rejected actions.
func WithEvictionListener(fn EvictionListener) Option {
	return func(q *Queue) {
		q.listener = fn
	}
}

// New creates a Queue over store.
func New(store db.ActionStore, opts ...Option) *Queue {
	q := &Queue{
		store:      store,
		maxRetries: models.DefaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = logging.Get()
	}
	return q
}

// EnqueueOption adjusts one enqueued action.
type EnqueueOption func(*models.OfflineAction)

// WithActionMaxRetries overrides the retry budget of one action.
func WithActionMaxRetries(n int) EnqueueOption {
	return func(a *models.OfflineAction) {
		if n > 0 {
			a.MaxRetries = n
		}
	}
}

// Enqueue durably records a local mutation for later delivery.
func (q *Queue) Enqueue(ctx context.Context, payload models.ActionPayload, opts ...EnqueueOption) (*models.OfflineAction, error) {
	return q.enqueue(ctx, payload, nil, opts)
}

// EnqueueWithRecords writes the local records produced by a mutation and the
// action describing it in one transaction. The records stay locally modified
// until the action is delivered.
func (q *Queue) EnqueueWithRecords(ctx context.Context, payload models.ActionPayload, recs ...*models.Record) (*models.OfflineAction, error) {
	return q.enqueue(ctx, payload, recs, nil)
}

func (q *Queue) enqueue(ctx context.Context, payload models.ActionPayload, recs []*models.Record, opts []EnqueueOption) (*models.OfflineAction, error) {
	if payload == nil {
		return nil, apperrors.New(apperrors.ErrInvalidPayload, "payload is required")
	}
	if !models.IsRegisteredActionType(payload.ActionType()) {
		return nil, apperrors.New(apperrors.ErrUnknownAction, "unregistered action type "+string(payload.ActionType()))
	}
	if err := payload.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidPayload, "invalid payload", err)
	}

	a := &models.OfflineAction{
		ID:         uuid.New(),
		Type:       payload.ActionType(),
		Payload:    payload,
		MaxRetries: q.maxRetries,
		Status:     models.ActionStatusPending,
	}
	for _, opt := range opts {
		opt(a)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.seeded {
		maxTs, err := q.store.MaxActionTimestamp(ctx)
		if err != nil {
			return nil, err
		}
		q.lastTs = max(q.lastTs, maxTs)
		q.seeded = true
	}

	ts := q.now().UnixMilli()
	if ts <= q.lastTs {
		ts = q.lastTs + 1
	}
	a.Timestamp = ts

	var err error
	if len(recs) > 0 {
		err = q.store.InsertActionWithRecords(ctx, a, recs...)
	} else {
		err = q.store.InsertAction(ctx, a)
	}
	if err != nil {
		return nil, err
	}
	q.lastTs = ts
	q.enqueued.Add(1)

	q.logger.Debug("Action enqueued", map[string]interface{}{
		"action_id": a.ID,
		"type":      string(a.Type),
		"timestamp": a.Timestamp,
	})
	return a, nil
}

// Pending returns queued actions in FIFO order.
func (q *Queue) Pending(ctx context.Context) ([]*models.OfflineAction, error) {
	return q.store.GetPendingActions(ctx)
}

// Count returns the live number of queued actions.
func (q *Queue) Count(ctx context.Context) (int, error) {
	return q.store.CountPendingActions(ctx)
}

// Get returns a queued action, or nil.
func (q *Queue) Get(ctx context.Context, id string) (*models.OfflineAction, error) {
	return q.store.GetAction(ctx, id)
}

// MarkProcessing flags an action as being delivered.
func (q *Queue) MarkProcessing(ctx context.Context, id string) error {
	return q.store.SetActionStatus(ctx, id, models.ActionStatusProcessing)
}

// DequeueOnSuccess removes a delivered action. Removing an unknown id is a no-op.
func (q *Queue) DequeueOnSuccess(ctx context.Context, id string) error {
	if err := q.store.DeleteAction(ctx, id); err != nil {
		return err
	}
	q.dequeued.Add(1)
	return nil
}

// RecordFailure consumes one retry. When the budget is exhausted the action
// is moved to the dead letters and evicted is true. On return a.RetryCount
// holds the new count.
func (q *Queue) RecordFailure(ctx context.Context, a *models.OfflineAction, cause error) (evicted bool, err error) {
	next := a.RetryCount + 1
	msg := errString(cause)

	if next >= a.MaxRetries {
		a.RetryCount = next
		dl, err := q.store.MoveToDeadLetter(ctx, a, models.ReasonRetriesExhausted, msg)
		if err != nil {
			a.RetryCount = next - 1
			return false, err
		}
		q.evicted.Add(1)
		q.logger.Warn("Action evicted after exhausting retries", map[string]interface{}{
			"action_id":   a.ID,
			"type":        string(a.Type),
			"retry_count": next,
			"max_retries": a.MaxRetries,
			"last_error":  msg,
		})
		q.notify(dl)
		return true, nil
	}

	if err := q.store.UpdateActionRetry(ctx, a.ID, next, msg); err != nil {
		return false, err
	}
	a.RetryCount = next
	a.LastError = msg
	a.Status = models.ActionStatusFailed
	q.retried.Add(1)

	q.logger.Info("Action failed, will retry", map[string]interface{}{
		"action_id":   a.ID,
		"type":        string(a.Type),
		"retry_count": next,
		"max_retries": a.MaxRetries,
		"error":       msg,
	})
	return false, nil
}

// Reject moves an action that can never succeed to the dead letters without
// consuming its retry budget.
func (q *Queue) Reject(ctx context.Context, a *models.OfflineAction, cause error) error {
	msg := errString(cause)
	dl, err := q.store.MoveToDeadLetter(ctx, a, models.ReasonRejected, msg)
	if err != nil {
		return err
	}
	q.rejected.Add(1)
	q.logger.Warn("Action rejected", map[string]interface{}{
		"action_id": a.ID,
		"type":      string(a.Type),
		"error":     msg,
	})
	q.notify(dl)
	return nil
}

// DeadLetters returns recently abandoned actions.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]*models.DeadLetter, error) {
	return q.store.ListDeadLetters(ctx, limit)
}

// Stats returns the queue counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued: q.enqueued.Load(),
		Dequeued: q.dequeued.Load(),
		Retried:  q.retried.Load(),
		Evicted:  q.evicted.Load(),
		Rejected: q.rejected.Load(),
	}
}

func (q *Queue) notify(dl *models.DeadLetter) {
	if q.listener != nil && dl != nil {
		q.listener(dl)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
