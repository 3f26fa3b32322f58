package sync

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/learnsync/core/internal/errors"
	"github.com/kimhsiao/learnsync/core/internal/models"
)

// Handler delivers one action to the remote. Implementations must be
// idempotent on the action ID: the engine may submit the same action again
// after an ambiguous failure such as a timeout.
type Handler interface {
	Submit(ctx context.Context, a *models.OfflineAction) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, a *models.OfflineAction) error

// Submit calls f.
func (f HandlerFunc) Submit(ctx context.Context, a *models.OfflineAction) error {
	return f(ctx, a)
}

// Typed adapts a function that expects a concrete payload type. A payload of
// any other type is a permanent failure.
func Typed[P models.ActionPayload](fn func(ctx context.Context, a *models.OfflineAction, p P) error) Handler {
	return HandlerFunc(func(ctx context.Context, a *models.OfflineAction) error {
		p, ok := a.Payload.(P)
		if !ok {
			return apperrors.Permanent(apperrors.ErrInvalidPayload,
				"unexpected payload type for "+string(a.Type), nil)
		}
		return fn(ctx, a, p)
	})
}

// Fetcher returns remote records of one table changed after since (server
// clock, unix ms).
type Fetcher interface {
	FetchSince(ctx context.Context, since int64) ([]models.Record, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, since int64) ([]models.Record, error)

// FetchSince calls f.
func (f FetcherFunc) FetchSince(ctx context.Context, since int64) ([]models.Record, error) {
	return f(ctx, since)
}

// Timer is a pending retry.
type Timer interface {
	Stop() bool
}

// Clock abstracts time for the engine's retry timer.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SyncEngineInterface is the engine surface used by the HTTP API.
type SyncEngineInterface interface {
	// Sync runs one cycle now. It returns an error only when the local store fails.
	Sync(ctx context.Context, trigger Trigger) (*SyncResult, error)

	// TriggerSync starts a cycle in the background. It reports false after Shutdown.
	TriggerSync(trigger Trigger) bool

	// Status returns the last published status.
	Status() models.SyncStatus

	// SubscribeStatus streams status updates, last value wins.
	SubscribeStatus() (<-chan models.SyncStatus, func())

	// OpenConflicts lists conflicts awaiting an explicit resolution.
	OpenConflicts(ctx context.Context) ([]*models.ConflictLog, error)

	// ResolveConflict resolves an open conflict with a concrete strategy.
	ResolveConflict(ctx context.Context, id string, strategy models.ResolutionType) (*models.ConflictLog, error)
}

var _ SyncEngineInterface = (*Engine)(nil)
