// Package conflict provides conflict detection and resolution between local
// and remote versions of a synced record.
package conflict

import (
	"bytes"

	"github.com/kimhsiao/learnsync/core/internal/logging"
	"github.com/kimhsiao/learnsync/core/internal/models"
)

// DefaultStrategy applies when no strategy is configured or the configured
// one is unknown.
const DefaultStrategy = models.ServerWins

// timestampKeys are data fields that carry the record timestamp. On merge
// they take the server value.
var timestampKeys = []string{"updatedAt", "updated_at"}

// Resolve maps a (local, remote) pair and a strategy to a resolution. It is
// pure and deterministic.
//
//   - CLIENT_WINS resolves to local.
//   - SERVER_WINS resolves to remote.
//   - MERGE resolves to remote's fields overlaid with local's, with the
//     timestamp always taken from remote.
//   - MANUAL returns no resolved data.
//
// Unknown strategies resolve as SERVER_WINS.
func Resolve(local, remote models.Record, strategy models.ResolutionType) models.ConflictResolution {
	res := models.ConflictResolution{
		Type:       strategy,
		ClientData: local,
		ServerData: remote,
	}

	switch strategy {
	case models.ClientWins:
		resolved := local.Clone()
		res.ResolvedData = &resolved
	case models.Merge:
		resolved := merge(local, remote)
		res.ResolvedData = &resolved
	case models.Manual:
	default:
		res.Type = models.ServerWins
		resolved := remote.Clone()
		resolved.LocalModifiedAt = 0
		res.ResolvedData = &resolved
	}
	return res
}

// merge is {...remote, ...local, updatedAt: remote.updatedAt}.
// The merged record stays locally modified until the pending action that
// touched it is delivered. The merged content itself is not uploaded.
func merge(local, remote models.Record) models.Record {
	out := remote.Clone()
	out.Data = make(map[string]interface{}, len(remote.Data)+len(local.Data))
	for k, v := range remote.Data {
		out.Data[k] = v
	}
	for k, v := range local.Data {
		out.Data[k] = v
	}
	for _, key := range timestampKeys {
		if v, ok := remote.Data[key]; ok {
			out.Data[key] = v
		} else if _, ok := local.Data[key]; ok {
			out.Data[key] = remote.UpdatedAt
		}
	}
	if local.Owner != "" {
		out.Owner = local.Owner
	}
	out.UpdatedAt = remote.UpdatedAt
	out.LocalModifiedAt = local.LocalModifiedAt
	out.Version = local.Version
	return out
}

// Detect reports whether applying remote would silently discard a local edit:
// local exists, carries an unconfirmed modification, and its data differs
// from remote's.
func Detect(local *models.Record, remote models.Record) bool {
	if local == nil || !local.IsDirty() {
		return false
	}
	a, errA := local.CanonicalData()
	b, errB := remote.CanonicalData()
	if errA != nil || errB != nil {
		return true
	}
	return !bytes.Equal(a, b)
}

// ParseStrategy parses a configured strategy name. An empty name yields
// DefaultStrategy.
func ParseStrategy(s string) (models.ResolutionType, error) {
	if s == "" {
		return DefaultStrategy, nil
	}
	t, err := models.ParseResolutionType(s)
	if err != nil {
		return "", &ConflictError{Message: err.Error()}
	}
	return t, nil
}

// Resolver applies per-table strategies and logs each resolution.
type Resolver struct {
	defaultStrategy models.ResolutionType
	perTable        map[string]models.ResolutionType
	logger          *logging.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}

// WithTableStrategy overrides the strategy for one table.
func WithTableStrategy(table string, strategy models.ResolutionType) Option {
	return func(r *Resolver) {
		r.perTable[table] = strategy
	}
}

// NewResolver creates a Resolver. An empty default means SERVER_WINS.
func NewResolver(defaultStrategy models.ResolutionType, opts ...Option) *Resolver {
	if defaultStrategy == "" {
		defaultStrategy = DefaultStrategy
	}
	r := &Resolver{
		defaultStrategy: defaultStrategy,
		perTable:        make(map[string]models.ResolutionType),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.Get()
	}
	return r
}

// StrategyFor returns the strategy configured for table.
func (r *Resolver) StrategyFor(table string) models.ResolutionType {
	if s, ok := r.perTable[table]; ok {
		return s
	}
	return r.defaultStrategy
}

// Resolve resolves a conflict with the table's strategy.
func (r *Resolver) Resolve(local, remote models.Record) (*models.ConflictResolution, error) {
	return r.ResolveWith(local, remote, r.StrategyFor(remote.Table))
}

// ResolveWith resolves a conflict with an explicit strategy.
func (r *Resolver) ResolveWith(local, remote models.Record, strategy models.ResolutionType) (*models.ConflictResolution, error) {
	if local.ID == "" || remote.ID == "" {
		return nil, ErrInvalidConflict
	}
	if local.ID != remote.ID {
		return nil, ErrItemIDMismatch
	}
	if local.Table != remote.Table {
		return nil, ErrTableMismatch
	}

	res := Resolve(local, remote, strategy)

	fields := map[string]interface{}{
		"table":            remote.Table,
		"record_id":        remote.ID,
		"strategy":         string(res.Type),
		"local_modified":   local.LocalModifiedAt,
		"remote_timestamp": remote.UpdatedAt,
	}
	if res.Type == models.Manual {
		r.logger.Warn("Conflict queued for manual review", fields)
	} else {
		r.logger.Info("Conflict resolved", fields)
	}
	return &res, nil
}

// DetectConflict is Detect with logging.
func (r *Resolver) DetectConflict(local *models.Record, remote models.Record) bool {
	if !Detect(local, remote) {
		return false
	}
	r.logger.Warn("Concurrent edit conflict detected", map[string]interface{}{
		"table":            remote.Table,
		"record_id":        remote.ID,
		"local_modified":   local.LocalModifiedAt,
		"local_version":    local.Version,
		"remote_timestamp": remote.UpdatedAt,
	})
	return true
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: both records must have an id"}
	ErrItemIDMismatch  = &ConflictError{Message: "record ID mismatch"}
	ErrTableMismatch   = &ConflictError{Message: "record table mismatch"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
