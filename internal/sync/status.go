package sync

import (
	stdsync "sync"

	"github.com/kimhsiao/learnsync/core/internal/models"
)

// StatusBroadcaster publishes SyncStatus to subscribers. Each subscriber
// holds at most one undelivered value; a newer status replaces it.
type StatusBroadcaster struct {
	mu      stdsync.Mutex
	current models.SyncStatus
	subs    map[int]chan models.SyncStatus
	nextID  int
	closed  bool
}

// NewStatusBroadcaster creates a broadcaster holding initial.
func NewStatusBroadcaster(initial models.SyncStatus) *StatusBroadcaster {
	return &StatusBroadcaster{
		current: initial,
		subs:    make(map[int]chan models.SyncStatus),
	}
}

// Current returns the last published status.
func (b *StatusBroadcaster) Current() models.SyncStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Subscribe returns a channel that immediately holds the current status and
// then receives the latest one. The channel is closed on unsubscribe or Close.
func (b *StatusBroadcaster) Subscribe() (<-chan models.SyncStatus, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan models.SyncStatus, 1)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	ch <- b.current
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Update applies fn to the current status and publishes the result.
func (b *StatusBroadcaster) Update(fn func(s *models.SyncStatus)) models.SyncStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	fn(&b.current)
	s := b.current
	if b.closed {
		return s
	}
	for _, ch := range b.subs {
		select {
		case ch <- s:
		default:
			// Drop the stale value the subscriber has not read yet.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
	return s
}

// Close closes every subscription. Later updates only change Current.
func (b *StatusBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
