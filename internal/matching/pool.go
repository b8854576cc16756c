package matching

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

var ErrAlreadyWaiting = errors.New("user is already waiting")

// Pool is the set of users who have asked to be matched. Keyed by user id;
// enqueue order matters for fairness, not correctness.
type Pool struct {
	mu      sync.RWMutex
	entries map[string]Entry

	logger *slog.Logger
}

func NewPool(logger *slog.Logger) *Pool {
	return &Pool{
		entries: make(map[string]Entry),
		logger:  logger.With(slog.String("component", "waiting_pool")),
	}
}

func (p *Pool) Enqueue(entry Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[entry.UserID]; exists {
		return ErrAlreadyWaiting
	}
	p.entries[entry.UserID] = entry
	p.logger.Debug("user enqueued",
		slog.String("userID", entry.UserID),
		slog.String("subject", string(entry.Prefs.Subject)),
		slog.String("mood", string(entry.Prefs.Mood)),
	)
	return nil
}

// Withdraw is idempotent; withdrawing an absent user is a no-op.
func (p *Pool) Withdraw(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[userID]; !exists {
		return
	}
	delete(p.entries, userID)
	p.logger.Debug("user withdrawn", slog.String("userID", userID))
}

// Remove drops the given users from the pool in one step. Used by the
// match commit.
func (p *Pool) Remove(userIDs ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range userIDs {
		delete(p.entries, id)
	}
}

func (p *Pool) Contains(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.entries[userID]
	return ok
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Snapshot returns a point-in-time copy of the pool ordered by EnqueuedAt
// ascending, user id breaking ties so repeated snapshots of the same pool
// are identical. Never a live view; the matcher reads it lock-free.
func (p *Pool) Snapshot() []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snapshot := make([]Entry, 0, len(p.entries))
	for _, e := range p.entries {
		snapshot = append(snapshot, e)
	}
	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].EnqueuedAt.Equal(snapshot[j].EnqueuedAt) {
			return snapshot[i].UserID < snapshot[j].UserID
		}
		return snapshot[i].EnqueuedAt.Before(snapshot[j].EnqueuedAt)
	})
	return snapshot
}
