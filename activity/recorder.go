// Package activity keeps the bounded per-board audit trail delivered to
// newly joined observers.
package activity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"board-sync/domain"
)

// DefaultCapacity is the number of recent entries kept per board.
const DefaultCapacity = 20

var errMissingBoard = errors.New("activity entry without board")

// MemoryRecorder keeps a fixed-capacity ring per board in process memory.
type MemoryRecorder struct {
	capacity int
	through  *Dispatcher
	now      func() time.Time

	mu     sync.Mutex
	boards map[string]*ring
}

type ring struct {
	entries []domain.ActivityEntry
	next    int
	size    int
	seq     int64
}

// NewMemoryRecorder creates a recorder keeping capacity entries per board.
// through may be nil when no durable log is configured.
func NewMemoryRecorder(capacity int, through *Dispatcher) *MemoryRecorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryRecorder{
		capacity: capacity,
		through:  through,
		now:      time.Now,
		boards:   make(map[string]*ring),
	}
}

// Append assigns the next sequence number of the entry's board and stores it.
func (r *MemoryRecorder) Append(_ context.Context, entry domain.ActivityEntry) (int64, error) {
	if entry.BoardID == "" {
		return 0, errMissingBoard
	}
	stamp(&entry, r.now)

	r.mu.Lock()
	rg, ok := r.boards[entry.BoardID]
	if !ok {
		rg = &ring{entries: make([]domain.ActivityEntry, r.capacity)}
		r.boards[entry.BoardID] = rg
	}
	rg.seq++
	entry.Seq = rg.seq
	rg.entries[rg.next] = entry
	rg.next = (rg.next + 1) % r.capacity
	if rg.size < r.capacity {
		rg.size++
	}
	r.mu.Unlock()

	if r.through != nil {
		r.through.Offer(entry)
	}
	return entry.Seq, nil
}

// Recent returns up to limit entries of the board, most recent first.
func (r *MemoryRecorder) Recent(_ context.Context, boardID string, limit int) ([]domain.ActivityEntry, error) {
	limit = clampLimit(limit, r.capacity)

	r.mu.Lock()
	defer r.mu.Unlock()
	rg, ok := r.boards[boardID]
	if !ok {
		return []domain.ActivityEntry{}, nil
	}
	if limit > rg.size {
		limit = rg.size
	}
	out := make([]domain.ActivityEntry, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (rg.next - i + r.capacity) % r.capacity
		out = append(out, rg.entries[idx])
	}
	return out, nil
}

func stamp(entry *domain.ActivityEntry, now func() time.Time) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.At.IsZero() {
		entry.At = now().UTC()
	}
}

func clampLimit(limit, capacity int) int {
	if limit <= 0 || limit > capacity {
		return capacity
	}
	return limit
}
