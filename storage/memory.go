package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"board-sync/domain"
)

// Memory is a thread-safe in-process store. Versions are per-entity counters,
// so conditional writes behave like the table store's ETag checks.
type Memory struct {
	mu     sync.RWMutex
	boards map[string]domain.Board
	lists  map[string]domain.List
	cards  map[string]domain.Card
	seq    uint64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		boards: make(map[string]domain.Board),
		lists:  make(map[string]domain.List),
		cards:  make(map[string]domain.Card),
	}
}

func (m *Memory) nextVersionLocked() string {
	m.seq++
	return strconv.FormatUint(m.seq, 10)
}

// PutBoard creates or replaces a board.
func (m *Memory) PutBoard(b domain.Board) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := make(map[string]domain.Role, len(b.Members))
	for k, v := range b.Members {
		members[k] = v
	}
	b.Members = members
	m.boards[b.ID] = b
}

// PutList creates or replaces a list and returns its version.
func (m *Memory) PutList(l domain.List) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.Version = m.nextVersionLocked()
	m.lists[l.ID] = l
	return l.Version
}

// PutCard creates or replaces a card and returns its version.
func (m *Memory) PutCard(c domain.Card) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.Version = m.nextVersionLocked()
	m.cards[c.ID] = c
	return c.Version
}

// DeleteCard removes a card; unknown ids are ignored.
func (m *Memory) DeleteCard(cardID string) {
	m.mu.Lock()
	delete(m.cards, cardID)
	m.mu.Unlock()
}

func (m *Memory) GetBoard(_ context.Context, boardID string) (domain.Board, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.boards[boardID]
	if !ok {
		return domain.Board{}, fmt.Errorf("board %s: %w", boardID, domain.ErrNotFound)
	}
	return b, nil
}

func (m *Memory) GetList(_ context.Context, boardID, listID string) (domain.List, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lists[listID]
	if !ok || l.BoardID != boardID {
		return domain.List{}, fmt.Errorf("list %s: %w", listID, domain.ErrNotFound)
	}
	return l, nil
}

func (m *Memory) GetCard(_ context.Context, boardID, cardID string) (domain.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cards[cardID]
	if !ok || c.BoardID != boardID {
		return domain.Card{}, fmt.Errorf("card %s: %w", cardID, domain.ErrNotFound)
	}
	return c, nil
}

func (m *Memory) GetSiblings(_ context.Context, boardID, listID string) ([]domain.Sibling, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []domain.Sibling{}
	for _, c := range m.cards {
		if c.BoardID == boardID && c.ListID == listID {
			out = append(out, domain.Sibling{ID: c.ID, OrderKey: c.OrderKey, Version: c.Version})
		}
	}
	sortSiblings(out)
	return out, nil
}

func (m *Memory) GetListSiblings(_ context.Context, boardID string) ([]domain.Sibling, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []domain.Sibling{}
	for _, l := range m.lists {
		if l.BoardID == boardID {
			out = append(out, domain.Sibling{ID: l.ID, OrderKey: l.OrderKey, Version: l.Version})
		}
	}
	sortSiblings(out)
	return out, nil
}

func (m *Memory) Snapshot(_ context.Context, boardID string) (domain.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := domain.Snapshot{BoardID: boardID, Lists: []domain.List{}, Cards: []domain.Card{}}
	for _, l := range m.lists {
		if l.BoardID == boardID {
			snap.Lists = append(snap.Lists, l)
		}
	}
	for _, c := range m.cards {
		if c.BoardID == boardID {
			snap.Cards = append(snap.Cards, c)
		}
	}
	sort.SliceStable(snap.Lists, func(i, j int) bool {
		return lessKey(snap.Lists[i].OrderKey, snap.Lists[i].ID, snap.Lists[j].OrderKey, snap.Lists[j].ID)
	})
	sortCards(snap.Cards)
	return snap, nil
}

func (m *Memory) UpdateCardPosition(_ context.Context, boardID, cardID, listID string, key float64, expectedVersion string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[cardID]
	if !ok || c.BoardID != boardID {
		return "", fmt.Errorf("card %s: %w", cardID, domain.ErrNotFound)
	}
	if expectedVersion != "" && c.Version != expectedVersion {
		return "", fmt.Errorf("card %s at version %s, expected %s: %w", cardID, c.Version, expectedVersion, domain.ErrRetryableConflict)
	}
	c.ListID = listID
	c.OrderKey = key
	c.Version = m.nextVersionLocked()
	m.cards[cardID] = c
	return c.Version, nil
}

func (m *Memory) UpdateListPosition(_ context.Context, boardID, listID string, key float64, expectedVersion string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lists[listID]
	if !ok || l.BoardID != boardID {
		return "", fmt.Errorf("list %s: %w", listID, domain.ErrNotFound)
	}
	if expectedVersion != "" && l.Version != expectedVersion {
		return "", fmt.Errorf("list %s at version %s, expected %s: %w", listID, l.Version, expectedVersion, domain.ErrRetryableConflict)
	}
	l.OrderKey = key
	l.Version = m.nextVersionLocked()
	m.lists[listID] = l
	return l.Version, nil
}

func sortSiblings(s []domain.Sibling) {
	sort.SliceStable(s, func(i, j int) bool { return lessKey(s[i].OrderKey, s[i].ID, s[j].OrderKey, s[j].ID) })
}
