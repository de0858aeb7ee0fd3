package ordering

import "board-sync/domain"

// Change is a single key rewrite produced by a reindex plan.
type Change struct {
	ID      string
	Key     float64
	Version string
}

// Reindex assigns Base + i*Stride to ids in the given order.
func (a Allocator) Reindex(ids []string) map[string]float64 {
	keys := make(map[string]float64, len(ids))
	for i, id := range ids {
		keys[id] = a.KeyAt(i)
	}
	return keys
}

// KeyAt is the evenly spaced key of position i.
func (a Allocator) KeyAt(i int) float64 {
	return a.Base + float64(i)*a.Stride
}

// Plan returns the rewrites needed to evenly space siblings, which must be
// ordered. Siblings already at their target key are skipped, so planning an
// evenly spaced list yields nothing.
func (a Allocator) Plan(siblings []domain.Sibling) []Change {
	var changes []Change
	for i, s := range siblings {
		k := a.KeyAt(i)
		if s.OrderKey == k {
			continue
		}
		changes = append(changes, Change{ID: s.ID, Key: k, Version: s.Version})
	}
	return changes
}

// Neighbors returns the keys surrounding insertion position pos in siblings
// (pos is clamped to [0, len(siblings)]).
func Neighbors(siblings []domain.Sibling, pos int) (prev, next *float64) {
	if pos < 0 {
		pos = 0
	}
	if pos > len(siblings) {
		pos = len(siblings)
	}
	if pos > 0 {
		k := siblings[pos-1].OrderKey
		prev = &k
	}
	if pos < len(siblings) {
		k := siblings[pos].OrderKey
		next = &k
	}
	return prev, next
}

// Position resolves a neighbor-id or index request against the current
// siblings. prevID wins over nextID, which wins over index; ids that are no
// longer present are ignored. Without any usable hint the entity is appended.
func Position(siblings []domain.Sibling, prevID, nextID string, index *int) int {
	if prevID != "" {
		for i, s := range siblings {
			if s.ID == prevID {
				return i + 1
			}
		}
	}
	if nextID != "" {
		for i, s := range siblings {
			if s.ID == nextID {
				return i
			}
		}
	}
	if index != nil {
		switch {
		case *index < 0:
			return 0
		case *index > len(siblings):
			return len(siblings)
		default:
			return *index
		}
	}
	return len(siblings)
}
