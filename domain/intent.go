package domain

import "fmt"

// MoveIntent asks to relocate a card. The destination is expressed through
// neighbor ids or an absolute index, never through raw order keys.
type MoveIntent struct {
	BoardID        string
	CardID         string
	TargetListID   string
	PrevCardID     string
	NextCardID     string
	Index          *int
	UserID         string
	IdempotencyKey string
}

// Validate checks the fields every intent needs.
func (m MoveIntent) Validate() error {
	if m.BoardID == "" || m.CardID == "" || m.TargetListID == "" {
		return fmt.Errorf("%w: boardId, cardId and targetListId are required", ErrInvalidIntent)
	}
	if m.UserID == "" {
		return fmt.Errorf("%w: missing user", ErrInvalidIntent)
	}
	if m.PrevCardID == m.CardID || m.NextCardID == m.CardID {
		return fmt.Errorf("%w: card cannot be its own neighbor", ErrInvalidIntent)
	}
	if m.Index != nil && *m.Index < 0 {
		return fmt.Errorf("%w: negative index", ErrInvalidIntent)
	}
	return nil
}

// ListMoveIntent asks to reorder a list within its board.
type ListMoveIntent struct {
	BoardID    string
	ListID     string
	PrevListID string
	NextListID string
	Index      *int
	UserID     string
}

func (m ListMoveIntent) Validate() error {
	if m.BoardID == "" || m.ListID == "" {
		return fmt.Errorf("%w: boardId and listId are required", ErrInvalidIntent)
	}
	if m.UserID == "" {
		return fmt.Errorf("%w: missing user", ErrInvalidIntent)
	}
	if m.PrevListID == m.ListID || m.NextListID == m.ListID {
		return fmt.Errorf("%w: list cannot be its own neighbor", ErrInvalidIntent)
	}
	if m.Index != nil && *m.Index < 0 {
		return fmt.Errorf("%w: negative index", ErrInvalidIntent)
	}
	return nil
}
