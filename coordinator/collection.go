package coordinator

import (
	"context"

	"board-sync/domain"
)

// collection is an ordered set of siblings sharing one serialization unit:
// the cards of a list, or the lists of a board (listID empty).
type collection struct {
	boardID string
	listID  string
	key     string

	siblings func(ctx context.Context) ([]domain.Sibling, error)
	update   func(ctx context.Context, id string, key float64, version string) (string, error)
}

func (c *Coordinator) cardsOf(boardID, listID string) collection {
	return collection{
		boardID: boardID,
		listID:  listID,
		key:     "board:" + boardID + ":list:" + listID,
		siblings: func(ctx context.Context) ([]domain.Sibling, error) {
			return c.store.GetSiblings(ctx, boardID, listID)
		},
		update: func(ctx context.Context, id string, key float64, version string) (string, error) {
			return c.store.UpdateCardPosition(ctx, boardID, id, listID, key, version)
		},
	}
}

func (c *Coordinator) listsOf(boardID string) collection {
	return collection{
		boardID: boardID,
		key:     "board:" + boardID + ":lists",
		siblings: func(ctx context.Context) ([]domain.Sibling, error) {
			return c.store.GetListSiblings(ctx, boardID)
		},
		update: func(ctx context.Context, id string, key float64, version string) (string, error) {
			return c.store.UpdateListPosition(ctx, boardID, id, key, version)
		},
	}
}
