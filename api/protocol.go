package api

import (
	"encoding/json"

	"board-sync/domain"
)

const (
	moveBodyMaxSize   = 16 * 1024 // 16 KiB
	ingestBodyMaxSize = 64 * 1024 // 64 KiB

	defaultActivityLimit = 20
)

// POST /api/boards/:boardId/cards/:cardId/move request body
type moveCardRequest struct {
	TargetListID   string `json:"targetListId"`
	PrevCardID     string `json:"prevCardId,omitempty"`
	NextCardID     string `json:"nextCardId,omitempty"`
	Index          *int   `json:"index,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// POST /api/boards/:boardId/lists/:listId/move request body
type moveListRequest struct {
	PrevListID string `json:"prevListId,omitempty"`
	NextListID string `json:"nextListId,omitempty"`
	Index      *int   `json:"index,omitempty"`
}

// POST /internal/boards/:boardId/events request body
type ingestRequest struct {
	Type   domain.Kind     `json:"type"`
	UserID string          `json:"userId"`
	Data   json.RawMessage `json:"data"`
}

type ingestResponse struct {
	ID  string `json:"id"`
	Seq int64  `json:"seq"`
}

type activityResponse struct {
	Entries []domain.ActivityEntry `json:"entries"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

type healthResponse struct {
	Status string `json:"status"`
	Rooms  int    `json:"rooms"`
	Error  string `json:"error,omitempty"`
}
