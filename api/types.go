package api

import (
	"context"

	log "github.com/sirupsen/logrus"

	"board-sync/coordinator"
	"board-sync/domain"
	"board-sync/hub"
)

// Service is the move coordinator as seen by the handlers.
type Service interface {
	MoveCard(ctx context.Context, in domain.MoveIntent) (coordinator.MoveResult, error)
	MoveList(ctx context.Context, in domain.ListMoveIntent) (coordinator.ListMoveResult, error)
	ReindexList(ctx context.Context, boardID, listID, userID string) (coordinator.ReindexResult, error)
	Announce(ctx context.Context, boardID, userID string, payload domain.Payload) (domain.ActivityEntry, error)
	Recent(ctx context.Context, boardID, userID string, limit int) ([]domain.ActivityEntry, error)
	Authorize(ctx context.Context, boardID, userID string, min domain.Role) (domain.Board, error)
}

// Snapshots serves the authoritative board state to joining clients.
type Snapshots interface {
	Snapshot(ctx context.Context, boardID string) (domain.Snapshot, error)
}

// snapshotEvicter is implemented by snapshot caches.
type snapshotEvicter interface {
	Evict(ctx context.Context, boardID string)
}

// Rooms is the broadcast hub's membership contract.
type Rooms interface {
	Join(boardID, connID string, deliver hub.Deliver)
	Leave(boardID, connID string)
	Rooms() int
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents a retried move from being applied twice.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when the move is rejected.
	Remove(ctx context.Context, userID, key string) error
}

// Deps wires the handlers. Deduper and Health are optional.
type Deps struct {
	Service       Service
	Snapshots     Snapshots
	Rooms         Rooms
	Auth          Authenticator
	Deduper       Deduper
	Health        func(ctx context.Context) error
	InternalToken string
	Logger        *log.Logger
}
