// Package hub fans confirmed board events out to every observing connection,
// locally and, through a Bus, in every other process.
package hub

import (
	"context"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

// Deliver hands one event to a connection. It must not block for long; the
// connection owns any buffering.
type Deliver func(domain.Event)

// Bus carries events between hub instances.
type Bus interface {
	Publish(ctx context.Context, ev domain.Event) error
	Listen(ctx context.Context, handle func(domain.Event))
}

// Hub tracks rooms of connections per board. It never owns the connections;
// callers Join when a stream opens and Leave when it closes.
type Hub struct {
	origin string
	bus    Bus
	logger *log.Logger

	mu    sync.RWMutex
	rooms map[string]map[string]Deliver
}

// New creates a hub. bus may be nil for a single-process deployment.
func New(bus Bus, logger *log.Logger) *Hub {
	if logger == nil {
		panic("Logger is not initialized")
	}
	return &Hub{
		origin: uuid.NewString(),
		bus:    bus,
		logger: logger,
		rooms:  make(map[string]map[string]Deliver),
	}
}

// Origin identifies this hub on the bus.
func (h *Hub) Origin() string { return h.origin }

func (h *Hub) Join(boardID, connID string, deliver Deliver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[boardID]
	if !ok {
		room = make(map[string]Deliver)
		h.rooms[boardID] = room
	}
	room[connID] = deliver
}

func (h *Hub) Leave(boardID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[boardID]
	if !ok {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(h.rooms, boardID)
	}
}

// Members returns the number of local connections observing the board.
func (h *Hub) Members(boardID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[boardID])
}

// Rooms returns the number of boards with at least one local observer.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Publish delivers ev to the local room and forwards it to the bus. Bus
// failures are logged; local observers have already been served.
func (h *Hub) Publish(ctx context.Context, boardID string, ev domain.Event) {
	ev.BoardID = boardID
	ev.Origin = h.origin
	h.deliver(ev)

	if h.bus == nil {
		return
	}
	if err := h.bus.Publish(ctx, ev); err != nil {
		h.logger.WithError(err).WithFields(log.Fields{
			"board": boardID,
			"seq":   ev.Seq,
			"kind":  ev.Kind(),
		}).Error("failed to publish event to bus")
	}
}

// Run relays events published by other hubs until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	if h.bus == nil {
		<-ctx.Done()
		return
	}
	h.bus.Listen(ctx, h.receive)
}

func (h *Hub) receive(ev domain.Event) {
	if ev.Origin == h.origin {
		return
	}
	h.deliver(ev)
}

func (h *Hub) deliver(ev domain.Event) {
	h.mu.RLock()
	room := h.rooms[ev.BoardID]
	targets := make(map[string]Deliver, len(room))
	for id, fn := range room {
		targets[id] = fn
	}
	h.mu.RUnlock()

	for connID, fn := range targets {
		h.call(connID, fn, ev)
	}
}

func (h *Hub) call(connID string, fn Deliver, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.WithFields(log.Fields{
				"board": ev.BoardID,
				"conn":  connID,
				"panic": r,
			}).Error("event delivery panicked")
		}
	}()
	fn(ev)
}
