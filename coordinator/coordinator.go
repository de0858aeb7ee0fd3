// Package coordinator turns move intents into committed, recorded and
// broadcast position changes, one collection at a time.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"board-sync/domain"
	"board-sync/ordering"
)

const (
	opMoveCard = "moveCard"
	opMoveList = "moveList"
	opReindex  = "reindex"
	opAnnounce = "announce"

	// DefaultLockTimeout bounds the wait for a collection's serialization unit.
	DefaultLockTimeout = 2 * time.Second

	reindexAttempts = 3
)

// Store is the durable board state the coordinator reads and conditionally
// writes.
type Store interface {
	GetBoard(ctx context.Context, boardID string) (domain.Board, error)
	GetList(ctx context.Context, boardID, listID string) (domain.List, error)
	GetCard(ctx context.Context, boardID, cardID string) (domain.Card, error)
	GetSiblings(ctx context.Context, boardID, listID string) ([]domain.Sibling, error)
	GetListSiblings(ctx context.Context, boardID string) ([]domain.Sibling, error)
	UpdateCardPosition(ctx context.Context, boardID, cardID, listID string, key float64, expectedVersion string) (string, error)
	UpdateListPosition(ctx context.Context, boardID, listID string, key float64, expectedVersion string) (string, error)
}

// Recorder appends activity and assigns per-board sequence numbers.
type Recorder interface {
	Append(ctx context.Context, entry domain.ActivityEntry) (int64, error)
	Recent(ctx context.Context, boardID string, limit int) ([]domain.ActivityEntry, error)
}

// Publisher fans a confirmed event out to the board's observers.
type Publisher interface {
	Publish(ctx context.Context, boardID string, ev domain.Event)
}

type Config struct {
	LockTimeout time.Duration
	Allocator   ordering.Allocator
}

type Coordinator struct {
	store       Store
	recorder    Recorder
	publisher   Publisher
	locker      Locker
	alloc       ordering.Allocator
	lockTimeout time.Duration
	logger      *log.Logger
	now         func() time.Time

	frozenMu sync.Mutex
	frozen   map[string]struct{}
}

type MoveResult struct {
	CardID     string  `json:"cardId"`
	FromListID string  `json:"fromListId"`
	ToListID   string  `json:"toListId"`
	OrderKey   float64 `json:"orderKey"`
	Seq        int64   `json:"seq"`
	Reindexed  bool    `json:"reindexed,omitempty"`
}

type ListMoveResult struct {
	ListID    string  `json:"listId"`
	OrderKey  float64 `json:"orderKey"`
	Seq       int64   `json:"seq"`
	Reindexed bool    `json:"reindexed,omitempty"`
}

// ReindexResult reports the keys of a renumbered collection. Changed is the
// number of writes it took; zero means the collection was already evenly
// spaced and nothing was recorded.
type ReindexResult struct {
	ListID  string             `json:"listId,omitempty"`
	Keys    map[string]float64 `json:"keys"`
	Changed int                `json:"changed"`
	Seq     int64              `json:"seq,omitempty"`
}

func New(store Store, recorder Recorder, publisher Publisher, locker Locker, logger *log.Logger, cfg Config) *Coordinator {
	if logger == nil {
		panic("Logger is not initialized")
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.Allocator.Stride <= 0 {
		cfg.Allocator = ordering.DefaultAllocator()
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Coordinator{
		store:       store,
		recorder:    recorder,
		publisher:   publisher,
		locker:      locker,
		alloc:       cfg.Allocator,
		lockTimeout: cfg.LockTimeout,
		logger:      logger,
		now:         time.Now,
		frozen:      make(map[string]struct{}),
	}
}

// MoveCard relocates a card to the position described by the intent.
func (c *Coordinator) MoveCard(ctx context.Context, in domain.MoveIntent) (MoveResult, error) {
	ctx, r := c.begin(ctx, opMoveCard, in.BoardID, in.UserID,
		attribute.String("card.id", in.CardID),
		attribute.String("list.target", in.TargetListID),
	)
	defer r.end()

	if err := in.Validate(); err != nil {
		return MoveResult{}, r.reject(domain.ErrInvalidIntent, err)
	}
	r.to(stateResolving)

	card, err := c.store.GetCard(ctx, in.BoardID, in.CardID)
	if err != nil {
		return MoveResult{}, r.storeErr("load card", err)
	}
	if err := c.authorize(ctx, r, in.BoardID, in.UserID, domain.RoleMember); err != nil {
		return MoveResult{}, err
	}
	target, err := c.store.GetList(ctx, in.BoardID, in.TargetListID)
	if err != nil {
		return MoveResult{}, r.storeErr("load target list", err)
	}
	if card.BoardID != in.BoardID || target.BoardID != in.BoardID {
		return MoveResult{}, r.reject(domain.ErrAuthorization, errors.New("card and list must belong to the board"))
	}

	col := c.cardsOf(in.BoardID, in.TargetListID)
	unlock, err := c.acquire(ctx, r, col)
	if err != nil {
		return MoveResult{}, err
	}
	defer unlock()
	// admitted: finish even if the caller goes away
	ctx = context.WithoutCancel(ctx)

	key, reindexed, err := c.place(ctx, r, col, in.CardID, in.PrevCardID, in.NextCardID, in.Index, in.UserID)
	if err != nil {
		return MoveResult{}, err
	}
	card, err = c.store.GetCard(ctx, in.BoardID, in.CardID)
	if err != nil {
		return MoveResult{}, r.storeErr("reload card", err)
	}

	r.to(stateCommitting)
	if _, err := c.store.UpdateCardPosition(ctx, in.BoardID, card.ID, in.TargetListID, key, card.Version); err != nil {
		return MoveResult{}, r.storeErr("commit move", err)
	}

	entry := c.record(ctx, r, in.BoardID, in.UserID, domain.CardMoved{
		CardID:     card.ID,
		FromListID: card.ListID,
		ToListID:   in.TargetListID,
		OrderKey:   key,
		UserID:     in.UserID,
	})
	r.done()

	return MoveResult{
		CardID:     card.ID,
		FromListID: card.ListID,
		ToListID:   in.TargetListID,
		OrderKey:   key,
		Seq:        entry.Seq,
		Reindexed:  reindexed,
	}, nil
}

// MoveList reorders a list within its board.
func (c *Coordinator) MoveList(ctx context.Context, in domain.ListMoveIntent) (ListMoveResult, error) {
	ctx, r := c.begin(ctx, opMoveList, in.BoardID, in.UserID, attribute.String("list.id", in.ListID))
	defer r.end()

	if err := in.Validate(); err != nil {
		return ListMoveResult{}, r.reject(domain.ErrInvalidIntent, err)
	}
	r.to(stateResolving)

	if err := c.authorize(ctx, r, in.BoardID, in.UserID, domain.RoleMember); err != nil {
		return ListMoveResult{}, err
	}
	if _, err := c.store.GetList(ctx, in.BoardID, in.ListID); err != nil {
		return ListMoveResult{}, r.storeErr("load list", err)
	}

	col := c.listsOf(in.BoardID)
	unlock, err := c.acquire(ctx, r, col)
	if err != nil {
		return ListMoveResult{}, err
	}
	defer unlock()
	ctx = context.WithoutCancel(ctx)

	key, reindexed, err := c.place(ctx, r, col, in.ListID, in.PrevListID, in.NextListID, in.Index, in.UserID)
	if err != nil {
		return ListMoveResult{}, err
	}
	list, err := c.store.GetList(ctx, in.BoardID, in.ListID)
	if err != nil {
		return ListMoveResult{}, r.storeErr("reload list", err)
	}

	r.to(stateCommitting)
	if _, err := c.store.UpdateListPosition(ctx, in.BoardID, list.ID, key, list.Version); err != nil {
		return ListMoveResult{}, r.storeErr("commit list move", err)
	}

	entry := c.record(ctx, r, in.BoardID, in.UserID, domain.ListMoved{ListID: list.ID, OrderKey: key, UserID: in.UserID})
	r.done()
	return ListMoveResult{ListID: list.ID, OrderKey: key, Seq: entry.Seq, Reindexed: reindexed}, nil
}

// ReindexList evenly respaces the cards of a list, or the lists of the board
// when listID is empty, and lifts a freeze left by a failed reindex. An empty
// userID is the operator acting outside any board membership.
func (c *Coordinator) ReindexList(ctx context.Context, boardID, listID, userID string) (ReindexResult, error) {
	ctx, r := c.begin(ctx, opReindex, boardID, userID, attribute.String("list.id", listID))
	defer r.end()

	if boardID == "" {
		return ReindexResult{}, r.reject(domain.ErrInvalidIntent, errors.New("boardId is required"))
	}
	r.to(stateResolving)

	if userID != "" {
		if err := c.authorize(ctx, r, boardID, userID, domain.RoleAdmin); err != nil {
			return ReindexResult{}, err
		}
	} else if _, err := c.store.GetBoard(ctx, boardID); err != nil {
		return ReindexResult{}, r.storeErr("load board", err)
	}

	col := c.listsOf(boardID)
	if listID != "" {
		if _, err := c.store.GetList(ctx, boardID, listID); err != nil {
			return ReindexResult{}, r.storeErr("load list", err)
		}
		col = c.cardsOf(boardID, listID)
	}

	unlock, err := c.lock(ctx, r, col)
	if err != nil {
		return ReindexResult{}, err
	}
	defer unlock()
	ctx = context.WithoutCancel(ctx)

	r.to(stateCommitting)
	res, err := c.reindex(ctx, r, col, userID)
	if err != nil {
		return ReindexResult{}, err
	}
	c.unfreeze(col.key)
	r.done()
	return res, nil
}

// Announce records and broadcasts an event produced by the board's CRUD
// layer. Only creation, comment and board update payloads are accepted.
func (c *Coordinator) Announce(ctx context.Context, boardID, userID string, payload domain.Payload) (domain.ActivityEntry, error) {
	ctx, r := c.begin(ctx, opAnnounce, boardID, userID)
	defer r.end()

	switch payload.(type) {
	case domain.CardCreated, domain.CommentAdded, domain.BoardUpdated:
	default:
		return domain.ActivityEntry{}, r.reject(domain.ErrInvalidIntent, fmt.Errorf("cannot announce %T", payload))
	}
	if boardID == "" {
		return domain.ActivityEntry{}, r.reject(domain.ErrInvalidIntent, errors.New("boardId is required"))
	}
	r.to(stateResolving)
	if _, err := c.store.GetBoard(ctx, boardID); err != nil {
		return domain.ActivityEntry{}, r.storeErr("load board", err)
	}

	r.to(stateCommitting)
	entry := c.record(ctx, r, boardID, userID, payload)
	r.done()
	return entry, nil
}

// Authorize loads the board and checks userID holds at least min on it.
// Non-members may view public boards.
func (c *Coordinator) Authorize(ctx context.Context, boardID, userID string, min domain.Role) (domain.Board, error) {
	board, err := c.store.GetBoard(ctx, boardID)
	if err != nil {
		return domain.Board{}, err
	}
	role, ok := board.RoleOf(userID)
	if !ok && board.Visibility == "public" {
		role = domain.RoleViewer
	}
	if !role.AtLeast(min) {
		return domain.Board{}, fmt.Errorf("%w: user %s needs %s on board %s", domain.ErrAuthorization, userID, min, boardID)
	}
	return board, nil
}

// Recent returns the board's latest activity, most recent first.
func (c *Coordinator) Recent(ctx context.Context, boardID, userID string, limit int) ([]domain.ActivityEntry, error) {
	if _, err := c.Authorize(ctx, boardID, userID, domain.RoleViewer); err != nil {
		return nil, err
	}
	return c.recorder.Recent(ctx, boardID, limit)
}

func (c *Coordinator) authorize(ctx context.Context, r *run, boardID, userID string, min domain.Role) error {
	_, err := c.Authorize(ctx, boardID, userID, min)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrAuthorization):
		return r.reject(domain.ErrAuthorization, err)
	default:
		return r.storeErr("load board", err)
	}
}

// acquire refuses frozen collections, then waits for the serialization unit.
func (c *Coordinator) acquire(ctx context.Context, r *run, col collection) (func(), error) {
	if c.isFrozen(col.key) {
		return nil, r.reject(domain.ErrReindexFailure, fmt.Errorf("%s is frozen until a reindex succeeds", col.key))
	}
	return c.lock(ctx, r, col)
}

func (c *Coordinator) lock(ctx context.Context, r *run, col collection) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, c.lockTimeout)
	defer cancel()

	start := c.now()
	unlock, err := c.locker.Lock(lockCtx, col.key)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, r.reject(domain.ErrBusy, fmt.Errorf("waited %v for %s: %w", c.lockTimeout, col.key, err))
		}
		return nil, r.fail(fmt.Errorf("lock %s: %w", col.key, err))
	}
	r.span.AddEvent("locked", traceAttrs(attribute.String("collection", col.key), attribute.Int64("wait_ms", c.now().Sub(start).Milliseconds())))
	return unlock, nil
}

// place resolves the key for id within col, reindexing col once when its
// neighbors have no room left.
func (c *Coordinator) place(ctx context.Context, r *run, col collection, id, prevID, nextID string, index *int, userID string) (float64, bool, error) {
	for attempt := 0; ; attempt++ {
		siblings, err := col.siblings(ctx)
		if err != nil {
			return 0, false, r.fail(fmt.Errorf("load siblings: %w", err))
		}
		siblings = without(siblings, id)
		pos := ordering.Position(siblings, prevID, nextID, index)
		a := c.alloc.Allocate(ordering.Neighbors(siblings, pos))
		if !a.NeedsReindex {
			return a.Key, attempt > 0, nil
		}
		if attempt > 0 {
			c.freeze(col.key)
			return 0, false, r.reject(domain.ErrReindexFailure, fmt.Errorf("no room in %s after reindex", col.key))
		}
		r.entry.WithField("collection", col.key).Info("order keys exhausted, reindexing")
		if _, err := c.reindex(ctx, r, col, userID); err != nil {
			return 0, false, err
		}
	}
}

// reindex rewrites col to evenly spaced keys. Writes are conditional; a
// collection that cannot be brought back to order is frozen.
func (c *Coordinator) reindex(ctx context.Context, r *run, col collection, userID string) (ReindexResult, error) {
	var lastErr error
	for attempt := 0; attempt < reindexAttempts; attempt++ {
		siblings, err := col.siblings(ctx)
		if err != nil {
			lastErr = err
			break
		}
		changes := c.alloc.Plan(siblings)
		for _, ch := range changes {
			if _, err = col.update(ctx, ch.ID, ch.Key, ch.Version); err != nil {
				break
			}
		}
		if err == nil {
			res := ReindexResult{ListID: col.listID, Keys: c.alloc.Reindex(ids(siblings)), Changed: len(changes)}
			if len(changes) > 0 {
				entry := c.record(ctx, r, col.boardID, userID, domain.ListReindexed{ListID: col.listID, Keys: res.Keys})
				res.Seq = entry.Seq
			}
			r.span.AddEvent("reindexed", traceAttrs(attribute.String("collection", col.key), attribute.Int("changed", len(changes))))
			return res, nil
		}
		lastErr = err
		if !errors.Is(err, domain.ErrRetryableConflict) && !errors.Is(err, domain.ErrNotFound) {
			break
		}
		r.entry.WithError(err).WithField("attempt", attempt+1).Warn("reindex write raced, replanning")
	}

	c.freeze(col.key)
	r.entry.WithError(lastErr).WithField("collection", col.key).Error("reindex failed, collection frozen")
	return ReindexResult{}, r.reject(domain.ErrReindexFailure, lastErr)
}

// record appends the activity and broadcasts it. A recorder failure is
// logged; the committed change is still broadcast, without a sequence number.
func (c *Coordinator) record(ctx context.Context, r *run, boardID, userID string, payload domain.Payload) domain.ActivityEntry {
	entry := domain.ActivityEntry{
		ID:      uuid.NewString(),
		BoardID: boardID,
		UserID:  userID,
		Payload: payload,
		At:      c.now().UTC(),
	}
	seq, err := c.recorder.Append(ctx, entry)
	if err != nil {
		r.entry.WithError(err).WithField("kind", payload.Kind()).Error("failed to record activity")
	}
	entry.Seq = seq

	if c.publisher != nil {
		c.publisher.Publish(ctx, boardID, domain.Event{ActivityEntry: entry})
	}
	r.span.AddEvent("published", traceAttrs(attribute.String("kind", string(payload.Kind())), attribute.Int64("seq", seq)))
	return entry
}

func (c *Coordinator) freeze(key string) {
	c.frozenMu.Lock()
	defer c.frozenMu.Unlock()
	c.frozen[key] = struct{}{}
}

func (c *Coordinator) unfreeze(key string) {
	c.frozenMu.Lock()
	defer c.frozenMu.Unlock()
	delete(c.frozen, key)
}

func (c *Coordinator) isFrozen(key string) bool {
	c.frozenMu.Lock()
	defer c.frozenMu.Unlock()
	_, ok := c.frozen[key]
	return ok
}

func without(siblings []domain.Sibling, id string) []domain.Sibling {
	out := make([]domain.Sibling, 0, len(siblings))
	for _, s := range siblings {
		if s.ID != id {
			out = append(out, s)
		}
	}
	return out
}

func ids(siblings []domain.Sibling) []string {
	out := make([]string, len(siblings))
	for i, s := range siblings {
		out[i] = s.ID
	}
	return out
}
