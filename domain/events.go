package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// Kind tags an activity entry and the event broadcast for it.
type Kind string

const (
	KindCardMoved     Kind = "cardMoved"
	KindListMoved     Kind = "listMoved"
	KindListReindexed Kind = "listReindexed"
	KindCardCreated   Kind = "cardCreated"
	KindCommentAdded  Kind = "commentAdded"
	KindBoardUpdated  Kind = "boardUpdated"
)

// Payload is one of the closed set of action-specific bodies below.
type Payload interface {
	Kind() Kind
	payload()
}

type CardMoved struct {
	CardID     string  `json:"cardId"`
	FromListID string  `json:"fromListId"`
	ToListID   string  `json:"toListId"`
	OrderKey   float64 `json:"orderKey"`
	UserID     string  `json:"userId"`
}

type ListMoved struct {
	ListID   string  `json:"listId"`
	OrderKey float64 `json:"orderKey"`
	UserID   string  `json:"userId"`
}

type ListReindexed struct {
	ListID string             `json:"listId"`
	Keys   map[string]float64 `json:"keys"`
}

type CardCreated struct {
	CardID string `json:"cardId"`
	ListID string `json:"listId"`
	Title  string `json:"title"`
}

type CommentAdded struct {
	CardID    string `json:"cardId"`
	CommentID string `json:"commentId"`
	Text      string `json:"text"`
}

type BoardUpdated struct {
	Title      *string `json:"title,omitempty"`
	Visibility *string `json:"visibility,omitempty"`
}

func (CardMoved) Kind() Kind     { return KindCardMoved }
func (ListMoved) Kind() Kind     { return KindListMoved }
func (ListReindexed) Kind() Kind { return KindListReindexed }
func (CardCreated) Kind() Kind   { return KindCardCreated }
func (CommentAdded) Kind() Kind  { return KindCommentAdded }
func (BoardUpdated) Kind() Kind  { return KindBoardUpdated }

func (CardMoved) payload()     {}
func (ListMoved) payload()     {}
func (ListReindexed) payload() {}
func (CardCreated) payload()   {}
func (CommentAdded) payload()  {}
func (BoardUpdated) payload()  {}

// ActivityEntry is one append-only audit record. Seq increases monotonically
// per board and is assigned by the recorder.
type ActivityEntry struct {
	ID      string
	BoardID string
	UserID  string
	Payload Payload
	At      time.Time
	Seq     int64
}

// Kind returns the entry's action kind.
func (e ActivityEntry) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// Event is a confirmed entry on its way to observers. Origin identifies the
// hub that first delivered it so peers do not deliver it twice.
type Event struct {
	ActivityEntry
	Origin string
}

type envelope struct {
	Type    Kind            `json:"type"`
	ID      string          `json:"id"`
	BoardID string          `json:"boardId"`
	UserID  string          `json:"userId"`
	Seq     int64           `json:"seq"`
	At      time.Time       `json:"at"`
	Origin  string          `json:"origin,omitempty"`
	Data    json.RawMessage `json:"data"`
}

func toEnvelope(e ActivityEntry, origin string) (envelope, error) {
	if e.Payload == nil {
		return envelope{}, fmt.Errorf("activity %s has no payload", e.ID)
	}
	data, err := sonic.Marshal(e.Payload)
	if err != nil {
		return envelope{}, err
	}
	return envelope{
		Type:    e.Payload.Kind(),
		ID:      e.ID,
		BoardID: e.BoardID,
		UserID:  e.UserID,
		Seq:     e.Seq,
		At:      e.At,
		Origin:  origin,
		Data:    data,
	}, nil
}

func fromEnvelope(env envelope) (ActivityEntry, error) {
	p, err := DecodePayload(env.Type, env.Data)
	if err != nil {
		return ActivityEntry{}, err
	}
	return ActivityEntry{
		ID:      env.ID,
		BoardID: env.BoardID,
		UserID:  env.UserID,
		Payload: p,
		At:      env.At,
		Seq:     env.Seq,
	}, nil
}

// DecodePayload parses data as the variant named by kind.
func DecodePayload(kind Kind, data []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch kind {
	case KindCardMoved:
		var v CardMoved
		err = sonic.Unmarshal(data, &v)
		p = v
	case KindListMoved:
		var v ListMoved
		err = sonic.Unmarshal(data, &v)
		p = v
	case KindListReindexed:
		var v ListReindexed
		err = sonic.Unmarshal(data, &v)
		p = v
	case KindCardCreated:
		var v CardCreated
		err = sonic.Unmarshal(data, &v)
		p = v
	case KindCommentAdded:
		var v CommentAdded
		err = sonic.Unmarshal(data, &v)
		p = v
	case KindBoardUpdated:
		var v BoardUpdated
		err = sonic.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown event type %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", kind, err)
	}
	return p, nil
}

func (e ActivityEntry) MarshalJSON() ([]byte, error) {
	env, err := toEnvelope(e, "")
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(env)
}

func (e *ActivityEntry) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return err
	}
	entry, err := fromEnvelope(env)
	if err != nil {
		return err
	}
	*e = entry
	return nil
}

func (e Event) MarshalJSON() ([]byte, error) {
	env, err := toEnvelope(e.ActivityEntry, e.Origin)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(env)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return err
	}
	entry, err := fromEnvelope(env)
	if err != nil {
		return err
	}
	*e = Event{ActivityEntry: entry, Origin: env.Origin}
	return nil
}
