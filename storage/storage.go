package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"board-sync/domain"
)

const (
	edmDouble     = "Edm.Double"
	boardRowKey   = "board"
	orderKeyField = "OrderKey"
)

// Storage persists boards, lists and cards in Azure Tables. Every table is
// partitioned by board id; positional updates are merge writes guarded by the
// entity ETag, which doubles as the domain version.
type Storage struct {
	boardTable *aztables.Client
	listTable  *aztables.Client
	cardTable  *aztables.Client
}

// New creates a Storage instance from the given connection string.
func New(connStr, boardsTable, listsTable, cardsTable string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		boardTable: svc.NewClient(boardsTable),
		listTable:  svc.NewClient(listsTable),
		cardTable:  svc.NewClient(cardsTable),
	}, nil
}

type boardEntity struct {
	aztables.Entity
	Title      string `json:"Title"`
	Visibility string `json:"Visibility"`
	Members    string `json:"Members"`
}

type listEntity struct {
	aztables.Entity
	ETag     string  `json:"odata.etag,omitempty"`
	Title    string  `json:"Title"`
	OrderKey float64 `json:"OrderKey"`
}

type cardEntity struct {
	aztables.Entity
	ETag        string     `json:"odata.etag,omitempty"`
	ListID      string     `json:"ListID"`
	Title       string     `json:"Title"`
	Description string     `json:"Description"`
	Labels      string     `json:"Labels"`
	Assignees   string     `json:"Assignees"`
	DueDate     *time.Time `json:"DueDate,omitempty"`
	OrderKey    float64    `json:"OrderKey"`
}

// positionUpdate is merged into an existing entity. The explicit odata type
// keeps whole-number keys from being stored as Edm.Int32.
type positionUpdate struct {
	PartitionKey string  `json:"PartitionKey"`
	RowKey       string  `json:"RowKey"`
	ListID       *string `json:"ListID,omitempty"`
	OrderKey     float64 `json:"OrderKey"`
	OrderKeyType string  `json:"OrderKey@odata.type"`
}

func (e cardEntity) toCard(etag string) (domain.Card, error) {
	c := domain.Card{
		ID:          e.RowKey,
		BoardID:     e.PartitionKey,
		ListID:      e.ListID,
		Title:       e.Title,
		Description: e.Description,
		DueDate:     e.DueDate,
		OrderKey:    e.OrderKey,
		Version:     etag,
	}
	if c.Version == "" {
		c.Version = e.ETag
	}
	if e.Labels != "" {
		if err := json.Unmarshal([]byte(e.Labels), &c.Labels); err != nil {
			return domain.Card{}, fmt.Errorf("card %s labels: %w", e.RowKey, err)
		}
	}
	if e.Assignees != "" {
		if err := json.Unmarshal([]byte(e.Assignees), &c.Assignees); err != nil {
			return domain.Card{}, fmt.Errorf("card %s assignees: %w", e.RowKey, err)
		}
	}
	return c, nil
}

func (e listEntity) toList(etag string) domain.List {
	l := domain.List{ID: e.RowKey, BoardID: e.PartitionKey, Title: e.Title, OrderKey: e.OrderKey, Version: etag}
	if l.Version == "" {
		l.Version = e.ETag
	}
	return l
}

// GetBoard loads the board and its member roles.
func (s *Storage) GetBoard(ctx context.Context, boardID string) (domain.Board, error) {
	resp, err := s.boardTable.GetEntity(ctx, boardID, boardRowKey, nil)
	if err != nil {
		return domain.Board{}, mapError(err)
	}
	var ent boardEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Board{}, err
	}
	b := domain.Board{ID: ent.PartitionKey, Title: ent.Title, Visibility: ent.Visibility, Members: map[string]domain.Role{}}
	if ent.Members != "" {
		if err := json.Unmarshal([]byte(ent.Members), &b.Members); err != nil {
			return domain.Board{}, fmt.Errorf("board %s members: %w", boardID, err)
		}
	}
	return b, nil
}

// GetList loads a list of the board.
func (s *Storage) GetList(ctx context.Context, boardID, listID string) (domain.List, error) {
	resp, err := s.listTable.GetEntity(ctx, boardID, listID, nil)
	if err != nil {
		return domain.List{}, mapError(err)
	}
	var ent listEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.List{}, err
	}
	return ent.toList(string(resp.ETag)), nil
}

// GetCard loads a card of the board.
func (s *Storage) GetCard(ctx context.Context, boardID, cardID string) (domain.Card, error) {
	resp, err := s.cardTable.GetEntity(ctx, boardID, cardID, nil)
	if err != nil {
		return domain.Card{}, mapError(err)
	}
	var ent cardEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Card{}, err
	}
	return ent.toCard(string(resp.ETag))
}

// GetSiblings returns the cards of a list ordered by key.
func (s *Storage) GetSiblings(ctx context.Context, boardID, listID string) ([]domain.Sibling, error) {
	filter := "PartitionKey eq '" + escape(boardID) + "' and ListID eq '" + escape(listID) + "'"
	cards, err := s.queryCards(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Sibling, 0, len(cards))
	for _, c := range cards {
		out = append(out, domain.Sibling{ID: c.ID, OrderKey: c.OrderKey, Version: c.Version})
	}
	return out, nil
}

// GetListSiblings returns the lists of a board ordered by key.
func (s *Storage) GetListSiblings(ctx context.Context, boardID string) ([]domain.Sibling, error) {
	lists, err := s.queryLists(ctx, boardID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Sibling, 0, len(lists))
	for _, l := range lists {
		out = append(out, domain.Sibling{ID: l.ID, OrderKey: l.OrderKey, Version: l.Version})
	}
	return out, nil
}

// Snapshot loads every list and card of the board in display order.
func (s *Storage) Snapshot(ctx context.Context, boardID string) (domain.Snapshot, error) {
	lists, err := s.queryLists(ctx, boardID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	cards, err := s.queryCards(ctx, "PartitionKey eq '"+escape(boardID)+"'")
	if err != nil {
		return domain.Snapshot{}, err
	}
	return domain.Snapshot{BoardID: boardID, Lists: lists, Cards: cards}, nil
}

// UpdateCardPosition moves the card to (listID, key) if its ETag still equals
// expectedVersion.
func (s *Storage) UpdateCardPosition(ctx context.Context, boardID, cardID, listID string, key float64, expectedVersion string) (string, error) {
	upd := positionUpdate{PartitionKey: boardID, RowKey: cardID, ListID: &listID, OrderKey: key, OrderKeyType: edmDouble}
	return s.mergePosition(ctx, s.cardTable, upd, expectedVersion)
}

// UpdateListPosition sets the list's key if its ETag still equals expectedVersion.
func (s *Storage) UpdateListPosition(ctx context.Context, boardID, listID string, key float64, expectedVersion string) (string, error) {
	upd := positionUpdate{PartitionKey: boardID, RowKey: listID, OrderKey: key, OrderKeyType: edmDouble}
	return s.mergePosition(ctx, s.listTable, upd, expectedVersion)
}

func (s *Storage) mergePosition(ctx context.Context, table *aztables.Client, upd positionUpdate, expectedVersion string) (string, error) {
	payload, err := json.Marshal(upd)
	if err != nil {
		return "", err
	}
	et := azcore.ETagAny
	if expectedVersion != "" {
		et = azcore.ETag(expectedVersion)
	}
	resp, err := table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	if err != nil {
		return "", mapError(err)
	}
	return string(resp.ETag), nil
}

func (s *Storage) queryLists(ctx context.Context, boardID string) ([]domain.List, error) {
	filter := "PartitionKey eq '" + escape(boardID) + "'"
	pager := s.listTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	lists := []domain.List{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent listEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			lists = append(lists, ent.toList(""))
		}
	}
	sort.SliceStable(lists, func(i, j int) bool { return lessKey(lists[i].OrderKey, lists[i].ID, lists[j].OrderKey, lists[j].ID) })
	return lists, nil
}

func (s *Storage) queryCards(ctx context.Context, filter string) ([]domain.Card, error) {
	pager := s.cardTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	cards := []domain.Card{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent cardEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			c, err := ent.toCard("")
			if err != nil {
				return nil, err
			}
			cards = append(cards, c)
		}
	}
	sortCards(cards)
	return cards, nil
}

func mapError(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", domain.ErrNotFound, respErr.ErrorCode)
		case http.StatusPreconditionFailed, http.StatusConflict:
			return fmt.Errorf("%w: %s", domain.ErrRetryableConflict, respErr.ErrorCode)
		}
	}
	return err
}

func escape(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}

func lessKey(ka float64, ida string, kb float64, idb string) bool {
	if ka != kb {
		return ka < kb
	}
	return ida < idb
}

func sortCards(cards []domain.Card) {
	sort.SliceStable(cards, func(i, j int) bool {
		if cards[i].ListID != cards[j].ListID {
			return cards[i].ListID < cards[j].ListID
		}
		return lessKey(cards[i].OrderKey, cards[i].ID, cards[j].OrderKey, cards[j].ID)
	})
}
