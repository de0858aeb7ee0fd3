package api

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"board-sync/activity"
	"board-sync/coordinator"
	"board-sync/domain"
	"board-sync/hub"
	"board-sync/storage"
)

// headerAuth treats the bearer value as the user id.
type headerAuth struct{}

func (headerAuth) UserIDFromAuthHeader(h string) (string, error) {
	user := strings.TrimPrefix(h, "Bearer ")
	if user == "" || user == h {
		return "", errMissingAuthorization
	}
	return user, nil
}

type testEnv struct {
	e     *echo.Echo
	store *storage.Memory
	hub   *hub.Hub
}

func newTestEnv(t *testing.T, deduper Deduper) *testEnv {
	t.Helper()
	logger, _ := test.NewNullLogger()

	store := storage.NewMemory()
	store.PutBoard(domain.Board{ID: "b1", Members: map[string]domain.Role{
		"u1": domain.RoleMember,
		"v1": domain.RoleViewer,
		"a1": domain.RoleAdmin,
	}})
	store.PutList(domain.List{ID: "backlog", BoardID: "b1", OrderKey: 1024})
	store.PutList(domain.List{ID: "doing", BoardID: "b1", OrderKey: 2048})
	store.PutCard(domain.Card{ID: "a", BoardID: "b1", ListID: "backlog", OrderKey: 1024})
	store.PutCard(domain.Card{ID: "b", BoardID: "b1", ListID: "backlog", OrderKey: 1536})
	store.PutCard(domain.Card{ID: "c", BoardID: "b1", ListID: "backlog", OrderKey: 2048})

	h := hub.New(nil, logger)
	coord := coordinator.New(store, activity.NewMemoryRecorder(20, nil), h, coordinator.NewLocalLocker(), logger, coordinator.Config{})

	e := echo.New()
	Register(e, Deps{
		Service:       coord,
		Snapshots:     store,
		Rooms:         h,
		Auth:          headerAuth{},
		Deduper:       deduper,
		InternalToken: "svc-token",
		Logger:        logger,
	})
	return &testEnv{e: e, store: store, hub: h}
}

func (env *testEnv) do(method, target, user, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if user != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+user)
	}
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

type eventSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *eventSink) deliver(ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) all() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...)
}

func TestMoveCardEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	sink := &eventSink{}
	env.hub.Join("b1", "observer", sink.deliver)

	rec := env.do(http.MethodPost, "/api/boards/b1/cards/c/move", "u1", `{"targetListId":"backlog","nextCardId":"a"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var res coordinator.MoveResult
	if err := sonic.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if res.OrderKey != 512 || res.Seq != 1 || res.ToListID != "backlog" {
		t.Fatalf("unexpected result %+v", res)
	}

	events := sink.all()
	if len(events) != 1 || events[0].Kind() != domain.KindCardMoved {
		t.Fatalf("expected one cardMoved event, got %+v", events)
	}

	rec = env.do(http.MethodGet, "/api/boards/b1/snapshot", "v1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var snap domain.Snapshot
	if err := sonic.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(snap.Cards) != 3 || snap.Cards[0].ID != "c" {
		t.Fatalf("unexpected snapshot order %+v", snap.Cards)
	}
}

func TestMoveCardEndpointRejections(t *testing.T) {
	env := newTestEnv(t, nil)

	cases := []struct {
		name   string
		user   string
		target string
		body   string
		status int
	}{
		{name: "unauthenticated", target: "/api/boards/b1/cards/a/move", body: `{"targetListId":"doing"}`, status: http.StatusUnauthorized},
		{name: "viewer", user: "v1", target: "/api/boards/b1/cards/a/move", body: `{"targetListId":"doing"}`, status: http.StatusForbidden},
		{name: "missing card", user: "u1", target: "/api/boards/b1/cards/zzz/move", body: `{"targetListId":"doing"}`, status: http.StatusNotFound},
		{name: "missing target", user: "u1", target: "/api/boards/b1/cards/a/move", body: `{}`, status: http.StatusBadRequest},
		{name: "unknown field", user: "u1", target: "/api/boards/b1/cards/a/move", body: `{"targetListId":"doing","orderKey":5}`, status: http.StatusBadRequest},
		{name: "malformed", user: "u1", target: "/api/boards/b1/cards/a/move", body: `{`, status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, tc.target, tc.user, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected status %d got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestWriteErrorMapping(t *testing.T) {
	cases := []struct {
		err        error
		status     int
		retryAfter string
		retryable  bool
	}{
		{err: domain.Reject("moveCard", domain.ErrRetryableConflict, errors.New("etag")), status: http.StatusConflict, retryAfter: "0", retryable: true},
		{err: domain.Reject("moveCard", domain.ErrBusy, context.DeadlineExceeded), status: http.StatusServiceUnavailable, retryAfter: "1", retryable: true},
		{err: domain.Reject("moveCard", domain.ErrReindexFailure, fmt.Errorf("write: %w", domain.ErrRetryableConflict)), status: http.StatusLocked},
		{err: domain.Reject("moveCard", domain.ErrAuthorization, nil), status: http.StatusForbidden},
		{err: fmt.Errorf("board x: %w", domain.ErrNotFound), status: http.StatusNotFound},
		{err: errors.New("table down"), status: http.StatusInternalServerError},
	}
	logger, _ := test.NewNullLogger()
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
			if err := writeError(c, logger, tc.err); err != nil {
				t.Fatalf("writeError: %v", err)
			}
			if rec.Code != tc.status {
				t.Fatalf("expected status %d got %d", tc.status, rec.Code)
			}
			if got := rec.Header().Get("Retry-After"); got != tc.retryAfter {
				t.Fatalf("expected Retry-After %q got %q", tc.retryAfter, got)
			}
			var body errorResponse
			if err := sonic.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid json: %v", err)
			}
			if body.Retryable != tc.retryable {
				t.Fatalf("expected retryable=%v, got %+v", tc.retryable, body)
			}
		})
	}
}

func TestMoveCardIdempotencyKey(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := newTestEnv(t, NewRedisDeduper(client, time.Minute))
	body := `{"targetListId":"doing","idempotencyKey":"k1"}`

	if rec := env.do(http.MethodPost, "/api/boards/b1/cards/a/move", "u1", body); rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", rec.Code, rec.Body.String())
	}
	rec := env.do(http.MethodPost, "/api/boards/b1/cards/a/move", "u1", body)
	if rec.Code != http.StatusConflict || !strings.Contains(rec.Body.String(), "duplicate") {
		t.Fatalf("expected duplicate conflict, got %d: %s", rec.Code, rec.Body.String())
	}
	if !mr.Exists("idem:u1:k1") {
		t.Fatal("expected idempotency key to be stored")
	}

	// rejected moves release their key
	reject := `{"targetListId":"nope","idempotencyKey":"k2"}`
	if rec := env.do(http.MethodPost, "/api/boards/b1/cards/a/move", "u1", reject); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
	if mr.Exists("idem:u1:k2") {
		t.Fatal("expected rejected key to be released")
	}
}

func TestMoveListAndReindexEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/api/boards/b1/lists/doing/move", "u1", `{"nextListId":"backlog"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var res coordinator.ListMoveResult
	if err := sonic.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if res.OrderKey != 512 {
		t.Fatalf("unexpected list key %v", res.OrderKey)
	}

	if rec := env.do(http.MethodPost, "/api/boards/b1/lists/backlog/reindex", "u1", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected members to be refused, got %d", rec.Code)
	}
	rec = env.do(http.MethodPost, "/api/boards/b1/lists/backlog/reindex", "a1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", rec.Code, rec.Body.String())
	}
	var reindexed coordinator.ReindexResult
	if err := sonic.Unmarshal(rec.Body.Bytes(), &reindexed); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if reindexed.Keys["c"] != 3072 || reindexed.Changed != 2 {
		t.Fatalf("unexpected reindex result %+v", reindexed)
	}

	rec = env.do(http.MethodPost, "/api/boards/b1/lists/reindex", "a1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d: %s", rec.Code, rec.Body.String())
	}
	reindexed = coordinator.ReindexResult{}
	if err := sonic.Unmarshal(rec.Body.Bytes(), &reindexed); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if reindexed.ListID != "" || len(reindexed.Keys) != 2 || reindexed.Keys["backlog"]+reindexed.Keys["doing"] != 3072 {
		t.Fatalf("expected the board's lists renumbered, got %+v", reindexed)
	}
}

func TestActivityEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, card := range []string{"a", "b", "c"} {
		if rec := env.do(http.MethodPost, "/api/boards/b1/cards/"+card+"/move", "u1", `{"targetListId":"doing"}`); rec.Code != http.StatusOK {
			t.Fatalf("move %s: %d", card, rec.Code)
		}
	}

	rec := env.do(http.MethodGet, "/api/boards/b1/activity?limit=2", "v1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var resp activityResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(resp.Entries) != 2 || resp.Entries[0].Seq != 3 {
		t.Fatalf("unexpected entries %+v", resp.Entries)
	}
	if p, ok := resp.Entries[0].Payload.(domain.CardMoved); !ok || p.CardID != "c" {
		t.Fatalf("unexpected payload %#v", resp.Entries[0].Payload)
	}

	if rec := env.do(http.MethodGet, "/api/boards/b1/activity?limit=abc", "v1", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/api/boards/b1/activity", "stranger", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rec.Code)
	}
}

func TestIngestEvent(t *testing.T) {
	env := newTestEnv(t, nil)
	sink := &eventSink{}
	env.hub.Join("b1", "observer", sink.deliver)

	body := `{"type":"cardCreated","userId":"u1","data":{"cardId":"n1","listId":"backlog","title":"New"}}`
	rec := env.do(http.MethodPost, "/internal/boards/b1/events", "wrong", body)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}

	rec = env.do(http.MethodPost, "/internal/boards/b1/events", "svc-token", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d: %s", rec.Code, rec.Body.String())
	}
	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if p, ok := events[0].Payload.(domain.CardCreated); !ok || p.Title != "New" {
		t.Fatalf("unexpected payload %#v", events[0].Payload)
	}

	moved := `{"type":"cardMoved","userId":"u1","data":{"cardId":"a"}}`
	if rec := env.do(http.MethodPost, "/internal/boards/b1/events", "svc-token", moved); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected moves to be refused on ingest, got %d", rec.Code)
	}
	unknown := `{"type":"cardArchived","userId":"u1","data":{}}`
	if rec := env.do(http.MethodPost, "/internal/boards/b1/events", "svc-token", unknown); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected unknown type to be refused, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	logger, _ := test.NewNullLogger()
	h := hub.New(nil, logger)
	h.Join("b1", "c1", func(domain.Event) {})

	for _, tc := range []struct {
		health func(context.Context) error
		status int
	}{
		{health: nil, status: http.StatusOK},
		{health: func(context.Context) error { return errors.New("redis down") }, status: http.StatusServiceUnavailable},
	} {
		e := echo.New()
		Register(e, Deps{Rooms: h, Auth: headerAuth{}, Health: tc.health, Logger: logger})
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rec.Code != tc.status {
			t.Fatalf("expected %d got %d", tc.status, rec.Code)
		}
		var resp healthResponse
		if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("invalid json: %v", err)
		}
		if resp.Rooms != 1 {
			t.Fatalf("expected one room, got %d", resp.Rooms)
		}
	}
}

func TestStreamDeliversBoardEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.e)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/boards/b1/stream?token=v1", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ":connected ") {
		t.Fatalf("expected connected comment, got %q (%v)", line, err)
	}
	if env.hub.Members("b1") != 1 {
		t.Fatalf("expected stream to join the room")
	}

	if rec := env.do(http.MethodPost, "/api/boards/b1/cards/a/move", "u1", `{"targetListId":"doing"}`); rec.Code != http.StatusOK {
		t.Fatalf("move: %d", rec.Code)
	}

	var frame string
	for frame == "" {
		line, err = reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			frame = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	var ev domain.Event
	if err := sonic.UnmarshalString(frame, &ev); err != nil {
		t.Fatalf("invalid frame %q: %v", frame, err)
	}
	if ev.Kind() != domain.KindCardMoved || ev.BoardID != "b1" || ev.Seq != 1 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestStreamRequiresMembership(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(http.MethodGet, "/api/boards/b1/stream?token=stranger", "", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rec.Code)
	}
	if env.hub.Members("b1") != 0 {
		t.Fatal("refused stream must not join the room")
	}
}

func TestStreamConnSignalsLag(t *testing.T) {
	conn := newStreamConn()
	for i := 0; i < streamBuffer+1; i++ {
		conn.deliver(domain.Event{})
	}
	select {
	case <-conn.lagged:
	default:
		t.Fatal("expected lag signal once the buffer overflowed")
	}
	conn.deliver(domain.Event{})
}

func TestGzipRequestMiddleware(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte(`{"targetListId":"doing"}`))
	_ = zw.Close()

	env := newTestEnv(t, nil)
	env.e.Use(GzipRequestMiddleware())

	req := httptest.NewRequest(http.MethodPost, "/api/boards/b1/cards/a/move", &buf)
	req.Header.Set(echo.HeaderAuthorization, "Bearer u1")
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}

	bad := httptest.NewRequest(http.MethodPost, "/api/boards/b1/cards/a/move", strings.NewReader("not gzip"))
	bad.Header.Set(echo.HeaderAuthorization, "Bearer u1")
	bad.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec = httptest.NewRecorder()
	env.e.ServeHTTP(rec, bad)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}
