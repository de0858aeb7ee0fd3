package activity

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

func moved(board, card string) domain.ActivityEntry {
	return domain.ActivityEntry{
		BoardID: board,
		UserID:  "u1",
		Payload: domain.CardMoved{CardID: card, FromListID: "l1", ToListID: "l2", OrderKey: 1024, UserID: "u1"},
	}
}

func quietLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

type recordingSink struct {
	mu      sync.Mutex
	entries []domain.ActivityEntry
	block   chan struct{}
}

func (s *recordingSink) AppendActivity(_ context.Context, e domain.ActivityEntry) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func TestMemoryRecorderKeepsMostRecent(t *testing.T) {
	r := NewMemoryRecorder(3, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := r.Append(ctx, moved("b1", "c")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := r.Recent(ctx, "b1", 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	for i, want := range []int64{5, 4, 3} {
		if got[i].Seq != want {
			t.Fatalf("entry %d: expected seq %d, got %d", i, want, got[i].Seq)
		}
	}
	if got[0].ID == "" || got[0].At.IsZero() {
		t.Fatalf("expected id and timestamp to be assigned: %+v", got[0])
	}

	limited, _ := r.Recent(ctx, "b1", 2)
	if len(limited) != 2 || limited[0].Seq != 5 {
		t.Fatalf("unexpected limited result %+v", limited)
	}
}

func TestMemoryRecorderSeqPerBoard(t *testing.T) {
	r := NewMemoryRecorder(0, nil)
	ctx := context.Background()
	a, _ := r.Append(ctx, moved("b1", "c1"))
	b, _ := r.Append(ctx, moved("b2", "c1"))
	c, _ := r.Append(ctx, moved("b1", "c2"))
	if a != 1 || b != 1 || c != 2 {
		t.Fatalf("unexpected sequence numbers %d %d %d", a, b, c)
	}
	if got, _ := r.Recent(ctx, "empty", 10); len(got) != 0 {
		t.Fatalf("expected empty feed, got %+v", got)
	}
	if _, err := r.Append(ctx, domain.ActivityEntry{Payload: domain.CardCreated{}}); err == nil {
		t.Fatal("expected error for entry without board")
	}
}

func TestRedisRecorderRing(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	r := NewRedisRecorder(rdb, 2, nil, quietLogger())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := r.Append(ctx, moved("b1", "c1")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := r.Recent(ctx, "b1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 || got[0].Seq != 3 || got[1].Seq != 2 {
		t.Fatalf("unexpected feed %+v", got)
	}
	if p, ok := got[0].Payload.(domain.CardMoved); !ok || p.CardID != "c1" {
		t.Fatalf("payload not decoded: %#v", got[0].Payload)
	}

	// a second recorder on the same redis continues the sequence
	other := NewRedisRecorder(rdb, 2, nil, quietLogger())
	seq, err := other.Append(ctx, moved("b1", "c2"))
	if err != nil || seq != 4 {
		t.Fatalf("expected seq 4, got %d (%v)", seq, err)
	}
}

func TestRedisRecorderSkipsGarbage(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	r := NewRedisRecorder(rdb, 5, nil, quietLogger())
	ctx := context.Background()
	if _, err := r.Append(ctx, moved("b1", "c1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := mr.Lpush(activityKey("b1"), "garbage"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	got, err := r.Recent(ctx, "b1", 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected garbage to be skipped, got %+v", got)
	}
}

func TestRecorderWritesThrough(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, quietLogger(), DispatcherConfig{Workers: 2, Buffer: 8})
	d.Start()

	r := NewMemoryRecorder(5, d)
	for i := 0; i < 4; i++ {
		if _, err := r.Append(context.Background(), moved("b1", "c1")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	d.Close()
	if sink.count() != 4 {
		t.Fatalf("expected 4 entries written through, got %d", sink.count())
	}
}

func TestDispatcherDropsWhenSaturated(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	d := NewDispatcher(sink, quietLogger(), DispatcherConfig{Workers: 1, Buffer: 1, HandoffTimeout: 10 * time.Millisecond})
	d.Start()

	// first entry occupies the worker, second fills the buffer
	if !d.Offer(moved("b1", "c1")) {
		t.Fatal("expected first offer to be accepted")
	}
	deadline := time.Now().Add(time.Second)
	for len(d.jobs) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !d.Offer(moved("b1", "c2")) {
		t.Fatal("expected second offer to be buffered")
	}
	start := time.Now()
	if d.Offer(moved("b1", "c3")) {
		t.Fatal("expected third offer to be dropped")
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatal("expected offer to wait for the handoff timeout")
	}

	close(sink.block)
	d.Close()
	if sink.count() != 2 {
		t.Fatalf("expected 2 entries written, got %d", sink.count())
	}
	if d.Offer(moved("b1", "c4")) {
		t.Fatal("expected offer after close to fail")
	}
}
