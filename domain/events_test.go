package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestEventEnvelopeCarriesVariantFields(t *testing.T) {
	ev := Event{
		ActivityEntry: ActivityEntry{
			ID:      "a1",
			BoardID: "b1",
			UserID:  "u1",
			Seq:     7,
			At:      time.Unix(100, 0).UTC(),
			Payload: CardMoved{CardID: "c1", FromListID: "l1", ToListID: "l2", OrderKey: 512, UserID: "u1"},
		},
		Origin: "node-a",
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, want := range []string{`"type":"cardMoved"`, `"seq":7`, `"origin":"node-a"`, `"toListId":"l2"`, `"orderKey":512`} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("expected %s in %s", want, data)
		}
	}

	var got Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	moved, ok := got.Payload.(CardMoved)
	if !ok {
		t.Fatalf("expected CardMoved payload, got %T", got.Payload)
	}
	if moved.ToListID != "l2" || moved.OrderKey != 512 || got.Origin != "node-a" || got.Seq != 7 {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestDecodePayloadRejectsUnknownType(t *testing.T) {
	if _, err := DecodePayload("cardArchived", []byte(`{}`)); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestActivityEntryWithoutPayloadFailsToMarshal(t *testing.T) {
	if _, err := json.Marshal(ActivityEntry{ID: "x"}); err == nil {
		t.Fatal("expected marshal error")
	}
}

func TestRejectedErrorMatchesKind(t *testing.T) {
	err := Reject("move", ErrRetryableConflict, errors.New("etag mismatch"))
	if !errors.Is(err, ErrRetryableConflict) {
		t.Fatal("expected errors.Is to match the rejection kind")
	}
	if errors.Is(err, ErrBusy) {
		t.Fatal("unexpected match against a different kind")
	}
	if !Retryable(err) {
		t.Fatal("conflicts should be retryable")
	}
	if Retryable(Reject("move", ErrAuthorization, nil)) {
		t.Fatal("authorization failures are not retryable")
	}
}

func TestRoleAtLeast(t *testing.T) {
	cases := []struct {
		role Role
		min  Role
		want bool
	}{
		{RoleViewer, RoleMember, false},
		{RoleMember, RoleMember, true},
		{RoleOwner, RoleAdmin, true},
		{Role("guest"), RoleViewer, false},
	}
	for _, tc := range cases {
		if got := tc.role.AtLeast(tc.min); got != tc.want {
			t.Fatalf("%s.AtLeast(%s) = %v, want %v", tc.role, tc.min, got, tc.want)
		}
	}
}

func TestMoveIntentValidate(t *testing.T) {
	neg := -1
	bad := []MoveIntent{
		{CardID: "c", TargetListID: "l", UserID: "u"},
		{BoardID: "b", CardID: "c", TargetListID: "l"},
		{BoardID: "b", CardID: "c", TargetListID: "l", UserID: "u", PrevCardID: "c"},
		{BoardID: "b", CardID: "c", TargetListID: "l", UserID: "u", Index: &neg},
	}
	for i, m := range bad {
		if err := m.Validate(); !errors.Is(err, ErrInvalidIntent) {
			t.Fatalf("case %d: expected ErrInvalidIntent, got %v", i, err)
		}
	}
	ok := MoveIntent{BoardID: "b", CardID: "c", TargetListID: "l", UserID: "u", PrevCardID: "p"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
