package rooms

import (
	"errors"
	"strings"
	"sync"
	"testing"

	apperrors "github.com/louisbranch/nexus/internal/platform/errors"
)

type recordingSender struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSender) Send(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	return NewRouter(func(string, ...any) {})
}

func TestResolveTarget(t *testing.T) {
	router := newTestRouter(t)

	tcs := []struct {
		name   string
		target string
		table  bool
		ok     bool
	}{
		{name: "all", target: "ALL", table: true, ok: true},
		{name: "character", target: "char-1", ok: true},
		{name: "lowercase all is a character", target: "all", ok: true},
		{name: "empty", target: ""},
		{name: "whitespace", target: "   "},
		{name: "padded", target: " char-1"},
		{name: "inner space", target: "char 1"},
		{name: "control", target: "char\x00"},
		{name: "too long", target: strings.Repeat("a", 129)},
		{name: "max length", target: strings.Repeat("a", 128), ok: true},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			room, err := router.ResolveTarget(tc.target)
			if !tc.ok {
				if !apperrors.HasCode(err, apperrors.CodeInvalidTarget) {
					t.Fatalf("expected invalid target, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if room.IsTable() != tc.table {
				t.Fatalf("expected table=%v, got %v", tc.table, room.IsTable())
			}
			if !tc.table && room.CharacterID() != tc.target {
				t.Fatalf("expected character %q, got %q", tc.target, room.CharacterID())
			}
		})
	}
}

func TestBroadcastEmptyRoomSucceeds(t *testing.T) {
	router := newTestRouter(t)
	if got := router.Broadcast(Table(), Event{Name: "alert"}, ""); got != 0 {
		t.Fatalf("expected 0 deliveries, got %d", got)
	}
	if got := router.Broadcast(CharacterChannel("nobody"), Event{Name: "pulse"}, ""); got != 0 {
		t.Fatalf("expected 0 deliveries, got %d", got)
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	router := newTestRouter(t)
	a, b := &recordingSender{}, &recordingSender{}
	mustJoin(t, router, "a", a)
	mustJoin(t, router, "b", b)

	if got := router.Broadcast(Table(), Event{Name: "presence.joined"}, "a"); got != 1 {
		t.Fatalf("expected 1 delivery, got %d", got)
	}
	if a.count() != 0 || b.count() != 1 {
		t.Fatalf("expected only b to receive, got a=%d b=%d", a.count(), b.count())
	}
}

func TestCharacterChannelMembership(t *testing.T) {
	router := newTestRouter(t)
	a, b, c := &recordingSender{}, &recordingSender{}, &recordingSender{}
	mustJoin(t, router, "a", a)
	mustJoin(t, router, "b", b)
	mustJoin(t, router, "c", c)

	for _, id := range []string{"a", "b"} {
		if err := router.JoinCharacterChannel(id, "hero"); err != nil {
			t.Fatalf("join channel %s: %v", id, err)
		}
	}
	room, err := router.ResolveTarget("hero")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := router.Broadcast(room, Event{Name: "pulse"}, ""); got != 2 {
		t.Fatalf("expected both channel members to receive, got %d", got)
	}
	if c.count() != 0 {
		t.Fatal("expected non-member to receive nothing")
	}

	// Moving to a new channel leaves the old one.
	if err := router.JoinCharacterChannel("a", "villain"); err != nil {
		t.Fatalf("switch channel: %v", err)
	}
	if got := router.Members(CharacterChannel("hero")); got != 1 {
		t.Fatalf("expected 1 member in hero, got %d", got)
	}
	if got := router.Members(CharacterChannel("villain")); got != 1 {
		t.Fatalf("expected 1 member in villain, got %d", got)
	}

	if err := router.JoinCharacterChannel("a", ""); err != nil {
		t.Fatalf("leave channel: %v", err)
	}
	if got := router.Members(CharacterChannel("villain")); got != 0 {
		t.Fatalf("expected villain channel to be empty, got %d", got)
	}
	if got := router.Members(Table()); got != 3 {
		t.Fatalf("expected table to keep all members, got %d", got)
	}
}

func TestJoinCharacterChannelRequiresTable(t *testing.T) {
	router := newTestRouter(t)
	err := router.JoinCharacterChannel("ghost", "hero")
	if !apperrors.HasCode(err, apperrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLeaveRemovesFromAllRooms(t *testing.T) {
	router := newTestRouter(t)
	mustJoin(t, router, "a", &recordingSender{})
	if err := router.JoinCharacterChannel("a", "hero"); err != nil {
		t.Fatalf("join channel: %v", err)
	}
	router.Leave("a")
	router.Leave("a")
	if router.Members(Table()) != 0 || router.Members(CharacterChannel("hero")) != 0 {
		t.Fatal("expected connection to be gone from every room")
	}
}

func TestBroadcastContinuesAfterFailure(t *testing.T) {
	var logged int
	router := NewRouter(func(string, ...any) { logged++ })
	broken := &recordingSender{err: errors.New("closed")}
	healthy := &recordingSender{}
	mustJoin(t, router, "broken", broken)
	mustJoin(t, router, "healthy", healthy)

	if got := router.Broadcast(Table(), Event{Name: "alert"}, ""); got != 1 {
		t.Fatalf("expected 1 successful delivery, got %d", got)
	}
	if healthy.count() != 1 {
		t.Fatal("expected healthy peer to receive the event")
	}
	if logged != 1 {
		t.Fatalf("expected failure to be logged once, got %d", logged)
	}
}

func TestJoinTableValidation(t *testing.T) {
	router := newTestRouter(t)
	if err := router.JoinTable("", &recordingSender{}); !apperrors.HasCode(err, apperrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for empty id, got %v", err)
	}
	if err := router.JoinTable("a", nil); !apperrors.HasCode(err, apperrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument for nil sender, got %v", err)
	}
}

func mustJoin(t *testing.T, router *Router, id string, sender Sender) {
	t.Helper()
	if err := router.JoinTable(id, sender); err != nil {
		t.Fatalf("join table %s: %v", id, err)
	}
}

func TestJoinCharacterChannelRejectsReservedTarget(t *testing.T) {
	router := newTestRouter(t)
	mustJoin(t, router, "a", &recordingSender{})
	err := router.JoinCharacterChannel("a", TargetAll)
	if !apperrors.HasCode(err, apperrors.CodeInvalidTarget) {
		t.Fatalf("expected invalid target, got %v", err)
	}
	if err := ValidateCharacterID("hero-7"); err != nil {
		t.Fatalf("expected valid character id, got %v", err)
	}
}
