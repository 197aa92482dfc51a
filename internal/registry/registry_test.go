package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestJoin_NewRoomReturnsNoPriorMembers(t *testing.T) {
	r := New()

	existing, err := r.Join("r1", "h-a", "alice")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(existing) != 0 {
		t.Fatalf("expected empty prior-member list, got %v", existing)
	}
	if got := r.RoomCount(); got != 1 {
		t.Fatalf("expected 1 room, got %d", got)
	}
	members := r.Members("r1")
	if len(members) != 1 || members[0].Handle != "h-a" || members[0].Name != "alice" {
		t.Fatalf("unexpected member snapshot %v", members)
	}
}

func TestJoin_SecondJoinerSeesFirst(t *testing.T) {
	r := New()

	if _, err := r.Join("r1", "h-a", "alice"); err != nil {
		t.Fatalf("join a: %v", err)
	}
	existing, err := r.Join("r1", "h-b", "bob")
	if err != nil {
		t.Fatalf("join b: %v", err)
	}

	if len(existing) != 1 || existing[0].Handle != "h-a" {
		t.Fatalf("expected prior members [h-a], got %v", existing)
	}
	for _, m := range existing {
		if m.Handle == "h-b" {
			t.Fatalf("prior-member snapshot must not include the joiner")
		}
	}
}

func TestJoin_SnapshotOrderedByJoinTime(t *testing.T) {
	r := New()
	base := time.Unix(1000, 0)
	i := 0
	r.now = func() time.Time {
		i++
		return base.Add(time.Duration(i) * time.Second)
	}

	handles := []Handle{"h-1", "h-2", "h-3"}
	for _, h := range handles {
		if _, err := r.Join("r1", h, string(h)); err != nil {
			t.Fatalf("join %s: %v", h, err)
		}
	}

	members := r.Members("r1")
	if len(members) != 3 {
		t.Fatalf("expected 3 members, got %d", len(members))
	}
	for i, h := range handles {
		if members[i].Handle != h {
			t.Fatalf("expected member %d to be %s, got %s", i, h, members[i].Handle)
		}
	}
}

func TestJoin_HandleAlreadyInRoom(t *testing.T) {
	r := New()

	if _, err := r.Join("r1", "h-a", "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := r.Join("r2", "h-a", "alice"); err != ErrAlreadyJoined {
		t.Fatalf("expected ErrAlreadyJoined, got %v", err)
	}
}

func TestLeave_LastMemberDeletesRoom(t *testing.T) {
	r := New()

	if _, err := r.Join("r1", "h-a", "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	m, ok := r.Leave("r1", "h-a")
	if !ok || m.Name != "alice" {
		t.Fatalf("expected removed member alice, got %v ok=%v", m, ok)
	}
	if got := r.RoomCount(); got != 0 {
		t.Fatalf("expected room deleted, got %d rooms", got)
	}
	if members := r.Members("r1"); len(members) != 0 {
		t.Fatalf("expected empty snapshot for deleted room, got %v", members)
	}
}

func TestLeave_WrongRoomIsNoOp(t *testing.T) {
	r := New()

	if _, err := r.Join("r1", "h-a", "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, ok := r.Leave("r2", "h-a"); ok {
		t.Fatalf("leave of a different room must be a no-op")
	}
	if got := r.ParticipantCount(); got != 1 {
		t.Fatalf("participant should still be registered, count=%d", got)
	}
}

func TestDisconnect_AfterLeaveIsIdempotent(t *testing.T) {
	r := New()

	if _, err := r.Join("r1", "h-a", "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}

	// Explicit leave followed by the transport-level disconnect for the same
	// session: the second call must observe "not registered" and do nothing.
	if _, ok := r.Leave("r1", "h-a"); !ok {
		t.Fatalf("expected leave to remove the member")
	}
	if _, _, ok := r.Disconnect("h-a"); ok {
		t.Fatalf("disconnect after leave must be a no-op")
	}
	if got := r.RoomCount(); got != 0 {
		t.Fatalf("expected no rooms, got %d", got)
	}
}

func TestDisconnect_FindsRoom(t *testing.T) {
	r := New()

	if _, err := r.Join("r1", "h-a", "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := r.Join("r2", "h-b", "bob"); err != nil {
		t.Fatalf("join: %v", err)
	}

	room, m, ok := r.Disconnect("h-b")
	if !ok || room != "r2" || m.Name != "bob" {
		t.Fatalf("expected bob removed from r2, got room=%q m=%v ok=%v", room, m, ok)
	}
	if got := r.RoomCount(); got != 1 {
		t.Fatalf("expected 1 room left, got %d", got)
	}
}

func TestRegistry_ConcurrentChurn(t *testing.T) {
	r := New()

	var wg sync.WaitGroup
	rooms := []string{"a", "b", "c"}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := Handle(fmt.Sprintf("h-%d", i))
			room := rooms[i%len(rooms)]
			if _, err := r.Join(room, h, "user"); err != nil {
				return
			}
			r.Members(room)
			r.Disconnect(h)
		}(i)
	}
	wg.Wait()

	if got := r.ParticipantCount(); got != 0 {
		t.Fatalf("expected all participants gone, got %d", got)
	}
	if got := r.RoomCount(); got != 0 {
		t.Fatalf("expected all rooms gone, got %d", got)
	}
}
