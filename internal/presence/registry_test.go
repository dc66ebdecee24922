package presence

import (
	"sort"
	"testing"

	"github.com/talkio/signaling-relay/internal/signal"
)

type nopHandle struct{ id string }

func (h *nopHandle) Push(env signal.Envelope) error { return nil }

func TestRegistry_JoinReturnsOthers(t *testing.T) {
	r := NewRegistry()

	others, replaced := r.Join("r1", "alice", &nopHandle{id: "a"})
	if len(others) != 0 || replaced != nil {
		t.Fatalf("first join: others=%v replaced=%v", others, replaced)
	}

	others, _ = r.Join("r1", "bob", &nopHandle{id: "b"})
	if len(others) != 1 || others[0].UserID != "alice" {
		t.Fatalf("second join: others=%#v, want [alice]", others)
	}

	others, _ = r.Join("r1", "carol", &nopHandle{id: "c"})
	ids := []string{others[0].UserID, others[1].UserID}
	sort.Strings(ids)
	if len(others) != 2 || ids[0] != "alice" || ids[1] != "bob" {
		t.Fatalf("third join: others=%#v", others)
	}
}

func TestRegistry_RejoinReplacesHandle(t *testing.T) {
	r := NewRegistry()

	first := &nopHandle{id: "a1"}
	second := &nopHandle{id: "a2"}

	r.Join("r1", "alice", first)
	_, replaced := r.Join("r1", "alice", second)
	if replaced != Handle(first) {
		t.Fatalf("replaced=%v, want first handle", replaced)
	}

	h, ok := r.Resolve("r1", "alice")
	if !ok || h != Handle(second) {
		t.Fatalf("resolve after rejoin: h=%v ok=%v", h, ok)
	}
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Resolve("r1", "ghost"); ok {
		t.Fatalf("expected ok=false for unknown participant")
	}
	r.Join("r1", "alice", &nopHandle{})
	if _, ok := r.Resolve("r1", "ghost"); ok {
		t.Fatalf("expected ok=false for absent user in existing room")
	}
	if _, ok := r.Resolve("r2", "alice"); ok {
		t.Fatalf("expected ok=false for unknown room")
	}
}

func TestRegistry_LeaveIfCurrent(t *testing.T) {
	r := NewRegistry()

	first := &nopHandle{id: "a1"}
	second := &nopHandle{id: "a2"}

	r.Join("r1", "alice", first)
	r.Join("r1", "alice", second)

	// The replaced connection's teardown must not evict the new one.
	if r.LeaveIfCurrent("r1", "alice", first) {
		t.Fatalf("stale handle removed the current entry")
	}
	if _, ok := r.Resolve("r1", "alice"); !ok {
		t.Fatalf("alice should still be present")
	}

	if !r.LeaveIfCurrent("r1", "alice", second) {
		t.Fatalf("current handle failed to leave")
	}
	if _, ok := r.Resolve("r1", "alice"); ok {
		t.Fatalf("alice should be gone")
	}
	if n := r.RoomCount(); n != 0 {
		t.Fatalf("room count=%d, want 0", n)
	}
}

func TestRegistry_Others(t *testing.T) {
	r := NewRegistry()
	r.Join("r1", "alice", &nopHandle{})
	r.Join("r1", "bob", &nopHandle{})

	others := r.Others("r1", "alice")
	if len(others) != 1 || others[0].UserID != "bob" {
		t.Fatalf("others=%#v, want [bob]", others)
	}
	if got := r.Others("r404", "alice"); len(got) != 0 {
		t.Fatalf("others in unknown room=%#v", got)
	}
}

func TestRegistry_EmptyRoomIsDeleted(t *testing.T) {
	r := NewRegistry()

	for i := 0; i < 100; i++ {
		r.Join("r1", "alice", &nopHandle{})
		r.Join("r1", "bob", &nopHandle{})
		r.Leave("r1", "alice")
		r.Leave("r1", "bob")
	}
	if n := r.RoomCount(); n != 0 {
		t.Fatalf("room count=%d after join/leave cycles, want 0", n)
	}

	// Leaving a room that never existed must be a no-op.
	r.Leave("r404", "nobody")
}
