package user

import "testing"

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()

	r.Register("c1", "alice", "editor", "room1")
	got, ok := r.Lookup("c1")
	if !ok {
		t.Fatal("expected to find c1")
	}
	if got.Username != "alice" {
		t.Errorf("expected username %q, got %q", "alice", got.Username)
	}
	if got.Role != "editor" {
		t.Errorf("expected role %q, got %q", "editor", got.Role)
	}
	if got.RoomID != "room1" {
		t.Errorf("expected room %q, got %q", "room1", got.RoomID)
	}
}

func TestRegistryLookupUnknown(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Lookup("nope"); ok {
		t.Error("expected lookup of unknown connection to fail")
	}
}

func TestRegistryRegisterReplaces(t *testing.T) {
	r := NewRegistry()

	r.Register("c1", "alice", "editor", "room1")
	r.Register("c1", "alicia", "viewer", "room2")

	got, _ := r.Lookup("c1")
	if got.Username != "alicia" || got.RoomID != "room2" {
		t.Errorf("expected last write to win, got %+v", got)
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", r.Len())
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	r.Register("c1", "alice", "", "room1")

	removed, ok := r.Remove("c1")
	if !ok || removed.Username != "alice" {
		t.Fatalf("expected to remove alice, got %+v (ok=%v)", removed, ok)
	}
	if _, ok := r.Lookup("c1"); ok {
		t.Error("expected c1 to be gone")
	}

	// Second remove is a no-op.
	if _, ok := r.Remove("c1"); ok {
		t.Error("expected second remove to report absent")
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}
