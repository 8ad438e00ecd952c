package handler

import "testing"

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	h := &Handler{Name: "file backend", Subtype: "file"}
	if err := r.Register(h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, ok := r.Lookup("file")
	if !ok || got != h {
		t.Fatalf("Lookup(file) = %v, %v; want %v, true", got, ok, h)
	}
	if _, ok := r.Lookup("rbd"); ok {
		t.Fatal("Lookup(rbd) found a handler that was never registered")
	}
}

func TestRegisterDuplicateSubtypeFails(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&Handler{Subtype: "file"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&Handler{Subtype: "file"}); err == nil {
		t.Fatal("expected error registering duplicate subtype")
	}
}

func TestRegisterEmptySubtypeFails(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&Handler{Subtype: ""}); err == nil {
		t.Fatal("expected error registering empty subtype")
	}
}

func TestRegisterAfterSealFails(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&Handler{Subtype: "file"}); err != nil {
		t.Fatal(err)
	}
	r.Seal()
	if err := r.Register(&Handler{Subtype: "mem"}); err == nil {
		t.Fatal("expected error registering after Seal")
	}
}
