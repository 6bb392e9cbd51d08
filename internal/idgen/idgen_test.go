package idgen

import (
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	a, b := New(), New()
	if a == b {
		t.Fatal("expected distinct ids")
	}
	if !Valid(a) {
		t.Fatalf("New() = %q is not a UUID", a)
	}
	if len(a) != 36 {
		t.Fatalf("expected 36 chars, got %d", len(a))
	}
}

func TestValid(t *testing.T) {
	if Valid("not-a-uuid") {
		t.Fatal("expected invalid")
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("hold_")
	if !strings.HasPrefix(id, "hold_") || len(id) != len("hold_")+24 {
		t.Fatalf("unexpected id %q", id)
	}
}

func TestHex(t *testing.T) {
	if got := Hex(32); len(got) != 64 {
		t.Fatalf("Hex(32) length = %d, want 64", len(got))
	}
}
