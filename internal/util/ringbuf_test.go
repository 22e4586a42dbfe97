package util

import "testing"

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	got := r.Snapshot()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("item %d: expected %d, got %d", i, want[i], got[i])
		}
	}
	if r.Len() != 3 {
		t.Fatalf("expected len 3, got %d", r.Len())
	}
}

func TestResolvePath(t *testing.T) {
	if got := ResolvePath("/base", "data/chat.db"); got != "/base/data/chat.db" {
		t.Fatalf("relative: got %q", got)
	}
	if got := ResolvePath("/base", "/abs/chat.db"); got != "/abs/chat.db" {
		t.Fatalf("absolute: got %q", got)
	}
}

func TestValidateUsername(t *testing.T) {
	if _, err := ValidateUsername("  "); err == nil {
		t.Fatal("expected error for blank username")
	}
	name, err := ValidateUsername("  ada ")
	if err != nil {
		t.Fatal(err)
	}
	if name != "ada" {
		t.Fatalf("expected trimmed name, got %q", name)
	}
}
