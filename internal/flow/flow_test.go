package flow

import "testing"

func TestWithAndHas(t *testing.T) {
	s := New("a", "b")
	if !s.Has("a") || !s.Has("b") || s.Has("c") {
		t.Fatalf("set %v missing expected membership", s.Slice())
	}
	if s.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", s.Len())
	}
}

func TestWithIsImmutable(t *testing.T) {
	s := New("a")
	s2 := s.With("b")
	if s.Has("b") {
		t.Fatal("original set mutated by With")
	}
	if !s2.Has("a") || !s2.Has("b") {
		t.Fatalf("extended set missing ids: %v", s2.Slice())
	}
}

func TestUnion(t *testing.T) {
	a := New("a", "b")
	b := New("b", "c")
	u := a.Union(b)
	if u.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", u.Len())
	}
	for _, id := range []ID{"a", "b", "c"} {
		if !u.Has(id) {
			t.Fatalf("union missing %q", id)
		}
	}
}

func TestEqual(t *testing.T) {
	if !New("a", "b").Equal(New("b", "a")) {
		t.Fatal("sets with same members in different order should be equal")
	}
	if New("a").Equal(New("a", "b")) {
		t.Fatal("sets with different members should not be equal")
	}
}
