package ident

import (
	"testing"
)

func TestNewEnvelopeIDUnique(t *testing.T) {
	s := New()
	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		id := s.NewEnvelopeID()
		if seen[id] {
			t.Fatalf("duplicate envelope id %q", id)
		}
		seen[id] = true
	}
}

func TestNewMessageIDFormat(t *testing.T) {
	s := New()
	env := s.NewEnvelopeID()

	m1 := s.NewMessageID(env)
	m2 := s.NewMessageID(env)

	if m1 == m2 {
		t.Fatalf("two calls returned the same message id %q", m1)
	}

	wantPrefix := env + "-"
	if len(m1) != len(wantPrefix)+6 {
		t.Fatalf("message id %q has unexpected length", m1)
	}
	if m1[:len(wantPrefix)] != wantPrefix {
		t.Fatalf("message id %q doesn't start with envelope id", m1)
	}
}
