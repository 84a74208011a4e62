package document

import (
	"testing"

	"github.com/schoolai/loro-extended-core/internal/crdt"
)

func newMem() crdt.Doc { return crdt.NewMemDoc("local", func() int64 { return 1 }) }

func TestEnsureCreatesOnFirstCall(t *testing.T) {
	r := NewRegistry()
	fired := 0
	s, created := r.Ensure("doc1", newMem, func(string) { fired++ })
	if !created {
		t.Fatalf("expected first Ensure to report creation")
	}
	if s.DocID != "doc1" {
		t.Fatalf("unexpected doc id %q", s.DocID)
	}

	_ = s.Doc.Change(func(m crdt.Mutator) { m.Set("a", 1) })
	if fired != 1 {
		t.Fatalf("expected local change callback to fire once, got %d", fired)
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	r := NewRegistry()
	s1, created1 := r.Ensure("doc1", newMem, func(string) {})
	s2, created2 := r.Ensure("doc1", newMem, func(string) {})

	if !created1 || created2 {
		t.Fatalf("expected only the first Ensure to create")
	}
	if s1 != s2 {
		t.Fatalf("expected the same state returned for a repeated Ensure")
	}
}

func TestEphemeralStoreLazilyCreatedPerNamespace(t *testing.T) {
	r := NewRegistry()
	s, _ := r.Ensure("doc1", newMem, func(string) {})

	newStore := func() crdt.EphemeralStore { return crdt.NewMemEphemeralStore(nil, 0) }
	st1 := s.EphemeralStore("cursor", newStore)
	st2 := s.EphemeralStore("cursor", newStore)
	if st1 != st2 {
		t.Fatalf("expected the same store returned for a repeated namespace lookup")
	}

	st3 := s.EphemeralStore("presence", newStore)
	if st3 == st1 {
		t.Fatalf("expected distinct stores per namespace")
	}
}

func TestDeleteUnsubscribesAndRemoves(t *testing.T) {
	r := NewRegistry()
	fired := 0
	s, _ := r.Ensure("doc1", newMem, func(string) { fired++ })

	if err := r.Delete("doc1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := r.Get("doc1"); ok {
		t.Fatalf("expected doc1 gone after delete")
	}

	_ = s.Doc.Change(func(m crdt.Mutator) { m.Set("a", 1) })
	if fired != 0 {
		t.Fatalf("expected no callback after delete unsubscribed it, got %d", fired)
	}
}

func TestDeleteUnknownDocReturnsError(t *testing.T) {
	r := NewRegistry()
	if err := r.Delete("ghost"); err == nil {
		t.Fatalf("expected error deleting unknown doc")
	}
}

func TestAllReturnsSortedDocIDs(t *testing.T) {
	r := NewRegistry()
	r.Ensure("zebra", newMem, func(string) {})
	r.Ensure("alpha", newMem, func(string) {})

	got := r.All()
	if len(got) != 2 || got[0] != "alpha" || got[1] != "zebra" {
		t.Fatalf("expected sorted doc ids, got %v", got)
	}
}
