package crdt

import (
	"testing"

	"github.com/schoolai/loro-extended-core/internal/version"
)

func ticker() func() int64 {
	n := int64(0)
	return func() int64 {
		n++
		return n
	}
}

func TestChangeCommitsAndNotifies(t *testing.T) {
	d := NewMemDoc("p1", ticker())
	fired := 0
	d.SubscribeLocalUpdates(func() { fired++ })

	if err := d.Change(func(m Mutator) { m.Set("title", "hello") }); err != nil {
		t.Fatalf("change: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected 1 notification, got %d", fired)
	}
	if got := d.View()["title"]; got != "hello" {
		t.Fatalf("unexpected view: %+v", d.View())
	}
	if d.Version().IsEmpty() {
		t.Fatalf("expected non-empty version after a commit")
	}
}

func TestChangeWithNoWritesIsNoOp(t *testing.T) {
	d := NewMemDoc("p1", ticker())
	fired := 0
	d.SubscribeLocalUpdates(func() { fired++ })

	if err := d.Change(func(m Mutator) {}); err != nil {
		t.Fatalf("change: %v", err)
	}
	if fired != 0 {
		t.Fatalf("expected no notification for an empty change")
	}
	if !d.Version().IsEmpty() {
		t.Fatalf("expected version unchanged by a no-op change")
	}
}

func TestDeleteRemovesFromView(t *testing.T) {
	d := NewMemDoc("p1", ticker())
	_ = d.Change(func(m Mutator) { m.Set("k", 1) })
	_ = d.Change(func(m Mutator) { m.Delete("k") })

	if _, ok := d.View()["k"]; ok {
		t.Fatalf("expected deleted key absent from view")
	}
}

func TestExportWithEmptyFromYieldsSnapshot(t *testing.T) {
	d := NewMemDoc("p1", ticker())
	_ = d.Change(func(m Mutator) { m.Set("a", 1) })
	_ = d.Change(func(m Mutator) { m.Set("b", 2) })

	snap, err := d.Export(version.New())
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	fresh := NewMemDoc("p2", ticker())
	if err := fresh.Import(snap); err != nil {
		t.Fatalf("import: %v", err)
	}
	view := fresh.View()
	if view["a"] != float64(1) || view["b"] != float64(2) {
		t.Fatalf("unexpected imported view: %+v", view)
	}
}

func TestExportSinceCoveredVersionYieldsNothingNew(t *testing.T) {
	d := NewMemDoc("p1", ticker())
	_ = d.Change(func(m Mutator) { m.Set("a", 1) })
	full := d.Version()

	_, err := d.Export(full)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	fresh := NewMemDoc("p2", ticker())
	diff, _ := d.Export(full)
	if err := fresh.Import(diff); err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(fresh.View()) != 0 {
		t.Fatalf("expected nothing new beyond an already-covered version, got %+v", fresh.View())
	}
}

func TestImportIsIdempotent(t *testing.T) {
	d := NewMemDoc("p1", ticker())
	_ = d.Change(func(m Mutator) { m.Set("a", 1) })
	snap, _ := d.Export(version.New())

	other := NewMemDoc("p2", ticker())
	fired := 0
	other.SubscribeLocalUpdates(func() { fired++ })

	if err := other.Import(snap); err != nil {
		t.Fatalf("import 1: %v", err)
	}
	if err := other.Import(snap); err != nil {
		t.Fatalf("import 2: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected import to notify exactly once across repeated imports, got %d", fired)
	}
}

func TestConcurrentWritesResolveByTimestampThenPeerID(t *testing.T) {
	clock := ticker()
	a := NewMemDoc("peerA", clock)
	b := NewMemDoc("peerB", clock)

	_ = a.Change(func(m Mutator) { m.Set("k", "from-a") })
	_ = b.Change(func(m Mutator) { m.Set("k", "from-b") })

	snapA, _ := a.Export(version.New())
	snapB, _ := b.Export(version.New())

	if err := a.Import(snapB); err != nil {
		t.Fatalf("import into a: %v", err)
	}
	if err := b.Import(snapA); err != nil {
		t.Fatalf("import into b: %v", err)
	}

	if a.View()["k"] != b.View()["k"] {
		t.Fatalf("expected converged value, got a=%v b=%v", a.View()["k"], b.View()["k"])
	}
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	d := NewMemDoc("p1", ticker())
	fired := 0
	unsub := d.SubscribeLocalUpdates(func() { fired++ })
	unsub()

	_ = d.Change(func(m Mutator) { m.Set("a", 1) })
	if fired != 0 {
		t.Fatalf("expected no notifications after unsubscribe, got %d", fired)
	}
}
