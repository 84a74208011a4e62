package version

import "testing"

func TestCompare(t *testing.T) {
	a := Vector{"p1": 2, "p2": 1}
	b := Vector{"p1": 2, "p2": 1}
	if Compare(a, b) != Equal {
		t.Fatalf("expected Equal")
	}

	c := Vector{"p1": 3, "p2": 1}
	if Compare(c, a) != After {
		t.Fatalf("expected After")
	}
	if Compare(a, c) != Before {
		t.Fatalf("expected Before")
	}

	d := Vector{"p1": 3, "p2": 0}
	if Compare(c, d) != After {
		t.Fatalf("expected After, c=%v d=%v", c, d)
	}
}

func TestMergeTakesMax(t *testing.T) {
	a := Vector{"p1": 5, "p2": 1}
	b := Vector{"p1": 2, "p3": 7}
	merged := Merge(a, b)
	if merged["p1"] != 5 || merged["p2"] != 1 || merged["p3"] != 7 {
		t.Fatalf("unexpected merge result: %v", merged)
	}
}

func TestIncrementDoesNotMutateSource(t *testing.T) {
	a := Vector{"p1": 1}
	b := Increment(a, "p1")
	if a["p1"] != 1 {
		t.Fatalf("source vector was mutated")
	}
	if b["p1"] != 2 {
		t.Fatalf("expected incremented copy, got %v", b)
	}
}

func TestEmptyVectorIsEmpty(t *testing.T) {
	if !New().IsEmpty() {
		t.Fatalf("expected New() to be empty")
	}
	if (Vector{"p1": 0}).IsEmpty() {
		t.Fatalf("a vector with an explicit zero entry is not empty")
	}
}

func TestAtLeast(t *testing.T) {
	a := Vector{"p1": 2}
	b := Vector{"p1": 1}
	if !AtLeast(a, b) {
		t.Fatalf("expected a to be at least b")
	}
	if AtLeast(b, a) {
		t.Fatalf("expected b to not be at least a")
	}
}
