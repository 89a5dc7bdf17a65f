package uuid

import (
	"testing"
)

func TestGeneratorMintsOrderedVersion7IDs(t *testing.T) {
	t.Parallel()

	gen := New()
	first, err := gen.NewRawID()
	if err != nil {
		t.Fatalf("NewRawID() error = %v", err)
	}
	second, err := gen.NewRawID()
	if err != nil {
		t.Fatalf("NewRawID() error = %v", err)
	}
	if first.Version() != 7 || second.Version() != 7 {
		t.Fatalf("expected version 7, got %d and %d", first.Version(), second.Version())
	}
	if first == second {
		t.Fatalf("expected unique IDs, got %s twice", first)
	}
	if first.String() >= second.String() {
		t.Fatalf("expected %s to sort before %s", first, second)
	}
}
