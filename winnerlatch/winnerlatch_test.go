package winnerlatch

import "testing"

func TestTryLatchAcceptsOnlySmallerPart(t *testing.T) {
	l := New()
	if !l.TryLatch(5) {
		t.Fatal("first latch at 5 should succeed")
	}
	if l.TryLatch(7) {
		t.Fatal("latching a larger part must fail")
	}
	if l.Get() != 5 {
		t.Fatalf("expected latch to remain at 5, got %d", l.Get())
	}
	if !l.TryLatch(3) {
		t.Fatal("latching a smaller part must succeed")
	}
	if l.Get() != 3 {
		t.Fatalf("expected latch at 3, got %d", l.Get())
	}
}

func TestUnlatchedByDefault(t *testing.T) {
	l := New()
	if l.IsLatched() {
		t.Fatal("fresh latch must be unlatched")
	}
	if l.ShouldStop() {
		t.Fatal("fresh latch must not signal stop")
	}
}
