package readiness

import "testing"

func TestCheckerStartsNotReady(t *testing.T) {
	c := New()
	if c.Ready() {
		t.Fatal("new Checker reported ready")
	}
}

func TestCheckerMarkReady(t *testing.T) {
	c := New()
	c.MarkReady()
	if !c.Ready() {
		t.Fatal("Ready() = false after MarkReady()")
	}
}

func TestCheckerMarkNotReadyAfterReady(t *testing.T) {
	c := New()
	c.MarkReady()
	c.MarkNotReady()
	if c.Ready() {
		t.Fatal("Ready() = true after MarkNotReady()")
	}
}

func TestCheckerMarkReadyIdempotent(t *testing.T) {
	c := New()
	c.MarkReady()
	c.MarkReady()
	if !c.Ready() {
		t.Fatal("Ready() = false after repeated MarkReady()")
	}
}
