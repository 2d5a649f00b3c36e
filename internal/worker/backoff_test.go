package worker

import (
	"testing"
	"time"
)

func TestDefaultBackoff(t *testing.T) {
	want := []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}
	for i, w := range want {
		got, ok := DefaultBackoff.Next(i)
		if !ok {
			t.Fatalf("retry %d: expected ok", i)
		}
		if got != w {
			t.Fatalf("retry %d: expected %v, got %v", i, w, got)
		}
	}
	if _, ok := DefaultBackoff.Next(3); ok {
		t.Fatal("expected budget to be exhausted after 3 retries")
	}
	if _, ok := DefaultBackoff.Next(-1); ok {
		t.Fatal("expected negative retry count to be rejected")
	}
}
