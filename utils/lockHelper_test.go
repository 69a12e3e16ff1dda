package utils

import (
	"testing"
	"time"
)

func TestSortedLockKeys(t *testing.T) {
	got := SortedLockKeys([]string{"b", "a", "b", "", "c", "a"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("SortedLockKeys = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("SortedLockKeys = %v, want %v", got, want)
		}
	}
}

func TestJitterBackoffBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for attempt := 1; attempt <= 10; attempt++ {
		d := JitterBackoff(base, attempt)
		if d < base {
			t.Fatalf("attempt %d: backoff %s below base %s", attempt, d, base)
		}
		// Doubling caps at 2s, jitter adds at most 50% on top.
		if d > 3*time.Second {
			t.Fatalf("attempt %d: backoff %s above cap", attempt, d)
		}
	}
}

func TestJitterBackoffDefaultsZeroBase(t *testing.T) {
	if d := JitterBackoff(0, 1); d <= 0 {
		t.Fatalf("zero base produced non-positive backoff %s", d)
	}
}
