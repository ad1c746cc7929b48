package ids

import (
	"testing"
	"time"
)

func TestNewULID_MonotonicWithinMillisecond(t *testing.T) {
	// Not parallel: the shared entropy source re-seeds when another test mints
	// an id for a different millisecond.
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	prev := ""
	for i := 0; i < 100; i++ {
		id, err := NewULID(now)
		if err != nil {
			t.Fatalf("NewULID: %v", err)
		}
		if len(id) != 26 {
			t.Fatalf("expected 26 chars got=%d", len(id))
		}
		if id <= prev {
			t.Fatalf("expected strictly increasing ids: %s <= %s", id, prev)
		}
		prev = id
	}
}

func TestIsULID(t *testing.T) {
	t.Parallel()

	id, err := NewULID(time.Time{})
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if !IsULID(id) {
		t.Fatalf("expected valid ulid: %s", id)
	}
	if IsULID("not-a-ulid") {
		t.Fatalf("expected invalid")
	}
}
