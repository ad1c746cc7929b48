package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"tether/cmd/internal/statestore"
)

func TestIndex_SessionsPagesThroughAllEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	x := NewIndex(statestore.NewMemoryStore())

	const n = indexPageSize*2 + 7
	for i := 0; i < n; i++ {
		if err := x.Add(ctx, "acct", fmt.Sprintf("s%04d", i), time.Hour); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	// A neighbouring account whose id shares a prefix must not leak in.
	if err := x.Add(ctx, "acct2", "s0000", time.Hour); err != nil {
		t.Fatalf("add: %v", err)
	}

	got, err := x.Sessions(ctx, "acct")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(got) != n {
		t.Fatalf("expected %d got=%d", n, len(got))
	}
	if got[0] != "s0000" || got[n-1] != fmt.Sprintf("s%04d", n-1) {
		t.Fatalf("unexpected order: first=%s last=%s", got[0], got[n-1])
	}
}

func TestIndex_AddRemoveHas(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	x := NewIndex(statestore.NewMemoryStore())

	if ok, err := x.Has(ctx, "a", "s"); err != nil || ok {
		t.Fatalf("expected absent: ok=%v err=%v", ok, err)
	}
	_ = x.Add(ctx, "a", "s", 0)
	if ok, _ := x.Has(ctx, "a", "s"); !ok {
		t.Fatalf("expected present")
	}
	_ = x.Remove(ctx, "a", "s")
	_ = x.Remove(ctx, "a", "s")
	if ok, _ := x.Has(ctx, "a", "s"); ok {
		t.Fatalf("expected absent after remove")
	}
}

func TestParseIndexKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		key  string
		want Member
		ok   bool
	}{
		{key: IndexKey("acct", "sess"), want: Member{AccountID: "acct", SessionID: "sess"}, ok: true},
		{key: "index:acct:", ok: false},
		{key: "index::sess", ok: false},
		{key: "session:abc", ok: false},
	}
	for _, tc := range cases {
		got, ok := parseIndexKey(tc.key)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("%q: got=%+v ok=%v want=%+v ok=%v", tc.key, got, ok, tc.want, tc.ok)
		}
	}
}
