package v1

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestAccountDeleted_WireFieldNames(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(AccountDeleted{
		EventID:   "e1",
		AccountID: "a1",
		DeletedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, field := range []string{`"eventId"`, `"accountId"`, `"deletedAt"`} {
		if !strings.Contains(string(b), field) {
			t.Fatalf("expected %s in %s", field, b)
		}
	}
}

func TestSessionInvalidated_Validate(t *testing.T) {
	t.Parallel()

	ok := SessionInvalidated{
		EventID:       "e1",
		SessionID:     "s1",
		AccountID:     "a1",
		Reason:        ReasonLogout,
		InvalidatedAt: time.Now(),
	}

	cases := []struct {
		name    string
		mutate  func(*SessionInvalidated)
		wantErr bool
	}{
		{name: "valid", mutate: func(*SessionInvalidated) {}},
		{name: "missing event id", mutate: func(e *SessionInvalidated) { e.EventID = " " }, wantErr: true},
		{name: "missing session id", mutate: func(e *SessionInvalidated) { e.SessionID = "" }, wantErr: true},
		{name: "missing account id", mutate: func(e *SessionInvalidated) { e.AccountID = "" }, wantErr: true},
		{name: "missing time", mutate: func(e *SessionInvalidated) { e.InvalidatedAt = time.Time{} }, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ev := ok
			tc.mutate(&ev)
			err := ev.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
