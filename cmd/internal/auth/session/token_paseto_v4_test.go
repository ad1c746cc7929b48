package session

import (
	"errors"
	"testing"
	"time"
)

func TestPasetoV4_IssueAndVerify(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.PasetoV4SecretKeyHex = GenerateSecretKeyHex()

	mgr, err := NewPasetoV4PublicManager(cfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}

	now := time.Now().UTC()
	tok, exp, err := mgr.Issue("01HZZZZZZZZZZZZZZZZZZZZZZZ", "01HYYYYYYYYYYYYYYYYYYYYYYY", now, time.Time{})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.Equal(now.Add(cfg.AccessTokenTTL)) {
		t.Fatalf("expected exp=now+ttl got=%v", exp)
	}

	claims, err := mgr.Verify(tok, now.Add(time.Second))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.AccountID != "01HZZZZZZZZZZZZZZZZZZZZZZZ" || claims.SessionID != "01HYYYYYYYYYYYYYYYYYYYYYYY" {
		t.Fatalf("claims mismatch: %+v", claims)
	}
}

func TestPasetoV4_ExpiryCappedAtNotAfter(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.PasetoV4SecretKeyHex = GenerateSecretKeyHex()
	mgr, err := NewPasetoV4PublicManager(cfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}

	now := time.Now().UTC()
	notAfter := now.Add(time.Minute)
	_, exp, err := mgr.Issue("a", "s", now, notAfter)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.Equal(notAfter) {
		t.Fatalf("expected exp capped at %v got %v", notAfter, exp)
	}
}

func TestPasetoV4_RejectsForeignKey(t *testing.T) {
	t.Parallel()

	cfgA := DefaultConfig()
	cfgA.PasetoV4SecretKeyHex = GenerateSecretKeyHex()
	cfgB := DefaultConfig()
	cfgB.PasetoV4SecretKeyHex = GenerateSecretKeyHex()

	a, _ := NewPasetoV4PublicManager(cfgA)
	b, _ := NewPasetoV4PublicManager(cfgB)

	now := time.Now().UTC()
	tok, _, _ := a.Issue("acct", "sess", now, time.Time{})
	if _, err := b.Verify(tok, now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken got=%v", err)
	}
}

func TestNewPasetoV4PublicManager_BadKey(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.PasetoV4SecretKeyHex = "nothex"
	if _, err := NewPasetoV4PublicManager(cfg); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig got=%v", err)
	}
}
