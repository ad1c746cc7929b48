package authapi

import (
	"time"

	"tether/cmd/identity"
	"tether/cmd/internal/auth/session"
)

type createAccountRequest struct {
	Handle *string `json:"handle"`
}

type deleteAccountRequest struct {
	Reason string `json:"reason"`
}

type createSessionRequest struct {
	AccountID     string `json:"account_id"`
	CredentialRef string `json:"credential_ref"`
}

type accountResponse struct {
	ID           string     `json:"id"`
	Handle       *string    `json:"handle,omitempty"`
	State        string     `json:"state"`
	CreatedAt    time.Time  `json:"created_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	DeleteReason string     `json:"delete_reason,omitempty"`
}

type sessionResponse struct {
	ID        string     `json:"id"`
	AccountID string     `json:"account_id"`
	State     string     `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

type accountEnvelope struct {
	Account accountResponse `json:"account"`
}

type createSessionResponse struct {
	Session         sessionResponse `json:"session"`
	AccessToken     string          `json:"access_token"`
	AccessExpiresAt time.Time       `json:"access_expires_at"`
}

type sessionEnvelope struct {
	Session sessionResponse `json:"session"`
}

type sessionListResponse struct {
	Sessions []sessionResponse `json:"sessions"`
}

func toAccountResponse(a identity.Account) accountResponse {
	return accountResponse{
		ID:           a.ID,
		Handle:       a.Handle,
		State:        string(a.State),
		CreatedAt:    a.CreatedAt,
		DeletedAt:    a.DeletedAt,
		DeleteReason: a.DeleteReason,
	}
}

// toSessionResponse never exposes the credential hash.
func toSessionResponse(s session.Session) sessionResponse {
	return sessionResponse{
		ID:        s.ID,
		AccountID: s.AccountID,
		State:     string(s.State),
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
		EndedAt:   s.EndedAt,
		Reason:    s.Reason,
	}
}
