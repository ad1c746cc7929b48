package identity

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is an account's lifecycle state. Deleted is terminal.
type State string

const (
	StateActive  State = "active"
	StateDeleted State = "deleted"
)

// Account is Tether's canonical account record.
type Account struct {
	ID         string  `json:"id"`
	Handle     *string `json:"handle,omitempty"`
	HandleNorm *string `json:"handle_norm,omitempty"`
	State      State   `json:"state"`

	CreatedAt    time.Time  `json:"created_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	DeleteReason string     `json:"delete_reason,omitempty"`
}

// Deleted reports whether the account is gone.
func (a Account) Deleted() bool { return a.State == StateDeleted }

// CreateInput describes an account to create. Handle is optional and unique
// among live accounts.
type CreateInput struct {
	Handle *string
}

const (
	accountKeyPrefix = "account:"
	handleKeyPrefix  = "handle:"
)

// AccountKey is the state-store key of an account record.
func AccountKey(id string) string { return accountKeyPrefix + id }

func handleKey(norm string) string { return handleKeyPrefix + norm }

func encodeAccount(a Account) ([]byte, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("identity: encode account: %w", err)
	}
	return raw, nil
}

func decodeAccount(raw []byte) (Account, error) {
	var a Account
	if err := json.Unmarshal(raw, &a); err != nil {
		return Account{}, fmt.Errorf("identity: decode account: %w", err)
	}
	return a, nil
}
