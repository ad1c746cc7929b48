package cascade

import (
	"errors"
	"fmt"
)

// ErrConfig is returned for invalid configuration.
var ErrConfig = errors.New("invalid config")

// ExhaustedError reports a delivery that failed every in-handler attempt. The
// envelope is not acknowledged.
type ExhaustedError struct {
	EventID   string
	AccountID string
	Step      string
	Attempts  int
	Err       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("cascade: %s for account %s (event %s) failed after %d attempts: %v",
		e.Step, e.AccountID, e.EventID, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }
