package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrCustomerNotFound is returned when no billing row exists for an account.
	ErrCustomerNotFound = errors.New("billing customer not found")

	// ErrUnknownPlan is returned for a plan outside the closed catalog.
	ErrUnknownPlan = errors.New("unknown plan")

	// ErrBYOKNotConfigured is returned when a BYOK account has no active key.
	ErrBYOKNotConfigured = errors.New("no active API key configured; please add a valid key in settings")

	// ErrKeyNotFound is returned when an account has no stored key row.
	ErrKeyNotFound = errors.New("API key not found")
)

// InsufficientTokensError is returned when a debit would drive the remaining
// balance below zero. No state change occurred; the remaining amounts travel
// with the error so callers can surface them.
type InsufficientTokensError struct {
	RequestedTokens  int64
	RemainingTokens  int64
	RemainingCredits int64
}

func (e *InsufficientTokensError) Error() string {
	return fmt.Sprintf("insufficient tokens: requested %d, remaining %d",
		e.RequestedTokens, e.RemainingTokens)
}

// IsInsufficientTokens checks whether err is an insufficient-balance failure.
func IsInsufficientTokens(err error) bool {
	var ie *InsufficientTokensError
	return errors.As(err, &ie)
}
