package settlement

import (
	"errors"
	"strings"
	"time"

	"github.com/si64-net/si64/pkg/model"
)

// RetryPolicy bounds the broadcast loop. Backoff doubles between attempts.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
	}
}

// Backoff returns the delay before the given retry attempt, starting at 1.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// PermanentError marks a payout failure no retry can fix. Status is the
// terminal ledger code the settlement writes for it.
type PermanentError struct {
	Status string
	Err    error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// NewWalletError wraps an unusable destination address. The address never
// becomes decodable on retry.
func NewWalletError(err error) *PermanentError {
	return &PermanentError{Status: model.SettlementFailedWallet, Err: err}
}

// IsPermanent reports whether a broadcast error can never succeed on retry.
// Providers tag what they can as PermanentError before broadcasting; rent
// shortfalls surface inside the chain's error text and are matched there.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return true
	}
	return strings.Contains(err.Error(), "InsufficientFundsForRent")
}

// PermanentStatus returns the terminal ledger code for a permanent error.
func PermanentStatus(err error) string {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.Status
	}
	if strings.Contains(err.Error(), "InsufficientFundsForRent") {
		return model.SettlementFailedRent
	}
	return model.SettlementFailedTx
}
