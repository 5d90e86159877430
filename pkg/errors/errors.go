package apperrors

import (
	"context"
	"errors"
	"fmt"
)

// Standardized Exchange Errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrTimeout               = errors.New("request timeout")
)

// Kind buckets an exchange failure for the callers that only care about
// how to react, not which endpoint failed.
type Kind int

const (
	KindNone Kind = iota
	KindTransient
	KindAuth
	KindValidation
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "none"
	}
}

// KindError attaches a Kind to an underlying error.
type KindError struct {
	K   Kind
	Err error
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %v", e.K, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

// WithKind wraps err with an explicit kind.
func WithKind(k Kind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{K: k, Err: err}
}

// Classify maps an error onto its Kind. Unknown errors are treated as
// transient: the next evaluation cycle retries organically.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.K
	}
	switch {
	case errors.Is(err, ErrRateLimitExceeded):
		return KindRateLimited
	case errors.Is(err, ErrAuthenticationFailed):
		return KindAuth
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrOrderRejected),
		errors.Is(err, ErrInvalidSymbol),
		errors.Is(err, ErrDuplicateOrder),
		errors.Is(err, ErrInvalidOrderParameter):
		return KindValidation
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrNetwork),
		errors.Is(err, ErrExchangeMaintenance):
		return KindTransient
	default:
		return KindTransient
	}
}

// IsTransient reports whether the caller should retry on the next cycle.
func IsTransient(err error) bool {
	k := Classify(err)
	return k == KindTransient || k == KindRateLimited
}
