// Package apperrors defines the error taxonomy shared by venue adapters
// and the execution engine. Adapters translate raw venue failures into
// a VenueError carrying a Kind; engine components branch on the kind,
// never on message text.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies an adapter or engine failure.
type Kind string

const (
	KindRateLimited        Kind = "RATE_LIMITED"
	KindNotFound           Kind = "NOT_FOUND"
	KindInsufficientMargin Kind = "INSUFFICIENT_MARGIN"
	KindSignatureFailure   Kind = "SIGNATURE_FAILURE"
	KindNonceFailure       Kind = "NONCE_FAILURE"
	KindNetwork            Kind = "NETWORK"
	KindValidation         Kind = "VALIDATION"
	KindInternal           Kind = "INTERNAL"
)

// Standardized engine errors
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrOrderRejected        = errors.New("order rejected")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrNetwork              = errors.New("network error")
	ErrInvalidSymbol        = errors.New("invalid symbol")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrOrderNotFound        = errors.New("order not found")
	ErrDuplicateOrder       = errors.New("duplicate order")
	ErrNoCounterparty       = errors.New("no counterparty venue available")
	ErrLockHeld             = errors.New("symbol lock held by another operation")
	ErrOrderAlreadyActive   = errors.New("active order already registered")
	ErrDataMissing          = errors.New("required market data unavailable")
)

// VenueError is the structured failure an adapter reports. Err may wrap a
// transport-level cause; Op names the adapter operation that failed.
type VenueError struct {
	Venue   string
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *VenueError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %s: %s", e.Venue, e.Op, e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Venue, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Venue, e.Op, e.Kind)
}

func (e *VenueError) Unwrap() error { return e.Err }

// NewVenueError builds a VenueError for the given venue and operation.
func NewVenueError(venue string, kind Kind, op, msg string, cause error) *VenueError {
	return &VenueError{Venue: venue, Kind: kind, Op: op, Message: msg, Err: cause}
}

// KindOf extracts the taxonomy kind from an error chain. Errors that are
// not venue errors map onto the closest sentinel, defaulting to KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	switch {
	case errors.Is(err, ErrRateLimitExceeded):
		return KindRateLimited
	case errors.Is(err, ErrOrderNotFound):
		return KindNotFound
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientMargin
	case errors.Is(err, ErrAuthenticationFailed):
		return KindSignatureFailure
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	case errors.Is(err, ErrInvalidSymbol), errors.Is(err, ErrOrderRejected), errors.Is(err, ErrDuplicateOrder):
		return KindValidation
	default:
		return KindInternal
	}
}

// IsTransient reports whether the failure is worth retrying at the call
// site. Nonce desyncs resolve themselves on the next signed request, so
// they count as transient alongside network and throttling failures.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindRateLimited, KindNonceFailure:
		return true
	default:
		return false
	}
}

// IsDataMissing reports whether the failure is a gating-data gap (open
// interest or mark unavailable). Such failures drop the affected symbol
// from consideration but never stop a scan.
func IsDataMissing(err error) bool {
	return errors.Is(err, ErrDataMissing)
}
