package domain

import (
	"errors"
	"fmt"
	"time"
)

// RetriableError defines an interface for errors that can be retried.
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable.
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// GatewayErrorKind classifies failures of remote API calls.
type GatewayErrorKind int

const (
	// GatewayNetwork covers transport failures before a response arrived.
	GatewayNetwork GatewayErrorKind = iota + 1
	// GatewayTimeout covers per-attempt deadline expiry.
	GatewayTimeout
	// GatewayRateLimited covers venue 429 responses.
	GatewayRateLimited
	// GatewayServer covers venue 5xx responses.
	GatewayServer
	// GatewayClient covers non-retriable 4xx responses and schema violations.
	GatewayClient
	// GatewayCancelled covers caller-initiated cancellation.
	GatewayCancelled
)

func (k GatewayErrorKind) String() string {
	switch k {
	case GatewayNetwork:
		return "NETWORK"
	case GatewayTimeout:
		return "TIMEOUT"
	case GatewayRateLimited:
		return "RATE_LIMITED"
	case GatewayServer:
		return "SERVER"
	case GatewayClient:
		return "CLIENT"
	case GatewayCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// GatewayError represents a failed remote API call after the retry
// policy has been exhausted (or skipped, for non-retriable kinds).
type GatewayError struct {
	Kind       GatewayErrorKind
	Op         string // e.g. "GET /markets", "POST /order"
	StatusCode int    // HTTP status, 0 for transport failures
	RetryAfter time.Duration
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s (status %d): %v", e.Kind, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// IsRetriable reports whether the retry loop may re-attempt this error.
func (e *GatewayError) IsRetriable() bool {
	switch e.Kind {
	case GatewayNetwork, GatewayTimeout, GatewayRateLimited, GatewayServer:
		return true
	default:
		return false
	}
}

var (
	// ErrBadSchema marks responses that decoded but failed validation.
	// Always wrapped in a GatewayError of kind GatewayClient.
	ErrBadSchema = errors.New("response schema violation")

	// ErrInsufficientBalance is returned by paper submits the ledger cannot afford.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientPosition is returned when selling more than the held size.
	ErrInsufficientPosition = errors.New("insufficient position")

	// ErrInvalidPrice is returned for prices outside (0, 1).
	ErrInvalidPrice = errors.New("price must be between 0 and 1 exclusive")

	// ErrInvalidSize is returned for non-positive order sizes.
	ErrInvalidSize = errors.New("size must be positive")

	// ErrUnknownOrder is returned when an order id cannot be resolved.
	ErrUnknownOrder = errors.New("unknown order")

	// ErrUnknownMarket is returned for tokens outside the watched set.
	ErrUnknownMarket = errors.New("token not in watched markets")

	// ErrStreamExhausted is raised when a stream channel gives up
	// reconnecting past the configured threshold.
	ErrStreamExhausted = errors.New("stream reconnect attempts exhausted")
)
