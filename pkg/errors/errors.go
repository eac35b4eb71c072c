package apperrors

import (
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
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)

// Kind is one of the seven semantic error kinds the system recognizes.
// Low-level I/O errors (above) are translated into a Kind at the service
// boundary; nothing above this layer should inspect a raw sentinel error.
type Kind int

const (
	// KindTransientExchange: network, 5xx, 429 — retried with backoff by the
	// REST client; surfaced only once the retry budget is exhausted.
	KindTransientExchange Kind = iota
	// KindInvalidOrderInput: precision, TP/SL relation, min-notional,
	// leverage range — returned to the caller, never retried.
	KindInvalidOrderInput
	// KindStateDrift: local state disagrees with the exchange. Not an
	// exception path — the Sync Manager reconciles it and logs at WARN.
	KindStateDrift
	// KindPersistence: disk full, rename failed. Logged at ERROR; in-memory
	// state is preserved and the next successful write resolves it.
	KindPersistence
	// KindConfig: missing credentials at live-mode startup. Fatal at init.
	KindConfig
	// KindCriticalRisk: SL-attach failed. Logged at CRITICAL severity;
	// current policy is alert-and-continue (see DESIGN.md).
	KindCriticalRisk
	// KindShutdownAbort: WriteQueue drain timed out. Logged at WARN,
	// non-zero exit code.
	KindShutdownAbort
)

func (k Kind) String() string {
	switch k {
	case KindTransientExchange:
		return "TransientExchangeError"
	case KindInvalidOrderInput:
		return "InvalidOrderInput"
	case KindStateDrift:
		return "StateDriftError"
	case KindPersistence:
		return "PersistenceError"
	case KindConfig:
		return "ConfigError"
	case KindCriticalRisk:
		return "CriticalRiskError"
	case KindShutdownAbort:
		return "ShutdownAbort"
	default:
		return "UnknownError"
	}
}

// TypedError carries a Kind plus context (symbol, order id, ...) alongside
// the underlying cause, so callers can branch on Kind without string
// matching and logs still carry the original error text.
type TypedError struct {
	Kind    Kind
	Context map[string]interface{}
	Cause   error
}

func (e *TypedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return e.Kind.String()
}

func (e *TypedError) Unwrap() error { return e.Cause }

// New builds a TypedError of the given kind wrapping cause, with optional
// context fields (symbol, orderID, ...) passed as alternating key/value pairs.
func New(kind Kind, cause error, kv ...interface{}) *TypedError {
	ctx := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			ctx[k] = kv[i+1]
		}
	}
	return &TypedError{Kind: kind, Context: ctx, Cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *TypedError, returning ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var te *TypedError
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}

// IsTransient classifies whether err should be retried by the REST client's
// backoff policy. 429 responses are handled separately (see
// internal/exchangeclient/retry.go) and are never counted against this budget.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if kind, ok := KindOf(err); ok {
		return kind == KindTransientExchange
	}
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrSystemOverload) || errors.Is(err, ErrExchangeMaintenance)
}
