package billing

import (
	"errors"
	"fmt"
)

// Kind classifies errors so callers can react without string matching
type Kind string

const (
	KindValidation            Kind = "validation"
	KindNotFound              Kind = "not_found"
	KindConflict              Kind = "conflict"
	KindPaymentDeclined       Kind = "payment_declined"
	KindPaymentActionRequired Kind = "payment_action_required"
	KindIntegrity             Kind = "integrity"
	KindInfrastructure        Kind = "infrastructure"
)

var (
	// ErrNotFound is returned by stores when a row does not exist
	ErrNotFound = errors.New("not found")
	// ErrIDSpaceExhausted is returned when generated identifiers keep colliding
	ErrIDSpaceExhausted = errors.New("ID space exhausted")
)

// Error is a classified billing error
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	ActionURL string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation returns a client error that leaves no state behind
func Validation(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

// Validationf is Validation with formatting
func Validationf(code, format string, args ...any) *Error {
	return Validation(code, fmt.Sprintf(format, args...))
}

// NotFound returns a classified not-found error
func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Code: "not_found", Message: what + " not found", Err: ErrNotFound}
}

// Conflict returns an error for a request that clashes with current state
func Conflict(code, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message}
}

// Declined returns a payment-declined business outcome
func Declined(reason string) *Error {
	return &Error{Kind: KindPaymentDeclined, Code: "payment_declined", Message: reason}
}

// ActionRequired returns an error asking the customer to complete a payment step
func ActionRequired(actionURL string) *Error {
	return &Error{
		Kind:      KindPaymentActionRequired,
		Code:      "payment_action_required",
		Message:   "payment requires customer action",
		ActionURL: actionURL,
	}
}

// Integrity returns an error for data that contradicts the ledger
func Integrity(code, message string) *Error {
	return &Error{Kind: KindIntegrity, Code: code, Message: message}
}

// KindOf returns the Kind of err, KindInfrastructure for unclassified errors
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindInfrastructure
}

// CodeOf returns the Code of a classified error, empty otherwise
func CodeOf(err error) string {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// IsKind reports whether err is classified as kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Common validation codes
const (
	CodeUnknownTier          = "unknown_tier"
	CodeUnknownService       = "unknown_service"
	CodeAlreadySubscribed    = "already_subscribed"
	CodeNotSubscribed        = "not_subscribed"
	CodePaymentPending       = "payment_pending"
	CodeReconcileRequired    = "reconcile_required"
	CodeSameTier             = "same_tier"
	CodeServiceCancelled     = "service_cancelled"
	CodeServiceSuspended     = "service_suspended"
	CodeNoCancellation       = "cancellation_not_scheduled"
	CodeCancellationInEffect = "cancellation_in_effect"
	CodeNoScheduledChange    = "tier_change_not_scheduled"
	CodeSpendingLimit        = "spending_limit_too_low"
	CodeInvalidAmount        = "invalid_amount"
	CodeInvalidConfig        = "invalid_service_config"
	CodeProvisionDenied      = "provision_denied"
)
