package domain

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindState
	KindNotFound
	KindProvider
	KindConcurrency
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindState:
		return "state"
	case KindNotFound:
		return "not_found"
	case KindProvider:
		return "provider"
	case KindConcurrency:
		return "concurrency"
	case KindForbidden:
		return "forbidden"
	}
	return "unknown"
}

// Error is the classified error returned by the core. Sentinels below are
// *Error values, so wrapping them with fmt.Errorf("%w: ...") keeps both
// errors.Is and KindOf working.
type Error struct {
	Kind    Kind
	Msg     string
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

var (
	ErrNotFound          = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrForbidden         = &Error{Kind: KindForbidden, Msg: "not allowed"}
	ErrInvalidTransition = &Error{Kind: KindState, Msg: "invalid status transition"}
	ErrOutOfStock        = &Error{Kind: KindState, Msg: "product is out of stock"}
	ErrInsufficientStock = &Error{Kind: KindState, Msg: "insufficient stock"}
	ErrOrderNotEditable  = &Error{Kind: KindState, Msg: "order can only be modified while pending"}
	ErrNotCancelable     = &Error{Kind: KindState, Msg: "order cannot be canceled"}
	ErrProductInUse      = &Error{Kind: KindState, Msg: "product is referenced by orders"}
	ErrPaymentState      = &Error{Kind: KindState, Msg: "invalid payment state"}
	ErrCategoryCycle     = &Error{Kind: KindValidation, Msg: "category cannot be moved under itself or its descendants"}
	ErrConflict          = &Error{Kind: KindConcurrency, Msg: "concurrent update conflict"}
)

func NewValidationError(msg string, details map[string]string) error {
	return &Error{Kind: KindValidation, Msg: msg, Details: details}
}

func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// ProviderError wraps a payment gateway failure with the provider's message.
func ProviderError(provider Provider, err error) error {
	return &Error{Kind: KindProvider, Msg: string(provider) + " provider error", Err: err}
}

func ConcurrencyError(err error) error {
	return &Error{Kind: KindConcurrency, Msg: ErrConflict.Msg, Err: err}
}

// KindOf returns the kind of the first *Error found in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsKind(err error, k Kind) bool { return err != nil && KindOf(err) == k }

// DetailsOf returns the field details carried by a validation error, if any.
func DetailsOf(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}
