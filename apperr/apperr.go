// Package apperr defines the error taxonomy shared by the settlement core.
//
// Every component reports failures as an *Error carrying a Kind. Callers use
// errors.Is against the exported sentinels (ErrNotFound, ErrInvalidInput, ...)
// to tell bad input apart from a transient failure of a remote collaborator,
// and Retryable to decide whether a retry is worthwhile.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	Internal Kind = iota
	InvalidInput
	Unauthenticated
	NotFound
	LedgerQueryFailed
	ProviderUnavailable
	RateUnavailable
	Conflict
	Expired
	Cancelled
)

var kindNames = map[Kind]string{
	Internal:            "internal",
	InvalidInput:        "invalid_input",
	Unauthenticated:     "unauthenticated",
	NotFound:            "not_found",
	LedgerQueryFailed:   "ledger_query_failed",
	ProviderUnavailable: "provider_unavailable",
	RateUnavailable:     "rate_unavailable",
	Conflict:            "conflict",
	Expired:             "expired",
	Cancelled:           "cancelled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrInvalidInput        = &Error{Kind: InvalidInput}
	ErrUnauthenticated     = &Error{Kind: Unauthenticated}
	ErrNotFound            = &Error{Kind: NotFound}
	ErrLedgerQueryFailed   = &Error{Kind: LedgerQueryFailed}
	ErrProviderUnavailable = &Error{Kind: ProviderUnavailable}
	ErrRateUnavailable     = &Error{Kind: RateUnavailable}
	ErrConflict            = &Error{Kind: Conflict}
	ErrExpired             = &Error{Kind: Expired}
	ErrCancelled           = &Error{Kind: Cancelled}
)

// Error is a classified failure. Op names the operation that failed
// ("ledger.AccountLines", "donation.CreateRequest").
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a sentinel of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// New returns an *Error with a formatted message.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or
// Internal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Retryable reports whether err came from a transient failure of a remote
// collaborator. Input, authentication and terminal-state errors are not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case LedgerQueryFailed, ProviderUnavailable, RateUnavailable:
		return true
	}
	return false
}
