// Package chaterr defines the error kinds reported back to a connection or an
// HTTP caller. Every kind is recoverable: it is reported to the originator and
// never affects other connections.
package chaterr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation       Kind = "ValidationError"
	KindStoreUnavailable Kind = "StoreUnavailable"
	KindNotFound         Kind = "NotFound"
	KindNotJoined        Kind = "NotJoined"
	KindInvalidIdentity  Kind = "InvalidIdentity"
	KindUnauthorized     Kind = "Unauthorized"
	KindAuth             Kind = "AuthError"
	KindRateLimited      Kind = "RateLimited"
	KindInternal         Kind = "Internal"
)

// Error carries a Kind and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrValidation       = &Error{Kind: KindValidation}
	ErrStoreUnavailable = &Error{Kind: KindStoreUnavailable}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrNotJoined        = &Error{Kind: KindNotJoined}
	ErrInvalidIdentity  = &Error{Kind: KindInvalidIdentity}
	ErrUnauthorized     = &Error{Kind: KindUnauthorized}
	ErrAuth             = &Error{Kind: KindAuth}
	ErrRateLimited      = &Error{Kind: KindRateLimited}
)

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Validation is shorthand for the most common kind.
func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, format, args...)
}

// Unavailable wraps a backend failure as a retryable StoreUnavailable.
func Unavailable(err error, op string) *Error {
	return Wrap(KindStoreUnavailable, err, "%s", op)
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether the same request may succeed if sent again.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindStoreUnavailable, KindRateLimited:
		return true
	}
	return false
}
