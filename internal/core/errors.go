package core

import (
	"errors"
	"fmt"
)

// Error kinds. Callers branch on these with errors.Is; the HTTP layer maps
// them onto status codes (not found -> 404, validation -> 400, conflict -> 409,
// unavailable -> 503).
var (
	ErrNotFound    = errors.New("not found")
	ErrValidation  = errors.New("validation failed")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("unavailable")
)

// DomainError wraps an error kind with a human-readable message.
type DomainError struct {
	Kind error
	Msg  string
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *DomainError) Unwrap() error { return e.Kind }

// NotFoundf builds an ErrNotFound-kinded error.
func NotFoundf(format string, args ...any) error {
	return &DomainError{Kind: ErrNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Invalidf builds an ErrValidation-kinded error.
func Invalidf(format string, args ...any) error {
	return &DomainError{Kind: ErrValidation, Msg: fmt.Sprintf(format, args...)}
}

// Conflictf builds an ErrConflict-kinded error.
func Conflictf(format string, args ...any) error {
	return &DomainError{Kind: ErrConflict, Msg: fmt.Sprintf(format, args...)}
}

// Unavailablef builds an ErrUnavailable-kinded error.
func Unavailablef(format string, args ...any) error {
	return &DomainError{Kind: ErrUnavailable, Msg: fmt.Sprintf(format, args...)}
}
