// Package apperr classifies mines engine failures into caller-actionable kinds.
package apperr

import (
	"errors"
)

// Kind groups error codes by how a caller should react to them.
type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
	KindPermission Kind = "permission"
	KindIntegrity  Kind = "integrity"
	KindTransient  Kind = "transient"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeInsufficientBalance      Code = "INSUFFICIENT_BALANCE"
	CodeActiveGameExists         Code = "ACTIVE_GAME_EXISTS"
	CodeInvalidParameters        Code = "INVALID_PARAMETERS"
	CodeNotFound                 Code = "NOT_FOUND"
	CodeNotOwner                 Code = "NOT_OWNER"
	CodeAlreadyEnded             Code = "ALREADY_ENDED"
	CodeInvalidTile              Code = "INVALID_TILE"
	CodeAlreadyRevealed          Code = "ALREADY_REVEALED"
	CodeConcurrentModification   Code = "CONCURRENT_MODIFICATION"
	CodeNothingRevealed          Code = "NOTHING_REVEALED"
	CodeRotationInProgress       Code = "ROTATION_IN_PROGRESS"
	CodeActiveGameBlocksRotation Code = "ACTIVE_GAME_BLOCKS_ROTATION"
	CodeIntegrity                Code = "INTEGRITY"
	CodeUnavailable              Code = "UNAVAILABLE"
)

var (
	ErrInsufficientBalance      = New(KindValidation, CodeInsufficientBalance, "insufficient balance")
	ErrActiveGameExists         = New(KindConflict, CodeActiveGameExists, "an active game already exists")
	ErrInvalidParameters        = New(KindValidation, CodeInvalidParameters, "invalid parameters")
	ErrNotFound                 = New(KindNotFound, CodeNotFound, "not found")
	ErrNotOwner                 = New(KindPermission, CodeNotOwner, "game belongs to another user")
	ErrAlreadyEnded             = New(KindConflict, CodeAlreadyEnded, "game already ended")
	ErrInvalidTile              = New(KindValidation, CodeInvalidTile, "tile index out of range")
	ErrAlreadyRevealed          = New(KindConflict, CodeAlreadyRevealed, "tile already revealed")
	ErrConcurrentModification   = New(KindConflict, CodeConcurrentModification, "game is being modified, retry")
	ErrNothingRevealed          = New(KindValidation, CodeNothingRevealed, "reveal at least one tile before cashing out")
	ErrRotationInProgress       = New(KindConflict, CodeRotationInProgress, "seed rotation in progress")
	ErrActiveGameBlocksRotation = New(KindConflict, CodeActiveGameBlocksRotation, "finish the active game before rotating seeds")
	ErrIntegrity                = New(KindIntegrity, CodeIntegrity, "integrity violation")
	ErrUnavailable              = New(KindTransient, CodeUnavailable, "service temporarily unavailable")
)

// Error is a classified error with an optional cause.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates an error with a kind, code and message.
func New(kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap creates an error that wraps an underlying cause.
func Wrap(kind Kind, code Code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// Validation returns an invalid-parameters error with a specific message.
func Validation(message string) *Error {
	return New(KindValidation, CodeInvalidParameters, message)
}

// Integrity returns an integrity error. Callers must log it with full context.
func Integrity(message string, cause error) *Error {
	return Wrap(KindIntegrity, CodeIntegrity, message, cause)
}

// Transient returns an unavailable error wrapping an infrastructure failure.
func Transient(message string, cause error) *Error {
	return Wrap(KindTransient, CodeUnavailable, message, cause)
}

// KindOf classifies err. Unclassified errors are treated as integrity failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindIntegrity
}

// CodeOf returns the code of err, or CodeIntegrity when unclassified.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeIntegrity
}

// Public returns the message safe to show a caller.
func Public(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	switch e.Kind {
	case KindIntegrity:
		return "internal error"
	case KindTransient:
		return ErrUnavailable.Message
	default:
		return e.Message
	}
}
