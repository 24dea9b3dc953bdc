package model

import "errors"

// Domain error kinds. Every component wraps one of these with %w so callers
// can classify failures with errors.Is regardless of the layer that raised them.
var (
	ErrNotFound      = errors.New("not found")
	ErrValidation    = errors.New("validation failed")
	ErrAuthorization = errors.New("not authorized")
	ErrConflict      = errors.New("conflict")
	ErrExpired       = errors.New("expired")
)

// ErrSlotUnavailable is returned when a credential has no free concurrency
// slot. It is a conflict that callers should present as "try again later".
var ErrSlotUnavailable error = &slotError{msg: "conflict: concurrent rental limit reached"}

// slotError and quotaError carry a field so their sentinels are distinct
// pointers; pointers to zero-size values may compare equal.
type slotError struct{ msg string }

func (e *slotError) Error() string { return e.msg }

// Is lets errors.Is(err, ErrConflict) match slot exhaustion.
func (*slotError) Is(target error) bool { return target == ErrConflict }

// ErrQuotaExceeded is returned when a rental's daily or monthly quota is
// already used up. It is a conflict that the HTTP layer reports as 429.
var ErrQuotaExceeded error = &quotaError{msg: "conflict: usage quota exceeded"}

type quotaError struct{ msg string }

func (e *quotaError) Error() string { return e.msg }

// Is lets errors.Is(err, ErrConflict) match quota exhaustion.
func (*quotaError) Is(target error) bool { return target == ErrConflict }
