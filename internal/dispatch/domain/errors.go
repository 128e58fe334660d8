package domain

import "errors"

var (
	// ErrStaleUpdate marks a position report older than the stored one. It is
	// informational: callers log and drop the update.
	ErrStaleUpdate       = errors.New("stale update")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrVersionConflict   = errors.New("version conflict")
	ErrNoCandidate       = errors.New("no candidate agent")
	ErrExhausted         = errors.New("order deadline exhausted")
	ErrUnfulfillable     = errors.New("order unfulfillable")
	ErrNotFound          = errors.New("not found")
	ErrAgentMismatch     = errors.New("agent not assigned to order")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidArgument   = errors.New("invalid argument")
)
