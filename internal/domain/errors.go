package domain

import "errors"

var (
	// ErrNotFound is a normal negative result from a rule lookup.
	ErrNotFound = errors.New("rule not found")

	// ErrTimeout means a pending decision did not resolve in time. Callers
	// respond with the fail-safe verdict for the current mode.
	ErrTimeout = errors.New("pending decision timed out")

	// ErrInvalidSignature is a hard deny. It is never soft-failed.
	ErrInvalidSignature = errors.New("invalid code signature")

	// ErrCacheInconsistency covers a pending entry that resolved without a
	// verdict and verdicts with an impossible event state.
	ErrCacheInconsistency = errors.New("decision cache inconsistency")

	ErrInvalidRule = errors.New("invalid rule")
)
