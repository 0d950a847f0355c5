package models

import "errors"

var (
	// ErrStoreUnavailable means a primary fetch or write failed outright.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrInvalidSelection means the selected rider has no resolvable position.
	ErrInvalidSelection = errors.New("invalid rider selection")
	// ErrChannelUnavailable is logged, never returned to negotiation callers.
	ErrChannelUnavailable = errors.New("notification channel unavailable")
	// ErrEnrichmentDegraded is logged, never returned to locate callers.
	ErrEnrichmentDegraded = errors.New("enrichment degraded")

	ErrNotFound          = errors.New("not found")
	ErrRiderBusy         = errors.New("rider already has a pending dispatch")
	ErrConflict          = errors.New("dispatch is no longer pending")
	ErrInvalidTransition = errors.New("invalid state transition")
)
