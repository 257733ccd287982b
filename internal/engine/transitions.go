package engine

import (
	"phaseline/internal/domain"
)

// transitions is the explicit status transition table. The original
// workflow only guarded entry into in_progress and completed through
// preconditions and left every other move open; the table keeps that
// permissiveness but makes it a visible, auditable choice. Tightening a
// row here is the single place to do it.
var transitions = map[string]map[string]bool{
	domain.StatusNotStarted: {
		domain.StatusInProgress: true,
		domain.StatusCompleted:  true,
		domain.StatusOnHold:     true,
		domain.StatusCancelled:  true,
	},
	domain.StatusInProgress: {
		domain.StatusNotStarted: true,
		domain.StatusCompleted:  true,
		domain.StatusOnHold:     true,
		domain.StatusCancelled:  true,
	},
	domain.StatusCompleted: {
		// Not terminal: reverting clears completion stamps.
		domain.StatusNotStarted: true,
		domain.StatusInProgress: true,
		domain.StatusOnHold:     true,
		domain.StatusCancelled:  true,
	},
	domain.StatusOnHold: {
		domain.StatusNotStarted: true,
		domain.StatusInProgress: true,
		domain.StatusCompleted:  true,
		domain.StatusCancelled:  true,
	},
	domain.StatusCancelled: {
		domain.StatusNotStarted: true,
		domain.StatusInProgress: true,
		domain.StatusCompleted:  true,
		domain.StatusOnHold:     true,
	},
}

func ensureTransition(oldStatus, newStatus string) error {
	if oldStatus == newStatus {
		return nil
	}
	allowed, known := transitions[oldStatus]
	if !known {
		return validationf("unknown status %s", oldStatus)
	}
	if !allowed[newStatus] {
		return validationf("invalid status transition %s -> %s", oldStatus, newStatus)
	}
	return nil
}
