package engine

import (
	"fmt"
	"strings"
)

// ValidationError rejects a request before any write happens.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// PermissionError rejects an action the actor's role level does not
// reach.
type PermissionError struct {
	Msg string
}

func (e PermissionError) Error() string { return e.Msg }

// BlockedError rejects a start transition gated by unmet hard
// dependencies, carrying the blocking phase names for the response.
type BlockedError struct {
	PhaseID        string
	BlockingPhases []string
}

func (e BlockedError) Error() string {
	return fmt.Sprintf("phase blocked by incomplete dependencies: %s", strings.Join(e.BlockingPhases, ", "))
}
