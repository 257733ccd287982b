package engine

import (
	"context"

	"phaseline/internal/domain"
	"phaseline/internal/repo"
)

// ListPhaseLogs returns the audit trail for one phase, newest first.
func (e Engine) ListPhaseLogs(ctx context.Context, tenantID, projectID, phaseID string, limit int, cursor int64) ([]domain.StatusLog, error) {
	if _, err := e.Repo.GetProject(ctx, tenantID, projectID); err != nil {
		return nil, err
	}
	if _, err := e.Repo.GetPhase(ctx, nil, projectID, phaseID); err != nil {
		return nil, err
	}
	return e.Repo.ListStatusLogs(ctx, repo.StatusLogFilters{PhaseID: phaseID, Limit: limit, CursorID: cursor})
}

// ListSubPhaseLogs returns the audit trail for one sub-phase, newest
// first.
func (e Engine) ListSubPhaseLogs(ctx context.Context, tenantID, projectID, phaseID, subPhaseID string, limit int, cursor int64) ([]domain.StatusLog, error) {
	if _, err := e.Repo.GetProject(ctx, tenantID, projectID); err != nil {
		return nil, err
	}
	if _, err := e.Repo.GetSubPhase(ctx, nil, phaseID, subPhaseID); err != nil {
		return nil, err
	}
	return e.Repo.ListStatusLogs(ctx, repo.StatusLogFilters{SubPhaseID: subPhaseID, Limit: limit, CursorID: cursor})
}
