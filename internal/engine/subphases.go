package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"phaseline/internal/domain"
	"phaseline/internal/repo"
)

// SubPhaseDetail joins the sub-phase row with its assignee identity.
type SubPhaseDetail struct {
	domain.SubPhase
	Assignee *domain.AssigneeIdentity `json:"assignee,omitempty"`
}

func (e Engine) ListSubPhases(ctx context.Context, tenantID, projectID, phaseID string) ([]SubPhaseDetail, error) {
	if _, err := e.Repo.GetProject(ctx, tenantID, projectID); err != nil {
		return nil, err
	}
	if _, err := e.Repo.GetPhase(ctx, nil, projectID, phaseID); err != nil {
		return nil, err
	}
	subs, err := e.Repo.ListSubPhases(ctx, nil, phaseID)
	if err != nil {
		return nil, err
	}
	res := make([]SubPhaseDetail, 0, len(subs))
	for _, sp := range subs {
		detail := SubPhaseDetail{SubPhase: sp}
		detail.Assignee, err = e.Repo.GetAssigneeIdentity(ctx, sp.AssignedTo)
		if err != nil {
			return nil, err
		}
		res = append(res, detail)
	}
	return res, nil
}

type SubPhaseCreateOptions struct {
	TenantID         string
	ProjectID        string
	PhaseID          string
	Name             string
	AssignedTo       *string
	PlannedStartDate *string
	PlannedEndDate   *string
	Notes            string
}

func (e Engine) CreateSubPhase(ctx context.Context, opts SubPhaseCreateOptions) (SubPhaseDetail, error) {
	if _, err := e.Repo.GetProject(ctx, opts.TenantID, opts.ProjectID); err != nil {
		return SubPhaseDetail{}, err
	}
	if opts.Name == "" {
		return SubPhaseDetail{}, validationf("sub-phase name is required")
	}
	if err := e.ensureAssignee(ctx, opts.TenantID, opts.AssignedTo); err != nil {
		return SubPhaseDetail{}, err
	}
	ts := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SubPhaseDetail{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetPhase(ctx, tx, opts.ProjectID, opts.PhaseID); err != nil {
		return SubPhaseDetail{}, err
	}
	order, err := e.Repo.NextSubPhaseDisplayOrder(ctx, tx, opts.PhaseID)
	if err != nil {
		return SubPhaseDetail{}, err
	}
	sub := domain.SubPhase{
		ID:               uuid.NewString(),
		PhaseID:          opts.PhaseID,
		Name:             opts.Name,
		Status:           domain.StatusNotStarted,
		AssignedTo:       opts.AssignedTo,
		PlannedStartDate: opts.PlannedStartDate,
		PlannedEndDate:   opts.PlannedEndDate,
		Notes:            opts.Notes,
		DisplayOrder:     order,
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}
	if err := e.Repo.InsertSubPhase(ctx, tx, sub); err != nil {
		return SubPhaseDetail{}, err
	}
	if err := tx.Commit(); err != nil {
		return SubPhaseDetail{}, err
	}
	return e.subPhaseDetail(ctx, opts.PhaseID, sub.ID)
}

type SubPhaseUpdateOptions struct {
	TenantID   string
	ProjectID  string
	PhaseID    string
	SubPhaseID string
	ActorID    string

	Status             *string
	ProgressPercentage *int
	AssignedTo         *string
	PlannedStartDate   *string
	PlannedEndDate     *string
	ActualStartDate    *string
	ActualEndDate      *string
	Notes              *string
	StatusChangeNotes  string
}

// UpdateSubPhase applies a sparse patch under the same transition
// rules as phases, minus the dependency gate. Completion stamps who
// finished the work and when; reverting out of completed clears the
// stamps again.
func (e Engine) UpdateSubPhase(ctx context.Context, opts SubPhaseUpdateOptions) (SubPhaseDetail, error) {
	if _, err := e.Repo.GetProject(ctx, opts.TenantID, opts.ProjectID); err != nil {
		return SubPhaseDetail{}, err
	}
	if err := e.ensureAssignee(ctx, opts.TenantID, opts.AssignedTo); err != nil {
		return SubPhaseDetail{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SubPhaseDetail{}, err
	}
	defer tx.Rollback()
	phase, err := e.Repo.GetPhase(ctx, tx, opts.ProjectID, opts.PhaseID)
	if err != nil {
		return SubPhaseDetail{}, err
	}
	sp, err := e.Repo.GetSubPhase(ctx, tx, opts.PhaseID, opts.SubPhaseID)
	if err != nil {
		return SubPhaseDetail{}, err
	}

	statusChanging := opts.Status != nil && *opts.Status != sp.Status
	if opts.Status != nil {
		next := *opts.Status
		if next == domain.StatusInProgress {
			assignee := sp.AssignedTo
			if opts.AssignedTo != nil {
				assignee = opts.AssignedTo
			}
			if assignee == nil || *assignee == "" {
				return SubPhaseDetail{}, validationf("sub-phase cannot start without an assignee")
			}
		}
		if statusChanging && strings.TrimSpace(opts.StatusChangeNotes) == "" {
			return SubPhaseDetail{}, validationf("status change notes are required")
		}
		if err := ensureTransition(sp.Status, next); err != nil {
			return SubPhaseDetail{}, err
		}
		if statusChanging && next == domain.StatusCompleted {
			if err := e.ensureCompletionRole(ctx, tx, opts.TenantID, opts.ActorID, sp); err != nil {
				return SubPhaseDetail{}, err
			}
		}
	}

	ts := e.timestamp()
	b := &repo.UpdateBuilder{}
	if opts.ProgressPercentage != nil {
		if *opts.ProgressPercentage < 0 || *opts.ProgressPercentage > 100 {
			return SubPhaseDetail{}, validationf("progress_percentage must be between 0 and 100")
		}
		b.Set("progress_percentage", *opts.ProgressPercentage)
	}
	if opts.AssignedTo != nil {
		b.Set("assigned_to", clearable(*opts.AssignedTo))
	}
	if opts.PlannedStartDate != nil {
		b.Set("planned_start_date", clearable(*opts.PlannedStartDate))
	}
	if opts.PlannedEndDate != nil {
		b.Set("planned_end_date", clearable(*opts.PlannedEndDate))
	}
	if opts.ActualStartDate != nil {
		b.Set("actual_start_date", clearable(*opts.ActualStartDate))
	}
	if opts.ActualEndDate != nil {
		b.Set("actual_end_date", clearable(*opts.ActualEndDate))
	}
	if opts.Notes != nil {
		b.Set("notes", clearable(*opts.Notes))
	}
	if statusChanging {
		next := *opts.Status
		b.Set("status", next)
		switch next {
		case domain.StatusInProgress:
			if opts.ActualStartDate == nil && sp.ActualStartDate == nil {
				b.Set("actual_start_date", e.today())
			}
			if sp.StartedBy == nil {
				b.Set("started_by", opts.ActorID)
			}
		case domain.StatusCompleted:
			if opts.ActualEndDate == nil && sp.ActualEndDate == nil {
				b.Set("actual_end_date", e.today())
			}
			if opts.ProgressPercentage == nil {
				b.Set("progress_percentage", 100)
			}
			b.Set("completed_at", ts)
			b.Set("completed_by", opts.ActorID)
		}
		if sp.Status == domain.StatusCompleted {
			b.Set("completed_at", nil)
			b.Set("completed_by", nil)
		}
		if sp.Status == domain.StatusCancelled && sp.SkippedAt != nil {
			b.Set("skipped_at", nil)
			b.Set("skipped_by", nil)
		}
	}
	b.Set("updated_at", ts)
	if err := e.Repo.UpdateSubPhase(ctx, tx, sp.ID, b); err != nil {
		return SubPhaseDetail{}, err
	}
	if statusChanging {
		if err := e.audit().SubPhaseChange(ctx, tx, sp.ID, sp.Status, *opts.Status, opts.StatusChangeNotes, opts.ActorID); err != nil {
			return SubPhaseDetail{}, err
		}
		if err := e.recomputePhaseProgress(ctx, tx, phase, ts); err != nil {
			return SubPhaseDetail{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return SubPhaseDetail{}, err
	}
	return e.subPhaseDetail(ctx, opts.PhaseID, opts.SubPhaseID)
}

// CompleteSubPhase is the checklist shortcut for marking a sub-phase
// done. The full transition rules still apply.
func (e Engine) CompleteSubPhase(ctx context.Context, opts SubPhaseUpdateOptions) (SubPhaseDetail, error) {
	status := domain.StatusCompleted
	opts.Status = &status
	return e.UpdateSubPhase(ctx, opts)
}

type SubPhaseSkipOptions struct {
	TenantID   string
	ProjectID  string
	PhaseID    string
	SubPhaseID string
	ActorID    string
	Notes      string
}

// SkipSubPhase cancels a sub-phase whose template allows skipping.
// Untemplated sub-phases cannot be skipped, only cancelled through a
// regular status update.
func (e Engine) SkipSubPhase(ctx context.Context, opts SubPhaseSkipOptions) (SubPhaseDetail, error) {
	if _, err := e.Repo.GetProject(ctx, opts.TenantID, opts.ProjectID); err != nil {
		return SubPhaseDetail{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SubPhaseDetail{}, err
	}
	defer tx.Rollback()
	phase, err := e.Repo.GetPhase(ctx, tx, opts.ProjectID, opts.PhaseID)
	if err != nil {
		return SubPhaseDetail{}, err
	}
	sp, err := e.Repo.GetSubPhase(ctx, tx, opts.PhaseID, opts.SubPhaseID)
	if err != nil {
		return SubPhaseDetail{}, err
	}
	if sp.Status == domain.StatusCancelled {
		return SubPhaseDetail{}, validationf("sub-phase %s is already skipped", sp.Name)
	}
	if sp.SubPhaseTemplateID == nil {
		return SubPhaseDetail{}, validationf("sub-phase %s cannot be skipped", sp.Name)
	}
	t, err := e.Repo.GetSubPhaseTemplate(ctx, tx, *sp.SubPhaseTemplateID)
	if err != nil {
		return SubPhaseDetail{}, err
	}
	if !t.CanSkip {
		return SubPhaseDetail{}, validationf("sub-phase %s cannot be skipped", sp.Name)
	}
	notes := opts.Notes
	if notes == "" {
		notes = "skipped"
	}
	ts := e.timestamp()
	b := &repo.UpdateBuilder{}
	b.Set("status", domain.StatusCancelled)
	b.Set("skipped_at", ts)
	b.Set("skipped_by", opts.ActorID)
	b.Set("updated_at", ts)
	if err := e.Repo.UpdateSubPhase(ctx, tx, sp.ID, b); err != nil {
		return SubPhaseDetail{}, err
	}
	if err := e.audit().SubPhaseChange(ctx, tx, sp.ID, sp.Status, domain.StatusCancelled, notes, opts.ActorID); err != nil {
		return SubPhaseDetail{}, err
	}
	if err := e.recomputePhaseProgress(ctx, tx, phase, ts); err != nil {
		return SubPhaseDetail{}, err
	}
	if err := tx.Commit(); err != nil {
		return SubPhaseDetail{}, err
	}
	return e.subPhaseDetail(ctx, opts.PhaseID, opts.SubPhaseID)
}

func (e Engine) DeleteSubPhase(ctx context.Context, tenantID, projectID, phaseID, subPhaseID string) error {
	if _, err := e.Repo.GetProject(ctx, tenantID, projectID); err != nil {
		return err
	}
	if _, err := e.Repo.GetSubPhase(ctx, nil, phaseID, subPhaseID); err != nil {
		return err
	}
	return e.Repo.DeleteSubPhase(ctx, nil, subPhaseID)
}

func (e Engine) subPhaseDetail(ctx context.Context, phaseID, subPhaseID string) (SubPhaseDetail, error) {
	sp, err := e.Repo.GetSubPhase(ctx, nil, phaseID, subPhaseID)
	if err != nil {
		return SubPhaseDetail{}, err
	}
	detail := SubPhaseDetail{SubPhase: sp}
	detail.Assignee, err = e.Repo.GetAssigneeIdentity(ctx, sp.AssignedTo)
	return detail, err
}

// ensureCompletionRole gates completion of a templated sub-phase on
// the actor holding a role at or above the template's required role.
func (e Engine) ensureCompletionRole(ctx context.Context, tx *sql.Tx, tenantID, actorID string, sp domain.SubPhase) error {
	if sp.SubPhaseTemplateID == nil {
		return nil
	}
	t, err := e.Repo.GetSubPhaseTemplate(ctx, tx, *sp.SubPhaseTemplateID)
	if err == repo.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if t.RequiredRole == "" {
		return nil
	}
	required, err := e.Repo.RoleLevel(ctx, tx, t.RequiredRole)
	if err == repo.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	m, err := e.Repo.GetMembership(ctx, tx, tenantID, actorID)
	if err == repo.ErrNotFound {
		return PermissionError{Msg: "role " + t.RequiredRole + " or above required to complete " + sp.Name}
	}
	if err != nil {
		return err
	}
	level, err := e.Repo.RoleLevel(ctx, tx, m.RoleID)
	if err != nil {
		return err
	}
	if level < required {
		return PermissionError{Msg: "role " + t.RequiredRole + " or above required to complete " + sp.Name}
	}
	return nil
}

// recomputePhaseProgress derives a computed-mode parent phase's
// progress from its sub-phases. Cancelled sub-phases drop out of the
// denominator.
func (e Engine) recomputePhaseProgress(ctx context.Context, tx *sql.Tx, phase domain.Phase, ts string) error {
	if phase.ProgressMode != "computed" {
		return nil
	}
	subs, err := e.Repo.ListSubPhases(ctx, tx, phase.ID)
	if err != nil {
		return err
	}
	var done, total int
	for _, sp := range subs {
		if sp.Status == domain.StatusCancelled {
			continue
		}
		total++
		if sp.Status == domain.StatusCompleted {
			done++
		}
	}
	pct := 0
	if total > 0 {
		pct = 100 * done / total
	}
	b := &repo.UpdateBuilder{}
	b.Set("progress_percentage", pct)
	b.Set("updated_at", ts)
	return e.Repo.UpdatePhase(ctx, tx, phase.ID, b)
}
