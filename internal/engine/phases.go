package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"phaseline/internal/domain"
	"phaseline/internal/repo"
)

// PhaseDetail is the full phase representation returned by reads and
// mutations: resolved dependencies, blocking state, assignee identity
// and nested sub-phases.
type PhaseDetail struct {
	PhaseWithDeps
	Assignee  *domain.AssigneeIdentity `json:"assignee,omitempty"`
	SubPhases []domain.SubPhase        `json:"sub_phases,omitempty"`
}

func (e Engine) ListPhases(ctx context.Context, tenantID, projectID string) ([]PhaseDetail, error) {
	if _, err := e.Repo.GetProject(ctx, tenantID, projectID); err != nil {
		return nil, err
	}
	phases, err := e.Repo.ListPhases(ctx, nil, projectID)
	if err != nil {
		return nil, err
	}
	resolved, err := e.ResolveDependencies(ctx, nil, phases)
	if err != nil {
		return nil, err
	}
	subs, err := e.Repo.ListSubPhasesForProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	res := make([]PhaseDetail, 0, len(resolved))
	for _, pd := range resolved {
		detail := PhaseDetail{PhaseWithDeps: pd, SubPhases: subs[pd.ID]}
		detail.Assignee, err = e.Repo.GetAssigneeIdentity(ctx, pd.AssignedTo)
		if err != nil {
			return nil, err
		}
		res = append(res, detail)
	}
	return res, nil
}

// GetPhase resolves against the project's full phase list, which the
// blocking computation needs anyway.
func (e Engine) GetPhase(ctx context.Context, tenantID, projectID, phaseID string) (PhaseDetail, error) {
	details, err := e.ListPhases(ctx, tenantID, projectID)
	if err != nil {
		return PhaseDetail{}, err
	}
	for _, d := range details {
		if d.ID == phaseID {
			return d, nil
		}
	}
	return PhaseDetail{}, repo.ErrNotFound
}

type PhaseCreateOptions struct {
	TenantID         string
	ProjectID        string
	Name             string
	TemplateCode     string
	AssignedTo       *string
	PlannedStartDate *string
	PlannedEndDate   *string
	Notes            string
}

// CreatePhase appends a custom phase to a project, after the templated
// ones. TemplateCode optionally binds it to a configured template.
func (e Engine) CreatePhase(ctx context.Context, opts PhaseCreateOptions) (PhaseDetail, error) {
	project, err := e.Repo.GetProject(ctx, opts.TenantID, opts.ProjectID)
	if err != nil {
		return PhaseDetail{}, err
	}
	name := opts.Name
	var templateID *string
	if opts.TemplateCode != "" {
		t, err := e.Repo.GetPhaseTemplateByCode(ctx, nil, project.Category, opts.TemplateCode)
		if err == repo.ErrNotFound {
			return PhaseDetail{}, validationf("unknown phase template %s for category %s", opts.TemplateCode, project.Category)
		}
		if err != nil {
			return PhaseDetail{}, err
		}
		templateID = &t.ID
		if name == "" {
			name = t.Name
		}
	}
	if name == "" {
		return PhaseDetail{}, validationf("phase name is required")
	}
	if err := e.ensureAssignee(ctx, opts.TenantID, opts.AssignedTo); err != nil {
		return PhaseDetail{}, err
	}
	ts := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return PhaseDetail{}, err
	}
	defer tx.Rollback()
	order, err := e.Repo.NextDisplayOrder(ctx, tx, opts.ProjectID)
	if err != nil {
		return PhaseDetail{}, err
	}
	phase := domain.Phase{
		ID:               uuid.NewString(),
		ProjectID:        opts.ProjectID,
		PhaseTemplateID:  templateID,
		Name:             name,
		Status:           domain.StatusNotStarted,
		ProgressMode:     "manual",
		AssignedTo:       opts.AssignedTo,
		PlannedStartDate: opts.PlannedStartDate,
		PlannedEndDate:   opts.PlannedEndDate,
		Notes:            opts.Notes,
		DisplayOrder:     order,
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}
	if err := e.Repo.InsertPhase(ctx, tx, phase); err != nil {
		return PhaseDetail{}, err
	}
	if err := tx.Commit(); err != nil {
		return PhaseDetail{}, err
	}
	return e.GetPhase(ctx, opts.TenantID, opts.ProjectID, phase.ID)
}

// PhaseUpdateOptions is a sparse patch: nil pointer fields stay
// untouched, a pointer to "" clears a nullable column.
type PhaseUpdateOptions struct {
	TenantID  string
	ProjectID string
	PhaseID   string
	ActorID   string

	Status             *string
	ProgressPercentage *int
	ProgressMode       *string
	AssignedTo         *string
	PlannedStartDate   *string
	PlannedEndDate     *string
	ActualStartDate    *string
	ActualEndDate      *string
	Notes              *string
	StatusChangeNotes  string
}

// UpdatePhase applies a sparse patch under the transition rules. The
// row update and the audit log append commit in one transaction, so a
// logged change is always a persisted change.
func (e Engine) UpdatePhase(ctx context.Context, opts PhaseUpdateOptions) (PhaseDetail, error) {
	if _, err := e.Repo.GetProject(ctx, opts.TenantID, opts.ProjectID); err != nil {
		return PhaseDetail{}, err
	}
	if err := e.ensureAssignee(ctx, opts.TenantID, opts.AssignedTo); err != nil {
		return PhaseDetail{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return PhaseDetail{}, err
	}
	defer tx.Rollback()
	phase, err := e.Repo.GetPhase(ctx, tx, opts.ProjectID, opts.PhaseID)
	if err != nil {
		return PhaseDetail{}, err
	}

	statusChanging := opts.Status != nil && *opts.Status != phase.Status
	if opts.Status != nil {
		next := *opts.Status
		if next == domain.StatusInProgress {
			assignee := phase.AssignedTo
			if opts.AssignedTo != nil {
				assignee = opts.AssignedTo
			}
			if assignee == nil || *assignee == "" {
				return PhaseDetail{}, validationf("phase cannot start without an assignee")
			}
		}
		if statusChanging && strings.TrimSpace(opts.StatusChangeNotes) == "" {
			return PhaseDetail{}, validationf("status change notes are required")
		}
		if err := ensureTransition(phase.Status, next); err != nil {
			return PhaseDetail{}, err
		}
		if statusChanging && next == domain.StatusInProgress {
			resolved, err := e.resolveOne(ctx, tx, phase)
			if err != nil {
				return PhaseDetail{}, err
			}
			if resolved.IsBlocked {
				return PhaseDetail{}, BlockedError{PhaseID: phase.ID, BlockingPhases: resolved.BlockingDependencies}
			}
		}
	}

	ts := e.timestamp()
	b := &repo.UpdateBuilder{}
	if opts.ProgressPercentage != nil {
		if *opts.ProgressPercentage < 0 || *opts.ProgressPercentage > 100 {
			return PhaseDetail{}, validationf("progress_percentage must be between 0 and 100")
		}
		b.Set("progress_percentage", *opts.ProgressPercentage)
	}
	if opts.ProgressMode != nil {
		if *opts.ProgressMode != "manual" && *opts.ProgressMode != "computed" {
			return PhaseDetail{}, validationf("progress_mode must be manual or computed")
		}
		b.Set("progress_mode", *opts.ProgressMode)
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
		if next == domain.StatusInProgress && opts.ActualStartDate == nil && phase.ActualStartDate == nil {
			b.Set("actual_start_date", e.today())
		}
		if next == domain.StatusCompleted {
			if opts.ActualEndDate == nil && phase.ActualEndDate == nil {
				b.Set("actual_end_date", e.today())
			}
			if opts.ProgressPercentage == nil {
				b.Set("progress_percentage", 100)
			}
		}
	}
	b.Set("updated_at", ts)
	if err := e.Repo.UpdatePhase(ctx, tx, phase.ID, b); err != nil {
		return PhaseDetail{}, err
	}
	if statusChanging {
		if err := e.audit().PhaseChange(ctx, tx, phase.ID, phase.Status, *opts.Status, opts.StatusChangeNotes, opts.ActorID); err != nil {
			return PhaseDetail{}, err
		}
		if *opts.Status == domain.StatusInProgress {
			if err := e.Repo.SetCurrentPhase(ctx, tx, opts.ProjectID, &phase.ID, ts); err != nil {
				return PhaseDetail{}, err
			}
		}
	}
	updated, err := e.Repo.GetPhase(ctx, tx, opts.ProjectID, opts.PhaseID)
	if err != nil {
		return PhaseDetail{}, err
	}
	resolved, err := e.resolveOne(ctx, tx, updated)
	if err != nil {
		return PhaseDetail{}, err
	}
	if err := tx.Commit(); err != nil {
		return PhaseDetail{}, err
	}
	detail := PhaseDetail{PhaseWithDeps: resolved}
	detail.Assignee, err = e.Repo.GetAssigneeIdentity(ctx, updated.AssignedTo)
	if err != nil {
		return PhaseDetail{}, err
	}
	detail.SubPhases, err = e.Repo.ListSubPhases(ctx, nil, updated.ID)
	return detail, err
}

// DeletePhase removes a phase and its sub-phases. Refused while any
// other phase still depends on it.
func (e Engine) DeletePhase(ctx context.Context, tenantID, projectID, phaseID string) error {
	project, err := e.Repo.GetProject(ctx, tenantID, projectID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	phase, err := e.Repo.GetPhase(ctx, tx, projectID, phaseID)
	if err != nil {
		return err
	}
	n, err := e.Repo.CountDependents(ctx, tx, phaseID)
	if err != nil {
		return err
	}
	if n > 0 {
		return validationf("cannot delete phase %s: other phases depend on it", phase.Name)
	}
	if err := e.Repo.DeletePhase(ctx, tx, phaseID); err != nil {
		return err
	}
	if project.CurrentPhaseID != nil && *project.CurrentPhaseID == phaseID {
		if err := e.Repo.SetCurrentPhase(ctx, tx, projectID, nil, e.timestamp()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type DependencyOptions struct {
	TenantID         string
	ProjectID        string
	PhaseID          string
	DependsOnPhaseID string
	Type             string
}

func (e Engine) AddDependency(ctx context.Context, opts DependencyOptions) error {
	if _, err := e.Repo.GetProject(ctx, opts.TenantID, opts.ProjectID); err != nil {
		return err
	}
	depType := opts.Type
	if depType == "" {
		depType = domain.DependencyHard
	}
	if depType != domain.DependencyHard && depType != domain.DependencySoft {
		return validationf("dependency_type must be hard or soft")
	}
	if opts.PhaseID == opts.DependsOnPhaseID {
		return validationf("a phase cannot depend on itself")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetPhase(ctx, tx, opts.ProjectID, opts.PhaseID); err != nil {
		return err
	}
	if _, err := e.Repo.GetPhase(ctx, tx, opts.ProjectID, opts.DependsOnPhaseID); err != nil {
		return err
	}
	if err := e.ensureNoDependencyCycle(ctx, tx, opts.ProjectID, opts.PhaseID, opts.DependsOnPhaseID); err != nil {
		return err
	}
	dep := domain.PhaseDependency{
		ProjectPhaseID:   opts.PhaseID,
		DependsOnPhaseID: opts.DependsOnPhaseID,
		DependencyType:   depType,
	}
	if err := e.Repo.AddDependency(ctx, tx, dep); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) RemoveDependency(ctx context.Context, opts DependencyOptions) error {
	if _, err := e.Repo.GetProject(ctx, opts.TenantID, opts.ProjectID); err != nil {
		return err
	}
	return e.Repo.RemoveDependency(ctx, nil, opts.PhaseID, opts.DependsOnPhaseID)
}

// ensureNoDependencyCycle walks existing edges from the proposed
// target looking for a path back to the dependent phase.
func (e Engine) ensureNoDependencyCycle(ctx context.Context, tx *sql.Tx, projectID, phaseID, dependsOn string) error {
	phases, err := e.Repo.ListPhases(ctx, tx, projectID)
	if err != nil {
		return err
	}
	ids := make([]string, len(phases))
	for i, p := range phases {
		ids[i] = p.ID
	}
	edges, err := e.Repo.ListDependencies(ctx, tx, ids)
	if err != nil {
		return err
	}
	next := map[string][]string{}
	for _, edge := range edges {
		next[edge.ProjectPhaseID] = append(next[edge.ProjectPhaseID], edge.DependsOnPhaseID)
	}
	stack := []string{dependsOn}
	seen := map[string]bool{}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == phaseID {
			return validationf("dependency would create a cycle")
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, next[cur]...)
	}
	return nil
}

func (e Engine) ensureAssignee(ctx context.Context, tenantID string, userID *string) error {
	if userID == nil || *userID == "" {
		return nil
	}
	u, err := e.Repo.GetUser(ctx, *userID)
	if err == repo.ErrNotFound {
		return validationf("unknown assignee %s", *userID)
	}
	if err != nil {
		return err
	}
	if u.TenantID != tenantID {
		return validationf("unknown assignee %s", *userID)
	}
	return nil
}
