package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"phaseline/internal/audit"
	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/repo"
)

// Engine owns the workflow semantics: dependency resolution, status
// transition validation, field stamping and the append-only audit
// trail. The HTTP and CLI layers stay thin on top of it.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Logger *log.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, logger *log.Logger) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Logger: logger,
	}
}

// audit builds the writer per call so it always shares the engine's
// clock, including one swapped in after construction.
func (e Engine) audit() audit.Writer {
	return audit.Writer{DB: e.DB, Now: e.Now}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string { return e.now().UTC().Format(time.RFC3339) }

func (e Engine) today() string { return e.now().UTC().Format("2006-01-02") }

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

// clearable maps "" to NULL so a patch can blank a nullable column.
func clearable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// SeedTemplates syncs the configured category templates and RBAC roles
// into the database. Idempotent: template rows are matched by code and
// keep their IDs across runs.
func (e Engine) SeedTemplates(ctx context.Context) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	categories := make([]string, 0, len(e.Config.Templates.Categories))
	for c := range e.Config.Templates.Categories {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	for _, category := range categories {
		tmpl := e.Config.Templates.Categories[category]
		for i, pt := range tmpl.Phases {
			id := uuid.NewString()
			existing, err := e.Repo.GetPhaseTemplateByCode(ctx, tx, category, pt.Code)
			if err == nil {
				id = existing.ID
			} else if err != repo.ErrNotFound {
				return err
			}
			row := domain.PhaseTemplate{
				ID:            id,
				Category:      category,
				Code:          pt.Code,
				Name:          pt.Name,
				DisplayOrder:  i + 1,
				ChainHardDeps: tmpl.ChainHardDeps,
			}
			if err := e.Repo.UpsertPhaseTemplate(ctx, tx, row); err != nil {
				return err
			}
			subIDs := map[string]string{}
			if existing.ID != "" {
				subs, err := e.Repo.ListSubPhaseTemplates(ctx, tx, existing.ID)
				if err != nil {
					return err
				}
				for _, st := range subs {
					subIDs[st.Code] = st.ID
				}
			}
			for j, spt := range pt.SubPhases {
				subID, ok := subIDs[spt.Code]
				if !ok {
					subID = uuid.NewString()
				}
				sub := domain.SubPhaseTemplate{
					ID:              subID,
					PhaseTemplateID: id,
					Code:            spt.Code,
					Name:            spt.Name,
					DisplayOrder:    j + 1,
					Instructions:    spt.Instructions,
					CanSkip:         spt.CanSkip,
					RequiredRole:    spt.RequiredRole,
				}
				if err := e.Repo.UpsertSubPhaseTemplate(ctx, tx, sub); err != nil {
					return err
				}
			}
		}
	}

	roleIDs := make([]string, 0, len(e.Config.RBAC.Roles))
	for id := range e.Config.RBAC.Roles {
		roleIDs = append(roleIDs, id)
	}
	sort.Strings(roleIDs)
	for _, roleID := range roleIDs {
		role := e.Config.RBAC.Roles[roleID]
		if err := e.Repo.InsertRole(ctx, tx, roleID, role.Description, role.Level); err != nil {
			return err
		}
		for _, perm := range role.Permissions {
			if err := e.Repo.InsertPermission(ctx, tx, perm, ""); err != nil {
				return err
			}
			if err := e.Repo.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

type ProjectCreateOptions struct {
	TenantID string
	Name     string
	Category string
}

// projectStatuses are the lifecycle states of a project itself, apart
// from its phases.
var projectStatuses = map[string]bool{
	"active":    true,
	"on_hold":   true,
	"completed": true,
	"archived":  true,
}

// CreateProject inserts the project and then instantiates its phase
// set from the category template. The two steps commit separately: a
// template failure leaves the project in place and comes back as a
// warning, not a rollback.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, string, error) {
	if opts.Name == "" {
		return domain.Project{}, "", validationf("project name is required")
	}
	if _, ok := e.Config.Templates.Categories[opts.Category]; !ok {
		return domain.Project{}, "", validationf("unknown project category %s", opts.Category)
	}
	if _, err := e.Repo.GetTenant(ctx, opts.TenantID); err != nil {
		return domain.Project{}, "", err
	}
	ts := e.timestamp()
	p := domain.Project{
		ID:        uuid.NewString(),
		TenantID:  opts.TenantID,
		Name:      opts.Name,
		Category:  opts.Category,
		Status:    "active",
		IsActive:  true,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, "", err
	}
	if err := e.InitializePhases(ctx, p); err != nil {
		e.logf("phase initialization failed for project %s: %v", p.ID, err)
		return p, "phase initialization failed: " + err.Error(), nil
	}
	p, err = e.Repo.GetProject(ctx, opts.TenantID, p.ID)
	return p, "", err
}

// InitializePhases instantiates the category's phase and sub-phase
// templates for a freshly created project, chaining hard dependencies
// between consecutive phases when the category asks for it.
func (e Engine) InitializePhases(ctx context.Context, p domain.Project) error {
	tmpl, ok := e.Config.Templates.Categories[p.Category]
	if !ok {
		return fmt.Errorf("no templates for category %s", p.Category)
	}
	ts := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var prevID, firstID string
	for i, pt := range tmpl.Phases {
		var templateID *string
		subIDs := map[string]string{}
		row, err := e.Repo.GetPhaseTemplateByCode(ctx, tx, p.Category, pt.Code)
		if err == nil {
			templateID = &row.ID
			subs, err := e.Repo.ListSubPhaseTemplates(ctx, tx, row.ID)
			if err != nil {
				return err
			}
			for _, st := range subs {
				subIDs[st.Code] = st.ID
			}
		} else if err != repo.ErrNotFound {
			return err
		}
		phase := domain.Phase{
			ID:              uuid.NewString(),
			ProjectID:       p.ID,
			PhaseTemplateID: templateID,
			Name:            pt.Name,
			Status:          domain.StatusNotStarted,
			ProgressMode:    "manual",
			DisplayOrder:    i + 1,
			CreatedAt:       ts,
			UpdatedAt:       ts,
		}
		if err := e.Repo.InsertPhase(ctx, tx, phase); err != nil {
			return err
		}
		if tmpl.ChainHardDeps && prevID != "" {
			dep := domain.PhaseDependency{
				ProjectPhaseID:   phase.ID,
				DependsOnPhaseID: prevID,
				DependencyType:   domain.DependencyHard,
			}
			if err := e.Repo.AddDependency(ctx, tx, dep); err != nil {
				return err
			}
		}
		for j, spt := range pt.SubPhases {
			sub := domain.SubPhase{
				ID:           uuid.NewString(),
				PhaseID:      phase.ID,
				Name:         spt.Name,
				Status:       domain.StatusNotStarted,
				Notes:        spt.Instructions,
				DisplayOrder: j + 1,
				CreatedAt:    ts,
				UpdatedAt:    ts,
			}
			if tid, ok := subIDs[spt.Code]; ok {
				sub.SubPhaseTemplateID = &tid
			}
			if err := e.Repo.InsertSubPhase(ctx, tx, sub); err != nil {
				return err
			}
		}
		if i == 0 {
			firstID = phase.ID
		}
		prevID = phase.ID
	}
	if firstID != "" {
		if err := e.Repo.SetCurrentPhase(ctx, tx, p.ID, &firstID, ts); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type ProjectUpdateOptions struct {
	TenantID  string
	ProjectID string
	Name      *string
	Status    *string
}

func (e Engine) UpdateProject(ctx context.Context, opts ProjectUpdateOptions) (domain.Project, error) {
	if _, err := e.Repo.GetProject(ctx, opts.TenantID, opts.ProjectID); err != nil {
		return domain.Project{}, err
	}
	b := &repo.UpdateBuilder{}
	if opts.Name != nil {
		if *opts.Name == "" {
			return domain.Project{}, validationf("project name cannot be empty")
		}
		b.Set("name", *opts.Name)
	}
	if opts.Status != nil {
		if !projectStatuses[*opts.Status] {
			return domain.Project{}, validationf("unknown project status %s", *opts.Status)
		}
		b.Set("status", *opts.Status)
	}
	if !b.Empty() {
		b.Set("updated_at", e.timestamp())
		if err := e.Repo.UpdateProject(ctx, nil, opts.ProjectID, b); err != nil {
			return domain.Project{}, err
		}
	}
	return e.Repo.GetProject(ctx, opts.TenantID, opts.ProjectID)
}

// DeleteProject soft-deletes: the row and its history stay queryable
// through the database, the API stops listing it.
func (e Engine) DeleteProject(ctx context.Context, tenantID, projectID string) error {
	return e.Repo.DeactivateProject(ctx, tenantID, projectID, e.timestamp())
}
