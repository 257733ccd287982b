package domain

type Tenant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type User struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Membership struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	RoleID   string `json:"role_id"`
}

type Invitation struct {
	ID          string  `json:"id"`
	TenantID    string  `json:"tenant_id"`
	Email       string  `json:"email"`
	RoleID      string  `json:"role_id"`
	Status      string  `json:"status" enum:"pending,accepted,declined,revoked"`
	InvitedBy   string  `json:"invited_by"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	RespondedAt *string `json:"responded_at,omitempty" format:"date-time"`
}

type Project struct {
	ID             string  `json:"id"`
	TenantID       string  `json:"tenant_id"`
	Name           string  `json:"name"`
	Category       string  `json:"category"`
	Status         string  `json:"status"`
	CurrentPhaseID *string `json:"current_phase_id,omitempty"`
	IsActive       bool    `json:"is_active"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// Phase and sub-phase statuses. The transition table in the workflow
// package is keyed on these.
const (
	StatusNotStarted = "not_started"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusOnHold     = "on_hold"
	StatusCancelled  = "cancelled"
)

const (
	DependencyHard = "hard"
	DependencySoft = "soft"
)

type Phase struct {
	ID                 string  `json:"id"`
	ProjectID          string  `json:"project_id"`
	PhaseTemplateID    *string `json:"phase_template_id,omitempty"`
	Name               string  `json:"name"`
	Status             string  `json:"status" enum:"not_started,in_progress,completed,on_hold,cancelled"`
	ProgressPercentage int     `json:"progress_percentage"`
	ProgressMode       string  `json:"progress_mode" enum:"manual,computed"`
	AssignedTo         *string `json:"assigned_to,omitempty"`
	PlannedStartDate   *string `json:"planned_start_date,omitempty" format:"date"`
	PlannedEndDate     *string `json:"planned_end_date,omitempty" format:"date"`
	ActualStartDate    *string `json:"actual_start_date,omitempty" format:"date"`
	ActualEndDate      *string `json:"actual_end_date,omitempty" format:"date"`
	Notes              string  `json:"notes,omitempty"`
	DisplayOrder       int     `json:"display_order"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

type SubPhase struct {
	ID                 string  `json:"id"`
	PhaseID            string  `json:"phase_id"`
	SubPhaseTemplateID *string `json:"sub_phase_template_id,omitempty"`
	Name               string  `json:"name"`
	Status             string  `json:"status" enum:"not_started,in_progress,completed,on_hold,cancelled"`
	ProgressPercentage int     `json:"progress_percentage"`
	AssignedTo         *string `json:"assigned_to,omitempty"`
	PlannedStartDate   *string `json:"planned_start_date,omitempty" format:"date"`
	PlannedEndDate     *string `json:"planned_end_date,omitempty" format:"date"`
	ActualStartDate    *string `json:"actual_start_date,omitempty" format:"date"`
	ActualEndDate      *string `json:"actual_end_date,omitempty" format:"date"`
	Notes              string  `json:"notes,omitempty"`
	DisplayOrder       int     `json:"display_order"`
	StartedBy          *string `json:"started_by,omitempty"`
	CompletedAt        *string `json:"completed_at,omitempty" format:"date-time"`
	CompletedBy        *string `json:"completed_by,omitempty"`
	SkippedAt          *string `json:"skipped_at,omitempty" format:"date-time"`
	SkippedBy          *string `json:"skipped_by,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

// PhaseDependency is a directed edge: ProjectPhaseID is gated by
// DependsOnPhaseID. Hard edges block starting, soft edges are
// informational.
type PhaseDependency struct {
	ProjectPhaseID   string `json:"project_phase_id"`
	DependsOnPhaseID string `json:"depends_on_phase_id"`
	DependencyType   string `json:"dependency_type" enum:"hard,soft"`
}

// ResolvedDependency joins an edge with the target phase's identity at
// resolution time.
type ResolvedDependency struct {
	DependsOnPhaseID string `json:"depends_on_phase_id"`
	DependencyType   string `json:"dependency_type" enum:"hard,soft"`
	PhaseName        string `json:"phase_name"`
	PhaseStatus      string `json:"phase_status"`
}

// StatusLog is an append-only audit row for one accepted status change.
// Exactly one of PhaseID/SubPhaseID is set.
type StatusLog struct {
	ID             int64   `json:"id"`
	PhaseID        *string `json:"phase_id,omitempty"`
	SubPhaseID     *string `json:"sub_phase_id,omitempty"`
	PreviousStatus string  `json:"previous_status"`
	NewStatus      string  `json:"new_status"`
	Notes          string  `json:"notes,omitempty"`
	ChangedBy      string  `json:"changed_by"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

type PhaseTemplate struct {
	ID            string  `json:"id"`
	TenantID      *string `json:"tenant_id,omitempty"`
	Category      string  `json:"category"`
	Code          string  `json:"code"`
	Name          string  `json:"name"`
	DisplayOrder  int     `json:"display_order"`
	ChainHardDeps bool    `json:"chain_hard_deps"`
}

type SubPhaseTemplate struct {
	ID              string `json:"id"`
	PhaseTemplateID string `json:"phase_template_id"`
	Code            string `json:"code"`
	Name            string `json:"name"`
	DisplayOrder    int    `json:"display_order"`
	Instructions    string `json:"instructions,omitempty"`
	CanSkip         bool   `json:"can_skip"`
	RequiredRole    string `json:"required_role,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// AssigneeIdentity is the display identity joined onto mutated rows.
type AssigneeIdentity struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url,omitempty"`
}
