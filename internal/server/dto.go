package server

import (
	"phaseline/internal/domain"
	"phaseline/internal/engine"
)

type CreateProjectRequest struct {
	Name     string `json:"name" example:"Sharma Residence"`
	Category string `json:"category" example:"residential"`
}

type UpdateProjectRequest struct {
	Name   *string `json:"name,omitempty"`
	Status *string `json:"status,omitempty" enum:"active,on_hold,completed,archived"`
}

type ProjectEnvelope struct {
	Project domain.Project `json:"project"`
	Warning string         `json:"warning,omitempty"`
}

type ProjectsEnvelope struct {
	Projects []domain.Project `json:"projects"`
}

type ProjectDetailEnvelope struct {
	Project domain.Project       `json:"project"`
	Phases  []engine.PhaseDetail `json:"phases"`
}

type CreatePhaseRequest struct {
	Name             string  `json:"name,omitempty"`
	TemplateCode     string  `json:"template_code,omitempty"`
	AssignedTo       *string `json:"assigned_to,omitempty"`
	PlannedStartDate *string `json:"planned_start_date,omitempty" format:"date"`
	PlannedEndDate   *string `json:"planned_end_date,omitempty" format:"date"`
	Notes            string  `json:"notes,omitempty"`
}

// UpdatePhaseRequest is a sparse patch: omitted fields stay untouched,
// "" clears a nullable field.
type UpdatePhaseRequest struct {
	Status             *string `json:"status,omitempty" enum:"not_started,in_progress,completed,on_hold,cancelled"`
	ProgressPercentage *int    `json:"progress_percentage,omitempty" minimum:"0" maximum:"100"`
	ProgressMode       *string `json:"progress_mode,omitempty" enum:"manual,computed"`
	AssignedTo         *string `json:"assigned_to,omitempty"`
	PlannedStartDate   *string `json:"planned_start_date,omitempty"`
	PlannedEndDate     *string `json:"planned_end_date,omitempty"`
	ActualStartDate    *string `json:"actual_start_date,omitempty"`
	ActualEndDate      *string `json:"actual_end_date,omitempty"`
	Notes              *string `json:"notes,omitempty"`
	StatusChangeNotes  string  `json:"status_change_notes,omitempty"`
}

type PhaseEnvelope struct {
	Phase engine.PhaseDetail `json:"phase"`
}

type PhasesEnvelope struct {
	Phases []engine.PhaseDetail `json:"phases"`
}

type AddDependencyRequest struct {
	DependsOnPhaseID string `json:"depends_on_phase_id"`
	DependencyType   string `json:"dependency_type,omitempty" enum:"hard,soft"`
}

type DependencyEnvelope struct {
	Dependency domain.PhaseDependency `json:"dependency"`
}

type CreateSubPhaseRequest struct {
	Name             string  `json:"name"`
	AssignedTo       *string `json:"assigned_to,omitempty"`
	PlannedStartDate *string `json:"planned_start_date,omitempty" format:"date"`
	PlannedEndDate   *string `json:"planned_end_date,omitempty" format:"date"`
	Notes            string  `json:"notes,omitempty"`
}

type UpdateSubPhaseRequest struct {
	Status             *string `json:"status,omitempty" enum:"not_started,in_progress,completed,on_hold,cancelled"`
	ProgressPercentage *int    `json:"progress_percentage,omitempty" minimum:"0" maximum:"100"`
	AssignedTo         *string `json:"assigned_to,omitempty"`
	PlannedStartDate   *string `json:"planned_start_date,omitempty"`
	PlannedEndDate     *string `json:"planned_end_date,omitempty"`
	ActualStartDate    *string `json:"actual_start_date,omitempty"`
	ActualEndDate      *string `json:"actual_end_date,omitempty"`
	Notes              *string `json:"notes,omitempty"`
	StatusChangeNotes  string  `json:"status_change_notes,omitempty"`
}

type SubPhaseActionRequest struct {
	Notes string `json:"notes,omitempty"`
}

type SubPhaseEnvelope struct {
	SubPhase engine.SubPhaseDetail `json:"sub_phase"`
}

type SubPhasesEnvelope struct {
	SubPhases []engine.SubPhaseDetail `json:"sub_phases"`
}

type LogsEnvelope struct {
	Logs       []domain.StatusLog `json:"logs"`
	NextCursor int64              `json:"next_cursor,omitempty"`
}

type InviteMemberRequest struct {
	Email  string `json:"email" format:"email"`
	RoleID string `json:"role_id" example:"designer"`
}

type AcceptInvitationRequest struct {
	Name string `json:"name,omitempty"`
}

type InvitationEnvelope struct {
	Invitation domain.Invitation `json:"invitation"`
}

type InvitationsEnvelope struct {
	Invitations []domain.Invitation `json:"invitations"`
}

type MemberResponse struct {
	User   domain.User `json:"user"`
	RoleID string      `json:"role_id"`
	Level  int         `json:"level"`
}

type MembersEnvelope struct {
	Members []MemberResponse `json:"members"`
}

type MembershipEnvelope struct {
	Membership domain.Membership `json:"membership"`
}

type PhaseTemplateResponse struct {
	domain.PhaseTemplate
	SubPhases []domain.SubPhaseTemplate `json:"sub_phases,omitempty"`
}

type TemplatesEnvelope struct {
	Templates []PhaseTemplateResponse `json:"templates"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// APIKeyEnvelope returns the raw key exactly once, on creation.
type APIKeyEnvelope struct {
	APIKey domain.APIKey `json:"api_key"`
	Key    string        `json:"key,omitempty"`
}

type APIKeysEnvelope struct {
	APIKeys []domain.APIKey `json:"api_keys"`
}

type MeEnvelope struct {
	UserID      string   `json:"user_id"`
	TenantID    string   `json:"tenant_id"`
	RoleID      string   `json:"role_id,omitempty"`
	Level       int      `json:"level,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	Source      string   `json:"source"`
}
