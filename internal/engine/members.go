package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"phaseline/internal/domain"
	"phaseline/internal/repo"
)

type InviteOptions struct {
	TenantID string
	ActorID  string
	Email    string
	RoleID   string
}

// InviteMember creates a pending invitation. The actor may only grant
// roles at a level strictly below their own.
func (e Engine) InviteMember(ctx context.Context, opts InviteOptions) (domain.Invitation, error) {
	email := strings.ToLower(strings.TrimSpace(opts.Email))
	if email == "" || !strings.Contains(email, "@") {
		return domain.Invitation{}, validationf("a valid email is required")
	}
	targetLevel, err := e.Repo.RoleLevel(ctx, nil, opts.RoleID)
	if err == repo.ErrNotFound {
		return domain.Invitation{}, validationf("unknown role %s", opts.RoleID)
	}
	if err != nil {
		return domain.Invitation{}, err
	}
	m, err := e.Repo.GetMembership(ctx, nil, opts.TenantID, opts.ActorID)
	if err == repo.ErrNotFound {
		return domain.Invitation{}, PermissionError{Msg: "only members can invite"}
	}
	if err != nil {
		return domain.Invitation{}, err
	}
	actorLevel, err := e.Repo.RoleLevel(ctx, nil, m.RoleID)
	if err != nil {
		return domain.Invitation{}, err
	}
	if targetLevel >= actorLevel {
		return domain.Invitation{}, PermissionError{Msg: "cannot grant a role at or above your own level"}
	}
	inv := domain.Invitation{
		ID:        uuid.NewString(),
		TenantID:  opts.TenantID,
		Email:     email,
		RoleID:    opts.RoleID,
		Status:    "pending",
		InvitedBy: opts.ActorID,
		CreatedAt: e.timestamp(),
	}
	if err := e.Repo.InsertInvitation(ctx, nil, inv); err != nil {
		return domain.Invitation{}, err
	}
	return inv, nil
}

type AcceptInvitationOptions struct {
	TenantID     string
	InvitationID string
	Name         string
}

// AcceptInvitation turns a pending invitation into a membership,
// creating the user on first contact. Everything commits in one
// transaction so a used invitation always has its member.
func (e Engine) AcceptInvitation(ctx context.Context, opts AcceptInvitationOptions) (domain.Membership, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Membership{}, err
	}
	defer tx.Rollback()
	inv, err := e.Repo.GetInvitation(ctx, tx, opts.InvitationID)
	if err != nil {
		return domain.Membership{}, err
	}
	if inv.TenantID != opts.TenantID {
		return domain.Membership{}, repo.ErrNotFound
	}
	if inv.Status != "pending" {
		return domain.Membership{}, validationf("invitation is %s", inv.Status)
	}
	ts := e.timestamp()
	user, err := e.Repo.GetUserByEmail(ctx, inv.TenantID, inv.Email)
	if err == repo.ErrNotFound {
		name := opts.Name
		if name == "" {
			name = inv.Email
		}
		user = domain.User{
			ID:        uuid.NewString(),
			TenantID:  inv.TenantID,
			Name:      name,
			Email:     inv.Email,
			CreatedAt: ts,
		}
		if err := e.Repo.InsertUser(ctx, tx, user); err != nil {
			return domain.Membership{}, err
		}
	} else if err != nil {
		return domain.Membership{}, err
	}
	m := domain.Membership{TenantID: inv.TenantID, UserID: user.ID, RoleID: inv.RoleID}
	if err := e.Repo.UpsertMembership(ctx, tx, m); err != nil {
		return domain.Membership{}, err
	}
	if err := e.Repo.SetInvitationStatus(ctx, tx, inv.ID, "accepted", ts); err != nil {
		return domain.Membership{}, err
	}
	return m, tx.Commit()
}

func (e Engine) DeclineInvitation(ctx context.Context, tenantID, invitationID string) error {
	return e.closeInvitation(ctx, tenantID, invitationID, "declined")
}

func (e Engine) RevokeInvitation(ctx context.Context, tenantID, invitationID string) error {
	return e.closeInvitation(ctx, tenantID, invitationID, "revoked")
}

func (e Engine) closeInvitation(ctx context.Context, tenantID, invitationID, status string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	inv, err := e.Repo.GetInvitation(ctx, tx, invitationID)
	if err != nil {
		return err
	}
	if inv.TenantID != tenantID {
		return repo.ErrNotFound
	}
	if inv.Status != "pending" {
		return validationf("invitation is %s", inv.Status)
	}
	if err := e.Repo.SetInvitationStatus(ctx, tx, inv.ID, status, e.timestamp()); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveMember drops a membership. The actor must outrank the member
// being removed.
func (e Engine) RemoveMember(ctx context.Context, tenantID, actorID, userID string) error {
	if actorID == userID {
		return validationf("cannot remove yourself")
	}
	actor, err := e.Repo.GetMembership(ctx, nil, tenantID, actorID)
	if err != nil {
		return err
	}
	target, err := e.Repo.GetMembership(ctx, nil, tenantID, userID)
	if err != nil {
		return err
	}
	actorLevel, err := e.Repo.RoleLevel(ctx, nil, actor.RoleID)
	if err != nil {
		return err
	}
	targetLevel, err := e.Repo.RoleLevel(ctx, nil, target.RoleID)
	if err != nil {
		return err
	}
	if targetLevel >= actorLevel {
		return PermissionError{Msg: "cannot remove a member at or above your own level"}
	}
	return e.Repo.RemoveMembership(ctx, nil, tenantID, userID)
}
