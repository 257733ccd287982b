package repo

import (
	"context"
	"database/sql"

	"phaseline/internal/domain"
)

func (r Repo) InsertRole(ctx context.Context, tx *sql.Tx, id, desc string, level int) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO roles(id, description, level) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET description=excluded.description, level=excluded.level`, id, desc, level)
	return err
}

func (r Repo) InsertPermission(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT OR IGNORE INTO permissions(id, description) VALUES (?,?)`, id, desc)
	return err
}

func (r Repo) AddRolePermission(ctx context.Context, tx *sql.Tx, roleID, permID string) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id, permission_id) VALUES (?,?)`, roleID, permID)
	return err
}

func (r Repo) RoleLevel(ctx context.Context, tx *sql.Tx, roleID string) (int, error) {
	var level int
	err := r.on(tx).QueryRowContext(ctx, `SELECT level FROM roles WHERE id=?`, roleID).Scan(&level)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return level, err
}

func (r Repo) UpsertMembership(ctx context.Context, tx *sql.Tx, m domain.Membership) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO memberships(tenant_id, user_id, role_id) VALUES (?,?,?)
ON CONFLICT(tenant_id, user_id) DO UPDATE SET role_id=excluded.role_id`, m.TenantID, m.UserID, m.RoleID)
	return err
}

func (r Repo) GetMembership(ctx context.Context, tx *sql.Tx, tenantID, userID string) (domain.Membership, error) {
	var m domain.Membership
	err := r.on(tx).QueryRowContext(ctx, `SELECT tenant_id,user_id,role_id FROM memberships WHERE tenant_id=? AND user_id=?`, tenantID, userID).
		Scan(&m.TenantID, &m.UserID, &m.RoleID)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) RemoveMembership(ctx context.Context, tx *sql.Tx, tenantID, userID string) error {
	_, err := r.on(tx).ExecContext(ctx, `DELETE FROM memberships WHERE tenant_id=? AND user_id=?`, tenantID, userID)
	return err
}

// Member is a membership joined with the user's display identity and
// role level, for the members listing.
type Member struct {
	User   domain.User
	RoleID string
	Level  int
}

func (r Repo) ListMembers(ctx context.Context, tenantID string) ([]Member, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT u.id,u.tenant_id,u.name,u.email,u.avatar_url,u.created_at,m.role_id,ro.level
FROM memberships m
JOIN users u ON u.id=m.user_id
JOIN roles ro ON ro.id=m.role_id
WHERE m.tenant_id=?
ORDER BY ro.level DESC, u.name ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Member
	for rows.Next() {
		var m Member
		var avatar sql.NullString
		if err := rows.Scan(&m.User.ID, &m.User.TenantID, &m.User.Name, &m.User.Email, &avatar, &m.User.CreatedAt, &m.RoleID, &m.Level); err != nil {
			return nil, err
		}
		if avatar.Valid {
			m.User.AvatarURL = avatar.String
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) InsertInvitation(ctx context.Context, tx *sql.Tx, inv domain.Invitation) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO invitations(id,tenant_id,email,role_id,status,invited_by,created_at,responded_at) VALUES (?,?,?,?,?,?,?,?)`,
		inv.ID, inv.TenantID, inv.Email, inv.RoleID, inv.Status, inv.InvitedBy, inv.CreatedAt, nullableStringPtr(inv.RespondedAt))
	return err
}

func (r Repo) GetInvitation(ctx context.Context, tx *sql.Tx, id string) (domain.Invitation, error) {
	var inv domain.Invitation
	var responded sql.NullString
	err := r.on(tx).QueryRowContext(ctx, `SELECT id,tenant_id,email,role_id,status,invited_by,created_at,responded_at FROM invitations WHERE id=?`, id).
		Scan(&inv.ID, &inv.TenantID, &inv.Email, &inv.RoleID, &inv.Status, &inv.InvitedBy, &inv.CreatedAt, &responded)
	if err == sql.ErrNoRows {
		return inv, ErrNotFound
	}
	if responded.Valid {
		inv.RespondedAt = &responded.String
	}
	return inv, err
}

func (r Repo) SetInvitationStatus(ctx context.Context, tx *sql.Tx, id, status, respondedAt string) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE invitations SET status=?, responded_at=? WHERE id=?`, status, respondedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListInvitations(ctx context.Context, tenantID, status string) ([]domain.Invitation, error) {
	query := `SELECT id,tenant_id,email,role_id,status,invited_by,created_at,responded_at FROM invitations WHERE tenant_id=?`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Invitation
	for rows.Next() {
		var inv domain.Invitation
		var responded sql.NullString
		if err := rows.Scan(&inv.ID, &inv.TenantID, &inv.Email, &inv.RoleID, &inv.Status, &inv.InvitedBy, &inv.CreatedAt, &responded); err != nil {
			return nil, err
		}
		if responded.Valid {
			inv.RespondedAt = &responded.String
		}
		res = append(res, inv)
	}
	return res, rows.Err()
}
