package repo

import (
	"context"
	"database/sql"

	"phaseline/internal/domain"
)

func (r Repo) InsertTenant(ctx context.Context, tx *sql.Tx, t domain.Tenant) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO tenants(id,name,created_at) VALUES (?,?,?)`,
		t.ID, t.Name, t.CreatedAt)
	return err
}

func (r Repo) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	var t domain.Tenant
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM tenants WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) EnsureTenant(ctx context.Context, tx *sql.Tx, id, name, now string) error {
	if name == "" {
		name = id
	}
	_, err := r.on(tx).ExecContext(ctx, `INSERT OR IGNORE INTO tenants(id,name,created_at) VALUES (?,?,?)`, id, name, now)
	return err
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO users(id,tenant_id,name,email,avatar_url,created_at) VALUES (?,?,?,?,?,?)`,
		u.ID, u.TenantID, u.Name, u.Email, nullable(u.AvatarURL), u.CreatedAt)
	return err
}

func scanUser(row *sql.Row) (domain.User, error) {
	var u domain.User
	var avatar sql.NullString
	err := row.Scan(&u.ID, &u.TenantID, &u.Name, &u.Email, &avatar, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if avatar.Valid {
		u.AvatarURL = avatar.String
	}
	return u, err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,name,email,avatar_url,created_at FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByEmail(ctx context.Context, tenantID, email string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,name,email,avatar_url,created_at FROM users WHERE tenant_id=? AND email=?`, tenantID, email))
}

// GetAssigneeIdentity returns the display identity joined onto mutated
// phase rows. Missing users resolve to nil rather than an error.
func (r Repo) GetAssigneeIdentity(ctx context.Context, userID *string) (*domain.AssigneeIdentity, error) {
	if userID == nil || *userID == "" {
		return nil, nil
	}
	var id domain.AssigneeIdentity
	var avatar sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,email,avatar_url FROM users WHERE id=?`, *userID).
		Scan(&id.ID, &id.Name, &id.Email, &avatar)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if avatar.Valid {
		id.AvatarURL = avatar.String
	}
	return &id, nil
}
