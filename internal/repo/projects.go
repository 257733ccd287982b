package repo

import (
	"context"
	"database/sql"

	"phaseline/internal/domain"
)

const projectColumns = `id,tenant_id,name,category,status,current_phase_id,is_active,created_at,updated_at`

func scanProject(row *sql.Row) (domain.Project, error) {
	var p domain.Project
	var currentPhase sql.NullString
	err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.Category, &p.Status, &currentPhase, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if currentPhase.Valid {
		p.CurrentPhaseID = &currentPhase.String
	}
	return p, err
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.TenantID, p.Name, p.Category, p.Status, nullableStringPtr(p.CurrentPhaseID), p.IsActive, p.CreatedAt, p.UpdatedAt)
	return err
}

// GetProject returns a project only when it belongs to the tenant.
// Rows outside the caller's tenant are indistinguishable from missing.
func (r Repo) GetProject(ctx context.Context, tenantID, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=? AND tenant_id=?`, id, tenantID))
}

func (r Repo) ListProjects(ctx context.Context, tenantID string) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE tenant_id=? AND is_active=1 ORDER BY created_at DESC, id DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var currentPhase sql.NullString
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &p.Category, &p.Status, &currentPhase, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if currentPhase.Valid {
			p.CurrentPhaseID = &currentPhase.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProject(ctx context.Context, tx *sql.Tx, id string, b *UpdateBuilder) error {
	return b.Apply(ctx, r.on(tx), "projects", id)
}

// DeactivateProject soft-deletes: rows are never removed.
func (r Repo) DeactivateProject(ctx context.Context, tenantID, id, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET is_active=0, updated_at=? WHERE id=? AND tenant_id=?`, now, id, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetCurrentPhase(ctx context.Context, tx *sql.Tx, projectID string, phaseID *string, now string) error {
	_, err := r.on(tx).ExecContext(ctx, `UPDATE projects SET current_phase_id=?, updated_at=? WHERE id=?`,
		nullableStringPtr(phaseID), now, projectID)
	return err
}
