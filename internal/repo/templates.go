package repo

import (
	"context"
	"database/sql"

	"phaseline/internal/domain"
)

func (r Repo) UpsertPhaseTemplate(ctx context.Context, tx *sql.Tx, t domain.PhaseTemplate) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO phase_templates(id,tenant_id,category,code,name,display_order,chain_hard_deps) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(category,code) DO UPDATE SET name=excluded.name, display_order=excluded.display_order, chain_hard_deps=excluded.chain_hard_deps`,
		t.ID, nullableStringPtr(t.TenantID), t.Category, t.Code, t.Name, t.DisplayOrder, t.ChainHardDeps)
	return err
}

func (r Repo) UpsertSubPhaseTemplate(ctx context.Context, tx *sql.Tx, t domain.SubPhaseTemplate) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO sub_phase_templates(id,phase_template_id,code,name,display_order,instructions,can_skip,required_role) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(phase_template_id,code) DO UPDATE SET name=excluded.name, display_order=excluded.display_order, instructions=excluded.instructions, can_skip=excluded.can_skip, required_role=excluded.required_role`,
		t.ID, t.PhaseTemplateID, t.Code, t.Name, t.DisplayOrder, nullable(t.Instructions), t.CanSkip, nullable(t.RequiredRole))
	return err
}

func (r Repo) GetPhaseTemplateByCode(ctx context.Context, tx *sql.Tx, category, code string) (domain.PhaseTemplate, error) {
	var t domain.PhaseTemplate
	var tenantID sql.NullString
	err := r.on(tx).QueryRowContext(ctx, `SELECT id,tenant_id,category,code,name,display_order,chain_hard_deps FROM phase_templates WHERE category=? AND code=?`, category, code).
		Scan(&t.ID, &tenantID, &t.Category, &t.Code, &t.Name, &t.DisplayOrder, &t.ChainHardDeps)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if tenantID.Valid {
		t.TenantID = &tenantID.String
	}
	return t, err
}

func (r Repo) ListPhaseTemplates(ctx context.Context, category string) ([]domain.PhaseTemplate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,tenant_id,category,code,name,display_order,chain_hard_deps FROM phase_templates WHERE category=? ORDER BY display_order ASC`, category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhaseTemplate
	for rows.Next() {
		var t domain.PhaseTemplate
		var tenantID sql.NullString
		if err := rows.Scan(&t.ID, &tenantID, &t.Category, &t.Code, &t.Name, &t.DisplayOrder, &t.ChainHardDeps); err != nil {
			return nil, err
		}
		if tenantID.Valid {
			t.TenantID = &tenantID.String
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListSubPhaseTemplates(ctx context.Context, tx *sql.Tx, phaseTemplateID string) ([]domain.SubPhaseTemplate, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT id,phase_template_id,code,name,display_order,COALESCE(instructions,''),can_skip,COALESCE(required_role,'') FROM sub_phase_templates WHERE phase_template_id=? ORDER BY display_order ASC`, phaseTemplateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SubPhaseTemplate
	for rows.Next() {
		var t domain.SubPhaseTemplate
		if err := rows.Scan(&t.ID, &t.PhaseTemplateID, &t.Code, &t.Name, &t.DisplayOrder, &t.Instructions, &t.CanSkip, &t.RequiredRole); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) GetSubPhaseTemplate(ctx context.Context, tx *sql.Tx, id string) (domain.SubPhaseTemplate, error) {
	var t domain.SubPhaseTemplate
	err := r.on(tx).QueryRowContext(ctx, `SELECT id,phase_template_id,code,name,display_order,COALESCE(instructions,''),can_skip,COALESCE(required_role,'') FROM sub_phase_templates WHERE id=?`, id).
		Scan(&t.ID, &t.PhaseTemplateID, &t.Code, &t.Name, &t.DisplayOrder, &t.Instructions, &t.CanSkip, &t.RequiredRole)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}
