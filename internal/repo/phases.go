package repo

import (
	"context"
	"database/sql"

	"phaseline/internal/domain"
)

const phaseColumns = `id,project_id,phase_template_id,name,status,progress_percentage,progress_mode,assigned_to,planned_start_date,planned_end_date,actual_start_date,actual_end_date,notes,display_order,created_at,updated_at`

type phaseScanner interface {
	Scan(dest ...any) error
}

func scanPhase(s phaseScanner) (domain.Phase, error) {
	var p domain.Phase
	var templateID, assignedTo, plannedStart, plannedEnd, actualStart, actualEnd, notes sql.NullString
	err := s.Scan(&p.ID, &p.ProjectID, &templateID, &p.Name, &p.Status, &p.ProgressPercentage, &p.ProgressMode,
		&assignedTo, &plannedStart, &plannedEnd, &actualStart, &actualEnd, &notes, &p.DisplayOrder, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if templateID.Valid {
		p.PhaseTemplateID = &templateID.String
	}
	if assignedTo.Valid {
		p.AssignedTo = &assignedTo.String
	}
	if plannedStart.Valid {
		p.PlannedStartDate = &plannedStart.String
	}
	if plannedEnd.Valid {
		p.PlannedEndDate = &plannedEnd.String
	}
	if actualStart.Valid {
		p.ActualStartDate = &actualStart.String
	}
	if actualEnd.Valid {
		p.ActualEndDate = &actualEnd.String
	}
	if notes.Valid {
		p.Notes = notes.String
	}
	return p, nil
}

func (r Repo) InsertPhase(ctx context.Context, tx *sql.Tx, p domain.Phase) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO project_phases(`+phaseColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ProjectID, nullableStringPtr(p.PhaseTemplateID), p.Name, p.Status, p.ProgressPercentage, p.ProgressMode,
		nullableStringPtr(p.AssignedTo), nullableStringPtr(p.PlannedStartDate), nullableStringPtr(p.PlannedEndDate),
		nullableStringPtr(p.ActualStartDate), nullableStringPtr(p.ActualEndDate), nullable(p.Notes),
		p.DisplayOrder, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetPhase(ctx context.Context, tx *sql.Tx, projectID, id string) (domain.Phase, error) {
	return scanPhase(r.on(tx).QueryRowContext(ctx, `SELECT `+phaseColumns+` FROM project_phases WHERE id=? AND project_id=?`, id, projectID))
}

func (r Repo) ListPhases(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Phase, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+phaseColumns+` FROM project_phases WHERE project_id=? ORDER BY display_order ASC, created_at ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Phase
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// NextDisplayOrder returns 1 + the highest display_order in the project.
func (r Repo) NextDisplayOrder(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	var max sql.NullInt64
	err := r.on(tx).QueryRowContext(ctx, `SELECT MAX(display_order) FROM project_phases WHERE project_id=?`, projectID).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 1, nil
	}
	return int(max.Int64) + 1, nil
}

func (r Repo) UpdatePhase(ctx context.Context, tx *sql.Tx, id string, b *UpdateBuilder) error {
	return b.Apply(ctx, r.on(tx), "project_phases", id)
}

func (r Repo) DeletePhase(ctx context.Context, tx *sql.Tx, id string) error {
	ex := r.on(tx)
	if _, err := ex.ExecContext(ctx, `DELETE FROM project_sub_phases WHERE phase_id=?`, id); err != nil {
		return err
	}
	if _, err := ex.ExecContext(ctx, `DELETE FROM phase_dependencies WHERE project_phase_id=?`, id); err != nil {
		return err
	}
	res, err := ex.ExecContext(ctx, `DELETE FROM project_phases WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountDependents counts edges naming the phase as a target. A phase
// with dependents cannot be deleted.
func (r Repo) CountDependents(ctx context.Context, tx *sql.Tx, phaseID string) (int, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM phase_dependencies WHERE depends_on_phase_id=?`, phaseID).Scan(&n)
	return n, err
}
