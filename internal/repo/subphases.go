package repo

import (
	"context"
	"database/sql"

	"phaseline/internal/domain"
)

const subPhaseColumns = `id,phase_id,sub_phase_template_id,name,status,progress_percentage,assigned_to,planned_start_date,planned_end_date,actual_start_date,actual_end_date,notes,display_order,started_by,completed_at,completed_by,skipped_at,skipped_by,created_at,updated_at`

func scanSubPhase(s phaseScanner) (domain.SubPhase, error) {
	var sp domain.SubPhase
	var templateID, assignedTo, plannedStart, plannedEnd, actualStart, actualEnd, notes sql.NullString
	var startedBy, completedAt, completedBy, skippedAt, skippedBy sql.NullString
	err := s.Scan(&sp.ID, &sp.PhaseID, &templateID, &sp.Name, &sp.Status, &sp.ProgressPercentage,
		&assignedTo, &plannedStart, &plannedEnd, &actualStart, &actualEnd, &notes, &sp.DisplayOrder,
		&startedBy, &completedAt, &completedBy, &skippedAt, &skippedBy, &sp.CreatedAt, &sp.UpdatedAt)
	if err == sql.ErrNoRows {
		return sp, ErrNotFound
	}
	if err != nil {
		return sp, err
	}
	if templateID.Valid {
		sp.SubPhaseTemplateID = &templateID.String
	}
	if assignedTo.Valid {
		sp.AssignedTo = &assignedTo.String
	}
	if plannedStart.Valid {
		sp.PlannedStartDate = &plannedStart.String
	}
	if plannedEnd.Valid {
		sp.PlannedEndDate = &plannedEnd.String
	}
	if actualStart.Valid {
		sp.ActualStartDate = &actualStart.String
	}
	if actualEnd.Valid {
		sp.ActualEndDate = &actualEnd.String
	}
	if notes.Valid {
		sp.Notes = notes.String
	}
	if startedBy.Valid {
		sp.StartedBy = &startedBy.String
	}
	if completedAt.Valid {
		sp.CompletedAt = &completedAt.String
	}
	if completedBy.Valid {
		sp.CompletedBy = &completedBy.String
	}
	if skippedAt.Valid {
		sp.SkippedAt = &skippedAt.String
	}
	if skippedBy.Valid {
		sp.SkippedBy = &skippedBy.String
	}
	return sp, nil
}

func (r Repo) InsertSubPhase(ctx context.Context, tx *sql.Tx, sp domain.SubPhase) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO project_sub_phases(`+subPhaseColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sp.ID, sp.PhaseID, nullableStringPtr(sp.SubPhaseTemplateID), sp.Name, sp.Status, sp.ProgressPercentage,
		nullableStringPtr(sp.AssignedTo), nullableStringPtr(sp.PlannedStartDate), nullableStringPtr(sp.PlannedEndDate),
		nullableStringPtr(sp.ActualStartDate), nullableStringPtr(sp.ActualEndDate), nullable(sp.Notes), sp.DisplayOrder,
		nullableStringPtr(sp.StartedBy), nullableStringPtr(sp.CompletedAt), nullableStringPtr(sp.CompletedBy),
		nullableStringPtr(sp.SkippedAt), nullableStringPtr(sp.SkippedBy), sp.CreatedAt, sp.UpdatedAt)
	return err
}

func (r Repo) GetSubPhase(ctx context.Context, tx *sql.Tx, phaseID, id string) (domain.SubPhase, error) {
	return scanSubPhase(r.on(tx).QueryRowContext(ctx, `SELECT `+subPhaseColumns+` FROM project_sub_phases WHERE id=? AND phase_id=?`, id, phaseID))
}

func (r Repo) ListSubPhases(ctx context.Context, tx *sql.Tx, phaseID string) ([]domain.SubPhase, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+subPhaseColumns+` FROM project_sub_phases WHERE phase_id=? ORDER BY display_order ASC, created_at ASC`, phaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SubPhase
	for rows.Next() {
		sp, err := scanSubPhase(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, sp)
	}
	return res, rows.Err()
}

// ListSubPhasesForProject returns all sub-phases for a project in one
// query, for nesting under the phase list without N+1 fetches.
func (r Repo) ListSubPhasesForProject(ctx context.Context, projectID string) (map[string][]domain.SubPhase, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+prefixColumns(subPhaseColumns, "sp")+` FROM project_sub_phases sp
JOIN project_phases p ON p.id=sp.phase_id
WHERE p.project_id=? ORDER BY sp.display_order ASC, sp.created_at ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string][]domain.SubPhase{}
	for rows.Next() {
		sp, err := scanSubPhase(rows)
		if err != nil {
			return nil, err
		}
		res[sp.PhaseID] = append(res[sp.PhaseID], sp)
	}
	return res, rows.Err()
}

func (r Repo) NextSubPhaseDisplayOrder(ctx context.Context, tx *sql.Tx, phaseID string) (int, error) {
	var max sql.NullInt64
	err := r.on(tx).QueryRowContext(ctx, `SELECT MAX(display_order) FROM project_sub_phases WHERE phase_id=?`, phaseID).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 1, nil
	}
	return int(max.Int64) + 1, nil
}

func (r Repo) UpdateSubPhase(ctx context.Context, tx *sql.Tx, id string, b *UpdateBuilder) error {
	return b.Apply(ctx, r.on(tx), "project_sub_phases", id)
}

func (r Repo) DeleteSubPhase(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.on(tx).ExecContext(ctx, `DELETE FROM project_sub_phases WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
