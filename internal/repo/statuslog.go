package repo

import (
	"context"
	"database/sql"

	"phaseline/internal/domain"
)

const statusLogColumns = `id,phase_id,sub_phase_id,previous_status,new_status,notes,changed_by,created_at`

func scanStatusLog(s phaseScanner) (domain.StatusLog, error) {
	var l domain.StatusLog
	var phaseID, subPhaseID, notes sql.NullString
	err := s.Scan(&l.ID, &phaseID, &subPhaseID, &l.PreviousStatus, &l.NewStatus, &notes, &l.ChangedBy, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if phaseID.Valid {
		l.PhaseID = &phaseID.String
	}
	if subPhaseID.Valid {
		l.SubPhaseID = &subPhaseID.String
	}
	if notes.Valid {
		l.Notes = notes.String
	}
	return l, nil
}

// StatusLogFilters narrows log listings; cursor pagination by id.
type StatusLogFilters struct {
	PhaseID    string
	SubPhaseID string
	Limit      int
	CursorID   int64
}

func (r Repo) ListStatusLogs(ctx context.Context, f StatusLogFilters) ([]domain.StatusLog, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.PhaseID != "" {
		clauses = append(clauses, "phase_id=?")
		args = append(args, f.PhaseID)
	}
	if f.SubPhaseID != "" {
		clauses = append(clauses, "sub_phase_id=?")
		args = append(args, f.SubPhaseID)
	}
	if f.CursorID > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.CursorID)
	}
	query := `SELECT ` + statusLogColumns + ` FROM phase_status_logs WHERE ` + joinAnd(clauses) + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusLog
	for rows.Next() {
		l, err := scanStatusLog(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func joinAnd(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}

// StatusLogsAfter returns log rows with IDs greater than the cursor in
// ascending order, for the webhook dispatcher.
func (r Repo) StatusLogsAfter(ctx context.Context, limit int, cursor int64) ([]domain.StatusLog, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + statusLogColumns + ` FROM phase_status_logs WHERE id>? ORDER BY id ASC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusLog
	for rows.Next() {
		l, err := scanStatusLog(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// LatestStatusLogID returns the most recent log ID.
func (r Repo) LatestStatusLogID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM phase_status_logs`).Scan(&id)
	return id, err
}
