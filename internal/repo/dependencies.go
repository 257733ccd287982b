package repo

import (
	"context"
	"database/sql"
	"strings"

	"phaseline/internal/domain"
)

func (r Repo) AddDependency(ctx context.Context, tx *sql.Tx, d domain.PhaseDependency) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT OR IGNORE INTO phase_dependencies(project_phase_id,depends_on_phase_id,dependency_type) VALUES (?,?,?)`,
		d.ProjectPhaseID, d.DependsOnPhaseID, d.DependencyType)
	return err
}

func (r Repo) RemoveDependency(ctx context.Context, tx *sql.Tx, phaseID, dependsOnID string) error {
	res, err := r.on(tx).ExecContext(ctx, `DELETE FROM phase_dependencies WHERE project_phase_id=? AND depends_on_phase_id=?`, phaseID, dependsOnID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDependencies returns edges whose dependent phase is in phaseIDs.
func (r Repo) ListDependencies(ctx context.Context, tx *sql.Tx, phaseIDs []string) ([]domain.PhaseDependency, error) {
	if len(phaseIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(phaseIDs)), ",")
	args := make([]any, len(phaseIDs))
	for i, id := range phaseIDs {
		args[i] = id
	}
	rows, err := r.on(tx).QueryContext(ctx, `SELECT project_phase_id,depends_on_phase_id,dependency_type FROM phase_dependencies WHERE project_phase_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhaseDependency
	for rows.Next() {
		var d domain.PhaseDependency
		if err := rows.Scan(&d.ProjectPhaseID, &d.DependsOnPhaseID, &d.DependencyType); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
