package audit

import (
	"context"
	"database/sql"
	"time"
)

// Writer appends status-log rows. Rows are immutable once written;
// there is no update or delete path.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// PhaseChange records an accepted phase status change inside tx.
func (w Writer) PhaseChange(ctx context.Context, tx *sql.Tx, phaseID, previous, next, notes, changedBy string) error {
	return w.append(ctx, tx, &phaseID, nil, previous, next, notes, changedBy)
}

// SubPhaseChange records an accepted sub-phase status change inside tx.
func (w Writer) SubPhaseChange(ctx context.Context, tx *sql.Tx, subPhaseID, previous, next, notes, changedBy string) error {
	return w.append(ctx, tx, nil, &subPhaseID, previous, next, notes, changedBy)
}

func (w Writer) append(ctx context.Context, tx *sql.Tx, phaseID, subPhaseID *string, previous, next, notes, changedBy string) error {
	ts := w.now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO phase_status_logs(phase_id,sub_phase_id,previous_status,new_status,notes,changed_by,created_at) VALUES (?,?,?,?,?,?,?)`,
		deref(phaseID), deref(subPhaseID), previous, next, nullable(notes), changedBy, ts)
	return err
}

func deref(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
