package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

// execer lets repo methods run against either the pool or an open tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) on(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

// prefixColumns qualifies a comma-joined column list with a table alias.
func prefixColumns(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ",")
}

// UpdateBuilder accumulates SET clauses for a sparse UPDATE. Fields
// absent from a patch request never enter the statement.
type UpdateBuilder struct {
	fields []string
	args   []any
}

func (b *UpdateBuilder) Set(column string, value any) {
	b.fields = append(b.fields, column+"=?")
	b.args = append(b.args, value)
}

func (b *UpdateBuilder) Empty() bool { return len(b.fields) == 0 }

func (b *UpdateBuilder) Apply(ctx context.Context, ex execer, table, id string) error {
	if b.Empty() {
		return nil
	}
	args := append(b.args, id)
	res, err := ex.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s WHERE id=?`, table, strings.Join(b.fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
