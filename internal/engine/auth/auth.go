package auth

import (
	"context"
	"database/sql"
	"fmt"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service provides RBAC helpers backed by SQL.
type Service struct {
	DB *sql.DB
}

func (s Service) UserHasPermission(ctx context.Context, tenantID, userID, perm string) (bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT 1 FROM memberships m
JOIN role_permissions rp ON rp.role_id=m.role_id
WHERE m.tenant_id=? AND m.user_id=? AND rp.permission_id=? LIMIT 1`,
		tenantID, userID, perm)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s Service) UserPermissions(ctx context.Context, tenantID, userID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT DISTINCT rp.permission_id
FROM memberships m
JOIN role_permissions rp ON rp.role_id=m.role_id
WHERE m.tenant_id=? AND m.user_id=?`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (s Service) UserRole(ctx context.Context, tenantID, userID string) (string, int, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT m.role_id, r.level FROM memberships m
JOIN roles r ON r.id=m.role_id
WHERE m.tenant_id=? AND m.user_id=? LIMIT 1`, tenantID, userID)
	var role string
	var level int
	err := row.Scan(&role, &level)
	if err == sql.ErrNoRows {
		return "", 0, nil
	}
	return role, level, err
}
