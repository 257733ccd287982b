package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/migrate"
	"phaseline/internal/repo"
)

// Context bundles the opened database and configured engine for the
// CLI and server entry points.
type Context struct {
	DB     *sql.DB
	Engine engine.Engine
	Config *config.Config
}

// Bootstrap opens the workspace database, migrates it, loads
// phaseline.yml (falling back to the default config), seeds templates
// and roles, and ensures the tenant with an owner user exists.
func Bootstrap(ctx context.Context, workspace, ownerEmail string, logger *log.Logger) (*Context, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("studio")
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	e := engine.New(conn, cfg, logger)
	if err := e.SeedTemplates(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	if err := ensureTenantOwner(ctx, e, ownerEmail); err != nil {
		conn.Close()
		return nil, err
	}
	return &Context{DB: conn, Engine: e, Config: cfg}, nil
}

// ensureTenantOwner creates the configured tenant and, when an owner
// email is given, an owner user and membership on first run.
func ensureTenantOwner(ctx context.Context, e engine.Engine, ownerEmail string) error {
	cfg := e.Config
	if strings.TrimSpace(cfg.Tenant.ID) == "" {
		return fmt.Errorf("tenant id missing from config")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureTenant(ctx, tx, cfg.Tenant.ID, cfg.Tenant.Name, now); err != nil {
		return fmt.Errorf("ensure tenant: %w", err)
	}
	if ownerEmail != "" {
		user, err := e.Repo.GetUserByEmail(ctx, cfg.Tenant.ID, ownerEmail)
		if errors.Is(err, repo.ErrNotFound) {
			user = domain.User{
				ID:        uuid.NewString(),
				TenantID:  cfg.Tenant.ID,
				Name:      ownerEmail,
				Email:     ownerEmail,
				CreatedAt: now,
			}
			if err := e.Repo.InsertUser(ctx, tx, user); err != nil {
				return fmt.Errorf("create owner: %w", err)
			}
		} else if err != nil {
			return err
		}
		m := domain.Membership{TenantID: cfg.Tenant.ID, UserID: user.ID, RoleID: "owner"}
		if err := e.Repo.UpsertMembership(ctx, tx, m); err != nil {
			return fmt.Errorf("owner membership: %w", err)
		}
	}
	return tx.Commit()
}
