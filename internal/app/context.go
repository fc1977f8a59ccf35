package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"signoff/internal/config"
	"signoff/internal/db"
	"signoff/internal/domain"
	"signoff/internal/migrate"
	"signoff/internal/repo"
)

// OpenWorkspace opens (and migrates) the workspace database and loads the
// optional signoff.yml. A missing config file yields the built-in defaults so
// a fresh checkout works without any setup.
func OpenWorkspace(workspace string) (*sql.DB, *config.Config, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return conn, cfg, nil
}

// EnsureActor creates the acting user on first use. Local CLI sessions do not
// go through an admin provisioning step.
func EnsureActor(ctx context.Context, r repo.Repo, actorPK string) error {
	if actorPK == "" {
		return fmt.Errorf("actor not specified; use --actor or SIGNOFF_ACTOR")
	}
	if _, err := r.GetUser(ctx, actorPK); err == nil {
		return nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	return r.InsertUser(ctx, domain.User{
		PK:        actorPK,
		Name:      actorPK,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
}
