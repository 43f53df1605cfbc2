package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/repo"
)

// Bootstrap loads the workspace config, seeds the global stage catalog from it,
// and ensures the acting manager exists. Seeding is idempotent: a seed entry is
// skipped when a global stage with the same name already exists.
func Bootstrap(ctx context.Context, workspace, managerID string, r repo.Repo) (*config.Config, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := SeedCatalog(ctx, r, cfg); err != nil {
		return nil, err
	}
	if managerID != "" {
		now := time.Now().UTC().Format(time.RFC3339)
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()
		if err := r.EnsureManager(ctx, tx, managerID, now); err != nil {
			return nil, fmt.Errorf("ensure manager: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// SeedCatalog inserts the configured global stages that are not present yet.
func SeedCatalog(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	if cfg == nil || len(cfg.Catalog.Seed) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	existing := map[string]bool{}
	for _, seed := range cfg.Catalog.Seed {
		_, err := r.FindStageByName(ctx, seed.Name)
		if err == nil {
			existing[seed.Name] = true
			continue
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, seed := range cfg.Catalog.Seed {
		if existing[seed.Name] {
			continue
		}
		s := domain.Stage{
			ID:          uuid.NewString(),
			Name:        seed.Name,
			Description: seed.Description,
			CreatedAt:   now,
		}
		if err := r.InsertStageTx(ctx, tx, s); err != nil {
			return fmt.Errorf("seed stage %s: %w", seed.Name, err)
		}
	}
	return tx.Commit()
}
