package registry

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"govline/internal/domain"
	"govline/internal/repo"
)

// Registry stores and versions tenant workflow definitions. It never touches
// running instances; a new version of a config leaves bound instances on the
// version they started with.
type Registry struct {
	DB   *sql.DB
	Repo repo.Repo
	Now  func() time.Time
}

func New(db *sql.DB) Registry {
	return Registry{
		DB:   db,
		Repo: repo.Repo{DB: db},
		Now:  time.Now,
	}
}

func (g Registry) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// CreateConfig validates and stores a new definition as version 1.
func (g Registry) CreateConfig(ctx context.Context, tenantID string, def domain.WorkflowDefinition) (domain.WorkflowConfig, error) {
	if err := ValidateDefinition(def); err != nil {
		return domain.WorkflowConfig{}, err
	}
	cfg := domain.WorkflowConfig{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		Version:    1,
		IsActive:   true,
		Definition: def,
		CreatedAt:  g.now().UTC().Format(time.RFC3339),
	}
	return cfg, g.insert(ctx, cfg)
}

// UpdateConfig validates and stores the definition as the next version of an
// existing config. Prior versions stay untouched for their bound instances.
func (g Registry) UpdateConfig(ctx context.Context, tenantID, id string, def domain.WorkflowDefinition) (domain.WorkflowConfig, error) {
	if err := ValidateDefinition(def); err != nil {
		return domain.WorkflowConfig{}, err
	}
	latest, err := g.Repo.LatestConfigVersion(ctx, tenantID, id)
	if err != nil {
		return domain.WorkflowConfig{}, err
	}
	if latest == 0 {
		return domain.WorkflowConfig{}, repo.ErrNotFound
	}
	cfg := domain.WorkflowConfig{
		ID:         id,
		TenantID:   tenantID,
		Version:    latest + 1,
		IsActive:   true,
		Definition: def,
		CreatedAt:  g.now().UTC().Format(time.RFC3339),
	}
	return cfg, g.insert(ctx, cfg)
}

func (g Registry) insert(ctx context.Context, cfg domain.WorkflowConfig) error {
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := g.Repo.InsertConfigTx(ctx, tx, cfg); err != nil {
		return err
	}
	return tx.Commit()
}

// GetConfig returns a config; version 0 means latest active.
func (g Registry) GetConfig(ctx context.Context, tenantID, id string, version int) (domain.WorkflowConfig, error) {
	return g.Repo.GetConfig(ctx, tenantID, id, version)
}

// DeactivateConfig hides every version of a config from new instance
// starts. Running instances are unaffected.
func (g Registry) DeactivateConfig(ctx context.Context, tenantID, id string) error {
	return g.Repo.DeactivateConfig(ctx, tenantID, id)
}
