package registry_test

import (
	"context"
	"errors"
	"testing"

	"govline/internal/db"
	"govline/internal/domain"
	"govline/internal/migrate"
	"govline/internal/registry"
	"govline/internal/repo"
)

func newRegistry(t *testing.T) registry.Registry {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return registry.New(conn)
}

func TestVersionsAccumulate(t *testing.T) {
	g := newRegistry(t)
	ctx := context.Background()

	created, err := g.CreateConfig(ctx, "acme", validDefinition())
	if err != nil {
		t.Fatal(err)
	}
	if created.Version != 1 || !created.IsActive {
		t.Fatalf("unexpected created config: %+v", created)
	}

	def := validDefinition()
	def.Name = "agent-onboarding-v2"
	updated, err := g.UpdateConfig(ctx, "acme", created.ID, def)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Version != 2 {
		t.Fatalf("version %d after update", updated.Version)
	}

	// version 0 resolves to the latest active version
	latest, err := g.GetConfig(ctx, "acme", created.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if latest.Version != 2 || latest.Definition.Name != "agent-onboarding-v2" {
		t.Fatalf("latest resolved to %+v", latest)
	}

	pinned, err := g.GetConfig(ctx, "acme", created.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if pinned.Definition.Name == latest.Definition.Name {
		t.Fatal("pinned version was overwritten")
	}
}

func TestUpdateUnknownConfig(t *testing.T) {
	g := newRegistry(t)
	_, err := g.UpdateConfig(context.Background(), "acme", "missing", validDefinition())
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeactivateHidesFromLatestLookup(t *testing.T) {
	g := newRegistry(t)
	ctx := context.Background()
	created, err := g.CreateConfig(ctx, "acme", validDefinition())
	if err != nil {
		t.Fatal(err)
	}
	if err := g.DeactivateConfig(ctx, "acme", created.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := g.GetConfig(ctx, "acme", created.ID, 0); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("deactivated config still resolves: %v", err)
	}
	// pinned reads keep working for instances bound to the version
	if _, err := g.GetConfig(ctx, "acme", created.ID, 1); err != nil {
		t.Fatalf("pinned read failed: %v", err)
	}
}

func TestTenantsAreIsolated(t *testing.T) {
	g := newRegistry(t)
	ctx := context.Background()
	created, err := g.CreateConfig(ctx, "acme", validDefinition())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.GetConfig(ctx, "globex", created.ID, 0); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("config visible across tenants: %v", err)
	}
	var invalid domain.ValidationError
	if _, err := g.CreateConfig(ctx, "globex", domain.WorkflowDefinition{}); !errors.As(err, &invalid) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
