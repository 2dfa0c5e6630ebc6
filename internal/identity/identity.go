package identity

import (
	"context"
	"database/sql"
	"errors"
)

// RoleChecker is the identity/authorization collaborator consumed by the
// approval chain. Implementations must be safe for concurrent use.
type RoleChecker interface {
	HasRole(ctx context.Context, actorID, tenantID, role string) (bool, error)
}

// Service is the SQL-backed RoleChecker over the tenant_roles table.
type Service struct {
	DB *sql.DB
}

func (s Service) HasRole(ctx context.Context, actorID, tenantID, role string) (bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT 1 FROM tenant_roles WHERE tenant_id=? AND actor_id=? AND role=? LIMIT 1`,
		tenantID, actorID, role)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s Service) Grant(ctx context.Context, tenantID, actorID, role string) error {
	if tenantID == "" || actorID == "" || role == "" {
		return errors.New("tenant_id, actor_id and role required")
	}
	_, err := s.DB.ExecContext(ctx, `INSERT OR IGNORE INTO tenant_roles(tenant_id, actor_id, role) VALUES (?,?,?)`,
		tenantID, actorID, role)
	return err
}

func (s Service) Revoke(ctx context.Context, tenantID, actorID, role string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM tenant_roles WHERE tenant_id=? AND actor_id=? AND role=?`,
		tenantID, actorID, role)
	return err
}

// ActorRoles lists the roles an actor holds in a tenant.
func (s Service) ActorRoles(ctx context.Context, tenantID, actorID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT role FROM tenant_roles WHERE tenant_id=? AND actor_id=? ORDER BY role`, tenantID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}
