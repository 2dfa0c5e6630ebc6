package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"govline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ---- workflow configs ----

func (r Repo) InsertConfigTx(ctx context.Context, tx *sql.Tx, cfg domain.WorkflowConfig) error {
	payload, err := json.Marshal(cfg.Definition)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO workflow_configs(id,tenant_id,version,is_active,definition_json,created_at) VALUES (?,?,?,?,?,?)`,
		cfg.ID, cfg.TenantID, cfg.Version, boolInt(cfg.IsActive), string(payload), cfg.CreatedAt)
	return err
}

// GetConfig loads one version of a config. Version 0 resolves to the latest
// active version.
func (r Repo) GetConfig(ctx context.Context, tenantID, id string, version int) (domain.WorkflowConfig, error) {
	var (
		row *sql.Row
		cfg domain.WorkflowConfig
	)
	if version > 0 {
		row = r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,version,is_active,definition_json,created_at FROM workflow_configs WHERE tenant_id=? AND id=? AND version=?`,
			tenantID, id, version)
	} else {
		row = r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,version,is_active,definition_json,created_at FROM workflow_configs WHERE tenant_id=? AND id=? AND is_active=1 ORDER BY version DESC LIMIT 1`,
			tenantID, id)
	}
	var active int
	var payload string
	err := row.Scan(&cfg.ID, &cfg.TenantID, &cfg.Version, &active, &payload, &cfg.CreatedAt)
	if err == sql.ErrNoRows {
		return cfg, ErrNotFound
	}
	if err != nil {
		return cfg, err
	}
	cfg.IsActive = active != 0
	if err := json.Unmarshal([]byte(payload), &cfg.Definition); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LatestConfigVersion returns the highest stored version for a config id,
// active or not. Zero means the id is unused.
func (r Repo) LatestConfigVersion(ctx context.Context, tenantID, id string) (int, error) {
	var v int
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0) FROM workflow_configs WHERE tenant_id=? AND id=?`, tenantID, id).Scan(&v)
	return v, err
}

func (r Repo) DeactivateConfig(ctx context.Context, tenantID, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE workflow_configs SET is_active=0 WHERE tenant_id=? AND id=?`, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListConfigs(ctx context.Context, tenantID string) ([]domain.WorkflowConfig, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,tenant_id,version,is_active,definition_json,created_at FROM workflow_configs WHERE tenant_id=? ORDER BY id, version`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowConfig
	for rows.Next() {
		var cfg domain.WorkflowConfig
		var active int
		var payload string
		if err := rows.Scan(&cfg.ID, &cfg.TenantID, &cfg.Version, &active, &payload, &cfg.CreatedAt); err != nil {
			return nil, err
		}
		cfg.IsActive = active != 0
		if err := json.Unmarshal([]byte(payload), &cfg.Definition); err != nil {
			return nil, err
		}
		res = append(res, cfg)
	}
	return res, rows.Err()
}

// ---- instances ----

const instanceCols = `id,tenant_id,config_id,config_version,entity_type,entity_id,current_stage_id,stage_visit,status,version,created_at,stage_entered_at`

func scanInstance(row *sql.Row) (domain.Instance, error) {
	var in domain.Instance
	err := row.Scan(&in.ID, &in.TenantID, &in.ConfigID, &in.ConfigVersion, &in.EntityType, &in.EntityID,
		&in.CurrentStageID, &in.StageVisit, &in.Status, &in.Version, &in.CreatedAt, &in.StageEnteredAt)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	return in, err
}

func (r Repo) InsertInstanceTx(ctx context.Context, tx *sql.Tx, in domain.Instance) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO instances(`+instanceCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.TenantID, in.ConfigID, in.ConfigVersion, in.EntityType, in.EntityID,
		in.CurrentStageID, in.StageVisit, in.Status, in.Version, in.CreatedAt, in.StageEnteredAt)
	return err
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.Instance, error) {
	return scanInstance(r.DB.QueryRowContext(ctx, `SELECT `+instanceCols+` FROM instances WHERE id=?`, id))
}

func (r Repo) GetInstanceTx(ctx context.Context, tx *sql.Tx, id string) (domain.Instance, error) {
	return scanInstance(tx.QueryRowContext(ctx, `SELECT `+instanceCols+` FROM instances WHERE id=?`, id))
}

// AdvanceInstanceTx applies a stage move guarded by the optimistic version
// check. It reports false when the expected version no longer matches.
func (r Repo) AdvanceInstanceTx(ctx context.Context, tx *sql.Tx, in domain.Instance, expectedVersion int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE instances SET current_stage_id=?, stage_visit=?, status=?, version=version+1, stage_entered_at=? WHERE id=? AND version=?`,
		in.CurrentStageID, in.StageVisit, in.Status, in.StageEnteredAt, in.ID, expectedVersion)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TouchInstanceTx bumps only the version, used when an approval must
// invalidate concurrent transition requests without moving the stage.
func (r Repo) TouchInstanceTx(ctx context.Context, tx *sql.Tx, id string, expectedVersion int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE instances SET version=version+1 WHERE id=? AND version=?`, id, expectedVersion)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type InstanceFilters struct {
	TenantID   string
	Status     string
	EntityType string
	EntityID   string
	Limit      int
}

func (r Repo) ListInstances(ctx context.Context, f InstanceFilters) ([]domain.Instance, error) {
	var clauses []string
	var args []any
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, f.TenantID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.EntityType != "" {
		clauses = append(clauses, "entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + instanceCols + ` FROM instances ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Instance
	for rows.Next() {
		var in domain.Instance
		if err := rows.Scan(&in.ID, &in.TenantID, &in.ConfigID, &in.ConfigVersion, &in.EntityType, &in.EntityID,
			&in.CurrentStageID, &in.StageVisit, &in.Status, &in.Version, &in.CreatedAt, &in.StageEnteredAt); err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// ListActiveInstances returns every active instance; the reminder scheduler
// sweeps over this set.
func (r Repo) ListActiveInstances(ctx context.Context) ([]domain.Instance, error) {
	return r.ListInstances(ctx, InstanceFilters{Status: string(domain.InstanceActive)})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
