package repo

import (
	"context"
	"database/sql"

	"govline/internal/domain"
)

func (r Repo) GetActionResult(ctx context.Context, key string) (domain.ActionResult, error) {
	var res domain.ActionResult
	var result sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT idempotency_key,instance_id,stage_id,action_type,status,attempts,result_json,updated_at FROM action_results WHERE idempotency_key=?`, key).
		Scan(&res.Key, &res.InstanceID, &res.StageID, &res.ActionType, &res.Status, &res.Attempts, &result, &res.UpdatedAt)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	if err != nil {
		return res, err
	}
	if result.Valid {
		res.Result = result.String
	}
	return res, nil
}

// ClaimActionKey inserts the pending marker for an idempotency key. A false
// return means the key already exists; the caller must consult its status
// before re-executing.
func (r Repo) ClaimActionKey(ctx context.Context, res domain.ActionResult) (bool, error) {
	out, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO action_results(idempotency_key,instance_id,stage_id,action_type,status,attempts,updated_at) VALUES (?,?,?,?,?,0,?)`,
		res.Key, res.InstanceID, res.StageID, res.ActionType, domain.ActionPending, res.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := out.RowsAffected()
	return n > 0, err
}

// FinishAction records the terminal outcome for an idempotency key.
func (r Repo) FinishAction(ctx context.Context, key string, status domain.ActionStatus, attempts int, result, updatedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE action_results SET status=?, attempts=?, result_json=?, updated_at=? WHERE idempotency_key=?`,
		status, attempts, nullable(result), updatedAt, key)
	return err
}
