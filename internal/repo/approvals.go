package repo

import (
	"context"
	"database/sql"

	"govline/internal/domain"
)

// SupersedePriorTx marks any earlier decision by the same approver in the
// same stage visit as superseded. The latest decision is the one that counts.
func (r Repo) SupersedePriorTx(ctx context.Context, tx *sql.Tx, instanceID string, stageVisit int, approverID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE approval_steps SET superseded=1 WHERE instance_id=? AND stage_visit=? AND approver_id=? AND superseded=0`,
		instanceID, stageVisit, approverID)
	return err
}

func (r Repo) InsertApprovalTx(ctx context.Context, tx *sql.Tx, step domain.ApprovalStep) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approval_steps(id,instance_id,stage_id,stage_visit,approver_id,decision,comment,superseded,decided_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		step.ID, step.InstanceID, step.StageID, step.StageVisit, step.ApproverID, step.Decision, nullable(step.Comment), boolInt(step.Superseded), step.DecidedAt)
	return err
}

// ActiveApprovals returns the non-superseded decisions for one stage visit,
// oldest first.
func (r Repo) ActiveApprovals(ctx context.Context, instanceID string, stageVisit int) ([]domain.ApprovalStep, error) {
	return r.queryApprovals(ctx, `SELECT id,instance_id,stage_id,stage_visit,approver_id,decision,COALESCE(comment,''),superseded,decided_at
FROM approval_steps WHERE instance_id=? AND stage_visit=? AND superseded=0 ORDER BY decided_at ASC, rowid ASC`, instanceID, stageVisit)
}

// ActiveApprovalsByStage returns non-superseded decisions for a stage across
// every visit, oldest first. Used when the stage preserves approvals over
// revision round-trips.
func (r Repo) ActiveApprovalsByStage(ctx context.Context, instanceID, stageID string) ([]domain.ApprovalStep, error) {
	return r.queryApprovals(ctx, `SELECT id,instance_id,stage_id,stage_visit,approver_id,decision,COALESCE(comment,''),superseded,decided_at
FROM approval_steps WHERE instance_id=? AND stage_id=? AND superseded=0 ORDER BY stage_visit ASC, decided_at ASC, rowid ASC`, instanceID, stageID)
}

// ListApprovals returns the full decision history for an instance.
func (r Repo) ListApprovals(ctx context.Context, instanceID string) ([]domain.ApprovalStep, error) {
	return r.queryApprovals(ctx, `SELECT id,instance_id,stage_id,stage_visit,approver_id,decision,COALESCE(comment,''),superseded,decided_at
FROM approval_steps WHERE instance_id=? ORDER BY decided_at ASC, rowid ASC`, instanceID)
}

func (r Repo) queryApprovals(ctx context.Context, query string, args ...any) ([]domain.ApprovalStep, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalStep
	for rows.Next() {
		var s domain.ApprovalStep
		var superseded int
		if err := rows.Scan(&s.ID, &s.InstanceID, &s.StageID, &s.StageVisit, &s.ApproverID, &s.Decision, &s.Comment, &superseded, &s.DecidedAt); err != nil {
			return nil, err
		}
		s.Superseded = superseded != 0
		res = append(res, s)
	}
	return res, rows.Err()
}
