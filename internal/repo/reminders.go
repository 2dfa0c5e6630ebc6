package repo

import (
	"context"
	"database/sql"

	"govline/internal/domain"
)

// EnsureReminderRecord creates the zero-count record for a stage visit if it
// does not exist yet. Safe to call from any number of scheduler workers.
func (r Repo) EnsureReminderRecord(ctx context.Context, instanceID, stageID string, stageVisit int) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO reminder_records(instance_id,stage_id,stage_visit,send_count,escalated) VALUES (?,?,?,0,0)`,
		instanceID, stageID, stageVisit)
	return err
}

func (r Repo) GetReminderRecord(ctx context.Context, instanceID, stageID string, stageVisit int) (domain.ReminderRecord, error) {
	var rec domain.ReminderRecord
	var escalated int
	var lastSent sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT instance_id,stage_id,stage_visit,send_count,escalated,last_sent_at FROM reminder_records WHERE instance_id=? AND stage_id=? AND stage_visit=?`,
		instanceID, stageID, stageVisit).
		Scan(&rec.InstanceID, &rec.StageID, &rec.StageVisit, &rec.SendCount, &escalated, &lastSent)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.Escalated = escalated != 0
	if lastSent.Valid {
		rec.LastSentAt = lastSent.String
	}
	return rec, nil
}

// ClaimReminderSend atomically increments send_count from the value the
// sweeper observed. A false return means another worker claimed this due
// window first; the caller skips, it does not retry within the same tick.
func (r Repo) ClaimReminderSend(ctx context.Context, instanceID, stageID string, stageVisit, observedCount int, sentAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE reminder_records SET send_count=send_count+1, last_sent_at=? WHERE instance_id=? AND stage_id=? AND stage_visit=? AND send_count=?`,
		sentAt, instanceID, stageID, stageVisit, observedCount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClaimEscalation flips the escalated flag exactly once.
func (r Repo) ClaimEscalation(ctx context.Context, instanceID, stageID string, stageVisit int) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE reminder_records SET escalated=1 WHERE instance_id=? AND stage_id=? AND stage_visit=? AND escalated=0`,
		instanceID, stageID, stageVisit)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
