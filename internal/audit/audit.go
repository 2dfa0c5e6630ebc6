package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"govline/internal/domain"
)

// Recorder appends and reads the immutable per-instance history. Entries are
// never updated or deleted; sequence numbers are strictly increasing.
type Recorder struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

func (r Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Append writes the next entry for an instance inside the caller's
// transaction, chaining its hash over the previous entry.
func (r Recorder) Append(ctx context.Context, tx *sql.Tx, instanceID string, typ domain.AuditEventType, actorID string, payload Payload) (domain.AuditEntry, error) {
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.AuditEntry{}, fmt.Errorf("marshal audit payload: %w", err)
	}
	var lastSeq int64
	var prevHash sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT seq, entry_hash FROM audit_entries WHERE instance_id=? ORDER BY seq DESC LIMIT 1`, instanceID).
		Scan(&lastSeq, &prevHash)
	if err != nil && err != sql.ErrNoRows {
		return domain.AuditEntry{}, err
	}
	entry := domain.AuditEntry{
		InstanceID: instanceID,
		Seq:        lastSeq + 1,
		Type:       typ,
		ActorID:    actorID,
		Payload:    string(data),
		PrevHash:   prevHash.String,
		RecordedAt: r.now().UTC().Format(time.RFC3339),
	}
	entry.Hash = chainHash(entry)
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_entries(instance_id,seq,event_type,actor_id,payload_json,prev_hash,entry_hash,recorded_at) VALUES (?,?,?,?,?,?,?,?)`,
		entry.InstanceID, entry.Seq, entry.Type, entry.ActorID, entry.Payload, nullable(entry.PrevHash), entry.Hash, entry.RecordedAt)
	if err != nil {
		return domain.AuditEntry{}, err
	}
	return entry, nil
}

// Record appends in its own short transaction, for writers that do not hold
// one (action outcomes, reminder sends).
func (r Recorder) Record(ctx context.Context, instanceID string, typ domain.AuditEventType, actorID string, payload Payload) (domain.AuditEntry, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AuditEntry{}, err
	}
	defer tx.Rollback()
	entry, err := r.Append(ctx, tx, instanceID, typ, actorID, payload)
	if err != nil {
		return domain.AuditEntry{}, err
	}
	return entry, tx.Commit()
}

// Read returns the full ordered history for an instance, from entry 1.
func (r Recorder) Read(ctx context.Context, instanceID string) ([]domain.AuditEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT instance_id,seq,event_type,actor_id,payload_json,COALESCE(prev_hash,''),COALESCE(entry_hash,''),recorded_at
FROM audit_entries WHERE instance_id=? ORDER BY seq ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.InstanceID, &e.Seq, &e.Type, &e.ActorID, &e.Payload, &e.PrevHash, &e.Hash, &e.RecordedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// State is the portion of instance state derivable from the audit log.
type State struct {
	StageID    string
	StageVisit int
	Status     domain.InstanceStatus
	Version    int64
}

// Replay folds the history into the instance state it implies. It is the
// consistency check and recovery path: the stored instance row must equal
// the replayed state at all times.
func Replay(entries []domain.AuditEntry) (State, error) {
	var st State
	var lastSeq int64
	for _, e := range entries {
		if e.Seq != lastSeq+1 {
			return st, fmt.Errorf("entry %d: sequence gap after %d", e.Seq, lastSeq)
		}
		lastSeq = e.Seq
		var payload map[string]any
		if err := json.Unmarshal([]byte(e.Payload), &payload); err != nil {
			return st, fmt.Errorf("entry %d: %w", e.Seq, err)
		}
		switch e.Type {
		case domain.AuditTransition:
			st.StageID = str(payload["to_stage"])
			st.Status = domain.InstanceStatus(str(payload["status"]))
			st.Version = num(payload["version"])
			st.StageVisit = int(num(payload["stage_visit"]))
		case domain.AuditApproval:
			if v := num(payload["version"]); v > 0 {
				st.Version = v
			}
		}
	}
	return st, nil
}

// Verify recomputes the hash chain and fails on the first tampered or
// reordered entry.
func Verify(entries []domain.AuditEntry) error {
	prev := ""
	for _, e := range entries {
		if e.PrevHash != prev {
			return fmt.Errorf("entry %d: prev hash mismatch", e.Seq)
		}
		if got := chainHash(e); got != e.Hash {
			return fmt.Errorf("entry %d: hash mismatch", e.Seq)
		}
		prev = e.Hash
	}
	return nil
}

func chainHash(e domain.AuditEntry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s|%s|%s|%s", e.PrevHash, e.InstanceID, e.Seq, e.Type, e.ActorID, e.Payload, e.RecordedAt)
	return hex.EncodeToString(h.Sum(nil))
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) int64 {
	f, _ := v.(float64)
	return int64(f)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
