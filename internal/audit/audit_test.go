package audit_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"govline/internal/audit"
	"govline/internal/db"
	"govline/internal/domain"
	"govline/internal/migrate"
)

func newRecorder(t *testing.T) audit.Recorder {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := audit.Recorder{DB: conn}
	r.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return r
}

func transitionPayload(to string, version int64, visit int) audit.Payload {
	return audit.Payload{
		"decision":    "advance",
		"from_stage":  "",
		"to_stage":    to,
		"status":      string(domain.InstanceActive),
		"version":     version,
		"stage_visit": visit,
	}
}

func TestRecordChainsEntries(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()

	first, err := r.Record(ctx, "inst-1", domain.AuditTransition, "starter", transitionPayload("draft", 1, 1))
	if err != nil {
		t.Fatal(err)
	}
	if first.Seq != 1 || first.PrevHash != "" || first.Hash == "" {
		t.Fatalf("bad first entry: %+v", first)
	}

	second, err := r.Record(ctx, "inst-1", domain.AuditApproval, "sam", audit.Payload{"decision": "approve", "version": 2})
	if err != nil {
		t.Fatal(err)
	}
	if second.Seq != 2 || second.PrevHash != first.Hash {
		t.Fatalf("chain broken: %+v", second)
	}

	entries, err := r.Read(ctx, "inst-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if err := audit.Verify(entries); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestSequencesAreIndependentPerInstance(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()

	if _, err := r.Record(ctx, "inst-a", domain.AuditTransition, "starter", transitionPayload("draft", 1, 1)); err != nil {
		t.Fatal(err)
	}
	e, err := r.Record(ctx, "inst-b", domain.AuditTransition, "starter", transitionPayload("draft", 1, 1))
	if err != nil {
		t.Fatal(err)
	}
	if e.Seq != 1 {
		t.Fatalf("inst-b should start its own sequence, got seq %d", e.Seq)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		if _, err := r.Record(ctx, "inst-1", domain.AuditTransition, "starter", transitionPayload("draft", i, int(i))); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := r.Read(ctx, "inst-1")
	if err != nil {
		t.Fatal(err)
	}

	tampered := append([]domain.AuditEntry(nil), entries...)
	tampered[1].Payload = strings.Replace(tampered[1].Payload, "advance", "cancel", 1)
	if err := audit.Verify(tampered); err == nil {
		t.Fatal("verify accepted a tampered payload")
	}

	reordered := []domain.AuditEntry{entries[0], entries[2], entries[1]}
	if err := audit.Verify(reordered); err == nil {
		t.Fatal("verify accepted a reordered chain")
	}
}

func TestReplayDerivesState(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()

	steps := []struct {
		typ     domain.AuditEventType
		actor   string
		payload audit.Payload
	}{
		{domain.AuditTransition, "starter", transitionPayload("draft", 1, 1)},
		{domain.AuditTransition, "starter", transitionPayload("review", 2, 2)},
		{domain.AuditApproval, "sam", audit.Payload{"decision": "approve", "outcome": "recorded", "version": 3}},
		{domain.AuditReminderSent, "scheduler", audit.Payload{"stage_id": "review", "send_count": 1}},
		{domain.AuditTransition, "starter", audit.Payload{
			"decision": "advance", "from_stage": "review", "to_stage": "active",
			"status": string(domain.InstanceCompleted), "version": 4, "stage_visit": 3,
		}},
	}
	for _, s := range steps {
		if _, err := r.Record(ctx, "inst-1", s.typ, s.actor, s.payload); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := r.Read(ctx, "inst-1")
	if err != nil {
		t.Fatal(err)
	}
	st, err := audit.Replay(entries)
	if err != nil {
		t.Fatal(err)
	}
	want := audit.State{StageID: "active", StageVisit: 3, Status: domain.InstanceCompleted, Version: 4}
	if st != want {
		t.Fatalf("replayed %+v, want %+v", st, want)
	}
}

func TestReplayRejectsSequenceGap(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		if _, err := r.Record(ctx, "inst-1", domain.AuditTransition, "starter", transitionPayload("draft", i, int(i))); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := r.Read(ctx, "inst-1")
	if err != nil {
		t.Fatal(err)
	}
	gapped := []domain.AuditEntry{entries[0], entries[2]}
	if _, err := audit.Replay(gapped); err == nil {
		t.Fatal("replay accepted a sequence gap")
	}
}

func TestAppendParticipatesInCallerTransaction(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Append(ctx, tx, "inst-1", domain.AuditTransition, "starter", transitionPayload("draft", 1, 1)); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}

	entries, err := r.Read(ctx, "inst-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("rolled-back entry persisted: %+v", entries)
	}
}
