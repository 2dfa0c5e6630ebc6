package reminder

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"govline/internal/audit"
	"govline/internal/dispatch"
	"govline/internal/domain"
	"govline/internal/repo"
)

const defaultSweepInterval = 30 * time.Second

// Scheduler sweeps active instances for due reminders. All scheduling state
// lives in reminder_records; any number of replicas may sweep concurrently
// and each due window is claimed by exactly one of them.
type Scheduler struct {
	DB         *sql.DB
	Repo       repo.Repo
	Audit      audit.Recorder
	Dispatcher *dispatch.Dispatcher
	Interval   time.Duration
	Now        func() time.Time
}

func New(db *sql.DB, d *dispatch.Dispatcher) *Scheduler {
	return &Scheduler{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Audit:      audit.Recorder{DB: db},
		Dispatcher: d,
		Interval:   defaultSweepInterval,
		Now:        time.Now,
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		if err := s.Sweep(ctx, s.now()); err != nil {
			log.Printf("reminder: sweep failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs one pass over every active instance. Per instance it claims at
// most one reminder window per call; a long-overdue stage catches up over
// successive sweeps rather than bursting.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) error {
	instances, err := s.Repo.ListActiveInstances(ctx)
	if err != nil {
		return err
	}
	for _, in := range instances {
		if err := s.sweepInstance(ctx, in, now); err != nil {
			log.Printf("reminder: instance %s: %v", in.ID, err)
		}
	}
	return nil
}

func (s *Scheduler) sweepInstance(ctx context.Context, in domain.Instance, now time.Time) error {
	cfg, err := s.Repo.GetConfig(ctx, in.TenantID, in.ConfigID, in.ConfigVersion)
	if err != nil {
		return err
	}
	stage := cfg.Definition.Stage(in.CurrentStageID)
	if stage == nil || stage.Reminder == nil {
		return nil
	}
	policy := stage.Reminder
	entered, err := time.Parse(time.RFC3339, in.StageEnteredAt)
	if err != nil {
		return fmt.Errorf("bad stage_entered_at %q: %w", in.StageEnteredAt, err)
	}
	if err := s.Repo.EnsureReminderRecord(ctx, in.ID, stage.ID, in.StageVisit); err != nil {
		return err
	}
	rec, err := s.Repo.GetReminderRecord(ctx, in.ID, stage.ID, in.StageVisit)
	if err != nil {
		return err
	}
	interval := time.Duration(policy.IntervalSeconds) * time.Second

	if rec.SendCount < policy.MaxReminders {
		due := entered.Add(time.Duration(rec.SendCount+1) * interval)
		if now.Before(due) {
			return nil
		}
		claimed, err := s.Repo.ClaimReminderSend(ctx, in.ID, stage.ID, in.StageVisit, rec.SendCount, now.UTC().Format(time.RFC3339))
		if err != nil || !claimed {
			// lost the race for this window; another replica sent it
			return err
		}
		s.send(ctx, in, stage, rec.SendCount+1)
		return nil
	}

	if policy.EscalationTarget == "" || rec.Escalated {
		return nil
	}
	claimed, err := s.Repo.ClaimEscalation(ctx, in.ID, stage.ID, in.StageVisit)
	if err != nil || !claimed {
		return err
	}
	s.escalate(ctx, in, stage, policy.EscalationTarget)
	return nil
}

// send notifies the stage's approver roles that a decision is overdue, then
// records the send against the instance's audit trail.
func (s *Scheduler) send(ctx context.Context, in domain.Instance, stage *domain.StageDefinition, sendNumber int) {
	target := reminderTarget(stage)
	s.Dispatcher.Dispatch(ctx, domain.ActionDefinition{
		Type:      domain.ActionNotify,
		Notify:    &domain.NotifyPayload{Target: target, Template: "reminder"},
		KeySuffix: fmt.Sprintf("send-%d", sendNumber),
	}, dispatch.Context{
		TenantID:   in.TenantID,
		InstanceID: in.ID,
		StageID:    stage.ID,
		StageVisit: in.StageVisit,
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
		Phase:      dispatch.PhaseReminder,
		Index:      sendNumber,
	})
	_, err := s.Audit.Record(ctx, in.ID, domain.AuditReminderSent, "scheduler", audit.Payload{
		"stage_id":    stage.ID,
		"stage_visit": in.StageVisit,
		"send_count":  sendNumber,
		"target":      target,
	})
	if err != nil {
		log.Printf("reminder: audit send for %s failed: %v", in.ID, err)
	}
}

func (s *Scheduler) escalate(ctx context.Context, in domain.Instance, stage *domain.StageDefinition, target string) {
	s.Dispatcher.Dispatch(ctx, domain.ActionDefinition{
		Type:   domain.ActionNotify,
		Notify: &domain.NotifyPayload{Target: target, Template: "escalation"},
	}, dispatch.Context{
		TenantID:   in.TenantID,
		InstanceID: in.ID,
		StageID:    stage.ID,
		StageVisit: in.StageVisit,
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
		Phase:      dispatch.PhaseEscalation,
	})
	_, err := s.Audit.Record(ctx, in.ID, domain.AuditEscalation, "scheduler", audit.Payload{
		"stage_id":    stage.ID,
		"stage_visit": in.StageVisit,
		"target":      target,
	})
	if err != nil {
		log.Printf("reminder: audit escalation for %s failed: %v", in.ID, err)
	}
}

func reminderTarget(stage *domain.StageDefinition) string {
	if stage.Approvals == nil || len(stage.Approvals.Roles) == 0 {
		return "stage:" + stage.ID
	}
	roles := make([]string, len(stage.Approvals.Roles))
	for i, r := range stage.Approvals.Roles {
		roles[i] = "role:" + r
	}
	return strings.Join(roles, ",")
}
