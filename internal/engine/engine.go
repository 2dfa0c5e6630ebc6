package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"govline/internal/approval"
	"govline/internal/audit"
	"govline/internal/dispatch"
	"govline/internal/domain"
	"govline/internal/identity"
	"govline/internal/repo"
)

// DecisionAdvance is the conventional decision name for moving forward.
// Configs may define any decision vocabulary; only the approval decisions
// reject and needs_revision get special revision handling.
const DecisionAdvance = "advance"

// DecisionCancel marks a forced cancellation in the audit trail. It is not
// part of any stage's transition table.
const DecisionCancel = "cancel"

// Engine applies stage transitions. All instance mutations funnel through
// it so the optimistic version counter and the audit trail stay in step.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Audit      audit.Recorder
	Approvals  approval.Manager
	Dispatcher *dispatch.Dispatcher
	Now        func() time.Time
}

func New(db *sql.DB, roles identity.RoleChecker, d *dispatch.Dispatcher) Engine {
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Audit:      audit.Recorder{DB: db},
		Approvals:  approval.New(db, roles),
		Dispatcher: d,
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// StartInstance creates a running instance bound to a config version. With
// version 0 the latest active version is bound; a pinned version may be
// started even after deactivation.
func (e Engine) StartInstance(ctx context.Context, tenantID, configID string, configVersion int, entityType domain.EntityType, entityID, actorID string) (domain.Instance, error) {
	cfg, err := e.Repo.GetConfig(ctx, tenantID, configID, configVersion)
	if err != nil {
		return domain.Instance{}, err
	}
	if entityType != cfg.Definition.EntityType {
		return domain.Instance{}, domain.ValidationError{
			Reason: domain.ReasonBadEntityType,
			Detail: "entity type " + string(entityType) + " does not match config " + string(cfg.Definition.EntityType),
		}
	}
	initial := cfg.Definition.InitialStage()
	now := e.now().UTC().Format(time.RFC3339)
	in := domain.Instance{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		ConfigID:       cfg.ID,
		ConfigVersion:  cfg.Version,
		EntityType:     entityType,
		EntityID:       entityID,
		CurrentStageID: initial.ID,
		StageVisit:     1,
		Status:         domain.InstanceActive,
		Version:        1,
		CreatedAt:      now,
		StageEnteredAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Instance{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertInstanceTx(ctx, tx, in); err != nil {
		return domain.Instance{}, err
	}
	_, err = e.Audit.Append(ctx, tx, in.ID, domain.AuditTransition, actorID, audit.Payload{
		"decision":    "start",
		"from_stage":  "",
		"to_stage":    initial.ID,
		"status":      string(in.Status),
		"version":     in.Version,
		"stage_visit": in.StageVisit,
	})
	if err != nil {
		return domain.Instance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Instance{}, err
	}
	e.dispatchStage(ctx, in, initial.OnEnter, dispatch.PhaseEnter)
	return in, nil
}

// RequestTransition applies one decision against an instance. The version
// check and the state write share one UPDATE, so concurrent callers on the
// same version race and exactly one wins; the rest get ConflictError.
func (e Engine) RequestTransition(ctx context.Context, instanceID, decision, actorID string, expectedVersion int64) (domain.Instance, error) {
	in, err := e.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return domain.Instance{}, err
	}
	if in.Version != expectedVersion {
		return domain.Instance{}, domain.ConflictError{InstanceID: instanceID, ExpectedVersion: expectedVersion}
	}
	if in.Status != domain.InstanceActive {
		return domain.Instance{}, domain.TerminalStateError{InstanceID: instanceID, Status: in.Status}
	}
	cfg, err := e.Repo.GetConfig(ctx, in.TenantID, in.ConfigID, in.ConfigVersion)
	if err != nil {
		return domain.Instance{}, err
	}
	stage := cfg.Definition.Stage(in.CurrentStageID)
	if stage == nil {
		return domain.Instance{}, domain.InvalidTransitionError{StageID: in.CurrentStageID, Decision: decision}
	}

	targetID, err := e.resolveTarget(ctx, in, stage, decision, actorID)
	if err != nil {
		return domain.Instance{}, err
	}
	target := cfg.Definition.Stage(targetID)
	if target == nil {
		return domain.Instance{}, domain.InvalidTransitionError{StageID: stage.ID, Decision: decision}
	}

	updated, err := e.apply(ctx, in, stage.ID, target, decision, actorID, expectedVersion, domain.InstanceActive)
	if err != nil {
		return domain.Instance{}, err
	}
	e.dispatchStage(ctx, in, stage.OnExit, dispatch.PhaseExit)
	e.dispatchStage(ctx, updated, target.OnEnter, dispatch.PhaseEnter)
	return updated, nil
}

// resolveTarget picks the destination stage for a decision. A reject or
// needs_revision decision from an eligible approver routes to the stage's
// revision target without waiting for quorum; every other decision must
// pass the approval gate first.
func (e Engine) resolveTarget(ctx context.Context, in domain.Instance, stage *domain.StageDefinition, decision, actorID string) (string, error) {
	if stage.RevisionTarget != "" &&
		(decision == string(domain.DecisionReject) || decision == string(domain.DecisionNeedsRevision)) {
		ok, err := e.Approvals.Eligible(ctx, in.TenantID, stage, actorID)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", domain.ForbiddenError{ActorID: actorID, StageID: stage.ID}
		}
		return stage.RevisionTarget, nil
	}
	q, err := e.Approvals.Evaluate(ctx, in, stage)
	if err != nil {
		return "", err
	}
	if !q.Satisfied {
		return "", domain.ApprovalsPendingError{StageID: stage.ID, Have: q.Approvals, Need: q.Required}
	}
	targetID, ok := stage.Transitions[decision]
	if !ok {
		return "", domain.InvalidTransitionError{StageID: stage.ID, Decision: decision}
	}
	return targetID, nil
}

// CancelInstance force-moves an active instance to the cancelled status.
// It bypasses the stage graph but not the version check or the audit trail.
func (e Engine) CancelInstance(ctx context.Context, instanceID, actorID string, expectedVersion int64) (domain.Instance, error) {
	in, err := e.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return domain.Instance{}, err
	}
	if in.Version != expectedVersion {
		return domain.Instance{}, domain.ConflictError{InstanceID: instanceID, ExpectedVersion: expectedVersion}
	}
	if in.Status != domain.InstanceActive {
		return domain.Instance{}, domain.TerminalStateError{InstanceID: instanceID, Status: in.Status}
	}
	cfg, err := e.Repo.GetConfig(ctx, in.TenantID, in.ConfigID, in.ConfigVersion)
	if err != nil {
		return domain.Instance{}, err
	}
	stage := cfg.Definition.Stage(in.CurrentStageID)
	updated, err := e.applyStatus(ctx, in, in.CurrentStageID, DecisionCancel, actorID, expectedVersion, domain.InstanceCancelled)
	if err != nil {
		return domain.Instance{}, err
	}
	if stage != nil {
		e.dispatchStage(ctx, in, stage.OnExit, dispatch.PhaseExit)
	}
	return updated, nil
}

// apply commits a stage move. Entering a new stage starts a fresh stage
// visit so approval counts and reminder windows reset; a terminal target
// flips the status to completed in the same write.
func (e Engine) apply(ctx context.Context, in domain.Instance, fromStageID string, target *domain.StageDefinition, decision, actorID string, expectedVersion int64, status domain.InstanceStatus) (domain.Instance, error) {
	if target.Terminal {
		status = domain.InstanceCompleted
	}
	updated := in
	updated.CurrentStageID = target.ID
	updated.StageVisit = in.StageVisit + 1
	updated.Status = status
	updated.Version = expectedVersion + 1
	updated.StageEnteredAt = e.now().UTC().Format(time.RFC3339)
	return e.commit(ctx, in, updated, fromStageID, decision, actorID, expectedVersion)
}

func (e Engine) applyStatus(ctx context.Context, in domain.Instance, stageID, decision, actorID string, expectedVersion int64, status domain.InstanceStatus) (domain.Instance, error) {
	updated := in
	updated.Status = status
	updated.Version = expectedVersion + 1
	return e.commit(ctx, in, updated, stageID, decision, actorID, expectedVersion)
}

func (e Engine) commit(ctx context.Context, in, updated domain.Instance, fromStageID, decision, actorID string, expectedVersion int64) (domain.Instance, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Instance{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.AdvanceInstanceTx(ctx, tx, updated, expectedVersion)
	if err != nil {
		return domain.Instance{}, err
	}
	if !ok {
		return domain.Instance{}, domain.ConflictError{InstanceID: in.ID, ExpectedVersion: expectedVersion}
	}
	_, err = e.Audit.Append(ctx, tx, in.ID, domain.AuditTransition, actorID, audit.Payload{
		"decision":    decision,
		"from_stage":  fromStageID,
		"to_stage":    updated.CurrentStageID,
		"status":      string(updated.Status),
		"version":     updated.Version,
		"stage_visit": updated.StageVisit,
	})
	if err != nil {
		return domain.Instance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Instance{}, err
	}
	return updated, nil
}

// dispatchStage queues a stage's actions. Dispatch outcomes land in the
// audit trail; a failed action never unwinds a committed transition.
func (e Engine) dispatchStage(ctx context.Context, in domain.Instance, actions []domain.ActionDefinition, phase dispatch.Phase) {
	if e.Dispatcher == nil {
		return
	}
	for i, a := range actions {
		e.Dispatcher.Dispatch(ctx, a, dispatch.Context{
			TenantID:   in.TenantID,
			InstanceID: in.ID,
			StageID:    in.CurrentStageID,
			StageVisit: in.StageVisit,
			EntityType: in.EntityType,
			EntityID:   in.EntityID,
			Phase:      phase,
			Index:      i,
		})
	}
}
