package approval

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"govline/internal/audit"
	"govline/internal/domain"
	"govline/internal/identity"
	"govline/internal/repo"
)

// Manager records approval decisions and evaluates stage quorums. Instance
// version bumps on every recorded decision so concurrent transition requests
// holding the old version fail with a conflict instead of racing the quorum.
type Manager struct {
	DB    *sql.DB
	Repo  repo.Repo
	Roles identity.RoleChecker
	Audit audit.Recorder
	Now   func() time.Time
}

func New(db *sql.DB, roles identity.RoleChecker) Manager {
	return Manager{
		DB:    db,
		Repo:  repo.Repo{DB: db},
		Roles: roles,
		Audit: audit.Recorder{DB: db},
		Now:   time.Now,
	}
}

func (m Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// RecordApproval stores one approver's decision for the instance's current
// stage visit. A newer decision by the same approver supersedes the prior
// one in the same transaction. Unauthorized attempts are audited and
// rejected.
func (m Manager) RecordApproval(ctx context.Context, instanceID string, approverID string, decision domain.ApprovalDecision, comment string, expectedVersion int64, cfg domain.WorkflowConfig) (domain.ApprovalStep, error) {
	in, err := m.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return domain.ApprovalStep{}, err
	}
	if in.Status != domain.InstanceActive {
		return domain.ApprovalStep{}, domain.TerminalStateError{InstanceID: in.ID, Status: in.Status}
	}
	if in.Version != expectedVersion {
		return domain.ApprovalStep{}, domain.ConflictError{InstanceID: in.ID, ExpectedVersion: expectedVersion}
	}
	stage := cfg.Definition.Stage(in.CurrentStageID)
	if stage == nil {
		return domain.ApprovalStep{}, fmt.Errorf("instance %s: stage %s not in config %s v%d", in.ID, in.CurrentStageID, cfg.ID, cfg.Version)
	}
	if stage.Approvals == nil {
		return domain.ApprovalStep{}, fmt.Errorf("stage %s has no approval gate", stage.ID)
	}
	switch decision {
	case domain.DecisionApprove, domain.DecisionReject, domain.DecisionNeedsRevision:
	default:
		return domain.ApprovalStep{}, fmt.Errorf("unknown approval decision %q", decision)
	}
	eligible, err := m.Eligible(ctx, in.TenantID, stage, approverID)
	if err != nil {
		return domain.ApprovalStep{}, err
	}
	if !eligible {
		_, _ = m.Audit.Record(ctx, in.ID, domain.AuditApproval, approverID, audit.Payload{
			"stage_id": stage.ID,
			"decision": string(decision),
			"outcome":  "forbidden",
		})
		return domain.ApprovalStep{}, domain.ForbiddenError{ActorID: approverID, StageID: stage.ID}
	}

	step := domain.ApprovalStep{
		ID:         uuid.New().String(),
		InstanceID: in.ID,
		StageID:    stage.ID,
		StageVisit: in.StageVisit,
		ApproverID: approverID,
		Decision:   decision,
		Comment:    comment,
		DecidedAt:  m.now().UTC().Format(time.RFC3339),
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalStep{}, err
	}
	defer tx.Rollback()
	if err := m.Repo.SupersedePriorTx(ctx, tx, in.ID, in.StageVisit, approverID); err != nil {
		return domain.ApprovalStep{}, err
	}
	if err := m.Repo.InsertApprovalTx(ctx, tx, step); err != nil {
		return domain.ApprovalStep{}, err
	}
	ok, err := m.Repo.TouchInstanceTx(ctx, tx, in.ID, expectedVersion)
	if err != nil {
		return domain.ApprovalStep{}, err
	}
	if !ok {
		return domain.ApprovalStep{}, domain.ConflictError{InstanceID: in.ID, ExpectedVersion: expectedVersion}
	}
	if _, err := m.Audit.Append(ctx, tx, in.ID, domain.AuditApproval, approverID, audit.Payload{
		"stage_id":    stage.ID,
		"stage_visit": in.StageVisit,
		"decision":    string(decision),
		"outcome":     "recorded",
		"version":     expectedVersion + 1,
	}); err != nil {
		return domain.ApprovalStep{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalStep{}, err
	}
	return step, nil
}

// Eligible reports whether the actor holds any of the stage's approver
// roles within the tenant.
func (m Manager) Eligible(ctx context.Context, tenantID string, stage *domain.StageDefinition, actorID string) (bool, error) {
	if stage.Approvals == nil {
		return false, nil
	}
	for _, role := range stage.Approvals.Roles {
		ok, err := m.Roles.HasRole(ctx, actorID, tenantID, role)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Quorum is the evaluated approval state of a stage visit.
type Quorum struct {
	Satisfied bool
	Approvals int
	Required  int
	Vetoed    bool
}

// IsStageSatisfied evaluates the current stage's quorum for an instance.
func (m Manager) IsStageSatisfied(ctx context.Context, instanceID string, cfg domain.WorkflowConfig) (bool, error) {
	in, err := m.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return false, err
	}
	stage := cfg.Definition.Stage(in.CurrentStageID)
	if stage == nil {
		return false, fmt.Errorf("instance %s: stage %s not in config %s v%d", in.ID, in.CurrentStageID, cfg.ID, cfg.Version)
	}
	q, err := m.Evaluate(ctx, in, stage)
	if err != nil {
		return false, err
	}
	return q.Satisfied, nil
}

// Evaluate applies the stage's approval policy to the recorded decisions.
// A stage without an approval gate is trivially satisfied.
func (m Manager) Evaluate(ctx context.Context, in domain.Instance, stage *domain.StageDefinition) (Quorum, error) {
	req := stage.Approvals
	if req == nil {
		return Quorum{Satisfied: true}, nil
	}
	steps, err := m.effectiveSteps(ctx, in, stage)
	if err != nil {
		return Quorum{}, err
	}
	q := Quorum{Required: req.Count}
	for _, s := range steps {
		switch s.Decision {
		case domain.DecisionApprove:
			q.Approvals++
		case domain.DecisionReject:
			if req.Policy == domain.PolicyVeto {
				q.Vetoed = true
			}
		}
	}
	if q.Vetoed {
		return q, nil
	}
	switch req.Policy {
	case domain.PolicySequential:
		ok, err := m.sequentialSatisfied(ctx, in.TenantID, req, steps)
		if err != nil {
			return q, err
		}
		q.Satisfied = ok
	default:
		q.Satisfied = q.Approvals >= req.Count
	}
	return q, nil
}

// effectiveSteps returns the decisions that count for this stage: current
// visit only, unless the stage preserves approvals across revision
// round-trips, in which case the latest decision per approver over all
// visits counts.
func (m Manager) effectiveSteps(ctx context.Context, in domain.Instance, stage *domain.StageDefinition) ([]domain.ApprovalStep, error) {
	if stage.RevisionPolicy != domain.RevisionPreserve {
		return m.Repo.ActiveApprovals(ctx, in.ID, in.StageVisit)
	}
	all, err := m.Repo.ActiveApprovalsByStage(ctx, in.ID, stage.ID)
	if err != nil {
		return nil, err
	}
	latest := map[string]domain.ApprovalStep{}
	var order []string
	for _, s := range all {
		if _, seen := latest[s.ApproverID]; !seen {
			order = append(order, s.ApproverID)
		}
		latest[s.ApproverID] = s
	}
	res := make([]domain.ApprovalStep, 0, len(latest))
	for _, id := range order {
		res = append(res, latest[id])
	}
	return res, nil
}

// sequentialSatisfied walks the declared role order and requires an approve
// decision for each of the first Count roles, in decision order.
func (m Manager) sequentialSatisfied(ctx context.Context, tenantID string, req *domain.ApprovalRequirement, steps []domain.ApprovalStep) (bool, error) {
	need := req.Roles
	if len(need) > req.Count {
		need = need[:req.Count]
	}
	idx := 0
	for _, s := range steps {
		if idx >= len(need) {
			break
		}
		if s.Decision != domain.DecisionApprove {
			continue
		}
		ok, err := m.Roles.HasRole(ctx, s.ApproverID, tenantID, need[idx])
		if err != nil {
			return false, err
		}
		if ok {
			idx++
		}
	}
	return idx >= len(need), nil
}
