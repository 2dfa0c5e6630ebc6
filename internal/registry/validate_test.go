package registry_test

import (
	"errors"
	"testing"

	"govline/internal/domain"
	"govline/internal/registry"
)

func validDefinition() domain.WorkflowDefinition {
	return domain.WorkflowDefinition{
		Name:       "agent-onboarding",
		EntityType: domain.EntityAgent,
		Stages: []domain.StageDefinition{
			{
				ID:          "draft",
				Transitions: map[string]string{"advance": "submitted"},
			},
			{
				ID:             "submitted",
				Transitions:    map[string]string{"advance": "approved"},
				RevisionTarget: "draft",
				Approvals: &domain.ApprovalRequirement{
					Count:  2,
					Roles:  []string{"security", "compliance"},
					Policy: domain.PolicyParallel,
				},
			},
			{ID: "approved", Terminal: true},
		},
	}
}

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	var ve domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	return ve.Reason
}

func TestValidateDefinitionAccepted(t *testing.T) {
	if err := registry.ValidateDefinition(validDefinition()); err != nil {
		t.Fatalf("valid definition rejected: %v", err)
	}
}

func TestValidateRejectsBadEntityType(t *testing.T) {
	def := validDefinition()
	def.EntityType = "robot"
	if got := reasonOf(t, registry.ValidateDefinition(def)); got != domain.ReasonBadEntityType {
		t.Fatalf("reason = %s", got)
	}
}

func TestValidateRejectsEmptyGraph(t *testing.T) {
	def := validDefinition()
	def.Stages = nil
	if got := reasonOf(t, registry.ValidateDefinition(def)); got != domain.ReasonNoStages {
		t.Fatalf("reason = %s", got)
	}
}

func TestValidateRejectsDuplicateStage(t *testing.T) {
	def := validDefinition()
	def.Stages = append(def.Stages, domain.StageDefinition{ID: "draft", Terminal: true})
	if got := reasonOf(t, registry.ValidateDefinition(def)); got != domain.ReasonDupStage {
		t.Fatalf("reason = %s", got)
	}
}

func TestValidateRejectsUnknownTransitionTarget(t *testing.T) {
	def := validDefinition()
	def.Stages[0].Transitions["advance"] = "nowhere"
	if got := reasonOf(t, registry.ValidateDefinition(def)); got != domain.ReasonUnknownTarget {
		t.Fatalf("reason = %s", got)
	}
}

func TestValidateRejectsUnknownRevisionTarget(t *testing.T) {
	def := validDefinition()
	def.Stages[1].RevisionTarget = "nowhere"
	if got := reasonOf(t, registry.ValidateDefinition(def)); got != domain.ReasonUnknownTarget {
		t.Fatalf("reason = %s", got)
	}
}

func TestValidateRejectsTerminalWithTransitions(t *testing.T) {
	def := validDefinition()
	def.Stages[2].Transitions = map[string]string{"advance": "draft"}
	if got := reasonOf(t, registry.ValidateDefinition(def)); got != domain.ReasonTerminalOutgoing {
		t.Fatalf("reason = %s", got)
	}
}

func TestValidateRequiresReachableTerminal(t *testing.T) {
	def := validDefinition()
	// orphan the terminal stage
	def.Stages[1].Transitions = map[string]string{"advance": "draft"}
	if got := reasonOf(t, registry.ValidateDefinition(def)); got != domain.ReasonTerminalUnreached {
		t.Fatalf("reason = %s", got)
	}
}

func TestValidateRejectsUnreachableGatedStage(t *testing.T) {
	def := validDefinition()
	// nothing transitions into orphan, so its gate can never be satisfied
	def.Stages = append(def.Stages, domain.StageDefinition{
		ID:          "orphan",
		Transitions: map[string]string{"advance": "approved"},
		Approvals: &domain.ApprovalRequirement{
			Count:  1,
			Roles:  []string{"security"},
			Policy: domain.PolicyParallel,
		},
	})
	if got := reasonOf(t, registry.ValidateDefinition(def)); got != domain.ReasonUnreachableStage {
		t.Fatalf("reason = %s", got)
	}
}

func TestValidateAllowsUnreachableUngatedStage(t *testing.T) {
	def := validDefinition()
	def.Stages = append(def.Stages, domain.StageDefinition{
		ID:          "parked",
		Transitions: map[string]string{"advance": "approved"},
	})
	if err := registry.ValidateDefinition(def); err != nil {
		t.Fatalf("ungated orphan rejected: %v", err)
	}
}

func TestValidateRequiresSomeTerminal(t *testing.T) {
	def := validDefinition()
	def.Stages[2].Terminal = false
	if got := reasonOf(t, registry.ValidateDefinition(def)); got != domain.ReasonNoTerminal {
		t.Fatalf("reason = %s", got)
	}
}

func TestValidateRejectsQuorumLargerThanRoleSet(t *testing.T) {
	def := validDefinition()
	def.Stages[1].Approvals.Count = 3
	if got := reasonOf(t, registry.ValidateDefinition(def)); got != domain.ReasonQuorumExceedsRoles {
		t.Fatalf("reason = %s", got)
	}
}

func TestValidateRejectsMismatchedActionPayload(t *testing.T) {
	def := validDefinition()
	def.Stages[0].OnEnter = []domain.ActionDefinition{{
		Type:    domain.ActionNotify,
		Webhook: &domain.WebhookPayload{URL: "https://example.test/hook"},
	}}
	if got := reasonOf(t, registry.ValidateDefinition(def)); got != domain.ReasonBadActionPayload {
		t.Fatalf("reason = %s", got)
	}
}

func TestValidateRejectsBadReminderPolicy(t *testing.T) {
	def := validDefinition()
	def.Stages[1].Reminder = &domain.ReminderPolicy{IntervalSeconds: 0, MaxReminders: 3}
	if got := reasonOf(t, registry.ValidateDefinition(def)); got != domain.ReasonBadReminderPolicy {
		t.Fatalf("reason = %s", got)
	}
}

func TestValidateRejectsBadRevisionPolicy(t *testing.T) {
	def := validDefinition()
	def.Stages[1].RevisionPolicy = "sometimes"
	if got := reasonOf(t, registry.ValidateDefinition(def)); got != domain.ReasonBadRevisionPolicy {
		t.Fatalf("reason = %s", got)
	}
}

func TestDefinitionFromYAML(t *testing.T) {
	data := []byte(`
name: vendor-onboarding
entity_type: vendor
stages:
  - id: intake
    transitions:
      advance: review
  - id: review
    revision_target: intake
    approvals:
      count: 1
      roles: [procurement]
      policy: parallel
    transitions:
      advance: active
  - id: active
    terminal: true
`)
	def, err := registry.DefinitionFromYAML(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def.EntityType != domain.EntityVendor || len(def.Stages) != 3 {
		t.Fatalf("unexpected definition: %+v", def)
	}
	if def.Stages[1].Approvals == nil || def.Stages[1].Approvals.Count != 1 {
		t.Fatalf("approvals not parsed: %+v", def.Stages[1])
	}

	if _, err := registry.DefinitionFromYAML([]byte("stages: {")); err == nil {
		t.Fatal("expected yaml error")
	}
}
