package registry

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"govline/internal/domain"
)

// DefinitionFromYAML parses and validates an authored definition.
func DefinitionFromYAML(data []byte) (domain.WorkflowDefinition, error) {
	var def domain.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return def, fmt.Errorf("invalid definition yaml: %w", err)
	}
	return def, ValidateDefinition(def)
}

// ValidateDefinition fails closed: any structural problem rejects the whole
// definition with a reason code, so nothing malformed reaches the runtime.
func ValidateDefinition(def domain.WorkflowDefinition) error {
	switch def.EntityType {
	case domain.EntityAgent, domain.EntityVendor, domain.EntityAssessment:
	default:
		return domain.ValidationError{Reason: domain.ReasonBadEntityType, Detail: string(def.EntityType)}
	}
	if len(def.Stages) == 0 {
		return domain.ValidationError{Reason: domain.ReasonNoStages}
	}
	stages := map[string]*domain.StageDefinition{}
	for i := range def.Stages {
		s := &def.Stages[i]
		if s.ID == "" {
			return domain.ValidationError{Reason: domain.ReasonDupStage, Detail: "empty stage id"}
		}
		if _, ok := stages[s.ID]; ok {
			return domain.ValidationError{Reason: domain.ReasonDupStage, Detail: s.ID}
		}
		stages[s.ID] = s
	}
	hasTerminal := false
	for _, s := range def.Stages {
		if s.Terminal {
			if len(s.Transitions) > 0 {
				return domain.ValidationError{Reason: domain.ReasonTerminalOutgoing, Detail: s.ID}
			}
			hasTerminal = true
		}
		for decision, target := range s.Transitions {
			if _, ok := stages[target]; !ok {
				return domain.ValidationError{Reason: domain.ReasonUnknownTarget, Detail: fmt.Sprintf("stage %s decision %s -> %s", s.ID, decision, target)}
			}
		}
		if s.RevisionTarget != "" {
			if _, ok := stages[s.RevisionTarget]; !ok {
				return domain.ValidationError{Reason: domain.ReasonUnknownTarget, Detail: fmt.Sprintf("stage %s revision target %s", s.ID, s.RevisionTarget)}
			}
		}
		switch s.RevisionPolicy {
		case "", domain.RevisionReset, domain.RevisionPreserve:
		default:
			return domain.ValidationError{Reason: domain.ReasonBadRevisionPolicy, Detail: fmt.Sprintf("stage %s revision policy %s", s.ID, s.RevisionPolicy)}
		}
		if err := validateApprovals(s); err != nil {
			return err
		}
		for _, a := range s.OnEnter {
			if err := validateAction(s.ID, a); err != nil {
				return err
			}
		}
		for _, a := range s.OnExit {
			if err := validateAction(s.ID, a); err != nil {
				return err
			}
		}
		if err := validateReminder(s); err != nil {
			return err
		}
	}
	if !hasTerminal {
		return domain.ValidationError{Reason: domain.ReasonNoTerminal}
	}
	reachable := reachableStages(def, stages)
	terminalReached := false
	for id := range reachable {
		if s := stages[id]; s != nil && s.Terminal {
			terminalReached = true
			break
		}
	}
	if !terminalReached {
		return domain.ValidationError{Reason: domain.ReasonTerminalUnreached}
	}
	for _, s := range def.Stages {
		if s.Approvals != nil && !reachable[s.ID] {
			return domain.ValidationError{Reason: domain.ReasonUnreachableStage, Detail: s.ID}
		}
	}
	return nil
}

func validateApprovals(s domain.StageDefinition) error {
	req := s.Approvals
	if req == nil {
		return nil
	}
	if req.Count < 1 {
		return domain.ValidationError{Reason: domain.ReasonQuorumExceedsRoles, Detail: fmt.Sprintf("stage %s approval count %d", s.ID, req.Count)}
	}
	if req.Count > len(req.Roles) {
		return domain.ValidationError{Reason: domain.ReasonQuorumExceedsRoles, Detail: fmt.Sprintf("stage %s requires %d approvals from %d roles", s.ID, req.Count, len(req.Roles))}
	}
	switch req.Policy {
	case domain.PolicyParallel, domain.PolicySequential, domain.PolicyVeto:
		return nil
	default:
		return domain.ValidationError{Reason: domain.ReasonQuorumExceedsRoles, Detail: fmt.Sprintf("stage %s approval policy %q", s.ID, req.Policy)}
	}
}

// validateAction enforces the tagged variant: exactly the payload matching
// Type must be present and complete.
func validateAction(stageID string, a domain.ActionDefinition) error {
	bad := func(detail string) error {
		return domain.ValidationError{Reason: domain.ReasonBadActionPayload, Detail: fmt.Sprintf("stage %s: %s", stageID, detail)}
	}
	set := 0
	if a.Notify != nil {
		set++
	}
	if a.Webhook != nil {
		set++
	}
	if a.FieldUpdate != nil {
		set++
	}
	if set != 1 {
		return bad(fmt.Sprintf("action %s must carry exactly one payload, has %d", a.Type, set))
	}
	switch a.Type {
	case domain.ActionNotify:
		if a.Notify == nil {
			return bad("notify action missing notify payload")
		}
		if a.Notify.Target == "" {
			return bad("notify action missing target")
		}
	case domain.ActionWebhook:
		if a.Webhook == nil {
			return bad("webhook action missing webhook payload")
		}
		if a.Webhook.URL == "" {
			return bad("webhook action missing url")
		}
	case domain.ActionFieldUpdate:
		if a.FieldUpdate == nil {
			return bad("field_update action missing field_update payload")
		}
		if a.FieldUpdate.Field == "" {
			return bad("field_update action missing field")
		}
	default:
		return bad(fmt.Sprintf("unknown action type %q", a.Type))
	}
	return nil
}

func validateReminder(s domain.StageDefinition) error {
	p := s.Reminder
	if p == nil {
		return nil
	}
	if p.IntervalSeconds <= 0 || p.MaxReminders < 1 {
		return domain.ValidationError{Reason: domain.ReasonBadReminderPolicy, Detail: fmt.Sprintf("stage %s interval=%ds max=%d", s.ID, p.IntervalSeconds, p.MaxReminders)}
	}
	return nil
}

// reachableStages walks transitions and revision targets from the initial
// stage and returns the set of stage ids the walk touches. A gated stage
// outside this set can never collect approvals, so validation rejects it.
func reachableStages(def domain.WorkflowDefinition, stages map[string]*domain.StageDefinition) map[string]bool {
	seen := map[string]bool{}
	initial := def.InitialStage()
	if initial == nil {
		return seen
	}
	queue := []string{initial.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		s := stages[id]
		if s == nil {
			continue
		}
		for _, target := range s.Transitions {
			queue = append(queue, target)
		}
		if s.RevisionTarget != "" {
			queue = append(queue, s.RevisionTarget)
		}
	}
	return seen
}
