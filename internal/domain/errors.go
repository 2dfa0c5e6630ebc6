package domain

import "fmt"

// ValidationError rejects a malformed workflow definition at creation time.
// Reason is a stable machine-readable code.
type ValidationError struct {
	Reason string
	Detail string
}

func (e ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("invalid definition: %s", e.Reason)
	}
	return fmt.Sprintf("invalid definition: %s: %s", e.Reason, e.Detail)
}

// Validation reason codes.
const (
	ReasonNoStages           = "no_stages"
	ReasonDupStage           = "dup_stage"
	ReasonUnknownTarget      = "unknown_target"
	ReasonNoTerminal         = "no_terminal"
	ReasonTerminalUnreached  = "terminal_unreachable"
	ReasonUnreachableStage   = "unreachable_stage"
	ReasonTerminalOutgoing   = "terminal_has_transitions"
	ReasonQuorumExceedsRoles = "quorum_exceeds_roles"
	ReasonBadActionPayload   = "bad_action_payload"
	ReasonBadReminderPolicy  = "bad_reminder_policy"
	ReasonBadRevisionPolicy  = "bad_revision_policy"
	ReasonBadEntityType      = "bad_entity_type"
)

// ConflictError signals a stale optimistic version; the caller must reload
// and retry.
type ConflictError struct {
	InstanceID      string
	ExpectedVersion int64
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("instance %s: version %d is stale", e.InstanceID, e.ExpectedVersion)
}

// TerminalStateError rejects an operation on a completed or cancelled
// instance. Not retryable.
type TerminalStateError struct {
	InstanceID string
	Status     InstanceStatus
}

func (e TerminalStateError) Error() string {
	return fmt.Sprintf("instance %s is %s", e.InstanceID, e.Status)
}

// InvalidTransitionError indicates the decision has no mapped target in the
// current stage's transition table.
type InvalidTransitionError struct {
	StageID  string
	Decision string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("stage %s has no transition for decision %q", e.StageID, e.Decision)
}

// ApprovalsPendingError means the stage's quorum is not yet satisfied. It is
// an expected state, not a fault.
type ApprovalsPendingError struct {
	StageID string
	Have    int
	Need    int
}

func (e ApprovalsPendingError) Error() string {
	return fmt.Sprintf("stage %s requires %d approvals, has %d", e.StageID, e.Need, e.Have)
}

// ForbiddenError indicates an actor without an eligible role for the stage.
type ForbiddenError struct {
	ActorID string
	StageID string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("actor %s is not an eligible approver for stage %s", e.ActorID, e.StageID)
}

// ActionDispatchError surfaces an action that failed all retry attempts.
// It never rolls back the transition that triggered the action.
type ActionDispatchError struct {
	Key      string
	Attempts int
	Err      error
}

func (e ActionDispatchError) Error() string {
	return fmt.Sprintf("action %s failed after %d attempts: %v", e.Key, e.Attempts, e.Err)
}

func (e ActionDispatchError) Unwrap() error { return e.Err }
