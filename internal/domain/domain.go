package domain

// EntityType identifies the kind of governed entity a workflow runs against.
type EntityType string

const (
	EntityAgent      EntityType = "agent"
	EntityVendor     EntityType = "vendor"
	EntityAssessment EntityType = "assessment"
)

// InstanceStatus is the lifecycle state of a workflow instance.
// Completed and cancelled are absorbing.
type InstanceStatus string

const (
	InstanceActive    InstanceStatus = "active"
	InstanceCompleted InstanceStatus = "completed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// ApprovalDecision is a single approver's verdict on a stage.
type ApprovalDecision string

const (
	DecisionApprove       ApprovalDecision = "approve"
	DecisionReject        ApprovalDecision = "reject"
	DecisionNeedsRevision ApprovalDecision = "needs_revision"
)

// ApprovalPolicy controls how a stage's quorum is evaluated.
type ApprovalPolicy string

const (
	// PolicyParallel requires Count distinct approvals in any order.
	PolicyParallel ApprovalPolicy = "parallel"
	// PolicySequential requires approvals in declared role order.
	PolicySequential ApprovalPolicy = "sequential"
	// PolicyVeto is parallel, but any reject fails the quorum outright.
	PolicyVeto ApprovalPolicy = "veto"
)

// RevisionPolicy decides what happens to recorded approvals when a stage is
// re-entered through the revision path.
type RevisionPolicy string

const (
	RevisionReset    RevisionPolicy = "reset"
	RevisionPreserve RevisionPolicy = "preserve"
)

// ActionType is the closed set of side-effect kinds. Adding a variant is a
// compile-time change: a new constant, payload struct and handler.
type ActionType string

const (
	ActionNotify      ActionType = "notify"
	ActionWebhook     ActionType = "webhook"
	ActionFieldUpdate ActionType = "field_update"
)

// NotifyPayload configures a notify action.
type NotifyPayload struct {
	Target   string `json:"target" yaml:"target"`
	Template string `json:"template,omitempty" yaml:"template,omitempty"`
}

// WebhookPayload configures a webhook action.
type WebhookPayload struct {
	URL            string `json:"url" yaml:"url"`
	Secret         string `json:"secret,omitempty" yaml:"secret,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// FieldUpdatePayload configures a field_update action against the custom
// field store of the governed entity.
type FieldUpdatePayload struct {
	Field string `json:"field" yaml:"field"`
	Value string `json:"value" yaml:"value"`
}

// ActionDefinition is a tagged variant: Type selects which payload pointer
// must be set. KeySuffix disambiguates two otherwise identical actions on
// the same stage.
type ActionDefinition struct {
	Type        ActionType          `json:"type" yaml:"type"`
	Notify      *NotifyPayload      `json:"notify,omitempty" yaml:"notify,omitempty"`
	Webhook     *WebhookPayload     `json:"webhook,omitempty" yaml:"webhook,omitempty"`
	FieldUpdate *FieldUpdatePayload `json:"field_update,omitempty" yaml:"field_update,omitempty"`
	KeySuffix   string              `json:"key_suffix,omitempty" yaml:"key_suffix,omitempty"`
}

// ApprovalRequirement is the gate on leaving a stage via an advancing
// decision. Roles lists eligible approver roles; for sequential policy the
// declared order is the required approval order.
type ApprovalRequirement struct {
	Count  int            `json:"count" yaml:"count"`
	Roles  []string       `json:"roles" yaml:"roles"`
	Policy ApprovalPolicy `json:"policy" yaml:"policy"`
}

// ReminderPolicy schedules nudges while an instance sits in a stage.
type ReminderPolicy struct {
	IntervalSeconds  int64  `json:"interval_seconds" yaml:"interval_seconds"`
	MaxReminders     int    `json:"max_reminders" yaml:"max_reminders"`
	EscalationTarget string `json:"escalation_target,omitempty" yaml:"escalation_target,omitempty"`
}

// StageDefinition is one node of the stage graph. Transitions is an
// adjacency map keyed by decision name; targets are stage ids in the same
// definition.
type StageDefinition struct {
	ID             string               `json:"id" yaml:"id"`
	Name           string               `json:"name,omitempty" yaml:"name,omitempty"`
	Description    string               `json:"description,omitempty" yaml:"description,omitempty"`
	Terminal       bool                 `json:"terminal,omitempty" yaml:"terminal,omitempty"`
	Transitions    map[string]string    `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	Approvals      *ApprovalRequirement `json:"approvals,omitempty" yaml:"approvals,omitempty"`
	RevisionTarget string               `json:"revision_target,omitempty" yaml:"revision_target,omitempty"`
	RevisionPolicy RevisionPolicy       `json:"revision_policy,omitempty" yaml:"revision_policy,omitempty"`
	OnEnter        []ActionDefinition   `json:"on_enter,omitempty" yaml:"on_enter,omitempty"`
	OnExit         []ActionDefinition   `json:"on_exit,omitempty" yaml:"on_exit,omitempty"`
	Reminder       *ReminderPolicy      `json:"reminder,omitempty" yaml:"reminder,omitempty"`
}

// WorkflowDefinition is the authored stage graph. The first stage in the
// list is the initial stage.
type WorkflowDefinition struct {
	Name       string            `json:"name" yaml:"name"`
	EntityType EntityType        `json:"entity_type" yaml:"entity_type"`
	Stages     []StageDefinition `json:"stages" yaml:"stages"`
}

// Stage returns the stage with the given id, or nil.
func (d *WorkflowDefinition) Stage(id string) *StageDefinition {
	for i := range d.Stages {
		if d.Stages[i].ID == id {
			return &d.Stages[i]
		}
	}
	return nil
}

// InitialStage returns the first declared stage, or nil for an empty graph.
func (d *WorkflowDefinition) InitialStage() *StageDefinition {
	if len(d.Stages) == 0 {
		return nil
	}
	return &d.Stages[0]
}

// WorkflowConfig is a stored, versioned definition. Immutable once a running
// instance references (id, version); edits insert version+1.
type WorkflowConfig struct {
	ID         string             `json:"id"`
	TenantID   string             `json:"tenant_id"`
	Version    int                `json:"version"`
	IsActive   bool               `json:"is_active"`
	Definition WorkflowDefinition `json:"definition"`
	CreatedAt  string             `json:"created_at" format:"date-time"`
}

// Instance is one running execution of a config against an entity.
// Version is the optimistic lock; every committed mutation increments it.
type Instance struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	ConfigID       string         `json:"config_id"`
	ConfigVersion  int            `json:"config_version"`
	EntityType     EntityType     `json:"entity_type"`
	EntityID       string         `json:"entity_id"`
	CurrentStageID string         `json:"current_stage_id"`
	StageVisit     int            `json:"stage_visit"`
	Status         InstanceStatus `json:"status"`
	Version        int64          `json:"version"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	StageEnteredAt string         `json:"stage_entered_at" format:"date-time"`
}

// ApprovalStep records one approver's decision during one stage visit.
// At most one non-superseded row exists per (instance, visit, approver).
type ApprovalStep struct {
	ID         string           `json:"id"`
	InstanceID string           `json:"instance_id"`
	StageID    string           `json:"stage_id"`
	StageVisit int              `json:"stage_visit"`
	ApproverID string           `json:"approver_id"`
	Decision   ApprovalDecision `json:"decision"`
	Comment    string           `json:"comment,omitempty"`
	Superseded bool             `json:"superseded"`
	DecidedAt  string           `json:"decided_at" format:"date-time"`
}

// AuditEventType classifies audit entries.
type AuditEventType string

const (
	AuditTransition   AuditEventType = "transition"
	AuditApproval     AuditEventType = "approval"
	AuditActionResult AuditEventType = "action_result"
	AuditActionFailed AuditEventType = "action_failed"
	AuditReminderSent AuditEventType = "reminder_sent"
	AuditEscalation   AuditEventType = "escalation"
)

// AuditEntry is one append-only history record. Seq is strictly increasing
// per instance; Hash chains over the previous entry for tamper evidence.
type AuditEntry struct {
	InstanceID string         `json:"instance_id"`
	Seq        int64          `json:"seq"`
	Type       AuditEventType `json:"type"`
	ActorID    string         `json:"actor_id"`
	Payload    string         `json:"payload_json"`
	PrevHash   string         `json:"prev_hash,omitempty"`
	Hash       string         `json:"hash,omitempty"`
	RecordedAt string         `json:"recorded_at" format:"date-time"`
}

// ReminderRecord tracks reminder sends for one stage visit. Written only by
// the reminder scheduler; SendCount doubles as the claim version.
type ReminderRecord struct {
	InstanceID string `json:"instance_id"`
	StageID    string `json:"stage_id"`
	StageVisit int    `json:"stage_visit"`
	SendCount  int    `json:"send_count"`
	Escalated  bool   `json:"escalated"`
	LastSentAt string `json:"last_sent_at,omitempty" format:"date-time"`
}

// ActionStatus is the dispatch outcome recorded per idempotency key.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionSucceeded ActionStatus = "succeeded"
	ActionFailed    ActionStatus = "failed"
)

// ActionResult is the dispatcher's dedupe record. A terminal Status means
// the side effect must not be re-executed.
type ActionResult struct {
	Key        string       `json:"key"`
	InstanceID string       `json:"instance_id"`
	StageID    string       `json:"stage_id"`
	ActionType ActionType   `json:"action_type"`
	Status     ActionStatus `json:"status"`
	Attempts   int          `json:"attempts"`
	Result     string       `json:"result_json,omitempty"`
	UpdatedAt  string       `json:"updated_at" format:"date-time"`
}

// APIKey authenticates a machine caller as an actor.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
