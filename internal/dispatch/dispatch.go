package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"govline/internal/audit"
	"govline/internal/domain"
	"govline/internal/repo"
)

// Notifier is the notification transport collaborator. Implementations may
// be slow or failing; the dispatcher owns timeouts and retries.
type Notifier interface {
	Send(ctx context.Context, target string, payload map[string]any) error
}

// FieldStore is the custom field store collaborator for field_update
// actions.
type FieldStore interface {
	SetField(ctx context.Context, entityType domain.EntityType, entityID, field, value string) error
}

// Phase says where in the stage lifecycle an action fires.
type Phase string

const (
	PhaseEnter      Phase = "enter"
	PhaseExit       Phase = "exit"
	PhaseReminder   Phase = "reminder"
	PhaseEscalation Phase = "escalation"
)

// Context carries the instance coordinates an action executes against. The
// idempotency key is derived from it, so a retried dispatch of the same
// action lands on the same key.
type Context struct {
	TenantID   string
	InstanceID string
	StageID    string
	StageVisit int
	EntityType domain.EntityType
	EntityID   string
	Phase      Phase
	Index      int
}

// Key returns the deterministic idempotency key for an action in this
// context.
func (c Context) Key(a domain.ActionDefinition) string {
	key := fmt.Sprintf("%s|%s|%d|%s|%s|%d", c.InstanceID, c.StageID, c.StageVisit, c.Phase, a.Type, c.Index)
	if a.KeySuffix != "" {
		key += "|" + a.KeySuffix
	}
	return key
}

type handler func(ctx context.Context, a domain.ActionDefinition, actx Context) (string, error)

// Dispatcher executes side-effect actions asynchronously with at-most-once
// observable effect per idempotency key. Failures never propagate back into
// the transition that queued the action.
type Dispatcher struct {
	DB          *sql.DB
	Repo        repo.Repo
	Audit       audit.Recorder
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Now         func() time.Time

	handlers map[domain.ActionType]handler
	wg       sync.WaitGroup
}

const (
	defaultMaxAttempts = 4
	defaultBaseBackoff = 250 * time.Millisecond
	defaultMaxBackoff  = 30 * time.Second
)

// New builds a dispatcher with the closed handler set. Adding an action type
// means adding a handler here, not configuring one at runtime.
func New(db *sql.DB, notifier Notifier, hooks *WebhookSender, fields FieldStore) *Dispatcher {
	d := &Dispatcher{
		DB:          db,
		Repo:        repo.Repo{DB: db},
		Audit:       audit.Recorder{DB: db},
		MaxAttempts: defaultMaxAttempts,
		BaseBackoff: defaultBaseBackoff,
		MaxBackoff:  defaultMaxBackoff,
		Now:         time.Now,
	}
	d.handlers = map[domain.ActionType]handler{
		domain.ActionNotify: func(ctx context.Context, a domain.ActionDefinition, actx Context) (string, error) {
			err := notifier.Send(ctx, a.Notify.Target, map[string]any{
				"template":    a.Notify.Template,
				"tenant_id":   actx.TenantID,
				"instance_id": actx.InstanceID,
				"stage_id":    actx.StageID,
				"entity_type": string(actx.EntityType),
				"entity_id":   actx.EntityID,
				"phase":       string(actx.Phase),
			})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf(`{"target":%q}`, a.Notify.Target), nil
		},
		domain.ActionWebhook: func(ctx context.Context, a domain.ActionDefinition, actx Context) (string, error) {
			return hooks.Post(ctx, *a.Webhook, actx)
		},
		domain.ActionFieldUpdate: func(ctx context.Context, a domain.ActionDefinition, actx Context) (string, error) {
			err := fields.SetField(ctx, actx.EntityType, actx.EntityID, a.FieldUpdate.Field, a.FieldUpdate.Value)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf(`{"field":%q}`, a.FieldUpdate.Field), nil
		},
	}
	return d
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Handle tracks one dispatched action. Completion is reported through the
// audit log; Wait exists for callers that need the outcome in-process.
type Handle struct {
	Key  string
	done chan domain.ActionResult
}

// Wait blocks until the action reaches a terminal outcome.
func (h *Handle) Wait() domain.ActionResult { return <-h.done }

// Dispatch queues an action for execution and returns immediately. If the
// key already carries a terminal outcome the cached result is returned and
// the side effect is not re-executed.
func (d *Dispatcher) Dispatch(ctx context.Context, a domain.ActionDefinition, actx Context) *Handle {
	h := &Handle{Key: actx.Key(a), done: make(chan domain.ActionResult, 1)}
	now := d.now().UTC().Format(time.RFC3339)
	claimed, err := d.Repo.ClaimActionKey(ctx, domain.ActionResult{
		Key:        h.Key,
		InstanceID: actx.InstanceID,
		StageID:    actx.StageID,
		ActionType: a.Type,
		UpdatedAt:  now,
	})
	if err != nil {
		log.Printf("dispatch: claim %s failed: %v", h.Key, err)
		h.done <- domain.ActionResult{Key: h.Key, Status: domain.ActionFailed, Result: err.Error()}
		return h
	}
	if !claimed {
		prior, err := d.Repo.GetActionResult(ctx, h.Key)
		if err == nil && prior.Status != domain.ActionPending {
			// terminal outcome cached; at-most-once holds across retries
			h.done <- prior
			return h
		}
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		h.done <- d.execute(a, actx, h.Key)
	}()
	return h
}

// Drain waits for every in-flight action. Used on shutdown and in tests.
func (d *Dispatcher) Drain() { d.wg.Wait() }

// execute runs the handler with capped exponential backoff. The outcome,
// success or exhaustion, is recorded against the idempotency key and
// appended to the instance's audit trail.
func (d *Dispatcher) execute(a domain.ActionDefinition, actx Context, key string) domain.ActionResult {
	ctx := context.Background()
	handle, ok := d.handlers[a.Type]
	if !ok {
		// unreachable for validated configs
		return d.finish(ctx, actx, a, key, 0, "", fmt.Errorf("no handler for action type %q", a.Type))
	}
	var lastErr error
	for attempt := 1; attempt <= d.MaxAttempts; attempt++ {
		result, err := handle(ctx, a, actx)
		if err == nil {
			return d.finish(ctx, actx, a, key, attempt, result, nil)
		}
		lastErr = err
		if attempt < d.MaxAttempts {
			time.Sleep(d.backoff(attempt))
		}
	}
	return d.finish(ctx, actx, a, key, d.MaxAttempts, "", lastErr)
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.BaseBackoff << (attempt - 1)
	if delay > d.MaxBackoff || delay <= 0 {
		delay = d.MaxBackoff
	}
	return delay
}

func (d *Dispatcher) finish(ctx context.Context, actx Context, a domain.ActionDefinition, key string, attempts int, result string, execErr error) domain.ActionResult {
	now := d.now().UTC().Format(time.RFC3339)
	out := domain.ActionResult{
		Key:        key,
		InstanceID: actx.InstanceID,
		StageID:    actx.StageID,
		ActionType: a.Type,
		Attempts:   attempts,
		UpdatedAt:  now,
	}
	eventType := domain.AuditActionResult
	payload := audit.Payload{
		"key":         key,
		"action_type": string(a.Type),
		"stage_id":    actx.StageID,
		"phase":       string(actx.Phase),
		"attempts":    attempts,
	}
	if execErr == nil {
		out.Status = domain.ActionSucceeded
		out.Result = result
		payload["outcome"] = "succeeded"
	} else {
		out.Status = domain.ActionFailed
		out.Result = execErr.Error()
		eventType = domain.AuditActionFailed
		payload["outcome"] = "failed"
		payload["error"] = execErr.Error()
		log.Printf("dispatch: %v", domain.ActionDispatchError{Key: key, Attempts: attempts, Err: execErr})
	}
	if err := d.Repo.FinishAction(ctx, key, out.Status, attempts, out.Result, now); err != nil {
		log.Printf("dispatch: record outcome for %s failed: %v", key, err)
	}
	if _, err := d.Audit.Record(ctx, actx.InstanceID, eventType, "dispatcher", payload); err != nil {
		log.Printf("dispatch: audit %s failed: %v", key, err)
	}
	return out
}
