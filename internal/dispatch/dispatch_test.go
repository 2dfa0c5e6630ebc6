package dispatch_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govline/internal/audit"
	"govline/internal/db"
	"govline/internal/dispatch"
	"govline/internal/domain"
	"govline/internal/migrate"
	"govline/internal/repo"
)

// countingNotifier fails the first failures deliveries, then succeeds.
type countingNotifier struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (n *countingNotifier) Send(ctx context.Context, target string, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.calls <= n.failures {
		return fmt.Errorf("notifier down (call %d)", n.calls)
	}
	return nil
}

func (n *countingNotifier) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

type recordingFields struct {
	mu     sync.Mutex
	writes []string
}

func (f *recordingFields) SetField(ctx context.Context, entityType domain.EntityType, entityID, field, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, fmt.Sprintf("%s/%s:%s=%s", entityType, entityID, field, value))
	return nil
}

func newDispatcher(t *testing.T, n dispatch.Notifier, fields dispatch.FieldStore) *dispatch.Dispatcher {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	if fields == nil {
		fields = dispatch.NopFieldStore{}
	}
	d := dispatch.New(conn, n, dispatch.NewWebhookSender(), fields)
	d.BaseBackoff = time.Millisecond
	d.MaxBackoff = 5 * time.Millisecond
	return d
}

func notifyAction() domain.ActionDefinition {
	return domain.ActionDefinition{
		Type:   domain.ActionNotify,
		Notify: &domain.NotifyPayload{Target: "role:security", Template: "stage-entered"},
	}
}

func actionContext() dispatch.Context {
	return dispatch.Context{
		TenantID:   "acme",
		InstanceID: "inst-1",
		StageID:    "review",
		StageVisit: 2,
		EntityType: domain.EntityVendor,
		EntityID:   "vendor-9",
		Phase:      dispatch.PhaseEnter,
	}
}

func TestDispatchSucceedsFirstAttempt(t *testing.T) {
	n := &countingNotifier{}
	d := newDispatcher(t, n, nil)

	res := d.Dispatch(context.Background(), notifyAction(), actionContext()).Wait()
	require.Equal(t, domain.ActionSucceeded, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, n.callCount())

	entries, err := audit.Recorder{DB: d.DB}.Read(context.Background(), "inst-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.AuditActionResult, entries[0].Type)
	assert.Equal(t, "dispatcher", entries[0].ActorID)
}

func TestDispatchRetriesUntilSuccess(t *testing.T) {
	n := &countingNotifier{failures: 2}
	d := newDispatcher(t, n, nil)

	res := d.Dispatch(context.Background(), notifyAction(), actionContext()).Wait()
	require.Equal(t, domain.ActionSucceeded, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, n.callCount())
}

func TestDispatchExhaustsAttempts(t *testing.T) {
	n := &countingNotifier{failures: 100}
	d := newDispatcher(t, n, nil)
	d.MaxAttempts = 3

	res := d.Dispatch(context.Background(), notifyAction(), actionContext()).Wait()
	require.Equal(t, domain.ActionFailed, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, n.callCount())
	assert.Contains(t, res.Result, "notifier down")

	entries, err := audit.Recorder{DB: d.DB}.Read(context.Background(), "inst-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.AuditActionFailed, entries[0].Type)
}

func TestDispatchIdempotentPerKey(t *testing.T) {
	n := &countingNotifier{}
	d := newDispatcher(t, n, nil)
	ctx := context.Background()

	first := d.Dispatch(ctx, notifyAction(), actionContext()).Wait()
	require.Equal(t, domain.ActionSucceeded, first.Status)

	// same action in the same context resolves from the stored outcome
	second := d.Dispatch(ctx, notifyAction(), actionContext()).Wait()
	require.Equal(t, domain.ActionSucceeded, second.Status)
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, 1, n.callCount())
}

func TestDispatchDistinguishesKeyComponents(t *testing.T) {
	n := &countingNotifier{}
	d := newDispatcher(t, n, nil)
	ctx := context.Background()

	base := actionContext()
	revisit := base
	revisit.StageVisit = 4

	a := d.Dispatch(ctx, notifyAction(), base).Wait()
	b := d.Dispatch(ctx, notifyAction(), revisit).Wait()
	require.NotEqual(t, a.Key, b.Key)
	assert.Equal(t, 2, n.callCount())

	suffixed := notifyAction()
	suffixed.KeySuffix = "send-1"
	c := d.Dispatch(ctx, suffixed, base).Wait()
	require.NotEqual(t, a.Key, c.Key)
}

func TestDispatchPendingClaimReexecutes(t *testing.T) {
	n := &countingNotifier{}
	d := newDispatcher(t, n, nil)
	ctx := context.Background()

	// simulate a crash after claiming the key but before finishing
	actx := actionContext()
	key := actx.Key(notifyAction())
	claimed, err := repo.Repo{DB: d.DB}.ClaimActionKey(ctx, domain.ActionResult{
		Key:        key,
		InstanceID: actx.InstanceID,
		StageID:    actx.StageID,
		ActionType: domain.ActionNotify,
		UpdatedAt:  time.Now().UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)
	require.True(t, claimed)

	res := d.Dispatch(ctx, notifyAction(), actx).Wait()
	require.Equal(t, domain.ActionSucceeded, res.Status)
	assert.Equal(t, 1, n.callCount())
}

func TestFieldUpdateAction(t *testing.T) {
	fields := &recordingFields{}
	d := newDispatcher(t, &countingNotifier{}, fields)

	action := domain.ActionDefinition{
		Type:        domain.ActionFieldUpdate,
		FieldUpdate: &domain.FieldUpdatePayload{Field: "risk_tier", Value: "high"},
	}
	res := d.Dispatch(context.Background(), action, actionContext()).Wait()
	require.Equal(t, domain.ActionSucceeded, res.Status)
	require.Equal(t, []string{"vendor/vendor-9:risk_tier=high"}, fields.writes)
}

func TestWebhookDelivery(t *testing.T) {
	var gotEvent, gotSecret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEvent = r.Header.Get("X-Govline-Event")
		gotSecret = r.Header.Get("X-Govline-Secret")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := newDispatcher(t, &countingNotifier{}, nil)
	action := domain.ActionDefinition{
		Type:    domain.ActionWebhook,
		Webhook: &domain.WebhookPayload{URL: srv.URL, Secret: "s3cret"},
	}
	res := d.Dispatch(context.Background(), action, actionContext()).Wait()
	require.Equal(t, domain.ActionSucceeded, res.Status)
	assert.Equal(t, "enter", gotEvent)
	assert.Equal(t, "s3cret", gotSecret)
}

func TestWebhookNon2xxRetriesAndFails(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		http.Error(w, "upstream broken", http.StatusBadGateway)
	}))
	defer srv.Close()

	d := newDispatcher(t, &countingNotifier{}, nil)
	d.MaxAttempts = 2
	action := domain.ActionDefinition{
		Type:    domain.ActionWebhook,
		Webhook: &domain.WebhookPayload{URL: srv.URL},
	}
	res := d.Dispatch(context.Background(), action, actionContext()).Wait()
	require.Equal(t, domain.ActionFailed, res.Status)
	assert.Contains(t, res.Result, "502")
	mu.Lock()
	assert.Equal(t, 2, hits)
	mu.Unlock()
}

func TestDrainWaitsForInflight(t *testing.T) {
	n := &countingNotifier{}
	d := newDispatcher(t, n, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		actx := actionContext()
		actx.Index = i
		d.Dispatch(ctx, notifyAction(), actx)
	}
	d.Drain()
	assert.Equal(t, 5, n.callCount())
}
