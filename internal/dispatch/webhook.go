package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"govline/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSender posts stage lifecycle events to tenant-configured URLs.
type WebhookSender struct {
	Client *http.Client
}

func NewWebhookSender() *WebhookSender {
	return &WebhookSender{Client: &http.Client{Timeout: defaultWebhookTimeout}}
}

type webhookBody struct {
	TenantID   string `json:"tenant_id"`
	InstanceID string `json:"instance_id"`
	StageID    string `json:"stage_id"`
	StageVisit int    `json:"stage_visit"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Phase      string `json:"phase"`
	TS         string `json:"ts"`
}

// Post delivers one event and returns the response summary. Non-2xx status
// counts as delivery failure so the dispatcher retries it.
func (w *WebhookSender) Post(ctx context.Context, hook domain.WebhookPayload, actx Context) (string, error) {
	body := webhookBody{
		TenantID:   actx.TenantID,
		InstanceID: actx.InstanceID,
		StageID:    actx.StageID,
		StageVisit: actx.StageVisit,
		EntityKind: string(actx.EntityType),
		EntityID:   actx.EntityID,
		Phase:      string(actx.Phase),
		TS:         time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	client := w.Client
	if hook.TimeoutSeconds > 0 {
		timeout := time.Duration(hook.TimeoutSeconds) * time.Second
		if timeout != client.Timeout {
			client = &http.Client{Timeout: timeout, Transport: w.Client.Transport}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Govline-Event", string(actx.Phase))
	req.Header.Set("X-Govline-Instance", actx.InstanceID)
	req.Header.Set("X-Govline-Tenant", actx.TenantID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Govline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return fmt.Sprintf(`{"status":%d}`, res.StatusCode), nil
}

// LogNotifier is the default Notifier. Deployments plug a real transport
// behind the interface; the action outcome is still idempotent and audited.
type LogNotifier struct {
	Printf func(format string, args ...any)
}

func (n LogNotifier) Send(_ context.Context, target string, payload map[string]any) error {
	printf := n.Printf
	if printf == nil {
		printf = func(string, ...any) {}
	}
	data, _ := json.Marshal(payload)
	printf("notify %s: %s", target, data)
	return nil
}

// NopFieldStore accepts every field write. Used when no entity system of
// record is attached.
type NopFieldStore struct{}

func (NopFieldStore) SetField(context.Context, domain.EntityType, string, string, string) error {
	return nil
}
