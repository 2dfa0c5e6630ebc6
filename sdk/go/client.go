package govlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Govline HTTP API client.
type Client struct {
	BaseURL     string
	TenantID    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, tenantID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		TenantID: tenantID,
		Timeout:  10 * time.Second,
	}
}

// Instance represents the API instance model.
type Instance struct {
	ID             string `json:"id"`
	TenantID       string `json:"tenant_id"`
	ConfigID       string `json:"config_id"`
	ConfigVersion  int    `json:"config_version"`
	EntityType     string `json:"entity_type"`
	EntityID       string `json:"entity_id"`
	CurrentStageID string `json:"current_stage_id"`
	StageVisit     int    `json:"stage_visit"`
	Status         string `json:"status"`
	Version        int64  `json:"version"`
	CreatedAt      string `json:"created_at"`
	StageEnteredAt string `json:"stage_entered_at"`
}

// Approval represents one recorded approval decision.
type Approval struct {
	ID         string `json:"id"`
	InstanceID string `json:"instance_id"`
	StageID    string `json:"stage_id"`
	StageVisit int    `json:"stage_visit"`
	ApproverID string `json:"approver_id"`
	Decision   string `json:"decision"`
	Comment    string `json:"comment,omitempty"`
	Superseded bool   `json:"superseded"`
	DecidedAt  string `json:"decided_at"`
}

// AuditEntry represents one audit trail entry.
type AuditEntry struct {
	InstanceID string         `json:"instance_id"`
	Seq        int64          `json:"seq"`
	Type       string         `json:"type"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
	PrevHash   string         `json:"prev_hash,omitempty"`
	Hash       string         `json:"hash,omitempty"`
	RecordedAt string         `json:"recorded_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StartInstance starts a workflow instance from a config. Version 0 binds
// the latest active config version.
func (c *Client) StartInstance(ctx context.Context, configID string, configVersion int, entityType, entityID string) (Instance, error) {
	body := map[string]any{
		"config_id":      configID,
		"config_version": configVersion,
		"entity_type":    entityType,
		"entity_id":      entityID,
	}
	var resp Instance
	err := c.do(ctx, http.MethodPost, c.tenantPath("instances"), body, &resp)
	return resp, err
}

// GetInstance fetches an instance by id.
func (c *Client) GetInstance(ctx context.Context, instanceID string) (Instance, error) {
	var resp Instance
	endpoint := c.tenantPath(fmt.Sprintf("instances/%s", url.PathEscape(instanceID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RequestTransition applies a decision against the version the caller last
// observed. A 409 response means the version is stale; reload and retry.
func (c *Client) RequestTransition(ctx context.Context, instanceID, decision string, expectedVersion int64) (Instance, error) {
	body := map[string]any{
		"decision":         decision,
		"expected_version": expectedVersion,
	}
	var resp Instance
	endpoint := c.tenantPath(fmt.Sprintf("instances/%s/transition", url.PathEscape(instanceID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CancelInstance cancels an active instance.
func (c *Client) CancelInstance(ctx context.Context, instanceID string, expectedVersion int64) (Instance, error) {
	body := map[string]any{"expected_version": expectedVersion}
	var resp Instance
	endpoint := c.tenantPath(fmt.Sprintf("instances/%s/cancel", url.PathEscape(instanceID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RecordApproval records the caller's decision on the instance's current
// stage.
func (c *Client) RecordApproval(ctx context.Context, instanceID, decision, comment string, expectedVersion int64) (Approval, error) {
	body := map[string]any{
		"decision":         decision,
		"comment":          comment,
		"expected_version": expectedVersion,
	}
	var resp Approval
	endpoint := c.tenantPath(fmt.Sprintf("instances/%s/approvals", url.PathEscape(instanceID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Audit returns the instance's ordered audit trail.
func (c *Client) Audit(ctx context.Context, instanceID string) ([]AuditEntry, error) {
	var resp []AuditEntry
	endpoint := c.tenantPath(fmt.Sprintf("instances/%s/audit", url.PathEscape(instanceID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) tenantPath(p string) string {
	tenant := url.PathEscape(c.TenantID)
	return fmt.Sprintf("v0/tenants/%s/%s", tenant, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
