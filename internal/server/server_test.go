package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"govline/internal/db"
	"govline/internal/domain"
	"govline/internal/engine"
	"govline/internal/identity"
	"govline/internal/migrate"
	"govline/internal/registry"
	"govline/internal/server"
)

const (
	testSecret = "server-test-secret"
	tenant     = "acme"
)

type testServer struct {
	URL      string
	Client   *http.Client
	Identity identity.Service
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ident := identity.Service{DB: conn}
	handler, err := server.New(server.Config{
		Engine:   engine.New(conn, ident, nil),
		Registry: registry.New(conn),
		Identity: ident,
		Auth:     server.AuthConfig{JWTSecret: testSecret, AllowActorHeader: true},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	if err := ident.Grant(context.Background(), tenant, "root", server.RoleAdmin); err != nil {
		t.Fatalf("grant admin: %v", err)
	}
	return testServer{URL: srv.URL, Client: srv.Client(), Identity: ident}
}

// do issues a request authenticated via the actor header.
func (ts testServer) do(t *testing.T, method, path, actor string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor != "" {
		req.Header.Set("X-Actor-Id", actor)
	}
	res, err := ts.Client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return res.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %T from %s: %v", v, data, err)
	}
	return v
}

type errEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func onboardingDefinition() domain.WorkflowDefinition {
	return domain.WorkflowDefinition{
		Name:       "agent-onboarding",
		EntityType: domain.EntityAgent,
		Stages: []domain.StageDefinition{
			{ID: "draft", Name: "Draft", Transitions: map[string]string{"advance": "submitted"}},
			{
				ID:          "submitted",
				Name:        "Submitted",
				Transitions: map[string]string{"advance": "approved"},
				Approvals: &domain.ApprovalRequirement{
					Count:  2,
					Roles:  []string{"security", "compliance"},
					Policy: domain.PolicyParallel,
				},
				RevisionTarget: "draft",
				RevisionPolicy: domain.RevisionReset,
			},
			{ID: "approved", Name: "Approved", Terminal: true},
		},
	}
}

func (ts testServer) createConfig(t *testing.T) server.ConfigResponse {
	t.Helper()
	status, body := ts.do(t, http.MethodPost, "/v0/tenants/"+tenant+"/configs", "root",
		server.CreateConfigRequest{Definition: onboardingDefinition()})
	if status != http.StatusCreated {
		t.Fatalf("create config: status %d: %s", status, body)
	}
	return decode[server.ConfigResponse](t, body)
}

func (ts testServer) startInstance(t *testing.T, configID string) server.InstanceResponse {
	t.Helper()
	status, body := ts.do(t, http.MethodPost, "/v0/tenants/"+tenant+"/instances", "starter",
		server.StartInstanceRequest{ConfigID: configID, EntityType: "agent", EntityID: "agent-7"})
	if status != http.StatusCreated {
		t.Fatalf("start instance: status %d: %s", status, body)
	}
	return decode[server.InstanceResponse](t, body)
}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)
	status, body := ts.do(t, http.MethodGet, "/v0/health", "", nil)
	if status != http.StatusOK {
		t.Fatalf("status %d: %s", status, body)
	}
}

func TestMissingCredentialsRejected(t *testing.T) {
	ts := newTestServer(t)
	status, body := ts.do(t, http.MethodGet, "/v0/tenants/"+tenant+"/configs", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", status, body)
	}
}

func TestNonAdminCannotManageConfigs(t *testing.T) {
	ts := newTestServer(t)
	status, body := ts.do(t, http.MethodPost, "/v0/tenants/"+tenant+"/configs", "intruder",
		server.CreateConfigRequest{Definition: onboardingDefinition()})
	if status != http.StatusForbidden {
		t.Fatalf("status %d: %s", status, body)
	}
	env := decode[errEnvelope](t, body)
	if env.Error.Code != "forbidden" {
		t.Fatalf("code %q", env.Error.Code)
	}
}

func TestCancelRequiresAdminRole(t *testing.T) {
	ts := newTestServer(t)
	cfg := ts.createConfig(t)
	in := ts.startInstance(t, cfg.ID)

	path := "/v0/tenants/" + tenant + "/instances/" + in.ID + "/cancel"
	status, body := ts.do(t, http.MethodPost, path, "bystander",
		server.CancelRequest{ExpectedVersion: in.Version})
	if status != http.StatusForbidden {
		t.Fatalf("non-admin cancel: status %d: %s", status, body)
	}
	env := decode[errEnvelope](t, body)
	if env.Error.Code != "forbidden" {
		t.Fatalf("code %q", env.Error.Code)
	}

	// the rejected call must not have touched the instance
	status, body = ts.do(t, http.MethodGet, "/v0/tenants/"+tenant+"/instances/"+in.ID, "root", nil)
	if status != http.StatusOK {
		t.Fatalf("get: status %d: %s", status, body)
	}
	got := decode[server.InstanceResponse](t, body)
	if got.Status != "active" || got.Version != in.Version {
		t.Fatalf("instance changed by forbidden cancel: %+v", got)
	}

	status, body = ts.do(t, http.MethodPost, path, "root",
		server.CancelRequest{ExpectedVersion: in.Version})
	if status != http.StatusOK {
		t.Fatalf("admin cancel: status %d: %s", status, body)
	}
	cancelled := decode[server.InstanceResponse](t, body)
	if cancelled.Status != "cancelled" || cancelled.Version != in.Version+1 {
		t.Fatalf("unexpected cancelled instance: %+v", cancelled)
	}
}

func TestConfigVersioning(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createConfig(t)
	if created.Version != 1 || !created.IsActive {
		t.Fatalf("unexpected first version: %+v", created)
	}

	def := onboardingDefinition()
	def.Stages[0].Name = "Intake"
	status, body := ts.do(t, http.MethodPut, "/v0/tenants/"+tenant+"/configs/"+created.ID, "root",
		server.UpdateConfigRequest{Definition: def})
	if status != http.StatusOK {
		t.Fatalf("update: status %d: %s", status, body)
	}
	updated := decode[server.ConfigResponse](t, body)
	if updated.Version != 2 {
		t.Fatalf("version %d after update", updated.Version)
	}

	// pinned read still returns the original definition
	status, body = ts.do(t, http.MethodGet, "/v0/tenants/"+tenant+"/configs/"+created.ID+"?version=1", "root", nil)
	if status != http.StatusOK {
		t.Fatalf("get v1: status %d: %s", status, body)
	}
	v1 := decode[server.ConfigResponse](t, body)
	if v1.Definition.Stages[0].Name != "Draft" {
		t.Fatalf("pinned version changed: %+v", v1.Definition.Stages[0])
	}
}

func TestInvalidDefinitionRejected(t *testing.T) {
	ts := newTestServer(t)
	def := onboardingDefinition()
	def.Stages = def.Stages[:2]
	status, body := ts.do(t, http.MethodPost, "/v0/tenants/"+tenant+"/configs", "root",
		server.CreateConfigRequest{Definition: def})
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("status %d: %s", status, body)
	}
	env := decode[errEnvelope](t, body)
	if env.Error.Code != "validation_failed" {
		t.Fatalf("code %q", env.Error.Code)
	}
}

func TestInstanceLifecycle(t *testing.T) {
	ts := newTestServer(t)
	cfg := ts.createConfig(t)
	for actor, role := range map[string]string{"sam": "security", "cleo": "compliance"} {
		status, body := ts.do(t, http.MethodPost, "/v0/tenants/"+tenant+"/roles", "root",
			server.RoleGrantRequest{ActorID: actor, Role: role})
		if status != http.StatusCreated {
			t.Fatalf("grant %s: status %d: %s", actor, status, body)
		}
	}
	in := ts.startInstance(t, cfg.ID)
	if in.CurrentStageID != "draft" || in.Version != 1 || in.Status != "active" {
		t.Fatalf("unexpected start state: %+v", in)
	}
	base := "/v0/tenants/" + tenant + "/instances/" + in.ID

	status, body := ts.do(t, http.MethodPost, base+"/transition", "starter",
		server.TransitionRequest{Decision: "advance", ExpectedVersion: 1})
	if status != http.StatusOK {
		t.Fatalf("advance: status %d: %s", status, body)
	}
	in = decode[server.InstanceResponse](t, body)
	if in.CurrentStageID != "submitted" || in.Version != 2 {
		t.Fatalf("unexpected state after advance: %+v", in)
	}

	// gate not met yet
	status, body = ts.do(t, http.MethodPost, base+"/transition", "starter",
		server.TransitionRequest{Decision: "advance", ExpectedVersion: 2})
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("gated advance: status %d: %s", status, body)
	}
	env := decode[errEnvelope](t, body)
	if env.Error.Code != "approvals_pending" {
		t.Fatalf("code %q", env.Error.Code)
	}
	if need, _ := env.Error.Details["need"].(float64); need != 2 {
		t.Fatalf("details %+v", env.Error.Details)
	}

	for i, actor := range []string{"sam", "cleo"} {
		status, body = ts.do(t, http.MethodPost, base+"/approvals", actor,
			server.ApprovalRequest{Decision: "approve", ExpectedVersion: int64(2 + i)})
		if status != http.StatusCreated {
			t.Fatalf("approve %s: status %d: %s", actor, status, body)
		}
	}

	status, body = ts.do(t, http.MethodPost, base+"/transition", "starter",
		server.TransitionRequest{Decision: "advance", ExpectedVersion: 4})
	if status != http.StatusOK {
		t.Fatalf("final advance: status %d: %s", status, body)
	}
	in = decode[server.InstanceResponse](t, body)
	if in.CurrentStageID != "approved" || in.Status != "completed" || in.Version != 5 {
		t.Fatalf("unexpected final state: %+v", in)
	}

	status, body = ts.do(t, http.MethodGet, base+"/approvals", "root", nil)
	if status != http.StatusOK {
		t.Fatalf("list approvals: status %d: %s", status, body)
	}
	approvals := decode[[]server.ApprovalResponse](t, body)
	if len(approvals) != 2 {
		t.Fatalf("expected 2 approvals, got %d", len(approvals))
	}

	status, body = ts.do(t, http.MethodGet, base+"/audit", "root", nil)
	if status != http.StatusOK {
		t.Fatalf("audit: status %d: %s", status, body)
	}
	entries := decode[[]server.AuditEntryResponse](t, body)
	if len(entries) != 5 {
		t.Fatalf("expected 5 audit entries, got %d: %s", len(entries), body)
	}
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Fatalf("entry %d has seq %d", i, e.Seq)
		}
	}

	status, body = ts.do(t, http.MethodGet, base+"/audit/verify", "root", nil)
	if status != http.StatusOK {
		t.Fatalf("verify: status %d: %s", status, body)
	}
	verify := decode[map[string]any](t, body)
	if verify["chain_ok"] != true || verify["consistent"] != true {
		t.Fatalf("verify result %+v", verify)
	}
}

func TestStaleVersionConflict(t *testing.T) {
	ts := newTestServer(t)
	cfg := ts.createConfig(t)
	in := ts.startInstance(t, cfg.ID)
	base := "/v0/tenants/" + tenant + "/instances/" + in.ID

	if status, body := ts.do(t, http.MethodPost, base+"/transition", "starter",
		server.TransitionRequest{Decision: "advance", ExpectedVersion: 1}); status != http.StatusOK {
		t.Fatalf("advance: status %d: %s", status, body)
	}
	status, body := ts.do(t, http.MethodPost, base+"/transition", "starter",
		server.TransitionRequest{Decision: "advance", ExpectedVersion: 1})
	if status != http.StatusConflict {
		t.Fatalf("status %d: %s", status, body)
	}
	env := decode[errEnvelope](t, body)
	if env.Error.Code != "conflict" {
		t.Fatalf("code %q", env.Error.Code)
	}
}

func TestCrossTenantInstanceHidden(t *testing.T) {
	ts := newTestServer(t)
	cfg := ts.createConfig(t)
	in := ts.startInstance(t, cfg.ID)

	status, body := ts.do(t, http.MethodGet, "/v0/tenants/globex/instances/"+in.ID, "root", nil)
	if status != http.StatusNotFound {
		t.Fatalf("status %d: %s", status, body)
	}
}

func TestBearerTokenAuth(t *testing.T) {
	ts := newTestServer(t)
	token, err := server.IssueToken(testSecret, "root", []string{server.RoleAdmin}, 60)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(server.CreateConfigRequest{Definition: onboardingDefinition()})
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v0/tenants/"+tenant+"/configs", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := ts.Client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(res.Body)
		t.Fatalf("status %d: %s", res.StatusCode, body)
	}

	// a token minted with the wrong secret is rejected
	bad, err := server.IssueToken("wrong-secret", "root", []string{server.RoleAdmin}, 60)
	if err != nil {
		t.Fatal(err)
	}
	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/v0/tenants/"+tenant+"/configs", nil)
	req.Header.Set("Authorization", "Bearer "+bad)
	res, err = ts.Client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d for forged token", res.StatusCode)
	}
}

func TestUnknownInstance(t *testing.T) {
	ts := newTestServer(t)
	status, body := ts.do(t, http.MethodGet, fmt.Sprintf("/v0/tenants/%s/instances/%s", tenant, "nope"), "root", nil)
	if status != http.StatusNotFound {
		t.Fatalf("status %d: %s", status, body)
	}
}
