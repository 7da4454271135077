package profileauthz_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	authz "github.com/oarkflow/profileauthz"
	"github.com/oarkflow/profileauthz/stores"
)

func newAdminServer(t *testing.T, opts authz.AdminOptions) (*authz.AdminServer, *authz.Engine) {
	t.Helper()
	reg := prometheus.NewRegistry()
	engine := newTestEngine(t, authz.WithMetrics(authz.NewMetrics(reg)))
	mustUpsert(t, engine, authz.NewPolicyBuilder("read").Grant(authz.PermissionRead).Build())
	identity := stores.NewMemoryIdentityProvider()
	ctx := context.Background()
	_ = identity.SetRole(ctx, "alice", authz.RoleUser)
	_ = identity.SetRole(ctx, "mallory", "intruder")
	_ = identity.SetRelationship(ctx, "alice", "bob", authz.RelationshipFriend)
	if opts.Gatherer == nil {
		opts.Gatherer = reg
	}
	return authz.NewAdminServer(engine, identity, opts), engine
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func TestAdminEvaluate(t *testing.T) {
	server, _ := newAdminServer(t, authz.AdminOptions{})

	resp := do(t, server, http.MethodPost, "/evaluate", `{"user_id":"alice","resource":"profile:bob","permission":"read"}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var out authz.EvaluateResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Decision.Outcome != authz.OutcomeGranted || out.Decision.RiskScore != 30 || out.Error != "" {
		t.Fatalf("unexpected response %+v", out)
	}

	resp = do(t, server, http.MethodPost, "/evaluate", `{"user_id":"mallory","resource":"profile:bob","permission":"read"}`)
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unknown role should be unprocessable, got %d", resp.Code)
	}
	out = authz.EvaluateResponse{}
	_ = json.Unmarshal(resp.Body.Bytes(), &out)
	if out.Decision.Outcome != authz.OutcomeDenied || out.Decision.RiskScore != 100 || out.Error == "" {
		t.Fatalf("unexpected structural response %+v", out)
	}

	if resp := do(t, server, http.MethodPost, "/evaluate", `{"user_id":"nobody","resource":"profile:bob","permission":"read"}`); resp.Code != http.StatusNotFound {
		t.Fatalf("unknown user should be 404, got %d", resp.Code)
	}
	if resp := do(t, server, http.MethodPost, "/evaluate", `{"user_id":"alice","resource":"bob","permission":"read"}`); resp.Code != http.StatusBadRequest {
		t.Fatalf("malformed resource should be 400, got %d", resp.Code)
	}
	if resp := do(t, server, http.MethodPost, "/evaluate", `{`); resp.Code != http.StatusBadRequest {
		t.Fatalf("bad json should be 400, got %d", resp.Code)
	}
}

func TestAdminEvaluateRateLimit(t *testing.T) {
	server, _ := newAdminServer(t, authz.AdminOptions{EvaluateLimit: 1})
	body := `{"user_id":"alice","resource":"profile:bob","permission":"read"}`
	if resp := do(t, server, http.MethodPost, "/evaluate", body); resp.Code != http.StatusOK {
		t.Fatalf("first request: %d", resp.Code)
	}
	if resp := do(t, server, http.MethodPost, "/evaluate", body); resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.Code)
	}
	if resp := do(t, server, http.MethodGet, "/stats", ""); resp.Code != http.StatusOK {
		t.Fatalf("limit applies to evaluate only, got %d", resp.Code)
	}
}

func TestAdminPolicyLifecycle(t *testing.T) {
	server, engine := newAdminServer(t, authz.AdminOptions{})
	body := `{"priority":5,"active":true,"actions":[{"type":"deny","permissions":["delete"]}]}`

	if resp := do(t, server, http.MethodPut, "/policies/deny-delete", body); resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	resp := do(t, server, http.MethodPut, "/policies/deny-delete", body)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 on update, got %d", resp.Code)
	}
	var stored authz.Policy
	if err := json.Unmarshal(resp.Body.Bytes(), &stored); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stored.ID != "deny-delete" || stored.Version != 2 {
		t.Fatalf("unexpected stored policy %+v", stored)
	}

	resp = do(t, server, http.MethodGet, "/policies", "")
	var list []authz.Policy
	if err := json.Unmarshal(resp.Body.Bytes(), &list); err != nil || len(list) != 2 || list[0].ID != "deny-delete" {
		t.Fatalf("expected deny-delete first of 2, got %d (%v)", len(list), err)
	}
	resp = do(t, server, http.MethodGet, "/policies/deny-delete/history", "")
	var history []authz.Policy
	if err := json.Unmarshal(resp.Body.Bytes(), &history); err != nil || len(history) != 1 {
		t.Fatalf("expected one archived version, got %d (%v)", len(history), err)
	}

	resp = do(t, server, http.MethodPost, "/evaluate", `{"user_id":"alice","resource":"profile:bob","permission":"delete"}`)
	var out authz.EvaluateResponse
	_ = json.Unmarshal(resp.Body.Bytes(), &out)
	if out.Decision.Outcome != authz.OutcomeDenied || out.Decision.Reason != "denied by policy deny-delete" {
		t.Fatalf("unexpected decision %+v", out.Decision)
	}

	if resp := do(t, server, http.MethodPut, "/policies/other", `{"id":"mismatch","active":true,"actions":[{"type":"grant"}]}`); resp.Code != http.StatusBadRequest {
		t.Fatalf("mismatched id should be 400, got %d", resp.Code)
	}
	if resp := do(t, server, http.MethodPut, "/policies/empty", `{"active":true}`); resp.Code != http.StatusBadRequest {
		t.Fatalf("policy without actions should be 400, got %d", resp.Code)
	}
	if resp := do(t, server, http.MethodDelete, "/policies/deny-delete", ""); resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if resp := do(t, server, http.MethodDelete, "/policies/deny-delete", ""); resp.Code != http.StatusNotFound {
		t.Fatalf("second delete should be 404, got %d", resp.Code)
	}
	if resp := do(t, server, http.MethodGet, "/policies/deny-delete", ""); resp.Code != http.StatusNotFound {
		t.Fatalf("removed policy should be 404, got %d", resp.Code)
	}
	if engine.Stats().Policies != 1 {
		t.Fatalf("expected one remaining policy")
	}
}

func TestAdminAuditStatsAndMetrics(t *testing.T) {
	server, _ := newAdminServer(t, authz.AdminOptions{})
	for i := 0; i < 2; i++ {
		do(t, server, http.MethodPost, "/evaluate", `{"user_id":"alice","resource":"profile:bob","permission":"read"}`)
	}

	resp := do(t, server, http.MethodGet, "/audit?user=alice&outcome=granted&limit=1", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("audit: %d %s", resp.Code, resp.Body.String())
	}
	var entries []authz.AuditEntry
	if err := json.Unmarshal(resp.Body.Bytes(), &entries); err != nil || len(entries) != 1 || entries[0].Seq != 2 {
		t.Fatalf("expected newest entry only, got %d (%v)", len(entries), err)
	}
	for _, q := range []string{"outcome=maybe", "limit=ten", "limit=-1"} {
		if resp := do(t, server, http.MethodGet, "/audit?"+q, ""); resp.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", q, resp.Code)
		}
	}

	resp = do(t, server, http.MethodGet, "/stats", "")
	var stats authz.EngineStats
	if err := json.Unmarshal(resp.Body.Bytes(), &stats); err != nil || stats.AuditEntries != 2 || stats.TrackedUsers != 1 {
		t.Fatalf("unexpected stats %+v (%v)", stats, err)
	}

	resp = do(t, server, http.MethodPost, "/audit/flush", "")
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"shipped":0`) {
		t.Fatalf("flush without sink: %d %s", resp.Code, resp.Body.String())
	}
	resp = do(t, server, http.MethodGet, "/anomalies?user=alice", "")
	if resp.Code != http.StatusOK || strings.TrimSpace(resp.Body.String()) != "[]" {
		t.Fatalf("expected no anomalies, got %s", resp.Body.String())
	}

	resp = do(t, server, http.MethodGet, "/metrics", "")
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `profileauthz_decisions_total{outcome="granted"} 2`) {
		t.Fatalf("metrics missing decision counter: %s", resp.Body.String())
	}
}
