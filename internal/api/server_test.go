package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/org/secretflow/internal/access"
	"github.com/org/secretflow/internal/approval"
	"github.com/org/secretflow/internal/audit"
	"github.com/org/secretflow/internal/auth"
	"github.com/org/secretflow/internal/crypto"
	"github.com/org/secretflow/internal/permission"
	"github.com/org/secretflow/internal/secret"
	"github.com/org/secretflow/internal/snapshot"
	"github.com/org/secretflow/internal/storage"
	"github.com/org/secretflow/internal/versionstore"
	"github.com/org/secretflow/internal/worker"
	"github.com/org/secretflow/pkg/models"
)

// --- test helpers ---

type testEnv struct {
	srv     *Server
	handler http.Handler
	tokens  map[string]string
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	root, err := crypto.GenerateRootKey()
	if err != nil {
		t.Fatal(err)
	}
	kr, err := crypto.NewKeyring(root)
	if err != nil {
		t.Fatal(err)
	}
	tokens, err := auth.NewTokenService([]byte("test-secret"), "secretflow-test")
	if err != nil {
		t.Fatal(err)
	}

	store := storage.NewMemoryBackend()
	pool := worker.NewInline()
	perms := permission.NewEngine(storage.NewPermissionSource(store))
	vs := versionstore.New()
	auditor := audit.NewLogger(store, pool)
	snaps := snapshot.NewService(store, perms, kr, vs, auditor, pool, snapshot.Config{})
	approvals := approval.NewService(store, perms, vs, auditor, nil, snaps)

	srv := NewServer(Services{
		Store:     store,
		Perms:     perms,
		Tokens:    tokens,
		Secrets:   secret.NewService(store, perms, kr, vs, approvals, snaps, auditor),
		Snapshots: snaps,
		Approvals: approvals,
		Access:    access.NewService(store, perms, auditor),
		Audit:     auditor,
		Pool:      pool,
	}, Config{RateLimitRPS: 1000, RateLimitBurst: 1000})

	roles := map[string]string{
		"alice": permission.RoleAdmin, "bob": permission.RoleMember,
		"carol": permission.RoleMember, "victor": permission.RoleViewer,
	}
	err = storage.Write(ctx, store, func(tx storage.Tx) error {
		for id, role := range roles {
			if err := tx.InsertRoleAssignment(ctx, &models.RoleAssignment{
				ID: models.NewID(), ProjectID: "p1", PrincipalType: models.PrincipalUser, PrincipalID: id, RoleSlug: role,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seeding roles: %v", err)
	}

	env := &testEnv{srv: srv, handler: srv.BuildRouter(), tokens: map[string]string{}}
	for id := range roles {
		raw, err := tokens.CreateToken(models.Actor{Type: models.ActorUser, ID: id}, time.Hour)
		if err != nil {
			t.Fatalf("minting token: %v", err)
		}
		env.tokens[id] = raw
	}
	return env
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+e.tokens[user])
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, code int) {
	t.Helper()
	if w.Code != code {
		t.Fatalf("expected %d, got %d: %s", code, w.Code, w.Body.String())
	}
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("decoding response: %v (body: %s)", err, w.Body.String())
	}
	return result
}

func data(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	d, ok := decodeBody(t, w)["data"].(map[string]any)
	if !ok {
		t.Fatalf("response has no data object: %s", w.Body.String())
	}
	return d
}

// --- tests ---

func TestHealthEndpoint(t *testing.T) {
	env := newTestServer(t)
	w := env.do(t, "GET", "/v1/sys/health", "", nil)
	expectStatus(t, w, http.StatusOK)
	if body := decodeBody(t, w); body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestServer(t)
	w := env.do(t, "GET", "/v1/projects/p1/secrets?environment=prod", "", nil)
	expectStatus(t, w, http.StatusUnauthorized)

	req := httptest.NewRequest("GET", "/v1/projects/p1/secrets?environment=prod", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusUnauthorized)
}

func TestSecretLifecycle(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, "POST", "/v1/projects/p1/secrets", "alice", map[string]any{
		"environment": "prod", "path": "/", "key": "DB_PASSWORD", "value": "hunter2",
	})
	expectStatus(t, w, http.StatusCreated)
	sec := data(t, w)["secret"].(map[string]any)
	id := sec["id"].(string)

	w = env.do(t, "PATCH", "/v1/projects/p1/secrets/DB_PASSWORD?environment=prod&path=/", "alice",
		map[string]any{"value": "correct-horse"})
	expectStatus(t, w, http.StatusOK)
	if v := data(t, w)["secret"].(map[string]any)["version"]; v != float64(2) {
		t.Errorf("expected version 2, got %v", v)
	}

	w = env.do(t, "GET", "/v1/secrets/"+id+"/versions", "alice", nil)
	expectStatus(t, w, http.StatusOK)
	if total := decodeBody(t, w)["total"]; total != float64(2) {
		t.Errorf("expected 2 versions, got %v", total)
	}

	w = env.do(t, "POST", "/v1/secrets/"+id+"/versions/1/restore", "alice", nil)
	expectStatus(t, w, http.StatusOK)

	w = env.do(t, "GET", "/v1/projects/p1/secrets/DB_PASSWORD?environment=prod", "alice", nil)
	expectStatus(t, w, http.StatusOK)
	got := data(t, w)
	if got["value"] != "hunter2" || got["version"] != float64(3) {
		t.Errorf("expected restored hunter2 at version 3, got %v at %v", got["value"], got["version"])
	}

	w = env.do(t, "GET", "/v1/projects/p1/export?environment=prod", "alice", nil)
	expectStatus(t, w, http.StatusOK)
	if body := w.Body.String(); body != "DB_PASSWORD=\"hunter2\"\n" && body != "DB_PASSWORD=hunter2\n" {
		t.Errorf("unexpected export %q", body)
	}

	w = env.do(t, "DELETE", "/v1/projects/p1/secrets/DB_PASSWORD?environment=prod", "alice", nil)
	expectStatus(t, w, http.StatusNoContent)
	w = env.do(t, "GET", "/v1/projects/p1/secrets/DB_PASSWORD?environment=prod", "alice", nil)
	expectStatus(t, w, http.StatusNotFound)
}

func TestViewerCannotWrite(t *testing.T) {
	env := newTestServer(t)
	w := env.do(t, "POST", "/v1/projects/p1/secrets", "victor", map[string]any{
		"environment": "prod", "key": "K", "value": "v",
	})
	expectStatus(t, w, http.StatusForbidden)
	if body := decodeBody(t, w); body["code"] == "" {
		t.Error("expected an error code")
	}

	w = env.do(t, "GET", "/v1/projects/p1/secrets?environment=prod", "victor", nil)
	expectStatus(t, w, http.StatusOK)
}

func TestApprovalFlow(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, "POST", "/v1/projects/p1/approval-policies", "alice", map[string]any{
		"name": "prod guard", "environment": "prod", "secret_path": "/**",
		"approvers":          []map[string]string{{"type": "user", "id": "bob"}},
		"required_approvals": 1,
	})
	expectStatus(t, w, http.StatusCreated)
	policyID := data(t, w)["id"].(string)

	w = env.do(t, "GET", "/v1/projects/p1/approval-policies/"+policyID, "alice", nil)
	expectStatus(t, w, http.StatusOK)
	w = env.do(t, "GET", "/v1/projects/other/approval-policies/"+policyID, "alice", nil)
	if w.Code == http.StatusOK {
		t.Error("policy must not be visible under another project")
	}

	w = env.do(t, "POST", "/v1/projects/p1/secrets", "carol", map[string]any{
		"environment": "prod", "key": "API_KEY", "value": "v1",
	})
	expectStatus(t, w, http.StatusAccepted)
	reqID := data(t, w)["approval_request"].(map[string]any)["id"].(string)

	w = env.do(t, "GET", "/v1/projects/p1/secrets/API_KEY?environment=prod", "alice", nil)
	expectStatus(t, w, http.StatusNotFound)

	w = env.do(t, "POST", "/v1/approval-requests/"+reqID+"/merge", "carol", nil)
	expectStatus(t, w, http.StatusBadRequest)

	w = env.do(t, "POST", "/v1/approval-requests/"+reqID+"/review", "victor", map[string]any{"status": "approved"})
	expectStatus(t, w, http.StatusForbidden)

	w = env.do(t, "POST", "/v1/approval-requests/"+reqID+"/review", "bob", map[string]any{"status": "approved"})
	expectStatus(t, w, http.StatusOK)
	if st := data(t, w)["status"]; st != "approved" {
		t.Fatalf("expected approved, got %v", st)
	}

	w = env.do(t, "POST", "/v1/approval-requests/"+reqID+"/merge", "carol", nil)
	expectStatus(t, w, http.StatusOK)
	if st := data(t, w)["status"]; st != "merged" {
		t.Fatalf("expected merged, got %v", st)
	}

	w = env.do(t, "GET", "/v1/projects/p1/secrets/API_KEY?environment=prod", "alice", nil)
	expectStatus(t, w, http.StatusOK)
	if v := data(t, w)["value"]; v != "v1" {
		t.Errorf("expected merged value v1, got %v", v)
	}

	w = env.do(t, "GET", "/v1/projects/p1/approval-requests?status=merged", "bob", nil)
	expectStatus(t, w, http.StatusOK)
	if list, _ := decodeBody(t, w)["data"].([]any); len(list) != 1 {
		t.Errorf("expected one merged request, got %d", len(list))
	}
}

func TestSnapshotDiffAndRollback(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, "POST", "/v1/projects/p1/secrets", "alice", map[string]any{
		"environment": "prod", "key": "FEATURE", "value": "off",
	})
	expectStatus(t, w, http.StatusCreated)

	w = env.do(t, "POST", "/v1/projects/p1/snapshots", "alice", map[string]any{"environment": "prod"})
	expectStatus(t, w, http.StatusCreated)
	snapID := data(t, w)["id"].(string)

	w = env.do(t, "PATCH", "/v1/projects/p1/secrets/FEATURE?environment=prod", "alice", map[string]any{"value": "on"})
	expectStatus(t, w, http.StatusOK)

	w = env.do(t, "GET", "/v1/snapshots/"+snapID+"/diff", "alice", nil)
	expectStatus(t, w, http.StatusOK)
	entries, _ := data(t, w)["secrets"].([]any)
	if len(entries) != 1 || entries[0].(map[string]any)["mode"] != "modified" {
		t.Fatalf("expected one modified secret, got %v", entries)
	}

	w = env.do(t, "POST", "/v1/snapshots/"+snapID+"/rollback", "alice", map[string]any{"path": "/"})
	expectStatus(t, w, http.StatusOK)

	w = env.do(t, "GET", "/v1/projects/p1/secrets/FEATURE?environment=prod", "alice", nil)
	expectStatus(t, w, http.StatusOK)
	if v := data(t, w)["value"]; v != "off" {
		t.Errorf("expected rolled back value off, got %v", v)
	}

	w = env.do(t, "GET", "/v1/projects/p1/snapshots?environment=prod", "alice", nil)
	expectStatus(t, w, http.StatusOK)
	if total := decodeBody(t, w)["total"]; total != float64(1) {
		t.Errorf("expected 1 snapshot, got %v", total)
	}
}

func TestPermissionsAndMemberships(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, "GET", "/v1/projects/p1/permissions", "bob", nil)
	expectStatus(t, w, http.StatusOK)
	var packed []string
	for _, p := range data(t, w)["packed"].([]any) {
		packed = append(packed, p.(string))
	}
	if !slices.Contains(packed, "read_secrets") || slices.Contains(packed, "edit_role") {
		t.Errorf("unexpected packed permissions %v", packed)
	}

	w = env.do(t, "POST", "/v1/projects/p1/memberships", "bob", map[string]any{
		"principal_type": "user", "principal_id": "mallory", "role": "admin",
	})
	expectStatus(t, w, http.StatusForbidden)

	w = env.do(t, "PUT", "/v1/projects/p1/roles/readers", "alice", map[string]any{
		"rules": []map[string]any{{"effect": "allow", "actions": []string{"read"}, "subject": "secrets"}},
	})
	expectStatus(t, w, http.StatusOK)
	w = env.do(t, "POST", "/v1/projects/p1/memberships", "alice", map[string]any{
		"principal_type": "user", "principal_id": "mallory", "role": "readers",
	})
	expectStatus(t, w, http.StatusCreated)
	assignmentID := data(t, w)["id"].(string)

	w = env.do(t, "DELETE", "/v1/projects/p1/memberships/"+assignmentID, "alice", nil)
	expectStatus(t, w, http.StatusNoContent)
	w = env.do(t, "DELETE", "/v1/projects/p1/roles/admin", "alice", nil)
	expectStatus(t, w, http.StatusBadRequest)
}

func TestAuditLogRecordsRequests(t *testing.T) {
	env := newTestServer(t)
	env.do(t, "GET", "/v1/projects/p1/secrets?environment=prod", "alice", nil)

	w := env.do(t, "GET", "/v1/sys/audit-log?project_id=p1&type=http.request", "alice", nil)
	expectStatus(t, w, http.StatusOK)
	entries, _ := decodeBody(t, w)["data"].([]any)
	if len(entries) == 0 {
		t.Fatal("expected audited requests")
	}

	w = env.do(t, "GET", "/v1/sys/audit-log", "alice", nil)
	expectStatus(t, w, http.StatusBadRequest)
}
