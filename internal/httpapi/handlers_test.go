package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MohamedElrefae/accounting-system-sub012/internal/obs"
	"github.com/MohamedElrefae/accounting-system-sub012/internal/roles"
)

type fakeStore struct {
	mu   sync.Mutex
	data map[string]string
	fail bool
}

func newFakeStore() *fakeStore { return &fakeStore{data: make(map[string]string)} }

func (s *fakeStore) set(k, v string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("%w: store down", roles.ErrDataAccess)
	}
	s.data[k] = v
	return nil
}

func (s *fakeStore) get(k string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return "", fmt.Errorf("%w: store down", roles.ErrDataAccess)
	}
	return s.data[k], nil
}

func (s *fakeStore) del(k string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, k)
	return nil
}

func (s *fakeStore) PersistOrgRole(_ context.Context, u, o, r string) error { return s.set(u+"|"+o, r) }
func (s *fakeStore) FetchCurrentOrgRole(_ context.Context, u, o string) (string, error) {
	return s.get(u + "|" + o)
}
func (s *fakeStore) DeleteOrgRole(_ context.Context, u, o string) error { return s.del(u + "|" + o) }
func (s *fakeStore) PersistProjectRole(_ context.Context, u, p, r string) error {
	return s.set(u+"#"+p, r)
}
func (s *fakeStore) FetchCurrentProjectRole(_ context.Context, u, p string) (string, error) {
	return s.get(u + "#" + p)
}
func (s *fakeStore) DeleteProjectRole(_ context.Context, u, p string) error { return s.del(u + "#" + p) }

type noopInvalidator struct{}

func (noopInvalidator) InvalidateRoleChange(context.Context, string, roles.Scope) error { return nil }
func (noopInvalidator) InvalidatePermissionChange(context.Context, string, roles.Scope) error {
	return nil
}

type noopManager struct{}

func (noopManager) ReloadSessionAuthorization(context.Context, string) error { return nil }

func newTestAPI(t *testing.T) (*API, *roles.Service, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	svc, err := roles.NewService(store, noopInvalidator{}, noopManager{},
		roles.WithBackoff(time.Millisecond))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(svc.Close)
	return New(ReadyProbe{}, svc, "test"), svc, store
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	api, _, _ := newTestAPI(t)
	rec := doJSON(t, api.Handler(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["version"] != "test" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestAssignOrgRoleAccepted(t *testing.T) {
	api, _, store := newTestAPI(t)
	rec := doJSON(t, api.Handler(), http.MethodPut, "/v1/org-roles",
		`{"user_id":"u1","org_id":"org1","role":"org_admin"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var event roles.RoleAssignmentEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &event); err != nil {
		t.Fatal(err)
	}
	if event.ID == "" || event.Type != roles.EventOrgRoleAssigned {
		t.Fatalf("unexpected event: %+v", event)
	}
	if got, _ := store.get("u1|org1"); got != "org_admin" {
		t.Fatalf("role not persisted: %q", got)
	}
}

func TestUpdateProjectRoleCarriesPreviousRole(t *testing.T) {
	api, _, _ := newTestAPI(t)
	h := api.Handler()
	if rec := doJSON(t, h, http.MethodPut, "/v1/project-roles",
		`{"user_id":"u1","project_id":"p1","role":"project_viewer"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("assign: %d", rec.Code)
	}
	rec := doJSON(t, h, http.MethodPatch, "/v1/project-roles",
		`{"user_id":"u1","project_id":"p1","role":"project_admin"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("update: %d", rec.Code)
	}
	var event roles.RoleAssignmentEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &event); err != nil {
		t.Fatal(err)
	}
	if event.PreviousRole != "project_viewer" {
		t.Fatalf("expected previous role project_viewer, got %q", event.PreviousRole)
	}
}

func TestEventStatusPolling(t *testing.T) {
	api, _, _ := newTestAPI(t)
	h := api.Handler()
	rec := doJSON(t, h, http.MethodDelete, "/v1/org-roles",
		`{"user_id":"u1","org_id":"org1"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("remove: %d", rec.Code)
	}
	var event roles.RoleAssignmentEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &event); err != nil {
		t.Fatal(err)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/propagation/events/"+event.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got roles.RoleAssignmentEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != event.ID {
		t.Fatalf("wrong event returned: %s", got.ID)
	}
}

func TestEventStatusUnknownIs404(t *testing.T) {
	api, _, _ := newTestAPI(t)
	rec := doJSON(t, api.Handler(), http.MethodGet, "/v1/propagation/events/does-not-exist", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSessionLifecycle(t *testing.T) {
	api, svc, _ := newTestAPI(t)
	h := api.Handler()

	rec := doJSON(t, h, http.MethodPost, "/v1/sessions",
		`{"user_id":"u1","session_id":"s1"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("register: expected 204, got %d", rec.Code)
	}
	if got := svc.UserSessions("u1"); len(got) != 1 || got[0] != "s1" {
		t.Fatalf("session not registered: %v", got)
	}

	rec = doJSON(t, h, http.MethodDelete, "/v1/sessions",
		`{"user_id":"u1","session_id":"s1"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unregister: expected 204, got %d", rec.Code)
	}
	if got := svc.UserSessions("u1"); len(got) != 0 {
		t.Fatalf("session not removed: %v", got)
	}
}

func TestSessionValidation(t *testing.T) {
	api, _, _ := newTestAPI(t)
	rec := doJSON(t, api.Handler(), http.MethodPost, "/v1/sessions",
		`{"user_id":"","session_id":"s1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestQueueStatusEndpoint(t *testing.T) {
	api, _, _ := newTestAPI(t)
	rec := doJSON(t, api.Handler(), http.MethodGet, "/v1/propagation/queue", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if _, ok := snap["total_tasks"]; !ok {
		t.Fatalf("missing total_tasks: %v", snap)
	}
}

func TestErrorMapping(t *testing.T) {
	api, _, store := newTestAPI(t)
	h := api.Handler()

	// Invalid input.
	rec := doJSON(t, h, http.MethodPut, "/v1/org-roles",
		`{"user_id":"","org_id":"org1","role":"r"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	// Store failure.
	store.mu.Lock()
	store.fail = true
	store.mu.Unlock()
	rec = doJSON(t, h, http.MethodPut, "/v1/org-roles",
		`{"user_id":"u1","org_id":"org1","role":"r"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api, _, _ := newTestAPI(t)
	h := api.Handler()

	// Wrong method wins over body validation, even with no body at all.
	for _, path := range []string{"/v1/org-roles", "/v1/project-roles", "/v1/sessions"} {
		rec := doJSON(t, h, http.MethodGet, path, "")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s: expected 405, got %d", path, rec.Code)
		}
		if rec.Header().Get("Allow") == "" {
			t.Fatalf("%s: missing Allow header", path)
		}
	}

	rec := doJSON(t, h, http.MethodGet, "/v1/org-roles", "")
	if allow := rec.Header().Get("Allow"); !strings.Contains(allow, http.MethodPut) {
		t.Fatalf("missing Allow header: %q", allow)
	}
}

func TestMalformedBodyRejected(t *testing.T) {
	api, _, _ := newTestAPI(t)
	rec := doJSON(t, api.Handler(), http.MethodPut, "/v1/org-roles", `{"user_id": `)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = doJSON(t, api.Handler(), http.MethodPut, "/v1/org-roles",
		`{"user_id":"u1","org_id":"o","role":"r","bogus":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field must 400, got %d", rec.Code)
	}
}

func TestActorHeaderReachesAuditLog(t *testing.T) {
	api, _, _ := newTestAPI(t)

	var buf bytes.Buffer
	obs.Logger().SetOutput(&buf)
	t.Cleanup(func() { obs.Logger().SetOutput(os.Stdout) })

	req := httptest.NewRequest(http.MethodPut, "/v1/org-roles",
		strings.NewReader(`{"user_id":"u1","org_id":"org1","role":"org_admin"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "admin-7")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	var entry map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		if e["event"] == "role.assigned" {
			entry = e
			break
		}
	}
	if entry == nil {
		t.Fatalf("no audit entry written: %s", buf.String())
	}
	if entry["actor_id"] != "admin-7" {
		t.Fatalf("actor not propagated to audit log: %v", entry)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	api, _, _ := newTestAPI(t)
	rec := doJSON(t, api.Handler(), http.MethodGet, "/healthz", "")
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("X-Request-Id header not set")
	}
}
