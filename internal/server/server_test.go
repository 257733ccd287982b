package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/migrate"
)

const (
	testTenant = "studio"
	testSecret = "test-secret"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default(testTenant)
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg, nil)
	ctx := context.Background()
	if err := e.SeedTemplates(ctx); err != nil {
		t.Fatalf("seed templates: %v", err)
	}
	seedUsers(t, e)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth: AuthConfig{
			JWTSecret:             testSecret,
			AllowLegacyUserHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func seedUsers(t *testing.T, e engine.Engine) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureTenant(ctx, tx, testTenant, "Test Studio", now); err != nil {
		t.Fatalf("ensure tenant: %v", err)
	}
	for _, u := range []struct{ id, role string }{
		{"owner-1", "owner"},
		{"viewer-1", "viewer"},
	} {
		user := domain.User{ID: u.id, TenantID: testTenant, Name: u.id, Email: u.id + "@example.com", CreatedAt: now}
		if err := e.Repo.InsertUser(ctx, tx, user); err != nil {
			t.Fatalf("insert user: %v", err)
		}
		m := domain.Membership{TenantID: testTenant, UserID: u.id, RoleID: u.role}
		if err := e.Repo.UpsertMembership(ctx, tx, m); err != nil {
			t.Fatalf("membership: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asOwner() map[string]string  { return map[string]string{"X-User-Id": "owner-1"} }
func asViewer() map[string]string { return map[string]string{"X-User-Id": "viewer-1"} }

func createProject(t *testing.T, srv *testServer) ProjectEnvelope {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/projects", map[string]any{
		"name":     "Sharma Residence",
		"category": "residential",
	}, asOwner())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}
	var env ProjectEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	if env.Warning != "" {
		t.Fatalf("unexpected warning: %s", env.Warning)
	}
	return env
}

func TestPhaseDependencyFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	project := createProject(t, srv)
	projectURL := srv.URL + "/v1/projects/" + project.Project.ID

	res, data := doJSON(t, client, http.MethodGet, projectURL, nil, asOwner())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get project status %d: %s", res.StatusCode, string(data))
	}
	var detail ProjectDetailEnvelope
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("unmarshal detail: %v", err)
	}
	if len(detail.Phases) != 4 {
		t.Fatalf("expected 4 phases, got %d", len(detail.Phases))
	}
	design := detail.Phases[0]
	procurement := detail.Phases[1]
	if !procurement.IsBlocked {
		t.Fatalf("procurement should start blocked")
	}

	// Starting a blocked phase returns the blocking phase names.
	res, data = doJSON(t, client, http.MethodPatch, projectURL+"/phases/"+procurement.ID, map[string]any{
		"status":              "in_progress",
		"assigned_to":         "owner-1",
		"status_change_notes": "starting early",
	}, asOwner())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for blocked start, got %d: %s", res.StatusCode, string(data))
	}
	var blocked struct {
		Error          string   `json:"error"`
		BlockingPhases []string `json:"blocking_phases"`
	}
	if err := json.Unmarshal(data, &blocked); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if len(blocked.BlockingPhases) != 1 || blocked.BlockingPhases[0] != "Design" {
		t.Fatalf("unexpected blocking phases: %v", blocked.BlockingPhases)
	}

	// Complete the dependency, then the start goes through.
	res, data = doJSON(t, client, http.MethodPatch, projectURL+"/phases/"+design.ID, map[string]any{
		"status":              "in_progress",
		"assigned_to":         "owner-1",
		"status_change_notes": "kickoff",
	}, asOwner())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start design: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPatch, projectURL+"/phases/"+design.ID, map[string]any{
		"status":              "completed",
		"status_change_notes": "approved",
	}, asOwner())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete design: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPatch, projectURL+"/phases/"+procurement.ID, map[string]any{
		"status":              "in_progress",
		"assigned_to":         "owner-1",
		"status_change_notes": "starting",
	}, asOwner())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start procurement: %d %s", res.StatusCode, string(data))
	}
	var updated PhaseEnvelope
	if err := json.Unmarshal(data, &updated); err != nil {
		t.Fatalf("unmarshal phase: %v", err)
	}
	if updated.Phase.Status != "in_progress" {
		t.Fatalf("expected in_progress, got %s", updated.Phase.Status)
	}

	// The design log holds both transitions.
	res, data = doJSON(t, client, http.MethodGet, projectURL+"/phases/"+design.ID+"/logs", nil, asOwner())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("logs: %d %s", res.StatusCode, string(data))
	}
	var logs LogsEnvelope
	if err := json.Unmarshal(data, &logs); err != nil {
		t.Fatalf("unmarshal logs: %v", err)
	}
	if len(logs.Logs) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(logs.Logs))
	}
}

func TestStatusChangeNotesRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	project := createProject(t, srv)
	projectURL := srv.URL + "/v1/projects/" + project.Project.ID

	res, data := doJSON(t, srv.Client(), http.MethodGet, projectURL, nil, asOwner())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get project: %d", res.StatusCode)
	}
	var detail ProjectDetailEnvelope
	_ = json.Unmarshal(data, &detail)

	res, data = doJSON(t, srv.Client(), http.MethodPatch, projectURL+"/phases/"+detail.Phases[0].ID, map[string]any{
		"status": "on_hold",
	}, asOwner())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without notes, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
	// Health stays open.
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for health, got %d", res.StatusCode)
	}
}

func TestPermissionDenied(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	project := createProject(t, srv)
	projectURL := srv.URL + "/v1/projects/" + project.Project.ID

	// Viewers can read but not mutate.
	res, _ := doJSON(t, srv.Client(), http.MethodGet, projectURL, nil, asViewer())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("viewer read: %d", res.StatusCode)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPatch, projectURL, map[string]any{
		"name": "Renamed",
	}, asViewer())
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer update, got %d: %s", res.StatusCode, string(data))
	}
}

func TestJWTAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	claims := jwt.MapClaims{
		"sub":       "owner-1",
		"tenant_id": testTenant,
		"exp":       time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me MeEnvelope
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.UserID != "owner-1" || me.TenantID != testTenant {
		t.Fatalf("unexpected identity: %+v", me)
	}
	// A token signed with the wrong key is rejected.
	bad, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("wrong"))
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"Authorization": "Bearer " + bad,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", res.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/api-keys", map[string]any{
		"name": "ci",
	}, asOwner())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key: %d %s", res.StatusCode, string(data))
	}
	var created APIKeyEnvelope
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if created.Key == "" {
		t.Fatalf("expected raw key in create response")
	}
	if created.APIKey.KeyHash != "" {
		t.Fatalf("key hash must not leak")
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/projects", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key read: %d %s", res.StatusCode, string(data))
	}
}

func TestSubPhaseCompleteAndSkip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	project := createProject(t, srv)
	projectURL := srv.URL + "/v1/projects/" + project.Project.ID

	res, data := doJSON(t, srv.Client(), http.MethodGet, projectURL, nil, asOwner())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get project: %d", res.StatusCode)
	}
	var detail ProjectDetailEnvelope
	_ = json.Unmarshal(data, &detail)
	procurement := detail.Phases[1]
	baseURL := projectURL + "/phases/" + procurement.ID + "/sub-phases"

	var delivery, boq domain.SubPhase
	for _, s := range procurement.SubPhases {
		switch s.Name {
		case "Delivery Inspection":
			delivery = s
		case "Bill of Quantities":
			boq = s
		}
	}
	if delivery.ID == "" || boq.ID == "" {
		t.Fatalf("expected templated sub-phases, got %+v", procurement.SubPhases)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, baseURL+"/"+boq.ID+"/complete", map[string]any{
		"notes": "quantities finalized",
	}, asOwner())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}
	var completed SubPhaseEnvelope
	if err := json.Unmarshal(data, &completed); err != nil {
		t.Fatalf("unmarshal sub-phase: %v", err)
	}
	if completed.SubPhase.Status != "completed" {
		t.Fatalf("expected completed, got %s", completed.SubPhase.Status)
	}
	if completed.SubPhase.CompletedBy == nil || *completed.SubPhase.CompletedBy != "owner-1" {
		t.Fatalf("expected completed_by stamp")
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, baseURL+"/"+delivery.ID+"/skip", map[string]any{
		"notes": "inspected at vendor",
	}, asOwner())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("skip: %d %s", res.StatusCode, string(data))
	}
	var skipped SubPhaseEnvelope
	_ = json.Unmarshal(data, &skipped)
	if skipped.SubPhase.Status != "cancelled" {
		t.Fatalf("expected cancelled, got %s", skipped.SubPhase.Status)
	}
}
