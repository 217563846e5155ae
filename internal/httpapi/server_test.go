package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"

	"github.com/agmux/agmux-server/internal/muxadapter"
	"github.com/agmux/agmux-server/internal/orchestrator"
	"github.com/agmux/agmux-server/internal/readiness"
	"github.com/agmux/agmux-server/internal/serverconfig"
	"github.com/agmux/agmux-server/internal/session"
	"github.com/agmux/agmux-server/internal/store"
	"github.com/agmux/agmux-server/internal/triggerload"
	"github.com/agmux/agmux-server/internal/triggers"
	"github.com/agmux/agmux-server/internal/wshub"
)

func skipIfNoSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found in PATH, skipping")
	}
}

func newTestServer(t *testing.T, token string) *Server {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sessions := session.New()
	t.Cleanup(sessions.Close)

	hub := wshub.NewHub()
	hub.Start()
	t.Cleanup(hub.Stop)

	adapter := muxadapter.New("tmux")
	ready := readiness.NewEngine(adapter, readiness.DefaultTunables())
	t.Cleanup(ready.Close)

	trig := triggers.NewEngine()
	loader := triggerload.New(t.TempDir()+"/triggers.yaml", trig)

	cfg := serverconfig.DefaultConfig()
	cfg.AuthToken = token

	orch := orchestrator.New(cfg, adapter, st, sessions, hub, ready, trig, loader, nil, "tmux")
	if err := orch.Start(); err != nil {
		t.Fatalf("orchestrator.Start: %v", err)
	}
	t.Cleanup(orch.Stop)

	return New(cfg, orch)
}

func TestHandleSessionReturnsTokenWithoutAuth(t *testing.T) {
	s := newTestServer(t, "secret-token")

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["token"] != "secret-token" {
		t.Fatalf("token = %q, want secret-token", body["token"])
	}
}

func TestProtectedRouteRejectsMissingToken(t *testing.T) {
	s := newTestServer(t, "secret-token")

	req := httptest.NewRequest(http.MethodGet, "/api/ptys", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestProtectedRouteAcceptsHeaderToken(t *testing.T) {
	s := newTestServer(t, "secret-token")

	req := httptest.NewRequest(http.MethodGet, "/api/ptys", nil)
	req.Header.Set(tokenHeader, "secret-token")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestProtectedRouteAcceptsBearerToken(t *testing.T) {
	s := newTestServer(t, "secret-token")

	req := httptest.NewRequest(http.MethodGet, "/api/ptys", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestProtectedRouteAcceptsQueryToken(t *testing.T) {
	s := newTestServer(t, "secret-token")

	req := httptest.NewRequest(http.MethodGet, "/api/ptys?token=secret-token", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleCreatePtyRequiresCommand(t *testing.T) {
	s := newTestServer(t, "secret-token")

	body, _ := json.Marshal(map[string]any{})
	req := httptest.NewRequest(http.MethodPost, "/api/ptys", bytes.NewReader(body))
	req.Header.Set(tokenHeader, "secret-token")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleCreatePtySpawnsSession(t *testing.T) {
	skipIfNoSh(t)
	s := newTestServer(t, "secret-token")

	body, _ := json.Marshal(map[string]any{"command": "sh", "args": []string{"-c", "sleep 5"}})
	req := httptest.NewRequest(http.MethodPost, "/api/ptys", bytes.NewReader(body))
	req.Header.Set(tokenHeader, "secret-token")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["id"] == "" {
		t.Fatal("expected a non-empty session id")
	}
}

func TestHandleKillPtyUnknownReturnsNotFound(t *testing.T) {
	s := newTestServer(t, "secret-token")

	req := httptest.NewRequest(http.MethodPost, "/api/ptys/does-not-exist/kill", nil)
	req.Header.Set(tokenHeader, "secret-token")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleReloadTriggersSucceedsWithNoFile(t *testing.T) {
	s := newTestServer(t, "secret-token")

	req := httptest.NewRequest(http.MethodPost, "/api/triggers/reload", nil)
	req.Header.Set(tokenHeader, "secret-token")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestNoAuthTokenConfiguredAlwaysRejects(t *testing.T) {
	s := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/ptys", nil)
	req.Header.Set(tokenHeader, "")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 when no token is configured", rec.Code)
	}
}
