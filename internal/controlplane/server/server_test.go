package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/sentryctl/fleet/internal/controlplane/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.DataDir = t.TempDir()
	cfg.AuthEnabled = false

	srv, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestNewBuildsEveryCollaborator(t *testing.T) {
	srv := newTestServer(t)

	if srv.durableStore == nil {
		t.Error("expected durable store")
	}
	if srv.bus == nil {
		t.Error("expected event bus")
	}
	if srv.entitlements == nil {
		t.Error("expected entitlement resolver")
	}
	if srv.tracker == nil {
		t.Error("expected command tracker")
	}
	if srv.detector == nil {
		t.Error("expected detection engine")
	}
	if srv.correlator == nil {
		t.Error("expected correlation engine")
	}
	if srv.pipe == nil {
		t.Error("expected event pipeline")
	}
	if srv.sessions == nil {
		t.Error("expected session manager")
	}
	if srv.hub == nil {
		t.Error("expected transport hub")
	}
	if srv.tamperCtl == nil {
		t.Error("expected tamper controller")
	}
	if srv.notifyRouter == nil {
		t.Error("expected notify router")
	}
	if srv.dispatchLimiter == nil {
		t.Error("expected dispatch rate limiter")
	}
	if srv.scheduler == nil {
		t.Error("expected maintenance scheduler")
	}
	if srv.httpServer == nil {
		t.Error("expected http.Server")
	}
}

func TestHealthzAndVersion(t *testing.T) {
	srv := newTestServer(t)

	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/version", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestUnauthenticatedRequestsPassWhenAuthDisabled(t *testing.T) {
	srv := newTestServer(t)

	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with auth disabled, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestResolveSigningKeyGeneratesEphemeralKey(t *testing.T) {
	srv := newTestServer(t)

	key, err := srv.resolveSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	if len(key) != 32 {
		t.Fatalf("expected a 32-byte generated key, got %d bytes", len(key))
	}
}
