package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/sentryctl/fleet/internal/controlplane/auth"
	"github.com/sentryctl/fleet/internal/controlplane/config"
)

func newAuthTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.DataDir = t.TempDir()
	cfg.AuthEnabled = true

	srv, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	if srv.keyStore == nil {
		t.Fatal("expected key store to be initialized")
	}
	return srv
}

func makeRequest(srv *Server, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rr, req)
	return rr
}

func TestRequestsWithoutCredentialsAreRejected(t *testing.T) {
	srv := newAuthTestServer(t)

	rr := makeRequest(srv, http.MethodGet, "/api/v1/agents", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestHealthzSkipsAuth(t *testing.T) {
	srv := newAuthTestServer(t)

	rr := makeRequest(srv, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestAPIKeyWithPermissionIsAccepted(t *testing.T) {
	srv := newAuthTestServer(t)

	_, token, err := srv.keyStore.Create("reader", []auth.Permission{auth.PermFleetRead}, nil)
	if err != nil {
		t.Fatal(err)
	}

	rr := makeRequest(srv, http.MethodGet, "/api/v1/agents", token)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestAPIKeyMissingPermissionIsForbidden(t *testing.T) {
	srv := newAuthTestServer(t)

	_, token, err := srv.keyStore.Create("reader", []auth.Permission{auth.PermAuditRead}, nil)
	if err != nil {
		t.Fatal(err)
	}

	rr := makeRequest(srv, http.MethodGet, "/api/v1/agents", token)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestAdminPermissionGrantsEverything(t *testing.T) {
	srv := newAuthTestServer(t)

	_, token, err := srv.keyStore.Create("root", []auth.Permission{auth.PermAdmin}, nil)
	if err != nil {
		t.Fatal(err)
	}

	rr := makeRequest(srv, http.MethodGet, "/api/v1/users", token)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestInvalidBearerTokenRejected(t *testing.T) {
	srv := newAuthTestServer(t)

	rr := makeRequest(srv, http.MethodGet, "/api/v1/agents", "sck_not-a-real-key")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body=%s", rr.Code, rr.Body.String())
	}
}
