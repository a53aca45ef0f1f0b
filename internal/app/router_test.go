package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"ledgerd.io/ledgerd/internal/api/handlers"
	"ledgerd.io/ledgerd/internal/config"
	"ledgerd.io/ledgerd/internal/pkg/logger"
)

func TestBuildCORSConfig_DefaultsToAllowlistWhenOriginsEmpty(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{
			AllowedOrigins:        nil,
			AllowCredentials:      true,
			UnsafeAllowAllOrigins: false,
		},
	}

	got := buildCORSConfig(cfg)
	if got.AllowAllOrigins {
		t.Fatalf("AllowAllOrigins = %v, want false", got.AllowAllOrigins)
	}
	if !got.AllowCredentials {
		t.Fatalf("AllowCredentials = %v, want true", got.AllowCredentials)
	}
	if len(got.AllowOrigins) != 2 {
		t.Fatalf("len(AllowOrigins) = %d, want 2", len(got.AllowOrigins))
	}
}

func TestBuildCORSConfig_StripsWildcardUnlessUnsafeFlagEnabled(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{
			AllowedOrigins:        []string{"*", "https://example.com"},
			AllowCredentials:      true,
			UnsafeAllowAllOrigins: false,
		},
	}

	got := buildCORSConfig(cfg)
	if got.AllowAllOrigins {
		t.Fatalf("AllowAllOrigins = %v, want false", got.AllowAllOrigins)
	}
	if len(got.AllowOrigins) != 1 || got.AllowOrigins[0] != "https://example.com" {
		t.Fatalf("AllowOrigins = %#v, want []string{\"https://example.com\"}", got.AllowOrigins)
	}
}

func TestBuildCORSConfig_UnsafeAllowAllDisablesCredentials(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{
			AllowedOrigins:        []string{"*"},
			AllowCredentials:      true,
			UnsafeAllowAllOrigins: true,
		},
	}

	got := buildCORSConfig(cfg)
	if !got.AllowAllOrigins {
		t.Fatalf("AllowAllOrigins = %v, want true", got.AllowAllOrigins)
	}
	if got.AllowCredentials {
		t.Fatalf("AllowCredentials = %v, want false", got.AllowCredentials)
	}
	if len(got.AllowOrigins) != 0 {
		t.Fatalf("AllowOrigins = %#v, want empty", got.AllowOrigins)
	}
}

func TestBuildCORSConfig_WildcardOnlyFallsBackToAllowlist(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{AllowedOrigins: []string{"*", " "}},
	}

	got := buildCORSConfig(cfg)
	if got.AllowAllOrigins {
		t.Fatalf("AllowAllOrigins = %v, want false", got.AllowAllOrigins)
	}
	if len(got.AllowOrigins) != len(defaultAllowedOrigins) {
		t.Fatalf("AllowOrigins = %#v, want defaults", got.AllowOrigins)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestNewRouter_RegistersRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := newRouter(&config.Config{}, handlers.NewServer(handlers.ServerDeps{}))

	want := map[string]bool{
		"POST /api/accounts":                          false,
		"POST /api/accounts/:id/deposit":              false,
		"POST /api/accounts/:id/withdraw":             false,
		"POST /api/accounts/:id/close":                false,
		"GET /api/accounts/:id":                       false,
		"GET /api/accounts/:id/events":                false,
		"GET /api/accounts/:id/balance-at/:timestamp": false,
		"GET /api/accounts/:id/transactions":          false,
		"POST /api/projections/rebuild":               false,
		"GET /api/projections/status":                 false,
		"GET /health/live":                            false,
		"GET /health/ready":                           false,
		"GET /log/level":                              false,
		"PUT /log/level":                              false,
	}
	for _, r := range router.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, seen := range want {
		if !seen {
			t.Errorf("route %s not registered", route)
		}
	}
}

func TestNewRouter_CORSPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Server: config.ServerConfig{AllowedOrigins: []string{"https://ledger.example.com"}},
	}
	router := newRouter(cfg, handlers.NewServer(handlers.ServerDeps{}))

	req := httptest.NewRequest(http.MethodOptions, "/api/accounts", nil)
	req.Header.Set("Origin", "https://ledger.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://ledger.example.com" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestNewRouter_LivenessCarriesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := newRouter(&config.Config{}, handlers.NewServer(handlers.ServerDeps{}))

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := w.Header().Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("X-Request-ID = %q, want %q", got, "req-42")
	}
}

func TestNewRouter_LogLevelEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := newRouter(&config.Config{}, handlers.NewServer(handlers.ServerDeps{}))

	before := logger.GetLevel()
	t.Cleanup(func() { _ = logger.SetLevel(before.String()) })

	req := httptest.NewRequest(http.MethodPut, "/log/level", strings.NewReader(`{"level":"debug"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body %s", w.Code, w.Body.String())
	}
	if got := logger.GetLevel().String(); got != "debug" {
		t.Fatalf("level after PUT = %q, want debug", got)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/log/level", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"level":"debug"`) {
		t.Fatalf("GET body = %s", w.Body.String())
	}
}

func TestNewRouter_ValidatesRequestsAgainstContract(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := newRouter(&config.Config{}, handlers.NewServer(handlers.ServerDeps{}))

	req := httptest.NewRequest(http.MethodPost, "/api/accounts", strings.NewReader(`{"owner_name":7}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusBadRequest, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"INVALID_REQUEST_FIELD"`) {
		t.Fatalf("body = %s", w.Body.String())
	}
}
