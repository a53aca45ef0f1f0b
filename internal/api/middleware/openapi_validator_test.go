package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	apperrors "ledgerd.io/ledgerd/internal/pkg/errors"
)

func newValidatedRouter(t *testing.T) (*gin.Engine, *string) {
	t.Helper()
	var seenBody string
	router := gin.New()
	router.Use(ErrorHandler(), MustOpenAPIValidator())
	echo := func(c *gin.Context) {
		data, _ := io.ReadAll(c.Request.Body)
		seenBody = string(data)
		c.JSON(http.StatusAccepted, gin.H{"ok": true})
	}
	router.POST("/api/accounts", echo)
	router.POST("/api/accounts/:id/deposit", echo)
	router.POST("/api/accounts/:id/close", echo)
	router.GET("/api/accounts/:id/balance-at/:timestamp", echo)
	router.GET("/api/accounts/:id/transactions", echo)
	router.GET("/health/live", echo)
	return router, &seenBody
}

func serve(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestOpenAPIValidatorAcceptsValidRequests(t *testing.T) {
	router, seenBody := newValidatedRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"create with string balance", http.MethodPost, "/api/accounts", `{"owner_name":"Alice","initial_balance":"100.25"}`},
		{"create with numeric balance", http.MethodPost, "/api/accounts", `{"owner_name":"Alice","initial_balance":42}`},
		{"deposit", http.MethodPost, "/api/accounts/A1/deposit", `{"amount":"5","transaction_id":"t1"}`},
		{"close without body", http.MethodPost, "/api/accounts/A1/close", ""},
		{"balance at rfc3339", http.MethodGet, "/api/accounts/A1/balance-at/2024-03-01T12:30:00Z", ""},
		{"balance at date", http.MethodGet, "/api/accounts/A1/balance-at/2024-03-01", ""},
		{"balance at unix seconds", http.MethodGet, "/api/accounts/A1/balance-at/1709296200", ""},
		{"transactions with garbage paging", http.MethodGet, "/api/accounts/A1/transactions?page=x&page_size=y", ""},
		{"path outside the contract", http.MethodGet, "/health/live", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(router, tt.method, tt.path, tt.body)
			if w.Code != http.StatusAccepted {
				t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusAccepted, w.Body.String())
			}
			if *seenBody != tt.body {
				t.Fatalf("handler saw body %q, want %q", *seenBody, tt.body)
			}
		})
	}
}

func TestOpenAPIValidatorRejectsContractViolations(t *testing.T) {
	router, _ := newValidatedRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		field  string
	}{
		{"malformed json", http.MethodPost, "/api/accounts", `{"account_id":`, "body"},
		{"owner name not a string", http.MethodPost, "/api/accounts", `{"owner_name":7}`, "owner_name"},
		{"amount not numeric", http.MethodPost, "/api/accounts/A1/deposit", `{"amount":"ten"}`, "amount"},
		{"body not an object", http.MethodPost, "/api/accounts/A1/deposit", `[1,2]`, "body"},
		{"missing body", http.MethodPost, "/api/accounts/A1/deposit", "", "body"},
		{"unparsable timestamp", http.MethodGet, "/api/accounts/A1/balance-at/last-tuesday", "", "timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(router, tt.method, tt.path, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusBadRequest, w.Body.String())
			}
			var body struct {
				Code   string         `json:"code"`
				Params map[string]any `json:"params"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body %q: %v", w.Body.String(), err)
			}
			if body.Code != apperrors.CodeInvalidRequestField {
				t.Fatalf("code = %q, want %q", body.Code, apperrors.CodeInvalidRequestField)
			}
			if body.Params["field"] != tt.field {
				t.Fatalf("field = %v, want %q", body.Params["field"], tt.field)
			}
		})
	}
}
