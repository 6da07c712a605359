package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

const testAPIKey = "test-secret-key-12345"

// okHandler records whether it ran and writes a short body.
func okHandler() (http.Handler, *bool) {
	called := false
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}), &called
}

// bufferedMiddleware returns middleware whose logger writes JSON lines to
// the returned buffer.
func bufferedMiddleware() (*Middleware, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewMiddleware(slog.New(slog.NewJSONHandler(&buf, nil))), &buf
}

// captureLogs swaps the default logger for one writing JSON to a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(old) })
	return &buf
}

func TestAuth(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"bearer token", map[string]string{"Authorization": "Bearer " + testAPIKey}, http.StatusOK},
		{"api key header", map[string]string{apiKeyHeader: testAPIKey}, http.StatusOK},
		{"no credentials", nil, http.StatusUnauthorized},
		{"wrong bearer token", map[string]string{"Authorization": "Bearer wrong-token"}, http.StatusUnauthorized},
		{"wrong api key header", map[string]string{apiKeyHeader: "wrong"}, http.StatusUnauthorized},
		{"no bearer prefix", map[string]string{"Authorization": testAPIKey}, http.StatusUnauthorized},
		{"empty token", map[string]string{"Authorization": "Bearer "}, http.StatusUnauthorized},
		{"whitespace token", map[string]string{"Authorization": "Bearer    "}, http.StatusUnauthorized},
		{"key prefix only", map[string]string{apiKeyHeader: testAPIKey[:4]}, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mw, _ := bufferedMiddleware()
			handler, called := okHandler()

			req := httptest.NewRequest(http.MethodGet, "/api/v1/schemas", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			mw.Auth(testAPIKey)(handler).ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if *called != (tt.want == http.StatusOK) {
				t.Errorf("handler called = %v", *called)
			}
		})
	}
}

func TestAuth_FailureLogNoKeyLeak(t *testing.T) {
	// Given: middleware expecting testAPIKey
	mw, logs := bufferedMiddleware()
	handler, _ := okHandler()

	// When: a request presents the wrong key
	req := httptest.NewRequest(http.MethodGet, "/api/v1/schemas", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	mw.Auth(testAPIKey)(handler).ServeHTTP(w, req)

	// Then: the failure is logged without the expected key
	if strings.Contains(w.Body.String(), testAPIKey) || strings.Contains(logs.String(), testAPIKey) {
		t.Error("API key leaked into response or logs")
	}
	var entry map[string]any
	if err := json.Unmarshal(logs.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log as JSON: %v", err)
	}
	if entry["msg"] != "auth failure" || entry["key_present"] != true {
		t.Errorf("msg = %v key_present = %v", entry["msg"], entry["key_present"])
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"Bearer  abc ", "abc"},
		{"bearer abc", ""},
		{"Basic abc", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := bearerToken(tt.header); got != tt.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestKeyMatches(t *testing.T) {
	if !keyMatches("abc", "abc") {
		t.Error("equal keys compared unequal")
	}
	if keyMatches("abc", "abd") || keyMatches("abc", "abcd") || keyMatches("", "abc") {
		t.Error("different keys compared equal")
	}
}

func TestStatusLevel(t *testing.T) {
	tests := []struct {
		status int
		want   slog.Level
	}{
		{200, slog.LevelInfo},
		{304, slog.LevelInfo},
		{400, slog.LevelWarn},
		{404, slog.LevelWarn},
		{499, slog.LevelWarn},
		{500, slog.LevelError},
		{503, slog.LevelError},
	}

	for _, tt := range tests {
		if got := statusLevel(tt.status); got != tt.want {
			t.Errorf("statusLevel(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestLog_SchemaRouteFields(t *testing.T) {
	// Given: a router logging through the middleware with a schema route
	mw, logs := bufferedMiddleware()
	router := chi.NewRouter()
	router.Use(chiMiddleware.RequestID)
	router.Use(mw.Log)
	router.Get("/schemas/{schema}/tables", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("missing"))
	})

	// When: a request for one schema is served
	req := httptest.NewRequest(http.MethodGet, "/schemas/sales/tables", nil)
	req.RemoteAddr = "192.168.1.100:54321"
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	router.ServeHTTP(httptest.NewRecorder(), req)

	// Then: one WARN line carries the route, schema and response size
	if strings.Contains(logs.String(), testAPIKey) {
		t.Error("log output contains the API key")
	}
	var entry map[string]any
	if err := json.Unmarshal(logs.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log as JSON: %v", err)
	}
	if entry["msg"] != "request completed" || entry["level"] != "WARN" {
		t.Errorf("msg = %v level = %v", entry["msg"], entry["level"])
	}
	if id, _ := entry["request_id"].(string); id == "" {
		t.Error("log entry missing request_id")
	}
	checks := map[string]any{
		"route":       "/schemas/{schema}/tables",
		"path":        "/schemas/sales/tables",
		"schema":      "sales",
		"status":      float64(404),
		"bytes":       float64(len("missing")),
		"remote_addr": "192.168.1.100:54321",
	}
	for k, want := range checks {
		if entry[k] != want {
			t.Errorf("%s = %v, want %v", k, entry[k], want)
		}
	}
}

func TestLog_ImplicitOKWithoutSchema(t *testing.T) {
	// Given: a handler that writes a body without an explicit status
	mw, logs := bufferedMiddleware()
	router := chi.NewRouter()
	router.Use(mw.Log)
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	})

	// When: it is served
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	// Then: the line is INFO with status 200 and no schema attribute
	var entry map[string]any
	if err := json.Unmarshal(logs.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log as JSON: %v", err)
	}
	if entry["level"] != "INFO" || entry["status"] != float64(200) {
		t.Errorf("level = %v status = %v", entry["level"], entry["status"])
	}
	if _, ok := entry["schema"]; ok {
		t.Errorf("unexpected schema attribute %v", entry["schema"])
	}
}

func TestMiddleware_NilLoggerUsesDefault(t *testing.T) {
	// Given: middleware without a logger and a swapped default logger
	logs := captureLogs(t)
	mw := NewMiddleware(nil)
	handler, _ := okHandler()

	// When: a request is served
	mw.Log(handler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	// Then: the line reaches the default logger
	if !strings.Contains(logs.String(), "request completed") {
		t.Errorf("default logger got %q", logs.String())
	}
}

func TestGetRequestID_NoContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	if id := GetRequestID(req.Context()); id != "" {
		t.Errorf("GetRequestID without context = %q, want empty string", id)
	}
}

func TestRecover_PanicNoLeak(t *testing.T) {
	// Given: a handler panicking with a secret
	mw, logs := bufferedMiddleware()
	secret := "super-secret-database-password-12345"
	h := mw.Recover(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(secret)
	}))

	// When: it is served
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/schemas", nil))

	// Then: the client sees a generic problem and the log has the detail
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), secret) {
		t.Error("response body contains panic message")
	}
	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if p.Detail != "Internal Server Error" {
		t.Errorf("detail = %q, want generic 'Internal Server Error'", p.Detail)
	}
	if !strings.Contains(logs.String(), "panic recovered") || !strings.Contains(logs.String(), secret) {
		t.Error("expected panic details in logs")
	}
}

func TestRecover_AbortHandlerPropagates(t *testing.T) {
	// Given: a handler aborting with http.ErrAbortHandler
	mw, logs := bufferedMiddleware()
	h := mw.Recover(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	// When: it is served
	defer func() {
		// Then: the panic reaches the caller and nothing is logged
		if r := recover(); r != http.ErrAbortHandler {
			t.Errorf("recovered %v, want http.ErrAbortHandler", r)
		}
		if logs.Len() != 0 {
			t.Errorf("unexpected log output %q", logs.String())
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}
