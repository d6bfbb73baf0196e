package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/heal"
	"github.com/vaishcodescape/OpenX-MCP/internal/store"
	"github.com/vaishcodescape/OpenX-MCP/internal/telemetry"
	"github.com/vaishcodescape/OpenX-MCP/internal/tools"
	"github.com/vaishcodescape/OpenX-MCP/internal/toolset"
)

type fakeHealer struct {
	mu       sync.Mutex
	sessions map[string]heal.Session
	next     int
}

func (f *fakeHealer) Start(_ context.Context, pr heal.PullRequestRef) (heal.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.PullRequest == pr && s.Active() {
			return heal.Session{}, &core.SessionConflictError{PullRequest: pr.String(), SessionID: s.ID}
		}
	}
	f.next++
	s := heal.Session{ID: fmt.Sprintf("s-%d", f.next), PullRequest: pr, Progress: heal.NewProgress(), Cycle: 1}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeHealer) Get(_ context.Context, id string) (heal.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return heal.Session{}, heal.ErrSessionNotFound
	}
	return s, nil
}

func (f *fakeHealer) List(_ context.Context, limit int) ([]heal.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]heal.Session, 0, len(f.sessions))
	for i := f.next; i >= 1 && (limit <= 0 || len(out) < limit); i-- {
		if s, ok := f.sessions[fmt.Sprintf("s-%d", i)]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeHealer) Abort(_ context.Context, id, reason string) (heal.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return heal.Session{}, heal.ErrSessionNotFound
	}
	s.Stage, s.Result, s.Reason = heal.StageAborted, heal.ResultAborted, reason
	f.sessions[id] = s
	return s, nil
}

func discardLogger() *slog.Logger { return slog.New(slog.NewJSONHandler(io.Discard, nil)) }

func newCatalog(t *testing.T, opts ...tools.Option) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry(append([]tools.Option{tools.WithLogger(discardLogger())}, opts...)...)
	reg.MustRegister(tools.Descriptor{
		Name:        "demo.echo",
		Description: "Echo a message",
		Schema:      []tools.Param{{Name: "message", Type: tools.TypeString, Required: true}},
		Handler: tools.HandlerFunc(func(ctx context.Context, a tools.Args) (any, error) {
			return map[string]any{"message": a.String("message"), "request_id": tools.RequestID(ctx)}, nil
		}),
	})
	require.NoError(t, toolset.RegisterHealing(reg, toolset.Deps{ActiveRepo: "octo/app"}, &fakeHealer{sessions: map[string]heal.Session{}}))
	reg.Freeze()
	return reg
}

func testCatalog(t *testing.T) *tools.Registry { return newCatalog(t) }

func do(t *testing.T, h http.Handler, method, url string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, url, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var out map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/") && bytes.HasPrefix(rr.Body.Bytes(), []byte("{")) {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	}
	return rr, out
}

func apiErr(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %v", body)
	return e
}

func TestHealthAndTools(t *testing.T) {
	s := NewServer("127.0.0.1:0", testCatalog(t), nil, discardLogger(), BuildInfo{Version: "1.0.0"})

	rr, body := do(t, s.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", body["status"])

	rr, body = do(t, s.Handler(), http.MethodGet, "/api/v1/tools", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := body["tools"].([]any)
	require.Len(t, list, 5)
	assert.Equal(t, "demo.echo", list[0].(map[string]any)["name"])
}

func TestCallTool(t *testing.T) {
	s := NewServer("127.0.0.1:0", testCatalog(t), nil, discardLogger(), BuildInfo{})

	rr, body := do(t, s.Handler(), http.MethodPost, "/api/v1/tools/demo.echo", map[string]any{
		"arguments":  map[string]any{"message": "hello"},
		"request_id": "req-42",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "hello", body["message"])
	assert.Equal(t, "req-42", body["request_id"])

	rr, body = do(t, s.Handler(), http.MethodPost, "/api/v1/tools/demo.echo", map[string]any{"arguments": map[string]any{}})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "validation_error", apiErr(t, body)["kind"])

	rr, body = do(t, s.Handler(), http.MethodPost, "/api/v1/tools/demo.nope", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, apiErr(t, body)["message"], "unknown tool")
}

func TestSessionLifecycle(t *testing.T) {
	s := NewServer("127.0.0.1:0", testCatalog(t), nil, discardLogger(), BuildInfo{})
	h := s.Handler()

	rr, body := do(t, h, http.MethodPost, "/api/v1/sessions", map[string]any{"number": 7})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, "s-1", body["id"])
	assert.Equal(t, "detecting", body["stage"])
	pr := body["pull_request"].(map[string]any)
	assert.Equal(t, float64(7), pr["number"])

	rr, body = do(t, h, http.MethodPost, "/api/v1/sessions", map[string]any{"repo": "octo/app", "number": 7})
	require.Equal(t, http.StatusConflict, rr.Code)
	e := apiErr(t, body)
	assert.Equal(t, "conflict", e["kind"])
	assert.Contains(t, e["message"], "s-1")

	rr, body = do(t, h, http.MethodGet, "/api/v1/sessions/s-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "s-1", body["id"])

	rr, body = do(t, h, http.MethodDelete, "/api/v1/sessions/s-1?reason=operator", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "aborted", body["stage"])
	assert.Equal(t, "operator", body["reason"])

	rr, body = do(t, h, http.MethodGet, "/api/v1/sessions/missing", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "not_found", apiErr(t, body)["kind"])

	rr, _ = do(t, h, http.MethodGet, "/api/v1/sessions?limit=5", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var sessions []map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sessions))
	assert.Len(t, sessions, 1)
}

func TestToolCallsEndpoint(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "openx.db"), filepath.Join(dir, "artifacts"))
	require.NoError(t, err)
	defer st.Close()

	s := NewServer("127.0.0.1:0", newCatalog(t, tools.WithObserver(st)), st, discardLogger(), BuildInfo{})
	h := s.Handler()

	rr, _ := do(t, h, http.MethodPost, "/api/v1/tools/demo.echo", map[string]any{"arguments": map[string]any{"message": "a"}})
	require.Equal(t, http.StatusOK, rr.Code)
	rr, _ = do(t, h, http.MethodPost, "/api/v1/tools/demo.echo", map[string]any{"arguments": map[string]any{}})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr, body := do(t, h, http.MethodGet, "/api/v1/tool-calls?status=error", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	calls := body["tool_calls"].([]any)
	require.Len(t, calls, 1)
	assert.Equal(t, "validation_error", calls[0].(map[string]any)["error_kind"])

	after := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	rr, body = do(t, h, http.MethodGet, "/api/v1/tool-calls?tool_name=demo.echo&created_after="+after, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, body["tool_calls"].([]any), 2)

	rr, body = do(t, h, http.MethodGet, "/api/v1/tool-calls?status=partial", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "validation_error", apiErr(t, body)["kind"])
}

func TestToolCallsWithoutAudit(t *testing.T) {
	s := NewServer("127.0.0.1:0", testCatalog(t), nil, discardLogger(), BuildInfo{})
	rr, body := do(t, s.Handler(), http.MethodGet, "/api/v1/tool-calls", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "not_found", apiErr(t, body)["kind"])
}

func TestMetricsEndpoint(t *testing.T) {
	telemetry.Reset()
	s := NewServer("127.0.0.1:0", testCatalog(t), nil, discardLogger(), BuildInfo{})
	do(t, s.Handler(), http.MethodPost, "/api/v1/tools/demo.echo", map[string]any{"arguments": map[string]any{"message": "m"}})

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `tool="demo.echo"`)
}
