package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blocksync/internal/protocol"
	"blocksync/internal/search"
)

const editorOrigin = "http://editor.test"

func serve(t *testing.T, h *testHost, method, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	server := NewHTTPServer(h.svc, []string{editorOrigin}, zerolog.Nop())
	req := httptest.NewRequest(method, target, nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload), "body=%s", rr.Body.String())
	}
	return rr, payload
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestHost(t)

	rr, payload := serve(t, h, http.MethodGet, "/api/health")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, payload["ok"])
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestReadyEndpoint(t *testing.T) {
	h := newTestHost(t)

	rr, payload := serve(t, h, http.MethodGet, "/api/ready")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ready", payload["status"])

	h.store.pingErr = errors.New("connection refused")
	rr, payload = serve(t, h, http.MethodGet, "/api/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "not_ready", payload["status"])
	checks := payload["checks"].(map[string]any)
	assert.Equal(t, "error", checks["database"].(map[string]any)["status"])
	assert.Equal(t, "ok", checks["redis"].(map[string]any)["status"])
}

func TestHistoryEndpoint(t *testing.T) {
	h := newTestHost(t)
	p, _, head := h.connect("doc-1")
	h.svc.Save(h.ctx, p, protocol.Snapshot{ScriptText: scriptMine, BaseSnapshot: head})

	rr, payload := serve(t, h, http.MethodGet, "/api/documents/doc-1/history?limit=1")
	require.Equal(t, http.StatusOK, rr.Code)
	items := payload["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, h.head("doc-1").Hash, items[0].(map[string]any)["hash"])

	rr, payload = serve(t, h, http.MethodGet, "/api/documents/missing/history")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", payload["code"])

	rr, payload = serve(t, h, http.MethodGet, "/api/documents/-bad/history")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_DOCUMENT_ID", payload["code"])
}

func TestSavesEndpoint(t *testing.T) {
	h := newTestHost(t)
	p, _, head := h.connect("doc-1")
	h.svc.Save(h.ctx, p, protocol.Snapshot{ScriptText: scriptMine, BaseSnapshot: head})

	rr, payload := serve(t, h, http.MethodGet, "/api/documents/doc-1/saves")
	require.Equal(t, http.StatusOK, rr.Code)
	items := payload["items"].([]any)
	require.Len(t, items, 2)
	newest := items[0].(map[string]any)
	assert.Equal(t, "cloud", newest["tier"])
	assert.Equal(t, "ok", newest["status"])
	assert.Equal(t, head, newest["baseRevision"])

	rr, payload = serve(t, h, http.MethodGet, "/api/documents/missing/saves")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", payload["code"])
}

func TestSearchEndpoint(t *testing.T) {
	h := newTestHost(t)
	h.search.results = []search.Result{{DocumentID: "doc-1", Title: "doc-1", Snippet: "text_print"}}

	rr, payload := serve(t, h, http.MethodGet, "/api/search?q=print")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "print", payload["query"])
	assert.Len(t, payload["results"], 1)

	rr, payload = serve(t, h, http.MethodGet, "/api/search")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "MISSING_QUERY", payload["code"])
}

func TestCompileEndpoint(t *testing.T) {
	h := newTestHost(t)
	h.connect("doc-1")

	rr, payload := serve(t, h, http.MethodPost, "/api/documents/doc-1/compile")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []any{"doc-1.html"}, payload["files"])

	rr, payload = serve(t, h, http.MethodPost, "/api/documents/missing/compile")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", payload["code"])
	assert.Len(t, h.artifacts.keys, 1)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestHost(t)
	p, _, head := h.connect("doc-1")
	h.svc.Save(h.ctx, p, protocol.Snapshot{ScriptText: scriptMine, BaseSnapshot: head})

	rr, _ := serve(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `blocksync_saves_total{status="ok",tier="cloud"} 1`)
	assert.Contains(t, rr.Body.String(), "blocksync_commit_duration_seconds_count 1")
}

func TestWebsocketRejectsUnknownOrigin(t *testing.T) {
	h := newTestHost(t)
	server := NewHTTPServer(h.svc, []string{editorOrigin}, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/ws/documents/doc-1", nil)
	req.Header.Set("Connection", "upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	req.Header.Set("Origin", "http://evil.test")
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, 0, h.svc.Editors("doc-1"))
}
