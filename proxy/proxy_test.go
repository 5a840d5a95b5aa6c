package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testRouter() *Router {
	return NewRouter(&http.Client{}, zap.NewNop().Sugar())
}

// chunkRecorder captures each Write as its own chunk so streaming order
// and granularity are observable.
type chunkRecorder struct {
	header  http.Header
	status  int
	chunks  [][]byte
	flushes int
}

func newChunkRecorder() *chunkRecorder {
	return &chunkRecorder{header: make(http.Header)}
}

func (r *chunkRecorder) Header() http.Header { return r.header }

func (r *chunkRecorder) WriteHeader(status int) { r.status = status }

func (r *chunkRecorder) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	r.chunks = append(r.chunks, buf)
	return len(p), nil
}

func (r *chunkRecorder) Flush() { r.flushes++ }

func TestRouteBuffered(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]interface{}
		assert.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, "llama3", payload["model"])
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		w.Header().Set("X-Backend", "b1")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"response":"done"}`))
	}))
	defer backend.Close()

	body := []byte(`{"model":"llama3"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/generate", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	err := testRouter().Route(w, req, body, strings.TrimPrefix(backend.URL, "http://"), false)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"response":"done"}`, w.Body.String())
	assert.Equal(t, "b1", w.Header().Get("X-Backend"))
	assert.Equal(t, "19", w.Header().Get("Content-Length"))
	assert.Empty(t, w.Header().Values("Transfer-Encoding"))
}

func TestRouteNon2xxPassesThrough(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusConflict)
	}))
	defer backend.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/generate", nil)
	w := httptest.NewRecorder()

	err := testRouter().Route(w, req, []byte(`{}`), strings.TrimPrefix(backend.URL, "http://"), false)
	require.NoError(t, err, "a backend error status is not a routing error")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "model not loaded\n", w.Body.String())
}

func TestRouteStreamedChunksPreserved(t *testing.T) {
	// Scenario: backend emits 3 chunks; the caller sees the same 3 chunks
	// in order, each flushed as it arrives.
	chunks := []string{`{"token":"a"}`, `{"token":"b"}`, `{"token":"c"}`}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, chunk := range chunks {
			io.WriteString(w, chunk)
			flusher.Flush()
			time.Sleep(50 * time.Millisecond)
		}
	}))
	defer backend.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/generate", nil)
	w := newChunkRecorder()

	err := testRouter().Route(w, req, []byte(`{}`), strings.TrimPrefix(backend.URL, "http://"), true)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, w.status)
	require.Len(t, w.chunks, 3)
	for i, chunk := range chunks {
		assert.Equal(t, chunk, string(w.chunks[i]))
	}
	assert.GreaterOrEqual(t, w.flushes, 3)
}

func TestRouteBackendDown(t *testing.T) {
	// A port nothing listens on: connection refused is a routing error.
	backend := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := strings.TrimPrefix(backend.URL, "http://")
	backend.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/generate", nil)
	w := httptest.NewRecorder()

	err := testRouter().Route(w, req, []byte(`{}`), addr, false)
	require.ErrorIs(t, err, ErrBackendRequestFailed)
}

func TestCopyHeadersStripsHopByHop(t *testing.T) {
	src := http.Header{
		"Content-Type":      {"application/json"},
		"Transfer-Encoding": {"chunked"},
		"Connection":        {"keep-alive"},
		"Content-Length":    {"42"},
		"X-Custom":          {"v1", "v2"},
	}
	dst := http.Header{}
	copyHeaders(dst, src)

	assert.Equal(t, "application/json", dst.Get("Content-Type"))
	assert.Equal(t, []string{"v1", "v2"}, dst.Values("X-Custom"))
	assert.Empty(t, dst.Get("Transfer-Encoding"))
	assert.Empty(t, dst.Get("Connection"))
	assert.Empty(t, dst.Get("Content-Length"))
}
