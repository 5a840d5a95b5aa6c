package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// ErrBackendRequestFailed is a network-level failure talking to the chosen
// backend. A non-2xx backend response is NOT this error; it passes through
// to the caller untouched.
var ErrBackendRequestFailed = errors.New("backend request failed")

// hopHeaders never cross the proxy in either direction. Transfer-Encoding
// is re-derived by the outer transport; Content-Length is recomputed when
// the response is buffered.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
}

// Router forwards a resolved request to its backend instance, buffered or
// streamed. It knows nothing about GPUs; release is the caller's job.
type Router struct {
	client *http.Client
	log    *zap.SugaredLogger
}

// NewRouter builds a Router. The client must have no global timeout set:
// streamed responses are open-ended and are bounded by the request context
// instead.
func NewRouter(client *http.Client, log *zap.SugaredLogger) *Router {
	if client == nil {
		client = &http.Client{}
	}
	return &Router{client: client, log: log}
}

// Route forwards r (with body already read and possibly rewritten into
// body) to addr and relays the response. The inbound request's context
// gates all backend I/O, so a client disconnect aborts the exchange.
func (rt *Router) Route(w http.ResponseWriter, r *http.Request, body []byte, addr string, stream bool) error {
	targetURL := fmt.Sprintf("http://%s%s", addr, r.URL.Path)
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}
	rt.log.Debugw("proxying request", "url", targetURL, "stream", stream)

	req, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendRequestFailed, err)
	}
	copyHeaders(req.Header, r.Header)
	if len(body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := rt.client.Do(req)
	if err != nil {
		// Context cancellation surfaces here too; the caller distinguishes
		// it from a genuine backend failure via the context's error.
		return fmt.Errorf("%w: %v", ErrBackendRequestFailed, err)
	}
	defer resp.Body.Close()

	if stream {
		return rt.streamResponse(r.Context(), w, resp)
	}
	return rt.bufferResponse(w, resp)
}

// streamResponse mirrors the backend's headers immediately and copies body
// bytes as they arrive, flushing per chunk. The caller's write rate gates
// how fast bytes are pulled from the backend.
func (rt *Router) streamResponse(ctx context.Context, w http.ResponseWriter, resp *http.Response) error {
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)

	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return fmt.Errorf("%w: writing to client: %v", ErrBackendRequestFailed, werr)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: reading backend stream: %v", ErrBackendRequestFailed, err)
		}
	}
}

// bufferResponse reads the whole backend body, recomputes Content-Length
// and relays status, headers, and body verbatim.
func (rt *Router) bufferResponse(w http.ResponseWriter, resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading backend response: %v", ErrBackendRequestFailed, err)
	}

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("%w: writing to client: %v", ErrBackendRequestFailed, err)
	}
	return nil
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
