// Package proxy relays authenticated gateway traffic to the
// downstream target service.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/laplacelab/lapgw/internal/observability"
	"github.com/laplacelab/lapgw/internal/util"
)

// excludedRequestHeaders are hop-by-hop and transport headers that
// must not be forwarded downstream.
var excludedRequestHeaders = map[string]struct{}{
	"host":                {},
	"content-length":      {},
	"connection":          {},
	"accept-encoding":     {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// allowedResponseHeaders is the allow-list of downstream response
// headers relayed back to the caller.
var allowedResponseHeaders = map[string]struct{}{
	"content-type":  {},
	"cache-control": {},
	"etag":          {},
}

const defaultForwardTimeout = 20 * time.Second

// maxEchoBody bounds how much request body the diagnostic echo reads.
const maxEchoBody = 1 << 20

// Forwarder relays requests to the target service, overwriting the
// Authorization header with the supplied downstream credential. With
// no target configured it answers with a diagnostic echo instead.
type Forwarder struct {
	targetBase string
	httpClient *http.Client
	logger     observability.Logger
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithHTTPClient overrides the HTTP client used for forwarded calls.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Forwarder) {
		if client != nil {
			f.httpClient = client
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(f *Forwarder) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithTimeout sets the forward timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(f *Forwarder) {
		if timeout > 0 {
			f.httpClient.Timeout = timeout
		}
	}
}

// NewForwarder creates a forwarder for the given target base URL. An
// empty target enables echo mode.
func NewForwarder(targetBase string, opts ...Option) *Forwarder {
	f := &Forwarder{
		targetBase: strings.TrimRight(targetBase, "/"),
		httpClient: &http.Client{Timeout: defaultForwardTimeout},
		logger:     observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// echoResponse is the diagnostic payload returned when no target is
// configured.
type echoResponse struct {
	Message string            `json:"message"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   map[string]string `json:"query"`
	Body    string            `json:"body,omitempty"`
}

// Forward relays the inbound request to the target service at the
// given sub-path and writes the downstream response to w. The
// accessToken replaces any caller-supplied Authorization header.
func (f *Forwarder) Forward(ctx context.Context, w http.ResponseWriter, r *http.Request, path, accessToken string) error {
	if f.targetBase == "" {
		return f.echo(w, r, path)
	}

	targetURL := f.targetBase + "/" + strings.TrimLeft(path, "/")
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, targetURL, r.Body)
	if err != nil {
		return &util.UpstreamError{Upstream: "target-service", Message: "failed to build forwarded request", Cause: err}
	}

	for name, values := range r.Header {
		if _, excluded := excludedRequestHeaders[strings.ToLower(name)]; excluded {
			continue
		}
		for _, v := range values {
			outReq.Header.Add(name, v)
		}
	}
	if accessToken != "" {
		outReq.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := f.httpClient.Do(outReq)
	if err != nil {
		if isTimeout(ctx, err) {
			f.logger.Warn("forwarded request timed out",
				observability.String("path", path))
			return &util.TimeoutError{Operation: "proxy forward", Duration: f.httpClient.Timeout, Cause: err}
		}
		f.logger.Warn("forwarded request failed",
			observability.String("path", path),
			observability.Error(err))
		return &util.UpstreamError{Upstream: "target-service", Message: "forwarded request failed", Cause: err}
	}
	defer resp.Body.Close()

	header := w.Header()
	for name, values := range resp.Header {
		if _, allowed := allowedResponseHeaders[strings.ToLower(name)]; !allowed {
			continue
		}
		for _, v := range values {
			header.Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// Headers are already sent, the response cannot be
		// rewritten; log and move on.
		f.logger.Warn("failed to relay downstream body",
			observability.String("path", path),
			observability.Error(err))
	}
	return nil
}

func (f *Forwarder) echo(w http.ResponseWriter, r *http.Request, path string) error {
	body, _ := io.ReadAll(io.LimitReader(r.Body, maxEchoBody))

	query := make(map[string]string)
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			query[name] = values[0]
		}
	}

	payload := echoResponse{
		Message: "target service base URL is not configured, echoing request",
		Method:  r.Method,
		Path:    path,
		Query:   query,
		Body:    string(body),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	return json.NewEncoder(w).Encode(payload)
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
