// Package proxy implements the credential-injecting reverse proxy: it
// receives unauthenticated requests on a local listener, resolves the
// target service from the first path segment, attaches the stored
// credential, and streams the exchange to and from the upstream API.
package proxy

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/majorcontext/aquaman/internal/credential"
	"github.com/majorcontext/aquaman/internal/id"
	"github.com/majorcontext/aquaman/internal/log"
	"github.com/majorcontext/aquaman/internal/name"
	"github.com/majorcontext/aquaman/internal/oauth"
	"github.com/majorcontext/aquaman/internal/service"
)

// ClientTokenHeader carries the local client token. It is stripped from
// every forwarded request: the token authenticates the client to the
// proxy, never to an upstream.
const ClientTokenHeader = "X-Aquaman-Token"

// DefaultUpstreamTimeout bounds one upstream exchange.
const DefaultUpstreamTimeout = 30 * time.Second

// RequestInfo is the per-request record handed to the audit sink once
// the final status is known.
type RequestInfo struct {
	ID            string    `json:"id"`
	Service       string    `json:"service"`
	Method        string    `json:"method"`
	Path          string    `json:"path"`
	Timestamp     time.Time `json:"timestamp"`
	Authenticated bool      `json:"authenticated"`
	StatusCode    int       `json:"statusCode"`
	Error         string    `json:"error,omitempty"`
}

// Sink receives completed request records. Sink failures are the sink's
// problem; the handler never lets them alter the HTTP response.
type Sink func(info RequestInfo)

// Options configures a Handler.
type Options struct {
	Registry *service.Registry
	Store    credential.Store
	Tokens   *oauth.Cache

	// AllowedServices restricts routing to a subset of registered
	// services. Empty means every registered service is routable.
	AllowedServices []string

	// ClientToken, when non-empty, gates every request except the health
	// and host-map endpoints.
	ClientToken string

	// UpstreamTimeout bounds each upstream exchange (default 30s).
	UpstreamTimeout time.Duration

	Sink    Sink
	Version string

	// Transport overrides the upstream round tripper. For tests.
	Transport http.RoundTripper
}

// Handler is the proxy's http.Handler. Safe for concurrent use: the
// only mutable state is the client token, which Stop clears.
type Handler struct {
	registry *service.Registry
	store    credential.Store
	tokens   *oauth.Cache
	allowed  map[string]bool
	sink     Sink
	version  string
	timeout  time.Duration
	client   *http.Client
	started  time.Time

	mu          sync.RWMutex
	clientToken string
}

// NewHandler builds the request pipeline handler.
func NewHandler(opts Options) *Handler {
	h := &Handler{
		registry:    opts.Registry,
		store:       opts.Store,
		tokens:      opts.Tokens,
		sink:        opts.Sink,
		version:     opts.Version,
		timeout:     opts.UpstreamTimeout,
		clientToken: opts.ClientToken,
		started:     time.Now(),
	}
	if h.timeout <= 0 {
		h.timeout = DefaultUpstreamTimeout
	}
	if len(opts.AllowedServices) > 0 {
		h.allowed = make(map[string]bool, len(opts.AllowedServices))
		for _, s := range opts.AllowedServices {
			h.allowed[s] = true
		}
	}
	h.client = &http.Client{
		Transport: opts.Transport,
		// Redirects pass through to the client untouched.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return h
}

// ClearClientToken wipes the expected token so a stopped proxy cannot
// authenticate anyone.
func (h *Handler) ClearClientToken() {
	h.mu.Lock()
	h.clientToken = ""
	h.mu.Unlock()
}

// AllowedServices returns the routable service names, sorted.
func (h *Handler) AllowedServices() []string {
	if h.allowed == nil {
		return h.registry.Names()
	}
	names := make([]string, 0, len(h.allowed))
	for _, n := range h.registry.Names() {
		if h.allowed[n] {
			names = append(names, n)
		}
	}
	return names
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Health and host-map are unauthenticated, GET only. Other methods
	// fall through to the pipeline, which rejects the reserved prefix.
	if r.Method == http.MethodGet {
		switch r.URL.Path {
		case "/_health":
			h.serveHealth(w)
			return
		case "/_hostmap":
			writeJSON(w, http.StatusOK, h.registry.BuildHostMap())
			return
		}
	}

	if !h.authorize(r) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	rw := &statusWriter{ResponseWriter: w}
	info := RequestInfo{
		ID:        id.Generate("req"),
		Method:    r.Method,
		Path:      r.URL.Path,
		Timestamp: time.Now().UTC(),
	}
	defer func() {
		info.StatusCode = rw.status
		if h.sink != nil {
			h.sink(info)
		}
	}()

	h.proxy(rw, r, &info)
}

// proxy runs steps 3 through 7 of the pipeline: route, fetch, build,
// forward. It records routing outcome into info as it goes.
func (h *Handler) proxy(w http.ResponseWriter, r *http.Request, info *RequestInfo) {
	svcName, remaining := splitServicePath(r.URL.Path)
	if svcName == "" || name.ValidateService(svcName) != nil {
		info.Error = "invalid service name"
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	info.Service = svcName

	if h.allowed != nil && !h.allowed[svcName] {
		info.Error = "service not allowed"
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	def, ok := h.registry.Get(svcName)
	if !ok {
		info.Error = "unknown service"
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	if def.AuthMode == service.AuthModeNone {
		info.Error = "service is at-rest storage only"
		http.Error(w, "at-rest storage only", http.StatusBadRequest)
		return
	}

	primary, err := h.store.Get(r.Context(), svcName, def.CredentialKey)
	if err != nil {
		log.Error("credential lookup failed", "service", svcName, "error", err)
		info.Error = "credential store error"
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if primary == "" {
		info.Error = "no credential stored"
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": fmt.Sprintf("no credential stored for service %q key %q", svcName, def.CredentialKey),
			"fix":   fmt.Sprintf("Run: aquaman credentials add %s %s", svcName, def.CredentialKey),
		})
		return
	}
	info.Authenticated = true

	target, err := buildUpstreamURL(def, primary, remaining, r.URL.RawQuery)
	if err != nil {
		log.Error("building upstream URL", "service", svcName, "error", err)
		info.Error = "bad upstream URL"
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	headers, err := h.buildHeaders(r, def, primary)
	if err != nil {
		log.Error("building upstream headers", "service", svcName, "error", err)
		info.Error = "header build failed"
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	h.forward(w, r, info, target, headers)
}

// forward opens the upstream exchange and streams the response through.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, info *RequestInfo, target string, headers http.Header) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		info.Error = "bad upstream request"
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	req.Header = headers
	req.ContentLength = r.ContentLength

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			info.Error = "upstream timeout"
			http.Error(w, "Gateway Timeout", http.StatusGatewayTimeout)
			return
		}
		log.Warn("upstream connection failed", "service", info.Service, "error", err)
		info.Error = "upstream connection error"
		http.Error(w, "Upstream error", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		if strings.EqualFold(k, "Transfer-Encoding") {
			continue
		}
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	// Streamed copy keeps per-request memory bounded regardless of body
	// size. A mid-stream error cannot change the already-sent status.
	if _, err := io.Copy(w, resp.Body); err != nil {
		info.Error = "response stream interrupted"
	}
}

// authorize implements the client-token gate. Comparison is constant
// time; a length mismatch still burns one comparison against a dummy so
// the expected length does not leak through timing.
func (h *Handler) authorize(r *http.Request) bool {
	h.mu.RLock()
	expected := h.clientToken
	h.mu.RUnlock()
	if expected == "" {
		return true
	}

	got := r.Header.Get(ClientTokenHeader)
	if got == "" {
		if auth := r.Header.Get("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
			got = auth[7:]
		}
	}

	if len(got) != len(expected) {
		subtle.ConstantTimeCompare([]byte(expected), make([]byte, len(expected)))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

// buildHeaders copies the client's headers minus the stripped set, then
// injects the credential per the service's auth mode.
func (h *Handler) buildHeaders(r *http.Request, def *service.Definition, primary string) (http.Header, error) {
	authHeader := def.EffectiveAuthHeader()

	out := make(http.Header, len(r.Header))
	for k, vv := range r.Header {
		if strings.EqualFold(k, "Host") ||
			strings.EqualFold(k, "Authorization") ||
			strings.EqualFold(k, authHeader) ||
			strings.EqualFold(k, ClientTokenHeader) {
			continue
		}
		out[k] = append([]string(nil), vv...)
	}

	switch def.AuthMode {
	case service.AuthModeHeader:
		out.Set(def.AuthHeader, def.AuthPrefix+primary)

	case service.AuthModeBasic:
		// The first additional key is the password; absent means empty.
		password := ""
		if len(def.AdditionalCredentialKeys) > 0 {
			v, err := h.store.Get(r.Context(), def.Name, def.AdditionalCredentialKeys[0])
			if err != nil {
				return nil, fmt.Errorf("fetching basic-auth password: %w", err)
			}
			password = v
		}
		basic := base64.StdEncoding.EncodeToString([]byte(primary + ":" + password))
		out.Set("Authorization", "Basic "+basic)

	case service.AuthModeOAuth:
		token, err := h.tokens.Token(r.Context(), def)
		if err != nil {
			return nil, err
		}
		prefix := def.AuthPrefix
		if prefix == "" {
			prefix = "Bearer "
		}
		out.Set(authHeader, prefix+token)

	case service.AuthModeURLPath:
		// Credential travels in the path; nothing to inject here.
	}

	for header, spec := range def.AdditionalHeaders {
		v, err := h.store.Get(r.Context(), def.Name, spec.CredentialKey)
		if err != nil {
			return nil, fmt.Errorf("fetching credential for header %s: %w", header, err)
		}
		if v == "" {
			continue
		}
		out.Set(header, spec.Prefix+v)
	}

	return out, nil
}

// serveHealth responds to the unauthenticated liveness probe.
func (h *Handler) serveHealth(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptime":   int(time.Since(h.started).Seconds()),
		"version":  h.version,
		"services": h.AllowedServices(),
	})
}

// splitServicePath peels the first non-empty path segment off as the
// service name and returns the remainder with its leading slash intact.
func splitServicePath(path string) (svc, remaining string) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", ""
	}
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return trimmed[:i], trimmed[i:]
	}
	return trimmed, ""
}

// buildUpstreamURL resolves the forwarded path against the service's
// base URL, applying the url-path token substitution when configured.
func buildUpstreamURL(def *service.Definition, primary, remaining, rawQuery string) (string, error) {
	upstreamPath := remaining
	if def.AuthMode == service.AuthModeURLPath {
		upstreamPath = strings.ReplaceAll(def.AuthPathTemplate, service.TokenPlaceholder, primary) + remaining
	}
	if upstreamPath != "" && !strings.HasPrefix(upstreamPath, "/") {
		upstreamPath = "/" + upstreamPath
	}

	target := strings.TrimSuffix(def.Upstream, "/") + upstreamPath
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target, nil
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("writing json response", "error", err)
	}
}

// statusWriter records the status code for the audit record while
// passing everything through, including streaming flushes.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusWriter) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
