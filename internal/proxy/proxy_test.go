package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/majorcontext/aquaman/internal/credential"
	"github.com/majorcontext/aquaman/internal/oauth"
	"github.com/majorcontext/aquaman/internal/service"
)

// register adds a test service definition, failing the test on error.
func register(t *testing.T, r *service.Registry, def *service.Definition) {
	t.Helper()
	if err := r.Register(def); err != nil {
		t.Fatalf("registering %s: %v", def.Name, err)
	}
}

func headerDef(name, upstream string) *service.Definition {
	return &service.Definition{
		Name:          name,
		Upstream:      upstream,
		AuthMode:      service.AuthModeHeader,
		AuthHeader:    "x-api-key",
		CredentialKey: "api_key",
	}
}

// newTestHandler builds a handler over a fresh registry and memory store.
func newTestHandler(t *testing.T, opts Options) (*Handler, credential.Store, *service.Registry) {
	t.Helper()
	store := credential.NewMemoryStore()
	registry := service.NewRegistry("")
	opts.Registry = registry
	opts.Store = store
	if opts.Tokens == nil {
		opts.Tokens = oauth.NewCache(store)
	}
	return NewHandler(opts), store, registry
}

func doGet(t *testing.T, h http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, vv := range header {
		req.Header[k] = vv
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_InjectsHeaderCredential(t *testing.T) {
	var gotKey, gotAuth, gotToken string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotAuth = r.Header.Get("Authorization")
		gotToken = r.Header.Get(ClientTokenHeader)
		w.Write([]byte("upstream ok"))
	}))
	defer upstream.Close()

	h, store, registry := newTestHandler(t, Options{})
	register(t, registry, headerDef("svc", upstream.URL))
	store.Set(context.Background(), "svc", "api_key", "sk-test-1", nil)

	rec := doGet(t, h, "/svc/v1/messages", http.Header{
		"Authorization":       {"Bearer client-junk"},
		ClientTokenHeader:     {"local-token"},
		"X-Custom-Passthrough": {"kept"},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if gotKey != "sk-test-1" {
		t.Errorf("x-api-key = %q, want sk-test-1", gotKey)
	}
	if gotAuth != "" {
		t.Errorf("Authorization leaked upstream: %q", gotAuth)
	}
	if gotToken != "" {
		t.Errorf("client token leaked upstream: %q", gotToken)
	}
	if rec.Body.String() != "upstream ok" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHandler_ForwardsCustomHeadersAndQuery(t *testing.T) {
	var gotCustom, gotQuery, gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCustom = r.Header.Get("X-Custom")
		gotQuery = r.URL.RawQuery
		gotPath = r.URL.Path
	}))
	defer upstream.Close()

	h, store, registry := newTestHandler(t, Options{})
	register(t, registry, headerDef("svc", upstream.URL))
	store.Set(context.Background(), "svc", "api_key", "k", nil)

	rec := doGet(t, h, "/svc/v2/search?q=hello&limit=5", http.Header{
		"X-Custom": {"forwarded"},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if gotPath != "/v2/search" {
		t.Errorf("upstream path = %q, want /v2/search", gotPath)
	}
	if gotQuery != "q=hello&limit=5" {
		t.Errorf("query = %q", gotQuery)
	}
	if gotCustom != "forwarded" {
		t.Errorf("X-Custom = %q, want forwarded", gotCustom)
	}
}

func TestHandler_BearerPrefix(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer upstream.Close()

	h, store, registry := newTestHandler(t, Options{})
	register(t, registry, &service.Definition{
		Name:          "bearer-svc",
		Upstream:      upstream.URL,
		AuthMode:      service.AuthModeHeader,
		AuthHeader:    "Authorization",
		AuthPrefix:    "Bearer ",
		CredentialKey: "api_key",
	})
	store.Set(context.Background(), "bearer-svc", "api_key", "sk-abc", nil)

	doGet(t, h, "/bearer-svc/v1/chat", nil)
	if gotAuth != "Bearer sk-abc" {
		t.Errorf("Authorization = %q, want Bearer sk-abc", gotAuth)
	}
}

func TestHandler_URLPathInjection(t *testing.T) {
	var gotPath, gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
	}))
	defer upstream.Close()

	h, store, registry := newTestHandler(t, Options{})
	register(t, registry, &service.Definition{
		Name:             "botapi",
		Upstream:         upstream.URL,
		AuthMode:         service.AuthModeURLPath,
		AuthPathTemplate: "/bot{token}",
		CredentialKey:    "bot_token",
	})
	store.Set(context.Background(), "botapi", "bot_token", "123:ABC-token", nil)

	rec := doGet(t, h, "/botapi/getMe", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if gotPath != "/bot123:ABC-token/getMe" {
		t.Errorf("upstream path = %q", gotPath)
	}
	if gotAuth != "" {
		t.Errorf("url-path mode injected a header: %q", gotAuth)
	}
}

func TestHandler_BasicAuth(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer upstream.Close()

	h, store, registry := newTestHandler(t, Options{})
	def := &service.Definition{
		Name:                     "smsapi",
		Upstream:                 upstream.URL,
		AuthMode:                 service.AuthModeBasic,
		CredentialKey:            "account_sid",
		AdditionalCredentialKeys: []string{"auth_token"},
	}
	register(t, registry, def)
	ctx := context.Background()
	store.Set(ctx, "smsapi", "account_sid", "AC-X", nil)
	store.Set(ctx, "smsapi", "auth_token", "TK-Y", nil)

	doGet(t, h, "/smsapi/2010-04-01/Accounts", nil)
	// base64("AC-X:TK-Y")
	if gotAuth != "Basic QUMtWDpUSy1Z" {
		t.Errorf("Authorization = %q, want Basic QUMtWDpUSy1Z", gotAuth)
	}
}

func TestHandler_BasicAuthMissingPasswordUsesEmpty(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer upstream.Close()

	h, store, registry := newTestHandler(t, Options{})
	register(t, registry, &service.Definition{
		Name:                     "smsapi",
		Upstream:                 upstream.URL,
		AuthMode:                 service.AuthModeBasic,
		CredentialKey:            "account_sid",
		AdditionalCredentialKeys: []string{"auth_token"},
	})
	store.Set(context.Background(), "smsapi", "account_sid", "AC-X", nil)

	doGet(t, h, "/smsapi/", nil)
	// base64("AC-X:")
	if gotAuth != "Basic QUMtWDo=" {
		t.Errorf("Authorization = %q, want Basic QUMtWDo=", gotAuth)
	}
}

func TestHandler_OAuthExchangesOnce(t *testing.T) {
	var exchanges atomic.Int64
	token := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchanges.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"access_token": "at-1", "expires_in": 3600})
	}))
	defer token.Close()

	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer upstream.Close()

	h, store, registry := newTestHandler(t, Options{})
	register(t, registry, &service.Definition{
		Name:          "graph",
		Upstream:      upstream.URL,
		AuthMode:      service.AuthModeOAuth,
		CredentialKey: "client_id",
		OAuth: &service.OAuthConfig{
			TokenURL:        token.URL,
			ClientIDKey:     "client_id",
			ClientSecretKey: "client_secret",
		},
	})
	ctx := context.Background()
	store.Set(ctx, "graph", "client_id", "cid", nil)
	store.Set(ctx, "graph", "client_secret", "cs", nil)

	for i := 0; i < 3; i++ {
		rec := doGet(t, h, "/graph/v1.0/me", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	if gotAuth != "Bearer at-1" {
		t.Errorf("Authorization = %q, want Bearer at-1", gotAuth)
	}
	if got := exchanges.Load(); got != 1 {
		t.Errorf("token endpoint called %d times, want 1", got)
	}
}

func TestHandler_AdditionalHeaders(t *testing.T) {
	var gotVersion, gotOther string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotVersion = r.Header.Get("X-Api-Version")
		gotOther = r.Header.Get("X-Optional")
	}))
	defer upstream.Close()

	h, store, registry := newTestHandler(t, Options{})
	def := headerDef("svc", upstream.URL)
	def.AdditionalHeaders = map[string]service.HeaderSpec{
		"X-Api-Version": {CredentialKey: "api_version"},
		"X-Optional":    {CredentialKey: "optional_key"},
	}
	register(t, registry, def)
	ctx := context.Background()
	store.Set(ctx, "svc", "api_key", "k", nil)
	store.Set(ctx, "svc", "api_version", "2022-11-28", nil)
	// optional_key deliberately absent.

	rec := doGet(t, h, "/svc/repos", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if gotVersion != "2022-11-28" {
		t.Errorf("X-Api-Version = %q", gotVersion)
	}
	if gotOther != "" {
		t.Errorf("header with absent credential was injected: %q", gotOther)
	}
}

func TestHandler_MissingCredentialReturns401WithFix(t *testing.T) {
	h, _, _ := newTestHandler(t, Options{})

	rec := doGet(t, h, "/anthropic/v1/messages", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	var resp struct {
		Error string `json:"error"`
		Fix   string `json:"fix"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parsing 401 body: %v", err)
	}
	if resp.Error == "" {
		t.Error("401 body has no error field")
	}
	if !strings.Contains(resp.Fix, "anthropic") || !strings.Contains(resp.Fix, "api_key") {
		t.Errorf("fix = %q, want service and key named", resp.Fix)
	}
}

func TestHandler_RoutingErrors(t *testing.T) {
	h, _, registry := newTestHandler(t, Options{
		AllowedServices: []string{"anthropic"},
	})
	register(t, registry, &service.Definition{
		Name:     "storage-only",
		Upstream: "https://unused.example.com",
		AuthMode: service.AuthModeNone,
	})

	tests := []struct {
		path string
		want int
	}{
		{"/", http.StatusNotFound},
		{"/../etc/passwd", http.StatusNotFound},
		{"/..%2Fetc", http.StatusNotFound},
		{"/UPPER/case", http.StatusNotFound},
		{"/unknown-svc/x", http.StatusNotFound},
		{"/openai/v1/chat", http.StatusNotFound}, // registered but not allowed
	}
	for _, tt := range tests {
		rec := doGet(t, h, tt.path, nil)
		if rec.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.want)
		}
	}
}

func TestHandler_NoneModeRejected(t *testing.T) {
	h, _, registry := newTestHandler(t, Options{})
	register(t, registry, &service.Definition{
		Name:     "storage-only",
		Upstream: "https://unused.example.com",
		AuthMode: service.AuthModeNone,
	})

	rec := doGet(t, h, "/storage-only/x", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "at-rest storage only") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHandler_ClientTokenGate(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	h, store, registry := newTestHandler(t, Options{ClientToken: "secret-token"})
	register(t, registry, headerDef("svc", upstream.URL))
	store.Set(context.Background(), "svc", "api_key", "k", nil)

	if rec := doGet(t, h, "/svc/x", nil); rec.Code != http.StatusForbidden {
		t.Errorf("no token: status = %d, want 403", rec.Code)
	}
	if rec := doGet(t, h, "/svc/x", http.Header{ClientTokenHeader: {"wrong"}}); rec.Code != http.StatusForbidden {
		t.Errorf("wrong token: status = %d, want 403", rec.Code)
	}
	if rec := doGet(t, h, "/svc/x", http.Header{ClientTokenHeader: {"secret-token"}}); rec.Code != http.StatusOK {
		t.Errorf("header token: status = %d, want 200", rec.Code)
	}
	if rec := doGet(t, h, "/svc/x", http.Header{"Authorization": {"Bearer secret-token"}}); rec.Code != http.StatusOK {
		t.Errorf("bearer token: status = %d, want 200", rec.Code)
	}

	// Health and host-map stay open.
	if rec := doGet(t, h, "/_health", nil); rec.Code != http.StatusOK {
		t.Errorf("/_health gated: status = %d", rec.Code)
	}
	if rec := doGet(t, h, "/_hostmap", nil); rec.Code != http.StatusOK {
		t.Errorf("/_hostmap gated: status = %d", rec.Code)
	}
}

func TestHandler_ClearClientTokenBlocksNothingAfterStop(t *testing.T) {
	h, _, _ := newTestHandler(t, Options{ClientToken: "secret-token"})
	h.ClearClientToken()

	// An empty expected token disables the gate entirely.
	rec := doGet(t, h, "/unknown/x", nil)
	if rec.Code == http.StatusForbidden {
		t.Error("cleared token still enforcing 403")
	}
}

func TestHandler_Health(t *testing.T) {
	h, _, _ := newTestHandler(t, Options{
		Version:         "1.2.3",
		AllowedServices: []string{"anthropic", "openai"},
	})

	rec := doGet(t, h, "/_health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Status   string   `json:"status"`
		Version  string   `json:"version"`
		Uptime   int      `json:"uptime"`
		Services []string `json:"services"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || resp.Version != "1.2.3" {
		t.Errorf("health = %+v", resp)
	}
	if len(resp.Services) != 2 {
		t.Errorf("services = %v", resp.Services)
	}
}

func TestHandler_HostMap(t *testing.T) {
	h, _, _ := newTestHandler(t, Options{})

	rec := doGet(t, h, "/_hostmap", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var m map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatal(err)
	}
	if m["api.anthropic.com"] != "anthropic" {
		t.Errorf("hostmap = %v", m)
	}
}

func TestHandler_HealthEndpointsAreGetOnly(t *testing.T) {
	// Non-GET methods fall through to the gated pipeline.
	h, _, _ := newTestHandler(t, Options{ClientToken: "tok"})
	for _, path := range []string{"/_health", "/_hostmap"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("POST %s without token = %d, want 403", path, rec.Code)
		}
	}

	// With no token gate the fall-through lands in routing, which
	// rejects the reserved underscore prefix.
	open, _, _ := newTestHandler(t, Options{})
	req := httptest.NewRequest(http.MethodDelete, "/_health", nil)
	rec := httptest.NewRecorder()
	open.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("DELETE /_health = %d, want 404", rec.Code)
	}
}

func TestHandler_UpstreamConnectionError(t *testing.T) {
	h, store, registry := newTestHandler(t, Options{})
	register(t, registry, headerDef("svc", "http://127.0.0.1:1"))
	store.Set(context.Background(), "svc", "api_key", "k", nil)

	rec := doGet(t, h, "/svc/x", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Upstream error") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHandler_UpstreamTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer upstream.Close()

	h, store, registry := newTestHandler(t, Options{UpstreamTimeout: 50 * time.Millisecond})
	register(t, registry, headerDef("svc", upstream.URL))
	store.Set(context.Background(), "svc", "api_key", "k", nil)

	rec := doGet(t, h, "/svc/slow", nil)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Gateway Timeout") {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHandler_StreamsRequestBody(t *testing.T) {
	var gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Write([]byte("echoed"))
	}))
	defer upstream.Close()

	h, store, registry := newTestHandler(t, Options{})
	register(t, registry, headerDef("svc", upstream.URL))
	store.Set(context.Background(), "svc", "api_key", "k", nil)

	req := httptest.NewRequest(http.MethodPost, "/svc/v1/messages", strings.NewReader(`{"model":"x"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if gotBody != `{"model":"x"}` {
		t.Errorf("upstream body = %q", gotBody)
	}
	if rec.Body.String() != "echoed" {
		t.Errorf("response body = %q", rec.Body.String())
	}
}

func TestHandler_AuditSink(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	var mu sync.Mutex
	var records []RequestInfo
	h, store, registry := newTestHandler(t, Options{
		Sink: func(info RequestInfo) {
			mu.Lock()
			records = append(records, info)
			mu.Unlock()
		},
	})
	register(t, registry, headerDef("svc", upstream.URL))
	store.Set(context.Background(), "svc", "api_key", "k", nil)

	doGet(t, h, "/svc/v1/create", nil)
	doGet(t, h, "/missing-svc/x", nil)

	mu.Lock()
	defer mu.Unlock()
	if len(records) != 2 {
		t.Fatalf("sink received %d records, want 2", len(records))
	}

	ok := records[0]
	if ok.Service != "svc" || !ok.Authenticated || ok.StatusCode != http.StatusCreated {
		t.Errorf("success record = %+v", ok)
	}
	if ok.ID == "" || ok.Method != http.MethodGet || ok.Path != "/svc/v1/create" {
		t.Errorf("success record incomplete: %+v", ok)
	}

	miss := records[1]
	if miss.Authenticated || miss.StatusCode != http.StatusNotFound || miss.Error == "" {
		t.Errorf("miss record = %+v", miss)
	}
}

func TestHandler_ConcurrentRequestsDoNotCrossContaminate(t *testing.T) {
	const services = 4
	const perService = 10

	type upstreamCheck struct {
		server *httptest.Server
		bad    atomic.Int64
	}

	h, store, registry := newTestHandler(t, Options{})
	checks := make([]*upstreamCheck, services)
	for i := 0; i < services; i++ {
		want := fmt.Sprintf("credential-%d", i)
		c := &upstreamCheck{}
		c.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("x-api-key") != want {
				c.bad.Add(1)
			}
		}))
		defer c.server.Close()
		checks[i] = c

		name := fmt.Sprintf("svc-%d", i)
		register(t, registry, headerDef(name, c.server.URL))
		store.Set(context.Background(), name, "api_key", want, nil)
	}

	var wg sync.WaitGroup
	for i := 0; i < services; i++ {
		for j := 0; j < perService; j++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rec := doGet(t, h, fmt.Sprintf("/svc-%d/x", i), nil)
				if rec.Code != http.StatusOK {
					t.Errorf("svc-%d status = %d", i, rec.Code)
				}
			}(i)
		}
	}
	wg.Wait()

	for i, c := range checks {
		if n := c.bad.Load(); n != 0 {
			t.Errorf("svc-%d saw %d requests with a foreign credential", i, n)
		}
	}
}

func TestSplitServicePath(t *testing.T) {
	tests := []struct {
		path, svc, rest string
	}{
		{"/anthropic/v1/messages", "anthropic", "/v1/messages"},
		{"/anthropic", "anthropic", ""},
		{"/anthropic/", "anthropic", "/"},
		{"/", "", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		svc, rest := splitServicePath(tt.path)
		if svc != tt.svc || rest != tt.rest {
			t.Errorf("splitServicePath(%q) = %q, %q, want %q, %q", tt.path, svc, rest, tt.svc, tt.rest)
		}
	}
}
