// Package oauth exchanges long-lived client credentials for short-lived
// bearer tokens and caches them per service.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/majorcontext/aquaman/internal/credential"
	"github.com/majorcontext/aquaman/internal/log"
	"github.com/majorcontext/aquaman/internal/service"
)

const (
	// DefaultRefreshBuffer: a cached token within this much of expiry is
	// treated as expired so requests never ride a token that dies mid-flight.
	DefaultRefreshBuffer = 60 * time.Second
	// DefaultMaxEntries bounds the cache; one entry per service, so this
	// is effectively "number of distinct oauth services".
	DefaultMaxEntries = 100
	// defaultExpirySeconds applies when the token response omits expires_in.
	defaultExpirySeconds = 3600
	// maxErrorBody truncates token-endpoint error bodies in messages.
	maxErrorBody = 256
)

// ExchangeError reports a failed client-credentials exchange. The body
// is truncated; it is never forwarded to the proxy client.
type ExchangeError struct {
	Service string
	Status  int
	Body    string
	Err     error
}

func (e *ExchangeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("oauth exchange for %s failed: token endpoint returned %d: %s", e.Service, e.Status, e.Body)
	}
	return fmt.Sprintf("oauth exchange for %s failed: %v", e.Service, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// entry is one cached token.
type entry struct {
	token     string
	expiresAt time.Time
}

// Cache is the process-wide token cache, keyed by service name. One
// cached token is legitimately shared across concurrent requests to the
// same service; it is the only state that crosses request boundaries.
//
// The single mutex is held across the exchange itself, so concurrent
// requests for the same (or any) service trigger exactly one POST to the
// token endpoint. Exchanges happen once per token lifetime, so the
// serialization is not a throughput concern.
type Cache struct {
	store credential.Store

	mu      sync.Mutex
	entries map[string]entry

	refreshBuffer time.Duration
	maxEntries    int
	client        *http.Client
	now           func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithRefreshBuffer overrides the expiry slack.
func WithRefreshBuffer(d time.Duration) Option {
	return func(c *Cache) { c.refreshBuffer = d }
}

// WithMaxEntries overrides the cache size bound.
func WithMaxEntries(n int) Option {
	return func(c *Cache) { c.maxEntries = n }
}

// WithHTTPClient sets the client used for token-endpoint requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Cache) { c.client = client }
}

// withNow overrides the clock. For tests.
func withNow(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// NewCache creates a token cache backed by the given credential store.
func NewCache(store credential.Store, opts ...Option) *Cache {
	c := &Cache{
		store:         store,
		entries:       make(map[string]entry),
		refreshBuffer: DefaultRefreshBuffer,
		maxEntries:    DefaultMaxEntries,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns a valid access token for the service, exchanging client
// credentials when the cache has nothing fresh enough.
func (c *Cache) Token(ctx context.Context, def *service.Definition) (string, error) {
	if def.OAuth == nil {
		return "", fmt.Errorf("service %s has no oauth configuration", def.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[def.Name]; ok && e.expiresAt.After(c.now().Add(c.refreshBuffer)) {
		return e.token, nil
	}

	token, expiresAt, err := c.exchange(ctx, def)
	if err != nil {
		// A failed exchange records nothing.
		return "", err
	}

	c.evictLocked()
	c.entries[def.Name] = entry{token: token, expiresAt: expiresAt}
	log.Debug("cached oauth token", "service", def.Name, "expires_at", expiresAt)
	return token, nil
}

// Invalidate drops the cached token for one service.
func (c *Cache) Invalidate(serviceName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, serviceName)
}

// Clear drops every cached token.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// exchange performs the client-credentials grant. Caller holds the lock.
func (c *Cache) exchange(ctx context.Context, def *service.Definition) (string, time.Time, error) {
	oc := def.OAuth

	clientID, err := c.fetchRequired(ctx, def.Name, oc.ClientIDKey)
	if err != nil {
		return "", time.Time{}, err
	}
	clientSecret, err := c.fetchRequired(ctx, def.Name, oc.ClientSecretKey)
	if err != nil {
		return "", time.Time{}, err
	}

	tokenURL, err := c.resolveTokenURL(ctx, def.Name, oc.TokenURL)
	if err != nil {
		return "", time.Time{}, err
	}

	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if oc.Scope != "" {
		cfg.Scopes = []string{oc.Scope}
	}
	if oc.Audience != "" {
		cfg.EndpointParams = url.Values{"audience": {oc.Audience}}
	}

	if c.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	}

	tok, err := cfg.Token(ctx)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			body := string(rerr.Body)
			if len(body) > maxErrorBody {
				body = body[:maxErrorBody]
			}
			status := 0
			if rerr.Response != nil {
				status = rerr.Response.StatusCode
			}
			return "", time.Time{}, &ExchangeError{Service: def.Name, Status: status, Body: body, Err: err}
		}
		return "", time.Time{}, &ExchangeError{Service: def.Name, Err: err}
	}
	if tok.AccessToken == "" {
		return "", time.Time{}, &ExchangeError{Service: def.Name, Err: errors.New("token response missing access_token")}
	}

	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = c.now().Add(defaultExpirySeconds * time.Second)
	}
	return tok.AccessToken, expiresAt, nil
}

// fetchRequired reads a credential that must exist for the exchange.
func (c *Cache) fetchRequired(ctx context.Context, serviceName, key string) (string, error) {
	v, err := c.store.Get(ctx, serviceName, key)
	if err != nil {
		return "", fmt.Errorf("fetching %s/%s: %w", serviceName, key, err)
	}
	if v == "" {
		return "", fmt.Errorf("oauth exchange for %s requires credential %q; run: aquaman credentials add %s %s",
			serviceName, key, serviceName, key)
	}
	return v, nil
}

// placeholderPattern matches {key} segments in a token URL.
var placeholderPattern = regexp.MustCompile(`\{([a-z0-9][a-z0-9._-]*)\}`)

// resolveTokenURL substitutes every {key} placeholder with the stored
// credential value. A missing value aborts, naming the key.
func (c *Cache) resolveTokenURL(ctx context.Context, serviceName, tokenURL string) (string, error) {
	var resolveErr error
	resolved := placeholderPattern.ReplaceAllStringFunc(tokenURL, func(m string) string {
		if resolveErr != nil {
			return m
		}
		key := m[1 : len(m)-1]
		v, err := c.store.Get(ctx, serviceName, key)
		if err != nil {
			resolveErr = fmt.Errorf("resolving token URL placeholder {%s}: %w", key, err)
			return m
		}
		if v == "" {
			resolveErr = fmt.Errorf("token URL for %s references credential %q which is not stored; run: aquaman credentials add %s %s",
				serviceName, key, serviceName, key)
			return m
		}
		return v
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	return resolved, nil
}

// evictLocked makes room before an insert: first drop everything already
// expired, then, if still full, the entry closest to expiry.
func (c *Cache) evictLocked() {
	now := c.now()
	for svc, e := range c.entries {
		if e.expiresAt.Before(now) {
			delete(c.entries, svc)
		}
	}
	if len(c.entries) < c.maxEntries {
		return
	}

	var oldest string
	var oldestAt time.Time
	for svc, e := range c.entries {
		if oldest == "" || e.expiresAt.Before(oldestAt) {
			oldest = svc
			oldestAt = e.expiresAt
		}
	}
	if oldest != "" {
		delete(c.entries, oldest)
	}
}
