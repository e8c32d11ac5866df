package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/majorcontext/aquaman/internal/name"
)

// vaultPrefix roots every aquaman secret inside the mount, keeping the
// proxy's records separate from anything else living there.
const vaultPrefix = "aquaman"

// VaultConfig configures the KV v2 REST backend.
type VaultConfig struct {
	Addr      string
	Token     string
	Namespace string
	// Mount is the KV v2 mount path (default "secret").
	Mount string
}

// VaultStore persists credentials in a KV v2 secrets server. Each
// (service, key) is one versioned secret at
// <mount>/data/aquaman/<service>/<key>; List walks the metadata tree.
// Network failures surface as *BackendError, never as a miss.
type VaultStore struct {
	addr      string
	token     string
	namespace string
	mount     string
	client    *http.Client
}

// NewVaultStore validates the configuration and probes the server with a
// token self-lookup. An unreachable server or rejected token fails
// construction.
func NewVaultStore(ctx context.Context, cfg VaultConfig) (*VaultStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("vault token is required")
	}
	if cfg.Mount == "" {
		cfg.Mount = "secret"
	}

	s := &VaultStore{
		addr:      strings.TrimSuffix(cfg.Addr, "/"),
		token:     cfg.Token,
		namespace: cfg.Namespace,
		mount:     cfg.Mount,
		client:    &http.Client{Timeout: 15 * time.Second},
	}

	status, _, err := s.do(ctx, http.MethodGet, s.addr+"/v1/auth/token/lookup-self", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &BackendError{
			Backend: "vault",
			Reason:  fmt.Sprintf("token self-lookup returned %d", status),
			Fix:     "Check the configured vault token and its policies.",
		}
	}
	return s, nil
}

func (s *VaultStore) dataURL(service, key string) string {
	return fmt.Sprintf("%s/v1/%s/data/%s/%s/%s", s.addr, s.mount, vaultPrefix, service, key)
}

func (s *VaultStore) metadataURL(parts ...string) string {
	path := vaultPrefix
	if len(parts) > 0 {
		path += "/" + strings.Join(parts, "/")
	}
	return fmt.Sprintf("%s/v1/%s/metadata/%s", s.addr, s.mount, path)
}

// Get returns the secret's "value" field, or ("", nil) on 404.
func (s *VaultStore) Get(ctx context.Context, service, key string) (string, error) {
	if err := checkNames(service, key); err != nil {
		return "", err
	}
	status, body, err := s.do(ctx, http.MethodGet, s.dataURL(service, key), nil)
	if err != nil {
		return "", err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", nil
	default:
		return "", s.statusError("reading secret", status, body)
	}

	var resp struct {
		Data struct {
			Data map[string]string `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parsing vault response: %w", err)
	}
	return resp.Data.Data["value"], nil
}

// Set writes a new version of the secret.
func (s *VaultStore) Set(ctx context.Context, service, key, value string, meta *Metadata) error {
	if err := checkNames(service, key); err != nil {
		return err
	}
	data := map[string]string{"value": value}
	if meta != nil {
		if meta.Source != "" {
			data["source"] = meta.Source
		}
		if !meta.CreatedAt.IsZero() {
			data["created_at"] = meta.CreatedAt.UTC().Format(time.RFC3339)
		}
	}
	payload, err := json.Marshal(map[string]any{"data": data})
	if err != nil {
		return fmt.Errorf("marshaling secret: %w", err)
	}

	status, body, err := s.do(ctx, http.MethodPost, s.dataURL(service, key), payload)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return s.statusError("writing secret", status, body)
	}
	return nil
}

// Delete removes the secret's metadata and all versions, reporting
// whether it existed.
func (s *VaultStore) Delete(ctx context.Context, service, key string) (bool, error) {
	existed, err := s.Exists(ctx, service, key)
	if err != nil {
		return false, err
	}
	if !existed {
		return false, nil
	}

	status, body, err := s.do(ctx, http.MethodDelete, s.metadataURL(service, key), nil)
	if err != nil {
		return false, err
	}
	if status != http.StatusNoContent && status != http.StatusOK && status != http.StatusNotFound {
		return false, s.statusError("deleting secret", status, body)
	}
	return true, nil
}

// List recurses the metadata tree under the aquaman prefix.
func (s *VaultStore) List(ctx context.Context, service string) ([]Ref, error) {
	if service != "" {
		if err := name.ValidateService(service); err != nil {
			return nil, err
		}
		keys, err := s.listFolder(ctx, s.metadataURL(service))
		if err != nil {
			return nil, err
		}
		refs := make([]Ref, 0, len(keys))
		for _, k := range keys {
			if strings.HasSuffix(k, "/") {
				continue // keys never nest below a service
			}
			refs = append(refs, Ref{Service: service, Key: k})
		}
		sortRefs(refs)
		return refs, nil
	}

	services, err := s.listFolder(ctx, s.metadataURL())
	if err != nil {
		return nil, err
	}
	var refs []Ref
	for _, entry := range services {
		svc := strings.TrimSuffix(entry, "/")
		if svc == entry {
			continue // a bare key at the root is not ours
		}
		svcRefs, err := s.List(ctx, svc)
		if err != nil {
			return nil, err
		}
		refs = append(refs, svcRefs...)
	}
	sortRefs(refs)
	return refs, nil
}

// Exists reports whether the secret exists.
func (s *VaultStore) Exists(ctx context.Context, service, key string) (bool, error) {
	if err := checkNames(service, key); err != nil {
		return false, err
	}
	status, body, err := s.do(ctx, http.MethodGet, s.dataURL(service, key), nil)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, s.statusError("reading secret", status, body)
	}
}

// Close is a no-op.
func (s *VaultStore) Close() error { return nil }

// listFolder issues a LIST request, returning the folder's entries.
// A 404 means the folder is empty.
func (s *VaultStore) listFolder(ctx context.Context, url string) ([]string, error) {
	status, body, err := s.do(ctx, "LIST", url, nil)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, s.statusError("listing secrets", status, body)
	}

	var resp struct {
		Data struct {
			Keys []string `json:"keys"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing vault list response: %w", err)
	}
	return resp.Data.Keys, nil
}

// do issues one request with auth headers applied. Transport errors are
// wrapped in *BackendError so callers never mistake them for a miss.
func (s *VaultStore) do(ctx context.Context, method, url string, payload []byte) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("building vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", s.token)
	if s.namespace != "" {
		req.Header.Set("X-Vault-Namespace", s.namespace)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, &BackendError{
			Backend: "vault",
			Reason:  fmt.Sprintf("request to %s failed: %v", s.addr, err),
			Fix:     "Check that the secrets server is reachable from this host.",
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, &BackendError{
			Backend: "vault",
			Reason:  fmt.Sprintf("reading response: %v", err),
		}
	}
	return resp.StatusCode, body, nil
}

func (s *VaultStore) statusError(op string, status int, body []byte) error {
	reason := fmt.Sprintf("%s returned %d", op, status)
	if len(body) > 0 {
		msg := string(body)
		if len(msg) > 200 {
			msg = msg[:200]
		}
		reason += ": " + msg
	}
	return &BackendError{Backend: "vault", Reason: reason}
}
