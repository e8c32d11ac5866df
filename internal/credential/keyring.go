package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the fixed application identifier every entry is
	// stored under. Override with AQUAMAN_KEYRING_SERVICE for test
	// isolation.
	keyringService = "aquaman"

	// indexAccount holds the JSON inventory of stored refs. The OS
	// keyring has no enumeration API, so List is served from this entry.
	// Service names cannot start with "_", so it can never collide with
	// a real account.
	indexAccount = "_index"
)

// KeyringStore delegates to the host OS credential store. Each
// (service, key) maps to one keyring entry whose account is
// "service:key" under the fixed aquaman identifier.
type KeyringStore struct {
	app string
	mu  sync.Mutex // serializes index updates
}

// NewKeyringStore creates the native keyring backend and probes that the
// keyring is usable. An unusable keyring (headless host without a secret
// service) fails construction so the daemon refuses to start.
func NewKeyringStore() (*KeyringStore, error) {
	s := &KeyringStore{app: keyringAppID()}
	if _, err := keyring.Get(s.app, indexAccount); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return nil, &BackendError{
			Backend: "keyring",
			Reason:  fmt.Sprintf("system keyring unavailable: %v", err),
			Fix:     "Install a secret service (libsecret/kwallet on Linux) or select another backend in the daemon config.",
		}
	}
	return s, nil
}

func keyringAppID() string {
	if v := os.Getenv("AQUAMAN_KEYRING_SERVICE"); v != "" {
		return v
	}
	return keyringService
}

func keyringAccount(service, key string) string {
	return service + ":" + key
}

// Get returns the stored value, or ("", nil) when absent.
func (s *KeyringStore) Get(_ context.Context, service, key string) (string, error) {
	if err := checkNames(service, key); err != nil {
		return "", err
	}
	raw, err := keyring.Get(s.app, keyringAccount(service, key))
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("keyring get: %w", err)
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		// Entry written by hand or by an older version: treat the raw
		// secret as the value.
		return raw, nil
	}
	return rec.Value, nil
}

// Set creates or overwrites a record and updates the index entry.
func (s *KeyringStore) Set(_ context.Context, service, key, value string, meta *Metadata) error {
	if err := checkNames(service, key); err != nil {
		return err
	}
	raw, err := json.Marshal(record{Value: value, Meta: meta})
	if err != nil {
		return fmt.Errorf("marshaling credential: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := keyring.Set(s.app, keyringAccount(service, key), string(raw)); err != nil {
		return fmt.Errorf("keyring set: %w", err)
	}
	return s.updateIndexLocked(func(refs map[Ref]bool) {
		refs[Ref{Service: service, Key: key}] = true
	})
}

// Delete removes a record, reporting whether one existed.
func (s *KeyringStore) Delete(_ context.Context, service, key string) (bool, error) {
	if err := checkNames(service, key); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := keyring.Delete(s.app, keyringAccount(service, key))
	if errors.Is(err, keyring.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("keyring delete: %w", err)
	}
	return true, s.updateIndexLocked(func(refs map[Ref]bool) {
		delete(refs, Ref{Service: service, Key: key})
	})
}

// List returns the index inventory, optionally filtered by service.
func (s *KeyringStore) List(_ context.Context, service string) ([]Ref, error) {
	if err := checkServiceFilter(service); err != nil {
		return nil, err
	}
	s.mu.Lock()
	all, err := s.readIndexLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	refs := make([]Ref, 0, len(all))
	for ref := range all {
		if service != "" && ref.Service != service {
			continue
		}
		refs = append(refs, ref)
	}
	sortRefs(refs)
	return refs, nil
}

// Exists reports whether a record exists.
func (s *KeyringStore) Exists(ctx context.Context, service, key string) (bool, error) {
	if err := checkNames(service, key); err != nil {
		return false, err
	}
	_, err := keyring.Get(s.app, keyringAccount(service, key))
	if errors.Is(err, keyring.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("keyring get: %w", err)
	}
	return true, nil
}

// Close is a no-op.
func (s *KeyringStore) Close() error { return nil }

func (s *KeyringStore) readIndexLocked() (map[Ref]bool, error) {
	raw, err := keyring.Get(s.app, indexAccount)
	if errors.Is(err, keyring.ErrNotFound) {
		return make(map[Ref]bool), nil
	}
	if err != nil {
		return nil, fmt.Errorf("keyring index get: %w", err)
	}
	var list []Ref
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("parsing keyring index: %w", err)
	}
	refs := make(map[Ref]bool, len(list))
	for _, ref := range list {
		refs[ref] = true
	}
	return refs, nil
}

func (s *KeyringStore) updateIndexLocked(mutate func(map[Ref]bool)) error {
	refs, err := s.readIndexLocked()
	if err != nil {
		return err
	}
	mutate(refs)

	list := make([]Ref, 0, len(refs))
	for ref := range refs {
		list = append(list, ref)
	}
	sortRefs(list)

	raw, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("marshaling keyring index: %w", err)
	}
	if err := keyring.Set(s.app, indexAccount, string(raw)); err != nil {
		return fmt.Errorf("keyring index set: %w", err)
	}
	return nil
}
