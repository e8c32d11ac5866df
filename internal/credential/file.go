package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps all credentials in one password-encrypted blob on
// disk. The blob is decrypted once at construction and cached for the
// process lifetime; every write re-encrypts and atomically replaces the
// whole file (temp + fsync + rename), mode 0600.
type FileStore struct {
	path     string
	password string

	mu      sync.RWMutex
	records map[string]record // "service/key" -> record
}

// NewFileStore opens (or creates) the encrypted credential file. A wrong
// password surfaces as ErrWrongPassword, not as an empty store.
func NewFileStore(path, password string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file store path is required")
	}
	if password == "" {
		return nil, fmt.Errorf("file store password is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating credential dir: %w", err)
	}

	s := &FileStore{
		path:     path,
		password: password,
		records:  make(map[string]record),
	}

	blob, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading credential file: %w", err)
	}

	plaintext, err := openWithPassword(password, blob)
	if err != nil {
		return nil, fmt.Errorf("decrypting %s: %w", path, err)
	}
	if err := json.Unmarshal(plaintext, &s.records); err != nil {
		return nil, fmt.Errorf("parsing credential file: %w", err)
	}
	return s, nil
}

func refKey(service, key string) string {
	return service + "/" + key
}

// Get returns the stored value, or ("", nil) when absent.
func (s *FileStore) Get(_ context.Context, service, key string) (string, error) {
	if err := checkNames(service, key); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[refKey(service, key)]
	if !ok {
		return "", nil
	}
	return rec.Value, nil
}

// Set creates or overwrites a record and rewrites the blob.
func (s *FileStore) Set(_ context.Context, service, key, value string, meta *Metadata) error {
	if err := checkNames(service, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.records[refKey(service, key)]
	s.records[refKey(service, key)] = record{Value: value, Meta: meta}
	if err := s.flushLocked(); err != nil {
		// Restore in-memory state so the cache matches disk.
		if existed {
			s.records[refKey(service, key)] = prev
		} else {
			delete(s.records, refKey(service, key))
		}
		return err
	}
	return nil
}

// Delete removes a record and rewrites the blob.
func (s *FileStore) Delete(_ context.Context, service, key string) (bool, error) {
	if err := checkNames(service, key); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.records[refKey(service, key)]
	if !existed {
		return false, nil
	}
	delete(s.records, refKey(service, key))
	if err := s.flushLocked(); err != nil {
		s.records[refKey(service, key)] = prev
		return false, err
	}
	return true, nil
}

// List returns the stored refs, optionally filtered by service.
func (s *FileStore) List(_ context.Context, service string) ([]Ref, error) {
	if err := checkServiceFilter(service); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := make([]Ref, 0, len(s.records))
	for k := range s.records {
		svc, key, ok := splitRefKey(k)
		if !ok {
			continue
		}
		if service != "" && svc != service {
			continue
		}
		refs = append(refs, Ref{Service: svc, Key: key})
	}
	sortRefs(refs)
	return refs, nil
}

// Exists reports whether a record exists.
func (s *FileStore) Exists(_ context.Context, service, key string) (bool, error) {
	if err := checkNames(service, key); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[refKey(service, key)]
	return ok, nil
}

// Close is a no-op; the file is rewritten on every mutation.
func (s *FileStore) Close() error { return nil }

// flushLocked re-encrypts the full record map and atomically replaces
// the file. Caller holds the write lock.
func (s *FileStore) flushLocked() error {
	plaintext, err := json.Marshal(s.records)
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}

	blob, err := sealWithPassword(s.password, plaintext)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("setting temp file mode: %w", err)
	}
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return fmt.Errorf("writing credential file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing credential file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replacing credential file: %w", err)
	}
	return nil
}

func splitRefKey(k string) (service, key string, ok bool) {
	for i := 0; i < len(k); i++ {
		if k[i] == '/' {
			return k[:i], k[i+1:], i > 0 && i < len(k)-1
		}
	}
	return "", "", false
}
