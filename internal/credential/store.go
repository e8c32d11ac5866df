// Package credential provides the pluggable secret store behind the
// proxy: one interface, six backends (memory, encrypted file, native
// keyring, 1Password CLI, Vault KV v2, encrypted SQLite).
//
// Lookup misses are not errors: Get returns ("", nil) when no record
// exists. Errors are reserved for real failures (unreachable backends,
// wrong passwords, CLI trouble) so the proxy can map "missing" to 401
// and everything else to 500.
package credential

import (
	"context"
	"fmt"
	"time"

	"github.com/majorcontext/aquaman/internal/name"
)

// Metadata accompanies a stored credential. The proxy never consults it;
// it exists for operators inspecting the store.
type Metadata struct {
	// Source records how the credential was seeded (e.g. "cli", "import").
	Source string `json:"source,omitempty"`
	// CreatedAt is when the record was written.
	CreatedAt time.Time `json:"created_at,omitempty"`
	// Extra carries backend-visible annotations. Keys are validated
	// against a strict identifier pattern before reaching any external
	// process.
	Extra map[string]string `json:"extra,omitempty"`
}

// Ref identifies one stored credential.
type Ref struct {
	Service string `json:"service"`
	Key     string `json:"key"`
}

// Store is the credential storage contract every backend fulfills.
//
// Get may be called concurrently from many request handlers; all
// implementations are safe for concurrent use. Writes may serialize
// internally.
type Store interface {
	// Get returns the credential value, or ("", nil) if no record exists.
	Get(ctx context.Context, service, key string) (string, error)
	// Set creates or overwrites a record.
	Set(ctx context.Context, service, key, value string, meta *Metadata) error
	// Delete removes a record, reporting whether one existed.
	Delete(ctx context.Context, service, key string) (bool, error)
	// List returns the stored (service, key) inventory, filtered to one
	// service when service is non-empty.
	List(ctx context.Context, service string) ([]Ref, error)
	// Exists reports whether a record exists.
	Exists(ctx context.Context, service, key string) (bool, error)
	// Close releases backend resources.
	Close() error
}

// record is the stored shape shared by the in-process backends.
type record struct {
	Value string    `json:"value"`
	Meta  *Metadata `json:"meta,omitempty"`
}

// Config selects and configures a backend.
type Config struct {
	// Backend is one of: memory, file, keyring, onepassword, vault, sqlite.
	Backend string `yaml:"backend"`

	// File backend.
	FilePath string `yaml:"filePath,omitempty"`
	// Password protects the file and sqlite backends. Excluded from
	// YAML; the daemon takes it from the environment or a prompt.
	Password string `yaml:"-"`

	// SQLite backend.
	SQLitePath string `yaml:"sqlitePath,omitempty"`

	// 1Password backend.
	OnePasswordVault string `yaml:"onePasswordVault,omitempty"`

	// Vault backend. The token is excluded from YAML and comes from the
	// environment.
	VaultAddr      string `yaml:"vaultAddr,omitempty"`
	VaultToken     string `yaml:"-"`
	VaultNamespace string `yaml:"vaultNamespace,omitempty"`
	VaultMount     string `yaml:"vaultMount,omitempty"`
}

// New constructs the configured backend. Constructor failures (missing
// CLI, unreachable server, wrong password) are fatal to the daemon: it
// refuses to start rather than silently degrading.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "keyring":
		return NewKeyringStore()
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.FilePath, cfg.Password)
	case "onepassword":
		return NewOnePasswordStore(ctx, cfg.OnePasswordVault)
	case "vault":
		return NewVaultStore(ctx, VaultConfig{
			Addr:      cfg.VaultAddr,
			Token:     cfg.VaultToken,
			Namespace: cfg.VaultNamespace,
			Mount:     cfg.VaultMount,
		})
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath, cfg.Password)
	default:
		return nil, fmt.Errorf("unknown credential backend %q", cfg.Backend)
	}
}

// checkNames validates service and key against the safe pattern before
// any backend composes a path, URL, shell argument, or DB identifier
// from them.
func checkNames(service, key string) error {
	if err := name.ValidateService(service); err != nil {
		return err
	}
	return name.ValidateKey(key)
}

// checkServiceFilter validates a non-empty List filter.
func checkServiceFilter(service string) error {
	if service == "" {
		return nil
	}
	return name.ValidateService(service)
}
