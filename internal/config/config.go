// Package config loads the daemon configuration file and applies
// defaults. Decoding is strict: unknown keys are an error, so a typo in
// a security-sensitive field can never silently disable it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/majorcontext/aquaman/internal/credential"
)

// homeEnv overrides the aquaman data directory.
const homeEnv = "AQUAMAN_HOME"

const (
	// StorePasswordEnv supplies the file/sqlite store password. The
	// password field is excluded from YAML so it can never sit in the
	// config file next to the paths it protects.
	StorePasswordEnv = "AQUAMAN_STORE_PASSWORD"
	// VaultTokenEnv supplies the Vault token. The conventional
	// VAULT_TOKEN variable is honored as a fallback.
	VaultTokenEnv = "AQUAMAN_VAULT_TOKEN"
)

// Listen configures the daemon's listener.
type Listen struct {
	// Host defaults to 127.0.0.1; set 0.0.0.0 to accept from the LAN.
	Host string `yaml:"host,omitempty"`
	// Port defaults to 8081. An explicit 0 requests dynamic allocation.
	Port *int `yaml:"port,omitempty"`
	// SocketPath switches to a unix socket listener.
	SocketPath string `yaml:"socketPath,omitempty"`

	TLSCertFile string `yaml:"tlsCertFile,omitempty"`
	TLSKeyFile  string `yaml:"tlsKeyFile,omitempty"`
}

// Logging configures the slog sinks.
type Logging struct {
	Verbose       bool   `yaml:"verbose,omitempty"`
	JSONFormat    bool   `yaml:"jsonFormat,omitempty"`
	DebugDir      string `yaml:"debugDir,omitempty"`
	RetentionDays int    `yaml:"retentionDays,omitempty"`
}

// Config is the daemon configuration.
type Config struct {
	Listen Listen `yaml:"listen,omitempty"`

	// ClientToken gates proxy requests. ClientTokenFile reads the token
	// from a file instead, keeping it out of the config file.
	ClientToken     string `yaml:"clientToken,omitempty"`
	ClientTokenFile string `yaml:"clientTokenFile,omitempty"`

	// AllowedServices restricts routing; empty allows every registered
	// service.
	AllowedServices []string `yaml:"allowedServices,omitempty"`

	// UpstreamTimeoutSeconds bounds one upstream exchange (default 30).
	UpstreamTimeoutSeconds int `yaml:"upstreamTimeoutSeconds,omitempty"`

	// ServicesFile is the user service-definitions YAML file.
	ServicesFile string `yaml:"servicesFile,omitempty"`

	// AuditDir holds current.jsonl and rotated archives.
	AuditDir string `yaml:"auditDir,omitempty"`

	Credentials credential.Config `yaml:"credentials,omitempty"`

	Logging Logging `yaml:"logging,omitempty"`
}

// Dir returns the aquaman data directory, creating nothing. Defaults to
// ~/.aquaman; AQUAMAN_HOME overrides it.
func Dir() (string, error) {
	if dir := os.Getenv(homeEnv); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".aquaman"), nil
}

// DefaultPath returns the default config file location.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the config file at path, or the defaults when the file does
// not exist. An empty path means the default location.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg.withDefaults()
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg.withDefaults()
}

// withDefaults fills unset fields and resolves indirections.
func (c *Config) withDefaults() (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}

	if c.UpstreamTimeoutSeconds == 0 {
		c.UpstreamTimeoutSeconds = 30
	}
	if c.UpstreamTimeoutSeconds < 0 {
		return nil, fmt.Errorf("upstreamTimeoutSeconds must be positive, got %d", c.UpstreamTimeoutSeconds)
	}
	if c.AuditDir == "" {
		c.AuditDir = filepath.Join(dir, "audit")
	}
	if c.ServicesFile == "" {
		c.ServicesFile = filepath.Join(dir, "services.yaml")
	}
	if c.Credentials.FilePath == "" {
		c.Credentials.FilePath = filepath.Join(dir, "credentials.enc")
	}
	if c.Credentials.SQLitePath == "" {
		c.Credentials.SQLitePath = filepath.Join(dir, "credentials.db")
	}
	if c.Logging.DebugDir == "" {
		c.Logging.DebugDir = filepath.Join(dir, "logs")
	}
	if c.Credentials.Password == "" {
		c.Credentials.Password = os.Getenv(StorePasswordEnv)
	}
	if c.Credentials.VaultToken == "" {
		c.Credentials.VaultToken = os.Getenv(VaultTokenEnv)
	}
	if c.Credentials.VaultToken == "" {
		c.Credentials.VaultToken = os.Getenv("VAULT_TOKEN")
	}

	if (c.Listen.TLSCertFile == "") != (c.Listen.TLSKeyFile == "") {
		return nil, errors.New("tlsCertFile and tlsKeyFile must be set together")
	}

	if c.ClientTokenFile != "" {
		if c.ClientToken != "" {
			return nil, errors.New("clientToken and clientTokenFile are mutually exclusive")
		}
		token, err := os.ReadFile(c.ClientTokenFile)
		if err != nil {
			return nil, fmt.Errorf("reading client token file: %w", err)
		}
		c.ClientToken = strings.TrimSpace(string(token))
	}

	return c, nil
}

// ListenPort resolves the configured port, applying the 8081 default
// while honoring an explicit 0 for dynamic allocation.
func (c *Config) ListenPort() int {
	if c.Listen.Port == nil {
		return 8081
	}
	return *c.Listen.Port
}
