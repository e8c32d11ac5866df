// Package service defines upstream service descriptions and the registry
// that merges protected built-ins with user-supplied entries.
package service

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/majorcontext/aquaman/internal/name"
)

// AuthMode selects how a credential enters the upstream request.
type AuthMode string

const (
	AuthModeHeader  AuthMode = "header"
	AuthModeURLPath AuthMode = "url-path"
	AuthModeBasic   AuthMode = "basic"
	AuthModeOAuth   AuthMode = "oauth"
	AuthModeNone    AuthMode = "none"
)

// knownModes is the closed set of auth modes.
var knownModes = map[AuthMode]bool{
	AuthModeHeader:  true,
	AuthModeURLPath: true,
	AuthModeBasic:   true,
	AuthModeOAuth:   true,
	AuthModeNone:    true,
}

// TokenPlaceholder is the literal substituted with the primary credential
// in url-path auth templates.
const TokenPlaceholder = "{token}"

// HeaderSpec describes one additional header injected with a fetched
// credential.
type HeaderSpec struct {
	CredentialKey string `yaml:"credentialKey"`
	Prefix        string `yaml:"prefix,omitempty"`
}

// OAuthConfig configures a client-credentials exchange for oauth-mode
// services. TokenURL may contain {key} placeholders resolved against the
// credential store at exchange time.
type OAuthConfig struct {
	TokenURL        string `yaml:"tokenUrl"`
	ClientIDKey     string `yaml:"clientIdKey"`
	ClientSecretKey string `yaml:"clientSecretKey"`
	Scope           string `yaml:"scope,omitempty"`
	Audience        string `yaml:"audience,omitempty"`
}

// Definition describes one upstream API the proxy can front.
type Definition struct {
	Name     string   `yaml:"name"`
	Upstream string   `yaml:"upstream"`
	AuthMode AuthMode `yaml:"authMode"`

	// AuthHeader is the header the credential is injected into (header
	// and oauth modes; oauth defaults to Authorization).
	AuthHeader string `yaml:"authHeader,omitempty"`
	// AuthPrefix is prepended to the injected value, e.g. "Bearer ".
	AuthPrefix string `yaml:"authPrefix,omitempty"`

	// CredentialKey is the primary key the credential is stored under.
	CredentialKey string `yaml:"credentialKey,omitempty"`
	// AdditionalCredentialKeys is ordered; for basic mode the first entry
	// is the password.
	AdditionalCredentialKeys []string `yaml:"additionalCredentialKeys,omitempty"`

	// AdditionalHeaders are injected with fetched credentials; entries
	// whose credential is absent are silently omitted.
	AdditionalHeaders map[string]HeaderSpec `yaml:"additionalHeaders,omitempty"`

	// AuthPathTemplate is required for url-path mode and contains the
	// literal {token} placeholder.
	AuthPathTemplate string `yaml:"authPathTemplate,omitempty"`

	OAuth *OAuthConfig `yaml:"oauthConfig,omitempty"`

	// HostPatterns feed the hostname→service map served at /_hostmap.
	// Literal hostnames or *.domain wildcards.
	HostPatterns []string `yaml:"hostPatterns,omitempty"`
}

// EffectiveAuthHeader returns the header name the credential is injected
// into, applying the oauth-mode default.
func (d *Definition) EffectiveAuthHeader() string {
	if d.AuthHeader != "" {
		return d.AuthHeader
	}
	return "Authorization"
}

// Validate checks the definition for internal consistency. It is applied
// to user entries before registration; built-ins are validated by tests.
func (d *Definition) Validate() error {
	if err := name.ValidateService(d.Name); err != nil {
		return err
	}

	u, err := url.Parse(d.Upstream)
	if err != nil {
		return fmt.Errorf("service %s: invalid upstream %q: %w", d.Name, d.Upstream, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("service %s: upstream must be an absolute http(s) URL, got %q", d.Name, d.Upstream)
	}
	if u.Host == "" {
		return fmt.Errorf("service %s: upstream %q has no host", d.Name, d.Upstream)
	}

	if !knownModes[d.AuthMode] {
		return fmt.Errorf("service %s: unknown authMode %q", d.Name, d.AuthMode)
	}

	if d.AuthMode != AuthModeNone {
		if d.CredentialKey == "" {
			return fmt.Errorf("service %s: credentialKey is required for authMode %s", d.Name, d.AuthMode)
		}
		if err := name.ValidateKey(d.CredentialKey); err != nil {
			return fmt.Errorf("service %s: %w", d.Name, err)
		}
	}
	for _, k := range d.AdditionalCredentialKeys {
		if err := name.ValidateKey(k); err != nil {
			return fmt.Errorf("service %s: %w", d.Name, err)
		}
	}
	for header, spec := range d.AdditionalHeaders {
		if header == "" {
			return fmt.Errorf("service %s: additionalHeaders entry with empty header name", d.Name)
		}
		if err := name.ValidateKey(spec.CredentialKey); err != nil {
			return fmt.Errorf("service %s: additionalHeaders[%s]: %w", d.Name, header, err)
		}
	}

	switch d.AuthMode {
	case AuthModeHeader:
		if d.AuthHeader == "" {
			return fmt.Errorf("service %s: authHeader is required for header mode", d.Name)
		}
	case AuthModeURLPath:
		if !strings.Contains(d.AuthPathTemplate, TokenPlaceholder) {
			return fmt.Errorf("service %s: authPathTemplate must contain %s", d.Name, TokenPlaceholder)
		}
	case AuthModeBasic:
		if len(d.AdditionalCredentialKeys) == 0 {
			return fmt.Errorf("service %s: basic mode requires an additional credential key for the password", d.Name)
		}
	case AuthModeOAuth:
		if d.OAuth == nil {
			return fmt.Errorf("service %s: oauthConfig is required for oauth mode", d.Name)
		}
		if d.OAuth.TokenURL == "" {
			return fmt.Errorf("service %s: oauthConfig.tokenUrl is required", d.Name)
		}
		if d.OAuth.ClientIDKey == "" || d.OAuth.ClientSecretKey == "" {
			return fmt.Errorf("service %s: oauthConfig requires clientIdKey and clientSecretKey", d.Name)
		}
		if err := name.ValidateKey(d.OAuth.ClientIDKey); err != nil {
			return fmt.Errorf("service %s: %w", d.Name, err)
		}
		if err := name.ValidateKey(d.OAuth.ClientSecretKey); err != nil {
			return fmt.Errorf("service %s: %w", d.Name, err)
		}
	}

	for _, p := range d.HostPatterns {
		if err := validateHostPattern(p); err != nil {
			return fmt.Errorf("service %s: %w", d.Name, err)
		}
	}

	return nil
}

// validateHostPattern accepts literal hostnames and *.domain wildcards.
func validateHostPattern(p string) error {
	host := strings.TrimPrefix(p, "*.")
	if host == "" || strings.ContainsAny(host, "/ *") {
		return fmt.Errorf("invalid host pattern %q", p)
	}
	return nil
}

// clone returns a deep copy so callers can never mutate registry state.
func (d *Definition) clone() *Definition {
	out := *d
	if d.AdditionalCredentialKeys != nil {
		out.AdditionalCredentialKeys = append([]string(nil), d.AdditionalCredentialKeys...)
	}
	if d.AdditionalHeaders != nil {
		out.AdditionalHeaders = make(map[string]HeaderSpec, len(d.AdditionalHeaders))
		for k, v := range d.AdditionalHeaders {
			out.AdditionalHeaders[k] = v
		}
	}
	if d.OAuth != nil {
		oc := *d.OAuth
		out.OAuth = &oc
	}
	if d.HostPatterns != nil {
		out.HostPatterns = append([]string(nil), d.HostPatterns...)
	}
	return &out
}
