package service

import (
	"strings"
	"testing"
)

func validDef() *Definition {
	return &Definition{
		Name:          "example",
		Upstream:      "https://api.example.com",
		AuthMode:      AuthModeHeader,
		AuthHeader:    "Authorization",
		AuthPrefix:    "Bearer ",
		CredentialKey: "api_key",
	}
}

func TestDefinition_Validate(t *testing.T) {
	if err := validDef().Validate(); err != nil {
		t.Fatalf("valid definition rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Definition)
		want   string
	}{
		{"bad name", func(d *Definition) { d.Name = "../etc" }, "service name"},
		{"relative upstream", func(d *Definition) { d.Upstream = "/v1" }, "http(s)"},
		{"bad scheme", func(d *Definition) { d.Upstream = "ftp://x.example.com" }, "http(s)"},
		{"unknown mode", func(d *Definition) { d.AuthMode = "bearer" }, "unknown authMode"},
		{"missing credential key", func(d *Definition) { d.CredentialKey = "" }, "credentialKey"},
		{"bad credential key", func(d *Definition) { d.CredentialKey = "A;B" }, "credential key"},
		{"header mode without header", func(d *Definition) { d.AuthHeader = "" }, "authHeader"},
		{"bad host pattern", func(d *Definition) { d.HostPatterns = []string{"a b.com"} }, "host pattern"},
		{
			"url-path without placeholder",
			func(d *Definition) {
				d.AuthMode = AuthModeURLPath
				d.AuthPathTemplate = "/bot"
			},
			"{token}",
		},
		{
			"basic without password key",
			func(d *Definition) { d.AuthMode = AuthModeBasic },
			"additional credential key",
		},
		{
			"oauth without config",
			func(d *Definition) { d.AuthMode = AuthModeOAuth },
			"oauthConfig",
		},
		{
			"oauth without token url",
			func(d *Definition) {
				d.AuthMode = AuthModeOAuth
				d.OAuth = &OAuthConfig{ClientIDKey: "id", ClientSecretKey: "secret"}
			},
			"tokenUrl",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDef()
			tt.mutate(d)
			err := d.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestDefinition_ValidateNoneMode(t *testing.T) {
	d := &Definition{
		Name:     "vault-only",
		Upstream: "https://unused.example.com",
		AuthMode: AuthModeNone,
	}
	if err := d.Validate(); err != nil {
		t.Errorf("none mode should not require a credential key: %v", err)
	}
}

func TestDefinition_EffectiveAuthHeader(t *testing.T) {
	d := &Definition{AuthMode: AuthModeOAuth}
	if got := d.EffectiveAuthHeader(); got != "Authorization" {
		t.Errorf("EffectiveAuthHeader() = %q, want Authorization", got)
	}
	d.AuthHeader = "X-Token"
	if got := d.EffectiveAuthHeader(); got != "X-Token" {
		t.Errorf("EffectiveAuthHeader() = %q, want X-Token", got)
	}
}

func TestBuiltins_AllValid(t *testing.T) {
	for _, d := range builtins {
		if err := d.Validate(); err != nil {
			t.Errorf("builtin %s invalid: %v", d.Name, err)
		}
	}
}

func TestBuiltins_CoverAllInjectingModes(t *testing.T) {
	modes := make(map[AuthMode]bool)
	for _, d := range builtins {
		modes[d.AuthMode] = true
	}
	for _, m := range []AuthMode{AuthModeHeader, AuthModeURLPath, AuthModeBasic, AuthModeOAuth} {
		if !modes[m] {
			t.Errorf("no builtin exercises %s mode", m)
		}
	}
}
