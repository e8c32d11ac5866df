package service

// Built-in service definitions. These are compiled in and protected: user
// configuration can never replace a definition registered here.
var builtins = []*Definition{
	{
		Name:          "anthropic",
		Upstream:      "https://api.anthropic.com",
		AuthMode:      AuthModeHeader,
		AuthHeader:    "x-api-key",
		CredentialKey: "api_key",
		HostPatterns:  []string{"api.anthropic.com", "*.anthropic.com"},
	},
	{
		Name:          "openai",
		Upstream:      "https://api.openai.com",
		AuthMode:      AuthModeHeader,
		AuthHeader:    "Authorization",
		AuthPrefix:    "Bearer ",
		CredentialKey: "api_key",
		HostPatterns:  []string{"api.openai.com", "*.openai.com"},
	},
	{
		Name:          "github",
		Upstream:      "https://api.github.com",
		AuthMode:      AuthModeHeader,
		AuthHeader:    "Authorization",
		AuthPrefix:    "Bearer ",
		CredentialKey: "token",
		AdditionalHeaders: map[string]HeaderSpec{
			"X-GitHub-Api-Version": {CredentialKey: "api_version"},
		},
		HostPatterns: []string{"api.github.com", "*.githubusercontent.com"},
	},
	{
		Name:             "telegram",
		Upstream:         "https://api.telegram.org",
		AuthMode:         AuthModeURLPath,
		AuthPathTemplate: "/bot" + TokenPlaceholder,
		CredentialKey:    "bot_token",
		HostPatterns:     []string{"api.telegram.org"},
	},
	{
		Name:                     "twilio",
		Upstream:                 "https://api.twilio.com",
		AuthMode:                 AuthModeBasic,
		CredentialKey:            "account_sid",
		AdditionalCredentialKeys: []string{"auth_token"},
		HostPatterns:             []string{"api.twilio.com", "*.twilio.com"},
	},
	{
		Name:          "ms-teams",
		Upstream:      "https://graph.microsoft.com",
		AuthMode:      AuthModeOAuth,
		CredentialKey: "client_id",
		OAuth: &OAuthConfig{
			TokenURL:        "https://login.microsoftonline.com/{tenant_id}/oauth2/v2.0/token",
			ClientIDKey:     "client_id",
			ClientSecretKey: "client_secret",
			Scope:           "https://graph.microsoft.com/.default",
		},
		HostPatterns: []string{"graph.microsoft.com"},
	},
	{
		Name:          "slack",
		Upstream:      "https://slack.com",
		AuthMode:      AuthModeHeader,
		AuthHeader:    "Authorization",
		AuthPrefix:    "Bearer ",
		CredentialKey: "bot_token",
		HostPatterns:  []string{"slack.com", "*.slack.com"},
	},
}

// BuiltinNames returns the names of all built-in services.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for _, d := range builtins {
		names = append(names, d.Name)
	}
	return names
}

// IsBuiltin reports whether n is a built-in service name.
func IsBuiltin(n string) bool {
	for _, d := range builtins {
		if d.Name == n {
			return true
		}
	}
	return false
}
