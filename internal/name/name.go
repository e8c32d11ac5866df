// Package name validates service names and credential keys before they
// are used in URL paths, filesystem paths, shell arguments, or database
// identifiers.
//
// The safe pattern is ^[a-z0-9][a-z0-9._-]*$. The leading character class
// excludes "_", which guarantees that service names can never collide
// with the proxy's reserved /_health and /_hostmap endpoints. The pattern
// also excludes "/" and "..", so a validated name cannot traverse outside
// a storage root.
package name

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxLen caps service names and credential keys. Long enough for any
// real service, short enough to embed in keyring accounts and item names.
const MaxLen = 128

var (
	safePattern    = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	metaKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ValidateService checks a service name against the safe pattern.
func ValidateService(s string) error {
	return validate("service name", s)
}

// ValidateKey checks a credential key against the safe pattern.
func ValidateKey(s string) error {
	return validate("credential key", s)
}

func validate(what, s string) error {
	if s == "" {
		return fmt.Errorf("%s cannot be empty", what)
	}
	if len(s) > MaxLen {
		return fmt.Errorf("%s exceeds %d characters", what, MaxLen)
	}
	if !safePattern.MatchString(s) {
		return fmt.Errorf("invalid %s %q: must match [a-z0-9][a-z0-9._-]*", what, s)
	}
	// The character class already excludes "/", but ".." alone would pass
	// it ("." is allowed after the first character is a-z0-9... it is not:
	// the first char of ".." fails the leading class). Reject explicitly
	// anyway so the guarantee doesn't hinge on regexp subtleties.
	if strings.Contains(s, "..") {
		return fmt.Errorf("invalid %s %q: must not contain %q", what, s, "..")
	}
	return nil
}

// ValidateMetaKey checks a metadata key name before it is embedded in
// content handed to an external CLI. Stricter than the service pattern:
// identifiers only.
func ValidateMetaKey(s string) error {
	if s == "" {
		return fmt.Errorf("metadata key cannot be empty")
	}
	if !metaKeyPattern.MatchString(s) {
		return fmt.Errorf("invalid metadata key %q: must match [A-Za-z_][A-Za-z0-9_]*", s)
	}
	return nil
}

// IsSafe reports whether s matches the safe pattern. Convenience for
// callers that don't need the error detail.
func IsSafe(s string) bool {
	return validate("name", s) == nil
}
