package credential

// Error types for credential backends. Each carries enough context for
// an operator to fix the problem without reading backend source.

import (
	"errors"
	"fmt"
)

// ErrWrongPassword is returned when a password-protected backend fails
// authenticated decryption. Distinct from "not found" so the daemon can
// refuse to start instead of serving an empty store.
var ErrWrongPassword = errors.New("wrong password for credential store")

// BackendError wraps failures from out-of-process backends with
// actionable context.
type BackendError struct {
	Backend string
	Reason  string
	Fix     string
}

func (e *BackendError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Backend, e.Reason)
	if e.Fix != "" {
		msg += "\n\n  " + e.Fix
	}
	return msg
}
