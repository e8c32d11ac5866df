package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/majorcontext/aquaman/internal/name"
)

const (
	// opTag marks every item aquaman owns so List can filter the vault.
	opTag = "aquaman"
	// opItemPrefix starts every item title. The colon-separated triple
	// "aquaman:<service>:<key>" is unambiguous because the safe name
	// pattern excludes ":".
	opItemPrefix = "aquaman:"
)

// OnePasswordStore shells out to the 1Password CLI. Each (service, key)
// is one item whose password field holds the credential value and whose
// notes field carries the metadata.
type OnePasswordStore struct {
	vault string
}

// NewOnePasswordStore verifies the op CLI is installed and authenticated
// before returning. Either failure is fatal: the daemon must not start
// against a backend it cannot read.
func NewOnePasswordStore(ctx context.Context, vault string) (*OnePasswordStore, error) {
	if _, err := exec.LookPath("op"); err != nil {
		return nil, &BackendError{
			Backend: "1Password",
			Reason:  "op CLI not found in PATH",
			Fix:     "Install from https://1password.com/downloads/command-line/\nThen run: op signin",
		}
	}

	s := &OnePasswordStore{vault: vault}
	if _, err := s.run(ctx, "whoami"); err != nil {
		return nil, err
	}
	return s, nil
}

func opItemTitle(service, key string) string {
	return opItemPrefix + service + ":" + key
}

// parseItemTitle inverts opItemTitle, reporting ok=false for foreign items.
func parseItemTitle(title string) (service, key string, ok bool) {
	rest, found := strings.CutPrefix(title, opItemPrefix)
	if !found {
		return "", "", false
	}
	service, key, ok = strings.Cut(rest, ":")
	if !ok || service == "" || key == "" {
		return "", "", false
	}
	return service, key, true
}

// Get returns the item's password field, or ("", nil) when absent.
func (s *OnePasswordStore) Get(ctx context.Context, service, key string) (string, error) {
	if err := checkNames(service, key); err != nil {
		return "", err
	}
	out, err := s.run(ctx, "item", "get", opItemTitle(service, key),
		"--fields", "label=password", "--reveal")
	if err != nil {
		if isOpNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Set creates or edits the item for (service, key). Metadata keys are
// validated against the identifier pattern before the notes content is
// composed, so no caller-controlled key name ever reaches the CLI
// unchecked.
func (s *OnePasswordStore) Set(ctx context.Context, service, key, value string, meta *Metadata) error {
	if err := checkNames(service, key); err != nil {
		return err
	}
	notes, err := formatNotes(meta)
	if err != nil {
		return err
	}

	title := opItemTitle(service, key)
	exists, err := s.Exists(ctx, service, key)
	if err != nil {
		return err
	}

	if exists {
		args := []string{"item", "edit", title, "password=" + value}
		if notes != "" {
			args = append(args, "notesPlain="+notes)
		}
		_, err = s.run(ctx, args...)
		return err
	}

	args := []string{"item", "create",
		"--category", "password",
		"--title", title,
		"--tags", opTag,
		"password=" + value,
	}
	if notes != "" {
		args = append(args, "notesPlain="+notes)
	}
	_, err = s.run(ctx, args...)
	return err
}

// Delete removes the item, reporting whether one existed.
func (s *OnePasswordStore) Delete(ctx context.Context, service, key string) (bool, error) {
	if err := checkNames(service, key); err != nil {
		return false, err
	}
	_, err := s.run(ctx, "item", "delete", opItemTitle(service, key))
	if err != nil {
		if isOpNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List enumerates aquaman-tagged items, optionally filtered by service.
func (s *OnePasswordStore) List(ctx context.Context, service string) ([]Ref, error) {
	if service != "" {
		if err := name.ValidateService(service); err != nil {
			return nil, err
		}
	}
	out, err := s.run(ctx, "item", "list", "--tags", opTag, "--format", "json")
	if err != nil {
		return nil, err
	}

	var items []struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal([]byte(out), &items); err != nil {
		return nil, fmt.Errorf("parsing op item list output: %w", err)
	}

	var refs []Ref
	for _, item := range items {
		svc, key, ok := parseItemTitle(item.Title)
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

// Exists reports whether the item exists.
func (s *OnePasswordStore) Exists(ctx context.Context, service, key string) (bool, error) {
	if err := checkNames(service, key); err != nil {
		return false, err
	}
	_, err := s.run(ctx, "item", "get", opItemTitle(service, key), "--format", "json")
	if err != nil {
		if isOpNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Close is a no-op.
func (s *OnePasswordStore) Close() error { return nil }

// run executes op with the given arguments, appending the configured
// vault where one is set. Arguments are passed as an argv, never through
// a shell.
func (s *OnePasswordStore) run(ctx context.Context, args ...string) (string, error) {
	if s.vault != "" && args[0] == "item" {
		args = append(args, "--vault", s.vault)
	}

	cmd := exec.CommandContext(ctx, "op", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", parseOpError(stderr.Bytes())
	}
	return stdout.String(), nil
}

// opNotFoundError marks "item does not exist" so callers can translate
// it to a miss instead of a failure.
type opNotFoundError struct{ msg string }

func (e *opNotFoundError) Error() string { return e.msg }

func isOpNotFound(err error) bool {
	_, ok := err.(*opNotFoundError)
	return ok
}

// parseOpError converts op CLI stderr to actionable error types.
func parseOpError(stderr []byte) error {
	msg := string(stderr)

	if strings.Contains(msg, "not currently signed in") || strings.Contains(msg, "not signed in") {
		return &BackendError{
			Backend: "1Password",
			Reason:  "not signed in",
			Fix:     "Run: eval $(op signin)\n\nOr for CI/automation, set OP_SERVICE_ACCOUNT_TOKEN.",
		}
	}

	if strings.Contains(msg, "isn't an item") || strings.Contains(msg, "could not be found") {
		return &opNotFoundError{msg: strings.TrimSpace(msg)}
	}

	if strings.Contains(msg, "isn't a vault") || (strings.Contains(msg, "vault") && strings.Contains(msg, "not found")) {
		return &BackendError{
			Backend: "1Password",
			Reason:  "vault not found or not accessible",
			Fix:     "List available vaults with: op vault list",
		}
	}

	return &BackendError{
		Backend: "1Password",
		Reason:  strings.TrimSpace(msg),
	}
}

// formatNotes renders metadata as key=value lines for the notes field.
// Every key name is validated first; an invalid key blocks the write.
func formatNotes(meta *Metadata) (string, error) {
	if meta == nil {
		return "", nil
	}
	var lines []string
	if meta.Source != "" {
		lines = append(lines, "source="+meta.Source)
	}
	if !meta.CreatedAt.IsZero() {
		lines = append(lines, "created_at="+meta.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"))
	}
	keys := make([]string, 0, len(meta.Extra))
	for k := range meta.Extra {
		if err := name.ValidateMetaKey(k); err != nil {
			return "", err
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+"="+meta.Extra[k])
	}
	return strings.Join(lines, "\n"), nil
}
