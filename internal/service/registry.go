package service

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/majorcontext/aquaman/internal/log"
)

// ErrBuiltinProtected is returned when a registration names a built-in.
var ErrBuiltinProtected = errors.New("built-in service definitions cannot be overridden")

// Registry merges compiled-in built-in definitions with user entries
// loaded from a YAML file. Reads are concurrent; Reload swaps the map
// under a write lock, so in-flight requests holding an old definition
// complete against it.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*Definition
	userFile string
}

// userFileSchema is the shape of the user services YAML file.
type userFileSchema struct {
	Services []*Definition `yaml:"services"`
}

// NewRegistry creates a registry populated with the built-ins and, if
// userFile is non-empty, any valid entries from it. A malformed or absent
// user file never fails construction: the registry proceeds with
// built-ins only.
func NewRegistry(userFile string) *Registry {
	r := &Registry{userFile: userFile}
	r.Reload()
	return r
}

// Reload repopulates the registry: built-ins first, then user entries.
// User entries that are invalid, duplicated, or that collide with a
// built-in are skipped with a warning.
func (r *Registry) Reload() {
	entries := make(map[string]*Definition, len(builtins))
	for _, d := range builtins {
		entries[d.Name] = d
	}

	if r.userFile != "" {
		loadUserFile(r.userFile, entries)
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
}

// loadUserFile merges user definitions into entries.
func loadUserFile(path string, entries map[string]*Definition) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("reading user services file", "path", path, "error", err)
		}
		return
	}

	var parsed userFileSchema
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		log.Warn("user services file is malformed; using built-ins only",
			"path", path, "error", err)
		return
	}

	seen := make(map[string]bool)
	for _, def := range parsed.Services {
		if def == nil {
			continue
		}
		if err := def.Validate(); err != nil {
			log.Warn("skipping invalid service entry", "error", err)
			continue
		}
		if IsBuiltin(def.Name) {
			log.Warn("ignoring user entry that overrides a built-in service",
				"service", def.Name)
			continue
		}
		if seen[def.Name] {
			log.Warn("duplicate service entry in user file; keeping the first",
				"service", def.Name)
			continue
		}
		seen[def.Name] = true
		entries[def.Name] = def
	}
}

// Get returns the definition for a service name. The returned definition
// is a copy; callers cannot mutate registry state through it.
func (r *Registry) Get(n string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.entries[n]
	if !ok {
		return nil, false
	}
	return d.clone(), true
}

// Has reports whether the registry knows the service name.
func (r *Registry) Has(n string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[n]
	return ok
}

// List returns all definitions sorted by name.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.entries))
	for _, d := range r.entries {
		out = append(out, d.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns all registered service names sorted.
func (r *Registry) Names() []string {
	defs := r.List()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

// Register adds a definition at runtime. Registrations naming a built-in
// fail with ErrBuiltinProtected; there is no configuration path around
// this.
func (r *Registry) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if IsBuiltin(def.Name) {
		return fmt.Errorf("%w: %s", ErrBuiltinProtected, def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[def.Name] = def.clone()
	return nil
}

// registerOverride installs a definition unconditionally. Test-only; not
// reachable from any config path.
func (r *Registry) registerOverride(def *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[def.Name] = def.clone()
}

// BuildHostMap produces the hostname-pattern → service-name table served
// at /_hostmap for host-process interceptors. Patterns are lowercased;
// wildcard entries keep their "*." prefix.
func (r *Registry) BuildHostMap() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m := make(map[string]string)
	// Iterate in sorted order so collisions resolve deterministically.
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		for _, p := range r.entries[n].HostPatterns {
			pattern := strings.ToLower(p)
			if prev, ok := m[pattern]; ok && prev != n {
				log.Warn("host pattern claimed by multiple services",
					"pattern", pattern, "kept", prev, "ignored", n)
				continue
			}
			m[pattern] = n
		}
	}
	return m
}
