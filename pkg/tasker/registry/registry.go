// Package registry is the thread-safe handler factory lookup keyed by
// (namespace, name, version), adapted from the teacher's PluginRegistry
// (services/orchestrator/plugins.go) which keyed a flatter TaskType space.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/swarmguard/tasker/pkg/tasker/handler"
)

// Key identifies a handler class: its namespace, name, and version, matching
// the (namespace, name, version) tuple a step template declares.
type Key struct {
	Namespace string
	Name      string
	Version   string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s@%s", k.Namespace, k.Name, k.Version)
}

// DefaultNamespace and DefaultVersion are applied by ParseKey when a handler
// class string omits them (§4.8: "defaults namespace=default, version=0.1.0").
const (
	DefaultNamespace = "default"
	DefaultVersion   = "0.1.0"
)

// ParseKey parses a step template's handler_class string in
// "namespace/name@version" form, applying defaults for the parts a caller
// omits (a bare "name" resolves to DefaultNamespace/name@DefaultVersion).
func ParseKey(class string) Key {
	k := Key{Namespace: DefaultNamespace, Version: DefaultVersion}
	rest := class
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		k.Namespace = rest[:i]
		rest = rest[i+1:]
	}
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		k.Name = rest[:i]
		k.Version = rest[i+1:]
	} else {
		k.Name = rest
	}
	return k
}

// Factory builds a fresh Handler instance for each lookup, so handlers with
// internal state (e.g. a *http.Client) are not shared across unrelated
// steps unless the factory chooses to close over a shared instance itself.
type Factory func() handler.Handler

// ErrUnknownHandler is returned by Lookup when no factory is registered
// for a key (§4.5's "404 unknown handler" case, surfaced up through I).
type ErrUnknownHandler struct{ Key Key }

func (e *ErrUnknownHandler) Error() string {
	return fmt.Sprintf("no handler registered for %s", e.Key)
}

// Registry is the (namespace, name, version) -> Factory map.
type Registry struct {
	mu        sync.RWMutex
	factories map[Key]Factory
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{factories: make(map[Key]Factory)}
}

// Register adds or replaces the factory for key.
func (r *Registry) Register(key Key, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = f
}

// Lookup resolves a handler instance for key, or ErrUnknownHandler.
func (r *Registry) Lookup(key Key) (handler.Handler, error) {
	r.mu.RLock()
	f, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, &ErrUnknownHandler{Key: key}
	}
	return f(), nil
}

// Keys returns every registered key, sorted, for introspection (handler
// listing in the CLI / admin surface).
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]Key, 0, len(r.factories))
	for k := range r.factories {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// RegisterBuiltins wires the handler classes that ship with tasker itself:
// the generic echo handler and the HTTP handler, mirroring how the
// teacher's NewPluginRegistry pre-registers its built-in plugin set.
func RegisterBuiltins(r *Registry) {
	r.Register(Key{Namespace: "builtin", Name: "generic", Version: "v1"}, func() handler.Handler {
		return &handler.Generic{}
	})
	r.Register(Key{Namespace: "builtin", Name: "http", Version: "v1"}, func() handler.Handler {
		return handler.NewHTTP()
	})
}
