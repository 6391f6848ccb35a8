package core

import (
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// Factory builds a fresh task body for one execution.
type Factory func() Task

// Registry maps stable task type keys to body factories and holds parameters
// registered against task aliases at runtime.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	params    map[string]map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		params:    make(map[string]map[string]string),
	}
}

// Register associates key with factory. Keys are registered once at startup.
func (r *Registry) Register(key string, factory Factory) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("task type key is required")
	}
	if factory == nil {
		return errors.Newf("task type %q has a nil factory", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[key]; exists {
		return errors.Newf("task type %q is already registered", key)
	}
	r.factories[key] = factory
	return nil
}

// MustRegister is Register for startup wiring; it panics on error.
func (r *Registry) MustRegister(key string, factory Factory) {
	if err := r.Register(key, factory); err != nil {
		panic(err)
	}
}

// Resolve returns a new body for key or a *TaskNotFoundError.
func (r *Registry) Resolve(key string) (Task, error) {
	r.mu.RLock()
	factory, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, &TaskNotFoundError{Key: key}
	}
	return factory(), nil
}

// Has reports whether key is registered.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[key]
	return ok
}

// Keys lists the registered task types in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.factories))
	for k := range r.factories {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// SetParameters registers runtime parameters for the task with the given alias.
// They overlay the persisted parameters on every subsequent run.
func (r *Registry) SetParameters(alias string, params map[string]string) {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return
	}
	cp := make(map[string]string, len(params))
	for k, v := range params {
		cp[k] = v
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(cp) == 0 {
		delete(r.params, alias)
		return
	}
	r.params[alias] = cp
}

// Parameters returns a copy of the parameters registered for alias.
func (r *Registry) Parameters(alias string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src := r.params[alias]
	if src == nil {
		return nil
	}
	cp := make(map[string]string, len(src))
	for k, v := range src {
		cp[k] = v
	}
	return cp
}
