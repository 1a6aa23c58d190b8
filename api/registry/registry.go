package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"bifrost/api/model"
)

var ErrNotFound = errors.New("function not registered")

// Registry maps function ids to their current definitions. It is populated
// from the manifest before the bridge starts and may be updated during a
// session; registering never triggers a build.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]model.FunctionDefinition
	hooks []func(model.FunctionDefinition)
}

func New() *Registry {
	return &Registry{defs: make(map[string]model.FunctionDefinition)}
}

// OnRegister adds a hook called after each successful registration.
func (r *Registry) OnRegister(fn func(model.FunctionDefinition)) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

// Register validates def and inserts it, replacing any existing entry with
// the same id.
func (r *Registry) Register(def model.FunctionDefinition) error {
	def = def.Clone()
	model.ApplyDefaults(&def)
	if err := model.ValidateDefinition(&def).Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.defs[def.ID] = def
	hooks := append([]func(model.FunctionDefinition){}, r.hooks...)
	r.mu.Unlock()

	for _, h := range hooks {
		h(def.Clone())
	}
	return nil
}

func (r *Registry) Lookup(id string) (model.FunctionDefinition, error) {
	r.mu.RLock()
	def, ok := r.defs[id]
	r.mu.RUnlock()
	if !ok {
		return model.FunctionDefinition{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return def.Clone(), nil
}

// List returns all definitions sorted by id.
func (r *Registry) List() []model.FunctionDefinition {
	r.mu.RLock()
	out := make([]model.FunctionDefinition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// LoadManifest registers every function in the manifest file. It stops at the
// first invalid definition.
func (r *Registry) LoadManifest(path string) (*model.Manifest, error) {
	m, err := model.LoadManifest(path)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	for _, def := range m.Functions {
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	return m, nil
}
