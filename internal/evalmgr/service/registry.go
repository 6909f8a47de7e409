package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"ojeval/internal/evalmgr/model"
	appErr "ojeval/pkg/errors"
)

// HandlerFunc is one recipe step. It receives an owned copy of the environ
// and must return the environ the next step should see.
type HandlerFunc func(ctx context.Context, env *model.Environ, kwargs map[string]any) (*model.Environ, error)

// TransferFunc hands a parked job to an external system. env carries the
// saved_environ_id the external system must send back to resume the job.
type TransferFunc func(ctx context.Context, env *model.Environ, kwargs map[string]any) error

// RestoreFunc merges a parked environ with the callback payload.
type RestoreFunc func(ctx context.Context, saved, incoming *model.Environ) (*model.Environ, error)

// Registry resolves the string references stored in environs. It is filled
// during startup and frozen before the first job runs.
type Registry struct {
	mu        sync.RWMutex
	frozen    bool
	handlers  map[string]HandlerFunc
	transfers map[string]TransferFunc
	restores  map[string]RestoreFunc
}

// NewRegistry creates a registry holding the built-in placeholder and
// restore functions.
func NewRegistry() *Registry {
	r := &Registry{
		handlers:  make(map[string]HandlerFunc),
		transfers: make(map[string]TransferFunc),
		restores:  make(map[string]RestoreFunc),
	}
	r.RegisterHandler(model.PlaceholderHandler, placeholder)
	r.RegisterRestore(RestoreSaved, restoreSaved)
	r.RegisterRestore(RestoreIncoming, restoreIncoming)
	return r
}

// RegisterHandler binds name to fn. It panics on duplicates and after Freeze.
func (r *Registry) RegisterHandler(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mustBeOpen(name, fn == nil)
	if _, ok := r.handlers[name]; ok {
		panic(fmt.Sprintf("evalmgr: handler %q registered twice", name))
	}
	r.handlers[name] = fn
}

// RegisterTransfer binds name to fn. It panics on duplicates and after Freeze.
func (r *Registry) RegisterTransfer(name string, fn TransferFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mustBeOpen(name, fn == nil)
	if _, ok := r.transfers[name]; ok {
		panic(fmt.Sprintf("evalmgr: transfer %q registered twice", name))
	}
	r.transfers[name] = fn
}

// RegisterRestore binds name to fn. It panics on duplicates and after Freeze.
func (r *Registry) RegisterRestore(name string, fn RestoreFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mustBeOpen(name, fn == nil)
	if _, ok := r.restores[name]; ok {
		panic(fmt.Sprintf("evalmgr: restore %q registered twice", name))
	}
	r.restores[name] = fn
}

func (r *Registry) mustBeOpen(name string, nilFunc bool) {
	if r.frozen {
		panic(fmt.Sprintf("evalmgr: registering %q on a frozen registry", name))
	}
	if name == "" || nilFunc {
		panic("evalmgr: registering an empty name or a nil function")
	}
}

// ensureHandler registers fn unless name is already bound.
func (r *Registry) ensureHandler(name string, fn HandlerFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return nil
	}
	if r.frozen {
		return appErr.Newf(appErr.HandlerNotRegistered, "handler %s missing from frozen registry", name)
	}
	r.handlers[name] = fn
	return nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

func (r *Registry) Handler(name string) (HandlerFunc, error) {
	r.mu.RLock()
	fn, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, appErr.Newf(appErr.HandlerNotRegistered, "handler %s is not registered", name)
	}
	return fn, nil
}

func (r *Registry) Transfer(name string) (TransferFunc, error) {
	r.mu.RLock()
	fn, ok := r.transfers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, appErr.Newf(appErr.HandlerNotRegistered, "transfer function %s is not registered", name)
	}
	return fn, nil
}

func (r *Registry) Restore(name string) (RestoreFunc, error) {
	r.mu.RLock()
	fn, ok := r.restores[name]
	r.mu.RUnlock()
	if !ok {
		return nil, appErr.Newf(appErr.HandlerNotRegistered, "restore function %s is not registered", name)
	}
	return fn, nil
}

// Names lists every registered reference, for startup logging.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers)+len(r.transfers)+len(r.restores))
	for name := range r.handlers {
		names = append(names, name)
	}
	for name := range r.transfers {
		names = append(names, name)
	}
	for name := range r.restores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
