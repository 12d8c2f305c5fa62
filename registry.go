package keybridge

import (
	"sort"
	"sync"
)

// Registry maps command names to handlers. It is safe for concurrent use.
//
// Handlers run while the registry lock is held. A handler must therefore
// not call Register or Invoke on the registry it is running in; doing so
// deadlocks.
type Registry struct {
	mu       sync.Mutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds name to h, replacing any previous handler for name.
func (r *Registry) Register(name string, h Handler) {
	if name == "" {
		panic("keybridge: Register: empty command name")
	}
	if h == nil {
		panic("keybridge: Register: nil handler for " + name)
	}
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
}

// RegisterFunc is Register for a plain function.
func (r *Registry) RegisterFunc(name string, fn func(payload []byte) (Status, bool)) {
	if fn == nil {
		panic("keybridge: RegisterFunc: nil func for " + name)
	}
	r.Register(name, HandlerFunc(fn))
}

// Invoke runs the handler registered for name and reports whether one was
// found. A missing handler yields StatusUnhandled; a handler without an
// explicit status yields StatusSuccess.
func (r *Registry) Invoke(name string, payload []byte) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handlers[name]
	if !ok {
		return StatusUnhandled, false
	}
	status, explicit := h.Handle(payload)
	if !explicit {
		return StatusSuccess, true
	}
	return status, true
}

// Has reports whether a handler is registered for name.
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	_, ok := r.handlers[name]
	r.mu.Unlock()
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	n := len(r.handlers)
	r.mu.Unlock()
	return n
}

// Names returns the registered command names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}
