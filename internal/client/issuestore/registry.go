package issuestore

import (
	"sort"
	"sync"
)

type registryListener struct {
	fn func(id string)
}

type entry struct {
	store *Store
	unsub func()
}

// Registry maps client subscription ids to their stores. One Registry is
// created per client session.
type Registry struct {
	mu        sync.Mutex
	entries   map[string]*entry
	listeners []*registryListener
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register returns the store for id, creating it if needed.
func (r *Registry) Register(id string) *Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e.store
	}
	store := New()
	e := &entry{store: store}
	e.unsub = store.Subscribe(func() { r.notify(id) })
	r.entries[id] = e
	return store
}

// Unregister forgets the store for id. Listeners are notified so derived
// views drop it.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	e.unsub()
	r.notify(id)
}

// Get returns the store for id, or nil.
func (r *Registry) Get(id string) *Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e.store
	}
	return nil
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Subscribe calls fn with the id of every store that changes or is
// unregistered.
func (r *Registry) Subscribe(fn func(id string)) func() {
	l := &registryListener{fn: fn}
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, existing := range r.listeners {
			if existing == l {
				r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
				return
			}
		}
	}
}

func (r *Registry) notify(id string) {
	r.mu.Lock()
	list := append([]*registryListener(nil), r.listeners...)
	r.mu.Unlock()
	for _, l := range list {
		l.fn(id)
	}
}
