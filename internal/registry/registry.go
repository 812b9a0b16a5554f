package registry

import "sync"

// Conn is a live client connection that can receive events. Emit must not
// block on the network; a failed emit is reported but never retried.
type Conn interface {
	ID() string
	Emit(event string, payload any) error
}

// Observer is told when an identity becomes reachable or unreachable.
// Callbacks run after the registry lock is released.
type Observer interface {
	Online(identity string)
	Offline(identity string)
}

// Registry maps a user identity to the connection it registered last.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]Conn
	observers []Observer
}

func New(observers ...Observer) *Registry {
	return &Registry{conns: make(map[string]Conn), observers: observers}
}

// Register binds identity to c, replacing any previous connection.
// The replaced connection is left open.
func (r *Registry) Register(identity string, c Conn) {
	if identity == "" || c == nil {
		return
	}
	r.mu.Lock()
	r.conns[identity] = c
	r.mu.Unlock()

	for _, o := range r.observers {
		o.Online(identity)
	}
}

func (r *Registry) Lookup(identity string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[identity]
	return c, ok
}

// Deregister removes the binding for identity. Missing bindings are ignored.
func (r *Registry) Deregister(identity string) {
	r.mu.Lock()
	_, ok := r.conns[identity]
	delete(r.conns, identity)
	r.mu.Unlock()

	if ok {
		r.notifyOffline(identity)
	}
}

// Release removes the binding only while identity still points at c.
func (r *Registry) Release(identity string, c Conn) bool {
	r.mu.Lock()
	current, ok := r.conns[identity]
	if !ok || current != c {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, identity)
	r.mu.Unlock()

	r.notifyOffline(identity)
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Identities returns a snapshot of the currently bound identities.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	return out
}

func (r *Registry) notifyOffline(identity string) {
	for _, o := range r.observers {
		o.Offline(identity)
	}
}
