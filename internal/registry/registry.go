package registry

import (
	"slices"
	"sync"
)

// Registry keeps track of the live connections of every identity.
// An identity may hold several connections at once.
type Registry struct {
	lock       sync.RWMutex
	handles    map[string]map[string]struct{}
	identities map[string]string
}

func New() *Registry {
	return &Registry{
		handles:    make(map[string]map[string]struct{}),
		identities: make(map[string]string),
	}
}

// Bind attaches handle to identity. Rebinding a handle to another identity
// detaches it from the previous one.
func (r *Registry) Bind(identity, handle string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if prev, ok := r.identities[handle]; ok && prev != identity {
		r.remove(prev, handle)
	}

	set, ok := r.handles[identity]
	if !ok {
		set = make(map[string]struct{})
		r.handles[identity] = set
	}
	set[handle] = struct{}{}
	r.identities[handle] = identity
}

// Unbind detaches handle. Unknown handles are ignored.
func (r *Registry) Unbind(handle string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	identity, ok := r.identities[handle]
	if !ok {
		return
	}
	r.remove(identity, handle)
}

func (r *Registry) ActiveHandlesFor(identity string) []string {
	r.lock.RLock()
	defer r.lock.RUnlock()

	handles := make([]string, 0, len(r.handles[identity]))
	for h := range r.handles[identity] {
		handles = append(handles, h)
	}
	slices.Sort(handles)
	return handles
}

func (r *Registry) IdentityOf(handle string) (string, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	identity, ok := r.identities[handle]
	return identity, ok
}

// Len returns the number of bound handles.
func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return len(r.identities)
}

func (r *Registry) remove(identity, handle string) {
	delete(r.identities, handle)
	set := r.handles[identity]
	delete(set, handle)
	if len(set) == 0 {
		delete(r.handles, identity)
	}
}
