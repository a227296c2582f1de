package mbox

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Repository resolves named mailboxes within an optional namespace (spec
// §3: "a named mailbox is uniquely resolvable within an optional
// namespace"). It is the Resolver redirect/transform destinations are
// looked up through.
//
// Names are bounded in an LRU so a long-lived environment that churns
// through many transient named mailboxes (per-request reply mailboxes,
// ad-hoc timer destinations) does not grow this map without bound; the
// eviction-resistant "pinned" set holds long-lived infrastructure
// mailboxes (timer service, stats fan-out) that must never be evicted
// while referenced elsewhere.
type Repository struct {
	mu        sync.RWMutex
	cache     *lru.Cache[string, Mailbox]
	pinned    map[string]Mailbox
	namespace string
}

func NewRepository(namespace string, capacity int) *Repository {
	if capacity <= 0 {
		capacity = 4096
	}
	c, err := lru.New[string, Mailbox](capacity)
	if err != nil {
		panic(fmt.Sprintf("mbox: repository cache: %v", err))
	}
	return &Repository{cache: c, pinned: make(map[string]Mailbox), namespace: namespace}
}

func (r *Repository) qualify(name string) string {
	if r.namespace == "" {
		return name
	}
	return r.namespace + "::" + name
}

// Register makes mb resolvable by its name. pin keeps it out of the LRU
// eviction path (use for infrastructure mailboxes created by the
// environment itself).
func (r *Repository) Register(name string, mb Mailbox, pin bool) {
	key := r.qualify(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if pin {
		r.pinned[key] = mb
		return
	}
	r.cache.Add(key, mb)
}

func (r *Repository) Unregister(name string) {
	key := r.qualify(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pinned, key)
	r.cache.Remove(key)
}

// Resolve implements Resolver.
func (r *Repository) Resolve(name string) (Mailbox, bool) {
	key := r.qualify(name)
	r.mu.RLock()
	if mb, ok := r.pinned[key]; ok {
		r.mu.RUnlock()
		return mb, true
	}
	r.mu.RUnlock()
	return r.cache.Get(key)
}
