// Package registry is the process-wide table of open pool handles. Each
// handle owns a pointer-swapped, reference-counted pool-map snapshot:
// readers (placement, remap) grab the current snapshot once and keep using
// it even while a writer installs a newer one, so a rebuild scan never
// observes a half-updated map without needing to hold poolmap's own lock
// for the whole scan.
//
// The table itself is sharded by a non-durable hash of the pool UUID purely
// to cut lock contention across unrelated pools; it carries no on-disk
// format and has no need for the DAOS fixed-mix hash contract, so it keeps
// using hash/fnv the way the teacher's own registry code does.
package registry

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dreamware/torua-placement/internal/poolmap"
)

// Handle is one open pool's current snapshot plus its reference count.
// Get/Put track live borrowers; a writer may only discard a Handle's last
// snapshot once the count has dropped to zero.
type Handle struct {
	UUID uuid.UUID

	refs    int64
	current atomic.Pointer[poolmap.Map]
}

// Map returns the handle's current snapshot.
func (h *Handle) Map() *poolmap.Map {
	return h.current.Load()
}

// Swap installs a new snapshot, atomically, for every future caller of Map.
// Callers already holding the previous snapshot keep it until they call Put.
func (h *Handle) Swap(m *poolmap.Map) {
	h.current.Store(m)
}

// Get increments the reference count and returns the current snapshot.
func (h *Handle) Get() *poolmap.Map {
	atomic.AddInt64(&h.refs, 1)
	return h.Map()
}

// Put decrements the reference count, returning what remains.
func (h *Handle) Put() int64 {
	return atomic.AddInt64(&h.refs, -1)
}

// Refs reports the current reference count.
func (h *Handle) Refs() int64 {
	return atomic.LoadInt64(&h.refs)
}

type shard struct {
	mu      sync.RWMutex
	handles map[uuid.UUID]*Handle
}

// Registry is the process-wide handle table.
type Registry struct {
	shards []shard
}

// New builds a registry sharded across nshards buckets. A handful of
// shards is enough to remove lock contention between pools without the
// bookkeeping overhead of one lock per pool.
func New(nshards int) *Registry {
	if nshards <= 0 {
		nshards = 1
	}
	r := &Registry{shards: make([]shard, nshards)}
	for i := range r.shards {
		r.shards[i].handles = make(map[uuid.UUID]*Handle)
	}
	return r
}

func (r *Registry) shardFor(id uuid.UUID) *shard {
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	return &r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Open registers a new handle for id with m as its initial snapshot. It
// fails if id is already open.
func (r *Registry) Open(id uuid.UUID, m *poolmap.Map) (*Handle, error) {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.handles[id]; ok {
		return nil, fmt.Errorf("%w: pool %s is already open", poolmap.ErrInvalidArgument, id)
	}
	h := &Handle{UUID: id}
	h.current.Store(m)
	s.handles[id] = h
	return h, nil
}

// Lookup returns the open handle for id, if any.
func (r *Registry) Lookup(id uuid.UUID) (*Handle, bool) {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[id]
	return h, ok
}

// Close removes id's handle, refusing while any caller still holds a
// reference.
func (r *Registry) Close(id uuid.UUID) error {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[id]
	if !ok {
		return fmt.Errorf("%w: pool %s is not open", poolmap.ErrNotFound, id)
	}
	if h.Refs() != 0 {
		return fmt.Errorf("%w: pool %s has %d outstanding references", poolmap.ErrBusy, id, h.Refs())
	}
	delete(s.handles, id)
	return nil
}

// Len returns the number of currently open handles, for metrics/tests.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		r.shards[i].mu.RLock()
		n += len(r.shards[i].handles)
		r.shards[i].mu.RUnlock()
	}
	return n
}
