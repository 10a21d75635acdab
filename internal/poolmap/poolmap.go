package poolmap

import (
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// Map is an in-memory pool-map snapshot: a component tree plus the indexes
// placement and the state machine need. Readers take the read lock; the
// only writers are TargetStateUpdate and Extend, which take the write lock
// for the duration of the whole batch so partial updates are never visible
// (§5 ordering guarantees).
type Map struct {
	mu sync.RWMutex

	root    *Component
	version uint32

	targetsByID  map[uint32]*Component
	domainByRank map[uint32]*Component      // TypeRank components, keyed by rank
	downInDomain map[uint32]*roaring.Bitmap // domain ID -> bitmap of child target IDs currently DOWN|DOWNOUT
}

// Create parses a serialized pool buffer into an in-memory tree.
func Create(buf []byte) (*Map, error) {
	h, err := readHeader(buf, nativeOrder)
	if err != nil {
		return nil, err
	}

	root, domainNr, targetNr, err := decodeTree(buf, nativeOrder, h.Nr)
	if err != nil {
		return nil, err
	}
	if uint32(domainNr) != h.DomainNr || uint32(targetNr) != h.TargetNr {
		return nil, fmt.Errorf("%w: header counts (domains=%d targets=%d) do not match body (domains=%d targets=%d)",
			ErrInvalidFormat, h.DomainNr, h.TargetNr, domainNr, targetNr)
	}

	m := &Map{
		root:         root,
		targetsByID:  make(map[uint32]*Component),
		domainByRank: make(map[uint32]*Component),
		downInDomain: make(map[uint32]*roaring.Bitmap),
	}
	m.reindex()
	return m, nil
}

// reindex rebuilds every derived index from the current tree. Called after
// Create and after any structural mutation (Extend).
func (m *Map) reindex() {
	maxVer := m.root.Version
	var walk func(c *Component)
	walk = func(c *Component) {
		if c.Version > maxVer {
			maxVer = c.Version
		}
		switch c.Type {
		case TypeTarget:
			m.targetsByID[c.ID] = c
		case TypeRank:
			m.domainByRank[c.Rank] = c
			bm := roaring.New()
			for _, child := range c.Children {
				if child.Status == StatusDown || child.Status == StatusDownOut {
					bm.Add(child.ID)
				}
			}
			m.downInDomain[c.ID] = bm
		}
		for _, child := range c.Children {
			walk(child)
		}
	}
	walk(m.root)
	if maxVer > m.version {
		m.version = maxVer
	}
}

// Version returns the current pool-map version.
func (m *Map) Version() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Root returns the tree root. Callers must treat the returned tree as
// read-only; it is shared with other readers.
func (m *Map) Root() *Component {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.root
}

// FindTarget performs an O(1) id lookup (backed by an index built at
// Create/Extend time; "O(log n)" in spec prose refers to the reference
// implementation's sorted-array search, an index is a strict improvement).
func (m *Map) FindTarget(id uint32) (*Component, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.targetsByID[id]
	if !ok {
		return nil, fmt.Errorf("%w: target id %d", ErrNotFound, id)
	}
	return t, nil
}

// FindDomainByRank looks up the rank-level domain that owns targets
// directly (TypeRank).
func (m *Map) FindDomainByRank(rank uint32) (*Component, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.domainByRank[rank]
	if !ok {
		return nil, fmt.Errorf("%w: rank %d", ErrNotFound, rank)
	}
	return d, nil
}

// Targets returns every TypeTarget component in the tree, order unspecified.
func (m *Map) Targets() []*Component {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Component, 0, len(m.targetsByID))
	for _, t := range m.targetsByID {
		out = append(out, t)
	}
	return out
}

// Domains returns every component at the given fault-isolation level
// (ROOT's direct descendants down through TypeRank), order unspecified.
func (m *Map) Domains(domainType CompType) []*Component {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Component
	var walk func(c *Component)
	walk = func(c *Component) {
		if c.Type == domainType {
			out = append(out, c)
			return
		}
		for _, child := range c.Children {
			walk(child)
		}
	}
	walk(m.root)
	return out
}

// QueryResult is the external query(map) contract of §6. The resolver and
// remap engine never call this; it exists for the enclosing service.
type QueryResult struct {
	UID           uint32
	GID           uint32
	Mode          uint32
	MapVersion    uint32
	NDisabled     int
	RebuildStatus string
}

// Query returns a point-in-time summary of the pool map.
func (m *Map) Query(uid, gid, mode uint32) QueryResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	disabled := 0
	for _, t := range m.targetsByID {
		if !t.Status.Usable() {
			disabled++
		}
	}
	status := "idle"
	if disabled > 0 {
		status = "pending"
	}
	return QueryResult{
		UID:           uid,
		GID:           gid,
		Mode:          mode,
		MapVersion:    m.version,
		NDisabled:     disabled,
		RebuildStatus: status,
	}
}

// Extend splices a new subtree (new domains/nodes/targets, parsed from buf,
// all starting life as NEW components) into map, advancing its version.
// Existing ids are preserved untouched. parentID selects the existing
// domain under which the new subtree's top-level components are attached.
func (m *Map) Extend(version uint32, parentID uint32, buf []byte) error {
	if !m.mu.TryLock() {
		return ErrBusy
	}
	defer m.mu.Unlock()

	if version <= m.version {
		return fmt.Errorf("%w: extend version %d <= current %d", ErrInvalidVersion, version, m.version)
	}

	h, err := readHeader(buf, nativeOrder)
	if err != nil {
		return err
	}
	newRoot, domainNr, targetNr, err := decodeTree(buf, nativeOrder, h.Nr)
	if err != nil {
		return err
	}
	if uint32(domainNr) != h.DomainNr || uint32(targetNr) != h.TargetNr {
		return fmt.Errorf("%w: header/body count mismatch in extend buffer", ErrInvalidFormat)
	}

	parent := m.findByID(m.root, parentID)
	if parent == nil {
		return fmt.Errorf("%w: extend parent id %d", ErrNotFound, parentID)
	}

	newRoot.Parent = parent
	parent.Children = append(parent.Children, newRoot)
	m.version = version

	m.reindex()
	return nil
}

func (m *Map) findByID(c *Component, id uint32) *Component {
	if c.ID == id {
		return c
	}
	for _, child := range c.Children {
		if found := m.findByID(child, id); found != nil {
			return found
		}
	}
	return nil
}
