// Package rim builds the jump-map placement structure: a fixed number of
// rim permutations over a pool map's targets, plus the two consistent-hash
// rings ("rim hash" and "target hash") an object ID walks to land on a rim
// and a starting position within it.
package rim

import (
	"fmt"
	"math/bits"

	"github.com/dreamware/torua-placement/internal/daoshash"
	"github.com/dreamware/torua-placement/internal/poolmap"
	"github.com/dreamware/torua-placement/internal/shuffle"
)

// Bit widths from the original consistent-hash sizing: targets get at
// least 10 bits of key range each, domains get up to a million slots, and
// neither ring may exceed its hash-bit ceiling regardless of cluster size.
const (
	targetBits     = 10
	domainBits     = 20
	targetHashBits = 45
	rimHashBits    = 23
)

// goldenPrime is PL_GOLDEN_PRIME, used to scatter the spare-skip distance.
const goldenPrime = 0x9e37fffffffc0001

// Rim is one pseudo-random permutation of every target in the pool map.
type Rim struct {
	// Targets is indexed by rim position; length is always Map.NTargets.
	Targets []*poolmap.Component
}

// Map is the full jump-map structure built for one pool-map version.
type Map struct {
	Version  uint32
	Rims     []Rim
	NDomains int
	NTargets int

	// Stride is the target consistent-hash ring's spacing, also used to
	// convert a redundancy group's "distance" between shards back and
	// forth between hash units and rim-position units.
	Stride float64

	targetHBits  uint
	targetHashes []uint64 // ring over rim positions [0, NTargets)
	rimHashes    []uint64 // ring over rim indices [0, len(Rims))
}

// Build constructs nrims independent permutations of every component of
// domainType (and its descendant targets) visible at version, then the two
// consistent-hash rings used to resolve an object ID to a rim and a
// starting position.
func Build(root *poolmap.Component, domainType poolmap.CompType, version uint32, nrims int) (*Map, error) {
	if nrims <= 0 {
		return nil, fmt.Errorf("%w: nrims must be positive, got %d", poolmap.ErrInvalidArgument, nrims)
	}

	m := &Map{Version: version, Rims: make([]Rim, nrims)}
	for i := 0; i < nrims; i++ {
		buf := shuffle.Build(root, domainType, version, uint64(i))
		if len(buf.Domains) == 0 {
			return nil, fmt.Errorf("%w: no domains of type %s at version %d", poolmap.ErrInvalidArgument, domainType, version)
		}
		m.Rims[i] = generate(buf)
		if i == 0 {
			m.NDomains = len(buf.Domains)
			m.NTargets = buf.NTargets
		}
	}

	m.buildHashes()
	return m, nil
}

// generate draws targets round-robin across shuffled domains: position 0
// of every domain, then position 1, and so on, skipping domains that have
// run out. This is what spreads a redundancy group's shards across
// distinct domains as long as the group is no wider than the domain count.
func generate(buf *shuffle.Buffer) Rim {
	targets := make([]*poolmap.Component, 0, buf.NTargets)
	for i := 0; len(targets) < buf.NTargets; i++ {
		for _, dom := range buf.Domains {
			if i >= len(dom.Targets) {
				continue
			}
			targets = append(targets, dom.Targets[i])
		}
	}
	return Rim{Targets: targets}
}

func power2Bits(n int) uint {
	if n <= 1 {
		return 0
	}
	return uint(bits.Len(uint(n - 1)))
}

// buildHashes mirrors rim_map_hash_build: size the target ring from domain
// count and per-domain target count (capped at targetHashBits), then lay
// both rings out as evenly spaced points via float64 accumulation so
// truncation error does not compound across entries.
func (m *Map) buildHashes() {
	domNtgs := m.NTargets / m.NDomains
	if domNtgs == 0 {
		domNtgs = 1
	}
	hbits := domainBits + targetBits + power2Bits(domNtgs)
	if hbits > targetHashBits {
		hbits = targetHashBits
	}
	m.targetHBits = hbits

	targetRange := float64(uint64(1) << hbits)
	m.Stride = targetRange / float64(m.NTargets)
	m.targetHashes = make([]uint64, m.NTargets)
	hash := 0.0
	for i := range m.targetHashes {
		m.targetHashes[i] = uint64(hash)
		hash += m.Stride
	}

	rimRange := float64(uint64(1) << rimHashBits)
	rimStride := rimRange / float64(len(m.Rims))
	m.rimHashes = make([]uint64, len(m.Rims))
	hash = 0.0
	for i := range m.rimHashes {
		m.rimHashes[i] = uint64(hash)
		hash += rimStride
	}
}

// ResolveRim hashes an object ID's two 64-bit words down to a rim index.
func (m *Map) ResolveRim(idHi, idLo uint64) int {
	key := idHi + idLo
	h := (key >> 32) << 32
	h |= (key >> 8) & 0xff
	h |= (key & 0xff) << 8
	h |= ((key >> 16) & 0xff) << 24
	h |= ((key >> 24) & 0xff) << 16

	h = uint64(daoshash.U32Hash(uint32(h), rimHashBits))
	return daoshash.ChashSearchU64(m.rimHashes, h)
}

// ResolveIndex hashes an object ID to a starting rim position in
// [0, NTargets).
func (m *Map) ResolveIndex(idHi, idLo uint64) int {
	h := idHi
	h ^= h << 29
	h += h << 11
	h -= idLo
	h = daoshash.U64Hash(h, targetHashBits)
	h &= (uint64(1) << m.targetHBits) - 1
	return daoshash.ChashSearchU64(m.targetHashes, h)
}

// SelectSpare picks the next redundancy-group-sized block to draw a spare
// from, golden-ratio-hashing the object ID to decide how many group-sized
// strides to skip and in which direction (rim_select_spare).
func SelectSpare(idHi, idLo uint64, first, dist, ntargets, rdGrp, nspares, spareSkip int) int {
	hash := idHi ^ idLo
	hash *= goldenPrime
	skip := int(hash % uint64(spareSkip+1))

	sign := 1
	if hash&1 == 0 {
		sign = -1
	}
	for i := 0; i < skip; i++ {
		first += sign * dist * (rdGrp + nspares)
	}

	if sign > 0 {
		first += rdGrp * dist
	} else {
		first -= nspares * dist
	}

	first %= ntargets
	if first < 0 {
		first += ntargets
	}
	return first
}

// NextSpare advances a spare walk by dist rim positions, wrapping around
// the rim.
func NextSpare(spare, dist, ntargets int) int {
	spare += dist
	if spare >= ntargets {
		return spare - ntargets
	}
	return spare
}
