// Package shuffle builds the per-build scratch buffer a rim is drawn from:
// every fault domain at or below a pool-map version, each holding its own
// targets at or below that version, both levels pseudo-randomly ordered by
// a version-stable hash of rank and build seed.
//
// The ordering has one property placement depends on: two rims built from
// the same version with different seeds reorder domains and targets
// differently, but a rim built later from a higher version, for the
// subset of domains/targets that existed at the lower version, reproduces
// the same relative order. That stability comes from sorting within each
// co_ver run independently and then interleave-merging the runs, rather
// than sorting the whole buffer at once.
package shuffle

import (
	"sort"

	"github.com/dreamware/torua-placement/internal/daoshash"
	"github.com/dreamware/torua-placement/internal/poolmap"
)

// Domain is one fault domain's filtered, ordered view inside a Buffer.
type Domain struct {
	Dom     *poolmap.Component
	Targets []*poolmap.Component
}

// Buffer is the scratch buffer for one (version, seed) pair: every domain
// at domainType whose component version is <= version, each holding its
// descendant targets whose version is <= version, shuffled.
type Buffer struct {
	Domains  []Domain
	NTargets int
}

// Build collects and shuffles a Buffer from root, mirroring rim_buf_create
// followed by rim_buf_shuffle: filter by version, sort each version run by
// hashed rank, then interleave the runs into one global ordering.
func Build(root *poolmap.Component, domainType poolmap.CompType, version uint32, seed uint64) *Buffer {
	buf := &Buffer{}

	var collect func(c *poolmap.Component)
	collect = func(c *poolmap.Component) {
		if c.Type == domainType {
			if c.Version <= version {
				buf.Domains = append(buf.Domains, Domain{
					Dom:     c,
					Targets: collectTargets(c, version),
				})
			}
			return
		}
		for _, child := range c.Children {
			collect(child)
		}
	}
	collect(root)

	for i := range buf.Domains {
		shuffleTargets(&buf.Domains[i], seed)
		buf.NTargets += len(buf.Domains[i].Targets)
	}
	shuffleDomains(buf.Domains, seed)
	return buf
}

func collectTargets(dom *poolmap.Component, version uint32) []*poolmap.Component {
	var out []*poolmap.Component
	var walk func(c *poolmap.Component)
	walk = func(c *poolmap.Component) {
		if c.Type == poolmap.TypeTarget {
			if c.Version <= version {
				out = append(out, c)
			}
			return
		}
		for _, child := range c.Children {
			walk(child)
		}
	}
	walk(dom)
	return out
}

// targetHash mirrors rim_target_shuffler_cmp's mix: fold rank and seed
// through two bit rotations before the fixed-mix hash.
func targetHash(rank uint32, seed uint64) uint64 {
	a := uint64(rank)
	b := seed
	a ^= a << 22
	b ^= b << 28
	return daoshash.U64Hash(b+a, 37)
}

// domainHash mirrors rim_dom_shuffler_cmp's mix (rotation amount differs
// from targetHash so domain and target orderings within the same rim don't
// correlate).
func domainHash(rank uint32, seed uint64) uint64 {
	a := uint64(rank)
	b := seed
	a ^= a << 26
	b ^= b << 26
	return daoshash.U64Hash(b+a, 37)
}

// shuffleTargets sorts dom.Targets by co_ver ascending, then independently
// sorts each same-version run by hashed rank, rank tiebreak, then target ID
// (rim_dom_shuffle_targets). Targets under one domain share that domain's
// rank, so their hashes and ranks tie and the target ID decides their order;
// only two targets with the same ID (a malformed pool map) hit the assert
// that stands in for the source's D_ASSERT(0).
func shuffleTargets(dom *Domain, seed uint64) {
	targets := dom.Targets
	sort.SliceStable(targets, func(i, j int) bool {
		return targets[i].Version < targets[j].Version
	})

	start := 0
	for start < len(targets) {
		end := start + 1
		for end < len(targets) && targets[end].Version == targets[start].Version {
			end++
		}
		run := targets[start:end]
		sort.Slice(run, func(i, j int) bool {
			hi := targetHash(run[i].Rank, seed)
			hj := targetHash(run[j].Rank, seed)
			if hi != hj {
				return hi < hj
			}
			if run[i].Rank != run[j].Rank {
				return run[i].Rank < run[j].Rank
			}
			if run[i].ID != run[j].ID {
				return run[i].ID < run[j].ID
			}
			panic("shuffle: two targets in the same domain with equal ID")
		})
		start = end
	}
}

// shuffleDomains sorts domains by version ascending, then independently
// sorts each same-version run by hashed rank, then interleave-merges the
// sorted runs 1:1 with whatever has already been merged from lower
// versions, oldest-first (rim_buf_shuffle). The interleave is what lets a
// higher version's rim reuse the lower version's relative placement for
// pre-existing domains instead of fully re-shuffling them.
func shuffleDomains(domains []Domain, seed uint64) {
	sort.SliceStable(domains, func(i, j int) bool {
		return domains[i].Dom.Version < domains[j].Dom.Version
	})

	merged := make([]Domain, 0, len(domains))
	start := 0
	for start < len(domains) {
		end := start + 1
		for end < len(domains) && domains[end].Dom.Version == domains[start].Dom.Version {
			end++
		}
		run := domains[start:end]
		sort.Slice(run, func(i, j int) bool {
			hi := domainHash(run[i].Dom.Rank, seed)
			hj := domainHash(run[j].Dom.Rank, seed)
			if hi != hj {
				return hi < hj
			}
			if run[i].Dom.Rank != run[j].Dom.Rank {
				return run[i].Dom.Rank < run[j].Dom.Rank
			}
			panic("shuffle: two domains with equal rank and equal hash")
		})
		merged = interleave(merged, run)
		start = end
	}
	copy(domains, merged)
}

// interleave alternates one element from old (already-merged, lower
// versions) with one from run (the newly sorted same-version batch),
// starting with old, until one side is exhausted, then appends the rest of
// the other.
func interleave(old, run []Domain) []Domain {
	out := make([]Domain, 0, len(old)+len(run))
	i, j := 0, 0
	takeOld := true
	for i < len(old) || j < len(run) {
		if takeOld && i < len(old) {
			out = append(out, old[i])
			i++
		} else if j < len(run) {
			out = append(out, run[j])
			j++
		} else if i < len(old) {
			out = append(out, old[i])
			i++
		}
		takeOld = !takeOld
	}
	return out
}
