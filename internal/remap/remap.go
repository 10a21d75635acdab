// Package remap answers the three questions the rest of the system asks of
// a pool map transition: which shard must be rebuilt onto a spare because a
// target went down (FindRebuild), which shard must be recovered back onto a
// target that just rejoined (FindReint), and which shard should move onto a
// newly extended target (FindAddition). All three are pure diffs of the
// resolver's output against the rim it already built; none of them mutate
// the pool map.
package remap

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/dreamware/torua-placement/internal/placement"
	"github.com/dreamware/torua-placement/internal/poolmap"
	"github.com/dreamware/torua-placement/internal/rim"
)

// RebuildTarget names the (rank, shard) destination a group coordinator
// must rebuild data into.
type RebuildTarget struct {
	Rank uint32
	SID  int
}

func resolveGroup(m *rim.Map, obs placement.Shard, oa placement.ObjectAttr) (targets []*poolmap.Component, ntargets, index, dist int) {
	rimIdx := m.ResolveRim(obs.IDHi, obs.IDLo)
	targets = m.Rims[rimIdx].Targets
	ntargets = len(targets)

	index = m.ResolveIndex(obs.IDHi, obs.IDLo)

	strideF := m.Stride
	if obs.Stride != 0 {
		strideF = placement.FixedToStride(obs.Stride)
	}
	dist = placement.ShardDist(strideF, m.Stride)
	if dist <= 0 {
		dist = 1
	}

	sid := obs.SID
	if sid < 0 {
		sid = 0
	}
	stripe := placement.Sid2Stripe(sid, oa.RdGrp)
	index += stripe * dist * (oa.RdGrp + oa.NSpares)
	return targets, ntargets, index, dist
}

// FindRebuild mirrors rim_map_obj_rebuild: scan the shard's redundancy
// group; the group coordinator is whichever member shard is currently
// placed on the first target the walk finds UPIN. Only the coordinator
// (callerRank must equal that target's rank) gets a result — every other
// member's caller is told false so exactly one rebuild is ever scheduled
// per failure. If a member's spare chain runs through failedRank, the
// shard just past it in that chain is the rebuild destination.
func FindRebuild(m *rim.Map, obs placement.Shard, oa placement.ObjectAttr, failedRank, callerRank uint32) (RebuildTarget, bool, error) {
	if oa.RdGrp <= 0 {
		return RebuildTarget{}, false, fmt.Errorf("%w: rd_grp must be positive", placement.ErrInvalidArgument)
	}

	targets, ntargets, index, dist := resolveGroup(m, obs, oa)
	spare := rim.SelectSpare(obs.IDHi, obs.IDLo, index, dist, ntargets, oa.RdGrp, oa.NSpares, oa.SpareSkip)

	sid := obs.SID
	if sid < 0 {
		sid = 0
	}
	sid -= sid % oa.RdGrp

	coordinator := false
	found := 0
	var rebuildRank uint32
	rebuildSID := sid

	for i := 0; i < oa.RdGrp; i++ {
		pos := mod(index+i*dist, ntargets)
		tgt := targets[pos]

		if tgt.Status == poolmap.StatusUpIn {
			if !coordinator {
				if callerRank != tgt.Rank {
					return RebuildTarget{}, false, nil
				}
				coordinator = true
			}
		} else {
			walked := tgt
			for walked.Status != poolmap.StatusUpIn {
				if walked.Rank == failedRank {
					if found != 0 {
						return RebuildTarget{}, false, fmt.Errorf("%w: failed rank %d appears twice in one spare chain", placement.ErrInvalidArgument, failedRank)
					}
					found++
				}
				walked = targets[spare]
				spare = rim.NextSpare(spare, dist, ntargets)
			}
			if found == 1 {
				rebuildRank = walked.Rank
				rebuildSID = sid + i
				found++
			}
		}

		if found == 0 {
			continue
		}
		if !coordinator {
			continue
		}
		return RebuildTarget{Rank: rebuildRank, SID: rebuildSID}, true, nil
	}
	return RebuildTarget{}, false, nil
}

// FindReint mirrors rim_map_obj_recover: reports whether the shard that
// would land on the given rim position is the one that should move back
// onto recoveredRank now that it has rejoined.
func FindReint(m *rim.Map, obs placement.Shard, oa placement.ObjectAttr, recoveredRank uint32) (bool, error) {
	if oa.RdGrp <= 0 {
		return false, fmt.Errorf("%w: rd_grp must be positive", placement.ErrInvalidArgument)
	}

	targets, ntargets, groupIndex, dist := resolveGroup(m, obs, oa)
	sid := obs.SID
	if sid < 0 {
		sid = 0
	}
	index := groupIndex + (sid%oa.RdGrp)*dist

	pos := mod(index, ntargets)
	return targets[pos].Rank == recoveredRank, nil
}

// Addition is a shard that should move onto a newly added target because
// the redundancy group it belongs to now has room for it on the extended
// rim, rather than a spare.
type Addition struct {
	Rank uint32
	SID  int
}

// FindAddition reports whether extending the pool map placed obs's shard
// directly onto addedRank; this is the EXTEND-time counterpart of
// FindReint, using the same rim-position lookup. It checks the target at
// the shard's own rim position whatever that target's status is and does
// not walk a spare chain (Select, by contrast, substitutes a spare for any
// target that is not UPIN, including a newly extended UP one).
func FindAddition(m *rim.Map, obs placement.Shard, oa placement.ObjectAttr, addedRank uint32) (Addition, bool, error) {
	if oa.RdGrp <= 0 {
		return Addition{}, false, fmt.Errorf("%w: rd_grp must be positive", placement.ErrInvalidArgument)
	}

	targets, ntargets, groupIndex, dist := resolveGroup(m, obs, oa)
	sid := obs.SID
	if sid < 0 {
		sid = 0
	}
	index := groupIndex + (sid%oa.RdGrp)*dist

	pos := mod(index, ntargets)
	tgt := targets[pos]
	if tgt.Rank != addedRank {
		return Addition{}, false, nil
	}
	return Addition{Rank: tgt.Rank, SID: sid}, true, nil
}

func mod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}

// FindRebuildBatch runs FindRebuild for every shard in obsList concurrently,
// bounded by maxWorkers, and returns one result per input shard in the same
// order. Each shard is an independent rim lookup, so there is no
// coordination needed beyond a worker cap; this exists for multi-stripe
// objects where scanning every stripe sequentially would dominate rebuild
// latency.
func FindRebuildBatch(ctx context.Context, m *rim.Map, obsList []placement.Shard, oa placement.ObjectAttr, failedRank, callerRank uint32, maxWorkers int) ([]RebuildResult, error) {
	results := make([]RebuildResult, len(obsList))

	g, ctx := errgroup.WithContext(ctx)
	if maxWorkers > 0 {
		g.SetLimit(maxWorkers)
	}

	for i, obs := range obsList {
		i, obs := i, obs
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			target, ok, err := FindRebuild(m, obs, oa, failedRank, callerRank)
			if err != nil {
				return err
			}
			results[i] = RebuildResult{Shard: obs, Target: target, Needed: ok}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// RebuildResult pairs a shard with FindRebuild's verdict for it.
type RebuildResult struct {
	Shard  placement.Shard
	Target RebuildTarget
	Needed bool
}
