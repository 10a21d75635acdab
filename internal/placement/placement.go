// Package placement resolves an object shard's target placement from a
// built rim map: walk the rim from a hashed (or caller-supplied) starting
// position, stride across redundancy groups and stripes, and substitute
// the next spare in the chain for any position whose target is not UPIN.
package placement

import (
	"fmt"

	"github.com/dreamware/torua-placement/internal/daoshash"
	"github.com/dreamware/torua-placement/internal/poolmap"
	"github.com/dreamware/torua-placement/internal/rim"
)

// parityHashSeed is the murmur64 seed the source uses for dkey-based parity
// rotation (test_ec_get_parity_off).
const parityHashSeed = 5731

// precisionFactor/precision mirror RIM_PRECISION_FACTOR/RIM_PRECISION: a
// shard's stride is carried on the wire as a fixed-point uint64 so object
// metadata doesn't need a float field; this converts it back to the
// float64 unit rim hashing and distance math use.
const (
	precisionFactor = 100000
	precision       = 0.00001
)

// SelectOpcode chooses which shards of a redundancy group Select returns.
type SelectOpcode int

const (
	// SelectAll returns every shard from the starting position through
	// the last stripe, up to outLen.
	SelectAll SelectOpcode = iota
	// SelectCur returns exactly the one shard named by the input Shard's
	// SID.
	SelectCur
	// SelectGrpCur returns every shard of the input shard's own
	// redundancy group.
	SelectGrpCur
	// SelectGrpNext returns every shard of the redundancy group after
	// the input shard's group.
	SelectGrpNext
	// selectGrpPrev and selectGrpSplit are reserved opcodes the original
	// implementation never finished (marked TODO); Select rejects them.
	selectGrpPrev
	selectGrpSplit
)

// ObjectAttr is the class-level layout of an object: redundancy group
// width, spare count, stripe count, and the spare-skip tuning knob that
// feeds rim.SelectSpare. Class registration itself (mapping an object
// class name to these numbers) is out of scope; callers supply them.
type ObjectAttr struct {
	RdGrp     int
	NSpares   int
	NStripes  int
	SpareSkip int
	// Start, when >= 0, pins the rim starting position instead of
	// hashing the object ID (used by tests and by callers that already
	// resolved it once).
	Start int
	// NParity is P for an erasure-coded class (0 for replication), the
	// data-shard count within a group is therefore RdGrp-NParity.
	NParity int
	// Dkey, when non-empty and NParity > 0, rotates which physical
	// position within each redundancy group holds the first parity
	// shard, so repeated writes to the same dkey don't pin parity load
	// onto the same target across every stripe (ParityOffset).
	Dkey []byte
}

// ParityOffset returns the physical position within a redundancy group of
// size grpSize that the first parity shard rotates to for dkey, matching
// test_ec_get_parity_off: hash the dkey with murmur64(seed=5731), reduce
// mod grpSize, and offset by the data-shard count k so the un-rotated
// (hash==0) case still places parity at its canonical tail position.
func ParityOffset(dkey []byte, k, grpSize int) int {
	if grpSize <= 0 {
		return 0
	}
	h := daoshash.Murmur64(dkey, parityHashSeed)
	return int((h%uint64(grpSize))+uint64(k)) % grpSize
}

// Shard identifies one placed (or to-be-placed) object shard.
type Shard struct {
	IDHi, IDLo uint64
	// SID is the shard index within the object; -1 selects "the whole
	// object from stripe 0", matching the source's obs->os_sid == -1.
	SID int
	Rank uint32
	// Stride is the fixed-point-encoded distance between this object's
	// consecutive shards on the rim; 0 means "use the map's own stride"
	// (the common case for a newly placed object).
	Stride uint64
	// IsParity reports whether this shard's logical index falls in an
	// erasure-coded object's parity range (only meaningful when the
	// ObjectAttr that produced it has NParity > 0).
	IsParity bool
}

// Resolver walks one rim.Map to answer Select.
type Resolver struct {
	Map *rim.Map
}

// NewResolver wraps a built rim map for placement queries.
func NewResolver(m *rim.Map) *Resolver {
	return &Resolver{Map: m}
}

func strideToFixed(s float64) uint64 { return uint64(s * precisionFactor) }

// FixedToStride decodes a shard's wire-carried fixed-point stride back to
// the float64 unit rim hashing and distance math use.
func FixedToStride(f uint64) float64 { return float64(f) / precisionFactor }

// Sid2Stripe returns the stripe index owning shard sid in a redundancy
// group of width rdGrp.
func Sid2Stripe(sid, rdGrp int) int { return sid / rdGrp }

// ShardDist converts a shard's stride back into a rim-position distance
// relative to mapStride, the map's own per-target hash spacing.
func ShardDist(strideF, mapStride float64) int {
	return int(strideF/mapStride + precision)
}

// Select computes the target placement for obs under oa, returning up to
// outLen shards depending on opc. It mirrors rim_map_obj_select: resolve a
// starting rim position (hashed, or pinned via oa.Start), stride through
// redundancy groups and stripes, and walk each position's spare chain
// until it lands on a StatusUpIn target.
func (r *Resolver) Select(obs Shard, oa ObjectAttr, opc SelectOpcode, outLen int) ([]Shard, error) {
	if opc == selectGrpPrev || opc == selectGrpSplit {
		return nil, fmt.Errorf("%w: opcode %d is reserved", ErrInvalidArgument, opc)
	}
	if oa.RdGrp <= 0 || oa.NStripes <= 0 {
		return nil, fmt.Errorf("%w: rd_grp and n_stripes must be positive", ErrInvalidArgument)
	}
	if oa.RdGrp > r.Map.NDomains {
		return nil, fmt.Errorf("%w: redundancy group width %d exceeds %d available fault domains", ErrInvalidArgument, oa.RdGrp, r.Map.NDomains)
	}

	rimIdx := r.Map.ResolveRim(obs.IDHi, obs.IDLo)
	targets := r.Map.Rims[rimIdx].Targets
	ntargets := len(targets)

	var strideF float64
	if obs.Stride == 0 {
		strideF = r.Map.Stride
	} else {
		strideF = FixedToStride(obs.Stride)
	}

	index := oa.Start
	if index < 0 {
		index = r.Map.ResolveIndex(obs.IDHi, obs.IDLo)
	}

	var i, j, sid, stripe int
	if obs.SID < 0 {
		i, j, sid, stripe = 0, 0, 0, 0
	} else {
		stripe = Sid2Stripe(obs.SID, oa.RdGrp)
		j = obs.SID % oa.RdGrp
		sid = obs.SID

		switch opc {
		case SelectAll:
		case SelectCur:
			outLen = 1
		case SelectGrpCur:
			if oa.RdGrp < outLen {
				outLen = oa.RdGrp
			}
			sid -= j
			j = 0
		case SelectGrpNext:
			if oa.RdGrp < outLen {
				outLen = oa.RdGrp
			}
			sid += oa.RdGrp - j
			stripe++
			j = 0
		}
	}

	dist := ShardDist(strideF, r.Map.Stride)
	if dist <= 0 {
		dist = 1
	}
	grpDist := (oa.RdGrp + oa.NSpares) * dist
	index += stripe * grpDist

	parityOffset := 0
	if oa.NParity > 0 && len(oa.Dkey) > 0 {
		// Shift logical indices so the first parity shard (logical index
		// k) lands on the physical position ParityOffset names.
		k := oa.RdGrp - oa.NParity
		parityOffset = mod(ParityOffset(oa.Dkey, k, oa.RdGrp)-k, oa.RdGrp)
	}

	out := make([]Shard, 0, outLen)
	for i = stripe; i < oa.NStripes && outLen > 0; i++ {
		spare := rim.SelectSpare(obs.IDHi, obs.IDLo, index, dist, ntargets, oa.RdGrp, oa.NSpares, oa.SpareSkip)

		for ; j < oa.RdGrp && outLen > 0; j, outLen = j+1, outLen-1 {
			physJ := (j + parityOffset) % oa.RdGrp
			pos := mod(index+physJ*dist, ntargets)
			tgt := targets[pos]

			for steps := 0; tgt.Status != poolmap.StatusUpIn; steps++ {
				if steps >= ntargets {
					return nil, ErrNoSpare
				}
				tgt = targets[spare]
				spare = rim.NextSpare(spare, dist, ntargets)
			}

			out = append(out, Shard{
				IDHi:     obs.IDHi,
				IDLo:     obs.IDLo,
				SID:      sid,
				Rank:     tgt.Rank,
				Stride:   strideToFixed(strideF),
				IsParity: oa.NParity > 0 && j >= oa.RdGrp-oa.NParity,
			})
			sid++
		}
		index += grpDist
		j = 0
	}
	return out, nil
}

func mod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}
