package placement

import (
	"testing"

	"github.com/dreamware/torua-placement/internal/poolmap"
	"github.com/dreamware/torua-placement/internal/rim"
)

func buildTree(nranks, targetsPerRank int, allUp bool) *poolmap.Component {
	root := &poolmap.Component{Type: poolmap.TypeRoot, Version: 1}
	id := uint32(1)
	for r := 0; r < nranks; r++ {
		dom := &poolmap.Component{Type: poolmap.TypeRank, Rank: uint32(r), Version: 1, Parent: root}
		for i := 0; i < targetsPerRank; i++ {
			st := poolmap.StatusUpIn
			if !allUp && r == 0 {
				st = poolmap.StatusDown
			}
			tgt := &poolmap.Component{Type: poolmap.TypeTarget, ID: id, Rank: uint32(r), Version: 1, Status: st, Parent: dom}
			dom.Children = append(dom.Children, tgt)
			id++
		}
		root.Children = append(root.Children, dom)
	}
	return root
}

func TestSelectAllReturnsRequestedCount(t *testing.T) {
	root := buildTree(8, 2, true)
	m, err := rim.Build(root, poolmap.TypeRank, 1, 4)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	r := NewResolver(m)

	oa := ObjectAttr{RdGrp: 3, NSpares: 1, NStripes: 2, SpareSkip: 1, Start: -1}
	out, err := r.Select(Shard{IDHi: 10, IDLo: 20, SID: -1}, oa, SelectAll, 6)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(out) != 6 {
		t.Fatalf("expected 6 shards, got %d", len(out))
	}
	for i, s := range out {
		if s.SID != i {
			t.Fatalf("expected sequential sids, got %d at position %d", s.SID, i)
		}
	}
}

func TestSelectRejectsReservedOpcodes(t *testing.T) {
	root := buildTree(8, 2, true)
	m, err := rim.Build(root, poolmap.TypeRank, 1, 2)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	r := NewResolver(m)

	_, err = r.Select(Shard{IDHi: 1, IDLo: 2, SID: -1}, ObjectAttr{RdGrp: 2, NSpares: 1, NStripes: 1, Start: -1}, selectGrpPrev, 1)
	if err == nil {
		t.Fatalf("expected an error for the reserved GRP_PREV opcode")
	}
}

func TestSelectSkipsDownTargetsForSpares(t *testing.T) {
	root := buildTree(8, 2, false) // rank 0's targets are all DOWN
	m, err := rim.Build(root, poolmap.TypeRank, 1, 4)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	r := NewResolver(m)

	oa := ObjectAttr{RdGrp: 3, NSpares: 2, NStripes: 3, SpareSkip: 1, Start: -1}
	for i := 0; i < 50; i++ {
		out, err := r.Select(Shard{IDHi: uint64(i)*7 + 1, IDLo: uint64(i)*11 + 3, SID: -1}, oa, SelectAll, 9)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		for _, s := range out {
			if s.Rank == 0 {
				t.Fatalf("a down rank's target must never be selected, got rank 0 in shard %+v", s)
			}
		}
	}
}

func TestSelectCurReturnsOneShard(t *testing.T) {
	root := buildTree(8, 2, true)
	m, err := rim.Build(root, poolmap.TypeRank, 1, 2)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	r := NewResolver(m)

	oa := ObjectAttr{RdGrp: 3, NSpares: 1, NStripes: 4, SpareSkip: 1, Start: -1}
	out, err := r.Select(Shard{IDHi: 5, IDLo: 9, SID: 4}, oa, SelectCur, 1)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected exactly 1 shard, got %d", len(out))
	}
}

func TestSelectRejectsGroupWiderThanDomains(t *testing.T) {
	root := buildTree(4, 2, true)
	m, err := rim.Build(root, poolmap.TypeRank, 1, 2)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	r := NewResolver(m)

	oa := ObjectAttr{RdGrp: 5, NSpares: 1, NStripes: 1, SpareSkip: 1, Start: -1}
	_, err = r.Select(Shard{IDHi: 1, IDLo: 2, SID: -1}, oa, SelectAll, 5)
	if err == nil {
		t.Fatal("expected an error when the redundancy group is wider than the available fault domains")
	}
}

func TestSelectGroupHasNoDuplicateTargets(t *testing.T) {
	root := buildTree(8, 2, true)
	m, err := rim.Build(root, poolmap.TypeRank, 1, 4)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	r := NewResolver(m)

	oa := ObjectAttr{RdGrp: 4, NSpares: 1, NStripes: 3, SpareSkip: 1, Start: -1}
	for i := 0; i < 50; i++ {
		out, err := r.Select(Shard{IDHi: uint64(i)*13 + 1, IDLo: uint64(i)*17 + 3, SID: -1}, oa, SelectAll, 12)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		for stripe := 0; stripe < oa.NStripes; stripe++ {
			seen := make(map[uint32]bool, oa.RdGrp)
			for j := 0; j < oa.RdGrp; j++ {
				s := out[stripe*oa.RdGrp+j]
				if seen[s.Rank] {
					t.Fatalf("duplicate rank %d within redundancy group at stripe %d, object %d", s.Rank, stripe, i)
				}
				seen[s.Rank] = true
			}
		}
	}
}

func TestParityOffsetRotatesWithDkey(t *testing.T) {
	off1 := ParityOffset([]byte("dkey-one"), 4, 6)
	off2 := ParityOffset([]byte("dkey-two"), 4, 6)
	if off1 == off2 {
		t.Skip("hash collision between the two dkeys picked for this test, not a failure")
	}
	if off1 < 0 || off1 >= 6 || off2 < 0 || off2 >= 6 {
		t.Fatalf("ParityOffset out of [0, grpSize) range: %d, %d", off1, off2)
	}
}

func TestSelectRotatesParityShardTargetWithDkey(t *testing.T) {
	root := buildTree(8, 2, true)
	m, err := rim.Build(root, poolmap.TypeRank, 1, 4)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	r := NewResolver(m)

	base := ObjectAttr{RdGrp: 6, NSpares: 1, NStripes: 1, SpareSkip: 1, Start: -1, NParity: 2}
	obs := Shard{IDHi: 42, IDLo: 99, SID: -1}

	withoutDkey, err := r.Select(obs, base, SelectAll, 6)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}

	withDkey := base
	withDkey.Dkey = []byte("some-dkey")
	out, err := r.Select(obs, withDkey, SelectAll, 6)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}

	nParity := 0
	for i, s := range out {
		if s.IsParity != (i >= base.RdGrp-base.NParity) {
			t.Fatalf("IsParity flag mismatch at shard %d: %+v", i, s)
		}
		if s.IsParity {
			nParity++
		}
	}
	if nParity != base.NParity {
		t.Fatalf("expected %d parity shards, got %d", base.NParity, nParity)
	}

	same := true
	for i := range out {
		if out[i].Rank != withoutDkey[i].Rank {
			same = false
			break
		}
	}
	if same {
		t.Skip("parity offset happened to be 0 for this dkey, not a failure")
	}
}

func TestSelectIsDeterministic(t *testing.T) {
	root := buildTree(8, 2, true)
	m, err := rim.Build(root, poolmap.TypeRank, 1, 2)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	r := NewResolver(m)
	oa := ObjectAttr{RdGrp: 3, NSpares: 1, NStripes: 2, SpareSkip: 1, Start: -1}

	a, err := r.Select(Shard{IDHi: 77, IDLo: 88, SID: -1}, oa, SelectAll, 6)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	b, err := r.Select(Shard{IDHi: 77, IDLo: 88, SID: -1}, oa, SelectAll, 6)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	for i := range a {
		if a[i].Rank != b[i].Rank {
			t.Fatalf("Select must be deterministic for the same id and attrs")
		}
	}
}
