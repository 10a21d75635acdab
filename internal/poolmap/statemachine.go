package poolmap

import "fmt"

// TargetError pairs a target id with the state-machine error raised while
// trying to transition it. State-machine errors (Busy, NotSupported) are
// per-target: the rest of the batch still proceeds (§4.2). A missing id is a
// map-level error and aborts the whole call instead (see TargetStateUpdate).
type TargetError struct {
	ID  uint32
	Err error
}

// transitionPlan is the outcome of evaluating the §3 DAG for one target
// against one op, before any mutation happens.
type transitionPlan struct {
	target *Component
	dom    *Component

	noop bool

	newStatus    Status
	setFSeq      bool
	setInVer     bool
	setOutVer    bool
	clearFSeq    bool
	clearInVer   bool
	clearAllFlag bool
	setFlag      uint32
}

// computeTransition evaluates the §3 DAG / original_source update_one_tgt
// for a single target and op, without mutating anything.
func computeTransition(t *Component, op Op) (transitionPlan, error) {
	switch op {
	case OpExclude:
		switch t.Status {
		case StatusDown, StatusDownOut:
			return transitionPlan{noop: true}, nil
		case StatusUp, StatusUpIn, StatusDrain:
			return transitionPlan{newStatus: StatusDown, setFSeq: true}, nil
		case StatusNew:
			return transitionPlan{}, ErrNotSupported
		}

	case OpDrain:
		switch t.Status {
		case StatusDown, StatusDrain, StatusDownOut:
			return transitionPlan{noop: true}, nil
		case StatusNew, StatusUp:
			return transitionPlan{}, ErrBusy
		case StatusUpIn:
			return transitionPlan{newStatus: StatusDrain, setFSeq: true}, nil
		}

	case OpReint:
		switch t.Status {
		case StatusNew:
			return transitionPlan{}, ErrBusy
		case StatusUp, StatusUpIn:
			return transitionPlan{noop: true}, nil
		case StatusDrain:
			return transitionPlan{}, ErrBusy
		case StatusDown:
			return transitionPlan{newStatus: StatusUp, setInVer: true, setFlag: FlagDown2Up}, nil
		case StatusDownOut:
			return transitionPlan{newStatus: StatusUp, setInVer: true}, nil
		}

	case OpExtend:
		switch t.Status {
		case StatusNew:
			return transitionPlan{newStatus: StatusUp, setInVer: true}, nil
		case StatusUp, StatusUpIn:
			return transitionPlan{noop: true}, nil
		case StatusDown, StatusDrain, StatusDownOut:
			return transitionPlan{}, ErrBusy
		}

	case OpAddIn:
		switch t.Status {
		case StatusUpIn, StatusDownOut, StatusDown, StatusDrain, StatusNew:
			return transitionPlan{noop: true}, nil
		case StatusUp:
			return transitionPlan{newStatus: StatusUpIn, clearAllFlag: true, setInVer: true}, nil
		}

	case OpExcludeOut:
		switch t.Status {
		case StatusUpIn, StatusDownOut, StatusNew, StatusUp:
			return transitionPlan{noop: true}, nil
		case StatusDown, StatusDrain:
			return transitionPlan{newStatus: StatusDownOut, setOutVer: true}, nil
		}

	case OpFinishRebuild:
		switch t.Status {
		case StatusUpIn, StatusDownOut, StatusNew:
			return transitionPlan{noop: true}, nil
		case StatusDown, StatusDrain:
			return transitionPlan{newStatus: StatusDownOut, setOutVer: true}, nil
		case StatusUp:
			return transitionPlan{newStatus: StatusUpIn, clearAllFlag: true, setInVer: true}, nil
		}

	case OpRevertRebuild:
		switch t.Status {
		case StatusUpIn, StatusDownOut, StatusDown, StatusNew:
			return transitionPlan{noop: true}, nil
		case StatusDrain:
			return transitionPlan{newStatus: StatusUpIn, clearFSeq: true}, nil
		case StatusUp:
			if t.FSeq == 1 {
				return transitionPlan{newStatus: StatusNew, clearInVer: true}, nil
			}
			if t.hasFlag(FlagDown2Up) {
				return transitionPlan{newStatus: StatusDown, setOutVer: true}, nil
			}
			return transitionPlan{newStatus: StatusDownOut, setOutVer: true}, nil
		}
	}
	return transitionPlan{}, ErrNotSupported
}

// applyTransition mutates t per p, stamping version into whichever sequence
// field the transition calls for, and keeps the owning domain's
// down-target bitmap in sync for the rank-level aggregation check.
func (m *Map) applyTransition(p *transitionPlan, version uint32) {
	t := p.target
	wasDown := t.Status == StatusDown || t.Status == StatusDownOut

	t.Status = p.newStatus
	t.Version = version
	if p.setFSeq {
		t.FSeq = version
	}
	if p.clearFSeq {
		t.FSeq = 0
	}
	if p.setInVer {
		t.InVer = version
	}
	if p.clearInVer {
		t.InVer = 0
	}
	if p.setOutVer {
		t.OutVer = version
	}
	if p.clearAllFlag {
		t.Flags = 0
	}
	if p.setFlag != 0 {
		t.setFlag(p.setFlag)
	}

	nowDown := t.Status == StatusDown || t.Status == StatusDownOut
	if p.dom == nil {
		return
	}
	bm := m.downInDomain[p.dom.ID]
	if bm == nil {
		return
	}
	if nowDown && !wasDown {
		bm.Add(t.ID)
	} else if !nowDown && wasDown {
		bm.Remove(t.ID)
	}
}

// allChildrenDown reports whether every target under dom is DOWN or
// DOWNOUT, the condition that lets a rank-level exclude cascade to the
// owning domain (§3: "a domain inherits DOWN only when all its targets are
// DOWN or DOWNOUT").
func (m *Map) allChildrenDown(dom *Component) bool {
	if len(dom.Children) == 0 {
		return false
	}
	bm := m.downInDomain[dom.ID]
	if bm == nil {
		return false
	}
	return int(bm.GetCardinality()) == len(dom.Children)
}

// propagateDomain applies original_source's update_one_dom: rank-level
// status aggregation, opt-in per call via evictRankIfLast (the source's
// exclude_rank). Returns true if the domain's status changed.
func (m *Map) propagateDomain(dom *Component, op Op, evictRankIfLast bool, version *uint32) bool {
	var target Status
	var do bool

	switch op {
	case OpReint:
		if dom.Status == StatusDownOut || dom.Status == StatusDown {
			target, do = StatusUp, true
		}
	case OpExtend:
		if dom.Status == StatusNew {
			target, do = StatusUp, true
		}
	case OpExclude:
		if evictRankIfLast && dom.Status != StatusDown && dom.Status != StatusDownOut && m.allChildrenDown(dom) {
			target, do = StatusDown, true
		}
	case OpFinishRebuild:
		if dom.Status == StatusUp {
			target, do = StatusUpIn, true
		} else if dom.Status == StatusDown && evictRankIfLast {
			target, do = StatusDownOut, true
		}
	case OpRevertRebuild:
		if dom.Status == StatusUp {
			switch {
			case dom.FSeq == 1:
				target, do = StatusNew, true
			case dom.hasFlag(FlagDown2Up):
				target, do = StatusDown, true
			default:
				target, do = StatusDownOut, true
			}
		}
	}

	if !do || dom.Status == target {
		return false
	}

	*version++
	dom.Status = target
	dom.Version = *version
	switch target {
	case StatusDown:
		dom.FSeq = *version
		for _, child := range dom.Children {
			child.FSeq = dom.FSeq
		}
	case StatusUp, StatusUpIn:
		dom.InVer = *version
	case StatusDownOut:
		dom.OutVer = *version
	case StatusNew:
		dom.InVer = 0
	}
	return true
}

// TargetStateUpdate is the atomic state-machine step of §4.2: for every id
// in ids, evaluate op against the §3 DAG and, if legal, apply it. Map-level
// errors (an id that does not resolve to a target) abort the whole call
// with no mutation. State-machine errors (Busy, NotSupported) are reported
// per target in the returned slice; the rest of the batch still applies.
//
// The pool-map version advances by exactly the number of real changes made
// in this call, or not at all if nothing changed; newVersion is 0 in the
// latter case, signalling upper layers that no rebuild/drain/reint work was
// triggered.
func (m *Map) TargetStateUpdate(ids []uint32, op Op, evictRankIfLast bool) (newVersion uint32, targetErrs []TargetError, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	plans := make([]transitionPlan, 0, len(ids))
	for _, id := range ids {
		t, ok := m.targetsByID[id]
		if !ok {
			return 0, nil, fmt.Errorf("%w: target id %d", ErrNotFound, id)
		}

		p, terr := computeTransition(t, op)
		if terr != nil {
			targetErrs = append(targetErrs, TargetError{ID: id, Err: terr})
			continue
		}
		p.target = t
		p.dom = t.Parent
		plans = append(plans, p)
	}

	version := m.version
	domsTouched := make(map[uint32]*Component)
	for i := range plans {
		p := &plans[i]
		if p.noop {
			if p.dom != nil {
				domsTouched[p.dom.ID] = p.dom
			}
			continue
		}
		version++
		m.applyTransition(p, version)
		if p.dom != nil {
			domsTouched[p.dom.ID] = p.dom
		}
	}

	if evictRankIfLast || len(domsTouched) > 0 {
		for _, dom := range domsTouched {
			m.propagateDomain(dom, op, evictRankIfLast, &version)
		}
	}

	if version > m.version {
		m.version = version
		return version, targetErrs, nil
	}
	return 0, targetErrs, nil
}

// ExcludeRank applies EXCLUDE to every target currently owned by rank,
// implementing the external exclude(ranks[], targets[]|-1) contract (§6)
// for the targets==-1 ("whole rank") case.
func (m *Map) ExcludeRank(rank uint32) (uint32, error) {
	return m.applyToWholeRank(rank, OpExclude)
}

// DrainRank is the targets==-1 form of drain(ranks[], targets[]|-1).
func (m *Map) DrainRank(rank uint32) (uint32, error) {
	return m.applyToWholeRank(rank, OpDrain)
}

// ReintegrateRank is the targets==-1 form of reintegrate(ranks[], targets[]|-1).
func (m *Map) ReintegrateRank(rank uint32) (uint32, error) {
	return m.applyToWholeRank(rank, OpReint)
}

func (m *Map) applyToWholeRank(rank uint32, op Op) (uint32, error) {
	dom, err := m.FindDomainByRank(rank)
	if err != nil {
		return 0, err
	}

	m.mu.RLock()
	ids := make([]uint32, 0, len(dom.Children))
	for _, c := range dom.Children {
		ids = append(ids, c.ID)
	}
	m.mu.RUnlock()

	v, targetErrs, err := m.TargetStateUpdate(ids, op, true)
	if err != nil {
		return 0, err
	}
	for _, te := range targetErrs {
		if te.Err != nil {
			return v, te.Err
		}
	}
	return v, nil
}
