package vsa

import (
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/decomp-tools/rangeprop/pcode"
)

// sortValueSets orders value sets by varnode name so evaluation order does
// not depend on map iteration.
func sortValueSets(vss []*ValueSet) {
	slices.SortFunc(vss, func(a, b *ValueSet) int {
		return strings.Compare(a.vn.Name(), b.vn.Name())
	})
}

// Result reports how a solve run ended.
type Result int

const (
	// Solved means every value set reached a fixed point.
	Solved Result = iota
	// Capped means the iteration budget ran out; the ranges computed so
	// far are kept but may not all be stable.
	Capped
)

func (r Result) String() string {
	if r == Capped {
		return "capped"
	}
	return "solved"
}

// ValueSetSolver computes value sets for a subgraph of a function's data
// flow. Build the system with EstablishValueSets, then run Solve.
type ValueSetSolver struct {
	// MaxIterations bounds the total number of value set recomputations;
	// hitting it yields a Capped result. Zero selects a default.
	MaxIterations int
	// MaxStep caps stride growth during propagation.
	MaxStep uint64
	// Logger, when set, receives a trace of the iteration.
	Logger logrus.FieldLogger

	fn        *pcode.Function
	valueSets map[*pcode.Varnode]*ValueSet
	order     []*ValueSet
	parts     []*Partition
	numIter   int
}

const (
	defaultMaxIterations = 10000
	defaultMaxStep       = 32
)

// NumIterations returns the number of value set recomputations performed by
// the last Solve.
func (s *ValueSetSolver) NumIterations() int { return s.numIter }

// ValueSetOf returns the value set tracked for a varnode, or nil when the
// varnode is not part of the system.
func (s *ValueSetSolver) ValueSetOf(vn *pcode.Varnode) *ValueSet {
	return s.valueSets[vn]
}

// ValueSets returns every tracked value set in evaluation order.
func (s *ValueSetSolver) ValueSets() []*ValueSet { return s.order }

// EstablishValueSets builds the system of value sets reaching the given sink
// varnodes, walking the data flow backward. frameReg, when non-nil, is
// seeded as the frame-relative origin. Branch conditions dominating uses of
// system varnodes are harvested as constraints, and the evaluation order is
// fixed.
func (s *ValueSetSolver) EstablishValueSets(fn *pcode.Function, sinks []*pcode.Varnode, frameReg *pcode.Varnode) {
	if s.MaxIterations == 0 {
		s.MaxIterations = defaultMaxIterations
	}
	if s.MaxStep == 0 {
		s.MaxStep = defaultMaxStep
	}
	s.fn = fn
	s.valueSets = make(map[*pcode.Varnode]*ValueSet)
	s.order = nil
	s.parts = nil
	s.numIter = 0

	worklist := make([]*pcode.Varnode, 0, len(sinks))
	for _, vn := range sinks {
		if !vn.IsConstant() {
			worklist = append(worklist, vn)
		}
	}
	for len(worklist) > 0 {
		vn := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		if _, ok := s.valueSets[vn]; ok {
			continue
		}
		vs := s.newValueSet(vn, frameReg)
		s.valueSets[vn] = vs
		if def := vn.Def(); def != nil {
			for i := 0; i < def.NumInputs(); i++ {
				if in := def.Input(i); !in.IsConstant() {
					worklist = append(worklist, in)
				}
			}
		}
	}

	fn.BuildDominators()
	s.generateConstraints()
	s.establishTopologicalOrder()
}

// newValueSet seeds the initial abstract value of a varnode.
func (s *ValueSetSolver) newValueSet(vn *pcode.Varnode, frameReg *pcode.Varnode) *ValueSet {
	vs := &ValueSet{vn: vn}
	switch {
	case vn == frameReg && !vn.IsWritten():
		vs.typeCode = TypeFrameRelative
		vs.rng = SingleRange(0, vn.Size())
	case vn.IsWritten():
		vs.rng = EmptyRange()
	default:
		if nz, ok := vn.NZMask(); ok {
			vs.rng = NZMaskRange(nz, vn.Size())
		} else {
			vs.rng = FullRange(vn.Size())
		}
	}
	return vs
}

// generateConstraints walks every conditional branch and attaches the
// ranges it implies to dominated reads of system varnodes.
func (s *ValueSetSolver) generateConstraints() {
	for _, b := range s.fn.Blocks() {
		term := b.Terminator()
		if term == nil || term.Code() != pcode.OpCBranch {
			continue
		}
		if b.NumOut() != 2 {
			continue
		}
		s.constraintsFromCBranch(term)
	}
}

// constraintsFromCBranch pulls the branch condition back to a system
// varnode and applies the resulting range on both outgoing edges.
func (s *ValueSetSolver) constraintsFromCBranch(cbranch *pcode.Op) {
	cond := cbranch.Input(cbranch.NumInputs() - 1)
	if cond.IsConstant() {
		return
	}
	b := cbranch.Parent()
	vn, rng, ok := s.constraintsFromPath(cond)
	if !ok {
		return
	}
	s.applyConstraints(vn, rng, b.TrueOut())
	if comp, ok := rng.Invert(); ok && !comp.IsEmpty() {
		s.applyConstraints(vn, comp, b.FalseOut())
	}
}

// constraintsFromPath walks the definition chain of a branch condition
// backward, pulling the taken-branch range through each operation, until it
// reaches a varnode tracked by the system.
func (s *ValueSetSolver) constraintsFromPath(vn *pcode.Varnode) (*pcode.Varnode, CircleRange, bool) {
	rng := SingleRange(1, vn.Size())
	for {
		if _, ok := s.valueSets[vn]; ok {
			if !rng.IsEmpty() {
				return vn, rng, true
			}
			return nil, CircleRange{}, false
		}
		def := vn.Def()
		if def == nil {
			return nil, CircleRange{}, false
		}
		switch def.NumInputs() {
		case 1:
			in := def.Input(0)
			if in.IsConstant() {
				return nil, CircleRange{}, false
			}
			out, ok := rng.PullBackUnary(def.Code(), in.Size(), vn.Size())
			if !ok {
				return nil, CircleRange{}, false
			}
			rng, vn = out, in
		case 2:
			in0, in1 := def.Input(0), def.Input(1)
			var free *pcode.Varnode
			var cval uint64
			slot := 0
			switch {
			case in0.IsConstant() && !in1.IsConstant():
				cval, free, slot = in0.Val(), in1, 1
			case in1.IsConstant() && !in0.IsConstant():
				cval, free, slot = in1.Val(), in0, 0
			default:
				return nil, CircleRange{}, false
			}
			out, ok := rng.PullBackBinary(def.Code(), cval, slot, free.Size(), vn.Size())
			if !ok {
				return nil, CircleRange{}, false
			}
			rng, vn = out, free
		default:
			return nil, CircleRange{}, false
		}
	}
}

// applyConstraints attaches rng to every read of vn that can only execute
// after the given branch edge. For a MULTIEQUAL the read happens on the
// incoming edge, so dominance is tested against the incoming block. The
// range is also recorded as a widening landmark on vn's own value set.
func (s *ValueSetSolver) applyConstraints(vn *pcode.Varnode, rng CircleRange, edge *pcode.Block) {
	if edge == nil {
		return
	}
	vs := s.valueSets[vn]
	if vs == nil {
		return
	}
	vs.addLandmark(rng)
	// The edge target only carries the constraint when the branch is its
	// sole entry; otherwise another path may reach it unconstrained.
	edgeDominates := edge.NumIn() == 1
	for _, read := range vn.Descendants() {
		out := read.Output()
		if out == nil {
			continue
		}
		ovs := s.valueSets[out]
		if ovs == nil {
			continue
		}
		slot := read.Slot(vn)
		if read.Code() == pcode.OpMultiequal {
			inBlock := read.Parent().In(slot)
			if edgeDominates && edge.Dominates(inBlock) {
				ovs.addEquation(slot, vs.typeCode, rng)
			}
			continue
		}
		if edgeDominates && edge.Dominates(read.Parent()) {
			ovs.addEquation(slot, vs.typeCode, rng)
		}
	}
}

// orderBuilder carries the state of the depth-first search that fixes the
// evaluation order: a discovery counter, the visitation stack, and the
// lowlink bookkeeping for loop detection.
type orderBuilder struct {
	sys     *ValueSetSolver
	counter int
	index   map[*ValueSet]int
	lowlink map[*ValueSet]int
	onStack map[*ValueSet]bool
	stack   []*ValueSet
	sccs    [][]*ValueSet
}

// successors yields the value sets whose defining operations read vs's
// varnode, the forward data-flow edges of the system.
func (ob *orderBuilder) successors(vs *ValueSet) []*ValueSet {
	var out []*ValueSet
	for _, read := range vs.vn.Descendants() {
		if ovn := read.Output(); ovn != nil {
			if ovs := ob.sys.valueSets[ovn]; ovs != nil {
				out = append(out, ovs)
			}
		}
	}
	return out
}

// visitFrame holds the traversal state of one node on the explicit DFS
// stack, so arbitrarily deep systems cannot overflow the goroutine stack.
type visitFrame struct {
	vs    *ValueSet
	succs []*ValueSet
	next  int
}

func (ob *orderBuilder) visit(root *ValueSet) {
	var frames []visitFrame
	push := func(vs *ValueSet) {
		ob.counter++
		ob.index[vs] = ob.counter
		ob.lowlink[vs] = ob.counter
		ob.stack = append(ob.stack, vs)
		ob.onStack[vs] = true
		frames = append(frames, visitFrame{vs: vs, succs: ob.successors(vs)})
	}
	push(root)
	for len(frames) > 0 {
		fr := &frames[len(frames)-1]
		if fr.next < len(fr.succs) {
			succ := fr.succs[fr.next]
			fr.next++
			if ob.index[succ] == 0 {
				push(succ)
			} else if ob.onStack[succ] && ob.index[succ] < ob.lowlink[fr.vs] {
				ob.lowlink[fr.vs] = ob.index[succ]
			}
			continue
		}
		vs := fr.vs
		frames = frames[:len(frames)-1]
		if len(frames) > 0 {
			parent := frames[len(frames)-1].vs
			if ob.lowlink[vs] < ob.lowlink[parent] {
				ob.lowlink[parent] = ob.lowlink[vs]
			}
		}
		if ob.lowlink[vs] == ob.index[vs] {
			var scc []*ValueSet
			for {
				top := ob.stack[len(ob.stack)-1]
				ob.stack = ob.stack[:len(ob.stack)-1]
				ob.onStack[top] = false
				scc = append(scc, top)
				if top == vs {
					break
				}
			}
			ob.sccs = append(ob.sccs, scc)
		}
	}
}

// establishTopologicalOrder lays the system out as a flat evaluation order
// with loop spans marked as partitions. Strongly connected components come
// out of the search in reverse topological order; reversing them puts
// sources first, and within a loop the entry node leads.
func (s *ValueSetSolver) establishTopologicalOrder() {
	ob := &orderBuilder{
		sys:     s,
		index:   make(map[*ValueSet]int),
		lowlink: make(map[*ValueSet]int),
		onStack: make(map[*ValueSet]bool),
	}
	var all []*ValueSet
	for _, vs := range s.valueSets {
		all = append(all, vs)
	}
	// Deterministic seeding order by varnode name keeps runs reproducible.
	sortValueSets(all)
	for _, vs := range all {
		if vs.vn.Def() == nil && ob.index[vs] == 0 {
			ob.visit(vs)
		}
	}
	for _, vs := range all {
		if ob.index[vs] == 0 {
			ob.visit(vs)
		}
	}

	s.order = make([]*ValueSet, 0, len(s.valueSets))
	for i := len(ob.sccs) - 1; i >= 0; i-- {
		scc := ob.sccs[i]
		// Members were popped in reverse discovery order.
		for l, r := 0, len(scc)-1; l < r; l, r = l+1, r-1 {
			scc[l], scc[r] = scc[r], scc[l]
		}
		start := len(s.order)
		selfLoop := len(scc) == 1 && readsItself(s, scc[0])
		for _, vs := range scc {
			vs.index = len(s.order)
			s.order = append(s.order, vs)
		}
		if len(scc) > 1 || selfLoop {
			part := &Partition{start: start, stop: len(s.order) - 1}
			s.parts = append(s.parts, part)
			for _, vs := range scc {
				vs.part = part
			}
		}
	}
}

// readsItself reports a direct self-dependency.
func readsItself(s *ValueSetSolver, vs *ValueSet) bool {
	def := vs.vn.Def()
	if def == nil {
		return false
	}
	for i := 0; i < def.NumInputs(); i++ {
		if def.Input(i) == vs.vn {
			return true
		}
	}
	return false
}

// Solve iterates the system to a fixed point. Loop spans are swept
// repeatedly until an entire pass leaves them unchanged. When the iteration
// budget runs out the partial solution is kept and Capped is returned.
func (s *ValueSetSolver) Solve() Result {
	log := s.Logger
	for i := 0; i < len(s.order); {
		if s.numIter >= s.MaxIterations {
			if log != nil {
				log.WithField("iterations", s.numIter).Warn("value set iteration budget exhausted")
			}
			return Capped
		}
		vs := s.order[i]
		s.numIter++
		changed := vs.compute(s)
		if log != nil && changed {
			log.WithFields(logrus.Fields{
				"varnode": vs.vn.Name(),
				"range":   vs.rng.String(),
			}).Debug("value set updated")
		}
		if part := vs.part; part != nil {
			if changed {
				part.dirty = true
			}
			if i == part.stop && part.dirty {
				part.dirty = false
				i = part.start
				continue
			}
		}
		i++
	}
	if log != nil {
		log.WithField("iterations", s.numIter).Debug("value sets converged")
	}
	return Solved
}
