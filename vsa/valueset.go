package vsa

import (
	"fmt"

	"github.com/decomp-tools/rangeprop/pcode"
)

// Default escalation points for widening inside a loop: after widenIteration
// recomputations a growing range snaps to its landmark, after fullIteration
// it jumps to the full set.
const (
	widenIteration = 2
	fullIteration  = 5
)

// TypeCode distinguishes absolute value sets from ones relative to the
// frame pointer at function entry.
type TypeCode uint8

const (
	TypePlain TypeCode = iota
	TypeFrameRelative
)

// An Equation is a constraint harvested from a conditional branch: when the
// owning value set's varnode is consumed through the given input slot at a
// dominated use, the incoming range may be intersected with Range.
type Equation struct {
	Slot  int
	Type  TypeCode
	Range CircleRange
}

// A Partition is a strongly connected span of the solver's evaluation order.
// The solver sweeps the span repeatedly until an iteration leaves it clean.
type Partition struct {
	start, stop int
	dirty       bool
}

// A ValueSet tracks the abstract value of one varnode in the system.
type ValueSet struct {
	vn        *pcode.Varnode
	typeCode  TypeCode
	rng       CircleRange
	equations []Equation
	landmark  *CircleRange // widening target, if a branch bound was found

	index int        // position in the solver's evaluation order
	part  *Partition // enclosing loop span, nil outside loops
	count int        // recomputations since entering the loop sweep
}

// Varnode returns the varnode this value set describes.
func (vs *ValueSet) Varnode() *pcode.Varnode { return vs.vn }

// Range returns the current abstract value.
func (vs *ValueSet) Range() CircleRange { return vs.rng }

// TypeCode reports whether the set is absolute or frame-relative.
func (vs *ValueSet) TypeCode() TypeCode { return vs.typeCode }

// Looped reports whether the value set sits inside an iterated loop span.
func (vs *ValueSet) Looped() bool { return vs.part != nil }

func (vs *ValueSet) String() string {
	prefix := ""
	if vs.typeCode == TypeFrameRelative {
		prefix = "frame+"
	}
	return fmt.Sprintf("%s: %s%s", vs.vn, prefix, vs.rng)
}

func (vs *ValueSet) addEquation(slot int, typ TypeCode, rng CircleRange) {
	// Keep at most one equation per slot; the first harvested wins.
	for _, eq := range vs.equations {
		if eq.Slot == slot {
			return
		}
	}
	vs.equations = append(vs.equations, Equation{Slot: slot, Type: typ, Range: rng})
}

func (vs *ValueSet) addLandmark(rng CircleRange) {
	if vs.landmark == nil {
		r := rng
		vs.landmark = &r
	}
}

// equationFor returns the constraint for an input slot, if any.
func (vs *ValueSet) equationFor(slot int) (CircleRange, bool) {
	for _, eq := range vs.equations {
		if eq.Slot == slot && eq.Type == vs.typeCode {
			return eq.Range, true
		}
	}
	return CircleRange{}, false
}

// inputRange fetches the abstract value feeding the defining op's slot,
// constrained by any equation attached for that slot, along with the
// input's type code.
func (vs *ValueSet) inputRange(sys *ValueSetSolver, slot int) (CircleRange, TypeCode) {
	op := vs.vn.Def()
	in := op.Input(slot)
	var rng CircleRange
	typ := TypePlain
	if in.IsConstant() {
		rng = SingleRange(in.Val(), in.Size())
	} else if ivs := sys.valueSets[in]; ivs != nil {
		rng = ivs.rng
		typ = ivs.typeCode
	} else {
		rng = FullRange(in.Size())
	}
	if eq, ok := vs.equationFor(slot); ok {
		// An empty intersection means the path is infeasible under the
		// branch constraint; the empty set propagates.
		rng, _ = rng.Intersect(eq)
	}
	return rng, typ
}

// compute re-evaluates the value set from its defining operation, applying
// widening when it sits in a loop span. It reports whether the range or the
// type code changed.
func (vs *ValueSet) compute(sys *ValueSetSolver) bool {
	op := vs.vn.Def()
	if op == nil {
		return false
	}
	size := vs.vn.Size()
	newType := TypePlain
	var newRange CircleRange

	switch {
	case op.Code() == pcode.OpMultiequal:
		newRange, newType = vs.computePhi(sys)
	case op.NumInputs() == 1:
		in, typ := vs.inputRange(sys, 0)
		if typ == TypeFrameRelative && op.Code() != pcode.OpCopy {
			// The input holds frame offsets; any other unary op would read
			// them as absolute values.
			newRange = FullRange(size)
			break
		}
		out, ok := PushForwardUnary(op.Code(), in, op.Input(0).Size(), size)
		if !ok {
			out = FullRange(size)
		}
		newRange = out
		if typ == TypeFrameRelative {
			newType = TypeFrameRelative
		}
	case op.NumInputs() == 2:
		in0, t0 := vs.inputRange(sys, 0)
		in1, t1 := vs.inputRange(sys, 1)
		newRange, newType = combineBinary(sys, op, in0, t0, in1, t1, size)
	default:
		newRange = FullRange(size)
	}

	if !newRange.IsEmpty() && newRange.Mask() != SizeMask(size) {
		// Boolean results are produced over the 1-bit domain; lift them
		// into the output varnode's width.
		newRange, _ = pushForwardZext(newRange, size)
	}

	if newType == TypePlain && vs.typeCode == TypeFrameRelative && op.Code() != pcode.OpMultiequal {
		// Fell out of the relative domain; restart as an absolute set.
		newRange = FullRange(size)
	}

	if vs.part != nil && !vs.rng.ContainsRange(newRange) {
		newRange = vs.doWidening(sys, newRange)
	}

	changed := !vs.rng.Equal(newRange) || vs.typeCode != newType
	vs.rng = newRange
	vs.typeCode = newType
	return changed
}

// combineBinary handles the two-input transfer including frame-relative
// propagation through addition and subtraction of a plain offset.
func combineBinary(sys *ValueSetSolver, op *pcode.Op, in0 CircleRange, t0 TypeCode, in1 CircleRange, t1 TypeCode, size int) (CircleRange, TypeCode) {
	code := op.Code()
	relative := TypePlain
	if t0 == TypeFrameRelative || t1 == TypeFrameRelative {
		ok := (code == pcode.OpIntAdd || code == pcode.OpIntSub) &&
			!(t0 == TypeFrameRelative && t1 == TypeFrameRelative)
		if !ok || (code == pcode.OpIntSub && t1 == TypeFrameRelative) {
			return FullRange(size), TypePlain
		}
		relative = TypeFrameRelative
	}
	out, okOp := PushForwardBinary(code, in0, in1, op.Input(0).Size(), size, sys.MaxStep)
	if !okOp {
		return FullRange(size), relative
	}
	return out, relative
}

// computePhi unions the incoming ranges of a MULTIEQUAL. The result is
// frame-relative only when every input is.
func (vs *ValueSet) computePhi(sys *ValueSetSolver) (CircleRange, TypeCode) {
	op := vs.vn.Def()
	size := vs.vn.Size()
	out := EmptyRange()
	allRelative := true
	anyRelative := false
	for i := 0; i < op.NumInputs(); i++ {
		in, typ := vs.inputRange(sys, i)
		if typ == TypeFrameRelative {
			anyRelative = true
		} else {
			allRelative = false
		}
		out, _ = out.CircleUnion(in)
	}
	if anyRelative && !allRelative {
		return FullRange(size), TypePlain
	}
	typ := TypePlain
	if allRelative && op.NumInputs() > 0 && anyRelative {
		typ = TypeFrameRelative
	}
	return out, typ
}

// doWidening escalates a growing range: early growth is tolerated, then the
// range snaps to a harvested landmark, and finally to the full set.
func (vs *ValueSet) doWidening(sys *ValueSetSolver, newRange CircleRange) CircleRange {
	vs.count++
	if vs.count < widenIteration {
		return newRange
	}
	leftStable := !vs.rng.IsEmpty() && newRange.Min() == vs.rng.Min()
	if vs.count < fullIteration {
		if vs.landmark != nil && vs.landmark.ContainsRange(newRange) {
			return newRange.Widen(*vs.landmark, leftStable)
		}
		if vs.landmark != nil {
			// The landmark no longer bounds the growth; try its complement
			// before giving up, the loop may be counting out of it.
			if comp, ok := vs.landmark.Invert(); ok && comp.ContainsRange(newRange) {
				return newRange.Widen(comp, leftStable)
			}
		}
		return newRange
	}
	full := CircleRange{mask: newRange.mask, step: 1, nonempty: true}
	return newRange.Widen(full, leftStable)
}
