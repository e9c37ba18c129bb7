package vsa

import (
	"math/bits"

	"github.com/decomp-tools/rangeprop/pcode"
)

// This file holds the operator transfer tables. PullBack* maps a range on an
// operation's output to a range on one input, used when harvesting branch
// constraints. PushForward* maps input ranges to an output range, used by the
// solver's iteration. Both directions must overapproximate. An operation
// outside a table reports ok=false and the caller substitutes the full set.

// PullBackUnary maps a range on the output of a unary operation back to the
// set of inputs that can produce it.
func (r CircleRange) PullBackUnary(opc pcode.OpCode, inSize, outSize int) (CircleRange, bool) {
	switch opc {
	case pcode.OpCopy:
		return r, true
	case pcode.OpInt2Comp:
		return r.reflect(0), true
	case pcode.OpIntNegate:
		return r.reflect(r.mask), true
	case pcode.OpBoolNegate:
		hasFalse, hasTrue := r.clampBool()
		return boolPair(hasTrue, hasFalse)
	case pcode.OpIntZext:
		return r.pullBackZext(inSize)
	case pcode.OpIntSext:
		return r.pullBackSext(inSize)
	}
	return CircleRange{}, false
}

func (r CircleRange) pullBackZext(inSize int) (CircleRange, bool) {
	inMask := SizeMask(inSize)
	if inMask >= r.mask {
		return r, true
	}
	window := CircleRange{left: 0, right: inMask + 1, mask: r.mask, step: 1, nonempty: true}
	inter, st := r.Intersect(window)
	if st == 1 {
		return FullRange(inSize), true
	}
	if inter.IsEmpty() {
		return EmptyRange(), true
	}
	out := CircleRange{
		left:     inter.left & inMask,
		right:    inter.right & inMask,
		mask:     inMask,
		step:     inter.step,
		nonempty: true,
	}
	out.normalize()
	return out, true
}

func (r CircleRange) pullBackSext(inSize int) (CircleRange, bool) {
	inMask := SizeMask(inSize)
	if inMask >= r.mask {
		return r, true
	}
	half := inMask>>1 + 1
	// The sign extension image is a single arc wrapping zero.
	image := CircleRange{left: (r.mask + 1 - half) & r.mask, right: half, mask: r.mask, step: 1, nonempty: true}
	inter, st := r.Intersect(image)
	if st == 1 {
		return FullRange(inSize), true
	}
	if inter.IsEmpty() {
		return EmptyRange(), true
	}
	out := CircleRange{
		left:     inter.left & inMask,
		right:    inter.right & inMask,
		mask:     inMask,
		step:     inter.step,
		nonempty: true,
	}
	out.normalize()
	return out, true
}

// PullBackBinary maps a range on the output of a binary operation with one
// constant operand back to the non-constant input in the given slot.
func (r CircleRange) PullBackBinary(opc pcode.OpCode, val uint64, slot int, inSize, outSize int) (CircleRange, bool) {
	inMask := SizeMask(inSize)
	switch opc {
	case pcode.OpIntAdd:
		return r.shift((0 - val) & r.mask), true
	case pcode.OpIntSub:
		if slot == 0 {
			return r.shift(val & r.mask), true
		}
		return r.reflect(val & r.mask), true
	case pcode.OpIntRight:
		return r.pullBackRShift(val)
	case pcode.OpIntLeft:
		return r.pullBackLShift(val)
	case pcode.OpIntEqual, pcode.OpIntNotEqual,
		pcode.OpIntLess, pcode.OpIntLessEqual,
		pcode.OpIntSLess, pcode.OpIntSLessEqual:
		return pullBackCompare(opc, r, val&inMask, slot, inSize)
	}
	return CircleRange{}, false
}

func (r CircleRange) pullBackRShift(c uint64) (CircleRange, bool) {
	if r.IsEmpty() {
		return r, true
	}
	n := uint64(bits.Len64(r.mask))
	if c >= n {
		// Every input shifts to zero; the constraint is vacuous unless
		// zero is excluded.
		if r.Contains(0) {
			return CircleRange{mask: r.mask, step: 1, nonempty: true}, true
		}
		return EmptyRange(), true
	}
	limit := r.mask >> c
	if r.wraps() || r.Max() > limit {
		return CircleRange{}, false
	}
	out := CircleRange{left: r.left << c, right: r.right << c, mask: r.mask, step: 1, nonempty: true}
	out.normalize()
	return out, true
}

func (r CircleRange) pullBackLShift(c uint64) (CircleRange, bool) {
	if r.IsEmpty() {
		return r, true
	}
	n := uint64(bits.Len64(r.mask))
	if c >= n || !r.IsSingle() {
		return CircleRange{}, false
	}
	v := r.left
	if v&((uint64(1)<<c)-1) != 0 {
		return EmptyRange(), true
	}
	// The low bits of the input are fixed, the shifted-out high bits are
	// free: a complete cycle at stride 2^(n-c).
	step := uint64(1) << (n - c)
	out := CircleRange{left: v >> c, right: v >> c, mask: r.mask, step: step, nonempty: true}
	out.normalize()
	return out, true
}

// pullBackCompare inverts a comparison whose boolean output is constrained
// to rng, with the free operand in slot and the constant val in the other.
func pullBackCompare(opc pcode.OpCode, rng CircleRange, val uint64, slot, inSize int) (CircleRange, bool) {
	hasFalse, hasTrue := rng.clampBool()
	if hasFalse == hasTrue {
		if !hasTrue {
			return EmptyRange(), true
		}
		return FullRange(inSize), true
	}
	truth := hasTrue
	mask := SizeMask(inSize)
	half := mask>>1 + 1

	arc := func(l, rgt uint64) (CircleRange, bool) {
		l &= mask
		rgt &= mask
		if l == rgt {
			return EmptyRange(), true
		}
		return NewCircleRange(l, rgt, inSize, 1), true
	}

	switch opc {
	case pcode.OpIntEqual:
		if truth {
			return SingleRange(val, inSize), true
		}
		return arc(val+1, val)
	case pcode.OpIntNotEqual:
		if truth {
			return arc(val+1, val)
		}
		return SingleRange(val, inSize), true
	case pcode.OpIntLess:
		if slot == 0 { // x < val
			if truth {
				return arc(0, val)
			}
			return arc(val, 0)
		}
		// val < x
		if truth {
			return arc(val+1, 0)
		}
		return arc(0, val+1)
	case pcode.OpIntLessEqual:
		if slot == 0 { // x <= val
			if truth {
				return arc(0, val+1)
			}
			return arc(val+1, 0)
		}
		if truth {
			return arc(val, 0)
		}
		return arc(0, val)
	case pcode.OpIntSLess:
		if slot == 0 { // x s< val
			if truth {
				return arc(half, val)
			}
			return arc(val, half)
		}
		if truth {
			return arc(val+1, half)
		}
		return arc(half, val+1)
	case pcode.OpIntSLessEqual:
		if slot == 0 {
			if truth {
				return arc(half, val+1)
			}
			return arc(val+1, half)
		}
		if truth {
			return arc(val, half)
		}
		return arc(half, val)
	}
	return CircleRange{}, false
}

// PushForwardUnary computes the output range of a unary operation.
func PushForwardUnary(opc pcode.OpCode, in CircleRange, inSize, outSize int) (CircleRange, bool) {
	switch opc {
	case pcode.OpCopy:
		return in, true
	case pcode.OpInt2Comp:
		return in.reflect(0), true
	case pcode.OpIntNegate:
		return in.reflect(in.mask), true
	case pcode.OpBoolNegate:
		hasFalse, hasTrue := in.clampBool()
		return boolPair(hasTrue, hasFalse)
	case pcode.OpIntZext:
		return pushForwardZext(in, outSize)
	case pcode.OpIntSext:
		return pushForwardSext(in, inSize, outSize)
	}
	return CircleRange{}, false
}

func pushForwardZext(in CircleRange, outSize int) (CircleRange, bool) {
	if in.IsEmpty() {
		return in, true
	}
	outMask := SizeMask(outSize)
	if outMask <= in.mask {
		return in, true
	}
	if in.isCycle() {
		// All members laid out linearly in the wider domain.
		count := in.mask/in.step + 1
		out := CircleRange{
			left:     in.left,
			right:    in.left + count*in.step,
			mask:     outMask,
			step:     in.step,
			nonempty: true,
		}
		out.normalize()
		return out, true
	}
	if in.wraps() {
		out := CircleRange{left: 0, right: in.mask + 1, mask: outMask, step: 1, nonempty: true}
		return out, true
	}
	out := CircleRange{left: in.left, right: in.right, mask: outMask, step: in.step, nonempty: true}
	out.normalize()
	return out, true
}

func pushForwardSext(in CircleRange, inSize, outSize int) (CircleRange, bool) {
	if in.IsEmpty() {
		return in, true
	}
	inMask := SizeMask(inSize)
	outMask := SizeMask(outSize)
	if outMask <= inMask {
		return in, true
	}
	half := inMask>>1 + 1
	sext := func(v uint64) uint64 {
		if v&half != 0 {
			return (v | ^inMask) & outMask
		}
		return v
	}
	smin, smax, ok := in.signedSpread()
	if !ok {
		// Not contiguous in signed order; the whole extension image.
		return NewCircleRange(outMask+1-half, half, outSize, 1), true
	}
	out := CircleRange{
		left:     sext(smin),
		right:    (sext(smax) + in.step) & outMask,
		mask:     outMask,
		step:     in.step,
		nonempty: true,
	}
	out.normalize()
	return out, true
}

// PushForwardBinary computes the output range of a binary operation.
// maxStep caps stride growth; results whose natural stride would exceed it
// degrade to stride 1.
func PushForwardBinary(opc pcode.OpCode, in1, in2 CircleRange, inSize, outSize int, maxStep uint64) (CircleRange, bool) {
	if in1.IsEmpty() || in2.IsEmpty() {
		return EmptyRange(), true
	}
	switch opc {
	case pcode.OpIntAdd:
		return pushForwardAdd(in1, in2, maxStep), true
	case pcode.OpIntSub:
		return pushForwardAdd(in1, in2.reflect(0), maxStep), true
	case pcode.OpIntMult:
		return pushForwardMult(in1, in2, maxStep), true
	case pcode.OpIntAnd:
		return pushForwardAnd(in1, in2), true
	case pcode.OpIntOr:
		return pushForwardOr(in1, in2), true
	case pcode.OpIntXor:
		return pushForwardXor(in1, in2), true
	case pcode.OpIntLeft:
		return pushForwardLShift(in1, in2, maxStep)
	case pcode.OpIntRight:
		return pushForwardRShift(in1, in2)
	case pcode.OpIntSRight:
		return pushForwardSRShift(in1, in2)
	case pcode.OpSubpiece:
		return pushForwardSubpiece(in1, in2, outSize)
	case pcode.OpIntEqual, pcode.OpIntNotEqual,
		pcode.OpIntLess, pcode.OpIntLessEqual,
		pcode.OpIntSLess, pcode.OpIntSLessEqual:
		return pushForwardCompare(opc, in1, in2), true
	}
	return CircleRange{}, false
}

// pushForwardAdd forms the sum set. The extents of the two walks add; when
// the combined extent covers the circle the result is full.
func pushForwardAdd(a, b CircleRange, maxStep uint64) CircleRange {
	mask := a.mask
	if a.IsFull() || b.IsFull() {
		return CircleRange{mask: mask, step: 1, nonempty: true}
	}
	extent := func(r CircleRange) uint64 { return (r.Size() - 1) * r.step }
	ea, eb := extent(a), extent(b)
	var g uint64
	switch {
	case a.IsSingle():
		g = b.step
	case b.IsSingle():
		g = a.step
	default:
		g = gcd64(a.step, b.step)
	}
	if g > maxStep {
		g = 1
	}
	if ea > mask-eb {
		// Sums cover the whole circle at the combined stride.
		l := (a.left + b.left) & mask
		out := CircleRange{left: l, right: l, mask: mask, step: g, nonempty: true}
		out.normalize()
		return out
	}
	left := (a.left + b.left) & mask
	out := CircleRange{left: left, right: (left + ea + eb + g) & mask, mask: mask, step: g, nonempty: true}
	out.normalize()
	return out
}

func pushForwardMult(a, b CircleRange, maxStep uint64) CircleRange {
	mask := a.mask
	full := CircleRange{mask: mask, step: 1, nonempty: true}
	if a.IsSingle() && b.IsSingle() {
		return SingleRangeMask(a.left*b.left, mask)
	}
	if b.IsSingle() {
		a, b = b, a
	}
	if a.IsSingle() {
		c := a.left
		if c == 0 {
			return SingleRangeMask(0, mask)
		}
		hi, ext := bits.Mul64(c, (b.Size()-1)*b.step)
		if hi != 0 || ext > mask || b.isCycle() {
			return full
		}
		hiS, step := bits.Mul64(c, b.step)
		if hiS != 0 || step > maxStep {
			step = 1
		}
		left := (c * b.left) & mask
		out := CircleRange{left: left, right: (left + ext + step) & mask, mask: mask, step: step, nonempty: true}
		out.normalize()
		return out
	}
	if a.wraps() || b.wraps() {
		return full
	}
	hi, top := bits.Mul64(a.Max(), b.Max())
	if hi != 0 || top > mask {
		return full
	}
	out := CircleRange{left: a.left * b.left, right: (top + 1) & mask, mask: mask, step: 1, nonempty: true}
	out.normalize()
	return out
}

// SingleRangeMask is SingleRange with an explicit domain mask.
func SingleRangeMask(val, mask uint64) CircleRange {
	val &= mask
	return CircleRange{left: val, right: (val + 1) & mask, mask: mask, step: 1, nonempty: true}
}

func pushForwardAnd(a, b CircleRange) CircleRange {
	mask := a.mask
	upper := a.umax()
	if m := b.umax(); m < upper {
		upper = m
	}
	step := uint64(1)
	if a.IsSingle() && a.left != 0 {
		step = uint64(1) << bits.TrailingZeros64(a.left)
	} else if b.IsSingle() && b.left != 0 {
		step = uint64(1) << bits.TrailingZeros64(b.left)
	}
	if (a.IsSingle() && a.left == 0) || (b.IsSingle() && b.left == 0) {
		return SingleRangeMask(0, mask)
	}
	out := CircleRange{left: 0, right: (upper/step*step + step) & mask, mask: mask, step: step, nonempty: true}
	out.normalize()
	return out
}

func pushForwardOr(a, b CircleRange) CircleRange {
	mask := a.mask
	lower := a.umin()
	if m := b.umin(); m > lower {
		lower = m
	}
	bl := bits.Len64(a.umax())
	if l := bits.Len64(b.umax()); l > bl {
		bl = l
	}
	var upper uint64
	if bl >= 64 {
		upper = ^uint64(0)
	} else {
		upper = (uint64(1) << bl) - 1
	}
	upper &= mask
	out := CircleRange{left: lower, right: (upper + 1) & mask, mask: mask, step: 1, nonempty: true}
	out.normalize()
	return out
}

func pushForwardXor(a, b CircleRange) CircleRange {
	mask := a.mask
	bl := bits.Len64(a.umax())
	if l := bits.Len64(b.umax()); l > bl {
		bl = l
	}
	if bl >= 64 {
		return CircleRange{mask: mask, step: 1, nonempty: true}
	}
	upper := ((uint64(1) << bl) - 1) & mask
	out := CircleRange{left: 0, right: (upper + 1) & mask, mask: mask, step: 1, nonempty: true}
	out.normalize()
	return out
}

func pushForwardLShift(a, b CircleRange, maxStep uint64) (CircleRange, bool) {
	if !b.IsSingle() {
		return CircleRange{mask: a.mask, step: 1, nonempty: true}, true
	}
	mask := a.mask
	c := b.left
	n := uint64(bits.Len64(mask))
	if c >= n {
		return SingleRangeMask(0, mask), true
	}
	// Equivalent to multiplying by 2^c with wraparound; shifted-out bits
	// are lost but the result keeps at least a 2^c stride.
	factor := uint64(1) << c
	out := pushForwardMult(a, SingleRangeMask(factor, mask), maxStep)
	if out.IsFull() && factor <= maxStep {
		// Wrapped around, but the low c bits of the result are still zero.
		out = CircleRange{left: 0, right: 0, mask: mask, step: factor, nonempty: true}
		out.normalize()
	}
	return out, true
}

func pushForwardRShift(a, b CircleRange) (CircleRange, bool) {
	mask := a.mask
	if !b.IsSingle() {
		return CircleRange{}, false
	}
	c := b.left
	n := uint64(bits.Len64(mask))
	if c >= n {
		return SingleRangeMask(0, mask), true
	}
	if a.wraps() {
		out := CircleRange{left: 0, right: (mask >> c) + 1, mask: mask, step: 1, nonempty: true}
		out.normalize()
		return out, true
	}
	out := CircleRange{left: a.left >> c, right: (a.Max() >> c) + 1, mask: mask, step: 1, nonempty: true}
	out.normalize()
	return out, true
}

func pushForwardSRShift(a, b CircleRange) (CircleRange, bool) {
	mask := a.mask
	half := mask>>1 + 1
	if !b.IsSingle() {
		return CircleRange{}, false
	}
	c := b.left
	n := uint64(bits.Len64(mask))
	if c >= n {
		c = n - 1
	}
	sar := func(v uint64) uint64 {
		out := v >> c
		if v&half != 0 {
			out |= mask &^ (mask >> c)
		}
		return out
	}
	smin, smax, ok := a.signedSpread()
	if !ok {
		out := CircleRange{left: sar(half), right: (sar(half - 1) + 1) & mask, mask: mask, step: 1, nonempty: true}
		out.normalize()
		return out, true
	}
	out := CircleRange{left: sar(smin), right: (sar(smax) + 1) & mask, mask: mask, step: 1, nonempty: true}
	out.normalize()
	return out, true
}

func pushForwardSubpiece(a, b CircleRange, outSize int) (CircleRange, bool) {
	if !b.IsSingle() {
		return CircleRange{}, false
	}
	outMask := SizeMask(outSize)
	shiftBits := b.left * 8
	n := uint64(bits.Len64(a.mask))
	if shiftBits >= n {
		return SingleRangeMask(0, outMask), true
	}
	if shiftBits > 0 {
		shifted, ok := pushForwardRShift(a, SingleRangeMask(shiftBits, a.mask))
		if !ok {
			return CircleRange{}, false
		}
		a = shifted
	}
	if a.wraps() || a.Max() > outMask {
		return CircleRange{mask: outMask, step: 1, nonempty: true}, true
	}
	out := CircleRange{left: a.left, right: a.right & outMask, mask: outMask, step: a.step, nonempty: true}
	out.normalize()
	return out, true
}

func pushForwardCompare(opc pcode.OpCode, a, b CircleRange) CircleRange {
	both := fullBool()
	switch opc {
	case pcode.OpIntEqual, pcode.OpIntNotEqual:
		inter, st := a.Intersect(b)
		var eq CircleRange
		switch {
		case st == -1:
			eq = BoolRange(false)
		case st == 0 && inter.IsSingle() && a.IsSingle() && b.IsSingle():
			eq = BoolRange(true)
		default:
			eq = both
		}
		if opc == pcode.OpIntNotEqual && eq.IsSingle() {
			return BoolRange(eq.left == 0)
		}
		return eq
	case pcode.OpIntLess:
		if a.umax() < b.umin() {
			return BoolRange(true)
		}
		if a.umin() >= b.umax() {
			return BoolRange(false)
		}
		return both
	case pcode.OpIntLessEqual:
		if a.umax() <= b.umin() {
			return BoolRange(true)
		}
		if a.umin() > b.umax() {
			return BoolRange(false)
		}
		return both
	case pcode.OpIntSLess:
		amin, amax, ok1 := a.signedSpread()
		bmin, bmax, ok2 := b.signedSpread()
		if !ok1 || !ok2 {
			return both
		}
		half := a.mask>>1 + 1
		if signedLess(amax, bmin, half) {
			return BoolRange(true)
		}
		if !signedLess(amin, bmax, half) {
			return BoolRange(false)
		}
		return both
	case pcode.OpIntSLessEqual:
		amin, amax, ok1 := a.signedSpread()
		bmin, bmax, ok2 := b.signedSpread()
		if !ok1 || !ok2 {
			return both
		}
		half := a.mask>>1 + 1
		if signedLess(amax, bmin, half) || amax == bmin {
			return BoolRange(true)
		}
		if signedLess(bmax, amin, half) {
			return BoolRange(false)
		}
		return both
	}
	return both
}
