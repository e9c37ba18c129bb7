// Package vsa implements value set analysis over a function's data flow.
//
// The abstract domain is the circular strided interval: a set of unsigned
// integers modulo 2^n represented by a half-open arc [left,right) on a circle
// of size 2^n, optionally restricted to every step'th value starting at left.
// The domain deliberately overapproximates; every operation returns a set
// guaranteed to contain the true result, and operations whose exact result is
// not a single arc substitute the smallest sound single-arc cover.
//
// A system of CircleRanges is attached to varnodes by ValueSetSolver, which
// iterates transfer functions over a weak topological order of the data-flow
// graph until a fixed point is reached, widening growing ranges to guarantee
// termination.
package vsa

import (
	"fmt"
	"math/bits"

	"github.com/decomp-tools/rangeprop/pcode"
)

// CircleRange is a set of unsigned integers modulo 2^n held as a half-open
// arc [left,right) with a stride. Membership is defined relative to the left
// boundary: v is in the range iff v lies on the arc and the circular distance
// from left to v is a multiple of step. The zero value is the empty set.
type CircleRange struct {
	left, right uint64
	mask        uint64 // 2^n - 1 for the entity's bit width
	step        uint64
	nonempty    bool
}

// SizeMask returns the domain mask for a byte size.
func SizeMask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (8 * size)) - 1
}

// EmptyRange returns the empty set.
func EmptyRange() CircleRange { return CircleRange{} }

// FullRange returns the set of all values of the given byte size.
func FullRange(size int) CircleRange {
	return CircleRange{mask: SizeMask(size), step: 1, nonempty: true}
}

// SingleRange returns the set holding exactly one value.
func SingleRange(val uint64, size int) CircleRange {
	mask := SizeMask(size)
	val &= mask
	return CircleRange{left: val, right: (val + 1) & mask, mask: mask, step: 1, nonempty: true}
}

// BoolRange returns a single-valued range over the 1-bit boolean domain.
func BoolRange(val bool) CircleRange {
	if val {
		return CircleRange{left: 1, right: 0, mask: 1, step: 1, nonempty: true}
	}
	return CircleRange{left: 0, right: 1, mask: 1, step: 1, nonempty: true}
}

// NewCircleRange returns the arc [left,right) with the given stride over the
// domain of the given byte size. left==right denotes the full stride cycle.
func NewCircleRange(left, right uint64, size int, step uint64) CircleRange {
	mask := SizeMask(size)
	r := CircleRange{left: left & mask, right: right & mask, mask: mask, step: step, nonempty: true}
	r.normalize()
	return r
}

// NZMaskRange returns the set of values whose bits are covered by the given
// nonzero-bit mask: an upper bound of the mask itself and a stride derived
// from its trailing zero bits. The result is always a sound superset.
func NZMaskRange(nzmask uint64, size int) CircleRange {
	mask := SizeMask(size)
	nzmask &= mask
	if nzmask == 0 {
		return SingleRange(0, size)
	}
	step := uint64(1) << bits.TrailingZeros64(nzmask)
	r := CircleRange{left: 0, right: (nzmask + step) & mask, mask: mask, step: step, nonempty: true}
	r.normalize()
	return r
}

// normalize restores the representation invariants: the arc spans a whole
// number of strides, and complete cycles are phase-reduced. Full cycles with
// a stride that does not divide the domain size cannot close; they collapse
// to stride 1.
func (r *CircleRange) normalize() {
	if !r.nonempty {
		return
	}
	if r.step == 0 {
		r.step = 1
	}
	if r.left == r.right {
		if r.step > 1 && r.step&(r.step-1) != 0 {
			r.step = 1
		}
		if r.step == 1 {
			r.left, r.right = 0, 0
		} else {
			r.left %= r.step
			r.right = r.left
		}
		return
	}
	if r.step == 1 {
		return
	}
	sp := (r.right - r.left) & r.mask
	n := (sp-1)/r.step + 1
	r.right = (r.left + n*r.step) & r.mask
	if r.left == r.right {
		r.normalize()
	}
}

// IsEmpty reports whether the set has no members.
func (r CircleRange) IsEmpty() bool { return !r.nonempty }

// IsFull reports whether the set contains every value of its domain.
func (r CircleRange) IsFull() bool {
	return r.nonempty && r.step == 1 && r.left == r.right
}

// IsSingle reports whether the set contains exactly one value.
func (r CircleRange) IsSingle() bool {
	return r.nonempty && r.right == (r.left+r.step)&r.mask
}

// Min returns the left boundary, the first member of the walk.
func (r CircleRange) Min() uint64 { return r.left }

// Max returns the last member of the walk (inclusive).
func (r CircleRange) Max() uint64 { return (r.right - r.step) & r.mask }

// End returns the exclusive right boundary.
func (r CircleRange) End() uint64 { return r.right }

// Mask returns the domain mask.
func (r CircleRange) Mask() uint64 { return r.mask }

// Step returns the stride.
func (r CircleRange) Step() uint64 { return r.step }

// span is the circular length of the arc; 0 means a complete cycle.
func (r CircleRange) span() uint64 { return (r.right - r.left) & r.mask }

// wraps reports whether the arc crosses the numeric wrap point, so that its
// members are not contiguous as plain integers.
func (r CircleRange) wraps() bool {
	if !r.nonempty {
		return false
	}
	return r.left >= r.right
}

// Size returns the number of members. A full stride-1 domain of 64 bits
// reports mask, one less than the true count, which cannot be represented.
func (r CircleRange) Size() uint64 {
	if !r.nonempty {
		return 0
	}
	sp := r.span()
	if sp == 0 {
		if r.step == 1 {
			if r.mask == ^uint64(0) {
				return r.mask
			}
			return r.mask + 1
		}
		return r.mask/r.step + 1
	}
	return sp / r.step
}

// Contains reports whether val is a member of the set.
func (r CircleRange) Contains(val uint64) bool {
	if !r.nonempty {
		return false
	}
	off := (val - r.left) & r.mask
	if off%r.step != 0 {
		return false
	}
	sp := r.span()
	return sp == 0 || off < sp
}

// ContainsRange reports whether every member of o is a member of r.
func (r CircleRange) ContainsRange(o CircleRange) bool {
	if !o.nonempty {
		return true
	}
	if !r.nonempty {
		return false
	}
	if r.mask != o.mask {
		return false
	}
	if o.IsSingle() {
		// A single value carries no stride of its own.
		return r.Contains(o.left)
	}
	if o.step%r.step != 0 {
		return false
	}
	if ((o.left-r.left)&r.mask)%r.step != 0 {
		return false
	}
	sp := r.span()
	if sp == 0 {
		return true
	}
	offL := (o.left - r.left) & r.mask
	offLast := (o.Max() - r.left) & r.mask
	return offL <= offLast && offLast < sp
}

// Advance steps val by the stride, returning the new value and whether the
// walk has re-entered the right boundary (i.e. whether the enumeration that
// started from Min is done).
func (r CircleRange) Advance(val uint64) (uint64, bool) {
	val = (val + r.step) & r.mask
	return val, val == r.right
}

// Equal reports whether two ranges denote the same set representation.
func (r CircleRange) Equal(o CircleRange) bool {
	if r.nonempty != o.nonempty {
		return false
	}
	if !r.nonempty {
		return true
	}
	return r.left == o.left && r.right == o.right && r.mask == o.mask && r.step == o.step
}

func (r CircleRange) String() string {
	switch {
	case !r.nonempty:
		return "(empty)"
	case r.IsFull():
		return fmt.Sprintf("(full:%#x)", r.mask)
	case r.IsSingle():
		return fmt.Sprintf("[%#x]", r.left)
	case r.step == 1:
		return fmt.Sprintf("[%#x,%#x)", r.left, r.right)
	default:
		return fmt.Sprintf("[%#x,%#x):%d", r.left, r.right, r.step)
	}
}

// Overlap categories for two non-empty, non-cycle arcs, expressed in the
// rotated frame where the receiver's left boundary is the origin. The six
// boundary comparisons of the classic formulation reduce to three ordered
// positions in this frame.
type overlap uint8

const (
	overlapDisjoint overlap = iota // (l r l' r'): no shared point
	overlapLeft                    // (l l' r r'): other covers the receiver's right end
	overlapCover                   // (l l' r' r): other inside the receiver
	overlapWithin                  // (l' l r r'): receiver inside other
	overlapRight                   // (l' l r' r): other covers the receiver's left end
	overlapSplit                   // (l r' l' r): arcs cross twice
)

func (r CircleRange) overlapWith(o CircleRange) overlap {
	m := r.mask
	r1 := (r.right - r.left) & m
	l2 := (o.left - r.left) & m
	r2 := (o.right - r.left) & m
	if r2 == 0 {
		// other's right boundary coincides with the origin: its arc runs
		// to the far end of the rotated frame.
		if l2 < r1 {
			return overlapLeft
		}
		return overlapDisjoint
	}
	if l2 < r2 {
		switch {
		case r2 <= r1:
			return overlapCover
		case l2 < r1:
			return overlapLeft
		default:
			return overlapDisjoint
		}
	}
	// other's arc wraps the origin.
	switch {
	case r1 <= r2:
		return overlapWithin
	case r1 <= l2:
		return overlapRight
	default:
		return overlapSplit
	}
}

// crt solves x ≡ c1 (mod s1), x ≡ c2 (mod s2) for the smallest x ≥ 0.
// Status 0 carries a solution and the combined stride, 1 means the
// congruences are incompatible, 2 means the stride overflowed.
func crt(c1, s1, c2, s2 uint64) (x0, stride uint64, status int) {
	if s1 == 1 {
		return c2, s2, 0
	}
	if s2 == 1 {
		return c1, s1, 0
	}
	g := gcd64(s1, s2)
	var diff int64
	if c2 >= c1 {
		diff = int64(c2 - c1)
	} else {
		diff = -int64(c1 - c2)
	}
	if diff%int64(g) != 0 {
		return 0, 0, 1
	}
	hi, l := bits.Mul64(s1/g, s2)
	if hi != 0 || l > 1<<62 {
		return 0, 0, 2
	}
	stride = l
	// x = c1 + s1*t with t ≡ (diff/g) * inv(s1/g) (mod s2/g)
	m := int64(s2 / g)
	t := (diff / int64(g)) % m
	t = (t * modInverse(int64(s1/g)%m, m)) % m
	if t < 0 {
		t += m
	}
	x0 = c1 + s1*uint64(t)
	return x0 % stride, stride, 0
}

func gcd64(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// modInverse returns the inverse of a modulo m; a and m must be coprime.
func modInverse(a, m int64) int64 {
	t, newt := int64(0), int64(1)
	r, newr := m, ((a%m)+m)%m
	for newr != 0 {
		q := r / newr
		t, newt = newt, t-q*newt
		r, newr = newr, r-q*newr
	}
	if t < 0 {
		t += m
	}
	return t
}

// strideOnSegment produces the exact strided intersection of r and o
// restricted to the arc [segL,segR), which both must cover contiguously.
func (r CircleRange) strideOnSegment(o CircleRange, segL, segR uint64) (CircleRange, int) {
	m := r.mask
	sp := (segR - segL) & m
	off1 := (segL - r.left) & m
	off2 := (segL - o.left) & m
	c1 := (r.step - off1%r.step) % r.step
	c2 := (o.step - off2%o.step) % o.step
	x0, stride, st := crt(c1, r.step, c2, o.step)
	if st == 1 {
		return EmptyRange(), -1
	}
	if st == 2 {
		// Stride not reconcilable without overflow; keep the receiver as
		// a sound superset.
		return r, 1
	}
	if x0 > sp-1 {
		return EmptyRange(), -1
	}
	n := (sp-1-x0)/stride + 1
	out := CircleRange{
		left:     (segL + x0) & m,
		right:    (segL + x0 + n*stride) & m,
		mask:     m,
		step:     stride,
		nonempty: true,
	}
	out.normalize()
	return out, 0
}

// isCycle reports a non-empty complete stride cycle (including the full set).
func (r CircleRange) isCycle() bool { return r.nonempty && r.left == r.right }

// Intersect returns the intersection of two sets over the same domain.
// Status 0 means the result is exact, 1 that a sound superset was substituted
// because the true intersection is not a single arc, -1 that the result is
// empty. The receiver and argument are not modified.
func (r CircleRange) Intersect(o CircleRange) (CircleRange, int) {
	if !r.nonempty || !o.nonempty {
		return EmptyRange(), -1
	}
	if r.mask != o.mask {
		panic("vsa: intersecting ranges of different widths")
	}
	if r.isCycle() && o.isCycle() {
		// Two congruence cycles; strides are powers of two after
		// normalization, so the combined cycle closes.
		x0, stride, st := crt(r.left%r.step, r.step, o.left%o.step, o.step)
		if st == 1 {
			return EmptyRange(), -1
		}
		if st == 2 {
			return r, 1
		}
		if stride > r.mask {
			// The combined stride spans the whole domain; one member left.
			out := CircleRange{left: x0, right: (x0 + 1) & r.mask, mask: r.mask, step: 1, nonempty: true}
			return out, 0
		}
		out := CircleRange{left: x0, right: x0, mask: r.mask, step: stride, nonempty: true}
		out.normalize()
		return out, 0
	}
	if r.isCycle() {
		return r.strideOnSegment(o, o.left, o.right)
	}
	if o.isCycle() {
		return r.strideOnSegment(o, r.left, r.right)
	}
	switch r.overlapWith(o) {
	case overlapDisjoint:
		return EmptyRange(), -1
	case overlapCover:
		return r.strideOnSegment(o, o.left, o.right)
	case overlapWithin:
		return r.strideOnSegment(o, r.left, r.right)
	case overlapLeft:
		return r.strideOnSegment(o, o.left, r.right)
	case overlapRight:
		return r.strideOnSegment(o, r.left, o.right)
	default: // overlapSplit
		// The true intersection is two disjoint arcs; the receiver is a
		// sound containing approximation.
		return r, 1
	}
}

// CircleUnion returns a single range containing the union of two sets over
// the same domain. Status 0 means the result is exactly the union, 1 that
// the smallest sound single-arc cover was substituted, -1 never occurs for
// non-empty inputs.
func (r CircleRange) CircleUnion(o CircleRange) (CircleRange, int) {
	if !o.nonempty {
		if !r.nonempty {
			return EmptyRange(), -1
		}
		return r, 0
	}
	if !r.nonempty {
		return o, 0
	}
	if r.mask != o.mask {
		panic("vsa: union of ranges of different widths")
	}
	if r.ContainsRange(o) {
		return r, 0
	}
	if o.ContainsRange(r) {
		return o, 0
	}
	if r.isCycle() || o.isCycle() {
		// Coarsen to the common cycle covering both phases.
		g := gcd64(r.step, o.step)
		g = gcd64(g, (o.left-r.left)&r.mask)
		out := CircleRange{left: r.left, right: r.left, mask: r.mask, step: g, nonempty: true}
		out.normalize()
		return out, 1
	}

	var left, right uint64
	status := 0
	disjoint := false
	switch r.overlapWith(o) {
	case overlapDisjoint:
		// Two covers are possible; take the one with the smaller span.
		// A zero span here would mean the whole circle, not nothing.
		sp1 := (o.right - r.left) & r.mask
		sp2 := (r.right - o.left) & r.mask
		if sp2 == 0 || (sp1 != 0 && sp1 <= sp2) {
			left, right = r.left, o.right
		} else {
			left, right = o.left, r.right
		}
		disjoint = true
	case overlapLeft:
		left, right = r.left, o.right
	case overlapRight:
		left, right = o.left, r.right
	case overlapCover:
		left, right = r.left, r.right
	case overlapWithin:
		left, right = o.left, o.right
	default: // overlapSplit
		// Arcs crossing twice cover the circle between them.
		left, right = r.left, r.left
	}

	// A single value has no stride of its own; only arcs constrain the
	// merged stride, along with the phase offsets of both left bounds.
	stepOf := func(c CircleRange) uint64 {
		if c.IsSingle() {
			return 0
		}
		return c.step
	}
	g := gcd64(stepOf(r), stepOf(o))
	g = gcd64(g, (r.left-left)&r.mask)
	g = gcd64(g, (o.left-left)&r.mask)
	if g == 0 {
		g = 1
	}
	if s := stepOf(r); s != 0 && g != s {
		status = 1
	}
	if s := stepOf(o); s != 0 && g != s {
		status = 1
	}
	out := CircleRange{left: left, right: right, mask: r.mask, step: g, nonempty: true}
	out.normalize()
	if disjoint && out.Size() != r.Size()+o.Size() {
		status = 1
	}
	return out, status
}

// MinimalContainer returns the smallest single range containing both r and o
// whose stride does not exceed maxStep.
func (r CircleRange) MinimalContainer(o CircleRange, maxStep uint64) CircleRange {
	out, _ := r.CircleUnion(o)
	if out.step > maxStep {
		out.step = 1
		out.normalize()
	}
	return out
}

// Invert returns the complement of the set. Complements are only
// representable for stride-1 sets; other strides report false.
func (r CircleRange) Invert() (CircleRange, bool) {
	if !r.nonempty {
		return CircleRange{mask: r.mask, step: 1, nonempty: true}, true
	}
	if r.step != 1 {
		return CircleRange{}, false
	}
	if r.IsFull() {
		return EmptyRange(), true
	}
	out := CircleRange{left: r.right, right: r.left, mask: r.mask, step: 1, nonempty: true}
	out.normalize()
	return out, true
}

// Widen keeps the stable boundary of r and snaps the unstable one to the
// matching boundary of the containing range o, phase-aligned to r's stride.
// Widening against the full set yields the full set outright, forcing
// convergence of a growing sequence in one step.
func (r CircleRange) Widen(o CircleRange, leftIsStable bool) CircleRange {
	if !r.nonempty {
		return o
	}
	if o.IsFull() {
		// The full set's boundaries bear no relation to r's arc; snapping
		// a bound to them would shrink a range that wraps past zero.
		return o
	}
	out := r
	if leftIsStable {
		out.right = o.right
	} else {
		delta := (r.left - o.left) & r.mask
		out.left = (o.left + delta%r.step) & r.mask
	}
	out.normalize()
	return out
}

// Translate2Op re-expresses the range as a comparison against a constant,
// when one exists: returns the comparison opcode, the constant, and the slot
// the constant occupies. ok is false when no single comparison describes the
// range.
func (r CircleRange) Translate2Op() (opc pcode.OpCode, c uint64, cslot int, ok bool) {
	if !r.nonempty || r.step != 1 || r.IsFull() {
		return pcode.OpInvalid, 0, 0, false
	}
	if r.IsSingle() {
		return pcode.OpIntEqual, r.left, 1, true
	}
	if r.left == (r.right+1)&r.mask {
		return pcode.OpIntNotEqual, r.right, 1, true
	}
	half := r.mask>>1 + 1
	switch {
	case r.left == 0:
		return pcode.OpIntLess, r.right, 1, true // x < c
	case r.right == 0:
		return pcode.OpIntLess, (r.left - 1) & r.mask, 0, true // c < x
	case r.left == half:
		return pcode.OpIntSLess, r.right, 1, true // x s< c
	case r.right == half:
		return pcode.OpIntSLess, (r.left - 1) & r.mask, 0, true // c s< x
	}
	return pcode.OpInvalid, 0, 0, false
}

// reflect returns {c - v : v ∈ r}, the arc mirrored through the constant c.
func (r CircleRange) reflect(c uint64) CircleRange {
	if !r.nonempty {
		return r
	}
	out := CircleRange{
		left:     (c - r.Max()) & r.mask,
		right:    (c - r.left + r.step) & r.mask,
		mask:     r.mask,
		step:     r.step,
		nonempty: true,
	}
	out.normalize()
	return out
}

// shift returns {v + c : v ∈ r}.
func (r CircleRange) shift(c uint64) CircleRange {
	if !r.nonempty {
		return r
	}
	out := r
	out.left = (r.left + c) & r.mask
	out.right = (r.right + c) & r.mask
	return out
}

// clampBool coerces a range to the boolean domain, reporting which of the
// two truth values it may hold.
func (r CircleRange) clampBool() (hasFalse, hasTrue bool) {
	if !r.nonempty {
		return false, false
	}
	if r.mask == 1 {
		return r.Contains(0), r.Contains(1)
	}
	// A wider range used as a boolean: zero against everything else.
	return r.Contains(0), !r.IsSingle() || r.left != 0
}

// fullBool is the two-valued boolean domain {0,1}.
func fullBool() CircleRange {
	return CircleRange{mask: 1, step: 1, nonempty: true}
}

func boolPair(hasFalse, hasTrue bool) (CircleRange, bool) {
	switch {
	case hasFalse && hasTrue:
		return fullBool(), true
	case hasTrue:
		return BoolRange(true), true
	case hasFalse:
		return BoolRange(false), true
	}
	return EmptyRange(), true
}

// umin and umax return the unsigned extremes, collapsing to the domain
// extremes when the arc wraps.
func (r CircleRange) umin() uint64 {
	if r.wraps() {
		return 0
	}
	return r.left
}

func (r CircleRange) umax() uint64 {
	if r.wraps() {
		return r.mask
	}
	return r.Max()
}

// signedSpread returns the signed extremes (as raw bit patterns) when the
// arc is contiguous in signed order, i.e. does not cross the discontinuity
// between the most positive and most negative value.
func (r CircleRange) signedSpread() (smin, smax uint64, ok bool) {
	if !r.nonempty {
		return 0, 0, false
	}
	half := r.mask>>1 + 1
	sp := r.span()
	if sp == 0 {
		return 0, 0, false
	}
	// Crossing the signed break means the offset of the break point from
	// left lies strictly inside the arc.
	off := (half - r.left) & r.mask
	if off != 0 && off < sp {
		return 0, 0, false
	}
	return r.left, r.Max(), true
}

func signedLess(a, b, half uint64) bool {
	// Flip the sign bit to order two's-complement values with an unsigned
	// comparison.
	return a^half < b^half
}
