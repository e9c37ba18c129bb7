package vsa

import (
	"testing"
)

// members enumerates a range by walking it with Advance.
func members(r CircleRange) map[uint64]bool {
	out := map[uint64]bool{}
	if r.IsEmpty() {
		return out
	}
	v := r.Min()
	for {
		out[v] = true
		var done bool
		v, done = r.Advance(v)
		if done {
			break
		}
	}
	return out
}

func TestCircleRangePredicates(t *testing.T) {
	full := FullRange(1)
	if !full.IsFull() || full.IsEmpty() || full.IsSingle() {
		t.Errorf("full range misclassified: %s", full)
	}
	if full.Size() != 256 {
		t.Errorf("full byte range has size %d, want 256", full.Size())
	}

	single := SingleRange(0x42, 1)
	if !single.IsSingle() || single.Min() != 0x42 || single.Max() != 0x42 || single.Size() != 1 {
		t.Errorf("single range misclassified: %s", single)
	}

	empty := EmptyRange()
	if !empty.IsEmpty() || empty.Size() != 0 || empty.Contains(0) {
		t.Errorf("empty range misclassified: %s", empty)
	}

	wrap := NewCircleRange(0xf0, 0x10, 1, 1)
	if wrap.Size() != 0x20 || !wrap.Contains(0xff) || !wrap.Contains(0) || wrap.Contains(0x10) {
		t.Errorf("wrapping range misclassified: %s", wrap)
	}
	if wrap.Min() != 0xf0 || wrap.Max() != 0x0f {
		t.Errorf("wrapping range bounds: min %#x max %#x", wrap.Min(), wrap.Max())
	}
}

func TestCircleRangeNormalize(t *testing.T) {
	// The right bound moves to the end of the last whole stride.
	r := NewCircleRange(0, 5, 1, 4)
	if r.End() != 8 || r.Size() != 2 {
		t.Errorf("got %s, want [0,8):4", r)
	}
	if !r.Contains(0) || !r.Contains(4) || r.Contains(5) || r.Contains(8) {
		t.Errorf("membership wrong for %s", r)
	}

	// A complete cycle keeps only its phase.
	c := NewCircleRange(0x15, 0x15, 1, 8)
	if c.Min() != 5 || c.End() != 5 || c.Step() != 8 {
		t.Errorf("cycle not phase-reduced: %s", c)
	}
	if !c.Contains(0x15) || !c.Contains(5) || c.Contains(6) {
		t.Errorf("cycle membership wrong for %s", c)
	}

	// Cycles whose stride cannot divide the domain degrade to full.
	d := NewCircleRange(7, 7, 1, 3)
	if !d.IsFull() {
		t.Errorf("stride-3 cycle should collapse to full, got %s", d)
	}
}

func TestCircleRangeStridedMembership(t *testing.T) {
	r := NewCircleRange(3, 13, 1, 5)
	for v := uint64(0); v < 0x20; v++ {
		want := v == 3 || v == 8
		if got := r.Contains(v); got != want {
			t.Errorf("%s.Contains(%d) = %v, want %v", r, v, got, want)
		}
	}
}

func TestCircleRangeAdvance(t *testing.T) {
	r := NewCircleRange(0x10, 0x20, 1, 4)
	v := r.Min()
	steps := uint64(0)
	for {
		steps++
		var done bool
		v, done = r.Advance(v)
		if done {
			break
		}
		if steps > r.Size() {
			t.Fatalf("walk of %s did not terminate", r)
		}
	}
	if steps != r.Size() {
		t.Errorf("walk of %s took %d steps, want %d", r, steps, r.Size())
	}
}

func TestIntersect(t *testing.T) {
	tests := []struct {
		a, b   CircleRange
		want   CircleRange
		status int
	}{
		{
			NewCircleRange(0, 2, 1, 1), NewCircleRange(1, 3, 1, 1),
			NewCircleRange(1, 2, 1, 1), 0,
		},
		{
			NewCircleRange(0x10, 0x20, 1, 1), NewCircleRange(0x18, 0x30, 1, 1),
			NewCircleRange(0x18, 0x20, 1, 1), 0,
		},
		{
			NewCircleRange(0, 2, 1, 1), NewCircleRange(4, 6, 1, 1),
			EmptyRange(), -1,
		},
		{
			// Wrapping receiver against a plain arc.
			NewCircleRange(0xf0, 0x10, 1, 1), NewCircleRange(0, 0x20, 1, 1),
			NewCircleRange(0, 0x10, 1, 1), 0,
		},
		{
			// Strides 2 and 3 reconcile to 6.
			NewCircleRange(0, 16, 1, 2), NewCircleRange(0, 16, 1, 3),
			NewCircleRange(0, 16, 1, 6), 0,
		},
		{
			// Evens against odds share nothing.
			NewCircleRange(0, 16, 1, 2), NewCircleRange(1, 17, 1, 2),
			EmptyRange(), -1,
		},
		{
			// Full set is the identity.
			FullRange(1), NewCircleRange(5, 9, 1, 1),
			NewCircleRange(5, 9, 1, 1), 0,
		},
	}
	for _, tt := range tests {
		got, st := tt.a.Intersect(tt.b)
		if !got.Equal(tt.want) || st != tt.status {
			t.Errorf("%s ∩ %s = %s (status %d), want %s (status %d)",
				tt.a, tt.b, got, st, tt.want, tt.status)
		}
	}
}

func TestIntersectSplit(t *testing.T) {
	// The two arcs overlap at both ends; the true intersection is two
	// pieces, so the receiver is kept and flagged.
	a := NewCircleRange(0, 0x80, 1, 1)
	b := NewCircleRange(0x70, 0x10, 1, 1)
	got, st := a.Intersect(b)
	if st != 1 || !got.Equal(a) {
		t.Errorf("split intersect = %s (status %d), want receiver with status 1", got, st)
	}
}

func TestCircleUnion(t *testing.T) {
	tests := []struct {
		a, b   CircleRange
		want   CircleRange
		status int
	}{
		{
			// Adjacent arcs fuse exactly.
			NewCircleRange(0, 2, 1, 1), NewCircleRange(2, 4, 1, 1),
			NewCircleRange(0, 4, 1, 1), 0,
		},
		{
			// Two values four apart become a stride-4 pair.
			SingleRange(0, 1), SingleRange(4, 1),
			NewCircleRange(0, 8, 1, 4), 0,
		},
		{
			// A gap forces an approximated cover.
			NewCircleRange(0, 4, 1, 1), NewCircleRange(8, 12, 1, 1),
			NewCircleRange(0, 12, 1, 1), 1,
		},
		{
			NewCircleRange(0x10, 0x20, 1, 1), NewCircleRange(0x18, 0x30, 1, 1),
			NewCircleRange(0x10, 0x30, 1, 1), 0,
		},
		{
			// Arcs crossing twice cover the whole circle.
			NewCircleRange(0, 0x80, 1, 1), NewCircleRange(0x70, 0x10, 1, 1),
			FullRange(1), 0,
		},
		{
			// Containment short-circuits.
			NewCircleRange(0, 0x10, 1, 1), NewCircleRange(4, 8, 1, 1),
			NewCircleRange(0, 0x10, 1, 1), 0,
		},
	}
	for _, tt := range tests {
		got, st := tt.a.CircleUnion(tt.b)
		if !got.Equal(tt.want) || st != tt.status {
			t.Errorf("%s ∪ %s = %s (status %d), want %s (status %d)",
				tt.a, tt.b, got, st, tt.want, tt.status)
		}
	}
}

func TestInvert(t *testing.T) {
	r := NewCircleRange(0x10, 0x20, 1, 1)
	inv, ok := r.Invert()
	if !ok || !inv.Equal(NewCircleRange(0x20, 0x10, 1, 1)) {
		t.Errorf("invert of %s = %s, ok=%v", r, inv, ok)
	}
	if _, ok := NewCircleRange(0, 8, 1, 2).Invert(); ok {
		t.Error("strided range should not invert")
	}
	if inv, ok := FullRange(1).Invert(); !ok || !inv.IsEmpty() {
		t.Errorf("invert of full = %s, ok=%v", inv, ok)
	}
	if inv, ok := EmptyRange().Invert(); !ok || inv.nonempty && !inv.IsFull() {
		t.Errorf("invert of empty = %s, ok=%v", inv, ok)
	}
}

func TestWiden(t *testing.T) {
	// Snapping the unstable right bound to a landmark.
	r := NewCircleRange(0, 4, 1, 1)
	landmark := NewCircleRange(0, 10, 1, 1)
	if got := r.Widen(landmark, true); !got.Equal(landmark) {
		t.Errorf("widen to landmark = %s, want %s", got, landmark)
	}

	// Widening against the full set converges in one step.
	full := FullRange(1)
	if got := NewCircleRange(0, 4, 1, 1).Widen(full, true); !got.IsFull() {
		t.Errorf("widen to full = %s", got)
	}

	// A range wrapping past zero must not shrink; snapping its right bound
	// to the full set's boundary would drop the wrapped members.
	wrap := NewCircleRange(0xf0, 0x10, 1, 1)
	if got := wrap.Widen(full, true); !got.IsFull() {
		t.Errorf("widen of wrapping %s to full = %s", wrap, got)
	}
	if got := wrap.Widen(full, false); !got.IsFull() {
		t.Errorf("left widen of wrapping %s to full = %s", wrap, got)
	}

	// An unstable left bound moves while keeping the stride phase.
	r = NewCircleRange(8, 16, 1, 4)
	got := r.Widen(NewCircleRange(2, 16, 1, 1), false)
	if got.Min() != 4 || got.Step() != 4 {
		t.Errorf("left widen = %s, want phase-aligned left 4", got)
	}
}

func TestMinimalContainer(t *testing.T) {
	a := SingleRange(0, 1)
	b := SingleRange(4, 1)
	got := a.MinimalContainer(b, 2)
	if got.Step() > 2 || !got.Contains(0) || !got.Contains(4) {
		t.Errorf("minimal container = %s", got)
	}
}

func TestTranslate2Op(t *testing.T) {
	tests := []struct {
		r     CircleRange
		name  string
		c     uint64
		cslot int
		ok    bool
	}{
		{SingleRange(7, 1), "int_equal", 7, 1, true},
		{NewCircleRange(8, 7, 1, 1), "int_notequal", 7, 1, true},
		{NewCircleRange(0, 0x10, 1, 1), "int_less", 0x10, 1, true},
		{NewCircleRange(0x10, 0, 1, 1), "int_less", 0x0f, 0, true},
		{NewCircleRange(0x80, 0x10, 1, 1), "int_sless", 0x10, 1, true},
		{NewCircleRange(3, 9, 1, 1), "", 0, 0, false},
		{FullRange(1), "", 0, 0, false},
	}
	for _, tt := range tests {
		opc, c, cslot, ok := tt.r.Translate2Op()
		if ok != tt.ok {
			t.Errorf("%s: Translate2Op ok=%v, want %v", tt.r, ok, tt.ok)
			continue
		}
		if !ok {
			continue
		}
		if opc.String() != tt.name || c != tt.c || cslot != tt.cslot {
			t.Errorf("%s: Translate2Op = %s %#x slot %d, want %s %#x slot %d",
				tt.r, opc, c, cslot, tt.name, tt.c, tt.cslot)
		}
	}
}

func TestNZMaskRange(t *testing.T) {
	r := NZMaskRange(0x0c, 1)
	if r.Step() != 4 || r.Min() != 0 || !r.Contains(0x0c) || r.Contains(0x10) {
		t.Errorf("nzmask range = %s", r)
	}
	if got := NZMaskRange(0, 1); !got.IsSingle() || got.Min() != 0 {
		t.Errorf("zero nzmask = %s", got)
	}
	if got := NZMaskRange(0xff, 1); !got.IsFull() {
		t.Errorf("all-ones nzmask = %s", got)
	}
}

func TestContainsRangeSingle(t *testing.T) {
	// A single value carries stride 1 regardless of the receiver's stride;
	// only membership of the value itself decides containment.
	r := NewCircleRange(0, 0x10, 1, 2)
	for _, v := range []uint64{0, 2, 0xe} {
		if !r.ContainsRange(SingleRange(v, 1)) {
			t.Errorf("%s.ContainsRange([%#x]) = false, want true", r, v)
		}
	}
	for _, v := range []uint64{1, 5, 0x10} {
		if r.ContainsRange(SingleRange(v, 1)) {
			t.Errorf("%s.ContainsRange([%#x]) = true, want false", r, v)
		}
	}
}

// crossRanges is a grid of shapes used by the algebraic property tests:
// plain arcs, wrapping arcs, strided arcs, cycles, singles, extremes.
func crossRanges() []CircleRange {
	return []CircleRange{
		EmptyRange(),
		FullRange(1),
		SingleRange(0, 1),
		SingleRange(0xff, 1),
		SingleRange(0x40, 1),
		NewCircleRange(0, 0x10, 1, 1),
		NewCircleRange(8, 0x18, 1, 1),
		NewCircleRange(0xf0, 0x10, 1, 1),
		NewCircleRange(0x80, 0x10, 1, 1),
		NewCircleRange(0, 0x10, 1, 2),
		NewCircleRange(1, 0x11, 1, 2),
		NewCircleRange(0, 0x30, 1, 3),
		NewCircleRange(5, 0x25, 1, 5),
		NewCircleRange(0xfc, 0x0c, 1, 4),
		NewCircleRange(0, 0, 1, 2),
		NewCircleRange(1, 1, 1, 2),
		NewCircleRange(3, 3, 1, 8),
		NewCircleRange(0, 0x80, 1, 1),
		NewCircleRange(0x70, 0x10, 1, 1),
	}
}

func TestIntersectSound(t *testing.T) {
	ranges := crossRanges()
	for _, a := range ranges {
		for _, b := range ranges {
			got, st := a.Intersect(b)
			ma, mb, mg := members(a), members(b), members(got)
			inter := map[uint64]bool{}
			for v := range ma {
				if mb[v] {
					inter[v] = true
				}
			}
			switch st {
			case -1:
				if len(inter) != 0 || !got.IsEmpty() {
					t.Errorf("%s ∩ %s reported empty, but share %d members", a, b, len(inter))
				}
			case 0:
				if len(mg) != len(inter) {
					t.Errorf("%s ∩ %s = %s not exact: %d members, want %d", a, b, got, len(mg), len(inter))
				}
				fallthrough
			case 1:
				for v := range inter {
					if !mg[v] {
						t.Errorf("%s ∩ %s = %s misses member %#x", a, b, got, v)
					}
				}
			}
		}
	}
}

func TestCircleUnionSound(t *testing.T) {
	ranges := crossRanges()
	for _, a := range ranges {
		for _, b := range ranges {
			got, st := a.CircleUnion(b)
			ma, mb, mg := members(a), members(b), members(got)
			for v := range ma {
				if !mg[v] {
					t.Errorf("%s ∪ %s = %s misses %#x from left operand", a, b, got, v)
				}
			}
			for v := range mb {
				if !mg[v] {
					t.Errorf("%s ∪ %s = %s misses %#x from right operand", a, b, got, v)
				}
			}
			if st == 0 {
				union := map[uint64]bool{}
				for v := range ma {
					union[v] = true
				}
				for v := range mb {
					union[v] = true
				}
				if len(mg) != len(union) {
					t.Errorf("%s ∪ %s = %s claimed exact: %d members, want %d", a, b, got, len(mg), len(union))
				}
			}
		}
	}
}

func TestContainsRangeSound(t *testing.T) {
	ranges := crossRanges()
	for _, a := range ranges {
		for _, b := range ranges {
			ma, mb := members(a), members(b)
			want := true
			for v := range mb {
				if !ma[v] {
					want = false
					break
				}
			}
			if got := a.ContainsRange(b); got != want {
				t.Errorf("%s.ContainsRange(%s) = %v, want %v", a, b, got, want)
			}
		}
	}
}
