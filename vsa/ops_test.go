package vsa

import (
	"testing"

	"github.com/decomp-tools/rangeprop/pcode"
)

func TestPushForwardUnary(t *testing.T) {
	tests := []struct {
		opc     pcode.OpCode
		in      CircleRange
		inSize  int
		outSize int
		want    CircleRange
	}{
		{pcode.OpCopy, NewCircleRange(1, 5, 4, 1), 4, 4, NewCircleRange(1, 5, 4, 1)},
		{pcode.OpInt2Comp, SingleRange(1, 4), 4, 4, SingleRange(0xffffffff, 4)},
		{pcode.OpIntNegate, SingleRange(0, 4), 4, 4, SingleRange(0xffffffff, 4)},
		{pcode.OpIntZext, NewCircleRange(0x10, 0x20, 1, 1), 1, 2, NewCircleRange(0x10, 0x20, 2, 1)},
		// A wrapping byte arc is no longer contiguous in the wider
		// domain, so the whole byte image is used.
		{pcode.OpIntZext, NewCircleRange(0xf0, 0x10, 1, 1), 1, 2, NewCircleRange(0, 0x100, 2, 1)},
		{pcode.OpIntSext, SingleRange(0x80, 1), 1, 2, SingleRange(0xff80, 2)},
		// Crossing the signed break falls back to the extension image.
		{pcode.OpIntSext, NewCircleRange(0x70, 0x90, 1, 1), 1, 2, NewCircleRange(0xff80, 0x80, 2, 1)},
	}
	for _, tt := range tests {
		got, ok := PushForwardUnary(tt.opc, tt.in, tt.inSize, tt.outSize)
		if !ok || !got.Equal(tt.want) {
			t.Errorf("%s(%s) = %s (ok=%v), want %s", tt.opc, tt.in, got, ok, tt.want)
		}
	}
}

func TestPushForwardBinary(t *testing.T) {
	tests := []struct {
		opc    pcode.OpCode
		a, b   CircleRange
		size   int
		want   CircleRange
	}{
		{pcode.OpIntAdd, NewCircleRange(0, 5, 4, 1), SingleRange(1, 4), 4, NewCircleRange(1, 6, 4, 1)},
		{pcode.OpIntSub, SingleRange(10, 4), SingleRange(3, 4), 4, SingleRange(7, 4)},
		{pcode.OpIntAnd, NewCircleRange(0, 0x100, 4, 1), SingleRange(0xf0, 4), 4, NewCircleRange(0, 0x100, 4, 0x10)},
		{pcode.OpIntMult, NewCircleRange(1, 4, 4, 1), SingleRange(3, 4), 4, NewCircleRange(3, 12, 4, 3)},
		{pcode.OpIntLeft, NewCircleRange(0, 4, 4, 1), SingleRange(2, 4), 4, NewCircleRange(0, 16, 4, 4)},
		{pcode.OpIntRight, NewCircleRange(0x10, 0x20, 4, 1), SingleRange(4, 4), 4, SingleRange(1, 4)},
		{pcode.OpIntSRight, SingleRange(0x80, 1), SingleRange(1, 1), 1, SingleRange(0xc0, 1)},
	}
	for _, tt := range tests {
		got, ok := PushForwardBinary(tt.opc, tt.a, tt.b, tt.size, tt.size, 64)
		if !ok || !got.Equal(tt.want) {
			t.Errorf("%s(%s, %s) = %s (ok=%v), want %s", tt.opc, tt.a, tt.b, got, ok, tt.want)
		}
	}
}

func TestPushForwardSubpiece(t *testing.T) {
	got, ok := PushForwardBinary(pcode.OpSubpiece, SingleRange(0x1234, 2), SingleRange(1, 1), 2, 1, 64)
	if !ok || !got.Equal(SingleRange(0x12, 1)) {
		t.Errorf("subpiece = %s (ok=%v), want [0x12]", got, ok)
	}
}

func TestPushForwardCompare(t *testing.T) {
	lo := NewCircleRange(0, 5, 4, 1)
	hi := NewCircleRange(10, 20, 4, 1)
	if got, _ := PushForwardBinary(pcode.OpIntLess, lo, hi, 4, 1, 64); !got.Equal(BoolRange(true)) {
		t.Errorf("[0,5) < [10,20) = %s, want true", got)
	}
	if got, _ := PushForwardBinary(pcode.OpIntLess, hi, lo, 4, 1, 64); !got.Equal(BoolRange(false)) {
		t.Errorf("[10,20) < [0,5) = %s, want false", got)
	}
	if got, _ := PushForwardBinary(pcode.OpIntEqual, SingleRange(3, 4), SingleRange(3, 4), 4, 1, 64); !got.Equal(BoolRange(true)) {
		t.Errorf("3 == 3 = %s, want true", got)
	}
	if got, _ := PushForwardBinary(pcode.OpIntEqual, SingleRange(3, 4), SingleRange(4, 4), 4, 1, 64); !got.Equal(BoolRange(false)) {
		t.Errorf("3 == 4 = %s, want false", got)
	}
	overlap := NewCircleRange(0, 20, 4, 1)
	if got, _ := PushForwardBinary(pcode.OpIntLess, overlap, hi, 4, 1, 64); !got.Equal(fullBool()) {
		t.Errorf("[0,20) < [10,20) = %s, want both", got)
	}
}

func TestPullBackBinary(t *testing.T) {
	out := NewCircleRange(5, 10, 4, 1)
	got, ok := out.PullBackBinary(pcode.OpIntAdd, 3, 0, 4, 4)
	if !ok || !got.Equal(NewCircleRange(2, 7, 4, 1)) {
		t.Errorf("pull back add = %s (ok=%v), want [2,7)", got, ok)
	}

	// out = 10 - x constrained to [1,4) means x in [7,10).
	out = NewCircleRange(1, 4, 4, 1)
	got, ok = out.PullBackBinary(pcode.OpIntSub, 10, 1, 4, 4)
	if !ok || !got.Equal(NewCircleRange(7, 10, 4, 1)) {
		t.Errorf("pull back sub slot1 = %s (ok=%v), want [7,10)", got, ok)
	}
}

func TestPullBackCompare(t *testing.T) {
	true1 := BoolRange(true)
	false1 := BoolRange(false)
	tests := []struct {
		opc  pcode.OpCode
		out  CircleRange
		val  uint64
		slot int
		want CircleRange
	}{
		{pcode.OpIntEqual, true1, 7, 0, SingleRange(7, 4)},
		{pcode.OpIntEqual, false1, 7, 0, NewCircleRange(8, 7, 4, 1)},
		{pcode.OpIntLess, true1, 0x10, 0, NewCircleRange(0, 0x10, 4, 1)},
		{pcode.OpIntLess, false1, 0x10, 0, NewCircleRange(0x10, 0, 4, 1)},
		{pcode.OpIntLess, true1, 0x10, 1, NewCircleRange(0x11, 0, 4, 1)},
		{pcode.OpIntLessEqual, true1, 0x10, 0, NewCircleRange(0, 0x11, 4, 1)},
		{pcode.OpIntSLess, true1, 0x10, 0, NewCircleRange(0x80000000, 0x10, 4, 1)},
		{pcode.OpIntSLess, false1, 0x10, 0, NewCircleRange(0x10, 0x80000000, 4, 1)},
	}
	for _, tt := range tests {
		got, ok := tt.out.PullBackBinary(tt.opc, tt.val, tt.slot, 4, 1)
		if !ok || !got.Equal(tt.want) {
			t.Errorf("%s out=%s val=%#x slot=%d: pulled back %s (ok=%v), want %s",
				tt.opc, tt.out, tt.val, tt.slot, got, ok, tt.want)
		}
	}

	// x < 0 is never true; the constrained set is empty.
	got, ok := true1.PullBackBinary(pcode.OpIntLess, 0, 0, 4, 1)
	if !ok || !got.IsEmpty() {
		t.Errorf("x < 0 pulled back %s (ok=%v), want empty", got, ok)
	}
}

func TestPullBackUnary(t *testing.T) {
	out := NewCircleRange(0x10, 0x20, 2, 1)
	got, ok := out.PullBackUnary(pcode.OpIntZext, 1, 2)
	if !ok || !got.Equal(NewCircleRange(0x10, 0x20, 1, 1)) {
		t.Errorf("pull back zext = %s (ok=%v), want [0x10,0x20)", got, ok)
	}

	// Only the part of the output inside the zero extension image maps
	// back to inputs.
	out = NewCircleRange(0x80, 0x200, 2, 1)
	got, ok = out.PullBackUnary(pcode.OpIntZext, 1, 2)
	if !ok || !got.Equal(NewCircleRange(0x80, 0, 1, 1)) {
		t.Errorf("clipped zext pull back = %s (ok=%v), want [0x80,0)", got, ok)
	}

	out = SingleRange(5, 4)
	got, ok = out.PullBackUnary(pcode.OpInt2Comp, 4, 4)
	if !ok || !got.Equal(SingleRange(^uint64(4)&0xffffffff, 4)) {
		t.Errorf("pull back 2comp = %s (ok=%v)", got, ok)
	}
}
