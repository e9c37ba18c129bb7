package pcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStraightLine(t *testing.T) {
	fn, sinks, err := ParseString(`
// a guarded increment
function guard
input x 4
block 0
  c:1 = int_less x, #0xa:4
  cbranch 1 2 c
block 1
  y:4 = int_add x, #0x1:4
  return y
block 2
  return x
`)
	require.NoError(t, err)
	require.Len(t, fn.Blocks(), 3)
	assert.Equal(t, "guard", fn.Name())

	b0 := fn.Entry()
	require.Equal(t, 2, b0.NumOut())
	assert.Equal(t, fn.Blocks()[1], b0.TrueOut())
	assert.Equal(t, fn.Blocks()[2], b0.FalseOut())

	term := b0.Terminator()
	require.NotNil(t, term)
	assert.Equal(t, OpCBranch, term.Code())

	require.Len(t, sinks, 2)
	assert.Equal(t, "y", sinks[0].Name())
	assert.Equal(t, "x", sinks[1].Name())

	y := sinks[0]
	require.NotNil(t, y.Def())
	assert.Equal(t, OpIntAdd, y.Def().Code())
	one := y.Def().Input(1)
	assert.True(t, one.IsConstant())
	assert.Equal(t, uint64(1), one.Val())
}

func TestParseLoopForwardReference(t *testing.T) {
	fn, sinks, err := ParseString(`
function loop
block 0
  i0:4 = copy #0x0:4
  branch 1
block 1
  i:4 = multiequal i0, inext:4
  c:1 = int_less i, #0xa:4
  cbranch 2 3 c
block 2
  inext:4 = int_add i, #0x1:4
  branch 1
block 3
  return i
`)
	require.NoError(t, err)
	require.Len(t, fn.Blocks(), 4)
	require.Len(t, sinks, 1)

	head := fn.Blocks()[1]
	require.Equal(t, 2, head.NumIn())
	assert.Equal(t, fn.Blocks()[0], head.In(0))
	assert.Equal(t, fn.Blocks()[2], head.In(1))

	phi := sinks[0].Def()
	require.NotNil(t, phi)
	require.Equal(t, OpMultiequal, phi.Code())
	// Phi inputs line up with the block's predecessor order.
	assert.Equal(t, "i0", phi.Input(0).Name())
	assert.Equal(t, "inext", phi.Input(1).Name())
	assert.Equal(t, 4, phi.Input(1).Size())
	require.NotNil(t, phi.Input(1).Def())
	assert.Equal(t, OpIntAdd, phi.Input(1).Def().Code())
}

func TestParseConstantDedup(t *testing.T) {
	fn, _, err := ParseString(`
function f
input x 4
block 0
  a:4 = int_add x, #0x5:4
  b:4 = int_add x, #0x5:4
  return a, b
`)
	require.NoError(t, err)
	ops := fn.Entry().Ops()
	require.Len(t, ops, 2)
	assert.Same(t, ops[0].Input(1), ops[1].Input(1))
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"no function", "block 0", "block before function"},
		{"bad opcode", "function f\nblock 0\na:4 = frobnicate a", "unknown opcode"},
		{"undefined varnode", "function f\nblock 0\na:4 = copy qq", "undefined varnode"},
		{"missing size", "function f\nblock 0\na = copy #0x1:4", "wants a :size suffix"},
		{"bad constant", "function f\nblock 0\na:4 = copy #zz:4", "bad constant"},
		{"block out of order", "function f\nblock 1", "out of order"},
		{"branch target", "function f\nblock 0\nbranch 7", "undefined block"},
		{"size mismatch", "function f\ninput x 4\nblock 0\nx:2 = copy #0x1:2", "redeclared"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseString(tt.src)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
