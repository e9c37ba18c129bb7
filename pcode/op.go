package pcode

import "fmt"

// OpCode identifies the operation performed by an Op. The set mirrors the
// integer, bitwise and control-flow portion of a decompiler's register
// transfer language; floating-point and call operations are deliberately
// absent, the analyses in this module treat anything unlisted as opaque.
type OpCode uint8

const (
	OpInvalid OpCode = iota

	OpCopy
	OpIntAdd
	OpIntSub
	OpIntMult
	OpIntAnd
	OpIntOr
	OpIntXor
	OpIntLeft
	OpIntRight
	OpIntSRight
	OpIntZext
	OpIntSext
	OpInt2Comp
	OpIntNegate
	OpBoolNegate
	OpIntEqual
	OpIntNotEqual
	OpIntLess
	OpIntLessEqual
	OpIntSLess
	OpIntSLessEqual
	OpSubpiece
	OpMultiequal
	OpBranch
	OpCBranch

	numOpCodes
)

var opNames = [numOpCodes]string{
	OpInvalid:       "invalid",
	OpCopy:          "copy",
	OpIntAdd:        "int_add",
	OpIntSub:        "int_sub",
	OpIntMult:       "int_mult",
	OpIntAnd:        "int_and",
	OpIntOr:         "int_or",
	OpIntXor:        "int_xor",
	OpIntLeft:       "int_left",
	OpIntRight:      "int_right",
	OpIntSRight:     "int_sright",
	OpIntZext:       "int_zext",
	OpIntSext:       "int_sext",
	OpInt2Comp:      "int_2comp",
	OpIntNegate:     "int_negate",
	OpBoolNegate:    "bool_negate",
	OpIntEqual:      "int_equal",
	OpIntNotEqual:   "int_notequal",
	OpIntLess:       "int_less",
	OpIntLessEqual:  "int_lessequal",
	OpIntSLess:      "int_sless",
	OpIntSLessEqual: "int_slessequal",
	OpSubpiece:      "subpiece",
	OpMultiequal:    "multiequal",
	OpBranch:        "branch",
	OpCBranch:       "cbranch",
}

func (c OpCode) String() string {
	if c >= numOpCodes {
		return fmt.Sprintf("opcode(%d)", uint8(c))
	}
	return opNames[c]
}

// OpCodeByName returns the OpCode with the given mnemonic, or OpInvalid if
// the mnemonic is unknown.
func OpCodeByName(name string) OpCode {
	for c, n := range opNames {
		if n == name && OpCode(c) != OpInvalid {
			return OpCode(c)
		}
	}
	return OpInvalid
}

// IsComparison reports whether the opcode produces a boolean from comparing
// its two inputs.
func (c OpCode) IsComparison() bool {
	switch c {
	case OpIntEqual, OpIntNotEqual, OpIntLess, OpIntLessEqual, OpIntSLess, OpIntSLessEqual:
		return true
	}
	return false
}

// An Op is a single operation in a function's intermediate representation.
// At most one Op defines any given Varnode.
type Op struct {
	code   OpCode
	inputs []*Varnode
	output *Varnode
	parent *Block
	order  int
}

// Code returns the opcode of the operation.
func (op *Op) Code() OpCode { return op.code }

// NumInputs returns the number of operand slots.
func (op *Op) NumInputs() int { return len(op.inputs) }

// Input returns the varnode in the given operand slot.
func (op *Op) Input(slot int) *Varnode { return op.inputs[slot] }

// Output returns the varnode defined by the operation, or nil for pure
// control-flow operations.
func (op *Op) Output() *Varnode { return op.output }

// Parent returns the basic block holding the operation.
func (op *Op) Parent() *Block { return op.parent }

// Slot returns the first operand slot occupied by vn, or -1.
func (op *Op) Slot(vn *Varnode) int {
	for i, in := range op.inputs {
		if in == vn {
			return i
		}
	}
	return -1
}

func (op *Op) String() string {
	s := ""
	if op.output != nil {
		s = op.output.Name() + " = "
	}
	s += op.code.String()
	for _, in := range op.inputs {
		s += " " + in.Name()
	}
	return s
}
