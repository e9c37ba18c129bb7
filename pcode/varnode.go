package pcode

import "fmt"

// A Varnode is a value-producing entity in the intermediate representation:
// a register, a stack location, a temporary, or a constant. Varnodes carry an
// explicit byte size; all analyses interpret their contents modulo 2^(8*size).
type Varnode struct {
	name    string
	size    int
	def     *Op
	descend []*Op

	isConstant bool
	val        uint64

	nzMask    uint64
	hasNZMask bool
}

// Name returns the display name of the varnode.
func (vn *Varnode) Name() string { return vn.name }

// Size returns the size of the varnode in bytes.
func (vn *Varnode) Size() int { return vn.size }

// Def returns the operation defining the varnode, or nil if the varnode is
// free (a function input or other value with no visible producer).
func (vn *Varnode) Def() *Op { return vn.def }

// IsWritten reports whether some operation defines the varnode.
func (vn *Varnode) IsWritten() bool { return vn.def != nil }

// IsConstant reports whether the varnode holds a compile-time constant.
func (vn *Varnode) IsConstant() bool { return vn.isConstant }

// Val returns the constant value. It panics if the varnode is not constant.
func (vn *Varnode) Val() uint64 {
	if !vn.isConstant {
		panic("pcode: Val on non-constant varnode")
	}
	return vn.val
}

// Descendants returns the operations reading the varnode. The returned slice
// must not be modified.
func (vn *Varnode) Descendants() []*Op { return vn.descend }

// SetNZMask records a hint about which bits of the varnode may be nonzero.
func (vn *Varnode) SetNZMask(mask uint64) {
	vn.nzMask = mask
	vn.hasNZMask = true
}

// NZMask returns the known possibly-nonzero-bits hint, if one was recorded.
func (vn *Varnode) NZMask() (uint64, bool) { return vn.nzMask, vn.hasNZMask }

func (vn *Varnode) String() string {
	if vn.isConstant {
		return fmt.Sprintf("#%#x:%d", vn.val, vn.size)
	}
	return fmt.Sprintf("%s:%d", vn.name, vn.size)
}
