package pcode

import "fmt"

// A Block is a basic block of operations with explicit control-flow edges.
// For a block terminated by a CBRANCH, out-edge 0 is the taken (condition
// true) edge and out-edge 1 is the fall-through edge.
type Block struct {
	index  int
	fn     *Function
	ops    []*Op
	preds  []*Block
	succs  []*Block
	idom   *Block
	domNum int // preorder number in the dominator tree
	domMax int // largest domNum in this block's subtree
}

// Index returns the position of the block within its function.
func (b *Block) Index() int { return b.index }

// Ops returns the operations of the block in execution order.
func (b *Block) Ops() []*Op { return b.ops }

// NumIn returns the number of incoming edges.
func (b *Block) NumIn() int { return len(b.preds) }

// In returns the i'th predecessor block.
func (b *Block) In(i int) *Block { return b.preds[i] }

// NumOut returns the number of outgoing edges.
func (b *Block) NumOut() int { return len(b.succs) }

// Out returns the i'th successor block.
func (b *Block) Out(i int) *Block { return b.succs[i] }

// Terminator returns the last operation of the block, or nil if the block is
// empty.
func (b *Block) Terminator() *Op {
	if len(b.ops) == 0 {
		return nil
	}
	return b.ops[len(b.ops)-1]
}

// TrueOut returns the successor taken when the terminating CBRANCH condition
// holds.
func (b *Block) TrueOut() *Block { return b.succs[0] }

// FalseOut returns the successor taken when the terminating CBRANCH
// condition fails.
func (b *Block) FalseOut() *Block { return b.succs[1] }

// ImmedDom returns the immediate dominator of the block, or nil for the
// entry block. Valid only after Function.BuildDominators.
func (b *Block) ImmedDom() *Block { return b.idom }

// Dominates reports whether b dominates other. Every block dominates itself.
// Valid only after Function.BuildDominators.
func (b *Block) Dominates(other *Block) bool {
	return b.domNum <= other.domNum && other.domNum <= b.domMax
}

func (b *Block) String() string { return fmt.Sprintf("block%d", b.index) }

// A Function is a single-entry control-flow graph of blocks, together with
// the varnodes flowing between their operations. The zero'th block is the
// entry.
type Function struct {
	name     string
	blocks   []*Block
	varnodes []*Varnode
	consts   map[constKey]*Varnode
	tmp      int
}

type constKey struct {
	val  uint64
	size int
}

// NewFunction returns an empty function with the given name.
func NewFunction(name string) *Function {
	return &Function{name: name, consts: map[constKey]*Varnode{}}
}

// Name returns the function's name.
func (f *Function) Name() string { return f.name }

// Blocks returns the function's blocks. Index 0 is the entry.
func (f *Function) Blocks() []*Block { return f.blocks }

// Entry returns the entry block.
func (f *Function) Entry() *Block { return f.blocks[0] }

// Varnodes returns every non-constant varnode created in the function.
func (f *Function) Varnodes() []*Varnode { return f.varnodes }

// NewBlock appends a fresh empty block to the function.
func (f *Function) NewBlock() *Block {
	b := &Block{index: len(f.blocks), fn: f}
	f.blocks = append(f.blocks, b)
	return b
}

// AddEdge records a control-flow edge from one block to another. Edges must
// be added in successor order; for CBRANCH blocks the true edge comes first.
func (f *Function) AddEdge(from, to *Block) {
	from.succs = append(from.succs, to)
	to.preds = append(to.preds, from)
}

// NewVarnode creates a free varnode of the given byte size. It stays free
// until an operation lists it as output.
func (f *Function) NewVarnode(name string, size int) *Varnode {
	if name == "" {
		name = fmt.Sprintf("u%d", f.tmp)
		f.tmp++
	}
	vn := &Varnode{name: name, size: size}
	f.varnodes = append(f.varnodes, vn)
	return vn
}

// Constant returns the varnode for the given constant value, creating it on
// first use. Constants are deduplicated per (value, size) pair.
func (f *Function) Constant(val uint64, size int) *Varnode {
	val &= sizeMask(size)
	key := constKey{val, size}
	if vn, ok := f.consts[key]; ok {
		return vn
	}
	vn := &Varnode{name: fmt.Sprintf("#%#x", val), size: size, isConstant: true, val: val}
	f.consts[key] = vn
	return vn
}

// NewOp appends an operation to the block. The output may be nil for
// control-flow operations. Each varnode can be output of at most one op.
func (b *Block) NewOp(code OpCode, out *Varnode, ins ...*Varnode) *Op {
	if out != nil && out.def != nil {
		panic(fmt.Sprintf("pcode: varnode %s defined twice", out.Name()))
	}
	op := &Op{code: code, inputs: ins, output: out, parent: b, order: len(b.ops)}
	b.ops = append(b.ops, op)
	if out != nil {
		out.def = op
	}
	for _, in := range ins {
		in.descend = append(in.descend, op)
	}
	return op
}

func sizeMask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (8 * size)) - 1
}

// BuildDominators computes the dominator tree of the function using the
// iterative algorithm of Cooper, Harvey and Kennedy. It must be called after
// all edges are in place and before any dominance query.
func (f *Function) BuildDominators() {
	if len(f.blocks) == 0 {
		return
	}
	// Postorder over the CFG, with an explicit stack so deep graphs cannot
	// overflow the goroutine stack; unreachable blocks keep a nil idom.
	post := make([]*Block, 0, len(f.blocks))
	ponum := make([]int, len(f.blocks))
	for i := range ponum {
		ponum[i] = -1
	}
	type walkFrame struct {
		b    *Block
		next int
	}
	seen := make([]bool, len(f.blocks))
	seen[f.Entry().index] = true
	stack := []walkFrame{{b: f.Entry()}}
	for len(stack) > 0 {
		fr := &stack[len(stack)-1]
		if fr.next < len(fr.b.succs) {
			s := fr.b.succs[fr.next]
			fr.next++
			if !seen[s.index] {
				seen[s.index] = true
				stack = append(stack, walkFrame{b: s})
			}
			continue
		}
		ponum[fr.b.index] = len(post)
		post = append(post, fr.b)
		stack = stack[:len(stack)-1]
	}

	intersect := func(x, y *Block) *Block {
		for x != y {
			for ponum[x.index] < ponum[y.index] {
				x = x.idom
			}
			for ponum[y.index] < ponum[x.index] {
				y = y.idom
			}
		}
		return x
	}

	entry := f.Entry()
	entry.idom = entry
	for changed := true; changed; {
		changed = false
		for i := len(post) - 1; i >= 0; i-- {
			b := post[i]
			if b == entry {
				continue
			}
			var newIdom *Block
			for _, p := range b.preds {
				if p.idom == nil {
					continue
				}
				if newIdom == nil {
					newIdom = p
				} else {
					newIdom = intersect(p, newIdom)
				}
			}
			if newIdom != nil && b.idom != newIdom {
				b.idom = newIdom
				changed = true
			}
		}
	}
	entry.idom = nil

	// Number the dominator tree in preorder so Dominates is a pair of
	// integer comparisons.
	children := make(map[*Block][]*Block)
	for _, b := range f.blocks {
		if b.idom != nil {
			children[b.idom] = append(children[b.idom], b)
		}
	}
	num := 0
	type numFrame struct {
		b    *Block
		next int
	}
	entry.domNum = num
	num++
	numbering := []numFrame{{b: entry}}
	for len(numbering) > 0 {
		fr := &numbering[len(numbering)-1]
		if fr.next < len(children[fr.b]) {
			c := children[fr.b][fr.next]
			fr.next++
			c.domNum = num
			num++
			numbering = append(numbering, numFrame{b: c})
			continue
		}
		fr.b.domMax = num - 1
		numbering = numbering[:len(numbering)-1]
	}
}
