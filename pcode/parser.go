package pcode

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Parse reads a function listing. The format is line oriented:
//
//	function <name>
//	input <varnode> <size>
//	block <index>
//	  <varnode>:<size> = <opcode> <operand>, <operand>...
//	  branch <block>
//	  cbranch <trueblock> <falseblock> <operand>
//	  return <operand>...
//
// Operands are varnode names or constants written #<value>:<size>. Values
// accept the usual Go integer literal bases. An operand may carry a :size
// suffix to forward-declare a varnode defined later in the listing. Blocks must be declared in
// index order starting at 0; control-flow edges are wired from the branch
// statements, with the true edge of a cbranch first, so MULTIEQUAL inputs
// follow predecessor declaration order. Varnodes named by return statements
// are reported as the sinks of the listing. Lines starting with // and blank
// lines are skipped.
func Parse(r io.Reader) (*Function, []*Varnode, error) {
	p := &parser{
		vars: make(map[string]*Varnode),
	}
	scan := bufio.NewScanner(r)
	for scan.Scan() {
		p.lineno++
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		if err := p.line(line); err != nil {
			return nil, nil, fmt.Errorf("line %d: %v", p.lineno, err)
		}
	}
	if err := scan.Err(); err != nil {
		return nil, nil, err
	}
	if p.fn == nil {
		return nil, nil, fmt.Errorf("no function declared")
	}
	if err := p.wire(); err != nil {
		return nil, nil, err
	}
	return p.fn, p.sinks, nil
}

// ParseString is Parse over a string, a convenience for tests.
func ParseString(src string) (*Function, []*Varnode, error) {
	return Parse(strings.NewReader(src))
}

type pendingEdge struct {
	from   *Block
	to     int
	lineno int
}

type parser struct {
	fn     *Function
	cur    *Block
	vars   map[string]*Varnode
	sinks  []*Varnode
	edges  []pendingEdge
	lineno int
}

func (p *parser) line(line string) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "function":
		if len(fields) != 2 {
			return fmt.Errorf("function wants a name")
		}
		if p.fn != nil {
			return fmt.Errorf("duplicate function declaration")
		}
		p.fn = NewFunction(fields[1])
		return nil
	case "input":
		if len(fields) != 3 {
			return fmt.Errorf("input wants a name and a size")
		}
		return p.input(fields[1], fields[2])
	case "block":
		if len(fields) != 2 {
			return fmt.Errorf("block wants an index")
		}
		return p.block(fields[1])
	case "branch":
		if len(fields) != 2 {
			return fmt.Errorf("branch wants a target block")
		}
		return p.branch(fields[1:])
	case "cbranch":
		if len(fields) != 4 {
			return fmt.Errorf("cbranch wants two target blocks and a condition")
		}
		return p.cbranch(fields[1], fields[2], fields[3])
	case "return":
		return p.ret(fields[1:])
	}
	return p.op(line)
}

func (p *parser) input(name, sizeStr string) error {
	if p.fn == nil {
		return fmt.Errorf("input before function")
	}
	size, err := strconv.Atoi(sizeStr)
	if err != nil || size < 1 || size > 8 {
		return fmt.Errorf("bad varnode size %q", sizeStr)
	}
	if _, ok := p.vars[name]; ok {
		return fmt.Errorf("varnode %s declared twice", name)
	}
	p.vars[name] = p.fn.NewVarnode(name, size)
	return nil
}

func (p *parser) block(idxStr string) error {
	if p.fn == nil {
		return fmt.Errorf("block before function")
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil {
		return fmt.Errorf("bad block index %q", idxStr)
	}
	if idx != len(p.fn.Blocks()) {
		return fmt.Errorf("block %d out of order, want %d", idx, len(p.fn.Blocks()))
	}
	p.cur = p.fn.NewBlock()
	return nil
}

func (p *parser) branch(args []string) error {
	if p.cur == nil {
		return fmt.Errorf("branch outside a block")
	}
	to, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("bad branch target %q", args[0])
	}
	p.cur.NewOp(OpBranch, nil)
	p.edges = append(p.edges, pendingEdge{p.cur, to, p.lineno})
	return nil
}

func (p *parser) cbranch(trueStr, falseStr, condStr string) error {
	if p.cur == nil {
		return fmt.Errorf("cbranch outside a block")
	}
	t, err1 := strconv.Atoi(trueStr)
	f, err2 := strconv.Atoi(falseStr)
	if err1 != nil || err2 != nil {
		return fmt.Errorf("bad cbranch targets %q %q", trueStr, falseStr)
	}
	cond, err := p.operand(condStr)
	if err != nil {
		return err
	}
	p.cur.NewOp(OpCBranch, nil, cond)
	p.edges = append(p.edges,
		pendingEdge{p.cur, t, p.lineno},
		pendingEdge{p.cur, f, p.lineno})
	return nil
}

func (p *parser) ret(args []string) error {
	if p.cur == nil {
		return fmt.Errorf("return outside a block")
	}
	for _, a := range args {
		vn, err := p.operand(strings.TrimSuffix(a, ","))
		if err != nil {
			return err
		}
		p.sinks = append(p.sinks, vn)
	}
	return nil
}

// op parses an assignment line: out:size = opcode in0, in1...
func (p *parser) op(line string) error {
	if p.cur == nil {
		return fmt.Errorf("operation outside a block")
	}
	lhs, rhs, found := strings.Cut(line, "=")
	if !found {
		return fmt.Errorf("cannot parse %q", line)
	}
	out, err := p.output(strings.TrimSpace(lhs))
	if err != nil {
		return err
	}
	fields := strings.Fields(rhs)
	if len(fields) == 0 {
		return fmt.Errorf("missing opcode")
	}
	code := OpCodeByName(fields[0])
	if code == OpInvalid {
		return fmt.Errorf("unknown opcode %q", fields[0])
	}
	var ins []*Varnode
	for _, f := range fields[1:] {
		f = strings.TrimSuffix(f, ",")
		if f == "" {
			continue
		}
		vn, err := p.operand(f)
		if err != nil {
			return err
		}
		ins = append(ins, vn)
	}
	if len(ins) == 0 {
		return fmt.Errorf("%s wants at least one input", code)
	}
	p.cur.NewOp(code, out, ins...)
	return nil
}

// output resolves the left-hand side name:size, creating the varnode on
// first definition.
func (p *parser) output(s string) (*Varnode, error) {
	name, sizeStr, found := strings.Cut(s, ":")
	if !found {
		return nil, fmt.Errorf("output %q wants a :size suffix", s)
	}
	size, err := strconv.Atoi(sizeStr)
	if err != nil || size < 1 || size > 8 {
		return nil, fmt.Errorf("bad varnode size %q", sizeStr)
	}
	if vn, ok := p.vars[name]; ok {
		if vn.Size() != size {
			return nil, fmt.Errorf("varnode %s redeclared with size %d, was %d", name, size, vn.Size())
		}
		return vn, nil
	}
	vn := p.fn.NewVarnode(name, size)
	p.vars[name] = vn
	return vn, nil
}

// operand resolves a varnode reference or a #value:size constant.
func (p *parser) operand(s string) (*Varnode, error) {
	if lit, ok := strings.CutPrefix(s, "#"); ok {
		valStr, sizeStr, found := strings.Cut(lit, ":")
		if !found {
			return nil, fmt.Errorf("constant %q wants a :size suffix", s)
		}
		val, err := strconv.ParseUint(valStr, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("bad constant %q", s)
		}
		size, err := strconv.Atoi(sizeStr)
		if err != nil || size < 1 || size > 8 {
			return nil, fmt.Errorf("bad constant size %q", sizeStr)
		}
		return p.fn.Constant(val, size), nil
	}
	if name, sizeStr, found := strings.Cut(s, ":"); found {
		// Forward reference with an explicit size, needed by loop phis
		// reading values defined further down the listing.
		size, err := strconv.Atoi(sizeStr)
		if err != nil || size < 1 || size > 8 {
			return nil, fmt.Errorf("bad varnode size %q", sizeStr)
		}
		if vn, ok := p.vars[name]; ok {
			if vn.Size() != size {
				return nil, fmt.Errorf("varnode %s used with size %d, was %d", name, size, vn.Size())
			}
			return vn, nil
		}
		vn := p.fn.NewVarnode(name, size)
		p.vars[name] = vn
		return vn, nil
	}
	vn, ok := p.vars[s]
	if !ok {
		return nil, fmt.Errorf("undefined varnode %q", s)
	}
	return vn, nil
}

// wire connects the recorded branch edges once all blocks exist.
func (p *parser) wire() error {
	blocks := p.fn.Blocks()
	for _, e := range p.edges {
		if e.to < 0 || e.to >= len(blocks) {
			return fmt.Errorf("line %d: branch to undefined block %d", e.lineno, e.to)
		}
		p.fn.AddEdge(e.from, blocks[e.to])
	}
	return nil
}
