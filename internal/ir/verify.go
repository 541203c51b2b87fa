package ir

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/flow"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/traverse"
)

// Verify checks the structural invariants of fn. Address-materializing
// instructions must produce ptrType. All violations are joined.
func Verify(fn *Func, ptrType Type) error {
	if fn == nil {
		return fmt.Errorf("%w: nil function", ErrInvalidReference)
	}
	v := &verifier{fn: fn, ptr: ptrType}
	v.checkSignature()
	if len(fn.Blocks) == 0 {
		v.fail(ErrEmptyFunction, "function %s", fn.Name)
		return errors.Join(v.errs...)
	}
	v.checkEntry()
	v.checkRefs()
	for i := range fn.Blocks {
		v.checkBlock(Block(int32(i)))
	}
	if len(v.errs) == 0 {
		v.checkDominance()
	}
	return errors.Join(v.errs...)
}

type verifier struct {
	fn   *Func
	ptr  Type
	errs []error
}

func (v *verifier) fail(kind error, format string, args ...any) {
	v.errs = append(v.errs, fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...)))
}

func (v *verifier) checkSignature() {
	sig := v.fn.Sig
	if len(sig.Returns) > 1 {
		v.fail(ErrTooManyReturns, "signature %s", sig)
	}
	for i, p := range sig.Params {
		if !p.Type.IsValid() {
			v.fail(ErrTypeMismatch, "param %d has invalid type", i)
		}
	}
	for i, r := range sig.Returns {
		if !r.Type.IsValid() {
			v.fail(ErrTypeMismatch, "return %d has invalid type", i)
		}
	}
}

func (v *verifier) checkEntry() {
	entry := v.fn.Entry()
	params := v.fn.Blocks[entry].Params
	want := v.fn.Sig.ParamTypes()
	if len(params) != len(want) {
		v.fail(ErrEntryMismatch, "%s has %d params, signature has %d", entry, len(params), len(want))
		return
	}
	for i, p := range params {
		if got := v.fn.ValueType(p); got != want[i] {
			v.fail(ErrEntryMismatch, "%s param %d is %s, signature says %s", entry, i, got, want[i])
		}
	}
}

func (v *verifier) checkRefs() {
	for i, ext := range v.fn.ExtFuncs {
		if len(ext.Sig.Returns) > 1 {
			v.fail(ErrTooManyReturns, "fn%d %s", i, ext.Name)
		}
		if ext.Name == "" {
			v.fail(ErrInvalidReference, "fn%d has no name", i)
		}
	}
	for i, gv := range v.fn.Globals {
		if gv.Name == "" {
			v.fail(ErrInvalidReference, "gv%d has no name", i)
		}
	}
}

func (v *verifier) checkBlock(blk Block) {
	data := &v.fn.Blocks[blk]
	if !data.Sealed {
		v.fail(ErrUnsealedBlock, "%s", blk)
	}
	if len(data.Insts) == 0 {
		v.fail(ErrUnterminatedBlock, "%s is empty", blk)
		return
	}
	for i, id := range data.Insts {
		inst := &v.fn.Insts[id]
		last := i == len(data.Insts)-1
		switch {
		case last && !inst.Opcode.IsTerminator():
			v.fail(ErrUnterminatedBlock, "%s ends with %s", blk, inst.Opcode)
		case !last && inst.Opcode.IsTerminator():
			v.fail(ErrMisplacedTerm, "%s in %s at position %d", inst.Opcode, blk, i)
		}
		v.checkInst(id, inst)
	}
}

func (v *verifier) checkInst(id Inst, inst *InstData) {
	for _, a := range inst.Args {
		if !v.fn.validValue(a) {
			v.fail(ErrInvalidReference, "%s uses unknown %s", id, a)
			return
		}
	}
	switch inst.Opcode {
	case OpIconst:
		v.expectResults(id, inst, inst.Type)
		if !inst.Type.FitsImm(inst.Imm) {
			v.fail(ErrTypeMismatch, "%s: %d does not fit %s", id, inst.Imm, inst.Type)
		}
	case OpIadd, OpIsub, OpImul:
		v.expectArgs(id, inst.Opcode.String(), []Type{inst.Type, inst.Type}, inst.Args)
		v.expectResults(id, inst, inst.Type)
	case OpIcmp:
		v.expectArgs(id, "icmp", []Type{inst.Type, inst.Type}, inst.Args)
		v.expectResults(id, inst, I8)
	case OpSymbolValue, OpTLSValue:
		if !v.fn.validGlobal(inst.Global) {
			v.fail(ErrInvalidReference, "%s uses unknown %s", id, inst.Global)
			return
		}
		if tls := v.fn.Globals[inst.Global].TLS; tls != (inst.Opcode == OpTLSValue) {
			v.fail(ErrTypeMismatch, "%s: %s of %s (thread-local=%t)", id, inst.Opcode, inst.Global, tls)
		}
		v.expectPointer(id, inst)
	case OpFuncAddr:
		if !v.fn.validFuncRef(inst.Func) {
			v.fail(ErrInvalidReference, "%s uses unknown %s", id, inst.Func)
			return
		}
		v.expectPointer(id, inst)
	case OpCall:
		if !v.fn.validFuncRef(inst.Func) {
			v.fail(ErrInvalidReference, "%s uses unknown %s", id, inst.Func)
			return
		}
		sig := v.fn.ExtFuncs[inst.Func].Sig
		v.expectArgs(id, "call", sig.ParamTypes(), inst.Args)
		v.expectResults(id, inst, sig.ReturnTypes()...)
	case OpReturn:
		v.expectArgs(id, "return", v.fn.Sig.ReturnTypes(), inst.Args)
	case OpJump, OpBrif, OpTrap:
	default:
		v.fail(ErrInvalidReference, "%s has opcode %s", id, inst.Opcode)
	}
	v.checkDests(id, inst)
}

func (v *verifier) checkDests(id Inst, inst *InstData) {
	want := 0
	switch inst.Opcode {
	case OpJump:
		want = 1
	case OpBrif:
		want = 2
		if len(inst.Args) != 1 {
			v.fail(ErrTypeMismatch, "%s: brif takes one condition", id)
		}
	}
	if len(inst.Dests) != want {
		v.fail(ErrInvalidReference, "%s: %s has %d destinations", id, inst.Opcode, len(inst.Dests))
		return
	}
	for _, d := range inst.Dests {
		if !v.fn.validBlock(d.Block) {
			v.fail(ErrInvalidReference, "%s targets unknown %s", id, d.Block)
			continue
		}
		if d.Block == v.fn.Entry() {
			v.fail(ErrEntryBranch, "%s", id)
			continue
		}
		for _, a := range d.Args {
			if !v.fn.validValue(a) {
				v.fail(ErrInvalidReference, "%s passes unknown %s", id, a)
				return
			}
		}
		params := v.fn.Blocks[d.Block].Params
		want := make([]Type, len(params))
		for i, p := range params {
			want[i] = v.fn.ValueType(p)
		}
		v.expectArgs(id, "branch to "+d.Block.String(), want, d.Args)
	}
}

func (v *verifier) expectArgs(id Inst, what string, want []Type, args []Value) {
	if len(want) != len(args) {
		v.fail(ErrTypeMismatch, "%s: %s expects %d values, got %d", id, what, len(want), len(args))
		return
	}
	for i, a := range args {
		if got := v.fn.ValueType(a); got != want[i] {
			v.fail(ErrTypeMismatch, "%s: %s value %d is %s, want %s", id, what, i, got, want[i])
		}
	}
}

func (v *verifier) expectResults(id Inst, inst *InstData, want ...Type) {
	if len(inst.Results) != len(want) {
		v.fail(ErrTypeMismatch, "%s: %d results, want %d", id, len(inst.Results), len(want))
		return
	}
	for i, r := range inst.Results {
		if got := v.fn.ValueType(r); got != want[i] {
			v.fail(ErrTypeMismatch, "%s: result %d is %s, want %s", id, i, got, want[i])
		}
	}
}

func (v *verifier) expectPointer(id Inst, inst *InstData) {
	if inst.Type != v.ptr {
		v.fail(ErrPointerWidth, "%s: %s.%s on a target with %s pointers", id, inst.Opcode, inst.Type, v.ptr)
	}
	v.expectResults(id, inst, inst.Type)
}

// checkDominance verifies that every use is preceded by its definition in
// the same block or by a definition in a dominating block. Uses in blocks
// unreachable from the entry are not checked.
func (v *verifier) checkDominance() {
	g := CFG(v.fn)
	entry := simple.Node(v.fn.Entry())
	reachable := make(map[int64]bool, len(v.fn.Blocks))
	bf := traverse.BreadthFirst{Visit: func(n graph.Node) { reachable[n.ID()] = true }}
	bf.Walk(g, entry, nil)
	dom := flow.Dominators(entry, g)

	dominates := func(a, b Block) bool {
		for n := graph.Node(simple.Node(b)); n != nil; n = dom.DominatorOf(n.ID()) {
			if n.ID() == int64(a) {
				return true
			}
		}
		return false
	}

	for i := range v.fn.Blocks {
		blk := Block(int32(i))
		if !reachable[int64(blk)] {
			continue
		}
		for pos, id := range v.fn.Blocks[blk].Insts {
			inst := &v.fn.Insts[id]
			uses := append([]Value(nil), inst.Args...)
			for _, d := range inst.Dests {
				uses = append(uses, d.Args...)
			}
			for _, use := range uses {
				def := v.fn.Values[use]
				if def.Block == blk {
					if def.Def == ValueDefResult && v.position(blk, def.Inst) >= pos {
						v.fail(ErrUseBeforeDef, "%s uses %s in %s", id, use, blk)
					}
					continue
				}
				if !dominates(def.Block, blk) {
					v.fail(ErrNotDominated, "%s defined in %s, used in %s", use, def.Block, blk)
				}
			}
		}
	}
}

func (v *verifier) position(blk Block, id Inst) int {
	for i, cur := range v.fn.Blocks[blk].Insts {
		if cur == id {
			return i
		}
	}
	return len(v.fn.Blocks[blk].Insts)
}

// CFG returns the control-flow graph of fn with one node per block. Self
// loops are omitted; they never affect dominance.
func CFG(fn *Func) *simple.DirectedGraph {
	g := simple.NewDirectedGraph()
	for i := range fn.Blocks {
		g.AddNode(simple.Node(i))
	}
	for i := range fn.Blocks {
		from := simple.Node(i)
		for _, succ := range fn.Successors(Block(int32(i))) {
			to := simple.Node(succ)
			if !fn.validBlock(succ) || from == to || g.HasEdgeFromTo(from.ID(), to.ID()) {
				continue
			}
			g.SetEdge(g.NewEdge(from, to))
		}
	}
	return g
}
