package llvm

import (
	"fmt"
	"strings"

	"kiln/internal/errs"
	"kiln/internal/ir"
	"kiln/internal/obj"
	"kiln/internal/target"
)

// Name is the registry name of this backend.
const Name = "llvm"

var ErrUnsupported = fmt.Errorf("%w: not supported by the llvm backend", errs.ErrCodegen)

// Backend renders functions as textual LLVM IR.
type Backend struct{}

func New(cfg *target.Config) (*Backend, error) {
	if !cfg.SupportsBackend(Name) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, cfg.Triple())
	}
	return &Backend{}, nil
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Format() obj.Format { return obj.FormatLLVMText }

// Compile renders the blocks of fn. The define line is written by
// WriteModule, which knows the symbol linkage; entry params are named
// %p0, %p1, ... to match it.
func (b *Backend) Compile(fn *ir.Func) (*obj.Code, error) {
	if len(fn.Blocks) == 0 {
		return nil, fmt.Errorf("%w: %s has no blocks", ErrUnsupported, fn.Name)
	}
	fe := &funcEmitter{
		f:        fn,
		names:    make([]string, len(fn.Values)),
		incoming: make(map[ir.Block][]phiEdge),
	}
	fe.nameValues()
	fe.collectEdges()
	for i := range fn.Blocks {
		if err := fe.emitBlock(ir.Block(int32(i))); err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name, err)
		}
	}
	fe.buf.WriteString(fe.tail.String())
	return &obj.Code{Text: fe.buf.String(), Align: 16}, nil
}

type phiEdge struct {
	from string
	args []ir.Value
}

type funcEmitter struct {
	f        *ir.Func
	buf      strings.Builder
	tail     strings.Builder
	names    []string
	incoming map[ir.Block][]phiEdge
	tmpID    int
}

func (fe *funcEmitter) nameValues() {
	for i := range fe.f.Values {
		fe.names[i] = fmt.Sprintf("%%v%d", i)
	}
	for i, p := range fe.f.Blocks[fe.f.Entry()].Params {
		fe.names[p] = fmt.Sprintf("%%p%d", i)
	}
}

// collectEdges records, for each block with params, the predecessor label
// and arguments of every incoming edge. Conditional edges carrying
// arguments go through a dedicated trampoline block so that a phi never
// sees the same predecessor twice.
func (fe *funcEmitter) collectEdges() {
	for i := range fe.f.Blocks {
		blk := ir.Block(int32(i))
		term, ok := fe.f.Terminator(blk)
		if !ok {
			continue
		}
		for j := range term.Dests {
			d := &term.Dests[j]
			if len(d.Args) == 0 {
				continue
			}
			from := blockLabel(blk)
			if term.Opcode == ir.OpBrif {
				from = fmt.Sprintf("%s.e%d", blockLabel(blk), j)
			}
			fe.incoming[d.Block] = append(fe.incoming[d.Block], phiEdge{from: from, args: d.Args})
		}
	}
}

func blockLabel(b ir.Block) string {
	return fmt.Sprintf("block%d", int32(b))
}

func (fe *funcEmitter) nextTemp() string {
	fe.tmpID++
	return fmt.Sprintf("%%t%d", fe.tmpID)
}

func (fe *funcEmitter) value(v ir.Value) string {
	return fe.names[v]
}

func (fe *funcEmitter) typed(v ir.Value) string {
	return fmt.Sprintf("%s %s", fe.f.ValueType(v), fe.value(v))
}

func (fe *funcEmitter) emitBlock(blk ir.Block) error {
	fmt.Fprintf(&fe.buf, "%s:\n", blockLabel(blk))
	if blk != fe.f.Entry() {
		for i, p := range fe.f.Blocks[blk].Params {
			edges := fe.incoming[blk]
			parts := make([]string, 0, len(edges))
			for _, e := range edges {
				if i >= len(e.args) {
					return fmt.Errorf("%w: edge from %s lacks argument %d", ErrUnsupported, e.from, i)
				}
				parts = append(parts, fmt.Sprintf("[ %s, %%%s ]", fe.value(e.args[i]), e.from))
			}
			if len(parts) == 0 {
				// Unreachable block: the param has no incoming value.
				fmt.Fprintf(&fe.buf, "  %s = add %s poison, 0\n", fe.value(p), fe.f.ValueType(p))
				continue
			}
			fmt.Fprintf(&fe.buf, "  %s = phi %s %s\n", fe.value(p), fe.f.ValueType(p), strings.Join(parts, ", "))
		}
	}
	for _, id := range fe.f.Blocks[blk].Insts {
		ins := &fe.f.Insts[id]
		if ins.Opcode.IsTerminator() {
			if err := fe.emitTerminator(blk, ins); err != nil {
				return err
			}
			continue
		}
		if err := fe.emitInstr(ins); err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
	}
	return nil
}

var binaryOps = map[ir.Opcode]string{
	ir.OpIadd: "add",
	ir.OpIsub: "sub",
	ir.OpImul: "mul",
}

func (fe *funcEmitter) emitInstr(ins *ir.InstData) error {
	switch ins.Opcode {
	case ir.OpIconst:
		fmt.Fprintf(&fe.buf, "  %s = add %s %d, 0\n", fe.value(ins.Result()), ins.Type, ins.Imm)
	case ir.OpIadd, ir.OpIsub, ir.OpImul:
		fmt.Fprintf(&fe.buf, "  %s = %s %s, %s\n", fe.value(ins.Result()), binaryOps[ins.Opcode], fe.typed(ins.Args[0]), fe.value(ins.Args[1]))
	case ir.OpIcmp:
		tmp := fe.nextTemp()
		fmt.Fprintf(&fe.buf, "  %s = icmp %s %s, %s\n", tmp, ins.Cond, fe.typed(ins.Args[0]), fe.value(ins.Args[1]))
		fmt.Fprintf(&fe.buf, "  %s = zext i1 %s to i8\n", fe.value(ins.Result()), tmp)
	case ir.OpSymbolValue:
		gv := fe.f.Globals[ins.Global]
		fmt.Fprintf(&fe.buf, "  %s = ptrtoint ptr %s to %s\n", fe.value(ins.Result()), globalName(gv.Name), ins.Type)
	case ir.OpTLSValue:
		gv := fe.f.Globals[ins.Global]
		tmp := fe.nextTemp()
		fmt.Fprintf(&fe.buf, "  %s = call ptr @llvm.threadlocal.address.p0(ptr %s)\n", tmp, globalName(gv.Name))
		fmt.Fprintf(&fe.buf, "  %s = ptrtoint ptr %s to %s\n", fe.value(ins.Result()), tmp, ins.Type)
	case ir.OpFuncAddr:
		ext := fe.f.ExtFuncs[ins.Func]
		fmt.Fprintf(&fe.buf, "  %s = ptrtoint ptr %s to %s\n", fe.value(ins.Result()), globalName(ext.Name), ins.Type)
	case ir.OpCall:
		ext := fe.f.ExtFuncs[ins.Func]
		args := make([]string, len(ins.Args))
		for i, a := range ins.Args {
			args[i] = fe.typed(a)
		}
		ret := retType(ext.Sig)
		if len(ins.Results) == 0 {
			fmt.Fprintf(&fe.buf, "  call %s %s(%s)\n", ret, globalName(ext.Name), strings.Join(args, ", "))
			return nil
		}
		fmt.Fprintf(&fe.buf, "  %s = call %s %s(%s)\n", fe.value(ins.Result()), ret, globalName(ext.Name), strings.Join(args, ", "))
	default:
		return fmt.Errorf("%w: opcode %s", ErrUnsupported, ins.Opcode)
	}
	return nil
}

func retType(sig ir.Signature) string {
	if len(sig.Returns) == 0 {
		return "void"
	}
	return sig.Returns[0].Type.String()
}
