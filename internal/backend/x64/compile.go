// Package x64 is a naive x86-64 System V code generator producing ELF
// relocatable function bodies.
//
// Every SSA value lives in its own 8-byte frame slot below rbp, zero-extended
// from its type width. Instructions load their operands into rax and rcx,
// compute, and store the result back.
package x64

import (
	"fmt"

	"fortio.org/safecast"

	"kiln/internal/errs"
	"kiln/internal/ir"
	"kiln/internal/obj"
	"kiln/internal/target"
)

// Name is the registry name of this backend.
const Name = "native"

var (
	ErrUnsupported = fmt.Errorf("%w: not supported by the native backend", errs.ErrCodegen)
	ErrMalformed   = fmt.Errorf("%w: malformed function", errs.ErrCodegen)
)

// Backend compiles verified functions for x86_64 ELF targets.
type Backend struct {
	pic bool
	tls target.TLSModel
}

// New returns a backend for cfg.
func New(cfg *target.Config) (*Backend, error) {
	if cfg.Arch() != "x86_64" || cfg.Format() != target.FormatELF {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, cfg.Triple())
	}
	return &Backend{pic: cfg.IsPIC(), tls: cfg.TLSModel()}, nil
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Format() obj.Format { return obj.FormatELF64 }

// Compile lowers fn to machine code.
func (b *Backend) Compile(fn *ir.Func) (*obj.Code, error) {
	if fn.Sig.CallConv != ir.CallConvSystemV {
		return nil, fmt.Errorf("%w: calling convention %s", ErrUnsupported, fn.Sig.CallConv)
	}
	if len(fn.Blocks) == 0 {
		return nil, fmt.Errorf("%w: %s has no blocks", ErrMalformed, fn.Name)
	}
	frame, err := frameSize(len(fn.Values))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnsupported, fn.Name, err)
	}
	c := &compiler{b: b, fn: fn}
	for range fn.Blocks {
		c.a.newLabel()
	}
	c.a.prologue(frame)
	if err := c.entryParams(); err != nil {
		return nil, err
	}
	for i := range fn.Blocks {
		blk := ir.Block(int32(i))
		c.a.bind(label(i))
		for _, id := range fn.Blocks[i].Insts {
			if err := c.inst(blk, &fn.Insts[id]); err != nil {
				return nil, fmt.Errorf("%s %s: %w", fn.Name, id, err)
			}
		}
	}
	if err := c.a.resolve(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return &obj.Code{Bytes: c.a.buf, Relocs: c.a.relocs, Align: 16, FrameSize: int(frame)}, nil
}

// frameSize reserves one slot per value, keeping rsp 16-byte aligned.
func frameSize(values int) (int32, error) {
	n := (8*values + 15) &^ 15
	return safecast.Conv[int32](n)
}

type compiler struct {
	b  *Backend
	fn *ir.Func
	a  asm
}

func slot(v ir.Value) int32 {
	return -8 * (int32(v) + 1)
}

func (c *compiler) entryParams() error {
	params := c.fn.Blocks[c.fn.Entry()].Params
	for i, p := range params {
		if i < len(argRegs) {
			c.a.mov(rax, argRegs[i])
		} else {
			disp, err := safecast.Conv[int32](16 + 8*(i-len(argRegs)))
			if err != nil {
				return fmt.Errorf("%w: %w", ErrUnsupported, err)
			}
			c.a.load(rax, disp)
		}
		c.normalize(c.fn.ValueType(p))
		c.a.store(slot(p), rax)
	}
	return nil
}

// normalize zero-extends rax from t to 64 bits.
func (c *compiler) normalize(t ir.Type) {
	switch t {
	case ir.I32:
		c.a.emit(0x89, 0xC0) // mov eax, eax
	case ir.I16:
		c.a.emit(0x0F, 0xB7, 0xC0) // movzx eax, ax
	case ir.I8:
		c.a.emit(0x0F, 0xB6, 0xC0) // movzx eax, al
	}
}

// signExtend widens rax and rcx from t for signed comparison.
func (c *compiler) signExtend(t ir.Type) {
	switch t {
	case ir.I32:
		c.a.emit(0x48, 0x63, 0xC0, 0x48, 0x63, 0xC9)
	case ir.I16:
		c.a.emit(0x48, 0x0F, 0xBF, 0xC0, 0x48, 0x0F, 0xBF, 0xC9)
	case ir.I8:
		c.a.emit(0x48, 0x0F, 0xBE, 0xC0, 0x48, 0x0F, 0xBE, 0xC9)
	}
}

var setcc = [...]byte{
	ir.IntEqual:                      0x94,
	ir.IntNotEqual:                   0x95,
	ir.IntSignedLessThan:             0x9C,
	ir.IntSignedGreaterThanOrEqual:   0x9D,
	ir.IntSignedGreaterThan:          0x9F,
	ir.IntSignedLessThanOrEqual:      0x9E,
	ir.IntUnsignedLessThan:           0x92,
	ir.IntUnsignedGreaterThanOrEqual: 0x93,
	ir.IntUnsignedGreaterThan:        0x97,
	ir.IntUnsignedLessThanOrEqual:    0x96,
}

func (c *compiler) inst(blk ir.Block, ins *ir.InstData) error {
	switch ins.Opcode {
	case ir.OpIconst:
		mask := uint64(1)<<ins.Type.Bits() - 1
		if ins.Type.Bits() == 64 {
			mask = ^uint64(0)
		}
		c.a.movImm(uint64(ins.Imm) & mask)
		c.a.store(slot(ins.Result()), rax)

	case ir.OpIadd, ir.OpIsub, ir.OpImul:
		c.a.load(rax, slot(ins.Args[0]))
		c.a.load(rcx, slot(ins.Args[1]))
		switch ins.Opcode {
		case ir.OpIadd:
			c.a.emit(0x48, 0x01, 0xC8) // add rax, rcx
		case ir.OpIsub:
			c.a.emit(0x48, 0x29, 0xC8) // sub rax, rcx
		default:
			c.a.emit(0x48, 0x0F, 0xAF, 0xC1) // imul rax, rcx
		}
		c.normalize(ins.Type)
		c.a.store(slot(ins.Result()), rax)

	case ir.OpIcmp:
		if int(ins.Cond) >= len(setcc) {
			return fmt.Errorf("%w: condition %d", ErrMalformed, ins.Cond)
		}
		c.a.load(rax, slot(ins.Args[0]))
		c.a.load(rcx, slot(ins.Args[1]))
		if ins.Cond.IsSigned() {
			c.signExtend(ins.Type)
		}
		c.a.emit(0x48, 0x39, 0xC8)           // cmp rax, rcx
		c.a.emit(0x0F, setcc[ins.Cond], 0xC0) // setcc al
		c.normalize(ir.I8)
		c.a.store(slot(ins.Result()), rax)

	case ir.OpSymbolValue:
		gv := c.fn.Globals[ins.Global]
		if err := c.address(gv.Symbol, gv.Colocated); err != nil {
			return err
		}
		c.a.store(slot(ins.Result()), rax)

	case ir.OpFuncAddr:
		ext := c.fn.ExtFuncs[ins.Func]
		if err := c.address(ext.Symbol, ext.Colocated); err != nil {
			return err
		}
		c.a.store(slot(ins.Result()), rax)

	case ir.OpTLSValue:
		gv := c.fn.Globals[ins.Global]
		if c.b.tls != target.TLSLocalExec {
			return fmt.Errorf("%w: thread-local %s requires tls_model=local_exec", ErrUnsupported, gv.Name)
		}
		if !gv.Colocated {
			return fmt.Errorf("%w: local-exec access to imported thread-local %s", ErrUnsupported, gv.Name)
		}
		if err := c.a.tlsAddr(gv.Symbol); err != nil {
			return err
		}
		c.a.store(slot(ins.Result()), rax)

	case ir.OpCall:
		return c.call(ins)

	case ir.OpReturn:
		if len(ins.Args) == 1 {
			c.a.load(rax, slot(ins.Args[0]))
		}
		c.a.epilogue()

	case ir.OpJump:
		c.edge(ins.Dests[0])
		if int(ins.Dests[0].Block) != int(blk)+1 {
			c.a.jmp(label(ins.Dests[0].Block))
		}

	case ir.OpBrif:
		c.a.load(rax, slot(ins.Args[0]))
		c.a.emit(0x48, 0x85, 0xC0) // test rax, rax
		els := c.a.newLabel()
		c.a.je(els)
		c.edge(ins.Dests[0])
		c.a.jmp(label(ins.Dests[0].Block))
		c.a.bind(els)
		c.edge(ins.Dests[1])
		if int(ins.Dests[1].Block) != int(blk)+1 {
			c.a.jmp(label(ins.Dests[1].Block))
		}

	case ir.OpTrap:
		c.a.emit(0x0F, 0x0B) // ud2

	default:
		return fmt.Errorf("%w: opcode %s", ErrUnsupported, ins.Opcode)
	}
	return nil
}

// address materializes the address of sym in rax.
func (c *compiler) address(sym uint32, colocated bool) error {
	switch {
	case colocated:
		return c.a.ripAddr(obj.RelocPC32, sym)
	case c.b.pic:
		return c.a.ripAddr(obj.RelocGOTPCREL, sym)
	default:
		return c.a.absAddr(sym)
	}
}

// edge copies branch arguments into the target params. All sources are
// pushed before any param is written, so overlapping moves stay correct.
func (c *compiler) edge(dest ir.BlockCall) {
	params := c.fn.Blocks[dest.Block].Params
	for _, arg := range dest.Args {
		c.a.pushSlot(slot(arg))
	}
	for i := len(dest.Args) - 1; i >= 0; i-- {
		c.a.popSlot(slot(params[i]))
	}
}

func (c *compiler) call(ins *ir.InstData) error {
	ext := c.fn.ExtFuncs[ins.Func]
	if ext.Sig.CallConv != ir.CallConvSystemV {
		return fmt.Errorf("%w: call to %s uses %s", ErrUnsupported, ext.Name, ext.Sig.CallConv)
	}
	stackArgs := max(len(ins.Args)-len(argRegs), 0)
	pad := 8 * (stackArgs % 2)
	cleanup, err := safecast.Conv[int32](8*stackArgs + pad)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupported, err)
	}
	c.a.subRSP(int32(pad))
	for i := len(ins.Args) - 1; i >= len(argRegs); i-- {
		c.a.pushSlot(slot(ins.Args[i]))
	}
	for i := 0; i < len(ins.Args) && i < len(argRegs); i++ {
		c.a.load(argRegs[i], slot(ins.Args[i]))
	}
	if err := c.a.call(ext.Symbol); err != nil {
		return err
	}
	c.a.addRSP(cleanup)
	if len(ins.Results) == 1 {
		res := ins.Results[0]
		c.normalize(c.fn.ValueType(res))
		c.a.store(slot(res), rax)
	}
	return nil
}
