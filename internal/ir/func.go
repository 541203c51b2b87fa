package ir

import (
	"slices"
	"strings"
)

// ValueDef tells how a value is defined.
type ValueDef uint8

const (
	ValueDefResult ValueDef = iota
	ValueDefParam
)

// ValueData records the type and definition point of a value.
type ValueData struct {
	Type  Type
	Def   ValueDef
	Block Block
	// Inst is the defining instruction for results, NoInst for params.
	Inst Inst
	// Num is the result index or the param index.
	Num int
}

// BlockData holds the params and instructions of one block. The last
// instruction of a filled block is its terminator.
type BlockData struct {
	Params []Value
	Insts  []Inst
	Sealed bool
}

// ExtFuncData describes a function referenced from a function body.
type ExtFuncData struct {
	Symbol    uint32
	Name      string
	Sig       Signature
	Colocated bool
}

// GlobalValueData describes a data symbol referenced from a function body.
type GlobalValueData struct {
	Symbol    uint32
	Name      string
	TLS       bool
	Colocated bool
}

// Func is the IR of a single function. Blocks are laid out in creation
// order and block 0 is the entry block.
type Func struct {
	Name     string
	Sig      Signature
	Blocks   []BlockData
	Values   []ValueData
	Insts    []InstData
	ExtFuncs []ExtFuncData
	Globals  []GlobalValueData

	finalized bool
}

// NewFunc returns an empty function with the given signature.
func NewFunc(name string, sig Signature) *Func {
	return &Func{Name: name, Sig: sig.Clone()}
}

// Entry returns the entry block, or NoBlock for an empty function.
func (f *Func) Entry() Block {
	if f == nil || len(f.Blocks) == 0 {
		return NoBlock
	}
	return 0
}

// Finalized reports whether a builder finished this function successfully.
func (f *Func) Finalized() bool {
	return f != nil && f.finalized
}

// ImportFunction registers a function reference, reusing an existing one for
// the same symbol.
func (f *Func) ImportFunction(data ExtFuncData) FuncRef {
	for i := range f.ExtFuncs {
		if f.ExtFuncs[i].Symbol == data.Symbol {
			return FuncRef(int32(i))
		}
	}
	data.Sig = data.Sig.Clone()
	f.ExtFuncs = append(f.ExtFuncs, data)
	return FuncRef(int32(len(f.ExtFuncs) - 1))
}

// CreateGlobalValue registers a global value reference, reusing an existing
// one for the same symbol.
func (f *Func) CreateGlobalValue(data GlobalValueData) GlobalValue {
	for i := range f.Globals {
		if f.Globals[i].Symbol == data.Symbol {
			return GlobalValue(int32(i))
		}
	}
	f.Globals = append(f.Globals, data)
	return GlobalValue(int32(len(f.Globals) - 1))
}

// ValueType returns the type of v, or TypeInvalid when v is unknown.
func (f *Func) ValueType(v Value) Type {
	if !f.validValue(v) {
		return TypeInvalid
	}
	return f.Values[v].Type
}

// Terminator returns the terminator of b when the block is filled.
func (f *Func) Terminator(b Block) (*InstData, bool) {
	if !f.validBlock(b) {
		return nil, false
	}
	insts := f.Blocks[b].Insts
	if len(insts) == 0 {
		return nil, false
	}
	last := &f.Insts[insts[len(insts)-1]]
	if !last.Opcode.IsTerminator() {
		return nil, false
	}
	return last, true
}

// Successors returns the branch targets of b in terminator order, possibly
// with duplicates.
func (f *Func) Successors(b Block) []Block {
	term, ok := f.Terminator(b)
	if !ok {
		return nil
	}
	out := make([]Block, 0, len(term.Dests))
	for _, d := range term.Dests {
		out = append(out, d.Block)
	}
	return out
}

func (f *Func) String() string {
	var b strings.Builder
	_ = Print(&b, f)
	return b.String()
}

func (f *Func) validBlock(b Block) bool {
	return f != nil && b >= 0 && int(b) < len(f.Blocks)
}

func (f *Func) validValue(v Value) bool {
	return f != nil && v >= 0 && int(v) < len(f.Values)
}

func (f *Func) validFuncRef(r FuncRef) bool {
	return f != nil && r >= 0 && int(r) < len(f.ExtFuncs)
}

func (f *Func) validGlobal(g GlobalValue) bool {
	return f != nil && g >= 0 && int(g) < len(f.Globals)
}

func (f *Func) newBlock() Block {
	f.Blocks = append(f.Blocks, BlockData{})
	return Block(int32(len(f.Blocks) - 1))
}

func (f *Func) appendBlockParam(b Block, t Type) Value {
	v := Value(int32(len(f.Values)))
	f.Values = append(f.Values, ValueData{
		Type:  t,
		Def:   ValueDefParam,
		Block: b,
		Inst:  NoInst,
		Num:   len(f.Blocks[b].Params),
	})
	f.Blocks[b].Params = append(f.Blocks[b].Params, v)
	return v
}

// appendInst adds data to the end of b, allocating one result per type.
func (f *Func) appendInst(b Block, data InstData, results ...Type) Inst {
	id := Inst(int32(len(f.Insts)))
	data.Block = b
	data.Args = slices.Clone(data.Args)
	data.Results = make([]Value, 0, len(results))
	for i, t := range results {
		v := Value(int32(len(f.Values)))
		f.Values = append(f.Values, ValueData{Type: t, Def: ValueDefResult, Block: b, Inst: id, Num: i})
		data.Results = append(data.Results, v)
	}
	f.Insts = append(f.Insts, data)
	f.Blocks[b].Insts = append(f.Blocks[b].Insts, id)
	return id
}
