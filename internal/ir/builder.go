package ir

import (
	"errors"
	"fmt"
	"slices"
)

type builderState uint8

const (
	stateNoBlock builderState = iota
	stateBuilding
	stateFinalized
)

// predEdge is one branch destination pointing at a block.
type predEdge struct {
	inst Inst
	dest int
}

type pendingParam struct {
	v     Variable
	param Value
}

type blockState struct {
	preds       []predEdge
	pending     []pendingParam
	userParams  int
	varParams   int
	entryParams bool
}

// Builder constructs the body of a Func block by block.
//
// Blocks are sealed once every predecessor edge is known. Variable lookups in
// an unsealed block create a pending block param whose arguments are filled
// into every predecessor branch when the block is sealed.
type Builder struct {
	fn       *Func
	state    builderState
	cur      Block
	blocks   []blockState
	defs     []map[Variable]Value
	varTypes map[Variable]Type
}

// NewBuilder returns a builder appending to fn.
func NewBuilder(fn *Func) *Builder {
	b := &Builder{
		fn:       fn,
		cur:      NoBlock,
		varTypes: make(map[Variable]Type),
	}
	for range fn.Blocks {
		b.blocks = append(b.blocks, blockState{})
		b.defs = append(b.defs, nil)
	}
	return b
}

// Func returns the function under construction.
func (b *Builder) Func() *Func {
	return b.fn
}

// CreateBlock allocates a new block. The first block is the entry block.
func (b *Builder) CreateBlock() (Block, error) {
	if b.state == stateFinalized {
		return NoBlock, ErrFinalized
	}
	blk := b.fn.newBlock()
	b.blocks = append(b.blocks, blockState{})
	b.defs = append(b.defs, nil)
	return blk, nil
}

// AppendEntryParams binds the entry block params to the signature params.
func (b *Builder) AppendEntryParams(blk Block) ([]Value, error) {
	if err := b.checkOpen(blk); err != nil {
		return nil, err
	}
	if blk != b.fn.Entry() {
		return nil, fmt.Errorf("%w: %s", ErrNotEntryBlock, blk)
	}
	st := &b.blocks[blk]
	if st.entryParams {
		return nil, ErrEntryParamsBound
	}
	if len(b.fn.Blocks[blk].Params) > 0 {
		return nil, fmt.Errorf("%w: entry block already has params", ErrEntryParamsBound)
	}
	params := make([]Value, 0, len(b.fn.Sig.Params))
	for _, p := range b.fn.Sig.Params {
		params = append(params, b.fn.appendBlockParam(blk, p.Type))
	}
	st.entryParams = true
	st.userParams = len(params)
	return params, nil
}

// AppendBlockParam adds an explicit param of type ty to a non-entry block.
func (b *Builder) AppendBlockParam(blk Block, ty Type) (Value, error) {
	if err := b.checkOpen(blk); err != nil {
		return NoValue, err
	}
	if blk == b.fn.Entry() {
		return NoValue, fmt.Errorf("%w: entry params come from the signature", ErrEntryParamsBound)
	}
	if !ty.IsValid() {
		return NoValue, fmt.Errorf("%w: invalid param type", ErrTypeMismatch)
	}
	st := &b.blocks[blk]
	if len(st.preds) > 0 || st.varParams > 0 {
		return NoValue, fmt.Errorf("%w: %s", ErrParamsFrozen, blk)
	}
	st.userParams++
	return b.fn.appendBlockParam(blk, ty), nil
}

// SwitchToBlock makes blk the target of subsequent instructions.
func (b *Builder) SwitchToBlock(blk Block) error {
	if err := b.checkOpen(blk); err != nil {
		return err
	}
	if _, ok := b.fn.Terminator(blk); ok {
		return fmt.Errorf("%w: %s", ErrBlockReentry, blk)
	}
	b.cur = blk
	b.state = stateBuilding
	return nil
}

// SealBlock declares that every predecessor of blk is known.
func (b *Builder) SealBlock(blk Block) error {
	if err := b.checkOpen(blk); err != nil {
		return err
	}
	if b.fn.Blocks[blk].Sealed {
		return fmt.Errorf("%w: %s", ErrBlockSealed, blk)
	}
	return b.seal(blk)
}

// SealAllBlocks seals every block that is not sealed yet.
func (b *Builder) SealAllBlocks() error {
	if b.state == stateFinalized {
		return ErrFinalized
	}
	for i := range b.fn.Blocks {
		if b.fn.Blocks[i].Sealed {
			continue
		}
		if err := b.seal(Block(int32(i))); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) seal(blk Block) error {
	st := &b.blocks[blk]
	pending := st.pending
	st.pending = nil
	b.fn.Blocks[blk].Sealed = true
	for _, p := range pending {
		if err := b.fillPredecessorArgs(blk, p.v); err != nil {
			return err
		}
	}
	return nil
}

// DeclareVar introduces a variable of type ty.
func (b *Builder) DeclareVar(v Variable, ty Type) error {
	if b.state == stateFinalized {
		return ErrFinalized
	}
	if _, ok := b.varTypes[v]; ok {
		return fmt.Errorf("%w: %s", ErrVarRedeclared, v)
	}
	if !ty.IsValid() {
		return fmt.Errorf("%w: invalid type for %s", ErrTypeMismatch, v)
	}
	b.varTypes[v] = ty
	return nil
}

// DefVar assigns val to v in the current block.
func (b *Builder) DefVar(v Variable, val Value) error {
	if err := b.requireActive(); err != nil {
		return err
	}
	ty, ok := b.varTypes[v]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUndeclaredVar, v)
	}
	if err := b.checkValues(val); err != nil {
		return err
	}
	if got := b.fn.ValueType(val); got != ty {
		return fmt.Errorf("%w: %s is %s, %s is %s", ErrTypeMismatch, v, ty, val, got)
	}
	b.setDef(b.cur, v, val)
	return nil
}

// UseVar returns the SSA value currently bound to v.
func (b *Builder) UseVar(v Variable) (Value, error) {
	if err := b.requireActive(); err != nil {
		return NoValue, err
	}
	if _, ok := b.varTypes[v]; !ok {
		return NoValue, fmt.Errorf("%w: %s", ErrUndeclaredVar, v)
	}
	return b.useVarInBlock(v, b.cur)
}

func (b *Builder) setDef(blk Block, v Variable, val Value) {
	if b.defs[blk] == nil {
		b.defs[blk] = make(map[Variable]Value)
	}
	b.defs[blk][v] = val
}

func (b *Builder) useVarInBlock(v Variable, blk Block) (Value, error) {
	if val, ok := b.defs[blk][v]; ok {
		return val, nil
	}
	st := &b.blocks[blk]
	ty := b.varTypes[v]
	if !b.fn.Blocks[blk].Sealed && blk != b.fn.Entry() {
		param := b.fn.appendBlockParam(blk, ty)
		st.varParams++
		st.pending = append(st.pending, pendingParam{v: v, param: param})
		b.setDef(blk, v, param)
		return param, nil
	}
	if len(st.preds) == 0 {
		return NoValue, fmt.Errorf("%w: %s in %s", ErrUndefinedVar, v, blk)
	}
	if len(st.preds) == 1 {
		if pred := b.fn.Insts[st.preds[0].inst].Block; pred != blk {
			val, err := b.useVarInBlock(v, pred)
			if err != nil {
				return NoValue, err
			}
			b.setDef(blk, v, val)
			return val, nil
		}
	}
	// Bind the param before visiting predecessors so loops terminate.
	param := b.fn.appendBlockParam(blk, ty)
	st.varParams++
	b.setDef(blk, v, param)
	if err := b.fillPredecessorArgs(blk, v); err != nil {
		return NoValue, err
	}
	return param, nil
}

func (b *Builder) fillPredecessorArgs(blk Block, v Variable) error {
	for _, edge := range b.blocks[blk].preds {
		val, err := b.useVarInBlock(v, b.fn.Insts[edge.inst].Block)
		if err != nil {
			return err
		}
		dest := &b.fn.Insts[edge.inst].Dests[edge.dest]
		dest.Args = append(dest.Args, val)
	}
	return nil
}

// Iconst materializes imm as a value of type ty.
func (b *Builder) Iconst(ty Type, imm int64) (Value, error) {
	if err := b.requireActive(); err != nil {
		return NoValue, err
	}
	if !ty.FitsImm(imm) {
		return NoValue, fmt.Errorf("%w: %d does not fit %s", ErrTypeMismatch, imm, ty)
	}
	inst := b.fn.appendInst(b.cur, InstData{Opcode: OpIconst, Type: ty, Imm: imm}, ty)
	return b.fn.Insts[inst].Result(), nil
}

// Iadd returns x + y.
func (b *Builder) Iadd(x, y Value) (Value, error) {
	return b.binary(OpIadd, x, y)
}

// Isub returns x - y.
func (b *Builder) Isub(x, y Value) (Value, error) {
	return b.binary(OpIsub, x, y)
}

// Imul returns x * y.
func (b *Builder) Imul(x, y Value) (Value, error) {
	return b.binary(OpImul, x, y)
}

func (b *Builder) binary(op Opcode, x, y Value) (Value, error) {
	if err := b.requireActive(); err != nil {
		return NoValue, err
	}
	ty, err := b.sameType(op, x, y)
	if err != nil {
		return NoValue, err
	}
	inst := b.fn.appendInst(b.cur, InstData{Opcode: op, Type: ty, Args: []Value{x, y}}, ty)
	return b.fn.Insts[inst].Result(), nil
}

// Icmp compares x and y with cond and yields an i8 holding 0 or 1.
func (b *Builder) Icmp(cond IntCC, x, y Value) (Value, error) {
	if err := b.requireActive(); err != nil {
		return NoValue, err
	}
	ty, err := b.sameType(OpIcmp, x, y)
	if err != nil {
		return NoValue, err
	}
	inst := b.fn.appendInst(b.cur, InstData{Opcode: OpIcmp, Type: ty, Cond: cond, Args: []Value{x, y}}, I8)
	return b.fn.Insts[inst].Result(), nil
}

func (b *Builder) sameType(op Opcode, x, y Value) (Type, error) {
	if err := b.checkValues(x, y); err != nil {
		return TypeInvalid, err
	}
	tx, ty := b.fn.ValueType(x), b.fn.ValueType(y)
	if tx != ty {
		return TypeInvalid, fmt.Errorf("%w: %s operands %s and %s", ErrTypeMismatch, op, tx, ty)
	}
	return tx, nil
}

// SymbolValue materializes the address of gv as a value of type ty.
func (b *Builder) SymbolValue(ty Type, gv GlobalValue) (Value, error) {
	return b.address(OpSymbolValue, ty, gv)
}

// TLSValue materializes the address of the thread-local gv.
func (b *Builder) TLSValue(ty Type, gv GlobalValue) (Value, error) {
	return b.address(OpTLSValue, ty, gv)
}

func (b *Builder) address(op Opcode, ty Type, gv GlobalValue) (Value, error) {
	if err := b.requireActive(); err != nil {
		return NoValue, err
	}
	if !b.fn.validGlobal(gv) {
		return NoValue, fmt.Errorf("%w: %s", ErrUnknownEntity, gv)
	}
	if !ty.IsValid() {
		return NoValue, fmt.Errorf("%w: invalid %s type", ErrTypeMismatch, op)
	}
	if tls := b.fn.Globals[gv].TLS; tls != (op == OpTLSValue) {
		return NoValue, fmt.Errorf("%w: %s of %s (thread-local=%t)", ErrTypeMismatch, op, gv, tls)
	}
	inst := b.fn.appendInst(b.cur, InstData{Opcode: op, Type: ty, Global: gv}, ty)
	return b.fn.Insts[inst].Result(), nil
}

// FuncAddr materializes the address of fr as a value of type ty.
func (b *Builder) FuncAddr(ty Type, fr FuncRef) (Value, error) {
	if err := b.requireActive(); err != nil {
		return NoValue, err
	}
	if !b.fn.validFuncRef(fr) {
		return NoValue, fmt.Errorf("%w: %s", ErrUnknownEntity, fr)
	}
	if !ty.IsValid() {
		return NoValue, fmt.Errorf("%w: invalid func_addr type", ErrTypeMismatch)
	}
	inst := b.fn.appendInst(b.cur, InstData{Opcode: OpFuncAddr, Type: ty, Func: fr}, ty)
	return b.fn.Insts[inst].Result(), nil
}

// Call calls fr with args and returns its results.
func (b *Builder) Call(fr FuncRef, args ...Value) ([]Value, error) {
	if err := b.requireActive(); err != nil {
		return nil, err
	}
	if !b.fn.validFuncRef(fr) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, fr)
	}
	ext := b.fn.ExtFuncs[fr]
	if err := b.checkArgs("call "+ext.Name, ext.Sig.ParamTypes(), args); err != nil {
		return nil, err
	}
	inst := b.fn.appendInst(b.cur, InstData{Opcode: OpCall, Func: fr, Args: args}, ext.Sig.ReturnTypes()...)
	return slices.Clone(b.fn.Insts[inst].Results), nil
}

// Return terminates the current block, returning args.
func (b *Builder) Return(args ...Value) error {
	if err := b.requireActive(); err != nil {
		return err
	}
	if err := b.checkArgs("return", b.fn.Sig.ReturnTypes(), args); err != nil {
		return err
	}
	b.fn.appendInst(b.cur, InstData{Opcode: OpReturn, Args: args})
	b.state = stateNoBlock
	return nil
}

// Jump terminates the current block with an unconditional branch.
func (b *Builder) Jump(target Block, args ...Value) error {
	if err := b.requireActive(); err != nil {
		return err
	}
	if err := b.checkEdge(BlockCall{Block: target, Args: args}); err != nil {
		return err
	}
	inst := b.fn.appendInst(b.cur, InstData{
		Opcode: OpJump,
		Dests:  []BlockCall{{Block: target, Args: slices.Clone(args)}},
	})
	b.addEdges(inst)
	b.state = stateNoBlock
	return nil
}

// Brif branches to then when cond is non-zero and to els otherwise.
func (b *Builder) Brif(cond Value, then BlockCall, els BlockCall) error {
	if err := b.requireActive(); err != nil {
		return err
	}
	if err := b.checkValues(cond); err != nil {
		return err
	}
	if err := b.checkEdge(then); err != nil {
		return err
	}
	if err := b.checkEdge(els); err != nil {
		return err
	}
	inst := b.fn.appendInst(b.cur, InstData{
		Opcode: OpBrif,
		Args:   []Value{cond},
		Dests: []BlockCall{
			{Block: then.Block, Args: slices.Clone(then.Args)},
			{Block: els.Block, Args: slices.Clone(els.Args)},
		},
	})
	b.addEdges(inst)
	b.state = stateNoBlock
	return nil
}

// Trap terminates the current block with an unconditional trap.
func (b *Builder) Trap() error {
	if err := b.requireActive(); err != nil {
		return err
	}
	b.fn.appendInst(b.cur, InstData{Opcode: OpTrap})
	b.state = stateNoBlock
	return nil
}

func (b *Builder) checkEdge(dest BlockCall) error {
	if !b.fn.validBlock(dest.Block) {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, dest.Block)
	}
	if dest.Block == b.fn.Entry() {
		return ErrEntryBranch
	}
	if b.fn.Blocks[dest.Block].Sealed {
		return fmt.Errorf("%w: %s", ErrSealedBlockEdge, dest.Block)
	}
	st := b.blocks[dest.Block]
	want := make([]Type, 0, st.userParams)
	for _, p := range b.fn.Blocks[dest.Block].Params[:st.userParams] {
		want = append(want, b.fn.ValueType(p))
	}
	return b.checkArgs("branch to "+dest.Block.String(), want, dest.Args)
}

// addEdges registers inst as a predecessor of each destination. Pending
// variable params of the target get their arguments when it is sealed.
func (b *Builder) addEdges(inst Inst) {
	for i, d := range b.fn.Insts[inst].Dests {
		st := &b.blocks[d.Block]
		st.preds = append(st.preds, predEdge{inst: inst, dest: i})
	}
}

func (b *Builder) checkArgs(what string, want []Type, args []Value) error {
	if err := b.checkValues(args...); err != nil {
		return err
	}
	if len(want) != len(args) {
		return fmt.Errorf("%w: %s expects %d values, got %d", ErrTypeMismatch, what, len(want), len(args))
	}
	for i, arg := range args {
		if got := b.fn.ValueType(arg); got != want[i] {
			return fmt.Errorf("%w: %s value %d is %s, want %s", ErrTypeMismatch, what, i, got, want[i])
		}
	}
	return nil
}

func (b *Builder) checkValues(vals ...Value) error {
	for _, v := range vals {
		if !b.fn.validValue(v) {
			return fmt.Errorf("%w: %s", ErrUnknownEntity, v)
		}
	}
	return nil
}

func (b *Builder) checkOpen(blk Block) error {
	if b.state == stateFinalized {
		return ErrFinalized
	}
	if !b.fn.validBlock(blk) {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, blk)
	}
	return nil
}

func (b *Builder) requireActive() error {
	switch b.state {
	case stateFinalized:
		return ErrFinalized
	case stateNoBlock:
		return ErrNoActiveBlock
	}
	return nil
}

// Finalize ends construction. It fails when a block lacks a terminator or
// a seal; the function is only usable for definition on success.
func (b *Builder) Finalize() error {
	if b.state == stateFinalized {
		return ErrFinalized
	}
	b.state = stateFinalized
	b.cur = NoBlock
	if len(b.fn.Blocks) == 0 {
		return ErrEmptyFunction
	}
	var errs []error
	for i := range b.fn.Blocks {
		blk := Block(int32(i))
		if _, ok := b.fn.Terminator(blk); !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnterminatedBlock, blk))
		}
		if !b.fn.Blocks[i].Sealed {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnsealedBlock, blk))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	b.fn.finalized = true
	return nil
}
