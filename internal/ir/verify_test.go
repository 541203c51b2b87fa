package ir_test

import (
	"errors"
	"testing"

	"kiln/internal/errs"
	"kiln/internal/ir"
)

func TestVerifyPointerWidth(t *testing.T) {
	fn := helloFunc(t, ir.I64)
	err := ir.Verify(fn, ir.I32)
	if !errors.Is(err, ir.ErrPointerWidth) {
		t.Fatalf("got %v, want pointer width error", err)
	}
	if !errors.Is(err, errs.ErrVerification) || !errors.Is(err, errs.ErrDefinition) {
		t.Fatalf("pointer width error should be a verification error: %v", err)
	}
}

func TestVerifyEntryParamsMismatch(t *testing.T) {
	sig := ir.NewSignature(ir.CallConvSystemV)
	sig.Params = []ir.AbiParam{ir.Param(ir.I64)}
	fn := ir.NewFunc("f", sig)
	b := ir.NewBuilder(fn)
	entry := mustBlock(t, b)
	mustOK(t, b.SwitchToBlock(entry))
	mustOK(t, b.SealBlock(entry))
	mustOK(t, b.Return())
	mustOK(t, b.Finalize())

	if err := ir.Verify(fn, ir.I64); !errors.Is(err, ir.ErrEntryMismatch) {
		t.Fatalf("got %v, want entry mismatch", err)
	}
}

func TestVerifyDominance(t *testing.T) {
	sig := ir.NewSignature(ir.CallConvSystemV)
	sig.Params = []ir.AbiParam{ir.Param(ir.I64)}
	sig.Returns = []ir.AbiParam{ir.Param(ir.I64)}
	fn := ir.NewFunc("f", sig)
	b := ir.NewBuilder(fn)
	val := mustValue(t)

	entry := mustBlock(t, b)
	left := mustBlock(t, b)
	right := mustBlock(t, b)
	merge := mustBlock(t, b)

	params, err := b.AppendEntryParams(entry)
	mustOK(t, err)
	mustOK(t, b.SwitchToBlock(entry))
	mustOK(t, b.Brif(params[0], ir.BlockCall{Block: left}, ir.BlockCall{Block: right}))

	mustOK(t, b.SwitchToBlock(left))
	leftOnly := val(b.Iconst(ir.I64, 1))
	mustOK(t, b.Jump(merge))

	mustOK(t, b.SwitchToBlock(right))
	mustOK(t, b.Jump(merge))

	mustOK(t, b.SwitchToBlock(merge))
	mustOK(t, b.Return(leftOnly))
	mustOK(t, b.SealAllBlocks())
	mustOK(t, b.Finalize())

	err = ir.Verify(fn, ir.I64)
	if !errors.Is(err, ir.ErrNotDominated) {
		t.Fatalf("got %v, want dominance error", err)
	}
}

func TestVerifyEdits(t *testing.T) {
	tests := []struct {
		name string
		edit func(fn *ir.Func)
		want error
	}{
		{
			name: "terminator not last",
			edit: func(fn *ir.Func) {
				blk := &fn.Blocks[0]
				last := blk.Insts[len(blk.Insts)-1]
				blk.Insts = append(blk.Insts, last)
			},
			want: ir.ErrMisplacedTerm,
		},
		{
			name: "missing terminator",
			edit: func(fn *ir.Func) {
				blk := &fn.Blocks[0]
				blk.Insts = blk.Insts[:len(blk.Insts)-1]
			},
			want: ir.ErrUnterminatedBlock,
		},
		{
			name: "unsealed",
			edit: func(fn *ir.Func) { fn.Blocks[0].Sealed = false },
			want: ir.ErrUnsealedBlock,
		},
		{
			name: "two returns",
			edit: func(fn *ir.Func) {
				fn.Sig.Returns = append(fn.Sig.Returns, ir.Param(ir.I32))
			},
			want: ir.ErrTooManyReturns,
		},
		{
			name: "unknown global",
			edit: func(fn *ir.Func) { fn.Insts[0].Global = 7 },
			want: ir.ErrInvalidReference,
		},
		{
			name: "empty",
			edit: func(fn *ir.Func) { fn.Blocks = nil },
			want: ir.ErrEmptyFunction,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn := helloFunc(t, ir.I64)
			tt.edit(fn)
			if err := ir.Verify(fn, ir.I64); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestVerifyUseBeforeDef(t *testing.T) {
	fn := helloFunc(t, ir.I64)
	insts := fn.Blocks[0].Insts
	// Move the call ahead of the address it consumes.
	insts[0], insts[1] = insts[1], insts[0]
	if err := ir.Verify(fn, ir.I64); !errors.Is(err, ir.ErrUseBeforeDef) {
		t.Fatalf("got %v, want use before def", err)
	}
}

func TestCFGSkipsSelfLoops(t *testing.T) {
	fn := ir.NewFunc("spin", ir.NewSignature(ir.CallConvSystemV))
	b := ir.NewBuilder(fn)
	entry := mustBlock(t, b)
	loop := mustBlock(t, b)
	mustOK(t, b.SwitchToBlock(entry))
	mustOK(t, b.Jump(loop))
	mustOK(t, b.SwitchToBlock(loop))
	mustOK(t, b.Jump(loop))
	mustOK(t, b.SealAllBlocks())
	mustOK(t, b.Finalize())

	g := ir.CFG(fn)
	if g.HasEdgeFromTo(1, 1) {
		t.Fatal("self loop edge present")
	}
	if !g.HasEdgeFromTo(0, 1) {
		t.Fatal("entry edge missing")
	}
	if err := ir.Verify(fn, ir.I64); err != nil {
		t.Fatalf("verify: %v", err)
	}
}
