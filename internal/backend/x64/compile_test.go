package x64_test

import (
	"bytes"
	"errors"
	"slices"
	"testing"

	"kiln/internal/backend/x64"
	"kiln/internal/errs"
	"kiln/internal/ir"
	"kiln/internal/obj"
	"kiln/internal/target"
)

func newBackend(t *testing.T, settings ...target.Setting) *x64.Backend {
	t.Helper()
	cfg, err := target.Resolve("x86_64-unknown-linux-gnu", settings)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	be, err := x64.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return be
}

func check(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func sig(params []ir.Type, returns ...ir.Type) ir.Signature {
	s := ir.NewSignature(ir.CallConvSystemV)
	for _, p := range params {
		s.Params = append(s.Params, ir.Param(p))
	}
	for _, r := range returns {
		s.Returns = append(s.Returns, ir.Param(r))
	}
	return s
}

func helloFunc(t *testing.T) *ir.Func {
	t.Helper()
	fn := ir.NewFunc("main", sig(nil, ir.I32))
	puts := fn.ImportFunction(ir.ExtFuncData{Symbol: 0, Name: "puts", Sig: sig([]ir.Type{ir.I64}, ir.I32)})
	hello := fn.CreateGlobalValue(ir.GlobalValueData{Symbol: 1, Name: "hello_world", Colocated: true})
	b := ir.NewBuilder(fn)
	entry, err := b.CreateBlock()
	check(t, err)
	check(t, b.SwitchToBlock(entry))
	check(t, b.SealBlock(entry))
	addr, err := b.SymbolValue(ir.I64, hello)
	check(t, err)
	res, err := b.Call(puts, addr)
	check(t, err)
	check(t, b.Return(res...))
	check(t, b.Finalize())
	return fn
}

func TestCompileHelloWorld(t *testing.T) {
	code, err := newBackend(t).Compile(helloFunc(t))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	want := []byte{
		0x55,             // push rbp
		0x48, 0x89, 0xE5, // mov rbp, rsp
		0x48, 0x81, 0xEC, 0x10, 0x00, 0x00, 0x00, // sub rsp, 16
		0x48, 0x8D, 0x05, 0x00, 0x00, 0x00, 0x00, // lea rax, [rip+hello_world]
		0x48, 0x89, 0x85, 0xF8, 0xFF, 0xFF, 0xFF, // mov [rbp-8], rax
		0x48, 0x8B, 0xBD, 0xF8, 0xFF, 0xFF, 0xFF, // mov rdi, [rbp-8]
		0xE8, 0x00, 0x00, 0x00, 0x00, // call puts
		0x89, 0xC0, // mov eax, eax
		0x48, 0x89, 0x85, 0xF0, 0xFF, 0xFF, 0xFF, // mov [rbp-16], rax
		0x48, 0x8B, 0x85, 0xF0, 0xFF, 0xFF, 0xFF, // mov rax, [rbp-16]
		0xC9, 0xC3, // leave; ret
	}
	if !bytes.Equal(code.Bytes, want) {
		t.Fatalf("code mismatch\n got % x\nwant % x", code.Bytes, want)
	}
	wantRelocs := []obj.Reloc{
		{Offset: 14, Kind: obj.RelocPC32, Symbol: 1, Addend: -4},
		{Offset: 33, Kind: obj.RelocPLT32, Symbol: 0, Addend: -4},
	}
	if !slices.Equal(code.Relocs, wantRelocs) {
		t.Fatalf("relocs = %+v, want %+v", code.Relocs, wantRelocs)
	}
	if code.Align != 16 || code.FrameSize != 16 {
		t.Fatalf("align %d frame %d", code.Align, code.FrameSize)
	}
}

func funcAddrFunc(t *testing.T, colocated bool) *ir.Func {
	t.Helper()
	fn := ir.NewFunc("addr", sig(nil, ir.I64))
	ref := fn.ImportFunction(ir.ExtFuncData{Symbol: 3, Name: "target", Sig: sig(nil), Colocated: colocated})
	b := ir.NewBuilder(fn)
	entry, err := b.CreateBlock()
	check(t, err)
	check(t, b.SwitchToBlock(entry))
	v, err := b.FuncAddr(ir.I64, ref)
	check(t, err)
	check(t, b.Return(v))
	check(t, b.SealAllBlocks())
	check(t, b.Finalize())
	return fn
}

func TestCompileAddressModes(t *testing.T) {
	tests := []struct {
		name      string
		pic       string
		colocated bool
		prefix    []byte
		kind      obj.RelocKind
		at        uint64
		addend    int64
	}{
		{name: "local", pic: "false", colocated: true, prefix: []byte{0x48, 0x8D, 0x05}, kind: obj.RelocPC32, at: 14, addend: -4},
		{name: "import pic", pic: "true", colocated: false, prefix: []byte{0x48, 0x8B, 0x05}, kind: obj.RelocGOTPCREL, at: 14, addend: -4},
		{name: "import static", pic: "false", colocated: false, prefix: []byte{0x48, 0xB8}, kind: obj.RelocAbs64, at: 13, addend: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			be := newBackend(t, target.Setting{Key: "is_pic", Value: tt.pic})
			code, err := be.Compile(funcAddrFunc(t, tt.colocated))
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			// The frame holds one value, so the prologue is 11 bytes.
			if !bytes.HasPrefix(code.Bytes[11:], tt.prefix) {
				t.Fatalf("address sequence % x, want prefix % x", code.Bytes[11:], tt.prefix)
			}
			want := []obj.Reloc{{Offset: tt.at, Kind: tt.kind, Symbol: 3, Addend: tt.addend}}
			if !slices.Equal(code.Relocs, want) {
				t.Fatalf("relocs = %+v, want %+v", code.Relocs, want)
			}
		})
	}
}

func tlsFunc(t *testing.T) *ir.Func {
	t.Helper()
	fn := ir.NewFunc("tls", sig(nil, ir.I64))
	gv := fn.CreateGlobalValue(ir.GlobalValueData{Symbol: 2, Name: "counter", TLS: true, Colocated: true})
	b := ir.NewBuilder(fn)
	entry, err := b.CreateBlock()
	check(t, err)
	check(t, b.SwitchToBlock(entry))
	v, err := b.TLSValue(ir.I64, gv)
	check(t, err)
	check(t, b.Return(v))
	check(t, b.SealAllBlocks())
	check(t, b.Finalize())
	return fn
}

func TestCompileTLS(t *testing.T) {
	code, err := newBackend(t, target.Setting{Key: "tls_model", Value: "local_exec"}).Compile(tlsFunc(t))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	seq := []byte{0x64, 0x48, 0x8B, 0x04, 0x25, 0, 0, 0, 0, 0x48, 0x8D, 0x80}
	at := bytes.Index(code.Bytes, seq)
	if at < 0 {
		t.Fatalf("missing local-exec sequence in % x", code.Bytes)
	}
	want := []obj.Reloc{{Offset: uint64(at + len(seq)), Kind: obj.RelocTPOFF32, Symbol: 2}}
	if !slices.Equal(code.Relocs, want) {
		t.Fatalf("relocs = %+v, want %+v", code.Relocs, want)
	}

	_, err = newBackend(t).Compile(tlsFunc(t))
	if !errors.Is(err, x64.ErrUnsupported) || !errors.Is(err, errs.ErrCodegen) {
		t.Fatalf("TLS without tls_model: got %v", err)
	}
}

func TestCompileBlockArgsParallelCopy(t *testing.T) {
	fn := ir.NewFunc("swap", sig([]ir.Type{ir.I64, ir.I64}, ir.I64))
	b := ir.NewBuilder(fn)
	entry, err := b.CreateBlock()
	check(t, err)
	next, err := b.CreateBlock()
	check(t, err)
	params, err := b.AppendEntryParams(entry)
	check(t, err)
	p, err := b.AppendBlockParam(next, ir.I64)
	check(t, err)
	q, err := b.AppendBlockParam(next, ir.I64)
	check(t, err)

	check(t, b.SwitchToBlock(entry))
	check(t, b.Jump(next, params[1], params[0]))
	check(t, b.SwitchToBlock(next))
	d, err := b.Isub(p, q)
	check(t, err)
	check(t, b.Return(d))
	check(t, b.SealAllBlocks())
	check(t, b.Finalize())

	code, err := newBackend(t).Compile(fn)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	// Both sources are pushed before either param slot is written.
	copySeq := []byte{
		0xFF, 0xB5, 0xF0, 0xFF, 0xFF, 0xFF, // push [rbp-16] (second entry param)
		0xFF, 0xB5, 0xF8, 0xFF, 0xFF, 0xFF, // push [rbp-8] (first entry param)
		0x8F, 0x85, 0xE0, 0xFF, 0xFF, 0xFF, // pop [rbp-32] (q)
		0x8F, 0x85, 0xE8, 0xFF, 0xFF, 0xFF, // pop [rbp-24] (p)
	}
	at := bytes.Index(code.Bytes, copySeq)
	if at < 0 {
		t.Fatalf("parallel copy sequence missing from % x", code.Bytes)
	}
	// next follows entry in layout, so no jump is emitted.
	if code.Bytes[at+len(copySeq)] == 0xE9 {
		t.Fatal("fallthrough edge emitted a jmp")
	}
	if !bytes.Contains(code.Bytes, []byte{0x48, 0x89, 0xF8}) || !bytes.Contains(code.Bytes, []byte{0x48, 0x89, 0xF0}) {
		t.Fatal("entry params not spilled from rdi and rsi")
	}
}

func TestCompileBranchDisplacement(t *testing.T) {
	fn := ir.NewFunc("skip", sig(nil))
	b := ir.NewBuilder(fn)
	var blocks [3]ir.Block
	for i := range blocks {
		blk, err := b.CreateBlock()
		check(t, err)
		blocks[i] = blk
	}
	check(t, b.SwitchToBlock(blocks[0]))
	check(t, b.Jump(blocks[2]))
	check(t, b.SwitchToBlock(blocks[1]))
	check(t, b.Trap())
	check(t, b.SwitchToBlock(blocks[2]))
	check(t, b.Return())
	check(t, b.SealAllBlocks())
	check(t, b.Finalize())

	code, err := newBackend(t).Compile(fn)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	want := []byte{
		0x55, 0x48, 0x89, 0xE5, // prologue without locals
		0xE9, 0x02, 0x00, 0x00, 0x00, // jmp block2
		0x0F, 0x0B, // ud2
		0xC9, 0xC3,
	}
	if !bytes.Equal(code.Bytes, want) {
		t.Fatalf("code mismatch\n got % x\nwant % x", code.Bytes, want)
	}
}

func TestCompileStackArgsAlignment(t *testing.T) {
	params := make([]ir.Type, 7)
	for i := range params {
		params[i] = ir.I64
	}
	fn := ir.NewFunc("many", sig(nil))
	callee := fn.ImportFunction(ir.ExtFuncData{Symbol: 0, Name: "seven", Sig: sig(params)})
	b := ir.NewBuilder(fn)
	entry, err := b.CreateBlock()
	check(t, err)
	check(t, b.SwitchToBlock(entry))
	args := make([]ir.Value, len(params))
	for i := range args {
		args[i], err = b.Iconst(ir.I64, int64(i))
		check(t, err)
	}
	_, err = b.Call(callee, args...)
	check(t, err)
	check(t, b.Return())
	check(t, b.SealAllBlocks())
	check(t, b.Finalize())

	code, err := newBackend(t).Compile(fn)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	// One stack argument: pad by 8, push it, then release 16 bytes.
	pad := []byte{0x48, 0x81, 0xEC, 0x08, 0x00, 0x00, 0x00, 0xFF, 0xB5, 0xC8, 0xFF, 0xFF, 0xFF}
	if !bytes.Contains(code.Bytes, pad) {
		t.Fatalf("missing aligned stack argument push in % x", code.Bytes)
	}
	if !bytes.Contains(code.Bytes, []byte{0x48, 0x81, 0xC4, 0x10, 0x00, 0x00, 0x00}) {
		t.Fatal("missing stack cleanup")
	}
	// r9 carries the sixth argument.
	if !bytes.Contains(code.Bytes, []byte{0x4C, 0x8B, 0x8D, 0xD0, 0xFF, 0xFF, 0xFF}) {
		t.Fatal("sixth argument not loaded into r9")
	}
}

func TestCompileNarrowArithmetic(t *testing.T) {
	fn := ir.NewFunc("narrow", sig([]ir.Type{ir.I8, ir.I8}, ir.I8))
	b := ir.NewBuilder(fn)
	entry, err := b.CreateBlock()
	check(t, err)
	params, err := b.AppendEntryParams(entry)
	check(t, err)
	check(t, b.SwitchToBlock(entry))
	sum, err := b.Iadd(params[0], params[1])
	check(t, err)
	lt, err := b.Icmp(ir.IntSignedLessThan, sum, params[0])
	check(t, err)
	check(t, b.Return(lt))
	check(t, b.SealAllBlocks())
	check(t, b.Finalize())

	code, err := newBackend(t).Compile(fn)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	for _, seq := range [][]byte{
		{0x48, 0x01, 0xC8, 0x0F, 0xB6, 0xC0},                         // add; movzx eax, al
		{0x48, 0x0F, 0xBE, 0xC0, 0x48, 0x0F, 0xBE, 0xC9},             // sign-extend both operands
		{0x48, 0x39, 0xC8, 0x0F, 0x9C, 0xC0, 0x0F, 0xB6, 0xC0},       // cmp; setl al; movzx
	} {
		if !bytes.Contains(code.Bytes, seq) {
			t.Errorf("missing % x in % x", seq, code.Bytes)
		}
	}
}

func TestNewRejectsForeignTargets(t *testing.T) {
	cfg, err := target.Resolve("aarch64-apple-darwin", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := x64.New(cfg); !errors.Is(err, x64.ErrUnsupported) {
		t.Fatalf("got %v", err)
	}
}
