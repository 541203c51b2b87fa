package emit_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"kiln/internal/backend"
	"kiln/internal/emit"
	"kiln/internal/errs"
	"kiln/internal/ir"
	"kiln/internal/module"
	"kiln/internal/obj"
	"kiln/internal/target"
)

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

// helloObject builds the puts/hello_world/main object for triple.
func helloObject(t *testing.T, triple string, extra func(m *module.Module)) *obj.Object {
	t.Helper()
	cfg, err := target.Resolve(triple, nil)
	must(t, err)
	be, err := backend.New("", cfg)
	must(t, err)
	m, err := module.New("hello", cfg, be)
	must(t, err)

	putsSig := ir.NewSignature(cfg.CallConv())
	putsSig.Params = []ir.AbiParam{ir.Param(cfg.PointerType())}
	putsSig.Returns = []ir.AbiParam{ir.Param(ir.I32)}
	puts, err := m.DeclareFunction("puts", obj.Import, putsSig)
	must(t, err)
	db, err := m.NewData("hello_world", obj.Export, false, false)
	must(t, err)
	_, err = db.Write([]byte("Hello, World!\x00"))
	must(t, err)
	must(t, db.Define())
	mainSig := ir.NewSignature(cfg.CallConv())
	mainID, err := m.DeclareFunction("main", obj.Export, mainSig)
	must(t, err)

	fn := ir.NewFunc("main", mainSig)
	putsRef, err := m.DeclareFuncInFunc(puts, fn)
	must(t, err)
	msg, err := m.DeclareDataInFunc(db.ID(), fn)
	must(t, err)
	b := ir.NewBuilder(fn)
	entry, err := b.CreateBlock()
	must(t, err)
	must(t, b.SwitchToBlock(entry))
	must(t, b.SealBlock(entry))
	addr, err := b.SymbolValue(cfg.PointerType(), msg)
	must(t, err)
	_, err = b.Call(putsRef, addr)
	must(t, err)
	must(t, b.Return())
	must(t, b.Finalize())
	must(t, m.DefineFunction(mainID, fn))

	if extra != nil {
		extra(m)
	}
	o, err := m.Finish()
	must(t, err)
	return o
}

func parse(t *testing.T, data []byte) *elf.File {
	t.Helper()
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("debug/elf rejected the object: %v", err)
	}
	return f
}

func symbolsByName(t *testing.T, f *elf.File) map[string]elf.Symbol {
	t.Helper()
	syms, err := f.Symbols()
	must(t, err)
	out := make(map[string]elf.Symbol, len(syms))
	for _, s := range syms {
		out[s.Name] = s
	}
	return out
}

func TestSerializeHelloWorld(t *testing.T) {
	data, err := emit.Serialize(helloObject(t, "x86_64-linux", nil))
	must(t, err)
	f := parse(t, data)
	if f.Type != elf.ET_REL || f.Machine != elf.EM_X86_64 || f.Class != elf.ELFCLASS64 {
		t.Fatalf("header %+v", f.FileHeader)
	}
	syms := symbolsByName(t, f)

	puts := syms["puts"]
	if puts.Section != elf.SHN_UNDEF || elf.ST_BIND(puts.Info) != elf.STB_GLOBAL {
		t.Errorf("puts = %+v, want undefined global", puts)
	}
	main := syms["main"]
	if elf.ST_TYPE(main.Info) != elf.STT_FUNC || elf.ST_BIND(main.Info) != elf.STB_GLOBAL ||
		f.Sections[main.Section].Name != ".text" || main.Size == 0 {
		t.Errorf("main = %+v", main)
	}
	hello := syms["hello_world"]
	if elf.ST_TYPE(hello.Info) != elf.STT_OBJECT || elf.ST_BIND(hello.Info) != elf.STB_GLOBAL || hello.Size != 14 {
		t.Fatalf("hello_world = %+v", hello)
	}
	sec := f.Sections[hello.Section]
	if sec.Name != ".rodata" {
		t.Errorf("hello_world in %s, want .rodata", sec.Name)
	}
	content, err := sec.Data()
	must(t, err)
	if got := content[hello.Value : hello.Value+hello.Size]; string(got) != "Hello, World!\x00" {
		t.Errorf("payload %q", got)
	}
	if _, ok := syms["hello"]; !ok {
		t.Error("missing file symbol")
	}
	if f.Section(".note.GNU-stack") == nil {
		t.Error("missing .note.GNU-stack")
	}
}

type rela struct {
	off    uint64
	sym    string
	typ    elf.R_X86_64
	addend int64
}

func readRelas(t *testing.T, f *elf.File, name string) []rela {
	t.Helper()
	sec := f.Section(name)
	if sec == nil {
		t.Fatalf("missing %s", name)
	}
	raw, err := sec.Data()
	must(t, err)
	syms, err := f.Symbols()
	must(t, err)
	var out []rela
	for len(raw) >= 24 {
		info := binary.LittleEndian.Uint64(raw[8:])
		out = append(out, rela{
			off:    binary.LittleEndian.Uint64(raw),
			sym:    syms[elf.R_SYM64(info)-1].Name,
			typ:    elf.R_X86_64(elf.R_TYPE64(info)),
			addend: int64(binary.LittleEndian.Uint64(raw[16:])),
		})
		raw = raw[24:]
	}
	return out
}

func TestTextRelocations(t *testing.T) {
	data, err := emit.Serialize(helloObject(t, "x86_64-linux", nil))
	must(t, err)
	relas := readRelas(t, parse(t, data), ".rela.text")
	if len(relas) != 2 {
		t.Fatalf("got %d relocations: %+v", len(relas), relas)
	}
	if r := relas[0]; r.sym != "hello_world" || r.typ != elf.R_X86_64_PC32 || r.addend != -4 {
		t.Errorf("address relocation %+v", r)
	}
	if r := relas[1]; r.sym != "puts" || r.typ != elf.R_X86_64_PLT32 || r.addend != -4 {
		t.Errorf("call relocation %+v", r)
	}
}

func TestDataSections(t *testing.T) {
	o := helloObject(t, "x86_64-linux", func(m *module.Module) {
		counter, err := m.NewData("counter", obj.Local, true, false)
		must(t, err)
		must(t, counter.SetAlign(8))
		_, err = counter.Write([]byte{1, 0, 0, 0, 0, 0, 0, 0})
		must(t, err)
		hello, _ := m.Lookup("hello_world")
		must(t, counter.WriteDataAddr(module.DataID(hello.ID), 7))
		must(t, counter.Define())

		for _, d := range []struct {
			name     string
			writable bool
			tls      bool
			bytes    []byte
		}{
			{"scratch", true, false, nil},
			{"tls_seed", true, true, []byte{9, 9}},
			{"tls_buf", true, true, nil},
		} {
			db, err := m.NewData(d.name, obj.Local, d.writable, d.tls)
			must(t, err)
			if d.bytes == nil {
				must(t, db.ZeroInit(32))
			} else {
				_, err = db.Write(d.bytes)
				must(t, err)
			}
			must(t, db.Define())
		}
	})
	data, err := emit.Serialize(o)
	must(t, err)
	f := parse(t, data)
	syms := symbolsByName(t, f)

	tests := []struct {
		sym     string
		section string
		typ     elf.SymType
		bind    elf.SymBind
	}{
		{"counter", ".data", elf.STT_OBJECT, elf.STB_LOCAL},
		{"scratch", ".bss", elf.STT_OBJECT, elf.STB_LOCAL},
		{"tls_seed", ".tdata", elf.STT_TLS, elf.STB_LOCAL},
		{"tls_buf", ".tbss", elf.STT_TLS, elf.STB_LOCAL},
	}
	for _, tt := range tests {
		s, ok := syms[tt.sym]
		if !ok {
			t.Errorf("missing %s", tt.sym)
			continue
		}
		if got := f.Sections[s.Section].Name; got != tt.section {
			t.Errorf("%s in %s, want %s", tt.sym, got, tt.section)
		}
		if elf.ST_TYPE(s.Info) != tt.typ || elf.ST_BIND(s.Info) != tt.bind {
			t.Errorf("%s info %#x", tt.sym, s.Info)
		}
	}
	if bss := f.Section(".bss"); bss.Type != elf.SHT_NOBITS || bss.Size != 32 {
		t.Errorf(".bss = %+v", bss.SectionHeader)
	}
	relas := readRelas(t, f, ".rela.data")
	if len(relas) != 1 || relas[0].sym != "hello_world" || relas[0].typ != elf.R_X86_64_64 ||
		relas[0].addend != 7 || relas[0].off != syms["counter"].Value+8 {
		t.Fatalf(".rela.data = %+v", relas)
	}

	// Locals precede globals and sh_info points at the first global.
	symtab := f.Section(".symtab")
	allSyms, err := f.Symbols()
	must(t, err)
	firstGlobal := int(symtab.Info) - 1
	for i, s := range allSyms {
		local := elf.ST_BIND(s.Info) == elf.STB_LOCAL
		if local != (i < firstGlobal) {
			t.Errorf("symbol %d (%s) out of order", i, s.Name)
		}
	}
}

func TestSerializeLLVMText(t *testing.T) {
	data, err := emit.Serialize(helloObject(t, "aarch64-apple-darwin", nil))
	must(t, err)
	text := string(data)
	for _, want := range []string{
		`target triple = "aarch64-apple-darwin"`,
		`@hello_world = constant [14 x i8] c"Hello, World!\00"`,
		"declare i32 @puts(i64)",
		"define void @main()",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("module missing %q:\n%s", want, text)
		}
	}
}

func TestSerializeRejectsForeignArch(t *testing.T) {
	cfg, err := target.Resolve("aarch64-linux", nil)
	must(t, err)
	o, err := obj.New("m", cfg, "native", obj.FormatELF64, nil)
	must(t, err)
	if _, err := emit.Serialize(o); !errors.Is(err, emit.ErrUnsupportedFormat) || !errors.Is(err, errs.ErrCodegen) {
		t.Fatalf("got %v", err)
	}
}

func TestPersist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.o")
	must(t, emit.WriteObject(helloObject(t, "x86_64-linux", nil), path))
	data, err := os.ReadFile(path)
	must(t, err)
	parse(t, data)

	entries, err := os.ReadDir(dir)
	must(t, err)
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %v", entries)
	}
}

func TestPersistFailureLeavesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "hello.o")
	err := emit.Persist([]byte("x"), path)
	if !errors.Is(err, emit.ErrPersist) || !errors.Is(err, errs.ErrIO) {
		t.Fatalf("got %v", err)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Fatalf("partial output exists: %v", statErr)
	}
}
