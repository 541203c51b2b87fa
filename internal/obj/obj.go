// Package obj holds the compiled module handed from the module layer to the
// object emitter. An Object is never modified after Finish returns it.
package obj

import (
	"fmt"
	"slices"

	"kiln/internal/ir"
	"kiln/internal/target"
)

// Kind separates function symbols from data symbols.
type Kind uint8

const (
	KindFunc Kind = iota
	KindData
)

func (k Kind) String() string {
	if k == KindData {
		return "data"
	}
	return "function"
}

// Linkage is the visibility of a symbol.
type Linkage uint8

const (
	// Import symbols are defined elsewhere and resolved by the linker.
	Import Linkage = iota
	// Local symbols are defined here and not visible outside the object.
	Local
	// Export symbols are defined here and visible to the linker.
	Export
)

func (l Linkage) String() string {
	switch l {
	case Import:
		return "import"
	case Local:
		return "local"
	case Export:
		return "export"
	default:
		return fmt.Sprintf("linkage(%d)", uint8(l))
	}
}

// ParseLinkage converts import|local|export.
func ParseLinkage(s string) (Linkage, error) {
	switch s {
	case "import":
		return Import, nil
	case "local":
		return Local, nil
	case "export":
		return Export, nil
	default:
		return Import, fmt.Errorf("unknown linkage %q", s)
	}
}

// IsDefinable reports whether symbols of this linkage carry a body here.
func (l Linkage) IsDefinable() bool {
	return l != Import
}

// Format is the encoding of compiled function bodies.
type Format uint8

const (
	// FormatELF64 bodies are machine code with ELF relocations.
	FormatELF64 Format = iota
	// FormatLLVMText bodies are textual LLVM IR definitions.
	FormatLLVMText
)

func (f Format) String() string {
	if f == FormatLLVMText {
		return "llvm"
	}
	return "elf64"
}

// Extension is the conventional output file extension.
func (f Format) Extension() string {
	if f == FormatLLVMText {
		return ".ll"
	}
	return ".o"
}

// RelocKind selects how a relocation is patched.
type RelocKind uint8

const (
	RelocAbs64 RelocKind = iota
	RelocAbs32
	RelocPC32
	RelocPLT32
	RelocGOTPCREL
	RelocTPOFF32
)

var relocNames = [...]string{
	RelocAbs64:    "abs64",
	RelocAbs32:    "abs32",
	RelocPC32:     "pc32",
	RelocPLT32:    "plt32",
	RelocGOTPCREL: "gotpcrel",
	RelocTPOFF32:  "tpoff32",
}

func (k RelocKind) String() string {
	if int(k) < len(relocNames) {
		return relocNames[k]
	}
	return "unknown"
}

// Size is the number of bytes the relocation patches.
func (k RelocKind) Size() int {
	if k == RelocAbs64 {
		return 8
	}
	return 4
}

// Reloc patches Size() bytes at Offset with the address of Symbol.
type Reloc struct {
	Offset uint64
	Kind   RelocKind
	Symbol uint32
	Addend int64
}

// Code is a compiled function body.
type Code struct {
	Bytes  []byte
	Relocs []Reloc
	Align  uint64
	// Text is the body for FormatLLVMText.
	Text string
	// FrameSize is the stack frame size in bytes, when known.
	FrameSize int
}

// Clone returns a deep copy of c.
func (c *Code) Clone() *Code {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Bytes = slices.Clone(c.Bytes)
	cp.Relocs = slices.Clone(c.Relocs)
	return &cp
}

// Data is the content of a defined data symbol. A nil Bytes with a
// non-zero Size is zero-initialized storage.
type Data struct {
	Bytes  []byte
	Size   uint64
	Align  uint64
	Relocs []Reloc
}

// ZeroInit reports whether the symbol needs no file content.
func (d *Data) ZeroInit() bool {
	return d.Bytes == nil
}

// Len returns the size of the symbol in bytes.
func (d *Data) Len() uint64 {
	if d.Bytes != nil {
		return uint64(len(d.Bytes))
	}
	return d.Size
}

// Clone returns a deep copy of d.
func (d *Data) Clone() *Data {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Bytes = slices.Clone(d.Bytes)
	cp.Relocs = slices.Clone(d.Relocs)
	return &cp
}

// Symbol is one entry of the module symbol table.
type Symbol struct {
	ID      uint32
	Name    string
	Kind    Kind
	Linkage Linkage
	// Sig is set for functions.
	Sig ir.Signature
	// Writable and TLS are set for data.
	Writable bool
	TLS      bool
	// Code or Data is set once the symbol is defined.
	Code *Code
	Data *Data
}

// Defined reports whether the symbol carries a body.
func (s *Symbol) Defined() bool {
	return s.Code != nil || s.Data != nil
}

func (s *Symbol) clone() Symbol {
	cp := *s
	cp.Sig = s.Sig.Clone()
	cp.Code = s.Code.Clone()
	cp.Data = s.Data.Clone()
	return cp
}

// Object is a finished module.
type Object struct {
	Name    string
	Config  *target.Config
	Backend string
	Format  Format
	Symbols []Symbol
}

// New returns an Object owning deep copies of syms. Symbol IDs must equal
// their index.
func New(name string, cfg *target.Config, backend string, format Format, syms []Symbol) (*Object, error) {
	o := &Object{
		Name:    name,
		Config:  cfg,
		Backend: backend,
		Format:  format,
		Symbols: make([]Symbol, len(syms)),
	}
	for i := range syms {
		if int(syms[i].ID) != i {
			return nil, fmt.Errorf("symbol %q has id %d at index %d", syms[i].Name, syms[i].ID, i)
		}
		o.Symbols[i] = syms[i].clone()
	}
	return o, nil
}

// Symbol returns the symbol with the given id.
func (o *Object) Symbol(id uint32) (*Symbol, bool) {
	if int(id) >= len(o.Symbols) {
		return nil, false
	}
	return &o.Symbols[id], true
}

// Lookup finds a symbol by name.
func (o *Object) Lookup(name string) (*Symbol, bool) {
	for i := range o.Symbols {
		if o.Symbols[i].Name == name {
			return &o.Symbols[i], true
		}
	}
	return nil, false
}
