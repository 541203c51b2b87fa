package emit

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"fortio.org/safecast"

	"kiln/internal/obj"
)

const (
	ehdrSize = 64
	shdrSize = 64
	symSize  = 24
	relaSize = 24
)

type section struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	align   uint64
	data    []byte
	size    uint64 // NOBITS only
	link    uint32
	info    uint32
	entsize uint64
	relocs  []placedReloc
	used    bool
	index   uint16
	offset  uint64
}

func (s *section) length() uint64 {
	if s.typ == elf.SHT_NOBITS {
		return s.size
	}
	return uint64(len(s.data))
}

// place reserves n bytes aligned to align and returns their offset.
func (s *section) place(content []byte, n, align uint64) uint64 {
	if align == 0 {
		align = 1
	}
	s.used = true
	s.align = max(s.align, align)
	off := alignUp(s.length(), align)
	if s.typ == elf.SHT_NOBITS {
		s.size = off + n
		return off
	}
	s.data = append(s.data, make([]byte, off-uint64(len(s.data)))...)
	s.data = append(s.data, content...)
	return off
}

type placedReloc struct {
	offset uint64
	symbol uint32 // object symbol id
	kind   obj.RelocKind
	addend int64
}

type strtab struct {
	buf bytes.Buffer
	idx map[string]uint32
}

func newStrtab() *strtab {
	t := &strtab{idx: map[string]uint32{"": 0}}
	t.buf.WriteByte(0)
	return t
}

func (t *strtab) add(s string) (uint32, error) {
	if off, ok := t.idx[s]; ok {
		return off, nil
	}
	off, err := safecast.Conv[uint32](t.buf.Len())
	if err != nil {
		return 0, err
	}
	t.buf.WriteString(s)
	t.buf.WriteByte(0)
	t.idx[s] = off
	return off, nil
}

var elfRelocTypes = map[obj.RelocKind]elf.R_X86_64{
	obj.RelocAbs64:    elf.R_X86_64_64,
	obj.RelocAbs32:    elf.R_X86_64_32,
	obj.RelocPC32:     elf.R_X86_64_PC32,
	obj.RelocPLT32:    elf.R_X86_64_PLT32,
	obj.RelocGOTPCREL: elf.R_X86_64_GOTPCREL,
	obj.RelocTPOFF32:  elf.R_X86_64_TPOFF32,
}

type elfWriter struct {
	o        *obj.Object
	text     *section
	data     *section
	rodata   *section
	bss      *section
	tdata    *section
	tbss     *section
	sections []*section // index order, without the null section
	placed   map[uint32]placement
	symIndex map[uint32]uint32
	symtab   []elf.Sym64
	strtab   *strtab
	shstrtab *strtab
	nlocal   uint32
}

type placement struct {
	sec *section
	off uint64
	len uint64
}

func writeELF(o *obj.Object) ([]byte, error) {
	if o.Config.Arch() != "x86_64" {
		return nil, fmt.Errorf("%w: ELF64 writer supports x86_64, not %s", ErrUnsupportedFormat, o.Config.Arch())
	}
	w := &elfWriter{
		o:        o,
		text:     &section{name: ".text", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, align: 16, used: true},
		data:     &section{name: ".data", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE, align: 1},
		rodata:   &section{name: ".rodata", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC, align: 1},
		bss:      &section{name: ".bss", typ: elf.SHT_NOBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE, align: 1},
		tdata:    &section{name: ".tdata", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE | elf.SHF_TLS, align: 1},
		tbss:     &section{name: ".tbss", typ: elf.SHT_NOBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE | elf.SHF_TLS, align: 1},
		placed:   make(map[uint32]placement),
		symIndex: make(map[uint32]uint32),
		strtab:   newStrtab(),
		shstrtab: newStrtab(),
	}
	w.layoutSymbols()
	if err := w.buildSections(); err != nil {
		return nil, err
	}
	if err := w.buildSymtab(); err != nil {
		return nil, err
	}
	if err := w.buildRelocations(); err != nil {
		return nil, err
	}
	return w.write()
}

func (w *elfWriter) sectionFor(sym *obj.Symbol) *section {
	if sym.Kind == obj.KindFunc {
		return w.text
	}
	d := sym.Data
	switch {
	case sym.TLS && d.ZeroInit():
		return w.tbss
	case sym.TLS:
		return w.tdata
	case d.ZeroInit() && sym.Writable:
		return w.bss
	case sym.Writable:
		return w.data
	default:
		return w.rodata
	}
}

// layoutSymbols assigns every defined symbol a section offset.
func (w *elfWriter) layoutSymbols() {
	for i := range w.o.Symbols {
		sym := &w.o.Symbols[i]
		if !sym.Defined() {
			continue
		}
		sec := w.sectionFor(sym)
		var (
			content []byte
			n       uint64
			align   uint64
			relocs  []obj.Reloc
		)
		if sym.Code != nil {
			content, n, align, relocs = sym.Code.Bytes, uint64(len(sym.Code.Bytes)), sym.Code.Align, sym.Code.Relocs
		} else {
			content, n, align, relocs = sym.Data.Bytes, sym.Data.Len(), sym.Data.Align, sym.Data.Relocs
			if content == nil && sec.typ != elf.SHT_NOBITS {
				content = make([]byte, n)
			}
		}
		off := sec.place(content, n, align)
		w.placed[sym.ID] = placement{sec: sec, off: off, len: n}
		for _, r := range relocs {
			sec.relocs = append(sec.relocs, placedReloc{offset: off + r.Offset, symbol: r.Symbol, kind: r.Kind, addend: r.Addend})
		}
	}
}

// buildSections fixes the section order and indices.
func (w *elfWriter) buildSections() error {
	for _, s := range []*section{w.text, w.data, w.rodata, w.bss, w.tdata, w.tbss} {
		if s.used {
			w.sections = append(w.sections, s)
		}
	}
	content := len(w.sections)
	for _, s := range w.sections[:content] {
		if len(s.relocs) == 0 {
			continue
		}
		w.sections = append(w.sections, &section{
			name:    ".rela" + s.name,
			typ:     elf.SHT_RELA,
			flags:   elf.SHF_INFO_LINK,
			align:   8,
			entsize: relaSize,
			relocs:  s.relocs,
		})
	}
	w.sections = append(w.sections,
		&section{name: ".symtab", typ: elf.SHT_SYMTAB, align: 8, entsize: symSize},
		&section{name: ".strtab", typ: elf.SHT_STRTAB, align: 1},
		&section{name: ".note.GNU-stack", typ: elf.SHT_PROGBITS, align: 1},
		&section{name: ".shstrtab", typ: elf.SHT_STRTAB, align: 1},
	)
	for i, s := range w.sections {
		idx, err := safecast.Conv[uint16](i + 1)
		if err != nil || idx >= uint16(elf.SHN_LORESERVE) {
			return fmt.Errorf("%w: too many sections", ErrUnsupportedFormat)
		}
		s.index = idx
	}
	return nil
}

func (w *elfWriter) section(name string) *section {
	for _, s := range w.sections {
		if s.name == name {
			return s
		}
	}
	return nil
}

func symType(sym *obj.Symbol) elf.SymType {
	switch {
	case sym.TLS:
		return elf.STT_TLS
	case !sym.Defined():
		return elf.STT_NOTYPE
	case sym.Kind == obj.KindFunc:
		return elf.STT_FUNC
	default:
		return elf.STT_OBJECT
	}
}

// buildSymtab writes the null and file symbols, then locals, then globals.
func (w *elfWriter) buildSymtab() error {
	fileName, err := w.strtab.add(w.o.Name)
	if err != nil {
		return err
	}
	w.symtab = append(w.symtab,
		elf.Sym64{},
		elf.Sym64{Name: fileName, Info: elf.ST_INFO(elf.STB_LOCAL, elf.STT_FILE), Shndx: uint16(elf.SHN_ABS)},
	)
	for _, local := range []bool{true, false} {
		if !local {
			n, err := safecast.Conv[uint32](len(w.symtab))
			if err != nil {
				return err
			}
			w.nlocal = n
		}
		for i := range w.o.Symbols {
			sym := &w.o.Symbols[i]
			if (sym.Linkage == obj.Local) != local {
				continue
			}
			if err := w.addSymbol(sym); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *elfWriter) addSymbol(sym *obj.Symbol) error {
	name, err := w.strtab.add(sym.Name)
	if err != nil {
		return err
	}
	bind := elf.STB_GLOBAL
	if sym.Linkage == obj.Local {
		bind = elf.STB_LOCAL
	}
	es := elf.Sym64{Name: name, Info: elf.ST_INFO(bind, symType(sym)), Shndx: uint16(elf.SHN_UNDEF)}
	if p, ok := w.placed[sym.ID]; ok {
		es.Shndx = p.sec.index
		es.Value = p.off
		es.Size = p.len
	}
	idx, err := safecast.Conv[uint32](len(w.symtab))
	if err != nil {
		return err
	}
	w.symIndex[sym.ID] = idx
	w.symtab = append(w.symtab, es)
	return nil
}

func (w *elfWriter) buildRelocations() error {
	for _, s := range w.sections {
		if s.typ != elf.SHT_RELA {
			continue
		}
		target := w.section(s.name[len(".rela"):])
		s.info = uint32(target.index)
		s.link = uint32(w.section(".symtab").index)
		var buf bytes.Buffer
		for _, r := range s.relocs {
			idx, ok := w.symIndex[r.symbol]
			if !ok {
				return fmt.Errorf("%w: relocation in %s names unknown symbol %d", ErrMalformedObject, target.name, r.symbol)
			}
			typ, ok := elfRelocTypes[r.kind]
			if !ok {
				return fmt.Errorf("%w: relocation kind %s", ErrMalformedObject, r.kind)
			}
			if end := r.offset + uint64(r.kind.Size()); end > target.length() {
				return fmt.Errorf("%w: relocation at %d outside %s", ErrMalformedObject, r.offset, target.name)
			}
			rela := elf.Rela64{Off: r.offset, Info: elf.R_INFO(idx, uint32(typ)), Addend: r.addend}
			if err := binary.Write(&buf, binary.LittleEndian, &rela); err != nil {
				return err
			}
		}
		s.data = buf.Bytes()
	}

	symtab := w.section(".symtab")
	symtab.link = uint32(w.section(".strtab").index)
	symtab.info = w.nlocal
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, w.symtab); err != nil {
		return err
	}
	symtab.data = buf.Bytes()
	return nil
}

func (w *elfWriter) write() ([]byte, error) {
	names := make([]uint32, len(w.sections))
	for i, s := range w.sections {
		off, err := w.shstrtab.add(s.name)
		if err != nil {
			return nil, err
		}
		names[i] = off
	}
	w.section(".strtab").data = w.strtab.buf.Bytes()
	w.section(".shstrtab").data = w.shstrtab.buf.Bytes()

	off := uint64(ehdrSize)
	for _, s := range w.sections {
		off = alignUp(off, s.align)
		s.offset = off
		if s.typ != elf.SHT_NOBITS {
			off += uint64(len(s.data))
		}
	}
	shoff := alignUp(off, 8)
	shnum, err := safecast.Conv[uint16](len(w.sections) + 1)
	if err != nil {
		return nil, err
	}

	hdr := elf.Header64{
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Ehsize:    ehdrSize,
		Shentsize: shdrSize,
		Shnum:     shnum,
		Shstrndx:  w.section(".shstrtab").index,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr.Ident[elf.EI_OSABI] = byte(elf.ELFOSABI_NONE)

	out := bytes.NewBuffer(make([]byte, 0, shoff+uint64(shnum)*shdrSize))
	if err := binary.Write(out, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	for _, s := range w.sections {
		if s.typ == elf.SHT_NOBITS {
			continue
		}
		pad(out, s.offset)
		out.Write(s.data)
	}
	pad(out, shoff)

	headers := make([]elf.Section64, 1, shnum)
	for i, s := range w.sections {
		headers = append(headers, elf.Section64{
			Name:      names[i],
			Type:      uint32(s.typ),
			Flags:     uint64(s.flags),
			Off:       s.offset,
			Size:      s.length(),
			Link:      s.link,
			Info:      s.info,
			Addralign: s.align,
			Entsize:   s.entsize,
		})
	}
	if err := binary.Write(out, binary.LittleEndian, headers); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func pad(b *bytes.Buffer, to uint64) {
	if cur := uint64(b.Len()); to > cur {
		b.Write(make([]byte, to-cur))
	}
}

func alignUp(n, align uint64) uint64 {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}
