package llvm

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"kiln/internal/obj"
)

func (e *Emitter) emitGlobals() error {
	n := 0
	for i := range e.o.Symbols {
		sym := &e.o.Symbols[i]
		if sym.Kind != obj.KindData || sym.Linkage == obj.Import {
			continue
		}
		if sym.Data == nil {
			return fmt.Errorf("%w: data %s has no content", ErrUnsupported, sym.Name)
		}
		ty, init, err := e.dataInit(sym.Data)
		if err != nil {
			return fmt.Errorf("data %s: %w", sym.Name, err)
		}
		kind := "constant"
		if sym.Writable {
			kind = "global"
		}
		fmt.Fprintf(&e.buf, "%s = %s%s%s %s %s", globalName(sym.Name), linkagePrefix(sym.Linkage), e.threadLocal(sym), kind, ty, init)
		if sym.Data.Align > 1 {
			fmt.Fprintf(&e.buf, ", align %d", sym.Data.Align)
		}
		e.buf.WriteString("\n")
		n++
	}
	if n > 0 {
		e.buf.WriteString("\n")
	}
	return nil
}

// dataInit returns the type and initializer of a data symbol. Relocated
// words become ptr fields of a packed struct.
func (e *Emitter) dataInit(d *obj.Data) (ty, init string, err error) {
	if d.ZeroInit() {
		return fmt.Sprintf("[%d x i8]", d.Size), "zeroinitializer", nil
	}
	if len(d.Relocs) == 0 {
		return fmt.Sprintf("[%d x i8]", len(d.Bytes)), formatLLVMBytes(d.Bytes, len(d.Bytes)), nil
	}

	ptrSize := uint64(e.o.Config.PointerBits() / 8)
	relocs := slices.Clone(d.Relocs)
	slices.SortFunc(relocs, func(a, b obj.Reloc) int { return cmp.Compare(a.Offset, b.Offset) })

	var types, vals []string
	addBytes := func(chunk []byte) {
		if len(chunk) == 0 {
			return
		}
		t := fmt.Sprintf("[%d x i8]", len(chunk))
		types = append(types, t)
		vals = append(vals, t+" "+formatLLVMBytes(chunk, len(chunk)))
	}
	pos := uint64(0)
	for _, r := range relocs {
		if r.Offset < pos || r.Offset+ptrSize > uint64(len(d.Bytes)) {
			return "", "", fmt.Errorf("%w: relocation at %d overlaps or exceeds %d bytes", ErrUnsupported, r.Offset, len(d.Bytes))
		}
		target, ok := e.o.Symbol(r.Symbol)
		if !ok {
			return "", "", fmt.Errorf("%w: relocation against unknown symbol %d", ErrUnsupported, r.Symbol)
		}
		addBytes(d.Bytes[pos:r.Offset])
		ref := "ptr " + globalName(target.Name)
		if r.Addend != 0 {
			ref = fmt.Sprintf("ptr getelementptr (i8, ptr %s, i64 %d)", globalName(target.Name), r.Addend)
		}
		types = append(types, "ptr")
		vals = append(vals, ref)
		pos = r.Offset + ptrSize
	}
	addBytes(d.Bytes[pos:])
	return "<{ " + strings.Join(types, ", ") + " }>", "<{ " + strings.Join(vals, ", ") + " }>", nil
}
