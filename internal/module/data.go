package module

import (
	"fmt"

	"kiln/internal/obj"
)

// DataBuilder accumulates the content of one data symbol. Define consumes
// it; every later call fails with ErrBuilderConsumed.
type DataBuilder struct {
	m        *Module
	id       DataID
	buf      []byte
	size     uint64
	zero     bool
	align    uint64
	relocs   []DataReloc
	consumed bool
}

// NewData declares a local or exported data symbol and returns a builder
// bound to it.
func (m *Module) NewData(name string, linkage obj.Linkage, writable, tls bool) (*DataBuilder, error) {
	if !linkage.IsDefinable() {
		return nil, fmt.Errorf("data %q: %w", name, ErrNotLocal)
	}
	id, err := m.DeclareData(name, linkage, writable, tls)
	if err != nil {
		return nil, err
	}
	return &DataBuilder{m: m, id: id, align: 1}, nil
}

// ID returns the symbol the builder defines.
func (b *DataBuilder) ID() DataID { return b.id }

// Len returns the number of bytes accumulated so far.
func (b *DataBuilder) Len() uint64 {
	if b.zero {
		return b.size
	}
	return uint64(len(b.buf))
}

func (b *DataBuilder) usable() error {
	if b.consumed {
		return ErrBuilderConsumed
	}
	return nil
}

// Write appends p to the payload.
func (b *DataBuilder) Write(p []byte) (int, error) {
	if err := b.usable(); err != nil {
		return 0, err
	}
	if b.zero {
		return 0, ErrZeroInitBytes
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// WriteString appends s to the payload.
func (b *DataBuilder) WriteString(s string) (int, error) {
	return b.Write([]byte(s))
}

// SetAlign sets the required alignment in bytes.
func (b *DataBuilder) SetAlign(align uint64) error {
	if err := b.usable(); err != nil {
		return err
	}
	if align == 0 || align&(align-1) != 0 {
		return fmt.Errorf("%w: %d", ErrBadAlignment, align)
	}
	b.align = align
	return nil
}

// ZeroInit makes the symbol size zero bytes of storage with no file content.
func (b *DataBuilder) ZeroInit(size uint64) error {
	if err := b.usable(); err != nil {
		return err
	}
	if len(b.buf) > 0 || len(b.relocs) > 0 {
		return ErrZeroInitBytes
	}
	b.zero = true
	b.size = size
	return nil
}

// WriteFuncAddr appends a pointer-sized slot holding the address of fn.
func (b *DataBuilder) WriteFuncAddr(fn FuncID, addend int64) error {
	if _, err := b.m.entry(uint32(fn), obj.KindFunc); err != nil {
		return err
	}
	return b.writeAddr(uint32(fn), addend)
}

// WriteDataAddr appends a pointer-sized slot holding the address of data.
func (b *DataBuilder) WriteDataAddr(data DataID, addend int64) error {
	if _, err := b.m.entry(uint32(data), obj.KindData); err != nil {
		return err
	}
	return b.writeAddr(uint32(data), addend)
}

func (b *DataBuilder) writeAddr(target uint32, addend int64) error {
	if err := b.usable(); err != nil {
		return err
	}
	if b.zero {
		return ErrZeroInitBytes
	}
	b.relocs = append(b.relocs, DataReloc{Offset: uint64(len(b.buf)), Target: target, Addend: addend})
	b.buf = append(b.buf, make([]byte, b.m.cfg.PointerBits()/8)...)
	return nil
}

// Define hands the accumulated content to the module. The builder is
// consumed whether or not the definition succeeds.
func (b *DataBuilder) Define() error {
	if err := b.usable(); err != nil {
		return err
	}
	desc := &DataDescription{Align: b.align, Relocs: b.relocs}
	if b.zero {
		desc.Size = b.size
	} else {
		desc.Bytes = b.buf
		if desc.Bytes == nil {
			desc.Bytes = []byte{}
		}
	}
	b.consumed = true
	b.buf, b.relocs = nil, nil
	return b.m.DefineData(b.id, desc)
}
