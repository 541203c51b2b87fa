package module

import (
	"errors"
	"fmt"
	"math/bits"
	"slices"

	"kiln/internal/cache"
	"kiln/internal/errs"
	"kiln/internal/ir"
	"kiln/internal/obj"
	"kiln/internal/trace"
)

// DataDescription is the content of a data symbol. A nil Bytes with a
// non-zero Size describes zero-initialized storage.
type DataDescription struct {
	Bytes  []byte
	Size   uint64
	Align  uint64
	Relocs []DataReloc
}

// DataReloc stores the address of Target plus Addend in the pointer-sized
// slot at Offset.
type DataReloc struct {
	Offset uint64
	Target uint32
	Addend int64
}

// DefineData attaches content to a declared local or exported data symbol.
func (m *Module) DefineData(id DataID, desc *DataDescription) error {
	if m.sealed {
		return ErrAlreadySealed
	}
	e, err := m.entry(uint32(id), obj.KindData)
	if err != nil {
		return err
	}
	if desc == nil {
		return fmt.Errorf("define %q: missing description", e.Name)
	}
	if e.State != StateDeclared {
		return e.define()
	}
	data, err := m.lowerData(desc)
	if err != nil {
		return fmt.Errorf("define %q: %w", e.Name, err)
	}
	if err := e.define(); err != nil {
		return err
	}
	e.data = data
	return nil
}

func (m *Module) lowerData(desc *DataDescription) (*obj.Data, error) {
	align := desc.Align
	if align == 0 {
		align = 1
	}
	if bits.OnesCount64(align) != 1 {
		return nil, fmt.Errorf("%w: %d", ErrBadAlignment, align)
	}
	d := &obj.Data{Align: align}
	switch {
	case desc.Bytes != nil:
		d.Bytes = slices.Clone(desc.Bytes)
	case desc.Size > 0:
		d.Size = desc.Size
	default:
		// An empty payload still needs file content so the symbol has an address.
		d.Bytes = []byte{}
	}
	if len(desc.Relocs) > 0 && d.ZeroInit() {
		return nil, fmt.Errorf("%w: zero-initialized data cannot hold relocations", ErrBadRelocation)
	}

	width := uint64(m.cfg.PointerBits() / 8)
	kind := obj.RelocAbs64
	if width == 4 {
		kind = obj.RelocAbs32
	}
	relocs := slices.Clone(desc.Relocs)
	slices.SortFunc(relocs, func(a, b DataReloc) int {
		switch {
		case a.Offset < b.Offset:
			return -1
		case a.Offset > b.Offset:
			return 1
		}
		return 0
	})
	var end uint64
	for _, r := range relocs {
		if r.Offset < end {
			return nil, fmt.Errorf("%w: slot at %d overlaps the previous one", ErrBadRelocation, r.Offset)
		}
		end = r.Offset + width
		if end > d.Len() || end < r.Offset {
			return nil, fmt.Errorf("%w: slot at %d exceeds %d bytes", ErrBadRelocation, r.Offset, d.Len())
		}
		if int(r.Target) >= len(m.syms) {
			return nil, fmt.Errorf("%w: target id %d", ErrBadRelocation, r.Target)
		}
		if m.syms[r.Target].TLS {
			return nil, fmt.Errorf("%w: address of thread-local %q is not a link-time constant", ErrBadRelocation, m.syms[r.Target].Name)
		}
		d.Relocs = append(d.Relocs, obj.Reloc{Offset: r.Offset, Kind: kind, Symbol: r.Target, Addend: r.Addend})
	}
	return d, nil
}

// DeclareFuncInFunc makes the function symbol id callable from fn.
func (m *Module) DeclareFuncInFunc(id FuncID, fn *ir.Func) (ir.FuncRef, error) {
	e, err := m.refTarget(uint32(id), obj.KindFunc, fn)
	if err != nil {
		return ir.NoFuncRef, err
	}
	return fn.ImportFunction(ir.ExtFuncData{
		Symbol:    e.ID,
		Name:      e.Name,
		Sig:       e.Sig,
		Colocated: e.Linkage.IsDefinable(),
	}), nil
}

// DeclareDataInFunc makes the address of data symbol id available in fn.
func (m *Module) DeclareDataInFunc(id DataID, fn *ir.Func) (ir.GlobalValue, error) {
	e, err := m.refTarget(uint32(id), obj.KindData, fn)
	if err != nil {
		return ir.NoGlobalValue, err
	}
	return fn.CreateGlobalValue(ir.GlobalValueData{
		Symbol:    e.ID,
		Name:      e.Name,
		TLS:       e.TLS,
		Colocated: e.Linkage.IsDefinable(),
	}), nil
}

func (m *Module) refTarget(id uint32, kind obj.Kind, fn *ir.Func) (*entry, error) {
	if m.sealed {
		return nil, ErrAlreadySealed
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: nil function", ir.ErrUnknownEntity)
	}
	if fn.Finalized() {
		return nil, ir.ErrFinalized
	}
	return m.entry(id, kind)
}

// DefineFunction verifies fn, compiles it and records the body for id.
func (m *Module) DefineFunction(id FuncID, fn *ir.Func) error {
	if m.sealed {
		return ErrAlreadySealed
	}
	e, err := m.entry(uint32(id), obj.KindFunc)
	if err != nil {
		return err
	}
	if e.State != StateDeclared {
		return e.define()
	}
	span := trace.Begin(m.tracer, trace.ScopeSymbol, "define:"+e.Name, m.parent)
	defer span.End("")

	if fn == nil || !fn.Finalized() {
		return fmt.Errorf("define %q: %w", e.Name, ir.ErrNotFinalized)
	}
	if !fn.Sig.Equal(e.Sig) {
		return fmt.Errorf("define %q: %w: declared %s, got %s", e.Name, ErrSignatureMismatch, e.Sig, fn.Sig)
	}
	if err := ir.Verify(fn, m.cfg.PointerType()); err != nil {
		return fmt.Errorf("define %q: %w", e.Name, err)
	}
	if err := m.checkRefs(fn); err != nil {
		return fmt.Errorf("define %q: %w", e.Name, err)
	}

	code, err := m.compile(fn, span)
	if err != nil {
		return fmt.Errorf("define %q: %w", e.Name, err)
	}
	if err := e.define(); err != nil {
		return err
	}
	e.code = code
	return nil
}

func (m *Module) checkRefs(fn *ir.Func) error {
	var problems []error
	for i, ext := range fn.ExtFuncs {
		e, err := m.entry(ext.Symbol, obj.KindFunc)
		switch {
		case err != nil:
			problems = append(problems, fmt.Errorf("%w: fn%d: %w", ErrForeignReference, i, err))
		case e.Name != ext.Name || !e.Sig.Equal(ext.Sig) || e.Linkage.IsDefinable() != ext.Colocated:
			problems = append(problems, fmt.Errorf("%w: fn%d does not match %s", ErrForeignReference, i, e.describe()))
		}
	}
	for i, gv := range fn.Globals {
		e, err := m.entry(gv.Symbol, obj.KindData)
		switch {
		case err != nil:
			problems = append(problems, fmt.Errorf("%w: gv%d: %w", ErrForeignReference, i, err))
		case e.Name != gv.Name || e.TLS != gv.TLS || e.Linkage.IsDefinable() != gv.Colocated:
			problems = append(problems, fmt.Errorf("%w: gv%d does not match %s", ErrForeignReference, i, e.describe()))
		}
	}
	return errors.Join(problems...)
}

func (m *Module) compile(fn *ir.Func, span *trace.Span) (*obj.Code, error) {
	var key cache.Digest
	if m.cache != nil {
		key = cache.Key(m.cfg.Fingerprint(), m.be.Name(), fn)
		code, ok, err := m.cache.Get(key)
		switch {
		case err != nil:
			span.WithExtra("cache_error", err.Error())
		case ok:
			m.stats.CacheHits++
			span.WithExtra("cache", "hit")
			return code, nil
		}
	}
	code, err := m.be.Compile(fn)
	if err != nil {
		if !errors.Is(err, errs.ErrCodegen) {
			err = fmt.Errorf("%w: %w", errs.ErrCodegen, err)
		}
		return nil, err
	}
	m.stats.Compiled++
	if m.cache != nil {
		span.WithExtra("cache", "miss")
		if err := m.cache.Put(key, code); err != nil {
			span.WithExtra("cache_error", err.Error())
		}
	}
	return code, nil
}
