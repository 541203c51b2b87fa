// Package module owns the symbol table of one object file: declarations,
// data and function definitions, and the final sealed object.
//
// A Module is not safe for concurrent use. The Object returned by Finish is
// immutable and may be shared freely.
package module

import (
	"fmt"
	"strings"

	"fortio.org/safecast"

	"kiln/internal/backend"
	"kiln/internal/cache"
	"kiln/internal/ir"
	"kiln/internal/obj"
	"kiln/internal/target"
	"kiln/internal/trace"
)

// Module is the symbol registry for a single emission run.
type Module struct {
	name   string
	cfg    *target.Config
	be     backend.Backend
	cache  *cache.DiskCache
	tracer trace.Tracer
	parent uint64

	syms   []entry
	byName map[string]uint32
	sealed bool
	stats  Stats
}

// Stats counts compile cache traffic.
type Stats struct {
	Compiled  int
	CacheHits int
}

// Option configures a Module.
type Option func(*Module)

// WithCache makes DefineFunction consult c before compiling.
func WithCache(c *cache.DiskCache) Option {
	return func(m *Module) { m.cache = c }
}

// WithTracer emits spans for definitions under the span parent.
func WithTracer(t trace.Tracer, parent uint64) Option {
	return func(m *Module) {
		if t != nil {
			m.tracer = t
			m.parent = parent
		}
	}
}

// New returns an empty module compiling for cfg through be.
func New(name string, cfg *target.Config, be backend.Backend, opts ...Option) (*Module, error) {
	if cfg == nil || be == nil {
		return nil, fmt.Errorf("module %q: config and backend are required", name)
	}
	m := &Module{
		name:   name,
		cfg:    cfg,
		be:     be,
		tracer: trace.Nop,
		byName: make(map[string]uint32),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Name returns the module name.
func (m *Module) Name() string { return m.name }

// Config returns the target configuration.
func (m *Module) Config() *target.Config { return m.cfg }

// Backend returns the code generator.
func (m *Module) Backend() backend.Backend { return m.be }

// Stats returns compile counters.
func (m *Module) Stats() Stats { return m.stats }

// Sealed reports whether Finish succeeded.
func (m *Module) Sealed() bool { return m.sealed }

// DeclareFunction registers a function symbol. Repeating an identical
// declaration returns the same id.
func (m *Module) DeclareFunction(name string, linkage obj.Linkage, sig ir.Signature) (FuncID, error) {
	id, err := m.declare(Symbol{Name: name, Kind: obj.KindFunc, Linkage: linkage, Sig: sig.Clone()})
	return FuncID(id), err
}

// DeclareData registers a data symbol. Writable and tls are part of the
// symbol identity.
func (m *Module) DeclareData(name string, linkage obj.Linkage, writable, tls bool) (DataID, error) {
	id, err := m.declare(Symbol{Name: name, Kind: obj.KindData, Linkage: linkage, Writable: writable, TLS: tls})
	return DataID(id), err
}

func (m *Module) declare(s Symbol) (uint32, error) {
	if m.sealed {
		return 0, fmt.Errorf("declare %q: %w", s.Name, ErrAlreadySealed)
	}
	if s.Linkage > obj.Export {
		return 0, fmt.Errorf("declare %q: %w: unknown linkage %s", s.Name, ErrLinkageConflict, s.Linkage)
	}
	name, err := canonicalName(s.Name)
	if err != nil {
		return 0, err
	}
	s.Name = name
	if id, ok := m.byName[name]; ok {
		if prev := &m.syms[id]; !compatible(&prev.Symbol, &s) {
			return 0, fmt.Errorf("%w: %s redeclared as %s", ErrLinkageConflict, prev.describe(), describeDecl(&s))
		}
		return id, nil
	}
	id, err := safecast.Conv[uint32](len(m.syms))
	if err != nil {
		return 0, fmt.Errorf("declare %q: symbol table full: %w", name, err)
	}
	s.ID = id
	s.State = initialState(s.Linkage)
	m.syms = append(m.syms, entry{Symbol: s})
	m.byName[name] = id
	return id, nil
}

func compatible(prev, next *Symbol) bool {
	if prev.Kind != next.Kind || prev.Linkage != next.Linkage {
		return false
	}
	if prev.Kind == obj.KindFunc {
		return prev.Sig.Equal(next.Sig)
	}
	return prev.Writable == next.Writable && prev.TLS == next.TLS
}

func (e *entry) describe() string {
	return describeDecl(&e.Symbol)
}

func describeDecl(s *Symbol) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %q", s.Linkage, s.Kind, s.Name)
	if s.Kind == obj.KindFunc {
		fmt.Fprintf(&b, " %s", s.Sig)
		return b.String()
	}
	if s.Writable {
		b.WriteString(" writable")
	}
	if s.TLS {
		b.WriteString(" tls")
	}
	return b.String()
}

func (m *Module) entry(id uint32, kind obj.Kind) (*entry, error) {
	if int(id) >= len(m.syms) {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownSymbol, id)
	}
	e := &m.syms[id]
	if e.Kind != kind {
		return nil, fmt.Errorf("%w: id %d is %s %q, not %s", ErrUnknownSymbol, id, e.Kind, e.Name, kind)
	}
	return e, nil
}

// Symbol returns the symbol with the given id.
func (m *Module) Symbol(id uint32) (Symbol, bool) {
	if int(id) >= len(m.syms) {
		return Symbol{}, false
	}
	return m.syms[id].view(), true
}

// Lookup finds a symbol by name. The name is normalized the same way
// declarations are.
func (m *Module) Lookup(name string) (Symbol, bool) {
	name, err := canonicalName(name)
	if err != nil {
		return Symbol{}, false
	}
	id, ok := m.byName[name]
	if !ok {
		return Symbol{}, false
	}
	return m.syms[id].view(), true
}

// Symbols lists every symbol in declaration order.
func (m *Module) Symbols() []Symbol {
	out := make([]Symbol, len(m.syms))
	for i := range m.syms {
		out[i] = m.syms[i].view()
	}
	return out
}

// Finish seals the module and returns the compiled object. It fails while a
// local or exported symbol is still undefined, leaving the module open.
func (m *Module) Finish() (*obj.Object, error) {
	if m.sealed {
		return nil, ErrAlreadySealed
	}
	span := trace.Begin(m.tracer, trace.ScopeStage, "finish", m.parent)
	defer span.End("")

	var missing []string
	syms := make([]obj.Symbol, len(m.syms))
	for i := range m.syms {
		e := &m.syms[i]
		if e.State == StateDeclared {
			missing = append(missing, e.describe())
		}
		syms[i] = obj.Symbol{
			ID:       e.ID,
			Name:     e.Name,
			Kind:     e.Kind,
			Linkage:  e.Linkage,
			Sig:      e.Sig,
			Writable: e.Writable,
			TLS:      e.TLS,
			Code:     e.code,
			Data:     e.data,
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUndefinedSymbol, strings.Join(missing, ", "))
	}
	o, err := obj.New(m.name, m.cfg, m.be.Name(), m.be.Format(), syms)
	if err != nil {
		return nil, fmt.Errorf("finish %q: %w", m.name, err)
	}
	m.sealed = true
	span.WithExtra("symbols", fmt.Sprint(len(syms)))
	return o, nil
}
