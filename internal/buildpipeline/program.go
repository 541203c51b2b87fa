package buildpipeline

import (
	"kiln/internal/ir"
	"kiln/internal/module"
	"kiln/internal/obj"
	"kiln/internal/target"
)

// Program describes the one-function program the pipeline builds: an
// exported entry that passes a writable message to an imported function.
type Program struct {
	Entry   string
	Import  string
	Data    string
	Message string
}

// DefaultProgram is the classic hello world.
func DefaultProgram() Program {
	return Program{
		Entry:   "main",
		Import:  "puts",
		Data:    "hello_world",
		Message: "Hello, World!",
	}
}

// withDefaults fills in missing names. A zero Program is DefaultProgram.
func (p Program) withDefaults() Program {
	def := DefaultProgram()
	if p == (Program{}) {
		return def
	}
	if p.Entry == "" {
		p.Entry = def.Entry
	}
	if p.Import == "" {
		p.Import = def.Import
	}
	if p.Data == "" {
		p.Data = def.Data
	}
	return p
}

// declared holds the module ids of the program's three symbols.
type declared struct {
	imp   module.FuncID
	data  module.DataID
	entry module.FuncID
	sig   ir.Signature
}

// importSignature is (pointer-width int) -> i32.
func importSignature(cfg *target.Config) ir.Signature {
	sig := ir.NewSignature(cfg.CallConv())
	sig.Params = []ir.AbiParam{ir.Param(cfg.PointerType())}
	sig.Returns = []ir.AbiParam{ir.Param(ir.I32)}
	return sig
}

func (p Program) declare(m *module.Module) (declared, error) {
	cfg := m.Config()
	var d declared
	var err error
	if d.imp, err = m.DeclareFunction(p.Import, obj.Import, importSignature(cfg)); err != nil {
		return d, err
	}
	db, err := m.NewData(p.Data, obj.Export, true, false)
	if err != nil {
		return d, err
	}
	if _, err = db.WriteString(p.Message + "\x00"); err != nil {
		return d, err
	}
	if err = db.Define(); err != nil {
		return d, err
	}
	d.data = db.ID()
	d.sig = ir.NewSignature(cfg.CallConv())
	if d.entry, err = m.DeclareFunction(p.Entry, obj.Export, d.sig); err != nil {
		return d, err
	}
	return d, nil
}

// buildEntry constructs the entry body: load the message address, call
// the import with it and return.
func (p Program) buildEntry(m *module.Module, d declared) (*ir.Func, error) {
	fn := ir.NewFunc(p.Entry, d.sig)
	callee, err := m.DeclareFuncInFunc(d.imp, fn)
	if err != nil {
		return nil, err
	}
	msg, err := m.DeclareDataInFunc(d.data, fn)
	if err != nil {
		return nil, err
	}
	b := ir.NewBuilder(fn)
	blk, err := b.CreateBlock()
	if err != nil {
		return nil, err
	}
	if err := b.SwitchToBlock(blk); err != nil {
		return nil, err
	}
	if err := b.SealBlock(blk); err != nil {
		return nil, err
	}
	addr, err := b.SymbolValue(m.Config().PointerType(), msg)
	if err != nil {
		return nil, err
	}
	if _, err := b.Call(callee, addr); err != nil {
		return nil, err
	}
	if err := b.Return(); err != nil {
		return nil, err
	}
	if err := b.Finalize(); err != nil {
		return nil, err
	}
	return fn, nil
}
