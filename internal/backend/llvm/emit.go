// Package llvm renders compiled modules as textual LLVM IR and can hand the
// result to clang to obtain a native object.
package llvm

import (
	"fmt"
	"strings"

	"kiln/internal/obj"
	"kiln/internal/target"
)

type Emitter struct {
	o   *obj.Object
	buf strings.Builder
}

// WriteModule renders o as a complete .ll module.
func WriteModule(o *obj.Object) (string, error) {
	if o == nil {
		return "", nil
	}
	if o.Format != obj.FormatLLVMText {
		return "", fmt.Errorf("%w: object %s holds %s bodies", ErrUnsupported, o.Name, o.Format)
	}
	e := &Emitter{o: o}
	e.emitPreamble()
	e.emitDecls()
	if err := e.emitGlobals(); err != nil {
		return "", err
	}
	if err := e.emitFunctions(); err != nil {
		return "", err
	}
	e.emitIntrinsics()
	e.emitAttributes()
	return e.buf.String(), nil
}

func (e *Emitter) emitPreamble() {
	cfg := e.o.Config
	fmt.Fprintf(&e.buf, "; ModuleID = '%s'\n", e.o.Name)
	fmt.Fprintf(&e.buf, "source_filename = %q\n", e.o.Name)
	if layout := cfg.DataLayout(); layout != "" {
		fmt.Fprintf(&e.buf, "target datalayout = %q\n", layout)
	}
	fmt.Fprintf(&e.buf, "target triple = %q\n\n", cfg.Triple())
}

func (e *Emitter) emitDecls() {
	n := 0
	for i := range e.o.Symbols {
		sym := &e.o.Symbols[i]
		if sym.Linkage != obj.Import {
			continue
		}
		n++
		if sym.Kind == obj.KindFunc {
			fmt.Fprintf(&e.buf, "declare %s %s(%s)\n", retType(sym.Sig), globalName(sym.Name), strings.Join(paramTypes(sym.Sig), ", "))
			continue
		}
		fmt.Fprintf(&e.buf, "%s = external %sglobal i8\n", globalName(sym.Name), e.threadLocal(sym))
	}
	if n > 0 {
		e.buf.WriteString("\n")
	}
}

func (e *Emitter) emitFunctions() error {
	for i := range e.o.Symbols {
		sym := &e.o.Symbols[i]
		if sym.Kind != obj.KindFunc || sym.Linkage == obj.Import {
			continue
		}
		if sym.Code == nil {
			return fmt.Errorf("%w: function %s has no body", ErrUnsupported, sym.Name)
		}
		params := paramTypes(sym.Sig)
		for j := range params {
			params[j] = fmt.Sprintf("%s %%p%d", params[j], j)
		}
		fmt.Fprintf(&e.buf, "define %s%s %s(%s) #0 {\n", linkagePrefix(sym.Linkage), retType(sym.Sig), globalName(sym.Name), strings.Join(params, ", "))
		e.buf.WriteString(sym.Code.Text)
		e.buf.WriteString("}\n\n")
	}
	return nil
}

func (e *Emitter) emitIntrinsics() {
	text := e.buf.String()
	if strings.Contains(text, "@llvm.trap()") {
		e.buf.WriteString("declare void @llvm.trap() cold noreturn nounwind\n")
	}
	if strings.Contains(text, "@llvm.threadlocal.address.p0(") {
		e.buf.WriteString("declare nonnull ptr @llvm.threadlocal.address.p0(ptr nonnull)\n")
	}
}

func (e *Emitter) emitAttributes() {
	cfg := e.o.Config
	attrs := []string{"nounwind"}
	switch cfg.OptLevel() {
	case target.OptNone:
		attrs = append(attrs, "noinline", "optnone")
	case target.OptSpeedAndSize:
		attrs = append(attrs, "optsize")
	}
	if cfg.PreserveFramePointers() {
		attrs = append(attrs, `"frame-pointer"="all"`)
	}
	fmt.Fprintf(&e.buf, "\nattributes #0 = { %s }\n", strings.Join(attrs, " "))
	if cfg.IsPIC() {
		e.buf.WriteString("\n!llvm.module.flags = !{!0}\n")
		e.buf.WriteString("!0 = !{i32 8, !\"PIC Level\", i32 2}\n")
	}
}

func (e *Emitter) threadLocal(sym *obj.Symbol) string {
	if !sym.TLS {
		return ""
	}
	if tls, ok := e.o.Config.Setting("tls_model"); ok && tls == target.TLSLocalExec.String() {
		return "thread_local(localexec) "
	}
	return "thread_local "
}

func linkagePrefix(l obj.Linkage) string {
	if l == obj.Local {
		return "internal "
	}
	return ""
}
