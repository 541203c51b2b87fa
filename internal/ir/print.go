package ir

import (
	"fmt"
	"io"
	"strings"
)

// Print writes a human-readable listing of f.
func Print(w io.Writer, f *Func) error {
	if w == nil || f == nil {
		return nil
	}

	fmt.Fprintf(w, "function %%%s%s {\n", f.Name, f.Sig)
	for i, g := range f.Globals {
		kind := "symbol"
		if g.TLS {
			kind = "symbol tls"
		}
		fmt.Fprintf(w, "    %s = %s%s %%%s\n", GlobalValue(int32(i)), kind, colocated(g.Colocated), g.Name)
	}
	for i, ext := range f.ExtFuncs {
		fmt.Fprintf(w, "    %s =%s %%%s %s\n", FuncRef(int32(i)), colocated(ext.Colocated), ext.Name, ext.Sig)
	}

	for i := range f.Blocks {
		blk := Block(int32(i))
		if i > 0 || len(f.Globals) > 0 || len(f.ExtFuncs) > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s%s:\n", blk, formatParams(f, f.Blocks[i].Params))
		for _, id := range f.Blocks[i].Insts {
			fmt.Fprintf(w, "    %s\n", formatInst(f, &f.Insts[id]))
		}
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}

func colocated(ok bool) string {
	if ok {
		return " colocated"
	}
	return ""
}

func formatParams(f *Func, params []Value) string {
	if len(params) == 0 {
		return ""
	}
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = fmt.Sprintf("%s: %s", p, f.ValueType(p))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func formatValues(vals []Value) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = v.String()
	}
	return strings.Join(parts, ", ")
}

func formatBlockCall(c BlockCall) string {
	if len(c.Args) == 0 {
		return c.Block.String()
	}
	return fmt.Sprintf("%s(%s)", c.Block, formatValues(c.Args))
}

func formatInst(f *Func, ins *InstData) string {
	var rhs string
	switch ins.Opcode {
	case OpIconst:
		rhs = fmt.Sprintf("iconst.%s %d", ins.Type, ins.Imm)
	case OpIadd, OpIsub, OpImul:
		rhs = fmt.Sprintf("%s %s", ins.Opcode, formatValues(ins.Args))
	case OpIcmp:
		rhs = fmt.Sprintf("icmp %s %s", ins.Cond, formatValues(ins.Args))
	case OpSymbolValue, OpTLSValue:
		rhs = fmt.Sprintf("%s.%s %s", ins.Opcode, ins.Type, ins.Global)
	case OpFuncAddr:
		rhs = fmt.Sprintf("func_addr.%s %s", ins.Type, ins.Func)
	case OpCall:
		rhs = fmt.Sprintf("call %s(%s)", ins.Func, formatValues(ins.Args))
	case OpReturn:
		rhs = "return"
		if len(ins.Args) > 0 {
			rhs += " " + formatValues(ins.Args)
		}
	case OpJump:
		rhs = "jump " + formatBlockCall(ins.Dests[0])
	case OpBrif:
		rhs = fmt.Sprintf("brif %s, %s, %s", formatValues(ins.Args), formatBlockCall(ins.Dests[0]), formatBlockCall(ins.Dests[1]))
	case OpTrap:
		rhs = "trap"
	default:
		rhs = ins.Opcode.String()
	}
	if len(ins.Results) == 0 {
		return rhs
	}
	return formatValues(ins.Results) + " = " + rhs
}
