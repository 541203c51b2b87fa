package llvm

import (
	"fmt"
	"strings"

	"kiln/internal/ir"
)

func paramTypes(sig ir.Signature) []string {
	out := make([]string, len(sig.Params))
	for i, p := range sig.Params {
		out[i] = p.Type.String()
	}
	return out
}

// globalName returns the @-reference for a symbol, quoting names that are
// not plain LLVM identifiers.
func globalName(name string) string {
	if isIdent(name) {
		return "@" + name
	}
	var sb strings.Builder
	sb.WriteString("@\"")
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < 0x20 || c >= 0x7F || c == '"' || c == '\\' {
			fmt.Fprintf(&sb, "\\%02X", c)
			continue
		}
		sb.WriteByte(c)
	}
	sb.WriteString("\"")
	return sb.String()
}

func isIdent(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '$', c == '.', c == '_', c == '-':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func formatLLVMBytes(data []byte, arrayLen int) string {
	var sb strings.Builder
	sb.WriteString("c\"")
	for i := range arrayLen {
		b := byte(0)
		if i < len(data) {
			b = data[i]
		}
		if b >= 0x20 && b < 0x7F && b != '"' && b != '\\' {
			sb.WriteByte(b)
			continue
		}
		fmt.Fprintf(&sb, "\\%02X", b)
	}
	sb.WriteString("\"")
	return sb.String()
}
