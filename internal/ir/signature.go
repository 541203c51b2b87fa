package ir

import (
	"fmt"
	"slices"
	"strings"
)

// CallConv selects the calling convention of a function.
type CallConv uint8

const (
	CallConvSystemV CallConv = iota
	CallConvWindowsFastcall
	CallConvAppleAarch64
)

func (c CallConv) String() string {
	switch c {
	case CallConvSystemV:
		return "system_v"
	case CallConvWindowsFastcall:
		return "windows_fastcall"
	case CallConvAppleAarch64:
		return "apple_aarch64"
	default:
		return "unknown"
	}
}

// ParseCallConv converts the textual name of a calling convention.
func ParseCallConv(s string) (CallConv, error) {
	switch s {
	case "system_v":
		return CallConvSystemV, nil
	case "windows_fastcall":
		return CallConvWindowsFastcall, nil
	case "apple_aarch64":
		return CallConvAppleAarch64, nil
	default:
		return CallConvSystemV, fmt.Errorf("unknown calling convention %q", s)
	}
}

// AbiParam describes one parameter or return value slot.
type AbiParam struct {
	Type Type
}

// Param is shorthand for AbiParam{Type: t}.
func Param(t Type) AbiParam {
	return AbiParam{Type: t}
}

// Signature describes the ABI of a function.
type Signature struct {
	Params   []AbiParam
	Returns  []AbiParam
	CallConv CallConv
}

// NewSignature returns an empty signature using cc.
func NewSignature(cc CallConv) Signature {
	return Signature{CallConv: cc}
}

// Clone returns a deep copy of s.
func (s Signature) Clone() Signature {
	return Signature{
		Params:   slices.Clone(s.Params),
		Returns:  slices.Clone(s.Returns),
		CallConv: s.CallConv,
	}
}

// Equal reports whether both signatures describe the same ABI.
func (s Signature) Equal(o Signature) bool {
	return s.CallConv == o.CallConv &&
		slices.Equal(s.Params, o.Params) &&
		slices.Equal(s.Returns, o.Returns)
}

// ParamTypes returns the parameter types in order.
func (s Signature) ParamTypes() []Type {
	return abiTypes(s.Params)
}

// ReturnTypes returns the return types in order.
func (s Signature) ReturnTypes() []Type {
	return abiTypes(s.Returns)
}

func abiTypes(params []AbiParam) []Type {
	out := make([]Type, len(params))
	for i, p := range params {
		out[i] = p.Type
	}
	return out
}

func (s Signature) String() string {
	var b strings.Builder
	b.WriteString("(")
	b.WriteString(joinTypes(s.ParamTypes()))
	b.WriteString(")")
	if len(s.Returns) > 0 {
		b.WriteString(" -> ")
		b.WriteString(joinTypes(s.ReturnTypes()))
	}
	b.WriteString(" ")
	b.WriteString(s.CallConv.String())
	return b.String()
}

func joinTypes(ts []Type) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = t.String()
	}
	return strings.Join(parts, ", ")
}
