package ir

import "fmt"

// Type is the type of an IR value. Only integer types exist; addresses use
// the integer type whose width matches the target pointer width.
type Type uint8

const (
	TypeInvalid Type = iota
	I8
	I16
	I32
	I64
)

// IntType returns the integer type with the given bit width.
func IntType(bits int) (Type, bool) {
	switch bits {
	case 8:
		return I8, true
	case 16:
		return I16, true
	case 32:
		return I32, true
	case 64:
		return I64, true
	default:
		return TypeInvalid, false
	}
}

func (t Type) IsValid() bool {
	return t >= I8 && t <= I64
}

// Bits returns the width of t in bits, or 0 for an invalid type.
func (t Type) Bits() int {
	switch t {
	case I8:
		return 8
	case I16:
		return 16
	case I32:
		return 32
	case I64:
		return 64
	default:
		return 0
	}
}

// Bytes returns the width of t in bytes.
func (t Type) Bytes() int {
	return t.Bits() / 8
}

func (t Type) String() string {
	if !t.IsValid() {
		return "invalid"
	}
	return fmt.Sprintf("i%d", t.Bits())
}

// FitsImm reports whether imm is representable in t, either as a signed or
// an unsigned quantity.
func (t Type) FitsImm(imm int64) bool {
	bits := t.Bits()
	switch {
	case bits == 0:
		return false
	case bits == 64:
		return true
	}
	lo := -(int64(1) << (bits - 1))
	hi := int64(1)<<bits - 1
	return imm >= lo && imm <= hi
}
