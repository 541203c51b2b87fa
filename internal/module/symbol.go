package module

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"kiln/internal/ir"
	"kiln/internal/obj"
)

// FuncID names a function symbol of one module.
type FuncID uint32

// DataID names a data symbol of one module.
type DataID uint32

// State is the definition state of a symbol.
type State uint8

const (
	// StateDeclared symbols are local or exported and still need a body.
	StateDeclared State = iota
	// StateDefined symbols carry a body.
	StateDefined
	// StateImported symbols are resolved by the linker and never defined.
	StateImported
)

func (s State) String() string {
	switch s {
	case StateDeclared:
		return "declared"
	case StateDefined:
		return "defined"
	case StateImported:
		return "imported"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Symbol is a read-only view of a symbol table entry.
type Symbol struct {
	ID      uint32
	Name    string
	Kind    obj.Kind
	Linkage obj.Linkage
	State   State
	// Sig is set for functions.
	Sig ir.Signature
	// Writable and TLS are set for data.
	Writable bool
	TLS      bool
}

func (s Symbol) String() string {
	return fmt.Sprintf("%s %s %q (%s)", s.Linkage, s.Kind, s.Name, s.State)
}

type entry struct {
	Symbol
	code *obj.Code
	data *obj.Data
}

func (e *entry) view() Symbol {
	s := e.Symbol
	s.Sig = e.Sig.Clone()
	return s
}

// define moves a declared entry to StateDefined.
func (e *entry) define() error {
	switch e.State {
	case StateImported:
		return fmt.Errorf("%w: %q", ErrNotLocal, e.Name)
	case StateDefined:
		return fmt.Errorf("%w: %q", ErrAlreadyDefined, e.Name)
	}
	e.State = StateDefined
	return nil
}

func initialState(l obj.Linkage) State {
	if l.IsDefinable() {
		return StateDeclared
	}
	return StateImported
}

// canonicalName returns the NFC form used as the symbol table key.
func canonicalName(name string) (string, error) {
	switch {
	case name == "":
		return "", fmt.Errorf("%w: empty", ErrInvalidName)
	case !utf8.ValidString(name):
		return "", fmt.Errorf("%w: %q is not valid UTF-8", ErrInvalidName, name)
	case strings.IndexByte(name, 0) >= 0:
		return "", fmt.Errorf("%w: %q contains NUL", ErrInvalidName, name)
	}
	return norm.NFC.String(name), nil
}
