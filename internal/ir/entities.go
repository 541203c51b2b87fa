package ir

import "fmt"

// Value is an SSA value produced by one instruction result or block param.
type Value int32

// Block identifies a basic block of a function.
type Block int32

// Inst identifies an instruction of a function.
type Inst int32

// FuncRef is a function-scoped handle to an external or module function.
type FuncRef int32

// GlobalValue is a function-scoped handle to a module data symbol.
type GlobalValue int32

// Variable is a frontend variable resolved to SSA values by the builder.
type Variable uint32

const (
	NoValue       Value       = -1
	NoBlock       Block       = -1
	NoInst        Inst        = -1
	NoFuncRef     FuncRef     = -1
	NoGlobalValue GlobalValue = -1
)

func (v Value) String() string       { return fmt.Sprintf("v%d", int32(v)) }
func (b Block) String() string       { return fmt.Sprintf("block%d", int32(b)) }
func (i Inst) String() string        { return fmt.Sprintf("inst%d", int32(i)) }
func (f FuncRef) String() string     { return fmt.Sprintf("fn%d", int32(f)) }
func (g GlobalValue) String() string { return fmt.Sprintf("gv%d", int32(g)) }
func (v Variable) String() string    { return fmt.Sprintf("var%d", uint32(v)) }
