package ir

// Opcode enumerates IR instructions.
type Opcode uint8

const (
	OpInvalid Opcode = iota
	// OpIconst materializes an integer constant.
	OpIconst
	// OpIadd adds two integers of the same type.
	OpIadd
	// OpIsub subtracts two integers of the same type.
	OpIsub
	// OpImul multiplies two integers of the same type.
	OpImul
	// OpIcmp compares two integers, producing an i8 of 0 or 1.
	OpIcmp
	// OpSymbolValue materializes the address of a global value.
	OpSymbolValue
	// OpFuncAddr materializes the address of a function.
	OpFuncAddr
	// OpTLSValue materializes the address of a thread-local global value.
	OpTLSValue
	// OpCall calls a function. It does not terminate the block.
	OpCall
	// OpReturn returns from the function.
	OpReturn
	// OpJump branches unconditionally.
	OpJump
	// OpBrif branches on a non-zero condition.
	OpBrif
	// OpTrap aborts execution.
	OpTrap
)

var opcodeNames = [...]string{
	OpInvalid:     "invalid",
	OpIconst:      "iconst",
	OpIadd:        "iadd",
	OpIsub:        "isub",
	OpImul:        "imul",
	OpIcmp:        "icmp",
	OpSymbolValue: "symbol_value",
	OpFuncAddr:    "func_addr",
	OpTLSValue:    "tls_value",
	OpCall:        "call",
	OpReturn:      "return",
	OpJump:        "jump",
	OpBrif:        "brif",
	OpTrap:        "trap",
}

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) {
		return opcodeNames[op]
	}
	return "unknown"
}

// IsTerminator reports whether op must end a block.
func (op Opcode) IsTerminator() bool {
	switch op {
	case OpReturn, OpJump, OpBrif, OpTrap:
		return true
	default:
		return false
	}
}

// IntCC is the condition of an integer comparison.
type IntCC uint8

const (
	IntEqual IntCC = iota
	IntNotEqual
	IntSignedLessThan
	IntSignedGreaterThanOrEqual
	IntSignedGreaterThan
	IntSignedLessThanOrEqual
	IntUnsignedLessThan
	IntUnsignedGreaterThanOrEqual
	IntUnsignedGreaterThan
	IntUnsignedLessThanOrEqual
)

var intCCNames = [...]string{"eq", "ne", "slt", "sge", "sgt", "sle", "ult", "uge", "ugt", "ule"}

func (c IntCC) String() string {
	if int(c) < len(intCCNames) {
		return intCCNames[c]
	}
	return "unknown"
}

// IsSigned reports whether c compares operands as signed integers.
func (c IntCC) IsSigned() bool {
	switch c {
	case IntSignedLessThan, IntSignedGreaterThanOrEqual, IntSignedGreaterThan, IntSignedLessThanOrEqual:
		return true
	default:
		return false
	}
}

// BlockCall is a branch destination together with the block arguments.
type BlockCall struct {
	Block Block
	Args  []Value
}

// InstData holds one instruction.
type InstData struct {
	Opcode Opcode
	// Type is the controlling type: the result type of iconst, arithmetic
	// and address materialization.
	Type    Type
	Args    []Value
	Imm     int64
	Cond    IntCC
	Func    FuncRef
	Global  GlobalValue
	Dests   []BlockCall
	Results []Value
	Block   Block
}

// Result returns the first result of the instruction, or NoValue.
func (d *InstData) Result() Value {
	if d == nil || len(d.Results) == 0 {
		return NoValue
	}
	return d.Results[0]
}
