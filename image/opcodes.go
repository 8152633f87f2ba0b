package image

import "fmt"

// Opcode is one device bytecode instruction. Opcodes are grouped into ranges
// by category; operand widths are fixed per opcode (see opcodeTable).
type Opcode byte

const (
	// ========================================================================
	// Stack manipulation (0x00-0x0F)
	// ========================================================================

	OpNop Opcode = 0x00 // No operation
	OpPop Opcode = 0x01 // Pop top of stack
	OpDup Opcode = 0x02 // Duplicate top of stack

	// ========================================================================
	// Constants (0x10-0x1F)
	// ========================================================================

	OpConst      Opcode = 0x10 // Push pool constant: OpConst <token:u16>
	OpConstTrue  Opcode = 0x11 // Push true
	OpConstFalse Opcode = 0x12 // Push false
	OpConstNull  Opcode = 0x13 // Push null reference

	// ========================================================================
	// Local variables (0x20-0x2F)
	// ========================================================================

	OpLoadLocal  Opcode = 0x20 // Push local: OpLoadLocal <slot:u8>
	OpStoreLocal Opcode = 0x21 // Pop into local: OpStoreLocal <slot:u8>

	// ========================================================================
	// Arithmetic (0x30-0x3F)
	// ========================================================================

	OpAdd Opcode = 0x30 // Pop two, push sum
	OpSub Opcode = 0x31 // Pop two, push a-b (b on top)
	OpMul Opcode = 0x32 // Pop two, push product
	OpDiv Opcode = 0x33 // Pop two, push quotient; zero divisor faults
	OpRem Opcode = 0x34 // Pop two, push remainder; zero divisor faults
	OpNeg Opcode = 0x35 // Negate top of stack

	// ========================================================================
	// Comparison and logic (0x40-0x4F)
	// ========================================================================

	OpEq  Opcode = 0x40 // Pop two, push a == b
	OpNe  Opcode = 0x41 // Pop two, push a != b
	OpLt  Opcode = 0x42 // Pop two, push a < b
	OpLe  Opcode = 0x43 // Pop two, push a <= b
	OpGt  Opcode = 0x44 // Pop two, push a > b
	OpGe  Opcode = 0x45 // Pop two, push a >= b
	OpNot Opcode = 0x46 // Pop bool, push negation

	// ========================================================================
	// Control flow (0x50-0x5F)
	// ========================================================================

	OpJump      Opcode = 0x50 // Relative branch: OpJump <offset:i16>
	OpJumpFalse Opcode = 0x51 // Pop bool, branch when false: <offset:i16>

	// ========================================================================
	// Calls and objects (0x60-0x6F)
	// ========================================================================

	OpCallStatic  Opcode = 0x60 // Call by token: <method:u16>
	OpCallVirtual Opcode = 0x61 // Dispatch: <slot:u16> <argc:u8> (argc includes receiver)
	OpNew         Opcode = 0x62 // Allocate instance: <class:u16>
	OpGetField    Opcode = 0x63 // Pop receiver, push field: <slot:u8>
	OpPutField    Opcode = 0x64 // Pop value then receiver, store field: <slot:u8>

	// ========================================================================
	// Termination (0x70-0x7F)
	// ========================================================================

	OpReturn     Opcode = 0x70 // Return top of stack to the caller
	OpReturnVoid Opcode = 0x71 // Return without a value
	OpThrow      Opcode = 0x72 // Pop exception object and raise it
)

// OpcodeInfo describes one opcode for validation and disassembly.
type OpcodeInfo struct {
	Name     string
	Operands int // operand bytes following the opcode
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop:         {"NOP", 0},
	OpPop:         {"POP", 0},
	OpDup:         {"DUP", 0},
	OpConst:       {"CONST", 2},
	OpConstTrue:   {"CONST_TRUE", 0},
	OpConstFalse:  {"CONST_FALSE", 0},
	OpConstNull:   {"CONST_NULL", 0},
	OpLoadLocal:   {"LOAD_LOCAL", 1},
	OpStoreLocal:  {"STORE_LOCAL", 1},
	OpAdd:         {"ADD", 0},
	OpSub:         {"SUB", 0},
	OpMul:         {"MUL", 0},
	OpDiv:         {"DIV", 0},
	OpRem:         {"REM", 0},
	OpNeg:         {"NEG", 0},
	OpEq:          {"EQ", 0},
	OpNe:          {"NE", 0},
	OpLt:          {"LT", 0},
	OpLe:          {"LE", 0},
	OpGt:          {"GT", 0},
	OpGe:          {"GE", 0},
	OpNot:         {"NOT", 0},
	OpJump:        {"JUMP", 2},
	OpJumpFalse:   {"JUMP_FALSE", 2},
	OpCallStatic:  {"CALL_STATIC", 2},
	OpCallVirtual: {"CALL_VIRTUAL", 3},
	OpNew:         {"NEW", 2},
	OpGetField:    {"GET_FIELD", 1},
	OpPutField:    {"PUT_FIELD", 1},
	OpReturn:      {"RETURN", 0},
	OpReturnVoid:  {"RETURN_VOID", 0},
	OpThrow:       {"THROW", 0},
}

// Info returns the opcode's metadata and whether the opcode is defined.
func (op Opcode) Info() (OpcodeInfo, bool) {
	info, ok := opcodeTable[op]
	return info, ok
}

// String returns the opcode mnemonic.
func (op Opcode) String() string {
	if info, ok := opcodeTable[op]; ok {
		return info.Name
	}
	return fmt.Sprintf("OP_%02X", byte(op))
}
