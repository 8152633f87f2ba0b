package program

import "fmt"

// Op is a symbolic instruction opcode. Bodies hold these prior to lowering;
// they index instructions, not byte offsets.
type Op byte

const (
	OpNop Op = iota

	// Locals and stack
	OpLoadLocal  // push local slot (Slot)
	OpStoreLocal // pop into local slot (Slot)
	OpPop        // discard top of stack
	OpDup        // duplicate top of stack

	// Constants
	OpConstInt  // push integer literal (Int)
	OpConstStr  // push string literal (Str)
	OpConstTrue // push true
	OpConstFalse
	OpConstNull // push null reference

	// Arithmetic
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpRem
	OpNeg

	// Comparison and logic
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpNot

	// Control flow
	OpJump        // unconditional branch (Target)
	OpJumpIfFalse // pop bool, branch when false (Target)

	// Calls and objects
	OpCallStatic  // call static method (Method)
	OpCallVirtual // call through dispatch table (Method names static receiver type)
	OpNew         // allocate instance (Type)
	OpGetField    // pop receiver, push field (Field)
	OpPutField    // pop value and receiver, store field (Field)

	// Termination
	OpReturn // return top of stack, or nothing for void methods
	OpThrow  // pop exception object and raise it
)

var opNames = [...]string{
	OpNop:         "nop",
	OpLoadLocal:   "load",
	OpStoreLocal:  "store",
	OpPop:         "pop",
	OpDup:         "dup",
	OpConstInt:    "int",
	OpConstStr:    "str",
	OpConstTrue:   "true",
	OpConstFalse:  "false",
	OpConstNull:   "null",
	OpAdd:         "add",
	OpSub:         "sub",
	OpMul:         "mul",
	OpDiv:         "div",
	OpRem:         "rem",
	OpNeg:         "neg",
	OpEq:          "eq",
	OpNe:          "ne",
	OpLt:          "lt",
	OpLe:          "le",
	OpGt:          "gt",
	OpGe:          "ge",
	OpNot:         "not",
	OpJump:        "jump",
	OpJumpIfFalse: "iffalse",
	OpCallStatic:  "call",
	OpCallVirtual: "virtual",
	OpNew:         "new",
	OpGetField:    "getfield",
	OpPutField:    "putfield",
	OpReturn:      "ret",
	OpThrow:       "throw",
}

// String returns the op's assembly mnemonic.
func (op Op) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", byte(op))
}

// Instr is one symbolic instruction. Operand fields are meaningful only for
// the ops that use them.
type Instr struct {
	Op     Op
	Slot   int       // OpLoadLocal, OpStoreLocal
	Int    int64     // OpConstInt
	Str    string    // OpConstStr
	Target int       // OpJump, OpJumpIfFalse: index into Body
	Method MethodRef // OpCallStatic, OpCallVirtual
	Field  FieldRef  // OpGetField, OpPutField
	Type   TypeName  // OpNew
}

func (in Instr) String() string {
	switch in.Op {
	case OpLoadLocal, OpStoreLocal:
		return fmt.Sprintf("%s %d", in.Op, in.Slot)
	case OpConstInt:
		return fmt.Sprintf("%s %d", in.Op, in.Int)
	case OpConstStr:
		return fmt.Sprintf("%s %q", in.Op, in.Str)
	case OpJump, OpJumpIfFalse:
		return fmt.Sprintf("%s @%d", in.Op, in.Target)
	case OpCallStatic, OpCallVirtual:
		return fmt.Sprintf("%s %s", in.Op, in.Method)
	case OpNew:
		return fmt.Sprintf("%s %s", in.Op, in.Type)
	case OpGetField, OpPutField:
		return fmt.Sprintf("%s %s", in.Op, in.Field)
	default:
		return in.Op.String()
	}
}
