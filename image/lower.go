package image

import (
	"encoding/binary"
	"math"

	"github.com/motelab/mote/program"
)

// simpleOps maps IR opcodes that lower 1:1 without operands.
var simpleOps = map[program.Op]Opcode{
	program.OpNop:        OpNop,
	program.OpPop:        OpPop,
	program.OpDup:        OpDup,
	program.OpConstTrue:  OpConstTrue,
	program.OpConstFalse: OpConstFalse,
	program.OpConstNull:  OpConstNull,
	program.OpAdd:        OpAdd,
	program.OpSub:        OpSub,
	program.OpMul:        OpMul,
	program.OpDiv:        OpDiv,
	program.OpRem:        OpRem,
	program.OpNeg:        OpNeg,
	program.OpEq:         OpEq,
	program.OpNe:         OpNe,
	program.OpLt:         OpLt,
	program.OpLe:         OpLe,
	program.OpGt:         OpGt,
	program.OpGe:         OpGe,
	program.OpNot:        OpNot,
	program.OpThrow:      OpThrow,
}

// loweredSize returns the encoded byte size of one IR instruction.
func loweredSize(in program.Instr) int {
	switch in.Op {
	case program.OpLoadLocal, program.OpStoreLocal, program.OpGetField, program.OpPutField:
		return 2
	case program.OpConstInt, program.OpConstStr, program.OpJump, program.OpJumpIfFalse,
		program.OpCallStatic, program.OpNew:
		return 3
	case program.OpCallVirtual:
		return 4
	default:
		return 1
	}
}

// lower turns one method body into device bytecode. Branch targets become
// i16 offsets relative to the position after the operand; handler ranges are
// rewritten from instruction indices to byte offsets.
func (cp *compiler) lower(ref program.MethodRef, decl *program.Method) ([]byte, []HandlerRange, error) {
	// First pass: byte offset of every instruction, plus the end offset so
	// handler ranges may cover the whole body.
	offsets := make([]int, len(decl.Body)+1)
	size := 0
	for i, in := range decl.Body {
		offsets[i] = size
		size += loweredSize(in)
	}
	offsets[len(decl.Body)] = size
	if size > math.MaxUint16 {
		return nil, nil, errAt(ref, "lowered body is %d bytes, limit is %d", size, math.MaxUint16)
	}

	code := make([]byte, 0, size)
	for i, in := range decl.Body {
		var err error
		code, err = cp.lowerInstr(code, ref, decl, in, offsets, i)
		if err != nil {
			return nil, nil, err
		}
	}

	handlers := make([]HandlerRange, 0, len(decl.Handlers))
	for _, h := range decl.Handlers {
		t, err := cp.c.RewriteClass(h.Type)
		if err != nil {
			return nil, nil, errAt(ref, "handler type: %v", err)
		}
		tok, ok := cp.classTok[t]
		if !ok {
			return nil, nil, errAt(ref, "handler type %s missing from closure", t)
		}
		handlers = append(handlers, HandlerRange{
			From:   uint16(offsets[h.From]),
			To:     uint16(offsets[h.To]),
			Type:   tok,
			Target: uint16(offsets[h.Target]),
		})
	}
	if len(handlers) > 255 {
		return nil, nil, errAt(ref, "method declares %d handlers, limit is 255", len(handlers))
	}
	return code, handlers, nil
}

func (cp *compiler) lowerInstr(code []byte, ref program.MethodRef, decl *program.Method, in program.Instr, offsets []int, idx int) ([]byte, error) {
	switch in.Op {
	case program.OpLoadLocal, program.OpStoreLocal:
		if in.Slot >= decl.Slots() {
			return nil, errAt(ref, "local slot %d out of range (frame has %d)", in.Slot, decl.Slots())
		}
		op := OpLoadLocal
		if in.Op == program.OpStoreLocal {
			op = OpStoreLocal
		}
		return append(code, byte(op), byte(in.Slot)), nil

	case program.OpConstInt:
		tok, err := cp.internConst(constKey{kind: ConstInt, num: in.Int})
		if err != nil {
			return nil, err
		}
		return appendOpU16(code, OpConst, uint16(tok)), nil

	case program.OpConstStr:
		tok, err := cp.internConst(constKey{kind: ConstStr, str: in.Str})
		if err != nil {
			return nil, err
		}
		return appendOpU16(code, OpConst, uint16(tok)), nil

	case program.OpJump, program.OpJumpIfFalse:
		op := OpJump
		if in.Op == program.OpJumpIfFalse {
			op = OpJumpFalse
		}
		// Relative to the position after the 2-byte operand.
		delta := offsets[in.Target] - (offsets[idx] + 3)
		if delta < math.MinInt16 || delta > math.MaxInt16 {
			return nil, errAt(ref, "branch at %d spans %d bytes, exceeds i16", idx, delta)
		}
		return appendOpU16(code, op, uint16(int16(delta))), nil

	case program.OpCallStatic:
		target, _, err := cp.c.RewriteMethod(in.Method)
		if err != nil {
			return nil, errAt(ref, "call %s: %v", in.Method, err)
		}
		tok, ok := cp.methodTok[target]
		if !ok {
			return nil, errAt(ref, "call target %s missing from closure", target)
		}
		return appendOpU16(code, OpCallStatic, uint16(tok)), nil

	case program.OpCallVirtual:
		sel := in.Method.Selector()
		slot, ok := cp.slotIDs[sel]
		if !ok {
			return nil, errAt(ref, "no dispatch slot for selector %s", sel)
		}
		sig, err := program.ParseDescriptor(sel.Desc)
		if err != nil {
			return nil, errAt(ref, "selector %s: %v", sel, err)
		}
		argc := len(sig.Params) + 1 // receiver
		if argc > 255 {
			return nil, errAt(ref, "virtual call passes %d arguments, limit is 255", argc)
		}
		code = appendOpU16(code, OpCallVirtual, uint16(slot))
		return append(code, byte(argc)), nil

	case program.OpNew:
		t, err := cp.c.RewriteClass(in.Type)
		if err != nil {
			return nil, errAt(ref, "new %s: %v", in.Type, err)
		}
		tok, ok := cp.classTok[t]
		if !ok {
			return nil, errAt(ref, "class %s missing from closure", t)
		}
		return appendOpU16(code, OpNew, uint16(tok)), nil

	case program.OpGetField, program.OpPutField:
		slot, err := cp.fieldSlot(in.Field)
		if err != nil {
			return nil, errAt(ref, "field %s: %v", in.Field, err)
		}
		op := OpGetField
		if in.Op == program.OpPutField {
			op = OpPutField
		}
		return append(code, byte(op), byte(slot)), nil

	case program.OpReturn:
		if decl.Sig.Return == program.KindVoid {
			return append(code, byte(OpReturnVoid)), nil
		}
		return append(code, byte(OpReturn)), nil

	default:
		if op, ok := simpleOps[in.Op]; ok {
			return append(code, byte(op)), nil
		}
		return nil, errAt(ref, "no lowering for instruction %s", in.Op)
	}
}

func appendOpU16(code []byte, op Opcode, v uint16) []byte {
	code = append(code, byte(op))
	return binary.BigEndian.AppendUint16(code, v)
}
