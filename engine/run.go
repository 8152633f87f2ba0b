package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/motelab/mote/image"
	"github.com/motelab/mote/program"
)

// frame is one activation record: local slots (arguments first) and a
// private operand stack.
type frame struct {
	m      *image.MethodDesc
	locals []Value
	stack  []Value
	pc     int // next instruction offset
	ipc    int // offset of the instruction being executed
}

func newFrame(d *image.MethodDesc, args []Value) frame {
	locals := make([]Value, d.Slots())
	copy(locals, args)
	return frame{m: d, locals: locals}
}

func (f *frame) push(v Value) { f.stack = append(f.stack, v) }

func (f *frame) pop() (Value, bool) {
	if len(f.stack) == 0 {
		return Value{}, false
	}
	v := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return v, true
}

// Operand reads trust verifyCode: lengths were checked before the run.

func (f *frame) u8() byte {
	b := f.m.Code[f.pc]
	f.pc++
	return b
}

func (f *frame) u16() uint16 {
	v := binary.BigEndian.Uint16(f.m.Code[f.pc:])
	f.pc += 2
	return v
}

// Run interprets the image from its armed entry point. Start must have
// succeeded. Completion leaves the machine in StateCompleted with the entry
// point's return value; a fault leaves it in StateFaulted and returns the
// fault; Abort yields ErrAborted and drops back to StateLoaded.
func (m *Machine) Run() (Value, error) {
	if m.State() != StateRunning {
		return Value{}, fmt.Errorf("engine: run in state %s", m.State())
	}
	entry := m.img.Method(m.img.Entry)
	m.frames = append(m.frames[:0], newFrame(entry, nil))

	v, err := m.loop()
	switch {
	case err == nil:
		m.result = v
		m.setState(StateCompleted)
	case errors.Is(err, ErrAborted):
		m.Reset()
	default:
		m.setState(StateFaulted)
	}
	return v, err
}

// faultAt records a fault at the instruction the top frame is executing.
func (m *Machine) faultAt(t image.Token) error {
	f := &m.frames[len(m.frames)-1]
	m.fault = &Fault{Type: t, Method: f.m.Token, Offset: uint32(f.ipc)}
	return m.fault
}

func (m *Machine) popInt(f *frame) (int64, error) {
	v, ok := f.pop()
	if !ok || v.Kind != program.KindInt {
		return 0, m.faultAt(image.FaultBadImage)
	}
	return v.Int, nil
}

func (m *Machine) popIntPair(f *frame) (int64, int64, error) {
	b, err := m.popInt(f)
	if err != nil {
		return 0, 0, err
	}
	a, err := m.popInt(f)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func (m *Machine) popBool(f *frame) (bool, error) {
	v, ok := f.pop()
	if !ok || v.Kind != program.KindBool {
		return false, m.faultAt(image.FaultBadImage)
	}
	return v.Bool(), nil
}

func (m *Machine) popRef(f *frame) (Value, error) {
	v, ok := f.pop()
	if !ok || v.Kind != program.KindRef {
		return Value{}, m.faultAt(image.FaultBadImage)
	}
	return v, nil
}

func (m *Machine) loop() (Value, error) {
	for {
		f := &m.frames[len(m.frames)-1]
		f.ipc = f.pc
		if f.pc >= len(f.m.Code) {
			// Fell off the end: the body never returned.
			return Value{}, m.faultAt(image.FaultBadImage)
		}
		op := image.Opcode(f.m.Code[f.pc])
		f.pc++

		switch op {
		case image.OpNop:

		case image.OpPop:
			if _, ok := f.pop(); !ok {
				return Value{}, m.faultAt(image.FaultBadImage)
			}

		case image.OpDup:
			v, ok := f.pop()
			if !ok {
				return Value{}, m.faultAt(image.FaultBadImage)
			}
			f.push(v)
			f.push(v)

		case image.OpConst:
			tok := image.Token(f.u16())
			c, ok := m.img.Constant(tok)
			if !ok {
				return Value{}, m.faultAt(image.FaultBadImage)
			}
			if c.Kind == image.ConstStr {
				f.push(StrVal(tok))
			} else {
				f.push(IntVal(c.Int))
			}

		case image.OpConstTrue:
			f.push(BoolVal(true))
		case image.OpConstFalse:
			f.push(BoolVal(false))
		case image.OpConstNull:
			f.push(Null)

		case image.OpLoadLocal:
			f.push(f.locals[f.u8()])

		case image.OpStoreLocal:
			slot := f.u8()
			v, ok := f.pop()
			if !ok {
				return Value{}, m.faultAt(image.FaultBadImage)
			}
			f.locals[slot] = v

		case image.OpAdd, image.OpSub, image.OpMul:
			a, b, err := m.popIntPair(f)
			if err != nil {
				return Value{}, err
			}
			switch op {
			case image.OpAdd:
				f.push(IntVal(a + b))
			case image.OpSub:
				f.push(IntVal(a - b))
			case image.OpMul:
				f.push(IntVal(a * b))
			}

		case image.OpDiv, image.OpRem:
			a, b, err := m.popIntPair(f)
			if err != nil {
				return Value{}, err
			}
			if b == 0 {
				return Value{}, m.faultAt(image.FaultDivideByZero)
			}
			// MinInt64 / -1 overflows; wrap like the hardware does.
			switch {
			case a == math.MinInt64 && b == -1 && op == image.OpDiv:
				f.push(IntVal(a))
			case a == math.MinInt64 && b == -1:
				f.push(IntVal(0))
			case op == image.OpDiv:
				f.push(IntVal(a / b))
			default:
				f.push(IntVal(a % b))
			}

		case image.OpNeg:
			a, err := m.popInt(f)
			if err != nil {
				return Value{}, err
			}
			f.push(IntVal(-a))

		case image.OpEq, image.OpNe:
			b, ok1 := f.pop()
			a, ok2 := f.pop()
			if !ok1 || !ok2 {
				return Value{}, m.faultAt(image.FaultBadImage)
			}
			eq := a.Equal(b)
			if op == image.OpNe {
				eq = !eq
			}
			f.push(BoolVal(eq))

		case image.OpLt, image.OpLe, image.OpGt, image.OpGe:
			a, b, err := m.popIntPair(f)
			if err != nil {
				return Value{}, err
			}
			var r bool
			switch op {
			case image.OpLt:
				r = a < b
			case image.OpLe:
				r = a <= b
			case image.OpGt:
				r = a > b
			case image.OpGe:
				r = a >= b
			}
			f.push(BoolVal(r))

		case image.OpNot:
			v, err := m.popBool(f)
			if err != nil {
				return Value{}, err
			}
			f.push(BoolVal(!v))

		case image.OpJump:
			rel := int(int16(f.u16()))
			f.pc += rel

		case image.OpJumpFalse:
			rel := int(int16(f.u16()))
			v, err := m.popBool(f)
			if err != nil {
				return Value{}, err
			}
			if !v {
				f.pc += rel
			}

		case image.OpCallStatic:
			callee := m.img.Method(image.Token(f.u16()))
			if callee == nil {
				return Value{}, m.faultAt(image.FaultBadImage)
			}
			if err := m.call(callee, int(callee.Args)); err != nil {
				return Value{}, err
			}

		case image.OpCallVirtual:
			slot := int(f.u16())
			argc := int(f.u8())
			if len(f.stack) < argc {
				return Value{}, m.faultAt(image.FaultBadImage)
			}
			recv := f.stack[len(f.stack)-argc]
			if recv.Kind != program.KindRef {
				return Value{}, m.faultAt(image.FaultBadImage)
			}
			if recv.IsNull() {
				return Value{}, m.faultAt(image.FaultNullReference)
			}
			obj := m.arena.get(recv.Ref)
			if obj == nil {
				return Value{}, m.faultAt(image.FaultInvalidDispatch)
			}
			callee, err := m.dispatch(obj.class, slot)
			if err != nil {
				return Value{}, err
			}
			if int(callee.Args) != argc {
				return Value{}, m.faultAt(image.FaultBadImage)
			}
			if err := m.call(callee, argc); err != nil {
				return Value{}, err
			}

		case image.OpNew:
			c := m.img.Class(image.Token(f.u16()))
			if c == nil || c.Interface {
				return Value{}, m.faultAt(image.FaultBadImage)
			}
			ref, ok := m.arena.alloc(c.Token, c.Fields)
			if !ok {
				return Value{}, m.faultAt(image.FaultOutOfMemory)
			}
			f.push(RefVal(ref))

		case image.OpGetField:
			slot := int(f.u8())
			obj, err := m.popObject(f)
			if err != nil {
				return Value{}, err
			}
			if slot >= len(obj.fields) {
				return Value{}, m.faultAt(image.FaultBadImage)
			}
			f.push(obj.fields[slot])

		case image.OpPutField:
			slot := int(f.u8())
			v, ok := f.pop()
			if !ok {
				return Value{}, m.faultAt(image.FaultBadImage)
			}
			obj, err := m.popObject(f)
			if err != nil {
				return Value{}, err
			}
			if slot >= len(obj.fields) || obj.fields[slot].Kind != v.Kind {
				return Value{}, m.faultAt(image.FaultBadImage)
			}
			obj.fields[slot] = v

		case image.OpReturn:
			v, ok := f.pop()
			if !ok {
				return Value{}, m.faultAt(image.FaultBadImage)
			}
			if done, ret := m.ret(v, true); done {
				return ret, nil
			}

		case image.OpReturnVoid:
			if done, ret := m.ret(Value{}, false); done {
				return ret, nil
			}

		case image.OpThrow:
			exc, err := m.popRef(f)
			if err != nil {
				return Value{}, err
			}
			if exc.IsNull() {
				return Value{}, m.faultAt(image.FaultNullReference)
			}
			obj := m.arena.get(exc.Ref)
			if obj == nil {
				return Value{}, m.faultAt(image.FaultBadImage)
			}
			if err := m.raise(exc, obj.class); err != nil {
				return Value{}, err
			}

		default:
			return Value{}, m.faultAt(image.FaultBadImage)
		}
	}
}

// dispatch resolves a selector slot against a receiver class. Unbound slots
// fault: the compiler proves every live site binds, so reaching one means
// the image and the program disagree.
func (m *Machine) dispatch(class image.Token, slot int) (*image.MethodDesc, error) {
	c := m.img.Class(class)
	if c == nil {
		return nil, m.faultAt(image.FaultInvalidDispatch)
	}
	if slot >= len(c.Dispatch) || c.Dispatch[slot] == image.TokenNone {
		return nil, m.faultAt(image.FaultInvalidDispatch)
	}
	callee := m.img.Method(c.Dispatch[slot])
	if callee == nil {
		return nil, m.faultAt(image.FaultInvalidDispatch)
	}
	return callee, nil
}

// call pops argc arguments from the calling frame and either pushes an
// activation or serves the method through the bridge. Calls are the poll
// points for host control: a pending pause parks here, a pending abort ends
// the run.
func (m *Machine) call(d *image.MethodDesc, argc int) error {
	if m.checkpoint() {
		return ErrAborted
	}
	caller := &m.frames[len(m.frames)-1]
	if len(caller.stack) < argc {
		return m.faultAt(image.FaultBadImage)
	}
	args := make([]Value, argc)
	copy(args, caller.stack[len(caller.stack)-argc:])
	caller.stack = caller.stack[:len(caller.stack)-argc]

	if d.Native() {
		return m.invokeNative(d, args)
	}
	if len(m.frames) >= m.cfg.MaxFrames {
		return m.faultAt(image.FaultStackOverflow)
	}
	m.frames = append(m.frames, newFrame(d, args))
	return nil
}

func (m *Machine) invokeNative(d *image.MethodDesc, args []Value) error {
	if !d.Static {
		if args[0].IsNull() {
			return m.faultAt(image.FaultNullReference)
		}
		args = args[1:] // the receiver is not part of the bridge contract
	}
	if m.bridge == nil {
		return m.faultAt(image.FaultNative)
	}
	ret, err := m.bridge.Invoke(d.NativeOp, args)
	if err != nil {
		return m.faultAt(image.FaultNative)
	}
	if d.Return == program.KindVoid {
		return nil
	}
	if ret.Kind != d.Return {
		return m.faultAt(image.FaultNative)
	}
	f := &m.frames[len(m.frames)-1]
	f.push(ret)
	return nil
}

// ret pops the top activation, delivering v to the caller when the callee
// declares a return value. done reports that the entry frame returned.
func (m *Machine) ret(v Value, hasValue bool) (done bool, result Value) {
	returns := m.frames[len(m.frames)-1].m.Return != program.KindVoid
	m.frames = m.frames[:len(m.frames)-1]
	if len(m.frames) == 0 {
		if returns && hasValue {
			return true, v
		}
		return true, Value{}
	}
	if returns && hasValue {
		m.frames[len(m.frames)-1].push(v)
	}
	return false, Value{}
}

// popObject pops a reference and resolves it in the arena.
func (m *Machine) popObject(f *frame) (*object, error) {
	v, err := m.popRef(f)
	if err != nil {
		return nil, err
	}
	if v.IsNull() {
		return nil, m.faultAt(image.FaultNullReference)
	}
	obj := m.arena.get(v.Ref)
	if obj == nil {
		return nil, m.faultAt(image.FaultBadImage)
	}
	return obj, nil
}

// raise unwinds toward the innermost handler whose range covers the current
// offset in its frame and whose catch type is the thrown class or an
// ancestor of it. Handler tables list inner ranges first, so the first hit
// wins. An unhandled throw faults at the raising instruction, not at the
// frame where unwinding gave up.
func (m *Machine) raise(exc Value, class image.Token) error {
	top := &m.frames[len(m.frames)-1]
	site := &Fault{Type: class, Method: top.m.Token, Offset: uint32(top.ipc)}

	for i := len(m.frames) - 1; i >= 0; i-- {
		f := &m.frames[i]
		for _, h := range f.m.Handlers {
			if uint16(f.ipc) < h.From || uint16(f.ipc) >= h.To {
				continue
			}
			if !m.catches(h.Type, class) {
				continue
			}
			m.frames = m.frames[:i+1]
			f.stack = f.stack[:0]
			f.push(exc)
			f.pc = int(h.Target)
			return nil
		}
	}
	m.fault = site
	return site
}

// catches reports whether a handler for type catch accepts a thrown class:
// the class itself, anything on its super chain, or any interface those
// classes implement. The budget guards against malformed interface graphs.
func (m *Machine) catches(catch, thrown image.Token) bool {
	budget := 4 * (len(m.img.Classes) + 1)
	return m.derives(thrown, catch, &budget)
}

func (m *Machine) derives(t, target image.Token, budget *int) bool {
	for t != image.TokenNone && *budget > 0 {
		(*budget)--
		if t == target {
			return true
		}
		c := m.img.Class(t)
		if c == nil {
			return false
		}
		for _, in := range c.Interfaces {
			if m.derives(in, target, budget) {
				return true
			}
		}
		t = c.Super
	}
	return false
}
