package engine

import "fmt"

// Bridge serves native-bound methods. Arguments follow the method's declared
// parameter order; the receiver of a virtual native method is not passed.
// The returned value's kind must match the declared return kind and is
// ignored for void methods. Any error becomes a NativeFault.
type Bridge interface {
	Invoke(op string, args []Value) (Value, error)
}

// BridgeFunc is one native operation.
type BridgeFunc func(args []Value) (Value, error)

// TableBridge dispatches operations through a registration table. The
// simulator registers its device drivers here.
type TableBridge struct {
	ops map[string]BridgeFunc
}

func NewTableBridge() *TableBridge {
	return &TableBridge{ops: make(map[string]BridgeFunc)}
}

// Register binds an operation name, replacing any previous binding.
func (b *TableBridge) Register(op string, fn BridgeFunc) { b.ops[op] = fn }

func (b *TableBridge) Invoke(op string, args []Value) (Value, error) {
	fn, ok := b.ops[op]
	if !ok {
		return Value{}, fmt.Errorf("engine: no bridge operation %q", op)
	}
	return fn(args)
}

// StubBridge records every invocation and answers from a canned table.
// Operations absent from Returns yield void, which faults value-returning
// methods; tests list a return for every such operation and assert on Calls.
type StubBridge struct {
	Returns map[string]Value
	Calls   []StubCall
}

// StubCall is one recorded bridge invocation.
type StubCall struct {
	Op   string
	Args []Value
}

func (b *StubBridge) Invoke(op string, args []Value) (Value, error) {
	b.Calls = append(b.Calls, StubCall{Op: op, Args: append([]Value(nil), args...)})
	if v, ok := b.Returns[op]; ok {
		return v, nil
	}
	return Value{}, nil
}
