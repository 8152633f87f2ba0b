package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/motelab/mote/image"
	"github.com/motelab/mote/program"
)

// verify checks the declared image before a run: every table slot must be
// filled, every referenced token must bind, bytecode must decode with
// in-range branch targets, and handler tables must land on instruction
// boundaries. Uploads may forward-reference tokens (a dispatch table can
// name a method declared later), so binding is checked here rather than per
// declaration.
func (m *Machine) verify() error {
	img := m.img
	if img == nil || len(img.Methods) == 0 {
		return fmt.Errorf("engine: no image declared")
	}
	if !m.entrySet {
		return fmt.Errorf("engine: no entry point declared")
	}
	for i, c := range img.Classes {
		if c == nil {
			return fmt.Errorf("engine: class token %d never declared", int(image.TokenBase)+i)
		}
		if err := m.verifyClass(c); err != nil {
			return err
		}
	}
	for i, d := range img.Methods {
		if d == nil {
			return fmt.Errorf("engine: method token %d never declared", int(image.TokenBase)+i)
		}
		if err := m.verifyMethod(d); err != nil {
			return err
		}
	}
	entry := img.Method(img.Entry)
	if entry == nil {
		return fmt.Errorf("engine: entry token %d does not name a method", img.Entry)
	}
	if !entry.Static || entry.Args != 0 {
		return fmt.Errorf("engine: entry method %d must be static with no parameters", entry.Token)
	}
	if entry.Native() {
		return fmt.Errorf("engine: entry method %d is native-bound", entry.Token)
	}
	return nil
}

func (m *Machine) verifyClass(c *image.ClassDesc) error {
	img := m.img

	// The super chain must resolve and terminate. Later table entries may
	// still be nil at this point, so every hop is checked.
	steps := 0
	for t := c.Super; t != image.TokenNone; {
		sup := img.Class(t)
		if sup == nil {
			return fmt.Errorf("engine: class %d: super %d unresolved", c.Token, t)
		}
		if sup.Interface {
			return fmt.Errorf("engine: class %d: super %d is an interface", c.Token, t)
		}
		if steps++; steps > len(img.Classes) {
			return fmt.Errorf("engine: class %d: super chain does not terminate", c.Token)
		}
		t = sup.Super
	}

	// Field layouts embed the superclass prefix, so inherited field slots
	// mean the same thing through any reference.
	if c.Super != image.TokenNone {
		sup := img.Class(c.Super)
		if len(c.Fields) < len(sup.Fields) {
			return fmt.Errorf("engine: class %d: field layout narrower than super %d", c.Token, c.Super)
		}
		for i, k := range sup.Fields {
			if c.Fields[i] != k {
				return fmt.Errorf("engine: class %d: field slot %d disagrees with super %d", c.Token, i, c.Super)
			}
		}
	}
	for i, k := range c.Fields {
		switch k {
		case program.KindInt, program.KindBool, program.KindRef:
		default:
			return fmt.Errorf("engine: class %d: field slot %d has invalid kind %d", c.Token, i, k)
		}
	}

	for _, t := range c.Interfaces {
		iface := img.Class(t)
		if iface == nil || !iface.Interface {
			return fmt.Errorf("engine: class %d: interface %d unresolved", c.Token, t)
		}
	}

	if c.Interface && len(c.Dispatch) > 0 {
		return fmt.Errorf("engine: interface %d carries a dispatch table", c.Token)
	}
	for slot, t := range c.Dispatch {
		if t == image.TokenNone {
			continue
		}
		d := img.Method(t)
		if d == nil {
			return fmt.Errorf("engine: class %d: dispatch slot %d names missing method %d", c.Token, slot, t)
		}
		if d.Static || d.Args == 0 {
			return fmt.Errorf("engine: class %d: dispatch slot %d names non-virtual method %d", c.Token, slot, t)
		}
	}
	return nil
}

func (m *Machine) verifyMethod(d *image.MethodDesc) error {
	img := m.img
	if img.Class(d.Class) == nil {
		return fmt.Errorf("engine: method %d: declaring class %d unresolved", d.Token, d.Class)
	}
	if !d.Static && d.Args == 0 {
		return fmt.Errorf("engine: method %d: virtual method without a receiver slot", d.Token)
	}
	if d.Native() {
		if len(d.Code) > 0 || len(d.Handlers) > 0 {
			return fmt.Errorf("engine: method %d: native binding carries a body", d.Token)
		}
		return nil
	}

	starts, err := m.verifyCode(d)
	if err != nil {
		return err
	}
	for i, h := range d.Handlers {
		if h.From >= h.To || int(h.To) > len(d.Code) {
			return fmt.Errorf("engine: method %d: handler %d range [%d,%d) out of bounds", d.Token, i, h.From, h.To)
		}
		if int(h.Target) >= len(d.Code) || !starts[h.Target] {
			return fmt.Errorf("engine: method %d: handler %d target %d is not an instruction", d.Token, i, h.Target)
		}
		if img.Class(h.Type) == nil {
			return fmt.Errorf("engine: method %d: handler %d catches unresolved class %d", d.Token, i, h.Type)
		}
	}
	return nil
}

// verifyCode decodes a body once, checking operand lengths and every token
// the code names. It returns the set of instruction start offsets so branch
// and handler targets can be checked against real boundaries.
func (m *Machine) verifyCode(d *image.MethodDesc) ([]bool, error) {
	img := m.img
	code := d.Code
	if len(code) == 0 {
		return nil, fmt.Errorf("engine: method %d: empty body", d.Token)
	}
	starts := make([]bool, len(code))
	type branch struct{ from, to int }
	var branches []branch

	pc := 0
	for pc < len(code) {
		starts[pc] = true
		op := image.Opcode(code[pc])
		info, ok := op.Info()
		if !ok {
			return nil, fmt.Errorf("engine: method %d: undefined opcode 0x%02X at %d", d.Token, byte(op), pc)
		}
		if pc+1+info.Operands > len(code) {
			return nil, fmt.Errorf("engine: method %d: truncated %s at %d", d.Token, op, pc)
		}
		operand := code[pc+1 : pc+1+info.Operands]

		switch op {
		case image.OpConst:
			tok := image.Token(binary.BigEndian.Uint16(operand))
			if _, ok := img.Constant(tok); !ok {
				return nil, fmt.Errorf("engine: method %d: constant %d unresolved at %d", d.Token, tok, pc)
			}
		case image.OpLoadLocal, image.OpStoreLocal:
			if int(operand[0]) >= d.Slots() {
				return nil, fmt.Errorf("engine: method %d: local slot %d outside frame at %d", d.Token, operand[0], pc)
			}
		case image.OpJump, image.OpJumpFalse:
			rel := int(int16(binary.BigEndian.Uint16(operand)))
			branches = append(branches, branch{from: pc, to: pc + 3 + rel})
		case image.OpCallStatic:
			tok := image.Token(binary.BigEndian.Uint16(operand))
			callee := img.Method(tok)
			if callee == nil {
				return nil, fmt.Errorf("engine: method %d: call target %d unresolved at %d", d.Token, tok, pc)
			}
			if !callee.Static {
				return nil, fmt.Errorf("engine: method %d: static call to virtual method %d at %d", d.Token, tok, pc)
			}
		case image.OpCallVirtual:
			if operand[2] == 0 {
				return nil, fmt.Errorf("engine: method %d: dispatch without a receiver at %d", d.Token, pc)
			}
		case image.OpNew:
			tok := image.Token(binary.BigEndian.Uint16(operand))
			c := img.Class(tok)
			if c == nil {
				return nil, fmt.Errorf("engine: method %d: class %d unresolved at %d", d.Token, tok, pc)
			}
			if c.Interface {
				return nil, fmt.Errorf("engine: method %d: NEW of interface %d at %d", d.Token, tok, pc)
			}
		case image.OpReturn:
			if d.Return == program.KindVoid {
				return nil, fmt.Errorf("engine: method %d: value return from void method at %d", d.Token, pc)
			}
		case image.OpReturnVoid:
			if d.Return != program.KindVoid {
				return nil, fmt.Errorf("engine: method %d: void return from value method at %d", d.Token, pc)
			}
		}
		pc += 1 + info.Operands
	}

	for _, b := range branches {
		if b.to < 0 || b.to >= len(code) || !starts[b.to] {
			return nil, fmt.Errorf("engine: method %d: branch at %d targets offset %d", d.Token, b.from, b.to)
		}
	}
	return starts, nil
}
