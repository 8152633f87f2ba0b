package image

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Disassemble renders the whole image as a human-readable listing: tables
// first, then every method body with tokens resolved through the symbol
// table.
func (img *Image) Disassemble() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "; mote image v%d\n", img.Version)
	fmt.Fprintf(&sb, "; entry %s (#%d)\n", img.Symbols.MethodName(img.Entry), img.Entry)
	fmt.Fprintf(&sb, "; %d classes, %d methods, %d constants, %d dispatch slots\n",
		len(img.Classes), len(img.Methods), len(img.Constants), img.SlotCount)

	if len(img.Constants) > 0 {
		sb.WriteString("\n; Constants:\n")
		for i, c := range img.Constants {
			display := c.String()
			if len(display) > 40 {
				display = display[:37] + "..."
			}
			fmt.Fprintf(&sb, ";   [%3d] %s\n", int(TokenBase)+i, display)
		}
	}

	for _, c := range img.Classes {
		sb.WriteString("\n")
		img.disasmClass(&sb, c)
	}
	for _, m := range img.Methods {
		sb.WriteString("\n")
		img.disasmMethod(&sb, m)
	}
	return sb.String()
}

func (img *Image) disasmClass(sb *strings.Builder, c *ClassDesc) {
	kind := "class"
	if c.Interface {
		kind = "interface"
	}
	fmt.Fprintf(sb, "%s %s (#%d)", kind, img.Symbols.ClassName(c.Token), c.Token)
	if c.Super != TokenNone {
		fmt.Fprintf(sb, " extends %s", img.Symbols.ClassName(c.Super))
	}
	for i, t := range c.Interfaces {
		if i == 0 {
			sb.WriteString(" implements ")
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(img.Symbols.ClassName(t))
	}
	sb.WriteString("\n")
	if len(c.Fields) > 0 {
		fmt.Fprintf(sb, ";   %d field slots\n", len(c.Fields))
	}
	for slot, t := range c.Dispatch {
		if t == TokenNone {
			continue
		}
		fmt.Fprintf(sb, ";   slot %d (%s) -> %s\n", slot, img.Symbols.SlotName(slot), img.Symbols.MethodName(t))
	}
}

func (img *Image) disasmMethod(sb *strings.Builder, m *MethodDesc) {
	fmt.Fprintf(sb, "method %s (#%d) args=%d locals=%d", img.Symbols.MethodName(m.Token), m.Token, m.Args, m.Locals)
	if m.Replaced {
		sb.WriteString(" [replaced]")
	}
	if m.Native() {
		fmt.Fprintf(sb, " native %s\n", m.NativeOp)
		return
	}
	sb.WriteString("\n")
	for _, h := range m.Handlers {
		fmt.Fprintf(sb, ";   handler [%04X,%04X) %s -> %04X\n", h.From, h.To, img.Symbols.ClassName(h.Type), h.Target)
	}
	offset := 0
	for offset < len(m.Code) {
		line, n := img.disasmInstr(m.Code, offset)
		fmt.Fprintf(sb, "%04X  %s\n", offset, line)
		if n == 0 {
			break
		}
		offset += n
	}
}

// disasmInstr renders one instruction and returns its total length, 0 when
// the code is malformed at this offset.
func (img *Image) disasmInstr(code []byte, offset int) (string, int) {
	op := Opcode(code[offset])
	info, ok := op.Info()
	if !ok {
		return fmt.Sprintf("%s ; unknown opcode", op), 1
	}
	if offset+1+info.Operands > len(code) {
		return fmt.Sprintf("%s ; truncated operands", info.Name), 0
	}
	switch op {
	case OpConst:
		tok := Token(binary.BigEndian.Uint16(code[offset+1:]))
		if c, ok := img.Constant(tok); ok {
			return fmt.Sprintf("%s %d ; %s", info.Name, tok, c), 3
		}
		return fmt.Sprintf("%s %d", info.Name, tok), 3
	case OpLoadLocal, OpStoreLocal, OpGetField, OpPutField:
		return fmt.Sprintf("%s %d", info.Name, code[offset+1]), 2
	case OpJump, OpJumpFalse:
		delta := int16(binary.BigEndian.Uint16(code[offset+1:]))
		return fmt.Sprintf("%s %+d ; -> %04X", info.Name, delta, offset+3+int(delta)), 3
	case OpCallStatic:
		tok := Token(binary.BigEndian.Uint16(code[offset+1:]))
		return fmt.Sprintf("%s %d ; %s", info.Name, tok, img.Symbols.MethodName(tok)), 3
	case OpCallVirtual:
		slot := int(binary.BigEndian.Uint16(code[offset+1:]))
		argc := code[offset+3]
		return fmt.Sprintf("%s %d argc=%d ; %s", info.Name, slot, argc, img.Symbols.SlotName(slot)), 4
	case OpNew:
		tok := Token(binary.BigEndian.Uint16(code[offset+1:]))
		return fmt.Sprintf("%s %d ; %s", info.Name, tok, img.Symbols.ClassName(tok)), 3
	default:
		return info.Name, 1 + info.Operands
	}
}
