package image

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/motelab/mote/program"
)

// Magic bytes for compiled image files.
var imageMagic = []byte{'M', 'O', 'T', 'E'}

var (
	ErrBadMagic = errors.New("image: bad magic")
	ErrVersion  = errors.New("image: unsupported format version")
)

// Encode serializes the image, symbol table included, to its on-disk form.
// Encoding is deterministic: identical images produce identical bytes.
//
// Layout (big-endian):
//
//	[magic:4] [version:u16] [slots:u16] [entry:u16]
//	[class table] [method table] [constant pool] [symbol table]
func (img *Image) Encode() []byte {
	buf := make([]byte, 0, 1024)
	buf = append(buf, imageMagic...)
	buf = binary.BigEndian.AppendUint16(buf, img.Version)
	buf = binary.BigEndian.AppendUint16(buf, uint16(img.SlotCount))
	buf = binary.BigEndian.AppendUint16(buf, uint16(img.Entry))

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(img.Classes)))
	for _, c := range img.Classes {
		buf = binary.BigEndian.AppendUint16(buf, uint16(c.Token))
		buf = binary.BigEndian.AppendUint16(buf, uint16(c.Super))
		var flags byte
		if c.Interface {
			flags |= 1
		}
		buf = append(buf, flags, byte(len(c.Interfaces)))
		for _, t := range c.Interfaces {
			buf = binary.BigEndian.AppendUint16(buf, uint16(t))
		}
		buf = append(buf, byte(len(c.Fields)))
		for _, k := range c.Fields {
			buf = append(buf, byte(k))
		}
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(c.Dispatch)))
		for _, t := range c.Dispatch {
			buf = binary.BigEndian.AppendUint16(buf, uint16(t))
		}
	}

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(img.Methods)))
	for _, m := range img.Methods {
		buf = binary.BigEndian.AppendUint16(buf, uint16(m.Token))
		buf = binary.BigEndian.AppendUint16(buf, uint16(m.Class))
		buf = append(buf, m.Args, m.Locals, byte(m.Return))
		var flags byte
		if m.Replaced {
			flags |= 1
		}
		if m.Static {
			flags |= 2
		}
		buf = append(buf, flags, byte(len(m.NativeOp)))
		buf = append(buf, m.NativeOp...)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.Code)))
		buf = append(buf, m.Code...)
		buf = append(buf, byte(len(m.Handlers)))
		for _, h := range m.Handlers {
			buf = binary.BigEndian.AppendUint16(buf, h.From)
			buf = binary.BigEndian.AppendUint16(buf, h.To)
			buf = binary.BigEndian.AppendUint16(buf, uint16(h.Type))
			buf = binary.BigEndian.AppendUint16(buf, h.Target)
		}
	}

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(img.Constants)))
	for _, c := range img.Constants {
		buf = append(buf, byte(c.Kind))
		switch c.Kind {
		case ConstInt:
			buf = binary.BigEndian.AppendUint64(buf, uint64(c.Int))
		case ConstStr:
			buf = appendStr16(buf, c.Str)
		}
	}

	buf = appendStrTable(buf, img.Symbols.Classes)
	buf = appendStrTable(buf, img.Symbols.Methods)
	buf = appendStrTable(buf, img.Symbols.SlotNames)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(img.Symbols.Fields)))
	for _, f := range img.Symbols.Fields {
		buf = binary.BigEndian.AppendUint16(buf, uint16(f.Token))
		buf = binary.BigEndian.AppendUint16(buf, uint16(f.Class))
		buf = append(buf, f.Slot)
		buf = appendStr16(buf, f.Name)
	}
	return buf
}

func appendStr16(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendStrTable(buf []byte, ss []string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(ss)))
	for _, s := range ss {
		buf = appendStr16(buf, s)
	}
	return buf
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) need(n int, what string) error {
	if r.pos+n > len(r.data) {
		return fmt.Errorf("image: truncated reading %s at offset %d", what, r.pos)
	}
	return nil
}

func (r *byteReader) u8(what string) (byte, error) {
	if err := r.need(1, what); err != nil {
		return 0, err
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *byteReader) u16(what string) (uint16, error) {
	if err := r.need(2, what); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *byteReader) u64(what string) (uint64, error) {
	if err := r.need(8, what); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *byteReader) bytes(n int, what string) ([]byte, error) {
	if err := r.need(n, what); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.data[r.pos:])
	r.pos += n
	return out, nil
}

func (r *byteReader) str16(what string) (string, error) {
	n, err := r.u16(what)
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n), what)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *byteReader) strTable(what string) ([]string, error) {
	n, err := r.u16(what)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := 0; i < int(n); i++ {
		s, err := r.str16(what)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Decode parses an encoded image. The input is validated structurally; use
// the engine loader for semantic validation (token binding, handler ranges).
func Decode(data []byte) (*Image, error) {
	r := &byteReader{data: data}
	magic, err := r.bytes(4, "magic")
	if err != nil {
		return nil, err
	}
	if string(magic) != string(imageMagic) {
		return nil, fmt.Errorf("%w: got %q", ErrBadMagic, magic)
	}
	img := &Image{Symbols: &SymbolTable{}}
	if img.Version, err = r.u16("version"); err != nil {
		return nil, err
	}
	if img.Version > ImageVersion {
		return nil, fmt.Errorf("%w: %d is newer than %d", ErrVersion, img.Version, ImageVersion)
	}
	slots, err := r.u16("slot count")
	if err != nil {
		return nil, err
	}
	img.SlotCount = int(slots)
	entry, err := r.u16("entry token")
	if err != nil {
		return nil, err
	}
	img.Entry = Token(entry)

	if err := decodeClasses(r, img); err != nil {
		return nil, err
	}
	if err := decodeMethods(r, img); err != nil {
		return nil, err
	}
	if err := decodeConstants(r, img); err != nil {
		return nil, err
	}
	if err := decodeSymbols(r, img); err != nil {
		return nil, err
	}
	if r.pos != len(data) {
		return nil, fmt.Errorf("image: %d trailing bytes after symbol table", len(data)-r.pos)
	}
	return img, nil
}

func decodeClasses(r *byteReader, img *Image) error {
	count, err := r.u16("class count")
	if err != nil {
		return err
	}
	for i := 0; i < int(count); i++ {
		c := &ClassDesc{}
		tok, err := r.u16("class token")
		if err != nil {
			return err
		}
		c.Token = Token(tok)
		sup, err := r.u16("super token")
		if err != nil {
			return err
		}
		c.Super = Token(sup)
		flags, err := r.u8("class flags")
		if err != nil {
			return err
		}
		c.Interface = flags&1 != 0
		nIfaces, err := r.u8("interface count")
		if err != nil {
			return err
		}
		for j := 0; j < int(nIfaces); j++ {
			t, err := r.u16("interface token")
			if err != nil {
				return err
			}
			c.Interfaces = append(c.Interfaces, Token(t))
		}
		nFields, err := r.u8("field count")
		if err != nil {
			return err
		}
		for j := 0; j < int(nFields); j++ {
			k, err := r.u8("field kind")
			if err != nil {
				return err
			}
			c.Fields = append(c.Fields, program.Kind(k))
		}
		nDispatch, err := r.u16("dispatch width")
		if err != nil {
			return err
		}
		for j := 0; j < int(nDispatch); j++ {
			t, err := r.u16("dispatch entry")
			if err != nil {
				return err
			}
			c.Dispatch = append(c.Dispatch, Token(t))
		}
		img.Classes = append(img.Classes, c)
	}
	return nil
}

func decodeMethods(r *byteReader, img *Image) error {
	count, err := r.u16("method count")
	if err != nil {
		return err
	}
	for i := 0; i < int(count); i++ {
		m := &MethodDesc{}
		tok, err := r.u16("method token")
		if err != nil {
			return err
		}
		m.Token = Token(tok)
		cls, err := r.u16("declaring class token")
		if err != nil {
			return err
		}
		m.Class = Token(cls)
		if m.Args, err = r.u8("arg count"); err != nil {
			return err
		}
		if m.Locals, err = r.u8("local count"); err != nil {
			return err
		}
		ret, err := r.u8("return kind")
		if err != nil {
			return err
		}
		m.Return = program.Kind(ret)
		flags, err := r.u8("method flags")
		if err != nil {
			return err
		}
		m.Replaced = flags&1 != 0
		m.Static = flags&2 != 0
		opLen, err := r.u8("native op length")
		if err != nil {
			return err
		}
		op, err := r.bytes(int(opLen), "native op")
		if err != nil {
			return err
		}
		m.NativeOp = string(op)
		codeLen, err := r.u16("code length")
		if err != nil {
			return err
		}
		if m.Code, err = r.bytes(int(codeLen), "code"); err != nil {
			return err
		}
		nHandlers, err := r.u8("handler count")
		if err != nil {
			return err
		}
		for j := 0; j < int(nHandlers); j++ {
			var h HandlerRange
			if h.From, err = r.u16("handler from"); err != nil {
				return err
			}
			if h.To, err = r.u16("handler to"); err != nil {
				return err
			}
			t, err := r.u16("handler type")
			if err != nil {
				return err
			}
			h.Type = Token(t)
			if h.Target, err = r.u16("handler target"); err != nil {
				return err
			}
			m.Handlers = append(m.Handlers, h)
		}
		img.Methods = append(img.Methods, m)
	}
	return nil
}

func decodeConstants(r *byteReader, img *Image) error {
	count, err := r.u16("constant count")
	if err != nil {
		return err
	}
	for i := 0; i < int(count); i++ {
		kind, err := r.u8("constant kind")
		if err != nil {
			return err
		}
		c := Constant{Kind: ConstKind(kind)}
		switch c.Kind {
		case ConstInt:
			v, err := r.u64("int constant")
			if err != nil {
				return err
			}
			c.Int = int64(v)
		case ConstStr:
			if c.Str, err = r.str16("string constant"); err != nil {
				return err
			}
		default:
			return fmt.Errorf("image: unknown constant kind %d", kind)
		}
		img.Constants = append(img.Constants, c)
	}
	return nil
}

func decodeSymbols(r *byteReader, img *Image) error {
	var err error
	if img.Symbols.Classes, err = r.strTable("class names"); err != nil {
		return err
	}
	if img.Symbols.Methods, err = r.strTable("method names"); err != nil {
		return err
	}
	if img.Symbols.SlotNames, err = r.strTable("slot names"); err != nil {
		return err
	}
	count, err := r.u16("field symbol count")
	if err != nil {
		return err
	}
	for i := 0; i < int(count); i++ {
		var f FieldSym
		tok, err := r.u16("field token")
		if err != nil {
			return err
		}
		f.Token = Token(tok)
		cls, err := r.u16("field class token")
		if err != nil {
			return err
		}
		f.Class = Token(cls)
		if f.Slot, err = r.u8("field slot"); err != nil {
			return err
		}
		if f.Name, err = r.str16("field name"); err != nil {
			return err
		}
		img.Symbols.Fields = append(img.Symbols.Fields, f)
	}
	return nil
}
