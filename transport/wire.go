package transport

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/motelab/mote/image"
	"github.com/motelab/mote/program"
)

// ProtocolVersion is carried in the hello exchange. The device answers with
// its own version; the host refuses to upload across a mismatch.
const ProtocolVersion = 1

// DefaultMaxChunk is the payload fragment capacity assumed before the device
// has advertised its own in the hello acknowledgement.
const DefaultMaxChunk = 512

// cborEnc is the canonical encoding mode used for every structured payload,
// so identical declarations encode to identical frames.
var cborEnc cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("transport: cbor encode mode: %v", err))
	}
	cborEnc = em
}

// Hello opens a session. The device discards any held image and replies with
// a HelloAck.
type Hello struct {
	Version uint16 `cbor:"1,keyasint"`
}

// HelloAck advertises the device's protocol version and the largest payload
// fragment it will buffer per frame.
type HelloAck struct {
	Version  uint16 `cbor:"1,keyasint"`
	MaxChunk uint16 `cbor:"2,keyasint"`
}

// ClassDecl is one class table entry on the wire.
type ClassDecl struct {
	Token      uint16   `cbor:"1,keyasint"`
	Super      uint16   `cbor:"2,keyasint,omitempty"`
	Interfaces []uint16 `cbor:"3,keyasint,omitempty"`
	Interface  bool     `cbor:"4,keyasint,omitempty"`
	Fields     []byte   `cbor:"5,keyasint,omitempty"`
	Dispatch   []uint16 `cbor:"6,keyasint,omitempty"`
}

// HandlerDecl is one exception handler range.
type HandlerDecl struct {
	From   uint16 `cbor:"1,keyasint,omitempty"`
	To     uint16 `cbor:"2,keyasint"`
	Type   uint16 `cbor:"3,keyasint"`
	Target uint16 `cbor:"4,keyasint,omitempty"`
}

// MethodDecl is one method table entry on the wire: descriptor fields plus
// the lowered body.
type MethodDecl struct {
	Token    uint16        `cbor:"1,keyasint"`
	Class    uint16        `cbor:"2,keyasint"`
	Args     uint8         `cbor:"3,keyasint,omitempty"`
	Locals   uint8         `cbor:"4,keyasint,omitempty"`
	Return   uint8         `cbor:"5,keyasint,omitempty"`
	Static   bool          `cbor:"6,keyasint,omitempty"`
	NativeOp string        `cbor:"7,keyasint,omitempty"`
	Code     []byte        `cbor:"8,keyasint,omitempty"`
	Handlers []HandlerDecl `cbor:"9,keyasint,omitempty"`
}

// ConstDecl is one constant pool entry on the wire.
type ConstDecl struct {
	Token uint16 `cbor:"1,keyasint"`
	Kind  uint8  `cbor:"2,keyasint"`
	Int   int64  `cbor:"3,keyasint,omitempty"`
	Str   string `cbor:"4,keyasint,omitempty"`
}

// EntryDecl designates the method Start invokes.
type EntryDecl struct {
	Token uint16 `cbor:"1,keyasint"`
}

// StateReport is the device's answer to QueryState and Start, and the push
// it sends when a run completes. Result fields are meaningful only in the
// completed state.
type StateReport struct {
	State      uint8 `cbor:"1,keyasint,omitempty"`
	ResultKind uint8 `cbor:"2,keyasint,omitempty"`
	ResultInt  int64 `cbor:"3,keyasint,omitempty"`
}

// FaultReport is pushed device-to-host on any unhandled exception, resource
// exhaustion, or rejected declaration. Method and Offset identify the
// faulting instruction when the fault arose from a run.
type FaultReport struct {
	Type   uint16 `cbor:"1,keyasint"`
	Method uint32 `cbor:"2,keyasint,omitempty"`
	Offset uint32 `cbor:"3,keyasint,omitempty"`
}

// String renders the fault for diagnostics, naming reserved fault types.
// Program-thrown exception classes appear by token; the host maps them back
// through the image's symbol table when it has one.
func (f FaultReport) String() string {
	name := image.FaultName(image.Token(f.Type))
	if name == "" {
		name = fmt.Sprintf("exception class %d", f.Type)
	}
	if f.Method == 0 {
		return name
	}
	return fmt.Sprintf("%s in method %d at offset %d", name, f.Method, f.Offset)
}

// mustMarshal encodes a reply struct. The wire structs are flat value types;
// encoding them cannot fail.
func mustMarshal(v any) []byte {
	payload, err := cborEnc.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("transport: marshal %T: %v", v, err))
	}
	return payload
}

// ---------------------------------------------------------------------------
// Image descriptor conversions
// ---------------------------------------------------------------------------

func classDecl(c *image.ClassDesc) ClassDecl {
	d := ClassDecl{
		Token:     uint16(c.Token),
		Super:     uint16(c.Super),
		Interface: c.Interface,
	}
	for _, t := range c.Interfaces {
		d.Interfaces = append(d.Interfaces, uint16(t))
	}
	for _, k := range c.Fields {
		d.Fields = append(d.Fields, byte(k))
	}
	for _, t := range c.Dispatch {
		d.Dispatch = append(d.Dispatch, uint16(t))
	}
	return d
}

func (d ClassDecl) desc() *image.ClassDesc {
	c := &image.ClassDesc{
		Token:     image.Token(d.Token),
		Super:     image.Token(d.Super),
		Interface: d.Interface,
	}
	for _, t := range d.Interfaces {
		c.Interfaces = append(c.Interfaces, image.Token(t))
	}
	for _, k := range d.Fields {
		c.Fields = append(c.Fields, program.Kind(k))
	}
	for _, t := range d.Dispatch {
		c.Dispatch = append(c.Dispatch, image.Token(t))
	}
	return c
}

func methodDecl(m *image.MethodDesc) MethodDecl {
	d := MethodDecl{
		Token:    uint16(m.Token),
		Class:    uint16(m.Class),
		Args:     m.Args,
		Locals:   m.Locals,
		Return:   uint8(m.Return),
		Static:   m.Static,
		NativeOp: m.NativeOp,
		Code:     m.Code,
	}
	for _, h := range m.Handlers {
		d.Handlers = append(d.Handlers, HandlerDecl{
			From:   h.From,
			To:     h.To,
			Type:   uint16(h.Type),
			Target: h.Target,
		})
	}
	return d
}

func (d MethodDecl) desc() *image.MethodDesc {
	m := &image.MethodDesc{
		Token:    image.Token(d.Token),
		Class:    image.Token(d.Class),
		Args:     d.Args,
		Locals:   d.Locals,
		Return:   program.Kind(d.Return),
		Static:   d.Static,
		NativeOp: d.NativeOp,
		Code:     d.Code,
	}
	for _, h := range d.Handlers {
		m.Handlers = append(m.Handlers, image.HandlerRange{
			From:   h.From,
			To:     h.To,
			Type:   image.Token(h.Type),
			Target: h.Target,
		})
	}
	return m
}

func constDecl(tok image.Token, c image.Constant) ConstDecl {
	return ConstDecl{
		Token: uint16(tok),
		Kind:  uint8(c.Kind),
		Int:   c.Int,
		Str:   c.Str,
	}
}

func (d ConstDecl) constant() (image.Token, image.Constant) {
	return image.Token(d.Token), image.Constant{
		Kind: image.ConstKind(d.Kind),
		Int:  d.Int,
		Str:  d.Str,
	}
}
