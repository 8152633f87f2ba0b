// Package image compiles a resolved closure into the compact token-addressed
// form a device can hold: dense tokens for classes, methods, fields, and
// constants, per-class dispatch tables, and lowered stack-machine bytecode.
//
// Tokens replace the original (sparse, large) identities; order of assignment
// is closure discovery order, so identical inputs compile to byte-identical
// images. The host keeps a symbol table mapping tokens back to identities for
// diagnostics; it is never part of the uploaded declarations.
package image

import (
	"fmt"

	"github.com/motelab/mote/program"
)

// Token is a dense, compilation-run-local identifier for one class, method,
// field, or constant. Each kind has its own token space.
type Token uint16

const (
	// TokenNone marks an absent reference: no superclass, unbound dispatch
	// slot. The engine treats dispatching through it as a fault.
	TokenNone Token = 0

	// TokenBase is the first token assigned per kind. Values below it are
	// reserved for built-in identities such as engine fault codes.
	TokenBase Token = 32
)

// Reserved fault tokens, reported by the engine for faults that have no
// program-level exception class.
const (
	FaultOutOfMemory     Token = 1
	FaultStackOverflow   Token = 2
	FaultInvalidDispatch Token = 3
	FaultDivideByZero    Token = 4
	FaultNullReference   Token = 5
	FaultBadImage        Token = 6
	FaultAborted         Token = 7
	FaultNative          Token = 8 // bridge operation missing or failed
)

var faultNames = map[Token]string{
	FaultOutOfMemory:     "OutOfMemory",
	FaultStackOverflow:   "StackOverflow",
	FaultInvalidDispatch: "InvalidDispatch",
	FaultDivideByZero:    "DivideByZero",
	FaultNullReference:   "NullReference",
	FaultBadImage:        "BadImage",
	FaultAborted:         "Aborted",
	FaultNative:          "NativeFault",
}

// FaultName returns the name of a reserved fault token, or "" when the token
// is not reserved.
func FaultName(t Token) string { return faultNames[t] }

// ---------------------------------------------------------------------------
// Descriptors
// ---------------------------------------------------------------------------

// ClassDesc is one compiled class: identity token, inheritance links, field
// layout, and the dispatch table. Immutable once compiled.
type ClassDesc struct {
	Token      Token
	Super      Token   // TokenNone for a root class
	Interfaces []Token // implemented contracts, declaration order
	Interface  bool    // contract only: no instances, no dispatch table

	// Fields is the full instance layout: base-class slots first, then own
	// slots in declaration order. Offsets are indices and never renumber.
	Fields []program.Kind

	// Dispatch maps each global selector slot to the concrete method token
	// the receiver class resolves it to. TokenNone marks a slot that is not
	// applicable to this class or that no instance can ever reach.
	Dispatch []Token
}

// HandlerRange guards [From, To) of a method's code: a raised object whose
// class derives from Type transfers control to Target. Offsets are byte
// offsets into Code.
type HandlerRange struct {
	From   uint16
	To     uint16
	Type   Token
	Target uint16
}

// MethodDesc is one compiled method. Args counts parameter slots including
// the receiver for virtual methods; Locals counts additional slots. A method
// with a NativeOp carries no code and is served by the device bridge.
type MethodDesc struct {
	Token    Token
	Class    Token // declaring class
	Args     uint8
	Locals   uint8
	Return   program.Kind
	Static   bool
	NativeOp string // bridge operation name, "" when interpreted
	Replaced bool   // body came from the substitution registry
	Code     []byte
	Handlers []HandlerRange
}

// Native reports whether the method is served by the device bridge.
func (m *MethodDesc) Native() bool { return m.NativeOp != "" }

// Slots returns the frame slot count the method needs.
func (m *MethodDesc) Slots() int { return int(m.Args) + int(m.Locals) }

// ConstKind classifies a constant pool entry.
type ConstKind uint8

const (
	ConstInt ConstKind = 1
	ConstStr ConstKind = 2
)

// Constant is one deduplicated literal. Equal literals share a token.
type Constant struct {
	Kind ConstKind
	Int  int64
	Str  string
}

func (c Constant) String() string {
	if c.Kind == ConstStr {
		return fmt.Sprintf("%q", c.Str)
	}
	return fmt.Sprintf("%d", c.Int)
}

// ---------------------------------------------------------------------------
// Image
// ---------------------------------------------------------------------------

// Image is the unit handed to transport: ordered class, method, and constant
// tables plus the entry-point token. Built once per compilation run and
// immutable afterwards.
type Image struct {
	Version uint16

	// SlotCount is the width of every dispatch table in the image.
	SlotCount int

	Classes   []*ClassDesc
	Methods   []*MethodDesc
	Constants []Constant
	Entry     Token

	// Symbols maps tokens back to original identities. Host-side only; the
	// uploader does not transmit it.
	Symbols *SymbolTable
}

// Class returns the class descriptor for a token, or nil.
func (img *Image) Class(t Token) *ClassDesc {
	i := int(t) - int(TokenBase)
	if i < 0 || i >= len(img.Classes) {
		return nil
	}
	return img.Classes[i]
}

// Method returns the method descriptor for a token, or nil.
func (img *Image) Method(t Token) *MethodDesc {
	i := int(t) - int(TokenBase)
	if i < 0 || i >= len(img.Methods) {
		return nil
	}
	return img.Methods[i]
}

// Constant returns the constant for a token and whether it exists.
func (img *Image) Constant(t Token) (Constant, bool) {
	i := int(t) - int(TokenBase)
	if i < 0 || i >= len(img.Constants) {
		return Constant{}, false
	}
	return img.Constants[i], true
}

// ---------------------------------------------------------------------------
// Symbol table
// ---------------------------------------------------------------------------

// FieldSym records the dense token assigned to one field and where its slot
// landed in the owning class layout.
type FieldSym struct {
	Token Token
	Class Token
	Slot  uint8
	Name  string
}

// SymbolTable maps tokens back to the original program identities. Entries
// parallel the image tables: Classes[i] names the class with token
// TokenBase+i, likewise Methods. SlotNames is indexed by dispatch slot.
type SymbolTable struct {
	Classes   []string
	Methods   []string
	SlotNames []string
	Fields    []FieldSym
}

// ClassName resolves a class token to its original identity, or a
// placeholder for unknown and reserved tokens.
func (st *SymbolTable) ClassName(t Token) string {
	if name := faultNames[t]; name != "" {
		return name
	}
	i := int(t) - int(TokenBase)
	if st == nil || i < 0 || i >= len(st.Classes) {
		return fmt.Sprintf("class#%d", t)
	}
	return st.Classes[i]
}

// MethodName resolves a method token to its original identity, or a
// placeholder when unknown.
func (st *SymbolTable) MethodName(t Token) string {
	i := int(t) - int(TokenBase)
	if st == nil || i < 0 || i >= len(st.Methods) {
		return fmt.Sprintf("method#%d", t)
	}
	return st.Methods[i]
}

// SlotName resolves a dispatch slot to its selector.
func (st *SymbolTable) SlotName(slot int) string {
	if st == nil || slot < 0 || slot >= len(st.SlotNames) {
		return fmt.Sprintf("slot#%d", slot)
	}
	return st.SlotNames[slot]
}
