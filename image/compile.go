package image

import (
	"fmt"

	"github.com/motelab/mote/program"
	"github.com/motelab/mote/resolve"
)

// ImageVersion is the current compiled image format version.
const ImageVersion uint16 = 1

// maxTable is the number of tokens available per kind after the reserved
// base is carved out.
const maxTable = (1 << 16) - int(TokenBase)

// BridgeSpec declares the native operations the target device exposes, keyed
// by operation name with the exact call signature. Native-bridged methods are
// checked against it at compile time.
type BridgeSpec map[string]program.Signature

// CompileError reports a compilation failure with the offending original
// identity. Any compile error aborts the whole run; no partial image is
// produced.
type CompileError struct {
	Where string // original class or method identity
	Msg   string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("image: %s: %s", e.Where, e.Msg)
}

func errAt(where fmt.Stringer, format string, args ...any) error {
	return &CompileError{Where: where.String(), Msg: fmt.Sprintf(format, args...)}
}

// ---------------------------------------------------------------------------
// Compiler
// ---------------------------------------------------------------------------

type constKey struct {
	kind ConstKind
	num  int64
	str  string
}

type compiler struct {
	c      *resolve.Closure
	bridge BridgeSpec
	img    *Image

	classTok  map[program.TypeName]Token
	methodTok map[program.MethodRef]Token
	constTok  map[constKey]Token

	slotIDs   map[program.Selector]int
	slotSels  []program.Selector
	slotRecvs [][]program.TypeName
}

// Compile lowers a resolved closure into an Image. Token order follows
// closure discovery order, so the result is deterministic for identical
// inputs. The first entry point becomes the image entry token.
func Compile(c *resolve.Closure, bridge BridgeSpec) (*Image, error) {
	if len(c.Entries) == 0 {
		return nil, &CompileError{Where: "image", Msg: "closure has no entry points"}
	}
	cp := &compiler{
		c:      c,
		bridge: bridge,
		img:    &Image{Version: ImageVersion, Symbols: &SymbolTable{}},

		classTok:  make(map[program.TypeName]Token, len(c.Classes)),
		methodTok: make(map[program.MethodRef]Token, len(c.Methods)),
		constTok:  map[constKey]Token{},
		slotIDs:   map[program.Selector]int{},
	}

	cp.assignClassTokens()
	cp.assignMethodTokens()
	cp.assignSlots()
	if err := cp.buildClasses(); err != nil {
		return nil, err
	}
	if err := cp.buildMethods(); err != nil {
		return nil, err
	}

	cp.img.Entry = cp.methodTok[c.Entries[0]]
	cp.img.SlotCount = len(cp.slotSels)
	return cp.img, nil
}

func (cp *compiler) assignClassTokens() {
	for i, t := range cp.c.Classes {
		cp.classTok[t] = TokenBase + Token(i)
		cp.img.Symbols.Classes = append(cp.img.Symbols.Classes, string(t))
	}
}

func (cp *compiler) assignMethodTokens() {
	for i, ref := range cp.c.Methods {
		cp.methodTok[ref] = TokenBase + Token(i)
		cp.img.Symbols.Methods = append(cp.img.Symbols.Methods, ref.String())
	}
}

// assignSlots gives every dispatched selector a dense slot id, in site
// discovery order, and records which static receiver types dispatch it.
func (cp *compiler) assignSlots() {
	for _, s := range cp.c.Sites {
		id, ok := cp.slotIDs[s.Sel]
		if !ok {
			id = len(cp.slotSels)
			cp.slotIDs[s.Sel] = id
			cp.slotSels = append(cp.slotSels, s.Sel)
			cp.slotRecvs = append(cp.slotRecvs, nil)
			cp.img.Symbols.SlotNames = append(cp.img.Symbols.SlotNames, s.Sel.String())
		}
		cp.slotRecvs[id] = append(cp.slotRecvs[id], s.Recv)
	}
}

// ---------------------------------------------------------------------------
// Class table
// ---------------------------------------------------------------------------

func (cp *compiler) buildClasses() error {
	if len(cp.c.Classes) > maxTable {
		return &CompileError{Where: "image", Msg: fmt.Sprintf("class token space exhausted (%d classes)", len(cp.c.Classes))}
	}
	for _, t := range cp.c.Classes {
		desc, err := cp.buildClass(t)
		if err != nil {
			return err
		}
		cp.img.Classes = append(cp.img.Classes, desc)
	}
	return nil
}

func (cp *compiler) buildClass(t program.TypeName) (*ClassDesc, error) {
	cls := cp.c.Prog.Class(t)
	desc := &ClassDesc{
		Token:     cp.classTok[t],
		Interface: cls.IsInterface,
	}
	if cls.Super != "" {
		desc.Super = cp.classTok[cls.Super]
	}
	for _, iface := range cls.Interfaces {
		desc.Interfaces = append(desc.Interfaces, cp.classTok[iface])
	}

	if cls.IsInterface {
		return desc, nil
	}

	refs, kinds, err := cp.c.Prog.FieldLayout(t)
	if err != nil {
		return nil, &CompileError{Where: string(t), Msg: err.Error()}
	}
	if len(kinds) > 255 {
		return nil, &CompileError{Where: string(t), Msg: fmt.Sprintf("field layout exceeds 255 slots (%d)", len(kinds))}
	}
	desc.Fields = kinds
	cp.recordFieldTokens(t, refs)

	table, err := cp.dispatchTable(t)
	if err != nil {
		return nil, err
	}
	desc.Dispatch = table
	return desc, nil
}

// recordFieldTokens assigns dense field tokens for the slots declared
// directly on t. Field tokens are host-side identities for diagnostics; code
// addresses fields by layout slot.
func (cp *compiler) recordFieldTokens(t program.TypeName, refs []program.FieldRef) {
	for slot, ref := range refs {
		if ref.Type != t {
			continue // inherited slot, owned by the declaring class
		}
		cp.img.Symbols.Fields = append(cp.img.Symbols.Fields, FieldSym{
			Token: TokenBase + Token(len(cp.img.Symbols.Fields)),
			Class: cp.classTok[t],
			Slot:  uint8(slot),
			Name:  ref.Name,
		})
	}
}

// dispatchTable resolves every applicable selector slot for a concrete class
// to the single most-derived override token. A slot is applicable when the
// class derives from a receiver type it is dispatched through. Applicable
// slots with no live implementation are a compile error for instantiated
// classes; for closure classes that never allocate they stay TokenNone,
// which the engine faults on defensively.
func (cp *compiler) dispatchTable(t program.TypeName) ([]Token, error) {
	if len(cp.slotSels) == 0 {
		return nil, nil
	}
	table := make([]Token, len(cp.slotSels))
	for id, sel := range cp.slotSels {
		if !cp.slotApplies(t, id) {
			continue
		}
		declType, decl := cp.c.Prog.Lookup(t, sel)
		if decl == nil || decl.Abstract {
			if cp.c.Instantiated(t) {
				return nil, &CompileError{
					Where: string(t),
					Msg:   fmt.Sprintf("no implementation for dispatched selector %s", sel),
				}
			}
			continue
		}
		target, _, err := cp.c.RewriteMethod(program.MethodRef{Type: declType, Name: sel.Name, Desc: sel.Desc})
		if err != nil {
			return nil, &CompileError{Where: string(t), Msg: fmt.Sprintf("selector %s: %v", sel, err)}
		}
		tok, ok := cp.methodTok[target]
		if !ok {
			return nil, &CompileError{Where: string(t), Msg: fmt.Sprintf("dispatch target %s missing from closure", target)}
		}
		table[id] = tok
	}
	return table, nil
}

func (cp *compiler) slotApplies(t program.TypeName, id int) bool {
	for _, recv := range cp.slotRecvs[id] {
		if cp.c.Prog.DerivesFrom(t, recv) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Method table
// ---------------------------------------------------------------------------

func (cp *compiler) buildMethods() error {
	if len(cp.c.Methods) > maxTable {
		return &CompileError{Where: "image", Msg: fmt.Sprintf("method token space exhausted (%d methods)", len(cp.c.Methods))}
	}
	for _, ref := range cp.c.Methods {
		desc, err := cp.buildMethod(ref)
		if err != nil {
			return err
		}
		cp.img.Methods = append(cp.img.Methods, desc)
	}
	return nil
}

func (cp *compiler) buildMethod(ref program.MethodRef) (*MethodDesc, error) {
	decl := cp.c.Decl(ref)
	if decl.Slots() > 255 {
		return nil, errAt(ref, "frame needs %d slots, limit is 255", decl.Slots())
	}
	args := len(decl.Sig.Params)
	if !decl.Static {
		args++
	}
	desc := &MethodDesc{
		Token:    cp.methodTok[ref],
		Class:    cp.classTok[ref.Type],
		Args:     uint8(args),
		Locals:   uint8(decl.Locals),
		Return:   decl.Sig.Return,
		Static:   decl.Static,
		NativeOp: decl.Native,
		Replaced: cp.c.WasReplaced(ref),
	}

	if decl.Native != "" {
		if err := cp.checkBinding(ref, decl); err != nil {
			return nil, err
		}
		return desc, nil
	}

	code, handlers, err := cp.lower(ref, decl)
	if err != nil {
		return nil, err
	}
	desc.Code = code
	desc.Handlers = handlers
	return desc, nil
}

// checkBinding verifies a native-bridged method against the declared bridge
// operation table: the operation must exist and its signature must match the
// method exactly.
func (cp *compiler) checkBinding(ref program.MethodRef, decl *program.Method) error {
	sig, ok := cp.bridge[decl.Native]
	if !ok {
		return errAt(ref, "native op %q is not declared by the bridge", decl.Native)
	}
	if sig.Descriptor() != decl.Sig.Descriptor() {
		return errAt(ref, "native op %q signature mismatch: method %s, bridge %s",
			decl.Native, decl.Sig.Descriptor(), sig.Descriptor())
	}
	return nil
}

// ---------------------------------------------------------------------------
// Shared lookups
// ---------------------------------------------------------------------------

func (cp *compiler) internConst(k constKey) (Token, error) {
	if tok, ok := cp.constTok[k]; ok {
		return tok, nil
	}
	if len(cp.img.Constants) >= maxTable {
		return 0, &CompileError{Where: "image", Msg: "constant token space exhausted"}
	}
	tok := TokenBase + Token(len(cp.img.Constants))
	cp.constTok[k] = tok
	cp.img.Constants = append(cp.img.Constants, Constant{Kind: k.kind, Int: k.num, Str: k.str})
	return tok, nil
}

// fieldSlot resolves a field reference to its layout slot on the (possibly
// registry-rewritten) declaring class.
func (cp *compiler) fieldSlot(ref program.FieldRef) (int, error) {
	t, err := cp.c.RewriteClass(ref.Type)
	if err != nil {
		return 0, err
	}
	refs, _, err := cp.c.Prog.FieldLayout(t)
	if err != nil {
		return 0, err
	}
	for slot, fr := range refs {
		if fr.Name == ref.Name {
			return slot, nil
		}
	}
	return 0, fmt.Errorf("field %s not found on %s", ref.Name, t)
}
