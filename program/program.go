// Package program defines the managed-program model the toolchain operates
// on: classes with single inheritance and interface sets, typed fields in
// declaration order, and methods whose bodies are symbolic instructions.
//
// Values are ints, bools, and object references. Method signatures are
// kind-level and encode to compact descriptors such as "(IZ)I". Programs
// are usually loaded from their line-oriented text form by Parse.
package program

import (
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Kinds and signatures
// ---------------------------------------------------------------------------

// Kind classifies a value slot.
type Kind byte

const (
	KindVoid Kind = iota // return position only
	KindInt
	KindBool
	KindRef
)

var kindChars = [...]byte{KindVoid: 'V', KindInt: 'I', KindBool: 'Z', KindRef: 'R'}
var kindNames = [...]string{KindVoid: "void", KindInt: "int", KindBool: "bool", KindRef: "ref"}

// String returns the kind's source-level name.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// KindOf maps a source-level kind name ("int", "bool", "ref") to its Kind.
func KindOf(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name && Kind(k) != KindVoid {
			return Kind(k), true
		}
	}
	return KindVoid, false
}

// Signature is the ordered parameter kinds and return kind of a method.
type Signature struct {
	Params []Kind
	Return Kind
}

// Descriptor renders the signature in compact form, e.g. "(IZ)R".
func (s Signature) Descriptor() string {
	buf := make([]byte, 0, len(s.Params)+3)
	buf = append(buf, '(')
	for _, p := range s.Params {
		buf = append(buf, kindChars[p])
	}
	buf = append(buf, ')', kindChars[s.Return])
	return string(buf)
}

// ParseDescriptor parses a compact signature descriptor such as "(IZ)R".
// Void is valid only in return position.
func ParseDescriptor(desc string) (Signature, error) {
	var s Signature
	if len(desc) < 3 || desc[0] != '(' {
		return s, fmt.Errorf("program: malformed descriptor %q", desc)
	}
	i := 1
	for ; i < len(desc) && desc[i] != ')'; i++ {
		k, ok := kindFromChar(desc[i])
		if !ok || k == KindVoid {
			return s, fmt.Errorf("program: bad parameter kind %q in descriptor %q", desc[i], desc)
		}
		s.Params = append(s.Params, k)
	}
	if i != len(desc)-2 || desc[i] != ')' {
		return s, fmt.Errorf("program: malformed descriptor %q", desc)
	}
	k, ok := kindFromChar(desc[len(desc)-1])
	if !ok {
		return s, fmt.Errorf("program: bad return kind %q in descriptor %q", desc[len(desc)-1], desc)
	}
	s.Return = k
	return s, nil
}

func kindFromChar(c byte) (Kind, bool) {
	for k, kc := range kindChars {
		if kc == c {
			return Kind(k), true
		}
	}
	return KindVoid, false
}

// ---------------------------------------------------------------------------
// Names and references
// ---------------------------------------------------------------------------

// TypeName is a fully qualified class or interface name.
type TypeName string

// Selector identifies a virtual method independent of its declaring type.
type Selector struct {
	Name string
	Desc string
}

func (s Selector) String() string { return s.Name + s.Desc }

// MethodRef names a method on a specific type. For virtual call sites Type
// is the static receiver type.
type MethodRef struct {
	Type TypeName
	Name string
	Desc string
}

// Selector returns the type-independent selector of the referenced method.
func (r MethodRef) Selector() Selector { return Selector{r.Name, r.Desc} }

func (r MethodRef) String() string { return string(r.Type) + "." + r.Name + r.Desc }

// FieldRef names a field on a specific type.
type FieldRef struct {
	Type TypeName
	Name string
}

func (r FieldRef) String() string { return string(r.Type) + "." + r.Name }

// ---------------------------------------------------------------------------
// Declarations
// ---------------------------------------------------------------------------

// Field is a typed instance field.
type Field struct {
	Name string
	Kind Kind
}

// Handler is a guarded instruction range. A thrown object whose class is
// Type or derives from it, raised by an instruction with index in
// [From, To), transfers control to Target.
type Handler struct {
	From   int
	To     int
	Type   TypeName
	Target int
}

// Method is a single method: identity, body, and handler table.
type Method struct {
	Name     string
	Sig      Signature
	Static   bool
	Abstract bool
	Native   string // bridge operation name, empty when not bridged
	Locals   int    // local slots beyond parameters
	Body     []Instr
	Handlers []Handler
}

// Selector returns the method's dispatch selector.
func (m *Method) Selector() Selector {
	return Selector{m.Name, m.Sig.Descriptor()}
}

// Virtual reports whether the method participates in dynamic dispatch.
func (m *Method) Virtual() bool { return !m.Static }

// Slots returns the frame slot count: parameters, receiver for virtual
// methods, and declared locals.
func (m *Method) Slots() int {
	n := len(m.Sig.Params) + m.Locals
	if !m.Static {
		n++
	}
	return n
}

// Class describes one class or interface. Fields and methods keep
// declaration order.
type Class struct {
	Name        TypeName
	Super       TypeName // empty for a root class
	Interfaces  []TypeName
	IsInterface bool
	Fields      []Field
	Methods     []*Method
}

// Method returns the method declared directly on this class with the given
// name and descriptor, or nil.
func (c *Class) Method(name, desc string) *Method {
	for _, m := range c.Methods {
		if m.Name == name && m.Sig.Descriptor() == desc {
			return m
		}
	}
	return nil
}

// Field returns the field declared directly on this class, or nil.
func (c *Class) Field(name string) *Field {
	for i := range c.Fields {
		if c.Fields[i].Name == name {
			return &c.Fields[i]
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Program: class set with declaration order
// ---------------------------------------------------------------------------

// Program is a set of classes keyed by name. Declaration order is preserved
// so downstream processing stays deterministic.
type Program struct {
	classes map[TypeName]*Class
	order   []TypeName
}

// New returns an empty program.
func New() *Program {
	return &Program{classes: make(map[TypeName]*Class)}
}

// Add registers a class. Duplicate names are an error.
func (p *Program) Add(c *Class) error {
	if _, ok := p.classes[c.Name]; ok {
		return fmt.Errorf("program: duplicate class %s", c.Name)
	}
	p.classes[c.Name] = c
	p.order = append(p.order, c.Name)
	return nil
}

// Class returns the named class, or nil.
func (p *Program) Class(name TypeName) *Class {
	return p.classes[name]
}

// Names returns class names in declaration order. The slice is shared; do
// not mutate it.
func (p *Program) Names() []TypeName { return p.order }

// Lookup resolves a selector against a class by walking the superclass
// chain, returning the declaring class and method, or ("", nil) when no
// ancestor declares it.
func (p *Program) Lookup(t TypeName, sel Selector) (TypeName, *Method) {
	for name := t; name != ""; {
		c := p.classes[name]
		if c == nil {
			return "", nil
		}
		if m := c.Method(sel.Name, sel.Desc); m != nil {
			return name, m
		}
		name = c.Super
	}
	return "", nil
}

// FieldLayout returns the instance fields of a class with base-class slots
// first, in declaration order. The returned refs carry the declaring type.
func (p *Program) FieldLayout(t TypeName) ([]FieldRef, []Kind, error) {
	chain := p.Ancestors(t)
	if chain == nil {
		return nil, nil, fmt.Errorf("program: unknown class %s", t)
	}
	var refs []FieldRef
	var kinds []Kind
	// Ancestors lists t first and the root last; layout wants root first.
	for i := len(chain) - 1; i >= 0; i-- {
		c := p.classes[chain[i]]
		for _, f := range c.Fields {
			refs = append(refs, FieldRef{Type: c.Name, Name: f.Name})
			kinds = append(kinds, f.Kind)
		}
	}
	return refs, kinds, nil
}

// Ancestors returns the superclass chain starting at t itself and ending at
// the root, or nil when t is unknown.
func (p *Program) Ancestors(t TypeName) []TypeName {
	var chain []TypeName
	for name := t; name != ""; {
		c := p.classes[name]
		if c == nil {
			return nil
		}
		chain = append(chain, name)
		name = c.Super
	}
	return chain
}

// DerivesFrom reports whether t is ancestor or equal to itself relative to
// target: true when t == target, target is a superclass of t, or target is
// an interface t (or an ancestor) implements, directly or transitively.
func (p *Program) DerivesFrom(t, target TypeName) bool {
	for name := t; name != ""; {
		c := p.classes[name]
		if c == nil {
			return false
		}
		if name == target {
			return true
		}
		for _, iface := range c.Interfaces {
			if p.DerivesFrom(iface, target) {
				return true
			}
		}
		name = c.Super
	}
	return false
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate checks structural invariants: known supertypes, acyclic
// inheritance, unique fields along each chain, abstract and native methods
// without bodies, and instruction targets in range. Parse validates
// automatically; call this after building a Program by hand.
func (p *Program) Validate() error {
	names := make([]string, 0, len(p.classes))
	for n := range p.classes {
		names = append(names, string(n))
	}
	sort.Strings(names)

	for _, n := range names {
		c := p.classes[TypeName(n)]
		if err := p.validateClass(c); err != nil {
			return err
		}
	}
	return nil
}

func (p *Program) validateClass(c *Class) error {
	if c.Super != "" {
		sc := p.classes[c.Super]
		if sc == nil {
			return fmt.Errorf("program: class %s extends unknown class %s", c.Name, c.Super)
		}
		if sc.IsInterface {
			return fmt.Errorf("program: class %s extends interface %s", c.Name, c.Super)
		}
	}
	seen := map[TypeName]bool{}
	for t := c.Name; t != ""; t = p.classes[t].Super {
		if seen[t] {
			return fmt.Errorf("program: inheritance cycle through %s", t)
		}
		seen[t] = true
		if p.classes[t] == nil {
			break
		}
	}
	for _, iface := range c.Interfaces {
		ic := p.classes[iface]
		if ic == nil {
			return fmt.Errorf("program: class %s implements unknown interface %s", c.Name, iface)
		}
		if !ic.IsInterface {
			return fmt.Errorf("program: class %s implements non-interface %s", c.Name, iface)
		}
	}
	if c.IsInterface && len(c.Fields) > 0 {
		return fmt.Errorf("program: interface %s declares fields", c.Name)
	}

	fieldSeen := map[string]TypeName{}
	for _, anc := range p.Ancestors(c.Name) {
		for _, f := range p.classes[anc].Fields {
			if prev, ok := fieldSeen[f.Name]; ok {
				return fmt.Errorf("program: field %s declared on both %s and %s", f.Name, anc, prev)
			}
			fieldSeen[f.Name] = anc
		}
	}

	methodSeen := map[Selector]bool{}
	for _, m := range c.Methods {
		sel := m.Selector()
		if methodSeen[sel] {
			return fmt.Errorf("program: duplicate method %s.%s", c.Name, sel)
		}
		methodSeen[sel] = true
		if err := p.validateMethod(c, m); err != nil {
			return err
		}
	}
	return nil
}

func (p *Program) validateMethod(c *Class, m *Method) error {
	id := MethodRef{Type: c.Name, Name: m.Name, Desc: m.Sig.Descriptor()}
	if c.IsInterface && !m.Abstract {
		return fmt.Errorf("program: interface method %s has a body", id)
	}
	if m.Abstract && (len(m.Body) > 0 || m.Native != "") {
		return fmt.Errorf("program: abstract method %s has a body", id)
	}
	if m.Native != "" && len(m.Body) > 0 {
		return fmt.Errorf("program: native method %s has a body", id)
	}
	if m.Abstract && m.Static {
		return fmt.Errorf("program: abstract method %s is static", id)
	}
	if !m.Abstract && m.Native == "" && len(m.Body) == 0 {
		return fmt.Errorf("program: method %s has no body", id)
	}
	for i, in := range m.Body {
		if in.Op == OpJump || in.Op == OpJumpIfFalse {
			if in.Target < 0 || in.Target >= len(m.Body) {
				return fmt.Errorf("program: method %s: jump target %d out of range at %d", id, in.Target, i)
			}
		}
	}
	for _, h := range m.Handlers {
		if h.From < 0 || h.To > len(m.Body) || h.From >= h.To {
			return fmt.Errorf("program: method %s: handler range [%d,%d) invalid", id, h.From, h.To)
		}
		if h.Target < 0 || h.Target >= len(m.Body) {
			return fmt.Errorf("program: method %s: handler target %d out of range", id, h.Target)
		}
		if p.classes[h.Type] == nil {
			return fmt.Errorf("program: method %s: handler catches unknown class %s", id, h.Type)
		}
	}
	return nil
}
