package resolve

import (
	"fmt"

	"github.com/motelab/mote/program"
	"github.com/motelab/mote/registry"
)

// DispatchSite is a recorded virtual call context: some reachable body
// dispatches Sel on a receiver statically typed Recv. The image compiler
// derives selector slots and dispatch-table rows from these.
type DispatchSite struct {
	Recv program.TypeName
	Sel  program.Selector
}

// Closure is the result of reachability analysis: the classes and methods a
// compiled image must contain. Both slices keep discovery order, which is
// the downstream token assignment order.
type Closure struct {
	Prog *program.Program
	Reg  *registry.Registry

	Classes []program.TypeName
	Methods []program.MethodRef
	Entries []program.MethodRef
	Sites   []DispatchSite

	classSet      map[program.TypeName]bool
	methodSet     map[program.MethodRef]bool
	replaced      map[program.MethodRef]bool
	replacedClass map[program.TypeName]bool
	created       map[program.TypeName]bool
}

// HasClass reports whether t survived into the closure.
func (c *Closure) HasClass(t program.TypeName) bool { return c.classSet[t] }

// HasMethod reports whether the (normalized) method survived into the
// closure.
func (c *Closure) HasMethod(ref program.MethodRef) bool { return c.methodSet[ref] }

// WasReplaced reports whether the method's body comes from the registry
// rather than the source program: either a reference to it was redirected by
// a method entry, or it is declared on a whole-class substitute.
func (c *Closure) WasReplaced(ref program.MethodRef) bool {
	return c.replaced[ref] || c.replacedClass[ref.Type]
}

// Instantiated reports whether any reachable code allocates an instance of t.
// Classes that are only superclasses or contracts of live classes are in the
// closure without being instantiated.
func (c *Closure) Instantiated(t program.TypeName) bool { return c.created[t] }

// Decl returns the declaration of a closure method.
func (c *Closure) Decl(ref program.MethodRef) *program.Method {
	cls := c.Prog.Class(ref.Type)
	if cls == nil {
		return nil
	}
	return cls.Method(ref.Name, ref.Desc)
}

// RewriteClass applies the registry verdict to a type reference.
func (c *Closure) RewriteClass(t program.TypeName) (program.TypeName, error) {
	switch a := c.Reg.ResolveClass(t); a.Kind {
	case registry.Keep:
		return t, nil
	case registry.ReplaceClass:
		c.replacedClass[a.With] = true
		return a.With, nil
	default:
		return "", fmt.Errorf("type %s unsupported: %s", t, a.Reason)
	}
}

// RewriteMethod applies the registry verdict to a method reference and
// normalizes the result to its declaring class. An unsupported verdict is
// tolerated when the target is bridged natively; the bridge serves the call.
// Substitutes are final: a replacement is not itself filtered again.
func (c *Closure) RewriteMethod(ref program.MethodRef) (program.MethodRef, *program.Method, error) {
	out := ref
	swapped := false
	switch a := c.Reg.Resolve(ref); a.Kind {
	case registry.Keep:
	case registry.ReplaceClass:
		out = program.MethodRef{Type: a.With, Name: ref.Name, Desc: ref.Desc}
		swapped = true
	case registry.ReplaceMethod:
		out = a.Method
		swapped = true
	case registry.Unsupported:
		if decl := c.declOf(ref); decl == nil || decl.Native == "" {
			return out, nil, fmt.Errorf("%s unsupported: %s", ref, a.Reason)
		}
	}
	declType, decl := c.Prog.Lookup(out.Type, out.Selector())
	if decl == nil {
		return out, nil, fmt.Errorf("method %s not found", out)
	}
	norm := program.MethodRef{Type: declType, Name: out.Name, Desc: out.Desc}
	if swapped {
		c.replaced[norm] = true
	}
	return norm, decl, nil
}

func (c *Closure) declOf(ref program.MethodRef) *program.Method {
	_, m := c.Prog.Lookup(ref.Type, ref.Selector())
	return m
}
