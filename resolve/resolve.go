// Package resolve computes the reachable closure of a managed program from
// its entry points. Every discovered edge is filtered through the
// substitution registry before it can pull code in, so replaced originals
// never enter the closure and unsupported targets fail fast with the chain
// that reached them.
package resolve

import (
	"errors"
	"fmt"
	"strings"

	"github.com/motelab/mote/program"
	"github.com/motelab/mote/registry"
)

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// ReachError reports a reference that cannot be satisfied on the device:
// the offending target, why it failed, and the discovery chain from an
// entry point to the call site.
type ReachError struct {
	Target string
	Reason string
	Chain  []program.MethodRef
}

func (e *ReachError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "resolve: %s: %s", e.Target, e.Reason)
	if len(e.Chain) > 0 {
		b.WriteString(" (reached via ")
		for i, m := range e.Chain {
			if i > 0 {
				b.WriteString(" -> ")
			}
			b.WriteString(m.String())
		}
		b.WriteByte(')')
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// Resolver
// ---------------------------------------------------------------------------

// site is a recorded virtual call: dispatch through sel on any closure
// class deriving from recv must have a live candidate.
type site struct {
	recv program.TypeName
	sel  program.Selector
	from program.MethodRef
}

type siteKey struct {
	recv program.TypeName
	sel  program.Selector
}

type resolver struct {
	c        *Closure
	queue    []program.MethodRef
	parent   map[program.MethodRef]program.MethodRef
	sites    []site
	siteSeen map[siteKey]bool
}

// Resolve walks the program from the entry points to a fixpoint and returns
// the closure. Entry points must be static methods without parameters.
// The walk is sequential and deterministic: first discovered keeps the
// lowest downstream token.
func Resolve(prog *program.Program, reg *registry.Registry, entries []program.MethodRef) (*Closure, error) {
	if len(entries) == 0 {
		return nil, errors.New("resolve: no entry points")
	}
	c := &Closure{
		Prog:          prog,
		Reg:           reg,
		classSet:      map[program.TypeName]bool{},
		methodSet:     map[program.MethodRef]bool{},
		replaced:      map[program.MethodRef]bool{},
		replacedClass: map[program.TypeName]bool{},
		created:       map[program.TypeName]bool{},
	}
	r := &resolver{
		c:        c,
		parent:   map[program.MethodRef]program.MethodRef{},
		siteSeen: map[siteKey]bool{},
	}

	for _, e := range entries {
		target, decl, err := c.RewriteMethod(e)
		if err != nil {
			return nil, &ReachError{Target: e.String(), Reason: err.Error()}
		}
		if !decl.Static || len(decl.Sig.Params) != 0 {
			return nil, fmt.Errorf("resolve: entry %s must be static and take no parameters", target)
		}
		if err := r.addMethod(target, program.MethodRef{}); err != nil {
			return nil, err
		}
		c.Entries = append(c.Entries, target)
	}

	for len(r.queue) > 0 {
		ref := r.queue[0]
		r.queue = r.queue[1:]
		if err := r.scan(ref); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (r *resolver) errAt(from program.MethodRef, target, reason string) error {
	return &ReachError{Target: target, Reason: reason, Chain: r.chain(from)}
}

// chain reconstructs the discovery path from an entry point down to ref.
func (r *resolver) chain(ref program.MethodRef) []program.MethodRef {
	var zero program.MethodRef
	if ref == zero {
		return nil
	}
	var rev []program.MethodRef
	for ref != zero {
		rev = append(rev, ref)
		ref = r.parent[ref]
	}
	out := make([]program.MethodRef, len(rev))
	for i, m := range rev {
		out[len(rev)-1-i] = m
	}
	return out
}

// ---------------------------------------------------------------------------
// Discovery
// ---------------------------------------------------------------------------

// scan walks one method body and feeds every reference it makes through the
// registry and into the closure.
func (r *resolver) scan(ref program.MethodRef) error {
	decl := r.c.Decl(ref)
	for _, in := range decl.Body {
		switch in.Op {
		case program.OpCallStatic:
			target, tdecl, err := r.c.RewriteMethod(in.Method)
			if err != nil {
				return r.errAt(ref, in.Method.String(), err.Error())
			}
			if !tdecl.Static {
				return r.errAt(ref, target.String(), "virtual method called statically")
			}
			if err := r.addMethod(target, ref); err != nil {
				return err
			}

		case program.OpCallVirtual:
			recv, err := r.c.RewriteClass(in.Method.Type)
			if err != nil {
				return r.errAt(ref, in.Method.String(), err.Error())
			}
			sel := in.Method.Selector()
			if _, d := r.c.Prog.Lookup(recv, sel); d == nil {
				return r.errAt(ref, in.Method.String(), fmt.Sprintf("selector %s not found on %s", sel, recv))
			} else if d.Static {
				return r.errAt(ref, in.Method.String(), "static method called virtually")
			}
			if err := r.addClass(recv, ref); err != nil {
				return err
			}
			if err := r.addSite(site{recv: recv, sel: sel, from: ref}); err != nil {
				return err
			}

		case program.OpNew:
			t, err := r.c.RewriteClass(in.Type)
			if err != nil {
				return r.errAt(ref, string(in.Type), err.Error())
			}
			if cls := r.c.Prog.Class(t); cls != nil && cls.IsInterface {
				return r.errAt(ref, string(t), "cannot instantiate interface")
			}
			r.c.created[t] = true
			if err := r.addClass(t, ref); err != nil {
				return err
			}

		case program.OpGetField, program.OpPutField:
			t, err := r.c.RewriteClass(in.Field.Type)
			if err != nil {
				return r.errAt(ref, in.Field.String(), err.Error())
			}
			if err := r.addClass(t, ref); err != nil {
				return err
			}
			if !r.fieldExists(t, in.Field.Name) {
				return r.errAt(ref, in.Field.String(), fmt.Sprintf("field not found on %s", t))
			}
		}
	}
	for _, h := range decl.Handlers {
		t, err := r.c.RewriteClass(h.Type)
		if err != nil {
			return r.errAt(ref, string(h.Type), err.Error())
		}
		if err := r.addClass(t, ref); err != nil {
			return err
		}
	}
	return nil
}

func (r *resolver) fieldExists(t program.TypeName, name string) bool {
	for _, anc := range r.c.Prog.Ancestors(t) {
		if r.c.Prog.Class(anc).Field(name) != nil {
			return true
		}
	}
	return false
}

// addMethod admits a normalized method reference. Bodies are queued for
// scanning; native methods carry no body and only bind a bridge operation.
func (r *resolver) addMethod(ref, from program.MethodRef) error {
	if r.c.methodSet[ref] {
		return nil
	}
	decl := r.c.Decl(ref)
	if decl.Abstract {
		return r.errAt(from, ref.String(), "abstract method has no implementation")
	}
	r.c.methodSet[ref] = true
	r.c.Methods = append(r.c.Methods, ref)
	r.parent[ref] = from
	if decl.Native == "" {
		r.queue = append(r.queue, ref)
	}
	return r.addClass(ref.Type, from)
}

// addClass admits a type plus its supertype contracts, then retries every
// recorded virtual site that the new class can answer.
func (r *resolver) addClass(t program.TypeName, from program.MethodRef) error {
	if r.c.classSet[t] {
		return nil
	}
	cls := r.c.Prog.Class(t)
	if cls == nil {
		return r.errAt(from, string(t), "unknown class")
	}
	// A kept class must sit on a kept chain; replacing an ancestor out from
	// under it would tear the field layout apart.
	if cls.Super != "" {
		if a := r.c.Reg.ResolveClass(cls.Super); a.Kind != registry.Keep {
			return r.errAt(from, string(t), fmt.Sprintf("inherits from %s class %s", a.Kind, cls.Super))
		}
	}
	r.c.classSet[t] = true
	r.c.Classes = append(r.c.Classes, t)

	if cls.Super != "" {
		if err := r.addClass(cls.Super, from); err != nil {
			return err
		}
	}
	for _, iface := range cls.Interfaces {
		if err := r.addClass(iface, from); err != nil {
			return err
		}
	}

	if !cls.IsInterface {
		for i := 0; i < len(r.sites); i++ {
			s := r.sites[i]
			if r.c.Prog.DerivesFrom(t, s.recv) {
				if err := r.expand(t, s); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// addSite records a virtual call site and expands it over the classes
// already in the closure.
func (r *resolver) addSite(s site) error {
	k := siteKey{recv: s.recv, sel: s.sel}
	if r.siteSeen[k] {
		return nil
	}
	r.siteSeen[k] = true
	r.sites = append(r.sites, s)
	r.c.Sites = append(r.c.Sites, DispatchSite{Recv: s.recv, Sel: s.sel})

	for i := 0; i < len(r.c.Classes); i++ {
		t := r.c.Classes[i]
		cls := r.c.Prog.Class(t)
		if cls.IsInterface || !r.c.Prog.DerivesFrom(t, s.recv) {
			continue
		}
		if err := r.expand(t, s); err != nil {
			return err
		}
	}
	return nil
}

// expand resolves one virtual site against one receiver class and admits
// the implementation that dispatch would select.
func (r *resolver) expand(t program.TypeName, s site) error {
	declType, decl := r.c.Prog.Lookup(t, s.sel)
	if decl == nil || decl.Abstract {
		// No live implementation here. The image compiler rejects concrete
		// classes left with unbound applicable slots.
		return nil
	}
	if decl.Static {
		return r.errAt(s.from, string(t)+"."+s.sel.String(), "static method in virtual dispatch")
	}
	target, tdecl, err := r.c.RewriteMethod(program.MethodRef{Type: declType, Name: s.sel.Name, Desc: s.sel.Desc})
	if err != nil {
		return r.errAt(s.from, string(declType)+"."+s.sel.String(), err.Error())
	}
	if tdecl.Static {
		return r.errAt(s.from, target.String(), "replacement for virtual method is static")
	}
	if tdecl.Abstract {
		return r.errAt(s.from, target.String(), "replacement method is abstract")
	}
	return r.addMethod(target, s.from)
}
