// Package registry implements the substitution table consulted during
// reachability analysis: for a given type or method it answers whether the
// original is kept, replaced by a device-suitable variant, or unsupported
// on the target.
//
// Tables live in versioned TOML files validated against a CUE schema at
// load time. A loaded registry is read-only.
package registry

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"

	"github.com/motelab/mote/program"
)

// ---------------------------------------------------------------------------
// Actions
// ---------------------------------------------------------------------------

// ActionKind classifies a registry decision.
type ActionKind int

const (
	Keep ActionKind = iota
	ReplaceClass
	ReplaceMethod
	Unsupported
)

func (k ActionKind) String() string {
	switch k {
	case Keep:
		return "keep"
	case ReplaceClass:
		return "replace-class"
	case ReplaceMethod:
		return "replace-method"
	case Unsupported:
		return "unsupported"
	}
	return fmt.Sprintf("action(%d)", int(k))
}

// Action is the registry's decision for one lookup. With is set for
// ReplaceClass, Method for ReplaceMethod, Reason for Unsupported.
type Action struct {
	Kind   ActionKind
	With   program.TypeName
	Method program.MethodRef
	Reason string
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry is an immutable substitution table. Class-level entries take
// precedence over method-level entries; a type may not carry both.
type Registry struct {
	// Version is the table format version from the TOML file.
	Version int

	classes map[program.TypeName]classEntry
	methods map[program.MethodRef]methodEntry
}

type classEntry struct {
	with        program.TypeName
	reason      string
	unsupported bool
}

type methodEntry struct {
	with        program.MethodRef
	reason      string
	unsupported bool
}

// Empty returns a registry that keeps everything.
func Empty() *Registry {
	return &Registry{
		Version: 1,
		classes: map[program.TypeName]classEntry{},
		methods: map[program.MethodRef]methodEntry{},
	}
}

// Resolve decides the fate of a method reference. Class-level entries apply
// first: a replaced class redirects every member including non-public ones,
// and an unsupported class condemns every member. Method-level entries
// apply only to their exact (type, name, descriptor) triple.
func (r *Registry) Resolve(ref program.MethodRef) Action {
	if ce, ok := r.classes[ref.Type]; ok {
		if ce.unsupported {
			return Action{Kind: Unsupported, Reason: ce.reason}
		}
		return Action{Kind: ReplaceClass, With: ce.with}
	}
	if me, ok := r.methods[ref]; ok {
		if me.unsupported {
			return Action{Kind: Unsupported, Reason: me.reason}
		}
		return Action{Kind: ReplaceMethod, Method: me.with}
	}
	return Action{Kind: Keep}
}

// ResolveClass decides the fate of a type reference (allocation, field
// access, catch clause). Method-level entries do not affect type references.
func (r *Registry) ResolveClass(t program.TypeName) Action {
	if ce, ok := r.classes[t]; ok {
		if ce.unsupported {
			return Action{Kind: Unsupported, Reason: ce.reason}
		}
		return Action{Kind: ReplaceClass, With: ce.with}
	}
	return Action{Kind: Keep}
}

// Entries returns the number of loaded table entries.
func (r *Registry) Entries() int {
	return len(r.classes) + len(r.methods)
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// registrySchema constrains the TOML table shape. The definition is closed,
// so unknown fields are rejected.
const registrySchema = `
#Registry: {
	version: int & >=1

	"replace-class"?: [...{
		type: string & !=""
		with: string & !=""
	}]

	"replace-method"?: [...{
		type:          string & !=""
		method:        string & !=""
		desc:          string & !=""
		"with-type":   string & !=""
		"with-method": string & !=""
	}]

	unsupported?: [...{
		type:    string & !=""
		method?: string & !=""
		desc?:   string & !=""
		reason:  string & !=""
	}]
}
`

type registryFile struct {
	Version       int                `toml:"version"`
	ReplaceClass  []classReplaceRow  `toml:"replace-class"`
	ReplaceMethod []methodReplaceRow `toml:"replace-method"`
	Unsupported   []unsupportedRow   `toml:"unsupported"`
}

type classReplaceRow struct {
	Type string `toml:"type"`
	With string `toml:"with"`
}

type methodReplaceRow struct {
	Type       string `toml:"type"`
	Method     string `toml:"method"`
	Desc       string `toml:"desc"`
	WithType   string `toml:"with-type"`
	WithMethod string `toml:"with-method"`
}

type unsupportedRow struct {
	Type   string `toml:"type"`
	Method string `toml:"method"`
	Desc   string `toml:"desc"`
	Reason string `toml:"reason"`
}

// Load reads and validates a registry table from a TOML file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: cannot read %s: %w", path, err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("registry: %s: %w", path, err)
	}
	return r, nil
}

// Parse validates and loads a registry table from TOML bytes.
func Parse(data []byte) (*Registry, error) {
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := validateShape(raw); err != nil {
		return nil, err
	}

	var file registryFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	return build(&file)
}

// validateShape unifies the decoded table with the CUE schema.
func validateShape(raw map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(registrySchema)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Registry"))
	val := ctx.Encode(raw)
	if err := val.Err(); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	merged := def.Unify(val)
	if err := merged.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid table: %w", err)
	}
	return nil
}

func build(file *registryFile) (*Registry, error) {
	r := Empty()
	r.Version = file.Version

	for _, row := range file.ReplaceClass {
		t := program.TypeName(row.Type)
		if t == program.TypeName(row.With) {
			return nil, fmt.Errorf("class %s replaced with itself", t)
		}
		if _, dup := r.classes[t]; dup {
			return nil, fmt.Errorf("duplicate class entry for %s", t)
		}
		r.classes[t] = classEntry{with: program.TypeName(row.With)}
	}

	for _, row := range file.Unsupported {
		t := program.TypeName(row.Type)
		if row.Method == "" {
			if row.Desc != "" {
				return nil, fmt.Errorf("unsupported entry for %s has desc without method", t)
			}
			if _, dup := r.classes[t]; dup {
				return nil, fmt.Errorf("conflicting class entries for %s", t)
			}
			r.classes[t] = classEntry{reason: row.Reason, unsupported: true}
			continue
		}
		if row.Desc == "" {
			return nil, fmt.Errorf("unsupported entry for %s.%s needs desc", t, row.Method)
		}
		ref := program.MethodRef{Type: t, Name: row.Method, Desc: row.Desc}
		if _, dup := r.methods[ref]; dup {
			return nil, fmt.Errorf("duplicate method entry for %s", ref)
		}
		r.methods[ref] = methodEntry{reason: row.Reason, unsupported: true}
	}

	for _, row := range file.ReplaceMethod {
		ref := program.MethodRef{Type: program.TypeName(row.Type), Name: row.Method, Desc: row.Desc}
		if _, dup := r.methods[ref]; dup {
			return nil, fmt.Errorf("duplicate method entry for %s", ref)
		}
		// The substitute keeps the call site's descriptor so callers are
		// unaffected by the swap.
		with := program.MethodRef{
			Type: program.TypeName(row.WithType),
			Name: row.WithMethod,
			Desc: row.Desc,
		}
		if with == ref {
			return nil, fmt.Errorf("method %s replaced with itself", ref)
		}
		r.methods[ref] = methodEntry{with: with}
	}

	// Class precedence would make method entries on the same type dead
	// configuration; reject the conflict instead of ignoring it.
	for ref := range r.methods {
		if _, ok := r.classes[ref.Type]; ok {
			return nil, fmt.Errorf("type %s has both class and method entries", ref.Type)
		}
	}
	return r, nil
}
