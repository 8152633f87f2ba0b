package program

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Parse reads the line-oriented program text form and returns a validated
// Program. The format is assembly-flavored:
//
//	interface Ticker
//	  method tick ()V
//	end
//
//	class Counter extends Object implements Ticker
//	  field count int
//	  method tick ()V
//	    load 0
//	    load 0
//	    getfield Counter.count
//	    int 1
//	    add
//	    putfield Counter.count
//	    ret
//	  end
//	end
//
// Method headers accept the flags "static", "abstract", "native OP", and
// "locals N". Abstract and native methods are single-line declarations with
// no body. Branch targets are labels ("again:"), and "handler FROM TO TYPE
// TARGET" lines declare guarded ranges using labels. "#" starts a comment.
func Parse(r io.Reader, name string) (*Program, error) {
	p := New()
	if err := parseInto(p, r, name); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ParseString parses program text from a string.
func ParseString(src string) (*Program, error) {
	return Parse(strings.NewReader(src), "<string>")
}

// ParseFiles parses several program files into one validated Program.
func ParseFiles(paths ...string) (*Program, error) {
	p := New()
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("program: %w", err)
		}
		err = parseInto(p, f, filepath.Base(path))
		f.Close()
		if err != nil {
			return nil, err
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ParseDir parses every .mote file under dir (sorted by name) into one
// validated Program.
func ParseDir(dir string) (*Program, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.mote"))
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("program: no .mote files in %s", dir)
	}
	sort.Strings(matches)
	return ParseFiles(matches...)
}

// ---------------------------------------------------------------------------
// Parser
// ---------------------------------------------------------------------------

type parser struct {
	prog *Program
	name string
	line int

	cls  *Class
	meth *Method

	labels  map[string]int
	jumps   []jumpFixup
	guarded []handlerFixup
}

type jumpFixup struct {
	index int
	label string
	line  int
}

type handlerFixup struct {
	from, to, target string
	typ              TypeName
	line             int
}

func parseInto(prog *Program, r io.Reader, name string) error {
	p := &parser{prog: prog, name: name}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		p.line++
		if err := p.parseLine(sc.Text()); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("program: %s: %w", name, err)
	}
	if p.meth != nil {
		return p.errorf("method %s not closed", p.meth.Name)
	}
	if p.cls != nil {
		return p.errorf("class %s not closed", p.cls.Name)
	}
	return nil
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("program: %s:%d: %s", p.name, p.line, fmt.Sprintf(format, args...))
}

func (p *parser) parseLine(raw string) error {
	line := stripComment(raw)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	if p.meth != nil {
		return p.parseBody(line, fields)
	}
	if p.cls != nil {
		return p.parseMember(fields)
	}
	return p.parseTopLevel(fields)
}

func (p *parser) parseTopLevel(fields []string) error {
	switch fields[0] {
	case "class", "interface":
		c := &Class{IsInterface: fields[0] == "interface"}
		if len(fields) < 2 {
			return p.errorf("%s needs a name", fields[0])
		}
		c.Name = TypeName(fields[1])
		rest := fields[2:]
		for len(rest) > 0 {
			switch rest[0] {
			case "extends":
				if c.IsInterface || len(rest) < 2 {
					return p.errorf("bad extends clause")
				}
				c.Super = TypeName(rest[1])
				rest = rest[2:]
			case "implements":
				if len(rest) < 2 {
					return p.errorf("bad implements clause")
				}
				for _, n := range rest[1:] {
					c.Interfaces = append(c.Interfaces, TypeName(n))
				}
				rest = nil
			default:
				return p.errorf("unexpected %q in class header", rest[0])
			}
		}
		p.cls = c
		return nil
	default:
		return p.errorf("expected class or interface, got %q", fields[0])
	}
}

func (p *parser) parseMember(fields []string) error {
	switch fields[0] {
	case "end":
		if p.prog.Class(p.cls.Name) != nil {
			return p.errorf("duplicate class %s", p.cls.Name)
		}
		p.prog.Add(p.cls)
		p.cls = nil
		return nil
	case "field":
		if p.cls.IsInterface {
			return p.errorf("interface %s cannot declare fields", p.cls.Name)
		}
		if len(fields) != 3 {
			return p.errorf("field needs a name and a kind")
		}
		k, ok := KindOf(fields[2])
		if !ok {
			return p.errorf("unknown field kind %q", fields[2])
		}
		p.cls.Fields = append(p.cls.Fields, Field{Name: fields[1], Kind: k})
		return nil
	case "method":
		return p.parseMethodHeader(fields[1:])
	default:
		return p.errorf("unexpected %q in class body", fields[0])
	}
}

func (p *parser) parseMethodHeader(fields []string) error {
	if len(fields) < 2 {
		return p.errorf("method needs a name and a descriptor")
	}
	sig, err := ParseDescriptor(fields[1])
	if err != nil {
		return p.errorf("bad descriptor %q", fields[1])
	}
	m := &Method{Name: fields[0], Sig: sig}

	rest := fields[2:]
	for len(rest) > 0 {
		switch rest[0] {
		case "static":
			m.Static = true
			rest = rest[1:]
		case "abstract":
			m.Abstract = true
			rest = rest[1:]
		case "native":
			if len(rest) < 2 {
				return p.errorf("native needs an operation name")
			}
			m.Native = rest[1]
			rest = rest[2:]
		case "locals":
			if len(rest) < 2 {
				return p.errorf("locals needs a count")
			}
			n, err := strconv.Atoi(rest[1])
			if err != nil || n < 0 {
				return p.errorf("bad locals count %q", rest[1])
			}
			m.Locals = n
			rest = rest[2:]
		default:
			return p.errorf("unexpected %q in method header", rest[0])
		}
	}

	if p.cls.IsInterface {
		m.Abstract = true
	}
	if m.Abstract || m.Native != "" {
		// Declaration only; no body block follows.
		p.cls.Methods = append(p.cls.Methods, m)
		return nil
	}
	p.meth = m
	p.labels = map[string]int{}
	p.jumps = nil
	p.guarded = nil
	return nil
}

func (p *parser) parseBody(line string, fields []string) error {
	if len(fields) == 1 && strings.HasSuffix(fields[0], ":") {
		label := strings.TrimSuffix(fields[0], ":")
		if label == "" {
			return p.errorf("empty label")
		}
		if _, dup := p.labels[label]; dup {
			return p.errorf("duplicate label %q", label)
		}
		p.labels[label] = len(p.meth.Body)
		return nil
	}

	switch fields[0] {
	case "end":
		return p.finishMethod()
	case "handler":
		if len(fields) != 5 {
			return p.errorf("handler needs FROM TO TYPE TARGET")
		}
		p.guarded = append(p.guarded, handlerFixup{
			from: fields[1], to: fields[2], typ: TypeName(fields[3]), target: fields[4], line: p.line,
		})
		return nil
	}
	return p.parseInstr(line, fields)
}

func (p *parser) parseInstr(line string, fields []string) error {
	var in Instr
	switch fields[0] {
	case "nop":
		in.Op = OpNop
	case "pop":
		in.Op = OpPop
	case "dup":
		in.Op = OpDup
	case "true":
		in.Op = OpConstTrue
	case "false":
		in.Op = OpConstFalse
	case "null":
		in.Op = OpConstNull
	case "add", "sub", "mul", "div", "rem", "neg", "eq", "ne", "lt", "le", "gt", "ge", "not", "ret", "throw":
		in.Op = mnemonicOp(fields[0])
	case "load", "store":
		if len(fields) != 2 {
			return p.errorf("%s needs a slot", fields[0])
		}
		slot, err := strconv.Atoi(fields[1])
		if err != nil || slot < 0 {
			return p.errorf("bad slot %q", fields[1])
		}
		in.Op, in.Slot = mnemonicOp(fields[0]), slot
	case "int":
		if len(fields) != 2 {
			return p.errorf("int needs a value")
		}
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return p.errorf("bad integer %q", fields[1])
		}
		in.Op, in.Int = OpConstInt, v
	case "str":
		rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "str"))
		s, err := strconv.Unquote(rest)
		if err != nil {
			return p.errorf("bad string literal %s", rest)
		}
		in.Op, in.Str = OpConstStr, s
	case "jump", "iffalse":
		if len(fields) != 2 {
			return p.errorf("%s needs a label", fields[0])
		}
		in.Op = mnemonicOp(fields[0])
		p.jumps = append(p.jumps, jumpFixup{index: len(p.meth.Body), label: fields[1], line: p.line})
	case "call", "virtual":
		if len(fields) != 3 {
			return p.errorf("%s needs TYPE.NAME and a descriptor", fields[0])
		}
		ref, err := p.splitMethodRef(fields[1], fields[2])
		if err != nil {
			return err
		}
		in.Op, in.Method = mnemonicOp(fields[0]), ref
	case "new":
		if len(fields) != 2 {
			return p.errorf("new needs a class name")
		}
		in.Op, in.Type = OpNew, TypeName(fields[1])
	case "getfield", "putfield":
		if len(fields) != 2 {
			return p.errorf("%s needs TYPE.NAME", fields[0])
		}
		i := strings.LastIndex(fields[1], ".")
		if i <= 0 || i == len(fields[1])-1 {
			return p.errorf("bad field reference %q", fields[1])
		}
		in.Op = mnemonicOp(fields[0])
		in.Field = FieldRef{Type: TypeName(fields[1][:i]), Name: fields[1][i+1:]}
	default:
		return p.errorf("unknown instruction %q", fields[0])
	}
	p.meth.Body = append(p.meth.Body, in)
	return nil
}

func (p *parser) splitMethodRef(ref, desc string) (MethodRef, error) {
	i := strings.LastIndex(ref, ".")
	if i <= 0 || i == len(ref)-1 {
		return MethodRef{}, p.errorf("bad method reference %q", ref)
	}
	if _, err := ParseDescriptor(desc); err != nil {
		return MethodRef{}, p.errorf("bad descriptor %q", desc)
	}
	return MethodRef{Type: TypeName(ref[:i]), Name: ref[i+1:], Desc: desc}, nil
}

func (p *parser) finishMethod() error {
	m := p.meth
	for _, j := range p.jumps {
		target, ok := p.labels[j.label]
		if !ok {
			return fmt.Errorf("program: %s:%d: undefined label %q", p.name, j.line, j.label)
		}
		m.Body[j.index].Target = target
	}
	for _, h := range p.guarded {
		from, ok1 := p.labels[h.from]
		to, ok2 := p.labels[h.to]
		target, ok3 := p.labels[h.target]
		if !ok1 || !ok2 || !ok3 {
			return fmt.Errorf("program: %s:%d: handler uses undefined label", p.name, h.line)
		}
		m.Handlers = append(m.Handlers, Handler{From: from, To: to, Type: h.typ, Target: target})
	}
	p.cls.Methods = append(p.cls.Methods, m)
	p.meth = nil
	return nil
}

func mnemonicOp(s string) Op {
	for op, name := range opNames {
		if name == s {
			return Op(op)
		}
	}
	return OpNop
}

// stripComment removes a trailing "#" comment, honoring quoted strings.
func stripComment(s string) string {
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if inQuote {
				i++
			}
		case '"':
			inQuote = !inQuote
		case '#':
			if !inQuote {
				return s[:i]
			}
		}
	}
	return s
}
