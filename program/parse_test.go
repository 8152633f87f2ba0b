package program

import (
	"strings"
	"testing"
)

const counterSrc = `
# A counter that can tick.
interface Ticker
  method tick ()V
end

class Object
end

class Counter extends Object implements Ticker
  field count int

  method tick ()V
    load 0
    load 0
    getfield Counter.count
    int 1
    add
    putfield Counter.count
    ret
  end

  method get ()I
    load 0
    getfield Counter.count
    ret
  end
end

class Main
  method main ()V static locals 1
    new Counter
    store 0
    load 0
    virtual Counter.tick ()V
    ret
  end
end
`

func TestParse_Counter(t *testing.T) {
	p, err := ParseString(counterSrc)
	if err != nil {
		t.Fatalf("ParseString: %v", err)
	}

	if got := len(p.Names()); got != 4 {
		t.Fatalf("classes: got %d, want 4", got)
	}

	ticker := p.Class("Ticker")
	if ticker == nil || !ticker.IsInterface {
		t.Fatal("Ticker should be an interface")
	}
	if len(ticker.Methods) != 1 || !ticker.Methods[0].Abstract {
		t.Error("interface methods should parse as abstract")
	}

	c := p.Class("Counter")
	if c == nil {
		t.Fatal("Counter missing")
	}
	if c.Super != "Object" {
		t.Errorf("Super: got %q, want Object", c.Super)
	}
	if len(c.Interfaces) != 1 || c.Interfaces[0] != "Ticker" {
		t.Errorf("Interfaces: got %v", c.Interfaces)
	}
	if f := c.Field("count"); f == nil || f.Kind != KindInt {
		t.Error("field count int missing")
	}

	tick := c.Method("tick", "()V")
	if tick == nil {
		t.Fatal("tick missing")
	}
	if len(tick.Body) != 7 {
		t.Errorf("tick body: got %d instructions, want 7", len(tick.Body))
	}
	if tick.Body[2].Op != OpGetField || tick.Body[2].Field.Name != "count" {
		t.Errorf("instruction 2: got %s", tick.Body[2])
	}

	main := p.Class("Main").Method("main", "()V")
	if main == nil {
		t.Fatal("main missing")
	}
	if !main.Static {
		t.Error("main should be static")
	}
	if main.Locals != 1 {
		t.Errorf("main locals: got %d, want 1", main.Locals)
	}
	if main.Body[3].Op != OpCallVirtual || main.Body[3].Method.Selector().String() != "tick()V" {
		t.Errorf("instruction 3: got %s", main.Body[3])
	}
}

func TestParse_LabelsAndHandlers(t *testing.T) {
	src := `
class Fault
end
class T
  method run (I)I locals 1
    try:
      load 0
      iffalse fail
      load 0
      ret
    fail:
      new Fault
      throw
    done:
    catch:
      int -1
      ret
    handler try done Fault catch
  end
end
`
	p, err := ParseString(src)
	if err != nil {
		t.Fatalf("ParseString: %v", err)
	}
	m := p.Class("T").Method("run", "(I)I")
	if m == nil {
		t.Fatal("run missing")
	}

	if m.Body[1].Op != OpJumpIfFalse || m.Body[1].Target != 4 {
		t.Errorf("iffalse: got %s, want target 4", m.Body[1])
	}
	if len(m.Handlers) != 1 {
		t.Fatalf("handlers: got %d, want 1", len(m.Handlers))
	}
	h := m.Handlers[0]
	if h.From != 0 || h.To != 6 || h.Type != "Fault" || h.Target != 6 {
		t.Errorf("handler: got %+v", h)
	}
}

func TestParse_StringLiterals(t *testing.T) {
	src := `
class T
  method s ()R
    str "hello # not a comment"
    ret
  end
end
`
	p, err := ParseString(src)
	if err != nil {
		t.Fatalf("ParseString: %v", err)
	}
	in := p.Class("T").Method("s", "()R").Body[0]
	if in.Op != OpConstStr || in.Str != "hello # not a comment" {
		t.Errorf("got %s", in)
	}
}

func TestParse_NativeAndAbstract(t *testing.T) {
	src := `
class Dev
  method read ()I native gpio.read
  method area ()I abstract
end
`
	p, err := ParseString(src)
	if err != nil {
		t.Fatalf("ParseString: %v", err)
	}
	c := p.Class("Dev")
	if m := c.Method("read", "()I"); m == nil || m.Native != "gpio.read" {
		t.Error("native declaration lost")
	}
	if m := c.Method("area", "()I"); m == nil || !m.Abstract {
		t.Error("abstract declaration lost")
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown instruction", "class T\n method m ()V\n  frobnicate\n end\nend", "unknown instruction"},
		{"undefined label", "class T\n method m ()V\n  jump nowhere\n  ret\n end\nend", "undefined label"},
		{"unclosed class", "class T", "not closed"},
		{"unclosed method", "class T\n method m ()V\n  ret", "not closed"},
		{"bad descriptor", "class T\n method m (Q)V\n  ret\n end\nend", "descriptor"},
		{"interface field", "interface I\n field x int\nend", "cannot declare fields"},
		{"duplicate label", "class T\n method m ()V\n  a:\n  a:\n  ret\n end\nend", "duplicate label"},
		{"unknown super", "class T extends Missing\nend", "unknown class"},
		{"duplicate class", "class T\nend\nclass T\nend", "duplicate class"},
		{"empty body", "class T\n method m ()V\n end\nend", "no body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseString(tt.src)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
