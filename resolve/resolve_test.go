package resolve

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/motelab/mote/program"
	"github.com/motelab/mote/registry"
)

func mustProgram(t *testing.T, src string) *program.Program {
	t.Helper()
	p, err := program.ParseString(src)
	if err != nil {
		t.Fatalf("ParseString: %v", err)
	}
	return p
}

func mustRegistry(t *testing.T, src string) *registry.Registry {
	t.Helper()
	r, err := registry.Parse([]byte(src))
	if err != nil {
		t.Fatalf("registry.Parse: %v", err)
	}
	return r
}

func entry(name string) []program.MethodRef {
	return []program.MethodRef{{Type: "Main", Name: name, Desc: "()V"}}
}

const greeterSrc = `
interface Greeter
  method greet ()I
end
class Object
end
class English extends Object implements Greeter
  method greet ()I
    int 1
    ret
  end
end
class French extends Object implements Greeter
  method greet ()I
    int 2
    ret
  end
end
class Unused
  method never ()V
    ret
  end
end
class Main
  method main ()V static locals 1
    new English
    store 0
    load 0
    virtual Greeter.greet ()I
    pop
    ret
  end
  method twoLangs ()V static locals 1
    new English
    store 0
    load 0
    virtual Greeter.greet ()I
    pop
    call Main.second ()V
    ret
  end
  method second ()V static locals 1
    new French
    store 0
    load 0
    virtual Greeter.greet ()I
    pop
    ret
  end
end
`

func TestResolve_MinimalClosure(t *testing.T) {
	p := mustProgram(t, greeterSrc)
	c, err := Resolve(p, registry.Empty(), entry("main"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if !c.HasMethod(program.MethodRef{Type: "English", Name: "greet", Desc: "()I"}) {
		t.Error("English.greet should be reachable")
	}
	if c.HasMethod(program.MethodRef{Type: "French", Name: "greet", Desc: "()I"}) {
		t.Error("French.greet should not be reachable: French is never instantiated")
	}
	if c.HasClass("French") || c.HasClass("Unused") {
		t.Error("uninstantiated classes leaked into the closure")
	}
	if c.HasMethod(program.MethodRef{Type: "Unused", Name: "never", Desc: "()V"}) {
		t.Error("Unused.never should not be reachable")
	}
	for _, want := range []program.TypeName{"Main", "English", "Object", "Greeter"} {
		if !c.HasClass(want) {
			t.Errorf("class %s missing from closure", want)
		}
	}
}

func TestResolve_LateCandidateExpansion(t *testing.T) {
	p := mustProgram(t, greeterSrc)
	c, err := Resolve(p, registry.Empty(), entry("twoLangs"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// French joins the closure only after the virtual site was recorded;
	// the site must still gain the candidate.
	if !c.HasMethod(program.MethodRef{Type: "French", Name: "greet", Desc: "()I"}) {
		t.Error("French.greet should join via late candidate expansion")
	}
	if !c.HasMethod(program.MethodRef{Type: "English", Name: "greet", Desc: "()I"}) {
		t.Error("English.greet should be reachable")
	}
}

func TestResolve_Deterministic(t *testing.T) {
	p := mustProgram(t, greeterSrc)

	a, err := Resolve(p, registry.Empty(), entry("twoLangs"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	b, err := Resolve(p, registry.Empty(), entry("twoLangs"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !reflect.DeepEqual(a.Classes, b.Classes) {
		t.Errorf("class order differs:\n%v\n%v", a.Classes, b.Classes)
	}
	if !reflect.DeepEqual(a.Methods, b.Methods) {
		t.Errorf("method order differs:\n%v\n%v", a.Methods, b.Methods)
	}
}

const streamSrc = `
class Object
end
class FileStream extends Object
  field fd int
  method read ()I
    int 7
    ret
  end
end
class NullStream extends Object
  method read ()I
    int 0
    ret
  end
end
class SubStream extends FileStream
end
class Math
  method pow (II)I static
    load 0
    load 1
    mul
    ret
  end
  method abs (I)I static
    load 0
    ret
  end
end
class FastMath
  method powLoop (II)I static
    load 0
    load 1
    mul
    ret
  end
end
class Main
  method main ()V static locals 1
    new FileStream
    store 0
    load 0
    virtual FileStream.read ()I
    pop
    ret
  end
  method doMath ()V static
    int 2
    int 8
    call Math.pow (II)I
    pop
    int -4
    call Math.abs (I)I
    pop
    ret
  end
  method makeSub ()V static
    new SubStream
    pop
    ret
  end
end
`

func TestResolve_ClassReplacement(t *testing.T) {
	p := mustProgram(t, streamSrc)
	reg := mustRegistry(t, `
version = 1
[[replace-class]]
type = "FileStream"
with = "NullStream"
`)
	c, err := Resolve(p, reg, entry("main"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if c.HasClass("FileStream") {
		t.Error("replaced class leaked into the closure")
	}
	if !c.HasClass("NullStream") {
		t.Error("substitute class missing from closure")
	}
	if c.HasMethod(program.MethodRef{Type: "FileStream", Name: "read", Desc: "()I"}) {
		t.Error("replaced method body leaked into the closure")
	}
	if !c.HasMethod(program.MethodRef{Type: "NullStream", Name: "read", Desc: "()I"}) {
		t.Error("substitute method missing from closure")
	}
}

func TestResolve_MethodReplacement(t *testing.T) {
	p := mustProgram(t, streamSrc)
	reg := mustRegistry(t, `
version = 1
[[replace-method]]
type = "Math"
method = "pow"
desc = "(II)I"
with-type = "FastMath"
with-method = "powLoop"
`)
	c, err := Resolve(p, reg, []program.MethodRef{{Type: "Main", Name: "doMath", Desc: "()V"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if c.HasMethod(program.MethodRef{Type: "Math", Name: "pow", Desc: "(II)I"}) {
		t.Error("replaced method leaked into the closure")
	}
	if !c.HasMethod(program.MethodRef{Type: "FastMath", Name: "powLoop", Desc: "(II)I"}) {
		t.Error("substitute method missing")
	}
	// Sibling members of a method-replaced class stay eligible.
	if !c.HasMethod(program.MethodRef{Type: "Math", Name: "abs", Desc: "(I)I"}) {
		t.Error("sibling method should remain reachable")
	}
}

func TestResolve_InheritingFromReplacedClass(t *testing.T) {
	p := mustProgram(t, streamSrc)
	reg := mustRegistry(t, `
version = 1
[[replace-class]]
type = "FileStream"
with = "NullStream"
`)
	_, err := Resolve(p, reg, []program.MethodRef{{Type: "Main", Name: "makeSub", Desc: "()V"}})
	if err == nil {
		t.Fatal("expected error: SubStream extends a replaced class")
	}
	if !strings.Contains(err.Error(), "inherits from") {
		t.Errorf("error %q should mention the torn hierarchy", err)
	}
}

const threadSrc = `
class Object
end
class Thread
  method start ()V
    ret
  end
end
class Gpio
  method read ()I native gpio.read
end
class Util
  method spawn ()V static locals 1
    new Thread
    store 0
    load 0
    virtual Thread.start ()V
    ret
  end
  method sense ()I static locals 1
    new Gpio
    store 0
    load 0
    virtual Gpio.read ()I
    ret
  end
end
class Main
  method main ()V static
    call Util.spawn ()V
    ret
  end
  method readPin ()V static
    call Util.sense ()I
    pop
    ret
  end
end
`

func TestResolve_UnsupportedWithChain(t *testing.T) {
	p := mustProgram(t, threadSrc)
	reg := mustRegistry(t, `
version = 1
[[unsupported]]
type = "Thread"
reason = "no scheduler on device"
`)
	_, err := Resolve(p, reg, entry("main"))
	if err == nil {
		t.Fatal("expected unsupported error")
	}
	var re *ReachError
	if !errors.As(err, &re) {
		t.Fatalf("expected ReachError, got %T: %v", err, err)
	}
	if !strings.Contains(re.Reason, "no scheduler") {
		t.Errorf("reason %q should carry the registry text", re.Reason)
	}
	// Chain runs from the entry point to the method containing the edge.
	want := []string{"Main.main()V", "Util.spawn()V"}
	if len(re.Chain) != len(want) {
		t.Fatalf("chain: got %v, want %v", re.Chain, want)
	}
	for i, w := range want {
		if re.Chain[i].String() != w {
			t.Errorf("chain[%d]: got %s, want %s", i, re.Chain[i], w)
		}
	}
}

func TestResolve_UnsupportedNativeIsServed(t *testing.T) {
	p := mustProgram(t, threadSrc)
	reg := mustRegistry(t, `
version = 1
[[unsupported]]
type = "Gpio"
reason = "no direct port access"
`)
	c, err := Resolve(p, reg, []program.MethodRef{{Type: "Main", Name: "readPin", Desc: "()V"}})
	if err != nil {
		t.Fatalf("Resolve: %v (bridged methods should survive an unsupported verdict)", err)
	}
	if !c.HasMethod(program.MethodRef{Type: "Gpio", Name: "read", Desc: "()I"}) {
		t.Error("bridged method missing from closure")
	}
}

func TestResolve_EntryValidation(t *testing.T) {
	p := mustProgram(t, greeterSrc)

	if _, err := Resolve(p, registry.Empty(), nil); err == nil {
		t.Error("expected error for zero entry points")
	}

	_, err := Resolve(p, registry.Empty(), []program.MethodRef{{Type: "English", Name: "greet", Desc: "()I"}})
	if err == nil || !strings.Contains(err.Error(), "static") {
		t.Errorf("non-static entry should be rejected, got %v", err)
	}

	_, err = Resolve(p, registry.Empty(), []program.MethodRef{{Type: "Main", Name: "nope", Desc: "()V"}})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("unknown entry should be rejected, got %v", err)
	}
}

func TestResolve_HandlerTypesEnterClosure(t *testing.T) {
	src := `
class Fault
end
class Main
  method main ()V static
    try:
    int 1
    pop
    done:
    ret
    catch:
    pop
    ret
    handler try done Fault catch
  end
end
`
	p := mustProgram(t, src)
	c, err := Resolve(p, registry.Empty(), entry("main"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !c.HasClass("Fault") {
		t.Error("handler catch type missing from closure")
	}
}
