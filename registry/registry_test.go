package registry

import (
	"strings"
	"testing"

	"github.com/motelab/mote/program"
)

const sampleTable = `
version = 1

[[replace-class]]
type = "lang.FileStream"
with = "mote.NullStream"

[[replace-method]]
type = "lang.Math"
method = "pow"
desc = "(II)I"
with-type = "mote.Math"
with-method = "powLoop"

[[unsupported]]
type = "lang.Thread"
reason = "no scheduler on device"

[[unsupported]]
type = "lang.Socket"
method = "connect"
desc = "(R)Z"
reason = "no network stack"
`

func TestParse_Sample(t *testing.T) {
	r, err := Parse([]byte(sampleTable))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if r.Version != 1 {
		t.Errorf("Version: got %d, want 1", r.Version)
	}
	if r.Entries() != 4 {
		t.Errorf("Entries: got %d, want 4", r.Entries())
	}
}

func TestResolve_Precedence(t *testing.T) {
	r, err := Parse([]byte(sampleTable))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	// Whole-class replacement covers every member, even ones the table
	// never names.
	a := r.Resolve(program.MethodRef{Type: "lang.FileStream", Name: "close", Desc: "()V"})
	if a.Kind != ReplaceClass || a.With != "mote.NullStream" {
		t.Errorf("FileStream.close: got %+v", a)
	}

	// Per-method replacement hits only the exact triple.
	a = r.Resolve(program.MethodRef{Type: "lang.Math", Name: "pow", Desc: "(II)I"})
	if a.Kind != ReplaceMethod {
		t.Fatalf("Math.pow: got %v", a.Kind)
	}
	if a.Method.Type != "mote.Math" || a.Method.Name != "powLoop" || a.Method.Desc != "(II)I" {
		t.Errorf("Math.pow substitute: got %v", a.Method)
	}

	// Sibling member of a method-replaced class stays eligible.
	a = r.Resolve(program.MethodRef{Type: "lang.Math", Name: "abs", Desc: "(I)I"})
	if a.Kind != Keep {
		t.Errorf("Math.abs: got %v, want Keep", a.Kind)
	}

	// Unsupported class condemns all members.
	a = r.Resolve(program.MethodRef{Type: "lang.Thread", Name: "start", Desc: "()V"})
	if a.Kind != Unsupported || !strings.Contains(a.Reason, "scheduler") {
		t.Errorf("Thread.start: got %+v", a)
	}

	// Unsupported method names one triple only.
	a = r.Resolve(program.MethodRef{Type: "lang.Socket", Name: "connect", Desc: "(R)Z"})
	if a.Kind != Unsupported {
		t.Errorf("Socket.connect: got %v", a.Kind)
	}
	a = r.Resolve(program.MethodRef{Type: "lang.Socket", Name: "close", Desc: "()V"})
	if a.Kind != Keep {
		t.Errorf("Socket.close: got %v, want Keep", a.Kind)
	}
}

func TestResolveClass(t *testing.T) {
	r, err := Parse([]byte(sampleTable))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	a := r.ResolveClass("lang.FileStream")
	if a.Kind != ReplaceClass || a.With != "mote.NullStream" {
		t.Errorf("FileStream: got %+v", a)
	}
	if a := r.ResolveClass("lang.Thread"); a.Kind != Unsupported {
		t.Errorf("Thread: got %v", a.Kind)
	}
	// Method entries never affect type references.
	if a := r.ResolveClass("lang.Math"); a.Kind != Keep {
		t.Errorf("Math: got %v, want Keep", a.Kind)
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"missing version", "[[replace-class]]\ntype = \"A\"\nwith = \"B\"\n", "invalid table"},
		{"unknown field", "version = 1\nbogus = true\n", "invalid table"},
		{"empty type", "version = 1\n[[replace-class]]\ntype = \"\"\nwith = \"B\"\n", "invalid table"},
		{"missing reason", "version = 1\n[[unsupported]]\ntype = \"A\"\n", "invalid table"},
		{"self replace", "version = 1\n[[replace-class]]\ntype = \"A\"\nwith = \"A\"\n", "replaced with itself"},
		{
			"duplicate class entry",
			"version = 1\n[[replace-class]]\ntype = \"A\"\nwith = \"B\"\n[[replace-class]]\ntype = \"A\"\nwith = \"C\"\n",
			"duplicate class entry",
		},
		{
			"class and method entries",
			"version = 1\n[[replace-class]]\ntype = \"A\"\nwith = \"B\"\n" +
				"[[replace-method]]\ntype = \"A\"\nmethod = \"m\"\ndesc = \"()V\"\nwith-type = \"B\"\nwith-method = \"m\"\n",
			"both class and method entries",
		},
		{
			"desc without method",
			"version = 1\n[[unsupported]]\ntype = \"A\"\ndesc = \"()V\"\nreason = \"x\"\n",
			"desc without method",
		},
		{
			"unsupported method without desc",
			"version = 1\n[[unsupported]]\ntype = \"A\"\nmethod = \"m\"\nreason = \"x\"\n",
			"needs desc",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestEmpty_KeepsEverything(t *testing.T) {
	r := Empty()
	if a := r.Resolve(program.MethodRef{Type: "X", Name: "m", Desc: "()V"}); a.Kind != Keep {
		t.Errorf("got %v, want Keep", a.Kind)
	}
	if a := r.ResolveClass("X"); a.Kind != Keep {
		t.Errorf("got %v, want Keep", a.Kind)
	}
}
