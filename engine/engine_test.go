package engine

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/motelab/mote/image"
	"github.com/motelab/mote/program"
)

func TestMachine_StateLifecycle(t *testing.T) {
	m := New(Config{}, nil)
	if m.State() != StateIdle {
		t.Fatalf("fresh machine state = %s, want idle", m.State())
	}
	if err := m.Start(); err == nil {
		t.Fatal("Start on an idle machine succeeded")
	}

	img := buildImage(t, sumSrc, nil, entryI)
	if err := m.LoadImage(img); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
	if m.State() != StateLoaded {
		t.Fatalf("state after load = %s, want loaded", m.State())
	}
	if _, err := m.Run(); err == nil {
		t.Fatal("Run before Start succeeded")
	}

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.State() != StateRunning {
		t.Fatalf("state after start = %s, want running", m.State())
	}
	v, err := m.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.State() != StateCompleted || v.Int != 55 {
		t.Fatalf("run ended state=%s value=%s, want completed 55", m.State(), v)
	}

	// Completed machines restart the same image without re-uploading.
	if err := m.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if v, err := m.Run(); err != nil || v.Int != 55 {
		t.Fatalf("rerun = %s, %v; want 55", v, err)
	}

	m.Reset()
	if m.State() != StateLoaded {
		t.Fatalf("state after reset = %s, want loaded", m.State())
	}
	if m.Result() != (Value{}) {
		t.Errorf("Result survives reset: %s", m.Result())
	}

	m.BeginImage()
	if m.State() != StateIdle {
		t.Fatalf("state after BeginImage = %s, want idle", m.State())
	}
}

func TestMachine_ResetAfterFaultKeepsImage(t *testing.T) {
	img := buildImage(t, `
class Main
  method main ()I static
    int 1
    int 0
    div
    ret
  end
end
`, nil, entryI)
	m := newLoaded(t, img, Config{}, nil)
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := m.Run(); err == nil {
		t.Fatal("Run succeeded, want fault")
	}
	if m.State() != StateFaulted || m.Fault() == nil {
		t.Fatalf("state=%s fault=%v, want faulted with a fault", m.State(), m.Fault())
	}

	m.Reset()
	if m.State() != StateLoaded {
		t.Fatalf("state after reset = %s, want loaded (image retained)", m.State())
	}
	if m.Fault() != nil {
		t.Errorf("fault survives reset: %v", m.Fault())
	}
}

func TestMachine_ReplacementDiscardsRuntime(t *testing.T) {
	first := buildImage(t, dispatchSrc, nil, entryI)
	m, _ := mustRun(t, first, Config{}, nil)
	if m.ArenaLive() == 0 {
		t.Fatal("first run allocated nothing; fixture broken")
	}

	second := buildImage(t, sumSrc, nil, entryI)
	if err := m.LoadImage(second); err != nil {
		t.Fatalf("LoadImage replacement: %v", err)
	}
	if m.State() != StateLoaded {
		t.Fatalf("state after replacement = %s, want loaded", m.State())
	}
	if m.ArenaLive() != 0 {
		t.Errorf("replacement kept %d arena objects", m.ArenaLive())
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if v, err := m.Run(); err != nil || v.Int != 55 {
		t.Fatalf("replacement run = %s, %v; want 55", v, err)
	}
}

// ---------------------------------------------------------------------------
// Pause, resume, abort
// ---------------------------------------------------------------------------

const tickSrc = `
class Main
  method main ()V static
  loop:
    call Main.tick ()V
    jump loop
  end
  method tick ()V static native tick.tick
end
`

var tickSpec = image.BridgeSpec{
	"tick.tick": {Return: program.KindVoid},
}

func tickMachine(t *testing.T) (*Machine, chan struct{}) {
	t.Helper()
	img := buildImage(t, tickSrc, tickSpec, entryV)
	ticks := make(chan struct{}, 64)
	bridge := NewTableBridge()
	bridge.Register("tick.tick", func([]Value) (Value, error) {
		select {
		case ticks <- struct{}{}:
		default:
		}
		return Value{}, nil
	})
	return newLoaded(t, img, Config{}, bridge), ticks
}

func TestMachine_PauseParksAtCallBoundary(t *testing.T) {
	m, ticks := tickMachine(t)
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.Pause()

	errc := make(chan error, 1)
	go func() {
		_, err := m.Run()
		errc <- err
	}()

	// The first call checkpoint parks before the bridge fires.
	select {
	case <-ticks:
		t.Fatal("bridge ticked while paused")
	case <-time.After(100 * time.Millisecond):
	}
	if m.State() != StateRunning {
		t.Fatalf("paused state = %s, want running", m.State())
	}

	// Declarations cannot race a run, paused or not.
	if err := m.DeclareConstant(image.TokenBase, image.Constant{Kind: image.ConstInt, Int: 1}); err == nil {
		t.Error("DeclareConstant while running succeeded")
	}

	m.Resume()
	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("no tick after resume")
	}

	m.Abort()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrAborted) {
			t.Fatalf("Run returned %v, want ErrAborted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after abort")
	}
	if m.State() != StateLoaded {
		t.Errorf("state after abort = %s, want loaded", m.State())
	}
	if m.Fault() != nil {
		t.Errorf("abort left a fault: %v", m.Fault())
	}
}

func TestMachine_AbortStopsFreeRunning(t *testing.T) {
	m, ticks := tickMachine(t)
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	errc := make(chan error, 1)
	go func() {
		_, err := m.Run()
		errc <- err
	}()

	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("run never reached the bridge")
	}
	m.Abort()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrAborted) {
			t.Fatalf("Run returned %v, want ErrAborted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after abort")
	}
	if m.State() != StateLoaded {
		t.Errorf("state after abort = %s, want loaded", m.State())
	}
}

// ---------------------------------------------------------------------------
// Start-time verification
// ---------------------------------------------------------------------------

func declareOK(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
}

// minimal declares one class and one runnable entry method.
func minimal(t *testing.T, m *Machine) {
	t.Helper()
	declareOK(t, m.DeclareClass(&image.ClassDesc{Token: image.TokenBase}))
	declareOK(t, m.DeclareMethod(&image.MethodDesc{
		Token:  image.TokenBase,
		Class:  image.TokenBase,
		Static: true,
		Return: program.KindVoid,
		Code:   []byte{byte(image.OpReturnVoid)},
	}))
	declareOK(t, m.SetEntry(image.TokenBase))
}

func TestStart_VerifiesDeclarations(t *testing.T) {
	tests := []struct {
		name  string
		build func(t *testing.T, m *Machine)
		want  string
	}{
		{
			"baseline is runnable",
			func(t *testing.T, m *Machine) { minimal(t, m) },
			"",
		},
		{
			"no entry point",
			func(t *testing.T, m *Machine) {
				declareOK(t, m.DeclareClass(&image.ClassDesc{Token: image.TokenBase}))
				declareOK(t, m.DeclareMethod(&image.MethodDesc{
					Token: image.TokenBase, Class: image.TokenBase, Static: true,
					Return: program.KindVoid, Code: []byte{byte(image.OpReturnVoid)},
				}))
			},
			"no entry point",
		},
		{
			"method token gap",
			func(t *testing.T, m *Machine) {
				minimal(t, m)
				declareOK(t, m.DeclareMethod(&image.MethodDesc{
					Token: image.TokenBase + 2, Class: image.TokenBase, Static: true,
					Return: program.KindVoid, Code: []byte{byte(image.OpReturnVoid)},
				}))
			},
			"never declared",
		},
		{
			"entry not a method",
			func(t *testing.T, m *Machine) {
				minimal(t, m)
				declareOK(t, m.SetEntry(image.TokenBase+9))
			},
			"does not name a method",
		},
		{
			"entry takes parameters",
			func(t *testing.T, m *Machine) {
				minimal(t, m)
				declareOK(t, m.DeclareMethod(&image.MethodDesc{
					Token: image.TokenBase, Class: image.TokenBase, Static: true, Args: 1,
					Return: program.KindVoid, Code: []byte{byte(image.OpReturnVoid)},
				}))
				declareOK(t, m.SetEntry(image.TokenBase))
			},
			"static with no parameters",
		},
		{
			"native entry",
			func(t *testing.T, m *Machine) {
				minimal(t, m)
				declareOK(t, m.DeclareMethod(&image.MethodDesc{
					Token: image.TokenBase, Class: image.TokenBase, Static: true,
					Return: program.KindVoid, NativeOp: "boot.run",
				}))
				declareOK(t, m.SetEntry(image.TokenBase))
			},
			"native-bound",
		},
		{
			"dispatch names missing method",
			func(t *testing.T, m *Machine) {
				minimal(t, m)
				declareOK(t, m.DeclareClass(&image.ClassDesc{
					Token:    image.TokenBase,
					Dispatch: []image.Token{image.TokenBase + 7},
				}))
			},
			"dispatch slot 0 names missing method",
		},
		{
			"super cycle",
			func(t *testing.T, m *Machine) {
				minimal(t, m)
				declareOK(t, m.DeclareClass(&image.ClassDesc{Token: image.TokenBase, Super: image.TokenBase + 1}))
				declareOK(t, m.DeclareClass(&image.ClassDesc{Token: image.TokenBase + 1, Super: image.TokenBase}))
			},
			"does not terminate",
		},
		{
			"undefined opcode",
			func(t *testing.T, m *Machine) {
				minimal(t, m)
				declareOK(t, m.DeclareMethod(&image.MethodDesc{
					Token: image.TokenBase, Class: image.TokenBase, Static: true,
					Return: program.KindVoid, Code: []byte{0xEE},
				}))
				declareOK(t, m.SetEntry(image.TokenBase))
			},
			"undefined opcode",
		},
		{
			"truncated operand",
			func(t *testing.T, m *Machine) {
				minimal(t, m)
				declareOK(t, m.DeclareMethod(&image.MethodDesc{
					Token: image.TokenBase, Class: image.TokenBase, Static: true,
					Return: program.KindVoid, Code: []byte{byte(image.OpConst), 0x00},
				}))
				declareOK(t, m.SetEntry(image.TokenBase))
			},
			"truncated",
		},
		{
			"branch out of range",
			func(t *testing.T, m *Machine) {
				minimal(t, m)
				declareOK(t, m.DeclareMethod(&image.MethodDesc{
					Token: image.TokenBase, Class: image.TokenBase, Static: true,
					Return: program.KindVoid,
					Code:   []byte{byte(image.OpJump), 0x00, 0x40, byte(image.OpReturnVoid)},
				}))
				declareOK(t, m.SetEntry(image.TokenBase))
			},
			"branch",
		},
		{
			"branch into operand bytes",
			func(t *testing.T, m *Machine) {
				minimal(t, m)
				// Target lands between JUMP and its operand.
				declareOK(t, m.DeclareMethod(&image.MethodDesc{
					Token: image.TokenBase, Class: image.TokenBase, Static: true,
					Return: program.KindVoid,
					Code: []byte{
						byte(image.OpJump), 0xFF, 0xFE, // to offset 1
						byte(image.OpReturnVoid),
					},
				}))
				declareOK(t, m.SetEntry(image.TokenBase))
			},
			"branch",
		},
		{
			"constant unresolved",
			func(t *testing.T, m *Machine) {
				minimal(t, m)
				declareOK(t, m.DeclareMethod(&image.MethodDesc{
					Token: image.TokenBase, Class: image.TokenBase, Static: true,
					Return: program.KindVoid,
					Code:   []byte{byte(image.OpConst), 0x00, 0x20, byte(image.OpPop), byte(image.OpReturnVoid)},
				}))
				declareOK(t, m.SetEntry(image.TokenBase))
			},
			"constant",
		},
		{
			"handler target mid-instruction",
			func(t *testing.T, m *Machine) {
				minimal(t, m)
				declareOK(t, m.DeclareMethod(&image.MethodDesc{
					Token: image.TokenBase, Class: image.TokenBase, Static: true,
					Return: program.KindVoid,
					Code:   []byte{byte(image.OpConst), 0x00, 0x20, byte(image.OpPop), byte(image.OpReturnVoid)},
					Handlers: []image.HandlerRange{
						{From: 0, To: 4, Type: image.TokenBase, Target: 1},
					},
				}))
				declareOK(t, m.DeclareConstant(image.TokenBase, image.Constant{Kind: image.ConstInt, Int: 3}))
				declareOK(t, m.SetEntry(image.TokenBase))
			},
			"not an instruction",
		},
		{
			"value return from void method",
			func(t *testing.T, m *Machine) {
				minimal(t, m)
				declareOK(t, m.DeclareMethod(&image.MethodDesc{
					Token: image.TokenBase, Class: image.TokenBase, Static: true,
					Return: program.KindVoid, Code: []byte{byte(image.OpReturn)},
				}))
				declareOK(t, m.SetEntry(image.TokenBase))
			},
			"value return",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := New(Config{}, nil)
			m.BeginImage()
			tc.build(t, m)
			err := m.Start()
			if tc.want == "" {
				if err != nil {
					t.Fatalf("Start: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Start succeeded, want verification failure")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Start error %q does not mention %q", err, tc.want)
			}
			if m.State() != StateFaulted {
				t.Errorf("state after bad start = %s, want faulted", m.State())
			}
			if f := m.Fault(); f == nil || f.Type != image.FaultBadImage {
				t.Errorf("fault = %v, want BadImage", f)
			}
		})
	}
}

func TestDeclare_RejectsReservedTokens(t *testing.T) {
	m := New(Config{}, nil)
	m.BeginImage()
	if err := m.DeclareClass(&image.ClassDesc{Token: 5}); err == nil {
		t.Error("class token below base accepted")
	}
	if err := m.DeclareConstant(image.TokenNone, image.Constant{Kind: image.ConstInt}); err == nil {
		t.Error("constant token zero accepted")
	}
	if err := m.DeclareMethod(&image.MethodDesc{Token: image.Token(60000)}); err == nil {
		t.Error("method token beyond table bound accepted")
	}
}
