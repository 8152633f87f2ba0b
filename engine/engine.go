// Package engine interprets compiled images the way the target device does:
// a fixed-capacity object arena, a bounded frame stack, token-indexed
// dispatch tables, and reserved fault codes for failures that have no
// program-level exception class. It backs the device simulator and is the
// reference the protocol and end-to-end tests run against.
//
// A machine is fed the same declaration sequence the transport layer
// delivers (classes, methods, constants, entry point); Start verifies that
// every token binds before the first instruction executes. Declarations and
// Run belong to one owner goroutine; State, Pause, Resume, and Abort are
// safe to call concurrently while a run is in flight.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/motelab/mote/image"
)

// ErrAborted is returned by Run when Abort stopped the run at a call
// boundary.
var ErrAborted = errors.New("engine: run aborted")

// ---------------------------------------------------------------------------
// States and faults
// ---------------------------------------------------------------------------

// State is the execution lifecycle of a machine.
type State uint8

const (
	StateIdle      State = iota // no image declared
	StateLoaded                 // image declared, nothing running
	StateRunning                // entry point executing (possibly parked by Pause)
	StateFaulted                // last run ended in a fault
	StateCompleted              // last run returned normally
)

var stateNames = [...]string{
	StateIdle:      "idle",
	StateLoaded:    "loaded",
	StateRunning:   "running",
	StateFaulted:   "faulted",
	StateCompleted: "completed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Fault is a terminal execution failure: a reserved engine fault or an
// unhandled program exception, pinned to the instruction that raised it.
type Fault struct {
	Type   image.Token // reserved fault token or exception class token
	Method image.Token // method executing when the fault was raised
	Offset uint32      // instruction offset within that method
}

func (f *Fault) Error() string {
	name := image.FaultName(f.Type)
	if name == "" {
		name = fmt.Sprintf("class #%d", f.Type)
	}
	return fmt.Sprintf("engine: fault %s in method #%d at offset %d", name, f.Method, f.Offset)
}

// ---------------------------------------------------------------------------
// Machine
// ---------------------------------------------------------------------------

// Config sizes the machine's fixed resources. Zero fields take the defaults.
type Config struct {
	ArenaCapacity int // maximum live objects
	MaxFrames     int // maximum call depth
}

const (
	DefaultArenaCapacity = 256
	DefaultMaxFrames     = 64
)

// maxDeclIndex bounds table growth from declaration tokens so a hostile
// upload cannot make the machine allocate unbounded tables.
const maxDeclIndex = 4096

// Machine holds one device's execution state.
type Machine struct {
	cfg    Config
	bridge Bridge

	img      *image.Image
	entrySet bool

	arena  arena
	frames []frame
	result Value
	fault  *Fault

	state atomic.Int32

	ctl struct {
		mu    sync.Mutex
		cond  *sync.Cond
		pause bool
		abort bool
	}
}

// New returns an idle machine. bridge may be nil when the image binds no
// native methods.
func New(cfg Config, bridge Bridge) *Machine {
	if cfg.ArenaCapacity <= 0 {
		cfg.ArenaCapacity = DefaultArenaCapacity
	}
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = DefaultMaxFrames
	}
	m := &Machine{cfg: cfg, bridge: bridge}
	m.arena.capacity = cfg.ArenaCapacity
	m.ctl.cond = sync.NewCond(&m.ctl.mu)
	m.setState(StateIdle)
	return m
}

// State returns the lifecycle state. Safe to call concurrently with a run.
func (m *Machine) State() State { return State(m.state.Load()) }

func (m *Machine) setState(s State) { m.state.Store(int32(s)) }

// Fault returns the fault that ended the last run, or nil.
func (m *Machine) Fault() *Fault { return m.fault }

// Result returns the entry point's return value after a completed run.
func (m *Machine) Result() Value { return m.result }

// ArenaLive returns the number of live arena objects.
func (m *Machine) ArenaLive() int { return m.arena.live() }

// ---------------------------------------------------------------------------
// Declarations
// ---------------------------------------------------------------------------

// BeginImage discards the declared image and all runtime state, preparing
// the machine for a fresh declaration sequence.
func (m *Machine) BeginImage() {
	m.img = &image.Image{Version: image.ImageVersion}
	m.entrySet = false
	m.discardRun()
	m.setState(StateIdle)
}

// DeclareClass installs a class descriptor. Dispatch entries may reference
// methods not yet declared; binding is checked by Start, not here.
func (m *Machine) DeclareClass(c *image.ClassDesc) error {
	i, err := m.declare("class", c.Token)
	if err != nil {
		return err
	}
	m.img.Classes = growTo(m.img.Classes, i+1)
	m.img.Classes[i] = c
	return nil
}

// DeclareMethod installs a method descriptor.
func (m *Machine) DeclareMethod(d *image.MethodDesc) error {
	i, err := m.declare("method", d.Token)
	if err != nil {
		return err
	}
	m.img.Methods = growTo(m.img.Methods, i+1)
	m.img.Methods[i] = d
	return nil
}

// DeclareConstant installs a pool constant.
func (m *Machine) DeclareConstant(tok image.Token, c image.Constant) error {
	i, err := m.declare("constant", tok)
	if err != nil {
		return err
	}
	m.img.Constants = growTo(m.img.Constants, i+1)
	m.img.Constants[i] = c
	return nil
}

// SetEntry marks the method the next Start invokes.
func (m *Machine) SetEntry(tok image.Token) error {
	if _, err := m.declare("entry", tok); err != nil {
		return err
	}
	m.img.Entry = tok
	m.entrySet = true
	return nil
}

// declare validates a declaration token and flips the machine to Loaded,
// discarding any stale run. Declarations while running are the caller's
// error; the device loop aborts the run before applying them.
func (m *Machine) declare(what string, tok image.Token) (int, error) {
	if m.State() == StateRunning {
		return 0, fmt.Errorf("engine: declare %s while running", what)
	}
	if tok < image.TokenBase {
		return 0, fmt.Errorf("engine: %s token %d is reserved", what, tok)
	}
	i := int(tok - image.TokenBase)
	if i >= maxDeclIndex {
		return 0, fmt.Errorf("engine: %s token %d out of range", what, tok)
	}
	if m.img == nil {
		m.img = &image.Image{Version: image.ImageVersion}
	}
	m.discardRun()
	m.setState(StateLoaded)
	return i, nil
}

// LoadImage declares a complete compiled image in one call, the same way the
// transport layer would deliver it. Descriptors are shared, not copied; the
// image must not be mutated afterwards.
func (m *Machine) LoadImage(img *image.Image) error {
	m.BeginImage()
	for i, c := range img.Constants {
		if err := m.DeclareConstant(image.TokenBase+image.Token(i), c); err != nil {
			return err
		}
	}
	for _, c := range img.Classes {
		if err := m.DeclareClass(c); err != nil {
			return err
		}
	}
	for _, d := range img.Methods {
		if err := m.DeclareMethod(d); err != nil {
			return err
		}
	}
	return m.SetEntry(img.Entry)
}

// ---------------------------------------------------------------------------
// Lifecycle control
// ---------------------------------------------------------------------------

// Start verifies the declared image and arms the entry point; Run executes
// it. On a verification failure the machine transitions to Faulted with a
// BadImage fault so the failure is reportable like any runtime fault.
func (m *Machine) Start() error {
	switch m.State() {
	case StateLoaded, StateCompleted, StateFaulted:
	case StateRunning:
		return errors.New("engine: start while running")
	default:
		return errors.New("engine: start without an image")
	}
	m.discardRun()
	if err := m.verify(); err != nil {
		m.fault = &Fault{Type: image.FaultBadImage}
		m.setState(StateFaulted)
		return err
	}
	m.setState(StateRunning)
	return nil
}

// Reset discards runtime state, returning to Loaded when an image is
// declared and Idle otherwise. It must not race a run; abort first.
func (m *Machine) Reset() {
	m.discardRun()
	if m.img != nil && len(m.img.Methods) > 0 {
		m.setState(StateLoaded)
	} else {
		m.setState(StateIdle)
	}
}

// Pause parks the run at its next method-call boundary. The machine stays
// Running and remains queryable; Resume releases it.
func (m *Machine) Pause() {
	m.ctl.mu.Lock()
	m.ctl.pause = true
	m.ctl.mu.Unlock()
}

// Resume releases a paused run.
func (m *Machine) Resume() {
	m.ctl.mu.Lock()
	m.ctl.pause = false
	m.ctl.cond.Broadcast()
	m.ctl.mu.Unlock()
}

// Abort asks the run to stop at its next method-call boundary. Run returns
// ErrAborted and the machine drops back to Loaded.
func (m *Machine) Abort() {
	m.ctl.mu.Lock()
	m.ctl.abort = true
	m.ctl.cond.Broadcast()
	m.ctl.mu.Unlock()
}

// checkpoint blocks while paused and reports whether the run must stop.
// Called at method-call boundaries only, so command latency is bounded by
// one method body.
func (m *Machine) checkpoint() bool {
	m.ctl.mu.Lock()
	defer m.ctl.mu.Unlock()
	for m.ctl.pause && !m.ctl.abort {
		m.ctl.cond.Wait()
	}
	return m.ctl.abort
}

func (m *Machine) discardRun() {
	m.arena.reset()
	m.frames = m.frames[:0]
	m.fault = nil
	m.result = Value{}
	m.ctl.mu.Lock()
	m.ctl.pause = false
	m.ctl.abort = false
	m.ctl.mu.Unlock()
}

// ConstantString resolves a string value against the declared constant pool.
// Bridges use it to read string arguments.
func (m *Machine) ConstantString(v Value) (string, bool) {
	if m.img == nil || !v.IsStr() {
		return "", false
	}
	c, ok := m.img.Constant(v.StrToken())
	if !ok || c.Kind != image.ConstStr {
		return "", false
	}
	return c.Str, true
}

func growTo[T any](s []T, n int) []T {
	if len(s) >= n {
		return s
	}
	return append(s, make([]T, n-len(s))...)
}
