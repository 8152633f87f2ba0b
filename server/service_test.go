package server

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"connectrpc.com/connect"

	"github.com/motelab/mote/engine"
	"github.com/motelab/mote/manifest"
	"github.com/motelab/mote/store"
	"github.com/motelab/mote/transport"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

const sumManifest = `
[project]
name = "sum"

[source]
entries = ["Main.main()I"]
`

// Sums 1..10; the entry returns 55.
const sumSrc = `
class Main
  method main ()I static locals 2
    int 0
    store 0
    int 1
    store 1
  loop:
    load 1
    int 10
    le
    iffalse done
    load 0
    load 1
    add
    store 0
    load 1
    int 1
    add
    store 1
    jump loop
  done:
    load 0
    ret
  end
end
`

const crashManifest = `
[project]
name = "crash"

[source]
entries = ["Main.main()V"]
`

const crashSrc = `
class Main
  method main ()V static
    int 1
    int 0
    div
    pop
    ret
  end
end
`

// writeProject lays out a mote.toml project in a temp dir and loads it.
func writeProject(t *testing.T, manifestText string, sources map[string]string) *manifest.Manifest {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "mote.toml"), []byte(manifestText), 0o644); err != nil {
		t.Fatalf("write mote.toml: %v", err)
	}
	srcDir := filepath.Join(dir, "src")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		t.Fatalf("mkdir src: %v", err)
	}
	for name, text := range sources {
		if err := os.WriteFile(filepath.Join(srcDir, name), []byte(text), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	m, err := manifest.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return m
}

// newTestServer boots a MoteServer against an in-memory device. The device
// keeps its machine across redials, like real hardware keeps its image.
func newTestServer(t *testing.T, m *manifest.Manifest, bridge engine.Bridge, opts ...ServerOption) (*MoteServer, *transport.Device) {
	t.Helper()
	dev := transport.NewDevice(engine.New(engine.Config{}, bridge), transport.DeviceConfig{})
	dial := func(ctx context.Context) (net.Conn, error) {
		host, conn := net.Pipe()
		go dev.Serve(conn)
		return host, nil
	}
	s, err := New(m, append([]ServerOption{WithDialer(dial)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, dev
}

// openHistory opens a history store owned by the test.
func openHistory(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func connectReq[T any](msg *T) *connect.Request[T] {
	return connect.NewRequest(msg)
}

func bg() context.Context {
	return context.Background()
}

func asConnectError(err error, target **connect.Error) bool {
	if ce, ok := err.(*connect.Error); ok {
		*target = ce
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Compile
// ---------------------------------------------------------------------------

func TestCompile_Summary(t *testing.T) {
	m := writeProject(t, sumManifest, map[string]string{"main.mote": sumSrc})
	hist := openHistory(t)
	s, _ := newTestServer(t, m, nil, WithHistory(hist))

	resp, err := s.Compile(bg(), connectReq(&CompileRequest{}))
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}
	if resp.Msg.Project != "sum" {
		t.Errorf("Project = %q, want %q", resp.Msg.Project, "sum")
	}
	if resp.Msg.Entry != "Main.main()I" {
		t.Errorf("Entry = %q, want %q", resp.Msg.Entry, "Main.main()I")
	}
	if resp.Msg.Classes != 1 || resp.Msg.Methods != 1 || resp.Msg.Constants != 3 {
		t.Errorf("counts = %d/%d/%d, want 1/1/3",
			resp.Msg.Classes, resp.Msg.Methods, resp.Msg.Constants)
	}
	if resp.Msg.Size <= 0 {
		t.Errorf("Size = %d, want > 0", resp.Msg.Size)
	}
	if len(resp.Msg.Hash) != 64 {
		t.Errorf("Hash = %q, want 64 hex chars", resp.Msg.Hash)
	}
	if resp.Msg.Disasm != "" {
		t.Errorf("Disasm without request = %q, want empty", resp.Msg.Disasm)
	}

	// Compilation alone is a dry run and leaves no build history.
	builds, err := hist.RecentBuilds(0)
	if err != nil {
		t.Fatalf("RecentBuilds: %v", err)
	}
	if len(builds) != 0 {
		t.Errorf("builds after compile = %d, want 0", len(builds))
	}
}

func TestCompile_Disassembly(t *testing.T) {
	m := writeProject(t, sumManifest, map[string]string{"main.mote": sumSrc})
	s, _ := newTestServer(t, m, nil)

	resp, err := s.Compile(bg(), connectReq(&CompileRequest{Disasm: true}))
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}
	if !strings.Contains(resp.Msg.Disasm, "; mote image v") {
		t.Errorf("Disasm missing header:\n%s", resp.Msg.Disasm)
	}
	if !strings.Contains(resp.Msg.Disasm, "Main.main()I") {
		t.Errorf("Disasm missing entry symbol:\n%s", resp.Msg.Disasm)
	}
}

func TestCompile_BadProjectRejected(t *testing.T) {
	// The entry point names a method no source file declares.
	m := writeProject(t, `
[project]
name = "broken"

[source]
entries = ["Missing.main()V"]
`, map[string]string{"main.mote": sumSrc})
	s, _ := newTestServer(t, m, nil)

	_, err := s.Compile(bg(), connectReq(&CompileRequest{}))
	if err == nil {
		t.Fatal("Compile of a broken project succeeded")
	}
	var connectErr *connect.Error
	if ok := asConnectError(err, &connectErr); ok {
		if connectErr.Code() != connect.CodeInvalidArgument {
			t.Errorf("expected CodeInvalidArgument, got %v", connectErr.Code())
		}
	}
}

// ---------------------------------------------------------------------------
// Upload and Run
// ---------------------------------------------------------------------------

func TestUploadAndRun(t *testing.T) {
	m := writeProject(t, sumManifest, map[string]string{"main.mote": sumSrc})
	hist := openHistory(t)
	s, dev := newTestServer(t, m, nil, WithHistory(hist))

	up, err := s.Upload(bg(), connectReq(&UploadRequest{}))
	if err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}
	if up.Msg.State != "loaded" {
		t.Errorf("state after upload = %q, want %q", up.Msg.State, "loaded")
	}
	if got := dev.Machine().State(); got != engine.StateLoaded {
		t.Errorf("device machine state = %s, want loaded", got)
	}

	run, err := s.Run(bg(), connectReq(&RunRequest{WaitMS: 5000}))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if run.Msg.State != "completed" {
		t.Fatalf("state after run = %q, want completed (fault %v)", run.Msg.State, run.Msg.Fault)
	}
	if run.Msg.ResultKind != "int" || run.Msg.Result != 55 {
		t.Errorf("result = %s %d, want int 55", run.Msg.ResultKind, run.Msg.Result)
	}

	builds, err := hist.RecentBuilds(0)
	if err != nil {
		t.Fatalf("RecentBuilds: %v", err)
	}
	if len(builds) != 1 {
		t.Fatalf("builds after upload = %d, want 1", len(builds))
	}
	if builds[0].Project != "sum" || builds[0].Entry != "Main.main()I" {
		t.Errorf("build row = %s %s, want sum Main.main()I", builds[0].Project, builds[0].Entry)
	}
}

func TestRun_NoWaitReportsRunning(t *testing.T) {
	m := writeProject(t, sumManifest, map[string]string{"main.mote": sumSrc})
	s, _ := newTestServer(t, m, nil)

	if _, err := s.Upload(bg(), connectReq(&UploadRequest{})); err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}
	run, err := s.Run(bg(), connectReq(&RunRequest{}))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if run.Msg.State != "running" {
		t.Errorf("state = %q, want running", run.Msg.State)
	}

	// The outcome arrives on its own; polling sees it.
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := s.State(bg(), connectReq(&StateRequest{}))
		if err != nil {
			t.Fatalf("State returned error: %v", err)
		}
		if st.Msg.State == "completed" {
			if st.Msg.ResultKind != "int" || st.Msg.Result != 55 {
				t.Errorf("result = %s %d, want int 55", st.Msg.ResultKind, st.Msg.Result)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never completed, state %q", st.Msg.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRun_FaultSymbolizedAndRecorded(t *testing.T) {
	m := writeProject(t, crashManifest, map[string]string{"main.mote": crashSrc})
	hist := openHistory(t)
	s, _ := newTestServer(t, m, nil, WithHistory(hist))

	if _, err := s.Upload(bg(), connectReq(&UploadRequest{})); err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}
	run, err := s.Run(bg(), connectReq(&RunRequest{WaitMS: 5000}))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if run.Msg.State != "faulted" {
		t.Fatalf("state = %q, want faulted", run.Msg.State)
	}
	if run.Msg.Fault == nil {
		t.Fatal("faulted run carries no fault info")
	}
	if run.Msg.Fault.Type != "DivideByZero" {
		t.Errorf("fault type = %q, want DivideByZero", run.Msg.Fault.Type)
	}
	if run.Msg.Fault.Method != "Main.main()V" {
		t.Errorf("fault method = %q, want Main.main()V", run.Msg.Fault.Method)
	}
	if run.Msg.Fault.Offset != 6 {
		t.Errorf("fault offset = %d, want 6", run.Msg.Fault.Offset)
	}

	faults, err := hist.RecentFaults(0)
	if err != nil {
		t.Fatalf("RecentFaults: %v", err)
	}
	if len(faults) != 1 {
		t.Fatalf("fault rows = %d, want 1", len(faults))
	}
	if faults[0].Project != "crash" || faults[0].Type != "DivideByZero" || faults[0].Method != "Main.main()V" {
		t.Errorf("fault row = %+v", faults[0])
	}

	// The Faults procedure reads the same history.
	listed, err := s.Faults(bg(), connectReq(&FaultsRequest{}))
	if err != nil {
		t.Fatalf("Faults returned error: %v", err)
	}
	if len(listed.Msg.Faults) != 1 || listed.Msg.Faults[0].Type != "DivideByZero" {
		t.Errorf("Faults = %+v, want one DivideByZero row", listed.Msg.Faults)
	}
}

// ---------------------------------------------------------------------------
// State and Reset
// ---------------------------------------------------------------------------

func TestState_IdleBeforeUpload(t *testing.T) {
	m := writeProject(t, sumManifest, map[string]string{"main.mote": sumSrc})
	s, _ := newTestServer(t, m, nil)

	st, err := s.State(bg(), connectReq(&StateRequest{}))
	if err != nil {
		t.Fatalf("State returned error: %v", err)
	}
	if st.Msg.State != "idle" {
		t.Errorf("state = %q, want idle", st.Msg.State)
	}
	if st.Msg.ResultKind != "" {
		t.Errorf("ResultKind without a completed run = %q, want empty", st.Msg.ResultKind)
	}
}

func TestReset_KeepsImage(t *testing.T) {
	m := writeProject(t, sumManifest, map[string]string{"main.mote": sumSrc})
	s, _ := newTestServer(t, m, nil)

	if _, err := s.Upload(bg(), connectReq(&UploadRequest{})); err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}
	if _, err := s.Run(bg(), connectReq(&RunRequest{WaitMS: 5000})); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	st, err := s.Reset(bg(), connectReq(&ResetRequest{}))
	if err != nil {
		t.Fatalf("Reset returned error: %v", err)
	}
	if st.Msg.State != "loaded" {
		t.Errorf("state after reset = %q, want loaded", st.Msg.State)
	}
}

// ---------------------------------------------------------------------------
// Device failures
// ---------------------------------------------------------------------------

func TestUpload_DeviceUnreachable(t *testing.T) {
	m := writeProject(t, sumManifest, map[string]string{"main.mote": sumSrc})
	dial := func(ctx context.Context) (net.Conn, error) {
		return nil, errors.New("no such port")
	}
	s, err := New(m, WithDialer(dial), WithHistory(openHistory(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Stop)

	_, err = s.Upload(bg(), connectReq(&UploadRequest{}))
	if err == nil {
		t.Fatal("Upload with no device succeeded")
	}
	var connectErr *connect.Error
	if ok := asConnectError(err, &connectErr); ok {
		if connectErr.Code() != connect.CodeUnavailable {
			t.Errorf("expected CodeUnavailable, got %v", connectErr.Code())
		}
	}
}

// ---------------------------------------------------------------------------
// Wire round trip
// ---------------------------------------------------------------------------

func TestHTTPRoundTrip(t *testing.T) {
	m := writeProject(t, sumManifest, map[string]string{"main.mote": sumSrc})
	s, _ := newTestServer(t, m, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	client := connect.NewClient[CompileRequest, CompileResponse](
		srv.Client(), srv.URL+CompileProcedure, connect.WithCodec(cborCodec{}))
	resp, err := client.CallUnary(bg(), connect.NewRequest(&CompileRequest{}))
	if err != nil {
		t.Fatalf("CallUnary: %v", err)
	}
	if resp.Msg.Project != "sum" || resp.Msg.Methods != 1 {
		t.Errorf("round trip = %q %d methods, want sum with 1", resp.Msg.Project, resp.Msg.Methods)
	}
}
