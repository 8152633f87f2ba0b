package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/motelab/mote/program"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "mote.toml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "blinky"
version = "0.1.0"

[source]
dirs = ["src", "drivers"]
entries = ["Main.main()V", "Main.selftest()Z"]

[registry]
path = "registry.toml"

[device]
port = "/dev/ttyUSB0"
chunk = 256
retries = 5
timeout-ms = 500

[image]
output = "out/blinky.img"

[store]
path = ".mote/history.db"

[bridge]
"gpio.write" = "(II)V"
"gpio.read" = "(I)I"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Project.Name != "blinky" {
		t.Errorf("project name = %q, want blinky", m.Project.Name)
	}
	if m.Project.Version != "0.1.0" {
		t.Errorf("project version = %q, want 0.1.0", m.Project.Version)
	}
	if len(m.Source.Dirs) != 2 {
		t.Errorf("source dirs count = %d, want 2", len(m.Source.Dirs))
	}
	if m.Device.Port != "/dev/ttyUSB0" || m.Device.Chunk != 256 || m.Device.Retries != 5 || m.Device.TimeoutMS != 500 {
		t.Errorf("device = %+v", m.Device)
	}
	if m.RegistryPath() != filepath.Join(m.Dir, "registry.toml") {
		t.Errorf("RegistryPath = %q", m.RegistryPath())
	}
	if m.OutputPath() != filepath.Join(m.Dir, "out/blinky.img") {
		t.Errorf("OutputPath = %q", m.OutputPath())
	}
	if m.StorePath() != filepath.Join(m.Dir, ".mote/history.db") {
		t.Errorf("StorePath = %q", m.StorePath())
	}

	refs, err := m.EntryRefs()
	if err != nil {
		t.Fatalf("EntryRefs: %v", err)
	}
	want := []program.MethodRef{
		{Type: "Main", Name: "main", Desc: "()V"},
		{Type: "Main", Name: "selftest", Desc: "()Z"},
	}
	if len(refs) != len(want) {
		t.Fatalf("EntryRefs count = %d, want %d", len(refs), len(want))
	}
	for i := range want {
		if refs[i] != want[i] {
			t.Errorf("entry[%d] = %v, want %v", i, refs[i], want[i])
		}
	}

	spec, err := m.BridgeSpec()
	if err != nil {
		t.Fatalf("BridgeSpec: %v", err)
	}
	if len(spec) != 2 {
		t.Fatalf("bridge ops = %d, want 2", len(spec))
	}
	if got := spec["gpio.write"].Descriptor(); got != "(II)V" {
		t.Errorf("gpio.write = %s, want (II)V", got)
	}
	if got := spec["gpio.read"].Descriptor(); got != "(I)I" {
		t.Errorf("gpio.read = %s, want (I)I", got)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "minimal"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(m.Source.Dirs) != 1 || m.Source.Dirs[0] != "src" {
		t.Errorf("default source dirs = %v, want [src]", m.Source.Dirs)
	}
	if m.RegistryPath() != "" {
		t.Errorf("RegistryPath = %q, want empty", m.RegistryPath())
	}
	if m.OutputPath() != filepath.Join(m.Dir, "minimal.img") {
		t.Errorf("OutputPath = %q", m.OutputPath())
	}
	if m.StorePath() != filepath.Join(m.Dir, ".mote", "history.db") {
		t.Errorf("StorePath = %q", m.StorePath())
	}
	if _, err := m.EntryRefs(); err == nil {
		t.Error("EntryRefs with no entries should fail")
	}
	spec, err := m.BridgeSpec()
	if err != nil || len(spec) != 0 {
		t.Errorf("empty bridge spec = %v, %v", spec, err)
	}
}

func TestFindAndLoad(t *testing.T) {
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, dir, `[project]
name = "found-project"
`)

	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Project.Name != "found-project" {
		t.Errorf("project name = %q, want found-project", m.Project.Name)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no mote.toml exists")
	}
}

func TestParseMethodRef(t *testing.T) {
	tests := []struct {
		in   string
		want program.MethodRef
		bad  bool
	}{
		{in: "Main.main()V", want: program.MethodRef{Type: "Main", Name: "main", Desc: "()V"}},
		{in: "app.Main.run(IZ)R", want: program.MethodRef{Type: "app.Main", Name: "run", Desc: "(IZ)R"}},
		{in: "Main.main", bad: true},
		{in: "main()V", bad: true},
		{in: "Main.()V", bad: true},
		{in: "Main.main()X", bad: true},
	}
	for _, tt := range tests {
		ref, err := ParseMethodRef(tt.in)
		if tt.bad {
			if err == nil {
				t.Errorf("ParseMethodRef(%q) = %v, want error", tt.in, ref)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseMethodRef(%q): %v", tt.in, err)
			continue
		}
		if ref != tt.want {
			t.Errorf("ParseMethodRef(%q) = %v, want %v", tt.in, ref, tt.want)
		}
	}
}
