// Package manifest handles mote.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/motelab/mote/program"
)

// Manifest represents a mote.toml project configuration.
type Manifest struct {
	Project  Project        `toml:"project"`
	Source   Source         `toml:"source"`
	Registry RegistryConfig `toml:"registry"`
	Device   Device         `toml:"device"`
	Image    ImageConfig    `toml:"image"`
	Store    StoreConfig    `toml:"store"`

	// Bridge declares the device's native operation table: operation name to
	// signature descriptor, e.g. "gpio.write" = "(II)V". Compilation checks
	// native-bound methods against it.
	Bridge map[string]string `toml:"bridge"`

	// Dir is the directory containing the mote.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Source configures program source locations and entry points.
type Source struct {
	Dirs []string `toml:"dirs"`

	// Entries are the method identities compilation starts from,
	// e.g. "Main.main()V".
	Entries []string `toml:"entries"`
}

// RegistryConfig locates the substitution registry file.
type RegistryConfig struct {
	Path string `toml:"path"`
}

// Device configures the transport connection. Port is a serial device path,
// or "tcp:host:port" for a simulated device.
type Device struct {
	Port      string `toml:"port"`
	Chunk     int    `toml:"chunk"`
	Retries   int    `toml:"retries"`
	TimeoutMS int    `toml:"timeout-ms"`
}

// ImageConfig configures image output.
type ImageConfig struct {
	Output string `toml:"output"`
}

// StoreConfig locates the build/fault history database.
type StoreConfig struct {
	Path string `toml:"path"`
}

// Load parses a mote.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "mote.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("manifest: cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if len(m.Source.Dirs) == 0 {
		m.Source.Dirs = []string{"src"}
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a mote.toml file, then loads and
// returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "mote.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// SourceDirPaths returns absolute paths for the configured source directories.
func (m *Manifest) SourceDirPaths() []string {
	var paths []string
	for _, d := range m.Source.Dirs {
		paths = append(paths, filepath.Join(m.Dir, d))
	}
	return paths
}

// RegistryPath returns the absolute path of the registry file, or "" when the
// project declares none.
func (m *Manifest) RegistryPath() string {
	if m.Registry.Path == "" {
		return ""
	}
	return filepath.Join(m.Dir, m.Registry.Path)
}

// OutputPath returns the absolute path compiled images are written to.
// Defaults to "<name>.img" next to the manifest.
func (m *Manifest) OutputPath() string {
	out := m.Image.Output
	if out == "" {
		name := m.Project.Name
		if name == "" {
			name = "mote"
		}
		out = name + ".img"
	}
	return filepath.Join(m.Dir, out)
}

// StorePath returns the absolute path of the history database. Defaults to
// ".mote/history.db" next to the manifest.
func (m *Manifest) StorePath() string {
	if m.Store.Path != "" {
		return filepath.Join(m.Dir, m.Store.Path)
	}
	return filepath.Join(m.Dir, ".mote", "history.db")
}

// EntryRefs parses the configured entry points into method references.
func (m *Manifest) EntryRefs() ([]program.MethodRef, error) {
	if len(m.Source.Entries) == 0 {
		return nil, fmt.Errorf("manifest: no entry points configured")
	}
	refs := make([]program.MethodRef, 0, len(m.Source.Entries))
	for _, e := range m.Source.Entries {
		ref, err := ParseMethodRef(e)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// BridgeSpec parses the configured bridge table into operation signatures.
func (m *Manifest) BridgeSpec() (map[string]program.Signature, error) {
	spec := make(map[string]program.Signature, len(m.Bridge))
	for op, desc := range m.Bridge {
		sig, err := program.ParseDescriptor(desc)
		if err != nil {
			return nil, fmt.Errorf("manifest: bridge op %s: %w", op, err)
		}
		spec[op] = sig
	}
	return spec, nil
}

// ParseMethodRef parses a method identity of the form "Type.name(desc)K",
// e.g. "Main.main()V".
func ParseMethodRef(s string) (program.MethodRef, error) {
	open := strings.IndexByte(s, '(')
	if open < 0 {
		return program.MethodRef{}, fmt.Errorf("manifest: method %q has no signature", s)
	}
	dot := strings.LastIndexByte(s[:open], '.')
	if dot <= 0 || dot == open-1 {
		return program.MethodRef{}, fmt.Errorf("manifest: method %q is not Type.name(...)", s)
	}
	desc := s[open:]
	if _, err := program.ParseDescriptor(desc); err != nil {
		return program.MethodRef{}, fmt.Errorf("manifest: method %q: %w", s, err)
	}
	return program.MethodRef{
		Type: program.TypeName(s[:dot]),
		Name: s[dot+1 : open],
		Desc: desc,
	}, nil
}
