package server

import (
	"fmt"
	"path/filepath"

	"github.com/motelab/mote/image"
	"github.com/motelab/mote/manifest"
	"github.com/motelab/mote/program"
	"github.com/motelab/mote/registry"
	"github.com/motelab/mote/resolve"
)

// BuildProject runs the host pipeline for a project: load the substitution
// registry, parse the program sources, resolve the closure from the
// manifest's entry points, and compile the image. Any error aborts the whole
// build; there is no partial image.
func BuildProject(m *manifest.Manifest) (*image.Image, error) {
	entries, err := m.EntryRefs()
	if err != nil {
		return nil, err
	}
	bridge, err := m.BridgeSpec()
	if err != nil {
		return nil, err
	}

	reg := registry.Empty()
	if path := m.RegistryPath(); path != "" {
		if reg, err = registry.Load(path); err != nil {
			return nil, err
		}
	}

	// Globbing per directory keeps file order deterministic: Glob sorts
	// within a directory, the manifest fixes the directory order.
	var files []string
	for _, dir := range m.SourceDirPaths() {
		matches, err := filepath.Glob(filepath.Join(dir, "*.mote"))
		if err != nil {
			return nil, fmt.Errorf("server: scan %s: %w", dir, err)
		}
		files = append(files, matches...)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("server: no .mote files under %v", m.Source.Dirs)
	}
	prog, err := program.ParseFiles(files...)
	if err != nil {
		return nil, err
	}

	closure, err := resolve.Resolve(prog, reg, entries)
	if err != nil {
		return nil, err
	}
	return image.Compile(closure, bridge)
}
