package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/motelab/mote/image"
	"github.com/motelab/mote/manifest"
	"github.com/motelab/mote/server"
	"github.com/motelab/mote/store"
)

// handleBuild compiles the project, writes the image file, and records the
// build in history.
func handleBuild(m *manifest.Manifest, verbose bool) {
	img, err := server.BuildProject(m)
	if err != nil {
		fail(err)
	}
	encoded := img.Encode()
	out := m.OutputPath()
	if err := os.WriteFile(out, encoded, 0o644); err != nil {
		fail(err)
	}
	b := recordBuild(m, img, encoded)
	fmt.Printf("Wrote %s (%d bytes)\n", out, len(encoded))
	if verbose {
		fmt.Printf("  entry     %s\n", b.Entry)
		fmt.Printf("  classes   %d\n", b.Classes)
		fmt.Printf("  methods   %d\n", b.Methods)
		fmt.Printf("  constants %d\n", b.Constants)
		fmt.Printf("  sha256    %s\n", b.Hash)
	}
}

// handleDisasm compiles the project and prints the image listing.
func handleDisasm(m *manifest.Manifest) {
	img, err := server.BuildProject(m)
	if err != nil {
		fail(err)
	}
	fmt.Print(img.Disassemble())
}

// handleHistory shows recent builds and faults from the project's history.
func handleHistory(m *manifest.Manifest) {
	st, err := openHistory(m)
	if err != nil {
		fail(err)
	}
	defer st.Close()

	builds, err := st.RecentBuilds(10)
	if err != nil {
		fail(err)
	}
	faults, err := st.RecentFaults(10)
	if err != nil {
		fail(err)
	}

	if len(builds) == 0 && len(faults) == 0 {
		fmt.Println("No history yet")
		return
	}
	if len(builds) > 0 {
		fmt.Println("Builds:")
		for _, b := range builds {
			fmt.Printf("  %s  %-20s %6d bytes  %d methods  %s\n",
				b.CreatedAt.Format("2006-01-02 15:04:05"), b.Entry, b.Size, b.Methods, b.Hash[:12])
		}
	}
	if len(faults) > 0 {
		fmt.Println("Faults:")
		for _, f := range faults {
			fmt.Printf("  %s  %-16s %s+%d\n",
				f.CreatedAt.Format("2006-01-02 15:04:05"), f.Type, f.Method, f.Offset)
		}
	}
}

// openHistory opens the project's history database, creating its directory.
func openHistory(m *manifest.Manifest) (*store.Store, error) {
	path := m.StorePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return store.Open(path)
}

// recordBuild stores a build row. History failures warn instead of aborting;
// the build artifact itself already succeeded.
func recordBuild(m *manifest.Manifest, img *image.Image, encoded []byte) store.Build {
	b := store.NewBuild(m.Project.Name, img, encoded)
	st, err := openHistory(m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		return b
	}
	defer st.Close()
	if _, err := st.RecordBuild(b); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: record build: %v\n", err)
	}
	return b
}

// recordFault stores a fault row, warning on failure.
func recordFault(m *manifest.Manifest, f store.Fault) {
	st, err := openHistory(m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		return
	}
	defer st.Close()
	if _, err := st.RecordFault(f); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: record fault: %v\n", err)
	}
}
