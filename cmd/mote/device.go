package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/motelab/mote/engine"
	"github.com/motelab/mote/image"
	"github.com/motelab/mote/manifest"
	"github.com/motelab/mote/program"
	"github.com/motelab/mote/server"
	"github.com/motelab/mote/store"
	"github.com/motelab/mote/transport"
)

// dialUploader opens the manifest's device port and wraps it in an uploader.
func dialUploader(ctx context.Context, m *manifest.Manifest) (*transport.Uploader, func(), error) {
	conn, err := server.DialPort(ctx, m.Device.Port)
	if err != nil {
		return nil, nil, err
	}
	up := transport.NewUploader(conn, transport.UploaderConfig{
		MaxChunk: m.Device.Chunk,
		Retries:  m.Device.Retries,
		Timeout:  time.Duration(m.Device.TimeoutMS) * time.Millisecond,
	})
	return up, func() { conn.Close() }, nil
}

// handleFlash compiles the project and uploads the image to the device.
func handleFlash(m *manifest.Manifest) {
	img, err := server.BuildProject(m)
	if err != nil {
		fail(err)
	}
	encoded := img.Encode()

	ctx := context.Background()
	up, done, err := dialUploader(ctx, m)
	if err != nil {
		fail(err)
	}
	defer done()
	if err := up.Upload(ctx, img); err != nil {
		fail(err)
	}
	recordBuild(m, img, encoded)
	fmt.Printf("Flashed %s (%d bytes, %d methods)\n", m.Project.Name, len(encoded), len(img.Methods))
}

// handleRun flashes the project, starts execution, and waits for the
// outcome. An int entry point's result becomes the exit code.
func handleRun(m *manifest.Manifest, waitMS int, verbose bool) {
	img, err := server.BuildProject(m)
	if err != nil {
		fail(err)
	}
	encoded := img.Encode()

	ctx := context.Background()
	up, done, err := dialUploader(ctx, m)
	if err != nil {
		fail(err)
	}
	defer done()
	if err := up.Upload(ctx, img); err != nil {
		fail(err)
	}
	recordBuild(m, img, encoded)
	if err := up.Start(ctx); err != nil {
		fail(err)
	}
	if verbose {
		fmt.Println("Running...")
	}

	wctx, cancel := context.WithTimeout(ctx, time.Duration(waitMS)*time.Millisecond)
	defer cancel()
	st, fault, err := up.WaitOutcome(wctx)
	switch {
	case fault != nil:
		f := symbolizeFault(m, img, fault)
		recordFault(m, f)
		fmt.Fprintf(os.Stderr, "Fault: %s at %s+%d\n", f.Type, f.Method, f.Offset)
		os.Exit(1)
	case st != nil:
		kind := program.Kind(st.ResultKind)
		if kind == program.KindVoid {
			fmt.Println("Completed")
			return
		}
		fmt.Printf("Completed: %s %d\n", kind, st.ResultInt)
		// Like a process exit status, an int entry's result is the exit code.
		if kind == program.KindInt {
			os.Exit(int(st.ResultInt))
		}
	case errors.Is(err, context.DeadlineExceeded):
		fmt.Println("Still running after wait; use `mote state` to poll")
	default:
		fail(err)
	}
}

// handleState prints the device execution state.
func handleState(m *manifest.Manifest) {
	ctx := context.Background()
	up, done, err := dialUploader(ctx, m)
	if err != nil {
		fail(err)
	}
	defer done()
	r, err := up.QueryState(ctx)
	if err != nil {
		fail(err)
	}
	fmt.Println(describeState(r))
}

// handleReset discards the device's run state and reports the result.
func handleReset(m *manifest.Manifest) {
	ctx := context.Background()
	up, done, err := dialUploader(ctx, m)
	if err != nil {
		fail(err)
	}
	defer done()
	if err := up.Reset(ctx); err != nil {
		fail(err)
	}
	r, err := up.QueryState(ctx)
	if err != nil {
		fail(err)
	}
	fmt.Println(describeState(r))
}

// handleMonitor polls the device and prints state transitions until
// interrupted.
func handleMonitor(m *manifest.Manifest) {
	ctx := context.Background()
	up, done, err := dialUploader(ctx, m)
	if err != nil {
		fail(err)
	}
	defer done()

	last := ""
	for {
		r, err := up.QueryState(ctx)
		if err != nil {
			fail(err)
		}
		if s := describeState(r); s != last {
			fmt.Printf("%s  %s\n", time.Now().Format("15:04:05"), s)
			last = s
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func describeState(r transport.StateReport) string {
	s := engine.State(r.State).String()
	if engine.State(r.State) == engine.StateCompleted {
		s = fmt.Sprintf("%s (%s %d)", s, program.Kind(r.ResultKind), r.ResultInt)
	}
	return s
}

// symbolizeFault maps a fault report's tokens back to source identities
// through the image that was just uploaded.
func symbolizeFault(m *manifest.Manifest, img *image.Image, f *transport.FaultReport) store.Fault {
	fault := store.Fault{
		Project: m.Project.Name,
		Type:    img.Symbols.ClassName(image.Token(f.Type)),
		Offset:  f.Offset,
	}
	if f.Method != 0 {
		fault.Method = img.Symbols.MethodName(image.Token(f.Method))
	}
	return fault
}
