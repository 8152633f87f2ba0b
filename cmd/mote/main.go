// Mote CLI - build token images from mote projects and drive devices.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"

	"github.com/motelab/mote/manifest"
	"github.com/motelab/mote/server"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	projectDir := flag.String("C", ".", "Project directory (walks up to find mote.toml)")
	servePort := flag.Int("port", 7788, "Control service port (used with serve)")
	waitMS := flag.Int("wait", 30000, "Run outcome wait in milliseconds (used with run)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: mote [options] <command>\n\n")
		fmt.Fprintf(os.Stderr, "Compiles the mote.toml project and talks to the configured device.\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  build      Compile the project and write the image file\n")
		fmt.Fprintf(os.Stderr, "  disasm     Compile the project and print the image listing\n")
		fmt.Fprintf(os.Stderr, "  flash      Compile and upload the image to the device\n")
		fmt.Fprintf(os.Stderr, "  run        Flash, start execution, and wait for the outcome\n")
		fmt.Fprintf(os.Stderr, "  state      Query the device execution state\n")
		fmt.Fprintf(os.Stderr, "  reset      Discard the device's run state, keeping the image\n")
		fmt.Fprintf(os.Stderr, "  monitor    Watch the device state until interrupted\n")
		fmt.Fprintf(os.Stderr, "  history    Show recent builds and faults\n")
		fmt.Fprintf(os.Stderr, "  serve      Start the control service for IDE clients\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  mote build                   # Compile, write blinky.img\n")
		fmt.Fprintf(os.Stderr, "  mote run -wait 5000          # Flash and run, wait 5s for the outcome\n")
		fmt.Fprintf(os.Stderr, "  mote -C examples/blinky run  # Run a project elsewhere\n")
		fmt.Fprintf(os.Stderr, "  mote serve -port 8080        # Control service on :8080\n")
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}

	if *verbose {
		commonlog.Configure(1, nil)
	}

	m, err := manifest.FindAndLoad(*projectDir)
	if err != nil {
		fail(err)
	}
	if m == nil {
		fail(fmt.Errorf("no mote.toml found under %s", *projectDir))
	}

	switch cmd := flag.Arg(0); cmd {
	case "build":
		handleBuild(m, *verbose)
	case "disasm":
		handleDisasm(m)
	case "flash":
		handleFlash(m)
	case "run":
		handleRun(m, *waitMS, *verbose)
	case "state":
		handleState(m)
	case "reset":
		handleReset(m)
	case "monitor":
		handleMonitor(m)
	case "history":
		handleHistory(m)
	case "serve":
		handleServe(m, *servePort)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		flag.Usage()
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func handleServe(m *manifest.Manifest, port int) {
	srv, err := server.New(m)
	if err != nil {
		fail(err)
	}
	defer srv.Stop()
	addr := fmt.Sprintf(":%d", port)
	if err := srv.ListenAndServe(addr); err != nil {
		fail(err)
	}
}
