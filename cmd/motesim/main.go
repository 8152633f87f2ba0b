// Motesim - a simulated mote device on a TCP port.
//
// Serves the device protocol with the reference engine and a bridge of
// simulated peripherals, so projects can be flashed and run without
// hardware: set `port = "tcp:localhost:7070"` in mote.toml and point the
// mote CLI at it.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/tliron/commonlog"

	"github.com/motelab/mote/engine"
	"github.com/motelab/mote/transport"

	_ "github.com/tliron/commonlog/simple"
)

// pinCount is the size of the simulated GPIO bank.
const pinCount = 32

func main() {
	listen := flag.String("listen", ":7070", "TCP address to serve the device protocol on")
	chunk := flag.Int("chunk", 0, "Advertised chunk capacity in bytes (0 for the default)")
	arena := flag.Int("arena", 0, "Object arena capacity (0 for the default)")
	frames := flag.Int("frames", 0, "Call depth limit (0 for the default)")
	verbose := flag.Bool("v", false, "Log bridge operations")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: motesim [options]\n\n")
		fmt.Fprintf(os.Stderr, "Simulates a mote device. Bridge operations:\n")
		fmt.Fprintf(os.Stderr, "  gpio.write (II)V   Set a pin (0-%d) to a level\n", pinCount-1)
		fmt.Fprintf(os.Stderr, "  gpio.read  (I)I    Read a pin level\n")
		fmt.Fprintf(os.Stderr, "  sim.print  (I)V    Print an integer to stdout\n")
		fmt.Fprintf(os.Stderr, "  sim.millis ()I     Milliseconds since the simulator started\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *verbose {
		commonlog.Configure(1, nil)
	}
	log := commonlog.GetLogger("motesim")

	dev := transport.NewDevice(
		engine.New(engine.Config{ArenaCapacity: *arena, MaxFrames: *frames}, simBridge(*verbose)),
		transport.DeviceConfig{MaxChunk: *chunk},
	)

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("motesim listening on %s\n", ln.Addr())

	// One connection at a time, like a serial line. The machine survives
	// reconnects the way hardware keeps its image across host restarts.
	for {
		conn, err := ln.Accept()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		log.Infof("host connected from %s", conn.RemoteAddr())
		if err := dev.Serve(conn); err != nil {
			log.Errorf("serve: %v", err)
		}
		log.Infof("host disconnected")
		conn.Close()
	}
}

// simBridge wires the simulated peripherals into a bridge table.
func simBridge(verbose bool) *engine.TableBridge {
	start := time.Now()
	var pins [pinCount]int64

	b := engine.NewTableBridge()
	b.Register("gpio.write", func(args []engine.Value) (engine.Value, error) {
		pin, level := args[0].Int, args[1].Int
		if pin < 0 || pin >= pinCount {
			return engine.Value{}, fmt.Errorf("gpio pin %d out of range", pin)
		}
		pins[pin] = level
		if verbose {
			fmt.Printf("gpio %2d <- %d\n", pin, level)
		}
		return engine.Value{}, nil
	})
	b.Register("gpio.read", func(args []engine.Value) (engine.Value, error) {
		pin := args[0].Int
		if pin < 0 || pin >= pinCount {
			return engine.Value{}, fmt.Errorf("gpio pin %d out of range", pin)
		}
		return engine.IntVal(pins[pin]), nil
	})
	b.Register("sim.print", func(args []engine.Value) (engine.Value, error) {
		fmt.Println(args[0].Int)
		return engine.Value{}, nil
	})
	b.Register("sim.millis", func(args []engine.Value) (engine.Value, error) {
		return engine.IntVal(time.Since(start).Milliseconds()), nil
	})
	return b
}
