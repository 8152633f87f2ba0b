package transport

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/fxamacker/cbor/v2"

	"github.com/motelab/mote/engine"
	"github.com/motelab/mote/image"
)

// DeviceConfig tunes the device side of the protocol.
type DeviceConfig struct {
	// MaxChunk is the payload fragment capacity advertised in the hello
	// acknowledgement, modeling the device's frame buffer.
	MaxChunk int
}

// Device drives an engine machine from a command stream: it reassembles
// chunked commands, applies declarations, launches runs, and pushes state
// and fault reports back to the host. One connection at a time.
type Device struct {
	m        *engine.Machine
	maxChunk int

	// out queues encoded frames for the writer goroutine, modeling the
	// transmit buffer a real device drains independently of its receive
	// path. Acknowledgements never wait on the host reading a report.
	out chan []byte

	expect   uint16  // next chunk sequence accepted
	assembly []byte  // command payload being reassembled
	replay   []Frame // replies re-sent when the last applied chunk is retransmitted

	runDone chan struct{} // closed by the run goroutine; nil when none was launched
}

// txQueueDepth bounds outstanding frames awaiting transmission. Lockstep
// exchanges keep at most a handful in flight.
const txQueueDepth = 64

// NewDevice wraps a machine for serving.
func NewDevice(m *engine.Machine, cfg DeviceConfig) *Device {
	if cfg.MaxChunk <= 0 {
		cfg.MaxChunk = DefaultMaxChunk
	}
	if cfg.MaxChunk > MaxPayload-chunkPrefix {
		cfg.MaxChunk = MaxPayload - chunkPrefix
	}
	return &Device{m: m, maxChunk: cfg.MaxChunk}
}

// Machine exposes the driven machine, for simulators that inspect it.
func (d *Device) Machine() *engine.Machine { return d.m }

// Serve reads command frames until the connection closes, corrupted frames
// answered with NACK and everything else dispatched to the machine. Any run
// still in flight is aborted before Serve returns.
func (d *Device) Serve(conn net.Conn) error {
	d.expect = 0
	d.assembly = nil
	d.replay = nil
	d.out = make(chan []byte, txQueueDepth)
	go transmit(conn, d.out)
	defer func() {
		d.stopRun() // the run goroutine may still be queueing its outcome
		close(d.out)
	}()
	for {
		f, err := ReadFrame(conn)
		switch {
		case err == nil:
		case errors.Is(err, ErrChecksum):
			d.nack()
			continue
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
			errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed):
			return nil
		default:
			return fmt.Errorf("transport: device read: %w", err)
		}
		d.handle(f)
	}
}

// transmit drains the frame queue onto the connection. After a write error
// it keeps draining so queueing never blocks on a dead connection.
func transmit(conn net.Conn, out <-chan []byte) {
	dead := false
	for buf := range out {
		if dead {
			continue
		}
		if _, err := conn.Write(buf); err != nil {
			dead = true
		}
	}
}

// handle runs the chunk acceptance protocol for one frame.
func (d *Device) handle(f Frame) {
	switch f.Cmd {
	case CmdAck, CmdNack, CmdHelloAck, CmdStateReport, CmdFaultReport:
		// Not host-to-device traffic; ignore.
		return
	}
	seq, last, frag, err := decodeChunk(f.Payload)
	if err != nil {
		d.nack()
		return
	}
	switch {
	case seq == d.expect:
		d.replay = nil
		d.assembly = append(d.assembly, frag...)
		d.expect++
		d.ack(seq)
		if last {
			payload := d.assembly
			d.assembly = nil
			d.replay = d.apply(f.Cmd, payload)
		}
	case seq+1 == d.expect:
		// Retransmission of the chunk we already hold: its acknowledgement
		// (and any replies) were lost. Re-acknowledge without reapplying.
		d.ack(seq)
		d.write(d.replay...)
	default:
		d.nack()
	}
}

// apply executes one fully reassembled command and returns the reply frames
// it wrote, for replay if the host retransmits. A run already in flight is
// aborted before any command that mutates declarations — host commands
// discard Running state unconditionally.
func (d *Device) apply(cmd Cmd, payload []byte) []Frame {
	switch cmd {
	case CmdHello:
		var h Hello
		if err := cbor.Unmarshal(payload, &h); err != nil {
			return d.reject()
		}
		d.stopRun()
		d.m.BeginImage()
		return d.write(Frame{CmdHelloAck, mustMarshal(HelloAck{
			Version:  ProtocolVersion,
			MaxChunk: uint16(d.maxChunk),
		})})

	case CmdDeclClass:
		var decl ClassDecl
		if err := cbor.Unmarshal(payload, &decl); err != nil {
			return d.reject()
		}
		d.stopRun()
		if err := d.m.DeclareClass(decl.desc()); err != nil {
			return d.reject()
		}
		return nil

	case CmdDeclMethod:
		var decl MethodDecl
		if err := cbor.Unmarshal(payload, &decl); err != nil {
			return d.reject()
		}
		d.stopRun()
		if err := d.m.DeclareMethod(decl.desc()); err != nil {
			return d.reject()
		}
		return nil

	case CmdDeclConstant:
		var decl ConstDecl
		if err := cbor.Unmarshal(payload, &decl); err != nil {
			return d.reject()
		}
		d.stopRun()
		tok, c := decl.constant()
		if err := d.m.DeclareConstant(tok, c); err != nil {
			return d.reject()
		}
		return nil

	case CmdSetEntry:
		var decl EntryDecl
		if err := cbor.Unmarshal(payload, &decl); err != nil {
			return d.reject()
		}
		d.stopRun()
		if err := d.m.SetEntry(image.Token(decl.Token)); err != nil {
			return d.reject()
		}
		return nil

	case CmdStart:
		d.stopRun()
		if err := d.m.Start(); err != nil {
			return d.write(d.faultFrame(), d.stateFrame())
		}
		// Reply before launching so the running report is on the wire ahead
		// of any outcome the run pushes.
		frames := d.write(d.stateFrame())
		done := make(chan struct{})
		d.runDone = done
		go d.run(done)
		return frames

	case CmdQueryState:
		return d.write(d.stateFrame())

	case CmdPause:
		d.m.Pause()
		return nil

	case CmdResume:
		d.m.Resume()
		return nil

	case CmdReset:
		d.stopRun()
		d.m.Reset()
		return nil

	default:
		return d.reject()
	}
}

// run executes the armed image and pushes the outcome. Aborts push nothing;
// the host initiated them and already knows.
func (d *Device) run(done chan struct{}) {
	defer close(done)
	v, err := d.m.Run()
	switch {
	case err == nil:
		d.write(Frame{CmdStateReport, mustMarshal(StateReport{
			State:      uint8(engine.StateCompleted),
			ResultKind: uint8(v.Kind),
			ResultInt:  v.Int,
		})})
	case errors.Is(err, engine.ErrAborted):
	default:
		d.write(d.faultFrame())
	}
}

// stopRun aborts a run in flight and waits for its goroutine to drain.
func (d *Device) stopRun() {
	if d.runDone == nil {
		return
	}
	d.m.Abort()
	<-d.runDone
	d.runDone = nil
}

// reject reports a refused or malformed command. The chunk was acknowledged
// — transport delivered it fine — so the refusal travels as a fault report.
func (d *Device) reject() []Frame {
	return d.write(Frame{CmdFaultReport, mustMarshal(FaultReport{
		Type: uint16(image.FaultBadImage),
	})})
}

func (d *Device) stateFrame() Frame {
	r := StateReport{State: uint8(d.m.State())}
	if engine.State(r.State) == engine.StateCompleted {
		v := d.m.Result()
		r.ResultKind = uint8(v.Kind)
		r.ResultInt = v.Int
	}
	return Frame{CmdStateReport, mustMarshal(r)}
}

func (d *Device) faultFrame() Frame {
	r := FaultReport{Type: uint16(image.FaultBadImage)}
	if f := d.m.Fault(); f != nil {
		r = FaultReport{Type: uint16(f.Type), Method: uint32(f.Method), Offset: f.Offset}
	}
	return Frame{CmdFaultReport, mustMarshal(r)}
}

func (d *Device) ack(seq uint16) { d.write(Frame{CmdAck, ackPayload(seq)}) }
func (d *Device) nack()          { d.write(Frame{CmdNack, ackPayload(d.expect)}) }

// write queues frames for transmission in order. The wire structs keep
// payloads under the frame limit, so encoding cannot fail here.
func (d *Device) write(frames ...Frame) []Frame {
	for _, f := range frames {
		buf, err := encodeFrame(f.Cmd, f.Payload)
		if err != nil {
			break
		}
		d.out <- buf
	}
	return frames
}
