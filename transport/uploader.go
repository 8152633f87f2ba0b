package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/motelab/mote/engine"
	"github.com/motelab/mote/image"
)

// ErrRetryBudget marks a chunk that stayed unacknowledged through every
// retransmission. The upload session is dead; the device's partial state must
// be discarded with a fresh hello.
var ErrRetryBudget = errors.New("transport: retry budget exhausted")

const (
	defaultRetries = 3
	defaultTimeout = 2 * time.Second
)

// UploaderConfig tunes the host side of the protocol. Zero values select the
// defaults.
type UploaderConfig struct {
	// MaxChunk is the fragment size the host would like to use. The hello
	// exchange lowers it to the device's advertised capacity.
	MaxChunk int
	// Retries bounds retransmissions per chunk; exceeding it fails the upload.
	Retries int
	// Timeout bounds each wait for a chunk acknowledgement or command reply.
	Timeout time.Duration
}

// Uploader drives the host side of one device connection: hello negotiation,
// chunked declaration upload, execution control, and outcome collection. Not
// safe for concurrent use; the protocol itself is strictly sequential.
//
// Sequence numbers start at zero on both ends of a fresh connection, so an
// Uploader must be created per connection.
type Uploader struct {
	conn    net.Conn
	chunk   int
	retries int
	timeout time.Duration
	seq     uint16

	// Reports that arrived while waiting for something else. State reports
	// are run outcomes; fault reports also cover rejected declarations.
	pendingState *StateReport
	pendingFault *FaultReport
}

// NewUploader wraps a fresh connection to a device.
func NewUploader(conn net.Conn, cfg UploaderConfig) *Uploader {
	if cfg.MaxChunk <= 0 {
		cfg.MaxChunk = DefaultMaxChunk
	}
	if cfg.Retries <= 0 {
		cfg.Retries = defaultRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Uploader{
		conn:    conn,
		chunk:   cfg.MaxChunk,
		retries: cfg.Retries,
		timeout: cfg.Timeout,
	}
}

// Hello opens the session: the device discards any held image and answers
// with its protocol version and chunk capacity, which caps the fragment size
// for the rest of the session.
func (u *Uploader) Hello(ctx context.Context) (HelloAck, error) {
	if err := u.send(ctx, CmdHello, Hello{Version: ProtocolVersion}); err != nil {
		return HelloAck{}, err
	}
	f, err := u.awaitReply(ctx, CmdHelloAck)
	if err != nil {
		return HelloAck{}, fmt.Errorf("transport: hello: %w", err)
	}
	var ack HelloAck
	if err := cbor.Unmarshal(f.Payload, &ack); err != nil {
		return HelloAck{}, fmt.Errorf("transport: hello reply: %w", err)
	}
	if ack.Version != ProtocolVersion {
		return ack, fmt.Errorf("transport: device speaks protocol %d, host speaks %d", ack.Version, ProtocolVersion)
	}
	if int(ack.MaxChunk) > 0 && int(ack.MaxChunk) < u.chunk {
		u.chunk = int(ack.MaxChunk)
	}
	// Stale reports from the previous session precede the hello
	// acknowledgement on the wire, so anything stashed by now is obsolete.
	u.pendingState, u.pendingFault = nil, nil
	return ack, nil
}

// Upload opens a session and declares the whole image in dependency order:
// constants, then classes, then method bodies, then the entry point. It
// confirms the device accepted everything before returning.
func (u *Uploader) Upload(ctx context.Context, img *image.Image) error {
	if _, err := u.Hello(ctx); err != nil {
		return err
	}
	for i, c := range img.Constants {
		tok := image.TokenBase + image.Token(i)
		if err := u.send(ctx, CmdDeclConstant, constDecl(tok, c)); err != nil {
			return err
		}
	}
	for _, c := range img.Classes {
		if err := u.send(ctx, CmdDeclClass, classDecl(c)); err != nil {
			return err
		}
	}
	for _, m := range img.Methods {
		if err := u.send(ctx, CmdDeclMethod, methodDecl(m)); err != nil {
			return err
		}
	}
	if err := u.send(ctx, CmdSetEntry, EntryDecl{Token: uint16(img.Entry)}); err != nil {
		return err
	}

	// The state query forces a full round trip, so a rejection report from
	// any earlier declaration has reached us by the time it answers.
	r, err := u.QueryState(ctx)
	if err != nil {
		return err
	}
	if f := u.pendingFault; f != nil {
		u.pendingFault = nil
		return fmt.Errorf("transport: device rejected upload: %s", f)
	}
	if engine.State(r.State) != engine.StateLoaded {
		return fmt.Errorf("transport: device in state %s after upload", engine.State(r.State))
	}
	return nil
}

// Start arms and launches execution. The device answers with the machine
// state after the start attempt; anything but running is a failure.
func (u *Uploader) Start(ctx context.Context) error {
	// A new run invalidates any outcome still held from the previous one.
	u.pendingState, u.pendingFault = nil, nil
	if err := u.send(ctx, CmdStart, nil); err != nil {
		return err
	}
	r, err := u.stateReply(ctx, "start")
	if err != nil {
		return err
	}
	if engine.State(r.State) == engine.StateRunning {
		return nil
	}
	if f := u.pendingFault; f != nil {
		u.pendingFault = nil
		return fmt.Errorf("transport: device refused to start: %s", f)
	}
	return fmt.Errorf("transport: device in state %s after start", engine.State(r.State))
}

// QueryState asks for the current machine state.
func (u *Uploader) QueryState(ctx context.Context) (StateReport, error) {
	if err := u.send(ctx, CmdQueryState, nil); err != nil {
		return StateReport{}, err
	}
	return u.stateReply(ctx, "query state")
}

// Pause parks the run at its next method-call boundary.
func (u *Uploader) Pause(ctx context.Context) error {
	return u.send(ctx, CmdPause, nil)
}

// Resume releases a paused run.
func (u *Uploader) Resume(ctx context.Context) error {
	return u.send(ctx, CmdResume, nil)
}

// Reset discards the device's runtime state unconditionally, aborting any
// run in flight. The image stays declared.
func (u *Uploader) Reset(ctx context.Context) error {
	return u.send(ctx, CmdReset, nil)
}

// WaitOutcome blocks until the started run finishes: a state report for
// completion or a fault report. Exactly one of the two is non-nil. Unlike
// the other waits this one has no internal timeout; bound it with ctx.
func (u *Uploader) WaitOutcome(ctx context.Context) (*StateReport, *FaultReport, error) {
	stop := context.AfterFunc(ctx, func() { u.conn.SetReadDeadline(time.Now()) })
	defer stop()
	defer u.conn.SetReadDeadline(time.Time{})
	for {
		if f := u.pendingFault; f != nil {
			u.pendingFault = nil
			return nil, f, nil
		}
		if s := u.pendingState; s != nil {
			u.pendingState = nil
			return s, nil, nil
		}
		f, err := ReadFrame(u.conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			return nil, nil, fmt.Errorf("transport: wait outcome: %w", err)
		}
		u.stash(f)
	}
}

// ---------------------------------------------------------------------------
// Chunked command transmission
// ---------------------------------------------------------------------------

// send marshals v (nil for bare commands) and transmits it as a sequence of
// acknowledged chunks.
func (u *Uploader) send(ctx context.Context, cmd Cmd, v any) error {
	var payload []byte
	if v != nil {
		var err error
		if payload, err = cborEnc.Marshal(v); err != nil {
			return fmt.Errorf("transport: marshal %s: %w", cmd, err)
		}
	}
	for start := 0; ; {
		end := min(start+u.chunk, len(payload))
		last := end == len(payload)
		if err := u.sendChunk(ctx, cmd, payload[start:end], last); err != nil {
			return err
		}
		if last {
			return nil
		}
		start = end
	}
}

// sendChunk transmits one fragment and blocks for its acknowledgement,
// retransmitting on NACK, corruption, or timeout until the budget runs out.
func (u *Uploader) sendChunk(ctx context.Context, cmd Cmd, frag []byte, last bool) error {
	payload := encodeChunk(u.seq, last, frag)
	for attempt := 0; attempt <= u.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := WriteFrame(u.conn, cmd, payload); err != nil {
			return err
		}
		acked, err := u.awaitAck(ctx)
		switch {
		case err == nil && acked:
			u.seq++
			return nil
		case err == nil:
			// Negative acknowledgement; retransmit.
		case errors.Is(err, ErrChecksum) || isTimeout(err):
			// Corrupted or missing acknowledgement; retransmit.
		default:
			return fmt.Errorf("transport: %s chunk %d: %w", cmd, u.seq, err)
		}
	}
	return fmt.Errorf("transport: %s chunk %d: %w (%d attempts)", cmd, u.seq, ErrRetryBudget, u.retries+1)
}

// awaitAck reads frames until the current chunk is acknowledged or refused.
// Reports that cross the exchange are stashed for WaitOutcome.
func (u *Uploader) awaitAck(ctx context.Context) (bool, error) {
	restore, err := u.deadline(ctx)
	if err != nil {
		return false, err
	}
	defer restore()
	for {
		f, err := ReadFrame(u.conn)
		if err != nil {
			return false, err
		}
		switch f.Cmd {
		case CmdAck:
			seq, err := decodeAck(f.Payload)
			if err != nil {
				return false, err
			}
			if seq == u.seq {
				return true, nil
			}
			// Stale acknowledgement of an earlier retransmission.
		case CmdNack:
			expect, err := decodeAck(f.Payload)
			if err != nil {
				return false, err
			}
			if expect == u.seq+1 {
				// The device already holds this chunk; its ACK was lost.
				return true, nil
			}
			return false, nil
		default:
			u.stash(f)
		}
	}
}

// awaitReply reads frames until one with the wanted command arrives.
func (u *Uploader) awaitReply(ctx context.Context, want Cmd) (Frame, error) {
	restore, err := u.deadline(ctx)
	if err != nil {
		return Frame{}, err
	}
	defer restore()
	for {
		f, err := ReadFrame(u.conn)
		if err != nil {
			return Frame{}, err
		}
		if f.Cmd == want {
			return f, nil
		}
		u.stash(f)
	}
}

func (u *Uploader) stateReply(ctx context.Context, what string) (StateReport, error) {
	f, err := u.awaitReply(ctx, CmdStateReport)
	if err != nil {
		return StateReport{}, fmt.Errorf("transport: %s: %w", what, err)
	}
	var r StateReport
	if err := cbor.Unmarshal(f.Payload, &r); err != nil {
		return StateReport{}, fmt.Errorf("transport: %s reply: %w", what, err)
	}
	return r, nil
}

// stash holds on to reports that arrive while another exchange is in flight.
func (u *Uploader) stash(f Frame) {
	switch f.Cmd {
	case CmdStateReport:
		var r StateReport
		if cbor.Unmarshal(f.Payload, &r) == nil {
			u.pendingState = &r
		}
	case CmdFaultReport:
		var r FaultReport
		if cbor.Unmarshal(f.Payload, &r) == nil {
			u.pendingFault = &r
		}
	}
}

// deadline arms the connection's read deadline for one wait, honoring an
// earlier ctx deadline, and returns the disarm function.
func (u *Uploader) deadline(ctx context.Context) (func(), error) {
	d := time.Now().Add(u.timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		d = cd
	}
	if err := u.conn.SetReadDeadline(d); err != nil {
		return nil, fmt.Errorf("transport: arm read deadline: %w", err)
	}
	return func() { u.conn.SetReadDeadline(time.Time{}) }, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
