// Package server exposes the host pipeline and one device connection as a
// Connect RPC control service: compile, upload, run, query, reset, and fault
// history procedures for IDE and automation clients.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"

	"github.com/motelab/mote/engine"
	"github.com/motelab/mote/image"
	"github.com/motelab/mote/manifest"
	"github.com/motelab/mote/program"
	"github.com/motelab/mote/store"
	"github.com/motelab/mote/transport"

	_ "github.com/tliron/commonlog/simple"
)

// Procedure paths served by the control service.
const (
	CompileProcedure = "/mote.v1.DeviceService/Compile"
	UploadProcedure  = "/mote.v1.DeviceService/Upload"
	RunProcedure     = "/mote.v1.DeviceService/Run"
	StateProcedure   = "/mote.v1.DeviceService/State"
	ResetProcedure   = "/mote.v1.DeviceService/Reset"
	FaultsProcedure  = "/mote.v1.DeviceService/Faults"
)

// ---------------------------------------------------------------------------
// Procedure messages
// ---------------------------------------------------------------------------

// CompileRequest asks for a compilation of the project sources without
// touching the device.
type CompileRequest struct {
	// Disasm requests a disassembly listing of the compiled image.
	Disasm bool `cbor:"1,keyasint,omitempty"`
}

// CompileResponse summarizes the compiled image.
type CompileResponse struct {
	Project   string `cbor:"1,keyasint,omitempty"`
	Entry     string `cbor:"2,keyasint,omitempty"`
	Hash      string `cbor:"3,keyasint,omitempty"`
	Size      int    `cbor:"4,keyasint,omitempty"`
	Classes   int    `cbor:"5,keyasint,omitempty"`
	Methods   int    `cbor:"6,keyasint,omitempty"`
	Constants int    `cbor:"7,keyasint,omitempty"`
	Disasm    string `cbor:"8,keyasint,omitempty"`
}

// UploadRequest compiles the project and uploads the image to the device.
type UploadRequest struct{}

// StateResponse reports the device execution state. Result fields are set
// only after a completed run.
type StateResponse struct {
	State      string `cbor:"1,keyasint,omitempty"`
	ResultKind string `cbor:"2,keyasint,omitempty"`
	Result     int64  `cbor:"3,keyasint,omitempty"`
}

// RunRequest starts execution. WaitMS > 0 waits that long for an outcome;
// zero returns as soon as the device confirms it is running.
type RunRequest struct {
	WaitMS int64 `cbor:"1,keyasint,omitempty"`
}

// FaultInfo is a fault report symbolized through the last compiled image.
type FaultInfo struct {
	Type   string `cbor:"1,keyasint,omitempty"`
	Method string `cbor:"2,keyasint,omitempty"`
	Offset uint32 `cbor:"3,keyasint,omitempty"`
}

// RunResponse reports the state after start and, when waited for, the
// outcome.
type RunResponse struct {
	State      string     `cbor:"1,keyasint,omitempty"`
	ResultKind string     `cbor:"2,keyasint,omitempty"`
	Result     int64      `cbor:"3,keyasint,omitempty"`
	Fault      *FaultInfo `cbor:"4,keyasint,omitempty"`
}

// StateRequest queries the device execution state.
type StateRequest struct{}

// ResetRequest discards the device's run state, keeping the image.
type ResetRequest struct{}

// FaultsRequest lists recent fault history.
type FaultsRequest struct {
	Limit int `cbor:"1,keyasint,omitempty"`
}

// FaultRow is one fault history entry.
type FaultRow struct {
	Project string `cbor:"1,keyasint,omitempty"`
	Type    string `cbor:"2,keyasint,omitempty"`
	Method  string `cbor:"3,keyasint,omitempty"`
	Offset  uint32 `cbor:"4,keyasint,omitempty"`
	At      int64  `cbor:"5,keyasint,omitempty"` // unix seconds
}

// FaultsResponse lists recent faults, newest first.
type FaultsResponse struct {
	Faults []FaultRow `cbor:"1,keyasint,omitempty"`
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// MoteServer is the host control service wrapping one device connection.
type MoteServer struct {
	manifest *manifest.Manifest
	worker   *DeviceWorker
	history  *store.Store
	mux      *http.ServeMux
	log      commonlog.Logger

	ownHistory bool

	mu  sync.Mutex
	img *image.Image // last compiled image, for fault symbolization
}

// ServerOption configures a MoteServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	dial    DialFunc
	history *store.Store
}

// WithDialer overrides how the device connection is opened. The default
// dials the manifest's device port.
func WithDialer(dial DialFunc) ServerOption {
	return func(c *serverConfig) { c.dial = dial }
}

// WithHistory supplies an open history store, which the caller keeps owning.
// The default opens the manifest's store path.
func WithHistory(st *store.Store) ServerOption {
	return func(c *serverConfig) { c.history = st }
}

// New creates a MoteServer for the given project.
func New(m *manifest.Manifest, opts ...ServerOption) (*MoteServer, error) {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.dial == nil {
		port := m.Device.Port
		cfg.dial = func(ctx context.Context) (net.Conn, error) {
			return DialPort(ctx, port)
		}
	}

	s := &MoteServer{
		manifest: m,
		history:  cfg.history,
		mux:      http.NewServeMux(),
		log:      commonlog.GetLogger("mote.server"),
	}
	if s.history == nil {
		path := m.StorePath()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("server: create store dir: %w", err)
		}
		st, err := store.Open(path)
		if err != nil {
			return nil, err
		}
		s.history = st
		s.ownHistory = true
	}

	s.worker = NewDeviceWorker(cfg.dial, transport.UploaderConfig{
		MaxChunk: m.Device.Chunk,
		Retries:  m.Device.Retries,
		Timeout:  time.Duration(m.Device.TimeoutMS) * time.Millisecond,
	})

	codec := connect.WithCodec(cborCodec{})
	s.mux.Handle(CompileProcedure, connect.NewUnaryHandler(CompileProcedure, s.Compile, codec))
	s.mux.Handle(UploadProcedure, connect.NewUnaryHandler(UploadProcedure, s.Upload, codec))
	s.mux.Handle(RunProcedure, connect.NewUnaryHandler(RunProcedure, s.Run, codec))
	s.mux.Handle(StateProcedure, connect.NewUnaryHandler(StateProcedure, s.State, codec))
	s.mux.Handle(ResetProcedure, connect.NewUnaryHandler(ResetProcedure, s.Reset, codec))
	s.mux.Handle(FaultsProcedure, connect.NewUnaryHandler(FaultsProcedure, s.Faults, codec))

	return s, nil
}

// Handler returns the HTTP handler serving the Connect procedures.
func (s *MoteServer) Handler() http.Handler { return s.mux }

// ListenAndServe starts the control service on addr ("host:port" or ":port").
func (s *MoteServer) ListenAndServe(addr string) error {
	s.log.Noticef("control service for %s listening on %s", s.manifest.Project.Name, addr)
	return http.ListenAndServe(addr, s.mux)
}

// Stop shuts down the device worker, and the history store when the server
// opened it.
func (s *MoteServer) Stop() {
	s.worker.Stop()
	if s.ownHistory {
		s.history.Close()
	}
}

// ---------------------------------------------------------------------------
// Procedures
// ---------------------------------------------------------------------------

// Compile builds the project image without touching the device.
func (s *MoteServer) Compile(ctx context.Context, req *connect.Request[CompileRequest]) (*connect.Response[CompileResponse], error) {
	img, err := BuildProject(s.manifest)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	encoded := img.Encode()
	b := store.NewBuild(s.manifest.Project.Name, img, encoded)
	s.setImage(img)

	resp := &CompileResponse{
		Project:   b.Project,
		Entry:     b.Entry,
		Hash:      b.Hash,
		Size:      b.Size,
		Classes:   b.Classes,
		Methods:   b.Methods,
		Constants: b.Constants,
	}
	if req.Msg.Disasm {
		resp.Disasm = img.Disassemble()
	}
	return connect.NewResponse(resp), nil
}

// Upload compiles the project and uploads the image to the device, recording
// the build in history.
func (s *MoteServer) Upload(ctx context.Context, req *connect.Request[UploadRequest]) (*connect.Response[StateResponse], error) {
	img, err := BuildProject(s.manifest)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	encoded := img.Encode()

	if _, err := s.worker.Do(ctx, func(ctx context.Context, up *transport.Uploader) (any, error) {
		return nil, up.Upload(ctx, img)
	}); err != nil {
		return nil, deviceError(err)
	}

	s.setImage(img)
	b := store.NewBuild(s.manifest.Project.Name, img, encoded)
	if _, err := s.history.RecordBuild(b); err != nil {
		s.log.Errorf("record build: %v", err)
	}
	s.log.Infof("uploaded %s (%d bytes, %d methods)", b.Project, b.Size, b.Methods)

	return connect.NewResponse(&StateResponse{State: engine.StateLoaded.String()}), nil
}

// Run starts execution on the device and, when WaitMS is set, waits up to
// that long for the outcome. Faults are recorded in history.
func (s *MoteServer) Run(ctx context.Context, req *connect.Request[RunRequest]) (*connect.Response[RunResponse], error) {
	wait := time.Duration(req.Msg.WaitMS) * time.Millisecond

	v, err := s.worker.Do(ctx, func(ctx context.Context, up *transport.Uploader) (any, error) {
		if err := up.Start(ctx); err != nil {
			return nil, err
		}
		resp := &RunResponse{State: engine.StateRunning.String()}
		if wait <= 0 {
			return resp, nil
		}

		wctx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		state, fault, err := up.WaitOutcome(wctx)
		switch {
		case fault != nil:
			resp.State = engine.StateFaulted.String()
			resp.Fault = s.symbolize(fault)
			s.recordFault(fault)
		case state != nil:
			resp.State = engine.State(state.State).String()
			resp.ResultKind = program.Kind(state.ResultKind).String()
			resp.Result = state.ResultInt
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			// Still running when the wait window closed; not a failure.
		default:
			return nil, err
		}
		return resp, nil
	})
	if err != nil {
		return nil, deviceError(err)
	}
	return connect.NewResponse(v.(*RunResponse)), nil
}

// State queries the device execution state.
func (s *MoteServer) State(ctx context.Context, req *connect.Request[StateRequest]) (*connect.Response[StateResponse], error) {
	v, err := s.worker.Do(ctx, func(ctx context.Context, up *transport.Uploader) (any, error) {
		r, err := up.QueryState(ctx)
		if err != nil {
			return nil, err
		}
		return stateResponse(r), nil
	})
	if err != nil {
		return nil, deviceError(err)
	}
	return connect.NewResponse(v.(*StateResponse)), nil
}

// Reset discards the device's run state, keeping the loaded image.
func (s *MoteServer) Reset(ctx context.Context, req *connect.Request[ResetRequest]) (*connect.Response[StateResponse], error) {
	v, err := s.worker.Do(ctx, func(ctx context.Context, up *transport.Uploader) (any, error) {
		if err := up.Reset(ctx); err != nil {
			return nil, err
		}
		r, err := up.QueryState(ctx)
		if err != nil {
			return nil, err
		}
		return stateResponse(r), nil
	})
	if err != nil {
		return nil, deviceError(err)
	}
	return connect.NewResponse(v.(*StateResponse)), nil
}

// Faults lists recent fault history, newest first.
func (s *MoteServer) Faults(ctx context.Context, req *connect.Request[FaultsRequest]) (*connect.Response[FaultsResponse], error) {
	rows, err := s.history.RecentFaults(req.Msg.Limit)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	resp := &FaultsResponse{}
	for _, f := range rows {
		resp.Faults = append(resp.Faults, FaultRow{
			Project: f.Project,
			Type:    f.Type,
			Method:  f.Method,
			Offset:  f.Offset,
			At:      f.CreatedAt.Unix(),
		})
	}
	return connect.NewResponse(resp), nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func stateResponse(r transport.StateReport) *StateResponse {
	resp := &StateResponse{State: engine.State(r.State).String()}
	if engine.State(r.State) == engine.StateCompleted {
		resp.ResultKind = program.Kind(r.ResultKind).String()
		resp.Result = r.ResultInt
	}
	return resp
}

// deviceError maps a device operation failure onto a Connect error code.
func deviceError(err error) *connect.Error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	case errors.Is(err, ErrNoDevice), connBroken(err):
		return connect.NewError(connect.CodeUnavailable, err)
	default:
		return connect.NewError(connect.CodeFailedPrecondition, err)
	}
}

func (s *MoteServer) setImage(img *image.Image) {
	s.mu.Lock()
	s.img = img
	s.mu.Unlock()
}

func (s *MoteServer) symbols() *image.SymbolTable {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.img == nil {
		return nil
	}
	return s.img.Symbols
}

// symbolize maps a fault report's tokens to identities through the last
// compiled image. Reserved fault names resolve even without one.
func (s *MoteServer) symbolize(f *transport.FaultReport) *FaultInfo {
	syms := s.symbols()
	info := &FaultInfo{
		Type:   syms.ClassName(image.Token(f.Type)),
		Offset: f.Offset,
	}
	if f.Method != 0 {
		info.Method = syms.MethodName(image.Token(f.Method))
	}
	return info
}

func (s *MoteServer) recordFault(f *transport.FaultReport) {
	info := s.symbolize(f)
	if _, err := s.history.RecordFault(store.Fault{
		Project: s.manifest.Project.Name,
		Type:    info.Type,
		Method:  info.Method,
		Offset:  f.Offset,
	}); err != nil {
		s.log.Errorf("record fault: %v", err)
	}
}
