package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/motelab/mote/transport"
)

// DialFunc opens a connection to the device.
type DialFunc func(ctx context.Context) (net.Conn, error)

// ErrWorkerStopped is returned for requests submitted after Stop.
var ErrWorkerStopped = errors.New("server: device worker stopped")

// ErrNoDevice wraps dial failures: the device could not be reached at all.
var ErrNoDevice = errors.New("server: cannot reach device")

// deviceRequest represents a unit of work to be executed on the worker
// goroutine.
type deviceRequest struct {
	ctx  context.Context
	fn   func(ctx context.Context, up *transport.Uploader) (any, error)
	done chan deviceResult
}

// deviceResult holds the return value from a device operation.
type deviceResult struct {
	value any
	err   error
}

// DeviceWorker serializes all device access through a single goroutine. The
// wire protocol allows one outstanding exchange per connection, so every
// handler must go through the worker to avoid interleaving.
type DeviceWorker struct {
	dial     DialFunc
	cfg      transport.UploaderConfig
	requests chan deviceRequest
	quit     chan struct{}

	// Owned by the worker goroutine.
	conn net.Conn
	up   *transport.Uploader
}

// NewDeviceWorker creates a DeviceWorker and starts the processing goroutine.
// The connection is dialed lazily on first use and redialed after transport
// failures.
func NewDeviceWorker(dial DialFunc, cfg transport.UploaderConfig) *DeviceWorker {
	w := &DeviceWorker{
		dial:     dial,
		cfg:      cfg,
		requests: make(chan deviceRequest, 16),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes device requests sequentially on a dedicated goroutine.
func (w *DeviceWorker) loop() {
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req)
		case <-w.quit:
			w.drop()
			for {
				select {
				case req := <-w.requests:
					req.done <- deviceResult{err: ErrWorkerStopped}
				default:
					return
				}
			}
		}
	}
}

// execute runs one request, recovering from panics and dropping the
// connection when the transport can no longer be trusted.
func (w *DeviceWorker) execute(req deviceRequest) (res deviceResult) {
	defer func() {
		if r := recover(); r != nil {
			w.drop()
			res = deviceResult{err: fmt.Errorf("server: device op panicked: %v", r)}
		}
	}()

	up, err := w.uploader(req.ctx)
	if err != nil {
		return deviceResult{err: err}
	}
	value, err := req.fn(req.ctx, up)
	if connBroken(err) {
		w.drop()
	}
	return deviceResult{value: value, err: err}
}

func (w *DeviceWorker) uploader(ctx context.Context) (*transport.Uploader, error) {
	if w.up != nil {
		return w.up, nil
	}
	conn, err := w.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	w.conn = conn
	w.up = transport.NewUploader(conn, w.cfg)
	return w.up, nil
}

func (w *DeviceWorker) drop() {
	if w.conn != nil {
		w.conn.Close()
	}
	w.conn = nil
	w.up = nil
}

// Do submits a function for execution on the worker goroutine and blocks
// until it completes or ctx is done.
func (w *DeviceWorker) Do(ctx context.Context, fn func(ctx context.Context, up *transport.Uploader) (any, error)) (any, error) {
	req := deviceRequest{ctx: ctx, fn: fn, done: make(chan deviceResult, 1)}
	select {
	case w.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.quit:
		return nil, ErrWorkerStopped
	}
	select {
	case res := <-req.done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop shuts down the worker goroutine and closes the device connection.
func (w *DeviceWorker) Stop() {
	close(w.quit)
}

// connBroken reports whether an error means the connection, or the session
// state behind it, is no longer trustworthy. A canceled operation counts: it
// may have abandoned an exchange mid-flight.
func connBroken(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, transport.ErrRetryBudget) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
