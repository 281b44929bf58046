// Package mpnet is a TCP connection and request-dispatch framework for small
// real-time multiplayer services.
//
// Each accepted socket becomes a Conn with its own listener goroutine that
// cuts the byte stream into frames (handshake, request code, payload) and
// queues the decoded requests. A single dispatch goroutine owned by the
// Server drains every connection in turn, so application handlers never run
// concurrently with each other.
package mpnet

import (
	"bufio"
	"context"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/Zereker/mpnet/metrics"
)

// State is the lifecycle state of a Conn.
type State int32

const (
	// StateUnopened means the connection exists but its listener has not started.
	StateUnopened State = iota
	// StateOpen means the listener is reading frames.
	StateOpen
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn owns one accepted socket. Its listener goroutine decodes frames into
// an inbound queue which ProcessRequests drains into the Driver.
//
// Conns are identified by ID; compare IDs rather than pointers or sockets.
type Conn struct {
	id      uuid.UUID
	rawConn net.Conn
	reader  *Reader
	writer  *Writer
	driver  Driver
	limiter *rate.Limiter
	logger  Logger

	opts options

	state atomic.Int32

	mu    sync.RWMutex // guards queue and the open->closed transition
	queue queue

	done   chan struct{} // closed when the listener exits
	ctx    context.Context
	cancel context.CancelFunc
}

// NewConn wraps raw and builds its Driver with factory. The new connection
// is unopened and already holds the Connected request.
func NewConn(raw net.Conn, factory DriverFactory, opt ...Option) (*Conn, error) {
	if factory == nil {
		return nil, ErrInvalidDriverFactory
	}

	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	c := newConnWithOptions(raw, opts)

	driver, err := factory(c)
	if err != nil {
		return nil, errors.Wrap(err, "create driver")
	}
	if driver == nil {
		return nil, errors.Wrap(ErrInvalidDriverFactory, "factory returned nil driver")
	}
	c.driver = driver

	c.enqueue(Request{Kind: Connected})
	return c, nil
}

// newConnWithOptions creates a new Conn with the given options.
func newConnWithOptions(raw net.Conn, opts options) *Conn {
	reader := NewReader(bufio.NewReaderSize(raw, opts.readBufferSize))
	reader.maxString = opts.maxStringLength

	c := &Conn{
		id:      uuid.New(),
		rawConn: raw,
		reader:  reader,
		writer:  NewWriter(bufio.NewWriterSize(raw, opts.writeBufferSize)),
		logger:  opts.logger,
		opts:    opts,
		done:    make(chan struct{}),
	}
	if opts.rateLimit > 0 {
		c.limiter = rate.NewLimiter(opts.rateLimit, opts.rateBurst)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	return c
}

// ID returns the process-unique identifier assigned at construction.
func (c *Conn) ID() uuid.UUID {
	return c.id
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// Writer returns the frame writer for responses. Only the dispatch goroutine
// should write, and each response must end with Flush.
func (c *Conn) Writer() *Writer {
	return c.writer
}

// Context is cancelled when the connection closes.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// State reports whether the connection is unopened, open or closed.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// IsClosed returns true once the connection has reached StateClosed.
func (c *Conn) IsClosed() bool {
	return c.State() == StateClosed
}

// Pending returns the number of queued requests.
func (c *Conn) Pending() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queue.len()
}

// Open starts the listener goroutine. Opening an open connection does
// nothing; opening a closed one returns ErrConnectionClosed.
func (c *Conn) Open() error {
	if !c.state.CompareAndSwap(int32(StateUnopened), int32(StateOpen)) {
		if c.IsClosed() {
			return ErrConnectionClosed
		}
		return nil
	}

	c.logger.Debug("connection opened", "addr", c.Addr(), "id", c.id)

	if err := c.opts.submit(c.listen); err != nil {
		close(c.done)
		c.shutdown(err)
		return errors.Wrap(err, "start listener")
	}
	return nil
}

// Close queues the Disconnected request, closes the socket and waits for the
// listener to exit. Once Close returns nothing more is queued on c.
// Safe to call multiple times; closing an unopened connection does nothing.
//
// Close must not be called from Driver.Decode, which runs on the listener.
func (c *Conn) Close() error {
	if c.State() == StateUnopened {
		return nil
	}
	_, err := c.shutdown(nil)
	<-c.done
	return err
}

// ProcessRequests hands every queued request to the driver in arrival order
// and returns how many it handled. Handler failures are logged and do not
// stop the drain.
//
// It must not be called concurrently for the same connection; the Server's
// dispatch goroutine is normally the only caller.
func (c *Conn) ProcessRequests() int {
	n := 0
	for {
		req, ok := c.dequeue()
		if !ok {
			return n
		}
		n++
		c.handle(req)
	}
}

func (c *Conn) handle(req Request) {
	defer func() {
		if r := recover(); r != nil {
			metrics.Add(metrics.HandleFails, 1)
			c.logger.Error("request handler panicked", "addr", c.Addr(), "id", c.id,
				"kind", req.Kind, "code", req.Code, "panic", r)
		}
	}()

	metrics.Add(metrics.RequestsHandled, 1)
	err := c.driver.Handle(c, req)
	if err == nil {
		return
	}

	metrics.Add(metrics.HandleFails, 1)
	c.logger.Error("failed to handle request", "addr", c.Addr(), "id", c.id,
		"kind", req.Kind, "code", req.Code, "error", err)

	// A failed response write means the peer is gone.
	if IsTransportError(err) {
		_ = c.Close()
	}
}

// enqueue appends req unless the connection is already closed.
func (c *Conn) enqueue(req Request) bool {
	c.mu.Lock()
	if c.IsClosed() {
		c.mu.Unlock()
		return false
	}
	c.queue.push(req)
	c.mu.Unlock()

	c.opts.notify()
	return true
}

func (c *Conn) dequeue() (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.pop()
}

// shutdown moves an open connection to closed. The Disconnected request is
// queued under the same lock as the state change, so it is always last.
func (c *Conn) shutdown(reason error) (bool, error) {
	c.mu.Lock()
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosed)) {
		c.mu.Unlock()
		return false, nil
	}
	c.queue.push(Request{Kind: Disconnected})
	c.mu.Unlock()

	c.cancel()
	err := c.rawConn.Close()
	metrics.Add(metrics.ConnsClosed, 1)

	if reason != nil {
		c.logger.Info("connection closed with error", "addr", c.Addr(), "id", c.id, "error", reason)
	} else {
		c.logger.Info("connection closed", "addr", c.Addr(), "id", c.id)
	}

	c.opts.notify()
	return true, err
}

// listen reads frames until the connection closes.
func (c *Conn) listen() {
	defer close(c.done)

	for c.State() == StateOpen {
		err := c.readFrame()
		if err == nil {
			continue
		}

		switch {
		case IsTransportError(err):
			c.shutdown(err)
			return
		case errors.Is(err, ErrRateLimited):
			metrics.Add(metrics.RateLimited, 1)
			c.logger.Warn("rate limit exceeded", "addr", c.Addr(), "id", c.id)
			c.shutdown(err)
			return
		default:
			metrics.Add(metrics.FramesDropped, 1)
			c.logger.Warn("failed to decode request", "addr", c.Addr(), "id", c.id, "error", err)
		}
	}
}

// readFrame reads one frame and queues its request.
func (c *Conn) readFrame() error {
	if err := c.sync(); err != nil {
		return err
	}

	code, err := c.reader.ReadS16()
	if err != nil {
		return err
	}
	metrics.Add(metrics.FramesRead, 1)

	if c.limiter != nil && !c.limiter.Allow() {
		return errors.Wrapf(ErrRateLimited, "request %d", code)
	}

	payload, err := c.decode(code)
	if err != nil {
		if IsTransportError(err) {
			return err
		}
		return &DecodeError{Code: code, Err: err}
	}

	c.enqueue(Request{Kind: Application, Code: code, Payload: payload})
	return nil
}

// decode calls the driver, turning a panic into an ordinary decode failure so
// the listener keeps running.
func (c *Conn) decode(code int16) (payload any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("decoder panicked: %v", r)
		}
	}()
	return c.driver.Decode(code, c.reader)
}

// sync consumes bytes until the last two read form the handshake sentinel.
func (c *Conn) sync() error {
	b, err := c.reader.fill(2)
	if err != nil {
		return err
	}
	lo, hi := b[0], b[1]

	skipped := 0
	for int16(uint16(lo)|uint16(hi)<<8) != Handshake {
		b, err = c.reader.fill(1)
		if err != nil {
			return err
		}
		lo, hi = hi, b[0]
		skipped++
	}

	if skipped > 0 {
		metrics.Add(metrics.ResyncBytes, uint64(skipped))
		c.logger.Debug("resynchronized on handshake", "addr", c.Addr(), "id", c.id, "skipped", skipped)
	}
	return nil
}
