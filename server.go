package mpnet

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	goreuseport "github.com/kavu/go_reuseport"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/mpnet/metrics"
)

// Status is the state of the server's dispatch loop.
type Status int32

const (
	// StatusStopped means no dispatch goroutine is running.
	StatusStopped Status = iota
	// StatusRunning means requests are being dispatched.
	StatusRunning
	// StatusStopping means the loop keeps dispatching until the registry is
	// empty and then stops by itself.
	StatusStopping
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

const (
	defaultIdleInterval = 10 * time.Millisecond
	minAcceptDelay      = 5 * time.Millisecond
	maxAcceptDelay      = time.Second
)

// Server owns a listening socket and the registry of live connections. An
// accept goroutine registers and opens new connections; a dispatch goroutine
// drains them one after another and reaps the closed ones.
type Server struct {
	listener net.Listener
	factory  DriverFactory
	logger   Logger
	pool     *ants.Pool

	idleInterval time.Duration
	maxConns     int
	reusePort    bool
	connOpts     []Option

	mu    sync.RWMutex // guards conns and order
	conns map[uuid.UUID]*Conn
	order []*Conn

	ctrl         sync.Mutex // serializes Listen, StartDispatch, stopDispatch and Close
	closed       atomic.Bool
	accepting    atomic.Bool
	acceptDone   chan struct{}
	status       atomic.Int32
	dispatchDone chan struct{}
	wake         chan struct{}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server and, unless overridden by
// ServerConnOptions, for its connections.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerConnOptions sets the options applied to every accepted connection.
func ServerConnOptions(opts ...Option) ServerOption {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, opts...)
	}
}

// ServerIdleIntervalOption sets how long the dispatch loop sleeps after a
// cycle that found no work. New requests wake it earlier.
func ServerIdleIntervalOption(d time.Duration) ServerOption {
	return func(s *Server) {
		s.idleInterval = d
	}
}

// ServerMaxConnectionsOption caps the number of connections with a running
// listener. Sockets accepted above the cap are closed right away; the driver
// still sees Connected and Disconnected for them.
func ServerMaxConnectionsOption(n int) ServerOption {
	return func(s *Server) {
		s.maxConns = n
	}
}

// ServerReusePortOption binds the listening socket with SO_REUSEPORT so
// several processes can share the port.
func ServerReusePortOption(enable bool) ServerOption {
	return func(s *Server) {
		s.reusePort = enable
	}
}

// New creates a server bound to addr. Binding failures are returned; the
// server never exists half-initialized. Call Listen and StartDispatch, or
// Serve, to begin.
func New(addr *net.TCPAddr, factory DriverFactory, opts ...ServerOption) (*Server, error) {
	if factory == nil {
		return nil, ErrInvalidDriverFactory
	}

	s := newServer(factory, opts)

	var (
		ln  net.Listener
		err error
	)
	if s.reusePort {
		ln, err = goreuseport.Listen(addr.Network(), addr.String())
	} else {
		ln, err = net.ListenTCP(addr.Network(), addr)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}

	if err = s.init(ln); err != nil {
		ln.Close()
		return nil, err
	}
	return s, nil
}

// NewWithListener creates a server that accepts from ln, for transports other
// than a plain TCP socket (see package wsnet). The server takes ownership of ln.
func NewWithListener(ln net.Listener, factory DriverFactory, opts ...ServerOption) (*Server, error) {
	if ln == nil {
		return nil, errors.New("listener is nil")
	}
	if factory == nil {
		return nil, ErrInvalidDriverFactory
	}

	s := newServer(factory, opts)
	if err := s.init(ln); err != nil {
		return nil, err
	}
	return s, nil
}

func newServer(factory DriverFactory, opts []ServerOption) *Server {
	s := &Server{
		factory:      factory,
		logger:       defaultLogger(),
		idleInterval: defaultIdleInterval,
		conns:        make(map[uuid.UUID]*Conn),
		wake:         make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.idleInterval <= 0 {
		s.idleInterval = defaultIdleInterval
	}
	return s
}

func (s *Server) init(ln net.Listener) error {
	var (
		pool *ants.Pool
		err  error
	)
	if s.maxConns > 0 {
		pool, err = ants.NewPool(s.maxConns, ants.WithNonblocking(true))
	} else {
		pool, err = ants.NewPool(0) // meaning INT32_MAX.
	}
	if err != nil {
		return errors.Wrap(err, "create listener pool")
	}

	s.listener = ln
	s.pool = pool
	return nil
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the port of the listener's TCP address. Listeners whose
// address is not a *net.TCPAddr report 0.
func (s *Server) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Status returns the dispatch loop status.
func (s *Server) Status() Status {
	return Status(s.status.Load())
}

// Len returns the number of registered connections.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Connections returns the registered connections in registration order.
func (s *Server) Connections() []*Conn {
	return s.snapshot()
}

// Serve starts accepting and dispatching, blocks until ctx is done and then
// closes the server.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	if err := s.StartDispatch(); err != nil {
		s.Close()
		return err
	}

	<-ctx.Done()
	s.Close()
	return ctx.Err()
}

// Listen starts the accept goroutine. Calling it while already accepting
// does nothing.
func (s *Server) Listen() error {
	s.ctrl.Lock()
	defer s.ctrl.Unlock()

	if s.closed.Load() {
		return ErrServerClosed
	}
	if s.accepting.Load() {
		return nil
	}

	s.accepting.Store(true)
	s.acceptDone = make(chan struct{})
	go s.acceptLoop(s.acceptDone)

	s.logger.Info("server started", "addr", s.Addr())
	return nil
}

func (s *Server) acceptLoop(done chan struct{}) {
	defer close(done)

	var delay time.Duration
	for {
		raw, err := s.listener.Accept()
		if err != nil {
			if !s.accepting.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			metrics.Add(metrics.AcceptFails, 1)
			if delay == 0 {
				delay = minAcceptDelay
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			s.logger.Error("accept error", "error", err, "retry_in", delay)
			time.Sleep(delay)
			continue
		}

		delay = 0
		s.accept(raw)
	}
}

// accept wraps raw in a Conn, registers it and starts its listener.
func (s *Server) accept(raw net.Conn) {
	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	c, err := NewConn(raw, s.factory, s.connOptions()...)
	if err != nil {
		metrics.Add(metrics.ConnsRejected, 1)
		s.logger.Error("failed to create connection", "remote_addr", raw.RemoteAddr(), "error", err)
		raw.Close()
		return
	}

	s.register(c)
	metrics.Add(metrics.ConnsAccepted, 1)
	s.logger.Info("accepted connection", "addr", c.Addr(), "id", c.ID())

	if err = c.Open(); err != nil {
		metrics.Add(metrics.ConnsRejected, 1)
		s.logger.Warn("failed to open connection", "addr", c.Addr(), "id", c.ID(), "error", err)
	}
}

func (s *Server) connOptions() []Option {
	opts := make([]Option, 0, len(s.connOpts)+3)
	opts = append(opts, LoggerOption(s.logger))
	opts = append(opts, s.connOpts...)
	return append(opts, withSubmit(s.pool.Submit), withNotify(s.signal))
}

func (s *Server) register(c *Conn) {
	s.mu.Lock()
	if _, ok := s.conns[c.ID()]; ok {
		s.mu.Unlock()
		return
	}
	s.conns[c.ID()] = c
	s.order = append(s.order, c)
	s.mu.Unlock()

	s.signal()
}

func (s *Server) remove(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conns[c.ID()]; !ok {
		return
	}
	delete(s.conns, c.ID())
	for i, cc := range s.order {
		if cc == c {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Server) snapshot() []*Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := make([]*Conn, len(s.order))
	copy(conns, s.order)
	return conns
}

// signal wakes an idle dispatch loop.
func (s *Server) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// StartDispatch starts the dispatch goroutine. Requests queued while
// dispatch was stopped are handled once it runs again. Calling it while
// dispatch is running does nothing.
func (s *Server) StartDispatch() error {
	s.ctrl.Lock()
	defer s.ctrl.Unlock()

	if s.closed.Load() {
		return ErrServerClosed
	}
	if s.Status() != StatusStopped {
		return nil
	}

	s.status.Store(int32(StatusRunning))
	s.dispatchDone = make(chan struct{})
	go s.dispatchLoop(s.dispatchDone)
	return nil
}

// StopDispatch stops the dispatch goroutine and waits for it to exit.
// Queued requests stay queued. It must not be called from a Driver.
func (s *Server) StopDispatch() {
	s.stopDispatch(StatusStopped)
}

func (s *Server) stopDispatch(status Status) {
	s.ctrl.Lock()
	defer s.ctrl.Unlock()

	if s.Status() == StatusStopped {
		return
	}
	s.status.Store(int32(status))
	s.signal()
	<-s.dispatchDone
}

func (s *Server) dispatchLoop(done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(s.idleInterval)
	defer timer.Stop()

	for {
		status := s.Status()
		if status == StatusStopped {
			return
		}

		conns := s.snapshot()
		if len(conns) == 0 && status == StatusStopping {
			s.status.CompareAndSwap(int32(StatusStopping), int32(StatusStopped))
			return
		}

		metrics.Add(metrics.DispatchCycles, 1)
		if s.dispatch(conns) {
			continue
		}

		timer.Reset(s.idleInterval)
		select {
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// dispatch runs one cycle over conns and reports whether it did any work.
func (s *Server) dispatch(conns []*Conn) bool {
	busy := false
	for _, c := range conns {
		if c.ProcessRequests() > 0 {
			busy = true
		}
		if !c.IsClosed() {
			continue
		}

		// Nothing is queued after the close, so this drain delivers
		// Disconnected even if the close raced the drain above.
		c.ProcessRequests()
		s.remove(c)
		s.logger.Debug("connection reaped", "addr", c.Addr(), "id", c.ID())
		busy = true
	}
	return busy
}

// Close stops accepting, force-closes every registered connection and lets
// the dispatch loop drain them before it stops. Pending requests of the
// closed connections, including their Disconnected request, are still
// handled if dispatch is running.
//
// Close waits for the dispatch loop, so it must not be called from a Driver.
func (s *Server) Close() error {
	s.ctrl.Lock()
	if s.closed.Swap(true) {
		s.ctrl.Unlock()
		return nil
	}
	s.accepting.Store(false)
	err := s.listener.Close()
	if s.acceptDone != nil {
		<-s.acceptDone
	}
	s.ctrl.Unlock()

	var group errgroup.Group
	for _, c := range s.snapshot() {
		group.Go(c.Close)
	}
	if cerr := group.Wait(); cerr != nil {
		s.logger.Debug("error closing connection", "error", cerr)
	}

	s.stopDispatch(StatusStopping)
	s.pool.Release()

	s.logger.Info("server stopped", "addr", s.Addr())
	return err
}
