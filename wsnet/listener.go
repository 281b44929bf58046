// Package wsnet carries the mpnet frame protocol over websockets, for clients
// that cannot open raw TCP sockets (browser builds of a game). A Listener is
// a net.Listener, so it plugs into mpnet.NewWithListener unchanged.
package wsnet

import (
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// CheckOriginFn validates the origin of an upgrade request.
type CheckOriginFn = func(r *http.Request) bool

// AllOrigins accepts upgrades from any origin.
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

type options struct {
	checkOrigin     CheckOriginFn
	readBufferSize  int
	writeBufferSize int
	backlog         int
}

// Option configures a Listener.
type Option func(*options)

// CheckOriginOption sets the origin policy. Without it only same-origin
// requests are upgraded.
func CheckOriginOption(fn CheckOriginFn) Option {
	return func(o *options) {
		o.checkOrigin = fn
	}
}

// BufferSizeOption sets the websocket I/O buffer sizes.
func BufferSizeOption(read, write int) Option {
	return func(o *options) {
		o.readBufferSize = read
		o.writeBufferSize = write
	}
}

// BacklogOption sets how many upgraded connections may wait for Accept.
func BacklogOption(n int) Option {
	return func(o *options) {
		o.backlog = n
	}
}

// Listener upgrades HTTP requests on one path and hands out the resulting
// websockets through Accept.
type Listener struct {
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader

	conns     chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

var _ net.Listener = (*Listener)(nil)

// Listen binds addr and serves websocket upgrades on path.
func Listen(addr, path string, opt ...Option) (*Listener, error) {
	opts := options{
		readBufferSize:  1024,
		writeBufferSize: 1024,
		backlog:         16,
	}
	for _, o := range opt {
		o(&opts)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}

	l := &Listener{
		ln: ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  opts.readBufferSize,
			WriteBufferSize: opts.writeBufferSize,
			CheckOrigin:     opts.checkOrigin,
		},
		conns:  make(chan net.Conn, opts.backlog),
		closed: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handle)
	l.srv = &http.Server{Handler: mux}

	go l.srv.Serve(ln)
	return l, nil
}

func (l *Listener) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		return
	}

	c := NewConn(ws)
	select {
	case l.conns <- c:
	case <-l.closed:
		c.Close()
	}
}

// Accept waits for the next upgraded websocket.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

// Close stops the HTTP server. Websockets already handed out stay open.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.srv.Close()
		for {
			select {
			case c := <-l.conns:
				c.Close()
			default:
				return
			}
		}
	})
	return err
}

// Addr returns the bound TCP address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}
