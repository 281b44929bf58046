package mpnet

// Kind tells control requests apart from requests decoded off the wire.
type Kind uint8

const (
	// Application is a request decoded from a client frame.
	Application Kind = iota
	// Connected is queued once when the connection is created.
	Connected
	// Disconnected is queued once when the connection closes. It is always
	// the last request a connection delivers.
	Disconnected
)

func (k Kind) String() string {
	switch k {
	case Application:
		return "application"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Request is one queued unit of work for a connection's driver.
// Code and Payload are only meaningful for Application requests.
type Request struct {
	Kind    Kind
	Code    int16
	Payload any
}

// Driver supplies the protocol for one connection.
//
// Decode runs on the connection's listener goroutine right after a frame
// header has been read. It reads the payload for code from r and returns it,
// or nil when the code carries no payload. It must not block for long: every
// later frame on the connection waits for it. Errors that wrap a
// *TransportError close the connection; any other error drops the frame.
//
// Handle runs on the server's dispatch goroutine, one request at a time across
// all connections, so it never races with another Handle call. Responses are
// written with c.Writer() and must be flushed.
type Driver interface {
	Decode(code int16, r *Reader) (any, error)
	Handle(c *Conn, req Request) error
}

// DriverFactory builds the Driver for a freshly accepted connection.
type DriverFactory func(c *Conn) (Driver, error)

// queue is a FIFO of requests. It is not safe for concurrent use; Conn guards
// it with its own lock.
type queue struct {
	items []Request
	head  int
}

func (q *queue) push(r Request) {
	q.items = append(q.items, r)
}

func (q *queue) pop() (Request, bool) {
	if q.head >= len(q.items) {
		return Request{}, false
	}
	r := q.items[q.head]
	q.items[q.head] = Request{}
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	return r, true
}

func (q *queue) len() int {
	return len(q.items) - q.head
}
