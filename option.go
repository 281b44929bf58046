package mpnet

import (
	"time"

	"golang.org/x/time/rate"
)

// options holds the configuration for a connection.
type options struct {
	logger Logger

	readBufferSize  int // size of the bufio.Reader in front of the socket
	writeBufferSize int // size of the bufio.Writer handlers write into
	maxStringLength int // longest inbound string accepted by the Reader

	// frames per second allowed from the peer; zero disables the limit.
	rateLimit rate.Limit
	rateBurst int

	// submit runs the listener loop. The server routes it through its pool.
	submit func(task func()) error
	// notify is called after every enqueue.
	notify func()
}

// Option is a function that configures connection options.
type Option func(*options)

// Default configuration values.
const (
	defaultReadBufferSize  = 4 * 1024
	defaultWriteBufferSize = 4 * 1024
)

// ReadBufferSizeOption sets the size of the read buffer in front of the socket.
func ReadBufferSizeOption(size int) Option {
	return func(o *options) {
		o.readBufferSize = size
	}
}

// WriteBufferSizeOption sets the size of the buffer behind Conn.Writer.
// Bytes reach the peer when the buffer fills or the handler calls Flush.
func WriteBufferSizeOption(size int) Option {
	return func(o *options) {
		o.writeBufferSize = size
	}
}

// MaxStringLengthOption bounds the length of strings read from the peer.
func MaxStringLengthOption(n int) Option {
	return func(o *options) {
		o.maxStringLength = n
	}
}

// RateLimitOption limits how many frames per second a peer may send, with
// the given burst. A peer that goes over the limit is disconnected.
func RateLimitOption(perSecond float64, burst int) Option {
	return func(o *options) {
		o.rateLimit = rate.Limit(perSecond)
		o.rateBurst = burst
	}
}

// RateLimitEvery is like RateLimitOption but takes the minimum interval
// between frames.
func RateLimitEvery(interval time.Duration, burst int) Option {
	return func(o *options) {
		o.rateLimit = rate.Every(interval)
		o.rateBurst = burst
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the package console logger is used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func withSubmit(submit func(task func()) error) Option {
	return func(o *options) {
		o.submit = submit
	}
}

func withNotify(notify func()) Option {
	return func(o *options) {
		o.notify = notify
	}
}

// checkOptions sets default values for connection options.
func checkOptions(opts *options) {
	if opts.readBufferSize <= 0 {
		opts.readBufferSize = defaultReadBufferSize
	}

	if opts.writeBufferSize <= 0 {
		opts.writeBufferSize = defaultWriteBufferSize
	}

	if opts.maxStringLength <= 0 {
		opts.maxStringLength = defaultMaxStringLength
	}

	if opts.rateBurst <= 0 && opts.rateLimit > 0 {
		opts.rateBurst = 1
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.submit == nil {
		opts.submit = func(task func()) error {
			go task()
			return nil
		}
	}

	if opts.notify == nil {
		opts.notify = func() {}
	}
}
