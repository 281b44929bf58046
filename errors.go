package mpnet

import (
	"github.com/pkg/errors"
)

// Errors returned by connection and server operations.
var (
	// ErrInvalidDriverFactory is returned when no driver factory is provided.
	ErrInvalidDriverFactory = errors.New("invalid driver factory")
	// ErrConnectionClosed is returned when opening a connection that is already closed.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrServerClosed is returned when starting a server that has been closed.
	ErrServerClosed = errors.New("server closed")
	// ErrRateLimited is the cause recorded when a peer exceeds its frame rate.
	ErrRateLimited = errors.New("frame rate limit exceeded")
	// ErrStringTooLong is returned when an inbound string exceeds the reader limit.
	ErrStringTooLong = errors.New("string too long")
	// ErrUnencodableString is returned for strings holding NUL or runes above 0xFF.
	ErrUnencodableString = errors.New("string is not encodable as single-byte characters")
)

// TransportError reports that the underlying stream failed: the peer went
// away, the stream was truncated or the socket was closed. A connection
// whose listener sees a TransportError is closed.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport: " + e.Err.Error()
}

// Unwrap returns the underlying I/O error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// DecodeError reports a malformed payload for an otherwise well-framed
// request. The frame is dropped and the connection stays open.
type DecodeError struct {
	Code int16
	Err  error
}

func (e *DecodeError) Error() string {
	return errors.Wrapf(e.Err, "decode request %d", e.Code).Error()
}

// Unwrap returns the underlying decode failure.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err, or any error it wraps, is a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func transportError(err error) error {
	if err == nil || IsTransportError(err) {
		return err
	}
	return &TransportError{Err: err}
}
