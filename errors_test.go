package mpnet

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestTransportError(t *testing.T) {
	err := transportError(io.EOF)
	assert.Equal(t, "transport: EOF", err.Error())
	assert.True(t, errors.Is(err, io.EOF))
	assert.True(t, IsTransportError(err))

	wrapped := errors.Wrap(err, "read header")
	assert.True(t, IsTransportError(wrapped))
	assert.Equal(t, wrapped, transportError(wrapped))

	assert.Nil(t, transportError(nil))
	assert.False(t, IsTransportError(io.EOF))
	assert.False(t, IsTransportError(nil))
}

func TestDecodeError(t *testing.T) {
	cause := errors.New("bad room code")
	err := error(&DecodeError{Code: 3, Err: cause})

	assert.Equal(t, "decode request 3: bad room code", err.Error())
	assert.True(t, errors.Is(err, cause))
	assert.False(t, IsTransportError(err))

	var de *DecodeError
	assert.True(t, errors.As(errors.Wrap(err, "listener"), &de))
	assert.Equal(t, int16(3), de.Code)
}
