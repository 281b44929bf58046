package mpnet

import (
	"encoding/binary"
	"io"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Handshake prefixes every frame on the wire. It is all ones (0xFFFF) so a
// reader that lost its place can slide byte by byte until it sees it again.
const Handshake int16 = -1

// defaultMaxStringLength bounds a single inbound string (64KB).
const defaultMaxStringLength = 64 * 1024

// Reader decodes little-endian primitives and NUL-terminated strings from a
// stream. Every read blocks until enough bytes arrive; a short or failed read
// is reported as a *TransportError.
type Reader struct {
	r         io.Reader
	buf       [8]byte
	maxString int
}

// NewReader returns a Reader over r with the default string limit.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, maxString: defaultMaxStringLength}
}

func (r *Reader) fill(n int) ([]byte, error) {
	if _, err := io.ReadFull(r.r, r.buf[:n]); err != nil {
		return nil, transportError(err)
	}
	return r.buf[:n], nil
}

// ReadS8 reads a signed 8-bit integer.
func (r *Reader) ReadS8() (int8, error) {
	b, err := r.fill(1)
	if err != nil {
		return 0, err
	}
	return int8(b[0]), nil
}

// ReadS16 reads a signed 16-bit little-endian integer.
func (r *Reader) ReadS16() (int16, error) {
	b, err := r.fill(2)
	if err != nil {
		return 0, err
	}
	return int16(binary.LittleEndian.Uint16(b)), nil
}

// ReadS32 reads a signed 32-bit little-endian integer.
func (r *Reader) ReadS32() (int32, error) {
	b, err := r.fill(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// ReadS64 reads a signed 64-bit little-endian integer.
func (r *Reader) ReadS64() (int64, error) {
	b, err := r.fill(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

// ReadF32 reads an IEEE-754 single precision float.
func (r *Reader) ReadF32() (float32, error) {
	b, err := r.fill(4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}

// ReadF64 reads an IEEE-754 double precision float.
func (r *Reader) ReadF64() (float64, error) {
	b, err := r.fill(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

// ReadString reads single-byte characters up to a NUL terminator. Each byte
// becomes the rune of the same value. Strings longer than the reader limit
// fail with ErrStringTooLong; the remaining bytes are left on the stream for
// the frame resynchronization to skip.
func (r *Reader) ReadString() (string, error) {
	var sb strings.Builder
	for n := 0; ; n++ {
		b, err := r.fill(1)
		if err != nil {
			return "", err
		}
		if b[0] == 0 {
			return sb.String(), nil
		}
		if n >= r.maxString {
			return "", errors.Wrapf(ErrStringTooLong, "limit %d", r.maxString)
		}
		sb.WriteRune(rune(b[0]))
	}
}

// flusher is implemented by buffered writers such as *bufio.Writer.
type flusher interface {
	Flush() error
}

// Writer encodes primitives in the same layout Reader expects. It assembles
// one value at a time and does no buffering of its own, so callers must
// Flush once a frame is complete.
//
// A Writer is not safe for concurrent use.
type Writer struct {
	w   io.Writer
	buf [8]byte
}

// NewWriter returns a Writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) put(n int) error {
	if _, err := w.w.Write(w.buf[:n]); err != nil {
		return transportError(err)
	}
	return nil
}

// WriteHeader writes the handshake sentinel followed by code.
func (w *Writer) WriteHeader(code int16) error {
	if err := w.WriteS16(Handshake); err != nil {
		return err
	}
	return w.WriteS16(code)
}

// WriteS8 writes a signed 8-bit integer.
func (w *Writer) WriteS8(v int8) error {
	w.buf[0] = byte(v)
	return w.put(1)
}

// WriteS16 writes a signed 16-bit little-endian integer.
func (w *Writer) WriteS16(v int16) error {
	binary.LittleEndian.PutUint16(w.buf[:], uint16(v))
	return w.put(2)
}

// WriteS32 writes a signed 32-bit little-endian integer.
func (w *Writer) WriteS32(v int32) error {
	binary.LittleEndian.PutUint32(w.buf[:], uint32(v))
	return w.put(4)
}

// WriteS64 writes a signed 64-bit little-endian integer.
func (w *Writer) WriteS64(v int64) error {
	binary.LittleEndian.PutUint64(w.buf[:], uint64(v))
	return w.put(8)
}

// WriteF32 writes an IEEE-754 single precision float.
func (w *Writer) WriteF32(v float32) error {
	binary.LittleEndian.PutUint32(w.buf[:], math.Float32bits(v))
	return w.put(4)
}

// WriteF64 writes an IEEE-754 double precision float.
func (w *Writer) WriteF64(v float64) error {
	binary.LittleEndian.PutUint64(w.buf[:], math.Float64bits(v))
	return w.put(8)
}

// WriteString writes s as single-byte characters followed by NUL. Runes above
// 0xFF and embedded NULs cannot be represented and yield ErrUnencodableString
// before anything is written.
func (w *Writer) WriteString(s string) error {
	out := make([]byte, 0, len(s)+1)
	for _, c := range s {
		if c == 0 || c > 0xFF {
			return errors.Wrapf(ErrUnencodableString, "rune %U", c)
		}
		out = append(out, byte(c))
	}
	out = append(out, 0)
	if _, err := w.w.Write(out); err != nil {
		return transportError(err)
	}
	return nil
}

// Flush pushes buffered bytes to the peer when the underlying writer buffers.
func (w *Writer) Flush() error {
	f, ok := w.w.(flusher)
	if !ok {
		return nil
	}
	if err := f.Flush(); err != nil {
		return transportError(err)
	}
	return nil
}
