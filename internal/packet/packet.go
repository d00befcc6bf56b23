// Package packet implements the length-prefixed framing used by the
// on-device inspector socket.
//
// Each frame on the wire is a 4-byte big-endian unsigned length L followed by
// exactly L bytes of payload. Text payloads are UTF-16LE encoded.
package packet

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/text/encoding/unicode"
)

const (
	// PrefixSize is the size of the length prefix in bytes.
	PrefixSize = 4

	// DefaultMaxFrameSize bounds the allocation a single length prefix may request.
	DefaultMaxFrameSize = 16 * 1024 * 1024

	readBufferSize = 32 * 1024
)

var (
	// ErrFrameTooLarge is returned when a length prefix exceeds the decoder limit.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrTruncatedFrame is returned when the stream ends in the middle of a frame.
	ErrTruncatedFrame = fmt.Errorf("stream ended mid-frame: %w", io.ErrUnexpectedEOF)
)

// utf16 is stateless when IgnoreBOM is used, but encoders and decoders
// themselves are not safe for concurrent use, so one is created per call.
var utf16 = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// Decoder turns an arbitrarily chunked byte stream into complete frames.
// A Decoder is not safe for concurrent use.
type Decoder struct {
	maxSize uint32

	prefix  [PrefixSize]byte
	prefixN int

	buf     []byte
	offset  int
	inFrame bool
}

// NewDecoder creates a decoder. A maxSize <= 0 selects DefaultMaxFrameSize;
// sizes beyond what the prefix can express are clamped to math.MaxUint32.
func NewDecoder(maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	limit := uint64(maxSize)
	if limit > math.MaxUint32 {
		limit = math.MaxUint32
	}
	return &Decoder{maxSize: uint32(limit)}
}

// Feed consumes one chunk and returns every frame it completes, in order.
// The returned slices are owned by the caller.
func (d *Decoder) Feed(chunk []byte) ([][]byte, error) {
	var frames [][]byte

	for len(chunk) > 0 {
		if !d.inFrame {
			n := copy(d.prefix[d.prefixN:], chunk)
			d.prefixN += n
			chunk = chunk[n:]
			if d.prefixN < PrefixSize {
				break
			}

			length := binary.BigEndian.Uint32(d.prefix[:])
			d.prefixN = 0
			if length > d.maxSize {
				return frames, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, d.maxSize)
			}

			d.buf = make([]byte, length)
			d.offset = 0
			d.inFrame = true
		}

		n := copy(d.buf[d.offset:], chunk)
		d.offset += n
		chunk = chunk[n:]

		if d.offset == len(d.buf) {
			frames = append(frames, d.buf)
			d.reset()
		}
	}

	return frames, nil
}

// Pending reports whether a frame (or its length prefix) is partially received.
func (d *Decoder) Pending() bool {
	return d.inFrame || d.prefixN > 0
}

func (d *Decoder) reset() {
	d.buf = nil
	d.offset = 0
	d.inFrame = false
}

// Run reads r until EOF, calling emit for each complete frame.
// It returns nil on a clean EOF, ErrTruncatedFrame when the stream ends
// mid-frame, or the first error from r, the decoder, or emit.
func (d *Decoder) Run(ctx context.Context, r io.Reader, emit func([]byte) error) error {
	chunk := make([]byte, readBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := r.Read(chunk)
		if n > 0 {
			frames, err := d.Feed(chunk[:n])
			for _, frame := range frames {
				if emitErr := emit(frame); emitErr != nil {
					return emitErr
				}
			}
			if err != nil {
				return err
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				if d.Pending() {
					return ErrTruncatedFrame
				}
				return nil
			}
			return readErr
		}
	}
}

// Frame prefixes payload with its big-endian length.
func Frame(payload []byte) []byte {
	out := make([]byte, PrefixSize+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[PrefixSize:], payload)
	return out
}

// Encode converts text to UTF-16LE and frames it.
func Encode(text string) ([]byte, error) {
	payload, err := utf16.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame payload: %w", err)
	}
	return Frame(payload), nil
}

// DecodeText converts a UTF-16LE frame payload back to text.
func DecodeText(payload []byte) (string, error) {
	text, err := utf16.NewDecoder().Bytes(payload)
	if err != nil {
		return "", fmt.Errorf("failed to decode frame payload: %w", err)
	}
	return string(text), nil
}
