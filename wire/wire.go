package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// DefaultMaxFrame bounds a single frame when no explicit limit is given.
const DefaultMaxFrame = 32 * 1024 * 1024

// ErrFrameTooLarge is returned when a frame header announces more bytes
// than the codec accepts.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels:  32,
		MaxArrayElements: 1 << 16,
		MaxMapPairs:      1 << 16,
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// Writer writes length-prefixed CBOR frames. It is safe for concurrent use.
type Writer struct {
	mu       sync.Mutex
	w        io.Writer
	maxFrame int
}

// NewWriter creates a frame writer. maxFrame <= 0 selects DefaultMaxFrame.
func NewWriter(w io.Writer, maxFrame int) *Writer {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Writer{w: w, maxFrame: maxFrame}
}

// Write encodes env as one frame: a 4-byte big-endian length then the body.
func (fw *Writer) Write(env *Envelope) error {
	body, err := encMode.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", env.Kind, err)
	}
	if len(body) > fw.maxFrame {
		return fmt.Errorf("%w: %s frame is %d bytes, limit %d", ErrFrameTooLarge, env.Kind, len(body), fw.maxFrame)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body))) //nolint:gosec // bounded by maxFrame

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := fw.w.Write(body); err != nil {
		return fmt.Errorf("failed to write frame body: %w", err)
	}
	return nil
}

// Reader reads frames written by Writer.
type Reader struct {
	r        io.Reader
	maxFrame int
}

// NewReader creates a frame reader. maxFrame <= 0 selects DefaultMaxFrame.
func NewReader(r io.Reader, maxFrame int) *Reader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Reader{r: r, maxFrame: maxFrame}
}

// Read decodes the next frame. It returns io.EOF when the stream ends
// cleanly between frames and io.ErrUnexpectedEOF inside a frame.
func (fr *Reader) Read() (*Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		return nil, err
	}

	size := int(binary.BigEndian.Uint32(header[:]))
	if size > fr.maxFrame {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, size, fr.maxFrame)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	var env Envelope
	if err := decMode.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if err := env.check(); err != nil {
		return nil, err
	}
	return &env, nil
}
