package duplex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

var (
	// ErrExtractUnderflow indicates an Extract asked for more bytes than the body holds.
	ErrExtractUnderflow = errors.New("extract underflow")

	// ErrNotFixedSize indicates a value without a fixed binary size was passed to the codec.
	ErrNotFixedSize = errors.New("value has no fixed binary size")

	// ErrBodyTooLarge indicates the body would not fit the 32-bit size field or a configured limit.
	ErrBodyTooLarge = errors.New("message body too large")
)

// Tag is the set of types usable as a message type discriminant.
type Tag interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int8 | ~int16 | ~int32 | ~int64
}

// MessageHeader precedes every frame on the wire.
type MessageHeader[T Tag] struct {
	ID   T      // application message type.
	Size uint32 // body length in bytes.
}

// Message is one frame: a header and Size bytes of body.
//
// The body is a stack. Append pushes raw values at the tail and Extract pops
// them from the tail, so values come back out in the reverse order they went
// in:
//
//	duplex.Append(&msg, x)
//	duplex.Append(&msg, y)
//	duplex.Extract(&msg, &y)
//	duplex.Extract(&msg, &x)
type Message[T Tag] struct {
	Header MessageHeader[T]
	Body   []byte
}

// NewMessage returns an empty message of the given type.
func NewMessage[T Tag](id T) Message[T] {
	return Message[T]{Header: MessageHeader[T]{ID: id}}
}

// Len returns the body length.
func (m *Message[T]) Len() int {
	return len(m.Body)
}

// Clone returns a deep copy of m.
func (m Message[T]) Clone() Message[T] {
	out := Message[T]{Header: m.Header}
	if len(m.Body) > 0 {
		out.Body = make([]byte, len(m.Body))
		copy(out.Body, m.Body)
	}

	return out
}

func (m Message[T]) String() string {
	return fmt.Sprintf("ID: %d, Size: %d", m.Header.ID, m.Header.Size)
}

// OwnedMessage is an inbound message tagged with the connection it arrived
// on. Remote is nil on the client side.
type OwnedMessage[T Tag] struct {
	Remote *Connection[T]
	Msg    Message[T]
}

// Append pushes the raw native-order bytes of v onto the tail of the body.
// v must be a fixed-size value, a pointer to one, or a slice of fixed-size
// values.
func Append[T Tag, V any](m *Message[T], v V) error {
	n := binary.Size(v)
	if n < 0 {
		return fmt.Errorf("append %T: %w", v, ErrNotFixedSize)
	}
	if uint64(len(m.Body))+uint64(n) > math.MaxUint32 {
		return ErrBodyTooLarge
	}

	body, err := binary.Append(m.Body, binary.NativeEndian, v)
	if err != nil {
		return fmt.Errorf("append %T: %w", v, err)
	}
	m.Body = body
	m.Header.Size = uint32(len(m.Body))

	return nil
}

// Extract pops size(v) bytes off the tail of the body into v. Values must be
// extracted in the reverse order they were appended. A slice target is filled
// to its current length.
func Extract[T Tag, V any](m *Message[T], v *V) error {
	n := binary.Size(v)
	if n < 0 {
		return fmt.Errorf("extract %T: %w", v, ErrNotFixedSize)
	}
	if n > len(m.Body) {
		return fmt.Errorf("extract %d bytes from %d: %w", n, len(m.Body), ErrExtractUnderflow)
	}

	i := len(m.Body) - n
	if _, err := binary.Decode(m.Body[i:], binary.NativeEndian, v); err != nil {
		return fmt.Errorf("extract %T: %w", v, err)
	}
	m.Body = m.Body[:i]
	m.Header.Size = uint32(len(m.Body))

	return nil
}

// tagSize returns the width of T in bytes.
func tagSize[T Tag]() int {
	var zero T
	return binary.Size(zero)
}

// HeaderSize returns the encoded header length for tag type T. The layout is
// that of a C struct {T id; uint32_t size}: size starts on the next 4-byte
// boundary and the total is padded to the alignment of the wider field.
func HeaderSize[T Tag]() int {
	ts := tagSize[T]()
	align := max(ts, 4)
	sizeOff := alignUp(ts, 4)

	return alignUp(sizeOff+4, align)
}

func alignUp(n, a int) int {
	return (n + a - 1) / a * a
}

// EncodeHeader writes h into buf, which must hold HeaderSize[T]() bytes.
// Padding bytes are zeroed.
func EncodeHeader[T Tag](buf []byte, h MessageHeader[T]) {
	ts := tagSize[T]()
	sizeOff := alignUp(ts, 4)
	clear(buf[:HeaderSize[T]()])

	putTag(buf, ts, uint64(h.ID))
	binary.NativeEndian.PutUint32(buf[sizeOff:sizeOff+4], h.Size)
}

// DecodeHeader reads a header from buf, which must hold HeaderSize[T]() bytes.
func DecodeHeader[T Tag](buf []byte) MessageHeader[T] {
	ts := tagSize[T]()
	sizeOff := alignUp(ts, 4)

	var h MessageHeader[T]
	switch ts {
	case 1:
		h.ID = T(buf[0])
	case 2:
		h.ID = T(binary.NativeEndian.Uint16(buf))
	case 4:
		h.ID = T(binary.NativeEndian.Uint32(buf))
	default:
		h.ID = T(binary.NativeEndian.Uint64(buf))
	}
	h.Size = binary.NativeEndian.Uint32(buf[sizeOff : sizeOff+4])

	return h
}

func putTag(buf []byte, size int, v uint64) {
	switch size {
	case 1:
		buf[0] = byte(v)
	case 2:
		binary.NativeEndian.PutUint16(buf, uint16(v))
	case 4:
		binary.NativeEndian.PutUint32(buf, uint32(v))
	default:
		binary.NativeEndian.PutUint64(buf, v)
	}
}

// WriteMessage writes one frame to w with blocking writes.
func WriteMessage[T Tag](w io.Writer, m Message[T]) error {
	if uint64(len(m.Body)) > math.MaxUint32 {
		return ErrBodyTooLarge
	}
	h := m.Header
	h.Size = uint32(len(m.Body))

	buf := getBuffer(HeaderSize[T]() + len(m.Body))
	defer putBuffer(buf)

	n := HeaderSize[T]()
	EncodeHeader(buf[:n], h)
	n += copy(buf[n:], m.Body)

	_, err := w.Write(buf[:n])
	return err
}

// ReadMessage reads one frame from r. A positive maxBody rejects larger
// bodies with ErrBodyTooLarge before allocating.
func ReadMessage[T Tag](r io.Reader, maxBody uint32) (Message[T], error) {
	hdr := make([]byte, HeaderSize[T]())
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Message[T]{}, err
	}

	m := Message[T]{Header: DecodeHeader[T](hdr)}
	if maxBody > 0 && m.Header.Size > maxBody {
		return Message[T]{}, ErrBodyTooLarge
	}
	if m.Header.Size == 0 {
		return m, nil
	}

	m.Body = make([]byte, m.Header.Size)
	if _, err := io.ReadFull(r, m.Body); err != nil {
		return Message[T]{}, err
	}

	return m, nil
}
