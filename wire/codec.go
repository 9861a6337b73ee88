package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

var (
	// ErrMalformed is wrapped by every decoding failure.
	ErrMalformed = errors.New("malformed message")
	// ErrTooLarge is returned when an encoded message would exceed MaxDatagramSize.
	ErrTooLarge = errors.New("message exceeds max datagram size")
	// ErrInvalidTopic is returned when a topic to encode is not valid UTF-8.
	ErrInvalidTopic = errors.New("topic is not valid UTF-8")
)

// MalformedError describes why a datagram could not be decoded.
type MalformedError struct {
	Kind   Kind
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed %s: %s", e.Kind, e.Reason)
}

func (e *MalformedError) Unwrap() error {
	return ErrMalformed
}

func malformed(kind Kind, format string, args ...interface{}) error {
	return &MalformedError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// EncodedLen returns the number of bytes Encode produces for m.
func EncodedLen(m Message) int {
	switch m := m.(type) {
	case Registration:
		return 1 + 4 + 4 + len(m.Topic)
	case *Registration:
		return EncodedLen(*m)
	case Invoke:
		return 1 + 4 + 4 + len(m.Topic) + 4 + len(m.Data)
	case *Invoke:
		return EncodedLen(*m)
	case Monitoring, *Monitoring:
		return 1 + 4 + 4
	case Unregistration, *Unregistration:
		return 1 + 4
	default:
		return 0
	}
}

// Encode serializes m into a freshly allocated buffer.
func Encode(m Message) ([]byte, error) {
	return AppendEncode(make([]byte, 0, EncodedLen(m)), m)
}

// AppendEncode appends the encoding of m to dst and returns the extended buffer.
func AppendEncode(dst []byte, m Message) ([]byte, error) {
	if m == nil {
		return dst, errors.New("wire: nil message")
	}
	if n := EncodedLen(m); n > MaxDatagramSize {
		return dst, fmt.Errorf("%s of %d bytes: %w", m.Kind(), n, ErrTooLarge)
	}

	switch m := m.(type) {
	case Registration:
		if !utf8.ValidString(m.Topic) {
			return dst, fmt.Errorf("%s %q: %w", m.Kind(), m.Topic, ErrInvalidTopic)
		}
		dst = append(dst, byte(KindRegistration))
		dst = binary.BigEndian.AppendUint32(dst, m.NodeID)
		dst = appendString(dst, m.Topic)
	case *Registration:
		return AppendEncode(dst, *m)
	case Invoke:
		if !utf8.ValidString(m.Topic) {
			return dst, fmt.Errorf("%s %q: %w", m.Kind(), m.Topic, ErrInvalidTopic)
		}
		dst = append(dst, byte(KindInvoke))
		dst = binary.BigEndian.AppendUint32(dst, m.Seq)
		dst = appendString(dst, m.Topic)
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(m.Data)))
		dst = append(dst, m.Data...)
	case *Invoke:
		return AppendEncode(dst, *m)
	case Monitoring:
		dst = append(dst, byte(KindMonitoring))
		dst = binary.BigEndian.AppendUint32(dst, m.NodeID)
		dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(m.Load))
	case *Monitoring:
		return AppendEncode(dst, *m)
	case Unregistration:
		dst = append(dst, byte(KindUnregistration))
		dst = binary.BigEndian.AppendUint32(dst, m.NodeID)
	case *Unregistration:
		return AppendEncode(dst, *m)
	default:
		return dst, fmt.Errorf("wire: unsupported message type %T", m)
	}
	return dst, nil
}

func appendString(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(s)))
	return append(dst, s...)
}

// Decode parses a single datagram. The returned message never aliases b.
func Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty datagram: %w", ErrMalformed)
	}
	if len(b) > MaxDatagramSize {
		return nil, malformed(Kind(b[0]), "datagram of %d bytes exceeds %d", len(b), MaxDatagramSize)
	}

	kind := Kind(b[0])
	r := reader{kind: kind, buf: b[1:]}

	var msg Message
	switch kind {
	case KindRegistration:
		var m Registration
		m.NodeID = r.uint32("node_id")
		m.Topic = r.string("topic")
		msg = m
	case KindInvoke:
		var m Invoke
		m.Seq = r.uint32("seq")
		m.Topic = r.string("topic")
		m.Data = r.bytes("data")
		msg = m
	case KindMonitoring:
		var m Monitoring
		m.NodeID = r.uint32("node_id")
		m.Load = math.Float32frombits(r.uint32("load"))
		msg = m
	case KindUnregistration:
		var m Unregistration
		m.NodeID = r.uint32("node_id")
		msg = m
	default:
		return nil, malformed(kind, "unknown message tag")
	}

	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) != 0 {
		return nil, malformed(kind, "%d trailing bytes", len(r.buf))
	}
	return msg, nil
}

// reader consumes fields from buf, recording the first failure in err.
// Once err is set every accessor returns a zero value.
type reader struct {
	kind Kind
	buf  []byte
	err  error
}

func (r *reader) uint32(field string) uint32 {
	if r.err != nil {
		return 0
	}
	if len(r.buf) < 4 {
		r.err = malformed(r.kind, "truncated %s: need 4 bytes, have %d", field, len(r.buf))
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf)
	r.buf = r.buf[4:]
	return v
}

func (r *reader) bytes(field string) []byte {
	n := r.uint32(field + "_len")
	if r.err != nil {
		return nil
	}
	if uint64(n) > uint64(len(r.buf)) {
		r.err = malformed(r.kind, "%s_len %d exceeds remaining %d bytes", field, n, len(r.buf))
		return nil
	}
	// Zero-length fields decode to nil.
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[:n])
	r.buf = r.buf[n:]
	return out
}

func (r *reader) string(field string) string {
	b := r.bytes(field)
	if r.err != nil {
		return ""
	}
	if !utf8.Valid(b) {
		r.err = malformed(r.kind, "%s is not valid UTF-8", field)
		return ""
	}
	return string(b)
}
