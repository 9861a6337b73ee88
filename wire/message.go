package wire

/*
Wire Format

Every TEMPOS datagram starts with a single tag byte followed by fixed-width
big-endian fields. Variable-length fields are always preceded by a u32 length.

	REGISTRATION   0x00 | node_id:u32 | topic_len:u32 | topic
	INVOKE         0x01 | seq:u32     | topic_len:u32 | topic | data_len:u32 | data
	MONITORING     0x02 | node_id:u32 | load:f32
	UNREGISTRATION 0x03 | node_id:u32

Datagrams never exceed MaxDatagramSize. Nodes, brokers and triggers all speak
this format; brokers forward INVOKE datagrams byte-for-byte.
*/

import "fmt"

// MaxDatagramSize is the largest datagram any TEMPOS participant sends or accepts.
const MaxDatagramSize = 2048

// Kind is the leading tag byte of a datagram.
type Kind uint8

const (
	KindRegistration   Kind = 0x00
	KindInvoke         Kind = 0x01
	KindMonitoring     Kind = 0x02
	KindUnregistration Kind = 0x03
)

func (k Kind) String() string {
	switch k {
	case KindRegistration:
		return "REGISTRATION"
	case KindInvoke:
		return "INVOKE"
	case KindMonitoring:
		return "MONITORING"
	case KindUnregistration:
		return "UNREGISTRATION"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(k))
	}
}

// Message is implemented by the four datagram kinds.
type Message interface {
	Kind() Kind
}

// Registration announces that NodeID is interested in Topic.
type Registration struct {
	NodeID uint32
	Topic  string
}

// Invoke carries a payload along a chain. Seq correlates the request across hops.
type Invoke struct {
	Seq   uint32
	Topic string
	Data  []byte
}

// Monitoring reports a node's load as a raw fraction (0.0-1.0).
type Monitoring struct {
	NodeID uint32
	Load   float32
}

// Unregistration removes NodeID from the broker.
type Unregistration struct {
	NodeID uint32
}

func (Registration) Kind() Kind   { return KindRegistration }
func (Invoke) Kind() Kind         { return KindInvoke }
func (Monitoring) Kind() Kind     { return KindMonitoring }
func (Unregistration) Kind() Kind { return KindUnregistration }
