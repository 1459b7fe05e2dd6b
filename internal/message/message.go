// Package message defines the envelope exchanged between swarm members and its
// wire encoding.
//
// Every datagram carries one Envelope: a fixed transport-level Header, an
// opaque msgpack-encoded Body, a multicast sequence number and the sender's
// piggy-backed acknowledgment vector. The set of message kinds is closed.
package message

import (
	"errors"
	"fmt"
	"maps"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Jokel64/droneworks/internal/identity"
)

// MaxDatagramSize bounds an encoded envelope. Receivers allocate buffers of
// this size, so anything larger would be truncated on the wire.
const MaxDatagramSize = 10240

var (
	// ErrUnknownKind is returned when decoding an envelope whose kind is not
	// one of the defined kinds.
	ErrUnknownKind = errors.New("unknown message kind")
	// ErrMissingSender is returned when decoding an envelope without a sender.
	ErrMissingSender = errors.New("message has no sender")
	// ErrTooLarge is returned when an encoded envelope exceeds MaxDatagramSize.
	ErrTooLarge = errors.New("message exceeds datagram size")
)

// Kind identifies what an envelope means. The string values are the ones
// placed on the wire.
type Kind string

const (
	KindHeartbeat   Kind = "heartbeat"
	KindElection    Kind = "LEADER_ELECTION_MESSAGE"
	KindAnswer      Kind = "LEADER_ANSWER_MESSAGE"
	KindCoordinator Kind = "LEADER_COORDINATOR_MESSAGE"
	KindNegativeAck Kind = "NEGATIVE_ACK"
	KindApplication Kind = "application"
)

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindHeartbeat, KindElection, KindAnswer, KindCoordinator, KindNegativeAck, KindApplication:
		return true
	}
	return false
}

// IsElection reports whether k belongs to the leader election protocol.
func (k Kind) IsElection() bool {
	return k == KindElection || k == KindAnswer || k == KindCoordinator
}

// Header holds the fields every envelope carries. Origin and destination are
// filled in by the transport, Sender and Label by the sending node.
type Header struct {
	OriginIP      string            `msgpack:"origin_ip"`
	OriginPort    int               `msgpack:"port"`
	Sender        identity.ID       `msgpack:"uid"`
	Kind          Kind              `msgpack:"type"`
	DestinationIP string            `msgpack:"destination_ip,omitempty"`
	Label         string            `msgpack:"readable_name,omitempty"`
	Extra         map[string]string `msgpack:"extra,omitempty"`
}

// Envelope is a single message on the wire. Seq is zero for unicast messages.
type Envelope struct {
	Header Header                 `msgpack:"header"`
	Body   msgpack.RawMessage     `msgpack:"body,omitempty"`
	Seq    uint64                 `msgpack:"seq"`
	Acks   map[identity.ID]uint64 `msgpack:"acks,omitempty"`
}

func newEnvelope(kind Kind) *Envelope {
	return &Envelope{Header: Header{Kind: kind}}
}

// NewControl builds a body-less election protocol message.
func NewControl(kind Kind) *Envelope {
	return newEnvelope(kind)
}

// NewHeartbeat builds a heartbeat carrying an application-supplied payload.
func NewHeartbeat(payload any) (*Envelope, error) {
	env := newEnvelope(KindHeartbeat)
	if err := env.SetBody(payload); err != nil {
		return nil, fmt.Errorf("heartbeat body: %w", err)
	}
	return env, nil
}

// NewApplication builds an application message with optional extra headers.
func NewApplication(body any, extra map[string]string) (*Envelope, error) {
	env := newEnvelope(KindApplication)
	if err := env.SetBody(body); err != nil {
		return nil, fmt.Errorf("application body: %w", err)
	}
	if len(extra) > 0 {
		env.Header.Extra = maps.Clone(extra)
	}
	return env, nil
}

// NewNegativeAck builds a retransmission request for sequence seq. The body
// is the bare sequence number.
func NewNegativeAck(seq uint64) *Envelope {
	env := newEnvelope(KindNegativeAck)
	// encoding a uint64 cannot fail
	env.Body, _ = msgpack.Marshal(seq)
	return env
}

// SetBody encodes v as the envelope body. A nil v clears the body.
func (e *Envelope) SetBody(v any) error {
	if v == nil {
		e.Body = nil
		return nil
	}
	b, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	e.Body = b
	return nil
}

// DecodeBody decodes the body into v.
func (e *Envelope) DecodeBody(v any) error {
	if len(e.Body) == 0 {
		return errors.New("message has no body")
	}
	return msgpack.Unmarshal(e.Body, v)
}

// NegativeAckSeq returns the sequence number requested by a NEGATIVE_ACK.
func (e *Envelope) NegativeAckSeq() (uint64, error) {
	if e.Header.Kind != KindNegativeAck {
		return 0, fmt.Errorf("not a negative ack: %s", e.Header.Kind)
	}
	var seq uint64
	if err := e.DecodeBody(&seq); err != nil {
		return 0, fmt.Errorf("negative ack body: %w", err)
	}
	return seq, nil
}

// Clone returns a deep copy so a stored envelope can be re-stamped without
// touching the original.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Header.Extra = maps.Clone(e.Header.Extra)
	if e.Body != nil {
		c.Body = append(msgpack.RawMessage(nil), e.Body...)
	}
	c.Acks = maps.Clone(e.Acks)
	return &c
}

// String renders a short description for logs.
func (e *Envelope) String() string {
	return fmt.Sprintf("%s seq=%d from %s@%s:%d", e.Header.Kind, e.Seq, e.Header.Sender.Short(), e.Header.OriginIP, e.Header.OriginPort)
}

// Encode serializes an envelope for the wire.
func Encode(e *Envelope) ([]byte, error) {
	b, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Header.Kind, err)
	}
	if len(b) > MaxDatagramSize {
		return nil, fmt.Errorf("encode %s (%d bytes): %w", e.Header.Kind, len(b), ErrTooLarge)
	}
	return b, nil
}

// Decode parses a datagram into an envelope and checks the fields every
// receiver depends on.
func Decode(b []byte) (*Envelope, error) {
	var e Envelope
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if !e.Header.Kind.Valid() {
		return nil, fmt.Errorf("decode message: %w: %q", ErrUnknownKind, e.Header.Kind)
	}
	if e.Header.Sender == identity.None {
		return nil, fmt.Errorf("decode message: %w", ErrMissingSender)
	}
	return &e, nil
}
