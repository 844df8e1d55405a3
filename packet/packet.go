// Package packet defines the agent-to-tool message unit and its fragments.
package packet

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/google/uuid"

	"github.com/vinayprograms/packetkit/errors"
)

// DefaultProtocolVersion is stamped on packets built without WithProtocolVersion.
const DefaultProtocolVersion = "1.0"

// Transport identifiers. A transport hint must be one of these.
const (
	TransportStream = "stream"
	TransportRPC    = "rpc"
)

// ValidTransport reports whether name is a known transport identifier.
func ValidTransport(name string) bool {
	return name == TransportStream || name == TransportRPC
}

// Alternate returns the fallback transport for name.
// Unknown names map to the empty string.
func Alternate(name string) string {
	switch name {
	case TransportStream:
		return TransportRPC
	case TransportRPC:
		return TransportStream
	default:
		return ""
	}
}

// Packet is one logical unit of work routed from an agent to a tool.
type Packet struct {
	id string

	AgentID       string
	StepID        string
	Tool          string
	Payload       map[string]any
	MemoryPointer string

	// ProtocolVersion is carried on the wire untouched.
	ProtocolVersion string

	// TransportHint, when set, overrides size-based selection.
	TransportHint string

	// Transport is the transport of the most recent send attempt.
	// It is routing metadata and never serialized.
	Transport string
}

// Option configures a Packet at construction.
type Option func(*Packet)

// WithProtocolVersion overrides DefaultProtocolVersion.
func WithProtocolVersion(v string) Option {
	return func(p *Packet) {
		p.ProtocolVersion = v
	}
}

// WithTransportHint forces a transport regardless of payload size.
func WithTransportHint(hint string) Option {
	return func(p *Packet) {
		p.TransportHint = hint
	}
}

// New creates a packet with a fresh random ID.
func New(agentID, stepID, tool string, payload map[string]any, memoryPointer string, opts ...Option) *Packet {
	p := &Packet{
		id:              uuid.NewString(),
		AgentID:         agentID,
		StepID:          stepID,
		Tool:            tool,
		Payload:         payload,
		MemoryPointer:   memoryPointer,
		ProtocolVersion: DefaultProtocolVersion,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ID returns the packet's unique identifier.
func (p *Packet) ID() string {
	return p.id
}

// wirePacket fixes key order and naming on the wire.
type wirePacket struct {
	PacketID        string         `json:"packet_id"`
	AgentID         string         `json:"agent_id"`
	StepID          string         `json:"step_id"`
	Tool            string         `json:"tool"`
	Payload         map[string]any `json:"payload"`
	MemoryPointer   string         `json:"memory_pointer"`
	ProtocolVersion string         `json:"protocol_version"`
	TransportHint   *string        `json:"transport_hint"`
}

// Serialize encodes every field except Transport as canonical JSON.
// Payload map keys are emitted sorted, so equal packets encode to equal bytes.
func (p *Packet) Serialize() ([]byte, error) {
	w := wirePacket{
		PacketID:        p.id,
		AgentID:         p.AgentID,
		StepID:          p.StepID,
		Tool:            p.Tool,
		Payload:         p.Payload,
		MemoryPointer:   p.MemoryPointer,
		ProtocolVersion: p.ProtocolVersion,
	}
	if p.TransportHint != "" {
		hint := p.TransportHint
		w.TransportHint = &hint
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(w); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "serialize packet",
			errors.WithPacketID(p.id))
	}
	// Encoder appends a newline; the wire form has none.
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Deserialize decodes a packet produced by Serialize.
// Payload numbers decode as json.Number so integers keep full precision.
func Deserialize(data []byte) (*Packet, error) {
	var w wirePacket
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "decode packet")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.InvalidInput("decode packet: trailing data after packet")
	}
	if w.PacketID == "" {
		return nil, errors.InvalidInput("decode packet: missing packet_id")
	}

	p := &Packet{
		id:              w.PacketID,
		AgentID:         w.AgentID,
		StepID:          w.StepID,
		Tool:            w.Tool,
		Payload:         w.Payload,
		MemoryPointer:   w.MemoryPointer,
		ProtocolVersion: w.ProtocolVersion,
	}
	if w.TransportHint != nil {
		p.TransportHint = *w.TransportHint
	}
	return p, nil
}
