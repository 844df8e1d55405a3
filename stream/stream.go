// Package stream provides the append-only stream transport for packets.
//
// Each packet becomes one stream entry: a flat field map whose MessageField
// carries the serialized packet text. JetStreamClient backs this with a NATS
// JetStream stream; MemoryStream is an in-process log for tests and
// single-process composition.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
)

// MessageField is the entry field holding the serialized packet.
const MessageField = "message"

// Common errors.
var (
	ErrClosed         = errors.New("stream closed")
	ErrEmptyEntry     = errors.New("stream entry has no fields")
	ErrMissingMessage = errors.New("stream entry has no message field")
	ErrTooLarge       = errors.New("stream entry exceeds size limit")
)

// ErrTimeout is returned when a publish outlives its timeout.
var ErrTimeout error = timeoutError{}

// timeoutError reports Timeout() like net.Error does.
type timeoutError struct{}

func (timeoutError) Error() string { return "stream append timed out" }
func (timeoutError) Timeout() bool { return true }

// Entry is one record read back from the stream.
type Entry struct {
	// ID is the stream-assigned sequence, as a decimal string.
	ID string

	// Fields holds the appended key/value pairs.
	Fields map[string]string
}

// Message returns the serialized packet carried by the entry.
func (e Entry) Message() ([]byte, error) {
	msg, ok := e.Fields[MessageField]
	if !ok {
		return nil, ErrMissingMessage
	}
	return []byte(msg), nil
}

// EncodeFields renders an entry body. Keys are sorted by encoding/json and
// HTML characters are left unescaped.
func EncodeFields(fields map[string]string) ([]byte, error) {
	if len(fields) == 0 {
		return nil, ErrEmptyEntry
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(fields); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// DecodeEntry parses an entry body produced by EncodeFields.
func DecodeEntry(id string, data []byte) (Entry, error) {
	var fields map[string]string
	if err := json.Unmarshal(data, &fields); err != nil {
		return Entry{}, err
	}
	if len(fields) == 0 {
		return Entry{}, ErrEmptyEntry
	}
	return Entry{ID: id, Fields: fields}, nil
}

func copyFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
