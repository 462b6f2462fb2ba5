// Package hub speaks the JSON hub protocol used by the streaming backend:
// records terminated by the 0x1E separator, a protocol handshake, server
// invocations, and correlated streaming invocations.
package hub

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// RecordSeparator terminates every JSON record on the wire.
const RecordSeparator byte = 0x1e

// MessageType is the hub protocol message discriminator.
type MessageType int

// Hub protocol message types.
const (
	TypeInvocation       MessageType = 1
	TypeStreamItem       MessageType = 2
	TypeCompletion       MessageType = 3
	TypeStreamInvocation MessageType = 4
	TypeCancelInvocation MessageType = 5
	TypePing             MessageType = 6
	TypeClose            MessageType = 7
)

// Message is an inbound hub record.
type Message struct {
	Type         MessageType       `json:"type"`
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	Item         json.RawMessage   `json:"item,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// outbound is a client record.
type outbound struct {
	Type         MessageType `json:"type"`
	InvocationID string      `json:"invocationId,omitempty"`
	Target       string      `json:"target,omitempty"`
	Arguments    []any       `json:"arguments,omitempty"`
}

type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

type handshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// encodeRecord marshals v and appends the record separator.
func encodeRecord(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode hub record")
	}
	return append(data, RecordSeparator), nil
}

// splitRecords returns the non-empty records in a frame.
func splitRecords(frame []byte) [][]byte {
	parts := bytes.Split(frame, []byte{RecordSeparator})
	records := parts[:0]
	for _, part := range parts {
		if len(bytes.TrimSpace(part)) > 0 {
			records = append(records, part)
		}
	}
	return records
}

// decodeMessages parses every record in a frame.
func decodeMessages(frame []byte) ([]Message, error) {
	records := splitRecords(frame)
	msgs := make([]Message, 0, len(records))
	for _, record := range records {
		var msg Message
		if err := json.Unmarshal(record, &msg); err != nil {
			return nil, errors.Wrap(err, "failed to decode hub record")
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
