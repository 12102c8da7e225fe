package bus

import (
	"encoding/json"
	"fmt"

	"github.com/mykube-run/sluice/pkg/enum"
)

type wire struct {
	Kind enum.MessageKind `json:"kind"`
	Body json.RawMessage  `json:"body"`
}

// Encode serializes a message together with its kind
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %v: %w", m.Kind(), err)
	}
	return json.Marshal(wire{Kind: m.Kind(), Body: body})
}

// Decode parses a message produced by Encode
func Decode(byt []byte) (Message, error) {
	var w wire
	if err := json.Unmarshal(byt, &w); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	m, ok := NewMessage(w.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: %v", enum.ErrUnknownMessageKind, w.Kind)
	}
	if err := json.Unmarshal(w.Body, m); err != nil {
		return nil, fmt.Errorf("decode %v: %w", w.Kind, err)
	}
	return m, nil
}
