// Package bus implements the process-wide publish/subscribe message bus.
//
// Every message is a pointer to one of the concrete types in catalog.go. Subscribers register
// for a message kind and are invoked on the single delivery goroutine, in publish order.
// A Bridge makes the bus network transparent by forwarding messages through a types.Transport.
package bus

import (
	"time"

	"github.com/mykube-run/sluice/pkg/enum"
)

// Header is carried by every message
type Header struct {
	Timestamp time.Time `json:"timestamp"`
	Sender    string    `json:"sender"`
}

// NewHeader returns a header stamped with the current time
func NewHeader(sender string) Header {
	return Header{Timestamp: time.Now(), Sender: sender}
}

func (h Header) MessageHeader() Header {
	return h
}

func (h *Header) stamp(v Header) {
	*h = v
}

// Message is implemented by the message types of this package only
type Message interface {
	MessageHeader() Header
	Kind() enum.MessageKind
	stamp(h Header)
}

// Equal compares message identity: creation time, sender and kind. Payloads are not compared.
func Equal(a, b Message) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ha, hb := a.MessageHeader(), b.MessageHeader()
	return a.Kind() == b.Kind() && ha.Sender == hb.Sender && ha.Timestamp.Equal(hb.Timestamp)
}
