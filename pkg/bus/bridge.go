package bus

import (
	"context"

	"github.com/mykube-run/sluice/pkg/enum"
	"github.com/mykube-run/sluice/pkg/types"
)

// Bridge connects a Bus to a Transport. Locally published messages are sent to every other
// process, messages received from other processes are published locally.
type Bridge struct {
	b    *Bus
	tran types.Transport
	lg   types.Logger
	// Forward decides which kinds are sent over the network, nil forwards everything
	Forward func(kind enum.MessageKind) bool
}

func NewBridge(b *Bus, tran types.Transport, lg types.Logger) *Bridge {
	return &Bridge{b: b, tran: tran, lg: lg}
}

// Start registers the bridge on both ends and starts the transport
func (br *Bridge) Start() error {
	br.tran.OnReceive(br.onReceive)
	br.b.setForwarder(br.forward)
	return br.tran.Start()
}

// Reconnect re-establishes the receive side of the transport
func (br *Bridge) Reconnect(ctx context.Context) error {
	return br.tran.Reconnect(ctx)
}

// StopListening stops receiving remote messages until the next Reconnect
func (br *Bridge) StopListening() error {
	return br.tran.CloseReceive()
}

// Close detaches the bridge from the bus and closes the transport
func (br *Bridge) Close() error {
	br.b.setForwarder(nil)
	if err := br.tran.CloseReceive(); err != nil {
		br.lg.Log(types.LevelWarn, "error", err, "message", "failed to close transport receive side")
	}
	return br.tran.CloseSend()
}

func (br *Bridge) forward(m Message) {
	if br.Forward != nil && !br.Forward(m.Kind()) {
		return
	}
	if m.MessageHeader().Sender != br.b.Id() {
		// Only messages originating from this process are forwarded
		return
	}
	byt, err := Encode(m)
	if err != nil {
		br.lg.Log(types.LevelError, "kind", m.Kind(), "error", err, "message", "failed to encode message")
		return
	}
	if err = br.tran.Send(br.b.Id(), "", byt); err != nil {
		br.lg.Log(types.LevelError, "kind", m.Kind(), "error", err, "message", "failed to send message")
	}
}

func (br *Bridge) onReceive(from string, msg []byte) ([]byte, error) {
	if from == br.b.Id() {
		return nil, nil
	}
	m, err := Decode(msg)
	if err != nil {
		br.lg.Log(types.LevelWarn, "from", from, "error", err, "message", "dropped undecodable message")
		return nil, err
	}
	if m.MessageHeader().Sender == br.b.Id() {
		return nil, nil
	}
	return nil, br.b.publishRemote(m)
}
