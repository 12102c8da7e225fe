package transport

import (
	"context"
	"sync"
	"testing"

	"github.com/mykube-run/sluice/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inbox struct {
	mu   sync.Mutex
	msgs []string
}

func (in *inbox) handle(from string, msg []byte) ([]byte, error) {
	in.mu.Lock()
	in.msgs = append(in.msgs, from+":"+string(msg))
	in.mu.Unlock()
	return nil, nil
}

func (in *inbox) got() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]string{}, in.msgs...)
}

func TestMemTransport_Broadcast(t *testing.T) {
	hub := NewMemHub()
	a, b, c := hub.Connect(), hub.Connect(), hub.Connect()
	var ia, ib, ic inbox
	a.OnReceive(ia.handle)
	b.OnReceive(ib.handle)
	c.OnReceive(ic.handle)
	for _, tr := range []*MemTransport{a, b, c} {
		require.NoError(t, tr.Start())
	}

	require.NoError(t, a.Send("a", "", []byte("hello")))
	assert.Empty(t, ia.got())
	assert.Equal(t, []string{"a:hello"}, ib.got())
	assert.Equal(t, []string{"a:hello"}, ic.got())
}

func TestMemTransport_CloseReceiveAndReconnect(t *testing.T) {
	hub := NewMemHub()
	a, b := hub.Connect(), hub.Connect()
	var ib inbox
	b.OnReceive(ib.handle)
	require.NoError(t, b.Start())

	require.NoError(t, b.CloseReceive())
	assert.False(t, b.Receiving())
	require.NoError(t, a.Send("a", "", []byte("lost")))
	assert.Empty(t, ib.got())

	require.NoError(t, b.Reconnect(context.Background()))
	require.NoError(t, a.Send("a", "", []byte("seen")))
	assert.Equal(t, []string{"a:seen"}, ib.got())

	require.NoError(t, a.CloseSend())
	assert.Error(t, a.Send("a", "", []byte("x")))
}

func TestNew(t *testing.T) {
	tr, err := New(&config.TransportConfig{Type: "mem"})
	require.NoError(t, err)
	assert.IsType(t, &MemTransport{}, tr)

	_, err = New(&config.TransportConfig{Type: "carrier-pigeon"})
	assert.Error(t, err)

	_, err = New(&config.TransportConfig{Type: "kafka", Role: "Supervisor"})
	assert.Error(t, err)

	_, err = New(&config.TransportConfig{Type: "nats", Role: "Client"})
	assert.Error(t, err)
}
