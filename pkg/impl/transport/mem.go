package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/mykube-run/sluice/pkg/types"
)

// MemHub connects in-process transports, every message sent by one member is received by all
// other listening members. Used by single-process deployments and tests.
type MemHub struct {
	mu      sync.RWMutex
	members map[*MemTransport]struct{}
}

func NewMemHub() *MemHub {
	return &MemHub{members: make(map[*MemTransport]struct{})}
}

// Connect returns a new transport attached to the hub
func (h *MemHub) Connect() *MemTransport {
	t := &MemTransport{hub: h}
	h.mu.Lock()
	h.members[t] = struct{}{}
	h.mu.Unlock()
	return t
}

func (h *MemHub) broadcast(sender *MemTransport, from string, msg []byte) {
	h.mu.RLock()
	targets := make([]*MemTransport, 0, len(h.members))
	for m := range h.members {
		if m != sender {
			targets = append(targets, m)
		}
	}
	h.mu.RUnlock()

	for _, m := range targets {
		m.receive(from, msg)
	}
}

type MemTransport struct {
	hub *MemHub

	mu        sync.Mutex
	omr       types.OnMessageReceived
	receiving bool
	closeSend bool
}

func (t *MemTransport) Start() error {
	t.mu.Lock()
	t.receiving = true
	t.mu.Unlock()
	return nil
}

func (t *MemTransport) OnReceive(fn types.OnMessageReceived) {
	t.mu.Lock()
	t.omr = fn
	t.mu.Unlock()
}

func (t *MemTransport) Send(from, to string, msg []byte) error {
	t.mu.Lock()
	closed := t.closeSend
	t.mu.Unlock()
	if closed {
		return fmt.Errorf("mem transport send side closed")
	}
	cp := make([]byte, len(msg))
	copy(cp, msg)
	t.hub.broadcast(t, from, cp)
	return nil
}

func (t *MemTransport) Reconnect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.Start()
}

func (t *MemTransport) CloseReceive() error {
	t.mu.Lock()
	t.receiving = false
	t.mu.Unlock()
	return nil
}

func (t *MemTransport) CloseSend() error {
	t.mu.Lock()
	t.closeSend = true
	t.mu.Unlock()
	return nil
}

// Receiving returns true between Start (or Reconnect) and CloseReceive
func (t *MemTransport) Receiving() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.receiving
}

func (t *MemTransport) receive(from string, msg []byte) {
	t.mu.Lock()
	omr, ok := t.omr, t.receiving
	t.mu.Unlock()
	if !ok || omr == nil {
		return
	}
	_, _ = omr(from, msg)
}
