package bus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/mykube-run/sluice/pkg/enum"
	"github.com/mykube-run/sluice/pkg/types"
)

// Action is invoked on the delivery goroutine. It must not block on the delivery of another message.
type Action func(m Message)

// Subscription is returned by Subscribe and identifies a subscriber for Unsubscribe
type Subscription struct {
	kind   enum.MessageKind
	action Action
}

type envelope struct {
	m      Message
	done   chan struct{}
	remote bool
}

// Bus delivers messages to subscribers on a single goroutine, in publish order.
// Publish never blocks: pending messages are kept in an unbounded FIFO.
type Bus struct {
	id string
	lg types.Logger

	mu        sync.Mutex
	subs      map[enum.MessageKind][]*Subscription
	pending   []envelope
	stopped   bool
	forwarder func(Message)

	wake      chan struct{}
	done      chan struct{}
	once      sync.Once
	delivered uint64
}

// New creates a Bus for the process identified by id, which is used as the sender of
// messages published without a header
func New(id string, lg types.Logger) *Bus {
	return &Bus{
		id:   id,
		lg:   lg,
		subs: make(map[enum.MessageKind][]*Subscription),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Id returns the sender id of this process
func (b *Bus) Id() string {
	return b.id
}

// Start starts the delivery goroutine, messages published before Start are kept
func (b *Bus) Start() {
	b.once.Do(func() {
		go b.loop()
	})
}

// Stop rejects further publishes. Messages already queued are still delivered, Done is closed afterwards.
// Stop may be called from within a subscriber.
func (b *Bus) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	b.signal()
}

// Done is closed once the delivery goroutine exited
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// Delivered returns the number of messages delivered so far
func (b *Bus) Delivered() uint64 {
	return atomic.LoadUint64(&b.delivered)
}

// Subscribe registers action for messages of the given kind. Subscribers of a kind are invoked
// in registration order.
func (b *Bus) Subscribe(kind enum.MessageKind, action Action) *Subscription {
	s := &Subscription{kind: kind, action: action}
	b.mu.Lock()
	b.subs[kind] = append(b.subs[kind], s)
	b.mu.Unlock()
	return s
}

func (b *Bus) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[s.kind]
	for i := range list {
		if list[i] == s {
			cp := make([]*Subscription, 0, len(list)-1)
			cp = append(cp, list[:i]...)
			b.subs[s.kind] = append(cp, list[i+1:]...)
			return
		}
	}
}

// On subscribes fn to the message type T, e.g. On(b, func(m *TaskRequest) {...})
func On[T Message](b *Bus, fn func(T)) *Subscription {
	var zero T
	return b.Subscribe(zero.Kind(), func(m Message) {
		if v, ok := m.(T); ok {
			fn(v)
		}
	})
}

// Publish enqueues m for delivery and returns immediately
func (b *Bus) Publish(m Message) error {
	_, err := b.enqueue(m, false)
	return err
}

// PublishNotify enqueues m and returns a channel that is closed once every subscriber of m returned
func (b *Bus) PublishNotify(m Message) (<-chan struct{}, error) {
	return b.enqueue(m, false)
}

// PublishAndWait publishes m and blocks until it was delivered or ctx is done.
// It must not be called from within a subscriber.
func (b *Bus) PublishAndWait(ctx context.Context, m Message) error {
	done, err := b.enqueue(m, false)
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// publishRemote delivers a message received from another process without forwarding it again
func (b *Bus) publishRemote(m Message) error {
	_, err := b.enqueue(m, true)
	return err
}

func (b *Bus) setForwarder(fn func(Message)) {
	b.mu.Lock()
	b.forwarder = fn
	b.mu.Unlock()
}

func (b *Bus) enqueue(m Message, remote bool) (<-chan struct{}, error) {
	if m == nil {
		return nil, fmt.Errorf("nil message")
	}
	if m.MessageHeader().Timestamp.IsZero() {
		m.stamp(NewHeader(b.id))
	}
	env := envelope{m: m, done: make(chan struct{}), remote: remote}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil, enum.ErrBusStopped
	}
	b.pending = append(b.pending, env)
	b.mu.Unlock()
	b.signal()
	return env.done, nil
}

func (b *Bus) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) loop() {
	defer close(b.done)
	for {
		env, ok := b.next()
		if !ok {
			return
		}
		b.deliver(env)
	}
}

func (b *Bus) next() (envelope, bool) {
	for {
		b.mu.Lock()
		if len(b.pending) > 0 {
			env := b.pending[0]
			b.pending[0] = envelope{}
			b.pending = b.pending[1:]
			b.mu.Unlock()
			return env, true
		}
		if b.stopped {
			b.mu.Unlock()
			return envelope{}, false
		}
		b.mu.Unlock()
		<-b.wake
	}
}

func (b *Bus) deliver(env envelope) {
	defer close(env.done)

	b.mu.Lock()
	subs := b.subs[env.m.Kind()]
	fwd := b.forwarder
	b.mu.Unlock()

	if fwd != nil && !env.remote {
		b.invoke(env.m, fwd)
	}
	for _, s := range subs {
		b.invoke(env.m, s.action)
	}
	atomic.AddUint64(&b.delivered, 1)
}

func (b *Bus) invoke(m Message, fn func(Message)) {
	defer func() {
		if r := recover(); r != nil {
			b.lg.Log(types.LevelError, "kind", m.Kind(), "panic", r, "stack", string(debug.Stack()),
				"message", "recovered from subscriber panic")
		}
	}()
	fn(m)
}
