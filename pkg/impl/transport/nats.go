package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mykube-run/sluice/pkg/config"
	"github.com/mykube-run/sluice/pkg/types"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NATSTransport publishes every message to one subject that all processes subscribe to
type NATSTransport struct {
	lg  zerolog.Logger
	cfg *config.TransportConfig

	mu  sync.Mutex
	nc  *nats.Conn
	sub *nats.Subscription
	omr types.OnMessageReceived
}

func NewNATSTransport(cfg *config.TransportConfig) (*NATSTransport, error) {
	if err := validateRole(cfg.Role); err != nil {
		return nil, fmt.Errorf("invalid config: %v", err)
	}
	if cfg.NATS.URL == "" || cfg.NATS.Subject == "" {
		return nil, fmt.Errorf("invalid config: TransportConfig.NATS.URL and Subject are required")
	}
	return &NATSTransport{
		lg:  log.With().Str("transport", "nats").Str("role", cfg.Role).Logger(),
		cfg: cfg,
	}, nil
}

func (t *NATSTransport) OnReceive(omr types.OnMessageReceived) {
	t.mu.Lock()
	t.omr = omr
	t.mu.Unlock()
}

func (t *NATSTransport) Start() error {
	if err := t.connect(); err != nil {
		return err
	}
	return t.subscribe()
}

func (t *NATSTransport) Send(from, to string, msg []byte) error {
	t.mu.Lock()
	nc := t.nc
	t.mu.Unlock()
	if nc == nil || nc.IsClosed() {
		return fmt.Errorf("nats transport send side closed")
	}
	m := nats.NewMsg(t.cfg.NATS.Subject)
	m.Header.Set(HeaderFrom, from)
	if to != "" {
		m.Header.Set("To", to)
	}
	m.Data = msg
	return nc.PublishMsg(m)
}

// Reconnect drops the subscription, reconnects when the connection was closed and subscribes again
func (t *NATSTransport) Reconnect(ctx context.Context) error {
	if err := t.CloseReceive(); err != nil {
		t.lg.Warn().Err(err).Msg("error unsubscribing before reconnecting")
	}
	t.mu.Lock()
	closed := t.nc == nil || t.nc.IsClosed()
	t.mu.Unlock()
	if closed {
		if err := t.connect(); err != nil {
			return err
		}
	}
	if err := t.subscribe(); err != nil {
		return err
	}
	t.mu.Lock()
	nc := t.nc
	t.mu.Unlock()
	return nc.FlushWithContext(ctx)
}

func (t *NATSTransport) CloseReceive() error {
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()
	if sub == nil || !sub.IsValid() {
		return nil
	}
	return sub.Unsubscribe()
}

func (t *NATSTransport) CloseSend() error {
	t.mu.Lock()
	nc := t.nc
	t.mu.Unlock()
	if nc == nil || nc.IsClosed() {
		return nil
	}
	return nc.Drain()
}

func (t *NATSTransport) connect() error {
	opts := []nats.Option{
		nats.Name("sluice-" + t.cfg.Role),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.lg.Warn().Err(err).Msg("disconnected from nats")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.lg.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected to nats")
		}),
	}
	if t.cfg.NATS.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(t.cfg.NATS.MaxReconnects))
	}
	nc, err := nats.Connect(t.cfg.NATS.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect to nats %v: %w", t.cfg.NATS.URL, err)
	}
	t.mu.Lock()
	t.nc = nc
	t.mu.Unlock()
	return nil
}

func (t *NATSTransport) subscribe() error {
	t.mu.Lock()
	nc := t.nc
	t.mu.Unlock()
	sub, err := nc.Subscribe(t.cfg.NATS.Subject, t.handle)
	if err != nil {
		return fmt.Errorf("error subscribing subject %v: %w", t.cfg.NATS.Subject, err)
	}
	t.mu.Lock()
	t.sub = sub
	t.mu.Unlock()
	t.lg.Info().Str("subject", t.cfg.NATS.Subject).Msg("added subscription to subject")
	return nil
}

func (t *NATSTransport) handle(m *nats.Msg) {
	t.mu.Lock()
	omr := t.omr
	t.mu.Unlock()
	if omr == nil {
		return
	}
	if res, err := omr(m.Header.Get(HeaderFrom), m.Data); err != nil {
		t.lg.Err(err).Bytes("result", res).Msg("error handling message")
	}
}
