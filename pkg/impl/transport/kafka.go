package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/mykube-run/sluice/pkg/config"
	"github.com/mykube-run/sluice/pkg/enum"
	"github.com/mykube-run/sluice/pkg/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/satori/uuid"
)

var (
	DefaultMessageTTL = 10 // 10 seconds
	HeaderFrom        = "From"
)

// KafkaTransport shares one bus topic between every process. Each process consumes with its own
// group id so that every message reaches every process.
type KafkaTransport struct {
	p   *kafka.Producer
	lg  zerolog.Logger
	cfg *config.TransportConfig
	ttl int

	mu        sync.Mutex
	c         *kafka.Consumer
	omr       types.OnMessageReceived
	stop      chan struct{}
	stopped   chan struct{}
	closeSend bool
}

func NewKafkaTransport(cfg *config.TransportConfig) (*KafkaTransport, error) {
	if err := validateKafkaConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %v", err)
	}

	p, err := kafka.NewProducer(newProducerConfig(cfg.Kafka))
	if err != nil {
		return nil, fmt.Errorf("error intializing kafka producer: %v", err)
	}
	t := &KafkaTransport{
		p:   p,
		lg:  log.With().Str("transport", "kafka").Str("role", cfg.Role).Logger(),
		cfg: cfg,
		ttl: DefaultMessageTTL,
	}
	if cfg.Kafka.MessageTTL > 0 {
		t.ttl = cfg.Kafka.MessageTTL
	}
	return t, nil
}

func (t *KafkaTransport) OnReceive(omr types.OnMessageReceived) {
	t.mu.Lock()
	t.omr = omr
	t.mu.Unlock()
}

func (t *KafkaTransport) Send(from, to string, msg []byte) error {
	t.mu.Lock()
	closed := t.closeSend
	t.mu.Unlock()
	if closed {
		return fmt.Errorf("kafka transport send side closed")
	}

	topic := t.cfg.Kafka.Topic
	var key []byte
	if len(to) != 0 {
		key = []byte(to)
	}
	kmsg := &kafka.Message{
		Key: key,
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Headers: []kafka.Header{
			{
				Key:   HeaderFrom,
				Value: []byte(from),
			},
		},
		Value:         msg,
		Timestamp:     time.Now(),
		TimestampType: kafka.TimestampCreateTime,
	}
	t.lg.Trace().Str("from", from).Str("to", to).Str("topic", topic).
		Bytes("value", msg).Msg("sending message")
	return t.p.Produce(kmsg, nil)
}

func (t *KafkaTransport) Start() error {
	go t.handleProducerEvents()
	return t.listen()
}

// Reconnect closes the consumer and subscribes again with a new one
func (t *KafkaTransport) Reconnect(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		if err := t.CloseReceive(); err != nil {
			t.lg.Warn().Err(err).Msg("error closing consumer before reconnecting")
		}
		done <- t.listen()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *KafkaTransport) CloseSend() error {
	t.mu.Lock()
	t.closeSend = true
	t.mu.Unlock()
	t.p.Flush(5 * enum.Second)
	t.p.Close()
	return nil
}

// CloseReceive stops consuming and closes the consumer, it is safe to call repeatedly
func (t *KafkaTransport) CloseReceive() error {
	t.mu.Lock()
	stop, stopped, c := t.stop, t.stopped, t.c
	t.stop, t.stopped, t.c = nil, nil, nil
	t.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-stopped
	return c.Close()
}

func (t *KafkaTransport) listen() error {
	c, err := kafka.NewConsumer(newConsumerConfig(t.cfg.Kafka))
	if err != nil {
		return fmt.Errorf("error intializing kafka consumer: %v", err)
	}
	if err = c.Subscribe(t.cfg.Kafka.Topic, nil); err != nil {
		_ = c.Close()
		return fmt.Errorf("error subscribing topic %v: %v", t.cfg.Kafka.Topic, err)
	}
	t.lg.Info().Str("topic", t.cfg.Kafka.Topic).Str("groupId", t.cfg.Kafka.GroupId).
		Msg("added subscription to topic")

	stop, stopped := make(chan struct{}), make(chan struct{})
	t.mu.Lock()
	t.c, t.stop, t.stopped = c, stop, stopped
	t.mu.Unlock()
	go t.consume(c, stop, stopped)
	return nil
}

func (t *KafkaTransport) consume(c *kafka.Consumer, stop, stopped chan struct{}) {
	var (
		err error
		res []byte
		msg *kafka.Message
	)

	defer close(stopped)
	defer func() {
		if r := recover(); r != nil {
			t.lg.Error().Msgf("kafka transport consumer panicked: %v", r)
		}
	}()

	for {
		select {
		case <-stop:
			return
		default:
		}
		if msg, err = c.ReadMessage(time.Second); err != nil {
			if kerr, ok := err.(kafka.Error); ok && kerr.Code() == kafka.ErrTimedOut {
				continue
			}
			t.lg.Err(err).Msg("error reading message from brokers")
			continue
		}

		if int(time.Since(msg.Timestamp).Seconds()) > t.ttl {
			t.lg.Info().Msgf("ignoring message sent more than %v seconds ago", t.ttl)
			continue
		}

		t.mu.Lock()
		omr := t.omr
		t.mu.Unlock()
		if omr == nil {
			continue
		}
		t.lg.Trace().Bytes("value", msg.Value).Msgf("handling message")
		if res, err = omr(from(msg.Headers), msg.Value); err != nil {
			t.lg.Err(err).Bytes("result", res).Msg("error handling message")
		}
	}
}

func (t *KafkaTransport) handleProducerEvents() {
	for e := range t.p.Events() {
		switch ev := e.(type) {
		case kafka.Error:
			t.lg.Err(ev).Msg("producer error")
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				t.lg.Err(ev.TopicPartition.Error).Msg("failed to enqueue message in kafka")
			} else {
				t.lg.Trace().Str("topic", *ev.TopicPartition.Topic).
					Int32("partition", ev.TopicPartition.Partition).
					Int64("offset", int64(ev.TopicPartition.Offset)).Msg("enqueued message")
			}
		}
	}
}

func newConsumerConfig(conf config.KafkaConfig) *kafka.ConfigMap {
	return &kafka.ConfigMap{
		"bootstrap.servers":         strings.Join(conf.Brokers, ","),
		"group.id":                  conf.GroupId,
		"client.id":                 uuid.NewV4().String(),
		"api.version.request":       "true",
		"auto.offset.reset":         "latest", // Must be latest
		"enable.auto.commit":        "true",
		"heartbeat.interval.ms":     3 * enum.Second,  // 3s
		"session.timeout.ms":        30 * enum.Second, // 30s
		"max.poll.interval.ms":      300 * enum.Second,
		"message.max.bytes":         500 * enum.KB,
		"fetch.max.bytes":           500 * enum.KB,
		"max.partition.fetch.bytes": 500 * enum.KB,
		"security.protocol":         "PLAINTEXT",
	}
}

func newProducerConfig(conf config.KafkaConfig) *kafka.ConfigMap {
	return &kafka.ConfigMap{
		"acks":                "all", // All replicas ack
		"bootstrap.servers":   strings.Join(conf.Brokers, ","),
		"client.id":           uuid.NewV4().String(),
		"api.version.request": "true",
		"security.protocol":   "PLAINTEXT",
		"retries":             3,
		"retry.backoff.ms":    100,
		"linger.ms":           20,
	}
}

func from(headers []kafka.Header) string {
	for _, v := range headers {
		if v.Key == HeaderFrom {
			return string(v.Value)
		}
	}
	return ""
}

func validateKafkaConfig(cfg *config.TransportConfig) error {
	if err := validateRole(cfg.Role); err != nil {
		return err
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("TransportConfig.Kafka.Brokers was not specified")
	}
	if cfg.Kafka.GroupId == "" {
		return fmt.Errorf("TransportConfig.Kafka.GroupId was not specified")
	}
	if cfg.Kafka.Topic == "" {
		return fmt.Errorf("TransportConfig.Kafka.Topic was not specified")
	}
	return nil
}
