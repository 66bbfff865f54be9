package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/phenrril/ecomcore/internal/domain"
)

// Topics published by the core.
var Topics = []string{
	domain.TopicOrderStatusUpdated,
	domain.TopicPaymentProcessed,
	domain.TopicPaymentFailed,
	domain.TopicInventoryOutOfStock,
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes domain events as JSON messages. The topic is set per
// message so one writer serves every topic.
type Publisher struct {
	w   messageWriter
	now func() time.Time
}

func NewPublisher(brokers []string) *Publisher {
	return &Publisher{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
			WriteTimeout:           5 * time.Second,
		},
		now: time.Now,
	}
}

func (p *Publisher) Publish(ctx context.Context, events ...domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("encode %s event: %w", ev.Topic, err)
		}
		msgs = append(msgs, kafka.Message{
			Topic: ev.Topic,
			Key:   []byte(ev.Key),
			Value: value,
			Time:  p.now(),
		})
	}
	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	log.Debug().Int("messages", len(msgs)).Msg("events published")
	return nil
}

func (p *Publisher) Close() error { return p.w.Close() }

// EnsureTopics creates the core topics through the cluster controller.
// Existing topics are left alone.
func EnsureTopics(broker string, partitions int) error {
	conn, err := kafka.Dial("tcp", broker)
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return err
	}
	cc, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return err
	}
	defer cc.Close()

	cfgs := make([]kafka.TopicConfig, 0, len(Topics))
	for _, t := range Topics {
		cfgs = append(cfgs, kafka.TopicConfig{Topic: t, NumPartitions: partitions, ReplicationFactor: 1})
	}
	return cc.CreateTopics(cfgs...)
}

// Discard drops every event. It is used when no broker is configured.
type Discard struct{}

func (Discard) Publish(_ context.Context, events ...domain.Event) error {
	for _, ev := range events {
		log.Debug().Str("topic", ev.Topic).Str("key", ev.Key).Msg("event dropped, no broker configured")
	}
	return nil
}
