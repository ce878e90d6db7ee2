package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// TopicFor returns the topic carrying envelopes addressed to domain.
func TopicFor(prefix, domain string) string {
	return prefix + "." + domain
}

// KafkaMessenger publishes envelopes to the peer domain's topic.
type KafkaMessenger struct {
	writer    *kafka.Writer
	transport string
	prefix    string
	domain    string
	address   string
}

// NewKafkaMessenger creates a messenger sending as (domain, address).
func NewKafkaMessenger(brokers []string, transport, topicPrefix, domain, address string) (*KafkaMessenger, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka messenger requires at least one broker")
	}
	return &KafkaMessenger{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		transport: transport,
		prefix:    topicPrefix,
		domain:    domain,
		address:   address,
	}, nil
}

func (k *KafkaMessenger) Send(ctx context.Context, peerDomain, peerAddress string, m Message, gasBudget uint64) error {
	env, err := Seal(k.transport, k.domain, k.address, peerDomain, peerAddress, gasBudget, m)
	if err != nil {
		return err
	}
	value, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Topic: TopicFor(k.prefix, peerDomain),
		Key:   []byte(m.QuestionID),
		Value: value,
		Time:  env.SentAt,
	})
}

func (k *KafkaMessenger) Close() error {
	return k.writer.Close()
}

// KafkaRelay consumes this domain's topic and hands envelopes to a Receiver.
// The relay is the transport: it stamps its own name on every envelope and
// ignores the transport the payload claims.
type KafkaRelay struct {
	reader    *kafka.Reader
	transport string
	receiver  Receiver
}

// NewKafkaRelay creates a relay for envelopes addressed to domain.
func NewKafkaRelay(brokers []string, transport, groupID, topicPrefix, domain string, receiver Receiver) (*KafkaRelay, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka relay requires at least one broker")
	}
	if transport == "" {
		return nil, fmt.Errorf("kafka relay requires a transport name")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka relay requires group id")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    TopicFor(topicPrefix, domain),
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return &KafkaRelay{reader: reader, transport: transport, receiver: receiver}, nil
}

// Run delivers messages until ctx is canceled. Envelopes that fail to decode
// or that the receiver rejects are logged and committed; the bridge gives no
// redelivery guarantee, so a rejected message is not retried.
func (r *KafkaRelay) Run(ctx context.Context) error {
	for {
		msg, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		if err := r.handle(ctx, msg.Value); err != nil {
			slog.Warn("bridge relay dropped message", "topic", msg.Topic, "offset", msg.Offset, "err", err)
		}

		if err := r.reader.CommitMessages(ctx, msg); err != nil {
			return err
		}
	}
}

func (r *KafkaRelay) handle(ctx context.Context, value []byte) error {
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	env.Transport = r.transport
	if err := r.receiver.Deliver(ctx, env); err != nil {
		return fmt.Errorf("deliver %s from %s: %w", env.ID, env.OriginDomain, err)
	}
	return nil
}

func (r *KafkaRelay) Close() error {
	return r.reader.Close()
}
