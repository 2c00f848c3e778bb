package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/segmentio/kafka-go"

	"mousekit.app/cloud/internal/logger"
)

// KafkaPublisher forwards change messages to a Kafka topic. Used when the
// relay and the consumers run as separate processes; keyed by item id so
// changes for the same record stay on one partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.ID),
		Value: []byte(msg.Body),
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// groupReader is the slice of kafka.Reader the listener needs, narrowed so
// the delivery loop can be exercised without a broker.
type groupReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaListener consumes change messages from a topic and hands them to the
// registered consumers one at a time. The offset is committed only after
// every consumer settled the message, so delivery stays at-least-once and
// the consumers' persisted dedup markers carry idempotency.
type KafkaListener struct {
	reader    groupReader
	consumers []Consumer

	maxAttempts int
	retryDelay  time.Duration
}

func NewKafkaListener(brokers []string, topic, groupID string, consumers []Consumer) *KafkaListener {
	return &KafkaListener{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			GroupID:  groupID,
			Topic:    topic,
			MinBytes: 1e3,
			MaxBytes: 10e6,
		}),
		consumers:   consumers,
		maxAttempts: 5,
		retryDelay:  time.Second,
	}
}

// Run blocks until ctx is canceled, the reader fails, or a message keeps
// failing past the attempt limit. Consumer-group commits are cumulative,
// so the loop never fetches past an unsettled message: committing a later
// offset would mark the failed one consumed and lose it.
func (l *KafkaListener) Run(ctx context.Context) error {
	for {
		m, err := l.reader.FetchMessage(ctx)
		if err != nil {
			return err
		}
		if err := l.settle(ctx, m); err != nil {
			return err
		}
	}
}

// settle retries a failed message in place. It commits only once every
// consumer accepted the message; a message still failing after maxAttempts
// surfaces as an error, leaving the offset uncommitted so the group
// redelivers from there.
func (l *KafkaListener) settle(ctx context.Context, m kafka.Message) error {
	key := string(m.Key)
	msgs := []Message{{ID: key, Body: string(m.Value)}}
	for attempt := 1; ; attempt++ {
		failed := Deliver(ctx, l.consumers, msgs)
		if len(failed) == 0 {
			break
		}
		if attempt >= l.maxAttempts {
			sentry.CaptureMessage(fmt.Sprintf("change %s stuck after %d attempts: %s", key, attempt, failed[key]))
			return fmt.Errorf("change %s failed after %d attempts: %s", key, attempt, failed[key])
		}
		logger.Warn("Change message failed, retrying before commit", map[string]interface{}{
			"key":     key,
			"attempt": attempt,
			"reason":  failed[key],
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}

	if err := l.reader.CommitMessages(ctx, m); err != nil {
		logger.Error("Failed to commit change message", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
	return nil
}

func (l *KafkaListener) Close() error {
	return l.reader.Close()
}
