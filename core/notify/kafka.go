package notify

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/relata-tech/relata/core/logger"
)

// KafkaNotifier publishes mutation events to a kafka topic. The event's
// resource and identifier form the message key, so all events for one
// entity land in the same partition and keep their order.
type KafkaNotifier struct {
	writer *kafka.Writer
}

var _ Notifier = (*KafkaNotifier)(nil)

// NewKafkaNotifier creates a notifier publishing to the given topic.
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// Notify publishes the event. Errors are logged by the caller, a failed
// publish does not fail the mutation.
func (n *KafkaNotifier) Notify(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Resource + "/" + event.ResourceID.String()),
		Value: value,
	})
}

// Close flushes pending messages and closes the writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

// LogNotifier writes mutation events to the log. It is the default
// notifier when no brokers are configured.
type LogNotifier struct{}

var _ Notifier = (*LogNotifier)(nil)

// Notify logs the event.
func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	logger.FromContext(ctx).WithField("resource", event.Resource).
		WithField("operation", event.Operation).
		WithField("resource_id", event.ResourceID).
		Debugln("notification")
	return nil
}

// Close implements Notifier.
func (n *LogNotifier) Close() error { return nil }
