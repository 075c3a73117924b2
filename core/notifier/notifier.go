/*Package notifier provides notifier implementations for committed
resource mutations.

A notifier receives every create, update and delete after the
transaction has been committed, with the JSON representation of the
object. KafkaNotifier publishes them to a broker for downstream
consumers; LogNotifier writes them to the log for development setups
without a broker.
*/
package notifier

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/modelapi/core"
	"github.com/relabs-tech/modelapi/core/logger"
)

// Notification is the message published for one committed mutation.
type Notification struct {
	Resource   string          `json:"resource"`
	Operation  core.Operation  `json:"operation"`
	ResourceID uuid.UUID       `json:"resource_id"`
	Payload    json.RawMessage `json:"payload"`
}

// KafkaNotifier publishes notifications to a kafka topic. Messages are
// keyed by resource id, so all mutations of one object land in the
// same partition in order.
type KafkaNotifier struct {
	writer *kafka.Writer
}

// NewKafkaNotifier returns a notifier publishing to topic on the
// passed brokers.
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

// Notify publishes the mutation
func (n *KafkaNotifier) Notify(ctx context.Context, resource string, operation core.Operation, resourceID uuid.UUID, payload []byte) error {
	value, err := json.MarshalWithOption(Notification{
		Resource:   resource,
		Operation:  operation,
		ResourceID: resourceID,
		Payload:    payload,
	}, json.DisableHTMLEscape())
	if err != nil {
		return err
	}
	return n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(resourceID.String()),
		Value: value,
	})
}

// Close flushes and closes the underlying writer
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

// LogNotifier writes notifications to the context logger.
type LogNotifier struct{}

// Notify logs the mutation
func (LogNotifier) Notify(ctx context.Context, resource string, operation core.Operation, resourceID uuid.UUID, payload []byte) error {
	logger.FromContext(ctx).Infof("notification: %s %s %s (%d bytes)", operation, resource, resourceID, len(payload))
	return nil
}
