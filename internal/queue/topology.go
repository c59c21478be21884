package queue

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"notifyhub/internal/models"
)

const (
	DefaultExchange = "notifications.direct"

	EmailQueue  = "email.queue"
	PushQueue   = "push.queue"
	FailedQueue = "failed.queue"

	FailedRoutingKey = "failed"
)

type binding struct {
	queue      string
	key        string
	deadLetter bool
}

var bindings = []binding{
	{queue: EmailQueue, key: string(models.TypeEmail), deadLetter: true},
	{queue: PushQueue, key: string(models.TypePush), deadLetter: true},
	{queue: FailedQueue, key: FailedRoutingKey},
}

// Queues lists every queue the manager declares.
func Queues() []string {
	out := make([]string, len(bindings))
	for i, b := range bindings {
		out[i] = b.queue
	}
	return out
}

// QueueFor returns the queue consumed by workers of the given type.
func QueueFor(t models.NotificationType) (string, error) {
	switch t {
	case models.TypeEmail:
		return EmailQueue, nil
	case models.TypePush:
		return PushQueue, nil
	default:
		return "", fmt.Errorf("no queue for notification type %q", t)
	}
}

func routingKey(t models.NotificationType) (string, error) {
	if !t.Valid() {
		return "", fmt.Errorf("no routing key for notification type %q", t)
	}
	return string(t), nil
}

// declareTopology declares the exchange, the per-type queues dead-lettering
// into failed.queue, and failed.queue itself. Declarations are idempotent.
func declareTopology(ch Channel, exchange string, maxPriority int) error {
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	for _, b := range bindings {
		var args amqp.Table
		if b.deadLetter {
			args = amqp.Table{
				"x-dead-letter-exchange":    exchange,
				"x-dead-letter-routing-key": FailedRoutingKey,
			}
			if maxPriority > 0 {
				args["x-max-priority"] = int32(maxPriority)
			}
		}

		if _, err := ch.QueueDeclare(b.queue, true, false, false, false, args); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", b.queue, err)
		}
		if err := ch.QueueBind(b.queue, b.key, exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", b.queue, err)
		}
	}

	return nil
}
