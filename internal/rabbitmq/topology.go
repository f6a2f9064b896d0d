package rabbitmq

import (
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	QueueTypeQuorum  = "quorum"
	QueueTypeClassic = "classic"
)

// Topology describes the incidents exchange and one consumer's queue.
// Every declaration is idempotent: declaring an entity that already exists
// with the same arguments is a no-op on the broker.
type Topology struct {
	Exchange    string   // <bounded-context>.incidents, topic, durable
	Queue       string   // <consumer-name>.incidents.queue
	RoutingKeys []string // bindings; must match producer keys exactly
	QueueType   string   // quorum | classic
	DeadLetter  bool
	// DeliveryLimit is passed to quorum queues as x-delivery-limit when > 0
	// and dead-lettering is on.
	DeliveryLimit int
}

// unlimitedDeliveries disables the quorum delivery limit. RabbitMQ 4.x
// otherwise applies a default of 20 and drops the message when no
// dead-letter exchange is set.
const unlimitedDeliveries = -1

func (t Topology) DeadLetterExchange() string {
	return t.Exchange + ".dlx"
}

func (t Topology) DeadLetterQueue() string {
	return strings.TrimSuffix(t.Queue, ".queue") + ".dlq"
}

func (t Topology) queueArgs() amqp.Table {
	args := amqp.Table{}
	if t.QueueType == QueueTypeQuorum {
		args["x-queue-type"] = QueueTypeQuorum
		switch {
		case !t.DeadLetter:
			args["x-delivery-limit"] = int64(unlimitedDeliveries)
		case t.DeliveryLimit > 0:
			args["x-delivery-limit"] = int64(t.DeliveryLimit)
		}
	}
	if t.DeadLetter {
		args["x-dead-letter-exchange"] = t.DeadLetterExchange()
	}
	return args
}

func declareExchange(ch channel, name string) error {
	return ch.ExchangeDeclare(
		name,    // name
		"topic", // type
		true,    // durable
		false,   // auto-deleted
		false,   // internal
		false,   // no-wait
		nil,     // arguments
	)
}

// Declare creates the exchange, the optional dead-letter pair, the durable
// queue and its bindings.
func (t Topology) Declare(ch channel) error {
	if t.Exchange == "" || t.Queue == "" {
		return fmt.Errorf("topology: exchange and queue are required")
	}
	if len(t.RoutingKeys) == 0 {
		return fmt.Errorf("topology: queue %s has no routing keys", t.Queue)
	}

	if err := declareExchange(ch, t.Exchange); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.Exchange, err)
	}

	if t.DeadLetter {
		if err := ch.ExchangeDeclare(t.DeadLetterExchange(), "fanout", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dead-letter exchange: %w", err)
		}
		if _, err := ch.QueueDeclare(t.DeadLetterQueue(), true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dead-letter queue: %w", err)
		}
		if err := ch.QueueBind(t.DeadLetterQueue(), "", t.DeadLetterExchange(), false, nil); err != nil {
			return fmt.Errorf("bind dead-letter queue: %w", err)
		}
	}

	q, err := ch.QueueDeclare(
		t.Queue,       // name
		true,          // durable
		false,         // delete when unused
		false,         // exclusive
		false,         // no-wait
		t.queueArgs(), // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", t.Queue, err)
	}

	for _, key := range t.RoutingKeys {
		if err := ch.QueueBind(q.Name, key, t.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue to %s: %w", key, err)
		}
	}
	return nil
}
