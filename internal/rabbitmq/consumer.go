package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/latacunga/incident-bus/internal/metrics"
	"github.com/latacunga/incident-bus/internal/model"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Outcome is what the consumer did with one delivery.
type Outcome string

const (
	OutcomeHandled      Outcome = "handled"       // ack
	OutcomeMalformed    Outcome = "malformed"     // ack, dropped
	OutcomeUnhandled    Outcome = "unhandled"     // ack, no handler for kind
	OutcomeRequeued     Outcome = "requeued"      // nack, requeue
	OutcomeDeadLettered Outcome = "dead_lettered" // nack, no requeue
)

// deliveryCountHeader is set by quorum queues on redelivery.
const deliveryCountHeader = "x-delivery-count"

// maxTrackedDeliveries bounds the local redelivery counter.
const maxTrackedDeliveries = 10000

// Dispatcher routes a decoded envelope to its handler.
type Dispatcher interface {
	Dispatch(ctx context.Context, env model.Envelope) (handled bool, err error)
}

type ConsumerConfig struct {
	URL      string
	Topology Topology
	Tag      string
	// MaxDeliveries dead-letters a message on its Nth failed delivery. Only
	// applies when the topology has a dead-letter exchange; 0 disables it.
	MaxDeliveries  int
	ReconnectDelay time.Duration // default 2s
	DrainTimeout   time.Duration // default 5s
}

// Consumer reads the incidents queue one message at a time (prefetch 1) and
// acknowledges each delivery exactly once.
type Consumer struct {
	cfg  ConsumerConfig
	disp Dispatcher
	log  *zap.Logger
	dial dialer

	mu       sync.Mutex
	failures map[string]int
}

func NewConsumer(cfg ConsumerConfig, disp Dispatcher, log *zap.Logger) *Consumer {
	return newConsumer(cfg, disp, log, dialAMQP)
}

func newConsumer(cfg ConsumerConfig, disp Dispatcher, log *zap.Logger, dial dialer) *Consumer {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	if cfg.Tag == "" {
		cfg.Tag = cfg.Topology.Queue + "-consumer"
	}
	return &Consumer{
		cfg:      cfg,
		disp:     disp,
		log:      log.With(zap.String("queue", cfg.Topology.Queue)),
		dial:     dial,
		failures: make(map[string]int),
	}
}

// Run consumes until ctx is cancelled, reconnecting after broker failures.
// Cancellation stops new deliveries, lets the in-flight message finish and
// returns prefetched ones to the queue.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			c.log.Info("consumer stopped")
			return nil
		}
		c.log.Error("consumer session ended, reconnecting", zap.Error(err), zap.Duration("delay", c.cfg.ReconnectDelay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

func (c *Consumer) session(ctx context.Context) error {
	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := c.cfg.Topology.Declare(ch); err != nil {
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		c.cfg.Topology.Queue, // queue
		c.cfg.Tag,            // consumer
		false,                // auto-ack
		false,                // exclusive
		false,                // no-local
		false,                // no-wait
		nil,                  // args
	)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	c.log.Info("waiting for messages", zap.Strings("routing_keys", c.cfg.Topology.RoutingKeys))

	// In-flight handlers run to completion even after shutdown starts.
	handlerCtx := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			return c.shutdown(ch, deliveries)
		}
		select {
		case <-ctx.Done():
			return c.shutdown(ch, deliveries)
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return errors.New("channel closed")
			}
			return fmt.Errorf("channel closed: %w", amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.HandleDelivery(handlerCtx, d)
		}
	}
}

func (c *Consumer) shutdown(ch channel, deliveries <-chan amqp.Delivery) error {
	if err := ch.Cancel(c.cfg.Tag, false); err != nil {
		c.log.Warn("cancel consumer", zap.Error(err))
	}
	timer := time.NewTimer(c.cfg.DrainTimeout)
	defer timer.Stop()
	returned := 0
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				c.log.Info("consumer drained", zap.Int("returned", returned))
				return nil
			}
			if err := d.Nack(false, true); err != nil {
				c.log.Warn("return prefetched message", zap.Error(err))
			}
			returned++
		case <-timer.C:
			c.log.Warn("drain timed out", zap.Int("returned", returned))
			return nil
		}
	}
}

// HandleDelivery decodes, dispatches and settles one delivery:
//   - undecodable body: ack and drop
//   - no handler for the kind: ack
//   - handler error: nack with requeue, or without requeue (to the
//     dead-letter exchange) once MaxDeliveries is reached
//   - success: ack
func (c *Consumer) HandleDelivery(ctx context.Context, d amqp.Delivery) Outcome {
	log := c.log.With(zap.String("routing_key", d.RoutingKey), zap.Uint64("delivery_tag", d.DeliveryTag))

	env, err := model.DecodeEnvelope(d.Body)
	if err != nil {
		log.Error("dropping malformed message", zap.Error(err), zap.Int("body_len", len(d.Body)))
		c.ack(log, d)
		c.forget(d)
		return c.count(OutcomeMalformed, "")
	}
	log = log.With(zap.String("event_type", env.EventType.String()), zap.String("incident_id", env.IncidentID))

	handled, err := c.dispatch(ctx, env)
	if !handled {
		log.Warn("no handler for event type, acknowledging")
		c.ack(log, d)
		return c.count(OutcomeUnhandled, env.EventType.String())
	}
	if err == nil {
		c.ack(log, d)
		c.forget(d)
		return c.count(OutcomeHandled, env.EventType.String())
	}

	attempt := c.attempt(d)
	if c.cfg.Topology.DeadLetter && c.cfg.MaxDeliveries > 0 && attempt >= c.cfg.MaxDeliveries {
		log.Error("handler failed, dead-lettering", zap.Error(err), zap.Int("attempt", attempt))
		if nerr := d.Nack(false, false); nerr != nil {
			log.Error("nack failed", zap.Error(nerr))
		}
		c.forget(d)
		return c.count(OutcomeDeadLettered, env.EventType.String())
	}

	log.Error("handler failed, requeueing", zap.Error(err), zap.Int("attempt", attempt))
	if nerr := d.Nack(false, true); nerr != nil {
		log.Error("nack failed", zap.Error(nerr))
	}
	return c.count(OutcomeRequeued, env.EventType.String())
}

func (c *Consumer) dispatch(ctx context.Context, env model.Envelope) (handled bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			handled, err = true, fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.disp.Dispatch(ctx, env)
}

func (c *Consumer) ack(log *zap.Logger, d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		log.Error("ack failed", zap.Error(err))
	}
}

func (c *Consumer) count(o Outcome, eventType string) Outcome {
	metrics.ConsumedTotal.WithLabelValues(string(o), eventType).Inc()
	return o
}

// attempt returns the 1-based delivery attempt of d. Quorum queues report
// prior deliveries in x-delivery-count; otherwise failures are counted
// locally per message id.
func (c *Consumer) attempt(d amqp.Delivery) int {
	if n, ok := headerInt(d.Headers, deliveryCountHeader); ok {
		return n + 1
	}
	key := deliveryKey(d)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.failures) >= maxTrackedDeliveries {
		c.failures = make(map[string]int)
	}
	c.failures[key]++
	return c.failures[key]
}

func (c *Consumer) forget(d amqp.Delivery) {
	c.mu.Lock()
	delete(c.failures, deliveryKey(d))
	c.mu.Unlock()
}

func deliveryKey(d amqp.Delivery) string {
	if d.MessageId != "" {
		return d.MessageId
	}
	h := fnv.New64a()
	_, _ = h.Write(d.Body)
	return "body:" + strconv.FormatUint(h.Sum64(), 16)
}

func headerInt(h amqp.Table, key string) (int, bool) {
	v, ok := h[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	default:
		return 0, false
	}
}
