package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type ackRecord struct {
	tag     uint64
	op      string // ack | nack
	requeue bool
}

type binding struct {
	queue, key, exchange string
}

type publishedMsg struct {
	exchange, key string
	msg           amqp.Publishing
}

// fakeBroker is an in-process stand-in for RabbitMQ: exact routing-key
// bindings, requeue on nack, dead-lettering to the configured DLX and
// x-delivery-count on quorum redeliveries.
type fakeBroker struct {
	mu sync.Mutex

	dials      int
	dialErr    error
	publishErr error

	exchanges map[string]string
	queues    map[string]amqp.Table
	bindings  []binding
	published []publishedMsg

	pending   map[string][]amqp.Delivery
	consumers map[string]chan amqp.Delivery
	tags      map[string]string
	inflight  map[uint64]inflight
	nextTag   uint64
	acks      []ackRecord
	channels  []*fakeChannel
}

type inflight struct {
	queue string
	d     amqp.Delivery
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges: make(map[string]string),
		queues:    make(map[string]amqp.Table),
		pending:   make(map[string][]amqp.Delivery),
		consumers: make(map[string]chan amqp.Delivery),
		tags:      make(map[string]string),
		inflight:  make(map[uint64]inflight),
	}
}

func (b *fakeBroker) dial(string) (connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	return &fakeConnection{b: b}, nil
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) setDialErr(err error) {
	b.mu.Lock()
	b.dialErr = err
	b.mu.Unlock()
}

func (b *fakeBroker) setPublishErr(err error) {
	b.mu.Lock()
	b.publishErr = err
	b.mu.Unlock()
}

func (b *fakeBroker) lastChannel() *fakeChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.channels) == 0 {
		return nil
	}
	return b.channels[len(b.channels)-1]
}

func (b *fakeBroker) publishedMessages() []publishedMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishedMsg(nil), b.published...)
}

func (b *fakeBroker) ackRecords() []ackRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ackRecord(nil), b.acks...)
}

func (b *fakeBroker) queued(queue string) []amqp.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]amqp.Delivery(nil), b.pending[queue]...)
}

// enqueue places a raw delivery on queue, as if a producer had routed it there.
func (b *fakeBroker) enqueue(queue string, d amqp.Delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliverLocked(queue, d)
}

func (b *fakeBroker) deliverLocked(queue string, d amqp.Delivery) {
	b.nextTag++
	d.DeliveryTag = b.nextTag
	d.Acknowledger = b
	b.inflight[d.DeliveryTag] = inflight{queue: queue, d: d}
	if ch, ok := b.consumers[queue]; ok {
		ch <- d
		return
	}
	b.pending[queue] = append(b.pending[queue], d)
}

func (b *fakeBroker) Ack(tag uint64, multiple bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inflight[tag]; !ok {
		return errors.New("unknown delivery tag")
	}
	delete(b.inflight, tag)
	b.acks = append(b.acks, ackRecord{tag: tag, op: "ack"})
	return nil
}

func (b *fakeBroker) Nack(tag uint64, multiple, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	in, ok := b.inflight[tag]
	if !ok {
		return errors.New("unknown delivery tag")
	}
	delete(b.inflight, tag)
	b.acks = append(b.acks, ackRecord{tag: tag, op: "nack", requeue: requeue})

	d := in.d
	args := b.queues[in.queue]
	if requeue {
		d.Redelivered = true
		if args["x-queue-type"] == QueueTypeQuorum {
			n, _ := headerInt(d.Headers, deliveryCountHeader)
			headers := amqp.Table{}
			for k, v := range d.Headers {
				headers[k] = v
			}
			headers[deliveryCountHeader] = int64(n + 1)
			d.Headers = headers
		}
		b.deliverLocked(in.queue, d)
		return nil
	}
	if dlx, ok := args["x-dead-letter-exchange"].(string); ok {
		for _, bd := range b.bindings {
			if bd.exchange == dlx {
				d.Redelivered = false
				b.deliverLocked(bd.queue, d)
			}
		}
	}
	return nil
}

func (b *fakeBroker) Reject(tag uint64, requeue bool) error {
	return b.Nack(tag, false, requeue)
}

type fakeConnection struct {
	b      *fakeBroker
	closed bool
}

func (c *fakeConnection) Channel() (channel, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &fakeChannel{b: c.b}
	c.b.channels = append(c.b.channels, ch)
	return ch, nil
}

func (c *fakeConnection) IsClosed() bool {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.closed = true
	return nil
}

type fakeChannel struct {
	b      *fakeBroker
	closed bool
	qos    int
	notify []chan *amqp.Error
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if prev, ok := ch.b.exchanges[name]; ok && prev != kind {
		return errors.New("PRECONDITION_FAILED: exchange type mismatch")
	}
	ch.b.exchanges[name] = kind
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	ch.b.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if _, ok := ch.b.exchanges[exchange]; !ok {
		return errors.New("NOT_FOUND: no exchange " + exchange)
	}
	ch.b.bindings = append(ch.b.bindings, binding{queue: name, key: key, exchange: exchange})
	return nil
}

func (ch *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	ch.qos = prefetchCount
	return nil
}

func (ch *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	out := make(chan amqp.Delivery, 64)
	for _, d := range ch.b.pending[queue] {
		out <- d
	}
	delete(ch.b.pending, queue)
	ch.b.consumers[queue] = out
	ch.b.tags[consumer] = queue
	return out, nil
}

func (ch *fakeChannel) Cancel(consumer string, noWait bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	queue, ok := ch.b.tags[consumer]
	if !ok {
		return errors.New("unknown consumer tag")
	}
	delete(ch.b.tags, consumer)
	if out, ok := ch.b.consumers[queue]; ok {
		delete(ch.b.consumers, queue)
		close(out)
	}
	return nil
}

func (ch *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if ch.b.publishErr != nil {
		return ch.b.publishErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ch.b.published = append(ch.b.published, publishedMsg{exchange: exchange, key: key, msg: msg})
	for _, bd := range ch.b.bindings {
		if bd.exchange == exchange && bd.key == key {
			ch.b.deliverLocked(bd.queue, amqp.Delivery{
				Headers:      msg.Headers,
				ContentType:  msg.ContentType,
				DeliveryMode: msg.DeliveryMode,
				MessageId:    msg.MessageId,
				Timestamp:    msg.Timestamp,
				Type:         msg.Type,
				Exchange:     exchange,
				RoutingKey:   key,
				Body:         msg.Body,
			})
		}
	}
	return nil
}

func (ch *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	ch.notify = append(ch.notify, c)
	return c
}

func (ch *fakeChannel) IsClosed() bool {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	return ch.closed
}

func (ch *fakeChannel) Close() error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	ch.closed = true
	return nil
}

// drop simulates the broker closing the channel.
func (ch *fakeChannel) drop() {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	ch.closed = true
	for _, c := range ch.notify {
		c <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"}
	}
	ch.notify = nil
}

func (ch *fakeChannel) prefetch() int {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	return ch.qos
}
