package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/latacunga/incident-bus/internal/breaker"
	"github.com/latacunga/incident-bus/internal/metrics"
	"github.com/latacunga/incident-bus/internal/model"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var errBreakerOpen = errors.New("reconnect breaker open")

type PublisherConfig struct {
	URL            string
	Exchange       string
	PublishTimeout time.Duration // default 5s
	// Breaker guards (re)connects. Nil means 3 failures open it for 5s.
	Breaker *breaker.Breaker
}

// Publisher sends envelopes to the incidents topic exchange.
//
// The underlying connection and channel are owned by a single writer
// goroutine; callers hand requests over a channel, so PublishEvent is safe for
// concurrent use. The connection is opened lazily and re-opened (with the
// exchange re-declared) whenever it is found closed.
type Publisher struct {
	cfg  PublisherConfig
	log  *zap.Logger
	dial dialer
	now  func() time.Time

	reqs      chan publishReq
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// owned by run
	conn connection
	ch   channel
}

type publishReq struct {
	ctx        context.Context
	routingKey string
	env        model.Envelope
	result     chan bool
}

func NewPublisher(cfg PublisherConfig, log *zap.Logger) *Publisher {
	return newPublisher(cfg, log, dialAMQP)
}

func newPublisher(cfg PublisherConfig, log *zap.Logger, dial dialer) *Publisher {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.Breaker == nil {
		cfg.Breaker = breaker.New(3, 5*time.Second)
	}
	p := &Publisher{
		cfg:  cfg,
		log:  log.With(zap.String("exchange", cfg.Exchange)),
		dial: dial,
		now:  time.Now,
		reqs: make(chan publishReq),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go p.run()
	return p
}

// PublishEvent stamps event_timestamp and publishes env as a persistent JSON
// message. It reports whether the broker accepted the message and never
// returns an error; failures are logged.
func (p *Publisher) PublishEvent(ctx context.Context, routingKey string, env model.Envelope) bool {
	req := publishReq{ctx: ctx, routingKey: routingKey, env: env, result: make(chan bool, 1)}
	select {
	case p.reqs <- req:
	case <-p.quit:
		p.log.Warn("publish after close", zap.String("routing_key", routingKey))
		return false
	case <-ctx.Done():
		return false
	}
	select {
	case ok := <-req.result:
		return ok
	case <-ctx.Done():
		return false
	}
}

// Close stops the writer goroutine and closes the broker connection.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		close(p.quit)
		<-p.done
	})
	return nil
}

func (p *Publisher) run() {
	defer close(p.done)
	for {
		select {
		case <-p.quit:
			p.reset()
			return
		case req := <-p.reqs:
			req.result <- p.send(req)
		}
	}
}

func (p *Publisher) send(req publishReq) (ok bool) {
	log := p.log.With(
		zap.String("routing_key", req.routingKey),
		zap.String("event_type", req.env.EventType.String()),
		zap.String("incident_id", req.env.IncidentID),
	)
	defer func() {
		if r := recover(); r != nil {
			log.Error("publish panicked", zap.Any("panic", r))
			metrics.PublishTotal.WithLabelValues("error").Inc()
			p.reset()
			ok = false
		}
	}()

	if err := p.ensureChannel(); err != nil {
		result := "error"
		if errors.Is(err, errBreakerOpen) {
			result = "breaker_open"
		}
		metrics.PublishTotal.WithLabelValues(result).Inc()
		log.Warn("broker unavailable", zap.Error(err), zap.String("breaker", p.cfg.Breaker.State()))
		return false
	}

	now := p.now().UTC()
	env := req.env
	env.EventTimestamp = &now
	body, err := env.Encode()
	if err != nil {
		metrics.PublishTotal.WithLabelValues("error").Inc()
		log.Error("encode envelope", zap.Error(err))
		return false
	}

	ctx, cancel := context.WithTimeout(req.ctx, p.cfg.PublishTimeout)
	defer cancel()

	err = p.ch.PublishWithContext(ctx,
		p.cfg.Exchange, // exchange
		req.routingKey, // routing key
		false,          // mandatory
		false,          // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    now,
			MessageId:    env.EventID,
			Type:         env.EventType.String(),
			Body:         body,
		},
	)
	if err != nil {
		metrics.PublishTotal.WithLabelValues("error").Inc()
		log.Error("publish failed", zap.Error(err))
		p.reset()
		return false
	}

	metrics.PublishTotal.WithLabelValues("ok").Inc()
	log.Debug("published event", zap.String("event_id", env.EventID))
	return true
}

func (p *Publisher) ensureChannel() error {
	if p.conn != nil && !p.conn.IsClosed() && p.ch != nil && !p.ch.IsClosed() {
		return nil
	}
	p.reset()

	if !p.cfg.Breaker.TryAcquire() {
		return errBreakerOpen
	}

	conn, err := p.dial(p.cfg.URL)
	if err != nil {
		p.cfg.Breaker.OnFailure()
		return fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		p.cfg.Breaker.OnFailure()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := declareExchange(ch, p.cfg.Exchange); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		p.cfg.Breaker.OnFailure()
		return fmt.Errorf("declare exchange: %w", err)
	}

	p.cfg.Breaker.OnSuccess()
	p.conn, p.ch = conn, ch
	p.log.Info("connected to broker")
	return nil
}

func (p *Publisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}
