package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/latacunga/incident-bus/internal/db"
	"github.com/latacunga/incident-bus/internal/handlers"
	"github.com/latacunga/incident-bus/internal/metrics"
	"github.com/latacunga/incident-bus/internal/model"
	"github.com/latacunga/incident-bus/internal/rabbitmq"
	"github.com/latacunga/incident-bus/internal/repository"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Consume incident events into the local projection",
	RunE:  runConsume,
}

func runConsume(cmd *cobra.Command, args []string) error {
	cfg, log, err := Bootstrap(cmd, "consumer")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	mysqlDB, err := db.OpenMySQL(cfg.MySQL)
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	defer mysqlDB.Close()

	registry := handlers.NewRegistry(log.Named("registry"))
	projector := handlers.NewProjector(repository.NewIncidentsRepository(mysqlDB), log.Named("projection"))
	if err := projector.Register(registry); err != nil {
		return fmt.Errorf("register handlers: %w", err)
	}
	if err := registry.Validate(model.AllKinds()...); err != nil {
		return fmt.Errorf("handler registry incomplete: %w", err)
	}

	rdb, err := db.OpenRedis(cfg.Redis)
	if err != nil {
		log.Warn("redis unavailable, idempotency keys disabled", zap.Error(err))
	} else {
		defer func() { _ = rdb.Close() }()
		registry.UseIdempotency(repository.NewRedisIdempotencyStore(rdb, cfg.Redis.IdempotencyTTL), model.KindSubmitted)
	}

	keys := cfg.Consumer.RoutingKeys
	if len(keys) == 0 {
		keys = registry.RoutingKeys()
	}

	consumer := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL: cfg.RabbitMQ.URL,
		Topology: rabbitmq.Topology{
			Exchange:      cfg.RabbitMQ.ExchangeName(),
			Queue:         cfg.Consumer.QueueName(),
			RoutingKeys:   keys,
			QueueType:     cfg.Consumer.QueueType,
			DeadLetter:    cfg.Consumer.DeadLetter,
			DeliveryLimit: cfg.Consumer.MaxDeliveries,
		},
		Tag:            cfg.Consumer.Name + "-" + hostname(),
		MaxDeliveries:  cfg.Consumer.MaxDeliveries,
		ReconnectDelay: cfg.Consumer.ReconnectDelay,
	}, registry, log.Named("consumer"))

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("consumer started",
		zap.String("exchange", cfg.RabbitMQ.ExchangeName()),
		zap.String("queue", cfg.Consumer.QueueName()),
		zap.Strings("routing_keys", keys))

	return consumer.Run(ctx)
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "local"
	}
	return h
}
