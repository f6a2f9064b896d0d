package worker

import (
	"fmt"

	"github.com/latacunga/incident-bus/internal/breaker"
	"github.com/latacunga/incident-bus/internal/config"
	"github.com/latacunga/incident-bus/internal/kafka"
	"github.com/latacunga/incident-bus/internal/logger"
	"github.com/latacunga/incident-bus/internal/rabbitmq"
	"github.com/latacunga/incident-bus/internal/relay"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewWorkerCmd returns the parent "worker" command.
func NewWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run background workers",
	}
	// attach subcommands
	cmd.AddCommand(relayCmd)
	cmd.AddCommand(consumeCmd)
	cmd.AddCommand(archiveCmd)

	return cmd
}

// Bootstrap loads config from the root --config flag and builds the logger.
func Bootstrap(cmd *cobra.Command, component string) (config.Config, *zap.Logger, error) {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log.Level, zap.String("component", component))
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, log, nil
}

// NewPublisher builds the broker publisher, wrapped in the Kafka mirror when
// enabled. The returned close func releases both.
func NewPublisher(cfg config.Config, log *zap.Logger) (relay.Publisher, func()) {
	pub := rabbitmq.NewPublisher(rabbitmq.PublisherConfig{
		URL:            cfg.RabbitMQ.URL,
		Exchange:       cfg.RabbitMQ.ExchangeName(),
		PublishTimeout: cfg.RabbitMQ.PublishTimeout,
		Breaker:        breaker.New(cfg.RabbitMQ.Breaker.FailThreshold, cfg.RabbitMQ.Breaker.OpenFor()),
	}, log.Named("publisher"))

	if !cfg.Kafka.MirrorEnabled {
		return pub, func() { _ = pub.Close() }
	}

	w := kafka.NewWriter(kafka.Config{
		Brokers:      cfg.Kafka.Brokers,
		Topic:        cfg.Kafka.Topic,
		BatchTimeout: cfg.Kafka.BatchTimeout,
		WriteTimeout: cfg.Kafka.WriteTimeout,
	})
	mirror := kafka.NewMirror(pub, w, log.Named("mirror"))
	log.Info("kafka mirror enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	return mirror, func() {
		_ = mirror.Close()
		_ = pub.Close()
	}
}
