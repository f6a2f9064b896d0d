package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/latacunga/incident-bus/internal/db"
	"github.com/latacunga/incident-bus/internal/metrics"
	"github.com/latacunga/incident-bus/internal/relay"
	"github.com/latacunga/incident-bus/internal/repository"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Publish PENDING outbox rows to the incidents exchange",
	RunE:  runRelay,
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, log, err := Bootstrap(cmd, "relay")
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

	pub, closePub := NewPublisher(cfg, log)
	defer closePub()

	r := relay.New(repository.NewOutboxRepository(mysqlDB), pub, log.Named("relay"))
	if cfg.Outbox.BatchSize > 0 {
		r.BatchSize = cfg.Outbox.BatchSize
	}
	if cfg.Outbox.PollInterval > 0 {
		r.PollInterval = cfg.Outbox.PollInterval
	}

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return r.Run(ctx)
}
