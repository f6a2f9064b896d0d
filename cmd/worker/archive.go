package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/latacunga/incident-bus/internal/archive"
	"github.com/latacunga/incident-bus/internal/db"
	"github.com/latacunga/incident-bus/internal/metrics"
	"github.com/latacunga/incident-bus/internal/repository"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Copy published outbox rows to ClickHouse",
	RunE:  runArchive,
}

func runArchive(cmd *cobra.Command, args []string) error {
	cfg, log, err := Bootstrap(cmd, "archiver")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if !cfg.Archive.Enabled {
		log.Info("archiver disabled by config")
		return nil
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)

	mysqlDB, err := db.OpenMySQL(cfg.MySQL)
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	defer mysqlDB.Close()

	chDB, err := db.OpenClickHouse(cfg.ClickHouse)
	if err != nil {
		return fmt.Errorf("clickhouse connect: %w", err)
	}
	defer func() { _ = chDB.Close() }()

	a := archive.New(repository.NewOutboxRepository(mysqlDB), repository.NewCHOutboxArchive(chDB), log.Named("archiver"))
	if cfg.Archive.BatchSize > 0 {
		a.BatchSize = cfg.Archive.BatchSize
	}
	if cfg.Archive.Interval > 0 {
		a.Interval = cfg.Archive.Interval
	}
	a.MinAge = cfg.Archive.MinAge

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return a.Run(ctx)
}
