package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/latacunga/incident-bus/cmd/worker"
	"github.com/latacunga/incident-bus/internal/db"
	httpSrv "github.com/latacunga/incident-bus/internal/http"
	"github.com/latacunga/incident-bus/internal/relay"
	"github.com/latacunga/incident-bus/internal/repository"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin HTTP server (outbox inspection, manual relay, projection reads)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := worker.Bootstrap(cmd, "admin")
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		mysqlDB, err := db.OpenMySQL(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer mysqlDB.Close()

		redisClient, err := db.OpenRedis(cfg.Redis)
		if err != nil {
			log.Warn("redis unavailable, rate limiting disabled", zap.Error(err))
		} else {
			defer func() { _ = redisClient.Close() }()
		}

		outbox := repository.NewOutboxRepository(mysqlDB)

		pub, closePub := worker.NewPublisher(cfg, log)
		defer closePub()
		r := relay.New(outbox, pub, log.Named("relay"))
		if cfg.Outbox.BatchSize > 0 {
			r.BatchSize = cfg.Outbox.BatchSize
		}

		server := httpSrv.NewServer(httpSrv.Deps{
			Outbox:      outbox,
			Incidents:   repository.NewIncidentsRepository(mysqlDB),
			Relay:       r,
			Redis:       redisClient,
			RetryBudget: cfg.Outbox.RetryBudget,
			WriteRPS:    cfg.HTTP.WriteRPS,
			LogLevel:    cfg.Log.Level,
		}, log.Named("http"))

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Info("signal received, shutting down", zap.String("signal", sig.String()))
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server exited", zap.Error(err))
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)

		return nil
	},
}
