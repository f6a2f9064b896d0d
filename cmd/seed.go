package cmd

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/latacunga/incident-bus/cmd/worker"
	"github.com/latacunga/incident-bus/internal/db"
	"github.com/latacunga/incident-bus/internal/model"
	"github.com/latacunga/incident-bus/internal/repository"
	"github.com/latacunga/incident-bus/internal/service/incidents"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Enqueue a demo incident lifecycle into the outbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := worker.Bootstrap(cmd, "seed")
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		sqlDB, err := db.OpenMySQL(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		outbox := repository.NewOutboxRepository(sqlDB)

		var svc *incidents.Service
		if cfg.Outbox.Bypass {
			pub, closePub := worker.NewPublisher(cfg, log)
			defer closePub()
			svc = incidents.NewDirect(pub, log.Named("producer"))
		} else {
			svc = incidents.New(outbox, cfg.Outbox.MaxAttempts, log.Named("producer"))
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		var ids []string
		err = outbox.RunInTx(ctx, func(tx *sqlx.Tx) error {
			ids, err = seedLifecycle(ctx, svc, tx)
			return err
		})
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}

		log.Info("seed completed", zap.Strings("event_ids", ids), zap.Bool("bypass", cfg.Outbox.Bypass))
		return nil
	},
}

// seedLifecycle stores submitted, validated, attachment and status events for
// one demo incident in a single transaction.
func seedLifecycle(ctx context.Context, svc *incidents.Service, tx *sqlx.Tx) ([]string, error) {
	inc := model.Incident{
		ID:           "I-1",
		ReporterKind: "ciudadano",
		ReporterID:   "u-1",
		Type:         "basura",
		Title:        "Basura acumulada en la vía",
		Description:  "Fundas de basura junto al parque",
		Lat:          -0.9352,
		Lon:          -78.6155,
		Address:      "Av. Amazonas y Quito",
		Status:       model.StatusPending,
	}

	steps := []func() (string, error){
		func() (string, error) {
			return svc.PublishIncidentSubmitted(ctx, tx, inc)
		},
		func() (string, error) {
			return svc.PublishIncidentValidated(ctx, tx, inc, "admin-1", "verificado en sitio")
		},
		func() (string, error) {
			return svc.PublishAttachmentAdded(ctx, tx, inc, model.Attachment{
				ID:        "att-1",
				FileURL:   "https://cdn.example.org/incidents/I-1/1.jpg",
				MimeType:  "image/jpeg",
				SizeBytes: 245760,
			})
		},
		func() (string, error) {
			return svc.PublishStatusUpdated(ctx, tx, inc, model.StatusValid, "en_progreso")
		},
	}

	ids := make([]string, 0, len(steps))
	for _, step := range steps {
		id, err := step()
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
