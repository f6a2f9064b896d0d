package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/latacunga/incident-bus/internal/model"
	"github.com/latacunga/incident-bus/internal/repository"
	"go.uber.org/zap"
)

type outboxRow struct {
	ID            string  `json:"id"`
	AggregateType string  `json:"aggregate_type"`
	AggregateID   string  `json:"aggregate_id"`
	EventType     string  `json:"event_type"`
	RoutingKey    string  `json:"routing_key"`
	Status        string  `json:"status"`
	Attempts      int     `json:"attempts"`
	MaxAttempts   int     `json:"max_attempts"`
	LastError     *string `json:"last_error"`
	CreatedAt     string  `json:"created_at"`
	PublishedAt   *string `json:"published_at"`
}

func toOutboxRow(ev model.OutboxEvent) outboxRow {
	row := outboxRow{
		ID:            ev.ID,
		AggregateType: ev.AggregateType,
		AggregateID:   ev.AggregateID,
		EventType:     ev.EventType,
		RoutingKey:    ev.RoutingKey,
		Status:        ev.Status.String(),
		Attempts:      ev.Attempts,
		MaxAttempts:   ev.MaxAttempts,
		CreatedAt:     ev.CreatedAt.UTC().Format(timeLayout),
	}
	if ev.LastError.Valid {
		s := ev.LastError.String
		row.LastError = &s
	}
	if ev.PublishedAt.Valid {
		s := ev.PublishedAt.Time.UTC().Format(timeLayout)
		row.PublishedAt = &s
	}
	return row
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func listOutboxHandler(outbox repository.OutboxRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit := 50
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}

		st := model.OutboxFailed
		if raw := strings.ToUpper(strings.TrimSpace(c.QueryParam("status"))); raw != "" {
			tmp := model.OutboxStatus(raw)
			if !tmp.Valid() {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid status"})
			}
			st = tmp
		}

		rows, err := outbox.ListByStatus(c.Request().Context(), st, limit)
		if err != nil {
			c.Logger().Errorf("outbox list failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		results := make([]outboxRow, 0, len(rows))
		for _, ev := range rows {
			results = append(results, toOutboxRow(ev))
		}
		return c.JSON(http.StatusOK, map[string]any{
			"status":  st.String(),
			"limit":   limit,
			"count":   len(results),
			"results": results,
		})
	}
}

func retryOutboxHandler(outbox repository.OutboxRepository, budget int, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		ctx := c.Request().Context()

		err := outbox.Retry(ctx, id, budget)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
		case errors.Is(err, repository.ErrNotFailed):
			return c.JSON(http.StatusConflict, map[string]string{"error": "outbox event is not FAILED"})
		case err != nil:
			logger.Error("outbox retry failed", zap.String("event_id", id), zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		ev, err := outbox.Get(ctx, id)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		logger.Info("outbox event requeued by operator",
			zap.String("event_id", id), zap.Int("attempts", ev.Attempts), zap.Int("max_attempts", ev.MaxAttempts))
		return c.JSON(http.StatusAccepted, toOutboxRow(*ev))
	}
}

func triggerRelayHandler(r RelayTrigger, logger *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if r == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "relay not configured"})
		}
		st, err := r.RelayOnce(c.Request().Context())
		if err != nil {
			logger.Error("manual relay failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "relay failed"})
		}
		return c.JSON(http.StatusOK, st)
	}
}
