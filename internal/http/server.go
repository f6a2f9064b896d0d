package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/latacunga/incident-bus/internal/http/middleware"
	"github.com/latacunga/incident-bus/internal/metrics"
	"github.com/latacunga/incident-bus/internal/relay"
	"github.com/latacunga/incident-bus/internal/repository"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RelayTrigger runs one outbox relay pass on demand.
type RelayTrigger interface {
	RelayOnce(ctx context.Context) (relay.Stats, error)
}

// Deps are the admin server's collaborators. Relay may be nil when the
// process does not publish.
type Deps struct {
	Outbox      repository.OutboxRepository
	Incidents   repository.IncidentsRepository
	Relay       RelayTrigger
	Redis       *redis.Client
	RetryBudget int // extra attempts granted by a manual retry
	WriteRPS    int // per-client limit on write routes; 0 disables
	LogLevel    string
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(d Deps, logger *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(echoLevel(d.LogLevel))
	e.Use(echoMid.Recover(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		RPS:            d.WriteRPS,
		Window:         time.Second,
		RetryAfterHint: true,
	})

	// routes
	v1 := e.Group("/v1")
	v1.GET("/outbox", listOutboxHandler(d.Outbox))
	v1.POST("/outbox/:id/retry", retryOutboxHandler(d.Outbox, d.RetryBudget, logger), rlMW)
	v1.POST("/outbox/relay", triggerRelayHandler(d.Relay, logger), rlMW)
	if d.Incidents != nil {
		v1.GET("/incidents/:id", getIncidentHandler(d.Incidents))
	}

	return &Server{e: e, log: logger}
}

func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(addr string) error {
	s.log.Info("http: listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

func echoLevel(level string) log.Lvl {
	switch strings.ToLower(level) {
	case "debug":
		return log.DEBUG
	case "warn":
		return log.WARN
	case "error":
		return log.ERROR
	default:
		return log.INFO
	}
}
