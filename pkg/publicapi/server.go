package publicapi

import (
	"context"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/si64-net/si64/pkg/coordination"
	"github.com/si64-net/si64/pkg/fleet"
	"github.com/si64-net/si64/pkg/ledger"
	"github.com/si64-net/si64/pkg/scheduler"
	"github.com/si64-net/si64/pkg/telemetry"
)

// Server is the coordinator's HTTP surface: the node websocket endpoint,
// the operator job/rental APIs and the read-only telemetry routes.
type Server struct {
	echo    *echo.Echo
	address string
}

type ServerParams struct {
	Address        string
	AccessKey      string
	RequestsPerMin float64

	Manager   *fleet.Manager
	Scheduler *scheduler.Scheduler
	Rentals   *scheduler.RentalDesk
	Store     *coordination.Store
	Ledger    *ledger.Ledger
	Metrics   *telemetry.Metrics
}

func NewServer(params ServerParams) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomiddleware.Recover())
	e.Use(requestLogger())

	lmt := tollbooth.NewLimiter(params.RequestsPerMin/60.0,
		&limiter.ExpirableOptions{DefaultExpirationTTL: time.Hour})
	e.Use(echo.WrapMiddleware(func(h http.Handler) http.Handler {
		return tollbooth.LimitHandler(lmt, h)
	}))

	auth := newAuthenticator(params.AccessKey)
	ep := &endpoints{
		manager:   params.Manager,
		scheduler: params.Scheduler,
		rentals:   params.Rentals,
		store:     params.Store,
		vault:     params.Ledger,
		metrics:   params.Metrics,
	}

	api := e.Group("/api/v1")
	api.GET("/connect", ep.connect, auth.middleware)
	api.POST("/submit", ep.submit, auth.middleware)
	api.POST("/rent", ep.rent, auth.middleware)
	api.GET("/stats", ep.stats)
	api.GET("/activity", ep.activity)

	e.GET("/healthz", ep.healthz)
	e.GET("/metrics", echo.WrapHandler(
		promhttp.HandlerFor(params.Metrics.Registry(), promhttp.HandlerOpts{})))

	return &Server{echo: e, address: params.Address}
}

// ListenAndServe starts the server and blocks until it fails or Shutdown
// is called.
func (s *Server) ListenAndServe() error {
	log.Info().Str("Address", s.address).Msg("api server listening")
	err := s.echo.Start(s.address)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func requestLogger() echo.MiddlewareFunc {
	return echomiddleware.RequestLoggerWithConfig(echomiddleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v echomiddleware.RequestLoggerValues) error {
			log.Debug().
				Str("Method", v.Method).
				Str("URI", v.URI).
				Int("Status", v.Status).
				Msg("request")
			return nil
		},
	})
}
