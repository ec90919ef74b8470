// Package router wires handlers and middleware onto an echo instance.
package router

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/car-rental-booking/internal/config"
	"github.com/iliyamo/car-rental-booking/internal/handler"
	"github.com/iliyamo/car-rental-booking/internal/middleware"
	"github.com/iliyamo/car-rental-booking/internal/model"
)

// Handlers groups everything the routes dispatch to.
type Handlers struct {
	Bookings *handler.BookingHandler
	Deposits *handler.DepositHandler
	Webhooks *handler.WebhookHandler
	Jobs     *handler.JobsHandler
	DB       handler.Pinger
}

// Options configures authentication and rate limiting.
type Options struct {
	JWTSecret string
	RateLimit config.RateLimitConfig
	Redis     *redis.Client
}

// New returns an echo instance with all routes registered.
func New(h Handlers, opts Options, log *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(requestLogger(log))
	RegisterRoutes(e, h, opts)
	return e
}

// RegisterRoutes registers the health probes, the provider webhook and the
// authenticated /v1 and /internal groups.
func RegisterRoutes(e *echo.Echo, h Handlers, opts Options) {
	e.GET("/healthz", handler.Health)
	if h.DB != nil {
		e.GET("/readyz", handler.Ready(h.DB))
	}

	// authenticated by signature, not by token
	e.POST("/webhooks/payments", h.Webhooks.Payments)

	v1 := e.Group("/v1")
	v1.Use(middleware.JWTAuth(opts.JWTSecret))
	v1.Use(middleware.NewTokenBucket(opts.RateLimit, opts.Redis))
	v1.Use(middleware.RequireRole(model.RoleRenter, model.RoleHost, model.RoleOperator))

	renter := middleware.RequireRole(model.RoleRenter)
	host := middleware.RequireRole(model.RoleHost)
	operator := middleware.RequireRole(model.RoleOperator)

	v1.POST("/bookings", h.Bookings.Create, renter)
	v1.GET("/bookings/:id", h.Bookings.Get)
	v1.POST("/bookings/:id/checkout", h.Bookings.Checkout, renter)
	v1.POST("/bookings/:id/cancel", h.Bookings.Cancel)

	v1.POST("/bookings/:id/deposit-cases", h.Deposits.File, host)
	v1.GET("/bookings/:id/deposit-case", h.Deposits.OpenCase)
	v1.GET("/deposit-cases/:id", h.Deposits.Get)
	v1.POST("/deposit-cases/:id/review", h.Deposits.Review, operator)
	v1.POST("/deposit-cases/:id/resolve", h.Deposits.Resolve, operator)

	internal := e.Group("/internal")
	internal.Use(middleware.JWTAuth(opts.JWTSecret))
	internal.Use(operator)
	internal.POST("/jobs/complete", h.Jobs.Complete)
}

func requestLogger(log *slog.Logger) echo.MiddlewareFunc {
	log = log.With("component", "http")
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Error != nil || v.Status >= 500 {
				level = slog.LevelError
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("err", v.Error.Error()))
			}
			log.LogAttrs(c.Request().Context(), level, "request", attrs...)
			return nil
		},
	})
}
