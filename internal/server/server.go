package server

import (
	"context"
	"log/slog"
	"net/http"
	"qr-payment-relay/internal/handler"
	appmiddleware "qr-payment-relay/internal/middleware"
	"qr-payment-relay/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type Options struct {
	AdminAPIKey   string
	DebugEndpoint bool
	WebhookPath   string
}

type Server struct {
	echo                *echo.Echo
	opts                Options
	deviceHandler       *handler.DeviceHandler
	notificationHandler *handler.NotificationHandler
	adminHandler        *handler.AdminHandler
}

type requestValidator struct {
	validate *validator.Validate
}

func (v *requestValidator) Validate(i any) error {
	return v.validate.Struct(i)
}

func NewServer(
	deviceService service.DeviceService,
	credentialService service.CredentialService,
	processor handler.NotificationProcessor,
	opts Options,
	logger *slog.Logger,
) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{validate: validator.New()}

	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(requestLogger(logger))
	e.Use(middleware.Recover())

	s := &Server{
		echo:                e,
		opts:                opts,
		deviceHandler:       handler.NewDeviceHandler(deviceService, logger),
		notificationHandler: handler.NewNotificationHandler(processor, logger),
		adminHandler:        handler.NewAdminHandler(credentialService, deviceService, logger),
	}

	s.setupRoutes()
	return s
}

func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			logger.LogAttrs(c.Request().Context(), level, "request", attrs...)
			return nil
		},
	})
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.deviceHandler.Health)

	// -------- devices --------
	s.echo.GET("/link", s.deviceHandler.Link)
	s.echo.GET("/nuevo-link", s.deviceHandler.Link)
	s.echo.POST("/link/regenerate", s.deviceHandler.Regenerate)
	s.echo.GET("/status", s.deviceHandler.Status)
	s.echo.GET("/estado", s.deviceHandler.Status)
	s.echo.GET("/ack", s.deviceHandler.Ack)

	if s.opts.DebugEndpoint {
		s.echo.GET("/debug", s.deviceHandler.Debug)
	}

	// -------- provider notifications --------
	s.echo.POST("/ipn", s.notificationHandler.Notify)
	s.echo.POST("/webhook", s.notificationHandler.Notify)
	if p := s.opts.WebhookPath; p != "" && p != "/ipn" && p != "/webhook" {
		s.echo.POST(p, s.notificationHandler.Notify)
	}

	// -------- admin --------
	if s.opts.AdminAPIKey == "" {
		return
	}
	admin := s.echo.Group("/admin", appmiddleware.AdminAuth(s.opts.AdminAPIKey))
	admin.PUT("/devices/:dev/credential", s.adminHandler.UpdateCredential)
	admin.DELETE("/devices/:dev/credential", s.adminHandler.DeleteCredential)
	admin.GET("/payments", s.adminHandler.ListPayments)
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start(address string) error {
	return s.echo.Start(address)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
