// Package httpapi exposes the orchestrator's operational surface over
// HTTP: health and readiness probes, a stats snapshot, event history
// queries, the audit trail, and manual event injection.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/formworks/taskflow/pkg/taskflow/audit"
	"github.com/formworks/taskflow/pkg/taskflow/event"
	"github.com/formworks/taskflow/pkg/taskflow/store"
)

// EventQuery selects event history. Correlation wins over Type when
// both are set; with neither the most recent events are returned.
type EventQuery struct {
	Type        string
	Correlation string
	Limit       int
}

// Backend is the surface the handlers serve. The orchestrator's API
// adapter satisfies it.
type Backend interface {
	Ready() bool
	HealthSummary() (status string, components map[string]string)
	StatsSnapshot() any
	PublishEvent(ctx context.Context, evt event.Event) error
	QueryEvents(ctx context.Context, q EventQuery) ([]store.Record, error)
	QueryAudit(level audit.Level, limit int) []audit.Entry
}

// Config configures the server.
type Config struct {
	// Addr is the listen address. Default: ":8080".
	Addr string

	Backend Backend
	Logger  *slog.Logger
}

// DefaultAddr is the listen address when the configuration leaves it
// unset.
const DefaultAddr = ":8080"

const (
	defaultLimit = 50
	maxLimit     = 500
)

const statusUnhealthy = "unhealthy"

// Server wraps an echo instance serving the API.
type Server struct {
	cfg     Config
	e       *echo.Echo
	logger  *slog.Logger
	ln      net.Listener
	started atomic.Bool
}

// New builds the server and registers its routes. Start makes it
// listen.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With(slog.String("component", "httpapi"))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(logger))

	s := &Server{cfg: cfg, e: e, logger: logger}

	b := cfg.Backend
	e.GET("/healthz", getHealthz(b))
	e.GET("/readyz", getReadyz(b))
	e.GET("/stats", getStats(b))
	e.GET("/events", getEvents(b))
	e.POST("/events", postEvents(b))
	e.GET("/audit", getAudit(b))

	return s
}

// Start binds the listener and serves in the background. A failure to
// bind is returned synchronously.
func (s *Server) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("http server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.started.Store(false)
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.e.Listener = ln

	go func() {
		if err := s.e.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	s.logger.Info("http api listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Stop shuts the server down gracefully. Idempotent.
func (s *Server) Stop(ctx context.Context) error {
	if !s.started.CompareAndSwap(true, false) {
		return nil
	}
	return s.e.Shutdown(ctx)
}

// Addr returns the bound listen address, useful with ":0".
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

// Echo returns the underlying echo instance for tests and embedders
// that want to add routes.
func (s *Server) Echo() *echo.Echo { return s.e }

func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			logger.LogAttrs(c.Request().Context(), slog.LevelInfo, "http request", attrs...)
			return nil
		},
	})
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

func getHealthz(b Backend) echo.HandlerFunc {
	return func(c echo.Context) error {
		status, components := b.HealthSummary()
		code := http.StatusOK
		if status == statusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, healthResponse{Status: status, Components: components})
	}
}

type readyResponse struct {
	Ready bool `json:"ready"`
}

func getReadyz(b Backend) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !b.Ready() {
			return c.JSON(http.StatusServiceUnavailable, readyResponse{Ready: false})
		}
		return c.JSON(http.StatusOK, readyResponse{Ready: true})
	}
}

func getStats(b Backend) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, b.StatsSnapshot())
	}
}

// eventRecord is the wire shape of a stored event. Payloads are stored
// as serialized JSON, so they embed as-is instead of base64.
type eventRecord struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlationId"`
	CausationID   string          `json:"causationId,omitempty"`
	Source        string          `json:"source"`
	Priority      string          `json:"priority"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

type eventsResponse struct {
	Events []eventRecord `json:"events"`
	Count  int           `json:"count"`
}

func getEvents(b Backend) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, err := parseLimit(c.QueryParam("limit"))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}

		recs, err := b.QueryEvents(c.Request().Context(), EventQuery{
			Type:        c.QueryParam("type"),
			Correlation: c.QueryParam("correlation"),
			Limit:       limit,
		})
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}

		out := make([]eventRecord, 0, len(recs))
		for _, r := range recs {
			out = append(out, eventRecord{
				ID:            r.ID,
				Type:          r.Type,
				CorrelationID: r.CorrelationID,
				CausationID:   r.CausationID,
				Source:        r.Source,
				Priority:      string(r.Priority),
				Timestamp:     r.Timestamp,
				Payload:       json.RawMessage(r.Payload),
			})
		}
		return c.JSON(http.StatusOK, eventsResponse{Events: out, Count: len(out)})
	}
}

type publishRequest struct {
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	CorrelationID string          `json:"correlationId"`
	Data          json.RawMessage `json:"data"`
}

type publishResponse struct {
	ID            string `json:"id"`
	CorrelationID string `json:"correlationId"`
}

// postEvents injects a catalog event onto the bus. The registry
// rejects unknown types and invalid payloads at publish time.
func postEvents(b Backend) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req publishRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if req.Type == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "type is required")
		}
		source := req.Source
		if source == "" {
			source = "httpapi"
		}
		data := req.Data
		if len(data) == 0 {
			data = json.RawMessage(`{}`)
		}

		var opts []event.EventOption
		if req.CorrelationID != "" {
			opts = append(opts, event.WithCorrelationID(req.CorrelationID))
		}
		evt := event.New(req.Type, source, data, opts...)

		if err := b.PublishEvent(c.Request().Context(), evt); err != nil {
			if errors.Is(err, event.ErrBusClosed) {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "bus is closed")
			}
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return c.JSON(http.StatusAccepted, publishResponse{
			ID:            evt.ID(),
			CorrelationID: evt.CorrelationID(),
		})
	}
}

type auditResponse struct {
	Entries []audit.Entry `json:"entries"`
	Count   int           `json:"count"`
}

func getAudit(b Backend) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, err := parseLimit(c.QueryParam("limit"))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}

		level := audit.Level(c.QueryParam("level"))
		switch level {
		case "", audit.LevelInfo, audit.LevelWarn, audit.LevelError:
		default:
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown level %q", level))
		}

		entries := b.QueryAudit(level, limit)
		return c.JSON(http.StatusOK, auditResponse{Entries: entries, Count: len(entries)})
	}
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}
