// Package api exposes the delivery engine over HTTP: queue, sweep, test
// ping, and the read-side inspection endpoints backing support tooling.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mooringlabs/mooring/internal/dispatch"
	"github.com/mooringlabs/mooring/internal/hook"
	"github.com/mooringlabs/mooring/internal/logging"
	"github.com/mooringlabs/mooring/internal/store"
)

// Engine is the slice of the dispatch engine the API needs.
type Engine interface {
	Queue(ctx context.Context, ev hook.Event) (dispatch.QueueResult, error)
	Sweep(ctx context.Context) (dispatch.SweepResult, error)
	Test(ctx context.Context, subscriberID string) (dispatch.TestResult, error)
}

// Reader is the read side backing the inspection endpoints.
type Reader interface {
	DeliveriesForEvent(ctx context.Context, eventID string, limit int) ([]hook.Delivery, error)
	DeadLetters(ctx context.Context, limit int) ([]store.DeadLetter, error)
}

// Server bundles the handlers and their dependencies.
type Server struct {
	engine Engine
	reader Reader
	ping   func(ctx context.Context) error
	logger *logging.Logger
}

// NewServer wires the handlers. ping may be nil when no database health
// probe is available.
func NewServer(engine Engine, reader Reader, ping func(ctx context.Context) error) *Server {
	return &Server{
		engine: engine,
		reader: reader,
		ping:   ping,
		logger: logging.New("mooring-api"),
	}
}

// Router builds the gin engine with all routes mounted. A non-nil registry
// also mounts /metrics.
func (s *Server) Router(reg *prometheus.Registry) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	if reg != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	{
		v1.POST("/events", s.handleQueue)
		v1.POST("/sweep", s.handleSweep)
		v1.POST("/subscribers/:id/test", s.handleTest)
		v1.GET("/events/:id/deliveries", s.handleEventDeliveries)
		v1.GET("/deadletters", s.handleDeadLetters)
	}
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()
		if err := s.ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "message": "db ping failed"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleQueue(c *gin.Context) {
	var ev hook.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event body: " + err.Error()})
		return
	}

	res, err := s.engine.Queue(c.Request.Context(), ev)
	if err != nil {
		if errors.Is(err, dispatch.ErrInvalidEvent) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logger.WithContext(c.Request.Context()).WithTenant(ev.TenantID).WithError(err).Error("queue failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue failed"})
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (s *Server) handleSweep(c *gin.Context) {
	res, err := s.engine.Sweep(c.Request.Context())
	if err != nil {
		s.logger.WithContext(c.Request.Context()).WithError(err).Error("sweep failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep failed"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleTest(c *gin.Context) {
	res, err := s.engine.Test(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrSubscriberNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		s.logger.WithContext(c.Request.Context()).WithSubscriber(c.Param("id")).WithError(err).Error("test ping failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "test ping failed"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// deliveryView is the JSON shape of a delivery row.
type deliveryView struct {
	ID           string         `json:"id"`
	SubscriberID string         `json:"subscriber_id"`
	EventID      string         `json:"event_id"`
	EventType    string         `json:"event_type"`
	EntityID     string         `json:"entity_id,omitempty"`
	Status       string         `json:"status"`
	Attempts     int            `json:"attempts"`
	MaxAttempts  int            `json:"max_attempts"`
	NextRetryDue *time.Time     `json:"next_retry_due,omitempty"`
	HTTPStatus   int            `json:"http_status,omitempty"`
	ResponseBody string         `json:"response_body,omitempty"`
	LatencyMS    int64          `json:"latency_ms,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	DeliveredAt  *time.Time     `json:"delivered_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	Payload      map[string]any `json:"payload,omitempty"`
}

func toView(d hook.Delivery) deliveryView {
	return deliveryView{
		ID:           d.ID,
		SubscriberID: d.SubscriberID,
		EventID:      d.EventID,
		EventType:    d.EventType,
		EntityID:     d.EntityID,
		Status:       string(d.Status),
		Attempts:     d.Attempts,
		MaxAttempts:  d.MaxAttempts,
		NextRetryDue: d.NextRetryDue,
		HTTPStatus:   d.HTTPStatus,
		ResponseBody: d.ResponseBody,
		LatencyMS:    d.LatencyMS,
		LastError:    d.LastError,
		DeliveredAt:  d.DeliveredAt,
		CreatedAt:    d.CreatedAt,
		Payload:      d.Payload,
	}
}

func limitParam(c *gin.Context) int {
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 50
}

func (s *Server) handleEventDeliveries(c *gin.Context) {
	deliveries, err := s.reader.DeliveriesForEvent(c.Request.Context(), c.Param("id"), limitParam(c))
	if err != nil {
		s.logger.WithContext(c.Request.Context()).WithEvent(c.Param("id")).WithError(err).Error("list deliveries failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list deliveries failed"})
		return
	}
	views := make([]deliveryView, 0, len(deliveries))
	for _, d := range deliveries {
		views = append(views, toView(d))
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": views})
}

func (s *Server) handleDeadLetters(c *gin.Context) {
	dead, err := s.reader.DeadLetters(c.Request.Context(), limitParam(c))
	if err != nil {
		s.logger.WithContext(c.Request.Context()).WithError(err).Error("list dead letters failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list dead letters failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": dead})
}
