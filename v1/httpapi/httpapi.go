// Package httpapi exposes the bidding engine over HTTP.
//
// Authentication happens upstream: the gateway forwards the caller as the
// X-User-ID and X-User-Role headers. Sellers (role SELLER) manage auctions,
// any authenticated user may bid.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mirkobrombin/go-hammer/v1/auction"
	"github.com/mirkobrombin/go-hammer/v1/bidding"
	"github.com/mirkobrombin/go-hammer/v1/broadcast"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
	RoleSeller     = "SELLER"
)

// Server holds the HTTP handlers.
type Server struct {
	engine   *bidding.Engine
	reader   *auction.CachedReader
	events   broadcast.Broadcaster
	gatherer prometheus.Gatherer
	health   func(context.Context) error
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithReader serves GET /auctions/{id} from a snapshot cache.
func WithReader(r *auction.CachedReader) Option {
	return func(s *Server) { s.reader = r }
}

// WithGatherer sets the registry exposed on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithHealthCheck sets the probe behind /health.
func WithHealthCheck(fn func(context.Context) error) Option {
	return func(s *Server) { s.health = fn }
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New returns a Server for engine streaming events from events.
func New(engine *bidding.Engine, events broadcast.Broadcaster, opts ...Option) *Server {
	s := &Server{
		engine:   engine,
		events:   events,
		gatherer: prometheus.DefaultGatherer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger)

	router.GET("/health", s.healthHandler)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	auctions := router.Group("/auctions")
	{
		auctions.GET("", s.listAuctions)
		auctions.POST("", requireUser, requireSeller, s.createAuction)
		auctions.GET("/:id", s.getAuction)
		auctions.PATCH("/:id", requireUser, requireSeller, s.updateAuction)
		auctions.DELETE("/:id", requireUser, requireSeller, s.deleteAuction)
		auctions.GET("/:id/bids", s.listBids)
		auctions.POST("/:id/bids", requireUser, s.placeBid)
		auctions.GET("/:id/events", s.streamEvents)
		auctions.GET("/:id/ws", s.streamWebSocket)
	}
	return router
}

func (s *Server) requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Info("http request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"latency", time.Since(start).String(),
	)
}

func (s *Server) healthHandler(c *gin.Context) {
	if s.health != nil {
		if err := s.health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
