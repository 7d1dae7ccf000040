// Package server exposes the broker engine over HTTP. Witness
// verification happens at this edge: bearer tokens become the signer
// set, and the engine itself only ever sees verified addresses.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"brokerd/internal/broker"
	"brokerd/internal/observability"
)

type Config struct {
	Broker    *broker.Broker
	JWTSecret []byte
	Health    *observability.HealthChecker
	Logger    zerolog.Logger
	Metrics   *observability.Metrics
}

type Server struct {
	engine    *broker.Broker
	router    *gin.Engine
	jwtSecret []byte
	health    *observability.HealthChecker
	log       zerolog.Logger
	metrics   *observability.Metrics
}

func New(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		engine:    cfg.Broker,
		router:    gin.New(),
		jwtSecret: cfg.JWTSecret,
		health:    cfg.Health,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(requestID())
	s.router.Use(s.requestMetrics())

	if s.health != nil {
		s.router.GET("/healthz", gin.WrapF(s.health.LivenessHandler))
		s.router.GET("/readyz", gin.WrapF(s.health.ReadinessHandler))
	}

	v1 := s.router.Group("/v1", s.witnessAuth())
	{
		v1.POST("/initialize", s.initialize)

		v1.POST("/deposit", s.deposit)
		v1.POST("/deposit-from", s.depositFrom)
		v1.POST("/on-external-transfer", s.onExternalTransfer)

		v1.POST("/offers", s.makeOffer)
		v1.POST("/offers/fill", s.fillOffer)
		v1.POST("/offers/cancel", s.cancelOffer)
		v1.POST("/offers/announce-cancel", s.announceCancel)
		v1.GET("/offers/:hash", s.getOffer)
		v1.GET("/offers/:hash/announced-cancel", s.getAnnouncedCancel)

		v1.POST("/withdrawals", s.withdraw)
		v1.POST("/withdrawals/announce", s.announceWithdraw)
		v1.GET("/withdrawals/announced", s.getAnnouncedWithdraw)

		v1.GET("/state", s.getState)
		v1.GET("/config", s.getConfig)
		v1.GET("/balances/:account/:asset", s.getBalance)
		v1.GET("/whitelist/:tier/:asset", s.getWhitelisted)

		admin := v1.Group("/admin")
		{
			admin.POST("/freeze", s.freeze)
			admin.POST("/unfreeze", s.unfreeze)
			admin.POST("/announce-delay", s.setAnnounceDelay)
			admin.POST("/coordinator", s.setCoordinator)
			admin.POST("/withdraw-coordinator", s.setWithdrawCoordinator)
			admin.POST("/fee-address", s.setFeeAddress)
			admin.POST("/whitelist", s.whitelist)
			admin.POST("/arbitrary-invoke", s.arbitraryInvoke)
		}
	}
}

// Handler exposes the router for the HTTP server and for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// requestID echoes the caller's X-Request-ID or mints one, so log
// lines on both sides of the call can be correlated.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.metrics == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		s.metrics.HTTPRequests.WithLabelValues(route, http.StatusText(status)).Inc()
		s.metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())

		if c.Request.Method == http.MethodPost {
			if status < 400 {
				s.metrics.OpsApplied.WithLabelValues(route).Inc()
			} else {
				s.metrics.OpsRejected.WithLabelValues(route, http.StatusText(status)).Inc()
			}
		}
	}
}

// respondErr maps engine rejections to HTTP statuses. Reason-coded
// fill rejections carry their reason through so takers can adjust
// without a state query.
func (s *Server) respondErr(c *gin.Context, err error) {
	var fe *broker.FillError
	if errors.As(err, &fe) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  "fill rejected",
			"reason": string(fe.Reason),
		})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, broker.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, broker.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, broker.ErrOfferNotFound):
		status = http.StatusNotFound
	case errors.Is(err, broker.ErrWrongState),
		errors.Is(err, broker.ErrOfferExists),
		errors.Is(err, broker.ErrSealed),
		errors.Is(err, broker.ErrDuplicateDeposit),
		errors.Is(err, broker.ErrWithdrawalState):
		status = http.StatusConflict
	case errors.Is(err, broker.ErrInsufficient):
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
