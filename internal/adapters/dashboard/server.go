// Package dashboard exposes the running bot over HTTP: read-only status,
// trades, equity and readiness, plus an emergency stop and a manual
// breaker reset.
package dashboard

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"donchianbot/internal/app"
	"donchianbot/internal/domain"
	"donchianbot/internal/ports"
	"donchianbot/internal/strategy/analytics"
)

// Controller is the runtime behind the dashboard.
type Controller interface {
	Status() app.Status
	Trades() []domain.Trade
	EquityCurve() []domain.EquityPoint
	// Stop flattens every position and blocks new entries.
	Stop(ctx context.Context) error
	// ResetBreaker clears a tripped breaker or kill switch.
	ResetBreaker(ctx context.Context) error
}

// Server serves the dashboard routes.
type Server struct {
	ctrl   Controller
	logger ports.Logger
	engine *gin.Engine
	addr   string
}

// New builds the router. Gin runs in release mode unless the caller set
// another mode beforehand.
func New(addr string, ctrl Controller, logger ports.Logger) *Server {
	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	s := &Server{ctrl: ctrl, logger: logger, engine: r, addr: addr}
	s.setupRoutes(r)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) setupRoutes(r *gin.Engine) {
	r.GET("/health", s.handleHealth)
	r.GET("/status", s.handleStatus)
	r.GET("/trades", s.handleTrades)
	r.GET("/equity", s.handleEquity)
	r.GET("/readiness", s.handleReadiness)
	r.POST("/stop", s.handleStop)
	r.POST("/reset", s.handleReset)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "Dashboard listening", map[string]interface{}{"addr": s.addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now().Unix()})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleTrades(c *gin.Context) {
	trades := s.ctrl.Trades()
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		if limit < len(trades) {
			trades = trades[len(trades)-limit:]
		}
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(trades), "trades": trades})
}

func (s *Server) handleEquity(c *gin.Context) {
	curve := s.ctrl.EquityCurve()
	if curve == nil {
		curve = []domain.EquityPoint{}
	}
	c.JSON(http.StatusOK, gin.H{"points": curve})
}

func (s *Server) handleReadiness(c *gin.Context) {
	st := s.ctrl.Status()
	metrics := analytics.AnalyzePerformance(s.ctrl.Trades(), s.ctrl.EquityCurve(), st.InitialEquity)
	c.JSON(http.StatusOK, analytics.Readiness(metrics))
}

func (s *Server) handleStop(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.ctrl.Stop(ctx); err != nil {
		s.logger.Error(ctx, err, "Emergency stop failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.logger.Warn(ctx, "Emergency stop requested via dashboard")
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

func (s *Server) handleReset(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.ctrl.ResetBreaker(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info(ctx, "Risk breaker reset via dashboard")
	c.JSON(http.StatusOK, gin.H{"reset": true})
}
