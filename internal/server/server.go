package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/SteelMorgan/fail2ban-digest/internal/scheduler"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// StatusProvider reports scheduler state
type StatusProvider interface {
	Status() scheduler.Status
}

// Server exposes health, status and metrics over HTTP
type Server struct {
	addr       string
	router     *gin.Engine
	httpServer *http.Server
	status     StatusProvider
}

// NewServer creates the status server. metricsHandler may be nil.
func NewServer(addr string, status StatusProvider, metricsHandler http.Handler) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		addr:   addr,
		router: router,
		status: status,
	}

	router.GET("/health", s.handleHealth)
	router.GET("/status", s.handleStatus)
	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled. A listen failure is returned at once.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Status server error")
		}
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("Status server started")

	<-ctx.Done()
	return s.Stop()
}

// Stop shuts the server down gracefully
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Error shutting down status server")
		return err
	}
	log.Info().Msg("Status server stopped")
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.status.Status()

	code := http.StatusOK
	response := gin.H{
		"status":  "ok",
		"collect": "ok",
	}
	if st.LastCollectError != "" {
		code = http.StatusServiceUnavailable
		response["status"] = "error"
		response["collect"] = "failed"
	}

	c.JSON(code, response)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.status.Status())
}
