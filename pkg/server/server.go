package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/duynguyendang/weeklyanalytics/pkg/service"
	"github.com/gin-gonic/gin"
)

// Server holds the state for the REST API server.
type Server struct {
	batches *service.BatchService
	router  *gin.Engine
	logger  *slog.Logger
}

// NewServer creates a new Server instance.
func NewServer(batches *service.BatchService, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	r := gin.Default()
	s := &Server{
		batches: batches,
		router:  r,
		logger:  logger,
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("http api listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/v1")
	v1.GET("/batches", s.handleBatches)
	v1.GET("/batches/:batch/table", s.handleTable)
	v1.GET("/batches/:batch/chart", s.handleChart)
	v1.GET("/batches/:batch/report", s.handleReport)
	v1.GET("/runs", s.handleRuns)
	v1.GET("/runs/:batch", s.handleRunStatus)
	v1.GET("/runs/:batch/history", s.handleRunHistory)
	v1.POST("/runs/:batch", s.handleStartRun)
}

// Health check
func (s *Server) healthCheck(c *gin.Context) {
	c.Status(http.StatusOK)
}
