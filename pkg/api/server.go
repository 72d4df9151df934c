// Package api exposes the control surface: pipeline status, metrics
// and remote shutdown. It replaces an out-of-band IPC socket with a
// plain HTTP server.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/censorlab/censorlab/pkg/pipeline"
	"github.com/censorlab/censorlab/pkg/processor"
)

// Server is the control HTTP server.
type Server struct {
	echo      *echo.Echo
	addr      string
	pipeline  pipeline.Pipeline
	flowStage *processor.FlowStage
	shutdown  func()
	started   time.Time
}

// NewServer wires the handlers. shutdown triggers the same graceful
// stop as a signal.
func NewServer(addr string, p pipeline.Pipeline, flowStage *processor.FlowStage, shutdown func()) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	s := &Server{
		echo:      e,
		addr:      addr,
		pipeline:  p,
		flowStage: flowStage,
		shutdown:  shutdown,
		started:   time.Now(),
	}
	e.GET("/status", s.getStatus)
	e.GET("/flows", s.getFlows)
	e.POST("/shutdown", s.postShutdown)
	return s
}

func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) getStatus(c echo.Context) error {
	stats := make(map[string]interface{})
	for name, m := range s.pipeline.GetMetrics() {
		stats[name] = m.GetStats()
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":     s.pipeline.Status(),
		"uptime":     time.Since(s.started).String(),
		"processors": stats,
	})
}

func (s *Server) getFlows(c echo.Context) error {
	counts := s.flowStage.FlowCounts()
	var total uint64
	for _, n := range counts {
		total += n
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"total":  total,
		"shards": counts,
	})
}

func (s *Server) postShutdown(c echo.Context) error {
	// Respond first; the shutdown tears the server down with the rest
	// of the process.
	go s.shutdown()
	return c.JSON(http.StatusOK, map[string]string{"status": "shutting down"})
}
