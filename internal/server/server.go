// Package server provides the HTTP server setup around a prepared router.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/psychrist666/liveline/internal/logger"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
)

// Server wraps an http.Server around a gin router.
type Server struct {
	addr   string
	router *gin.Engine
	server *http.Server
}

// New creates a server that will listen on addr.
func New(addr string, router *gin.Engine) *Server {
	return &Server{
		addr:   addr,
		router: router,
	}
}

// Start serves HTTP until Shutdown is called or the listener fails.
// On graceful shutdown it returns http.ErrServerClosed.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:           s.addr,
		Handler:        s.router,
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	logger.Log.Info().
		Str("addr", s.addr).
		Msg("Starting HTTP server")

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Log.Info().Msg("Shutting down server gracefully")

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	logger.Log.Info().Msg("Server stopped")
	return nil
}
