package graceful

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rail-service/custody_service/pkg/logger"
)

// Shutdowner is a component that drains within a deadline
type Shutdowner interface {
	Shutdown(timeout time.Duration) error
}

// Server is the HTTP server being drained
type Server interface {
	Shutdown(ctx context.Context) error
}

// ShutdownManager stops the HTTP server first so no new work arrives, then
// the registered components in registration order, then closes the stores.
type ShutdownManager struct {
	server      Server
	shutdowners []Shutdowner
	closers     []io.Closer
	timeout     time.Duration
	logger      *logger.Logger
}

func NewShutdownManager(server Server, timeout time.Duration, logger *logger.Logger) *ShutdownManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		server:  server,
		timeout: timeout,
		logger:  logger,
	}
}

func (sm *ShutdownManager) Register(s Shutdowner) {
	sm.shutdowners = append(sm.shutdowners, s)
}

// RegisterCloser adds a store closed after every component has stopped
func (sm *ShutdownManager) RegisterCloser(c io.Closer) {
	sm.closers = append(sm.closers, c)
}

// WaitForShutdown blocks until SIGINT or SIGTERM, then shuts down
func (sm *ShutdownManager) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	sm.logger.Info("Shutting down gracefully...", "signal", sig.String())
	sm.Shutdown()
}

// Shutdown runs the shutdown sequence once
func (sm *ShutdownManager) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	if err := sm.server.Shutdown(ctx); err != nil {
		sm.logger.Error("Server forced shutdown", "error", err)
	}

	for _, s := range sm.shutdowners {
		if err := s.Shutdown(sm.timeout); err != nil {
			sm.logger.Warn("Component shutdown error", "error", err)
		}
	}

	for _, c := range sm.closers {
		if err := c.Close(); err != nil {
			sm.logger.Warn("Close error", "error", err)
		}
	}

	sm.logger.Info("Shutdown complete")
}
