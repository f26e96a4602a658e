package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ShutdownFunc is a function to call during shutdown
type ShutdownFunc func(context.Context) error

type shutdownStage struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager stops the ops HTTP server and then runs the registered
// stages in registration order. The extension host is registered before
// the bus and stores it still writes to while draining.
type ShutdownManager struct {
	logger          *logrus.Logger
	server          *http.Server
	stages          []shutdownStage
	shutdownTimeout time.Duration
	mu              sync.Mutex
}

// NewShutdownManager creates a new shutdown manager. server may be nil.
func NewShutdownManager(logger *logrus.Logger, server *http.Server, timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		logger:          OrDefault(logger),
		server:          server,
		shutdownTimeout: timeout,
	}
}

// Register appends a named stage
func (sm *ShutdownManager) Register(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.stages = append(sm.stages, shutdownStage{name: name, fn: fn})
}

// Shutdown runs every stage even when an earlier one fails. Stages still
// pending when the timeout expires are skipped.
func (sm *ShutdownManager) Shutdown(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, sm.shutdownTimeout)
	defer cancel()

	if sm.server != nil {
		sm.logger.Info("Shutting down ops HTTP server")
		if err := sm.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("HTTP server shutdown failed: %w", err)
		}
	}

	sm.mu.Lock()
	stages := append([]shutdownStage(nil), sm.stages...)
	sm.mu.Unlock()

	var errs []error
	for i, stage := range stages {
		if err := sm.runStage(ctx, stage); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				sm.logger.Warnf("Shutdown timeout reached, skipping %d remaining stages", len(stages)-i-1)
				return fmt.Errorf("shutdown timeout reached during %s", stage.name)
			}
			sm.logger.WithError(err).Errorf("Shutdown stage %s failed", stage.name)
			errs = append(errs, fmt.Errorf("%s: %w", stage.name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown completed with %d errors: %w", len(errs), errors.Join(errs...))
	}

	sm.logger.Info("Graceful shutdown complete")
	return nil
}

// runStage bounds a stage by ctx even if fn ignores cancellation
func (sm *ShutdownManager) runStage(ctx context.Context, stage shutdownStage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sm.logger.Debugf("Running shutdown stage %s", stage.name)

	done := make(chan error, 1)
	go func() { done <- stage.fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
