package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// run executes fn with a timeout and panic recovery. Errors and panics
// are logged, never propagated.
func run(parentCtx context.Context, logger *logrus.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	// detached from request cancellation, bounded by timeout
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			logger.WithField("task", taskName).
				Errorf("[async] PANIC: %v\nStack trace:\n%s", r, string(debug.Stack()))
		}
	}()

	if err := fn(ctx); err != nil {
		logger.WithField("task", taskName).Warnf("[async] Error: %v", err)
	}
}

// Group runs background tasks and lets shutdown wait for the ones in flight.
//
//	tasks.Go(ctx, 5*time.Second, "publish extension_installed", func(ctx context.Context) error {
//	    return bus.Publish(ctx, event)
//	})
type Group struct {
	logger *logrus.Logger
	wg     sync.WaitGroup
}

// NewGroup creates a task group. logger may be nil.
func NewGroup(logger *logrus.Logger) *Group {
	return &Group{logger: logger}
}

// Go starts fn on its own goroutine, detached from parentCtx cancellation
// and bounded by timeout
func (g *Group) Go(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		run(parentCtx, g.logger, timeout, taskName, fn)
	}()
}

// Wait blocks until every tracked task finished or ctx is done
func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background tasks: %w", ctx.Err())
	}
}
