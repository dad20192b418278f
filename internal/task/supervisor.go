// Package task runs fire-and-forget background work with panic
// recovery, keeping side-channel failures off the request path.
package task

import (
	"context"
	"sync"
	"time"

	"github.com/laplacelab/lapgw/internal/observability"
)

// Supervisor tracks background goroutines so the gateway can drain
// them on shutdown. Failures are logged and discarded; they never
// propagate to the request that spawned them.
type Supervisor struct {
	logger  observability.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewSupervisor creates a supervisor. Each task gets its own context
// bounded by timeout.
func NewSupervisor(logger observability.Logger, timeout time.Duration) *Supervisor {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Supervisor{logger: logger, timeout: timeout}
}

// Go runs fn in a background goroutine. The task context is detached
// from the caller's so an already-finished request does not cancel it.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("background task panicked",
					observability.String("task", name),
					observability.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			s.logger.Warn("background task failed",
				observability.String("task", name),
				observability.Error(err))
		}
	}()
}

// Wait blocks until all spawned tasks finish or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
