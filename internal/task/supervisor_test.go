package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupervisorRunsTask(t *testing.T) {
	t.Parallel()

	sup := NewSupervisor(nil, time.Second)

	var ran atomic.Bool
	sup.Go("probe", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sup.Wait(ctx))
	assert.True(t, ran.Load())
}

func TestSupervisorRecoversPanic(t *testing.T) {
	t.Parallel()

	sup := NewSupervisor(nil, time.Second)

	sup.Go("boom", func(ctx context.Context) error {
		panic("kaboom")
	})

	// Wait must return normally even though the task panicked.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sup.Wait(ctx))
}

func TestSupervisorSwallowsTaskError(t *testing.T) {
	t.Parallel()

	sup := NewSupervisor(nil, time.Second)

	sup.Go("failing", func(ctx context.Context) error {
		return errors.New("downstream unavailable")
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sup.Wait(ctx))
}

func TestSupervisorTaskContextDetached(t *testing.T) {
	t.Parallel()

	sup := NewSupervisor(nil, time.Second)

	ctxErr := make(chan error, 1)
	sup.Go("detached", func(ctx context.Context) error {
		ctxErr <- ctx.Err()
		return nil
	})

	select {
	case err := <-ctxErr:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sup.Wait(ctx))
}

func TestSupervisorWaitHonorsContext(t *testing.T) {
	t.Parallel()

	sup := NewSupervisor(nil, 5*time.Second)

	release := make(chan struct{})
	sup.Go("slow", func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := sup.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}
