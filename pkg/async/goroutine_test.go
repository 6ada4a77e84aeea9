package async

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestSafeGo(t *testing.T) {
	t.Run("runs task", func(t *testing.T) {
		done := make(chan struct{})
		SafeGo(context.Background(), quietLogger(), time.Second, "test task", func(ctx context.Context) error {
			close(done)
			return nil
		})
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("SafeGo did not execute function")
		}
	})

	t.Run("survives panic", func(t *testing.T) {
		var ran atomic.Bool
		SafeGo(context.Background(), quietLogger(), time.Second, "panicky", func(ctx context.Context) error {
			ran.Store(true)
			panic("boom")
		})
		assert.Eventually(t, ran.Load, time.Second, 10*time.Millisecond)
	})

	t.Run("parent cancellation does not abort task", func(t *testing.T) {
		parent, cancel := context.WithCancel(context.Background())
		result := make(chan error, 1)
		SafeGo(parent, quietLogger(), time.Second, "detached", func(ctx context.Context) error {
			cancel()
			time.Sleep(20 * time.Millisecond)
			result <- ctx.Err()
			return nil
		})
		select {
		case err := <-result:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("task did not finish")
		}
	})

	t.Run("timeout cancels task context", func(t *testing.T) {
		result := make(chan error, 1)
		SafeGo(context.Background(), quietLogger(), 20*time.Millisecond, "slow", func(ctx context.Context) error {
			<-ctx.Done()
			result <- ctx.Err()
			return ctx.Err()
		})
		select {
		case err := <-result:
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		case <-time.After(time.Second):
			t.Fatal("timeout was not enforced")
		}
	})
}

func TestBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("processes every item", func(t *testing.T) {
		var sum atomic.Int64
		items := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

		errs := Batch(ctx, items, BatchOptions{Workers: 3, Logger: quietLogger()}, func(ctx context.Context, n int) error {
			sum.Add(int64(n))
			return nil
		})

		assert.Empty(t, errs)
		assert.Equal(t, int64(55), sum.Load())
	})

	t.Run("collects errors and panics", func(t *testing.T) {
		items := []int{1, 2, 3, 4}
		errs := Batch(ctx, items, BatchOptions{Workers: 2, Logger: quietLogger()}, func(ctx context.Context, n int) error {
			switch n {
			case 2:
				return errors.New("bad item")
			case 4:
				panic("worse item")
			}
			return nil
		})

		require.Len(t, errs, 2)
		var msgs []string
		for _, err := range errs {
			msgs = append(msgs, err.Error())
		}
		assert.ElementsMatch(t, []string{"bad item", "panic: worse item"}, msgs)
	})

	t.Run("more errors than workers are all kept", func(t *testing.T) {
		items := make([]int, 100)
		errs := Batch(ctx, items, BatchOptions{Workers: 1, Logger: quietLogger()}, func(ctx context.Context, n int) error {
			return errors.New("fail")
		})
		assert.Len(t, errs, 100)
	})

	t.Run("empty input", func(t *testing.T) {
		errs := Batch(ctx, []string{}, BatchOptions{Workers: 4}, func(ctx context.Context, s string) error {
			t.Fatal("should not be called")
			return nil
		})
		assert.Empty(t, errs)
	})

	t.Run("cancelled context skips remaining items", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		var calls atomic.Int64
		errs := Batch(cctx, []int{1, 2, 3}, BatchOptions{Workers: 1, Logger: quietLogger()}, func(ctx context.Context, n int) error {
			calls.Add(1)
			return nil
		})

		// The select between a ready worker and a done context is random, so
		// every item is either processed or reported as cancelled.
		assert.Equal(t, int64(3), calls.Load()+int64(len(errs)))
		for _, err := range errs {
			assert.ErrorIs(t, err, context.Canceled)
		}
	})
}
