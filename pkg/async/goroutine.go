package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTaskTimeout bounds a single Batch item when no timeout is configured
const DefaultTaskTimeout = 30 * time.Second

// SafeGo executes fn in a goroutine with panic recovery, a timeout and error
// logging. Use it instead of a bare `go func()`.
//
// The task context is detached from parentCtx cancellation so a finished HTTP
// request does not abort the work, but it keeps parentCtx values.
func SafeGo(parentCtx context.Context, logger logrus.FieldLogger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(logrus.Fields{
					"task":  taskName,
					"panic": fmt.Sprint(r),
					"stack": string(debug.Stack()),
				}).Error("PANIC in background task")
			}
		}()

		start := time.Now()
		if err := fn(ctx); err != nil {
			logger.WithError(err).WithField("task", taskName).Error("Background task failed")
			return
		}
		logger.WithFields(logrus.Fields{
			"task":     taskName,
			"duration": time.Since(start).String(),
		}).Debug("Background task finished")
	}()
}

// BatchOptions configures Batch
type BatchOptions struct {
	// Workers is the number of concurrent workers. Values below 1 mean 1.
	Workers int
	// TaskName labels log lines
	TaskName string
	// Timeout bounds each item. Zero means DefaultTaskTimeout.
	Timeout time.Duration
	Logger  logrus.FieldLogger
}

// Batch processes items concurrently on a bounded worker pool and returns all
// errors encountered, including recovered panics. Items not yet started when
// ctx is cancelled are skipped and reported with ctx.Err().
func Batch[T any](ctx context.Context, items []T, opts BatchOptions, fn func(context.Context, T) error) []error {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	workCh := make(chan T)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for item := range workCh {
				if err := runTask(ctx, timeout, item, fn); err != nil {
					logger.WithError(err).WithFields(logrus.Fields{
						"task":   opts.TaskName,
						"worker": id,
					}).Debug("Batch item failed")
					record(err)
				}
			}
		}(i)
	}

	skipped := 0
submit:
	for i, item := range items {
		select {
		case workCh <- item:
		case <-ctx.Done():
			skipped = len(items) - i
			break submit
		}
	}
	close(workCh)
	wg.Wait()

	if skipped > 0 {
		logger.WithFields(logrus.Fields{
			"task":    opts.TaskName,
			"skipped": skipped,
		}).Warn("Batch cancelled before all items were started")
		for i := 0; i < skipped; i++ {
			record(ctx.Err())
		}
	}

	return errs
}

func runTask[T any](parent context.Context, timeout time.Duration, item T, fn func(context.Context, T) error) (err error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, item)
}
