package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/paylink/internal/metrics"
)

// DefaultTaskTimeout bounds one background task. It must outlast a full
// fund or release, since repairs wait on the same per-invoice lock.
const DefaultTaskTimeout = 10 * time.Minute

// Tasks accepts fire-and-forget work. Submit never blocks on the task and
// never reports its outcome to the submitter; failures are logged.
type Tasks interface {
	Submit(name string, fn func(ctx context.Context) error)
}

// TaskRunner runs each task on its own goroutine.
type TaskRunner struct {
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var _ Tasks = (*TaskRunner)(nil)

// NewTaskRunner creates a runner whose tasks get a fresh context bounded by
// timeout. Tasks are detached from the submitting request.
func NewTaskRunner(logger *slog.Logger, timeout time.Duration) *TaskRunner {
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	return &TaskRunner{logger: logger, timeout: timeout}
}

// Submit schedules fn. After Close, tasks are dropped with a warning.
func (r *TaskRunner) Submit(name string, fn func(ctx context.Context) error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn("background task dropped after shutdown", "task", name)
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				metrics.BackgroundTaskFailures.WithLabelValues(name).Inc()
				r.logger.Error("panic in background task", "task", name, "panic", fmt.Sprint(p))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			metrics.BackgroundTaskFailures.WithLabelValues(name).Inc()
			r.logger.Warn("background task failed", "task", name, "error", err)
		}
	}()
}

// Close stops accepting tasks and waits for running ones.
func (r *TaskRunner) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}
