package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const maxBackoff = 5 * time.Minute

type Handler interface {
	RetryLedgerFailure(ctx context.Context, failureID string) error
}

type WorkerOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Logger      *zap.Logger
}

type Worker struct {
	queue       Queue
	handler     Handler
	logger      *zap.Logger
	maxAttempts int
	baseDelay   time.Duration
	now         func() time.Time
	wait        func(ctx context.Context, d time.Duration) error
}

func NewWorker(queue Queue, handler Handler, opts WorkerOptions) *Worker {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Worker{
		queue:       queue,
		handler:     handler,
		logger:      opts.Logger,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		now:         time.Now,
		wait:        sleepContext,
	}
}

// Run consumes jobs until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	return w.queue.Consume(ctx, w.handle)
}

func (w *Worker) handle(ctx context.Context, job Job) error {
	if delay := job.NotBefore.Sub(w.now()); delay > 0 {
		if err := w.wait(ctx, delay); err != nil {
			return err
		}
	}

	logger := w.logger.With(
		zap.String("failure_id", job.FailureID),
		zap.String("kind", job.Kind),
		zap.String("order_id", job.OrderID),
		zap.Int("attempt", job.Attempt+1),
	)

	err := w.handler.RetryLedgerFailure(ctx, job.FailureID)
	if err == nil {
		logger.Info("ledger failure resolved")
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	job.Attempt++
	if job.Attempt >= w.maxAttempts {
		logger.Error("ledger retry attempts exhausted; failure left open", zap.Error(err))
		return nil
	}

	delay := Backoff(w.baseDelay, job.Attempt)
	job.NotBefore = w.now().Add(delay)
	logger.Warn("ledger retry failed", zap.Error(err), zap.Duration("retry_in", delay))
	if err := w.queue.Enqueue(ctx, job); err != nil {
		if errors.Is(err, ErrQueueFull) {
			logger.Warn("retry queue full; failure left open for requeue", zap.Error(err))
			return nil
		}
		logger.Error("re-enqueue ledger retry", zap.Error(err))
		return err
	}
	return nil
}

// Backoff is base doubled per completed attempt, capped at five minutes.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		return base
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
