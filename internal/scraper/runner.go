package scraper

import (
	"context"
	"fmt"
	"time"

	"github.com/sitescan/notifier/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	instrumentationName = "github.com/sitescan/notifier/scraper"
	defaultConcurrency  = 10
)

// Runner bounds the number of executions running at the same time.
type Runner struct {
	executor Executor
	sem      *semaphore.Weighted
	timeout  time.Duration
	tracer   trace.Tracer
}

type RunnerOption func(r *Runner)

func WithExecutionTimeout(timeout time.Duration) RunnerOption {
	return func(r *Runner) {
		r.timeout = timeout
	}
}

func NewRunner(executor Executor, maxConcurrent int64, opts ...RunnerOption) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultConcurrency
	}

	r := &Runner{
		executor: executor,
		sem:      semaphore.NewWeighted(maxConcurrent),
		tracer:   otel.Tracer(instrumentationName),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run blocks until a slot is free, then executes target. The outcome always
// carries the time spent in the executor.
func (r *Runner) Run(ctx context.Context, target string) Outcome {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return Outcome{Err: fmt.Errorf("failed to acquire execution slot: %w", err)}
	}
	defer r.sem.Release(1)

	ctx, span := r.tracer.Start(ctx, "scrape", trace.WithAttributes(attribute.String("target", target)))
	defer span.End()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	metrics.IncreaseExecutionsInFlight()
	defer metrics.DecreaseExecutionsInFlight()

	start := time.Now()
	result, err := r.execute(ctx, target)
	outcome := Outcome{Result: result, Duration: time.Since(start), Err: err}

	span.SetAttributes(attribute.Bool("success", outcome.Succeeded()), attribute.Int64("duration_ms", outcome.Duration.Milliseconds()))
	if !outcome.Succeeded() {
		span.SetStatus(codes.Error, outcome.FailureReason())
	}
	metrics.ObserveExecution(outcome.Succeeded(), outcome.Duration)

	return outcome
}

func (r *Runner) execute(ctx context.Context, target string) (result Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			zap.S().Named("runner").Errorw("executor panicked", "target", target, "panic", p)
			err = fmt.Errorf("executor panicked: %v", p)
		}
	}()
	return r.executor.Execute(ctx, target)
}
