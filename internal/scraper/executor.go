package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sitescan/notifier/internal/config"
)

// Executor runs the scraping work for a target. A returned error and a
// Result with Success false both end the job in error.
type Executor interface {
	Execute(ctx context.Context, target string) (Result, error)
}

type Result struct {
	Success bool
	Data    json.RawMessage
	Reason  string
}

// Outcome is what the Runner hands back once an execution is over.
type Outcome struct {
	Result   Result
	Duration time.Duration
	Err      error
}

func (o Outcome) Succeeded() bool {
	return o.Err == nil && o.Result.Success
}

func (o Outcome) FailureReason() string {
	if o.Err != nil {
		return o.Err.Error()
	}
	if o.Result.Reason != "" {
		return o.Result.Reason
	}
	if !o.Result.Success {
		return "scraping failed"
	}
	return ""
}

// NewExecutor picks the executor matching the deployment mode.
func NewExecutor(cfg *config.Config) (Executor, error) {
	switch cfg.Service.Executor {
	case config.ExecutorProduction:
		return NewHTTPExecutor(WithTimeout(cfg.Service.ScrapeTimeout)), nil
	case config.ExecutorDev, "":
		return NewDevExecutor(cfg.Service.DevScrapeDelay), nil
	default:
		return nil, fmt.Errorf("unknown executor mode %q", cfg.Service.Executor)
	}
}
