package scraper

import (
	"context"
	"encoding/json"
	"time"
)

// DevExecutor fakes a scrape: it waits for delay and returns a canned report.
type DevExecutor struct {
	delay time.Duration
}

func NewDevExecutor(delay time.Duration) *DevExecutor {
	return &DevExecutor{delay: delay}
}

func (d *DevExecutor) Execute(ctx context.Context, target string) (Result, error) {
	select {
	case <-time.After(d.delay):
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	data, err := json.Marshal(Report{
		URL:         target,
		StatusCode:  200,
		Title:       "Development report for " + target,
		Description: "generated without network access",
		Headings:    map[string]int{"h1": 1, "h2": 3},
		Links:       12,
		Images:      4,
		Words:       350,
	})
	if err != nil {
		return Result{}, err
	}

	return Result{Success: true, Data: data}, nil
}
