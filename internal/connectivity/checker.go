package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultCheckTimeout = 5 * time.Second

// Checker polls a health endpoint and feeds the result into a Monitor.
// Any HTTP answer below 500 counts as reachable; transport errors and 5xx
// count as offline.
type Checker struct {
	client   *resty.Client
	url      string
	interval time.Duration
	monitor  *Monitor
	logger   *slog.Logger
}

// NewChecker returns a checker for url.
func NewChecker(url string, interval time.Duration, monitor *Monitor, logger *slog.Logger) *Checker {
	client := resty.New().
		SetTimeout(min(interval, defaultCheckTimeout)).
		SetRetryCount(0)

	return &Checker{
		client:   client,
		url:      url,
		interval: interval,
		monitor:  monitor,
		logger:   logger,
	}
}

// Check performs one check and updates the monitor.
func (c *Checker) Check(ctx context.Context) bool {
	resp, err := c.client.R().SetContext(ctx).Get(c.url)

	online := err == nil && resp.StatusCode() < http.StatusInternalServerError
	if !online && ctx.Err() != nil {
		return c.monitor.Online()
	}

	if online != c.monitor.Online() {
		attrs := []any{slog.Bool("online", online)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}

		c.logger.Info("connectivity changed", attrs...)
	}

	c.monitor.Set(online)

	return online
}

// Run checks immediately and then every interval until ctx is done.
func (c *Checker) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Check(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}
