package deploy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"launchpad/internal/logging"
)

// Prober checks that a deployed URL answers.
type Prober interface {
	Probe(ctx context.Context, url string) (int, error)
}

// HTTPProber probes with retries and backoff.
type HTTPProber struct {
	client *retryablehttp.Client
}

// NewHTTPProber creates a prober that retries up to attempts times.
func NewHTTPProber(attempts int) *HTTPProber {
	c := retryablehttp.NewClient()
	c.RetryMax = attempts
	c.RetryWaitMin = 2 * time.Second
	c.RetryWaitMax = 10 * time.Second
	c.HTTPClient.Timeout = 10 * time.Second
	c.Logger = zapLeveled{}
	return &HTTPProber{client: c}
}

// Probe issues a GET and returns the final status code. Any 5xx or
// connection error is retried.
func (p *HTTPProber) Probe(ctx context.Context, url string) (int, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= http.StatusBadRequest {
		return resp.StatusCode, fmt.Errorf("health check returned %s", resp.Status)
	}
	return resp.StatusCode, nil
}

// zapLeveled adapts the global zap logger to retryablehttp.LeveledLogger.
type zapLeveled struct{}

func (zapLeveled) Error(msg string, kv ...interface{}) { logging.Logger().Sugar().Errorw(msg, kv...) }
func (zapLeveled) Info(msg string, kv ...interface{})  { logging.Logger().Sugar().Debugw(msg, kv...) }
func (zapLeveled) Debug(msg string, kv ...interface{}) { logging.Logger().Sugar().Debugw(msg, kv...) }
func (zapLeveled) Warn(msg string, kv ...interface{})  { logging.Logger().Sugar().Warnw(msg, kv...) }

var _ retryablehttp.LeveledLogger = zapLeveled{}

// noProbe is used when health checks are disabled.
type noProbe struct{}

func (noProbe) Probe(context.Context, string) (int, error) { return 0, nil }

