package httputil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/wonny/usef/backend/pkg/config"
	"github.com/wonny/usef/backend/pkg/logger"
)

// Client is an HTTP client wrapper with retry logic and logging
// ⭐ SSOT: all outbound HTTP requests go through this client
type Client struct {
	httpClient *http.Client
	logger     *logger.Logger
	limiter    Limiter
	sleep      func(ctx context.Context, d time.Duration) error
}

// Limiter throttles requests per key (the recipient host)
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Response is a fully read HTTP response
type Response struct {
	StatusCode int
	Body       []byte
	Attempts   int
}

// StatusError is returned when the final attempt got a non-2xx status
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// New creates a new HTTP client from config
// ⭐ SSOT: http.Client instances are only created here
func New(cfg *config.Config, log *logger.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Sender.Timeout},
		logger:     log.Component("httputil"),
		sleep:      sleepCtx,
	}
}

// WithLimiter sets the rate limiter for this client
func (c *Client) WithLimiter(l Limiter) *Client {
	c.limiter = l
	return c
}

// WithHTTPClient replaces the underlying http.Client
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// Post sends body to url, retrying with exponential backoff according to policy.
// Transport errors, 5xx and 429 are retried; other statuses are final.
func (c *Client) Post(ctx context.Context, url, contentType string, body []byte, policy config.BackoffConfig, limitKey string) (*Response, error) {
	delay := policy.InitialInterval
	startTime := time.Now()

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, limitKey); err != nil {
				return nil, fmt.Errorf("rate limit wait failed: %w", err)
			}
		}

		resp, err := c.once(ctx, url, contentType, body)
		if err == nil {
			resp.Attempts = attempt + 1
			if resp.StatusCode < 300 {
				c.logger.WithFields(map[string]interface{}{
					"url":         url,
					"status_code": resp.StatusCode,
					"attempts":    resp.Attempts,
					"duration":    time.Since(startTime),
				}).Debug("HTTP request completed")
				return resp, nil
			}
			lastErr = &StatusError{StatusCode: resp.StatusCode, Body: truncate(resp.Body, 256)}
			if !IsRetryableError(resp.StatusCode) {
				return resp, lastErr
			}
		} else {
			lastErr = err
		}

		if attempt == policy.MaxRetries {
			break
		}

		wait := jitter(delay, policy.RandomizationFactor)
		c.logger.WithFields(map[string]interface{}{
			"attempt": attempt + 1,
			"delay":   wait,
			"url":     url,
			"error":   lastErr.Error(),
		}).Warn("Retrying HTTP request")

		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}

		delay = time.Duration(float64(delay) * policy.Multiplier)
		if delay > policy.MaxInterval {
			delay = policy.MaxInterval
		}
	}

	c.logger.WithFields(map[string]interface{}{
		"url":      url,
		"duration": time.Since(startTime),
		"error":    lastErr.Error(),
	}).Error("HTTP request failed")

	return nil, fmt.Errorf("post %s failed after %d attempts: %w", url, policy.MaxRetries+1, lastErr)
}

func (c *Client) once(ctx context.Context, url, contentType string, body []byte) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create POST request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}

// IsRetryableError checks if a status code should be retried
func IsRetryableError(statusCode int) bool {
	return statusCode >= 500 || statusCode == http.StatusTooManyRequests
}

// jitter spreads d uniformly over [d*(1-f), d*(1+f)]
func jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}
	delta := factor * float64(d)
	min := float64(d) - delta
	return time.Duration(min + rand.Float64()*(2*delta))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
