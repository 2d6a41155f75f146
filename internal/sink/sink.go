// SPDX-FileCopyrightText: 2025 Mads R. Havmand <mads@v42.dk>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package sink delivers processed documents to downstream consumers.
// Delivery failures are reported, never retried forever; callers persist
// undelivered documents and re-emit them from a recovery sweep.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/meterd/meterd"
)

// Sink delivers a document to the downstream path.
type Sink interface {
	Emit(ctx context.Context, path string, doc any) error
}

// Func adapts a function to the Sink interface.
type Func func(ctx context.Context, path string, doc any) error

// Emit calls f.
func (f Func) Emit(ctx context.Context, path string, doc any) error {
	return f(ctx, path, doc)
}

// HTTPSink posts JSON documents to a base URL with bounded retries and a
// consecutive-failure breaker. While the breaker is open every Emit fails
// fast with meterd.ErrSinkUnavailable.
type HTTPSink struct {
	baseURL          string
	client           *http.Client
	logger           *slog.Logger
	maxAttempts      int
	retryDelay       time.Duration
	breakerThreshold int
	breakerCooldown  time.Duration

	mu        sync.Mutex
	failures  int
	openUntil time.Time
}

// HTTPSinkOption configures an HTTPSink.
type HTTPSinkOption func(*HTTPSink)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) HTTPSinkOption {
	return func(s *HTTPSink) {
		s.client = client
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) HTTPSinkOption {
	return func(s *HTTPSink) {
		s.logger = logger
	}
}

// WithMaxAttempts overrides the per-emit attempt bound.
func WithMaxAttempts(n int) HTTPSinkOption {
	return func(s *HTTPSink) {
		s.maxAttempts = n
	}
}

// WithRetryDelay overrides the base delay between attempts.
func WithRetryDelay(d time.Duration) HTTPSinkOption {
	return func(s *HTTPSink) {
		s.retryDelay = d
	}
}

// WithBreaker overrides the consecutive-failure threshold and the cooldown
// the breaker stays open for.
func WithBreaker(threshold int, cooldown time.Duration) HTTPSinkOption {
	return func(s *HTTPSink) {
		s.breakerThreshold = threshold
		s.breakerCooldown = cooldown
	}
}

// NewHTTPSink creates a sink posting to baseURL.
func NewHTTPSink(baseURL string, options ...HTTPSinkOption) *HTTPSink {
	s := &HTTPSink{
		baseURL:          baseURL,
		client:           &http.Client{Timeout: 10 * time.Second},
		logger:           slog.Default(),
		maxAttempts:      3,
		retryDelay:       100 * time.Millisecond,
		breakerThreshold: 5,
		breakerCooldown:  30 * time.Second,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Emit posts doc as JSON to baseURL+path.
func (s *HTTPSink) Emit(ctx context.Context, path string, doc any) error {
	if s.breakerOpen() {
		return fmt.Errorf("sink breaker open: %w", meterd.ErrSinkUnavailable)
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode sink document: %w", err)
	}

	url := s.baseURL + path
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(s.retryDelay * time.Duration(attempt-1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		retryable, err := s.post(ctx, url, body)
		if err == nil {
			s.recordSuccess()
			return nil
		}
		lastErr = err
		if !retryable {
			// Rejected payloads are caller errors, not sink outages
			return err
		}
		s.logger.Warn("Sink emit attempt failed", "url", url, "attempt", attempt, "error", err)
	}

	s.recordFailure(url)
	return fmt.Errorf("emit to %s after %d attempts: %v: %w", url, s.maxAttempts, lastErr, meterd.ErrSinkUnavailable)
}

func (s *HTTPSink) post(ctx context.Context, url string, body []byte) (retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build sink request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return true, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return true, fmt.Errorf("sink returned status %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("sink rejected document with status %d", resp.StatusCode)
	}
}

func (s *HTTPSink) breakerOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().Before(s.openUntil)
}

func (s *HTTPSink) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = 0
}

func (s *HTTPSink) recordFailure(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	if s.failures >= s.breakerThreshold {
		s.openUntil = time.Now().Add(s.breakerCooldown)
		s.failures = 0
		s.logger.Error("Sink breaker opened", "url", url, "cooldown", s.breakerCooldown)
	}
}
