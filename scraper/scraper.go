// Package scraper fetches listing pages from the classifieds source.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const maxPageBytes = 8 << 20

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// IsStatusError checks if an error is a non-2xx response.
func IsStatusError(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}

// IsTimeout checks if an error is a deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

// Scraper fetches raw listing pages.
type Scraper struct {
	client  *http.Client
	logger  *slog.Logger
	timeout time.Duration
}

// New creates a new scraper. Each Fetch is bounded by timeout.
func New(client *http.Client, timeout time.Duration, logger *slog.Logger) *Scraper {
	return &Scraper{
		client:  client,
		logger:  logger,
		timeout: timeout,
	}
}

// PageURLs returns the first n listing page URLs, page 1 being searchURL itself.
func PageURLs(searchURL string, n int) ([]string, error) {
	base, err := url.Parse(searchURL)
	if err != nil {
		return nil, fmt.Errorf("parse search url: %w", err)
	}
	urls := make([]string, 0, n)
	for page := 1; page <= n; page++ {
		if page == 1 {
			urls = append(urls, base.String())
			continue
		}
		u := *base
		q := u.Query()
		q.Set("page", strconv.Itoa(page))
		u.RawQuery = q.Encode()
		urls = append(urls, u.String())
	}
	return urls, nil
}

// Fetch returns the body of pageURL. Non-2xx responses and timeouts are
// returned as errors and are not retried; connection-level failures are
// retried until the page deadline expires.
func (s *Scraper) Fetch(ctx context.Context, pageURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var body []byte
	err := retry.Do(
		func() error {
			s.logger.Debug("HTTP request starting", "method", "GET", "url", pageURL)

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}

			// Browser-like headers; the source rejects bare clients.
			req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36")
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
			req.Header.Set("Accept-Language", "ru-RU,ru;q=0.9,en-US;q=0.8,en;q=0.7")
			if u, err := url.Parse(pageURL); err == nil {
				req.Header.Set("Referer", u.Scheme+"://"+u.Host+"/")
			}

			startTime := time.Now()
			resp, err := s.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				s.logger.Warn("HTTP request failed",
					"url", pageURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return &StatusError{URL: pageURL, StatusCode: resp.StatusCode}
			}

			b, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			body = b

			s.logger.Info("Page fetched",
				"url", pageURL,
				"status_code", resp.StatusCode,
				"bytes", len(b),
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying fetch after error", "attempt", n, "url", pageURL, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !IsStatusError(err) && !IsTimeout(err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	return body, nil
}
