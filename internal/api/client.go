package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// Retry and backoff constants.
const (
	maxRetries     = 5
	baseBackoff    = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
	userAgent      = "filehaven/0.1"
)

// Client is an HTTP client for the file haven server (one worker directly,
// or the supervisor's public listener). It handles request construction,
// retry with exponential backoff, and error classification.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a server client. baseURL is typically
// "http://host:8080" with no trailing slash.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// do executes an HTTP request against the server. The path is appended to
// the client's base URL. The body is replayed from bytes on every retry.
// The caller is responsible for closing the response body on success.
func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string) (*http.Response, error) {
	url := c.baseURL + path

	var attempt int
	for {
		resp, err := c.doOnce(ctx, method, url, body, contentType)
		if err != nil {
			// Context cancellation is not retryable.
			if ctx.Err() != nil {
				return nil, fmt.Errorf("api: request canceled: %w", ctx.Err())
			}

			// Network errors are retryable.
			if attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("path", path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("api: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("api: %s %s failed after %d retries: %w", method, path, maxRetries, err)
		}

		// 2xx success.
		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
			)

			return resp, nil
		}

		// Read and close body for error responses.
		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			backoff := c.calcBackoff(attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("api: request canceled: %w", err)
			}

			attempt++

			continue
		}

		if attempt > 0 {
			c.logger.Error("request failed after retries",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		return nil, classifyError(resp.StatusCode, errBody)
	}
}

// classifyError turns a non-2xx response into a typed error. A 409 with a
// parseable conflict body becomes a ConflictError carrying the verdict.
func classifyError(status int, body []byte) error {
	if status == http.StatusConflict {
		var cb struct {
			Message string `json:"message"`
			Winner  struct {
				ClientID     string    `json:"client_id"`
				LastModified time.Time `json:"last_modified"`
			} `json:"winner"`
			ConflictFileName string `json:"conflict_file_name"`
			ConflictID       string `json:"conflict_id"`
		}

		if err := json.Unmarshal(body, &cb); err == nil && cb.ConflictID != "" {
			return &ConflictError{
				ConflictID:       cb.ConflictID,
				ConflictFileName: cb.ConflictFileName,
				WinnerClientID:   cb.Winner.ClientID,
				WinnerModified:   cb.Winner.LastModified,
				Message:          cb.Message,
			}
		}
	}

	return &APIError{
		StatusCode: status,
		Message:    string(body),
		Err:        classifyStatus(status),
	}
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(ctx context.Context, method, url string, body []byte, contentType string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	return c.httpClient.Do(req)
}

// doJSON runs do and decodes the success body into out.
func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, contentType string, out any) error {
	resp, err := c.do(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decoding %s %s response: %w", method, path, err)
	}

	return nil
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
