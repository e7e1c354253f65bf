package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/poisync/internal/poisync"
	"github.com/google/uuid"
)

type HTTPError struct {
	StatusCode    int
	Code          string
	Message       string
	CorrelationID string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether a later attempt could succeed.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type RemoteClient interface {
	Push(ctx context.Context, req poisync.PushRequest) error
	Pull(ctx context.Context, userID string, lastSyncAt *time.Time) (poisync.PullResponse, error)
	Stats(ctx context.Context, userID string) (poisync.RecordCounts, error)
}

type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// WithRetries overrides the retry budget. A zero max disables retries.
func (c *HTTPClient) WithRetries(max int, baseDelay, maxDelay time.Duration) *HTTPClient {
	if max < 0 {
		max = 0
	}
	c.maxRetries = max
	c.baseDelay = baseDelay
	c.maxDelay = maxDelay
	return c
}

func (c *HTTPClient) Push(ctx context.Context, req poisync.PushRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/sync/push", req, nil)
}

func (c *HTTPClient) Pull(ctx context.Context, userID string, lastSyncAt *time.Time) (poisync.PullResponse, error) {
	q := url.Values{}
	q.Set("userId", userID)
	if lastSyncAt != nil {
		q.Set("lastSyncAt", lastSyncAt.UTC().Format(time.RFC3339Nano))
	}
	var out poisync.PullResponse
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/sync/pull?"+q.Encode(), nil, &out)
	return out, err
}

func (c *HTTPClient) Stats(ctx context.Context, userID string) (poisync.RecordCounts, error) {
	q := url.Values{}
	q.Set("userId", userID)
	var out poisync.RecordCounts
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/sync/stats?"+q.Encode(), nil, &out)
	return out, err
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	correlationID := uuid.New().String()
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("X-Correlation-Id", correlationID)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		httpErr := &HTTPError{StatusCode: resp.StatusCode, CorrelationID: correlationID}
		if httpErr.Temporary() && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		httpErr.Code = errPayload.Code
		httpErr.Message = errPayload.Message
		if httpErr.Message == "" {
			httpErr.Message = http.StatusText(resp.StatusCode)
		}
		return httpErr
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
