package adminclient

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

	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/google/uuid"
)

// HTTPError is a non-2xx admin API answer. Code is set for {code, message} bodies.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// Client calls a relaysync server's admin routes with a bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func New(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) Health(ctx context.Context) (relaysync.Health, error) {
	var out relaysync.Health
	err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, &out)
	return out, err
}

func (c *Client) Stats(ctx context.Context) (relaysync.Stats, error) {
	var out relaysync.Stats
	err := c.doJSON(ctx, http.MethodGet, "/v1/events/stats", nil, &out)
	return out, err
}

func (c *Client) GetEvent(ctx context.Context, id string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.doJSON(ctx, http.MethodGet, "/v1/events/"+url.PathEscape(id), nil, &out)
	return out, err
}

// TriggerSync never retries: a repeated trigger would only be rejected as in progress.
func (c *Client) TriggerSync(ctx context.Context, req relaysync.SyncRequest) (relaysync.SyncTriggerResult, error) {
	body := map[string]any{"mode": req.Mode}
	if req.ProjectID != "" {
		body["projectId"] = req.ProjectID
	}
	if !req.From.IsZero() {
		body["from"] = req.From
	}
	if !req.To.IsZero() {
		body["to"] = req.To
	}
	var out relaysync.SyncTriggerResult
	err := c.do(ctx, http.MethodPost, "/v1/instances/"+url.PathEscape(req.InstanceID)+"/sync", body, &out, false)
	return out, err
}

func (c *Client) RetryEvent(ctx context.Context, id string) (relaysync.RetryResult, error) {
	var out relaysync.RetryResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/events/"+url.PathEscape(id)+"/retry", nil, &out)
	return out, err
}

func (c *Client) RetryEvents(ctx context.Context, ids []string) (relaysync.BatchRetryResult, error) {
	var out relaysync.BatchRetryResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/events/retry", map[string]any{"ids": ids}, &out)
	return out, err
}

func (c *Client) SyncStatus(ctx context.Context, mappingID string) (relaysync.SyncStatus, error) {
	var out relaysync.SyncStatus
	err := c.doJSON(ctx, http.MethodGet, "/v1/mappings/"+url.PathEscape(mappingID)+"/sync-status", nil, &out)
	return out, err
}

func (c *Client) SyncStatuses(ctx context.Context, instanceID string) ([]relaysync.SyncStatus, error) {
	var out struct {
		Statuses []relaysync.SyncStatus `json:"statuses"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/v1/sync-status?instanceId="+url.QueryEscape(instanceID), nil, &out)
	return out.Statuses, err
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	return c.do(ctx, method, requestPath, body, out, true)
}

func (c *Client) do(ctx context.Context, method, requestPath string, body any, out any, retry bool) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		canRetry := retry && attempt < c.maxRetries
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", "cli_"+uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if canRetry {
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

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && canRetry {
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
		// {success, message} bodies still carry per-mapping detail worth returning.
		if out != nil && errPayload.Code == "" {
			_ = json.Unmarshal(payloadBytes, out)
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if header := strings.TrimSpace(retryAfterHeader); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
			if d := time.Duration(seconds) * time.Second; d < c.maxDelay {
				return d
			}
			return c.maxDelay
		}
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
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
