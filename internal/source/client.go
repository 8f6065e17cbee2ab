package source

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

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultPerPage  = 100
	defaultMaxPages = 50
)

// HTTPError is a non-2xx answer from the platform API after retries ran out.
type HTTPError struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: http %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: http %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Temporary is true for rate limiting and server errors.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || (e.StatusCode >= 500 && e.StatusCode <= 599)
}

type ClientOptions struct {
	HTTPClient *http.Client
	Logger     logrus.FieldLogger
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	PerPage    int
	MaxPages   int
}

// Client talks to a GitLab-style REST v4 API with a private token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        logrus.FieldLogger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	perPage    int
	maxPages   int
}

func NewClient(baseURL, token string, opts ClientOptions) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !strings.HasSuffix(baseURL, "/api/v4") {
		baseURL += "/api/v4"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 200 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 10 * time.Second
	}
	if opts.PerPage <= 0 {
		opts.PerPage = defaultPerPage
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: opts.HTTPClient,
		log:        opts.Logger,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		perPage:    opts.PerPage,
		maxPages:   opts.MaxPages,
	}
}

// ListParams narrows list endpoints. Zero values are omitted.
type ListParams struct {
	UpdatedAfter  time.Time
	UpdatedBefore time.Time
	State         string
	Ref           string
}

func (p ListParams) query() url.Values {
	q := url.Values{}
	if !p.UpdatedAfter.IsZero() {
		q.Set("updated_after", p.UpdatedAfter.UTC().Format(time.RFC3339))
	}
	if !p.UpdatedBefore.IsZero() {
		q.Set("updated_before", p.UpdatedBefore.UTC().Format(time.RFC3339))
	}
	if p.State != "" {
		q.Set("state", p.State)
	}
	if p.Ref != "" {
		q.Set("ref_name", p.Ref)
	}
	return q
}

func projectPath(projectID int64, parts ...string) string {
	p := "/projects/" + strconv.FormatInt(projectID, 10)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

func (c *Client) ListIssues(ctx context.Context, projectID int64, params ListParams) ([]Issue, error) {
	var out []Issue
	err := c.paginate(ctx, projectPath(projectID, "issues"), params.query(), func(raw []byte) error {
		var page []Issue
		if err := json.Unmarshal(raw, &page); err != nil {
			return err
		}
		out = append(out, page...)
		return nil
	})
	return out, err
}

func (c *Client) GetIssue(ctx context.Context, projectID, iid int64) (Issue, error) {
	var issue Issue
	_, err := c.doJSON(ctx, http.MethodGet, projectPath(projectID, "issues", strconv.FormatInt(iid, 10)), nil, nil, &issue)
	return issue, err
}

func (c *Client) CreateIssue(ctx context.Context, projectID int64, in IssueInput) (Issue, error) {
	var issue Issue
	_, err := c.doJSON(ctx, http.MethodPost, projectPath(projectID, "issues"), nil, in, &issue)
	return issue, err
}

func (c *Client) UpdateIssue(ctx context.Context, projectID, iid int64, in IssueInput) (Issue, error) {
	var issue Issue
	_, err := c.doJSON(ctx, http.MethodPut, projectPath(projectID, "issues", strconv.FormatInt(iid, 10)), nil, in, &issue)
	return issue, err
}

func (c *Client) ListMergeRequests(ctx context.Context, projectID int64, params ListParams) ([]MergeRequest, error) {
	var out []MergeRequest
	err := c.paginate(ctx, projectPath(projectID, "merge_requests"), params.query(), func(raw []byte) error {
		var page []MergeRequest
		if err := json.Unmarshal(raw, &page); err != nil {
			return err
		}
		out = append(out, page...)
		return nil
	})
	return out, err
}

func (c *Client) UpdateMergeRequest(ctx context.Context, projectID, iid int64, in MergeRequestInput) (MergeRequest, error) {
	var mr MergeRequest
	_, err := c.doJSON(ctx, http.MethodPut, projectPath(projectID, "merge_requests", strconv.FormatInt(iid, 10)), nil, in, &mr)
	return mr, err
}

func (c *Client) ListPipelines(ctx context.Context, projectID int64, params ListParams) ([]Pipeline, error) {
	q := params.query()
	if ref := q.Get("ref_name"); ref != "" {
		q.Del("ref_name")
		q.Set("ref", ref)
	}
	var out []Pipeline
	err := c.paginate(ctx, projectPath(projectID, "pipelines"), q, func(raw []byte) error {
		var page []Pipeline
		if err := json.Unmarshal(raw, &page); err != nil {
			return err
		}
		out = append(out, page...)
		return nil
	})
	return out, err
}

// ListCommits lists commits of ref (default branch when empty) created in the window.
func (c *Client) ListCommits(ctx context.Context, projectID int64, params ListParams) ([]Commit, error) {
	q := url.Values{}
	if !params.UpdatedAfter.IsZero() {
		q.Set("since", params.UpdatedAfter.UTC().Format(time.RFC3339))
	}
	if !params.UpdatedBefore.IsZero() {
		q.Set("until", params.UpdatedBefore.UTC().Format(time.RFC3339))
	}
	if params.Ref != "" {
		q.Set("ref_name", params.Ref)
	}
	var out []Commit
	err := c.paginate(ctx, projectPath(projectID, "repository", "commits"), q, func(raw []byte) error {
		var page []Commit
		if err := json.Unmarshal(raw, &page); err != nil {
			return err
		}
		out = append(out, page...)
		return nil
	})
	return out, err
}

func (c *Client) ListHooks(ctx context.Context, projectID int64) ([]Hook, error) {
	var out []Hook
	err := c.paginate(ctx, projectPath(projectID, "hooks"), url.Values{}, func(raw []byte) error {
		var page []Hook
		if err := json.Unmarshal(raw, &page); err != nil {
			return err
		}
		out = append(out, page...)
		return nil
	})
	return out, err
}

func (c *Client) CreateHook(ctx context.Context, projectID int64, in HookInput) (Hook, error) {
	var hook Hook
	_, err := c.doJSON(ctx, http.MethodPost, projectPath(projectID, "hooks"), nil, in, &hook)
	return hook, err
}

func (c *Client) DeleteHook(ctx context.Context, projectID, hookID int64) error {
	_, err := c.doJSON(ctx, http.MethodDelete, projectPath(projectID, "hooks", strconv.FormatInt(hookID, 10)), nil, nil, nil)
	return err
}

// paginate follows X-Next-Page until it is empty or maxPages is reached.
func (c *Client) paginate(ctx context.Context, path string, q url.Values, page func([]byte) error) error {
	q.Set("per_page", strconv.Itoa(c.perPage))
	next := "1"
	for n := 0; next != "" && n < c.maxPages; n++ {
		q.Set("page", next)
		var raw json.RawMessage
		headers, err := c.doJSON(ctx, http.MethodGet, path, q, nil, &raw)
		if err != nil {
			return err
		}
		if len(raw) > 0 {
			if err := page(raw); err != nil {
				return fmt.Errorf("decode %s page %s: %w", path, next, err)
			}
		}
		next = strings.TrimSpace(headers.Get("X-Next-Page"))
	}
	if next != "" {
		c.log.WithField("path", path).Warnf("pagination stopped after %d pages", c.maxPages)
	}
	return nil
}

func (c *Client) doJSON(
	ctx context.Context,
	method, requestPath string,
	query url.Values,
	body any,
	out any,
) (http.Header, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	target := c.baseURL + requestPath
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("PRIVATE-TOKEN", c.token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Request-Id", uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				c.log.WithFields(logrus.Fields{"path": requestPath, "attempt": attempt + 1}).Debugf("source request failed: %v", err)
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return resp.Header, nil
			}
			if err := json.Unmarshal(payloadBytes, out); err != nil {
				return resp.Header, fmt.Errorf("decode %s %s: %w", method, requestPath, err)
			}
			return resp.Header, nil
		}

		httpErr := &HTTPError{StatusCode: resp.StatusCode, Method: method, Path: requestPath, Message: errorMessage(payloadBytes)}
		if httpErr.Temporary() && attempt < c.maxRetries {
			c.log.WithFields(logrus.Fields{"path": requestPath, "status": resp.StatusCode, "attempt": attempt + 1}).Debug("source request throttled or failed, retrying")
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		return resp.Header, httpErr
	}
}

// errorMessage extracts {"message": ...} or {"error": ...}; message may be a string or an
// object of field errors.
func errorMessage(body []byte) string {
	var payload struct {
		Message json.RawMessage `json:"message"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return strings.TrimSpace(string(body))
	}
	if len(payload.Message) > 0 {
		var s string
		if err := json.Unmarshal(payload.Message, &s); err == nil {
			return s
		}
		return string(payload.Message)
	}
	return payload.Error
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
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

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
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
