package stagelinesdk

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
)

// Client is a minimal Stageline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// Login is sent as X-Stageline-Login when neither credential is set.
	Login      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Action struct {
	Type          string `json:"type"`
	SourceProject string `json:"source_project,omitempty"`
	SourcePackage string `json:"source_package,omitempty"`
	TargetProject string `json:"target_project"`
	TargetPackage string `json:"target_package,omitempty"`
}

type ReviewSubject struct {
	Scope string `json:"scope"`
	ID    string `json:"id"`
}

type Review struct {
	ID      string        `json:"id"`
	Subject ReviewSubject `json:"subject"`
	State   string        `json:"state"`
	Reason  string        `json:"reason,omitempty"`
}

// Request is a change request as seen by the API.
type Request struct {
	ID             string   `json:"id"`
	State          string   `json:"state"`
	Creator        string   `json:"creator"`
	Description    string   `json:"description,omitempty"`
	StagingProject *string  `json:"staging_project,omitempty"`
	Actions        []Action `json:"actions"`
	Reviews        []Review `json:"reviews"`
	AcceptedAt     *string  `json:"accepted_at,omitempty"`
	// Blocking is only set in staging status details.
	Blocking bool `json:"blocking,omitempty"`
}

type StagingSummary struct {
	ID         string   `json:"id"`
	WorkflowID string   `json:"workflow_id"`
	State      string   `json:"state"`
	Requests   []string `json:"requests"`
	CreatedAt  string   `json:"created_at"`
}

type StagingStatus struct {
	StagingSummary
	Blocking []string  `json:"blocking"`
	Details  []Request `json:"details"`
}

// Job is a queued accept run.
type Job struct {
	ID           string  `json:"id"`
	Type         string  `json:"type"`
	State        string  `json:"state"`
	AttemptCount int     `json:"attempt_count"`
	LastError    string  `json:"last_error,omitempty"`
	Result       string  `json:"result_json,omitempty"`
	RequestedBy  string  `json:"requested_by"`
	CreatedAt    string  `json:"created_at"`
	FinishedAt   *string `json:"finished_at,omitempty"`
}

// Done reports whether the job reached a terminal state.
func (j Job) Done() bool {
	return j.State == "succeeded" || j.State == "failed"
}

type AcceptResult struct {
	Project string `json:"project"`
	State   string `json:"state,omitempty"`
	Job     *Job   `json:"job,omitempty"`
	Created bool   `json:"created,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

// DevLogin exchanges a login for a dev token and keeps it on the client.
func (c *Client) DevLogin(ctx context.Context, login string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]string{"login": login}, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// ListStaging lists staging projects, optionally of one workflow.
func (c *Client) ListStaging(ctx context.Context, workflow string) ([]StagingSummary, error) {
	endpoint := "staging"
	if workflow != "" {
		endpoint += "?workflow=" + url.QueryEscape(workflow)
	}
	var resp []StagingSummary
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// StagingStatus returns a staging project with its overall state.
func (c *Client) StagingStatus(ctx context.Context, project string) (StagingStatus, error) {
	var resp StagingStatus
	err := c.do(ctx, http.MethodGet, "staging/"+url.PathEscape(project), nil, &resp)
	return resp, err
}

// Accept accepts a staging project. With async set the server queues a job
// and the result carries it instead of a state.
func (c *Client) Accept(ctx context.Context, project string, async bool) (AcceptResult, error) {
	endpoint := "staging/" + url.PathEscape(project) + "/accept"
	if async {
		endpoint += "?async=true"
	}
	var resp AcceptResult
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// GetJob fetches a job by id.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, "jobs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// WaitJob polls a job until it finishes or ctx ends.
func (c *Client) WaitJob(ctx context.Context, id string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil || job.Done() {
			return job, err
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetRequest fetches a request by id.
func (c *Client) GetRequest(ctx context.Context, id string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, "requests/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing for a project.
func (c *Client) EventsPage(ctx context.Context, project string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if project != "" {
		q.Set("project", project)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.Login != "":
		req.Header.Set("X-Stageline-Login", c.Login)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// base returns the API root; a bare host gets the default /v0 prefix.
func (c *Client) base() string {
	b := strings.TrimRight(c.BaseURL, "/")
	if u, err := url.Parse(b); err == nil && (u.Path == "" || u.Path == "/") {
		return b + "/v0"
	}
	return b
}
