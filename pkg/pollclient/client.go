// Package pollclient submits generation jobs and polls them to completion over HTTP.
package pollclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/slabworks/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultMaxPolls = 120

	defaultRequestTimeout = 30 * time.Second
)

type Config struct {
	BaseURL  string
	TenantID string
	UserID   string
	// Interval is the pause between status polls.
	Interval time.Duration
	// MaxPolls caps the number of status polls one Wait performs.
	MaxPolls   int
	HTTPClient *http.Client
	Logger     *zap.Logger
}

type Client struct {
	baseURL  string
	tenantID string
	userID   string
	interval time.Duration
	maxPolls int
	http     *http.Client
	log      *zap.Logger
}

func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("pollclient: base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("pollclient: invalid base url: %w", err)
	}
	tenantID := strings.TrimSpace(cfg.TenantID)
	if tenantID == "" {
		return nil, errors.New("pollclient: tenant id is required")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	maxPolls := cfg.MaxPolls
	if maxPolls <= 0 {
		maxPolls = DefaultMaxPolls
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Client{
		baseURL:  baseURL,
		tenantID: tenantID,
		userID:   strings.TrimSpace(cfg.UserID),
		interval: interval,
		maxPolls: maxPolls,
		http:     httpClient,
		log:      log.Named("pollclient"),
	}, nil
}

type SubmitRequest struct {
	Image    []byte
	ImageURL string
	Prompt   string
	Model    string
	OrderID  string
	PhotoID  string
	Tags     map[string]any
	// IdempotencyKey makes a retried submit return the original job.
	IdempotencyKey string
}

type Submission struct {
	JobID         string
	EstimatedTime time.Duration
	State         string
}

type Asset struct {
	ProviderURL  string  `json:"provider_url"`
	ArchivedURL  *string `json:"archived_url"`
	ThumbnailURL string  `json:"thumbnail_url"`
	Caption      *string `json:"caption"`
	BackedUp     bool    `json:"backed_up"`
}

type JobView struct {
	JobID        string     `json:"job_id"`
	State        string     `json:"state"`
	Progress     int        `json:"progress"`
	Model        string     `json:"model"`
	OrderID      *string    `json:"order_id"`
	PhotoID      *string    `json:"photo_id"`
	Error        *string    `json:"error"`
	Asset        *Asset     `json:"asset"`
	Cost         string     `json:"cost"`
	Charged      bool       `json:"charged"`
	BalanceAfter *string    `json:"balance_after"`
	PollAttempts int        `json:"poll_attempts"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at"`
}

const (
	StateSubmitted  = "submitted"
	StateInProgress = "in_progress"
	StateSucceeded  = "succeeded"
	StateFailed     = "failed"
	StateTimedOut   = "timed_out"
)

// Terminal reports whether the server will not change the job again.
func (v *JobView) Terminal() bool {
	switch v.State {
	case StateSucceeded, StateFailed, StateTimedOut:
		return true
	default:
		return false
	}
}

type Balance struct {
	Balance  string `json:"balance"`
	Currency string `json:"currency"`
	Scope    string `json:"scope"`
}

type submitBody struct {
	Image    string         `json:"image,omitempty"`
	ImageURL string         `json:"image_url,omitempty"`
	Prompt   string         `json:"prompt,omitempty"`
	Model    string         `json:"model,omitempty"`
	OrderID  string         `json:"order_id,omitempty"`
	PhotoID  string         `json:"photo_id,omitempty"`
	Tags     map[string]any `json:"tags,omitempty"`
}

type submitData struct {
	JobID                string `json:"job_id"`
	EstimatedTimeSeconds int64  `json:"estimated_time_seconds"`
	State                string `json:"state"`
}

type envelope[T any] struct {
	Data T `json:"data"`
}

// Submit starts one generation job. It is not retried: without an idempotency
// key a second submit is a second job and a second charge.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	body := submitBody{
		ImageURL: strings.TrimSpace(req.ImageURL),
		Prompt:   req.Prompt,
		Model:    req.Model,
		OrderID:  req.OrderID,
		PhotoID:  req.PhotoID,
		Tags:     req.Tags,
	}
	if len(req.Image) > 0 {
		body.Image = base64.StdEncoding.EncodeToString(req.Image)
	}

	headers := map[string]string{}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		headers["Idempotency-Key"] = key
	}

	var out envelope[submitData]
	if err := c.do(ctx, http.MethodPost, "/generate", body, headers, &out); err != nil {
		return nil, err
	}
	return &Submission{
		JobID:         out.Data.JobID,
		EstimatedTime: time.Duration(out.Data.EstimatedTimeSeconds) * time.Second,
		State:         out.Data.State,
	}, nil
}

// Status advances the job by at most one provider poll and returns its view.
func (c *Client) Status(ctx context.Context, jobID string) (*JobView, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, ErrJobNotFound
	}
	var out envelope[*JobView]
	if err := c.do(ctx, http.MethodGet, "/generate?job_id="+url.QueryEscape(jobID), nil, nil, &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		return nil, fmt.Errorf("%w: empty job view", ErrUnexpectedResponse)
	}
	return out.Data, nil
}

// Balance reads the tenant balance, or the user's with scope "user".
func (c *Client) Balance(ctx context.Context, scope string) (*Balance, error) {
	path := "/balance"
	if scope = strings.TrimSpace(scope); scope != "" {
		path += "?scope=" + url.QueryEscape(scope)
	}
	var out envelope[Balance]
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Tenant-Id", c.tenantID)
	if c.userID != "" {
		req.Header.Set("X-User-Id", c.userID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	correlation.Inject(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &TransientError{Err: err}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return newAPIError(resp, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	return nil
}
