package pollclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{TenantID: "acme"})
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "http://localhost"})
	assert.Error(t, err)

	c, err := New(Config{BaseURL: "http://localhost/", TenantID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, DefaultInterval, c.interval)
	assert.Equal(t, DefaultMaxPolls, c.maxPolls)
	assert.Equal(t, "http://localhost", c.baseURL)
}

func TestSubmitSendsImageAndIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/generate", r.URL.Path)
		assert.Equal(t, "acme", r.Header.Get("X-Tenant-Id"))
		assert.Equal(t, "u1", r.Header.Get("X-User-Id"))
		assert.Equal(t, "upload-7", r.Header.Get("Idempotency-Key"))

		var body submitBody
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("jpeg")), body.Image)
		assert.Equal(t, "quality", body.Model)

		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"data":{"job_id":"op_1","estimated_time_seconds":300,"state":"submitted"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	sub, err := c.Submit(context.Background(), SubmitRequest{Image: []byte("jpeg"), Model: "quality", IdempotencyKey: "upload-7"})
	require.NoError(t, err)
	assert.Equal(t, "op_1", sub.JobID)
	assert.Equal(t, 5*time.Minute, sub.EstimatedTime)
	assert.Equal(t, StateSubmitted, sub.State)
}

func TestSubmitInsufficientBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"type":"insufficient_balance","message":"insufficient balance"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, 3).Submit(context.Background(), SubmitRequest{Prompt: "basalt"})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "insufficient_balance", apiErr.Type)
}

func TestWaitSkipsTransientFailures(t *testing.T) {
	responses := []struct {
		status int
		body   string
	}{
		{http.StatusOK, `{"data":{"job_id":"op_1","state":"in_progress","progress":10}}`},
		{http.StatusServiceUnavailable, `{"error":{"type":"provider_unavailable","message":"down"}}`},
		{http.StatusTooManyRequests, `{"error":{"type":"rate_limited","message":"slow down"}}`},
		{http.StatusOK, `{"data":{"job_id":"op_1","state":"in_progress","progress":60}}`},
		{http.StatusOK, `{"data":{"job_id":"op_1","state":"succeeded","progress":100,"asset":{"archived_url":"https://cdn.test/w.spz","backed_up":true}}}`},
	}
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "op_1", r.URL.Query().Get("job_id"))
		resp := responses[calls.Add(1)-1]
		w.WriteHeader(resp.status)
		_, _ = w.Write([]byte(resp.body))
	}))
	defer srv.Close()

	var seen []int
	view, err := newTestClient(t, srv.URL, 10).Wait(context.Background(), "op_1", func(v *JobView) {
		seen = append(seen, v.Progress)
	})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, view.State)
	require.NotNil(t, view.Asset)
	assert.True(t, view.Asset.BackedUp)
	assert.Equal(t, []int{10, 60, 100}, seen)
	assert.Equal(t, int32(5), calls.Load())
}

func TestWaitReturnsProviderFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"job_id":"op_1","state":"failed","progress":40,"error":"model overload"}}`))
	}))
	defer srv.Close()

	view, err := newTestClient(t, srv.URL, 10).Wait(context.Background(), "op_1", nil)
	assert.ErrorIs(t, err, ErrJobFailed)
	assert.Contains(t, err.Error(), "model overload")
	require.NotNil(t, view)
	assert.Equal(t, StateFailed, view.State)
}

func TestWaitStopsAtPollCap(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"data":{"job_id":"op_1","state":"in_progress","progress":5}}`))
	}))
	defer srv.Close()

	view, err := newTestClient(t, srv.URL, 3).Wait(context.Background(), "op_1", nil)
	assert.ErrorIs(t, err, ErrTimeout)
	require.NotNil(t, view)
	assert.Equal(t, StateInProgress, view.State)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWaitServerTimedOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"job_id":"op_1","state":"timed_out","error":"poll attempts exhausted"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, 3).Wait(context.Background(), "op_1", nil)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWaitUnknownJob(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"type":"not_found","message":"resource not found"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, 5).Wait(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWaitHonoursCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"job_id":"op_1","state":"in_progress"}}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, TenantID: "acme", Interval: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Wait(ctx, "op_1", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&TransientError{Err: context.DeadlineExceeded}))
	assert.True(t, IsTransient(&APIError{StatusCode: http.StatusBadGateway}))
	assert.True(t, IsTransient(&APIError{StatusCode: http.StatusTooManyRequests}))
	assert.False(t, IsTransient(&APIError{StatusCode: http.StatusBadRequest}))
	assert.False(t, IsTransient(ErrJobFailed))
}

func TestBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "user", r.URL.Query().Get("scope"))
		_, _ = w.Write([]byte(`{"data":{"balance":"0.40","currency":"USD","scope":"user"}}`))
	}))
	defer srv.Close()

	bal, err := newTestClient(t, srv.URL, 1).Balance(context.Background(), "user")
	require.NoError(t, err)
	assert.Equal(t, "0.40", bal.Balance)
	assert.Equal(t, "user", bal.Scope)
}

func newTestClient(t *testing.T, baseURL string, maxPolls int) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:  baseURL,
		TenantID: "acme",
		UserID:   "u1",
		Interval: time.Millisecond,
		MaxPolls: maxPolls,
	})
	require.NoError(t, err)
	return c
}
