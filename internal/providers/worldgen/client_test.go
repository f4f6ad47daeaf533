package worldgen

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smallbiznis/slabworks/internal/config"
	generationdomain "github.com/smallbiznis/slabworks/internal/generation/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Params{Config: config.Config{WorldGen: config.WorldGenConfig{BaseURL: "http://x"}}, Log: zap.NewNop()})
	assert.ErrorIs(t, err, generationdomain.ErrConfiguration)
}

func TestStartJobSendsImageAndModel(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/worlds:generate", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get(headerAPIKey))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"operation_id":"op_123","done":false}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	id, err := c.StartJob(context.Background(), generationdomain.StartJobRequest{
		Image:  generationdomain.Image{Data: []byte("jpeg"), MIMEType: "image/jpeg"},
		Prompt: "calacatta kitchen island",
		Model:  generationdomain.ModelQuality,
		Tags:   map[string]any{"order_id": "o-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "op_123", id)
	assert.Equal(t, "marble-plus", got.Model)
	assert.Equal(t, "image", got.WorldPrompt.Type)
	require.NotNil(t, got.WorldPrompt.ImagePrompt)
	assert.Equal(t, "data_base64", got.WorldPrompt.ImagePrompt.Source)
	assert.Equal(t, "anBlZw==", got.WorldPrompt.ImagePrompt.DataBase64)
	assert.Equal(t, "o-1", got.Tags["order_id"])
}

func TestStartJobRejectsEmptyInput(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	_, err := c.StartJob(context.Background(), generationdomain.StartJobRequest{Model: generationdomain.ModelFast})
	assert.ErrorIs(t, err, generationdomain.ErrInvalidInput)
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, generationdomain.ErrConfiguration},
		{http.StatusForbidden, generationdomain.ErrConfiguration},
		{http.StatusBadRequest, generationdomain.ErrInvalidInput},
		{http.StatusUnprocessableEntity, generationdomain.ErrInvalidInput},
		{http.StatusTooManyRequests, generationdomain.ErrProviderUnavailable},
		{http.StatusBadGateway, generationdomain.ErrProviderUnavailable},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
		}))
		c := newTestClient(t, srv.URL)
		_, err := c.StartJob(context.Background(), generationdomain.StartJobRequest{Prompt: "p", Model: generationdomain.ModelFast})
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)
		srv.Close()
	}
}

func TestNetworkErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newTestClient(t, url)
	_, err := c.PollJob(context.Background(), "op_1")
	assert.ErrorIs(t, err, generationdomain.ErrProviderUnavailable)
}

func TestPollJobParsesProgressAndCompletion(t *testing.T) {
	responses := []string{
		`{"operation_id":"op_1","done":false,"metadata":{"progress_percentage":42.5}}`,
		`{"operation_id":"op_1","done":true,"response":{"world_id":"w_9"}}`,
		`{"operation_id":"op_1","done":true,"error":{"message":"content policy violation"}}`,
	}
	call := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/operations/op_1", r.URL.Path)
		_, _ = w.Write([]byte(responses[call]))
		call++
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	res, err := c.PollJob(ctx, "op_1")
	require.NoError(t, err)
	assert.False(t, res.Done)
	assert.Equal(t, 42, res.Progress)

	res, err = c.PollJob(ctx, "op_1")
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Equal(t, "w_9", res.ResultID)
	assert.Empty(t, res.Error)

	res, err = c.PollJob(ctx, "op_1")
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Equal(t, "content policy violation", res.Error)
}

func TestFetchResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/worlds/gone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"world_id":"w_9","world_url":"https://cdn.example/w_9.spz","thumbnail_url":"https://cdn.example/w_9.jpg","caption":"A kitchen"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	asset, err := c.FetchResult(context.Background(), "w_9")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/w_9.spz", asset.ProviderURL)
	assert.Equal(t, "A kitchen", asset.Caption)

	_, err = c.FetchResult(context.Background(), "gone")
	assert.ErrorIs(t, err, generationdomain.ErrResultNotFound)
}

func TestRequestTimeoutIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.PollJob(ctx, "op_1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, generationdomain.ErrProviderUnavailable))
	assert.Equal(t, "timeout", outcomeFor(err))
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(Params{
		Config: config.Config{WorldGen: config.WorldGenConfig{
			APIKey:         "secret",
			BaseURL:        baseURL,
			FastModel:      "marble-mini",
			QualityModel:   "marble-plus",
			RequestTimeout: 2 * time.Second,
		}},
		Log: zap.NewNop(),
	})
	require.NoError(t, err)
	return c
}
