package worldgen

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

	"github.com/smallbiznis/slabworks/internal/config"
	generationdomain "github.com/smallbiznis/slabworks/internal/generation/domain"
	"github.com/smallbiznis/slabworks/internal/observability/metrics"
	"github.com/smallbiznis/slabworks/internal/observability/tracing"
	"github.com/smallbiznis/slabworks/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	headerAPIKey   = "X-Api-Key"
	maxErrorBody   = 4 << 10
	tracerName     = "slabworks/worldgen"
	defaultTimeout = 30 * time.Second
)

type Params struct {
	fx.In

	Config     config.Config
	Log        *zap.Logger
	Metrics    *metrics.GenerationMetrics `optional:"true"`
	HTTPClient *http.Client               `optional:"true"`
}

// Client talks to the world-generation API.
type Client struct {
	apiKey     string
	baseURL    string
	models     map[generationdomain.Model]string
	httpClient *http.Client
	log        *zap.Logger
	metrics    *metrics.GenerationMetrics
	tracer     trace.Tracer
}

// New builds the client. An empty API key is a configuration error and keeps
// the process from starting.
func New(p Params) (*Client, error) {
	cfg := p.Config.WorldGen
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: worldgen api key is required", generationdomain.ErrConfiguration)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: worldgen base url is required", generationdomain.ErrConfiguration)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("%w: worldgen base url: %v", generationdomain.ErrConfiguration, err)
	}

	httpClient := p.HTTPClient
	if httpClient == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		models: map[generationdomain.Model]string{
			generationdomain.ModelFast:    strings.TrimSpace(cfg.FastModel),
			generationdomain.ModelQuality: strings.TrimSpace(cfg.QualityModel),
		},
		httpClient: httpClient,
		log:        log.Named("worldgen.client"),
		metrics:    p.Metrics,
		tracer:     otel.Tracer(tracerName),
	}, nil
}

func (c *Client) StartJob(ctx context.Context, req generationdomain.StartJobRequest) (string, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if req.Image.Empty() && prompt == "" {
		return "", fmt.Errorf("%w: image or prompt is required", generationdomain.ErrInvalidInput)
	}
	model, ok := c.models[req.Model]
	if !ok || model == "" {
		return "", fmt.Errorf("%w: %q", generationdomain.ErrInvalidModel, req.Model)
	}

	payload := generateRequest{
		Model: model,
		WorldPrompt: worldPrompt{
			TextPrompt: prompt,
		},
		Tags: req.Tags,
	}
	switch {
	case len(req.Image.Data) > 0:
		payload.WorldPrompt.Type = "image"
		payload.WorldPrompt.ImagePrompt = &imagePrompt{
			Source:     "data_base64",
			DataBase64: base64.StdEncoding.EncodeToString(req.Image.Data),
			MIMEType:   req.Image.MIMEType,
		}
	case req.Image.URL != "":
		payload.WorldPrompt.Type = "image"
		payload.WorldPrompt.ImagePrompt = &imagePrompt{
			Source: "uri",
			URI:    req.Image.URL,
		}
	default:
		payload.WorldPrompt.Type = "text"
	}

	var out operationResponse
	if err := c.do(ctx, metrics.ProviderOpStart, http.MethodPost, "/worlds:generate", payload, &out); err != nil {
		return "", err
	}
	if out.OperationID == "" {
		return "", fmt.Errorf("%w: start response missing operation id", generationdomain.ErrProviderUnavailable)
	}
	return out.OperationID, nil
}

func (c *Client) PollJob(ctx context.Context, jobID string) (*generationdomain.PollResult, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, generationdomain.ErrInvalidJobID
	}

	var out operationResponse
	if err := c.do(ctx, metrics.ProviderOpPoll, http.MethodGet, "/operations/"+url.PathEscape(jobID), nil, &out); err != nil {
		return nil, err
	}

	res := &generationdomain.PollResult{
		Done:     out.Done,
		Progress: clampProgress(out.Metadata.ProgressPercentage),
	}
	if out.Error != nil {
		res.Error = out.Error.Message
		if res.Error == "" {
			res.Error = "generation failed"
		}
	}
	if out.Response != nil {
		res.ResultID = out.Response.WorldID
	}
	if res.Done && res.Error == "" && res.ResultID == "" {
		return nil, fmt.Errorf("%w: completed operation missing world id", generationdomain.ErrProviderUnavailable)
	}
	return res, nil
}

func (c *Client) FetchResult(ctx context.Context, resultID string) (*generationdomain.ProviderAsset, error) {
	resultID = strings.TrimSpace(resultID)
	if resultID == "" {
		return nil, generationdomain.ErrResultNotFound
	}

	var out worldResponse
	if err := c.do(ctx, metrics.ProviderOpResult, http.MethodGet, "/worlds/"+url.PathEscape(resultID), nil, &out); err != nil {
		return nil, err
	}
	if out.WorldURL == "" {
		return nil, fmt.Errorf("%w: world %s has no asset url", generationdomain.ErrResultNotFound, resultID)
	}
	return &generationdomain.ProviderAsset{
		ProviderURL:  out.WorldURL,
		ThumbnailURL: out.ThumbnailURL,
		Caption:      out.Caption,
	}, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "worldgen."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(tracing.SafeAttributes(
		attribute.String("http.method", method),
		attribute.String("worldgen.operation", op),
	)...)
	start := time.Now()
	defer func() {
		c.metrics.ObserveProviderRequest(op, outcomeFor(err), time.Since(start))
		if err != nil {
			safe := tracing.SafeError(err)
			span.RecordError(safe)
			span.SetStatus(codes.Error, safe.Error())
		}
		span.End()
	}()

	var reader io.Reader
	if body != nil {
		buf, marshalErr := json.Marshal(body)
		if marshalErr != nil {
			return fmt.Errorf("%w: encode request: %v", generationdomain.ErrInvalidInput, marshalErr)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", generationdomain.ErrConfiguration, err)
	}
	req.Header.Set(headerAPIKey, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	correlation.Inject(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", generationdomain.ErrProviderUnavailable, ctxErr)
		}
		return fmt.Errorf("%w: %v", generationdomain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= http.StatusBadRequest {
		return c.statusError(op, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", generationdomain.ErrProviderUnavailable, op, err)
	}
	return nil
}

func (c *Client) statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	message := strings.TrimSpace(string(raw))
	var decoded errorResponse
	if json.Unmarshal(raw, &decoded) == nil {
		if m := strings.TrimSpace(decoded.message()); m != "" {
			message = m
		}
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	c.log.Warn("worldgen request rejected",
		zap.String("operation", op),
		zap.Int("status", resp.StatusCode),
		zap.String("message", tracing.SafeError(errors.New(message)).Error()),
	)

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: provider rejected credentials (%d)", generationdomain.ErrConfiguration, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound && op == metrics.ProviderOpResult:
		return fmt.Errorf("%w: %s", generationdomain.ErrResultNotFound, message)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", generationdomain.ErrJobNotFound, message)
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", generationdomain.ErrInvalidInput, message)
	default:
		return fmt.Errorf("%w: status %d: %s", generationdomain.ErrProviderUnavailable, resp.StatusCode, message)
	}
}

func outcomeFor(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeTimeout
	case errors.Is(err, generationdomain.ErrResultNotFound), errors.Is(err, generationdomain.ErrJobNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, generationdomain.ErrProviderUnavailable):
		return metrics.OutcomeUnavailable
	default:
		return metrics.OutcomeRejected
	}
}

func clampProgress(p float64) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return int(p)
	}
}
