package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/smallbiznis/slabworks/internal/config"
	generationdomain "github.com/smallbiznis/slabworks/internal/generation/domain"
	obslogger "github.com/smallbiznis/slabworks/internal/observability/logger"
	"github.com/smallbiznis/slabworks/internal/observability/metrics"
	"github.com/smallbiznis/slabworks/internal/observability/tracing"
	"github.com/smallbiznis/slabworks/internal/providers/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrInvalidRequest = errors.New("archive_invalid_request")
	ErrDownload       = errors.New("archive_download_failed")
	ErrTooLarge       = errors.New("archive_too_large")
)

const (
	defaultMaxBytes = 512 << 20
	defaultTimeout  = 60 * time.Second
	fallbackExt     = ".bin"
)

type Params struct {
	fx.In

	Config     config.Config
	Log        *zap.Logger
	Backend    storage.Backend
	Metrics    *metrics.GenerationMetrics `optional:"true"`
	HTTPClient *http.Client               `optional:"true"`
}

// Service copies ephemeral provider assets into tenant storage.
type Service struct {
	backend    storage.Backend
	httpClient *http.Client
	log        *zap.Logger
	metrics    *metrics.GenerationMetrics
	timeout    time.Duration
	maxBytes   int64
}

func NewService(p Params) *Service {
	timeout := p.Config.Storage.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxBytes := p.Config.Storage.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	httpClient := p.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Service{
		backend:    p.Backend,
		httpClient: httpClient,
		log:        p.Log.Named("archive.service"),
		metrics:    p.Metrics,
		timeout:    timeout,
		maxBytes:   maxBytes,
	}
}

// Archive downloads req.ProviderURL and stores it at the job's deterministic
// path. Re-running for the same job overwrites the previous copy.
func (s *Service) Archive(ctx context.Context, req generationdomain.ArchiveRequest) (res *generationdomain.ArchiveResult, err error) {
	if strings.TrimSpace(req.TenantID) == "" || strings.TrimSpace(req.ProviderURL) == "" {
		return nil, ErrInvalidRequest
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ctx, span := otel.Tracer("slabworks/archive").Start(ctx, "archive.store")
	span.SetAttributes(tracing.SafeAttributes(
		attribute.String("tenant_id", req.TenantID),
		attribute.String("generation.job_id", req.JobID),
	)...)
	log := obslogger.WithJob(obslogger.WithContext(ctx, s.log), req.TenantID, req.JobID)
	defer func() {
		if err != nil {
			s.metrics.IncArchive(metrics.ArchiveOutcomeFailed, 0)
			span.RecordError(tracing.SafeError(err))
			span.SetStatus(codes.Error, "archive failed")
			log.Warn("archive failed", zap.Error(err))
		} else {
			s.metrics.IncArchive(metrics.ArchiveOutcomeStored, res.Bytes)
			log.Info("artifact archived", zap.String("archived_url", res.URL), zap.Int64("bytes", res.Bytes))
		}
		span.End()
	}()

	data, contentType, err := s.download(ctx, req.ProviderURL)
	if err != nil {
		return nil, err
	}

	logical, err := LogicalPath(req, extensionFor(req.ProviderURL, contentType))
	if err != nil {
		return nil, err
	}

	archivedURL, err := s.backend.Put(ctx, req.TenantID, logical, data, contentType)
	if err != nil {
		return nil, fmt.Errorf("archive: store %s: %w", logical, err)
	}
	return &generationdomain.ArchiveResult{URL: archivedURL, Bytes: int64(len(data))}, nil
}

func (s *Service) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, "", fmt.Errorf("%w: unsupported url", ErrInvalidRequest)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDownload, err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrDownload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%w: status %d", ErrDownload, resp.StatusCode)
	}
	if resp.ContentLength > s.maxBytes {
		return nil, "", fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("%w: read body: %w", ErrDownload, err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, "", fmt.Errorf("%w: exceeds %d bytes", ErrTooLarge, s.maxBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

// LogicalPath returns the tenant-relative storage path for a job artifact.
// Ids are encoded with storage.EncodeSegment so distinct orders and photos
// never share a path.
func LogicalPath(req generationdomain.ArchiveRequest, ext string) (string, error) {
	name := "world" + ext
	if req.OrderID != "" {
		order, err := storage.EncodeSegment(req.OrderID)
		if err != nil {
			return "", fmt.Errorf("%w: order id: %v", ErrInvalidRequest, err)
		}
		if req.PhotoID == "" {
			return path.Join("orders", order, name), nil
		}
		photo, err := storage.EncodeSegment(req.PhotoID)
		if err != nil {
			return "", fmt.Errorf("%w: photo id: %v", ErrInvalidRequest, err)
		}
		return path.Join("orders", order, photo, name), nil
	}
	if req.JobID == "" {
		return "", fmt.Errorf("%w: job id is required", ErrInvalidRequest)
	}
	job, err := storage.EncodeSegment(req.JobID)
	if err != nil {
		return "", fmt.Errorf("%w: job id: %v", ErrInvalidRequest, err)
	}
	return path.Join("exploratory", job, name), nil
}

func extensionFor(rawURL, contentType string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); validExt(ext) {
			return ext
		}
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	return fallbackExt
}

func validExt(ext string) bool {
	if len(ext) < 2 || len(ext) > 6 {
		return false
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
