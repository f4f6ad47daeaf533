package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/slabworks/internal/config"
	"go.uber.org/zap"
)

var (
	ErrInvalidKey         = errors.New("storage_invalid_key")
	ErrInvalidTenant      = errors.New("storage_invalid_tenant")
	ErrUnsupportedBackend = errors.New("storage_unsupported_backend")
)

const BackendFilesystem = "filesystem"

// Backend persists bytes under a tenant namespace and returns a durable URL.
type Backend interface {
	Put(ctx context.Context, tenantID, logicalPath string, data []byte, contentType string) (string, error)
}

// NewFromConfig selects the backend named in config.
func NewFromConfig(cfg config.Config, log *zap.Logger) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Backend)) {
	case "", BackendFilesystem:
		fs, err := NewFileBackend(cfg.Storage.BasePath, cfg.Storage.PublicBaseURL)
		if err != nil {
			return nil, err
		}
		log.Named("storage").Info("filesystem storage ready", zap.String("base_path", fs.BasePath()))
		return fs, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Storage.Backend)
	}
}
