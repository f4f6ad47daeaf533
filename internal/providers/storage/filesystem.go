package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const (
	tenantsPrefix = "tenants"
	// Most filesystems cap one name at 255 bytes.
	maxSegmentBytes = 255
)

// FileBackend stores artifacts on the local filesystem and serves them from
// a public base URL.
type FileBackend struct {
	basePath      string
	publicBaseURL string
}

func NewFileBackend(basePath, publicBaseURL string) (*FileBackend, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, fmt.Errorf("%w: base path is required", ErrInvalidKey)
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &FileBackend{
		basePath:      basePath,
		publicBaseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
	}, nil
}

func (s *FileBackend) BasePath() string {
	if s == nil {
		return ""
	}
	return s.basePath
}

// Put writes data at tenants/<tenant>/<logicalPath>. Existing files are
// replaced atomically.
func (s *FileBackend) Put(ctx context.Context, tenantID, logicalPath string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key, err := TenantKey(tenantID, logicalPath)
	if err != nil {
		return "", err
	}

	fullPath := filepath.Join(s.basePath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("storage: ensure directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("storage: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("storage: write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("storage: close file: %w", err)
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("storage: commit file: %w", err)
	}

	return s.url(key), nil
}

func (s *FileBackend) url(key string) string {
	if s.publicBaseURL == "" {
		return "file://" + filepath.ToSlash(filepath.Join(s.basePath, filepath.FromSlash(key)))
	}
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return s.publicBaseURL + "/" + strings.Join(segments, "/")
}

// TenantKey builds the namespaced storage key and rejects paths that would
// escape the tenant directory. Tenant ids are encoded, never folded, so two
// distinct tenants cannot share a directory.
func TenantKey(tenantID, logicalPath string) (string, error) {
	tenant, err := EncodeSegment(tenantID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTenant, err)
	}
	clean, err := sanitizeKey(logicalPath)
	if err != nil {
		return "", err
	}
	return path.Join(tenantsPrefix, tenant, clean), nil
}

// EncodeSegment turns an id into a single path segment. The encoding is
// reversible with url.PathUnescape and keeps case, so distinct ids always
// map to distinct segments.
func EncodeSegment(id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("%w: segment is empty", ErrInvalidKey)
	}
	if id == "." || id == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, id)
	}
	seg := url.PathEscape(id)
	if len(seg) > maxSegmentBytes {
		return "", fmt.Errorf("%w: segment exceeds %d bytes", ErrInvalidKey, maxSegmentBytes)
	}
	return seg, nil
}

func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: key is required", ErrInvalidKey)
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimLeft(key, "/")
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}
