package domain

import "context"

// Provider is the remote world-generation service.
type Provider interface {
	// StartJob creates one remote job and returns its operation id.
	StartJob(ctx context.Context, req StartJobRequest) (string, error)
	// PollJob reads remote job status. It has no side effects.
	PollJob(ctx context.Context, jobID string) (*PollResult, error)
	// FetchResult returns the asset of a completed job. ErrResultNotFound means it expired.
	FetchResult(ctx context.Context, resultID string) (*ProviderAsset, error)
}

type StartJobRequest struct {
	Image  Image
	Prompt string
	Model  Model
	Tags   map[string]any
}

type PollResult struct {
	Done     bool
	Progress int
	Error    string
	ResultID string
}

type ProviderAsset struct {
	ProviderURL  string
	ThumbnailURL string
	Caption      string
}

// Archiver copies a provider asset into tenant storage.
type Archiver interface {
	Archive(ctx context.Context, req ArchiveRequest) (*ArchiveResult, error)
}

type ArchiveRequest struct {
	TenantID    string
	OrderID     string
	PhotoID     string
	JobID       string
	ProviderURL string
}

type ArchiveResult struct {
	URL   string
	Bytes int64
}

// Locker is a non-blocking keyed lock.
type Locker interface {
	TryLock(ctx context.Context, key string) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}
