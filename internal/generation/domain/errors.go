package domain

import "errors"

var (
	ErrInvalidInput        = errors.New("invalid_input")
	ErrInvalidModel        = errors.New("invalid_model")
	ErrInvalidTenant       = errors.New("invalid_tenant")
	ErrInvalidJobID        = errors.New("invalid_job_id")
	ErrJobNotFound         = errors.New("job_not_found")
	ErrProviderUnavailable = errors.New("provider_unavailable")
	ErrConfiguration       = errors.New("configuration_error")
	ErrResultNotFound      = errors.New("result_not_found")
	ErrRateLimited         = errors.New("rate_limited")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
	ErrInvalidState        = errors.New("invalid_state")
)
