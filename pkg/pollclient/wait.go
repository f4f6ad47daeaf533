package pollclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/slabworks/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

// Wait polls jobID every interval until it is terminal or MaxPolls is spent.
// onUpdate, when set, receives every view the server returns. Transient
// failures are skipped. Exhausting the cap or cancelling ctx stops only this
// loop; the server-side job keeps its own state.
func (c *Client) Wait(ctx context.Context, jobID string, onUpdate func(*JobView)) (*JobView, error) {
	ctx, _ = correlation.EnsureCorrelationID(ctx)
	log := c.log.With(zap.String("job_id", jobID))

	var last *JobView
	timer := time.NewTimer(c.interval)
	defer timer.Stop()

	for attempt := 1; attempt <= c.maxPolls; attempt++ {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-timer.C:
		}

		view, err := c.Status(ctx, jobID)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return last, ctx.Err()
		case IsTransient(err):
			log.Debug("status poll failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
			timer.Reset(c.nextDelay(err))
			continue
		default:
			return last, err
		}

		last = view
		if onUpdate != nil {
			onUpdate(view)
		}

		switch view.State {
		case StateSucceeded:
			return view, nil
		case StateFailed:
			return view, fmt.Errorf("%w: %s", ErrJobFailed, deref(view.Error))
		case StateTimedOut:
			return view, fmt.Errorf("%w: server gave up: %s", ErrTimeout, deref(view.Error))
		}
		timer.Reset(c.interval)
	}

	return last, fmt.Errorf("%w: no terminal state after %d polls", ErrTimeout, c.maxPolls)
}

// nextDelay honours Retry-After when the server asked for a longer pause.
func (c *Client) nextDelay(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > c.interval {
		return apiErr.RetryAfter
	}
	return c.interval
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
