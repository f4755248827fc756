package netutil

import (
	"context"
	"errors"
	"time"
)

const defaultRetryDelay = 500 * time.Millisecond

// RetryDownloader decorates a Downloader with a single retry on
// transient transport failures. HTTP status errors and request-setup
// errors indicate the remote answered (or never could) and are
// returned as-is.
type RetryDownloader struct {
	Direct Downloader
	// RetryDelay is the pause before the second attempt. If <= 0,
	// defaults to 500ms.
	RetryDelay time.Duration
}

// Download attempts a direct download, retrying once on transient errors.
func (r *RetryDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	body, err := r.Direct.Download(ctx, url)
	if err == nil {
		return body, nil
	}
	if !IsTransient(err) {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, err
	}

	delay := r.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	timer := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return nil, err
	case <-timer.C:
	}

	return r.Direct.Download(ctx, url)
}

// IsTransient reports whether a download error is worth one more
// attempt: transport-level failures are, cancellation and server
// verdicts are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return false
	}

	var nonRetryable *NonRetryableError
	return !errors.As(err, &nonRetryable)
}
