package image

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/RevCBH/berth/internal/engine"
)

// RetryConfig controls retry behavior for pulls and builds
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts before giving up
	MaxAttempts int

	// Delay is the fixed pause between attempts
	Delay time.Duration

	// OnRetry is called before each retry with the failed attempt number
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig allows a single retry after a short pause
var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 2,
	Delay:       2 * time.Second,
}

// RetryResult indicates the outcome of a retried operation
type RetryResult struct {
	// Success indicates if the operation eventually succeeded
	Success bool

	// Attempts is how many attempts were made
	Attempts int

	// LastErr is the error from the final failed attempt (if any)
	LastErr error
}

// RetryTransient retries an operation while it fails with a transient error.
// Permanent errors (unknown image, bad Dockerfile, auth) are returned at once.
func RetryTransient(
	ctx context.Context,
	cfg RetryConfig,
	operation func(ctx context.Context) error,
) RetryResult {
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := operation(ctx)
		if err == nil {
			return RetryResult{Success: true, Attempts: attempt}
		}

		lastErr = err
		if !IsTransient(err) || attempt == cfg.MaxAttempts {
			return RetryResult{Success: false, Attempts: attempt, LastErr: lastErr}
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
		select {
		case <-ctx.Done():
			return RetryResult{Success: false, Attempts: attempt, LastErr: ctx.Err()}
		case <-time.After(cfg.Delay):
		}
	}

	return RetryResult{Success: false, Attempts: cfg.MaxAttempts, LastErr: lastErr}
}

// transientMarkers are error fragments of network failures worth retrying.
var transientMarkers = []string{
	"connection reset",
	"connection refused",
	"i/o timeout",
	"tls handshake timeout",
	"unexpected eof",
	"temporary failure in name resolution",
	"server misbehaving",
	"503 service unavailable",
	"502 bad gateway",
	"too many requests",
}

// IsTransient reports whether err looks like a network hiccup rather than a
// permanent failure. Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, engine.ErrConnectionLost) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
