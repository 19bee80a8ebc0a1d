package image

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/RevCBH/berth/internal/engine"
)

var fastRetry = RetryConfig{MaxAttempts: 3, Delay: time.Millisecond}

func TestRetryTransient_SuccessOnFirstAttempt(t *testing.T) {
	callCount := 0
	result := RetryTransient(context.Background(), fastRetry, func(ctx context.Context) error {
		callCount++
		return nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 1, callCount)
}

func TestRetryTransient_RetriesTransient(t *testing.T) {
	callCount := 0
	var retried []int
	cfg := fastRetry
	cfg.OnRetry = func(attempt int, err error) { retried = append(retried, attempt) }

	result := RetryTransient(context.Background(), cfg, func(ctx context.Context) error {
		callCount++
		if callCount < 2 {
			return fmt.Errorf("pull: read tcp 10.0.0.1:443: connection reset by peer")
		}
		return nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, []int{1}, retried)
}

func TestRetryTransient_PermanentFailsImmediately(t *testing.T) {
	callCount := 0
	result := RetryTransient(context.Background(), fastRetry, func(ctx context.Context) error {
		callCount++
		return errors.New("manifest for nope:latest not found: manifest unknown")
	})

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 1, callCount)
	assert.Error(t, result.LastErr)
}

func TestRetryTransient_ExhaustsAttempts(t *testing.T) {
	callCount := 0
	result := RetryTransient(context.Background(), fastRetry, func(ctx context.Context) error {
		callCount++
		return errors.New("net/http: TLS handshake timeout")
	})

	assert.False(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, callCount)
	assert.Contains(t, result.LastErr.Error(), "TLS handshake timeout")
}

func TestRetryTransient_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 5, Delay: time.Hour}

	result := RetryTransient(ctx, cfg, func(ctx context.Context) error {
		cancel()
		return errors.New("i/o timeout")
	})

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.ErrorIs(t, result.LastErr, context.Canceled)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection lost", fmt.Errorf("pull: %w", engine.ErrConnectionLost), true},
		{"net timeout", fmt.Errorf("wrapped: %w", timeoutErr{}), true},
		{"unexpected eof", errors.New("read: unexpected EOF"), true},
		{"rate limited", errors.New("toomanyrequests: Too Many Requests"), true},
		{"not found", errors.New("pull access denied for nope, repository does not exist"), false},
		{"build failure", errors.New("RUN make: exit code 2"), false},
		{"canceled", fmt.Errorf("pull: %w", context.Canceled), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
