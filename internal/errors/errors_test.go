package errors

import (
	"fmt"
	"testing"
	"time"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/stretchr/testify/assert"
)

func TestSentinelsKeepCode(t *testing.T) {
	assert.Equal(t, "270101", ErrInsufficientFunds.Metadata[MetadataCode])
	assert.Equal(t, 402, kerrors.Code(ErrInsufficientFunds))

	wrapped := fmt.Errorf("apply charge: %w", ErrInsufficientFunds)
	assert.True(t, IsInsufficientFunds(wrapped))
	assert.False(t, IsRateLimited(wrapped))
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	err := RateLimited(1500 * time.Millisecond)
	assert.True(t, IsRateLimited(err))
	assert.Equal(t, "270201", err.Metadata[MetadataCode])
	assert.Equal(t, 1500*time.Millisecond, RetryAfter(err))
	assert.Zero(t, RetryAfter(ErrCircuitOpen))
}

func TestCircuitOpenMetadata(t *testing.T) {
	until := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := CircuitOpen("health-setup-saves", until, "spike")
	assert.True(t, IsCircuitOpen(err))
	assert.Equal(t, 503, kerrors.Code(err))
	assert.Equal(t, "health-setup-saves", err.Metadata[MetadataScope])
	assert.Equal(t, "2026-01-02T03:04:05Z", err.Metadata[MetadataOpenUntil])
	// base sentinel is untouched
	assert.Empty(t, ErrCircuitOpen.Metadata[MetadataScope])
}

func TestStorageWrapsCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Storage(cause)
	assert.True(t, kerrors.Is(err, ErrStorage))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 400, kerrors.Code(InvalidArgument("bad %s", "input")))
}
