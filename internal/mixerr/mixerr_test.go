package mixerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindClassification(t *testing.T) {
	assert.True(t, IsValidation(Validation("bad input")))
	assert.True(t, IsNotFound(NotFound("wallet", "w-1")))
	assert.True(t, IsTransient(Transient("rpc", errors.New("timeout"))))
	assert.True(t, IsPermanent(Permanent("rejected", nil)))
	assert.True(t, IsConsistency(Consistency("lock lost", nil)))
	assert.True(t, IsCrypto(Crypto("mac mismatch", nil)))
	assert.True(t, IsCapacity(Capacity("no wallet")))
	assert.True(t, IsTimeout(Timeout("broadcast")))
}

func TestRetryablePolicy(t *testing.T) {
	assert.True(t, Retryable(Transient("x", nil)))
	assert.True(t, Retryable(Capacity("x")))
	assert.True(t, Retryable(Consistency("x", nil)))
	assert.True(t, Retryable(Timeout("x")))

	assert.False(t, Retryable(Validation("x")))
	assert.False(t, Retryable(Permanent("x", nil)))
	assert.False(t, Retryable(Crypto("x", nil)))
	assert.False(t, Retryable(NotFound("x", "y")))
	assert.False(t, Retryable(errors.New("plain")))
}

func TestWrappingPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Transient("rpc transport failure", cause)

	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "TRANSIENT")
	assert.Contains(t, err.Error(), "connection refused")

	// Classification survives further wrapping.
	wrapped := fmt.Errorf("dispatch: %w", err)
	assert.True(t, IsTransient(wrapped))
	assert.True(t, Retryable(wrapped))
}

func TestDetails(t *testing.T) {
	err := Validation("amount out of range").
		WithDetail("min", "0.001").
		WithDetail("max", "10")
	assert.Equal(t, "0.001", err.Details["min"])
	assert.Equal(t, "10", err.Details["max"])
}
