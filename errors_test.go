package testhost

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypedErrors(t *testing.T) {
	base := errors.New("boom")

	runtimeErr := fmt.Errorf("wrapped: %w", NewRuntimeError(base))
	assert.True(t, IsRuntimeError(runtimeErr))
	assert.False(t, IsTestFailureError(runtimeErr))
	assert.ErrorIs(t, runtimeErr, base)
	assert.Equal(t, "wrapped: runtime error: boom", runtimeErr.Error())

	failure := fmt.Errorf("wrapped: %w", NewTestFailureError("2 applications failed"))
	assert.True(t, IsTestFailureError(failure))
	assert.False(t, IsRuntimeError(failure))
	assert.Contains(t, failure.Error(), "test failure: 2 applications failed")

	cfgErr := NewConfigError(base)
	assert.True(t, IsConfigError(cfgErr))
	assert.ErrorIs(t, cfgErr, base)
	assert.False(t, IsConfigError(base))

	assert.False(t, IsRuntimeError(nil))
	assert.False(t, IsTestFailureError(nil))
	assert.False(t, IsConfigError(nil))
}
