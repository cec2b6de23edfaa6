package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewError_DefaultRetryability(t *testing.T) {
	tests := []struct {
		code      ErrorCode
		retryable bool
	}{
		{ErrValidation, true},
		{ErrProvider, true},
		{ErrConfiguration, false},
		{ErrDuplicateAgent, false},
		{ErrUnknownAgent, false},
		{ErrDependencyCycle, false},
		{ErrCircuitOpen, false},
		{ErrApprovalTimeout, false},
		{ErrApprovalRejected, false},
		{ErrDependencyFailed, false},
		{ErrWorkflowTimeout, false},
		{ErrInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := NewError(tt.code, "test")
			assert.Equal(t, tt.retryable, err.Retryable)
		})
	}
}

func TestError_MessageIncludesCodeAndCause(t *testing.T) {
	err := NewError(ErrProvider, "invocation failed").WithCause(errors.New("connection refused"))

	assert.Contains(t, err.Error(), "PROVIDER")
	assert.Contains(t, err.Error(), "invocation failed")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestError_UnwrapExposesCause(t *testing.T) {
	cause := errors.New("boom")
	err := NewError(ErrProvider, "failed").WithCause(cause)

	assert.ErrorIs(t, err, cause)
}

func TestAsError_FindsWrappedError(t *testing.T) {
	inner := NewError(ErrCircuitOpen, "failing fast")
	wrapped := fmt.Errorf("failed after 3 attempts: %w", inner)

	e, ok := AsError(wrapped)
	require.True(t, ok)
	assert.Equal(t, ErrCircuitOpen, e.Code)

	_, ok = AsError(errors.New("plain"))
	assert.False(t, ok)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewError(ErrProvider, "transient")))
	assert.False(t, IsRetryable(NewError(ErrConfiguration, "fatal")))
	assert.False(t, IsRetryable(NewError(ErrProvider, "forced").WithRetryable(false)))

	// Untyped errors are treated as retryable provider failures.
	assert.True(t, IsRetryable(errors.New("unknown")))
	assert.False(t, IsRetryable(nil))

	// Classification survives fmt wrapping.
	wrapped := fmt.Errorf("attempt 2: %w", NewError(ErrValidation, "bad output"))
	assert.True(t, IsRetryable(wrapped))
}

func TestGetErrorCode(t *testing.T) {
	assert.Equal(t, ErrValidation, GetErrorCode(NewError(ErrValidation, "x")))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
	assert.Equal(t, ErrProvider,
		GetErrorCode(fmt.Errorf("wrap: %w", NewError(ErrProvider, "x"))))
}

func TestError_WithStage(t *testing.T) {
	err := NewError(ErrValidation, "bad output").WithStage("draft")
	assert.Equal(t, "draft", err.StageID)
}
