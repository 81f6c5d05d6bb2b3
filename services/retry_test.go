package services

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryAttemptsFirstTrySuccess(t *testing.T) {
	result := RetryAttempts(3, func(attempt int) (string, error) {
		return "ok", nil
	})
	assert.True(t, result.Ok)
	assert.Equal(t, "ok", result.Value)
	assert.Equal(t, 1, result.Attempts)
	assert.NoError(t, result.Err)
}

func TestRetryAttemptsRecoversAfterFailure(t *testing.T) {
	result := RetryAttempts(3, func(attempt int) (int, error) {
		if attempt < 3 {
			return 0, fmt.Errorf("attempt %d boom", attempt)
		}
		return 42, nil
	})
	assert.True(t, result.Ok)
	assert.Equal(t, 42, result.Value)
	assert.Equal(t, 3, result.Attempts)
	assert.NoError(t, result.Err)
}

func TestRetryAttemptsExhausted(t *testing.T) {
	calls := 0
	result := RetryAttempts(2, func(attempt int) (string, error) {
		calls++
		return "", fmt.Errorf("always fails")
	})
	assert.False(t, result.Ok)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, result.Attempts)
	assert.EqualError(t, result.Err, "always fails")
}

func TestRetryAttemptsMinimumOneAttempt(t *testing.T) {
	calls := 0
	result := RetryAttempts(0, func(attempt int) (struct{}, error) {
		calls++
		return struct{}{}, nil
	})
	assert.True(t, result.Ok)
	assert.Equal(t, 1, calls)
}
