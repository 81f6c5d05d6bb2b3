package services

import "fmt"

// RetryResult reports how a bounded retry ended. Err holds the last attempt's
// failure when Ok is false.
type RetryResult[T any] struct {
	Value    T
	Ok       bool
	Attempts int
	Err      error
}

// RetryAttempts runs fn up to maxAttempts times with no delay between
// attempts, returning the first success. The error never escapes the retry
// boundary; callers branch on Ok and apply their fallback.
func RetryAttempts[T any](maxAttempts int, fn func(attempt int) (T, error)) RetryResult[T] {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var result RetryResult[T]
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		value, err := fn(attempt)
		result.Attempts = attempt
		if err == nil {
			result.Value = value
			result.Ok = true
			result.Err = nil
			return result
		}
		fmt.Printf("Attempt %d/%d failed: %v\n", attempt, maxAttempts, err)
		result.Err = err
	}
	return result
}
