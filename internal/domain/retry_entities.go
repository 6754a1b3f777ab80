// Package domain defines retry and DLQ entities for resilient task processing.
package domain

import (
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryStatus represents the retry state of a task attempt.
type RetryStatus string

const (
	// RetryStatusNone indicates no retries have been attempted.
	RetryStatusNone RetryStatus = "none"
	// RetryStatusRetrying indicates the task is being retried.
	RetryStatusRetrying RetryStatus = "retrying"
	// RetryStatusExhausted indicates all retries have been exhausted.
	RetryStatusExhausted RetryStatus = "exhausted"
	// RetryStatusDLQ indicates the task has been moved to the dead letter queue.
	RetryStatusDLQ RetryStatus = "dlq"
)

// RetryConfig defines retry behavior for operation task processing.
type RetryConfig struct {
	MaxRetries         int
	InitialDelay       time.Duration
	MaxDelay           time.Duration
	Multiplier         float64
	Jitter             bool
	RetryableErrors    []string
	NonRetryableErrors []string
}

// DefaultRetryConfig returns the retry configuration used unless overridden
// by RETRY_* environment variables.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []string{
			"context deadline exceeded",
			"connection refused",
			"timeout",
			"temporary failure",
			"rate limited",
			"upstream timeout",
			"i/o timeout",
		},
		NonRetryableErrors: []string{
			"invalid argument",
			"not found",
			"conflict",
			"schema invalid",
			"unsupported operation",
		},
	}
}

// RetryInfo tracks retry attempts for a single operation task instance.
type RetryInfo struct {
	AttemptCount  int
	MaxAttempts   int
	LastAttemptAt time.Time
	NextRetryAt   time.Time
	RetryStatus   RetryStatus
	LastError     string
	ErrorHistory  []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ShouldRetry determines if a task should be retried based on the error and retry config.
func (ri *RetryInfo) ShouldRetry(err error, config RetryConfig) bool {
	if ri.AttemptCount >= config.MaxRetries {
		return false
	}
	if ri.RetryStatus == RetryStatusDLQ {
		return false
	}
	if err == nil {
		return true
	}

	errorStr := strings.ToLower(err.Error())
	for _, nonRetryableErr := range config.NonRetryableErrors {
		if strings.Contains(errorStr, nonRetryableErr) {
			return false
		}
	}
	for _, retryableErr := range config.RetryableErrors {
		if strings.Contains(errorStr, retryableErr) {
			return true
		}
	}
	// Default to retryable for unclassified errors.
	return true
}

// CalculateNextRetryDelay calculates the delay for the next retry attempt
// using an exponential backoff policy shaped from config: the backoff's
// internal interval is advanced once per already-completed attempt, so the
// delay returned keeps growing by Multiplier (capped at MaxDelay) the same
// way across retries regardless of who reads it.
func (ri *RetryInfo) CalculateNextRetryDelay(config RetryConfig) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     config.InitialDelay,
		MaxInterval:         config.MaxDelay,
		MaxElapsedTime:      0,
		Multiplier:          config.Multiplier,
		RandomizationFactor: 0,
		Clock:               backoff.SystemClock,
	}
	if config.Jitter {
		b.RandomizationFactor = 0.1
	}
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < ri.AttemptCount; i++ {
		delay = b.NextBackOff()
	}
	if delay == backoff.Stop {
		delay = config.MaxDelay
	}
	return delay
}

// UpdateRetryAttempt updates the retry info after an attempt.
func (ri *RetryInfo) UpdateRetryAttempt(err error) {
	ri.AttemptCount++
	ri.LastAttemptAt = time.Now()
	ri.UpdatedAt = time.Now()
	if err != nil {
		ri.LastError = err.Error()
		ri.ErrorHistory = append(ri.ErrorHistory, err.Error())
	}
}

// MarkAsExhausted marks the retry info as exhausted.
func (ri *RetryInfo) MarkAsExhausted() {
	ri.RetryStatus = RetryStatusExhausted
	ri.UpdatedAt = time.Now()
}

// MarkAsDLQ marks the retry info as moved to the dead letter queue.
func (ri *RetryInfo) MarkAsDLQ() {
	ri.RetryStatus = RetryStatusDLQ
	ri.UpdatedAt = time.Now()
}

// MarkAsRetrying marks the retry info as currently retrying.
func (ri *RetryInfo) MarkAsRetrying() {
	ri.RetryStatus = RetryStatusRetrying
	ri.UpdatedAt = time.Now()
}

// DLQJob represents an operation task that has been moved to the dead letter queue.
type DLQJob struct {
	JobID            string
	OriginalPayload  OperationTask
	RetryInfo        RetryInfo
	FailureReason    string
	MovedToDLQAt     time.Time
	CanBeReprocessed bool
}
