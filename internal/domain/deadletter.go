package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxRetries is the retry cap applied when none is configured.
	DefaultMaxRetries = 5

	// maxBackoffMinutes caps the exponential backoff schedule.
	maxBackoffMinutes = 16
)

// FailedEvent is a dead-lettered outbound event: one that could not be
// published to the broker and is held locally for scheduled retries.
type FailedEvent struct {
	ID          string     `json:"id"`
	EventType   string     `json:"event_type"`
	EventJSON   string     `json:"event_json"`
	FailedAt    time.Time  `json:"failed_at"`
	RetryCount  int        `json:"retry_count"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// NewFailedEvent creates a dead letter for an event whose first publish
// attempt failed. The first retry is scheduled one backoff window out; a
// fresh entry is deliberately not immediately eligible.
func NewFailedEvent(eventType, eventJSON, lastError string, now time.Time) *FailedEvent {
	next := now.Add(RetryBackoff(1))
	return &FailedEvent{
		ID:          uuid.New().String(),
		EventType:   eventType,
		EventJSON:   eventJSON,
		FailedAt:    now,
		RetryCount:  0,
		NextRetryAt: &next,
		LastError:   lastError,
	}
}

// RetryBackoff returns the delay before retry attempt n (1-indexed):
// min(2^(n-1), 16) minutes, i.e. 1, 2, 4, 8, 16, 16, ... minutes.
func RetryBackoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	minutes := 1 << (n - 1)
	if n-1 >= 5 || minutes > maxBackoffMinutes {
		minutes = maxBackoffMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// RecordFailure registers another failed retry attempt. Once the retry count
// reaches maxRetries the entry becomes exhausted: NextRetryAt is cleared and
// no further automatic attempts are made.
func (f *FailedEvent) RecordFailure(lastError string, maxRetries int, now time.Time) {
	f.RetryCount++
	f.LastError = lastError

	if f.RetryCount >= maxRetries {
		f.NextRetryAt = nil
		return
	}

	next := now.Add(RetryBackoff(f.RetryCount + 1))
	f.NextRetryAt = &next
}

// IsExhausted reports whether the entry hit the retry cap and now requires
// operator action (discard or force-retry).
func (f *FailedEvent) IsExhausted(maxRetries int) bool {
	return f.RetryCount >= maxRetries
}

// IsReady reports whether the entry is eligible for an automatic retry.
func (f *FailedEvent) IsReady(maxRetries int, now time.Time) bool {
	if f.IsExhausted(maxRetries) {
		return false
	}
	return f.NextRetryAt == nil || !f.NextRetryAt.After(now)
}

// DeadLetterStats is the operational summary of the dead-letter store.
type DeadLetterStats struct {
	Total         int `json:"total"`
	ReadyForRetry int `json:"ready_for_retry"`
	Exhausted     int `json:"exhausted"`
}
