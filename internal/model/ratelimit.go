package model

import "time"

type RateLimitKind string

const (
	RateSpike      RateLimitKind = "RATE_SPIKE"
	AccountLimit   RateLimitKind = "ACCOUNT_LIMIT"
	QuotaExhausted RateLimitKind = "QUOTA_EXHAUSTED"
)

// RateLimitEvent describes one 429 answer from the messaging provider.
type RateLimitEvent struct {
	Recipient  string        `json:"phone"`
	Kind       RateLimitKind `json:"limit_type"`
	RetryAfter time.Duration `json:"retry_after"`
	Reason     string        `json:"reason"`
	Attempt    int           `json:"attempt"`
	Limit      string        `json:"limit,omitempty"`
	Remaining  string        `json:"remaining,omitempty"`
	Reset      string        `json:"reset,omitempty"`
	At         time.Time     `json:"timestamp"`
}
