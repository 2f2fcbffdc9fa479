package model

import (
	"fmt"
	"strings"
	"time"
)

type Priority string

const (
	High   Priority = "high"
	Normal Priority = "normal"
	Low    Priority = "low"
)

// ParsePriority maps an empty string to Normal.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return Normal, nil
	case High, Normal, Low:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// Status is where a message currently lives in the queue.
type Status string

const (
	Pending      Status = "pending"
	Processing   Status = "processing"
	RetryWaiting Status = "failed"
	DeadLettered Status = "dead_letter"
)

const DefaultMaxRetries = 3

type QueueMessage struct {
	ID          string            `json:"message_id"`
	Recipient   string            `json:"recipient"`
	Body        string            `json:"body"`
	Priority    Priority          `json:"priority"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	EnqueuedAt  time.Time         `json:"enqueued_at"`
	LastAttempt *time.Time        `json:"last_attempt,omitempty"`
	RetryCount  int               `json:"retry_count"`
	MaxRetries  int               `json:"max_retries"`
	LastError   string            `json:"last_error,omitempty"`
}

// OutboundRequest is what producers hand to the queue.
type OutboundRequest struct {
	Recipient  string
	Body       string
	Priority   Priority
	Metadata   map[string]string
	MaxRetries int
}

type QueueStats struct {
	PendingHigh   int64 `json:"pending_high"`
	PendingNormal int64 `json:"pending_normal"`
	PendingLow    int64 `json:"pending_low"`
	PendingTotal  int64 `json:"pending_total"`
	Processing    int64 `json:"processing"`
	Failed        int64 `json:"failed"`
	DeadLetter    int64 `json:"dlq"`
}

// DeadLetter is an archived copy of a dead-lettered message.
type DeadLetter struct {
	MessageID    string            `json:"message_id"`
	Recipient    string            `json:"recipient"`
	Body         string            `json:"body"`
	Priority     Priority          `json:"priority"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RetryCount   int               `json:"retry_count"`
	LastError    string            `json:"last_error,omitempty"`
	EnqueuedAt   time.Time         `json:"enqueued_at"`
	DeadAt       time.Time         `json:"dead_at"`
	ResolvedAt   *time.Time        `json:"resolved_at,omitempty"`
	ArchiveNotes string            `json:"notes,omitempty"`
}
