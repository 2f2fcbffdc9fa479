package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/whatsapp-outbound/internal/model"
)

// ErrInvalid is matched by every *ValidationError.
var ErrInvalid = errors.New("invalid message")

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

type Enqueuer interface {
	Enqueue(ctx context.Context, req model.OutboundRequest) (string, error)
}

// Outbox is the producer entry point: it rejects messages the provider
// would never accept and hands the rest to the durable queue.
type Outbox struct {
	queue      Enqueuer
	contentMax int
	log        zerolog.Logger

	onEnqueued func(p model.Priority)
}

func NewOutbox(q Enqueuer, contentMax int, log zerolog.Logger) *Outbox {
	return &Outbox{
		queue:      q,
		contentMax: contentMax,
		log:        log.With().Str("comp", "outbox").Logger(),
	}
}

func (o *Outbox) WithHooks(onEnqueued func(p model.Priority)) *Outbox {
	o.onEnqueued = onEnqueued
	return o
}

// Send validates req and enqueues it, returning the queue message id.
func (o *Outbox) Send(ctx context.Context, req model.OutboundRequest) (string, error) {
	p, err := o.validate(req)
	if err != nil {
		return "", err
	}
	req.Priority = p

	id, err := o.queue.Enqueue(ctx, req)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	o.log.Debug().Str("message_id", id).Str("phone", req.Recipient).Str("priority", string(p)).Msg("message accepted")
	if o.onEnqueued != nil {
		o.onEnqueued(p)
	}
	return id, nil
}

type BatchResult struct {
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SendBatch enqueues each request independently; one rejection does not
// stop the rest. It returns the number accepted.
func (o *Outbox) SendBatch(ctx context.Context, reqs []model.OutboundRequest) ([]BatchResult, int) {
	out := make([]BatchResult, len(reqs))
	accepted := 0
	for i, r := range reqs {
		if err := ctx.Err(); err != nil {
			out[i].Error = err.Error()
			continue
		}
		id, err := o.Send(ctx, r)
		if err != nil {
			out[i].Error = err.Error()
			continue
		}
		out[i].MessageID = id
		accepted++
	}
	return out, accepted
}

func (o *Outbox) validate(req model.OutboundRequest) (model.Priority, error) {
	if strings.TrimSpace(req.Recipient) == "" {
		return "", &ValidationError{Field: "recipient", Reason: "must not be empty"}
	}
	if strings.TrimSpace(req.Body) == "" {
		return "", &ValidationError{Field: "body", Reason: "must not be empty"}
	}
	if o.contentMax > 0 && utf8.RuneCountInString(req.Body) > o.contentMax {
		return "", &ValidationError{Field: "body", Reason: fmt.Sprintf("exceeds %d chars", o.contentMax)}
	}
	if req.MaxRetries < 0 {
		return "", &ValidationError{Field: "max_retries", Reason: "must not be negative"}
	}
	p, err := model.ParsePriority(string(req.Priority))
	if err != nil {
		return "", &ValidationError{Field: "priority", Reason: err.Error()}
	}
	return p, nil
}
