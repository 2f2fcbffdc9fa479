package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/LeventeLantos/whatsapp-outbound/internal/clock"
	"github.com/LeventeLantos/whatsapp-outbound/internal/model"
)

var (
	ErrNotProcessing = errors.New("message is not in the processing set")
	ErrNotFound      = errors.New("message not found")
)

// highPriorityLead puts high priority items ahead of anything due now.
const highPriorityLead = 1000 * time.Second

type Config struct {
	KeyPrefix  string
	MaxRetries int
	LowDelay   time.Duration
	RetryBase  time.Duration
}

func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "message_queue",
		MaxRetries: model.DefaultMaxRetries,
		LowDelay:   5 * time.Minute,
		RetryBase:  time.Minute,
	}
}

// DeadLetterHook is called after a message has been moved to the
// dead-letter set.
type DeadLetterHook func(ctx context.Context, msg model.QueueMessage)

// Queue is a durable multi-priority queue backed by Redis sorted sets. The
// score of every member is the time it becomes due; message records live in
// a single hash keyed by message id.
type Queue struct {
	rdb   redis.UniversalClient
	cfg   Config
	clock clock.Clock
	log   zerolog.Logger

	onDeadLetter DeadLetterHook

	keys keys
	seq  atomic.Uint64
}

type keys struct {
	high, normal, low string
	processing        string
	failed            string
	dlq               string
	records           string
}

type Option func(*Queue)

func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

func WithDeadLetterHook(h DeadLetterHook) Option {
	return func(q *Queue) { q.onDeadLetter = h }
}

func New(rdb redis.UniversalClient, cfg Config, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.LowDelay < 0 {
		cfg.LowDelay = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}

	p := strings.TrimSuffix(cfg.KeyPrefix, ":")
	q := &Queue{
		rdb:   rdb,
		cfg:   cfg,
		clock: clock.Real{},
		log:   zerolog.Nop(),
		keys: keys{
			high:       p + ":pending:high",
			normal:     p + ":pending",
			low:        p + ":pending:low",
			processing: p + ":processing",
			failed:     p + ":failed",
			dlq:        p + ":dlq",
			records:    p + ":messages",
		},
	}
	for _, opt := range opts {
		opt(q)
	}
	q.log = q.log.With().Str("comp", "queue").Logger()
	return q
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

func fromScore(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond))
}

// newMessageID embeds a fixed-width per-process sequence ahead of the
// recipient. Members with equal scores sort lexically, so ties within a
// tier dequeue in enqueue order.
func (q *Queue) newMessageID(now time.Time, recipient string) string {
	return fmt.Sprintf("msg_%d_%012d_%s_%s", now.UnixMilli(), q.seq.Add(1), recipient, uuid.NewString()[:8])
}

func (q *Queue) pendingKey(p model.Priority) string {
	switch p {
	case model.High:
		return q.keys.high
	case model.Low:
		return q.keys.low
	default:
		return q.keys.normal
	}
}

// DueTime is when a message of priority p enqueued at now becomes eligible.
func (q *Queue) DueTime(p model.Priority, now time.Time) time.Time {
	switch p {
	case model.High:
		return now.Add(-highPriorityLead)
	case model.Low:
		return now.Add(q.cfg.LowDelay)
	default:
		return now
	}
}

// RetryDelay is the backoff applied after the retryCount-th failure.
func (q *Queue) RetryDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 30 {
		retryCount = 30
	}
	return time.Duration(1<<uint(retryCount)) * q.cfg.RetryBase
}

// Enqueue stores a new message in the pending set of its priority and
// returns its id. It never talks to the messaging provider.
func (q *Queue) Enqueue(ctx context.Context, req model.OutboundRequest) (string, error) {
	if strings.TrimSpace(req.Recipient) == "" {
		return "", errors.New("recipient must not be empty")
	}
	prio, err := model.ParsePriority(string(req.Priority))
	if err != nil {
		return "", err
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = q.cfg.MaxRetries
	}

	now := q.clock.Now()
	msg := model.QueueMessage{
		ID:         q.newMessageID(now, req.Recipient),
		Recipient:  req.Recipient,
		Body:       req.Body,
		Priority:   prio,
		Metadata:   req.Metadata,
		EnqueuedAt: now.UTC(),
		MaxRetries: maxRetries,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}

	due := q.DueTime(prio, now)
	if err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.keys.records, q.pendingKey(prio)},
		msg.ID, raw, score(due),
	).Err(); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", msg.ID, err)
	}

	q.log.Info().
		Str("message_id", msg.ID).
		Str("priority", string(prio)).
		Str("phone", msg.Recipient).
		Msg("message queued")
	return msg.ID, nil
}

// Dequeue claims up to batchSize due messages, moving each into the
// processing set. Sets are scanned high, retry, normal, low.
func (q *Queue) Dequeue(ctx context.Context, batchSize int) ([]model.QueueMessage, error) {
	if batchSize <= 0 {
		return nil, errors.New("batch size must be > 0")
	}

	now := q.clock.Now()
	raws, err := dequeueScript.Run(ctx, q.rdb,
		[]string{q.keys.processing, q.keys.records, q.keys.high, q.keys.failed, q.keys.normal, q.keys.low},
		score(now), batchSize, score(now),
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	out := make([]model.QueueMessage, 0, len(raws)/2)
	for i := 0; i+1 < len(raws); i += 2 {
		id, raw := raws[i], raws[i+1]
		var m model.QueueMessage
		if err := json.Unmarshal([]byte(raw), &m); err != nil || m.ID != id {
			q.log.Error().Err(err).Str("message_id", id).Str("raw", truncate(raw, 120)).Msg("undecodable queue record")
			q.quarantine(ctx, id)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// MarkSuccess removes a delivered message permanently.
func (q *Queue) MarkSuccess(ctx context.Context, id string) error {
	n, err := transitionScript.Run(ctx, q.rdb,
		[]string{q.keys.processing, q.keys.records},
		id, "", 0,
	).Int()
	if err != nil {
		return fmt.Errorf("mark success %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("mark success %s: %w", id, ErrNotProcessing)
	}
	q.log.Info().Str("message_id", id).Msg("message sent successfully")
	return nil
}

// MarkFailed records a failed attempt. The message is rescheduled with
// exponential backoff or, once retries are exhausted, dead-lettered. The
// returned status tells which happened.
func (q *Queue) MarkFailed(ctx context.Context, id, reason string) (model.Status, error) {
	msg, err := q.load(ctx, id)
	if err != nil {
		return "", fmt.Errorf("mark failed %s: %w", id, err)
	}

	now := q.clock.Now()
	attemptAt := now.UTC()
	msg.RetryCount++
	msg.LastError = reason
	msg.LastAttempt = &attemptAt
	if msg.MaxRetries <= 0 {
		msg.MaxRetries = q.cfg.MaxRetries
	}

	status := model.RetryWaiting
	target := q.keys.failed
	due := now.Add(q.RetryDelay(msg.RetryCount))
	if msg.RetryCount >= msg.MaxRetries {
		status = model.DeadLettered
		target = q.keys.dlq
		due = now
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message %s: %w", id, err)
	}
	n, err := transitionScript.Run(ctx, q.rdb,
		[]string{q.keys.processing, q.keys.records, target},
		id, raw, score(due),
	).Int()
	if err != nil {
		return "", fmt.Errorf("mark failed %s: %w", id, err)
	}
	if n == 0 {
		return "", fmt.Errorf("mark failed %s: %w", id, ErrNotProcessing)
	}

	if status == model.DeadLettered {
		q.log.Error().
			Str("message_id", id).
			Int("retries", msg.RetryCount).
			Str("error", reason).
			Msg("message failed permanently, moved to dead-letter set")
		if q.onDeadLetter != nil {
			q.onDeadLetter(ctx, msg)
		}
		return status, nil
	}

	q.log.Warn().
		Str("message_id", id).
		Int("attempt", msg.RetryCount).
		Int("max_retries", msg.MaxRetries).
		Dur("retry_in", due.Sub(now)).
		Str("error", reason).
		Msg("message failed, retry scheduled")
	return status, nil
}

func (q *Queue) load(ctx context.Context, id string) (model.QueueMessage, error) {
	raw, err := q.rdb.HGet(ctx, q.keys.records, id).Result()
	if errors.Is(err, redis.Nil) {
		return model.QueueMessage{}, ErrNotFound
	}
	if err != nil {
		return model.QueueMessage{}, err
	}
	var m model.QueueMessage
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return model.QueueMessage{}, fmt.Errorf("decode record: %w", err)
	}
	return m, nil
}

// quarantine dead-letters a claimed record that cannot be decoded, so it
// does not sit in processing forever.
func (q *Queue) quarantine(ctx context.Context, id string) {
	if err := transitionScript.Run(ctx, q.rdb,
		[]string{q.keys.processing, q.keys.records, q.keys.dlq},
		id, "", score(q.clock.Now()),
	).Err(); err != nil {
		q.log.Error().Err(err).Str("message_id", id).Msg("quarantine failed")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
