package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/whatsapp-outbound/internal/model"
)

// Stats reports the size of every set.
func (q *Queue) Stats(ctx context.Context) (model.QueueStats, error) {
	pipe := q.rdb.Pipeline()
	high := pipe.ZCard(ctx, q.keys.high)
	normal := pipe.ZCard(ctx, q.keys.normal)
	low := pipe.ZCard(ctx, q.keys.low)
	processing := pipe.ZCard(ctx, q.keys.processing)
	failed := pipe.ZCard(ctx, q.keys.failed)
	dlq := pipe.ZCard(ctx, q.keys.dlq)
	if _, err := pipe.Exec(ctx); err != nil {
		return model.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}

	st := model.QueueStats{
		PendingHigh:   high.Val(),
		PendingNormal: normal.Val(),
		PendingLow:    low.Val(),
		Processing:    processing.Val(),
		Failed:        failed.Val(),
		DeadLetter:    dlq.Val(),
	}
	st.PendingTotal = st.PendingHigh + st.PendingNormal + st.PendingLow
	return st, nil
}

// Get returns the stored record of a message in any set.
func (q *Queue) Get(ctx context.Context, id string) (model.QueueMessage, error) {
	return q.load(ctx, id)
}

// Locate reports which set currently holds id.
func (q *Queue) Locate(ctx context.Context, id string) (model.Status, error) {
	sets := []struct {
		key    string
		status model.Status
	}{
		{q.keys.high, model.Pending},
		{q.keys.normal, model.Pending},
		{q.keys.low, model.Pending},
		{q.keys.processing, model.Processing},
		{q.keys.failed, model.RetryWaiting},
		{q.keys.dlq, model.DeadLettered},
	}

	pipe := q.rdb.Pipeline()
	cmds := make([]*redis.FloatCmd, len(sets))
	for i, s := range sets {
		cmds[i] = pipe.ZScore(ctx, s.key, id)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("locate %s: %w", id, err)
	}
	for i, c := range cmds {
		if c.Err() == nil {
			return sets[i].status, nil
		}
	}
	return "", ErrNotFound
}

// DueAt returns the score of id in whichever set holds it.
func (q *Queue) DueAt(ctx context.Context, id string) (time.Time, error) {
	for _, key := range []string{q.keys.high, q.keys.normal, q.keys.low, q.keys.processing, q.keys.failed, q.keys.dlq} {
		s, err := q.rdb.ZScore(ctx, key, id).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return time.Time{}, fmt.Errorf("due time %s: %w", id, err)
		}
		return fromScore(s), nil
	}
	return time.Time{}, ErrNotFound
}

// DeadLetters lists dead-lettered messages, newest first.
func (q *Queue) DeadLetters(ctx context.Context, offset, limit int) ([]model.DeadLetter, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 50
	}

	entries, err := q.rdb.ZRevRangeWithScores(ctx, q.keys.dlq, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	if len(entries) == 0 {
		return []model.DeadLetter{}, nil
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i], _ = e.Member.(string)
	}
	raws, err := q.rdb.HMGet(ctx, q.keys.records, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load dead letters: %w", err)
	}

	out := make([]model.DeadLetter, 0, len(entries))
	for i, e := range entries {
		dl := model.DeadLetter{MessageID: ids[i], DeadAt: fromScore(e.Score).UTC()}
		if raw, ok := raws[i].(string); ok {
			var m model.QueueMessage
			if err := json.Unmarshal([]byte(raw), &m); err == nil {
				dl = ToDeadLetter(m, dl.DeadAt)
			} else {
				dl.LastError = "undecodable record"
			}
		}
		out = append(out, dl)
	}
	return out, nil
}

// ToDeadLetter converts a queue record into its archived form.
func ToDeadLetter(m model.QueueMessage, deadAt time.Time) model.DeadLetter {
	return model.DeadLetter{
		MessageID:  m.ID,
		Recipient:  m.Recipient,
		Body:       m.Body,
		Priority:   m.Priority,
		Metadata:   m.Metadata,
		RetryCount: m.RetryCount,
		LastError:  m.LastError,
		EnqueuedAt: m.EnqueuedAt,
		DeadAt:     deadAt,
	}
}

// RequeueDeadLetter gives a dead-lettered message a fresh retry budget and
// puts it back into its pending set, due now.
func (q *Queue) RequeueDeadLetter(ctx context.Context, id string) error {
	msg, err := q.load(ctx, id)
	if err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	msg.RetryCount = 0
	msg.LastError = ""

	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", id, err)
	}
	n, err := transitionScript.Run(ctx, q.rdb,
		[]string{q.keys.dlq, q.keys.records, q.pendingKey(msg.Priority)},
		id, raw, score(q.clock.Now()),
	).Int()
	if err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("requeue %s: %w", id, ErrNotFound)
	}
	q.log.Info().Str("message_id", id).Msg("dead letter requeued")
	return nil
}

// PurgeDeadLetter drops a dead-lettered message for good.
func (q *Queue) PurgeDeadLetter(ctx context.Context, id string) error {
	n, err := transitionScript.Run(ctx, q.rdb,
		[]string{q.keys.dlq, q.keys.records},
		id, "", 0,
	).Int()
	if err != nil {
		return fmt.Errorf("purge %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("purge %s: %w", id, ErrNotFound)
	}
	return nil
}

// ReclaimStale moves messages claimed longer than olderThan ago back into
// the retry set, due now. Their retry count is left alone since the attempt
// outcome is unknown. Ids without a record are dropped.
func (q *Queue) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := q.clock.Now()
	n, err := reclaimScript.Run(ctx, q.rdb,
		[]string{q.keys.processing, q.keys.records, q.keys.failed},
		score(now.Add(-olderThan)), score(now),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("reclaim stale: %w", err)
	}
	if n > 0 {
		q.log.Warn().Int("count", n).Dur("older_than", olderThan).Msg("reclaimed stale processing messages")
	}
	return n, nil
}

// Release hands a claimed message back without counting an attempt. It is
// used when a send is abandoned before the provider saw it. The message
// goes to the retry set, due now.
func (q *Queue) Release(ctx context.Context, id string) error {
	n, err := transitionScript.Run(ctx, q.rdb,
		[]string{q.keys.processing, q.keys.records, q.keys.failed},
		id, "", score(q.clock.Now()),
	).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("release %s: %w", id, ErrNotProcessing)
	}
	q.log.Info().Str("message_id", id).Msg("message released back to the retry set")
	return nil
}
