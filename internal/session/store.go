package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/LeventeLantos/whatsapp-outbound/internal/clock"
)

// ErrDegraded means the store could not serve the call in time or its
// breaker is open. Callers carry on with empty data.
var ErrDegraded = errors.New("session store degraded")

const (
	keyPrefix       = "session:"
	updateRetries   = 3
	cleanupFraction = 5
)

// Data is the session state as the conversation layer sees it. Values must
// survive a JSON round trip.
type Data map[string]any

type Breaker interface {
	Allow() error
	RecordFailure()
}

// Submitter runs detached work, see tasks.Pool.
type Submitter interface {
	Submit(name string, fn func(ctx context.Context) error) error
}

type Config struct {
	TTL        time.Duration
	OpTimeout  time.Duration
	HistoryMax int
}

func DefaultConfig() Config {
	return Config{
		TTL:        120 * time.Minute,
		OpTimeout:  5 * time.Second,
		HistoryMax: 10,
	}
}

type Store struct {
	rdb   redis.UniversalClient
	read  Breaker
	write Breaker
	cfg   Config
	clock clock.Clock
	log   zerolog.Logger
	tasks Submitter
}

type Option func(*Store)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

func WithTasks(t Submitter) Option {
	return func(s *Store) { s.tasks = t }
}

func New(rdb redis.UniversalClient, read, write Breaker, cfg Config, opts ...Option) *Store {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	if cfg.HistoryMax <= 0 {
		cfg.HistoryMax = def.HistoryMax
	}

	s := &Store{
		rdb:   rdb,
		read:  read,
		write: write,
		cfg:   cfg,
		clock: clock.Real{},
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("comp", "session").Logger()
	return s
}

func key(id string) string { return keyPrefix + id }

// Get returns the stored session or an empty Data when there is none. On
// failure the empty Data comes with an error wrapping ErrDegraded.
func (s *Store) Get(ctx context.Context, id string) (Data, error) {
	if err := s.read.Allow(); err != nil {
		s.log.Error().Err(err).Str("session_id", id).Msg("session read skipped, returning empty session")
		return Data{}, fmt.Errorf("%w: %w", ErrDegraded, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	raw, err := s.rdb.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Data{}, nil
	}
	if err != nil {
		s.read.RecordFailure()
		s.log.Error().Err(err).Str("session_id", id).Msg("session read failed, returning empty session")
		return Data{}, fmt.Errorf("%w: read %s: %w", ErrDegraded, id, err)
	}

	var d Data
	if err := json.Unmarshal(raw, &d); err != nil || d == nil {
		s.log.Error().Err(err).Str("session_id", id).Int("bytes", len(raw)).Msg("corrupt session payload, discarding")
		if err := s.rdb.Del(ctx, key(id)).Err(); err != nil {
			s.log.Warn().Err(err).Str("session_id", id).Msg("failed to delete corrupt session")
		}
		return Data{}, nil
	}
	return d, nil
}

// Put replaces the session and refreshes its TTL. ttl <= 0 uses the default.
func (s *Store) Put(ctx context.Context, id string, data Data, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.cfg.TTL
	}
	raw, err := json.Marshal(s.serializable(id, data))
	if err != nil {
		return fmt.Errorf("encode session %s: %w", id, err)
	}
	return s.set(ctx, id, raw, ttl)
}

func (s *Store) set(ctx context.Context, id string, raw []byte, ttl time.Duration) error {
	if err := s.write.Allow(); err != nil {
		s.log.Error().Err(err).Str("session_id", id).Msg("session write skipped, state not persisted")
		return fmt.Errorf("%w: %w", ErrDegraded, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	err := s.rdb.Set(ctx, key(id), raw, ttl).Err()
	if err != nil && isOOM(err) {
		s.log.Error().Err(err).Str("session_id", id).Int("bytes", len(raw)).Msg("redis out of memory, running emergency cleanup")
		if n, cerr := s.emergencyCleanup(ctx); cerr != nil {
			s.log.Error().Err(cerr).Msg("emergency cleanup failed")
		} else {
			s.log.Warn().Int("deleted", n).Msg("emergency cleanup done")
		}
		err = s.rdb.Set(ctx, key(id), raw, ttl).Err()
	}
	if err != nil {
		s.write.RecordFailure()
		s.log.Error().Err(err).Str("session_id", id).Msg("session write failed, state not persisted")
		return fmt.Errorf("%w: write %s: %w", ErrDegraded, id, err)
	}
	return nil
}

// PutAsync hands the write to the task pool and returns at once. Without a
// pool the write happens inline.
func (s *Store) PutAsync(id string, data Data, ttl time.Duration) {
	snapshot := maps.Clone(data)
	if s.tasks == nil {
		_ = s.Put(context.Background(), id, snapshot, ttl)
		return
	}
	err := s.tasks.Submit("session-put", func(ctx context.Context) error {
		return s.Put(ctx, id, snapshot, ttl)
	})
	if err != nil {
		s.log.Error().Err(err).Str("session_id", id).Msg("async session write not scheduled")
	}
}

// Update merges patch into the stored session. Concurrent writers are
// detected with WATCH and the merge is retried; the last writer wins per
// field.
func (s *Store) Update(ctx context.Context, id string, patch Data, ttl time.Duration) error {
	return s.mutate(ctx, id, ttl, func(d Data) {
		maps.Copy(d, patch)
	})
}

// AppendHistory adds one turn to the rolling conversation history.
func (s *Store) AppendHistory(ctx context.Context, id, role, content string) error {
	now := s.clock.Now().UTC()
	return s.mutate(ctx, id, 0, func(d Data) {
		hist, _ := d["history"].([]any)
		hist = append(hist, map[string]any{
			"role":      role,
			"content":   content,
			"timestamp": now.Format(time.RFC3339Nano),
		})
		if len(hist) > s.cfg.HistoryMax {
			hist = hist[len(hist)-s.cfg.HistoryMax:]
		}
		d["history"] = hist
		d["last_message"] = content
		d["last_role"] = role
	})
}

func (s *Store) mutate(ctx context.Context, id string, ttl time.Duration, fn func(Data)) error {
	if ttl <= 0 {
		ttl = s.cfg.TTL
	}
	if err := s.write.Allow(); err != nil {
		return fmt.Errorf("%w: %w", ErrDegraded, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	k := key(id)
	txf := func(tx *redis.Tx) error {
		d := Data{}
		raw, err := tx.Get(ctx, k).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if jerr := json.Unmarshal(raw, &d); jerr != nil || d == nil {
				s.log.Error().Err(jerr).Str("session_id", id).Msg("corrupt session payload, starting over")
				d = Data{}
			}
		}

		fn(d)
		out, err := json.Marshal(s.serializable(id, d))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, k, out, ttl)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < updateRetries; i++ {
		err = s.rdb.Watch(ctx, txf, k)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		s.write.RecordFailure()
		s.log.Error().Err(err).Str("session_id", id).Msg("session update failed")
		return fmt.Errorf("%w: update %s: %w", ErrDegraded, id, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.write.Allow(); err != nil {
		return fmt.Errorf("%w: %w", ErrDegraded, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	if err := s.rdb.Del(ctx, key(id)).Err(); err != nil {
		s.write.RecordFailure()
		return fmt.Errorf("%w: delete %s: %w", ErrDegraded, id, err)
	}
	return nil
}

// serializable drops fields that cannot be encoded as JSON.
func (s *Store) serializable(id string, d Data) Data {
	var clean Data
	for k, v := range d {
		if _, err := json.Marshal(v); err != nil {
			if clean == nil {
				clean = maps.Clone(d)
			}
			delete(clean, k)
			s.log.Warn().Str("session_id", id).Str("field", k).Err(err).Msg("skipping non-serializable field")
		}
	}
	if clean == nil {
		return d
	}
	return clean
}

// emergencyCleanup deletes the fifth of session keys closest to expiry
// (keys without an expiry go first) to free memory.
func (s *Store) emergencyCleanup(ctx context.Context) (int, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scan sessions: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	pipe := s.rdb.Pipeline()
	ttls := make([]*redis.DurationCmd, len(keys))
	for i, k := range keys {
		ttls[i] = pipe.TTL(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("read session ttls: %w", err)
	}

	type entry struct {
		key string
		ttl time.Duration
	}
	entries := make([]entry, len(keys))
	for i, k := range keys {
		entries[i] = entry{key: k, ttl: ttls[i].Val()}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].ttl < entries[j].ttl })

	n := max(1, len(entries)/cleanupFraction)
	victims := make([]string, n)
	for i := range victims {
		victims[i] = entries[i].key
	}
	if err := s.rdb.Del(ctx, victims...).Err(); err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	return n, nil
}

func isOOM(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.HasPrefix(msg, "oom") || strings.Contains(msg, "maxmemory")
}
