package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/whatsapp-outbound/internal/client"
	"github.com/LeventeLantos/whatsapp-outbound/internal/model"
)

type Queue interface {
	Dequeue(ctx context.Context, batchSize int) ([]model.QueueMessage, error)
	MarkSuccess(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, reason string) (model.Status, error)
	Release(ctx context.Context, id string) error
}

type Sender interface {
	Send(ctx context.Context, recipient, body string) (client.Result, error)
}

type Config struct {
	Concurrency  int
	PollInterval time.Duration
	ErrorBackoff time.Duration
	MarkTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency:  5,
		PollInterval: time.Second,
		ErrorBackoff: 5 * time.Second,
		MarkTimeout:  5 * time.Second,
	}
}

type Hooks struct {
	OnDelivered func(ctx context.Context, msg model.QueueMessage, res client.Result)
	OnFailed    func(ctx context.Context, msg model.QueueMessage, err error, status model.Status)
}

type Status struct {
	Running      bool   `json:"running"`
	Workers      int    `json:"workers"`
	Processed    uint64 `json:"processed"`
	Delivered    uint64 `json:"delivered"`
	Failed       uint64 `json:"failed"`
	DeadLettered uint64 `json:"dead_lettered"`
	Released     uint64 `json:"released"`
	Errors       uint64 `json:"errors"`
}

// Pool runs a fixed number of independent consumer loops over the queue.
type Pool struct {
	queue  Queue
	sender Sender
	cfg    Config
	hooks  Hooks
	log    zerolog.Logger

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	processed    atomic.Uint64
	delivered    atomic.Uint64
	failed       atomic.Uint64
	deadLettered atomic.Uint64
	released     atomic.Uint64
	errCount     atomic.Uint64
}

func New(q Queue, s Sender, cfg Config, log zerolog.Logger) (*Pool, error) {
	if q == nil {
		return nil, errors.New("queue must not be nil")
	}
	if s == nil {
		return nil, errors.New("sender must not be nil")
	}
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = def.ErrorBackoff
	}
	if cfg.MarkTimeout <= 0 {
		cfg.MarkTimeout = def.MarkTimeout
	}
	return &Pool{
		queue:  q,
		sender: s,
		cfg:    cfg,
		log:    log.With().Str("comp", "worker").Logger(),
	}, nil
}

func (p *Pool) WithHooks(h Hooks) *Pool {
	p.hooks = h
	return p
}

func (p *Pool) Start() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running.Store(true)

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
	p.log.Info().Int("workers", p.cfg.Concurrency).Msg("worker pool started")
	return true
}

// Stop asks every loop to exit and waits for them. A provider request
// already on the wire finishes (bounded by the provider timeout) and its
// outcome is recorded; a send still waiting on the limiter or a backoff is
// abandoned and the message released.
func (p *Pool) Stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running.Load() {
		return false
	}

	p.cancel()
	p.wg.Wait()
	p.running.Store(false)

	p.log.Info().Msg("worker pool stopped")
	return true
}

func (p *Pool) IsRunning() bool {
	return p.running.Load()
}

func (p *Pool) Status() Status {
	return Status{
		Running:      p.running.Load(),
		Workers:      p.cfg.Concurrency,
		Processed:    p.processed.Load(),
		Delivered:    p.delivered.Load(),
		Failed:       p.failed.Load(),
		DeadLettered: p.deadLettered.Load(),
		Released:     p.released.Load(),
		Errors:       p.errCount.Load(),
	}
}

func (p *Pool) loop(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker", id).Logger()
	log.Debug().Msg("worker started")

	for ctx.Err() == nil {
		handled, err := p.safeStep(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			p.errCount.Add(1)
			log.Error().Err(err).Dur("backoff", p.cfg.ErrorBackoff).Msg("worker error, backing off")
			sleep(ctx, p.cfg.ErrorBackoff)
		case !handled:
			sleep(ctx, p.cfg.PollInterval)
		}
	}
	log.Debug().Msg("worker stopping")
}

func (p *Pool) safeStep(ctx context.Context) (handled bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
			p.log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("worker panic recovered")
		}
	}()

	msgs, err := p.queue.Dequeue(ctx, 1)
	if err != nil {
		return false, err
	}
	if len(msgs) == 0 {
		return false, nil
	}
	for _, m := range msgs {
		if err := p.process(ctx, m); err != nil {
			return true, err
		}
	}
	return true, nil
}

// process sends one claimed message and records the outcome. The send
// observes ctx so Stop cuts limiter waits and backoffs short; the
// bookkeeping is detached from it so a claimed message is never left
// halfway.
func (p *Pool) process(ctx context.Context, msg model.QueueMessage) error {
	p.processed.Add(1)

	res, sendErr := p.send(ctx, msg)

	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.MarkTimeout)
	defer cancel()

	if sendErr != nil && ctx.Err() != nil && errors.Is(sendErr, ctx.Err()) {
		if err := p.queue.Release(mctx, msg.ID); err != nil {
			return fmt.Errorf("release %s: %w", msg.ID, err)
		}
		p.released.Add(1)
		p.log.Info().Str("message_id", msg.ID).Msg("send interrupted by stop, message released")
		return nil
	}

	if sendErr == nil {
		if err := p.queue.MarkSuccess(mctx, msg.ID); err != nil {
			return fmt.Errorf("mark %s delivered: %w", msg.ID, err)
		}
		p.delivered.Add(1)
		if p.hooks.OnDelivered != nil {
			p.hooks.OnDelivered(mctx, msg, res)
		}
		return nil
	}

	status, err := p.queue.MarkFailed(mctx, msg.ID, sendErr.Error())
	if err != nil {
		return fmt.Errorf("mark %s failed: %w", msg.ID, err)
	}
	p.failed.Add(1)
	if status == model.DeadLettered {
		p.deadLettered.Add(1)
	}
	p.log.Warn().
		Str("message_id", msg.ID).
		Str("phone", msg.Recipient).
		Str("status", string(status)).
		Err(sendErr).
		Msg("delivery attempt failed")
	if p.hooks.OnFailed != nil {
		p.hooks.OnFailed(mctx, msg, sendErr, status)
	}
	return nil
}

func (p *Pool) send(ctx context.Context, msg model.QueueMessage) (res client.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panic: %v", r)
			p.log.Error().Str("message_id", msg.ID).Interface("panic", r).Msg("send panic recovered")
		}
	}()
	return p.sender.Send(ctx, msg.Recipient, msg.Body)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
