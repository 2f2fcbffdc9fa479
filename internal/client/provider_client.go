package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/whatsapp-outbound/internal/clock"
	"github.com/LeventeLantos/whatsapp-outbound/internal/model"
)

const (
	defaultRetryAfter = 5 * time.Second
	accountLimitFrom  = 300 * time.Second
	quotaLimitAbove   = time.Hour
	maxJitter         = 2 * time.Second
	slowResponse      = time.Second
	verySlowResponse  = 2 * time.Second
)

// Breaker is the part of breaker.Breaker the client needs.
type Breaker interface {
	Allow() error
	RecordFailure()
}

// Limiter paces outbound calls.
type Limiter interface {
	Wait(ctx context.Context) error
}

type Config struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	MaxRetries   int
	FallbackText string
}

type Result struct {
	StatusCode      int           `json:"status_code"`
	RemoteMessageID string        `json:"remote_message_id,omitempty"`
	Duration        time.Duration `json:"duration"`
	Attempts        int           `json:"attempts"`
}

type Hooks struct {
	OnSent        func(recipient string, res Result)
	OnRateLimited func(ev model.RateLimitEvent)
	OnFailed      func(recipient string, err error)
}

// ProviderClient delivers one message at a time to the messaging provider.
// Every attempt goes through the breaker and the limiter.
type ProviderClient struct {
	cfg     Config
	url     string
	client  *http.Client
	breaker Breaker
	limiter Limiter
	clock   clock.Clock
	log     zerolog.Logger
	hooks   Hooks
	rand    func() float64
}

type Option func(*ProviderClient)

func WithHTTPClient(c *http.Client) Option {
	return func(p *ProviderClient) { p.client = c }
}

func WithClock(c clock.Clock) Option {
	return func(p *ProviderClient) { p.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *ProviderClient) { p.log = l }
}

func WithHooks(h Hooks) Option {
	return func(p *ProviderClient) { p.hooks = h }
}

// WithRandom replaces the jitter source. f must return values in [0, 1).
func WithRandom(f func() float64) Option {
	return func(p *ProviderClient) { p.rand = f }
}

func NewProviderClient(cfg Config, br Breaker, lim Limiter, opts ...Option) *ProviderClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.FallbackText == "" {
		cfg.FallbackText = DefaultFallbackText
	}

	p := &ProviderClient{
		cfg:     cfg,
		url:     strings.TrimRight(cfg.BaseURL, "/") + "/api/send-message",
		client:  &http.Client{},
		breaker: br,
		limiter: lim,
		clock:   clock.Real{},
		log:     zerolog.Nop(),
		rand:    rand.Float64,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With().Str("comp", "provider").Logger()
	return p
}

type sendRequest struct {
	SessionID string `json:"sessionId"`
	To        string `json:"to"`
	Text      string `json:"text"`
}

type rateLimitBody struct {
	RetryAfter *float64 `json:"retry_after"`
	ErrorType  string   `json:"error_type"`
	Reason     string   `json:"reason"`
}

// Send delivers body to recipient. Timeouts and rate limits are retried
// inside a bounded loop; any other failure is returned at once.
func (p *ProviderClient) Send(ctx context.Context, recipient, body string) (Result, error) {
	phone := NormalizePhone(recipient)
	text := p.sanitize(body, phone)

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := p.breaker.Allow(); err != nil {
			p.log.Error().Err(err).Str("phone", phone).Msg("cannot send message, breaker open")
			return p.fail(phone, attempt, err)
		}
		if attempt >= p.cfg.MaxRetries {
			err := fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, lastErr)
			p.log.Error().Str("phone", phone).Int("attempt", attempt).Msg("max retries exceeded, giving up")
			return p.fail(phone, attempt, err)
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return p.fail(phone, attempt, err)
		}

		if attempt == 0 {
			p.log.Info().Str("phone", phone).Str("content", truncate(text, 200)).Msg("sending message")
		} else {
			p.log.Info().Str("phone", phone).Int("attempt", attempt).Int("max_retries", p.cfg.MaxRetries).Msg("retrying send")
		}

		// The request itself is not abandoned on cancellation so a message the
		// provider accepted is always reported; post bounds it by the timeout.
		res, err := p.post(context.WithoutCancel(ctx), phone, text)
		if err == nil {
			res.Attempts = attempt + 1
			p.logLatency(phone, res)
			if p.hooks.OnSent != nil {
				p.hooks.OnSent(phone, res)
			}
			return res, nil
		}
		lastErr = err

		wait, retry := p.backoff(phone, attempt, err)
		if !retry {
			return p.fail(phone, attempt+1, err)
		}
		p.log.Warn().
			Str("phone", phone).
			Int("attempt", attempt+1).
			Dur("backoff", wait).
			Err(err).
			Msg("send failed, backing off")
		if err := p.clock.Sleep(ctx, wait); err != nil {
			return p.fail(phone, attempt+1, err)
		}
	}
}

func (p *ProviderClient) fail(phone string, attempts int, err error) (Result, error) {
	if errors.Is(err, context.Canceled) {
		p.log.Info().Str("phone", phone).Int("attempt", attempts).Msg("send canceled")
		return Result{Attempts: attempts}, err
	}
	if p.hooks.OnFailed != nil {
		p.hooks.OnFailed(phone, err)
	}
	return Result{Attempts: attempts}, err
}

// backoff decides whether err is worth another attempt and how long to wait
// first.
func (p *ProviderClient) backoff(phone string, attempt int, err error) (time.Duration, bool) {
	var rl *RateLimitError
	var te *TransientError
	switch {
	case errors.As(err, &rl):
		switch rl.Kind {
		case model.QuotaExhausted:
			p.log.Error().Str("phone", phone).Str("kind", string(rl.Kind)).Str("reason", rl.Reason).
				Float64("retry_after_s", rl.RetryAfter.Seconds()).Msg("provider quota exhausted, not retrying")
			return 0, false
		case model.AccountLimit:
			if attempt >= 1 {
				p.log.Error().Str("phone", phone).Str("kind", string(rl.Kind)).Str("reason", rl.Reason).
					Float64("retry_after_s", rl.RetryAfter.Seconds()).Msg("account limit persists, not retrying")
				return 0, false
			}
		}
		base := rl.RetryAfter + pow2(attempt)
		jitter := time.Duration(p.rand() * float64(min(base/10, maxJitter)))
		return base + jitter, true

	case errors.As(err, &te) && te.Timeout:
		if attempt >= p.cfg.MaxRetries-1 {
			p.log.Error().Str("phone", phone).Msg("max timeout retries exceeded")
			return 0, false
		}
		return pow2(attempt) + time.Duration(p.rand()*float64(time.Second)), true
	}

	p.log.Error().Err(err).Str("phone", phone).Str("url", p.url).Msg("provider send failed")
	return 0, false
}

func (p *ProviderClient) post(ctx context.Context, phone, text string) (Result, error) {
	reqBody, err := json.Marshal(sendRequest{SessionID: p.cfg.APIKey, To: phone, Text: text})
	if err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(reqBody))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}, &TransientError{Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	elapsed := time.Since(start)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{}, p.rateLimited(phone, resp.Header, body)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Result{}, &PermanentError{Status: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	if readErr != nil {
		p.log.Warn().Err(readErr).Str("phone", phone).Int("status", resp.StatusCode).
			Msg("response body unreadable, remote message id unknown")
	}
	return Result{
		StatusCode:      resp.StatusCode,
		RemoteMessageID: remoteMessageID(body),
		Duration:        elapsed,
	}, nil
}

// rateLimited records the 429 with the breaker and classifies it.
func (p *ProviderClient) rateLimited(phone string, h http.Header, body []byte) *RateLimitError {
	p.breaker.RecordFailure()

	p.log.Warn().
		Str("phone", phone).
		Str("limit", headerOr(h, "X-RateLimit-Limit")).
		Str("remaining", headerOr(h, "X-RateLimit-Remaining")).
		Str("reset", headerOr(h, "X-RateLimit-Reset")).
		Str("retry_after", headerOr(h, "Retry-After")).
		Msg("provider returned 429")

	retryAfter := defaultRetryAfter
	if v, err := strconv.Atoi(strings.TrimSpace(h.Get("Retry-After"))); err == nil && v >= 0 {
		retryAfter = time.Duration(v) * time.Second
	}
	reason := "rate_limit_exceeded"
	var rb rateLimitBody
	var errorType string
	if json.Unmarshal(body, &rb) == nil {
		if rb.RetryAfter != nil && *rb.RetryAfter >= 0 {
			retryAfter = time.Duration(*rb.RetryAfter * float64(time.Second))
		}
		if rb.Reason != "" {
			reason = rb.Reason
		}
		errorType = strings.ToUpper(strings.TrimSpace(rb.ErrorType))
	}

	kind := ClassifyRetryAfter(retryAfter)
	if model.RateLimitKind(errorType) == model.QuotaExhausted {
		kind = model.QuotaExhausted
	}

	if p.hooks.OnRateLimited != nil {
		p.hooks.OnRateLimited(model.RateLimitEvent{
			Recipient:  phone,
			Kind:       kind,
			RetryAfter: retryAfter,
			Reason:     reason,
			Limit:      h.Get("X-RateLimit-Limit"),
			Remaining:  h.Get("X-RateLimit-Remaining"),
			Reset:      h.Get("X-RateLimit-Reset"),
			At:         p.clock.Now(),
		})
	}
	return &RateLimitError{Kind: kind, RetryAfter: retryAfter, Reason: reason}
}

// ClassifyRetryAfter maps a provider retry hint to the kind of limit hit.
func ClassifyRetryAfter(d time.Duration) model.RateLimitKind {
	switch {
	case d > quotaLimitAbove:
		return model.QuotaExhausted
	case d >= accountLimitFrom:
		return model.AccountLimit
	default:
		return model.RateSpike
	}
}

func (p *ProviderClient) sanitize(text, phone string) string {
	if !LooksStructured(text) {
		return text
	}
	p.log.Error().Str("phone", phone).Str("content", truncate(text, 120)).Msg("structured payload in outgoing text, replaced with fallback")
	return p.cfg.FallbackText
}

func (p *ProviderClient) logLatency(phone string, res Result) {
	ev := p.log.Info()
	msg := "message sent"
	switch {
	case res.Duration > verySlowResponse:
		ev, msg = p.log.Warn(), "provider slow response"
	case res.Duration > slowResponse:
		ev, msg = p.log.Warn(), "provider degraded response"
	}
	ev.Str("phone", phone).
		Int("attempt", res.Attempts).
		Int("status", res.StatusCode).
		Int64("duration_ms", res.Duration.Milliseconds()).
		Msg(msg)
}

func remoteMessageID(body []byte) string {
	var v struct {
		MessageID json.RawMessage `json:"messageId"`
		Data      struct {
			MsgID json.RawMessage `json:"msgId"`
		} `json:"data"`
	}
	if json.Unmarshal(body, &v) != nil {
		return ""
	}
	if id := rawID(v.Data.MsgID); id != "" {
		return id
	}
	return rawID(v.MessageID)
}

func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func pow2(attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt)) * float64(time.Second))
}

func headerOr(h http.Header, key string) string {
	if v := h.Get(key); v != "" {
		return v
	}
	return "N/A"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
