package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/LeventeLantos/whatsapp-outbound/internal/clock"
	"github.com/LeventeLantos/whatsapp-outbound/internal/model"
)

const (
	eventsKey = "rate_limit:events"
	statsKey  = "rate_limit:stats"

	eventsTTL   = 7 * 24 * time.Hour
	hourTTL     = 2 * time.Hour
	dayTTL      = 48 * time.Hour
	hourSeconds = 3600
	daySeconds  = 86400

	// Roughly 1000 sends a day.
	estimatedQuotaPerHour = 42
)

type Thresholds struct {
	WarnHour     int64
	CriticalHour int64
	WarnDay      int64
	CriticalDay  int64
}

func DefaultThresholds() Thresholds {
	return Thresholds{WarnHour: 10, CriticalHour: 50, WarnDay: 100, CriticalDay: 500}
}

type Period string

const (
	Hour Period = "hour"
	Day  Period = "day"
	Week Period = "week"
)

func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case "":
		return Hour, nil
	case Hour, Day, Week:
		return p, nil
	default:
		return "", fmt.Errorf("invalid period %q", s)
	}
}

type Stats struct {
	Period         Period `json:"period"`
	Total          int64  `json:"total"`
	RateSpike      int64  `json:"RATE_SPIKE"`
	AccountLimit   int64  `json:"ACCOUNT_LIMIT"`
	QuotaExhausted int64  `json:"QUOTA_EXHAUSTED"`
}

type Outlook struct {
	Status         Level   `json:"status"`
	Message        string  `json:"message"`
	EventsLastHour int     `json:"rate_per_hour"`
	HoursLeft      float64 `json:"hours_until_exhaustion,omitempty"`
}

// RateLimitMonitor keeps a short history of provider 429s in Redis and
// raises operator alerts when they pile up.
type RateLimitMonitor struct {
	rdb        redis.UniversalClient
	alerter    Alerter
	thresholds Thresholds
	clock      clock.Clock
	log        zerolog.Logger
}

func New(rdb redis.UniversalClient, alerter Alerter, th Thresholds, c clock.Clock, log zerolog.Logger) *RateLimitMonitor {
	if c == nil {
		c = clock.Real{}
	}
	return &RateLimitMonitor{
		rdb:        rdb,
		alerter:    alerter,
		thresholds: th,
		clock:      c,
		log:        log.With().Str("comp", "monitor").Logger(),
	}
}

func hourKey(t time.Time) string { return fmt.Sprintf("%s:hour:%d", statsKey, t.Unix()/hourSeconds) }
func dayKey(t time.Time) string  { return fmt.Sprintf("%s:day:%d", statsKey, t.Unix()/daySeconds) }

// Record stores ev and checks the alert thresholds.
func (m *RateLimitMonitor) Record(ctx context.Context, ev model.RateLimitEvent) error {
	now := m.clock.Now()
	if ev.At.IsZero() {
		ev.At = now
	}
	member, err := json.Marshal(struct {
		ID string `json:"id"`
		model.RateLimitEvent
	}{uuid.NewString(), ev})
	if err != nil {
		return fmt.Errorf("encode rate limit event: %w", err)
	}

	hk, dk := hourKey(now), dayKey(now)
	kind := string(ev.Kind)

	pipe := m.rdb.TxPipeline()
	pipe.ZAdd(ctx, eventsKey, redis.Z{Score: float64(ev.At.UnixMicro()) / 1e6, Member: member})
	pipe.ZRemRangeByScore(ctx, eventsKey, "-inf", "("+strconv.FormatFloat(float64(now.Add(-eventsTTL).UnixMicro())/1e6, 'f', 6, 64))
	pipe.Expire(ctx, eventsKey, eventsTTL)
	hourTotal := pipe.Incr(ctx, hk+":total")
	pipe.Incr(ctx, hk+":"+kind)
	dayTotal := pipe.Incr(ctx, dk+":total")
	pipe.Incr(ctx, dk+":"+kind)
	for _, k := range []string{hk + ":total", hk + ":" + kind} {
		pipe.Expire(ctx, k, hourTTL)
	}
	for _, k := range []string{dk + ":total", dk + ":" + kind} {
		pipe.Expire(ctx, k, dayTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record rate limit event: %w", err)
	}

	m.log.Warn().
		Str("kind", kind).
		Float64("retry_after_s", ev.RetryAfter.Seconds()).
		Str("phone", ev.Recipient).
		Msg("rate limit recorded")

	if ev.Kind == model.QuotaExhausted {
		m.alert(ctx, Critical, fmt.Sprintf("provider quota exhausted: %s (retry after %s)", ev.Reason, ev.RetryAfter),
			map[string]any{"retry_after_s": ev.RetryAfter.Seconds()})
	}
	m.checkThresholds(ctx, hourTotal.Val(), dayTotal.Val())
	return nil
}

// checkThresholds alerts once per period and level, when the count first
// reaches the threshold.
func (m *RateLimitMonitor) checkThresholds(ctx context.Context, hour, day int64) {
	switch hour {
	case m.thresholds.CriticalHour:
		m.alert(ctx, Critical, fmt.Sprintf("provider rate limit hit %d times this hour", hour), map[string]any{"hits_this_hour": hour})
	case m.thresholds.WarnHour:
		m.alert(ctx, Warning, fmt.Sprintf("provider rate limit hit %d times this hour", hour), map[string]any{"hits_this_hour": hour})
	}
	switch day {
	case m.thresholds.CriticalDay:
		m.alert(ctx, Critical, fmt.Sprintf("provider rate limit hit %d times today", day), map[string]any{"hits_today": day})
	case m.thresholds.WarnDay:
		m.alert(ctx, Warning, fmt.Sprintf("provider rate limit hit %d times today", day), map[string]any{"hits_today": day})
	}
}

func (m *RateLimitMonitor) alert(ctx context.Context, level Level, msg string, fields map[string]any) {
	if m.alerter == nil {
		return
	}
	m.alerter.Alert(ctx, Alert{Level: level, Source: "rate_limit", Message: msg, Fields: fields, At: m.clock.Now()})
}

// Stats returns the counters of the current hour, the current day or the
// last seven days.
func (m *RateLimitMonitor) Stats(ctx context.Context, period Period) (Stats, error) {
	now := m.clock.Now()
	var prefixes []string
	switch period {
	case Hour:
		prefixes = []string{hourKey(now)}
	case Day:
		prefixes = []string{dayKey(now)}
	case Week:
		for i := 0; i < 7; i++ {
			prefixes = append(prefixes, dayKey(now.Add(-time.Duration(i)*24*time.Hour)))
		}
	default:
		return Stats{}, fmt.Errorf("invalid period %q", period)
	}

	kinds := []string{"total", string(model.RateSpike), string(model.AccountLimit), string(model.QuotaExhausted)}
	keys := make([]string, 0, len(prefixes)*len(kinds))
	for _, p := range prefixes {
		for _, k := range kinds {
			keys = append(keys, p+":"+k)
		}
	}
	vals, err := m.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("rate limit stats: %w", err)
	}

	st := Stats{Period: period}
	for i, v := range vals {
		n := toInt(v)
		switch kinds[i%len(kinds)] {
		case "total":
			st.Total += n
		case string(model.RateSpike):
			st.RateSpike += n
		case string(model.AccountLimit):
			st.AccountLimit += n
		case string(model.QuotaExhausted):
			st.QuotaExhausted += n
		}
	}
	return st, nil
}

// Events returns the recorded events since the given time, oldest first.
func (m *RateLimitMonitor) Events(ctx context.Context, since time.Time) ([]model.RateLimitEvent, error) {
	raws, err := m.rdb.ZRangeByScore(ctx, eventsKey, &redis.ZRangeBy{
		Min: strconv.FormatFloat(float64(since.UnixMicro())/1e6, 'f', 6, 64),
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("rate limit events: %w", err)
	}
	out := make([]model.RateLimitEvent, 0, len(raws))
	for _, raw := range raws {
		var ev model.RateLimitEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Outlook estimates how close the account is to its provider quota from
// the last hour of events.
func (m *RateLimitMonitor) Outlook(ctx context.Context) (Outlook, error) {
	events, err := m.Events(ctx, m.clock.Now().Add(-time.Hour))
	if err != nil {
		return Outlook{}, err
	}

	quota := 0
	for _, ev := range events {
		if ev.Kind == model.QuotaExhausted {
			quota++
		}
	}
	n := len(events)
	switch {
	case quota > 0:
		return Outlook{Status: Critical, Message: fmt.Sprintf("quota exhausted %d times in the last hour", quota), EventsLastHour: n}, nil
	case float64(n) > estimatedQuotaPerHour*0.8:
		return Outlook{
			Status:         Warning,
			Message:        fmt.Sprintf("rate limit hits approaching quota (%d/hour)", n),
			EventsLastHour: n,
			HoursLeft:      float64(estimatedQuotaPerHour) / float64(n),
		}, nil
	default:
		return Outlook{Status: OK, Message: "rate limit usage within normal range", EventsLastHour: n}, nil
	}
}

func toInt(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
