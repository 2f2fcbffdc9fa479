package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Level string

const (
	OK       Level = "OK"
	Warning  Level = "WARNING"
	Critical Level = "CRITICAL"
)

type Alert struct {
	Level   Level          `json:"level"`
	Source  string         `json:"source"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
	At      time.Time      `json:"at"`
}

// Alerter is the operator channel.
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

// LogAlerter writes alerts to the log and keeps the most recent ones for
// the API.
type LogAlerter struct {
	log  zerolog.Logger
	keep int

	mu     sync.Mutex
	recent []Alert
}

func NewLogAlerter(log zerolog.Logger, keep int) *LogAlerter {
	if keep <= 0 {
		keep = 50
	}
	return &LogAlerter{log: log.With().Str("comp", "alerts").Logger(), keep: keep}
}

func (l *LogAlerter) Alert(_ context.Context, a Alert) {
	ev := l.log.Warn()
	if a.Level == Critical {
		ev = l.log.Error()
	}
	ev.Str("level", string(a.Level)).
		Str("source", a.Source).
		Fields(a.Fields).
		Msg(a.Message)

	l.mu.Lock()
	l.recent = append(l.recent, a)
	if len(l.recent) > l.keep {
		l.recent = l.recent[len(l.recent)-l.keep:]
	}
	l.mu.Unlock()
}

// Recent returns the retained alerts, newest last.
func (l *LogAlerter) Recent() []Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Alert(nil), l.recent...)
}
