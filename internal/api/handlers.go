package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/whatsapp-outbound/internal/breaker"
	"github.com/LeventeLantos/whatsapp-outbound/internal/cache"
	"github.com/LeventeLantos/whatsapp-outbound/internal/model"
	"github.com/LeventeLantos/whatsapp-outbound/internal/monitor"
	"github.com/LeventeLantos/whatsapp-outbound/internal/queue"
	"github.com/LeventeLantos/whatsapp-outbound/internal/ratelimit"
	"github.com/LeventeLantos/whatsapp-outbound/internal/repo"
	"github.com/LeventeLantos/whatsapp-outbound/internal/scheduler"
	"github.com/LeventeLantos/whatsapp-outbound/internal/service"
	"github.com/LeventeLantos/whatsapp-outbound/internal/session"
	"github.com/LeventeLantos/whatsapp-outbound/internal/worker"
)

const readyTimeout = 2 * time.Second

type QueueAdmin interface {
	Stats(ctx context.Context) (model.QueueStats, error)
	Get(ctx context.Context, id string) (model.QueueMessage, error)
	Locate(ctx context.Context, id string) (model.Status, error)
	DeadLetters(ctx context.Context, offset, limit int) ([]model.DeadLetter, error)
	RequeueDeadLetter(ctx context.Context, id string) error
	PurgeDeadLetter(ctx context.Context, id string) error
}

type Workers interface {
	Start() bool
	Stop() bool
	Status() worker.Status
}

type Outbox interface {
	Send(ctx context.Context, req model.OutboundRequest) (string, error)
}

type RateLimits interface {
	Stats(ctx context.Context, period monitor.Period) (monitor.Stats, error)
	Outlook(ctx context.Context) (monitor.Outlook, error)
}

type Sessions interface {
	Get(ctx context.Context, id string) (session.Data, error)
	Put(ctx context.Context, id string, data session.Data, ttl time.Duration) error
	PutAsync(id string, data session.Data, ttl time.Duration)
	Update(ctx context.Context, id string, patch session.Data, ttl time.Duration) error
	AppendHistory(ctx context.Context, id, role, content string) error
	Delete(ctx context.Context, id string) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Deps wires the handler. Everything from Archive on is optional.
type Deps struct {
	Queue      QueueAdmin
	Workers    Workers
	Outbox     Outbox
	RateLimits RateLimits
	Sessions   Sessions
	Redis      Pinger
	Breakers   func() []breaker.Snapshot
	Archive    repo.DeadLetterArchive
	Receipts   cache.ReceiptStore
	Alerts     func() []monitor.Alert
	Jobs       func() []scheduler.Status
	Limiter    func() ratelimit.Snapshot
	Metrics    http.Handler
	Log        zerolog.Logger
}

type Handler struct {
	d   Deps
	log zerolog.Logger
}

func NewHandler(d Deps) *Handler {
	if d.Breakers == nil {
		d.Breakers = func() []breaker.Snapshot { return nil }
	}
	return &Handler{d: d, log: d.Log.With().Str("comp", "api").Logger()}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Ready fails only when Redis is unreachable. An open breaker is reported
// but does not take the instance out of rotation.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	status := http.StatusOK
	redisState := "ok"
	if err := h.d.Redis.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		redisState = err.Error()
	}

	body := map[string]any{
		"ready":    status == http.StatusOK,
		"redis":    redisState,
		"breakers": h.d.Breakers(),
	}
	if h.d.Workers != nil {
		body["workers"] = h.d.Workers.Status()
	}
	writeJSON(w, status, body)
}

func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.d.Queue.Stats(r.Context())
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": st, "breakers": h.d.Breakers()})
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msg, err := h.d.Queue.Get(r.Context(), id)
	if err != nil {
		h.queueError(w, err)
		return
	}

	body := map[string]any{"message": msg}
	if status, err := h.d.Queue.Locate(r.Context(), id); err == nil {
		body["status"] = status
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	if h.d.Receipts == nil {
		writeError(w, http.StatusNotFound, "receipts not enabled")
		return
	}
	rc, err := h.d.Receipts.Lookup(r.Context(), r.PathValue("id"))
	if errors.Is(err, cache.ErrNoReceipt) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	items, err := h.d.Queue.DeadLetters(r.Context(), offset, limit)
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.d.Queue.RequeueDeadLetter(r.Context(), id); err != nil {
		h.queueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message_id": id, "requeued": true})
}

func (h *Handler) PurgeDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.d.Queue.PurgeDeadLetter(r.Context(), id); err != nil {
		h.queueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message_id": id, "purged": true})
}

func (h *Handler) ListArchivedDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.d.Archive == nil {
		writeError(w, http.StatusNotFound, "dead letter archive not configured")
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)
	all := r.URL.Query().Get("resolved") == "true"

	items, err := h.d.Archive.List(r.Context(), limit, offset, all)
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

func (h *Handler) ResolveDeadLetter(w http.ResponseWriter, r *http.Request) {
	if h.d.Archive == nil {
		writeError(w, http.StatusNotFound, "dead letter archive not configured")
		return
	}
	var req resolveRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
	}

	id := r.PathValue("id")
	err := h.d.Archive.MarkResolved(r.Context(), id, req.Notes)
	if errors.Is(err, repo.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message_id": id, "resolved": true})
}

func (h *Handler) WorkersStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.d.Workers.Status())
}

func (h *Handler) JobsStatus(w http.ResponseWriter, r *http.Request) {
	jobs := []scheduler.Status{}
	if h.d.Jobs != nil {
		jobs = h.d.Jobs()
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *Handler) WorkersStart(w http.ResponseWriter, r *http.Request) {
	h.d.Workers.Start()
	writeJSON(w, http.StatusOK, h.d.Workers.Status())
}

func (h *Handler) WorkersStop(w http.ResponseWriter, r *http.Request) {
	h.d.Workers.Stop()
	writeJSON(w, http.StatusOK, h.d.Workers.Status())
}

type sendRequest struct {
	Recipient  string            `json:"recipient"`
	Body       string            `json:"body"`
	Priority   string            `json:"priority"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	MaxRetries int               `json:"max_retries,omitempty"`
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	id, err := h.d.Outbox.Send(r.Context(), model.OutboundRequest{
		Recipient:  req.Recipient,
		Body:       req.Body,
		Priority:   model.Priority(req.Priority),
		Metadata:   req.Metadata,
		MaxRetries: req.MaxRetries,
	})
	if errors.Is(err, service.ErrInvalid) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"message_id": id})
}

func (h *Handler) RateLimitStats(w http.ResponseWriter, r *http.Request) {
	period, err := monitor.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := h.d.RateLimits.Stats(r.Context(), period)
	if err != nil {
		h.internalError(w, err)
		return
	}
	body := map[string]any{"stats": st}
	if o, err := h.d.RateLimits.Outlook(r.Context()); err == nil {
		body["outlook"] = o
	}
	if h.d.Limiter != nil {
		body["limiter"] = h.d.Limiter()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) RecentAlerts(w http.ResponseWriter, r *http.Request) {
	var items []monitor.Alert
	if h.d.Alerts != nil {
		items = h.d.Alerts()
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// GetSession answers with an empty session while the store is degraded,
// flagged so callers can tell it apart from a new conversation.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	d, err := h.d.Sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil && !errors.Is(err, session.ErrDegraded) {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": d, "degraded": err != nil})
}

type sessionPatch struct {
	Data       session.Data `json:"data"`
	TTLSeconds int          `json:"ttl_seconds,omitempty"`
}

func (h *Handler) UpdateSession(w http.ResponseWriter, r *http.Request) {
	var req sessionPatch
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Data == nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := h.d.Sessions.Update(r.Context(), r.PathValue("id"), req.Data, ttl); err != nil {
		h.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// PutSession replaces the whole session. With ?async=true the write is
// handed to the task pool and the call answers 202 at once.
func (h *Handler) PutSession(w http.ResponseWriter, r *http.Request) {
	var req sessionPatch
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Data == nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	id := r.PathValue("id")
	ttl := time.Duration(req.TTLSeconds) * time.Second

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		h.d.Sessions.PutAsync(id, req.Data, ttl)
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
		return
	}
	if err := h.d.Sessions.Put(r.Context(), id, req.Data, ttl); err != nil {
		h.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type historyEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (h *Handler) AppendSessionHistory(w http.ResponseWriter, r *http.Request) {
	var req historyEntry
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Role == "" {
		writeError(w, http.StatusBadRequest, "role and content are required")
		return
	}
	if err := h.d.Sessions.AppendHistory(r.Context(), r.PathValue("id"), req.Role, req.Content); err != nil {
		h.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.d.Sessions.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) sessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrDegraded) {
		h.log.Warn().Err(err).Msg("session store degraded")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	h.internalError(w, err)
}

func (h *Handler) queueError(w http.ResponseWriter, err error) {
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.internalError(w, err)
}

func (h *Handler) internalError(w http.ResponseWriter, err error) {
	h.log.Error().Err(err).Msg("request failed")
	writeError(w, http.StatusInternalServerError, err.Error())
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
