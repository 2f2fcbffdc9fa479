package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type fakeQueue struct {
	gotOffset, gotLimit int
	requeued            []string
	purged              []string

	stats    model.QueueStats
	items    []model.DeadLetter
	messages map[string]model.QueueMessage
	err      error
}

func (f *fakeQueue) Stats(context.Context) (model.QueueStats, error) { return f.stats, f.err }

func (f *fakeQueue) Get(_ context.Context, id string) (model.QueueMessage, error) {
	m, ok := f.messages[id]
	if !ok {
		return model.QueueMessage{}, queue.ErrNotFound
	}
	return m, nil
}

func (f *fakeQueue) Locate(_ context.Context, id string) (model.Status, error) {
	if _, ok := f.messages[id]; !ok {
		return "", queue.ErrNotFound
	}
	return model.RetryWaiting, nil
}

func (f *fakeQueue) DeadLetters(_ context.Context, offset, limit int) ([]model.DeadLetter, error) {
	f.gotOffset, f.gotLimit = offset, limit
	return f.items, f.err
}

func (f *fakeQueue) RequeueDeadLetter(_ context.Context, id string) error {
	if id == "missing" {
		return fmt.Errorf("requeue %s: %w", id, queue.ErrNotFound)
	}
	f.requeued = append(f.requeued, id)
	return f.err
}

func (f *fakeQueue) PurgeDeadLetter(_ context.Context, id string) error {
	if id == "missing" {
		return fmt.Errorf("purge %s: %w", id, queue.ErrNotFound)
	}
	f.purged = append(f.purged, id)
	return f.err
}

type fakeWorkers struct{ running bool }

func (f *fakeWorkers) Start() bool {
	was := f.running
	f.running = true
	return !was
}

func (f *fakeWorkers) Stop() bool {
	was := f.running
	f.running = false
	return was
}

func (f *fakeWorkers) Status() worker.Status { return worker.Status{Running: f.running, Workers: 5} }

type fakeEnqueuer struct {
	got []model.OutboundRequest
	err error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, req model.OutboundRequest) (string, error) {
	f.got = append(f.got, req)
	return "msg_1_361", f.err
}

type fakeRateLimits struct{ gotPeriod monitor.Period }

func (f *fakeRateLimits) Stats(_ context.Context, p monitor.Period) (monitor.Stats, error) {
	f.gotPeriod = p
	return monitor.Stats{Period: p, Total: 4, RateSpike: 4}, nil
}

func (f *fakeRateLimits) Outlook(context.Context) (monitor.Outlook, error) {
	return monitor.Outlook{Status: monitor.OK}, nil
}

type fakeArchive struct {
	gotResolved bool
	notes       string
}

func (f *fakeArchive) Archive(context.Context, model.DeadLetter) error { return nil }

func (f *fakeArchive) List(_ context.Context, _, _ int, includeResolved bool) ([]model.DeadLetter, error) {
	f.gotResolved = includeResolved
	return []model.DeadLetter{{MessageID: "msg_a"}}, nil
}

func (f *fakeArchive) MarkResolved(_ context.Context, id, notes string) error {
	if id == "missing" {
		return repo.ErrNotFound
	}
	f.notes = notes
	return nil
}

type fakeReceipts struct{}

func (fakeReceipts) StoreSent(context.Context, string, string, time.Time) error { return nil }

func (fakeReceipts) Lookup(_ context.Context, id string) (cache.Receipt, error) {
	if id != "msg_1" {
		return cache.Receipt{}, cache.ErrNoReceipt
	}
	return cache.Receipt{RemoteMessageID: "wamid.1"}, nil
}

type env struct {
	queue    *fakeQueue
	workers  *fakeWorkers
	enqueuer *fakeEnqueuer
	limits   *fakeRateLimits
	archive  *fakeArchive
	pingErr  error
	mux      http.Handler
}

func newTestServer(t *testing.T) *env {
	t.Helper()

	e := &env{
		queue:    &fakeQueue{messages: map[string]model.QueueMessage{"msg_1": {ID: "msg_1", Recipient: "361"}}},
		workers:  &fakeWorkers{},
		enqueuer: &fakeEnqueuer{},
		limits:   &fakeRateLimits{},
		archive:  &fakeArchive{},
	}
	h := NewHandler(Deps{
		Queue:      e.queue,
		Workers:    e.workers,
		Outbox:     service.NewOutbox(e.enqueuer, 10, zerolog.Nop()),
		RateLimits: e.limits,
		Redis:      PingFunc(func(context.Context) error { return e.pingErr }),
		Breakers: func() []breaker.Snapshot {
			return []breaker.Snapshot{{Name: "outbound-send", State: breaker.Open}}
		},
		Archive:  e.archive,
		Receipts: fakeReceipts{},
		Alerts: func() []monitor.Alert {
			return []monitor.Alert{{Level: monitor.Critical, Message: "quota"}}
		},
		Limiter: func() ratelimit.Snapshot {
			return ratelimit.Snapshot{InWindow: 3, MaxPerWindow: 20}
		},
		Jobs: func() []scheduler.Status {
			return []scheduler.Status{{Name: "reconcile-stale", Running: true, Runs: 3, Failures: 1}}
		},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("metrics")) }),
		Log:     zerolog.Nop(),
	})
	e.mux = Router(h)
	return e
}

func (e *env) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var m map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &m), "body=%q", rr.Body.String())
	return m
}

func TestHealth(t *testing.T) {
	e := newTestServer(t)

	rr := e.do(t, http.MethodGet, "/v1/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.Equal(t, true, decodeJSON(t, rr)["ok"])
}

func TestReady(t *testing.T) {
	e := newTestServer(t)

	rr := e.do(t, http.MethodGet, "/v1/ready", "")
	require.Equal(t, http.StatusOK, rr.Code, "open breaker alone does not fail readiness")
	body := decodeJSON(t, rr)
	assert.Equal(t, true, body["ready"])
	assert.Len(t, body["breakers"], 1)

	e.pingErr = errors.New("dial tcp: connection refused")
	rr = e.do(t, http.MethodGet, "/v1/ready", "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	body = decodeJSON(t, rr)
	assert.Equal(t, false, body["ready"])
	assert.Contains(t, body["redis"], "connection refused")
}

func TestQueueStats(t *testing.T) {
	e := newTestServer(t)
	e.queue.stats = model.QueueStats{PendingHigh: 1, PendingTotal: 1}

	rr := e.do(t, http.MethodGet, "/v1/queue/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeJSON(t, rr)
	q := body["queue"].(map[string]any)
	assert.EqualValues(t, 1, q["pending_total"])
	assert.Len(t, body["breakers"], 1)

	e.queue.err = errors.New("redis down")
	rr = e.do(t, http.MethodGet, "/v1/queue/stats", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "redis down")
}

func TestGetMessage(t *testing.T) {
	e := newTestServer(t)

	rr := e.do(t, http.MethodGet, "/v1/queue/messages/msg_1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "failed", decodeJSON(t, rr)["status"])

	rr = e.do(t, http.MethodGet, "/v1/queue/messages/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDeadLetters_ListDefaultsAndArgs(t *testing.T) {
	e := newTestServer(t)
	e.queue.items = []model.DeadLetter{{MessageID: "msg_x", RetryCount: 3}}

	rr := e.do(t, http.MethodGet, "/v1/queue/dead-letters", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 50, e.queue.gotLimit)
	assert.Equal(t, 0, e.queue.gotOffset)
	assert.Len(t, decodeJSON(t, rr)["items"], 1)

	e.do(t, http.MethodGet, "/v1/queue/dead-letters?limit=10&offset=5", "")
	assert.Equal(t, 10, e.queue.gotLimit)
	assert.Equal(t, 5, e.queue.gotOffset)

	e.do(t, http.MethodGet, "/v1/queue/dead-letters?limit=abc&offset=zzz", "")
	assert.Equal(t, 50, e.queue.gotLimit)
	assert.Equal(t, 0, e.queue.gotOffset)
}

func TestDeadLetters_RequeueAndPurge(t *testing.T) {
	e := newTestServer(t)

	rr := e.do(t, http.MethodPost, "/v1/queue/dead-letters/msg_x/requeue", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"msg_x"}, e.queue.requeued)

	rr = e.do(t, http.MethodPost, "/v1/queue/dead-letters/missing/requeue", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = e.do(t, http.MethodDelete, "/v1/queue/dead-letters/msg_y", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"msg_y"}, e.queue.purged)

	rr = e.do(t, http.MethodDelete, "/v1/queue/dead-letters/missing", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestArchive(t *testing.T) {
	e := newTestServer(t)

	rr := e.do(t, http.MethodGet, "/v1/dead-letters/archive?resolved=true", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, e.archive.gotResolved)

	rr = e.do(t, http.MethodPost, "/v1/dead-letters/archive/msg_a/resolve", `{"notes":"resent by hand"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "resent by hand", e.archive.notes)

	rr = e.do(t, http.MethodPost, "/v1/dead-letters/archive/missing/resolve", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = e.do(t, http.MethodPost, "/v1/dead-letters/archive/msg_a/resolve", "{")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestArchive_NotConfigured(t *testing.T) {
	h := NewHandler(Deps{Log: zerolog.Nop()})
	rr := httptest.NewRecorder()
	Router(h).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/dead-letters/archive", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestWorkerEndpoints(t *testing.T) {
	e := newTestServer(t)

	rr := e.do(t, http.MethodGet, "/v1/workers/status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, decodeJSON(t, rr)["running"])

	rr = e.do(t, http.MethodPost, "/v1/workers/start", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decodeJSON(t, rr)["running"])

	rr = e.do(t, http.MethodPost, "/v1/workers/stop", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, decodeJSON(t, rr)["running"])
}

func TestSendMessage(t *testing.T) {
	e := newTestServer(t)

	rr := e.do(t, http.MethodPost, "/v1/messages", `{"recipient":"+361","body":"hi","priority":"high"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "msg_1_361", decodeJSON(t, rr)["message_id"])
	require.Len(t, e.enqueuer.got, 1)
	assert.Equal(t, model.High, e.enqueuer.got[0].Priority)
}

func TestSendMessage_Rejections(t *testing.T) {
	e := newTestServer(t)

	cases := []struct {
		name string
		body string
		code int
	}{
		{"bad json", "{", http.StatusBadRequest},
		{"empty recipient", `{"body":"hi"}`, http.StatusBadRequest},
		{"too long", `{"recipient":"1","body":"this is way past ten"}`, http.StatusBadRequest},
		{"bad priority", `{"recipient":"1","body":"hi","priority":"asap"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := e.do(t, http.MethodPost, "/v1/messages", tc.body)
			assert.Equal(t, tc.code, rr.Code, rr.Body.String())
		})
	}
	assert.Empty(t, e.enqueuer.got)

	e.enqueuer.err = errors.New("redis down")
	rr := e.do(t, http.MethodPost, "/v1/messages", `{"recipient":"1","body":"hi"}`)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestGetReceipt(t *testing.T) {
	e := newTestServer(t)

	rr := e.do(t, http.MethodGet, "/v1/messages/msg_1/receipt", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "wamid.1", decodeJSON(t, rr)["remoteMessageId"])

	rr = e.do(t, http.MethodGet, "/v1/messages/msg_2/receipt", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRateLimitStats(t *testing.T) {
	e := newTestServer(t)

	rr := e.do(t, http.MethodGet, "/v1/rate-limits", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, monitor.Hour, e.limits.gotPeriod)
	body := decodeJSON(t, rr)
	assert.EqualValues(t, 4, body["stats"].(map[string]any)["total"])
	assert.Equal(t, "OK", body["outlook"].(map[string]any)["status"])
	assert.EqualValues(t, 3, body["limiter"].(map[string]any)["in_window"])

	e.do(t, http.MethodGet, "/v1/rate-limits?period=day", "")
	assert.Equal(t, monitor.Day, e.limits.gotPeriod)

	rr = e.do(t, http.MethodGet, "/v1/rate-limits?period=century", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRecentAlerts(t *testing.T) {
	e := newTestServer(t)

	rr := e.do(t, http.MethodGet, "/v1/alerts", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeJSON(t, rr)["items"], 1)
}

func TestJobsStatus(t *testing.T) {
	e := newTestServer(t)

	rr := e.do(t, http.MethodGet, "/v1/jobs", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Jobs []scheduler.Status `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Jobs, 1)
	assert.Equal(t, "reconcile-stale", body.Jobs[0].Name)
	assert.Equal(t, uint64(1), body.Jobs[0].Failures)
}

func TestMetricsAndRoot(t *testing.T) {
	e := newTestServer(t)

	rr := e.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "metrics", rr.Body.String())

	rr = e.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "whatsapp-outbound", strings.TrimSpace(rr.Body.String()))

	rr = e.do(t, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func newSessionServer(t *testing.T) (http.Handler, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	store := session.New(rdb, breaker.New("state-read"), breaker.New("state-write"), session.DefaultConfig())
	return Router(NewHandler(Deps{Sessions: store, Log: zerolog.Nop()})), mr
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rr
}

func TestSessions_RoundTrip(t *testing.T) {
	h, mr := newSessionServer(t)

	rr := serve(h, http.MethodPatch, "/v1/sessions/361", `{"data":{"lang":"hu"},"ttl_seconds":60}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, time.Minute, mr.TTL("session:361"))

	rr = serve(h, http.MethodPost, "/v1/sessions/361/history", `{"role":"user","content":"hello"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = serve(h, http.MethodGet, "/v1/sessions/361", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeJSON(t, rr)
	assert.Equal(t, false, body["degraded"])
	sess := body["session"].(map[string]any)
	assert.Equal(t, "hu", sess["lang"])
	assert.Equal(t, "hello", sess["last_message"])

	rr = serve(h, http.MethodDelete, "/v1/sessions/361", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, mr.Exists("session:361"))
}

func TestSessions_PutReplaces(t *testing.T) {
	h, mr := newSessionServer(t)

	rr := serve(h, http.MethodPatch, "/v1/sessions/361", `{"data":{"lang":"hu","step":1}}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = serve(h, http.MethodPut, "/v1/sessions/361", `{"data":{"lang":"en"}}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	sess := decodeJSON(t, serve(h, http.MethodGet, "/v1/sessions/361", ""))["session"].(map[string]any)
	assert.Equal(t, "en", sess["lang"])
	assert.NotContains(t, sess, "step")

	rr = serve(h, http.MethodPut, "/v1/sessions/362?async=true", `{"data":{"lang":"de"},"ttl_seconds":30}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Eventually(t, func() bool { return mr.Exists("session:362") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 30*time.Second, mr.TTL("session:362"))
}

func TestSessions_BadRequests(t *testing.T) {
	h, _ := newSessionServer(t)

	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodPut, "/v1/sessions/1", `nope`).Code)

	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodPatch, "/v1/sessions/1", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, serve(h, http.MethodPost, "/v1/sessions/1/history", `{"content":"x"}`).Code)
}

func TestSessions_Degraded(t *testing.T) {
	h, mr := newSessionServer(t)
	mr.Close()

	rr := serve(h, http.MethodGet, "/v1/sessions/361", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decodeJSON(t, rr)
	assert.Equal(t, true, body["degraded"])
	assert.Empty(t, body["session"])

	rr = serve(h, http.MethodPatch, "/v1/sessions/361", `{"data":{"a":1}}`)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
