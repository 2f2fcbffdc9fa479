package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)
	mux.HandleFunc("GET /v1/ready", h.Ready)

	mux.HandleFunc("GET /v1/queue/stats", h.QueueStats)
	mux.HandleFunc("GET /v1/queue/messages/{id}", h.GetMessage)
	mux.HandleFunc("GET /v1/queue/dead-letters", h.ListDeadLetters)
	mux.HandleFunc("POST /v1/queue/dead-letters/{id}/requeue", h.RequeueDeadLetter)
	mux.HandleFunc("DELETE /v1/queue/dead-letters/{id}", h.PurgeDeadLetter)
	mux.HandleFunc("GET /v1/dead-letters/archive", h.ListArchivedDeadLetters)
	mux.HandleFunc("POST /v1/dead-letters/archive/{id}/resolve", h.ResolveDeadLetter)

	mux.HandleFunc("GET /v1/workers/status", h.WorkersStatus)
	mux.HandleFunc("POST /v1/workers/start", h.WorkersStart)
	mux.HandleFunc("POST /v1/workers/stop", h.WorkersStop)
	mux.HandleFunc("GET /v1/jobs", h.JobsStatus)

	mux.HandleFunc("POST /v1/messages", h.SendMessage)
	mux.HandleFunc("GET /v1/messages/{id}/receipt", h.GetReceipt)

	mux.HandleFunc("GET /v1/sessions/{id}", h.GetSession)
	mux.HandleFunc("PUT /v1/sessions/{id}", h.PutSession)
	mux.HandleFunc("PATCH /v1/sessions/{id}", h.UpdateSession)
	mux.HandleFunc("POST /v1/sessions/{id}/history", h.AppendSessionHistory)
	mux.HandleFunc("DELETE /v1/sessions/{id}", h.DeleteSession)

	mux.HandleFunc("GET /v1/rate-limits", h.RateLimitStats)
	mux.HandleFunc("GET /v1/alerts", h.RecentAlerts)

	if h.d.Metrics != nil {
		mux.Handle("GET /metrics", h.d.Metrics)
	}

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("whatsapp-outbound"))
	})

	return mux
}
