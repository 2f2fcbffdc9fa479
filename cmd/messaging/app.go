package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/whatsapp-outbound/internal/api"
	"github.com/LeventeLantos/whatsapp-outbound/internal/breaker"
	"github.com/LeventeLantos/whatsapp-outbound/internal/cache"
	"github.com/LeventeLantos/whatsapp-outbound/internal/client"
	"github.com/LeventeLantos/whatsapp-outbound/internal/clock"
	"github.com/LeventeLantos/whatsapp-outbound/internal/config"
	"github.com/LeventeLantos/whatsapp-outbound/internal/metrics"
	"github.com/LeventeLantos/whatsapp-outbound/internal/model"
	"github.com/LeventeLantos/whatsapp-outbound/internal/monitor"
	"github.com/LeventeLantos/whatsapp-outbound/internal/queue"
	"github.com/LeventeLantos/whatsapp-outbound/internal/ratelimit"
	"github.com/LeventeLantos/whatsapp-outbound/internal/repo"
	"github.com/LeventeLantos/whatsapp-outbound/internal/scheduler"
	"github.com/LeventeLantos/whatsapp-outbound/internal/service"
	"github.com/LeventeLantos/whatsapp-outbound/internal/session"
	"github.com/LeventeLantos/whatsapp-outbound/internal/tasks"
	"github.com/LeventeLantos/whatsapp-outbound/internal/worker"
)

const (
	startupTimeout  = 10 * time.Second
	shutdownTimeout = 15 * time.Second
	taskTimeout     = 30 * time.Second
)

type app struct {
	cfg *config.Config
	log zerolog.Logger

	rdb *redis.Client
	pg  *pgxpool.Pool

	tasks      *tasks.Pool
	workers    *worker.Pool
	reconciler *scheduler.Scheduler
	handler    http.Handler
}

// newApp connects to the stores and wires every component. Nothing runs in
// the background until run.
func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	a.rdb = redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.IOTimeout,
		WriteTimeout: cfg.Redis.IOTimeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if err := a.rdb.Ping(pingCtx).Err(); err != nil {
		_ = a.rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	var archive repo.DeadLetterArchive
	if cfg.Database.PostgresURL != "" {
		r, err := a.connectPostgres(pingCtx)
		if err != nil {
			a.close()
			return nil, err
		}
		archive = r
	}

	breakers := breaker.NewRegistry()
	sendBreaker := breakers.Get("outbound-send",
		breaker.WithThreshold(cfg.Breakers.SendThreshold),
		breaker.WithWindow(cfg.Breakers.SendWindow),
		breaker.WithCooldown(cfg.Breakers.SendCooldown),
		breaker.WithLogger(log),
	)
	stateOpts := []breaker.Option{
		breaker.WithThreshold(cfg.Breakers.StateThreshold),
		breaker.WithWindow(cfg.Breakers.StateWindow),
		breaker.WithCooldown(cfg.Breakers.StateCooldown),
		breaker.WithLogger(log),
	}
	readBreaker := breakers.Get("state-read", stateOpts...)
	writeBreaker := breakers.Get("state-write", stateOpts...)

	a.tasks = tasks.New(cfg.Tasks.PoolSize, taskTimeout, log)
	alerts := monitor.NewLogAlerter(log, 100)
	rateMonitor := monitor.New(a.rdb, alerts, monitor.DefaultThresholds(), clock.Real{}, log)

	q := queue.New(a.rdb, queue.Config{
		KeyPrefix:  cfg.Queue.KeyPrefix,
		MaxRetries: cfg.Queue.MaxRetries,
		LowDelay:   cfg.Queue.LowDelay,
		RetryBase:  cfg.Queue.RetryBase,
	}, queue.WithLogger(log), queue.WithDeadLetterHook(a.onDeadLetter(alerts, archive)))

	m := metrics.New(metrics.Sources{
		QueueStats: q.Stats,
		Breakers:   breakers.Snapshots,
		Tasks:      a.tasks.Stats,
	}, log)

	limiter := ratelimit.New(ratelimit.Config{
		MinInterval:  cfg.Rate.MinInterval,
		Window:       cfg.Rate.Window,
		MaxPerWindow: cfg.Rate.MaxPerWindow,
	}, clock.Real{}, log)

	provider := client.NewProviderClient(client.Config{
		BaseURL:      cfg.Provider.BaseURL,
		APIKey:       cfg.Provider.APIKey,
		Timeout:      cfg.Provider.Timeout,
		MaxRetries:   cfg.Provider.MaxRetries,
		FallbackText: cfg.Provider.FallbackText,
	}, sendBreaker, limiter,
		client.WithLogger(log),
		client.WithHooks(client.Hooks{
			OnSent: func(_ string, res client.Result) { m.SendSucceeded(res.Duration) },
			OnRateLimited: func(ev model.RateLimitEvent) {
				m.RateLimited(ev.Kind)
				if err := a.tasks.Submit("record-rate-limit", func(ctx context.Context) error {
					return rateMonitor.Record(ctx, ev)
				}); err != nil {
					log.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("rate limit event not recorded")
				}
			},
			OnFailed: func(string, error) { m.SendFailed() },
		}),
	)

	sessions := session.New(a.rdb, readBreaker, writeBreaker, session.Config{
		TTL:        cfg.Session.TTL,
		OpTimeout:  cfg.Session.OpTimeout,
		HistoryMax: cfg.Session.HistoryMax,
	}, session.WithLogger(log), session.WithTasks(a.tasks))

	receipts := cache.NewRedisCache(a.rdb, cfg.ReceiptTTL)
	outbox := service.NewOutbox(q, cfg.ContentMax, log).WithHooks(m.Enqueued)

	workers, err := worker.New(q, provider, worker.Config{
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
		ErrorBackoff: cfg.Worker.ErrorBackoff,
	}, log)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("worker pool: %w", err)
	}
	a.workers = workers.WithHooks(worker.Hooks{
		OnDelivered: func(ctx context.Context, msg model.QueueMessage, res client.Result) {
			m.Delivered()
			if err := receipts.StoreSent(ctx, msg.ID, res.RemoteMessageID, time.Now()); err != nil {
				log.Warn().Err(err).Str("message_id", msg.ID).Msg("delivery receipt not stored")
			}
		},
		OnFailed: func(_ context.Context, _ model.QueueMessage, _ error, status model.Status) {
			m.DeliveryFailed(status)
		},
	})

	staleAfter := cfg.Reconcile.StaleAfter
	a.reconciler, err = scheduler.New("reconcile-stale", cfg.Reconcile.Interval, func(ctx context.Context) error {
		n, err := q.ReclaimStale(ctx, staleAfter)
		if err != nil {
			return fmt.Errorf("reclaim stale: %w", err)
		}
		if n > 0 {
			log.Warn().Int("reclaimed", n).Dur("older_than", staleAfter).Msg("reclaimed stale processing messages")
		}
		return nil
	}, scheduler.WithLogger(log), scheduler.WithRunTimeout(time.Minute))
	if err != nil {
		a.close()
		return nil, fmt.Errorf("reconciler: %w", err)
	}

	deps := api.Deps{
		Queue:      q,
		Workers:    a.workers,
		Outbox:     outbox,
		RateLimits: rateMonitor,
		Sessions:   sessions,
		Redis:      api.PingFunc(func(ctx context.Context) error { return a.rdb.Ping(ctx).Err() }),
		Breakers:   breakers.Snapshots,
		Archive:    archive,
		Receipts:   receipts,
		Alerts:     alerts.Recent,
		Jobs:       func() []scheduler.Status { return []scheduler.Status{a.reconciler.Status()} },
		Limiter:    limiter.Snapshot,
		Metrics:    m.Handler(),
		Log:        log,
	}
	a.handler = loggingMiddleware(log, api.Router(api.NewHandler(deps)))
	return a, nil
}

func (a *app) connectPostgres(ctx context.Context) (*repo.PostgresDeadLetterRepo, error) {
	pool, err := pgxpool.New(ctx, a.cfg.Database.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	a.pg = pool

	r := repo.NewPostgresDeadLetterRepo(pool)
	if err := r.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// onDeadLetter alerts the operator and archives the message off the hot
// path.
func (a *app) onDeadLetter(alerts monitor.Alerter, archive repo.DeadLetterArchive) queue.DeadLetterHook {
	return func(ctx context.Context, msg model.QueueMessage) {
		alerts.Alert(ctx, monitor.Alert{
			Level:   monitor.Critical,
			Source:  "queue",
			Message: fmt.Sprintf("message %s dead-lettered after %d attempts", msg.ID, msg.RetryCount),
			Fields:  map[string]any{"message_id": msg.ID, "phone": msg.Recipient, "last_error": msg.LastError},
			At:      time.Now(),
		})
		if archive == nil {
			return
		}
		dl := queue.ToDeadLetter(msg, time.Now().UTC())
		if err := a.tasks.Submit("archive-dead-letter", func(ctx context.Context) error {
			return archive.Archive(ctx, dl)
		}); err != nil {
			a.log.Error().Err(err).Str("message_id", msg.ID).Msg("dead letter not archived")
		}
	}
}

// run serves HTTP and runs the workers until ctx is canceled or the server
// fails, then shuts everything down in dependency order.
func (a *app) run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.Address,
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.reconciler.Start()
	a.workers.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info().Msg("shutting down")

		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shCtx)
		a.stopWorkers(shCtx)
		a.reconciler.Stop()
		if terr := a.tasks.Close(shCtx); terr != nil {
			a.log.Warn().Err(terr).Msg("background tasks did not finish in time")
		}
		return err
	})

	err := g.Wait()
	a.close()
	return err
}

// stopWorkers waits for the pool to drain, but no longer than ctx allows.
// Messages still claimed after that are picked up by the stale reclaim.
func (a *app) stopWorkers(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		a.workers.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn().Msg("workers did not stop in time, leaving claimed messages to the stale reclaim")
	}
}

func (a *app) close() {
	if a.pg != nil {
		a.pg.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
}

func loggingMiddleware(log zerolog.Logger, next http.Handler) http.Handler {
	access := hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		ev := hlog.FromRequest(r).Info()
		if status >= http.StatusInternalServerError {
			ev = hlog.FromRequest(r).Error()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration_ms", d).
			Msg("http request")
	})
	return hlog.NewHandler(log.With().Str("comp", "http").Logger())(access(next))
}
