package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Provider  ProviderConfig
	Rate      RateConfig
	Breakers  BreakerConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Session   SessionConfig
	Tasks     TasksConfig
	Reconcile ReconcileConfig

	ReceiptTTL time.Duration `env:"RECEIPT_TTL,default=24h"`
	ContentMax int           `env:"CONTENT_MAX,default=4096"`
}

type ServerConfig struct {
	Address string `env:"SERVER_ADDRESS,default=:8080"`
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=console"`
}

type RedisConfig struct {
	Address     string        `env:"REDIS_ADDR,required"`
	Password    string        `env:"REDIS_PASSWORD"`
	DB          int           `env:"REDIS_DB,default=0"`
	DialTimeout time.Duration `env:"REDIS_DIAL_TIMEOUT,default=3s"`
	IOTimeout   time.Duration `env:"REDIS_IO_TIMEOUT,default=5s"`
}

// DatabaseConfig is optional; without a URL dead letters are not archived.
type DatabaseConfig struct {
	PostgresURL string `env:"POSTGRES_URL"`
}

type ProviderConfig struct {
	BaseURL      string        `env:"PROVIDER_BASE_URL,required"`
	APIKey       string        `env:"PROVIDER_API_KEY,required"`
	Timeout      time.Duration `env:"PROVIDER_TIMEOUT,default=5s"`
	MaxRetries   int           `env:"PROVIDER_MAX_RETRIES,default=3"`
	FallbackText string        `env:"PROVIDER_FALLBACK_TEXT"`
}

type RateConfig struct {
	MinInterval  time.Duration `env:"RATE_MIN_INTERVAL,default=500ms"`
	Window       time.Duration `env:"RATE_WINDOW,default=60s"`
	MaxPerWindow int           `env:"RATE_MAX_PER_WINDOW,default=20"`
}

type BreakerConfig struct {
	SendThreshold  int           `env:"SEND_BREAKER_THRESHOLD,default=10"`
	SendWindow     time.Duration `env:"SEND_BREAKER_WINDOW,default=60s"`
	SendCooldown   time.Duration `env:"SEND_BREAKER_COOLDOWN,default=300s"`
	StateThreshold int           `env:"STATE_BREAKER_THRESHOLD,default=3"`
	StateWindow    time.Duration `env:"STATE_BREAKER_WINDOW,default=60s"`
	StateCooldown  time.Duration `env:"STATE_BREAKER_COOLDOWN,default=30s"`
}

type QueueConfig struct {
	KeyPrefix  string        `env:"QUEUE_KEY_PREFIX,default=message_queue"`
	MaxRetries int           `env:"QUEUE_MAX_RETRIES,default=3"`
	LowDelay   time.Duration `env:"QUEUE_LOW_DELAY,default=300s"`
	RetryBase  time.Duration `env:"QUEUE_RETRY_BASE,default=60s"`
}

type WorkerConfig struct {
	Concurrency  int           `env:"WORKER_CONCURRENCY,default=5"`
	PollInterval time.Duration `env:"WORKER_POLL_INTERVAL,default=1s"`
	ErrorBackoff time.Duration `env:"WORKER_ERROR_BACKOFF,default=5s"`
}

type SessionConfig struct {
	TTL        time.Duration `env:"SESSION_TTL,default=120m"`
	OpTimeout  time.Duration `env:"SESSION_OP_TIMEOUT,default=5s"`
	HistoryMax int           `env:"SESSION_HISTORY_MAX,default=10"`
}

type TasksConfig struct {
	PoolSize int `env:"TASK_POOL_SIZE,default=32"`
}

type ReconcileConfig struct {
	Interval   time.Duration `env:"RECONCILE_INTERVAL,default=5m"`
	StaleAfter time.Duration `env:"RECONCILE_STALE_AFTER,default=2h"`
}

// LoadAll reads the process environment.
func LoadAll() (*Config, error) {
	return Load(context.Background(), envconfig.OsLookuper())
}

func Load(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}
	if err := envconfig.ProcessWith(ctx, cfg, l); err != nil {
		return nil, fmt.Errorf("parsing env vars: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	var errs []error
	positive := func(name string, v int64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", name))
		}
	}

	positive("CONTENT_MAX", int64(cfg.ContentMax))
	positive("RECEIPT_TTL", int64(cfg.ReceiptTTL))
	positive("REDIS_DIAL_TIMEOUT", int64(cfg.Redis.DialTimeout))
	positive("REDIS_IO_TIMEOUT", int64(cfg.Redis.IOTimeout))
	positive("PROVIDER_TIMEOUT", int64(cfg.Provider.Timeout))
	positive("PROVIDER_MAX_RETRIES", int64(cfg.Provider.MaxRetries))
	positive("RATE_WINDOW", int64(cfg.Rate.Window))
	positive("RATE_MAX_PER_WINDOW", int64(cfg.Rate.MaxPerWindow))
	positive("SEND_BREAKER_THRESHOLD", int64(cfg.Breakers.SendThreshold))
	positive("SEND_BREAKER_WINDOW", int64(cfg.Breakers.SendWindow))
	positive("SEND_BREAKER_COOLDOWN", int64(cfg.Breakers.SendCooldown))
	positive("STATE_BREAKER_THRESHOLD", int64(cfg.Breakers.StateThreshold))
	positive("STATE_BREAKER_WINDOW", int64(cfg.Breakers.StateWindow))
	positive("STATE_BREAKER_COOLDOWN", int64(cfg.Breakers.StateCooldown))
	positive("QUEUE_MAX_RETRIES", int64(cfg.Queue.MaxRetries))
	positive("QUEUE_RETRY_BASE", int64(cfg.Queue.RetryBase))
	positive("WORKER_CONCURRENCY", int64(cfg.Worker.Concurrency))
	positive("WORKER_POLL_INTERVAL", int64(cfg.Worker.PollInterval))
	positive("WORKER_ERROR_BACKOFF", int64(cfg.Worker.ErrorBackoff))
	positive("SESSION_TTL", int64(cfg.Session.TTL))
	positive("SESSION_OP_TIMEOUT", int64(cfg.Session.OpTimeout))
	positive("SESSION_HISTORY_MAX", int64(cfg.Session.HistoryMax))
	positive("TASK_POOL_SIZE", int64(cfg.Tasks.PoolSize))
	positive("RECONCILE_INTERVAL", int64(cfg.Reconcile.Interval))
	positive("RECONCILE_STALE_AFTER", int64(cfg.Reconcile.StaleAfter))

	if cfg.Rate.MinInterval < 0 {
		errs = append(errs, errors.New("RATE_MIN_INTERVAL must be >= 0"))
	}
	if cfg.Queue.LowDelay < 0 {
		errs = append(errs, errors.New("QUEUE_LOW_DELAY must be >= 0"))
	}
	return errors.Join(errs...)
}
