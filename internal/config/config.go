package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the flat, env-driven configuration for the dispatcher. Mirrors
// the worker_config.go struct-tag style: every field is a single envconfig
// tag, no nested sections. POSTGRES_URL, REDIS_URL and NATS_URL are
// required; every other field has an explicit default.
type Config struct {
	// Server (Control API)
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout     time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`
	MaxRequestBytes int64         `envconfig:"MAX_REQUEST_SIZE_BYTES" default:"1048576"`

	// Durable store (RDBMS mirror)
	PostgresURL    string `envconfig:"POSTGRES_URL" required:"true"`
	MigrationsPath string `envconfig:"MIGRATIONS_PATH" default:"migrations"`

	// Hot state store
	RedisURL string `envconfig:"REDIS_URL" required:"true"`

	// Durable queue (broker)
	NATSURL string `envconfig:"NATS_URL" required:"true"`

	// Analytics store
	ClickHouseURL string `envconfig:"CLICKHOUSE_URL" default:""`

	// Batch limits
	MaxBatchSize       int `envconfig:"MAX_BATCH_SIZE" default:"100000"`
	ConcurrentBatches  int `envconfig:"CONCURRENT_BATCHES" default:"10"`
	MaxConcurrentChunks int `envconfig:"MAX_CONCURRENT_EMAILS" default:"500"`

	// Rate limiting
	SystemRateLimit     float64 `envconfig:"SYSTEM_RATE_LIMIT" default:"1000"`
	PerIPRateLimit      float64 `envconfig:"PER_IP_RATE_LIMIT" default:"20"`
	DisableRateLimit    bool    `envconfig:"DISABLE_RATE_LIMIT" default:"false"`
	ManagedSESRate      float64 `envconfig:"MANAGED_SES_RATE_LIMIT" default:"14"`
	ManagedResendRate   float64 `envconfig:"MANAGED_RESEND_RATE_LIMIT" default:"100"`
	ManagedTelnyxRate   float64 `envconfig:"MANAGED_TELNYX_RATE_LIMIT" default:"15"`

	// Hot-state TTLs and breaker
	HotStateCompletedTTL   time.Duration `envconfig:"HOT_STATE_COMPLETED_TTL" default:"48h"`
	HotStateActiveTTL      time.Duration `envconfig:"HOT_STATE_ACTIVE_TTL" default:"168h"`
	HotStateBreakerThreshold int         `envconfig:"HOT_STATE_BREAKER_THRESHOLD" default:"3"`
	HotStateBreakerWindow  time.Duration `envconfig:"HOT_STATE_BREAKER_WINDOW" default:"10s"`
	HotStateBreakerReset   time.Duration `envconfig:"HOT_STATE_BREAKER_RESET" default:"5s"`

	// Background service cadence
	SchedulerInterval      time.Duration `envconfig:"SCHEDULER_INTERVAL" default:"5s"`
	StuckBatchThreshold    time.Duration `envconfig:"STUCK_BATCH_THRESHOLD" default:"30m"`
	StuckBatchScanInterval time.Duration `envconfig:"STUCK_BATCH_SCAN_INTERVAL" default:"1m"`
	SyncInterval           time.Duration `envconfig:"SYNC_INTERVAL" default:"10s"`
	EventBufferCapacity    int           `envconfig:"EVENT_BUFFER_CAPACITY" default:"500"`
	EventFlushInterval     time.Duration `envconfig:"EVENT_FLUSH_INTERVAL" default:"5s"`

	// Shutdown
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT_MS" default:"30s"`

	// Observability
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
