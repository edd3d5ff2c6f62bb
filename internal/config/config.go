// Package config provides environment-based configuration management
// Values come from the process environment, optionally seeded from a .env file
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// DBConfig holds database connection parameters
type DBConfig struct {
	Host     string `env:"DB_HOST" envDefault:"inbox_db" validate:"required"`
	Port     int    `env:"DB_PORT" envDefault:"3306" validate:"min=1,max=65535"`
	User     string `env:"DB_USER" envDefault:"root" validate:"required"`
	Password string `env:"DB_PASS,required" validate:"required"`
	Database string `env:"DB_NAME" envDefault:"omni_inbox" validate:"required"`
}

// RedisConfig holds Redis connection parameters
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"inbox_redis:6379" validate:"required"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0" validate:"min=0"`
}

// AppConfig holds application-level configuration
type AppConfig struct {
	Port          int           `env:"APP_PORT" envDefault:"8080" validate:"min=1,max=65535"`
	ShutdownGrace time.Duration `env:"APP_SHUTDOWN_GRACE" envDefault:"10s"`
	MeshSecret    string        `env:"MESH_SECRET"` // Required by the websocket live stream
}

// FacebookConfig holds Facebook webhook configuration
type FacebookConfig struct {
	AppSecret    string `env:"FB_APP_SECRET,required" validate:"required"`   // For HMAC SHA256 signature validation
	VerifyToken  string `env:"FB_VERIFY_TOKEN,required" validate:"required"` // For webhook verification handshake
	GraphVersion string `env:"FB_GRAPH_VERSION" envDefault:"v19.0"`
	GraphURL     string `env:"FB_GRAPH_URL" envDefault:"https://graph.facebook.com" validate:"url"`
}

// LineConfig holds LINE Messaging API endpoints
type LineConfig struct {
	APIURL     string `env:"LINE_API_URL" envDefault:"https://api.line.me" validate:"url"`
	DataAPIURL string `env:"LINE_DATA_API_URL" envDefault:"https://api-data.line.me" validate:"url"`
}

// MediaConfig holds the media store location
type MediaConfig struct {
	RootDir       string `env:"MEDIA_ROOT" envDefault:"./data/media" validate:"required"`
	PublicBaseURL string `env:"MEDIA_PUBLIC_URL" envDefault:"http://localhost:8080/media" validate:"url"`
	// Downloads past this many bytes are aborted; 0 disables the cap
	MaxBytes int64 `env:"MEDIA_MAX_BYTES" envDefault:"104857600" validate:"gte=0"`
}

// FirebaseConfig enables FCM push when a credentials file is given
type FirebaseConfig struct {
	ProjectID       string `env:"FIREBASE_PROJECT_ID"`
	CredentialsPath string `env:"FIREBASE_CREDENTIALS_PATH" validate:"required_with=ProjectID"`
}

// Enabled reports whether push notifications can be sent
func (c FirebaseConfig) Enabled() bool {
	return c.CredentialsPath != ""
}

// PipelineConfig tunes webhook processing
type PipelineConfig struct {
	Workers          int           `env:"PIPELINE_WORKERS" envDefault:"8" validate:"min=1"`
	QueueSize        int           `env:"PIPELINE_QUEUE_SIZE" envDefault:"1024" validate:"min=1"`
	BatchConcurrency int           `env:"PIPELINE_BATCH_CONCURRENCY" envDefault:"8" validate:"min=1"`
	ProcessTimeout   time.Duration `env:"PIPELINE_PROCESS_TIMEOUT" envDefault:"15s"`
	DedupTTL         time.Duration `env:"PIPELINE_DEDUP_TTL" envDefault:"24h"`
	OwnerNotifyDelay time.Duration `env:"PIPELINE_OWNER_NOTIFY_DELAY" envDefault:"300ms"`
	SendRatePerSec   float64       `env:"PIPELINE_SEND_RATE" envDefault:"20" validate:"gt=0"`
}

// WatchdogConfig controls the audit log purge job
type WatchdogConfig struct {
	Schedule      string        `env:"WATCHDOG_SCHEDULE" envDefault:"@every 10m" validate:"required"`
	DiskPath      string        `env:"WATCHDOG_DISK_PATH" envDefault:"/"`
	DiskThreshold float64       `env:"WATCHDOG_DISK_THRESHOLD" envDefault:"70" validate:"gt=0,lte=100"`
	Retention     time.Duration `env:"WATCHDOG_RETENTION" envDefault:"168h"`
	BatchSize     int           `env:"WATCHDOG_BATCH_SIZE" envDefault:"1000" validate:"min=1"`
}

// LogConfig controls slog output
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	Format string `env:"LOG_FORMAT" envDefault:"json" validate:"oneof=json text"`
	File   string `env:"LOG_FILE"` // Rotated with lumberjack when set
}

// TelemetryConfig enables OTLP/HTTP trace export when an endpoint is set
type TelemetryConfig struct {
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"omni-inbox"`
}

// Config aggregates all configuration sections
type Config struct {
	DB        DBConfig
	Redis     RedisConfig
	App       AppConfig
	Facebook  FacebookConfig
	Line      LineConfig
	Media     MediaConfig
	Firebase  FirebaseConfig
	Pipeline  PipelineConfig
	Watchdog  WatchdogConfig
	Log       LogConfig
	Telemetry TelemetryConfig
}

// LoadConfig reads configuration from environment variables.
// envFiles are loaded first when present; variables already set win.
func LoadConfig(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// GetDSN returns MariaDB connection string
func (c *DBConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC&charset=utf8mb4",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
	)
}

// GetMigrateURL returns the golang-migrate URL for the same database
func (c *DBConfig) GetMigrateURL() string {
	return fmt.Sprintf("mysql://%s:%s@tcp(%s:%d)/%s?multiStatements=true",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
	)
}
