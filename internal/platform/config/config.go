package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// Config holds all configuration for the lobster-core daemon.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Version   string          `mapstructure:"version"`
}

// ServiceConfig holds service-specific configuration.
type ServiceConfig struct {
	Name        string `mapstructure:"name" envconfig:"SERVICE_NAME"`
	Environment string `mapstructure:"environment" envconfig:"ENVIRONMENT" default:"development"`
}

// HTTPConfig holds the read-only status/admin server configuration (§6).
type HTTPConfig struct {
	Port         int           `mapstructure:"port" envconfig:"HTTP_PORT" default:"8080"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"HTTP_WRITE_TIMEOUT" default:"10s"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" envconfig:"HTTP_IDLE_TIMEOUT" default:"120s"`
}

// DatabaseConfig holds the SQLite store configuration.
type DatabaseConfig struct {
	Workdir         string        `mapstructure:"workdir" envconfig:"LOBSTER_WORKDIR" default:"."`
	Filename        string        `mapstructure:"filename" envconfig:"LOBSTER_DB_FILE" default:"lobster.db"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" envconfig:"DB_CONN_MAX_LIFETIME" default:"0"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" envconfig:"DB_CONN_MAX_IDLE_TIME" default:"0"`
}

// DSN returns the sqlite data source name for the configured workdir.
func (c *DatabaseConfig) DSN() string {
	return filepath.Join(c.Workdir, c.Filename)
}

// RedisConfig holds the read-through accessor cache configuration.
type RedisConfig struct {
	Host       string        `mapstructure:"host" envconfig:"REDIS_HOST" default:"localhost"`
	Port       int           `mapstructure:"port" envconfig:"REDIS_PORT" default:"6379"`
	Password   string        `mapstructure:"password" envconfig:"REDIS_PASSWORD"`
	DB         int           `mapstructure:"db" envconfig:"REDIS_DB" default:"0"`
	KeyPrefix  string        `mapstructure:"key_prefix" envconfig:"REDIS_KEY_PREFIX" default:"lobster"`
	DefaultTTL time.Duration `mapstructure:"default_ttl" envconfig:"REDIS_DEFAULT_TTL" default:"5s"`
	Enabled    bool          `mapstructure:"enabled" envconfig:"REDIS_ENABLED" default:"false"`
}

// KafkaConfig holds the lifecycle-event publisher configuration.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	Topic   string   `mapstructure:"topic" envconfig:"KAFKA_TOPIC" default:"lobster-task-events"`
	Enabled bool     `mapstructure:"enabled" envconfig:"KAFKA_ENABLED" default:"false"`
}

// ArchiveConfig holds the best-effort log/report archival configuration.
type ArchiveConfig struct {
	S3Bucket     string `mapstructure:"s3_bucket" envconfig:"ARCHIVE_S3_BUCKET"`
	S3Prefix     string `mapstructure:"s3_prefix" envconfig:"ARCHIVE_S3_PREFIX" default:"lobster/logs"`
	S3Enabled    bool   `mapstructure:"s3_enabled" envconfig:"ARCHIVE_S3_ENABLED" default:"false"`
	MongoURI     string `mapstructure:"mongo_uri" envconfig:"ARCHIVE_MONGO_URI"`
	MongoDB      string `mapstructure:"mongo_db" envconfig:"ARCHIVE_MONGO_DB" default:"lobster"`
	MongoColl    string `mapstructure:"mongo_collection" envconfig:"ARCHIVE_MONGO_COLLECTION" default:"reports"`
	MongoEnabled bool   `mapstructure:"mongo_enabled" envconfig:"ARCHIVE_MONGO_ENABLED" default:"false"`
}

// AuthConfig protects the admin/status HTTP surface.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret" envconfig:"JWT_SECRET" default:"lobster-dev-secret"`
	JWTExpiry time.Duration `mapstructure:"jwt_expiry" envconfig:"JWT_EXPIRY" default:"1h"`
}

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level      string `mapstructure:"level" envconfig:"LOG_LEVEL" default:"info"`
	Format     string `mapstructure:"format" envconfig:"LOG_FORMAT" default:"json"`
	OutputPath string `mapstructure:"output_path" envconfig:"LOG_OUTPUT_PATH" default:"stdout"`
}

// TelemetryConfig holds tracing/metrics configuration.
type TelemetryConfig struct {
	MetricsEnabled bool   `mapstructure:"metrics_enabled" envconfig:"METRICS_ENABLED" default:"true"`
	TracingEnabled bool   `mapstructure:"tracing_enabled" envconfig:"TRACING_ENABLED" default:"false"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint" envconfig:"JAEGER_ENDPOINT" default:"http://localhost:14268/api/traces"`
	ServiceName    string `mapstructure:"service_name" envconfig:"TELEMETRY_SERVICE_NAME"`
}

// SchedulerConfig holds the §6 recognized configuration keys plus the
// scheduling cadence.
type SchedulerConfig struct {
	FailureThreshold  int64  `mapstructure:"failure_threshold" envconfig:"FAILURE_THRESHOLD" default:"10"`
	SkippingThreshold int64  `mapstructure:"skipping_threshold" envconfig:"SKIPPING_THRESHOLD" default:"10"`
	TickCron          string `mapstructure:"tick_cron" envconfig:"SCHEDULER_TICK_CRON" default:"*/30 * * * * *"`
	PopUnitsCount     int    `mapstructure:"pop_units_count" envconfig:"POP_UNITS_COUNT" default:"10"`
	PopMergeCount     int    `mapstructure:"pop_merge_count" envconfig:"POP_MERGE_COUNT" default:"10"`
	MaxMergeBytes     int64  `mapstructure:"max_merge_bytes" envconfig:"MAX_MERGE_BYTES" default:"5368709120"`
}

// Load loads configuration from files and environment.
func Load(serviceName string) (*Config, error) {
	var cfg Config

	cfg.Service.Name = serviceName
	cfg.Telemetry.ServiceName = serviceName

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env vars: %w", err)
	}

	if version := os.Getenv("VERSION"); version != "" {
		cfg.Version = version
	} else {
		cfg.Version = "dev"
	}

	return &cfg, nil
}

// Addr returns the Redis address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
