// Package config loads process configuration from environment variables
// (prefix CAFEWORKS_, dots become underscores) over built-in defaults.
// Both binaries share one schema; each reads the sections it needs.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Redis     RedisConfig     `mapstructure:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Planner   PlannerConfig   `mapstructure:"planner"`
	Stats     StatsConfig     `mapstructure:"stats"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Incident  IncidentConfig  `mapstructure:"incident"`
	Server    ServerConfig    `mapstructure:"server"`
	Poster    PosterConfig    `mapstructure:"poster"`
	Log       LogConfig       `mapstructure:"log"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PostgresConfig selects the durable store. An empty DSN falls back to the
// in-memory store (single-process development mode).
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type QueueConfig struct {
	Name               string        `mapstructure:"name"`
	SystemName         string        `mapstructure:"system_name"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	ReserveBlock       time.Duration `mapstructure:"reserve_block"`
	RetentionCompleted int64         `mapstructure:"retention_completed"`
	RetentionFailed    int64         `mapstructure:"retention_failed"`
}

type WorkerConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	JobTimeout        time.Duration `mapstructure:"job_timeout"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type HeartbeatConfig struct {
	OnlineWindow time.Duration `mapstructure:"online_window"`
	InfoTTL      time.Duration `mapstructure:"info_ttl"`
}

type PlannerConfig struct {
	Tick     time.Duration `mapstructure:"tick"`
	Timezone string        `mapstructure:"timezone"`
}

type StatsConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Retention time.Duration `mapstructure:"retention"`
}

type PolicyConfig struct {
	AutoSuspendThreshold int `mapstructure:"auto_suspend_threshold"`
}

type IncidentConfig struct {
	ResolveAfter time.Duration `mapstructure:"resolve_after"`
}

type ServerConfig struct {
	// Addr is the control-plane listen address; WorkerAddr the worker's
	// health/metrics listener.
	Addr       string `mapstructure:"addr"`
	WorkerAddr string `mapstructure:"worker_addr"`

	// AdminTokens maps bearer tokens to actor ids, encoded as
	// "token:actorId,token:actorId" so it fits in one env var.
	AdminTokens string `mapstructure:"admin_tokens"`
}

type PosterConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug | info | warn | error
	Format string `mapstructure:"format"` // json | console
}

// Load builds the effective configuration: defaults, then environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CAFEWORKS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

// SetDefaults registers every known key so AutomaticEnv can see it; viper
// only consults the environment for keys it knows about.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("postgres.dsn", "")

	v.SetDefault("queue.name", "cafe-jobs")
	v.SetDefault("queue.system_name", "cafe-system")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.reserve_block", "5s")
	v.SetDefault("queue.retention_completed", 1000)
	v.SetDefault("queue.retention_failed", 5000)

	v.SetDefault("worker.poll_interval", "1s")
	v.SetDefault("worker.job_timeout", "5m")
	v.SetDefault("worker.shutdown_grace", "30s")
	v.SetDefault("worker.heartbeat_interval", "10s")

	v.SetDefault("heartbeat.online_window", "30s")
	v.SetDefault("heartbeat.info_ttl", "45s")

	v.SetDefault("planner.tick", "30s")
	v.SetDefault("planner.timezone", "Asia/Seoul")

	v.SetDefault("stats.interval", "60s")
	v.SetDefault("stats.retention", "24h")

	v.SetDefault("policy.auto_suspend_threshold", 5)

	v.SetDefault("incident.resolve_after", "5m")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.worker_addr", ":8081")
	v.SetDefault("server.admin_tokens", "")

	v.SetDefault("poster.url", "http://localhost:9200/post")
	v.SetDefault("poster.timeout", "4m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// ParseAdminTokens parses the token table. Malformed entries are dropped
// rather than failing startup; an operator typo should not take the plane
// down.
func (c ServerConfig) ParseAdminTokens() map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(c.AdminTokens, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, actor, ok := strings.Cut(pair, ":")
		if !ok || token == "" || actor == "" {
			continue
		}
		out[token] = actor
	}
	return out
}

// BuildLogger constructs the process logger from the log section.
func (c LogConfig) BuildLogger() (*zap.SugaredLogger, error) {
	var level zapcore.Level
	switch c.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "time"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zc.Build()
	if err != nil {
		return nil, errors.Wrap(err, "config: build logger")
	}
	return logger.Sugar(), nil
}
