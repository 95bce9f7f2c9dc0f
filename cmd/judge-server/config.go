package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"codejudge/internal/common/cache"
	commonmw "codejudge/internal/common/http/middleware"
	"codejudge/internal/common/mq"
	"codejudge/internal/judge/dispatch"
	"codejudge/internal/judge/intake"
	"codejudge/internal/judge/sandbox"
	"codejudge/internal/judge/service"
	"codejudge/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8080"
	defaultReadTimeout     = 15 * time.Second
	defaultWriteTimeout    = 60 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultMaxPartBytes    = 8 << 20
	defaultTicketTTL       = 10 * time.Minute
	defaultVerdictTopic    = "judge.verdicts"
	defaultIntakeTopic     = "judge.compile"
	defaultRateWindow      = time.Minute
	defaultRedisTimeout    = 200 * time.Millisecond

	sandboxDocker  = "docker"
	sandboxProcess = "process"
)

// ServerConfig holds HTTP server settings. MaxPartBytes bounds each
// uploaded multipart file.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
	MaxPartBytes int64         `yaml:"maxPartBytes"`
}

// ExecutionConfig holds staging and submission limits.
type ExecutionConfig struct {
	StagingRoot      string            `yaml:"stagingRoot"`
	CompileTimeLimit int               `yaml:"compileTimeLimit"`
	MaxSourceBytes   int               `yaml:"maxSourceBytes"`
	MaxInputBytes    int               `yaml:"maxInputBytes"`
	Images           map[string]string `yaml:"images"`
}

// SandboxConfig selects and tunes the sandbox runner.
type SandboxConfig struct {
	Driver  string                `yaml:"driver"`
	Docker  sandbox.DockerConfig  `yaml:"docker"`
	Process sandbox.ProcessConfig `yaml:"process"`
}

// KafkaConfig holds Kafka settings. Kafka is disabled without brokers.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	ClientID     string        `yaml:"clientID"`
	MinBytes     int           `yaml:"minBytes"`
	MaxBytes     int           `yaml:"maxBytes"`
	MaxWait      time.Duration `yaml:"maxWait"`
	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	RequiredAcks int           `yaml:"requiredAcks"`
	Compression  string        `yaml:"compression"`
	VerdictTopic string        `yaml:"verdictTopic"`
	Intake       intake.Config `yaml:"intake"`
}

// Enabled reports whether brokers are configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// TicketConfig holds ticket status settings.
type TicketConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// RateLimitConfig holds the compile endpoint budget.
type RateLimitConfig struct {
	Enabled      bool                     `yaml:"enabled"`
	Compile      commonmw.RateLimitPolicy `yaml:"compile"`
	RedisTimeout time.Duration            `yaml:"redisTimeout"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AppConfig holds judge-server config.
type AppConfig struct {
	Server    ServerConfig           `yaml:"server"`
	Logger    logger.Config          `yaml:"logger"`
	Executor  service.Config         `yaml:"executor"`
	Execution ExecutionConfig        `yaml:"execution"`
	Sandbox   SandboxConfig          `yaml:"sandbox"`
	Webhook   dispatch.WebhookConfig `yaml:"webhook"`
	Redis     cache.RedisConfig      `yaml:"redis"`
	Kafka     KafkaConfig            `yaml:"kafka"`
	Tickets   TicketConfig           `yaml:"tickets"`
	RateLimit RateLimitConfig        `yaml:"rateLimit"`
	CORS      commonmw.CORSConfig    `yaml:"cors"`
	Metrics   MetricsConfig          `yaml:"metrics"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Server.MaxPartBytes <= 0 {
		cfg.Server.MaxPartBytes = defaultMaxPartBytes
	}
	cfg.Sandbox.Driver = strings.ToLower(strings.TrimSpace(cfg.Sandbox.Driver))
	if cfg.Sandbox.Driver == "" {
		cfg.Sandbox.Driver = sandboxDocker
	}
	if cfg.Executor.WaitTimeout <= 0 {
		compileLimit := time.Duration(cfg.Execution.CompileTimeLimit) * time.Second
		cfg.Executor.WaitTimeout = service.DefaultWaitTimeout(compileLimit)
	}
	if cfg.Tickets.TTL <= 0 {
		cfg.Tickets.TTL = defaultTicketTTL
	}
	if cfg.Redis.Addr != "" {
		applyRedisDefaults(&cfg.Redis)
	}
	if cfg.Kafka.Enabled() {
		if cfg.Kafka.VerdictTopic == "" {
			cfg.Kafka.VerdictTopic = defaultVerdictTopic
		}
		if cfg.Kafka.Intake.Topic == "" {
			cfg.Kafka.Intake.Topic = defaultIntakeTopic
		}
	}
	if cfg.RateLimit.Compile.Window <= 0 {
		cfg.RateLimit.Compile.Window = defaultRateWindow
	}
	if cfg.RateLimit.RedisTimeout <= 0 {
		cfg.RateLimit.RedisTimeout = defaultRedisTimeout
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *AppConfig) error {
	switch cfg.Sandbox.Driver {
	case sandboxDocker, sandboxProcess:
	default:
		return fmt.Errorf("unknown sandbox driver %q", cfg.Sandbox.Driver)
	}
	if cfg.Executor.Slots < 0 {
		return fmt.Errorf("executor slots must not be negative")
	}
	if cfg.Executor.QueueCapacity < 0 {
		return fmt.Errorf("executor queue capacity must not be negative")
	}
	if cfg.Kafka.Enabled() && cfg.Kafka.Intake.RetryTopic != "" && cfg.Kafka.Intake.RetryTopic == cfg.Kafka.Intake.Topic {
		return fmt.Errorf("kafka retry topic must differ from the intake topic")
	}
	return nil
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = defaults.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		MinBytes:     k.MinBytes,
		MaxBytes:     k.MaxBytes,
		MaxWait:      k.MaxWait,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		ReadTimeout:  k.ReadTimeout,
		WriteTimeout: k.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
		Compression:  parseCompression(k.Compression),
	}
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}
