package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strings"
	"time"

	"dwoj/internal/common/cache"
	"dwoj/internal/common/db"
	"dwoj/internal/common/mq"
	"dwoj/internal/common/storage"
	"dwoj/internal/judge/runner"
	"dwoj/internal/judge/testcase"
	"dwoj/pkg/utils/logger"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8085"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultProblemDir      = "data/problems"
	defaultQueueSize       = 64
	defaultStatusTTL       = 10 * time.Minute
	defaultLockTTL         = 10 * time.Minute
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// KafkaConfig holds Kafka settings. Intake is disabled when no brokers are set.
type KafkaConfig struct {
	mq.KafkaConfig `yaml:",inline"`

	IntakeTopic   string        `yaml:"intakeTopic"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	FinalTopic    string        `yaml:"finalTopic"`
	Concurrency   int           `yaml:"concurrency"`
	MaxRetries    int           `yaml:"maxRetries"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
	DeadLetter    string        `yaml:"deadLetterTopic"`
	MessageTTL    time.Duration `yaml:"messageTTL"`
	PoolRetryMax  int           `yaml:"poolRetryMax"`
	PoolRetryBase time.Duration `yaml:"poolRetryBaseDelay"`
	PoolRetryMaxD time.Duration `yaml:"poolRetryMaxDelay"`
}

// Enabled reports whether brokers are configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// dropEmpty removes entries left blank by unset ${VAR} references.
func dropEmpty(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// RedisConfig wraps the cache config; caching and the shared lock are off without an addr.
type RedisConfig struct {
	cache.RedisConfig `yaml:",inline"`

	StatusTTL time.Duration `yaml:"statusTTL"`
	LockTTL   time.Duration `yaml:"lockTTL"`
}

// JudgeConfig holds judge engine settings.
type JudgeConfig struct {
	ProblemDir      string        `yaml:"problemDir"`
	TempDir         string        `yaml:"tempDir"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxOutputBytes  int64         `yaml:"maxOutputBytes"`
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queueSize"`
	Acceptance      string        `yaml:"acceptance"`
	PersistTimeout  time.Duration `yaml:"persistTimeout"`
	MaxUploadBytes  int64         `yaml:"maxUploadBytes"`
	MaxExtractBytes int64         `yaml:"maxExtractBytes"`
	FetchTimeout    time.Duration `yaml:"fetchTimeout"`
}

// HooksConfig lists the handlers enabled at startup. A missing list enables every built-in.
type HooksConfig struct {
	Enabled []string `yaml:"enabled"`
}

// AppConfig holds judge-service config.
type AppConfig struct {
	Server    ServerConfig          `yaml:"server"`
	Logger    logger.Config         `yaml:"logger"`
	Database  db.Config             `yaml:"database"`
	Redis     RedisConfig           `yaml:"redis"`
	Kafka     KafkaConfig           `yaml:"kafka"`
	MinIO     storage.MinIOConfig   `yaml:"minio"`
	Judge     JudgeConfig           `yaml:"judge"`
	Languages []runner.LanguageSpec `yaml:"languages"`
	Hooks     HooksConfig           `yaml:"hooks"`
}

// loadYAML reads path, expanding ${VAR} references from the environment first.
func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

// loadEnvFile loads a .env file when present. Variables already set win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *AppConfig) applyDefaults() error {
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
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = defaultShutdownTimeout
	}

	cfg.Database.FillDefaults()
	if cfg.Database.Driver != db.DriverMySQL && cfg.Database.Driver != db.DriverPostgres {
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	if cfg.Redis.Addr != "" {
		cfg.Redis.FillDefaults()
	}
	if cfg.Redis.StatusTTL == 0 {
		cfg.Redis.StatusTTL = defaultStatusTTL
	}
	if cfg.Redis.LockTTL == 0 {
		cfg.Redis.LockTTL = defaultLockTTL
	}

	cfg.Kafka.Brokers = dropEmpty(cfg.Kafka.Brokers)
	if cfg.Kafka.Enabled() {
		if cfg.Kafka.IntakeTopic == "" {
			cfg.Kafka.IntakeTopic = "judge.requests"
		}
		if cfg.Kafka.ConsumerGroup == "" {
			cfg.Kafka.ConsumerGroup = "dwoj-judge"
		}
		if cfg.Kafka.FinalTopic == "" {
			cfg.Kafka.FinalTopic = "judge.status.final"
		}
		if cfg.Kafka.PoolRetryMax <= 0 {
			cfg.Kafka.PoolRetryMax = 5
		}
		if cfg.Kafka.PoolRetryBase == 0 {
			cfg.Kafka.PoolRetryBase = time.Second
		}
		if cfg.Kafka.PoolRetryMaxD == 0 {
			cfg.Kafka.PoolRetryMaxD = 30 * time.Second
		}
	}

	if cfg.Judge.ProblemDir == "" {
		cfg.Judge.ProblemDir = defaultProblemDir
	}
	if cfg.Judge.Workers <= 0 {
		cfg.Judge.Workers = runtime.NumCPU()
	}
	if cfg.Judge.QueueSize <= 0 {
		cfg.Judge.QueueSize = defaultQueueSize
	}
	if _, err := testcase.ParseAcceptancePolicy(cfg.Judge.Acceptance); err != nil {
		return err
	}
	if len(cfg.Languages) == 0 {
		cfg.Languages = runner.DefaultLanguages()
	}
	return nil
}
