package main

import (
	"fmt"
	"os"
	"time"

	"ojeval/internal/common/cache"
	"ojeval/internal/common/db"
	"ojeval/internal/common/mq"
	"ojeval/internal/common/storage"
	"ojeval/internal/evalmgr/model"
	"ojeval/internal/sioworkers"
	"ojeval/internal/zeus"
	"ojeval/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 15 * time.Second
	defaultStatusTTL       = 24 * time.Hour
	defaultStatusTopic     = "evalmgr.status"
	defaultMetricsPath     = "/metrics"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
	// PublicURL is how workers and Zeus reach this service.
	PublicURL string `yaml:"publicURL"`
}

// DatabaseConfig selects MySQL or the embedded SQLite database.
type DatabaseConfig struct {
	Driver string          `yaml:"driver"`
	MySQL  db.MySQLConfig  `yaml:"mysql"`
	SQLite db.SQLiteConfig `yaml:"sqlite"`
}

// QueueConfig selects Kafka or the in-process queue.
type QueueConfig struct {
	Driver        string         `yaml:"driver"`
	Kafka         mq.KafkaConfig `yaml:"kafka"`
	ConsumerGroup string         `yaml:"consumerGroup"`
	Concurrency   int            `yaml:"concurrency"`
	MaxRetries    int            `yaml:"maxRetries"`
	RetryDelay    time.Duration  `yaml:"retryDelay"`
	DeadLetter    string         `yaml:"deadLetterTopic"`
	// PoolSize bounds the jobs running at once.
	PoolSize int `yaml:"poolSize"`
	// Topics maps a priority (high, normal, low) to its dispatch topic.
	Topics       map[string]string `yaml:"topics"`
	TopicWeights map[string]int    `yaml:"topicWeights"`
}

// StorageConfig selects MinIO or in-memory object storage.
type StorageConfig struct {
	Driver     string              `yaml:"driver"`
	MinIO      storage.MinIOConfig `yaml:"minio"`
	Bucket     string              `yaml:"bucket"`
	PresignTTL time.Duration       `yaml:"presignTTL"`
}

// EvalmgrConfig holds job orchestration settings.
type EvalmgrConfig struct {
	DefaultPriority     string        `yaml:"defaultPriority"`
	CheckCancelEachStep bool          `yaml:"checkCancelEachStep"`
	StatusTTL           time.Duration `yaml:"statusTTL"`
	StatusTimeout       time.Duration `yaml:"statusTimeout"`
	StatusTopic         string        `yaml:"statusTopic"`
}

// WorkersConfig selects the dispatch backend.
type WorkersConfig struct {
	Backend string                  `yaml:"backend"`
	Remote  sioworkers.RemoteConfig `yaml:"remote"`
	// SecretHash is the bcrypt hash of the bearer secret the worker pool
	// presents when posting results.
	SecretHash string `yaml:"secretHash"`
}

// ZeusConfig configures the Zeus bridge. It is disabled without instances.
type ZeusConfig struct {
	Instances   map[string]zeus.Config `yaml:"instances"`
	TokenSecret string                 `yaml:"tokenSecret"`
	TokenTTL    time.Duration          `yaml:"tokenTTL"`
}

// AdminConfig guards the administrative routes.
type AdminConfig struct {
	SecretHash string `yaml:"secretHash"`
}

// TelemetryConfig holds metrics and tracing settings.
type TelemetryConfig struct {
	MetricsPath string  `yaml:"metricsPath"`
	SampleRatio float64 `yaml:"sampleRatio"`
}

// AppConfig holds evalmgr-service config.
type AppConfig struct {
	Server    ServerConfig      `yaml:"server"`
	Logger    logger.Config     `yaml:"logger"`
	Database  DatabaseConfig    `yaml:"database"`
	Redis     cache.RedisConfig `yaml:"redis"`
	Queue     QueueConfig       `yaml:"queue"`
	Storage   StorageConfig     `yaml:"storage"`
	Evalmgr   EvalmgrConfig     `yaml:"evalmgr"`
	Workers   WorkersConfig     `yaml:"workers"`
	Zeus      ZeusConfig        `yaml:"zeus"`
	Admin     AdminConfig       `yaml:"admin"`
	Telemetry TelemetryConfig   `yaml:"telemetry"`
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
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if err := applyDatabaseDefaults(&cfg.Database); err != nil {
		return nil, err
	}
	if err := applyQueueDefaults(&cfg.Queue); err != nil {
		return nil, err
	}
	if err := applyStorageDefaults(&cfg.Storage); err != nil {
		return nil, err
	}
	applyServerDefaults(&cfg.Server)
	applyEvalmgrDefaults(&cfg.Evalmgr)
	if err := applyWorkersDefaults(&cfg.Workers, cfg.Server.PublicURL); err != nil {
		return nil, err
	}
	if len(cfg.Zeus.Instances) > 0 && cfg.Zeus.TokenSecret == "" {
		return nil, fmt.Errorf("zeus tokenSecret is required when zeus instances are configured")
	}
	if len(cfg.Zeus.Instances) > 0 && cfg.Server.PublicURL == "" {
		return nil, fmt.Errorf("server publicURL is required for zeus callbacks")
	}
	if cfg.Telemetry.MetricsPath == "" {
		cfg.Telemetry.MetricsPath = defaultMetricsPath
	}
	return &cfg, nil
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Addr == "" {
		cfg.Addr = defaultHTTPAddr
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
}

func applyDatabaseDefaults(cfg *DatabaseConfig) error {
	switch cfg.Driver {
	case "", "mysql":
		cfg.Driver = "mysql"
		if cfg.MySQL.DSN == "" {
			return fmt.Errorf("database mysql dsn is required")
		}
	case "sqlite":
		if cfg.SQLite.Path == "" {
			cfg.SQLite.Path = "evalmgr.db"
		}
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	return nil
}

func applyQueueDefaults(cfg *QueueConfig) error {
	switch cfg.Driver {
	case "", "kafka":
		cfg.Driver = "kafka"
		if len(cfg.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required")
		}
		if cfg.ConsumerGroup == "" {
			cfg.ConsumerGroup = "evalmgr"
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported queue driver %q", cfg.Driver)
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = cfg.PoolSize
	}
	if cfg.DeadLetter == "" {
		cfg.DeadLetter = "evalmgr.jobs.dead"
	}
	if len(cfg.TopicWeights) == 0 {
		cfg.TopicWeights = map[string]int{
			string(model.PriorityHigh):   8,
			string(model.PriorityNormal): 4,
			string(model.PriorityLow):    1,
		}
	}
	return nil
}

func applyStorageDefaults(cfg *StorageConfig) error {
	switch cfg.Driver {
	case "", "minio":
		cfg.Driver = "minio"
		if cfg.MinIO.Endpoint == "" {
			return fmt.Errorf("minio endpoint is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
	if cfg.Bucket == "" {
		cfg.Bucket = cfg.MinIO.Bucket
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "evalmgr-files"
	}
	if cfg.PresignTTL == 0 {
		cfg.PresignTTL = cfg.MinIO.PresignTTL
	}
	return nil
}

func applyEvalmgrDefaults(cfg *EvalmgrConfig) {
	if cfg.DefaultPriority == "" {
		cfg.DefaultPriority = string(model.PriorityNormal)
	}
	if cfg.StatusTTL == 0 {
		cfg.StatusTTL = defaultStatusTTL
	}
	if cfg.StatusTopic == "" {
		cfg.StatusTopic = defaultStatusTopic
	}
}

func applyWorkersDefaults(cfg *WorkersConfig, publicURL string) error {
	switch cfg.Backend {
	case "", "local":
		cfg.Backend = "local"
	case "sioworkersd":
		if cfg.Remote.ReturnURL == "" && publicURL != "" {
			cfg.Remote.ReturnURL = publicURL + "/api/v1/evalmgr/workers/results"
		}
	default:
		return fmt.Errorf("unsupported workers backend %q", cfg.Backend)
	}
	return nil
}

// dispatchTopics merges the configured topics over the defaults.
func (q QueueConfig) dispatchTopics(defaults map[model.Priority]string) map[model.Priority]string {
	out := make(map[model.Priority]string, len(defaults))
	for priority, topic := range defaults {
		out[priority] = topic
	}
	for priority, topic := range q.Topics {
		if topic != "" {
			out[model.Priority(priority)] = topic
		}
	}
	return out
}

func (q QueueConfig) weightedTopics(topics map[model.Priority]string) ([]mq.WeightedTopic, error) {
	out := make([]mq.WeightedTopic, 0, len(topics))
	for _, priority := range []model.Priority{model.PriorityHigh, model.PriorityNormal, model.PriorityLow} {
		topic, ok := topics[priority]
		if !ok {
			continue
		}
		weight := q.TopicWeights[string(priority)]
		if weight <= 0 {
			return nil, fmt.Errorf("invalid weight %d for %s priority", weight, priority)
		}
		out = append(out, mq.WeightedTopic{Topic: topic, Weight: weight})
	}
	return out, nil
}
