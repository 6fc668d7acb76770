package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	LockStoreMemory = "memory"
	LockStoreRedis  = "redis"

	StorageMemory = "memory"
	StorageRedis  = "redis"
)

type Config struct {
	Server    Server    `yaml:"server" json:"server"`                                  // configuration of the ops HTTP server
	Name      string    `yaml:"name" json:"name" env:"APP_NAME" env-default:"zencore"` // used for OTEL as an application identifier
	Tracing   Tracing   `yaml:"tracing" json:"tracing"`
	Engine    Engine    `yaml:"engine" json:"engine"`
	Storage   Storage   `yaml:"storage" json:"storage"`
	Scheduler Scheduler `yaml:"scheduler" json:"scheduler"`
	Lock      Lock      `yaml:"lock" json:"lock"`
	Admission Admission `yaml:"admission" json:"admission"`
}

type Server struct {
	Context string `yaml:"context" json:"context" env:"OPS_API_CONTEXT" env-default:"/"`
	Addr    string `yaml:"addr" json:"addr" env:"OPS_API_ADDR" env-default:":8080"`
}

type Tracing struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" env:"OTEL_ENABLED" env-default:"false"`
	Endpoint string `yaml:"endpoint" json:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Name     string `yaml:"name" json:"name" env:"OTEL_SERVICE_NAME"`
}

type Engine struct {
	TenantId int64 `yaml:"tenantId" json:"tenantId" env:"ENGINE_TENANT_ID" env-default:"1"`
	NodeId   int64 `yaml:"nodeId" json:"nodeId" env:"ENGINE_NODE_ID" env-default:"1"`
	// Workers is the number of goroutines executing continuations
	Workers   int `yaml:"workers" json:"workers" env:"ENGINE_WORKERS" env-default:"8"`
	QueueSize int `yaml:"queueSize" json:"queueSize" env:"ENGINE_QUEUE_SIZE" env-default:"1024"`
	// WorkRetries is how many times a retryable continuation failure (e.g. lock timeout) is retried
	WorkRetries    uint64        `yaml:"workRetries" json:"workRetries" env:"ENGINE_WORK_RETRIES" env-default:"5"`
	WorkRetryDelay time.Duration `yaml:"workRetryDelay" json:"workRetryDelay" env:"ENGINE_WORK_RETRY_DELAY" env-default:"100ms"`

	DefinitionCacheSize int           `yaml:"definitionCacheSize" json:"definitionCacheSize" env:"ENGINE_DEFINITION_CACHE_SIZE" env-default:"200"`
	DefinitionCacheTTL  time.Duration `yaml:"definitionCacheTTL" json:"definitionCacheTTL" env:"ENGINE_DEFINITION_CACHE_TTL" env-default:"1h"`

	DeletionPageSize    int `yaml:"deletionPageSize" json:"deletionPageSize" env:"ENGINE_DELETION_PAGE_SIZE" env-default:"100"`
	ConnectorBatchSize  int `yaml:"connectorBatchSize" json:"connectorBatchSize" env:"ENGINE_CONNECTOR_BATCH_SIZE" env-default:"100"`
	JobSweepConcurrency int `yaml:"jobSweepConcurrency" json:"jobSweepConcurrency" env:"ENGINE_JOB_SWEEP_CONCURRENCY" env-default:"8"`
}

// Storage selects where engine state and timer jobs are persisted. The memory store loses them on restart.
type Storage struct {
	Store string             `yaml:"store" json:"store" env:"STORAGE_STORE" env-default:"memory"`
	Redis StorageRedisConfig `yaml:"redis" json:"redis"`
}

type StorageRedisConfig struct {
	Addr     string `yaml:"addr" json:"addr" env:"STORAGE_REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" json:"password" env:"STORAGE_REDIS_PASSWORD"`
	DB       int    `yaml:"db" json:"db" env:"STORAGE_REDIS_DB" env-default:"0"`
	Prefix   string `yaml:"prefix" json:"prefix" env:"STORAGE_REDIS_PREFIX" env-default:"zencore:journal"`
}

type Scheduler struct {
	PollInterval time.Duration `yaml:"pollInterval" json:"pollInterval" env:"SCHEDULER_POLL_INTERVAL" env-default:"1s"`
	// MisfireTolerance is how far in the past a fire time may be before scheduling is rejected
	MisfireTolerance time.Duration `yaml:"misfireTolerance" json:"misfireTolerance" env:"SCHEDULER_MISFIRE_TOLERANCE" env-default:"5s"`
}

type Lock struct {
	Store   string        `yaml:"store" json:"store" env:"LOCK_STORE" env-default:"memory"`
	Timeout time.Duration `yaml:"timeout" json:"timeout" env:"LOCK_TIMEOUT" env-default:"5s"`
	Redis   Redis         `yaml:"redis" json:"redis"`
}

type Redis struct {
	Addr     string        `yaml:"addr" json:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string        `yaml:"password" json:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db" json:"db" env:"REDIS_DB" env-default:"0"`
	TTL      time.Duration `yaml:"ttl" json:"ttl" env:"REDIS_LOCK_TTL" env-default:"1m"`
}

type Admission struct {
	Limit      int   `yaml:"limit" json:"limit" env:"ADMISSION_LIMIT" env-default:"150"`
	PeriodDays int   `yaml:"periodDays" json:"periodDays" env:"ADMISSION_PERIOD_DAYS" env-default:"30"`
	Thresholds []int `yaml:"thresholds" json:"thresholds" env:"ADMISSION_THRESHOLDS" env-default:"80,90"`
	// EncryptionKey is a hex encoded AES key (16, 24 or 32 bytes) protecting the persisted window
	EncryptionKey string `yaml:"encryptionKey" json:"encryptionKey" env:"ADMISSION_ENCRYPTION_KEY"`
}

func (a Admission) Period() time.Duration {
	return time.Duration(a.PeriodDays) * 24 * time.Hour
}

func (c Config) defaults() Config {
	if c.Tracing.Name == "" {
		c.Tracing.Name = c.Name
	}
	if c.Lock.Store == "" {
		c.Lock.Store = LockStoreMemory
	}
	if c.Storage.Store == "" {
		c.Storage.Store = StorageMemory
	}
	if c.Engine.Workers <= 0 {
		c.Engine.Workers = 1
	}
	if c.Admission.Limit <= 0 {
		c.Admission.Limit = 150
	}
	if c.Admission.PeriodDays <= 0 {
		c.Admission.PeriodDays = 30
	}
	return c
}

func (c Config) validate() error {
	var errJoin error
	if c.Lock.Store != LockStoreMemory && c.Lock.Store != LockStoreRedis {
		errJoin = errors.Join(errJoin, fmt.Errorf("unknown lock store %q", c.Lock.Store))
	}
	if c.Storage.Store != StorageMemory && c.Storage.Store != StorageRedis {
		errJoin = errors.Join(errJoin, fmt.Errorf("unknown storage %q", c.Storage.Store))
	}
	for _, t := range c.Admission.Thresholds {
		if t <= 0 || t > 100 {
			errJoin = errors.Join(errJoin, fmt.Errorf("admission threshold %d is not a percentage", t))
		}
	}
	return errJoin
}

// ReadConfig reads configuration from fileName, or from the environment when the file does not exist.
func ReadConfig(fileName string) (Config, error) {
	c := Config{}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
		fmt.Printf("Configuration file %s not found. Reading config from ENV.\n", fileName)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		return c, fmt.Errorf("failed to read configuration: %w", err)
	}
	c = c.defaults()
	return c, c.validate()
}

func InitConfig() Config {
	var fileName string
	confFile := os.Getenv("CONFIG_FILE")
	if confFile == "" {
		wd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		fileName = fmt.Sprintf("%s/conf.yaml", wd)
	} else {
		fileName = confFile
	}
	c, err := ReadConfig(fileName)
	if err != nil {
		fmt.Printf("Error occurred while reading the configuration: %s\n", err)
		panic(err)
	}
	return c
}
