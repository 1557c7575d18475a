// Package config loads broker configuration from an optional YAML file
// plus environment variable overrides, the way the source system's CLI
// and bot entrypoints layer .env values under explicit os.Getenv reads.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"redismq/errs"
)

// Config is the recognized broker configuration surface (spec.md §6).
type Config struct {
	RedisURL        string        `yaml:"redisURL"`
	Queue           string        `yaml:"queue"`
	ConsumeTimeout  time.Duration `yaml:"consumeTimeout"`
	MessageTTL      time.Duration `yaml:"messageTTL"`
	RetryThreshold  int           `yaml:"retryThreshold"`
	HeartbeatPeriod time.Duration `yaml:"heartbeatPeriod"`
	GCTickPeriod    time.Duration `yaml:"gcTickPeriod"`
	StatsPeriod     time.Duration `yaml:"statsPeriod"`
	BlockTimeout    time.Duration `yaml:"blockTimeout"`

	ArchiveDBPath string `yaml:"archiveDBPath"`

	AWSRegion   string `yaml:"awsRegion"`
	AWSBucket   string `yaml:"awsBucket"`
	AWSEndpoint string `yaml:"awsEndpoint"`

	StatsHTTPAddr string `yaml:"statsHTTPAddr"`

	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

func defaults() Config {
	return Config{
		Queue:           "default",
		RetryThreshold:  3,
		HeartbeatPeriod: time.Second,
		GCTickPeriod:    time.Second,
		StatsPeriod:     time.Second,
		BlockTimeout:    time.Second,
		ArchiveDBPath:   "./db/archive.db",
		StatsHTTPAddr:   ":9477",
		ServiceName:     "redismq-broker",
	}
}

// Load reads configFile (if it exists) over a set of defaults, then
// applies environment variable overrides on top — env vars always win,
// matching the precedence the source system's .env-plus-os.Getenv
// pattern gives operators.
func Load(configFile string) (Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("%w: failed to parse config file %s: %w", errs.ErrConfiguration, configFile, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("%w: failed to read config file %s: %w", errs.ErrConfiguration, configFile, err)
		}
	}

	overrideString(&cfg.RedisURL, "REDIS_URL")
	overrideString(&cfg.Queue, "QUEUE")
	overrideDuration(&cfg.ConsumeTimeout, "MESSAGE_CONSUME_TIMEOUT")
	overrideDuration(&cfg.MessageTTL, "MESSAGE_TTL")
	overrideInt(&cfg.RetryThreshold, "MESSAGE_RETRY_THRESHOLD")
	overrideDuration(&cfg.HeartbeatPeriod, "HEARTBEAT_PERIOD")
	overrideDuration(&cfg.GCTickPeriod, "GC_TICK_PERIOD")
	overrideDuration(&cfg.StatsPeriod, "STATS_PERIOD")
	overrideDuration(&cfg.BlockTimeout, "BLOCK_TIMEOUT")
	overrideString(&cfg.ArchiveDBPath, "ARCHIVE_DB_PATH")
	overrideString(&cfg.AWSRegion, "AWS_REGION")
	overrideString(&cfg.AWSBucket, "AWS_BUCKET_NAME")
	overrideString(&cfg.AWSEndpoint, "AWS_ENDPOINT")
	overrideString(&cfg.StatsHTTPAddr, "STATS_HTTP_ADDR")
	overrideString(&cfg.OTLPEndpoint, "OTLP_ENDPOINT")
	overrideString(&cfg.ServiceName, "SERVICE_NAME")

	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("%w: REDIS_URL is required", errs.ErrConfiguration)
	}
	if cfg.RetryThreshold < 1 {
		return Config{}, fmt.Errorf("%w: retryThreshold must be >= 1, got %d", errs.ErrConfiguration, cfg.RetryThreshold)
	}

	return cfg, nil
}

func overrideString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func overrideDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
