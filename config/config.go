// Package config holds the service configuration: built-in YAML defaults,
// optionally overridden by a file, unmarshalled with koanf.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
)

var DefaultConfig = []byte(`
application: "remit-engine"
is_prod_mode: false

logger:
  level: "info"
  encoding: "json"

server:
  port: 8080
  read_timeout: 15s
  write_timeout: 15s
  idle_timeout: 60s
  shutdown_timeout: 30s
  allowed_origins:
    - "http://localhost:5173"

store:
  dsn: "remit.db"

auth:
  secret: ""
  issuer: "remit-engine"
  token_ttl: 24h

cache:
  ttl: 5s

ledger:
  max_proof_bytes: 5242880
  max_proof_images: 10
  max_reference_length: 512
  candidate_pending_age: 72h
  candidate_seen_age: 48h
  candidate_proof_age: 24h

notify:
  channel_buffer: 32
  push_workers: 4
  push_queue: 256
  push_timeout: 10s
  subscription_store: "sqlite"
  redis:
    uri: "localhost:6379"
    password: ""

kafka:
  enabled: false
  brokers:
    - "localhost:9092"
  topic: "remit-events"

scheduler:
  enabled: true
  interval: 1m
`)

type Config struct {
	Application string    `koanf:"application"`
	IsProdMode  bool      `koanf:"is_prod_mode"`
	Logger      Logger    `koanf:"logger"`
	Server      Server    `koanf:"server"`
	Store       Store     `koanf:"store"`
	Auth        Auth      `koanf:"auth"`
	Cache       Cache     `koanf:"cache"`
	Ledger      Ledger    `koanf:"ledger"`
	Notify      Notify    `koanf:"notify"`
	Kafka       Kafka     `koanf:"kafka"`
	Scheduler   Scheduler `koanf:"scheduler"`
}

type Logger struct {
	Level    string `koanf:"level"`
	Encoding string `koanf:"encoding"`
}

type Server struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	AllowedOrigins  []string      `koanf:"allowed_origins"`
}

type Store struct {
	DSN string `koanf:"dsn"`
}

type Auth struct {
	Secret   string        `koanf:"secret"`
	Issuer   string        `koanf:"issuer"`
	TokenTTL time.Duration `koanf:"token_ttl"`
}

type Cache struct {
	TTL time.Duration `koanf:"ttl"`
}

type Ledger struct {
	MaxProofBytes       int           `koanf:"max_proof_bytes"`
	MaxProofImages      int           `koanf:"max_proof_images"`
	MaxReferenceLength  int           `koanf:"max_reference_length"`
	CandidatePendingAge time.Duration `koanf:"candidate_pending_age"`
	CandidateSeenAge    time.Duration `koanf:"candidate_seen_age"`
	CandidateProofAge   time.Duration `koanf:"candidate_proof_age"`
}

type Notify struct {
	ChannelBuffer     int           `koanf:"channel_buffer"`
	PushWorkers       int           `koanf:"push_workers"`
	PushQueue         int           `koanf:"push_queue"`
	PushTimeout       time.Duration `koanf:"push_timeout"`
	SubscriptionStore string        `koanf:"subscription_store"`
	Redis             Redis         `koanf:"redis"`
}

type Redis struct {
	URI      string `koanf:"uri"`
	Password string `koanf:"password"`
}

type Kafka struct {
	Enabled bool     `koanf:"enabled"`
	Brokers []string `koanf:"brokers"`
	Topic   string   `koanf:"topic"`
}

type Scheduler struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval"`
}

// Load reads the defaults and overrides them with the file at path, if any.
func Load(path string) (*koanf.Koanf, Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(DefaultConfig), yaml.Parser()); err != nil {
		return nil, Config{}, fmt.Errorf("load default config: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return k, cfg, nil
}

// ValidationErrors collects every configuration problem before failing.
type ValidationErrors struct {
	problems []string
}

func (ve *ValidationErrors) Add(field, reason string) {
	ve.problems = append(ve.problems, field+" "+reason)
}

func (ve *ValidationErrors) Err() error {
	if len(ve.problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(ve.problems, "; "))
}

// Validate validates the configuration
func (c *Config) Validate() error {
	ve := &ValidationErrors{}

	if c.Application == "" {
		ve.Add("application", "cannot be empty")
	}
	if c.Logger.Level == "" {
		ve.Add("logger.level", "cannot be empty")
	}
	switch c.Logger.Encoding {
	case "json", "console", "logfmt":
	default:
		ve.Add("logger.encoding", "must be json, console or logfmt")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		ve.Add("server.port", "must be between 1 and 65535")
	}
	if c.Store.DSN == "" {
		ve.Add("store.dsn", "cannot be empty")
	}
	if len(c.Auth.Secret) < 16 {
		ve.Add("auth.secret", "must be at least 16 characters")
	}
	if c.Auth.TokenTTL <= 0 {
		ve.Add("auth.token_ttl", "must be positive")
	}
	if c.Cache.TTL <= 0 {
		ve.Add("cache.ttl", "must be positive")
	}
	if c.Ledger.MaxProofBytes <= 0 {
		ve.Add("ledger.max_proof_bytes", "must be positive")
	}
	if c.Ledger.MaxProofImages <= 0 {
		ve.Add("ledger.max_proof_images", "must be positive")
	}
	if c.Ledger.CandidatePendingAge < 0 || c.Ledger.CandidateSeenAge < 0 || c.Ledger.CandidateProofAge < 0 {
		ve.Add("ledger.candidate_*_age", "cannot be negative")
	}
	switch c.Notify.SubscriptionStore {
	case "sqlite":
	case "redis":
		if c.Notify.Redis.URI == "" {
			ve.Add("notify.redis.uri", "cannot be empty when subscription_store is redis")
		}
	default:
		ve.Add("notify.subscription_store", "must be sqlite or redis")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			ve.Add("kafka.brokers", "cannot be empty")
		}
		if c.Kafka.Topic == "" {
			ve.Add("kafka.topic", "cannot be empty")
		}
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		ve.Add("scheduler.interval", "must be positive")
	}

	return ve.Err()
}
