// Package config loads gate settings from the environment, optionally on top
// of a YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration.
type Config struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"log_level"`
	Environment string `yaml:"environment"`

	ValidationTimeoutMs int `yaml:"validation_timeout_ms"`
	ValidatorTimeoutMs  int `yaml:"validator_timeout_ms"`
	SemanticTimeoutMs   int `yaml:"semantic_timeout_ms"`

	OntologyBackend string `yaml:"ontology_backend"` // memory | postgres | sqlite | neo4j
	OntologyFile    string `yaml:"ontology_file"`
	DatabaseURL     string `yaml:"database_url"`
	SQLitePath      string `yaml:"sqlite_path"`
	Neo4jURI        string `yaml:"neo4j_uri"`
	Neo4jUser       string `yaml:"neo4j_user"`
	Neo4jPassword   string `yaml:"neo4j_password"`
	RedisAddr       string `yaml:"redis_addr"`

	AuditBackend       string   `yaml:"audit_backend"` // postgres | sqlite | jsonl | memory
	AuditArchiveBucket string   `yaml:"audit_archive_bucket"`
	AWSRegion          string   `yaml:"aws_region"`
	S3Endpoint         string   `yaml:"s3_endpoint"`
	KafkaBrokers       []string `yaml:"kafka_brokers"`
	KafkaTopic         string   `yaml:"kafka_topic"`

	SigningKeySeed string `yaml:"signing_key_seed"`
	SigningKeyID   string `yaml:"signing_key_id"`
	JWTSecret      string `yaml:"jwt_secret"`

	OTLPEndpoint        string  `yaml:"otel_exporter_otlp_endpoint"`
	RateLimitRPS        float64 `yaml:"rate_limit_rps"`
	RateLimitBurst      int     `yaml:"rate_limit_burst"`
	EscalationTimeoutMs int     `yaml:"escalation_timeout_ms"`
}

// Defaults returns the development configuration.
func Defaults() *Config {
	return &Config{
		Port:                "8080",
		LogLevel:            "INFO",
		Environment:         "development",
		ValidationTimeoutMs: 200,
		ValidatorTimeoutMs:  150,
		SemanticTimeoutMs:   500,
		OntologyBackend:     "memory",
		SQLitePath:          "helm-gate.db",
		Neo4jURI:            "neo4j://localhost:7687",
		Neo4jUser:           "neo4j",
		AuditBackend:        "jsonl",
		AWSRegion:           "eu-west-1",
		KafkaTopic:          "gate.verdicts",
		SigningKeyID:        "gate-1",
		RateLimitRPS:        100,
		RateLimitBurst:      200,
		EscalationTimeoutMs: 300000,
	}
}

// Load reads configuration from environment variables over Defaults.
func Load() (*Config, error) {
	cfg := Defaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays a YAML file on Defaults, then applies the environment.
// Environment variables win over the file.
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	str("ENVIRONMENT", &c.Environment)
	num("VALIDATION_TIMEOUT_MS", &c.ValidationTimeoutMs)
	num("VALIDATOR_TIMEOUT_MS", &c.ValidatorTimeoutMs)
	num("SEMANTIC_TIMEOUT_MS", &c.SemanticTimeoutMs)
	str("ONTOLOGY_BACKEND", &c.OntologyBackend)
	str("ONTOLOGY_FILE", &c.OntologyFile)
	str("DATABASE_URL", &c.DatabaseURL)
	str("SQLITE_PATH", &c.SQLitePath)
	str("NEO4J_URI", &c.Neo4jURI)
	str("NEO4J_USER", &c.Neo4jUser)
	str("NEO4J_PASSWORD", &c.Neo4jPassword)
	str("REDIS_ADDR", &c.RedisAddr)
	str("AUDIT_BACKEND", &c.AuditBackend)
	str("AUDIT_ARCHIVE_BUCKET", &c.AuditArchiveBucket)
	str("AWS_REGION", &c.AWSRegion)
	str("S3_ENDPOINT", &c.S3Endpoint)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.KafkaBrokers = strings.Split(v, ",")
	}
	str("KAFKA_TOPIC", &c.KafkaTopic)
	str("SIGNING_KEY_SEED", &c.SigningKeySeed)
	str("SIGNING_KEY_ID", &c.SigningKeyID)
	str("JWT_SECRET", &c.JWTSecret)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTLPEndpoint)
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS: %w", err))
		} else {
			c.RateLimitRPS = f
		}
	}
	num("RATE_LIMIT_BURST", &c.RateLimitBurst)
	num("ESCALATION_TIMEOUT_MS", &c.EscalationTimeoutMs)

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Validate rejects configurations the gate cannot run safely with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	for name, ms := range map[string]int{
		"validation_timeout_ms": c.ValidationTimeoutMs,
		"validator_timeout_ms":  c.ValidatorTimeoutMs,
		"semantic_timeout_ms":   c.SemanticTimeoutMs,
		"escalation_timeout_ms": c.EscalationTimeoutMs,
	} {
		if ms <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, ms))
		}
	}
	if c.ValidatorTimeoutMs > c.ValidationTimeoutMs {
		errs = append(errs, fmt.Errorf("validator_timeout_ms (%d) exceeds validation_timeout_ms (%d)",
			c.ValidatorTimeoutMs, c.ValidationTimeoutMs))
	}

	switch c.OntologyBackend {
	case "memory", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("ontology_backend postgres requires DATABASE_URL"))
		}
	case "neo4j":
		if c.Neo4jURI == "" {
			errs = append(errs, errors.New("ontology_backend neo4j requires NEO4J_URI"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ontology_backend %q", c.OntologyBackend))
	}

	switch c.AuditBackend {
	case "jsonl", "memory", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("audit_backend postgres requires DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown audit_backend %q", c.AuditBackend))
	}

	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	if c.Environment == "production" {
		if c.SigningKeySeed == "" {
			errs = append(errs, errors.New("production requires SIGNING_KEY_SEED"))
		}
		if c.JWTSecret == "" {
			errs = append(errs, errors.New("production requires JWT_SECRET"))
		}
	}
	return errors.Join(errs...)
}

// ParseLevel maps LOG_LEVEL to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log_level %q", s)
	}
	return l, nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// ValidationTimeout is the end-to-end evaluation budget.
func (c *Config) ValidationTimeout() time.Duration { return ms(c.ValidationTimeoutMs) }

// ValidatorTimeout is the shared validator fan-out budget.
func (c *Config) ValidatorTimeout() time.Duration { return ms(c.ValidatorTimeoutMs) }

// SemanticTimeout bounds semantic authority queries.
func (c *Config) SemanticTimeout() time.Duration { return ms(c.SemanticTimeoutMs) }

// EscalationTimeout bounds how long an intent waits for review.
func (c *Config) EscalationTimeout() time.Duration { return ms(c.EscalationTimeoutMs) }
