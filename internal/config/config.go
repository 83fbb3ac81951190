package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"gopkg.in/yaml.v3"
)

// FileEnv names the optional YAML file whose values sit between the built-in
// defaults and the environment.
const FileEnv = "PLACE2POLYGON_CONFIG"

// Document sources.
const (
	SourceKafka = "kafka"
	SourceDir   = "dir"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	KafkaBrokers     []string
	KafkaSourceTopic string
	KafkaSinkTopic   string
	KafkaGroupID     string
	HTTPAddr         string
	LogLevel         string
	LogFormat        string
	ShutdownTimeout  time.Duration

	BatchSize          int
	BatchFlushInterval time.Duration

	// Source selects where documents come from: "kafka" or "dir".
	Source    string
	InboxDir  string
	OutboxDir string

	Nominatim    NominatimConfig
	Cache        CacheConfig
	LLM          LLMConfig
	Orchestrator OrchestratorConfig

	ResolveTimeout time.Duration
	ResolveWorkers int
	MinRelevance   float64
	PreferSmaller  bool
}

// NominatimConfig configures the geocoding client and its rate limiter.
type NominatimConfig struct {
	BaseURL       string
	UserAgent     string
	Referer       string
	Email         string
	Timeout       time.Duration
	RPS           float64
	RetryAfter    time.Duration
	MaxRetries    int
	BackoffFactor float64
}

// CacheConfig selects and tunes the persistent boundary cache.
type CacheConfig struct {
	Backend       string // sqlite, postgres or redis
	Path          string
	DSN           string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
	SweepInterval time.Duration
	Prefix        string
}

// LLMConfig selects the optional language model.
type LLMConfig struct {
	Provider string // none, ollama or openai
	BaseURL  string
	Model    string
	APIKey   string
	JSONMode bool
	Timeout  time.Duration
	Validate bool
}

// OrchestratorConfig tunes the multi-strategy search.
type OrchestratorConfig struct {
	MaxAttempts         int
	ConfidenceThreshold float64
}

// Load reads configuration from environment variables, applying defaults where
// unset. When PLACE2POLYGON_CONFIG names a YAML file, its values fill in any
// variable the environment leaves empty.
func Load() (*Config, error) {
	if path := os.Getenv(FileEnv); path != "" {
		if err := applyFile(path); err != nil {
			return nil, err
		}
	}

	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}

	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	p := &parser{}
	cfg := &Config{
		KafkaBrokers:       sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaSourceTopic:   sharedcfg.EnvOrDefault("KAFKA_SOURCE_TOPIC", "raw-documents"),
		KafkaSinkTopic:     sharedcfg.EnvOrDefault("KAFKA_SINK_TOPIC", "enriched-locations"),
		KafkaGroupID:       sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "place2polygon"),
		HTTPAddr:           sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:           sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:          sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:    shutdownTimeout,
		BatchSize:          batchSize,
		BatchFlushInterval: flushInterval,

		Source:    strings.ToLower(sharedcfg.EnvOrDefault("SOURCE", SourceKafka)),
		InboxDir:  sharedcfg.EnvOrDefault("INBOX_DIR", "inbox"),
		OutboxDir: sharedcfg.EnvOrDefault("OUTBOX_DIR", "outbox"),

		Nominatim: NominatimConfig{
			BaseURL:       sharedcfg.EnvOrDefault("NOMINATIM_BASE_URL", "https://nominatim.openstreetmap.org"),
			UserAgent:     os.Getenv("NOMINATIM_USER_AGENT"),
			Referer:       os.Getenv("NOMINATIM_REFERER"),
			Email:         os.Getenv("NOMINATIM_EMAIL"),
			Timeout:       p.duration("NOMINATIM_TIMEOUT", "30s", false),
			RPS:           p.float("NOMINATIM_RPS", "1"),
			RetryAfter:    p.duration("NOMINATIM_RETRY_AFTER", "1s", true),
			MaxRetries:    p.positiveInt("NOMINATIM_MAX_RETRIES", "3"),
			BackoffFactor: p.float("NOMINATIM_BACKOFF_FACTOR", "2.0"),
		},
		Cache: CacheConfig{
			Backend:       strings.ToLower(sharedcfg.EnvOrDefault("CACHE_BACKEND", "sqlite")),
			Path:          sharedcfg.EnvOrDefault("CACHE_PATH", "polygon_cache.db"),
			DSN:           os.Getenv("CACHE_DSN"),
			RedisAddr:     sharedcfg.EnvOrDefault("REDIS_ADDR", "localhost:6379"),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
			RedisDB:       p.nonNegativeInt("REDIS_DB", "0"),
			TTL:           p.duration("CACHE_TTL", "720h", false),
			SweepInterval: p.duration("CACHE_SWEEP_INTERVAL", "24h", true),
			Prefix:        sharedcfg.EnvOrDefault("CACHE_PREFIX", "boundary_"),
		},
		LLM: LLMConfig{
			Provider: strings.ToLower(sharedcfg.EnvOrDefault("LLM_PROVIDER", "none")),
			BaseURL:  os.Getenv("LLM_BASE_URL"),
			Model:    os.Getenv("LLM_MODEL"),
			APIKey:   os.Getenv("LLM_API_KEY"),
			JSONMode: p.bool("LLM_JSON_MODE", "true"),
			Timeout:  p.duration("LLM_TIMEOUT", "60s", false),
			Validate: p.bool("LLM_VALIDATE", "true"),
		},
		Orchestrator: OrchestratorConfig{
			MaxAttempts:         p.positiveInt("ORCHESTRATOR_MAX_ATTEMPTS", "3"),
			ConfidenceThreshold: p.float("ORCHESTRATOR_CONFIDENCE_THRESHOLD", "70"),
		},

		ResolveTimeout: p.duration("RESOLVE_TIMEOUT", "60s", false),
		ResolveWorkers: p.positiveInt("RESOLVE_WORKERS", "1"),
		MinRelevance:   p.float("MIN_RELEVANCE", "30"),
		PreferSmaller:  p.bool("PREFER_SMALLER", "true"),
	}
	if p.err != nil {
		return nil, p.err
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.Source {
	case SourceKafka:
		if len(c.KafkaBrokers) == 0 {
			return errors.New("KAFKA_BROKERS is required")
		}
		if c.KafkaSourceTopic == "" {
			return errors.New("KAFKA_SOURCE_TOPIC is required")
		}
		if c.KafkaSinkTopic == "" {
			return errors.New("KAFKA_SINK_TOPIC is required")
		}
	case SourceDir:
		if c.InboxDir == "" || c.OutboxDir == "" {
			return errors.New("INBOX_DIR and OUTBOX_DIR are required when SOURCE=dir")
		}
	default:
		return fmt.Errorf("invalid SOURCE %q: must be kafka or dir", c.Source)
	}

	switch c.Cache.Backend {
	case "sqlite", "redis":
	case "postgres":
		if c.Cache.DSN == "" {
			return errors.New("CACHE_DSN is required when CACHE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("invalid CACHE_BACKEND %q: must be sqlite, postgres or redis", c.Cache.Backend)
	}

	switch c.LLM.Provider {
	case "none", "ollama":
	case "openai":
		if c.LLM.APIKey == "" {
			return errors.New("LLM_API_KEY is required when LLM_PROVIDER=openai")
		}
	default:
		return fmt.Errorf("invalid LLM_PROVIDER %q: must be none, ollama or openai", c.LLM.Provider)
	}

	if c.Nominatim.RPS <= 0 {
		return errors.New("invalid NOMINATIM_RPS: must be positive")
	}
	if c.MinRelevance < 0 || c.MinRelevance > 100 {
		return errors.New("invalid MIN_RELEVANCE: must be 0-100")
	}
	return nil
}

// CheckNominatimIdentity reports whether the mandatory Nominatim headers are
// set. Only commands that reach the geocoder call it.
func (c *Config) CheckNominatimIdentity() error {
	if strings.TrimSpace(c.Nominatim.UserAgent) == "" {
		return errors.New("NOMINATIM_USER_AGENT is required")
	}
	if strings.TrimSpace(c.Nominatim.Referer) == "" {
		return errors.New("NOMINATIM_REFERER is required")
	}
	return nil
}

var envName = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// applyFile seeds unset environment variables from a flat YAML mapping of
// variable names to scalar values.
func applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", FileEnv, err)
	}
	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for k, v := range values {
		key := strings.ToUpper(k)
		if !envName.MatchString(key) {
			return fmt.Errorf("parse %s: %q is not a configuration key", path, k)
		}
		if os.Getenv(key) != "" || v == nil {
			continue
		}
		if err := os.Setenv(key, scalar(v)); err != nil {
			return fmt.Errorf("apply %s from %s: %w", key, path, err)
		}
	}
	return nil
}

func scalar(v any) string {
	if list, ok := v.([]any); ok {
		parts := make([]string, len(list))
		for i, item := range list {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, ",")
	}
	return fmt.Sprint(v)
}

// parser keeps the first validation error so Load reads as one literal.
type parser struct {
	err error
}

func (p *parser) fail(key string, msg string) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s: %s", key, msg)
	}
}

func (p *parser) duration(key, fallback string, allowZero bool) time.Duration {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, fallback))
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		p.fail(key, "must be a positive duration")
		return 0
	}
	return d
}

func (p *parser) positiveInt(key, fallback string) int {
	n, err := strconv.Atoi(sharedcfg.EnvOrDefault(key, fallback))
	if err != nil || n < 1 {
		p.fail(key, "must be a positive integer")
		return 0
	}
	return n
}

func (p *parser) nonNegativeInt(key, fallback string) int {
	n, err := strconv.Atoi(sharedcfg.EnvOrDefault(key, fallback))
	if err != nil || n < 0 {
		p.fail(key, "must be a non-negative integer")
		return 0
	}
	return n
}

func (p *parser) float(key, fallback string) float64 {
	f, err := strconv.ParseFloat(sharedcfg.EnvOrDefault(key, fallback), 64)
	if err != nil || f < 0 {
		p.fail(key, "must be a non-negative number")
		return 0
	}
	return f
}

func (p *parser) bool(key, fallback string) bool {
	b, err := strconv.ParseBool(sharedcfg.EnvOrDefault(key, fallback))
	if err != nil {
		p.fail(key, "must be true or false")
		return false
	}
	return b
}
