// Package config loads and validates gampwise configuration from an optional
// YAML file overlaid with GAMPWISE_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"gampwise/internal/agents"
	"gampwise/internal/classify"
	"gampwise/internal/folds"
	"gampwise/internal/stats"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GAMPWISE_"

// Adapter selects the collaborator implementations.
const (
	AdapterStub = "stub"
	AdapterHTTP = "http"
)

// Consultation channels.
const (
	ChannelTerminal = "terminal"
	ChannelMCP      = "mcp"
	// ChannelTimeout never answers; every consultation resolves to its default.
	ChannelTimeout = "timeout"
)

// Config holds all application configuration.
type Config struct {
	Adapter      string             `yaml:"adapter"`
	Classifier   ClassifierConfig   `yaml:"classifier"`
	Agents       AgentsConfig       `yaml:"agents"`
	Consultation ConsultationConfig `yaml:"consultation"`
	Run          RunConfig          `yaml:"run"`
	Knowledge    KnowledgeConfig    `yaml:"knowledge"`
	Evaluation   EvaluationConfig   `yaml:"evaluation"`
	Store        StoreConfig        `yaml:"store"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Log          LogConfig          `yaml:"log"`
}

// ClassifierConfig configures the categorization collaborator.
type ClassifierConfig struct {
	URL        string              `yaml:"url"`
	Token      string              `yaml:"token"`
	Timeout    time.Duration       `yaml:"timeout"`
	Retries    int                 `yaml:"retries"`
	RetryDelay time.Duration       `yaml:"retry_delay"`
	Thresholds classify.Thresholds `yaml:"thresholds"`
}

// AgentsConfig configures the sub-agent coordinator.
type AgentsConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	Timeout       time.Duration `yaml:"timeout"`
	Retries       int           `yaml:"retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	// Endpoints maps a capability id to its remote base URL.
	Endpoints map[string]string `yaml:"endpoints"`
	Token     string            `yaml:"token"`
	// Required lists capabilities whose failure stops assembly. RequireAll
	// rejects any partial result set.
	Required   []string `yaml:"required"`
	RequireAll bool     `yaml:"require_all"`
}

// ConsultationConfig configures human consultation.
type ConsultationConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	Channel   string        `yaml:"channel"`
	Responder string        `yaml:"responder"`
}

// RunConfig bounds a single workflow run.
type RunConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// KnowledgeConfig selects the regulatory knowledge base. An empty QdrantURL
// uses the in-memory index.
type KnowledgeConfig struct {
	QdrantURL  string `yaml:"qdrant_url"`
	APIKey     string `yaml:"api_key"`
	Collection string `yaml:"collection"`
	Dims       int    `yaml:"dims"`
	Limit      int    `yaml:"limit"`
}

// EvaluationConfig tunes the k-fold harness and the aggregator.
type EvaluationConfig struct {
	Folds       int           `yaml:"folds"`
	Parallelism int           `yaml:"parallelism"`
	Tolerance   float64       `yaml:"tolerance"`
	Stats       stats.Options `yaml:"stats"`
}

// StoreConfig locates the run-record database. An empty path disables persistence.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// TelemetryConfig configures OTLP export. An empty endpoint disables it.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// LogConfig configures the slog default.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Adapter: AdapterStub,
		Classifier: ClassifierConfig{
			Timeout:    60 * time.Second,
			Retries:    2,
			RetryDelay: 200 * time.Millisecond,
			Thresholds: classify.DefaultThresholds(),
		},
		Agents: AgentsConfig{
			MaxConcurrent: 3,
			Timeout:       60 * time.Second,
			Retries:       2,
			RetryDelay:    200 * time.Millisecond,
			Required:      []string{string(agents.ContextRetrieval)},
		},
		Consultation: ConsultationConfig{
			Timeout:   300 * time.Second,
			Channel:   ChannelTerminal,
			Responder: "reviewer",
		},
		Run: RunConfig{Timeout: 15 * time.Minute},
		Knowledge: KnowledgeConfig{
			Collection: "gamp_guidance",
			Dims:       256,
			Limit:      5,
		},
		Evaluation: EvaluationConfig{
			Folds:       5,
			Parallelism: 1,
			Tolerance:   folds.DefaultTolerance,
			Stats:       stats.DefaultOptions(),
		},
		Telemetry: TelemetryConfig{ServiceName: "gampwise"},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// LoadDotEnv loads .env files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return nil
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment overrides. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty document keeps the defaults.
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, err := envInt(EnvPrefix+key, *dst)
		errs = append(errs, err)
		*dst = v
	}
	dur := func(key string, dst *time.Duration) {
		v, err := envDuration(EnvPrefix+key, *dst)
		errs = append(errs, err)
		*dst = v
	}
	flt := func(key string, dst *float64) {
		v, err := envFloat(EnvPrefix+key, *dst)
		errs = append(errs, err)
		*dst = v
	}

	str("ADAPTER", &c.Adapter)

	str("CLASSIFIER_URL", &c.Classifier.URL)
	str("CLASSIFIER_TOKEN", &c.Classifier.Token)
	dur("CLASSIFIER_TIMEOUT", &c.Classifier.Timeout)
	num("CLASSIFIER_RETRIES", &c.Classifier.Retries)
	flt("CLEAR_GAP", &c.Classifier.Thresholds.ClearGap)
	flt("MODERATE_GAP", &c.Classifier.Thresholds.ModerateGap)
	flt("MODERATE_MIN_SCORE", &c.Classifier.Thresholds.ModerateMinScore)
	flt("MIN_ABSOLUTE", &c.Classifier.Thresholds.MinAbsolute)
	flt("TIE_EPSILON", &c.Classifier.Thresholds.TieEpsilon)

	num("MAX_CONCURRENT_AGENTS", &c.Agents.MaxConcurrent)
	dur("AGENT_TIMEOUT", &c.Agents.Timeout)
	num("AGENT_RETRIES", &c.Agents.Retries)
	str("AGENT_TOKEN", &c.Agents.Token)
	for _, capability := range agents.Capabilities() {
		key := "AGENT_" + strings.ToUpper(string(capability)) + "_URL"
		if v := os.Getenv(EnvPrefix + key); v != "" {
			if c.Agents.Endpoints == nil {
				c.Agents.Endpoints = map[string]string{}
			}
			c.Agents.Endpoints[string(capability)] = v
		}
	}

	dur("CONSULTATION_TIMEOUT", &c.Consultation.Timeout)
	str("CONSULTATION_CHANNEL", &c.Consultation.Channel)
	str("RESPONDER", &c.Consultation.Responder)
	dur("RUN_TIMEOUT", &c.Run.Timeout)

	str("QDRANT_URL", &c.Knowledge.QdrantURL)
	str("QDRANT_API_KEY", &c.Knowledge.APIKey)
	str("QDRANT_COLLECTION", &c.Knowledge.Collection)

	num("FOLDS", &c.Evaluation.Folds)
	num("PARALLELISM", &c.Evaluation.Parallelism)
	flt("CV_TOLERANCE", &c.Evaluation.Tolerance)
	num("ITERATIONS", &c.Evaluation.Stats.Iterations)
	flt("TARGET_RATE", &c.Evaluation.Stats.TargetRate)
	flt("CONFIDENCE_LEVEL", &c.Evaluation.Stats.ConfidenceLevel)
	if v := os.Getenv(EnvPrefix + "SEED"); v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSEED=%q is not a valid seed", EnvPrefix, v))
		} else {
			c.Evaluation.Stats.Seed = seed
		}
	}

	str("DB", &c.Store.Path)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Adapter {
	case AdapterStub:
	case AdapterHTTP:
		if c.Classifier.URL == "" {
			errs = append(errs, errors.New("classifier.url is required for the http adapter"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown adapter %q", c.Adapter))
	}
	if err := c.Classifier.Thresholds.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Classifier.Retries < 0 || c.Agents.Retries < 0 {
		errs = append(errs, errors.New("retries must not be negative"))
	}
	if c.Agents.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("agents.max_concurrent must be positive, got %d", c.Agents.MaxConcurrent))
	}
	for name, d := range map[string]time.Duration{
		"agents.timeout":       c.Agents.Timeout,
		"consultation.timeout": c.Consultation.Timeout,
		"run.timeout":          c.Run.Timeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	for id := range c.Agents.Endpoints {
		if _, err := agents.ParseCapability(id); err != nil {
			errs = append(errs, err)
		}
	}
	for _, id := range c.Agents.Required {
		if _, err := agents.ParseCapability(id); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.Consultation.Channel {
	case ChannelTerminal, ChannelMCP, ChannelTimeout:
	default:
		errs = append(errs, fmt.Errorf("unknown consultation channel %q", c.Consultation.Channel))
	}
	if c.Evaluation.Folds < 2 {
		errs = append(errs, fmt.Errorf("evaluation.folds must be at least 2, got %d", c.Evaluation.Folds))
	}
	if c.Evaluation.Parallelism < 1 {
		errs = append(errs, fmt.Errorf("evaluation.parallelism must be positive, got %d", c.Evaluation.Parallelism))
	}
	if c.Evaluation.Tolerance <= 0 {
		errs = append(errs, fmt.Errorf("evaluation.tolerance must be positive, got %v", c.Evaluation.Tolerance))
	}
	if err := c.Evaluation.Stats.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Knowledge.Dims < 1 {
		errs = append(errs, fmt.Errorf("knowledge.dims must be positive, got %d", c.Knowledge.Dims))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// RequiredCapabilities returns Agents.Required as capabilities. Call after Validate.
func (c Config) RequiredCapabilities() []agents.Capability {
	out := make([]agents.Capability, 0, len(c.Agents.Required))
	for _, id := range c.Agents.Required {
		out = append(out, agents.Capability(id))
	}
	return out
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
