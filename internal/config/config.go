package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for promptloop
type Config struct {
	LLM        LLMConfig        `json:"llm"`
	Database   DatabaseConfig   `json:"database"`
	Server     ServerConfig     `json:"server"`
	Optimizer  OptimizerConfig  `json:"optimizer"`
	Strategies StrategiesConfig `json:"strategies"`
	EarlyStop  EarlyStopConfig  `json:"early_stop"`
	Audit      AuditConfig      `json:"audit"`
	Tracker    TrackerConfig    `json:"tracker"`
	Tracing    TracingConfig    `json:"tracing"`
	Logging    LoggingConfig    `json:"logging"`
}

// LLMConfig holds the OpenAI-compatible chat API configuration
type LLMConfig struct {
	URL         string  `json:"url"`
	APIKey      string  `json:"api_key"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	RateLimit   float64 `json:"rate_limit"` // requests per second, 0 = unlimited
	Burst       int     `json:"burst"`
}

// DatabaseConfig holds database configuration. Without a PostgreSQL URL runs
// are kept in memory.
type DatabaseConfig struct {
	PostgresURL string `json:"postgres_url"`
	Migrate     bool   `json:"migrate"`
}

// ServerConfig holds API server configuration
type ServerConfig struct {
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	CORSOrigins []string `json:"cors_origins"`
	APIKey      string   `json:"api_key"` // empty disables authentication
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// OptimizerConfig holds the control loop limits
type OptimizerConfig struct {
	MaxAttempts          int `json:"max_attempts"`   // per-example retry budget
	MaxIterations        int `json:"max_iterations"` // 0 = train size * max_attempts
	EvalConcurrency      int `json:"eval_concurrency"`
	RefineConcurrency    int `json:"refine_concurrency"`
	InvokeTimeoutSeconds int `json:"invoke_timeout_seconds"`
}

// InvokeTimeout returns the per-call model timeout.
func (o OptimizerConfig) InvokeTimeout() time.Duration {
	return time.Duration(o.InvokeTimeoutSeconds) * time.Second
}

// StrategiesConfig selects the default scorer, merger and validator and
// their tuning options
type StrategiesConfig struct {
	Scorer          string   `json:"scorer"`
	Merger          string   `json:"merger"`
	Validator       string   `json:"validator"`
	BatchSize       int      `json:"batch_size"`
	SampleSize      int      `json:"sample_size"`
	SampleThreshold float64  `json:"sample_threshold"`
	Seed            int64    `json:"seed"`
	NumericRelTol   float64  `json:"numeric_rel_tol"`
	NumericAbsTol   float64  `json:"numeric_abs_tol"`
	FuzzyThreshold  float64  `json:"fuzzy_threshold"`
	Blocks          []string `json:"blocks"` // prompt block schema, in order
}

// EarlyStopConfig holds the early stop conditions; zero disables each
type EarlyStopConfig struct {
	MaxConsecutiveRejections int     `json:"max_consecutive_rejections"`
	TargetPassRate           float64 `json:"target_pass_rate"`
}

// AuditConfig holds the audit trail file sink configuration
type AuditConfig struct {
	File string `json:"file"` // empty disables the file sink
}

// TrackerConfig holds the experiment tracker (Langfuse-compatible) configuration
type TrackerConfig struct {
	Host      string   `json:"host"`
	PublicKey string   `json:"public_key"`
	SecretKey string   `json:"secret_key"`
	Tags      []string `json:"tags"`
}

// Enabled reports whether runs are reported to a tracker.
func (t TrackerConfig) Enabled() bool {
	return t.Host != "" && t.PublicKey != "" && t.SecretKey != ""
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	File        string `json:"file"` // span output, empty = stderr
	ServiceName string `json:"service_name"`
}

// LoggingConfig holds zap logger configuration
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json or console
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			URL:         "http://localhost:8000/v1",
			APIKey:      "",
			Model:       "gpt-4o-mini",
			MaxTokens:   1024,
			Temperature: 0,
			RateLimit:   0,
			Burst:       1,
		},
		Database: DatabaseConfig{
			PostgresURL: "",
			Migrate:     true,
		},
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Optimizer: OptimizerConfig{
			MaxAttempts:          5,
			MaxIterations:        0,
			EvalConcurrency:      8,
			RefineConcurrency:    1,
			InvokeTimeoutSeconds: 120,
		},
		Strategies: StrategiesConfig{
			Scorer:          "exact_match",
			Merger:          "block_based",
			Validator:       "full",
			BatchSize:       3,
			SampleSize:      3,
			SampleThreshold: 1.0,
			Seed:            1,
			NumericRelTol:   1e-6,
			NumericAbsTol:   0,
			FuzzyThreshold:  0.9,
			Blocks:          []string{"Task", "Output Format", "Examples", "Heuristics"},
		},
		Tracing: TracingConfig{
			ServiceName: "promptloop",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// envString loads a string environment variable into the target pointer if set
func envString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// envInt loads an integer environment variable into the target pointer if set
func envInt(key string, target *int, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: %q is not an integer", key, v))
			return
		}
		*target = i
	}
}

// envFloat loads a float64 environment variable into the target pointer if set
func envFloat(key string, target *float64, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: %q is not a number", key, v))
			return
		}
		*target = f
	}
}

// envBool loads a boolean environment variable into the target pointer if set
func envBool(key string, target *bool, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s: %q is not a boolean", key, v))
			return
		}
		*target = b
	}
}

// envStringSlice loads a comma-separated environment variable into a string slice
func envStringSlice(key string, target *[]string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			*target = result
		}
	}
}

// Load builds the configuration from defaults, the config file and
// environment variables, in that order, and validates it.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := ConfigPath()
	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error

	envString("PROMPTLOOP_LLM_URL", &c.LLM.URL)
	envString("PROMPTLOOP_LLM_API_KEY", &c.LLM.APIKey)
	envString("PROMPTLOOP_LLM_MODEL", &c.LLM.Model)
	envInt("PROMPTLOOP_LLM_MAX_TOKENS", &c.LLM.MaxTokens, &errs)
	envFloat("PROMPTLOOP_LLM_TEMPERATURE", &c.LLM.Temperature, &errs)
	envFloat("PROMPTLOOP_LLM_RATE_LIMIT", &c.LLM.RateLimit, &errs)
	envInt("PROMPTLOOP_LLM_BURST", &c.LLM.Burst, &errs)

	envString("PROMPTLOOP_POSTGRES_URL", &c.Database.PostgresURL)
	envBool("PROMPTLOOP_POSTGRES_MIGRATE", &c.Database.Migrate, &errs)

	if addr := os.Getenv("PROMPTLOOP_SERVER_ADDR"); addr != "" {
		host, port, err := net.SplitHostPort(addr)
		if p, perr := strconv.Atoi(port); err != nil || perr != nil {
			errs = append(errs, fmt.Errorf("PROMPTLOOP_SERVER_ADDR: %q is not host:port", addr))
		} else {
			c.Server.Host, c.Server.Port = host, p
		}
	}
	envStringSlice("PROMPTLOOP_CORS_ORIGINS", &c.Server.CORSOrigins)
	envString("PROMPTLOOP_API_KEY", &c.Server.APIKey)

	envInt("PROMPTLOOP_MAX_ATTEMPTS", &c.Optimizer.MaxAttempts, &errs)
	envInt("PROMPTLOOP_MAX_ITERATIONS", &c.Optimizer.MaxIterations, &errs)
	envInt("PROMPTLOOP_EVAL_CONCURRENCY", &c.Optimizer.EvalConcurrency, &errs)
	envInt("PROMPTLOOP_REFINE_CONCURRENCY", &c.Optimizer.RefineConcurrency, &errs)
	envInt("PROMPTLOOP_INVOKE_TIMEOUT", &c.Optimizer.InvokeTimeoutSeconds, &errs)

	envString("PROMPTLOOP_SCORER", &c.Strategies.Scorer)
	envString("PROMPTLOOP_MERGER", &c.Strategies.Merger)
	envString("PROMPTLOOP_VALIDATOR", &c.Strategies.Validator)
	envInt("PROMPTLOOP_BATCH_SIZE", &c.Strategies.BatchSize, &errs)
	envStringSlice("PROMPTLOOP_BLOCKS", &c.Strategies.Blocks)

	envInt("PROMPTLOOP_EARLY_STOP_REJECTIONS", &c.EarlyStop.MaxConsecutiveRejections, &errs)
	envFloat("PROMPTLOOP_EARLY_STOP_PASS_RATE", &c.EarlyStop.TargetPassRate, &errs)

	envString("PROMPTLOOP_AUDIT_FILE", &c.Audit.File)

	envString("PROMPTLOOP_TRACKER_HOST", &c.Tracker.Host)
	envString("PROMPTLOOP_TRACKER_PUBLIC_KEY", &c.Tracker.PublicKey)
	envString("PROMPTLOOP_TRACKER_SECRET_KEY", &c.Tracker.SecretKey)
	envStringSlice("PROMPTLOOP_TRACKER_TAGS", &c.Tracker.Tags)

	envBool("PROMPTLOOP_TRACING_ENABLED", &c.Tracing.Enabled, &errs)
	envString("PROMPTLOOP_TRACING_FILE", &c.Tracing.File)

	envString("PROMPTLOOP_LOG_LEVEL", &c.Logging.Level)
	envString("PROMPTLOOP_LOG_FORMAT", &c.Logging.Format)

	return errors.Join(errs...)
}

// isValidURL validates that a URL has proper format
func isValidURL(urlStr string) bool {
	u, err := url.Parse(urlStr)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// Validate checks every section and reports all problems at once
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.LLM.URL == "" {
		add("llm.url is required")
	} else if !isValidURL(c.LLM.URL) {
		add("llm.url must be a valid URL")
	}
	if c.LLM.Model == "" {
		add("llm.model is required")
	}
	if c.LLM.MaxTokens < 1 {
		add("llm.max_tokens must be positive")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		add("llm.temperature must be between 0 and 2")
	}
	if c.LLM.RateLimit < 0 {
		add("llm.rate_limit must not be negative")
	}

	if c.Database.PostgresURL != "" && !isValidURL(c.Database.PostgresURL) {
		add("database.postgres_url must be a valid URL")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port must be between 1 and 65535")
	}

	if c.Optimizer.MaxAttempts < 1 {
		add("optimizer.max_attempts must be at least 1")
	}
	if c.Optimizer.MaxIterations < 0 {
		add("optimizer.max_iterations must not be negative")
	}
	if c.Optimizer.EvalConcurrency < 1 {
		add("optimizer.eval_concurrency must be at least 1")
	}
	if c.Optimizer.RefineConcurrency < 1 {
		add("optimizer.refine_concurrency must be at least 1")
	}
	if c.Optimizer.InvokeTimeoutSeconds < 0 {
		add("optimizer.invoke_timeout_seconds must not be negative")
	}

	if c.Strategies.Scorer == "" || c.Strategies.Merger == "" || c.Strategies.Validator == "" {
		add("strategies.scorer, strategies.merger and strategies.validator are required")
	}
	if c.Strategies.BatchSize < 1 {
		add("strategies.batch_size must be at least 1")
	}
	if c.Strategies.SampleSize < 1 {
		add("strategies.sample_size must be at least 1")
	}
	if c.Strategies.SampleThreshold < 0 || c.Strategies.SampleThreshold > 1 {
		add("strategies.sample_threshold must be between 0 and 1")
	}
	if c.Strategies.FuzzyThreshold < 0 || c.Strategies.FuzzyThreshold > 1 {
		add("strategies.fuzzy_threshold must be between 0 and 1")
	}
	if c.Strategies.NumericRelTol < 0 || c.Strategies.NumericAbsTol < 0 {
		add("strategies numeric tolerances must not be negative")
	}
	if len(c.Strategies.Blocks) == 0 {
		add("strategies.blocks must name at least one block")
	}

	if c.EarlyStop.MaxConsecutiveRejections < 0 {
		add("early_stop.max_consecutive_rejections must not be negative")
	}
	if c.EarlyStop.TargetPassRate < 0 || c.EarlyStop.TargetPassRate > 1 {
		add("early_stop.target_pass_rate must be between 0 and 1")
	}

	if c.Tracker.Host != "" && (c.Tracker.PublicKey == "" || c.Tracker.SecretKey == "") {
		add("tracker.public_key and tracker.secret_key are required when tracker.host is set")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		add("logging.format must be json or console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %w", errors.Join(errs...))
	}
	return nil
}

// ConfigPath returns the path to the config file
func ConfigPath() string {
	if path := os.Getenv("PROMPTLOOP_CONFIG"); path != "" {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(homeDir, ".config", "promptloop", "config.json")
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	cp := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	cp.LLM.APIKey = mask(c.LLM.APIKey)
	cp.Server.APIKey = mask(c.Server.APIKey)
	cp.Tracker.SecretKey = mask(c.Tracker.SecretKey)
	if c.Database.PostgresURL != "" {
		if u, err := url.Parse(c.Database.PostgresURL); err == nil {
			cp.Database.PostgresURL = u.Redacted()
		}
	}
	return &cp
}
