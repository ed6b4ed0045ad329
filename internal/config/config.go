// SPDX-License-Identifier: MIT

// Package config loads the daemon configuration with the precedence
// ENV > file > defaults. File parsing is strict: unknown keys fail the load
// so typos surface at startup instead of silently using a default.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/evented-go/evented/internal/event"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	DataDir  string         `yaml:"dataDir"`
	LogLevel string         `yaml:"logLevel"`
	API      APIConfig      `yaml:"api"`
	Redis    RedisConfig    `yaml:"redis"`
	Notify   NotifyConfig   `yaml:"notify"`
	Workflow WorkflowConfig `yaml:"workflow"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Listen         string        `yaml:"listen"`
	RateLimit      int           `yaml:"rateLimit"` // requests per minute per client IP, 0 disables
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

// RedisConfig configures the notification bus.
type RedisConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	Stream       string `yaml:"stream"`
	Group        string `yaml:"group"`
	Consumer     string `yaml:"consumer"`
	MaxStreamLen int64  `yaml:"maxStreamLen"` // approximate cap, 0 disables trimming
}

// NotifyConfig adjusts the catalog-derived notification allow-list.
type NotifyConfig struct {
	ExtraTypes    []string `yaml:"extraTypes"`
	DisabledTypes []string `yaml:"disabledTypes"`
}

// WorkflowConfig tunes the bridge and its activities.
type WorkflowConfig struct {
	MaxHops       int           `yaml:"maxHops"`
	MaxAttempts   int           `yaml:"maxAttempts"`
	RetryBackoff  time.Duration `yaml:"retryBackoff"`
	MaxBackoff    time.Duration `yaml:"maxBackoff"`
	DedupeTTL     time.Duration `yaml:"dedupeTtl"`
	BaseDomain    string        `yaml:"baseDomain"`
	LookupTimeout time.Duration `yaml:"lookupTimeout"`
	SMTPAddr      string        `yaml:"smtpAddr"`
	MailFrom      string        `yaml:"mailFrom"`
}

func defaults() Config {
	return Config{
		DataDir:  "./data",
		LogLevel: "info",
		API: APIConfig{
			Listen:         ":8080",
			RateLimit:      600,
			RequestTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Stream:   "eventd:notifications",
			Group:    "workflow-bridge",
			Consumer: "bridge-1",
		},
		Workflow: WorkflowConfig{
			MaxHops:       8,
			MaxAttempts:   3,
			RetryBackoff:  500 * time.Millisecond,
			MaxBackoff:    30 * time.Second,
			DedupeTTL:     24 * time.Hour,
			LookupTimeout: 10 * time.Second,
		},
	}
}

// Load resolves the configuration. path may be empty for ENV-only setups.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		if err := mergeFile(&cfg, path); err != nil {
			return cfg, err
		}
	}
	mergeEnv(&cfg)

	if abs, err := filepath.Abs(cfg.DataDir); err == nil {
		cfg.DataDir = abs
	}

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// mergeFile overlays a strictly parsed YAML file onto cfg.
func mergeFile(cfg *Config, path string) error {
	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format %s (only YAML supported)", ext)
	}

	// #nosec G304 -- config file paths are provided by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

// mergeEnv overlays EVENTD_* environment variables, highest precedence.
func mergeEnv(cfg *Config) {
	cfg.DataDir = envString("EVENTD_DATA_DIR", cfg.DataDir)
	cfg.LogLevel = envString("EVENTD_LOG_LEVEL", cfg.LogLevel)

	cfg.API.Listen = envString("EVENTD_LISTEN", cfg.API.Listen)
	cfg.API.RateLimit = envInt("EVENTD_API_RATE_LIMIT", cfg.API.RateLimit)
	cfg.API.RequestTimeout = envDuration("EVENTD_API_REQUEST_TIMEOUT", cfg.API.RequestTimeout)

	cfg.Redis.Addr = envString("EVENTD_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = envString("EVENTD_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = envInt("EVENTD_REDIS_DB", cfg.Redis.DB)
	cfg.Redis.Stream = envString("EVENTD_REDIS_STREAM", cfg.Redis.Stream)
	cfg.Redis.Group = envString("EVENTD_REDIS_GROUP", cfg.Redis.Group)
	cfg.Redis.Consumer = envString("EVENTD_REDIS_CONSUMER", cfg.Redis.Consumer)

	if v, ok := os.LookupEnv("EVENTD_NOTIFY_EXTRA_TYPES"); ok {
		cfg.Notify.ExtraTypes = splitList(v)
	}
	if v, ok := os.LookupEnv("EVENTD_NOTIFY_DISABLED_TYPES"); ok {
		cfg.Notify.DisabledTypes = splitList(v)
	}

	cfg.Workflow.MaxHops = envInt("EVENTD_WORKFLOW_MAX_HOPS", cfg.Workflow.MaxHops)
	cfg.Workflow.MaxAttempts = envInt("EVENTD_WORKFLOW_MAX_ATTEMPTS", cfg.Workflow.MaxAttempts)
	cfg.Workflow.RetryBackoff = envDuration("EVENTD_WORKFLOW_RETRY_BACKOFF", cfg.Workflow.RetryBackoff)
	cfg.Workflow.BaseDomain = envString("EVENTD_WORKFLOW_BASE_DOMAIN", cfg.Workflow.BaseDomain)
	cfg.Workflow.SMTPAddr = envString("EVENTD_WORKFLOW_SMTP_ADDR", cfg.Workflow.SMTPAddr)
	cfg.Workflow.MailFrom = envString("EVENTD_WORKFLOW_MAIL_FROM", cfg.Workflow.MailFrom)
}

var logLevels = map[string]struct{}{
	"trace": {}, "debug": {}, "info": {}, "warn": {}, "error": {},
}

// Validate checks the resolved configuration. Notification overrides must
// name declared event types so a typo cannot silently disable fan-out.
func Validate(cfg Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("dataDir is required")
	}
	if _, ok := logLevels[cfg.LogLevel]; !ok {
		return fmt.Errorf("invalid log level %q", cfg.LogLevel)
	}
	if cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required")
	}
	if cfg.API.RateLimit < 0 {
		return fmt.Errorf("api.rateLimit must not be negative")
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if cfg.Workflow.MaxHops < 1 {
		return fmt.Errorf("workflow.maxHops must be at least 1")
	}
	if cfg.Workflow.MaxAttempts < 1 {
		return fmt.Errorf("workflow.maxAttempts must be at least 1")
	}
	for _, typ := range append(append([]string{}, cfg.Notify.ExtraTypes...), cfg.Notify.DisabledTypes...) {
		if !event.Declared(event.Type(typ)) {
			return fmt.Errorf("notify override names undeclared event type %q", typ)
		}
	}
	return nil
}

// DatabasePath returns the SQLite file inside the data directory.
func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "eventd.db")
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
