package config

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/duynguyendang/weeklyanalytics/internal/manager"
	apperrors "github.com/duynguyendang/weeklyanalytics/pkg/common/errors"
	"github.com/duynguyendang/weeklyanalytics/pkg/export"
	"github.com/duynguyendang/weeklyanalytics/pkg/pipeline"
	"github.com/duynguyendang/weeklyanalytics/pkg/schema"
	"github.com/duynguyendang/weeklyanalytics/pkg/service/ai"
	"gopkg.in/yaml.v3"
)

// DefaultFile is looked up in the working directory when no path is given.
const DefaultFile = "wka.yaml"

// Config holds configuration for the wka tool.
type Config struct {
	Source   SourceConfig   `yaml:"source"`
	Store    StoreConfig    `yaml:"store"`
	AI       AIConfig       `yaml:"ai"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Report   ReportConfig   `yaml:"report"`
	Log      LogConfig      `yaml:"log"`
	Server   ServerConfig   `yaml:"server"`
	// PromptsDir holds *.prompt files that add to or override the built-ins.
	PromptsDir string `yaml:"prompts_dir"`
}

// SourceConfig locates the weekly spreadsheets.
type SourceConfig struct {
	Dir     string `yaml:"dir"`
	Pattern string `yaml:"pattern"`
	// Sheet selects a worksheet by name; empty means the first one.
	Sheet string `yaml:"sheet"`
	// Columns maps header captions to field names.
	Columns map[string]string `yaml:"columns"`
	Workers int               `yaml:"workers"`
}

// StoreConfig locates the badger collections.
type StoreConfig struct {
	DataDir string `yaml:"data_dir"`
	// Profile is "default" or "low".
	Profile string `yaml:"profile"`
}

// AIConfig configures the analysis client and its Gemini backend.
type AIConfig struct {
	ai.Config   `yaml:",inline"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	APIKey      string  `yaml:"-" json:"-"`
}

// PipelineConfig mirrors pipeline.Options.
type PipelineConfig struct {
	Template       string        `yaml:"template"`
	MaxRows        int           `yaml:"max_rows"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
	MaxRejectRatio float64       `yaml:"max_reject_ratio"`
	OnThreshold    string        `yaml:"on_threshold"`
	OnExhausted    string        `yaml:"on_exhausted"`
}

// ReportConfig selects where and how reports are written.
type ReportConfig struct {
	Dir     string   `yaml:"dir"`
	Formats []string `yaml:"formats"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port string `yaml:"port"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	opts := pipeline.DefaultOptions()
	return Config{
		Source: SourceConfig{
			Dir:     "./input",
			Pattern: "*.xlsx",
			Columns: schema.DefaultColumns(),
		},
		Store: StoreConfig{
			DataDir: "./data",
			Profile: string(manager.MemoryProfileDefault),
		},
		AI: AIConfig{
			Config:      ai.DefaultConfig(),
			Model:       ai.DefaultModel,
			Temperature: 0.2,
		},
		Pipeline: PipelineConfig{
			Template:       opts.TemplateID,
			MaxRows:        opts.MaxRows,
			LockTTL:        opts.LockTTL,
			MaxRejectRatio: opts.MaxRejectRatio,
			OnThreshold:    opts.OnThreshold,
			OnExhausted:    opts.OnExhausted,
		},
		Report: ReportConfig{
			Dir:     opts.ReportDir,
			Formats: []string{"markdown"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Port: "8080",
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path tries DefaultFile and falls back to the defaults when it
// does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse config %s: %v", apperrors.ErrInvalidInput, path, err)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.AI.APIKey = v
	}
	if v := os.Getenv("GEMINI_MODEL"); v != "" {
		c.AI.Model = v
	}
	if v := os.Getenv("WKA_DATA_DIR"); v != "" {
		c.Store.DataDir = v
	}
	if v := os.Getenv("WKA_SOURCE_DIR"); v != "" {
		c.Source.Dir = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
}

// Validate checks the configuration and returns the first problem found.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{apperrors.ErrInvalidInput}, args...)...)
	}
	if c.Source.Dir == "" {
		return invalid("source.dir must be set")
	}
	if _, err := filepath.Match(c.Source.Pattern, "x"); c.Source.Pattern == "" || err != nil {
		return invalid("source.pattern %q is not a valid glob", c.Source.Pattern)
	}
	if c.Source.Workers < 0 {
		return invalid("source.workers must not be negative")
	}
	if c.Store.DataDir == "" {
		return invalid("store.data_dir must be set")
	}
	switch manager.MemoryProfile(c.Store.Profile) {
	case manager.MemoryProfileDefault, manager.MemoryProfileLow:
	default:
		return invalid("store.profile must be %q or %q, got %q", manager.MemoryProfileDefault, manager.MemoryProfileLow, c.Store.Profile)
	}
	if c.AI.MaxRetries < 0 {
		return invalid("ai.max_retries must not be negative")
	}
	if c.AI.BackoffBase < 0 || c.AI.BackoffCap < 0 || c.AI.Timeout < 0 {
		return invalid("ai durations must not be negative")
	}
	if c.AI.Jitter < 0 || c.AI.Jitter > 1 {
		return invalid("ai.jitter must be within [0,1], got %v", c.AI.Jitter)
	}
	if c.AI.RateLimit.Calls < 0 || c.AI.RateLimit.Window < 0 {
		return invalid("ai.rate_limit must not be negative")
	}
	if err := c.PipelineOptions().Validate(); err != nil {
		return err
	}
	if _, err := export.Formatters(c.Report.Formats); err != nil {
		return err
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return invalid("log.format must be text or json, got %q", c.Log.Format)
	}
	if n, err := strconv.Atoi(c.Server.Port); err != nil || n <= 0 || n > 65535 {
		return invalid("server.port %q is not a port number", c.Server.Port)
	}
	return nil
}

// PipelineOptions converts the pipeline and report sections.
func (c *Config) PipelineOptions() pipeline.Options {
	return pipeline.Options{
		TemplateID:     c.Pipeline.Template,
		MaxRows:        c.Pipeline.MaxRows,
		ReportDir:      c.Report.Dir,
		LockTTL:        c.Pipeline.LockTTL,
		MaxRejectRatio: c.Pipeline.MaxRejectRatio,
		OnThreshold:    c.Pipeline.OnThreshold,
		OnExhausted:    c.Pipeline.OnExhausted,
	}
}

// Gemini returns the backend configuration.
func (c *Config) Gemini() ai.GeminiConfig {
	return ai.GeminiConfig{
		APIKey:      c.AI.APIKey,
		Model:       c.AI.Model,
		Temperature: c.AI.Temperature,
	}
}

// Logger builds the slog logger described by the log section.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return l, fmt.Errorf("%w: log.level %q: %v", apperrors.ErrInvalidInput, s, err)
	}
	return l, nil
}

// WriteYAML encodes the configuration to w.
func (c *Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return enc.Close()
}

// Write saves the configuration as YAML.
func (c *Config) Write(path string) error {
	var buf bytes.Buffer
	if err := c.WriteYAML(&buf); err != nil {
		return err
	}
	data := buf.Bytes()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
