// Package config loads the on-disk process configuration: YAML (or
// JSON5) with $include directive resolution and environment variable
// overrides, following the teacher's internal/config/loader.go idiom.
// It owns the file-shaped record (Config below) and the translation
// from that record into the engine's own models.Config plus the
// provider/store collaborators a process needs to start.
package config

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/rlmd/internal/llm"
	"github.com/haasonsaas/rlmd/internal/observability"
	"github.com/haasonsaas/rlmd/internal/prompt"
	"github.com/haasonsaas/rlmd/internal/sweeper"
	"github.com/haasonsaas/rlmd/internal/tracestore"
	"github.com/haasonsaas/rlmd/pkg/models"
)

const includeKey = "$include"

// Config is the on-disk shape of a process configuration file: the
// engine record of spec.md §3, provider credentials, and store DSNs —
// none of which spec.md's core is allowed to know about, but which a
// real process needs in order to construct one.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	LLM     LLMConfig     `yaml:"llm"`
	Store   StoreConfig   `yaml:"store"`
	Prompt  PromptConfig  `yaml:"prompt"`
	Sweeper SweeperConfig `yaml:"sweeper"`
	Log     LogConfig     `yaml:"log"`
	Trace   TraceConfig   `yaml:"trace"`

	// BusBufferSize is the event bus's per-subscriber channel capacity
	// (internal/bus.New's bufferSize parameter).
	BusBufferSize int `yaml:"bus_buffer_size"`
}

// EngineConfig mirrors models.Config field-for-field. Zero values mean
// "use the default" — ToEngineConfig only overrides fields explicitly set.
type EngineConfig struct {
	ModelLarge            string            `yaml:"model_large"`
	ModelSmall            string            `yaml:"model_small"`
	MaxIterations         int               `yaml:"max_iterations"`
	MaxDepth              int               `yaml:"max_depth"`
	MaxConcurrentSubcalls int               `yaml:"max_concurrent_subcalls"`
	TruncationHead        int               `yaml:"truncation_head"`
	TruncationTail        int               `yaml:"truncation_tail"`
	EvalTimeout           time.Duration     `yaml:"eval_timeout"`
	LLMTimeout            time.Duration     `yaml:"llm_timeout"`
	SubcallTimeout        time.Duration     `yaml:"subcall_timeout"`
	ContextWindowTokens   map[string]int    `yaml:"context_window_tokens"`
	CaptureTrace          *bool             `yaml:"capture_trace"`
}

// LLMConfig carries credentials for whichever of the three backend
// adapters Provider selects.
type LLMConfig struct {
	Provider  string        `yaml:"provider"` // "anthropic" | "openai" | "bedrock"
	APIKey    string        `yaml:"api_key"`
	BaseURL   string        `yaml:"base_url"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`

	// Bedrock-only.
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

// StoreConfig selects the durable trace-store backend (spec.md §6's
// "persistent trace storage" external collaborator). An empty Driver
// means no durable store: the process runs with the in-memory trace
// log only.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "" | "sqlite" | "postgres"
	DSN    string `yaml:"dsn"`
}

// PromptConfig names the two system-prompt files (spec.md §4.4, §6).
type PromptConfig struct {
	RootPath  string `yaml:"root_path"`
	ChildPath string `yaml:"child_path"`
}

// SweeperConfig configures the TTL reaper (spec.md §4.10).
type SweeperConfig struct {
	Interval time.Duration `yaml:"interval"`
	TTL      time.Duration `yaml:"ttl"`
}

// LogConfig configures process logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TraceConfig configures OTel span export. An empty Endpoint disables
// tracing (spec.md §6's tracing collaborator is entirely optional).
type TraceConfig struct {
	ServiceName    string            `yaml:"service_name"`
	Environment    string            `yaml:"environment"`
	Endpoint       string            `yaml:"endpoint"`
	SamplingRate   float64           `yaml:"sampling_rate"`
	Insecure       bool              `yaml:"insecure"`
	Attributes     map[string]string `yaml:"attributes"`
}

// Load reads path, resolving $include directives and environment
// variable expansion, then applies RLM_*-prefixed environment
// overrides on top of the decoded values.
func Load(path string) (*Config, error) {
	raw, err := loadRaw(path)
	if err != nil {
		return nil, err
	}

	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("config: re-serialize merged document: %w", err)
	}

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := decoder.Decode(new(struct{})); err != io.EOF {
		return nil, fmt.Errorf("config: %s must be a single document", path)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func loadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config: path is required")
	}
	return loadRawRecursive(path, map[string]bool{})
}

func loadRawRecursive(path string, seen map[string]bool) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if seen[absPath] {
		return nil, fmt.Errorf("config: include cycle detected at %s", absPath)
	}
	seen[absPath] = true
	defer delete(seen, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(data))

	raw, err := parseRawBytes([]byte(expanded), absPath)
	if err != nil {
		return nil, err
	}

	includes, err := extractIncludes(raw)
	if err != nil {
		return nil, err
	}

	merged := map[string]any{}
	baseDir := filepath.Dir(absPath)
	for _, inc := range includes {
		if strings.TrimSpace(inc) == "" {
			continue
		}
		incPath := inc
		if !filepath.IsAbs(incPath) {
			incPath = filepath.Join(baseDir, incPath)
		}
		incRaw, err := loadRawRecursive(incPath, seen)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, incRaw)
	}

	return mergeMaps(merged, raw), nil
}

func parseRawBytes(data []byte, pathHint string) (map[string]any, error) {
	ext := strings.ToLower(filepath.Ext(pathHint))
	if ext == ".json" || ext == ".json5" {
		var raw map[string]any
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		if raw == nil {
			raw = map[string]any{}
		}
		return raw, nil
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil && err != io.EOF {
		return nil, err
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func extractIncludes(raw map[string]any) ([]string, error) {
	val, ok := raw[includeKey]
	if !ok {
		return nil, nil
	}
	delete(raw, includeKey)

	switch typed := val.(type) {
	case string:
		return []string{typed}, nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("config: %s entries must be strings", includeKey)
			}
			paths = append(paths, s)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("config: %s must be a string or list of strings", includeKey)
	}
}

func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		if valueMap, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				dst[key] = mergeMaps(existing, valueMap)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("RLM_PROVIDER")); v != "" {
		cfg.LLM.Provider = v
	}
	if v := strings.TrimSpace(os.Getenv("RLM_API_KEY")); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); v != "" && cfg.LLM.Provider == "anthropic" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" && cfg.LLM.Provider == "openai" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("RLM_MODEL_LARGE")); v != "" {
		cfg.Engine.ModelLarge = v
	}
	if v := strings.TrimSpace(os.Getenv("RLM_MODEL_SMALL")); v != "" {
		cfg.Engine.ModelSmall = v
	}
	if v := strings.TrimSpace(os.Getenv("RLM_MAX_ITERATIONS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxIterations = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RLM_STORE_DSN")); v != "" {
		cfg.Store.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("RLM_LOG_LEVEL")); v != "" {
		cfg.Log.Level = v
	}
}

// ToEngineConfig translates the file record onto models.DefaultConfig,
// overriding only the fields explicitly set in the file.
func (c *Config) ToEngineConfig() *models.Config {
	base := models.DefaultConfig()
	e := c.Engine

	if e.ModelLarge != "" {
		base.ModelLarge = e.ModelLarge
	}
	if e.ModelSmall != "" {
		base.ModelSmall = e.ModelSmall
	}
	if c.LLM.Provider != "" {
		base.Provider = c.LLM.Provider
	}
	if e.MaxIterations != 0 {
		base.MaxIterations = e.MaxIterations
	}
	if e.MaxDepth != 0 {
		base.MaxDepth = e.MaxDepth
	}
	if e.MaxConcurrentSubcalls != 0 {
		base.MaxConcurrentSubcalls = e.MaxConcurrentSubcalls
	}
	if e.TruncationHead != 0 {
		base.TruncationHead = e.TruncationHead
	}
	if e.TruncationTail != 0 {
		base.TruncationTail = e.TruncationTail
	}
	if e.EvalTimeout != 0 {
		base.EvalTimeout = e.EvalTimeout
	}
	if e.LLMTimeout != 0 {
		base.LLMTimeout = e.LLMTimeout
	}
	if e.SubcallTimeout != 0 {
		base.SubcallTimeout = e.SubcallTimeout
	}
	if len(e.ContextWindowTokens) > 0 {
		for model, window := range e.ContextWindowTokens {
			base.ContextWindowTokens[model] = window
		}
	}
	if e.CaptureTrace != nil {
		base.CaptureTrace = *e.CaptureTrace
	}
	base.SystemPromptRootPath = c.Prompt.RootPath
	base.SystemPromptChildPath = c.Prompt.ChildPath
	return base
}

// PromptFiles returns the C7 prompt assembler's file locations.
func (c *Config) PromptFiles() prompt.Files {
	return prompt.Files{RootPath: c.Prompt.RootPath, ChildPath: c.Prompt.ChildPath}
}

// ObservabilityLog translates the file's logging section into the
// observability package's own config type.
func (c *Config) ObservabilityLog() observability.LogConfig {
	return observability.LogConfig{Level: c.Log.Level, Format: c.Log.Format}
}

// ObservabilityTrace translates the file's trace section into the
// observability package's own config type. An empty Endpoint (the
// zero value) makes the resulting Tracer a no-op.
func (c *Config) ObservabilityTrace() observability.TraceConfig {
	return observability.TraceConfig{
		ServiceName:    c.Trace.ServiceName,
		Environment:    c.Trace.Environment,
		Endpoint:       c.Trace.Endpoint,
		SamplingRate:   c.Trace.SamplingRate,
		EnableInsecure: c.Trace.Insecure,
		Attributes:     c.Trace.Attributes,
	}
}

// SweeperSettings returns the TTL sweeper's interval/TTL, falling back
// to sweeper.DefaultConfig for unset fields.
func (c *Config) SweeperSettings() sweeper.Config {
	settings := sweeper.DefaultConfig()
	if c.Sweeper.Interval > 0 {
		settings.Interval = c.Sweeper.Interval
	}
	if c.Sweeper.TTL > 0 {
		settings.TTL = c.Sweeper.TTL
	}
	return settings
}

// BuildLLMClient constructs the configured provider's adapter,
// wrapping Anthropic and Bedrock in SchemaEnforcing since neither
// vendor API constrains generation to a JSON Schema natively; OpenAI's
// response_format already does, so it is returned bare.
func (c *Config) BuildLLMClient(ctx context.Context) (llm.Client, error) {
	provider := strings.ToLower(c.LLM.Provider)
	if provider == "" {
		provider = "anthropic"
	}

	switch provider {
	case "anthropic":
		adapter, err := llm.NewAnthropicAdapter(llm.AnthropicConfig{
			APIKey:       c.LLM.APIKey,
			BaseURL:      c.LLM.BaseURL,
			DefaultModel: c.Engine.ModelLarge,
			MaxTokens:    c.LLM.MaxTokens,
			Timeout:      c.LLM.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return &llm.SchemaEnforcing{Inner: adapter}, nil

	case "openai":
		return llm.NewOpenAIAdapter(llm.OpenAIConfig{
			APIKey:       c.LLM.APIKey,
			BaseURL:      c.LLM.BaseURL,
			DefaultModel: c.Engine.ModelLarge,
			MaxTokens:    c.LLM.MaxTokens,
			Timeout:      c.LLM.Timeout,
		})

	case "bedrock":
		adapter, err := llm.NewBedrockAdapter(ctx, llm.BedrockConfig{
			Region:          c.LLM.Region,
			AccessKeyID:     c.LLM.AccessKeyID,
			SecretAccessKey: c.LLM.SecretAccessKey,
			SessionToken:    c.LLM.SessionToken,
			DefaultModel:    c.Engine.ModelLarge,
			MaxTokens:       c.LLM.MaxTokens,
			Timeout:         c.LLM.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return &llm.SchemaEnforcing{Inner: adapter}, nil

	default:
		return nil, fmt.Errorf("config: unknown llm provider %q", c.LLM.Provider)
	}
}

// BuildTraceStore constructs the configured durable trace store, or
// returns a nil Store (and nil error) when no driver is configured.
func (c *Config) BuildTraceStore() (tracestore.Store, error) {
	switch strings.ToLower(c.Store.Driver) {
	case "":
		return nil, nil
	case "sqlite":
		return tracestore.NewSQLiteStore(c.Store.DSN)
	case "postgres":
		return tracestore.NewPostgresStore(c.Store.DSN, nil)
	default:
		return nil, fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
}
