package config

import (
	"fmt"
	"time"
)

// Config is the runtime configuration handed to the core components.
// It is loaded once at startup from a YAML file plus environment overrides
// and treated as read-only afterwards.
type Config struct {
	// Server settings
	Port    int    `yaml:"port" json:"port"`
	Host    string `yaml:"host" json:"host"`
	Debug   bool   `yaml:"debug" json:"debug"`
	LogFile string `yaml:"log_file" json:"log_file"`

	// Caller auth
	APIKey        string `yaml:"api_key" json:"api_key"`
	AdminUsername string `yaml:"admin_username" json:"admin_username"`
	AdminPassword string `yaml:"admin_password" json:"admin_password"`
	JWTSecret     string `yaml:"jwt_secret" json:"jwt_secret"`

	// Upstream settings
	CodeAssistEndpoint string `yaml:"code_assist_endpoint" json:"code_assist_endpoint"`
	UseSandbox         bool   `yaml:"use_sandbox" json:"use_sandbox"`
	UserAgent          string `yaml:"user_agent" json:"user_agent"`
	ProxyURL           string `yaml:"proxy_url" json:"proxy_url"`
	OAuthClientID      string `yaml:"oauth_client_id" json:"oauth_client_id"`
	OAuthClientSecret  string `yaml:"oauth_client_secret" json:"oauth_client_secret"`

	// Timeouts
	RequestTimeoutSec int `yaml:"request_timeout_sec" json:"request_timeout_sec"`
	IdleTimeoutSec    int `yaml:"idle_timeout_sec" json:"idle_timeout_sec"`

	// Retry / rotation
	RetryMax            int    `yaml:"retry_max" json:"retry_max"`
	RotationStrategy    string `yaml:"rotation_strategy" json:"rotation_strategy"`
	RequestCountN       int    `yaml:"request_count_n" json:"request_count_n"`
	RefreshAheadSeconds int    `yaml:"refresh_ahead_seconds" json:"refresh_ahead_seconds"`
	CooldownSeconds     int    `yaml:"cooldown_seconds" json:"cooldown_seconds"`

	// Storage
	DataDir        string `yaml:"data_dir" json:"data_dir"`
	StateBackend   string `yaml:"state_backend" json:"state_backend"` // "file" or "redis"
	RedisAddr      string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword  string `yaml:"redis_password" json:"redis_password"`
	RedisDB        int    `yaml:"redis_db" json:"redis_db"`
	RedisPrefix    string `yaml:"redis_prefix" json:"redis_prefix"`
	QuotaIdleTTLHr int    `yaml:"quota_idle_ttl_hours" json:"quota_idle_ttl_hours"`

	// IP guard
	GuardWindowMin      int      `yaml:"guard_window_min" json:"guard_window_min"`
	GuardThreshold      int      `yaml:"guard_threshold" json:"guard_threshold"`
	GuardTempBlockMin   int      `yaml:"guard_temp_block_min" json:"guard_temp_block_min"`
	GuardCyclePeriodHr  int      `yaml:"guard_cycle_period_hours" json:"guard_cycle_period_hours"`
	GuardPermanentCycle int      `yaml:"guard_permanent_cycles" json:"guard_permanent_cycles"`
	GuardWhitelist      []string `yaml:"guard_whitelist" json:"guard_whitelist"`

	// Streaming behavior
	HeartbeatMs       int    `yaml:"heartbeat_ms" json:"heartbeat_ms"`
	FakeNonStream     bool   `yaml:"fake_non_stream" json:"fake_non_stream"`
	SignatureCaching  string `yaml:"signature_caching" json:"signature_caching"` // always|tools|never
	CacheToolSigs     bool   `yaml:"cache_tool_signatures" json:"cache_tool_signatures"`
	MaxInlineImages   int    `yaml:"max_inline_images" json:"max_inline_images"`
	ToolArgsChunkSize int    `yaml:"tool_args_delta_chunk" json:"tool_args_delta_chunk"`

	// Prompt injection
	SystemInstruction     string `yaml:"system_instruction" json:"system_instruction"`
	OfficialSystemPrompt  string `yaml:"official_system_prompt" json:"official_system_prompt"`
	OfficialPromptFirst   bool   `yaml:"official_prompt_first" json:"official_prompt_first"`
	ThinkingBudgetDefault int    `yaml:"thinking_budget_default" json:"thinking_budget_default"`

	// Generation defaults
	TemperatureDefault float64 `yaml:"temperature_default" json:"temperature_default"`
	TopPDefault        float64 `yaml:"top_p_default" json:"top_p_default"`
	MaxOutputTokens    int     `yaml:"max_output_tokens" json:"max_output_tokens"`

	// Image sink
	ImageBaseURL string `yaml:"image_base_url" json:"image_base_url"`

	// Rate limiting
	RateLimitEnabled bool `yaml:"rate_limit_enabled" json:"rate_limit_enabled"`
	RateLimitRPS     int  `yaml:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst   int  `yaml:"rate_limit_burst" json:"rate_limit_burst"`

	// Debug dump of request/response bodies
	DebugDump bool `yaml:"debug_dump_request_response" json:"debug_dump_request_response"`
}

// Upstream hosts for the code-assist backend.
const (
	ProductionEndpoint = "https://cloudcode-pa.googleapis.com"
	SandboxEndpoint    = "https://autopush-cloudcode-pa.sandbox.googleapis.com"
)

// Defaults returns a configuration populated with the documented default values.
func Defaults() *Config {
	return &Config{
		Port:                  8317,
		Host:                  "0.0.0.0",
		CodeAssistEndpoint:    ProductionEndpoint,
		UserAgent:             "GeminiCLI/0.1.5 (linux; x64)",
		RequestTimeoutSec:     300,
		IdleTimeoutSec:        120,
		RetryMax:              3,
		RotationStrategy:      "round_robin",
		RequestCountN:         10,
		RefreshAheadSeconds:   60,
		CooldownSeconds:       60,
		DataDir:               "data",
		StateBackend:          "file",
		RedisPrefix:           "cagw",
		QuotaIdleTTLHr:        1,
		GuardWindowMin:        10,
		GuardThreshold:        10,
		GuardTempBlockMin:     30,
		GuardCyclePeriodHr:    24,
		GuardPermanentCycle:   5,
		HeartbeatMs:           15000,
		FakeNonStream:         true,
		SignatureCaching:      "tools",
		CacheToolSigs:         true,
		MaxInlineImages:       16,
		OfficialPromptFirst:   true,
		ThinkingBudgetDefault: -1,
		TemperatureDefault:    1.0,
		TopPDefault:           0.95,
		MaxOutputTokens:       65535,
		RateLimitEnabled:      true,
		RateLimitRPS:          10,
		RateLimitBurst:        20,
	}
}

// Endpoint returns the effective upstream host based on the sandbox toggle.
func (c *Config) Endpoint() string {
	if c.CodeAssistEndpoint != "" && c.CodeAssistEndpoint != ProductionEndpoint && c.CodeAssistEndpoint != SandboxEndpoint {
		return c.CodeAssistEndpoint
	}
	if c.UseSandbox {
		return SandboxEndpoint
	}
	return ProductionEndpoint
}

// RequestTimeout returns the total caller-to-upstream timeout.
func (c *Config) RequestTimeout() time.Duration {
	if c.RequestTimeoutSec <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// IdleTimeout returns the per-read idle timeout for streams.
func (c *Config) IdleTimeout() time.Duration {
	if c.IdleTimeoutSec <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

// Cooldown returns the fixed cooldown applied after a rate signal.
func (c *Config) Cooldown() time.Duration {
	if c.CooldownSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.CooldownSeconds) * time.Second
}

// QuotaIdleTTL returns how long an untouched quota entry survives before pruning.
func (c *Config) QuotaIdleTTL() time.Duration {
	if c.QuotaIdleTTLHr <= 0 {
		return time.Hour
	}
	return time.Duration(c.QuotaIdleTTLHr) * time.Hour
}

// Validate checks values that would make the core misbehave.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	switch c.RotationStrategy {
	case "round_robin", "request_count", "quota_exhausted":
	default:
		return fmt.Errorf("unknown rotation strategy %q", c.RotationStrategy)
	}
	switch c.SignatureCaching {
	case "always", "tools", "never":
	default:
		return fmt.Errorf("unknown signature caching mode %q", c.SignatureCaching)
	}
	switch c.StateBackend {
	case "file", "redis":
	default:
		return fmt.Errorf("unknown state backend %q", c.StateBackend)
	}
	if c.RetryMax < 1 {
		c.RetryMax = 1
	}
	return nil
}
