package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the on-disk configuration for companiond.
//
// NOTE: API keys are never stored here. The gateway reads them from the
// environment variable named by GatewayAPIKeyEnv.
type Config struct {
	// ListenAddr is the loopback address the local API binds to.
	ListenAddr string `json:"listen_addr,omitempty"`

	// GatewayProvider is "openai" or "anthropic".
	GatewayProvider string `json:"gateway_provider"`
	// GatewayModel selects the model; empty picks the provider default.
	GatewayModel string `json:"gateway_model,omitempty"`
	// GatewayBaseURL overrides the provider endpoint (proxies, tests).
	GatewayBaseURL string `json:"gateway_base_url,omitempty"`
	// GatewayAPIKeyEnv names the environment variable holding the key.
	// If empty, the provider SDK's conventional variable is used.
	GatewayAPIKeyEnv string `json:"gateway_api_key_env,omitempty"`
	// GatewayTimeoutSeconds bounds one completion attempt.
	GatewayTimeoutSeconds int `json:"gateway_timeout_seconds,omitempty"`

	// OCREndpoint is the base URL of the local text-recognition service.
	// Empty disables text extraction.
	OCREndpoint string `json:"ocr_endpoint,omitempty"`

	// DBPath locates the SQLite session store. Empty picks a default
	// next to the config file.
	DBPath string `json:"db_path,omitempty"`

	// SafetyRulesPath and SuggestRulesPath are optional YAML overrides for
	// the built-in phrase and suggestion rules.
	SafetyRulesPath  string `json:"safety_rules_path,omitempty"`
	SuggestRulesPath string `json:"suggest_rules_path,omitempty"`

	// MaxImageDimension bounds the longer edge of ingested photos.
	MaxImageDimension int `json:"max_image_dimension,omitempty"`
	// HistoryWindow is how many prior valid turns accompany a send.
	HistoryWindow int `json:"history_window,omitempty"`
	// StreamBatchRunes and StreamIntervalMs pace reply streaming.
	StreamBatchRunes int `json:"stream_batch_runes,omitempty"`
	StreamIntervalMs int `json:"stream_interval_ms,omitempty"`
	// WatchdogSeconds force-resets a send that never completes.
	WatchdogSeconds int `json:"watchdog_seconds,omitempty"`

	// KeepAttachmentsLocal keeps photo attachments off the wire.
	KeepAttachmentsLocal bool `json:"keep_attachments_local,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
	// LogFile enables rotated file logging when set.
	LogFile string `json:"log_file,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.TrimSpace(c.GatewayProvider) {
	case "openai", "anthropic":
	case "":
		return errors.New("missing gateway_provider")
	default:
		return fmt.Errorf("unknown gateway_provider %q", c.GatewayProvider)
	}
	switch strings.TrimSpace(c.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}
	switch strings.TrimSpace(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	if c.GatewayTimeoutSeconds < 0 || c.WatchdogSeconds < 0 {
		return errors.New("negative timeout")
	}
	if c.MaxImageDimension < 0 || c.HistoryWindow < 0 || c.StreamBatchRunes < 0 || c.StreamIntervalMs < 0 {
		return errors.New("negative tuning value")
	}
	return nil
}

// GatewayTimeout returns the configured completion timeout, or zero when
// unset so the gateway applies its own default.
func (c *Config) GatewayTimeout() time.Duration {
	if c == nil || c.GatewayTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.GatewayTimeoutSeconds) * time.Second
}

func (c *Config) WatchdogTimeout() time.Duration {
	if c == nil || c.WatchdogSeconds <= 0 {
		return 0
	}
	return time.Duration(c.WatchdogSeconds) * time.Second
}

func (c *Config) StreamInterval() time.Duration {
	if c == nil || c.StreamIntervalMs <= 0 {
		return 0
	}
	return time.Duration(c.StreamIntervalMs) * time.Millisecond
}

// DefaultConfigPath returns the default config path:
//
//	~/.companiond/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "companiond.config.json"
	}
	return filepath.Join(home, ".companiond", "config.json")
}

// DefaultDBPath resolves the session store location relative to the
// config file when the config does not name one.
func DefaultDBPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "companion.db")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
