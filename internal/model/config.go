package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// AccountConfig holds the configuration for a single mailbox.
type AccountConfig struct {
	// ID is the unique identifier for this mailbox.
	ID string `mapstructure:"id" yaml:"id"`

	// Host and Port locate the IMAP server.
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`

	// Username authenticates against the server. The password comes from
	// the keyring or MAILSYNC_PASSWORD_<ID>.
	Username string `mapstructure:"username" yaml:"username"`

	// TLS selects implicit TLS; otherwise STARTTLS is used.
	TLS bool `mapstructure:"tls" yaml:"tls"`

	// Folders are reconciled in this order on every pass.
	Folders []string `mapstructure:"folders" yaml:"folders"`

	// Enabled controls whether this mailbox is polled.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// PollIntervalSec is how often (in seconds) to run a pass.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`

	// EnumerateWindow limits enumeration to the newest N uids. Windowed
	// listings are incomplete and never produce deletions. Zero lists all.
	EnumerateWindow int `mapstructure:"enumerate_window" yaml:"enumerate_window"`

	// FetchTimeoutSec bounds every remote call.
	FetchTimeoutSec int `mapstructure:"fetch_timeout_sec" yaml:"fetch_timeout_sec"`

	// FetchBatch caps how many pending bodies are fetched per pass.
	FetchBatch int `mapstructure:"fetch_batch" yaml:"fetch_batch"`
}

// FetchTimeout returns the per-call timeout for remote operations.
func (a AccountConfig) FetchTimeout() time.Duration {
	if a.FetchTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(a.FetchTimeoutSec) * time.Second
}

// PollInterval returns the interval between passes.
func (a AccountConfig) PollInterval() time.Duration {
	if a.PollIntervalSec <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(a.PollIntervalSec) * time.Second
}

// PipelineConfig holds worker and retry settings.
type PipelineConfig struct {
	Workers      int           `mapstructure:"workers" yaml:"workers"`
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`
	BackoffBase  time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffCap   time.Duration `mapstructure:"backoff_cap" yaml:"backoff_cap"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl" yaml:"lease_ttl"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	StepTimeout  time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`

	// TargetLang is the language the translation step produces.
	TargetLang string `mapstructure:"target_lang" yaml:"target_lang"`
}

// OllamaConfig configures the model server used by the executors.
type OllamaConfig struct {
	BaseURL           string  `mapstructure:"base_url" yaml:"base_url"`
	Model             string  `mapstructure:"model" yaml:"model"`
	EmbedModel        string  `mapstructure:"embed_model" yaml:"embed_model"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
}

// RuleCondition is one condition of a configured rule.
type RuleCondition struct {
	Kind  string `mapstructure:"kind" yaml:"kind" json:"kind"`
	Value string `mapstructure:"value" yaml:"value" json:"value"`
}

// RuleActionConfig is one action of a configured rule.
type RuleActionConfig struct {
	Kind  string `mapstructure:"kind" yaml:"kind" json:"kind"`
	Value string `mapstructure:"value" yaml:"value" json:"value"`
}

// RuleConfig is a versioned rule document. All conditions must hold for
// the actions to fire.
type RuleConfig struct {
	Schema     string             `mapstructure:"schema" yaml:"schema" json:"schema"`
	Name       string             `mapstructure:"name" yaml:"name" json:"name"`
	Conditions []RuleCondition    `mapstructure:"conditions" yaml:"conditions" json:"conditions"`
	Actions    []RuleActionConfig `mapstructure:"actions" yaml:"actions" json:"actions"`
}

// MonitorConfig configures the read-only monitoring endpoint.
type MonitorConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Database string          `mapstructure:"database" yaml:"database"`
	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
	Pipeline PipelineConfig  `mapstructure:"pipeline" yaml:"pipeline"`
	Ollama   OllamaConfig    `mapstructure:"ollama" yaml:"ollama"`
	Rules    []RuleConfig    `mapstructure:"rules" yaml:"rules"`
	Monitor  MonitorConfig   `mapstructure:"monitor" yaml:"monitor"`
	Log      LogConfig       `mapstructure:"log" yaml:"log"`
}

// Account returns the account with the given id.
func (c *AppConfig) Account(id string) (AccountConfig, error) {
	for _, a := range c.Accounts {
		if a.ID == id {
			return a, nil
		}
	}
	return AccountConfig{}, fmt.Errorf("account %q: %w", id, ErrNotFound)
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

// DefaultDatabasePath returns ~/.local/share/mailsync/mailsync.db.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "mailsync.db"
	}
	return filepath.Join(home, ".local", "share", "mailsync", "mailsync.db")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Database: DefaultDatabasePath(),
		Accounts: []AccountConfig{},
		Pipeline: PipelineConfig{
			Workers:      4,
			MaxRetries:   5,
			BackoffBase:  30 * time.Second,
			BackoffCap:   time.Hour,
			LeaseTTL:     5 * time.Minute,
			PollInterval: 2 * time.Second,
			StepTimeout:  2 * time.Minute,
			TargetLang:   "en",
		},
		Ollama: OllamaConfig{
			BaseURL:           "http://localhost:11434",
			Model:             "llama3",
			EmbedModel:        "nomic-embed-text",
			RequestsPerSecond: 4,
		},
		Monitor: MonitorConfig{Listen: "127.0.0.1:8089"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

func setDefaults(v *viper.Viper) {
	d := defaultAppConfig()
	v.SetDefault("database", d.Database)
	v.SetDefault("pipeline.workers", d.Pipeline.Workers)
	v.SetDefault("pipeline.max_retries", d.Pipeline.MaxRetries)
	v.SetDefault("pipeline.backoff_base", d.Pipeline.BackoffBase)
	v.SetDefault("pipeline.backoff_cap", d.Pipeline.BackoffCap)
	v.SetDefault("pipeline.lease_ttl", d.Pipeline.LeaseTTL)
	v.SetDefault("pipeline.poll_interval", d.Pipeline.PollInterval)
	v.SetDefault("pipeline.step_timeout", d.Pipeline.StepTimeout)
	v.SetDefault("pipeline.target_lang", d.Pipeline.TargetLang)
	v.SetDefault("ollama.base_url", d.Ollama.BaseURL)
	v.SetDefault("ollama.model", d.Ollama.Model)
	v.SetDefault("ollama.embed_model", d.Ollama.EmbedModel)
	v.SetDefault("ollama.requests_per_second", d.Ollama.RequestsPerSecond)
	v.SetDefault("monitor.listen", d.Monitor.Listen)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// A .env file in the working directory is loaded first so MAILSYNC_*
// variables can override file values. If the file does not exist, the
// defaults are returned.
func LoadConfig(path string) (*AppConfig, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MAILSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// Apply defaults for each account entry.
	for i := range cfg.Accounts {
		a := &cfg.Accounts[i]
		if a.Port == "" {
			a.Port = "993"
		}
		if len(a.Folders) == 0 {
			a.Folders = []string{"INBOX"}
		}
		if a.PollIntervalSec == 0 {
			a.PollIntervalSec = 300
		}
		if a.FetchBatch == 0 {
			a.FetchBatch = 200
		}
		if !a.Enabled && !enabledSet(v, i) {
			a.Enabled = true
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// enabledSet reports whether account i spells out "enabled". Viper
// unmarshals a missing bool as false, but an unset flag means enabled.
func enabledSet(v *viper.Viper, i int) bool {
	list, ok := v.Get("accounts").([]any)
	if !ok || i >= len(list) {
		return false
	}
	m, ok := list[i].(map[string]any)
	if !ok {
		return false
	}
	_, set := m["enabled"]
	return set
}

// Validate checks cross-field constraints.
func (c *AppConfig) Validate() error {
	seen := make(map[string]bool)
	for _, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("account without id")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate account id %q", a.ID)
		}
		seen[a.ID] = true
		if a.Host == "" {
			return fmt.Errorf("account %q: host is required", a.ID)
		}
	}
	p := c.Pipeline
	if p.MaxRetries < 1 {
		return fmt.Errorf("pipeline.max_retries must be at least 1")
	}
	if p.BackoffBase <= 0 || p.BackoffCap < p.BackoffBase {
		return fmt.Errorf("pipeline backoff must satisfy 0 < base <= cap")
	}
	if p.LeaseTTL <= 0 {
		return fmt.Errorf("pipeline.lease_ttl must be positive")
	}
	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("database", cfg.Database)
	v.Set("accounts", cfg.Accounts)
	v.Set("pipeline", cfg.Pipeline)
	v.Set("ollama", cfg.Ollama)
	v.Set("rules", cfg.Rules)
	v.Set("monitor", cfg.Monitor)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
