package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/entrepeneur4lyf/threadbridge/internal/llm"
	"github.com/entrepeneur4lyf/threadbridge/internal/render"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Discord configures the gateway connection
type Discord struct {
	Token  string `mapstructure:"token"`
	Status string `mapstructure:"status"`
}

// OpenAI configures the assistant backend
type OpenAI struct {
	APIKey      string `mapstructure:"api_key"`
	BaseURL     string `mapstructure:"base_url"`
	AssistantID string `mapstructure:"assistant_id"`
	// Model is used for one-shot completions; runs use the assistant's model.
	Model        string        `mapstructure:"model"`
	RunMode      string        `mapstructure:"run_mode"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// Anthropic configures the alternative one-shot completer
type Anthropic struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int64  `mapstructure:"max_tokens"`
}

// OneShot configures answers in threads without a relation
type OneShot struct {
	// Provider is openai, anthropic or none.
	Provider     string `mapstructure:"provider"`
	TokenBudget  int    `mapstructure:"token_budget"`
	SystemPrompt string `mapstructure:"system_prompt"`
	HistoryLimit int    `mapstructure:"history_limit"`
}

// Store selects the relation store backend
type Store struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// Events configures the per-thread dispatcher
type Events struct {
	QueueSize   int           `mapstructure:"queue_size"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// Attachments configures attachment uploads
type Attachments struct {
	// MaxImageDimension downsizes larger images before upload; 0 disables.
	MaxImageDimension int `mapstructure:"max_image_dimension"`
}

// Health configures the probe endpoint
type Health struct {
	Addr string `mapstructure:"addr"`
}

// Log configures the logger
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the main configuration structure for the application
type Config struct {
	Discord     Discord         `mapstructure:"discord"`
	OpenAI      OpenAI          `mapstructure:"openai"`
	Anthropic   Anthropic       `mapstructure:"anthropic"`
	OneShot     OneShot         `mapstructure:"oneshot"`
	Render      render.Options  `mapstructure:"render"`
	Retry       llm.RetryPolicy `mapstructure:"retry"`
	Store       Store           `mapstructure:"store"`
	Events      Events          `mapstructure:"events"`
	Attachments Attachments     `mapstructure:"attachments"`
	Health      Health          `mapstructure:"health"`
	Log         Log             `mapstructure:"log"`
	Debug       bool            `mapstructure:"debug"`

	v *viper.Viper
}

// Application constants
const (
	appName         = "threadbridge"
	defaultLogLevel = "info"
)

// One-shot providers
const (
	OneShotOpenAI    = "openai"
	OneShotAnthropic = "anthropic"
	OneShotNone      = "none"
)

// secretEnv lists the conventional variable names accepted next to the
// prefixed ones
var secretEnv = map[string]string{
	"discord.token":     "DISCORD_TOKEN",
	"openai.api_key":    "OPENAI_API_KEY",
	"anthropic.api_key": "ANTHROPIC_API_KEY",
}

// Load reads configuration from a .env file, the config file and the
// environment. configFile overrides the search for .threadbridge.json. A
// missing default config file is not an error.
func Load(configFile string, debug bool) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	configureViper(v, configFile)
	setDefaults(v, debug)

	if err := readConfig(v); err != nil {
		return nil, err
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// configureViper sets up viper's configuration paths and environment variables
func configureViper(v *viper.Viper, configFile string) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(fmt.Sprintf(".%s", appName))
		v.SetConfigType("json")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
		v.AddConfigPath(fmt.Sprintf("$HOME/.config/%s", appName))
	}
	v.SetEnvPrefix(strings.ToUpper(appName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, name := range secretEnv {
		prefixed := strings.ToUpper(appName + "_" + strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, prefixed, name)
	}
}

// setDefaults registers every key so environment overrides reach Unmarshal
func setDefaults(v *viper.Viper, debug bool) {
	v.SetDefault("discord.token", "")
	v.SetDefault("discord.status", "")

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.assistant_id", "")
	v.SetDefault("openai.model", "gpt-4o")
	v.SetDefault("openai.run_mode", "stream")
	v.SetDefault("openai.poll_interval", time.Second)
	v.SetDefault("openai.max_retries", 2)

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "")
	v.SetDefault("anthropic.max_tokens", 2048)

	v.SetDefault("oneshot.provider", OneShotOpenAI)
	v.SetDefault("oneshot.token_budget", 8000)
	v.SetDefault("oneshot.system_prompt", "You are a helpful assistant in a Discord thread.")
	v.SetDefault("oneshot.history_limit", 100)

	renderDefaults := render.DefaultOptions()
	v.SetDefault("render.flush_interval", renderDefaults.FlushInterval)
	v.SetDefault("render.max_message_length", renderDefaults.MaxMessageLength)
	v.SetDefault("render.completion_emoji", renderDefaults.CompletionEmoji)

	v.SetDefault("retry.max_retries", llm.DefaultRetryPolicy.MaxRetries)
	v.SetDefault("retry.base_delay", llm.DefaultRetryPolicy.BaseDelay)
	v.SetDefault("retry.max_delay", llm.DefaultRetryPolicy.MaxDelay)
	v.SetDefault("retry.backoff_factor", llm.DefaultRetryPolicy.BackoffFactor)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.table", "thread_relation")
	v.SetDefault("store.region", "")
	v.SetDefault("store.endpoint", "")

	v.SetDefault("events.queue_size", 32)
	v.SetDefault("events.idle_timeout", time.Minute)

	v.SetDefault("attachments.max_image_dimension", 2048)

	v.SetDefault("health.addr", ":8080")

	v.SetDefault("log.format", "text")
	if debug {
		v.SetDefault("debug", true)
		v.Set("log.level", "debug")
	} else {
		v.SetDefault("debug", false)
		v.SetDefault("log.level", defaultLogLevel)
	}
}

// readConfig reads the config file, tolerating its absence
func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{v: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return cfg, nil
}

// File returns the config file in use, or "" when none was found
func (c *Config) File() string {
	if c.v == nil {
		return ""
	}
	return c.v.ConfigFileUsed()
}

// Watch calls onChange with the re-read configuration whenever the config
// file is written. It does nothing when no config file was found.
func (c *Config) Watch(onChange func(*Config, error)) {
	if c.File() == "" {
		return
	}

	var mu sync.Mutex
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		onChange(decode(c.v))
	})
	c.v.WatchConfig()
}

// Validate checks everything the serve command needs
func (c *Config) Validate() error {
	var problems []string
	if c.Discord.Token == "" {
		problems = append(problems, "discord.token is required")
	}
	if c.OpenAI.APIKey == "" {
		problems = append(problems, "openai.api_key is required")
	}
	if c.OpenAI.AssistantID == "" {
		problems = append(problems, "openai.assistant_id is required")
	}
	switch c.OpenAI.RunMode {
	case "stream", "poll":
	default:
		problems = append(problems, fmt.Sprintf("openai.run_mode must be stream or poll, got %q", c.OpenAI.RunMode))
	}

	switch c.OneShot.Provider {
	case OneShotOpenAI, OneShotNone:
	case OneShotAnthropic:
		if c.Anthropic.APIKey == "" {
			problems = append(problems, "anthropic.api_key is required when oneshot.provider is anthropic")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown oneshot.provider %q", c.OneShot.Provider))
	}
	if c.OneShot.TokenBudget <= 0 {
		problems = append(problems, "oneshot.token_budget must be positive")
	}

	if n := c.Render.MaxMessageLength; n <= 0 || n > 2000 {
		problems = append(problems, fmt.Sprintf("render.max_message_length must be in 1..2000, got %d", n))
	}
	if c.Render.FlushInterval <= 0 {
		problems = append(problems, "render.flush_interval must be positive")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		problems = append(problems, "retry.base_delay must be positive and not above retry.max_delay")
	}
	if c.Events.QueueSize <= 0 {
		problems = append(problems, "events.queue_size must be positive")
	}

	if err := c.ValidateLog(); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ValidateLog checks the logging keys, which every command uses
func (c *Config) ValidateLog() error {
	switch strings.ToLower(c.Log.Format) {
	case "text", "json", "logfmt":
		return nil
	default:
		return fmt.Errorf("log.format must be text, json or logfmt, got %q", c.Log.Format)
	}
}
