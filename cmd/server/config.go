package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/MegaGrindStone/lm-chat/internal/models"
	"github.com/caarlos0/env/v9"
	"gopkg.in/yaml.v3"
)

type config struct {
	Port        string            `yaml:"port" toml:"port" env:"PORT"`
	Storage     storageConfig     `yaml:"storage" toml:"storage" envPrefix:"STORAGE_"`
	Upstream    upstreamConfig    `yaml:"upstream" toml:"upstream"`
	Persistence persistenceConfig `yaml:"persistence" toml:"persistence" envPrefix:"PERSISTENCE_"`
	Log         logConfig         `yaml:"log" toml:"log" envPrefix:"LOG_"`
}

type storageConfig struct {
	// Driver is one of bolt, sqlite or memory.
	Driver string `yaml:"driver" toml:"driver" env:"DRIVER"`
	Path   string `yaml:"path" toml:"path" env:"PATH"`
}

type upstreamConfig struct {
	// Provider is openai or ollama. It only decides how the model list is fetched; chat always uses
	// the OpenAI-compatible endpoint.
	Provider       string        `yaml:"provider" toml:"provider" env:"UPSTREAM_PROVIDER"`
	BaseURL        string        `yaml:"baseUrl" toml:"baseUrl" env:"API_BASE_URL"`
	Temperature    float64       `yaml:"temperature" toml:"temperature" env:"TEMPERATURE"`
	MaxTokens      int           `yaml:"maxTokens" toml:"maxTokens" env:"MAX_TOKENS"`
	RequestTimeout time.Duration `yaml:"requestTimeout" toml:"requestTimeout" env:"REQUEST_TIMEOUT"`

	// temperatureSet tells an explicit 0 apart from no temperature at all.
	temperatureSet bool
}

// upstreamPresence records which optional upstream fields a config file sets.
type upstreamPresence struct {
	Upstream struct {
		Temperature *float64 `yaml:"temperature" toml:"temperature"`
	} `yaml:"upstream" toml:"upstream"`
}

type persistenceConfig struct {
	FlushDebounce time.Duration `yaml:"flushDebounce" toml:"flushDebounce" env:"FLUSH_DEBOUNCE"`
	FlushMaxDelay time.Duration `yaml:"flushMaxDelay" toml:"flushMaxDelay" env:"FLUSH_MAX_DELAY"`
}

type logConfig struct {
	Level  string `yaml:"level" toml:"level" env:"LEVEL"`
	Format string `yaml:"format" toml:"format" env:"FORMAT"`
}

const envPrefix = "LMCHAT_"

func defaultConfig() config {
	return config{
		Port: "8080",
		Storage: storageConfig{
			Driver: "bolt",
		},
		Upstream: upstreamConfig{
			Provider:       "openai",
			RequestTimeout: 5 * time.Minute,
		},
		Persistence: persistenceConfig{
			FlushDebounce: 300 * time.Millisecond,
			FlushMaxDelay: 2 * time.Second,
		},
		Log: logConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// configPath returns $LMCHAT_CONFIG, or config.yaml in the user config directory.
func configPath() (string, error) {
	if p := os.Getenv(envPrefix + "CONFIG"); p != "" {
		return p, nil
	}
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	return filepath.Join(cfgDir, "lmchat", "config.yaml"), nil
}

// loadConfig reads the config file at path over the defaults, then applies LMCHAT_* environment
// overrides. A missing file is not an error. Files ending in .toml are decoded as TOML, anything else
// as YAML.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	var presence upstreamPresence

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		if err := decodeFile(path, data, &cfg); err != nil {
			return config{}, err
		}
		if err := decodeFile(path, data, &presence); err != nil {
			return config{}, err
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return config{}, fmt.Errorf("error parsing environment: %w", err)
	}
	envTemperature := os.Getenv(envPrefix + "TEMPERATURE")
	cfg.Upstream.temperatureSet = presence.Upstream.Temperature != nil || envTemperature != ""

	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, data []byte, v any) error {
	var err error
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, v)
	} else {
		err = yaml.Unmarshal(data, v)
	}
	if err != nil {
		return fmt.Errorf("error decoding config file: %w", err)
	}
	return nil
}

func (c config) validate() error {
	switch c.Storage.Driver {
	case "bolt", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown storage driver: %s", c.Storage.Driver)
	}
	switch c.Upstream.Provider {
	case "openai", "ollama":
	default:
		return fmt.Errorf("unknown upstream provider: %s", c.Upstream.Provider)
	}
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if t := c.Upstream.Temperature; c.Upstream.temperatureSet && (t < models.MinTemperature || t > models.MaxTemperature) {
		return fmt.Errorf("upstream temperature %v is outside [%v, %v]", t, models.MinTemperature, models.MaxTemperature)
	}
	if n := c.Upstream.MaxTokens; n != 0 && (n < models.MinMaxTokens || n > models.MaxMaxTokens) {
		return fmt.Errorf("upstream max tokens %d is outside [%d, %d]", n, models.MinMaxTokens, models.MaxMaxTokens)
	}
	if c.Upstream.RequestTimeout <= 0 {
		return fmt.Errorf("upstream request timeout must be positive")
	}
	return nil
}

// defaultSettings returns the global settings a fresh store starts with: the built-in defaults with
// the configured upstream values on top.
func (c upstreamConfig) defaultSettings() models.GlobalSettings {
	s := models.DefaultSettings()
	if c.BaseURL != "" {
		s.APIBaseURL = strings.TrimSuffix(c.BaseURL, "/")
	}
	if c.temperatureSet {
		s.Temperature = c.Temperature
	}
	if c.MaxTokens != 0 {
		s.MaxTokens = c.MaxTokens
	}
	return s
}

// storagePath returns the storage file path, defaulting to a file next to the config.
func (c config) storagePath(cfgPath string) string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	name := "store.db"
	if c.Storage.Driver == "sqlite" {
		name = "store.sqlite"
	}
	return filepath.Join(filepath.Dir(cfgPath), name)
}

func (c logConfig) handler(w io.Writer) (slog.Handler, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch c.Format {
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text", "":
		return slog.NewTextHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unknown log format: %s", c.Format)
	}
}
