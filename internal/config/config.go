// Package config loads settings from a YAML file, SLIDETUTOR_ environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/conorfennell/slidetutor/internal/llm"
)

// EnvPrefix prefixes every environment variable. Nested keys use a double
// underscore: SLIDETUTOR_LLM__API_KEY sets llm.api_key.
const EnvPrefix = "SLIDETUTOR_"

// DefaultFile is read when --config is not given. It may be absent.
const DefaultFile = "slidetutor.yaml"

type Config struct {
	DB       string    `koanf:"db" validate:"required"`
	Addr     string    `koanf:"addr" validate:"required"`
	User     string    `koanf:"user" validate:"required"`
	ReposDir string    `koanf:"repos_dir" validate:"required"`
	Log      LogConfig `koanf:"log"`
	LLM      LLMConfig `koanf:"llm"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

type LLMConfig struct {
	APIKey            string        `koanf:"api_key"`
	BaseURL           string        `koanf:"base_url" validate:"required,url"`
	Referer           string        `koanf:"referer"`
	Title             string        `koanf:"title"`
	MaxAttempts       int           `koanf:"max_attempts" validate:"min=1,max=10"`
	Backoff           time.Duration `koanf:"backoff" validate:"min=0"`
	Timeout           time.Duration `koanf:"timeout" validate:"min=0"`
	RequestsPerSecond float64       `koanf:"requests_per_second" validate:"min=0"`
}

// Client converts the settings into an llm.Config.
func (c LLMConfig) Client() llm.Config {
	return llm.Config{
		APIKey:            c.APIKey,
		BaseURL:           c.BaseURL,
		Referer:           c.Referer,
		Title:             c.Title,
		MaxAttempts:       c.MaxAttempts,
		Backoff:           c.Backoff,
		Timeout:           c.Timeout,
		RequestsPerSecond: c.RequestsPerSecond,
	}
}

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"db":             "db",
	"addr":           "addr",
	"user":           "user",
	"repos-dir":      "repos_dir",
	"log-level":      "log.level",
	"log-format":     "log.format",
	"llm-base-url":   "llm.base_url",
	"llm-attempts":   "llm.max_attempts",
	"llm-backoff":    "llm.backoff",
	"llm-timeout":    "llm.timeout",
	"llm-rate-limit": "llm.requests_per_second",
}

// RegisterFlags adds the configuration flags, with their defaults, to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", DefaultFile, "Path to a YAML configuration file")
	fs.String("db", "slidetutor.db", "Path to the SQLite database file")
	fs.String("addr", "localhost:8080", "HTTP listen address")
	fs.String("user", "local", "User ID for requests without an X-User-ID header")
	fs.String("repos-dir", "repos", "Directory git sources are cloned into")
	fs.String("log-level", "info", "Log level: debug, info, warn or error")
	fs.String("log-format", "text", "Log format: text or json")
	fs.String("llm-base-url", llm.DefaultBaseURL, "OpenAI-compatible API base URL")
	fs.Int("llm-attempts", 3, "Attempts per model before falling back to the next")
	fs.Duration("llm-backoff", 400*time.Millisecond, "Retry backoff, multiplied by the attempt number")
	fs.Duration("llm-timeout", 2*time.Minute, "Timeout for a single model request")
	fs.Float64("llm-rate-limit", 0, "Maximum model requests per second, 0 for no limit")
}

// Load builds the configuration from the file named by --config, the
// environment and the flags in fs. Flags that were not set on the command
// line only supply defaults for keys nothing else set.
func Load(flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	path, err := flags.GetString("config")
	if err != nil {
		return Config{}, err
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, fs.ErrNotExist) || flags.Changed("config") {
				return Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load environment: %w", err)
	}

	provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
		key, ok := flagKeys[f.Name]
		if !ok {
			return "", nil
		}
		return key, posflag.FlagVal(flags, f)
	})
	if err := k.Load(provider, nil); err != nil {
		return Config{}, fmt.Errorf("failed to load flags: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENROUTER_API_KEY")
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}
