package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. REFLEXION_RUN_MODEL
const EnvPrefix = "REFLEXION"

// flagKeys maps command-line flags onto configuration keys
var flagKeys = map[string]string{
	"model":           "run.model",
	"language":        "run.language",
	"max-iters":       "run.max_iters",
	"pass-at-k":       "run.pass_at_k",
	"mem-len":         "run.mem_len",
	"p-threshold":     "run.p_threshold",
	"no-utility":      "run.no_utility",
	"verbose":         "run.verbose",
	"special-dataset": "run.special_dataset",
	"memory-scope":    "run.memory_scope",
	"limit":           "run.limit",
	"temperature":     "run.temperature",
	"input":           "dataset.input",
	"log-path":        "dataset.log_path",
	"format":          "dataset.format",
	"log-level":       "logging.level",
	"log-format":      "logging.format",
	"monitor":         "monitor.enabled",
	"monitor-port":    "monitor.port",
	"cache":           "cache.enabled",
	"store":           "store.enabled",
}

// conventional variable names accepted alongside the prefixed ones
var envAliases = map[string][]string{
	"providers.openai.api_key":    {"OPENAI_API_KEY"},
	"providers.openai.base_url":   {"OPENAI_BASE_URL"},
	"providers.azure.api_key":     {"AZURE_OPENAI_API_KEY", "OPENAI_API_KEY"},
	"providers.azure.endpoint":    {"AZURE_OPENAI_ENDPOINT"},
	"providers.azure.api_version": {"OPENAI_API_VERSION"},
	"providers.anthropic.api_key": {"ANTHROPIC_API_KEY"},
	"cache.redis_url":             {"REDIS_URL"},
	"store.database_url":          {"DATABASE_URL"},
	"sentry.dsn":                  {"SENTRY_DSN"},
}

// Loader reads configuration from defaults, file, environment and flags
type Loader struct {
	v  *viper.Viper
	mu sync.Mutex
}

// NewLoader creates a loader with defaults and environment bindings applied
func NewLoader() *Loader {
	v := viper.New()
	setDefaults(v, "", reflect.ValueOf(GetDefaults()).Elem())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, aliases := range envAliases {
		envs := append([]string{EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, aliases...)
		v.BindEnv(append([]string{key}, envs...)...)
	}

	return &Loader{v: v}
}

// Load is a shorthand for NewLoader().Load
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	return NewLoader().Load(configPath, flags)
}

// Load loads configuration from file, environment variables and changed flags
func (l *Loader) Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.v.SetConfigName("config")
	l.v.SetConfigType("yaml")
	l.v.AddConfigPath(".")
	l.v.AddConfigPath("./configs")
	l.v.AddConfigPath("$HOME/.llm-reflexion/")

	if configPath != "" {
		l.v.SetConfigFile(configPath)
	}

	if err := l.v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := l.v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	config := &Config{}
	if err := l.v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if config.Run.Verbose {
		config.Logging.Level = "debug"
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// ConfigFile returns the file the configuration was read from, if any
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch calls callback with the new configuration whenever the file changes.
// Invalid changes are reported to onError and otherwise ignored.
func (l *Loader) Watch(callback func(*Config), onError func(error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.mu.Lock()
		config, err := l.decode()
		l.mu.Unlock()
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		callback(config)
	})
	l.v.WatchConfig()
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	run := config.Run
	if strings.TrimSpace(run.Model) == "" {
		return fmt.Errorf("run.model is required")
	}
	if run.MaxIters < 1 {
		return fmt.Errorf("invalid run.max_iters: %d (must be at least 1)", run.MaxIters)
	}
	if run.PassAtK < 1 {
		return fmt.Errorf("invalid run.pass_at_k: %d (must be at least 1)", run.PassAtK)
	}
	if run.MemLen < 1 {
		return fmt.Errorf("invalid run.mem_len: %d (must be at least 1)", run.MemLen)
	}
	if run.PThreshold < 0 {
		return fmt.Errorf("invalid run.p_threshold: %d (must not be negative)", run.PThreshold)
	}
	if run.MemoryScope != "pass" && run.MemoryScope != "run" {
		return fmt.Errorf("invalid run.memory_scope: %s (must be pass or run)", run.MemoryScope)
	}
	if run.Temperature < 0 || run.Temperature > 2 {
		return fmt.Errorf("invalid run.temperature: %g (must be between 0 and 2)", run.Temperature)
	}

	switch config.Dataset.Format {
	case "auto", "jsonl", "json", "csv", "parquet":
	default:
		return fmt.Errorf("invalid dataset.format: %s (must be auto, jsonl, json, csv, or parquet)", config.Dataset.Format)
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}
	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	if config.Monitor.Enabled && (config.Monitor.Port <= 0 || config.Monitor.Port > 65535) {
		return fmt.Errorf("invalid monitor port: %d", config.Monitor.Port)
	}
	if config.Cache.Enabled && config.Cache.RedisURL == "" {
		return fmt.Errorf("cache.redis_url is required when the cache is enabled")
	}
	if config.Store.Enabled && config.Store.DatabaseURL == "" {
		return fmt.Errorf("store.database_url is required when the store is enabled")
	}
	return nil
}

// setDefaults registers every leaf of the defaults struct so that
// environment variables can override keys absent from the file
func setDefaults(v *viper.Viper, prefix string, value reflect.Value) {
	t := value.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key := field.Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		if field.Type.Kind() == reflect.Struct {
			setDefaults(v, key, value.Field(i))
			continue
		}
		v.SetDefault(key, value.Field(i).Interface())
	}
}
