package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvConfigPath names the environment variable that points at the config file.
const EnvConfigPath = "SUPPORTCHAT_CONFIG"

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `mapstructure:"basic_config"`
	Databases   map[string]DatabaseConfig `mapstructure:"databases"`
	Redis       RedisConfig               `mapstructure:"redis"`
	Providers   map[string]ProviderConfig `mapstructure:"providers"`
	Assistant   AssistantConfig           `mapstructure:"assistant"`
	Log         LogConfig                 `mapstructure:"log"`
}

type BasicConfig struct {
	ServerAddress     string        `mapstructure:"server_address"`
	DatabaseDriver    string        `mapstructure:"database_driver"`
	GenerationTimeout time.Duration `mapstructure:"generation_timeout"`
	WorkerIdleTimeout time.Duration `mapstructure:"worker_idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds either a ready DSN or the parts to build one (mysql).
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Params   string `mapstructure:"params"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
}

// AssistantConfig selects the generation provider and the instructions sent with every prompt.
type AssistantConfig struct {
	Provider     string `mapstructure:"provider"`
	SystemPrompt string `mapstructure:"system_prompt"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var supportedDrivers = map[string]bool{
	"sqlite3":  true,
	"mysql":    true,
	"postgres": true,
}

var supportedProviders = map[string]bool{
	"gemini": true,
	"openai": true,
	"claude": true,
}

// Load reads configuration from the provided path. An empty path falls back to
// SUPPORTCHAT_CONFIG, then to an optional config.{json,yaml} in the working directory.
// Environment variables always win over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SUPPORTCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// plain names kept for deployments that only set these
	_ = v.BindEnv("basic_config.database_driver", "SUPPORTCHAT_BASIC_CONFIG_DATABASE_DRIVER", "DATABASE_DRIVER")
	_ = v.BindEnv("databases.postgres.dsn", "SUPPORTCHAT_DATABASES_POSTGRES_DSN", "DATABASE_URL")
	_ = v.BindEnv("providers.gemini.api_key", "SUPPORTCHAT_PROVIDERS_GEMINI_API_KEY", "GEMINI_API_KEY")

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "read config")
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if port := os.Getenv("PORT"); port != "" && !explicitlySet(v, "basic_config.server_address") {
		cfg.BasicConfig.ServerAddress = ":" + port
	}
	// a bare DATABASE_URL selects postgres
	if os.Getenv("DATABASE_URL") != "" && !explicitlySet(v, "basic_config.database_driver", "DATABASE_DRIVER") {
		cfg.BasicConfig.DatabaseDriver = "postgres"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// explicitlySet reports whether key came from the config file or the environment
// rather than from a default.
func explicitlySet(v *viper.Viper, key string, extraEnv ...string) bool {
	if v.InConfig(key) {
		return true
	}
	envs := append([]string{"SUPPORTCHAT_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, extraEnv...)
	for _, name := range envs {
		if _, ok := os.LookupEnv(name); ok {
			return true
		}
	}
	return false
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("basic_config.server_address", ":3000")
	v.SetDefault("basic_config.database_driver", "sqlite3")
	v.SetDefault("basic_config.generation_timeout", "30s")
	v.SetDefault("basic_config.worker_idle_timeout", "1m")
	v.SetDefault("basic_config.shutdown_timeout", "10s")
	v.SetDefault("databases.sqlite3.dsn", "./data/supportchat.db")
	v.SetDefault("databases.mysql.params", "parseTime=true&loc=UTC")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.lock_ttl", "2m")
	v.SetDefault("redis.cache_ttl", "30m")
	v.SetDefault("providers.gemini.model", "gemini-2.5-flash")
	v.SetDefault("assistant.provider", "gemini")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate reports configuration that can never work at runtime.
func (c *Config) Validate() error {
	driver := strings.ToLower(c.BasicConfig.DatabaseDriver)
	if driver == "sqlite" {
		driver = "sqlite3"
	}
	if !supportedDrivers[driver] {
		return errors.Errorf("unsupported database_driver %q", c.BasicConfig.DatabaseDriver)
	}
	c.BasicConfig.DatabaseDriver = driver
	if _, ok := c.Databases[driver]; !ok {
		return errors.Errorf("database config for %s not found", driver)
	}
	provider := strings.ToLower(c.Assistant.Provider)
	if !supportedProviders[provider] {
		return errors.Errorf("unsupported assistant provider %q", c.Assistant.Provider)
	}
	c.Assistant.Provider = provider
	if c.BasicConfig.GenerationTimeout <= 0 {
		return errors.New("generation_timeout must be positive")
	}
	// a lock that expires mid-generation lets a second instance into the conversation
	if c.Redis.Enabled && c.Redis.LockTTL <= c.BasicConfig.GenerationTimeout {
		return errors.Errorf("redis.lock_ttl (%s) must exceed generation_timeout (%s)",
			c.Redis.LockTTL, c.BasicConfig.GenerationTimeout)
	}
	return nil
}

// Provider returns the settings of the configured generation provider.
func (c *Config) Provider() (string, ProviderConfig) {
	return c.Assistant.Provider, c.Providers[c.Assistant.Provider]
}
