// Package config loads site-sync configuration from YAML, .env files and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. SITE_SYNC_DATABASE_URL.
const EnvPrefix = "SITE_SYNC"

// Config is the full application configuration.
type Config struct {
	Debug     bool           `mapstructure:"debug"`
	SentryDSN string         `mapstructure:"sentry_dsn"`
	Server    ServerConfig   `mapstructure:"server"`
	Database  DatabaseConfig `mapstructure:"database"`
	Sync      SyncConfig     `mapstructure:"sync"`
	Spotify   SpotifyConfig  `mapstructure:"spotify"`
	Strava    StravaConfig   `mapstructure:"strava"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	// PublicURL is where the site is reachable; OAuth redirect URIs are derived from it.
	PublicURL string `mapstructure:"public_url" validate:"required,url"`
	// OAuthReturnURL receives ?provider=&status= after an OAuth callback. Optional.
	OAuthReturnURL string   `mapstructure:"oauth_return_url" validate:"omitempty,url"`
	AdminAPIKeys   []string `mapstructure:"admin_api_keys"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// SyncConfig holds scheduling and token lifecycle settings shared by both providers.
type SyncConfig struct {
	Interval      time.Duration `mapstructure:"interval" validate:"gt=0"`
	TokenGrace    time.Duration `mapstructure:"token_grace" validate:"gte=0"`
	OAuthStateTTL time.Duration `mapstructure:"oauth_state_ttl" validate:"gt=0"`
}

// SpotifyConfig holds music provider settings.
type SpotifyConfig struct {
	ClientID       string        `mapstructure:"client_id" validate:"required"`
	ClientSecret   string        `mapstructure:"client_secret" validate:"required"`
	APIBaseURL     string        `mapstructure:"api_base_url" validate:"required,url"`
	// TokenURL receives client credentials, so it must be https.
	TokenURL       string        `mapstructure:"token_url" validate:"required,url,startswith=https://"`
	RecentWindow   int           `mapstructure:"recent_window" validate:"min=1,max=50"`
	UseAfterCursor bool          `mapstructure:"use_after_cursor"`
	BatchSize      int           `mapstructure:"batch_size" validate:"min=1,max=50"`
	BatchDelay     time.Duration `mapstructure:"batch_delay" validate:"gte=0"`
	SingleDelay    time.Duration `mapstructure:"single_delay" validate:"gte=0"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"gte=0"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"gtefield=InitialBackoff"`
	// ImportFetchMode selects the metadata endpoint used by the importer: "batch" or "single".
	ImportFetchMode string `mapstructure:"import_fetch_mode" validate:"oneof=batch single"`
}

// StravaConfig holds fitness provider settings.
type StravaConfig struct {
	ClientID         string        `mapstructure:"client_id" validate:"required"`
	ClientSecret     string        `mapstructure:"client_secret" validate:"required"`
	APIBaseURL       string        `mapstructure:"api_base_url" validate:"required,url"`
	TokenURL         string        `mapstructure:"token_url" validate:"required,url,startswith=https://"`
	VerifyToken      string        `mapstructure:"verify_token"`
	DebounceWindow   time.Duration `mapstructure:"debounce_window" validate:"gte=0"`
	WebhookWorkers   int           `mapstructure:"webhook_workers" validate:"min=1"`
	WebhookQueueSize int           `mapstructure:"webhook_queue_size" validate:"min=1"`
}

// Load reads configuration. configFile may be empty, in which case config.yaml is searched
// for in the working directory and config/. envPath is an optional .env file.
func Load(configFile, envPath string) (*Config, error) {
	v := configureViper(configFile, envPath)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file, rely on environment variables.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks struct constraints.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.public_url", "http://127.0.0.1:8080")

	v.SetDefault("sync.interval", "15m")
	v.SetDefault("sync.token_grace", "30s")
	v.SetDefault("sync.oauth_state_ttl", "5m")

	v.SetDefault("spotify.api_base_url", "https://api.spotify.com/v1")
	v.SetDefault("spotify.token_url", "https://accounts.spotify.com/api/token")
	v.SetDefault("spotify.recent_window", 50)
	v.SetDefault("spotify.use_after_cursor", true)
	v.SetDefault("spotify.batch_size", 50)
	v.SetDefault("spotify.batch_delay", "200ms")
	v.SetDefault("spotify.single_delay", "100ms")
	v.SetDefault("spotify.max_retries", 3)
	v.SetDefault("spotify.initial_backoff", "5s")
	v.SetDefault("spotify.max_backoff", "30s")
	v.SetDefault("spotify.import_fetch_mode", "batch")

	v.SetDefault("strava.api_base_url", "https://www.strava.com/api/v3")
	v.SetDefault("strava.token_url", "https://www.strava.com/oauth/token")
	v.SetDefault("strava.debounce_window", "60s")
	v.SetDefault("strava.webhook_workers", 2)
	v.SetDefault("strava.webhook_queue_size", 100)
}

func configureViper(configFile, envPath string) *viper.Viper {
	v := viper.New()

	if envPath != "" {
		// Missing .env files are fine outside development.
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about; bind the rest so that
	// Unmarshal sees them without a config file.
	for _, key := range []string{
		"sentry_dsn",
		"server.oauth_return_url",
		"server.admin_api_keys",
		"database.url",
		"spotify.client_id",
		"spotify.client_secret",
		"strava.client_id",
		"strava.client_secret",
		"strava.verify_token",
	} {
		_ = v.BindEnv(key)
	}

	return v
}
