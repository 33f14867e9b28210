package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Env      string `mapstructure:"env"`
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`

	DBDriver      string `mapstructure:"db_driver"`
	MySQLHost     string `mapstructure:"mysql_host"`
	MySQLPort     string `mapstructure:"mysql_port"`
	MySQLUser     string `mapstructure:"mysql_user"`
	MySQLPassword string `mapstructure:"mysql_password"`
	MySQLDatabase string `mapstructure:"mysql_database"`
	SQLitePath    string `mapstructure:"sqlite_path"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// KafkaBrokers is empty when the event log is disabled.
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
	KafkaGroupID string   `mapstructure:"kafka_group_id"`

	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`

	SearchProvider      string        `mapstructure:"search_provider"`
	SearchLimit         int           `mapstructure:"search_limit"`
	SearchRate          float64       `mapstructure:"search_rate"`
	SearchCacheTTL      time.Duration `mapstructure:"search_cache_ttl"`
	SpotifyClientID     string        `mapstructure:"spotify_client_id"`
	SpotifyClientSecret string        `mapstructure:"spotify_client_secret"`

	RevealDelay    time.Duration `mapstructure:"reveal_delay"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	WSMessageRate  float64       `mapstructure:"ws_message_rate"`
}

func (c *Config) Production() bool { return c.Env == "production" }

var defaults = map[string]interface{}{
	"env":                   "development",
	"port":                  8080,
	"log_level":             "info",
	"db_driver":             "mysql",
	"mysql_host":            "localhost",
	"mysql_port":            "3306",
	"mysql_user":            "root",
	"mysql_password":        "",
	"mysql_database":        "listening_party",
	"sqlite_path":           "listening_party.db",
	"redis_addr":            "localhost:6379",
	"redis_password":        "",
	"redis_db":              0,
	"kafka_brokers":         []string{},
	"kafka_topic":           "listening-party-events",
	"kafka_group_id":        "",
	"jwt_secret":            "",
	"token_ttl":             "24h",
	"search_provider":       "itunes",
	"search_limit":          15,
	"search_rate":           5.0,
	"search_cache_ttl":      "10m",
	"spotify_client_id":     "",
	"spotify_client_secret": "",
	"reveal_delay":          "3s",
	"idle_timeout":          "30s",
	"allowed_origins":       []string{"http://localhost:5173"},
	"ws_message_rate":       10.0,
}

// Load reads .env, an optional config/config.<env>.yaml (or the file named
// by CONFIG_FILE) and the environment, in increasing precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("module", "config").Msg("failed to load .env")
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	fileName := os.Getenv("CONFIG_FILE")
	if fileName == "" {
		fileName = fmt.Sprintf("config/config.%s.yaml", v.GetString("env"))
	}
	v.SetConfigFile(fileName)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", fileName, err)
		}
		log.Debug().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.DBDriver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported db_driver %q", c.DBDriver)
	}
	switch c.SearchProvider {
	case "itunes":
	case "spotify":
		if c.SpotifyClientID == "" || c.SpotifyClientSecret == "" {
			return errors.New("spotify search requires spotify_client_id and spotify_client_secret")
		}
	default:
		return fmt.Errorf("unsupported search_provider %q", c.SearchProvider)
	}
	if c.JWTSecret == "" {
		if c.Production() {
			return errors.New("jwt_secret is required in production")
		}
		c.JWTSecret = "dev-secret"
	}
	return nil
}
