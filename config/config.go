// Package config binds the server's command line flags, config file and
// environment into one Config
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/liamcoop/dealflow/internal/logger"
)

// EnvPrefix prefixes every environment variable the server reads
const EnvPrefix = "DEALFLOW"

// Config is the resolved server configuration
type Config struct {
	DatabaseURL string
	HTTPPort    int

	// RedisAddrs selects the Redis notifier; empty keeps notifications in memory
	RedisAddrs              []string
	Namespace               string
	MaxNotificationsPerUser int

	JWTSecret string
	JWTIssuer string

	CacheTTL       time.Duration
	Concurrency    int
	Schedule       bool
	ResyncInterval time.Duration

	// SeedFile is a YAML file applied to every tenant it names at startup
	SeedFile string

	Log logger.Options
}

// SetupFlags registers the server flags on cmd and binds them, their
// DEALFLOW_* environment variables and the legacy DATABASE_URL and PORT
// variables into v
func SetupFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := cmd.Flags()
	flags.String("config-file", "", "Path to config file.")
	flags.String("database-url", "", "PostgreSQL connection string")
	flags.Int("http-port", 8080, "port for rest endpoints")
	flags.String("redis-addr", "", "comma separated list of redis host:port; empty keeps notifications in memory")
	flags.String("namespace", "dealflow", "namespace used in redis keys")
	flags.Int("max-notifications", 500, "notifications kept per user")
	flags.String("jwt-secret", "", "HS256 secret for bearer tokens")
	flags.String("jwt-issuer", "dealflow", "expected token issuer")
	flags.Duration("cache-ttl", 30*time.Second, "how long active rule lists are cached")
	flags.Int("concurrency", 8, "rules matched in parallel per dispatch")
	flags.Bool("schedule", true, "run SCHEDULED rules")
	flags.Duration("resync-interval", time.Minute, "how often rule schedules are reloaded")
	flags.String("seed-file", "", "YAML seed data applied at startup")
	flags.String("log-level", "info", "log level: trace, debug, info, warn, error")
	flags.String("log-format", "json", "log format: json or text")
	flags.Int("error-sample-rate", 1, "log 1 of every N warnings and errors")
	flags.Bool("otel-enabled", false, "export logs over OTLP")
	flags.String("otel-service-name", "dealflow", "service name reported to OTLP")

	if err := v.BindPFlags(flags); err != nil {
		return err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	legacy := map[string]string{
		"database-url": "DATABASE_URL",
		"http-port":    "PORT",
		"log-level":    "LOG_LEVEL",
		"log-format":   "LOG_FORMAT",
	}
	for key, env := range legacy {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return err
		}
	}
	return nil
}

// Load reads the optional config file named by config-file and resolves the configuration
func Load(v *viper.Viper) (Config, error) {
	if file := v.GetString("config-file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	c := Config{
		DatabaseURL:             v.GetString("database-url"),
		HTTPPort:                v.GetInt("http-port"),
		RedisAddrs:              splitAddrs(v.GetString("redis-addr")),
		Namespace:               v.GetString("namespace"),
		MaxNotificationsPerUser: v.GetInt("max-notifications"),
		JWTSecret:               v.GetString("jwt-secret"),
		JWTIssuer:               v.GetString("jwt-issuer"),
		CacheTTL:                v.GetDuration("cache-ttl"),
		Concurrency:             v.GetInt("concurrency"),
		Schedule:                v.GetBool("schedule"),
		ResyncInterval:          v.GetDuration("resync-interval"),
		SeedFile:                v.GetString("seed-file"),
		Log: logger.Options{
			Level:       v.GetString("log-level"),
			Format:      v.GetString("log-format"),
			SampleRate:  v.GetInt("error-sample-rate"),
			OTELEnabled: v.GetBool("otel-enabled"),
			ServiceName: v.GetString("otel-service-name"),
		},
	}
	return c, c.Validate()
}

// Validate reports the first setting the server cannot start with
func (c Config) Validate() error {
	switch {
	case c.DatabaseURL == "":
		return errors.New("database url is required (--database-url or DATABASE_URL)")
	case c.JWTSecret == "":
		return errors.New("jwt secret is required (--jwt-secret or DEALFLOW_JWT_SECRET)")
	case c.HTTPPort <= 0 || c.HTTPPort > 65535:
		return fmt.Errorf("invalid http port %d", c.HTTPPort)
	case c.Concurrency < 0:
		return fmt.Errorf("concurrency cannot be negative")
	case c.CacheTTL < 0:
		return fmt.Errorf("cache ttl cannot be negative")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

func splitAddrs(s string) []string {
	var addrs []string
	for _, addr := range strings.Split(s, ",") {
		if a := strings.TrimSpace(addr); a != "" {
			addrs = append(addrs, a)
		}
	}
	return addrs
}
