package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/a-essam23/vibemap/pkg/ratelimit"
)

const defaultAddress = ":4000"

// Load reads configuration from fileName (yaml, searched in paths or the
// working directory) and from the environment. Environment variables use the
// VIBEMAP_ prefix with dots replaced by underscores, e.g.
// VIBEMAP_PRESENCE_REDISURL. PORT, CORS_ORIGIN, REDIS_URL and DATABASE_URL
// are honoured as fallbacks.
func Load(logger *slog.Logger, fileName string, paths ...string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	v.SetDefault("server.address", defaultAddress)
	v.SetDefault("server.allowedOrigins", []string{"*"})
	v.SetDefault("server.shutdownGrace", "10s")
	v.SetDefault("server.upgradeRate", 0)
	v.SetDefault("server.auth.jwtSecret", "")
	v.SetDefault("server.connectionLimit.maxPerIP", 0)
	v.SetDefault("server.connectionLimit.mode", "reject")
	v.SetDefault("transport.readTimeout", "0s")
	v.SetDefault("transport.pingInterval", "30s")
	v.SetDefault("transport.sendBuffer", 256)
	v.SetDefault("rateLimits.location", "2/s")
	v.SetDefault("rateLimits.vibe", "5/s")
	v.SetDefault("router.notifyRateLimited", false)
	v.SetDefault("router.notifyMissingTarget", false)
	v.SetDefault("presence.driver", "redis")
	v.SetDefault("presence.redisURL", "redis://localhost:6379/0")
	v.SetDefault("presence.key", "active_vibers")
	v.SetDefault("presence.radiusMeters", 1000)
	v.SetDefault("vibelog.driver", "postgres")
	v.SetDefault("vibelog.databaseURL", "")
	v.SetDefault("vibelog.badgerPath", "data/vibes")
	v.SetDefault("store.timeout", "5s")
	v.SetDefault("store.breaker.maxFailures", 5)
	v.SetDefault("store.breaker.openTimeout", "30s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	// 3. Set up environment variable handling
	v.SetEnvPrefix("VIBEMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("server.allowedOrigins", "VIBEMAP_SERVER_ALLOWEDORIGINS", "CORS_ORIGIN")
	_ = v.BindEnv("presence.redisURL", "VIBEMAP_PRESENCE_REDISURL", "REDIS_URL")
	_ = v.BindEnv("vibelog.databaseURL", "VIBEMAP_VIBELOG_DATABASEURL", "DATABASE_URL")

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" && cfg.Server.Address == defaultAddress {
		cfg.Server.Address = ":" + port
	}
	cfg.Server.AllowedOrigins = trimAll(cfg.Server.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Info("Configuration loaded",
		slog.String("address", cfg.Server.Address),
		slog.String("presenceDriver", cfg.Presence.Driver),
		slog.String("vibelogDriver", cfg.VibeLog.Driver),
	)
	return &cfg, nil
}

type checked struct {
	Mode           string  `validate:"oneof=reject cycle"`
	PresenceDriver string  `validate:"oneof=redis memory"`
	VibeLogDriver  string  `validate:"oneof=postgres badger memory"`
	PresenceKey    string  `validate:"required"`
	RadiusMeters   float64 `validate:"gt=0"`
	MaxPerIP       int     `validate:"gte=0"`
	UpgradeRate    int     `validate:"gte=0"`
	SendBuffer     int     `validate:"gt=0"`
	DatabaseURL    string  `validate:"required_if=VibeLogDriver postgres"`
	StoreTimeout   int64   `validate:"gt=0"`
}

// Validate rejects unknown drivers, malformed rate rules and missing
// settings a driver depends on.
func (c *Config) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(checked{
		Mode:           c.Server.ConnectionLimit.Mode,
		PresenceDriver: c.Presence.Driver,
		VibeLogDriver:  c.VibeLog.Driver,
		PresenceKey:    c.Presence.Key,
		RadiusMeters:   c.Presence.RadiusMeters,
		MaxPerIP:       c.Server.ConnectionLimit.MaxPerIP,
		UpgradeRate:    c.Server.UpgradeRate,
		SendBuffer:     c.Transport.SendBuffer,
		DatabaseURL:    c.VibeLog.DatabaseURL,
		StoreTimeout:   int64(c.Store.Timeout),
	})
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.LocationRule(); err != nil {
		return fmt.Errorf("invalid config rateLimits.location: %w", err)
	}
	if _, err := c.VibeRule(); err != nil {
		return fmt.Errorf("invalid config rateLimits.vibe: %w", err)
	}
	return nil
}

func (c *Config) LocationRule() (ratelimit.Rule, error) {
	return ratelimit.ParseRule(c.RateLimits.Location)
}

func (c *Config) VibeRule() (ratelimit.Rule, error) {
	return ratelimit.ParseRule(c.RateLimits.Vibe)
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
