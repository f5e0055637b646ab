package config

import "time"

type Config struct {
	Server     ServerConfig
	Transport  TransportConfig
	RateLimits RateLimitConfig `mapstructure:"rateLimits"`
	Router     RouterConfig
	Presence   PresenceConfig
	VibeLog    VibeLogConfig `mapstructure:"vibelog"`
	Store      StoreConfig
	Log        LogConfig
}

type ServerConfig struct {
	Address         string
	AllowedOrigins  []string              `mapstructure:"allowedOrigins"`
	ShutdownGrace   time.Duration         `mapstructure:"shutdownGrace"`
	UpgradeRate     int                   `mapstructure:"upgradeRate"` // per minute per IP, 0 disables
	Auth            AuthConfig            `mapstructure:"auth"`
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerIP int    `mapstructure:"maxPerIP"`
	Mode     string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	PingInterval time.Duration `mapstructure:"pingInterval"`
	SendBuffer   int           `mapstructure:"sendBuffer"`
}

// RateLimitConfig holds one "N/unit" rule per event class.
type RateLimitConfig struct {
	Location string `mapstructure:"location"`
	Vibe     string `mapstructure:"vibe"`
}

type RouterConfig struct {
	NotifyRateLimited   bool `mapstructure:"notifyRateLimited"`
	NotifyMissingTarget bool `mapstructure:"notifyMissingTarget"`
}

type PresenceConfig struct {
	Driver       string  `mapstructure:"driver"` // "redis" or "memory"
	RedisURL     string  `mapstructure:"redisURL"`
	Key          string  `mapstructure:"key"`
	RadiusMeters float64 `mapstructure:"radiusMeters"`
}

type VibeLogConfig struct {
	Driver      string `mapstructure:"driver"` // "postgres", "badger" or "memory"
	DatabaseURL string `mapstructure:"databaseURL"`
	BadgerPath  string `mapstructure:"badgerPath"`
}

type StoreConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"maxFailures"`
	OpenTimeout time.Duration `mapstructure:"openTimeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
