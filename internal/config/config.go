package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type PostgresConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
	RPS     int  `mapstructure:"rps"`
	Burst   int  `mapstructure:"burst"`
}

type Config struct {
	ListenAddr string          `mapstructure:"listen_addr"`
	LogLevel   string          `mapstructure:"log_level"`
	Postgres   PostgresConfig  `mapstructure:"postgres"`
	RedisAddr  string          `mapstructure:"redis_addr"`
	RedisPass  string          `mapstructure:"redis_password"`
	JWTSecret  string          `mapstructure:"jwt_secret"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`

	OnlineThresholdMinutes int    `mapstructure:"online_threshold_minutes"`
	StuckGraceMinutes      int    `mapstructure:"stuck_grace_minutes"`
	MaxAttempts            int    `mapstructure:"max_attempts"`
	SampleRetentionDays    int    `mapstructure:"sample_retention_days"`
	CommandRetentionDays   int    `mapstructure:"command_retention_days"`
	SweepSchedule          string `mapstructure:"sweep_schedule"`
}

func (c Config) OnlineThreshold() time.Duration {
	return time.Duration(c.OnlineThresholdMinutes) * time.Minute
}

func (c Config) StuckGrace() time.Duration {
	return time.Duration(c.StuckGraceMinutes) * time.Minute
}

func (c Config) SampleRetention() time.Duration {
	return time.Duration(c.SampleRetentionDays) * 24 * time.Hour
}

func (c Config) CommandRetention() time.Duration {
	return time.Duration(c.CommandRetentionDays) * 24 * time.Hour
}

// Load reads config.yaml from the working directory (or CONFIG_PATH)
// and overlays environment variables. Every key is reachable as an env
// var with dots replaced by underscores, e.g. POSTGRES_HOST.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8085")
	v.SetDefault("log_level", "info")
	v.SetDefault("postgres.user", "epc")
	v.SetDefault("postgres.dbname", "epc_control")
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", "5432")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.rps", 10)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("online_threshold_minutes", 15)
	v.SetDefault("stuck_grace_minutes", 30)
	v.SetDefault("max_attempts", 3)
	v.SetDefault("sample_retention_days", 90)
	v.SetDefault("command_retention_days", 7)
	v.SetDefault("sweep_schedule", "@every 1m")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		v.AddConfigPath(p)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv does not surface env-only keys into Unmarshal, so
	// the ones deployments actually set are bound explicitly.
	for _, key := range []string{
		"listen_addr", "log_level",
		"postgres.user", "postgres.password", "postgres.dbname",
		"postgres.host", "postgres.port", "postgres.sslmode",
		"redis_addr", "redis_password", "jwt_secret",
		"rate_limit.enabled", "rate_limit.rps", "rate_limit.burst",
		"online_threshold_minutes", "stuck_grace_minutes", "max_attempts",
		"sample_retention_days", "command_retention_days", "sweep_schedule",
	} {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		// Missing file is fine; defaults plus env carry a deployment.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
