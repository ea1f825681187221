package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Providers  ProvidersConfig
	Failover   FailoverConfig
	Market     MarketConfig
	Kafka      KafkaConfig
	Logging    LoggingConfig
	ServiceKey string `validate:"required"`
}

// ServerConfig holds server specific configuration
type ServerConfig struct {
	Port         string `validate:"required"`
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database specific configuration
type DatabaseConfig struct {
	Host            string `validate:"required"`
	Port            string `validate:"required"`
	User            string `validate:"required"`
	Password        string
	DBName          string `validate:"required"`
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// ProviderConfig holds configuration for one external market data provider
type ProviderConfig struct {
	BaseURL        string        `validate:"required,url"`
	APIKey         string        `validate:"required"`
	DailyCallLimit int           `validate:"gt=0"`
	RequestTimeout time.Duration `validate:"gt=0"`
	RatePerSecond  float64       `validate:"gt=0"`
}

// ProvidersConfig holds the primary and backup provider configuration
type ProvidersConfig struct {
	Primary ProviderConfig
	Backup  ProviderConfig
}

// FailoverConfig controls the provider failover controller
type FailoverConfig struct {
	// RetryWindow is how long the backup serves before the primary is
	// probed again.
	RetryWindow time.Duration `validate:"gt=0"`
}

// MarketConfig holds trading-calendar and chart derivation inputs
type MarketConfig struct {
	// Holidays lists exchange closures as YYYY-MM-DD dates.
	Holidays []string
	// ConsistencyTolerancePct is the maximum close divergence between two
	// sources before a consistency check fails soft.
	ConsistencyTolerancePct float64 `validate:"gte=0"`
	// Comparison baseline dates (YYYY-MM-DD).
	CurrentTermStart  string
	PreviousTermStart string
	EventDate         string
	EventText         string
}

// KafkaConfig holds Kafka specific configuration
type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

// LoggingConfig holds logging specific configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads the configuration from file and environment variables
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read config file
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Read from environment variables
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// HolidayDates parses the configured holiday calendar.
func (m MarketConfig) HolidayDates() (map[time.Time]bool, error) {
	holidays := make(map[time.Time]bool, len(m.Holidays))
	for _, s := range m.Holidays {
		d, err := time.Parse("2006-01-02", s)
		if err != nil {
			return nil, fmt.Errorf("invalid holiday date %q: %w", s, err)
		}
		holidays[d.UTC()] = true
	}
	return holidays, nil
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", "8084")
	v.SetDefault("server.readTimeout", "10s")
	v.SetDefault("server.writeTimeout", "10s")
	v.SetDefault("server.idleTimeout", "120s")

	// Database defaults
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.maxOpenConns", 25)
	v.SetDefault("database.maxIdleConns", 5)
	v.SetDefault("database.connMaxLifetime", "30m")

	// Provider defaults
	v.SetDefault("providers.primary.dailyCallLimit", 25)
	v.SetDefault("providers.primary.requestTimeout", "15s")
	v.SetDefault("providers.primary.ratePerSecond", 0.5)
	v.SetDefault("providers.backup.dailyCallLimit", 250)
	v.SetDefault("providers.backup.requestTimeout", "15s")
	v.SetDefault("providers.backup.ratePerSecond", 1)

	// Failover defaults
	v.SetDefault("failover.retryWindow", "30m")

	// Market defaults
	v.SetDefault("market.consistencyTolerancePct", 1.0)
	v.SetDefault("market.eventText", "Policy announcement")

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "provider-failover-events")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
