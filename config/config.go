// Package config loads clinic server settings from defaults, an optional
// YAML file and CLINIC_* environment variables, in increasing precedence.
//
//	server.address       CLINIC_SERVER_ADDRESS       listen address
//	server.cors_origins  CLINIC_SERVER_CORS_ORIGINS  origins, comma or space separated
//	database.path        CLINIC_DATABASE_PATH        SQLite file or ":memory:"
//	commission.rate      CLINIC_COMMISSION_RATE      flat reservation commission rate
//	logging.level        CLINIC_LOGGING_LEVEL        debug, info, warn, error
//	logging.format       CLINIC_LOGGING_FORMAT       json or console
//	catalog.path         CLINIC_CATALOG_PATH         catalog JSON for "seed"
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Commission CommissionConfig `mapstructure:"commission"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Catalog    CatalogConfig    `mapstructure:"catalog"`
}

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type CommissionConfig struct {
	Rate string `mapstructure:"rate"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

// Load reads configuration. An empty file means "look for config.yaml in
// . and ./config"; a missing default file is not an error, a missing
// explicit file is.
func Load(file string) (Config, error) {
	var cfg Config
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("CLINIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("error loading configuration: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("error unmarshaling configuration: %w", err)
	}
	cfg.Server.CORSOrigins = splitOrigins(cfg.Server.CORSOrigins)
	return cfg, cfg.Validate()
}

// splitOrigins flattens entries that still hold several origins. viper only
// splits env lists on commas.
func splitOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, entry := range in {
		out = append(out, strings.FieldsFunc(entry, func(r rune) bool {
			return r == ',' || unicode.IsSpace(r)
		})...)
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.cors_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.path", "clinic.db")

	v.SetDefault("commission.rate", "0.10")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("catalog.path", "")
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	if c.Server.Address == "" {
		return errors.New("server.address is required")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	rate, err := c.CommissionRate()
	if err != nil {
		return err
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("commission.rate must be between 0 and 1, got %s", rate)
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

// CommissionRate parses the configured rate exactly.
func (c Config) CommissionRate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(c.Commission.Rate))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("commission.rate: %w", err)
	}
	return rate, nil
}
