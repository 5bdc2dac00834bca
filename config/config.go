/*
Package config loads engine and server settings.

LOAD ORDER (later wins):
  1. Defaults
  2. YAML file (optional; unknown keys are an error)
  3. .env in the working directory (optional)
  4. RECUR_* environment variables

ENVIRONMENT:
  RECUR_PORT, RECUR_DB_DRIVER, RECUR_DB_PATH, RECUR_DATABASE_URL,
  RECUR_TIMEZONE, RECUR_HORIZON_MONTHS, RECUR_LOOKBACK_DAYS,
  RECUR_ITERATION_CAP, RECUR_MAINTENANCE_CRON, RECUR_WORKERS,
  RECUR_ELAPSED_POLICY, RECUR_LOG_LEVEL, RECUR_CALDAV_URL,
  RECUR_CALDAV_USER, RECUR_CALDAV_PASSWORD, RECUR_CALDAV_COLLECTION
*/
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/warp/recurrence-engine/recurrence"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port        int    `yaml:"port"`
	DBDriver    string `yaml:"db_driver"`
	DBPath      string `yaml:"db_path"`
	DatabaseURL string `yaml:"database_url"`
	Timezone    string `yaml:"timezone"`

	HorizonMonths   int    `yaml:"horizon_months"`
	LookbackDays    int    `yaml:"lookback_days"`
	IterationCap    int    `yaml:"iteration_cap"`
	MaintenanceCron string `yaml:"maintenance_cron"`
	Workers         int    `yaml:"workers"`
	ElapsedPolicy   string `yaml:"elapsed_policy"`
	LogLevel        string `yaml:"log_level"`

	CalDAVURL        string `yaml:"caldav_url"`
	CalDAVUser       string `yaml:"caldav_user"`
	CalDAVPassword   string `yaml:"caldav_password"`
	CalDAVCollection string `yaml:"caldav_collection"`
}

func Default() *Config {
	return &Config{
		Port:            8080,
		DBDriver:        DriverSQLite,
		DBPath:          "recurrence.db",
		Timezone:        "UTC",
		HorizonMonths:   recurrence.DefaultHorizonMonths,
		LookbackDays:    recurrence.DefaultLookbackDays,
		IterationCap:    recurrence.DefaultIterationCap,
		MaintenanceCron: "@every 1h",
		Workers:         recurrence.DefaultWorkers,
		ElapsedPolicy:   string(recurrence.ElapsedRemove),
		LogLevel:        "info",
	}
}

// Load builds a Config. path may be empty; a missing .env is ignored.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := cfg.decodeYAML(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeYAML(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup("RECUR_" + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup("RECUR_" + key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RECUR_%s must be a number: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("DB_DRIVER", &c.DBDriver)
	str("DB_PATH", &c.DBPath)
	str("DATABASE_URL", &c.DatabaseURL)
	str("TIMEZONE", &c.Timezone)
	str("MAINTENANCE_CRON", &c.MaintenanceCron)
	str("ELAPSED_POLICY", &c.ElapsedPolicy)
	str("LOG_LEVEL", &c.LogLevel)
	str("CALDAV_URL", &c.CalDAVURL)
	str("CALDAV_USER", &c.CalDAVUser)
	str("CALDAV_PASSWORD", &c.CalDAVPassword)
	str("CALDAV_COLLECTION", &c.CalDAVCollection)

	return errors.Join(
		num("PORT", &c.Port),
		num("HORIZON_MONTHS", &c.HorizonMonths),
		num("LOOKBACK_DAYS", &c.LookbackDays),
		num("ITERATION_CAP", &c.IterationCap),
		num("WORKERS", &c.Workers),
	)
}

// Validate rejects values the binaries cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("db_path is required for sqlite"))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("database_url is required for postgres"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown db_driver %q", c.DBDriver))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if c.HorizonMonths < 1 {
		errs = append(errs, errors.New("horizon_months must be at least 1"))
	}
	if c.IterationCap < 1 {
		errs = append(errs, errors.New("iteration_cap must be at least 1"))
	}
	if c.Workers < 1 {
		errs = append(errs, errors.New("workers must be at least 1"))
	}
	if !recurrence.ElapsedPolicy(c.ElapsedPolicy).Valid() {
		errs = append(errs, fmt.Errorf("elapsed_policy must be %q or %q", recurrence.ElapsedRemove, recurrence.ElapsedRetain))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.CalDAVURL != "" && c.CalDAVCollection == "" {
		errs = append(errs, errors.New("caldav_collection is required with caldav_url"))
	}
	return errors.Join(errs...)
}

// Location returns the configured time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// EngineOptions maps the engine settings onto recurrence.Options.
func (c *Config) EngineOptions() recurrence.Options {
	return recurrence.Options{
		LookbackDays:  c.LookbackDays,
		IterationCap:  c.IterationCap,
		HorizonMonths: c.HorizonMonths,
		Workers:       c.Workers,
		ElapsedPolicy: recurrence.ElapsedPolicy(c.ElapsedPolicy),
	}
}
