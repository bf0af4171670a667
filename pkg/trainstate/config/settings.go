package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
)

// Settings is the process-level configuration of the checkpoint tooling.
type Settings struct {
	Database      Database `yaml:"database" json:"database"`
	ArtifactsDir  string   `yaml:"artifacts_dir" json:"artifacts_dir"`
	Policy        Policy   `yaml:"policy" json:"policy"`
	RetentionDays int      `yaml:"retention_days" json:"retention_days"`
	Log           Log      `yaml:"log" json:"log"`
	MetricsAddr   string   `yaml:"metrics_addr" json:"metrics_addr"`
}

// Database selects the metadata store.
type Database struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"dsn"`
}

// Policy configures checkpoint cadence. Zero disables a trigger.
type Policy struct {
	UnitInterval        int     `yaml:"unit_interval" json:"unit_interval"`
	TimeIntervalSeconds float64 `yaml:"time_interval_seconds" json:"time_interval_seconds"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Defaults returns the built-in settings.
func Defaults() *Settings {
	return &Settings{
		Database: Database{
			Driver: "sqlite",
			DSN:    "./trainstate.db",
		},
		ArtifactsDir: "./checkpoints",
		Policy: Policy{
			UnitInterval:        10,
			TimeIntervalSeconds: 3600,
		},
		RetentionDays: 30,
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// RegisterFlags adds the override flags read by Load.
func RegisterFlags(flags *pflag.FlagSet) {
	d := Defaults()
	flags.String("db-driver", d.Database.Driver, "metadata store driver (sqlite, postgres)")
	flags.String("db-dsn", d.Database.DSN, "metadata store DSN")
	flags.String("artifacts-dir", d.ArtifactsDir, "artifact base directory")
	flags.Int("unit-interval", d.Policy.UnitInterval, "checkpoint every N units (0 disables)")
	flags.Float64("time-interval", d.Policy.TimeIntervalSeconds, "checkpoint every N seconds (0 disables)")
	flags.Int("retention-days", d.RetentionDays, "default age cutoff for prune")
	flags.String("log-level", d.Log.Level, "log level (debug, info, warn, error)")
	flags.String("log-format", d.Log.Format, "log format (text, json)")
	flags.String("metrics-addr", d.MetricsAddr, "serve Prometheus metrics on this address")
}

// Load builds settings from defaults, then the file at path (if any), then
// flags that were explicitly set. The result is validated.
func Load(path string, flags *pflag.FlagSet) (*Settings, error) {
	s := Defaults()

	if path != "" {
		if err := loadFromFile(s, path); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if flags != nil {
		loadFromFlags(s, flags)
	}

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return s, nil
}

func loadFromFile(s *Settings, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	f := formatYAML
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		f = formatJSON
	}
	return decode(f, data, s)
}

func loadFromFlags(s *Settings, flags *pflag.FlagSet) {
	if flags.Changed("db-driver") {
		s.Database.Driver, _ = flags.GetString("db-driver")
	}
	if flags.Changed("db-dsn") {
		s.Database.DSN, _ = flags.GetString("db-dsn")
	}
	if flags.Changed("artifacts-dir") {
		s.ArtifactsDir, _ = flags.GetString("artifacts-dir")
	}
	if flags.Changed("unit-interval") {
		s.Policy.UnitInterval, _ = flags.GetInt("unit-interval")
	}
	if flags.Changed("time-interval") {
		s.Policy.TimeIntervalSeconds, _ = flags.GetFloat64("time-interval")
	}
	if flags.Changed("retention-days") {
		s.RetentionDays, _ = flags.GetInt("retention-days")
	}
	if flags.Changed("log-level") {
		s.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		s.Log.Format, _ = flags.GetString("log-format")
	}
	if flags.Changed("metrics-addr") {
		s.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
}

// Validate checks that the settings are usable.
func (s *Settings) Validate() error {
	switch s.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %q", s.Database.Driver)
	}
	if s.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if s.ArtifactsDir == "" {
		return fmt.Errorf("artifacts dir is required")
	}
	if s.Policy.UnitInterval < 0 {
		return fmt.Errorf("unit interval must not be negative")
	}
	if s.Policy.TimeIntervalSeconds < 0 {
		return fmt.Errorf("time interval must not be negative")
	}
	if s.RetentionDays < 0 {
		return fmt.Errorf("retention days must not be negative")
	}
	switch strings.ToLower(s.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format: %q", s.Log.Format)
	}
	return nil
}
