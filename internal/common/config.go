// Package common provides shared utilities for the keogram lab tools.
package common

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds common configuration for all applications.
type Config struct {
	DataDir   string `mapstructure:"data_dir"`
	OutputDir string `mapstructure:"output_dir"`
	LogLevel  string `mapstructure:"log_level"`
	LogJSON   bool   `mapstructure:"log_json"`

	// Input archives, relative paths resolve against DataDir.
	FullKeogramDir    string `mapstructure:"full_keogram_dir"`
	PartialKeogramDir string `mapstructure:"partial_keogram_dir"`
	GOESDir           string `mapstructure:"goes_dir"`
	DSCOVRDir         string `mapstructure:"dscovr_dir"`
	VideoDir          string `mapstructure:"video_dir"`

	// Gap policy. MaxGap overrides MaxGapFactor x nominal cadence when set.
	MaxGapFactor float64       `mapstructure:"max_gap_factor"`
	MaxGap       time.Duration `mapstructure:"max_gap"`

	// Optional bin-mean resampling applied after load (0 disables).
	Resample time.Duration `mapstructure:"resample"`

	ClickHouseHost     string `mapstructure:"clickhouse_host"`
	ClickHouseDatabase string `mapstructure:"clickhouse_database"`
	ClickHouseTable    string `mapstructure:"clickhouse_table"`
	ClickHouseUser     string `mapstructure:"clickhouse_user"`
	ClickHousePassword string `mapstructure:"clickhouse_password"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:            getEnv("KEO_DATA_DIR", "/var/lib/keogram-lab"),
		OutputDir:          getEnv("KEO_OUTPUT_DIR", "/var/lib/keogram-lab/out"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		FullKeogramDir:     "full_keograms",
		PartialKeogramDir:  "partial_keograms",
		GOESDir:            "GOES_data",
		DSCOVRDir:          "DSCOVR_data",
		VideoDir:           "all_sky_vids",
		MaxGapFactor:       3,
		ClickHouseHost:     getEnv("CLICKHOUSE_HOST", "127.0.0.1:9000"),
		ClickHouseDatabase: getEnv("CLICKHOUSE_DATABASE", "space_weather"),
		ClickHouseTable:    "mag_samples",
		ClickHouseUser:     getEnv("CLICKHOUSE_USER", "default"),
		ClickHousePassword: getEnv("CLICKHOUSE_PASSWORD", ""),
	}
}

// LoadConfig layers an optional TOML file and KEO_* environment variables
// over DefaultConfig. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KEO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, Wrapf(err, "read config file %s", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, Wrap(err, "unmarshal config")
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("output_dir", d.OutputDir)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_json", d.LogJSON)
	v.SetDefault("full_keogram_dir", d.FullKeogramDir)
	v.SetDefault("partial_keogram_dir", d.PartialKeogramDir)
	v.SetDefault("goes_dir", d.GOESDir)
	v.SetDefault("dscovr_dir", d.DSCOVRDir)
	v.SetDefault("video_dir", d.VideoDir)
	v.SetDefault("max_gap_factor", d.MaxGapFactor)
	v.SetDefault("max_gap", d.MaxGap)
	v.SetDefault("resample", d.Resample)
	v.SetDefault("clickhouse_host", d.ClickHouseHost)
	v.SetDefault("clickhouse_database", d.ClickHouseDatabase)
	v.SetDefault("clickhouse_table", d.ClickHouseTable)
	v.SetDefault("clickhouse_user", d.ClickHouseUser)
	v.SetDefault("clickhouse_password", d.ClickHousePassword)
}

// Resolve returns p unchanged when absolute, otherwise joined onto DataDir.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// KeogramDir returns the keogram archive for a render mode ("full" or "partial").
func (c *Config) KeogramDir(mode string) string {
	if mode == "partial" {
		return c.Resolve(c.PartialKeogramDir)
	}
	return c.Resolve(c.FullKeogramDir)
}

// MaxGapFor returns the gap threshold for a series with the given cadence.
func (c *Config) MaxGapFor(cadence time.Duration) time.Duration {
	if c.MaxGap > 0 {
		return c.MaxGap
	}
	factor := c.MaxGapFactor
	if factor <= 0 {
		factor = 3
	}
	return time.Duration(factor * float64(cadence))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
