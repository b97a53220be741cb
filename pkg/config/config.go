// Package config loads the daemon's own YAML configuration file: where the catalog,
// packages, and container directories live, and the watchdog/thread-ceiling constants.
//
// Grounded on cuemby-warren/cmd/warren/apply.go's yaml.v3 read-file-then-Unmarshal pattern
// (struct fields tagged with `yaml:"..."`).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is spiderd's daemon configuration.
type Config struct {
	CatalogRootDir   string        `yaml:"catalogRootDir"`
	PackagesRootDir  string        `yaml:"packagesRootDir"`
	ContainersRootDir string       `yaml:"containersRootDir"`
	DataRootDir      string        `yaml:"dataRootDir"`
	WatchdogMaxTime  time.Duration `yaml:"watchdogMaxTime"`
	ThreadMaximum    int           `yaml:"threadMaximum"`
	MonitorInterval  time.Duration `yaml:"monitorInterval"`
	LogLevel         string        `yaml:"logLevel"`
	MetricsAddr      string        `yaml:"metricsAddr"`
}

// Default returns the configuration spiderd uses when no file is supplied.
func Default() Config {
	return Config{
		CatalogRootDir:    "/var/lib/spiderd/catalog",
		PackagesRootDir:   "/var/lib/spiderd/packages",
		ContainersRootDir: "/var/lib/spiderd/containers",
		DataRootDir:       "/var/lib/spiderd/data",
		WatchdogMaxTime:   5 * time.Minute,
		ThreadMaximum:     16,
		MonitorInterval:   500 * time.Millisecond,
		LogLevel:          "info",
		MetricsAddr:       ":9090",
	}
}

// Load reads and parses the YAML configuration file at path, starting from Default() so an
// incomplete file only overrides the fields it sets.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %q: %w", path, err)
	}

	return cfg, nil
}
