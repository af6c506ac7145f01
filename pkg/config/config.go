package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the engine configuration. Zero values fall back to defaults.
type Config struct {
	// DataDir holds the warm and cold tier files.
	DataDir string `yaml:"data_dir"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	Txn struct {
		// Mode is "optimistic" or "serializable".
		Mode        string        `yaml:"mode"`
		WaitTimeout time.Duration `yaml:"wait_timeout"`
	} `yaml:"txn"`

	Store struct {
		// Tiers lists the hierarchy hot-first: memory, sqlite, bolt.
		Tiers          []string      `yaml:"tiers"`
		HotRetention   time.Duration `yaml:"hot_retention"`
		HotSizeBudget  int64         `yaml:"hot_size_budget"`
		WarmSizeBudget int64         `yaml:"warm_size_budget"`
		EvictInterval  time.Duration `yaml:"evict_interval"`
	} `yaml:"store"`

	Cdc struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		BatchSize    int           `yaml:"batch_size"`
	} `yaml:"cdc"`

	Retention struct {
		// Schedule is a cron expression; empty disables GC.
		Schedule string `yaml:"schedule"`
	} `yaml:"retention"`
}

// Default returns the reference configuration.
func Default() Config {
	var c Config
	c.DataDir = "data"
	c.Log.Level = "info"
	c.Txn.Mode = "optimistic"
	c.Txn.WaitTimeout = 30 * time.Second
	c.Store.Tiers = []string{"memory", "sqlite", "bolt"}
	c.Store.HotRetention = 60 * time.Second
	c.Store.HotSizeBudget = 256 << 20
	c.Store.WarmSizeBudget = 4 << 30
	c.Store.EvictInterval = 5 * time.Second
	c.Cdc.PollInterval = 5 * time.Millisecond
	c.Cdc.BatchSize = 256
	c.Retention.Schedule = "@every 10m"
	return c
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("failed to parse config: %w", err)
	}
	return c, nil
}
