package config

import (
	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

// Config holds the engine settings.
type Config struct {
	Concurrency     int    `toml:"concurrency"`       // Worker threads, set 0 to use all CPU cores in the machine.
	Shards          int    `toml:"shards"`            // Versioned store shard count, rounded up to a power of two.
	LogLevel        string `toml:"log-level"`         // Log level: debug, info, warn, error.
	DBPath          string `toml:"db-path"`           // Directory of the base-state LevelDB. Empty means in-memory.
	ModuleKeyPrefix string `toml:"module-key-prefix"` // Key prefix of the declared-exempt (module path) key space.
}

// DefaultConf is the configuration used when no file is given.
var DefaultConf = Config{
	Concurrency: 0,
	Shards:      64,
	LogLevel:    "info",
	DBPath:      "",
}

// Load reads a TOML config file on top of the defaults.
func Load(path string) (*Config, error) {
	conf := DefaultConf
	if _, err := toml.DecodeFile(path, &conf); err != nil {
		return nil, errors.Annotatef(err, "load config from %s", path)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	if c.Concurrency < 0 {
		return errors.Errorf("concurrency must be >= 0, got %d", c.Concurrency)
	}
	if c.Shards < 0 {
		return errors.Errorf("shards must be >= 0, got %d", c.Shards)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "warning", "error", "fatal":
	default:
		return errors.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}
