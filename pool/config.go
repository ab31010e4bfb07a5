package pool

import (
	"time"

	"github.com/pkg/errors"
	"github.com/vrischmann/envconfig"
)

const (
	defaultSize                = 10
	defaultMaxIdleTime         = 8 * time.Second
	defaultMaxExecCount        = 1000
	defaultReaperInterval      = 12 * time.Second
	defaultOverflowFactor      = 3
	defaultMaxWaitTimeoutCount = 200
)

// Config holds the pool limits.
type Config struct {
	// Size is the per-role channel capacity. Default: 10.
	Size int `envconfig:"optional"`
	// MaxIdleTime is how long a pooled connection may sit without executing
	// before the reaper or the health check closes it. Default: 8 seconds.
	MaxIdleTime time.Duration `envconfig:"optional"`
	// MaxExecCount is the per-connection lifetime statement budget.
	// Default: 1000.
	MaxExecCount int64 `envconfig:"optional"`
	// ReaperInterval is how often idle connections are swept.
	// Default: 12 seconds.
	ReaperInterval time.Duration `envconfig:"optional"`
	// OverflowFactor sets the live-connection ceiling per role:
	// OverflowFactor * Size. Default: 3.
	OverflowFactor int `envconfig:"optional"`
	// MaxWaitTimeoutCount is how many consecutive acquisition timeouts are
	// tolerated before the database is declared down. Default: 200.
	MaxWaitTimeoutCount int `envconfig:"optional"`
}

// SetDefault fills empty fields with default values and returns a copy of
// the config.
func (c *Config) SetDefault() *Config {
	cfgCopy := Config{}
	if c != nil {
		cfgCopy = *c
	}

	if cfgCopy.Size == 0 {
		cfgCopy.Size = defaultSize
	}

	if cfgCopy.MaxIdleTime == 0 {
		cfgCopy.MaxIdleTime = defaultMaxIdleTime
	}

	if cfgCopy.MaxExecCount == 0 {
		cfgCopy.MaxExecCount = defaultMaxExecCount
	}

	if cfgCopy.ReaperInterval == 0 {
		cfgCopy.ReaperInterval = defaultReaperInterval
	}

	if cfgCopy.OverflowFactor == 0 {
		cfgCopy.OverflowFactor = defaultOverflowFactor
	}

	if cfgCopy.MaxWaitTimeoutCount == 0 {
		cfgCopy.MaxWaitTimeoutCount = defaultMaxWaitTimeoutCount
	}

	return &cfgCopy
}

// ceiling is the hard live-connection limit per role.
func (c *Config) ceiling() int {
	return c.OverflowFactor * c.Size
}

// ConfigFromEnv reads the pool limits from MYSQL_POOL_* environment
// variables, with defaults applied.
func ConfigFromEnv() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.InitWithPrefix(cfg, "MYSQL_POOL"); err != nil {
		return nil, errors.Wrap(err, "parse pool config from env")
	}
	return cfg.SetDefault(), nil
}
