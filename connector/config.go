package connector

import (
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/vrischmann/envconfig"
)

const (
	defaultHost           = "127.0.0.1"
	defaultPort           = 3306
	defaultCharset        = "utf8mb4"
	defaultConnectTimeout = 3 * time.Second
	defaultQueryTimeout   = 180 * time.Second
)

// Config describes one MySQL endpoint.
type Config struct {
	// Host is the server address. Default: "127.0.0.1".
	Host string `envconfig:"optional"`
	// Port is the server port. Default: 3306.
	Port int `envconfig:"optional"`
	// User is the account name.
	User string `envconfig:"optional"`
	// Password is the account password.
	Password string `envconfig:"optional"`
	// Database is the schema selected after connect.
	Database string `envconfig:"optional"`
	// Charset is the connection character set. Default: "utf8mb4".
	Charset string `envconfig:"optional"`
	// ConnectTimeout bounds the TCP dial and handshake. Default: 3 seconds.
	ConnectTimeout time.Duration `envconfig:"optional"`
	// QueryTimeout bounds a single statement. Default: 180 seconds.
	QueryTimeout time.Duration `envconfig:"optional"`
}

// SetDefault fills empty fields with default values and returns a copy of
// the config.
func (c *Config) SetDefault() *Config {
	cfgCopy := *c

	if cfgCopy.Host == "" {
		cfgCopy.Host = defaultHost
	}

	if cfgCopy.Port == 0 {
		cfgCopy.Port = defaultPort
	}

	if cfgCopy.Charset == "" {
		cfgCopy.Charset = defaultCharset
	}

	if cfgCopy.ConnectTimeout == 0 {
		cfgCopy.ConnectTimeout = defaultConnectTimeout
	}

	if cfgCopy.QueryTimeout == 0 {
		cfgCopy.QueryTimeout = defaultQueryTimeout
	}

	return &cfgCopy
}

// mysqlConfig converts the endpoint description into the driver's native
// configuration.
func (c *Config) mysqlConfig() *mysql.Config {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.DBName = c.Database
	cfg.Timeout = c.ConnectTimeout
	cfg.Params = map[string]string{"charset": c.Charset}
	return cfg
}

// DSN composes the driver DSN for this endpoint.
func (c *Config) DSN() string {
	return c.mysqlConfig().FormatDSN()
}

// Key is a stable identity of the endpoint. The password is excluded so the
// key is safe to log and to use as a registry key.
func (c *Config) Key() string {
	return fmt.Sprintf("%s@%s:%d/%s", c.User, c.Host, c.Port, c.Database)
}

// ConfigFromEnv reads an endpoint description from environment variables
// with the given prefix (e.g. MYSQL_WRITE_HOST), defaults applied.
func ConfigFromEnv(prefix string) (*Config, error) {
	cfg := &Config{}
	if err := envconfig.InitWithPrefix(cfg, prefix); err != nil {
		return nil, errors.Wrap(err, "parse endpoint config from env")
	}
	return cfg.SetDefault(), nil
}
