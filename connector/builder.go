package connector

import (
	"context"

	"github.com/pkg/errors"
)

// Builder builds role-specific connectors and identifies the pool they
// belong to. Reads go to the replica endpoint, writes to the primary; with
// no replica configured both roles use the primary.
type Builder struct {
	write *Config
	read  *Config

	// NewDriver builds the session implementation for an endpoint. It
	// defaults to the go-sql-driver backed NewMySQLDriver; tests override it
	// with a fake.
	NewDriver func(cfg *Config) (Driver, error)
}

// NewBuilder describes a cluster by its primary and optional replica
// endpoint.
func NewBuilder(write, read *Config) (*Builder, error) {
	if write == nil {
		return nil, errors.New("primary endpoint config is required")
	}
	if read == nil {
		read = write
	}
	return &Builder{
		write:     write.SetDefault(),
		read:      read.SetDefault(),
		NewDriver: NewMySQLDriver,
	}, nil
}

// Build mints a connected connector for the given role.
func (b *Builder) Build(ctx context.Context, role Role) (*Connector, error) {
	cfg := b.write
	if role == RoleRead {
		cfg = b.read
	}
	drv, err := b.NewDriver(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "build driver")
	}
	c := New(cfg, role, drv)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Key is the stable identity of the cluster, used to deduplicate pools.
func (b *Builder) Key() string {
	return b.write.Key() + "|" + b.read.Key()
}
