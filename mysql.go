// Package mysql is a goroutine-aware MySQL client: a read/write-split
// connection pool plus a per-task transaction manager and query façade.
//
// Tasks are goroutines whose context has been derived with taskctx.New (or
// wrapped by taskctx.Run). A single Query instance can then be shared by any
// number of tasks:
//
//	write := &connector.Config{Host: "primary", User: "app", Database: "orders"}
//	read := &connector.Config{Host: "replica", User: "app", Database: "orders"}
//
//	q, err := mysql.Open(ctx, write, read, nil)
//	if err != nil {
//		return err
//	}
//
//	err = taskctx.Run(ctx, func(ctx context.Context) error {
//		row, err := q.Table(ctx, "users").Where(ctx, "id = ?", 1).One(ctx)
//		...
//	})
package mysql

import (
	"context"

	"github.com/linvanda2/mysql/connector"
	"github.com/linvanda2/mysql/pool"
	"github.com/linvanda2/mysql/query"
)

// Open returns a query façade over the cluster described by the write and
// optional read endpoint. Pools are deduplicated process-wide: opening the
// same cluster twice shares one pool.
func Open(ctx context.Context, write, read *connector.Config, poolCfg *pool.Config) (*query.Query, error) {
	b, err := connector.NewBuilder(write, read)
	if err != nil {
		return nil, err
	}
	p := pool.Default().Get(ctx, b, poolCfg)
	return query.New(p), nil
}
