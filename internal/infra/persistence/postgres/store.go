// Package postgres implements the contract store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/cfdmaker/internal/observability"
)

// PoolConfig controls PostgreSQL connectivity.
type PoolConfig struct {
	DSN               string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	// ConnectTimeout bounds how long OpenPool keeps retrying an unreachable database.
	ConnectTimeout time.Duration
}

const maxConnectInterval = 5 * time.Second

// OpenPool connects to PostgreSQL, retrying with exponential backoff until
// the database answers a ping or ConnectTimeout elapses.
func OpenPool(ctx context.Context, cfg PoolConfig, logger observability.Logger) (*pgxpool.Pool, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	poolCfg, err := pgxpool.ParseConfig(strings.TrimSpace(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}

	connectCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxConnectInterval

	for attempt := 1; ; attempt++ {
		pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
		if err == nil {
			err = pool.Ping(connectCtx)
			if err == nil {
				return pool, nil
			}
			pool.Close()
		}
		logger.Warn("database not reachable", observability.F("attempt", attempt), observability.Err(err))

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxConnectInterval
		}
		select {
		case <-connectCtx.Done():
			return nil, fmt.Errorf("connect database after %d attempts: %w", attempt, err)
		case <-time.After(sleep):
		}
	}
}
