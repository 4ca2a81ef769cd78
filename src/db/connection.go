package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/Toss-Online-Services/pgoptimizer/src/config"
)

// Querier is the subset of sqlx shared by *sqlx.DB and *sqlx.Conn that the
// catalog readers and the maintenance executor need.
type Querier interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Engine owns the connection pool to the monitored database
type Engine struct {
	db     *sqlx.DB
	driver string
	log    *logrus.Logger
}

// Open connects to the database described by cfg and verifies it with a ping
func Open(ctx context.Context, cfg config.DatabaseConfig, log *logrus.Logger) (*Engine, error) {
	var (
		db  *sqlx.DB
		err error
	)

	switch cfg.Driver {
	case "pgx":
		connConfig, perr := pgx.ParseConfig(cfg.DSN())
		if perr != nil {
			return nil, fmt.Errorf("failed to parse connection string: %w", perr)
		}
		db = sqlx.NewDb(stdlib.OpenDB(*connConfig), "pgx")
	case "postgres":
		db, err = sqlx.Open("postgres", cfg.DSN())
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.WithField("driver", cfg.Driver).Info("Connected to database")
	return NewEngine(db, log), nil
}

// NewEngine wraps an already opened pool
func NewEngine(db *sqlx.DB, log *logrus.Logger) *Engine {
	return &Engine{
		db:     db,
		driver: db.DriverName(),
		log:    log,
	}
}

// DB returns the underlying pool
func (e *Engine) DB() *sqlx.DB {
	return e.db
}

// HealthCheck pings the database
func (e *Engine) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return e.db.PingContext(ctx)
}

// OpenScope starts a per-cycle connection scope. With parallel set, each
// lane gets its own connection; otherwise every lane shares one.
func (e *Engine) OpenScope(parallel bool) CycleScope {
	return newScope(e.db, !parallel, e.log)
}

// PoolStats returns statistics for the connection pool
func (e *Engine) PoolStats() map[string]interface{} {
	stat := e.db.Stats()
	return map[string]interface{}{
		"driver":               e.driver,
		"max_open_connections": stat.MaxOpenConnections,
		"open_connections":     stat.OpenConnections,
		"in_use":               stat.InUse,
		"idle":                 stat.Idle,
		"wait_count":           stat.WaitCount,
		"wait_duration_ms":     stat.WaitDuration.Milliseconds(),
		"max_idle_closed":      stat.MaxIdleClosed,
		"max_lifetime_closed":  stat.MaxLifetimeClosed,
	}
}

// Close closes all connections in the pool
func (e *Engine) Close() error {
	if err := e.db.Close(); err != nil {
		return err
	}
	e.log.Info("Closed database connection pool")
	return nil
}
