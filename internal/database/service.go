// Package database opens the MySQL connection shared by the tenant config
// source and the snapshot exporter.
package database

import (
	"context"
	"database/sql"
	"time"

	"backup-orchestrator/internal/backup"
	"backup-orchestrator/internal/logging"

	"github.com/juju/clock"
	"github.com/juju/retry"
)

// sqlOpen is replaced in tests
var sqlOpen = sql.Open

// ConnectOptions tunes the connection retry loop
type ConnectOptions struct {
	Attempts   int
	RetryDelay time.Duration
	Clock      clock.Clock
}

// DefaultConnectOptions returns three attempts starting two seconds apart
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{Attempts: 3, RetryDelay: 2 * time.Second, Clock: clock.WallClock}
}

// Connect opens and pings the database, retrying with doubling delays
func Connect(ctx context.Context, config Config, logger *logging.Logger, opts ConnectOptions) (*sql.DB, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, backup.NewConfigError("invalid database configuration", err)
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	defaults := DefaultConnectOptions()
	if opts.Attempts <= 0 {
		opts.Attempts = defaults.Attempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaults.RetryDelay
	}
	if opts.Clock == nil {
		opts.Clock = defaults.Clock
	}

	done := logger.LogOperationStart("database_connect", map[string]interface{}{
		"host":     config.Host,
		"database": config.Database,
		"port":     config.Port,
	})

	var db *sql.DB
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			conn, err := sqlOpen("mysql", config.DSN())
			if err != nil {
				return err
			}
			conn.SetMaxOpenConns(config.MaxOpenConns)
			conn.SetMaxIdleConns(config.MaxIdleConns)
			conn.SetConnMaxLifetime(config.ConnMaxLifetime)

			pingCtx, cancel := context.WithTimeout(ctx, config.Timeout)
			defer cancel()
			if err := conn.PingContext(pingCtx); err != nil {
				conn.Close()
				return err
			}
			db = conn
			return nil
		},
		NotifyFunc: func(lastErr error, attempt int) {
			logger.WithFields(map[string]interface{}{
				"attempt": attempt,
				"error":   lastErr.Error(),
			}).Warn("Database connection attempt failed")
		},
		Attempts:    opts.Attempts,
		Delay:       opts.RetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       opts.Clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
			err = retry.LastError(err)
		}
		err = backup.NewExecutionError("failed to connect to tenant database", err).
			WithContext("target", config.String())
	}
	done(err)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// Close closes db, tolerating nil
func Close(db *sql.DB, logger *logging.Logger) error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		if logger != nil {
			logger.WithField("error", err.Error()).Error("Failed to close database connection")
		}
		return err
	}
	return nil
}
