package application

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"backup-orchestrator/internal/api"
	"backup-orchestrator/internal/backup"
	"backup-orchestrator/internal/config"
	"backup-orchestrator/internal/database"
	"backup-orchestrator/internal/logging"
	"backup-orchestrator/internal/source"
	"backup-orchestrator/internal/storage"
	"backup-orchestrator/internal/store"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Application owns every long-lived component of the orchestrator
type Application struct {
	config *config.Config
	logger *logging.Logger

	db            *sql.DB
	ownsDB        bool
	store         backup.Store
	mirror        backup.Mirror
	events        *backup.EventLogger
	notifications *backup.NotificationManager
	registry      *prometheus.Registry

	provider  *backup.ConfigProvider
	validator *backup.Validator
	executor  *backup.Executor
	retries   *backup.RetryManager
	retention *backup.RetentionManager
	scheduler *backup.Scheduler

	server   *http.Server
	listener net.Listener

	closeOnce sync.Once
}

// Options replace components that New would otherwise build from config.
// They exist so the orchestrator can run against an existing connection or
// without a database at all.
type Options struct {
	Logger   *logging.Logger
	DB       *sql.DB
	Source   backup.ConfigSource
	Exporter backup.SnapshotExporter
	Clock    clock.Clock
}

// New builds the application from a validated configuration
func New(ctx context.Context, cfg *config.Config, opts Options) (app *Application, err error) {
	if cfg == nil {
		return nil, backup.NewConfigError("configuration is required", nil)
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}

	app = &Application{config: cfg, logger: opts.Logger}
	if app.logger == nil {
		if app.logger, err = newLogger(cfg.Logging); err != nil {
			return nil, err
		}
	}

	// release whatever was opened if a later step fails
	defer func() {
		if err != nil {
			app.Close()
			app = nil
		}
	}()

	if err = app.openStore(); err != nil {
		return app, err
	}

	app.events, err = backup.NewEventLogger(backup.EventLoggerConfig{
		Logger:          app.logger,
		Store:           app.store,
		Clock:           opts.Clock,
		AuditLogFile:    cfg.Audit.File,
		AuditMaxSizeMB:  cfg.Audit.MaxSizeMB,
		AuditMaxBackups: cfg.Audit.MaxBackups,
	})
	if err != nil {
		return app, fmt.Errorf("failed to create audit log: %w", err)
	}

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := backup.NewMetrics(app.registry)

	if err = app.connectDatabase(ctx, opts); err != nil {
		return app, err
	}

	configSource := opts.Source
	if configSource == nil {
		if configSource, err = app.newConfigSource(); err != nil {
			return app, err
		}
	}

	exporter := opts.Exporter
	if exporter == nil {
		if app.db == nil {
			return app, backup.NewConfigError("a database connection is required to export tenant data", nil)
		}
		if exporter, err = source.NewSQLExporter(app.db, cfg.Export, app.logger, opts.Clock); err != nil {
			return app, err
		}
	}

	codec, err := backup.NewCodec(cfg.Storage.Compression, cfg.Storage.CompressionLevel)
	if err != nil {
		return app, err
	}

	if app.mirror, err = storage.New(ctx, cfg.Mirror); err != nil {
		return app, err
	}
	if app.mirror != nil {
		app.logger.WithField("provider", app.mirror.Name()).Info("Off-site mirror enabled")
	}

	location, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return app, backup.NewConfigError(fmt.Sprintf("invalid timezone %q", cfg.Scheduler.Timezone), err)
	}

	app.notifications = backup.NewNotificationManager(app.logger, cfg.Notifications, metrics)

	app.provider = backup.NewConfigProvider(configSource, app.store, app.store, app.events, backup.ConfigProviderOptions{
		Location:     location,
		DueTolerance: cfg.Tenants.DueTolerance,
	})

	app.validator = backup.NewValidator(app.store, app.events, metrics, opts.Clock)

	app.executor, err = backup.NewExecutor(backup.ExecutorConfig{
		RootDir: cfg.Storage.RootDir,
		Codec:   codec,
		Timeout: cfg.Storage.Timeout,
	}, backup.ExecutorDeps{
		Exporter:  exporter,
		Records:   app.store,
		Validator: app.validator,
		Mirror:    app.mirror,
		Events:    app.events,
		Metrics:   metrics,
		Clock:     opts.Clock,
	})
	if err != nil {
		return app, err
	}

	app.retries, err = backup.NewRetryManager(cfg.Retry, backup.RetryManagerDeps{
		Records:  app.store,
		Retries:  app.store,
		Notifier: app.notifications,
		Events:   app.events,
		Metrics:  metrics,
		Clock:    opts.Clock,
	})
	if err != nil {
		return app, err
	}

	app.retention = backup.NewRetentionManager(cfg.Retention, backup.RetentionManagerDeps{
		Configs:     app.provider,
		Records:     app.store,
		Validations: app.store,
		Logs:        app.store,
		Events:      app.events,
		Metrics:     metrics,
		Clock:       opts.Clock,
	})

	app.scheduler, err = backup.NewScheduler(cfg.Scheduler, backup.SchedulerDeps{
		Configs:   app.provider,
		Executor:  app.executor,
		Retries:   app.retries,
		Retention: app.retention,
		Records:   app.store,
		Notifier:  app.notifications,
		Events:    app.events,
		Metrics:   metrics,
		Clock:     opts.Clock,
	})
	if err != nil {
		return app, err
	}

	if cfg.API.Enabled {
		app.server = &http.Server{
			Addr:         cfg.API.Address,
			Handler:      app.Handler(),
			ReadTimeout:  cfg.API.ReadTimeout,
			WriteTimeout: cfg.API.WriteTimeout,
		}
	}

	return app, nil
}

func newLogger(lc config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, backup.NewConfigError("invalid log level", err)
	}
	return logging.NewLogger(logging.Config{
		Level:      level,
		Format:     lc.Format,
		LogFile:    lc.File,
		MaxSizeMB:  lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		MaxAgeDays: lc.MaxAgeDays,
	})
}

func (app *Application) openStore() error {
	switch app.config.Store.Driver {
	case config.StoreMemory:
		app.logger.Warn("Using the in-memory record store; history is lost on exit")
		app.store = backup.NewMemoryStore()
		return nil
	case config.StoreSQLite:
		s, err := store.OpenSQLite(app.config.Store.Path)
		if err != nil {
			return err
		}
		app.store = s
		return nil
	default:
		return backup.NewConfigError(fmt.Sprintf("unsupported store driver: %s", app.config.Store.Driver), nil)
	}
}

// connectDatabase opens the tenant database unless a connection was supplied
// or nothing needs one
func (app *Application) connectDatabase(ctx context.Context, opts Options) error {
	if opts.DB != nil {
		app.db = opts.DB
		return nil
	}
	needsDB := opts.Exporter == nil || (opts.Source == nil && app.config.Tenants.Source == config.SourceSQL)
	if !needsDB {
		return nil
	}

	db, err := database.Connect(ctx, app.config.Database, app.logger, database.ConnectOptions{Clock: opts.Clock})
	if err != nil {
		return err
	}
	app.db = db
	app.ownsDB = true
	return nil
}

func (app *Application) newConfigSource() (backup.ConfigSource, error) {
	switch app.config.Tenants.Source {
	case config.SourceFile:
		return source.NewFileConfigSource(app.config.Tenants.File), nil
	case config.SourceSQL:
		if app.db == nil {
			return nil, backup.NewConfigError("the sql tenant source needs a database connection", nil)
		}
		return source.NewSQLConfigSource(app.db, app.config.Tenants.Table)
	default:
		return nil, backup.NewConfigError(fmt.Sprintf("unsupported tenant source: %s", app.config.Tenants.Source), nil)
	}
}

// Handler returns the management API handler
func (app *Application) Handler() http.Handler {
	return api.NewServer(api.Deps{
		Scheduler:  app.scheduler,
		Stats:      app.retention,
		Verifier:   app.validator,
		Store:      app.store,
		Audit:      app.events,
		Logger:     app.logger,
		Registerer: app.registry,
		Gatherer:   app.registry,
	}).Handler()
}

// Start recovers interrupted runs, starts the scheduler and begins serving the
// management API. It returns once everything is running.
func (app *Application) Start(ctx context.Context) error {
	app.logger.Info("Backup orchestrator starting")

	recovered, err := app.scheduler.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted backups: %w", err)
	}
	if recovered > 0 {
		app.logger.WithField("count", recovered).Warn("Marked interrupted backups as failed")
	}

	if app.mirror != nil {
		if err := app.mirror.HealthCheck(ctx); err != nil {
			app.logger.WithFields(map[string]interface{}{
				"provider": app.mirror.Name(),
				"error":    err.Error(),
			}).Warn("Off-site mirror is unreachable; snapshots stay local until it recovers")
		}
	}

	if err := app.scheduler.Start(); err != nil {
		return err
	}

	if app.server == nil {
		return nil
	}

	listener, err := net.Listen("tcp", app.server.Addr)
	if err != nil {
		app.scheduler.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.server.Addr, err)
	}
	app.listener = listener
	app.logger.WithField("address", listener.Addr().String()).Info("Management API listening")

	go func() {
		if err := app.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.WithField("error", err.Error()).Error("Management API stopped unexpectedly")
		}
	}()
	return nil
}

// Addr returns the address the management API is bound to, once started
func (app *Application) Addr() string {
	if app.listener == nil {
		return ""
	}
	return app.listener.Addr().String()
}

// Run starts the application and blocks until ctx is cancelled or an
// interrupt signal arrives, then shuts down
func (app *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		app.Close()
		return err
	}

	<-ctx.Done()
	app.logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.API.ShutdownTimeout)
	defer cancel()
	return app.Shutdown(shutdownCtx)
}

// Shutdown stops the scheduler, drains the management API and releases every
// resource. In-flight backups finish before the scheduler stops.
func (app *Application) Shutdown(ctx context.Context) error {
	app.logger.Info("Shutting down backup orchestrator")

	var errs []error
	if app.scheduler != nil && app.scheduler.IsActive() {
		if err := app.scheduler.Stop(); err != nil && !errors.Is(err, backup.ErrSchedulerNotRunning) {
			errs = append(errs, err)
		}
	}
	if app.server != nil && app.listener != nil {
		if err := app.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("management API shutdown: %w", err))
		}
	}
	if err := app.Close(); err != nil {
		errs = append(errs, err)
	}

	app.logger.Info("Backup orchestrator shutdown complete")
	return errors.Join(errs...)
}

// Close releases notifications, the audit log, the mirror, the record store
// and the database connection. It is safe to call more than once.
func (app *Application) Close() error {
	var errs []error
	app.closeOnce.Do(func() {
		if app.notifications != nil {
			app.notifications.Close()
		}
		if closer, ok := app.mirror.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if app.events != nil {
			if err := app.events.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if app.store != nil {
			if err := app.store.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if app.db != nil && app.ownsDB {
			if err := app.db.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Scheduler returns the backup scheduler
func (app *Application) Scheduler() *backup.Scheduler {
	return app.scheduler
}

// Store returns the record store
func (app *Application) Store() backup.Store {
	return app.store
}

// Provider returns the tenant config provider
func (app *Application) Provider() *backup.ConfigProvider {
	return app.provider
}

// Retention returns the retention manager
func (app *Application) Retention() *backup.RetentionManager {
	return app.retention
}

// Validator returns the snapshot validator
func (app *Application) Validator() *backup.Validator {
	return app.validator
}

// Logger returns the process logger
func (app *Application) Logger() *logging.Logger {
	return app.logger
}
