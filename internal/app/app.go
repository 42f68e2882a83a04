package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"go.uber.org/multierr"

	"cyclerdata/internal/config"
	"cyclerdata/internal/infrastructure"
	"cyclerdata/internal/pipeline"
	"cyclerdata/internal/remote/sqlstore"
	"cyclerdata/internal/services"
	handlers "cyclerdata/internal/transport/http"
	"cyclerdata/internal/units"
	"cyclerdata/pkg/contracts"
)

// AppName is logged at startup
const AppName = "cyclerd"

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	Metrics       *infrastructure.DecodeMetrics

	Pipeline *pipeline.Pipeline
	Archives *services.ArchiveService
	Store    *services.StoreService
	Health   *services.HealthService

	Router *chi.Mux
	Server *http.Server

	db       *sql.DB
	listener net.Listener
}

// NewApplication wires the application from cfg. A nil logger initializes
// the global logger from cfg.Logging.
func NewApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		l, err := infrastructure.InitializeLogger(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger = l
	}

	app := &Application{
		Config: cfg,
		Logger: infrastructure.WithComponent(logger, "app"),
	}

	providers, err := infrastructure.InitializeOTel(infrastructure.OTelConfigFrom(cfg.Telemetry), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	app.OTelProviders = providers

	metrics, err := infrastructure.CreateDecodeMetrics(providers.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	app.Metrics = metrics

	if err := app.initializeServices(ctx, logger); err != nil {
		app.close(ctx)
		return nil, err
	}

	app.setupRouter(logger)
	app.createServer()
	return app, nil
}

// NewPipeline builds a pipeline from the decode and scale sections
func NewPipeline(cfg *config.Config, logger *slog.Logger, providers *infrastructure.OTelProviders, metrics *infrastructure.DecodeMetrics) (*pipeline.Pipeline, error) {
	table, err := units.LoadTable(cfg.Scale.TablePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load scale table: %w", err)
	}

	opts := pipeline.Options{
		Version:      cfg.Decode.Version,
		GapTolerance: cfg.Decode.GapTolerance,
		Concurrency:  cfg.Decode.Concurrency,
		Deadline:     cfg.Decode.Deadline,
		Converter:    units.NewConverter(table),
		Logger:       logger,
		Metrics:      metrics,
	}
	if providers != nil {
		opts.Tracer = providers.Tracer
	}
	return pipeline.New(opts), nil
}

// OpenStore opens the configured SQL store. It returns nil when no DSN is set.
func OpenStore(ctx context.Context, cfg config.RemoteConfig, logger *slog.Logger) (*sqlstore.Store, *sql.DB, error) {
	if cfg.SQLDSN == "" {
		return nil, nil, nil
	}

	openCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	db, dialect, err := sqlstore.Open(openCtx, cfg.SQLDriver, cfg.SQLDSN)
	if err != nil {
		return nil, nil, err
	}
	if dialect == sqlstore.DialectSQLite {
		db.SetMaxOpenConns(1)
	}

	store := sqlstore.New(db, dialect, logger)
	if err := store.Migrate(openCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	return store, db, nil
}

// initializeServices creates the pipeline, the optional store and the services
func (a *Application) initializeServices(ctx context.Context, logger *slog.Logger) error {
	p, err := NewPipeline(a.Config, logger, a.OTelProviders, a.Metrics)
	if err != nil {
		return err
	}
	a.Pipeline = p

	store, db, err := OpenStore(ctx, a.Config.Remote, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	a.db = db

	a.Archives = services.NewArchiveService(a.Config.Server.ArchiveDir, p, logger)
	a.Store = services.NewStoreService(store, p, logger)
	a.Health = services.NewHealthService(a.Archives, a.Store, logger)

	a.Logger.InfoContext(ctx, "Services initialized",
		slog.String("archive_dir", a.Config.Server.ArchiveDir),
		slog.Bool("store_enabled", a.Store.Enabled()))
	return nil
}

// setupRouter builds the HTTP router
func (a *Application) setupRouter(logger *slog.Logger) {
	a.Router = handlers.NewRouter(handlers.RouterConfig{
		Archives:       a.Archives,
		Store:          a.Store,
		Health:         a.Health,
		Logger:         logger,
		Tracer:         a.OTelProviders.Tracer,
		Metrics:        a.Metrics,
		Prometheus:     a.OTelProviders.PrometheusHTTP,
		RateLimit:      a.Config.Server.RateLimit,
		RequestTimeout: a.Config.Server.WriteTimeout,
		IncludeStack:   a.Config.Logging.Level == "debug",
	})
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Addr returns the listening address once started, else the configured one
func (a *Application) Addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.Server.Addr
}

// Start binds the server address and serves in the background. A serve
// failure calls cancel.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}
	a.listener = ln

	a.Logger.InfoContext(ctx, "Starting application",
		slog.String("name", AppName),
		slog.String("version", contracts.Version),
		slog.String("address", ln.Addr().String()),
		slog.String("level", a.Config.Logging.Level))

	go func() {
		if err := a.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.Logger.ErrorContext(ctx, "Server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	if status := a.Health.ReadinessCheck(ctx); !status.Ready() {
		a.Logger.WarnContext(ctx, "Startup readiness check failed", slog.Any("services", status.Services))
	}
	return nil
}

// Stop gracefully stops the server and releases the store, telemetry and
// log file
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var err error
	if serr := a.Server.Shutdown(shutdownCtx); serr != nil {
		err = fmt.Errorf("server shutdown error: %w", serr)
	}
	err = multierr.Append(err, a.close(shutdownCtx))

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return err
}

// close releases everything NewApplication acquired besides the server
func (a *Application) close(ctx context.Context) error {
	var err error
	if a.db != nil {
		err = multierr.Append(err, a.db.Close())
		a.db = nil
	}
	if a.OTelProviders != nil {
		if oerr := a.OTelProviders.Shutdown(ctx); oerr != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", oerr.Error()))
		}
	}
	return multierr.Append(err, infrastructure.CloseLogFile())
}

// Run runs the application until interrupted or the server fails
func (a *Application) Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	<-ctx.Done()
	a.Logger.Info("Received shutdown signal")

	return a.Stop(context.Background())
}
