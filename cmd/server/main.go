/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the cashback engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (when present) and CASHBACK_* environment
  2. Open the store selected by CASHBACK_DB_DRIVER and wait until it answers a ping
  3. Build the duplicate guard (Redis when CASHBACK_REDIS_URL is set)
  4. Build the notifier, geofence, services and metrics registry
  5. Configure the HTTP router and start the dashboard scheduler
  6. Serve until SIGINT/SIGTERM

DRIVERS:
  memory    In-process store, lost on restart (default)
  sqlite    database/sql + mattn/go-sqlite3, DSN is a file path
  postgres  gorm + pgx, DSN is a connection string; migrations run at open

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests (CASHBACK_HTTP_SHUTDOWN_TIMEOUT)
  3. Stop the scheduler and drain queued notifications
  4. Close the guard and the store

EXAMPLES:
  # Local development with in-memory store and console logs
  CASHBACK_JWT_SECRET=dev CASHBACK_LOG_FORMAT=console ./server

  # File database
  CASHBACK_DB_DRIVER=sqlite CASHBACK_DB_DSN=./data/cashback.db ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"

	"github.com/eliteacai/cashback-engine/api"
	"github.com/eliteacai/cashback-engine/auth"
	"github.com/eliteacai/cashback-engine/cashback"
	"github.com/eliteacai/cashback-engine/config"
	"github.com/eliteacai/cashback-engine/customers"
	"github.com/eliteacai/cashback-engine/geofence"
	"github.com/eliteacai/cashback-engine/guard"
	"github.com/eliteacai/cashback-engine/ledger"
	"github.com/eliteacai/cashback-engine/ledger/store"
	"github.com/eliteacai/cashback-engine/logger"
	"github.com/eliteacai/cashback-engine/metrics"
	"github.com/eliteacai/cashback-engine/notify"
	"github.com/eliteacai/cashback-engine/store/gormstore"
	"github.com/eliteacai/cashback-engine/store/sqlite"
)

const serviceName = "cashback-engine"

// devAdminPassword is accepted only in the dev environment when no admin
// hash is configured.
const devAdminPassword = "admin"

type backend interface {
	api.Backend
	Close() error
}

type duplicateGuard interface {
	cashback.DuplicateGuard
	Close() error
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() (err error) {
	// Missing .env is fine; the environment may be set by the platform.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logg := logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
		WarnStack:   cfg.App.LogWarnStack,
	})
	ctx := logg.WithField(context.Background(), "env", cfg.App.Env)

	program, err := cfg.ProgramSettings()
	if err != nil {
		return err
	}

	// Store
	db, err := openStore(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, db.Close())
	}()
	if err := waitForStore(ctx, db, cfg.DB.ProbeAttempts, cfg.DB.ProbeBackoff, logg); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}
	logg.Info(logg.WithField(ctx, "driver", cfg.DB.Driver), "store ready")

	// Duplicate guard
	dup, err := openGuard(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, dup.Close())
	}()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	workflow := metrics.NewWorkflow(reg)
	gauges := metrics.NewDashboardGauges(reg)

	// Notifications
	sender, err := newSender(cfg.Notify, phoneBook{repo: db}, logg)
	if err != nil {
		return err
	}
	queue := notify.NewAsync(sender, cfg.Notify.QueueSize, cfg.Notify.Timeout, logg, workflow)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		err = multierr.Append(err, queue.Close(drainCtx))
	}()

	// Geofence
	locations, err := geofence.LoadStores(cfg.Geofence.StoresFile)
	if err != nil {
		return err
	}
	checker, err := geofence.NewChecker(locations)
	if err != nil {
		return err
	}

	// Services
	people, err := customers.NewService(customers.ServiceParams{
		Repository: db,
		Notifier:   queue,
		Argon:      cfg.Password.ArgonParams(),
		Logger:     logg,
	})
	if err != nil {
		return err
	}
	svc, err := cashback.NewService(cashback.ServiceParams{
		Store:     db,
		Geofence:  checker,
		Notifier:  queue,
		Guard:     dup,
		Customers: people,
		Program:   program,
		Logger:    logg,
		Metrics:   workflow,
	})
	if err != nil {
		return err
	}

	admin, err := adminCredentials(ctx, cfg, logg)
	if err != nil {
		return err
	}

	handler := api.NewHandler(api.Dependencies{
		Cashback:  svc,
		Customers: people,
		Backend:   db,
		Admin:     admin,
		Tokens:    cfg.JWT.TokenConfig(),
		Logger:    logg,
	})
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Gatherer:       reg,
		Scenarios:      cfg.App.IsDev(),
	})

	scheduler := api.NewDashboardScheduler(db, gauges, logg)
	scheduler.Interval = cfg.Scheduler.DashboardInterval
	scheduler.Enabled = cfg.Scheduler.DashboardInterval > 0
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logg.Info(logg.WithField(ctx, "addr", server.Addr), "server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logg.Info(logg.WithField(ctx, "signal", sig.String()), "shutting down server")
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logg.Info(ctx, "server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.DBConfig) (backend, error) {
	switch cfg.Driver {
	case config.DBDriverMemory:
		return store.NewMemory(), nil
	case config.DBDriverSQLite:
		s, err := sqlite.New(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return s, nil
	case config.DBDriverPostgres:
		s, err := gormstore.Open(ctx, gormstore.Config{
			Driver:          gormstore.DriverPostgres,
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.Driver)
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

// waitForStore pings the store with a constant backoff. Ping is a read, so it is
// safe to repeat; only unavailable errors are retried.
func waitForStore(ctx context.Context, db pinger, retries uint64, every time.Duration, logg *logger.Logger) error {
	backoff := retry.WithMaxRetries(retries, retry.NewConstant(every))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err := db.Ping(pingCtx)
		if err == nil {
			return nil
		}
		logg.Warn(logg.WithFields(ctx, map[string]any{"attempt": attempt, "error": err.Error()}), "store ping failed")
		if ledger.IsRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func openGuard(ctx context.Context, cfg config.RedisConfig) (duplicateGuard, error) {
	if cfg.URL == "" {
		return memoryGuard{guard.NewMemory()}, nil
	}
	r, err := guard.NewRedis(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open redis guard: %w", err)
	}
	return r, nil
}

type memoryGuard struct {
	*guard.Memory
}

func (memoryGuard) Close() error { return nil }

func newSender(cfg config.NotifyConfig, phones notify.PhoneDirectory, logg *logger.Logger) (notify.Sender, error) {
	switch cfg.Provider {
	case config.NotifyProviderTwilio:
		return notify.NewTwilio(notify.TwilioConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			From:       cfg.TwilioFrom,
			Channel:    cfg.Channel,
			BaseURL:    cfg.BaseURL,
			Timeout:    cfg.Timeout,
		}, phones)
	default:
		return notify.Log{Logger: logg}, nil
	}
}

// phoneBook resolves customer phones straight from the repository, so the
// notifier can be built before the customers service.
type phoneBook struct {
	repo customers.Repository
}

func (p phoneBook) PhoneOf(ctx context.Context, id ledger.CustomerID) (string, error) {
	c, err := p.repo.GetCustomer(ctx, id)
	if err != nil {
		return "", err
	}
	return c.Phone, nil
}

func adminCredentials(ctx context.Context, cfg *config.Config, logg *logger.Logger) (auth.AdminCredentials, error) {
	creds := cfg.Admin.Credentials()
	if creds.PasswordHash != "" {
		return creds, nil
	}
	if !cfg.App.IsDev() {
		logg.Warn(ctx, "CASHBACK_ADMIN_PASSWORD_HASH is empty, admin login disabled")
		return creds, nil
	}

	hash, err := auth.HashPassword(devAdminPassword, cfg.Password.ArgonParams())
	if err != nil {
		return auth.AdminCredentials{}, fmt.Errorf("hash dev admin password: %w", err)
	}
	creds.PasswordHash = hash
	logg.Warn(logg.WithField(ctx, "username", creds.Username), "using dev admin password")
	return creds, nil
}
