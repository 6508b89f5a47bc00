package main

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"wbhsms/scheduling-service/internal/booking"
	"wbhsms/scheduling-service/internal/config"
	"wbhsms/scheduling-service/internal/db"
	"wbhsms/scheduling-service/internal/display"
	"wbhsms/scheduling-service/internal/events"
	"wbhsms/scheduling-service/internal/facility"
	"wbhsms/scheduling-service/internal/httpapi"
	"wbhsms/scheduling-service/internal/lock"
	"wbhsms/scheduling-service/internal/logging"
	"wbhsms/scheduling-service/internal/redisclient"
	"wbhsms/scheduling-service/internal/referral"
	"wbhsms/scheduling-service/internal/store"
	"wbhsms/scheduling-service/internal/store/memory"
	"wbhsms/scheduling-service/internal/store/postgres"
	"wbhsms/scheduling-service/internal/telemetry"
	"wbhsms/scheduling-service/internal/updater"
	"wbhsms/scheduling-service/migrations"
)

const (
	serviceName    = "scheduling-service"
	requestTimeout = 15 * time.Second
)

func main() {
	rootCmd := &cobra.Command{
		Use:          serviceName,
		Short:        "Appointment booking and facility queue scheduling",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, status sweep and event relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the automatic status updater once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.SweepLockTTL())
			defer cancel()

			app, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.close()

			summary, err := newUpdater(cfg, app, logger).RunAllUpdates(ctx)
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := openMigrationPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := openMigrationPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := logging.New(serviceName, cfg.Env, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return nil, logger, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, logger, nil
}

func openMigrationPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.StoreDriver != config.DriverPostgres {
		return nil, errors.New("migrations need STORE_DRIVER=postgres")
	}
	return db.NewPool(ctx, poolConfig(cfg))
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:              cfg.DatabaseURL,
		MaxConns:         cfg.DBMaxConns,
		MinConns:         cfg.DBMinConns,
		StatementTimeout: cfg.StatementTimeout(),
		LockTimeout:      cfg.LockTimeout(),
	}
}

// app holds the backing services picked by configuration.
type app struct {
	store     store.Store
	pool      *pgxpool.Pool
	redis     *redis.Client
	locker    lock.Locker
	publisher events.Publisher
	relayName string
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{}

	switch cfg.StoreDriver {
	case config.DriverMemory:
		mem := memory.New()
		if cfg.MemorySeedFile != "" {
			if err := mem.LoadSeedFile(cfg.MemorySeedFile); err != nil {
				return nil, err
			}
		}
		a.store = mem
		a.locker = lock.NewLocal()
		logger.Warn().Msg("using in-memory store; data is lost on exit")
	default:
		pool, err := db.NewPool(ctx, poolConfig(cfg))
		if err != nil {
			return nil, err
		}
		if err := db.NewMigrator(pool, migrations.FS).RequireCurrent(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		a.pool = pool
		a.store = postgres.NewStore(pool)
		a.locker = lock.NewPostgresLocker(pool)
		logger.Info().Msg("connected to database")
	}

	a.publisher = events.LogPublisher{Logger: logger}
	a.relayName = "log"
	if cfg.RedisURL != "" {
		client, err := redisclient.New(ctx, cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.redis = client
		a.locker = lock.NewRedisLocker(client)
		a.publisher = events.NewRedisPublisher(client, cfg.EventsChannel)
		a.relayName = "redis"
		logger.Info().Msg("connected to redis")
	}
	return a, nil
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func newUpdater(cfg *config.Config, a *app, logger zerolog.Logger) *updater.Updater {
	return updater.New(a.store, updater.Options{
		Location:    cfg.Location(),
		NoShowGrace: cfg.NoShowGrace(),
		BatchSize:   cfg.SweepBatchSize,
		Locker:      a.locker,
		LockTTL:     cfg.SweepLockTTL(),
		Logger:      logger,
	})
}

func runServer() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	shutdownTracing := telemetry.Setup(telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	}, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn().Err(err).Msg("otel shutdown error")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	directory := facility.NewDirectory(a.store, facility.Options{DefaultCapacity: cfg.DefaultSlotCapacity})
	engine := booking.NewEngine(a.store, directory, booking.Options{Logger: logger})
	ledger := referral.NewLedger(a.store, referral.Options{Validity: cfg.ReferralValidity()})
	sweeper := newUpdater(cfg, a, logger)
	relay := events.NewRelay(a.store, a.publisher, events.Config{Name: a.relayName}, logger)
	screens := display.New(logger)
	screenRelay := events.NewRelay(a.store, screens, events.Config{Name: "display", Ephemeral: true}, logger)

	handler := httpapi.NewHandler(httpapi.Dependencies{
		Scheduler:  engine,
		Referrals:  ledger,
		Facilities: directory,
		Queues:     a.store,
		Sweeper:    sweeper,
		Events:     a.store,
	}, httpapi.Options{Location: cfg.Location()})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:    cfg.RateLimitPerMinute,
		IPBurst:        cfg.RateLimitBurst,
		ActorPerMinute: cfg.ActorRateLimitPerMinute,
		ActorBurst:     cfg.ActorRateLimitBurst,
	})

	api := httpapi.TimeoutMiddleware(requestTimeout, httpapi.ActorMiddleware(handler.Routes()))
	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/realtime/", display.NewHandler(screens, "/realtime"))
	mux.Handle("/", api)

	var h http.Handler = limiter.Middleware(mux)
	h = httpapi.LoggingMiddleware(logger, h)
	h = otelhttp.NewHandler(h, serviceName)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      h,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: requestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go sweeper.Run(ctx, cfg.SweepInterval(), cfg.SweepLockTTL())
	go relay.Run(ctx, cfg.RelayInterval())
	go screenRelay.Run(ctx, time.Second)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Str("store", cfg.StoreDriver).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
