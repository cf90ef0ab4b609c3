package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/emperorhan/invoice-reconciler/internal/admin"
	"github.com/emperorhan/invoice-reconciler/internal/alert"
	"github.com/emperorhan/invoice-reconciler/internal/circuitbreaker"
	"github.com/emperorhan/invoice-reconciler/internal/config"
	"github.com/emperorhan/invoice-reconciler/internal/domain/model"
	"github.com/emperorhan/invoice-reconciler/internal/explorer"
	"github.com/emperorhan/invoice-reconciler/internal/explorer/esplora"
	"github.com/emperorhan/invoice-reconciler/internal/explorer/etherscan"
	"github.com/emperorhan/invoice-reconciler/internal/explorer/solana"
	"github.com/emperorhan/invoice-reconciler/internal/ledgersync"
	"github.com/emperorhan/invoice-reconciler/internal/lock"
	"github.com/emperorhan/invoice-reconciler/internal/notify"
	"github.com/emperorhan/invoice-reconciler/internal/poller"
	"github.com/emperorhan/invoice-reconciler/internal/reconcile"
	"github.com/emperorhan/invoice-reconciler/internal/registry"
	"github.com/emperorhan/invoice-reconciler/internal/retry"
	"github.com/emperorhan/invoice-reconciler/internal/store"
	"github.com/emperorhan/invoice-reconciler/internal/store/memory"
	"github.com/emperorhan/invoice-reconciler/internal/store/postgres"
	redispkg "github.com/emperorhan/invoice-reconciler/internal/store/redis"
	"github.com/emperorhan/invoice-reconciler/internal/tracing"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const serviceName = "invoice-reconciler"

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// storage bundles the store with the registry source that matches it.
type storage struct {
	store  store.Store
	source registry.Source
	db     *postgres.DB
}

func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage, error) {
	if cfg.Store.Backend == config.StoreBackendMemory {
		logger.Warn("using in-memory store; state is lost on restart")
		return &storage{store: memory.New(), source: registry.FileSource{Path: cfg.Registry.File}}, nil
	}

	db, err := postgres.New(postgres.Config{
		URL:                cfg.DB.URL,
		MaxOpenConns:       cfg.DB.MaxOpenConns,
		MaxIdleConns:       cfg.DB.MaxIdleConns,
		ConnMaxLifetime:    cfg.DB.ConnMaxLifetime,
		StatementTimeoutMS: cfg.DB.StatementTimeoutMS,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &storage{store: postgres.NewStore(db), db: db}
	if cfg.Registry.File != "" {
		s.source = registry.FileSource{Path: cfg.Registry.File}
	} else {
		s.source = postgres.NewChainRepo(db)
	}
	return s, nil
}

func buildLocker(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (lock.Locker, func(), error) {
	if cfg.URL == "" {
		logger.Info("using in-process invoice lock")
		return lock.NewKeyedLocker(), func() {}, nil
	}
	client, err := redispkg.NewClient(ctx, cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using redis invoice lock", "prefix", cfg.LockPrefix, "ttl", cfg.LockTTL)
	return redispkg.NewLocker(client, cfg.LockPrefix, cfg.LockTTL, logger), func() { client.Close() }, nil
}

func buildAlerter(cfg config.AlertConfig, logger *slog.Logger) alert.Alerter {
	sinks := []alert.Channel{alert.NewLogAlerter(logger)}
	if cfg.SlackWebhookURL != "" {
		sinks = append(sinks, alert.NewSlackAlerter(cfg.SlackWebhookURL))
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, alert.NewWebhookAlerter(cfg.WebhookURL))
	}
	return alert.NewMultiAlerter(cfg.Cooldown, logger, sinks...)
}

func buildNotifier(cfg config.NotifyConfig, logger *slog.Logger) (notify.Notifier, func(), error) {
	var sinks []notify.Notifier
	closeFn := func() {}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookToken, 10*time.Second))
	}
	if cfg.NATSURL != "" {
		conn, err := notify.ConnectNATS(notify.NATSConfig{URL: cfg.NATSURL, Name: cfg.NATSName}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		sinks = append(sinks, notify.NewNATSNotifier(conn, cfg.SubjectPrefix))
		closeFn = func() {
			if err := conn.Drain(); err != nil {
				logger.Warn("nats drain failed", "error", err)
			}
		}
	}
	if len(sinks) == 0 {
		logger.Warn("no notification channel configured; events are dropped")
		return notify.Discard{}, closeFn, nil
	}
	return notify.NewMultiNotifier(logger, sinks...), closeFn, nil
}

func buildExplorer(cfg config.ExplorerConfig, logger *slog.Logger) explorer.Client {
	transport := explorer.NewTransport(&http.Client{Timeout: cfg.HTTPTimeout}, logger.With("component", "explorer"))
	return explorer.NewRouter(map[model.ChainFamily]explorer.Client{
		model.FamilyUTXO:    esplora.NewClient(transport, logger),
		model.FamilyAccount: etherscan.NewClient(transport, logger),
		model.FamilySolana:  solana.NewClient(transport, logger),
	})
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("reconciler exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("reconciler shut down gracefully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting "+serviceName,
		"store", cfg.Store.Backend,
		"registry_file", cfg.Registry.File,
		"poll_interval", cfg.Poller.Interval,
		"poll_workers", cfg.Poller.Workers,
		"ledger_url", cfg.Ledger.URL,
	)

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	st, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if st.db != nil {
		defer st.db.Close()
	}

	reg, err := registry.New(ctx, st.source, logger, registry.WithReferenceGuard(st.store))
	if err != nil {
		return fmt.Errorf("load chain registry: %w", err)
	}

	locker, closeLocker, err := buildLocker(ctx, cfg.Redis, logger)
	if err != nil {
		return fmt.Errorf("init lock: %w", err)
	}
	defer closeLocker()

	notifier, closeNotifier, err := buildNotifier(cfg.Notify, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	alerter := buildAlerter(cfg.Alert, logger)

	ledgerBreaker := circuitbreaker.New(circuitbreaker.Config{
		Name:             "ledger",
		FailureThreshold: cfg.Poller.BreakerFailures,
		OpenTimeout:      cfg.Poller.BreakerOpenTimeout,
	})
	worker := ledgersync.NewWorker(ledgersync.Config{
		MaxRetries:   cfg.Ledger.MaxRetries,
		Interval:     cfg.Ledger.Interval,
		CallTimeout:  cfg.Ledger.CallTimeout,
		RetryBackoff: retry.Backoff{Initial: cfg.Ledger.RetryInitial, Max: cfg.Ledger.RetryMax},
	},
		st.store,
		ledgersync.NewHTTPLedgerClient(cfg.Ledger.URL, cfg.Ledger.Token, cfg.Ledger.CallTimeout),
		ledgersync.StaticMapper{Entities: cfg.Ledger.EntityMap, DefaultEntity: cfg.Ledger.DefaultEntity, Category: cfg.Ledger.Category},
		alerter,
		locker,
		logger,
		ledgersync.WithBreaker(ledgerBreaker),
	)

	engine := reconcile.NewEngine(st.store, reg, notifier, alerter, logger, reconcile.WithSyncTrigger(worker))

	p := poller.New(poller.Config{
		Interval:                cfg.Poller.Interval,
		Workers:                 cfg.Poller.Workers,
		BatchLimit:              cfg.Poller.BatchLimit,
		CallTimeout:             cfg.Poller.CallTimeout,
		MaxAttempts:             cfg.Poller.MaxAttempts,
		Backoff:                 retry.Backoff{Initial: cfg.Poller.BackoffInitial, Max: cfg.Poller.BackoffMax},
		DefaultChainConcurrency: cfg.Poller.ChainConcurrency,
		BreakerFailures:         cfg.Poller.BreakerFailures,
		BreakerOpenTimeout:      cfg.Poller.BreakerOpenTimeout,
	}, st.store, reg, buildExplorer(cfg.Explorer, logger), engine, locker, alerter, logger)

	adminSrv := admin.NewServer(st.store, engine, logger,
		admin.WithToken(cfg.Server.AdminToken),
		admin.WithRegistry(reg),
		admin.WithSyncService(worker),
		admin.WithBreakerStates(p),
	)
	limiter := admin.NewRateLimiter(logger)
	defer limiter.Stop()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runHTTPServer(gCtx, cfg.Server.AdminAddr, newRootHandler(adminSrv, limiter, logger), logger)
	})
	g.Go(func() error { return p.Run(gCtx) })
	g.Go(func() error { return worker.Run(gCtx) })
	if st.db != nil {
		g.Go(func() error {
			st.db.ReportPoolStats(gCtx, cfg.DB.PoolStatsInterval)
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newRootHandler(adminSrv *admin.Server, limiter *admin.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", limiter.Wrap(admin.AuditMiddleware(logger, adminSrv.Handler())))
	return mux
}

func runHTTPServer(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("http server shutdown error", "error", err)
		}
	}()

	logger.Info("http server started", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
