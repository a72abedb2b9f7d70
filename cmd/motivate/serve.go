package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChinmayGopal931/Motivate-app/pkg/api"
	"github.com/ChinmayGopal931/Motivate-app/pkg/auth"
	"github.com/ChinmayGopal931/Motivate-app/pkg/config"
	"github.com/ChinmayGopal931/Motivate-app/pkg/escrow"
	"github.com/ChinmayGopal931/Motivate-app/pkg/events"
	"github.com/ChinmayGopal931/Motivate-app/pkg/ledger"
	"github.com/ChinmayGopal931/Motivate-app/pkg/observability"
	"github.com/ChinmayGopal931/Motivate-app/pkg/snapshot"
	"github.com/ChinmayGopal931/Motivate-app/pkg/transfer"

	_ "github.com/lib/pq" // Postgres Driver
)

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// payoutRail picks the transferer. Without PAYOUT_URL, payouts are credited
// in process.
func payoutRail(cfg *config.Config, logger *slog.Logger) escrow.Transferer {
	if cfg.PayoutURL == "" {
		return transfer.NewMemory()
	}
	return transfer.NewHTTP(cfg.PayoutURL,
		transfer.WithToken(cfg.PayoutToken),
		transfer.WithLogger(logger),
	)
}

// eventSinks builds the event bus from the webhook routes and the Redis
// stream.
func eventSinks(cfg *config.Config, rdb *redis.Client) (*events.Bus, error) {
	bus := events.NewBus()
	for _, wh := range cfg.File.Webhooks {
		key, err := auth.DeriveKey([]byte(cfg.Secret), "webhook/"+wh.Name, 32)
		if err != nil {
			return nil, err
		}
		var sink events.Publisher = events.NewWebhookSink(wh.URL, key)
		if wh.Filter != "" {
			f, err := events.NewFilter(wh.Filter)
			if err != nil {
				return nil, fmt.Errorf("webhook %s: %w", wh.Name, err)
			}
			sink = events.Filtered(f, sink)
		}
		bus.Subscribe(sink)
	}
	if rdb != nil {
		bus.Subscribe(events.NewRedisStreamSink(rdb, cfg.File.Stream.Name, cfg.File.Stream.MaxLen))
	}
	return bus, nil
}

// loadEngine restores the latest snapshot, or starts empty when there is none.
// A restored engine keeps the cleanup mode recorded in its snapshot.
func loadEngine(ctx context.Context, cfg *config.Config, store snapshot.Store, t escrow.Transferer, opts []escrow.Option, logger *slog.Logger) (*escrow.Engine, error) {
	mode, err := escrow.ParseVerifierCleanup(cfg.VerifierCleanup)
	if err != nil {
		return nil, err
	}

	doc, err := store.Latest(ctx)
	if errors.Is(err, snapshot.ErrNoSnapshot) {
		logger.Info("no snapshot found, starting empty", "owner", cfg.Owner, "verifier_cleanup", mode.String())
		return escrow.New(ledger.Address(cfg.Owner), t, append(opts, escrow.WithVerifierCleanup(mode))...), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	if doc.State.Cleanup != mode.String() {
		logger.Warn("snapshot verifier cleanup differs from configuration, keeping snapshot mode",
			"snapshot", doc.State.Cleanup, "configured", mode.String())
	}
	if doc.State.Owner != ledger.Address(cfg.Owner) {
		logger.Warn("snapshot owner differs from configuration, keeping snapshot owner",
			"snapshot", doc.State.Owner, "configured", cfg.Owner)
	}
	e, err := doc.Restore(t, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to restore snapshot: %w", err)
	}
	logger.Info("snapshot restored", "promises", doc.Promises, "head", doc.Head, "taken_at", doc.TakenAt)
	return e, nil
}

//nolint:gocognit,gocyclo
func runServer(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) error {
	fmt.Fprintf(stdout, "%sMotivate escrow starting...%s\n", ColorBold+ColorBlue, ColorReset)

	logger := newLogger(cfg.LogLevel, stderr)
	slog.SetDefault(logger)

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Insecure = true
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	if cfg.SnapshotBackend == string(snapshot.BackendSQLite) {
		fmt.Fprintf(stdout, "DATABASE_URL not set. Falling back to %sLite Mode%s (SQLite snapshots in %s).\n",
			ColorBold+ColorCyan, ColorReset, cfg.DataDir)
		if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
			return fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	store, closer, err := snapshot.Open(ctx, snapshot.Options{
		Backend:     snapshot.Backend(cfg.SnapshotBackend),
		DataDir:     cfg.DataDir,
		DatabaseURL: cfg.DatabaseURL,
		S3: snapshot.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		},
		GCSBucket: cfg.GCSBucket,
		Keep:      cfg.SnapshotKeep,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, stream and shared limits degraded", "error", err)
		}
	}

	bus, err := eventSinks(cfg, rdb)
	if err != nil {
		return err
	}

	payouts := payoutRail(cfg, logger)
	if cfg.PayoutURL == "" {
		fmt.Fprintf(stdout, "%sPAYOUT_URL not set. Payouts are credited in memory only.%s\n", ColorYellow, ColorReset)
	}

	engine, err := loadEngine(ctx, cfg, store, payouts, []escrow.Option{
		escrow.WithLogger(logger),
		escrow.WithPublisher(bus),
	}, logger)
	if err != nil {
		return err
	}
	if _, err := engine.Audit(); err != nil {
		return fmt.Errorf("startup audit failed: %w", err)
	}

	if cfg.Secret == "" {
		fmt.Fprintf(stdout, "%sMOTIVATE_SECRET not set. Tokens are signed with an ephemeral key.%s\n", ColorBold+ColorYellow, ColorReset)
	}
	keys, err := auth.NewKeySet([]byte(cfg.Secret))
	if err != nil {
		return err
	}

	rl := cfg.File.RateLimit
	serverOpts := []api.Option{
		api.WithLogger(logger),
		api.WithObservability(obs),
		api.WithIPRateLimit(api.NewIPRateLimiter(rl.PerIPRPS, rl.PerIPBurst)),
	}
	if rdb != nil {
		serverOpts = append(serverOpts, api.WithCallerLimiter(api.NewRedisCallerLimiter(rdb, rl.PerCallerRPM, rl.Burst)))
	} else {
		serverOpts = append(serverOpts, api.WithCallerLimiter(api.NewLocalCallerLimiter(rl.PerCallerRPM, rl.Burst)))
	}
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open postgres: %w", err)
		}
		defer db.Close()
		idem, err := api.NewPostgresIdempotencyStore(ctx, db, 24*time.Hour)
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, api.WithIdempotencyStore(idem))
	}

	srv, err := api.NewServer(engine, auth.NewValidator(keys), serverOpts...)
	if err != nil {
		return err
	}

	scheduler := snapshot.NewScheduler(engine, store, cfg.SnapshotInterval, logger)
	schedCtx, stopScheduler := context.WithCancel(context.Background())
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		scheduler.Run(schedCtx)
	}()

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr(), "owner", engine.Owner(), "snapshots", cfg.SnapshotBackend)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	fmt.Fprintf(stdout, "ready: http://localhost%s\n", cfg.Addr())

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}

	// The scheduler takes its final snapshot after requests have drained.
	stopScheduler()
	<-schedDone
	return runErr
}
