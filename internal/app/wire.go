package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	s3blob "github.com/alanyoungcy/flasharb/internal/blob/s3"
	"github.com/alanyoungcy/flasharb/internal/cache/memory"
	"github.com/alanyoungcy/flasharb/internal/cache/redis"
	"github.com/alanyoungcy/flasharb/internal/config"
	"github.com/alanyoungcy/flasharb/internal/crypto"
	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/metrics"
	"github.com/alanyoungcy/flasharb/internal/notify"
	"github.com/alanyoungcy/flasharb/internal/service"
	"github.com/alanyoungcy/flasharb/internal/sim"
	"github.com/alanyoungcy/flasharb/internal/store/postgres"
)

// Dependencies bundles everything the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Identity *crypto.Identity
	World    *sim.World

	// Stores
	RunStore   domain.RunStore
	AuditStore domain.AuditStore
	ParamStore domain.ParamStore

	// Caches
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	Archiver *s3blob.Archiver

	Notifier *notify.Notifier
	Metrics  *metrics.Collector

	// Services
	Runs   *service.RunService
	Quotes *service.QuoteService
	Risk   *service.RiskService

	// HealthChecks are reported by GET /api/health, keyed by backend name.
	HealthChecks map[string]func(context.Context) error
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources. Postgres, Redis and S3 are
// only dialled when enabled; without Redis the signal bus is in-process.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(step string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", step, err)
	}

	deps := &Dependencies{
		Metrics:      metrics.New(),
		HealthChecks: make(map[string]func(context.Context) error),
	}

	// --- Operator identity ---
	key, err := crypto.LoadKey(crypto.KeySource{
		PrivateKey:       cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return fail("wallet", err)
	}
	deps.Identity, err = crypto.NewIdentity(key)
	if err != nil {
		return fail("wallet", err)
	}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}

		pool := pgClient.Pool()
		deps.RunStore = postgres.NewRunStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.ParamStore = postgres.NewParamStore(pool)
		deps.HealthChecks["postgres"] = pool.Ping
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.HealthChecks["redis"] = redisClient.Ping
	} else {
		deps.SignalBus = memory.NewSignalBus()
	}

	// --- S3 receipt archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.Identity,
			deps.Identity.Address().Hex(),
			cfg.S3.Prefix,
		)
		deps.HealthChecks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Simulated market and engine ---
	deps.World, err = sim.Build(cfg, sim.Options{
		EngineAddress: deps.Identity.DeployAddress(0),
		Controller:    deps.Identity.Address(),
	}, logger)
	if err != nil {
		return fail("world", err)
	}

	// --- Services ---
	runDeps := service.Deps{
		Locks:    deps.LockManager,
		Runs:     deps.RunStore,
		Audit:    deps.AuditStore,
		Params:   deps.ParamStore,
		Bus:      deps.SignalBus,
		Notifier: deps.Notifier,
		Metrics:  deps.Metrics,
	}
	if deps.Archiver != nil {
		runDeps.Archive = deps.Archiver
	}
	deps.Runs = service.NewRunService(deps.World.Engine, runDeps, service.Config{
		LockTTL: cfg.Engine.LockTTL.Duration,
		Tokens:  deps.World.Tokens,
	}, logger)
	if err := deps.Runs.RestoreParams(ctx); err != nil {
		return fail("restore params", err)
	}

	deps.Quotes = service.NewQuoteService(deps.World.VenueA, deps.World.VenueB, deps.World.Pool.PremiumBps())

	maxBorrow, err := maxBorrowLimits(cfg)
	if err != nil {
		return fail("executor limits", err)
	}
	deps.Risk = service.NewRiskService(service.RiskConfig{MaxBorrow: maxBorrow}, deps.World.Pool, deps.Quotes, logger)

	params := deps.World.Engine.Params()
	logger.InfoContext(ctx, "wire: engine ready",
		slog.String("engine", params.Engine.Hex()),
		slog.String("controller", params.Controller.Hex()),
		slog.String("operator", deps.Identity.Address().Hex()),
		slog.Uint64("tolerance_bps", uint64(params.ToleranceBps)),
		slog.Bool("postgres", cfg.Postgres.Enabled),
		slog.Bool("redis", cfg.Redis.Enabled),
		slog.Bool("s3", cfg.S3.Enabled),
	)

	return deps, cleanup, nil
}

// maxBorrowLimits converts executor.max_borrow into base units keyed by
// token address.
func maxBorrowLimits(cfg *config.Config) (map[common.Address]*uint256.Int, error) {
	limits := make(map[common.Address]*uint256.Int, len(cfg.Executor.MaxBorrow))
	for sym, amount := range cfg.Executor.MaxBorrow {
		tok, ok := cfg.Token(sym)
		if !ok {
			return nil, fmt.Errorf("unknown token %q", sym)
		}
		v, err := cfg.Amount(sym, amount)
		if err != nil {
			return nil, err
		}
		limits[common.HexToAddress(tok.Address)] = v
	}
	return limits, nil
}
