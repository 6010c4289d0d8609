package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/grantflow-labs/payout-engine/pkg/approval"
	"github.com/grantflow-labs/payout-engine/pkg/chain"
	"github.com/grantflow-labs/payout-engine/pkg/chain/discovery"
	"github.com/grantflow-labs/payout-engine/pkg/chain/mockchain"
	"github.com/grantflow-labs/payout-engine/pkg/config"
	"github.com/grantflow-labs/payout-engine/pkg/executor"
	"github.com/grantflow-labs/payout-engine/pkg/logger"
	"github.com/grantflow-labs/payout-engine/pkg/persistence"
	"github.com/grantflow-labs/payout-engine/pkg/persistence/badger"
	"github.com/grantflow-labs/payout-engine/pkg/persistence/memory"
	"github.com/grantflow-labs/payout-engine/pkg/persistence/postgres"
	"github.com/grantflow-labs/payout-engine/pkg/persistence/redis"
	"github.com/grantflow-labs/payout-engine/pkg/server"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "payout-server",
		Usage: "GrantFlow multisig payout authorization server",
		Description: `Manages milestone payout approvals for grant committees.

This server implements:
- Deterministic multisig address derivation and validation (SS58)
- Bounty and pure-proxy structure discovery on the funding chain
- Threshold approval collection with exactly-once payout execution
- Pluggable persistence (memory, badger, redis, postgres)`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   8090,
				Usage:   "HTTP server port",
				EnvVars: []string{config.EnvPayoutPort},
			},
			&cli.StringFlag{
				Name:    "network",
				Aliases: []string{"n"},
				Value:   string(config.Network_Substrate),
				Usage:   "SS58 network: " + config.GetSupportedNetworksString(),
				EnvVars: []string{config.EnvPayoutNetwork},
			},
			&cli.StringFlag{
				Name:    "persistence",
				Value:   string(config.PersistenceType_Memory),
				Usage:   "Approval store backend: memory, badger, redis, postgres",
				EnvVars: []string{config.EnvPayoutPersistenceType},
			},
			&cli.StringFlag{
				Name:    "badger-dir",
				Usage:   "Data directory for the badger backend",
				EnvVars: []string{config.EnvPayoutBadgerDir},
			},
			&cli.StringFlag{
				Name:    "redis-address",
				Usage:   "Redis address (host:port) for the redis backend",
				EnvVars: []string{config.EnvPayoutRedisAddress},
			},
			&cli.IntFlag{
				Name:    "redis-db",
				Value:   0,
				Usage:   "Redis database number (0-15)",
				EnvVars: []string{config.EnvPayoutRedisDB},
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Postgres DSN for the postgres backend",
				EnvVars: []string{config.EnvPayoutDatabaseURL},
			},
			&cli.StringFlag{
				Name:    "chain-mode",
				Value:   string(config.ChainMode_Mock),
				Usage:   "Chain access: mock (canned fixtures) or rpc",
				EnvVars: []string{config.EnvPayoutChainMode},
			},
			&cli.StringFlag{
				Name:    "chain-rpc-url",
				Usage:   "Node RPC endpoint for rpc chain mode",
				EnvVars: []string{config.EnvPayoutChainRPCURL},
			},
			&cli.DurationFlag{
				Name:    "submit-timeout",
				Value:   executor.DefaultSubmitTimeout,
				Usage:   "Timeout for a single chain submission",
				EnvVars: []string{config.EnvPayoutSubmitTimeout},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Usage:   "Enable verbose logging",
				EnvVars: []string{config.EnvPayoutVerbose},
			},
		},
		Action: runPayoutServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func runPayoutServer(c *cli.Context) error {
	cfg := &config.ServerConfig{
		Port:            c.Int("port"),
		Network:         config.Network(c.String("network")),
		PersistenceType: config.PersistenceType(c.String("persistence")),
		BadgerDir:       c.String("badger-dir"),
		RedisAddress:    c.String("redis-address"),
		RedisDB:         c.Int("redis-db"),
		DatabaseURL:     c.String("database-url"),
		ChainMode:       config.ChainMode(c.String("chain-mode")),
		ChainRPCURL:     c.String("chain-rpc-url"),
		SubmitTimeout:   c.Duration("submit-timeout"),
		Verbose:         c.Bool("verbose"),
		Debug:           c.Bool("verbose"),
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = l.Sync() }()

	store, err := buildStore(cfg, l)
	if err != nil {
		return fmt.Errorf("failed to initialize persistence: %w", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.HealthCheck(); err != nil {
		return fmt.Errorf("persistence health check failed: %w", err)
	}

	chainClient, err := buildChainClient(cfg, l)
	if err != nil {
		return err
	}

	exec, err := executor.NewChainExecutor(chainClient, &executor.ExecutorConfig{
		SubmitTimeout: cfg.SubmitTimeout,
	}, l)
	if err != nil {
		return fmt.Errorf("failed to build executor: %w", err)
	}

	engine, err := approval.NewEngine(store, exec, cfg.NetworkPrefix, l)
	if err != nil {
		return fmt.Errorf("failed to build approval engine: %w", err)
	}

	discoverer := discovery.NewDiscoverer(chainClient, discovery.DefaultTTL, l)

	srv := server.NewServer(engine, discoverer, store, chainClient, cfg.NetworkPrefix, cfg.Port, l)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	l.Sugar().Infow("payout server running",
		"port", cfg.Port,
		"network", cfg.Network,
		"networkPrefix", cfg.NetworkPrefix,
		"persistence", cfg.PersistenceType,
		"chainMode", cfg.ChainMode,
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop

	l.Sugar().Infow("shutting down", "signal", sig.String())
	if err := srv.Stop(10 * time.Second); err != nil {
		l.Sugar().Warnw("HTTP shutdown did not complete cleanly", "error", err)
	}
	return nil
}

func buildStore(cfg *config.ServerConfig, l *zap.Logger) (persistence.IApprovalStore, error) {
	switch cfg.PersistenceType {
	case config.PersistenceType_Memory:
		return memory.NewMemoryStore(), nil
	case config.PersistenceType_Badger:
		return badger.NewBadgerStore(cfg.BadgerDir, l)
	case config.PersistenceType_Redis:
		return redis.NewRedisStore(&redis.RedisConfig{
			Address: cfg.RedisAddress,
			DB:      cfg.RedisDB,
		}, l)
	case config.PersistenceType_Postgres:
		l.Sugar().Infow("connecting to postgres", "dsn", config.MaskDSN(cfg.DatabaseURL))
		return postgres.NewPostgresStore(cfg.DatabaseURL, l)
	default:
		return nil, fmt.Errorf("unsupported persistence type: %s", cfg.PersistenceType)
	}
}

func buildChainClient(cfg *config.ServerConfig, l *zap.Logger) (chain.IChainClient, error) {
	switch cfg.ChainMode {
	case config.ChainMode_Mock:
		l.Sugar().Warnw("running with the mock chain client; no real chain is attached")
		return mockchain.NewMockChainClient(), nil
	case config.ChainMode_RPC:
		// A production deployment links an RPC-backed IChainClient here.
		// TODO: wire the substrate RPC client once the node team
		// publishes the payout pallet metadata.
		return nil, fmt.Errorf("rpc chain mode is not available in this build; run with %s=mock", config.EnvPayoutChainMode)
	default:
		return nil, fmt.Errorf("unsupported chain mode: %s", cfg.ChainMode)
	}
}
