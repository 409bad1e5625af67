package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Latchkey-Labs/latchkey-go/pkg/approval"
	"github.com/Latchkey-Labs/latchkey-go/pkg/config"
	"github.com/Latchkey-Labs/latchkey-go/pkg/enforcer"
	"github.com/Latchkey-Labs/latchkey-go/pkg/logger"
	"github.com/Latchkey-Labs/latchkey-go/pkg/persistence"
	"github.com/Latchkey-Labs/latchkey-go/pkg/persistence/badger"
	"github.com/Latchkey-Labs/latchkey-go/pkg/persistence/memory"
	"github.com/Latchkey-Labs/latchkey-go/pkg/persistence/redis"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "approvald",
		Usage: "Latchkey trusted approval surface",
		Description: `The daemon applications connect to for wallet approvals.

It terminates secure channels from applications, prompts for handshake and
transaction approvals, issues policy-bounded signing sessions, and hosts
the relay endpoint that enforces those policies on session-signed requests.`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   9700,
				Usage:   "HTTP/websocket listen port",
				EnvVars: []string{config.EnvLatchkeyPort},
			},
			&cli.StringSliceFlag{
				Name:    "allowed-origin",
				Usage:   "Origin allowed to open a channel (repeatable; empty allows all)",
				EnvVars: []string{config.EnvLatchkeyAllowedOrigins},
			},
			&cli.StringFlag{
				Name:    "owner-private-key",
				Usage:   "Wallet owner private key (hex); enables interactive transaction signing",
				EnvVars: []string{config.EnvLatchkeyOwnerKey},
			},
			&cli.StringFlag{
				Name:    "wallet-address",
				Usage:   "Smart-contract wallet address (derived from the owner key when unset)",
				EnvVars: []string{config.EnvLatchkeyWalletAddress},
			},
			&cli.StringFlag{
				Name:    "owner-credential",
				Usage:   "Owner hardware credential public key (hex COSE_Key); credential-signed relay requests carry root authority",
				EnvVars: []string{config.EnvLatchkeyOwnerCredential},
			},
			&cli.BoolFlag{
				Name:  "auto-approve",
				Usage: "Approve every request without prompting (development only)",
			},
			&cli.DurationFlag{
				Name:    "session-ttl",
				Value:   time.Hour,
				Usage:   "Default session lifetime",
				EnvVars: []string{config.EnvLatchkeySessionTTL},
			},
			&cli.DurationFlag{
				Name:    "session-ttl-max",
				Value:   24 * time.Hour,
				Usage:   "Upper bound on requested session lifetimes",
				EnvVars: []string{config.EnvLatchkeySessionTTLMax},
			},
			&cli.StringFlag{
				Name:     "chains",
				Usage:    fmt.Sprintf("Comma-separated id=rpcUrl entries, e.g. %s", config.GetSupportedChainIDsString()),
				EnvVars:  []string{config.EnvLatchkeyChains},
				Required: true,
			},
			&cli.StringFlag{
				Name:    "persistence-type",
				Value:   config.PersistenceTypeMemory,
				Usage:   "Account store backend: memory, badger or redis",
				EnvVars: []string{config.EnvLatchkeyPersistence},
			},
			&cli.StringFlag{
				Name:    "persistence-path",
				Usage:   "Data directory for the badger backend",
				EnvVars: []string{config.EnvLatchkeyPersistencePath},
			},
			&cli.StringFlag{
				Name:    "redis-address",
				Usage:   "Redis address for the redis backend",
				EnvVars: []string{config.EnvLatchkeyRedisAddress},
			},
			&cli.StringFlag{
				Name:    "redis-password",
				Usage:   "Redis password",
				EnvVars: []string{config.EnvLatchkeyRedisPassword},
			},
			&cli.StringFlag{
				Name:  "relayer-private-key",
				Usage: "Funded relayer key (hex) for on-chain submission; without it accepted requests are acknowledged only",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Usage:   "Enable verbose logging",
				EnvVars: []string{config.EnvLatchkeyVerbose},
			},
		},
		Action: runSurface,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func runSurface(c *cli.Context) error {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: c.Bool("verbose")})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = l.Sync() }()

	chains, err := config.ParseChains(c.String("chains"))
	if err != nil {
		return fmt.Errorf("invalid chains: %w", err)
	}
	cfg := &config.SurfaceConfig{
		ListenPort:        c.Int("port"),
		AllowedOrigins:    c.StringSlice("allowed-origin"),
		OwnerPrivateKey:   c.String("owner-private-key"),
		WalletAddress:     c.String("wallet-address"),
		OwnerCredential:   c.String("owner-credential"),
		AutoApprove:       c.Bool("auto-approve"),
		SessionTTLDefault: c.Duration("session-ttl"),
		SessionTTLMax:     c.Duration("session-ttl-max"),
		Chains:            chains,
		PersistenceType:   c.String("persistence-type"),
		PersistencePath:   c.String("persistence-path"),
		RedisAddress:      c.String("redis-address"),
		RedisPassword:     c.String("redis-password"),
		Debug:             c.Bool("verbose"),
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := buildStore(cfg, l)
	if err != nil {
		return fmt.Errorf("failed to open account store: %w", err)
	}
	defer func() { _ = store.Close() }()

	var approver approval.Approver
	if !cfg.AutoApprove {
		approver = approval.NewTerminalApprover(os.Stdin, os.Stdout)
	}

	var submitter approval.OnchainSubmitter
	if relayerKey := c.String("relayer-private-key"); relayerKey != "" {
		submitter, err = approval.NewEthSubmitter(relayerKey, l)
		if err != nil {
			return fmt.Errorf("failed to build submitter: %w", err)
		}
	} else {
		l.Sugar().Warnw("No relayer key configured; accepted requests will not be submitted on-chain")
	}

	server, err := approval.NewServer(cfg, approver, enforcer.NewEnforcer(l), store, submitter, l)
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.Start(ctx)
}

func buildStore(cfg *config.SurfaceConfig, l *zap.Logger) (persistence.IAccountPersistence, error) {
	switch cfg.PersistenceType {
	case config.PersistenceTypeBadger:
		return badger.NewBadgerPersistence(cfg.PersistencePath, l)
	case config.PersistenceTypeRedis:
		return redis.NewRedisPersistence(&redis.RedisConfig{
			Address:  cfg.RedisAddress,
			Password: cfg.RedisPassword,
		}, l)
	default:
		return memory.NewMemoryPersistence(), nil
	}
}
