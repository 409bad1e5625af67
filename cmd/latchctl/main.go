package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	internalaws "github.com/Latchkey-Labs/latchkey-go/internal/aws"
	"github.com/Latchkey-Labs/latchkey-go/pkg/channel"
	"github.com/Latchkey-Labs/latchkey-go/pkg/config"
	"github.com/Latchkey-Labs/latchkey-go/pkg/logger"
	"github.com/Latchkey-Labs/latchkey-go/pkg/persistence/badger"
	"github.com/Latchkey-Labs/latchkey-go/pkg/policy"
	"github.com/Latchkey-Labs/latchkey-go/pkg/sessionSigner"
	"github.com/Latchkey-Labs/latchkey-go/pkg/signer"
	"github.com/Latchkey-Labs/latchkey-go/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "latchctl",
		Usage: "Latchkey session signing client",
		Description: `A command-line client for policy-scoped session signing.

latchctl connects to a running approvald surface, negotiates a signing
session bounded by an explicit policy, and sends transactions under that
session without further prompts.`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "surface-url",
				Value:   "ws://localhost:9700/channel",
				Usage:   "Approval surface channel endpoint",
				EnvVars: []string{config.EnvLatchkeySurfaceURL},
			},
			&cli.StringFlag{
				Name:    "surface-origin",
				Value:   "http://localhost:9700",
				Usage:   "Origin inbound surface messages must carry",
				EnvVars: []string{config.EnvLatchkeySurfaceOrigin},
			},
			&cli.StringFlag{
				Name:    "app-name",
				Value:   "latchctl",
				Usage:   "Application name shown on the approval surface",
				EnvVars: []string{config.EnvLatchkeyAppName},
			},
			&cli.StringFlag{
				Name:    "app-origin",
				Usage:   "Application origin sent when dialing",
				EnvVars: []string{config.EnvLatchkeyAppOrigin},
			},
			&cli.StringFlag{
				Name:     "chains",
				Usage:    fmt.Sprintf("Comma-separated id=rpcUrl entries, e.g. %s", config.GetSupportedChainIDsString()),
				EnvVars:  []string{config.EnvLatchkeyChains},
				Required: true,
			},
			&cli.DurationFlag{
				Name:    "request-timeout",
				Value:   2 * time.Minute,
				Usage:   "Bound on one surface round trip (0 waits forever)",
				EnvVars: []string{config.EnvLatchkeyRequestTimeout},
			},
			&cli.StringFlag{
				Name:    "data-dir",
				Value:   ".latchkey",
				Usage:   "Directory for the account store and session key",
				EnvVars: []string{config.EnvLatchkeyPersistencePath},
			},
			&cli.StringFlag{
				Name:  "kms-key-id",
				Usage: "AWS KMS key id to hold the session key (instead of a local key file)",
			},
			&cli.StringFlag{
				Name:  "aws-region",
				Usage: "AWS region override for the KMS session key",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Usage:   "Enable verbose logging",
				EnvVars: []string{config.EnvLatchkeyVerbose},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "connect",
				Usage: "Handshake with the surface and establish a signing session",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "fee-limit",
						Value: "10000000000000000",
						Usage: "Cumulative gas fee limit in wei",
					},
					&cli.StringSliceFlag{
						Name:  "allow",
						Usage: "Transfer allowance as recipient=capWei[=periodSeconds] (repeatable)",
					},
					&cli.Uint64Flag{
						Name:  "ttl",
						Usage: "Requested session lifetime in seconds (0 uses the surface default)",
					},
				},
				Action: connectCommand,
			},
			{
				Name:   "accounts",
				Usage:  "Print the connected account addresses",
				Action: accountsCommand,
			},
			{
				Name:   "chain-id",
				Usage:  "Print the active chain id",
				Action: chainIDCommand,
			},
			{
				Name:      "switch-chain",
				Usage:     "Switch the active chain",
				ArgsUsage: "<chain-id>",
				Action:    switchChainCommand,
			},
			{
				Name:  "send",
				Usage: "Send a transaction (session-signed when the session covers it)",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "to",
						Usage:    "Recipient address",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "value",
						Value: "0",
						Usage: "Value in wei",
					},
					&cli.StringFlag{
						Name:  "data",
						Usage: "Calldata (hex)",
					},
					&cli.Uint64Flag{
						Name:  "gas",
						Value: 100000,
						Usage: "Gas limit",
					},
					&cli.StringFlag{
						Name:  "gas-price",
						Usage: "Gas price in wei",
					},
				},
				Action: sendCommand,
			},
			{
				Name:   "capabilities",
				Usage:  "Print the provider capabilities",
				Action: capabilitiesCommand,
			},
			{
				Name:   "disconnect",
				Usage:  "Clear the local account",
				Action: disconnectCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func buildSigner(c *cli.Context) (*signer.Signer, error) {
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: c.Bool("verbose")})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	chains, err := config.ParseChains(c.String("chains"))
	if err != nil {
		return nil, fmt.Errorf("invalid chains: %w", err)
	}
	cfg := &config.ClientConfig{
		AppName:        c.String("app-name"),
		AppOrigin:      c.String("app-origin"),
		SurfaceURL:     c.String("surface-url"),
		SurfaceOrigin:  c.String("surface-origin"),
		Chains:         chains,
		RequestTimeout: c.Duration("request-timeout"),
	}

	dataDir := c.String("data-dir")
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	store, err := badger.NewBadgerPersistence(filepath.Join(dataDir, "account"), l)
	if err != nil {
		return nil, fmt.Errorf("failed to open account store: %w", err)
	}

	var key sessionSigner.ISessionSigner
	if kmsKeyID := c.String("kms-key-id"); kmsKeyID != "" {
		awsCfg, err := internalaws.LoadAWSConfig(c.Context, c.String("aws-region"))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		key, err = sessionSigner.NewAWSKMSSigner(c.Context, awsCfg, kmsKeyID, l)
		if err != nil {
			return nil, fmt.Errorf("failed to build KMS session signer: %w", err)
		}
	} else {
		key, err = loadOrCreateSessionKey(filepath.Join(dataDir, "session.key"), l)
		if err != nil {
			return nil, fmt.Errorf("failed to load session key: %w", err)
		}
	}

	opener := &channel.WebsocketOpener{
		URL:           cfg.SurfaceURL,
		AppOrigin:     cfg.AppOrigin,
		SurfaceOrigin: cfg.SurfaceOrigin,
		Logger:        l,
	}
	ch := channel.NewChannel(opener, cfg.SurfaceOrigin, l)
	return signer.NewSigner(cfg, ch, store, key, signer.NewRPCBroadcaster(l), l)
}

// loadOrCreateSessionKey keeps the delegated key in a file so the session
// survives across invocations.
func loadOrCreateSessionKey(path string, l *zap.Logger) (*sessionSigner.LocalSigner, error) {
	if raw, err := os.ReadFile(path); err == nil {
		return sessionSigner.NewLocalSignerFromHex(strings.TrimSpace(string(raw)), l)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	keyHex := common.Bytes2Hex(crypto.FromECDSA(key))
	if err := os.WriteFile(path, []byte(keyHex), 0o600); err != nil {
		return nil, err
	}
	return sessionSigner.NewLocalSignerFromHex(keyHex, l)
}

func connectCommand(c *cli.Context) error {
	s, err := buildSigner(c)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	pol, err := policyFromFlags(c)
	if err != nil {
		return err
	}
	s.SetPolicyProvider(func(ctx context.Context) (*policy.SessionPolicy, error) {
		return pol, nil
	})

	account, err := s.Handshake(c.Context)
	if err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}

	fmt.Printf("Connected: %s (chain %d)\n", account.Address.Hex(), account.ActiveChainID)
	if account.Session != nil {
		fmt.Printf("Session key %s valid until %s\n",
			account.Session.SessionKey.Hex(), account.Session.ValidUntil.Format(time.RFC3339))
	} else {
		fmt.Println("No session granted; transactions will require interactive approval")
	}
	return nil
}

func policyFromFlags(c *cli.Context) (*policy.SessionPolicy, error) {
	feeLimit, err := parseWei(c.String("fee-limit"))
	if err != nil {
		return nil, fmt.Errorf("invalid fee-limit: %w", err)
	}
	pol := &policy.SessionPolicy{FeeLimit: feeLimit}
	for _, entry := range c.StringSlice("allow") {
		allowance, err := parseAllowance(entry)
		if err != nil {
			return nil, err
		}
		pol.Transfers = append(pol.Transfers, *allowance)
	}
	if err := pol.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return pol, nil
}

// parseAllowance parses recipient=capWei[=periodSeconds].
func parseAllowance(entry string) (*policy.TransferAllowance, error) {
	parts := strings.Split(entry, "=")
	if len(parts) < 2 || len(parts) > 3 {
		return nil, fmt.Errorf("invalid allowance %q, expected recipient=capWei[=periodSeconds]", entry)
	}
	if !common.IsHexAddress(parts[0]) {
		return nil, fmt.Errorf("invalid recipient address %q", parts[0])
	}
	capWei, err := parseWei(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid cap in %q: %w", entry, err)
	}
	allowance := &policy.TransferAllowance{To: common.HexToAddress(parts[0]), Cap: capWei}
	if len(parts) == 3 {
		if _, err := fmt.Sscanf(parts[2], "%d", &allowance.Period); err != nil {
			return nil, fmt.Errorf("invalid period in %q: %w", entry, err)
		}
	}
	return allowance, nil
}

func parseWei(s string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not a decimal wei amount: %q", s)
	}
	return value, nil
}

func accountsCommand(c *cli.Context) error {
	s, err := buildSigner(c)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	accounts, err := s.Accounts()
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		fmt.Println("Not connected")
		return nil
	}
	for _, addr := range accounts {
		fmt.Println(addr.Hex())
	}
	return nil
}

func chainIDCommand(c *cli.Context) error {
	s, err := buildSigner(c)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	chainID, err := s.ChainID()
	if err != nil {
		return err
	}
	fmt.Println(chainID)
	return nil
}

func switchChainCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one argument: the chain id")
	}
	var chainID uint64
	if _, err := fmt.Sscanf(c.Args().First(), "%d", &chainID); err != nil {
		return fmt.Errorf("invalid chain id %q", c.Args().First())
	}

	s, err := buildSigner(c)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	ok, err := s.SwitchChain(chainID)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Printf("Chain %d is not configured\n", chainID)
		return nil
	}
	fmt.Printf("Active chain is now %d\n", chainID)
	return nil
}

func sendCommand(c *cli.Context) error {
	s, err := buildSigner(c)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	if !common.IsHexAddress(c.String("to")) {
		return fmt.Errorf("invalid recipient address %q", c.String("to"))
	}
	to := common.HexToAddress(c.String("to"))
	value, err := parseWei(c.String("value"))
	if err != nil {
		return fmt.Errorf("invalid value: %w", err)
	}

	tx := &types.TransactionRequest{
		To:    &to,
		Value: (*hexutil.Big)(value),
		Gas:   hexutil.Uint64(c.Uint64("gas")),
	}
	if data := c.String("data"); data != "" {
		decoded, err := hexutil.Decode(data)
		if err != nil {
			return fmt.Errorf("invalid calldata: %w", err)
		}
		tx.Data = decoded
	}
	if gasPrice := c.String("gas-price"); gasPrice != "" {
		price, err := parseWei(gasPrice)
		if err != nil {
			return fmt.Errorf("invalid gas price: %w", err)
		}
		tx.GasPrice = (*hexutil.Big)(price)
	}

	result, err := s.Request(c.Context, types.MethodSendTransaction, []*types.TransactionRequest{tx})
	if err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	var sendResult types.SendTransactionResult
	if err := json.Unmarshal(result, &sendResult); err != nil {
		return fmt.Errorf("unexpected result: %w", err)
	}
	fmt.Println(sendResult.Hash)
	return nil
}

func capabilitiesCommand(c *cli.Context) error {
	s, err := buildSigner(c)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	result, err := s.Request(c.Context, types.MethodCapabilities, nil)
	if err != nil {
		return err
	}
	fmt.Println(string(result))
	return nil
}

func disconnectCommand(c *cli.Context) error {
	s, err := buildSigner(c)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	if err := s.Disconnect(); err != nil {
		return err
	}
	fmt.Println("Disconnected")
	return nil
}
