package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// Environment variable names for Latchkey configuration
const (
	EnvLatchkeyAppName         = "LATCHKEY_APP_NAME"
	EnvLatchkeyAppOrigin       = "LATCHKEY_APP_ORIGIN"
	EnvLatchkeySurfaceURL      = "LATCHKEY_SURFACE_URL"
	EnvLatchkeySurfaceOrigin   = "LATCHKEY_SURFACE_ORIGIN"
	EnvLatchkeyChains          = "LATCHKEY_CHAINS"
	EnvLatchkeyRequestTimeout  = "LATCHKEY_REQUEST_TIMEOUT"
	EnvLatchkeyPort            = "LATCHKEY_PORT"
	EnvLatchkeyAllowedOrigins  = "LATCHKEY_ALLOWED_ORIGINS"
	EnvLatchkeyOwnerKey        = "LATCHKEY_OWNER_PRIVATE_KEY"
	EnvLatchkeyWalletAddress   = "LATCHKEY_WALLET_ADDRESS"
	EnvLatchkeyOwnerCredential = "LATCHKEY_OWNER_CREDENTIAL"
	EnvLatchkeySessionTTL      = "LATCHKEY_SESSION_TTL"
	EnvLatchkeySessionTTLMax   = "LATCHKEY_SESSION_TTL_MAX"
	EnvLatchkeyPersistence     = "LATCHKEY_PERSISTENCE_TYPE"
	EnvLatchkeyPersistencePath = "LATCHKEY_PERSISTENCE_PATH"
	EnvLatchkeyRedisAddress    = "LATCHKEY_REDIS_ADDRESS"
	EnvLatchkeyRedisPassword   = "LATCHKEY_REDIS_PASSWORD"
	EnvLatchkeyVerbose         = "LATCHKEY_VERBOSE"
)

// Persistence backends for the surface daemon
const (
	PersistenceTypeMemory = "memory"
	PersistenceTypeBadger = "badger"
	PersistenceTypeRedis  = "redis"
)

type ChainId uint64

const (
	ChainId_EthereumMainnet ChainId = 1
	ChainId_EthereumSepolia ChainId = 11155111
	ChainId_EthereumAnvil   ChainId = 31337
)

type ChainName string

const (
	ChainName_EthereumMainnet ChainName = "mainnet"
	ChainName_EthereumSepolia ChainName = "sepolia"
	ChainName_EthereumAnvil   ChainName = "devnet"
)

var ChainIdToName = map[ChainId]ChainName{
	ChainId_EthereumMainnet: ChainName_EthereumMainnet,
	ChainId_EthereumSepolia: ChainName_EthereumSepolia,
	ChainId_EthereumAnvil:   ChainName_EthereumAnvil,
}
var ChainNameToId = map[ChainName]ChainId{
	ChainName_EthereumMainnet: ChainId_EthereumMainnet,
	ChainName_EthereumSepolia: ChainId_EthereumSepolia,
	ChainName_EthereumAnvil:   ChainId_EthereumAnvil,
}

// ChainConfig describes one chain a signer or surface is willing to operate on.
type ChainConfig struct {
	ID     uint64 `json:"id"`
	Name   string `json:"name,omitempty"`
	RPCURL string `json:"rpcUrl,omitempty"`
}

// ParseChains parses a comma-separated list of "id=rpcUrl" entries (the RPC
// URL is optional, so a bare "11155111" is accepted too).
func ParseChains(spec string) ([]ChainConfig, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, nil
	}
	var chains []ChainConfig
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		idPart, rpcURL, _ := strings.Cut(entry, "=")
		var id uint64
		if _, err := fmt.Sscanf(idPart, "%d", &id); err != nil {
			return nil, fmt.Errorf("invalid chain entry %q: %w", entry, err)
		}
		name := ""
		if n, ok := ChainIdToName[ChainId(id)]; ok {
			name = string(n)
		}
		chains = append(chains, ChainConfig{ID: id, Name: name, RPCURL: rpcURL})
	}
	return chains, nil
}

// ClientConfig configures a Signer instance (the application side).
type ClientConfig struct {
	// Application identity, sent to the trusted surface during handshake
	AppName   string `json:"appName"`
	AppOrigin string `json:"appOrigin"`

	// Trusted surface endpoint and the only origin inbound messages are
	// accepted from
	SurfaceURL    string `json:"surfaceUrl"`
	SurfaceOrigin string `json:"surfaceOrigin"`

	// Chains the application is willing to operate on. The first entry is
	// the default active chain when the surface grants no session.
	Chains []ChainConfig `json:"chains"`

	// RequestTimeout bounds a remote round trip through the channel.
	// Zero means unbounded: an unresponsive surface stalls the caller
	// until the surface closes.
	RequestTimeout time.Duration `json:"requestTimeout"`
}

// Validate validates the client configuration
func (c *ClientConfig) Validate() error {
	var allErrors field.ErrorList
	if c.AppName == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("appName"), "appName is required"))
	}
	if c.SurfaceURL == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("surfaceUrl"), "surfaceUrl is required"))
	}
	seen := make(map[uint64]bool)
	for i, chain := range c.Chains {
		p := field.NewPath("chains").Index(i)
		if chain.ID == 0 {
			allErrors = append(allErrors, field.Invalid(p.Child("id"), chain.ID, "chain id must be non-zero"))
		}
		if seen[chain.ID] {
			allErrors = append(allErrors, field.Duplicate(p.Child("id"), chain.ID))
		}
		seen[chain.ID] = true
	}
	if len(allErrors) > 0 {
		return allErrors.ToAggregate()
	}
	return nil
}

// ChainByID returns the configured chain with the given id, or nil.
func (c *ClientConfig) ChainByID(id uint64) *ChainConfig {
	for i := range c.Chains {
		if c.Chains[i].ID == id {
			return &c.Chains[i]
		}
	}
	return nil
}

// DefaultChain returns the first configured chain, or nil when none are
// configured.
func (c *ClientConfig) DefaultChain() *ChainConfig {
	if len(c.Chains) == 0 {
		return nil
	}
	return &c.Chains[0]
}

// SupportedChainIDs returns the ids of all configured chains in order.
func (c *ClientConfig) SupportedChainIDs() []uint64 {
	ids := make([]uint64, 0, len(c.Chains))
	for _, chain := range c.Chains {
		ids = append(ids, chain.ID)
	}
	return ids
}

// SurfaceConfig configures the trusted approval surface daemon.
type SurfaceConfig struct {
	ListenPort     int      `json:"listenPort"`
	AllowedOrigins []string `json:"allowedOrigins"`

	// Wallet the surface approves sessions for. OwnerPrivateKey signs
	// nothing on the session path; it identifies the owning wallet and is
	// used to derive WalletAddress when the latter is unset.
	OwnerPrivateKey string `json:"ownerPrivateKey,omitempty"`
	WalletAddress   string `json:"walletAddress,omitempty"`

	// OwnerCredential is the owner's hardware credential public key in
	// hex-encoded COSE_Key form. Requests signed by the credential carry
	// root authority on the relay, independent of any session.
	OwnerCredential string `json:"ownerCredential,omitempty"`

	// AutoApprove approves every handshake without prompting. Intended for
	// development and integration tests only.
	AutoApprove bool `json:"autoApprove"`

	SessionTTLDefault time.Duration `json:"sessionTtlDefault"`
	SessionTTLMax     time.Duration `json:"sessionTtlMax"`

	Chains []ChainConfig `json:"chains"`

	// Account store backend: memory, badger or redis
	PersistenceType string `json:"persistenceType"`
	PersistencePath string `json:"persistencePath,omitempty"`
	RedisAddress    string `json:"redisAddress,omitempty"`
	RedisPassword   string `json:"redisPassword,omitempty"`

	Debug bool `json:"debug"`
}

// Validate validates the surface configuration
func (c *SurfaceConfig) Validate() error {
	var allErrors field.ErrorList
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("listenPort"), c.ListenPort, "port must be between 1-65535"))
	}
	if c.WalletAddress == "" && c.OwnerPrivateKey == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("walletAddress"), "walletAddress or ownerPrivateKey is required"))
	}
	if c.WalletAddress != "" && !common.IsHexAddress(c.WalletAddress) {
		allErrors = append(allErrors, field.Invalid(field.NewPath("walletAddress"), c.WalletAddress, "not a hex address"))
	}
	if len(c.Chains) == 0 {
		allErrors = append(allErrors, field.Required(field.NewPath("chains"), "at least one chain is required"))
	}
	switch c.PersistenceType {
	case PersistenceTypeMemory, PersistenceTypeRedis:
	case PersistenceTypeBadger:
		if c.PersistencePath == "" {
			allErrors = append(allErrors, field.Required(field.NewPath("persistencePath"), "persistencePath is required for badger"))
		}
	default:
		allErrors = append(allErrors, field.NotSupported(field.NewPath("persistenceType"), c.PersistenceType,
			[]string{PersistenceTypeMemory, PersistenceTypeBadger, PersistenceTypeRedis}))
	}
	if c.PersistenceType == PersistenceTypeRedis && c.RedisAddress == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("redisAddress"), "redisAddress is required for redis"))
	}
	if c.SessionTTLMax > 0 && c.SessionTTLDefault > c.SessionTTLMax {
		allErrors = append(allErrors, field.Invalid(field.NewPath("sessionTtlDefault"), c.SessionTTLDefault, "must not exceed sessionTtlMax"))
	}
	if len(allErrors) > 0 {
		return allErrors.ToAggregate()
	}
	return nil
}

// ChainByID returns the configured chain with the given id, or nil.
func (c *SurfaceConfig) ChainByID(id uint64) *ChainConfig {
	for i := range c.Chains {
		if c.Chains[i].ID == id {
			return &c.Chains[i]
		}
	}
	return nil
}

// GetSupportedChainIDsString returns well-known chain IDs for CLI help
func GetSupportedChainIDsString() string {
	return fmt.Sprintf("%d (mainnet), %d (sepolia), %d (anvil)",
		ChainId_EthereumMainnet, ChainId_EthereumSepolia, ChainId_EthereumAnvil)
}
