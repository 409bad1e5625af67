package signer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Latchkey-Labs/latchkey-go/pkg/channel"
	"github.com/Latchkey-Labs/latchkey-go/pkg/config"
	"github.com/Latchkey-Labs/latchkey-go/pkg/persistence"
	"github.com/Latchkey-Labs/latchkey-go/pkg/policy"
	"github.com/Latchkey-Labs/latchkey-go/pkg/sessionSigner"
	"github.com/Latchkey-Labs/latchkey-go/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	// ErrNoChainsConfigured is returned by Handshake before any channel
	// I/O when the client configuration names no chains.
	ErrNoChainsConfigured = errors.New("no chains configured")

	// ErrNotConnected is returned by operations that need a connected
	// account when none is persisted.
	ErrNotConnected = errors.New("not connected: no account present")
)

// PolicyProvider supplies the session policy to request during handshake.
// It is consulted lazily, on each handshake; a nil provider or a provider
// error degrades the handshake to policy-free rather than failing it.
type PolicyProvider func(ctx context.Context) (*policy.SessionPolicy, error)

// Signer is the application-facing entry point. It owns the secure channel
// to the trusted surface, the persisted account cell and the delegated
// session key, and resolves requests locally whenever the active session
// covers them.
type Signer struct {
	cfg            *config.ClientConfig
	channel        *channel.Channel
	store          persistence.IAccountPersistence
	sessionSigner  sessionSigner.ISessionSigner
	broadcaster    Broadcaster
	policyProvider PolicyProvider
	logger         *zap.Logger
}

// NewSigner wires a signer from its collaborators. The session signer and
// broadcaster may be nil; without them every transaction is forwarded to
// the trusted surface for remote approval.
func NewSigner(
	cfg *config.ClientConfig,
	ch *channel.Channel,
	store persistence.IAccountPersistence,
	signer sessionSigner.ISessionSigner,
	broadcaster Broadcaster,
	logger *zap.Logger,
) (*Signer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("client config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	if ch == nil {
		return nil, fmt.Errorf("channel is required")
	}
	if store == nil {
		return nil, fmt.Errorf("account store is required")
	}
	return &Signer{
		cfg:           cfg,
		channel:       ch,
		store:         store,
		sessionSigner: signer,
		broadcaster:   broadcaster,
		logger:        logger,
	}, nil
}

// SetPolicyProvider installs the policy source consulted on handshake.
func (s *Signer) SetPolicyProvider(provider PolicyProvider) {
	s.policyProvider = provider
}

// roundTrip sends a request envelope and waits for its response, bounded
// by the configured request timeout (zero means unbounded).
func (s *Signer) roundTrip(ctx context.Context, env *types.Envelope) (*types.Envelope, error) {
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}
	return s.channel.PostRequestAndWaitForResponse(ctx, env)
}

// call performs one RPC round trip through the channel and decodes the
// outcome. A remote error is returned verbatim as *types.RPCError.
func (s *Signer) call(ctx context.Context, method string, params any) (*types.RPCOutcome, error) {
	req, err := types.NewRPCRequest(method, params)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	env, err := types.NewRequestEnvelope(req)
	if err != nil {
		return nil, fmt.Errorf("failed to build request envelope: %w", err)
	}
	resp, err := s.roundTrip(ctx, env)
	if err != nil {
		return nil, err
	}
	outcome, err := types.DecodeOutcome(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return outcome, nil
}

// Handshake connects to the trusted surface and establishes the account.
// The policy provider is consulted lazily; if it fails, the handshake
// degrades to policy-free and the surface decides what to grant. The
// resulting account is persisted and returned.
func (s *Signer) Handshake(ctx context.Context) (*types.Account, error) {
	if len(s.cfg.Chains) == 0 {
		return nil, ErrNoChainsConfigured
	}

	params := types.HandshakeParams{
		App: types.AppMetadata{Name: s.cfg.AppName, Origin: s.cfg.AppOrigin},
	}
	if s.sessionSigner != nil {
		params.SessionKey = s.sessionSigner.Address().Hex()
	}
	if s.policyProvider != nil {
		pol, err := s.policyProvider(ctx)
		if err != nil {
			s.logger.Sugar().Warnw("Policy provider failed, requesting a policy-free session", "error", err)
		} else if pol != nil {
			encoded, err := policy.Encode(pol)
			if err != nil {
				return nil, fmt.Errorf("failed to encode session policy: %w", err)
			}
			params.Policy = encoded
		}
	}

	outcome, err := s.call(ctx, types.MethodHandshake, params)
	if err != nil {
		return nil, err
	}
	if !outcome.OK {
		return nil, outcome.Error
	}

	var result types.HandshakeResult
	if err := outcome.DecodeResult(&result); err != nil {
		return nil, fmt.Errorf("failed to decode handshake result: %w", err)
	}
	if !common.IsHexAddress(result.Account.Address) {
		return nil, fmt.Errorf("surface returned invalid account address %q", result.Account.Address)
	}

	account := &types.Account{
		Address: common.HexToAddress(result.Account.Address),
		Session: result.Account.Session,
	}
	account.ActiveChainID = s.resolveActiveChain(result.Account.Session)

	if err := s.store.SaveAccount(account); err != nil {
		return nil, fmt.Errorf("failed to persist account: %w", err)
	}
	s.logger.Sugar().Infow("Connected",
		"address", account.Address.Hex(),
		"chainId", account.ActiveChainID,
		"hasSession", account.Session != nil)
	return account, nil
}

// resolveActiveChain picks the active chain for a fresh account: the
// session's chain when it is locally configured, otherwise the first
// configured chain.
func (s *Signer) resolveActiveChain(session *types.SessionData) uint64 {
	if session != nil && session.ChainID != 0 && s.cfg.ChainByID(session.ChainID) != nil {
		return session.ChainID
	}
	return s.cfg.DefaultChain().ID
}

// Accounts returns the connected addresses. Disconnected means an empty
// list, not an error.
func (s *Signer) Accounts() ([]common.Address, error) {
	account, err := s.store.LoadAccount()
	if err != nil {
		return nil, err
	}
	if account == nil {
		return []common.Address{}, nil
	}
	return []common.Address{account.Address}, nil
}

// ChainID returns the active chain id: the connected account's active
// chain, or the configured default when disconnected. Zero means no chains
// are configured at all.
func (s *Signer) ChainID() (uint64, error) {
	account, err := s.store.LoadAccount()
	if err != nil {
		return 0, err
	}
	if account != nil {
		return account.ActiveChainID, nil
	}
	if chain := s.cfg.DefaultChain(); chain != nil {
		return chain.ID, nil
	}
	return 0, nil
}

// SwitchChain moves the active chain. An id the configuration does not
// know yields (false, nil) with the state untouched. A configured id is
// applied to the persisted account directly: the active chain is purely
// local state, so no channel I/O is involved either way.
func (s *Signer) SwitchChain(chainID uint64) (bool, error) {
	if s.cfg.ChainByID(chainID) == nil {
		return false, nil
	}
	account, err := s.store.LoadAccount()
	if err != nil {
		return false, err
	}
	if account == nil {
		return false, ErrNotConnected
	}
	if account.ActiveChainID == chainID {
		return true, nil
	}

	account.ActiveChainID = chainID
	if err := s.store.SaveAccount(account); err != nil {
		return false, fmt.Errorf("failed to persist chain switch: %w", err)
	}
	s.logger.Sugar().Infow("Switched chain", "chainId", chainID)
	return true, nil
}

// Disconnect clears the local account. No channel I/O: the surface keeps
// its own state, and a later handshake starts fresh.
func (s *Signer) Disconnect() error {
	if err := s.store.DeleteAccount(); err != nil {
		return fmt.Errorf("failed to clear account: %w", err)
	}
	s.logger.Sugar().Infow("Disconnected")
	return nil
}

// Close releases the channel and the account store.
func (s *Signer) Close() error {
	s.channel.Close()
	return s.store.Close()
}

// Request dispatches a provider-style method call. Methods the signer can
// resolve locally never reach the trusted surface; everything else is
// forwarded verbatim and the remote result or coded error is returned
// unmodified.
func (s *Signer) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s params: %w", method, err)
	}

	switch method {
	case types.MethodSendTransaction:
		tx, err := decodeTransactionParams(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s params: %w", method, err)
		}
		return s.sendTransaction(ctx, tx)

	case types.MethodSwitchChain:
		var switchParams types.SwitchChainParams
		if err := json.Unmarshal(raw, &switchParams); err != nil {
			return nil, fmt.Errorf("invalid %s params: %w", method, err)
		}
		ok, err := s.SwitchChain(uint64(switchParams.ChainID))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, types.NewUnsupportedChainError(uint64(switchParams.ChainID))
		}
		return json.RawMessage("null"), nil

	case types.MethodCapabilities:
		// no optional capabilities are negotiated yet
		return json.RawMessage("{}"), nil

	default:
		return s.forward(ctx, method, raw)
	}
}

// forward sends an unrecognized method to the trusted surface and returns
// its answer as-is.
func (s *Signer) forward(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	req := &types.RPCRequest{Method: method, Params: params}
	env, err := types.NewRequestEnvelope(req)
	if err != nil {
		return nil, fmt.Errorf("failed to build request envelope: %w", err)
	}
	resp, err := s.roundTrip(ctx, env)
	if err != nil {
		return nil, err
	}
	outcome, err := types.DecodeOutcome(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if !outcome.OK {
		return nil, outcome.Error
	}
	return outcome.Result, nil
}

// sendTransaction resolves eth_sendTransaction. When the active session
// covers the request it is signed with the delegated key and submitted
// directly, with no surface round trip; otherwise the transaction goes to
// the surface for interactive approval.
func (s *Signer) sendTransaction(ctx context.Context, tx *types.TransactionRequest) (json.RawMessage, error) {
	account, err := s.store.LoadAccount()
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, ErrNotConnected
	}
	if tx.ChainID == 0 {
		tx.ChainID = account.ActiveChainID
	}
	if tx.From == (common.Address{}) {
		tx.From = account.Address
	}

	if !s.sessionCovers(account, tx) {
		return s.forwardTransaction(ctx, tx)
	}

	// client-side spend precheck: fail fast without burning a signature;
	// the enforcer remains the authority either way
	if err := checkSpendLimit(account.Session, tx); err != nil {
		return nil, err
	}

	digest, err := tx.Digest()
	if err != nil {
		return nil, fmt.Errorf("failed to compute request digest: %w", err)
	}
	signature, err := s.sessionSigner.SignDigest(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("failed to sign with session key: %w", err)
	}

	chain := s.cfg.ChainByID(tx.ChainID)
	hash, err := s.broadcaster.SubmitSigned(ctx, chain.RPCURL, tx, signature)
	if err != nil {
		return nil, fmt.Errorf("failed to submit signed transaction: %w", err)
	}
	s.logger.Sugar().Infow("Submitted session-signed transaction", "hash", hash.Hex(), "chainId", tx.ChainID)

	return json.Marshal(types.SendTransactionResult{Hash: hash.Hex()})
}

// sessionCovers reports whether the active session can sign the request
// locally: a live session for the request's chain, with the delegated key
// actually in our custody and the chain's RPC endpoint configured.
func (s *Signer) sessionCovers(account *types.Account, tx *types.TransactionRequest) bool {
	session := account.Session
	if session == nil || session.Expired(time.Now()) {
		return false
	}
	if session.ChainID != tx.ChainID {
		return false
	}
	if s.sessionSigner == nil || s.broadcaster == nil {
		return false
	}
	if s.sessionSigner.Address() != session.SessionKey {
		return false
	}
	chain := s.cfg.ChainByID(tx.ChainID)
	return chain != nil && chain.RPCURL != ""
}

// forwardTransaction asks the trusted surface to approve and submit the
// transaction interactively.
func (s *Signer) forwardTransaction(ctx context.Context, tx *types.TransactionRequest) (json.RawMessage, error) {
	outcome, err := s.call(ctx, types.MethodSendTransaction, []*types.TransactionRequest{tx})
	if err != nil {
		return nil, err
	}
	if !outcome.OK {
		return nil, outcome.Error
	}
	return outcome.Result, nil
}

// checkSpendLimit rejects a native-token transfer that alone exceeds the
// session's spend limit for the zero (native) token address.
func checkSpendLimit(session *types.SessionData, tx *types.TransactionRequest) error {
	if session.SpendLimit == nil || tx.Value == nil {
		return nil
	}
	limit, ok := session.SpendLimit[common.Address{}]
	if !ok || limit == nil {
		return nil
	}
	if tx.Value.ToInt().Cmp(limit.ToInt()) > 0 {
		return types.NewPolicyViolationError(fmt.Sprintf(
			"transfer of %s exceeds the session spend limit %s", tx.Value.ToInt(), limit.ToInt()))
	}
	return nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}

// decodeTransactionParams accepts the Ethereum convention of a one-element
// array as well as a bare transaction object.
func decodeTransactionParams(raw json.RawMessage) (*types.TransactionRequest, error) {
	var list []*types.TransactionRequest
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) != 1 || list[0] == nil {
			return nil, fmt.Errorf("expected exactly one transaction, got %d", len(list))
		}
		return list[0], nil
	}
	var tx types.TransactionRequest
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}
