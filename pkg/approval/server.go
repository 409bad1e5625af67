package approval

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Latchkey-Labs/latchkey-go/pkg/config"
	"github.com/Latchkey-Labs/latchkey-go/pkg/enforcer"
	"github.com/Latchkey-Labs/latchkey-go/pkg/persistence"
	"github.com/Latchkey-Labs/latchkey-go/pkg/policy"
	"github.com/Latchkey-Labs/latchkey-go/pkg/sigcodec"
	"github.com/Latchkey-Labs/latchkey-go/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Per-connection request rate: sustained and burst.
const (
	connRateLimit = 10
	connRateBurst = 20
)

// Server is the trusted approval surface daemon. It terminates secure
// channels from applications, prompts the approver for handshakes and
// interactive transactions, issues policy-bounded sessions, and hosts the
// relay endpoint that enforces those policies on signed requests.
type Server struct {
	cfg       *config.SurfaceConfig
	logger    *zap.Logger
	approver  Approver
	enforcer  *enforcer.Enforcer
	store     persistence.IAccountPersistence
	submitter OnchainSubmitter

	owner    common.Address
	ownerKey *ecdsa.PrivateKey

	upgrader   websocket.Upgrader
	httpServer *http.Server

	mu     sync.Mutex
	conns  map[*surfaceConn]struct{}
	closed bool
}

// surfaceConn is one attached application channel.
type surfaceConn struct {
	conn    *websocket.Conn
	limiter *rate.Limiter

	writeMu sync.Mutex

	mu  sync.Mutex
	app types.AppMetadata
}

// NewServer wires the surface daemon. The approver may be nil when the
// configuration enables auto-approval; the submitter may be nil, in which
// case accepted relay requests are acknowledged without on-chain
// submission (development mode).
func NewServer(
	cfg *config.SurfaceConfig,
	approver Approver,
	enf *enforcer.Enforcer,
	store persistence.IAccountPersistence,
	submitter OnchainSubmitter,
	logger *zap.Logger,
) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid surface config: %w", err)
	}
	if approver == nil {
		if !cfg.AutoApprove {
			return nil, fmt.Errorf("an approver is required unless auto-approval is enabled")
		}
		approver = NewAutoApprover(logger)
	}
	if enf == nil {
		return nil, fmt.Errorf("an enforcer is required")
	}
	if store == nil {
		return nil, fmt.Errorf("an account store is required")
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		approver:  approver,
		enforcer:  enf,
		store:     store,
		submitter: submitter,
		conns:     make(map[*surfaceConn]struct{}),
	}
	if cfg.OwnerPrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.OwnerPrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("failed to parse owner private key: %w", err)
		}
		s.ownerKey = key
		s.owner = crypto.PubkeyToAddress(key.PublicKey)
	}
	if cfg.WalletAddress != "" {
		s.owner = common.HexToAddress(cfg.WalletAddress)
	}
	if cfg.OwnerCredential != "" {
		coseKey, err := hexutil.Decode(cfg.OwnerCredential)
		if err != nil {
			return nil, fmt.Errorf("failed to decode owner credential: %w", err)
		}
		x, y, err := sigcodec.DecodeCredentialPublicKey(coseKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse owner credential: %w", err)
		}
		enf.RegisterCredential(s.owner, x, y)
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.originAllowed}
	return s, nil
}

// originAllowed checks the dialing application's Origin header against the
// configured allow-list. An empty list admits everyone; "*" does too.
func (s *Server) originAllowed(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	s.logger.Sugar().Warnw("Rejected channel from disallowed origin", "origin", origin)
	return false
}

// Handler returns the surface's HTTP handler: the channel endpoint, the
// relay endpoint and a health check.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/channel", s.handleChannel)
	mux.HandleFunc("/relay", s.handleRelay)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully with an
// unload broadcast to every attached channel.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.ListenPort),
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Sugar().Infow("Approval surface listening", "port", s.cfg.ListenPort)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown announces unload on every channel, closes them and stops the
// HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*surfaceConn, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	s.conns = make(map[*surfaceConn]struct{})
	s.mu.Unlock()

	unload := types.NewSignalEnvelope(types.SignalUnload)
	for _, sc := range conns {
		_ = sc.write(unload)
		_ = sc.conn.Close()
	}
	s.logger.Sugar().Infow("Approval surface shutting down", "channels", len(conns))

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleChannel upgrades the connection, announces readiness and serves
// requests until the application goes away.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Sugar().Warnw("Channel upgrade failed", "error", err)
		return
	}
	sc := &surfaceConn{
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(connRateLimit), connRateBurst),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[sc] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, sc)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	// announce readiness before accepting any request
	if err := sc.write(types.NewSignalEnvelope(types.SignalLoaded)); err != nil {
		return
	}
	s.logger.Sugar().Debugw("Channel attached", "remote", conn.RemoteAddr())

	for {
		var env types.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Sugar().Debugw("Channel read ended", "error", err)
			}
			return
		}
		if len(env.Content) == 0 || env.ID == "" {
			continue
		}
		if !sc.limiter.Allow() {
			s.respondError(sc, env.ID, &types.RPCError{Code: -32005, Message: "rate limit exceeded"})
			continue
		}
		var req types.RPCRequest
		if err := json.Unmarshal(env.Content, &req); err != nil {
			s.respondError(sc, env.ID, &types.RPCError{Code: -32600, Message: "malformed request"})
			continue
		}
		s.dispatch(r.Context(), sc, env.ID, &req)
	}
}

func (sc *surfaceConn) write(env *types.Envelope) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return sc.conn.WriteJSON(env)
}

func (sc *surfaceConn) metadata() types.AppMetadata {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.app
}

func (s *Server) respondError(sc *surfaceConn, requestID string, rpcErr *types.RPCError) {
	content, err := types.ErrorContent(rpcErr)
	if err != nil {
		return
	}
	env, err := types.NewResponseEnvelope(requestID, content)
	if err != nil {
		return
	}
	_ = sc.write(env)
}

func (s *Server) respondResult(sc *surfaceConn, requestID string, result any) {
	content, err := types.SuccessContent(result)
	if err != nil {
		s.respondError(sc, requestID, &types.RPCError{Code: -32603, Message: "internal error"})
		return
	}
	env, err := types.NewResponseEnvelope(requestID, content)
	if err != nil {
		return
	}
	_ = sc.write(env)
}

func (s *Server) dispatch(ctx context.Context, sc *surfaceConn, requestID string, req *types.RPCRequest) {
	switch req.Method {
	case types.MethodHandshake:
		s.handleHandshake(ctx, sc, requestID, req.Params)
	case types.MethodSendTransaction:
		s.handleSendTransaction(ctx, sc, requestID, req.Params)
	case types.MethodSwitchChain:
		s.handleSwitchChain(sc, requestID, req.Params)
	case types.MethodCapabilities:
		s.respondResult(sc, requestID, json.RawMessage("{}"))
	default:
		s.respondError(sc, requestID, &types.RPCError{Code: -32601, Message: fmt.Sprintf("method %q not found", req.Method)})
	}
}

// clampTTL applies the configured default and maximum to a requested
// session lifetime.
func (s *Server) clampTTL(requestedSeconds uint64) time.Duration {
	ttl := s.cfg.SessionTTLDefault
	if requestedSeconds > 0 {
		ttl = time.Duration(requestedSeconds) * time.Second
	}
	if s.cfg.SessionTTLMax > 0 && ttl > s.cfg.SessionTTLMax {
		ttl = s.cfg.SessionTTLMax
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return ttl
}

// handleHandshake approves the application, issues a session when a policy
// and a delegated key were offered, persists the account and answers with
// the granted state.
func (s *Server) handleHandshake(ctx context.Context, sc *surfaceConn, requestID string, rawParams json.RawMessage) {
	var params types.HandshakeParams
	if err := json.Unmarshal(rawParams, &params); err != nil {
		s.respondError(sc, requestID, &types.RPCError{Code: -32602, Message: "malformed handshake params"})
		return
	}

	var pol *policy.SessionPolicy
	if len(params.Policy) > 0 {
		decoded, err := policy.Decode(params.Policy)
		if err != nil {
			s.respondError(sc, requestID, &types.RPCError{Code: -32602, Message: fmt.Sprintf("malformed session policy: %v", err)})
			return
		}
		if err := decoded.Validate(); err != nil {
			s.respondError(sc, requestID, &types.RPCError{Code: -32602, Message: fmt.Sprintf("invalid session policy: %v", err)})
			return
		}
		pol = decoded
	}

	ttl := s.clampTTL(params.TTLSeconds)
	approved, err := s.approver.ApproveHandshake(ctx, params.App, pol, ttl)
	if err != nil {
		s.respondError(sc, requestID, &types.RPCError{Code: -32603, Message: "approval failed"})
		return
	}
	if !approved {
		s.respondError(sc, requestID, types.NewUserRejectedError("handshake declined"))
		return
	}

	sc.mu.Lock()
	sc.app = params.App
	sc.mu.Unlock()

	chainID := s.cfg.Chains[0].ID
	var session *types.SessionData
	if pol != nil && common.IsHexAddress(params.SessionKey) {
		sessionKey := common.HexToAddress(params.SessionKey)
		now := time.Now()
		validUntil := now.Add(ttl)
		if err := s.enforcer.RegisterSession(sessionKey, s.owner, pol, chainID, now, validUntil); err != nil {
			s.respondError(sc, requestID, &types.RPCError{Code: -32603, Message: "failed to register session"})
			return
		}
		session = &types.SessionData{
			Session: types.Session{
				ValidUntil: validUntil,
				ChainID:    chainID,
				SpendLimit: spendLimitFromPolicy(pol),
			},
			SessionKey: sessionKey,
			Owner:      s.owner,
		}
		s.logger.Sugar().Infow("Issued session",
			"app", params.App.Name, "sessionKey", sessionKey.Hex(), "validUntil", validUntil)
	}

	account := &types.Account{Address: s.owner, ActiveChainID: chainID, Session: session}
	if err := s.store.SaveAccount(account); err != nil {
		s.logger.Sugar().Errorw("Failed to persist account", "error", err)
		s.respondError(sc, requestID, &types.RPCError{Code: -32603, Message: "failed to persist account"})
		return
	}

	s.respondResult(sc, requestID, types.HandshakeResult{
		Chains: chainInfos(s.cfg.Chains),
		Account: types.AccountInfo{
			Address: s.owner.Hex(),
			Session: session,
		},
	})
}

// spendLimitFromPolicy summarizes the policy's native-token allowance for
// display on the client: the sum of all per-recipient transfer caps, keyed
// by the zero (native) token address.
func spendLimitFromPolicy(pol *policy.SessionPolicy) map[common.Address]*hexutil.Big {
	if len(pol.Transfers) == 0 {
		return nil
	}
	total := new(big.Int)
	for _, allowance := range pol.Transfers {
		if allowance.Cap != nil {
			total.Add(total, allowance.Cap)
		}
	}
	return map[common.Address]*hexutil.Big{{}: (*hexutil.Big)(total)}
}

// handleSendTransaction is the interactive path: the user approves on the
// surface and the transaction is authorized by the owner key directly,
// with no session involved.
func (s *Server) handleSendTransaction(ctx context.Context, sc *surfaceConn, requestID string, rawParams json.RawMessage) {
	var txs []*types.TransactionRequest
	if err := json.Unmarshal(rawParams, &txs); err != nil || len(txs) != 1 || txs[0] == nil {
		s.respondError(sc, requestID, &types.RPCError{Code: -32602, Message: "expected exactly one transaction"})
		return
	}
	tx := txs[0]

	account, err := s.store.LoadAccount()
	if err != nil {
		s.respondError(sc, requestID, &types.RPCError{Code: -32603, Message: "account store unavailable"})
		return
	}
	if tx.ChainID == 0 {
		if account != nil {
			tx.ChainID = account.ActiveChainID
		} else {
			tx.ChainID = s.cfg.Chains[0].ID
		}
	}
	if tx.From == (common.Address{}) {
		tx.From = s.owner
	}
	chain := s.cfg.ChainByID(tx.ChainID)
	if chain == nil {
		s.respondError(sc, requestID, types.NewUnsupportedChainError(tx.ChainID))
		return
	}

	approved, err := s.approver.ApproveTransaction(ctx, sc.metadata(), tx)
	if err != nil {
		s.respondError(sc, requestID, &types.RPCError{Code: -32603, Message: "approval failed"})
		return
	}
	if !approved {
		s.respondError(sc, requestID, types.NewUserRejectedError("transaction declined"))
		return
	}

	if s.ownerKey == nil {
		s.respondError(sc, requestID, &types.RPCError{Code: types.CodeUnauthorized, Message: "surface holds no signing key"})
		return
	}
	digest, err := tx.Digest()
	if err != nil {
		s.respondError(sc, requestID, &types.RPCError{Code: -32602, Message: "cannot encode transaction"})
		return
	}
	signature, err := crypto.Sign(digest[:], s.ownerKey)
	if err != nil {
		s.respondError(sc, requestID, &types.RPCError{Code: -32603, Message: "signing failed"})
		return
	}

	hash, err := s.submit(ctx, chain.RPCURL, tx, signature, digest)
	if err != nil {
		s.logger.Sugar().Errorw("On-chain submission failed", "error", err)
		s.respondError(sc, requestID, &types.RPCError{Code: -32603, Message: "submission failed"})
		return
	}
	s.respondResult(sc, requestID, types.SendTransactionResult{Hash: hash.Hex()})
}

// submit forwards on-chain when a submitter is wired. Without one the
// request digest doubles as the acknowledgment hash, which keeps
// development setups self-contained.
func (s *Server) submit(ctx context.Context, rpcURL string, tx *types.TransactionRequest, signature []byte, digest common.Hash) (common.Hash, error) {
	if s.submitter == nil {
		s.logger.Sugar().Debugw("No submitter configured, acknowledging without on-chain submission", "digest", digest.Hex())
		return digest, nil
	}
	return s.submitter.Submit(ctx, rpcURL, tx, signature)
}

func (s *Server) handleSwitchChain(sc *surfaceConn, requestID string, rawParams json.RawMessage) {
	var params types.SwitchChainParams
	if err := json.Unmarshal(rawParams, &params); err != nil {
		s.respondError(sc, requestID, &types.RPCError{Code: -32602, Message: "malformed switch params"})
		return
	}
	chainID := uint64(params.ChainID)
	if s.cfg.ChainByID(chainID) == nil {
		s.respondError(sc, requestID, types.NewUnsupportedChainError(chainID))
		return
	}

	account, err := s.store.LoadAccount()
	if err != nil {
		s.respondError(sc, requestID, &types.RPCError{Code: -32603, Message: "account store unavailable"})
		return
	}
	if account != nil && account.ActiveChainID != chainID {
		account.ActiveChainID = chainID
		if err := s.store.SaveAccount(account); err != nil {
			s.respondError(sc, requestID, &types.RPCError{Code: -32603, Message: "failed to persist chain switch"})
			return
		}
	}
	s.logger.Sugar().Infow("Chain switch accepted", "chainId", chainID)
	s.respondResult(sc, requestID, nil)
}

func chainInfos(chains []config.ChainConfig) []types.ChainInfo {
	infos := make([]types.ChainInfo, 0, len(chains))
	for _, chain := range chains {
		infos = append(infos, types.ChainInfo{ID: chain.ID, Name: chain.Name, RPCURL: chain.RPCURL})
	}
	return infos
}
