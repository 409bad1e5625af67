package approval

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Latchkey-Labs/latchkey-go/pkg/channel"
	"github.com/Latchkey-Labs/latchkey-go/pkg/config"
	"github.com/Latchkey-Labs/latchkey-go/pkg/enforcer"
	"github.com/Latchkey-Labs/latchkey-go/pkg/logger"
	"github.com/Latchkey-Labs/latchkey-go/pkg/persistence/memory"
	"github.com/Latchkey-Labs/latchkey-go/pkg/policy"
	"github.com/Latchkey-Labs/latchkey-go/pkg/sessionSigner"
	"github.com/Latchkey-Labs/latchkey-go/pkg/sigcodec"
	"github.com/Latchkey-Labs/latchkey-go/pkg/signer"
	"github.com/Latchkey-Labs/latchkey-go/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// anvil dev key; the derived address is the surface's wallet owner
const testOwnerKeyHex = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var testRecipient = common.HexToAddress("0x2222222222222222222222222222222222222222")

type surfaceRig struct {
	server  *Server
	httpSrv *httptest.Server
	wsURL   string
}

func newSurfaceRig(t *testing.T, approver Approver) *surfaceRig {
	t.Helper()
	log := logger.NewNopLogger()
	cfg := &config.SurfaceConfig{
		ListenPort:        9700,
		OwnerPrivateKey:   testOwnerKeyHex,
		AutoApprove:       approver == nil,
		SessionTTLDefault: time.Hour,
		SessionTTLMax:     24 * time.Hour,
		Chains:            []config.ChainConfig{{ID: 8453, Name: "base"}},
		PersistenceType:   config.PersistenceTypeMemory,
	}

	srv, err := NewServer(cfg, approver, enforcer.NewEnforcer(log), memory.NewMemoryPersistence(), nil, log)
	require.NoError(t, err)

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	// the relay doubles as the chain RPC endpoint in tests
	cfg.Chains[0].RPCURL = httpSrv.URL + "/relay"

	return &surfaceRig{
		server:  srv,
		httpSrv: httpSrv,
		wsURL:   "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/channel",
	}
}

// newClientStack builds a full application-side stack against the rig.
func newClientStack(t *testing.T, rig *surfaceRig) (*signer.Signer, *sessionSigner.LocalSigner) {
	t.Helper()
	log := logger.NewNopLogger()

	cfg := &config.ClientConfig{
		AppName:        "integration-app",
		AppOrigin:      "https://app.example",
		SurfaceURL:     rig.wsURL,
		SurfaceOrigin:  "https://surface.example",
		Chains:         []config.ChainConfig{{ID: 8453, RPCURL: rig.httpSrv.URL + "/relay"}},
		RequestTimeout: 10 * time.Second,
	}
	opener := &channel.WebsocketOpener{
		URL:           cfg.SurfaceURL,
		AppOrigin:     cfg.AppOrigin,
		SurfaceOrigin: cfg.SurfaceOrigin,
		Logger:        log,
	}
	ch := channel.NewChannel(opener, cfg.SurfaceOrigin, log)

	key, err := sessionSigner.NewLocalSigner(log)
	require.NoError(t, err)

	s, err := signer.NewSigner(cfg, ch, memory.NewMemoryPersistence(), key, signer.NewRPCBroadcaster(log), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	s.SetPolicyProvider(func(ctx context.Context) (*policy.SessionPolicy, error) {
		return &policy.SessionPolicy{
			FeeLimit: big.NewInt(1e16),
			Transfers: []policy.TransferAllowance{
				{To: testRecipient, Cap: big.NewInt(1e17), Period: 86400},
			},
		}, nil
	})
	return s, key
}

func TestChannel_AnnouncesLoadedOnAttach(t *testing.T) {
	rig := newSurfaceRig(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(rig.wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var env types.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.True(t, env.IsSignal(types.SignalLoaded))
}

func TestChannel_OriginAllowList(t *testing.T) {
	rig := newSurfaceRig(t, nil)
	rig.server.cfg.AllowedOrigins = []string{"https://app.example"}

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(rig.wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// the allowed origin connects fine
	header.Set("Origin", "https://app.example")
	conn, _, err := websocket.DefaultDialer.Dial(rig.wsURL, header)
	require.NoError(t, err)
	_ = conn.Close()
}

// End-to-end: handshake over a real websocket, session issuance, a
// session-signed transaction through the relay, and policy enforcement
// rejecting the request that blows the cap.
func TestIntegration_SessionSigningThroughRelay(t *testing.T) {
	rig := newSurfaceRig(t, nil)
	client, key := newClientStack(t, rig)

	account, err := client.Handshake(context.Background())
	require.NoError(t, err)
	require.NotNil(t, account.Session)
	assert.Equal(t, key.Address(), account.Session.SessionKey)
	assert.Equal(t, uint64(8453), account.ActiveChainID)

	// within the 0.1 cap: accepted and acknowledged with a hash
	result, err := client.Request(context.Background(), types.MethodSendTransaction,
		[]*types.TransactionRequest{{
			To:    &testRecipient,
			Value: (*hexutil.Big)(big.NewInt(6e16)),
		}})
	require.NoError(t, err)
	var sendResult types.SendTransactionResult
	require.NoError(t, json.Unmarshal(result, &sendResult))
	assert.NotEmpty(t, sendResult.Hash)

	// a second 0.06 would exceed the cap: the relay rejects it even though
	// the session signature itself is valid
	_, err = client.Request(context.Background(), types.MethodSendTransaction,
		[]*types.TransactionRequest{{
			To:    &testRecipient,
			Value: (*hexutil.Big)(big.NewInt(6e16)),
		}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cap exceeded")
}

func TestIntegration_HandshakeDeclined(t *testing.T) {
	declining := &FuncApprover{
		OnHandshake: func(ctx context.Context, app types.AppMetadata, pol *policy.SessionPolicy, ttl time.Duration) (bool, error) {
			return false, nil
		},
	}
	rig := newSurfaceRig(t, declining)
	client, _ := newClientStack(t, rig)

	_, err := client.Handshake(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsUserRejected(err))

	accounts, err := client.Accounts()
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestIntegration_SwitchChain(t *testing.T) {
	rig := newSurfaceRig(t, nil)
	client, _ := newClientStack(t, rig)
	_, err := client.Handshake(context.Background())
	require.NoError(t, err)

	ok, err := client.SwitchChain(424242)
	require.NoError(t, err)
	assert.False(t, ok, "unknown chain is a quiet no")
}

func TestIntegration_ShutdownBroadcastsUnload(t *testing.T) {
	rig := newSurfaceRig(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(rig.wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var env types.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	require.True(t, env.IsSignal(types.SignalLoaded))

	require.NoError(t, rig.server.Shutdown(context.Background()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	err = conn.ReadJSON(&env)
	if err == nil {
		assert.True(t, env.IsSignal(types.SignalUnload))
	}
}

func TestRelay_RejectsUnknownSession(t *testing.T) {
	rig := newSurfaceRig(t, nil)
	log := logger.NewNopLogger()

	// a signature from a key the surface never saw
	stray, err := sessionSigner.NewLocalSigner(log)
	require.NoError(t, err)
	tx := &types.TransactionRequest{
		To:      &testRecipient,
		Value:   (*hexutil.Big)(big.NewInt(1)),
		ChainID: 8453,
	}
	digest, err := tx.Digest()
	require.NoError(t, err)
	sig, err := stray.SignDigest(context.Background(), digest)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  MethodRelaySend,
		"params":  []any{tx, hexutil.Bytes(sig)},
	})
	require.NoError(t, err)

	resp, err := http.Post(rig.httpSrv.URL+"/relay", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	defer resp.Body.Close()

	var relayResp struct {
		Result any             `json:"result"`
		Error  *types.RPCError `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&relayResp))
	require.NotNil(t, relayResp.Error)
	assert.Equal(t, types.CodePolicyViolation, relayResp.Error.Code)
	assert.Nil(t, relayResp.Result)
}

// An owner credential registered at startup carries root authority on the
// relay: a valid credential signature is accepted with no session involved
// and no policy applied.
func TestRelay_CredentialRootAuthority(t *testing.T) {
	log := logger.NewNopLogger()
	credKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	var x, y [32]byte
	credKey.PublicKey.X.FillBytes(x[:])
	credKey.PublicKey.Y.FillBytes(y[:])
	cose, err := cbor.Marshal(map[int]any{1: 2, 3: -7, -1: 1, -2: x[:], -3: y[:]})
	require.NoError(t, err)

	cfg := &config.SurfaceConfig{
		ListenPort:        9700,
		OwnerPrivateKey:   testOwnerKeyHex,
		OwnerCredential:   hexutil.Encode(cose),
		AutoApprove:       true,
		SessionTTLDefault: time.Hour,
		Chains:            []config.ChainConfig{{ID: 8453, Name: "base"}},
		PersistenceType:   config.PersistenceTypeMemory,
	}
	srv, err := NewServer(cfg, nil, enforcer.NewEnforcer(log), memory.NewMemoryPersistence(), nil, log)
	require.NoError(t, err)
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	ownerKey, err := crypto.HexToECDSA(strings.TrimPrefix(testOwnerKeyHex, "0x"))
	require.NoError(t, err)
	owner := crypto.PubkeyToAddress(ownerKey.PublicKey)

	tx := &types.TransactionRequest{
		From:    owner,
		To:      &testRecipient,
		Value:   (*hexutil.Big)(big.NewInt(5e18)),
		ChainID: 8453,
	}
	digest, err := tx.Digest()
	require.NoError(t, err)

	clientData := []byte(`{"type":"webauthn.get","challenge":"` + common.Bytes2Hex(digest[:]) + `"}`)
	authData := bytes.Repeat([]byte{0x05}, 37)
	clientHash := sha256.Sum256(clientData)
	signed := sha256.Sum256(append(append([]byte{}, authData...), clientHash[:]...))
	r, s, err := ecdsa.Sign(rand.Reader, credKey, signed[:])
	require.NoError(t, err)
	var r32, s32 [32]byte
	r.FillBytes(r32[:])
	s.FillBytes(s32[:])
	composite, err := sigcodec.AssembleComposite(authData, clientData, r32, s32)
	require.NoError(t, err)
	blob, err := sigcodec.AssembleFull(composite, common.Address{}, nil)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  MethodRelaySend,
		"params":  []any{tx, hexutil.Bytes(blob)},
	})
	require.NoError(t, err)

	resp, err := http.Post(httpSrv.URL+"/relay", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	defer resp.Body.Close()

	var relayResp struct {
		Result string          `json:"result"`
		Error  *types.RPCError `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&relayResp))
	require.Nil(t, relayResp.Error)
	assert.Equal(t, digest.Hex(), relayResp.Result)
}

// The surface still serves wallet_switchEthereumChain on the channel for
// clients that delegate the decision instead of resolving it locally.
func TestChannel_SwitchChainRequest(t *testing.T) {
	rig := newSurfaceRig(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(rig.wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var env types.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	require.True(t, env.IsSignal(types.SignalLoaded))

	req, err := types.NewRequestEnvelope(&types.RPCRequest{
		Method: types.MethodSwitchChain,
		Params: json.RawMessage(`{"chainId":"0x2105"}`),
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	var resp types.Envelope
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, req.ID, resp.RequestID)
	outcome, err := types.DecodeOutcome(resp.Content)
	require.NoError(t, err)
	assert.True(t, outcome.OK)

	// an id the surface does not serve is a coded rejection
	req, err = types.NewRequestEnvelope(&types.RPCRequest{
		Method: types.MethodSwitchChain,
		Params: json.RawMessage(`{"chainId":"0x9999"}`),
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))
	require.NoError(t, conn.ReadJSON(&resp))
	outcome, err = types.DecodeOutcome(resp.Content)
	require.NoError(t, err)
	require.False(t, outcome.OK)
	assert.Equal(t, types.CodeUnsupportedChain, outcome.Error.Code)
}

func TestRelay_RejectsNonSendMethods(t *testing.T) {
	rig := newSurfaceRig(t, nil)

	resp, err := http.Post(rig.httpSrv.URL+"/relay", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"eth_sendRawTransaction","params":[]}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	var relayResp struct {
		Error *types.RPCError `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&relayResp))
	require.NotNil(t, relayResp.Error)
	assert.Equal(t, -32601, relayResp.Error.Code)
}

func TestHealthz(t *testing.T) {
	rig := newSurfaceRig(t, nil)

	resp, err := http.Get(rig.httpSrv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
