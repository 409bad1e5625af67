package types

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

// Lifecycle signals carried in Envelope.Data. The surface announces
// "loaded" once it is ready to receive requests and "unload" when it is
// about to go away.
const (
	SignalLoaded = "loaded"
	SignalUnload = "unload"
)

// RPC methods carried over the channel.
const (
	MethodHandshake       = "handshake"
	MethodSendTransaction = "eth_sendTransaction"
	MethodSwitchChain     = "wallet_switchEthereumChain"
	MethodCapabilities    = "wallet_getCapabilities"
)

// Envelope is the unit of exchange on a secure channel. Requests carry a
// fresh ID; responses echo it in RequestID. Lifecycle signals travel in
// Data with no correlation fields.
type Envelope struct {
	ID        string          `json:"id,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Data      string          `json:"data,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// NewRequestEnvelope wraps content in an envelope with a fresh correlation ID.
func NewRequestEnvelope(content any) (*Envelope, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:        uuid.New().String(),
		Content:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponseEnvelope wraps content in an envelope answering the request
// with the given ID.
func NewResponseEnvelope(requestID string, content any) (*Envelope, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:        uuid.New().String(),
		RequestID: requestID,
		Content:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewSignalEnvelope builds a bare lifecycle signal.
func NewSignalEnvelope(signal string) *Envelope {
	return &Envelope{
		Data:      signal,
		Timestamp: time.Now().UTC(),
	}
}

// IsSignal reports whether the envelope carries the given lifecycle signal.
func (e *Envelope) IsSignal(signal string) bool {
	return e.Data == signal
}

// RPCRequest is the method call carried inside a request envelope.
type RPCRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NewRPCRequest marshals params and pairs them with a method name.
func NewRPCRequest(method string, params any) (*RPCRequest, error) {
	if params == nil {
		return &RPCRequest{Method: method}, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &RPCRequest{Method: method, Params: raw}, nil
}

// RPCOutcome is the decoded result of a response envelope. Whether it is a
// success or a failure is decided exactly once, in DecodeOutcome; callers
// branch on OK and never re-inspect the raw content.
type RPCOutcome struct {
	OK     bool
	Result json.RawMessage
	Error  *RPCError
}

// DecodeOutcome classifies raw response content as success or error. A
// present error field wins; otherwise the result field is taken, even when
// it is null (a successful call may return nothing).
func DecodeOutcome(content json.RawMessage) (*RPCOutcome, error) {
	var wire struct {
		Result json.RawMessage `json:"result,omitempty"`
		Error  *RPCError       `json:"error,omitempty"`
	}
	if err := json.Unmarshal(content, &wire); err != nil {
		return nil, err
	}
	if wire.Error != nil {
		return &RPCOutcome{Error: wire.Error}, nil
	}
	return &RPCOutcome{OK: true, Result: wire.Result}, nil
}

// DecodeResult unmarshals a successful outcome's result into v.
func (o *RPCOutcome) DecodeResult(v any) error {
	if len(o.Result) == 0 {
		return nil
	}
	return json.Unmarshal(o.Result, v)
}

// SuccessContent builds the wire form of a successful response.
func SuccessContent(result any) (json.RawMessage, error) {
	return json.Marshal(struct {
		Result any `json:"result"`
	}{Result: result})
}

// ErrorContent builds the wire form of a failed response.
func ErrorContent(rpcErr *RPCError) (json.RawMessage, error) {
	return json.Marshal(struct {
		Error *RPCError `json:"error"`
	}{Error: rpcErr})
}

// AppMetadata identifies the application asking for a session.
type AppMetadata struct {
	Name   string `json:"name"`
	Origin string `json:"origin,omitempty"`
}

// HandshakeParams is the payload of a handshake method call. Policy is the
// canonical encoding of the requested session policy; TTLSeconds is the
// requested session lifetime, which the surface may clamp. SessionKey is
// the address of the delegated key the application holds; without it no
// session can be issued and the handshake can only grant interactive
// approval.
type HandshakeParams struct {
	App        AppMetadata   `json:"app"`
	Policy     hexutil.Bytes `json:"policy,omitempty"`
	TTLSeconds uint64        `json:"ttlSeconds,omitempty"`
	SessionKey string        `json:"sessionKey,omitempty"`
}

// HandshakeResult is the surface's answer to an approved handshake.
type HandshakeResult struct {
	Chains  []ChainInfo `json:"chains"`
	Account AccountInfo `json:"account"`
}

// AccountInfo carries the approved wallet address and, when session signing
// was granted, the issued session data.
type AccountInfo struct {
	Address string       `json:"address"`
	Session *SessionData `json:"session,omitempty"`
}

// SwitchChainParams is the payload of a wallet_switchEthereumChain call.
type SwitchChainParams struct {
	ChainID hexutil.Uint64 `json:"chainId"`
}

// SendTransactionResult is the payload of a successful eth_sendTransaction.
type SendTransactionResult struct {
	Hash string `json:"hash"`
}
