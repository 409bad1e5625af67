package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Account is the single persisted root entity. Its presence in the store
// means "connected"; absence means "disconnected". It is created on a
// successful handshake, mutated on chain switch or re-handshake, and
// removed on disconnect.
type Account struct {
	Address       common.Address `json:"address"`
	ActiveChainID uint64         `json:"activeChainId"`
	Session       *SessionData   `json:"session,omitempty"`
}

// Session is the policy snapshot fixed when the trusted surface approves a
// handshake. SpendLimit is keyed by token contract address; the zero address
// stands for the chain's native token.
type Session struct {
	ValidUntil time.Time                       `json:"validUntil"`
	SpendLimit map[common.Address]*hexutil.Big `json:"spendLimit,omitempty"`
	ChainID    uint64                          `json:"chainId"`
}

// SessionData extends the Session snapshot with the concrete delegated key
// and the owning wallet address. Immutable once issued; a new handshake
// supersedes it wholesale.
type SessionData struct {
	Session
	SessionKey common.Address `json:"sessionKey"`
	Owner      common.Address `json:"owner"`
}

// Expired reports whether the session's validity window has passed at the
// given instant. ValidUntil is strictly future at issuance, so a zero
// ValidUntil counts as expired.
func (s *SessionData) Expired(at time.Time) bool {
	return !s.ValidUntil.After(at)
}

// ChainInfo describes one chain the trusted surface supports.
type ChainInfo struct {
	ID     uint64 `json:"id"`
	Name   string `json:"name,omitempty"`
	RPCURL string `json:"rpcUrl,omitempty"`
}

// TransactionRequest is the transaction shape carried through the channel
// and signed under a session. Field encodings follow the Ethereum JSON
// conventions (hex quantities and data).
type TransactionRequest struct {
	From     common.Address  `json:"from"`
	To       *common.Address `json:"to,omitempty"`
	Value    *hexutil.Big    `json:"value,omitempty"`
	Data     hexutil.Bytes   `json:"data,omitempty"`
	Gas      hexutil.Uint64  `json:"gas,omitempty"`
	GasPrice *hexutil.Big    `json:"gasPrice,omitempty"`
	Nonce    hexutil.Uint64  `json:"nonce,omitempty"`
	ChainID  uint64          `json:"chainId,omitempty"`
}

var digestArgs abi.Arguments

func init() {
	uint256Ty, _ := abi.NewType("uint256", "", nil)
	addressTy, _ := abi.NewType("address", "", nil)
	bytesTy, _ := abi.NewType("bytes", "", nil)
	digestArgs = abi.Arguments{
		{Type: uint256Ty}, // chain id
		{Type: addressTy}, // from
		{Type: addressTy}, // to (zero when absent)
		{Type: uint256Ty}, // value
		{Type: bytesTy},   // calldata
		{Type: uint256Ty}, // gas
		{Type: uint256Ty}, // gas price
		{Type: uint256Ty}, // nonce
	}
}

// Pack returns the canonical encoding of the request: the ABI encoding of
// (chainId, from, to, value, data, gas, gasPrice, nonce). The wallet
// contract recomputes the signed digest from this encoding alone.
func (t *TransactionRequest) Pack() ([]byte, error) {
	to := common.Address{}
	if t.To != nil {
		to = *t.To
	}
	value := new(big.Int)
	if t.Value != nil {
		value = t.Value.ToInt()
	}
	gasPrice := new(big.Int)
	if t.GasPrice != nil {
		gasPrice = t.GasPrice.ToInt()
	}
	return digestArgs.Pack(
		new(big.Int).SetUint64(t.ChainID),
		t.From,
		to,
		value,
		[]byte(t.Data),
		new(big.Int).SetUint64(uint64(t.Gas)),
		gasPrice,
		new(big.Int).SetUint64(uint64(t.Nonce)),
	)
}

// Digest returns the 32-byte hash a session key signs for this request:
// keccak256 over the canonical Pack encoding. The client and the policy
// enforcer compute it independently, so the encoding is fixed.
func (t *TransactionRequest) Digest() (common.Hash, error) {
	packed, err := t.Pack()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}
