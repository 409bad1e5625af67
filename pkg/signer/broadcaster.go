package signer

import (
	"context"
	"fmt"

	"github.com/Latchkey-Labs/latchkey-go/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// Broadcaster submits a session-signed request to the chain's relay
// endpoint and returns the resulting transaction hash.
type Broadcaster interface {
	SubmitSigned(ctx context.Context, rpcURL string, tx *types.TransactionRequest, signature []byte) (common.Hash, error)
}

// RPCBroadcaster submits signed requests over JSON-RPC. The relay
// validates the signature against the wallet's registered sessions before
// wrapping the request into an on-chain transaction.
type RPCBroadcaster struct {
	logger *zap.Logger
}

func NewRPCBroadcaster(logger *zap.Logger) *RPCBroadcaster {
	return &RPCBroadcaster{logger: logger}
}

func (b *RPCBroadcaster) SubmitSigned(ctx context.Context, rpcURL string, tx *types.TransactionRequest, signature []byte) (common.Hash, error) {
	if rpcURL == "" {
		return common.Hash{}, fmt.Errorf("no RPC endpoint configured for chain %d", tx.ChainID)
	}
	client, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	defer client.Close()

	var hash common.Hash
	if err := client.CallContext(ctx, &hash, "latchkey_sendTransaction", tx, hexutil.Bytes(signature)); err != nil {
		return common.Hash{}, fmt.Errorf("relay rejected the signed transaction: %w", err)
	}
	b.logger.Sugar().Debugw("Relay accepted transaction", "hash", hash.Hex())
	return hash, nil
}
