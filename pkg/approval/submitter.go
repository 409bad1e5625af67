package approval

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/Latchkey-Labs/latchkey-go/pkg/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// OnchainSubmitter wraps an authorized request into an on-chain transaction
// against the smart-contract wallet and returns its hash.
type OnchainSubmitter interface {
	Submit(ctx context.Context, rpcURL string, tx *types.TransactionRequest, signature []byte) (common.Hash, error)
}

// walletExecuteABI is the wallet entry point relayed requests go through:
// the ABI encoding of the request and its authorizing signature.
const walletExecuteABI = `[{"name":"execute","type":"function","inputs":[{"name":"request","type":"bytes"},{"name":"signature","type":"bytes"}]}]`

// EthSubmitter relays authorized requests through a funded relayer EOA.
// The wallet contract re-validates the signature on-chain; the relayer only
// pays for gas.
type EthSubmitter struct {
	logger      *zap.Logger
	relayerKey  *ecdsa.PrivateKey
	relayerAddr common.Address
	walletABI   abi.ABI
}

func NewEthSubmitter(relayerKeyHex string, logger *zap.Logger) (*EthSubmitter, error) {
	relayerKey, err := crypto.HexToECDSA(strings.TrimPrefix(relayerKeyHex, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse relayer key")
	}
	walletABI, err := abi.JSON(strings.NewReader(walletExecuteABI))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse wallet ABI")
	}
	return &EthSubmitter{
		logger:      logger,
		relayerKey:  relayerKey,
		relayerAddr: crypto.PubkeyToAddress(relayerKey.PublicKey),
		walletABI:   walletABI,
	}, nil
}

func (s *EthSubmitter) Submit(ctx context.Context, rpcURL string, tx *types.TransactionRequest, signature []byte) (common.Hash, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return common.Hash{}, errors.Wrapf(err, "failed to dial %s", rpcURL)
	}
	defer client.Close()

	request, err := tx.Pack()
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to encode request")
	}
	calldata, err := s.walletABI.Pack("execute", request, signature)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to pack execute calldata")
	}

	nonce, err := client.PendingNonceAt(ctx, s.relayerAddr)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to fetch relayer nonce")
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to fetch gas price")
	}
	gasLimit, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From: s.relayerAddr,
		To:   &tx.From,
		Data: calldata,
	})
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "wallet rejected the request in gas estimation")
	}

	// the wallet contract is the target; value travels inside the request
	relayTx := ethtypes.NewTransaction(nonce, tx.From, big.NewInt(0), gasLimit, gasPrice, calldata)
	signedTx, err := ethtypes.SignTx(relayTx, ethtypes.LatestSignerForChainID(new(big.Int).SetUint64(tx.ChainID)), s.relayerKey)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to sign relay transaction")
	}
	if err := client.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to broadcast relay transaction")
	}

	hash := signedTx.Hash()
	s.logger.Sugar().Infow("Relayed transaction on-chain",
		"hash", hash.Hex(), "wallet", tx.From.Hex(), "relayer", s.relayerAddr.Hex())
	return hash, nil
}
