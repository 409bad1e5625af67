package types

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionDigest(t *testing.T) {
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	tx := &TransactionRequest{
		From:    common.HexToAddress("0x1111111111111111111111111111111111111111"),
		To:      &to,
		Value:   (*hexutil.Big)(big.NewInt(1000)),
		Data:    hexutil.Bytes{0xde, 0xad, 0xbe, 0xef},
		Gas:     21000,
		Nonce:   7,
		ChainID: 260,
	}

	d1, err := tx.Digest()
	require.NoError(t, err)
	d2, err := tx.Digest()
	require.NoError(t, err)
	assert.Equal(t, d1, d2, "digest must be deterministic")

	// Any field change must move the digest.
	tx.Nonce = 8
	d3, err := tx.Digest()
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)
}

func TestTransactionDigestOptionalFields(t *testing.T) {
	tx := &TransactionRequest{
		From:    common.HexToAddress("0x1111111111111111111111111111111111111111"),
		ChainID: 1,
	}

	// Nil To and Value must not panic; they encode as zero.
	_, err := tx.Digest()
	require.NoError(t, err)
}

func TestEnvelopeCorrelation(t *testing.T) {
	req, err := NewRequestEnvelope(&RPCRequest{Method: MethodHandshake})
	require.NoError(t, err)
	require.NotEmpty(t, req.ID)
	assert.Empty(t, req.RequestID)

	resp, err := NewResponseEnvelope(req.ID, map[string]string{"result": "ok"})
	require.NoError(t, err)
	assert.Equal(t, req.ID, resp.RequestID)
	assert.NotEqual(t, req.ID, resp.ID)
}

func TestSignalEnvelope(t *testing.T) {
	sig := NewSignalEnvelope(SignalLoaded)
	assert.True(t, sig.IsSignal(SignalLoaded))
	assert.False(t, sig.IsSignal(SignalUnload))
	assert.Empty(t, sig.ID)
}

func TestDecodeOutcomeSuccess(t *testing.T) {
	content, err := SuccessContent(&SendTransactionResult{Hash: "0xabc"})
	require.NoError(t, err)

	outcome, err := DecodeOutcome(content)
	require.NoError(t, err)
	require.True(t, outcome.OK)
	require.Nil(t, outcome.Error)

	var result SendTransactionResult
	require.NoError(t, outcome.DecodeResult(&result))
	assert.Equal(t, "0xabc", result.Hash)
}

func TestDecodeOutcomeNullResult(t *testing.T) {
	// A success may carry no result at all.
	outcome, err := DecodeOutcome(json.RawMessage(`{"result":null}`))
	require.NoError(t, err)
	assert.True(t, outcome.OK)
	assert.Nil(t, outcome.Error)
}

func TestDecodeOutcomeError(t *testing.T) {
	content, err := ErrorContent(NewUserRejectedError(""))
	require.NoError(t, err)

	outcome, err := DecodeOutcome(content)
	require.NoError(t, err)
	require.False(t, outcome.OK)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, CodeUserRejected, outcome.Error.Code)
	assert.True(t, IsUserRejected(outcome.Error))
}

func TestDecodeOutcomeErrorWins(t *testing.T) {
	// If both keys are somehow present the error side wins.
	raw := json.RawMessage(`{"result":"0x1","error":{"code":4001,"message":"nope"}}`)
	outcome, err := DecodeOutcome(raw)
	require.NoError(t, err)
	assert.False(t, outcome.OK)
	require.NotNil(t, outcome.Error)
	assert.Equal(t, CodeUserRejected, outcome.Error.Code)
}

func TestSessionDataExpired(t *testing.T) {
	now := time.Now()
	s := &SessionData{
		Session: Session{ValidUntil: now.Add(time.Hour)},
	}
	assert.False(t, s.Expired(now))
	assert.True(t, s.Expired(now.Add(2*time.Hour)))
	assert.True(t, s.Expired(now.Add(time.Hour)), "boundary instant counts as expired")

	var zero SessionData
	assert.True(t, zero.Expired(now))
}

func TestSessionDataJSONRoundTrip(t *testing.T) {
	token := common.HexToAddress("0x3333333333333333333333333333333333333333")
	s := &SessionData{
		Session: Session{
			ValidUntil: time.Now().UTC().Truncate(time.Second).Add(time.Hour),
			SpendLimit: map[common.Address]*hexutil.Big{
				{}:    (*hexutil.Big)(big.NewInt(5e18)),
				token: (*hexutil.Big)(big.NewInt(250)),
			},
			ChainID: 324,
		},
		SessionKey: common.HexToAddress("0x4444444444444444444444444444444444444444"),
		Owner:      common.HexToAddress("0x5555555555555555555555555555555555555555"),
	}

	raw, err := json.Marshal(s)
	require.NoError(t, err)

	var back SessionData
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, s.SessionKey, back.SessionKey)
	assert.Equal(t, s.ChainID, back.ChainID)
	require.NotNil(t, back.SpendLimit[token])
	assert.Zero(t, back.SpendLimit[token].ToInt().Cmp(big.NewInt(250)))
}

func TestRPCErrorAsError(t *testing.T) {
	var err error = NewUnsupportedChainError(999)
	assert.Contains(t, err.Error(), "999")
	assert.False(t, IsUserRejected(err))
}
