package enforcer

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/Latchkey-Labs/latchkey-go/pkg/policy"
	"github.com/Latchkey-Labs/latchkey-go/pkg/sigcodec"
	"github.com/Latchkey-Labs/latchkey-go/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// Enforcer independently validates signed requests against the session
// policy they claim. It is the sole source of truth for authorization:
// clients assemble candidate signatures, the enforcer recomputes remaining
// allowance and accepts or rejects. Accepted spend is recorded; a rejection
// records nothing.
type Enforcer struct {
	logger *zap.Logger

	mu          sync.Mutex
	sessions    map[common.Address]*sessionState
	credentials map[common.Address]*ecdsa.PublicKey

	// now is the clock, swappable in tests to exercise period windows
	now func() time.Time
}

type sessionState struct {
	owner      common.Address
	chainID    uint64
	policy     *policy.SessionPolicy
	start      time.Time
	validUntil time.Time

	feeSpent *big.Int
	// transfer spend per recipient per period window; window 0 is the
	// lifetime bucket for allowances with no period
	transferSpent map[common.Address]map[uint64]*big.Int
}

// NewEnforcer creates an enforcer with in-memory accounting.
func NewEnforcer(logger *zap.Logger) *Enforcer {
	return &Enforcer{
		logger:      logger,
		sessions:    make(map[common.Address]*sessionState),
		credentials: make(map[common.Address]*ecdsa.PublicKey),
		now:         time.Now,
	}
}

// RegisterSession records a newly issued session and the policy snapshot
// it was approved under. Spend accounting starts at zero from the
// session's own start instant.
func (e *Enforcer) RegisterSession(sessionKey, owner common.Address, pol *policy.SessionPolicy, chainID uint64, start, validUntil time.Time) error {
	if pol == nil {
		return fmt.Errorf("cannot register session without a policy")
	}
	if !validUntil.After(start) {
		return fmt.Errorf("session validUntil must be after its start")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[sessionKey] = &sessionState{
		owner:         owner,
		chainID:       chainID,
		policy:        pol,
		start:         start,
		validUntil:    validUntil,
		feeSpent:      new(big.Int),
		transferSpent: make(map[common.Address]map[uint64]*big.Int),
	}
	e.logger.Sugar().Infow("Registered session",
		"sessionKey", sessionKey.Hex(), "owner", owner.Hex(), "validUntil", validUntil)
	return nil
}

// RegisterCredential records a wallet owner's hardware credential public
// key (P-256). Requests signed by the credential itself carry root
// authority and are not session-scoped.
func (e *Enforcer) RegisterCredential(owner common.Address, x, y *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.credentials[owner] = &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
}

// DropSession removes a session and its accounting.
func (e *Enforcer) DropSession(sessionKey common.Address) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sessionKey)
}

// Check validates an assembled signature blob against a transaction. A
// 65-byte blob is a raw session-key signature and is checked against the
// claimed session's remaining allowance. Anything longer is parsed as a
// full credential blob and verified against the owner's registered
// hardware credential; credential signatures carry root authority and
// bypass session policy.
func (e *Enforcer) Check(blob []byte, tx *types.TransactionRequest) error {
	if tx == nil {
		return types.NewPolicyViolationError("no transaction to check")
	}
	digest, err := tx.Digest()
	if err != nil {
		return types.NewPolicyViolationError(fmt.Sprintf("cannot compute request digest: %v", err))
	}

	if len(blob) == 65 {
		return e.checkSessionSignature(blob, digest, tx)
	}
	return e.checkCredentialSignature(blob, digest, tx)
}

func (e *Enforcer) checkSessionSignature(sig []byte, digest common.Hash, tx *types.TransactionRequest) error {
	recovered, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return types.NewPolicyViolationError(fmt.Sprintf("cannot recover session key: %v", err))
	}
	sessionKey := crypto.PubkeyToAddress(*recovered)

	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.sessions[sessionKey]
	if !ok {
		return types.NewPolicyViolationError(fmt.Sprintf("unknown session key %s", sessionKey.Hex()))
	}

	now := e.now()
	if !state.validUntil.After(now) {
		return types.NewPolicyViolationError("session expired")
	}
	if tx.ChainID != state.chainID {
		return types.NewPolicyViolationError(fmt.Sprintf("session is bound to chain %d, request targets %d", state.chainID, tx.ChainID))
	}
	if tx.From != state.owner {
		return types.NewPolicyViolationError(fmt.Sprintf("session belongs to %s, request is from %s", state.owner.Hex(), tx.From.Hex()))
	}

	// compute every charge first; nothing is recorded unless all pass
	fee, err := e.checkFee(state, tx)
	if err != nil {
		return err
	}

	var transferCharge *pendingTransfer
	value := new(big.Int)
	if tx.Value != nil {
		value = tx.Value.ToInt()
	}
	if value.Sign() > 0 {
		transferCharge, err = e.checkTransfer(state, tx, value, now)
		if err != nil {
			return err
		}
	}

	if len(tx.Data) > 0 {
		if err := checkCall(state, tx); err != nil {
			return err
		}
	}

	// all checks passed: record spend
	state.feeSpent.Add(state.feeSpent, fee)
	if transferCharge != nil {
		transferCharge.apply()
	}
	return nil
}

func (e *Enforcer) checkFee(state *sessionState, tx *types.TransactionRequest) (*big.Int, error) {
	fee := new(big.Int)
	if tx.GasPrice != nil {
		fee.Mul(tx.GasPrice.ToInt(), new(big.Int).SetUint64(uint64(tx.Gas)))
	}
	if state.policy.FeeLimit != nil {
		total := new(big.Int).Add(state.feeSpent, fee)
		if total.Cmp(state.policy.FeeLimit) > 0 {
			return nil, types.NewPolicyViolationError(fmt.Sprintf(
				"fee limit exceeded: %s spent, %s requested, %s allowed",
				state.feeSpent, fee, state.policy.FeeLimit))
		}
	}
	return fee, nil
}

type pendingTransfer struct {
	bucket *big.Int
	value  *big.Int
}

func (p *pendingTransfer) apply() {
	p.bucket.Add(p.bucket, p.value)
}

// checkTransfer validates a value transfer against the recipient's
// allowance. For a recurring allowance the accounting window is
// floor((now - sessionStart) / period), counted from the session's own
// start rather than calendar time; spend in earlier windows never counts
// against the current one.
func (e *Enforcer) checkTransfer(state *sessionState, tx *types.TransactionRequest, value *big.Int, now time.Time) (*pendingTransfer, error) {
	if tx.To == nil {
		return nil, types.NewPolicyViolationError("value-bearing contract creation is not covered by any allowance")
	}
	allowance := state.policy.AllowanceFor(*tx.To)
	if allowance == nil {
		return nil, types.NewPolicyViolationError(fmt.Sprintf("no transfer allowance for %s", tx.To.Hex()))
	}

	window := uint64(0)
	if allowance.Period > 0 {
		elapsed := now.Sub(state.start)
		window = uint64(elapsed / (time.Duration(allowance.Period) * time.Second))
	}

	buckets := state.transferSpent[*tx.To]
	if buckets == nil {
		buckets = make(map[uint64]*big.Int)
		state.transferSpent[*tx.To] = buckets
	}
	spent := buckets[window]
	if spent == nil {
		spent = new(big.Int)
		buckets[window] = spent
	}

	total := new(big.Int).Add(spent, value)
	if total.Cmp(allowance.Cap) > 0 {
		return nil, types.NewPolicyViolationError(fmt.Sprintf(
			"transfer cap exceeded for %s: %s spent, %s requested, %s allowed",
			tx.To.Hex(), spent, value, allowance.Cap))
	}

	return &pendingTransfer{bucket: spent, value: value}, nil
}

// checkCall validates contract call data against the call allowances. The
// constraint parameter index addresses 32-byte words positionally after
// the 4-byte selector.
func checkCall(state *sessionState, tx *types.TransactionRequest) error {
	if tx.To == nil {
		return types.NewPolicyViolationError("contract creation is not covered by any allowance")
	}
	if len(tx.Data) < 4 {
		return types.NewPolicyViolationError("call data shorter than a selector")
	}
	var selector [4]byte
	copy(selector[:], tx.Data[:4])

	allowance := state.policy.CallAllowanceFor(*tx.To, selector)
	if allowance == nil {
		return types.NewPolicyViolationError(fmt.Sprintf(
			"no call allowance for %s selector 0x%x", tx.To.Hex(), selector))
	}

	params := tx.Data[4:]
	for _, constraint := range allowance.Constraints {
		offset := int(constraint.ParamIndex) * 32
		if offset+32 > len(params) {
			return types.NewPolicyViolationError(fmt.Sprintf(
				"call data has no parameter at index %d", constraint.ParamIndex))
		}
		word := params[offset : offset+32]
		switch constraint.Op {
		case policy.OpEqual:
			if !bytes.Equal(word, constraint.Ref[:]) {
				return types.NewPolicyViolationError(fmt.Sprintf(
					"parameter %d does not equal the constrained value", constraint.ParamIndex))
			}
		case policy.OpBoundedBy:
			if new(big.Int).SetBytes(word).Cmp(new(big.Int).SetBytes(constraint.Ref[:])) > 0 {
				return types.NewPolicyViolationError(fmt.Sprintf(
					"parameter %d exceeds the constrained bound", constraint.ParamIndex))
			}
		default:
			return types.NewPolicyViolationError(fmt.Sprintf(
				"unknown constraint operator %d", constraint.Op))
		}
	}
	return nil
}

// checkCredentialSignature verifies a full signature blob against the
// owner's registered hardware credential. The signed payload follows the
// WebAuthn assertion format: authenticatorData || SHA-256(clientDataJSON).
func (e *Enforcer) checkCredentialSignature(blob []byte, digest common.Hash, tx *types.TransactionRequest) error {
	composite, verifier, _, err := sigcodec.ParseFull(blob)
	if err != nil {
		return types.NewPolicyViolationError(fmt.Sprintf("malformed signature blob: %v", err))
	}
	if verifier != (common.Address{}) {
		return types.NewPolicyViolationError(fmt.Sprintf("no secondary verifier registered at %s", verifier.Hex()))
	}

	authenticatorData, clientDataJSON, r, s, err := sigcodec.ParseComposite(composite)
	if err != nil {
		return types.NewPolicyViolationError(fmt.Sprintf("malformed composite blob: %v", err))
	}
	// the request digest must be bound into the client data
	if !bytes.Contains(clientDataJSON, []byte(common.Bytes2Hex(digest[:]))) {
		return types.NewPolicyViolationError("client data does not commit to the request digest")
	}

	e.mu.Lock()
	credential, ok := e.credentials[tx.From]
	e.mu.Unlock()
	if !ok {
		return types.NewPolicyViolationError(fmt.Sprintf("no credential registered for %s", tx.From.Hex()))
	}

	clientDataHash := sha256.Sum256(clientDataJSON)
	signed := sha256.Sum256(append(append([]byte{}, authenticatorData...), clientDataHash[:]...))
	if !ecdsa.Verify(credential, signed[:], new(big.Int).SetBytes(r[:]), new(big.Int).SetBytes(s[:])) {
		return types.NewPolicyViolationError("credential signature verification failed")
	}

	// a valid root-credential signature carries the owner's full
	// authority; session policy does not apply
	return nil
}
