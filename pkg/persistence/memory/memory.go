package memory

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/Latchkey-Labs/latchkey-go/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// MemoryPersistence is an in-memory implementation of IAccountPersistence.
// All data is lost when the process exits; intended for tests and
// short-lived tooling. Thread-safe; deep copies on the way in and out so
// callers cannot mutate the stored account.
type MemoryPersistence struct {
	mu      sync.RWMutex
	account *types.Account
	closed  bool
}

// NewMemoryPersistence creates a new in-memory account cell.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{}
}

// SaveAccount persists the account, overwriting any existing one.
func (m *MemoryPersistence) SaveAccount(account *types.Account) error {
	if account == nil {
		return fmt.Errorf("cannot save nil Account")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	m.account = deepCopyAccount(account)
	return nil
}

// LoadAccount retrieves the persisted account, or (nil, nil) when absent.
func (m *MemoryPersistence) LoadAccount() (*types.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	if m.account == nil {
		return nil, nil // absent means disconnected, not an error
	}
	return deepCopyAccount(m.account), nil
}

// DeleteAccount removes the persisted account. Idempotent.
func (m *MemoryPersistence) DeleteAccount() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	m.account = nil
	return nil
}

// Close shuts down the persistence layer.
func (m *MemoryPersistence) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// HealthCheck verifies the persistence layer is operational.
func (m *MemoryPersistence) HealthCheck() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}
	return nil
}

func deepCopyAccount(a *types.Account) *types.Account {
	if a == nil {
		return nil
	}

	out := &types.Account{
		Address:       a.Address,
		ActiveChainID: a.ActiveChainID,
	}
	if a.Session != nil {
		session := *a.Session
		if a.Session.SpendLimit != nil {
			session.SpendLimit = make(map[common.Address]*hexutil.Big, len(a.Session.SpendLimit))
			for token, amount := range a.Session.SpendLimit {
				if amount == nil {
					session.SpendLimit[token] = nil
					continue
				}
				amountCopy := hexutil.Big(*new(big.Int).Set((*big.Int)(amount)))
				session.SpendLimit[token] = &amountCopy
			}
		}
		out.Session = &session
	}
	return out
}
