package persistence

import "github.com/Latchkey-Labs/latchkey-go/pkg/types"

// IAccountPersistence defines the interface for the persisted account cell.
// All implementations must be thread-safe.
//
// The cell holds at most one Account: its presence means "connected", its
// absence means "disconnected". The cell assumes a single writer; no
// cross-process invalidation signal is provided, so two processes sharing
// one store must coordinate externally.
type IAccountPersistence interface {
	// SaveAccount persists the account, overwriting any existing one.
	SaveAccount(account *types.Account) error

	// LoadAccount retrieves the persisted account.
	// Returns (nil, nil) when no account is stored (disconnected),
	// error only on storage failure.
	LoadAccount() (*types.Account, error)

	// DeleteAccount removes the persisted account.
	// Idempotent - returns nil when no account is stored.
	DeleteAccount() error

	// Close cleanly shuts down the persistence layer.
	// Idempotent - safe to call multiple times.
	// After Close(), all other operations should return errors.
	Close() error

	// HealthCheck verifies the persistence layer is operational.
	// Returns nil if healthy, error describing the problem if not.
	HealthCheck() error
}
