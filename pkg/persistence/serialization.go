package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/Latchkey-Labs/latchkey-go/pkg/types"
)

// MarshalAccount serializes an Account to JSON bytes.
func MarshalAccount(account *types.Account) ([]byte, error) {
	if account == nil {
		return nil, fmt.Errorf("cannot marshal nil Account")
	}

	data, err := json.Marshal(account)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal Account to JSON: %w", err)
	}

	return data, nil
}

// UnmarshalAccount deserializes an Account from JSON bytes.
func UnmarshalAccount(data []byte) (*types.Account, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}

	var account types.Account
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON to Account: %w", err)
	}

	return &account, nil
}
