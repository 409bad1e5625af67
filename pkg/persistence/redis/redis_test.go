package redis

import (
	"os"
	"testing"
	"time"

	"github.com/Latchkey-Labs/latchkey-go/pkg/logger"
	"github.com/Latchkey-Labs/latchkey-go/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getTestRedisAddress returns the Redis address for testing.
// Uses REDIS_TEST_ADDRESS env var if set, otherwise defaults to localhost:6379.
func getTestRedisAddress() string {
	if addr := os.Getenv("REDIS_TEST_ADDRESS"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

// requireRedis skips the test when no Redis server is reachable.
func requireRedis(t *testing.T) *RedisPersistence {
	t.Helper()

	cfg := &RedisConfig{
		Address:   getTestRedisAddress(),
		DB:        15, // dedicated test DB
		KeyPrefix: "test:",
	}

	rp, err := NewRedisPersistence(cfg, logger.NewNopLogger())
	if err != nil {
		t.Skipf("Redis not available at %s: %v", cfg.Address, err)
		return nil
	}

	t.Cleanup(func() {
		_ = rp.DeleteAccount()
		_ = rp.Close()
	})
	return rp
}

func sampleAccount() *types.Account {
	return &types.Account{
		Address:       common.HexToAddress("0xabc0000000000000000000000000000000000001"),
		ActiveChainID: 11155111,
		Session: &types.SessionData{
			Session: types.Session{
				ValidUntil: time.Now().Add(time.Hour).UTC().Truncate(time.Second),
				ChainID:    11155111,
			},
			SessionKey: common.HexToAddress("0xabc0000000000000000000000000000000000002"),
			Owner:      common.HexToAddress("0xabc0000000000000000000000000000000000001"),
		},
	}
}

func TestRedisPersistence_SaveLoadDelete(t *testing.T) {
	rp := requireRedis(t)

	account := sampleAccount()
	require.NoError(t, rp.SaveAccount(account))

	loaded, err := rp.LoadAccount()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, account.Address, loaded.Address)
	assert.Equal(t, account.ActiveChainID, loaded.ActiveChainID)

	require.NoError(t, rp.DeleteAccount())
	loaded, err = rp.LoadAccount()
	require.NoError(t, err)
	assert.Nil(t, loaded)

	// idempotent
	require.NoError(t, rp.DeleteAccount())
}

func TestRedisPersistence_NilAccount(t *testing.T) {
	rp := requireRedis(t)

	err := rp.SaveAccount(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil Account")
}

func TestRedisPersistence_HealthCheck(t *testing.T) {
	rp := requireRedis(t)
	require.NoError(t, rp.HealthCheck())
}

func TestRedisPersistence_BadConfig(t *testing.T) {
	_, err := NewRedisPersistence(nil, logger.NewNopLogger())
	require.Error(t, err)

	_, err = NewRedisPersistence(&RedisConfig{}, logger.NewNopLogger())
	require.Error(t, err)
}
