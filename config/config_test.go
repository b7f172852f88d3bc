package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
basechain:
  rpcUrl: http://bitcoind:8332
  network: signet
  rpcTimeout: 3s
rollup:
  depositAddress: tb1qdeposit
sequencer:
  enabled: true
  address: "0x5e00000000000000000000000000000000000000"
  maxBatchSize: 20
genesis:
  mintAddress: "0x00000000000000000000000000000000000000a1"
  mintAmount: "1000000000000000000000"
sync:
  startHeight: 120
  malformedBatchPolicy: halt
storage:
  engine: leveldb
`

func writeFile(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "rollup.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(viper.New(), writeFile(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, "http://bitcoind:8332", cfg.Basechain.RPCURL)
	assert.Equal(t, "signet", cfg.Basechain.Network)
	assert.Equal(t, 3*time.Second, cfg.Basechain.RPCTimeout)
	assert.Equal(t, "tb1qdeposit", cfg.DepositAddress)
	assert.True(t, cfg.Sequencer.Enabled)
	assert.Equal(t, common.HexToAddress("0x5e00000000000000000000000000000000000000"), cfg.Sequencer.Address)
	assert.Equal(t, 20, cfg.Sequencer.MaxBatchSize)
	assert.Equal(t, common.HexToAddress("0xa1"), cfg.MintAddress)
	assert.Equal(t, "1000000000000000000000", cfg.MintAmount.String())
	assert.Equal(t, uint64(120), cfg.Sync.StartHeight)
	assert.Equal(t, "halt", cfg.Sync.MalformedBatchPolicy)
	assert.Equal(t, "leveldb", cfg.Storage.Engine)

	// untouched keys keep their defaults
	assert.Equal(t, 100*time.Second, cfg.Sequencer.Interval)
	assert.Equal(t, 80, cfg.Sequencer.ChunkSize)
	assert.Equal(t, int64(546), cfg.Sequencer.AnchorAmount)
	assert.Equal(t, int64(1000), cfg.Sequencer.Fee)
	assert.Equal(t, time.Hour, cfg.Sequencer.ReanchorAfter)
	assert.Empty(t, cfg.Sequencer.URL)
	assert.Equal(t, uint64(10), cfg.Sync.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.InitialBackoff)
	assert.Equal(t, 3000, cfg.RPC.Port)
	assert.Equal(t, 10000, cfg.PoolCapacity)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("ROLLUP_SYNC_MAXRETRIES", "3")
	t.Setenv("ROLLUP_BASECHAIN_RPCPASSWORD", "secret")

	cfg, err := Load(viper.New(), writeFile(t, testConfig))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cfg.Sync.MaxRetries)
	assert.Equal(t, "secret", cfg.Basechain.RPCPassword)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing deposit", `
genesis:
  mintAddress: "0x00000000000000000000000000000000000000a1"
`},
		{"missing mint", `
rollup:
  depositAddress: tb1qdeposit
`},
		{"sequencer without address", `
rollup:
  depositAddress: tb1qdeposit
genesis:
  mintAddress: "0x00000000000000000000000000000000000000a1"
sequencer:
  enabled: true
`},
		{"bad policy", `
rollup:
  depositAddress: tb1qdeposit
genesis:
  mintAddress: "0x00000000000000000000000000000000000000a1"
sync:
  malformedBatchPolicy: ignore
`},
		{"bad engine", `
rollup:
  depositAddress: tb1qdeposit
genesis:
  mintAddress: "0x00000000000000000000000000000000000000a1"
storage:
  engine: postgres
`},
		{"bad sequencer url", `
rollup:
  depositAddress: tb1qdeposit
genesis:
  mintAddress: "0x00000000000000000000000000000000000000a1"
sequencer:
  url: localhost:3000
`},
		{"bad address", `
rollup:
  depositAddress: tb1qdeposit
genesis:
  mintAddress: "0xnothex"
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(viper.New(), writeFile(t, tt.content))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "rollup.yaml")
	require.NoError(t, WriteDefault(path))
	assert.Error(t, WriteDefault(path))

	t.Setenv("ROLLUP_ROLLUP_DEPOSITADDRESS", "bcrt1qdeposit")
	t.Setenv("ROLLUP_GENESIS_MINTADDRESS", "0x00000000000000000000000000000000000000a1")
	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "badger", cfg.Storage.Engine)
	assert.Equal(t, 5*time.Second, cfg.Sync.PollInterval)
	assert.Equal(t, "bcrt1qdeposit", cfg.DepositAddress)
}
