package execution

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rolled-bit/go-rollup/db/memorydb"
	"github.com/rolled-bit/go-rollup/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateCollision(t *testing.T) {
	state, err := ledger.NewLedger(memorydb.NewDB())
	require.NoError(t, err)
	engine := NewEngine(false)
	sender := common.HexToAddress("0x01")

	addr, err := engine.Create(state, sender, 0, []byte{0x60})
	require.NoError(t, err)
	assert.Equal(t, crypto.CreateAddress(sender, 0), addr)

	acct, err := state.GetAccount(addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), acct.Nonce)

	_, err = engine.Create(state, sender, 0, nil)
	assert.ErrorIs(t, err, ErrContractCollision)
}

func TestCall(t *testing.T) {
	state, err := ledger.NewLedger(memorydb.NewDB())
	require.NoError(t, err)
	sender := common.HexToAddress("0x01")
	target := common.HexToAddress("0x02")

	assert.NoError(t, NewEngine(false).Call(state, sender, target, []byte{1}))
	assert.ErrorIs(t, NewEngine(true).Call(state, sender, target, []byte{1}), ErrNoCode)

	state.SetCode(target, []byte{0x60})
	assert.NoError(t, NewEngine(true).Call(state, sender, target, []byte{1}))
}
