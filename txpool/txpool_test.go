package txpool

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rolled-bit/go-rollup/codec"
	"github.com/rolled-bit/go-rollup/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, nonce uint64) *types.Transaction {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	to := common.HexToAddress("0xbb")
	tx := &types.Transaction{Nonce: nonce, To: &to, GasLimit: 1, GasPrice: big.NewInt(1), Value: big.NewInt(1)}
	_, err = codec.Sign(tx, key)
	require.NoError(t, err)
	return tx
}

func TestFIFO(t *testing.T) {
	p := NewTxPool(10, 0)
	for i := uint64(0); i < 5; i++ {
		_, _, err := p.Add(signed(t, i))
		require.NoError(t, err)
	}
	assert.Equal(t, 5, p.Len())

	front := p.Peek(3)
	require.Len(t, front, 3)
	for i, tx := range front {
		assert.Equal(t, uint64(i), tx.Nonce)
	}
	assert.Len(t, p.Peek(100), 5)

	p.Remove(3)
	assert.Equal(t, 2, p.Len())
	assert.Equal(t, uint64(3), p.Peek(1)[0].Nonce)

	p.Remove(10)
	assert.Equal(t, 0, p.Len())
}

func TestDeduplicate(t *testing.T) {
	p := NewTxPool(10, 0)
	tx := signed(t, 0)
	hash, _, err := p.Add(tx)
	require.NoError(t, err)
	assert.True(t, p.Has(hash))

	_, _, err = p.Add(tx)
	assert.ErrorIs(t, err, ErrAlreadyKnown)

	p.Remove(1)
	assert.False(t, p.Has(hash))
	_, _, err = p.Add(tx)
	assert.NoError(t, err, "removed transactions may be resubmitted")
}

func TestRejects(t *testing.T) {
	p := NewTxPool(1, 0)
	_, _, err := p.Add(signed(t, 0))
	require.NoError(t, err)
	_, _, err = p.Add(signed(t, 1))
	assert.ErrorIs(t, err, ErrPoolFull)

	bad := signed(t, 0)
	bad.Signature[64] = 9
	_, _, err = NewTxPool(1, 0).Add(bad)
	assert.ErrorIs(t, err, codec.ErrInvalidSignature)

	noValue := signed(t, 0)
	noValue.Value = nil
	_, _, err = NewTxPool(1, 0).Add(noValue)
	assert.ErrorIs(t, err, ErrMissingAmount)
}

func TestRejectsOversized(t *testing.T) {
	tx := signed(t, 0)
	size := codec.MaxEncodedSize(tx)
	_, _, err := NewTxPool(10, size-1).Add(tx)
	assert.ErrorIs(t, err, ErrTxTooLarge)

	p := NewTxPool(10, size)
	_, _, err = p.Add(tx)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Len())
}
