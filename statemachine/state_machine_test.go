package statemachine_test

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rolled-bit/go-rollup/codec"
	"github.com/rolled-bit/go-rollup/db/memorydb"
	"github.com/rolled-bit/go-rollup/execution"
	"github.com/rolled-bit/go-rollup/indexer"
	"github.com/rolled-bit/go-rollup/ledger"
	"github.com/rolled-bit/go-rollup/statemachine"
	"github.com/rolled-bit/go-rollup/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sequencer = common.HexToAddress("0x5e00000000000000000000000000000000000000")

type fixture struct {
	db     *memorydb.DB
	ledger *ledger.Ledger
	ix     *indexer.Indexer
	sm     *statemachine.StateMachine
	key    *ecdsa.PrivateKey
	sender common.Address
}

func newFixture(t *testing.T, funds int64) *fixture {
	db := memorydb.NewDB()
	l, err := ledger.NewLedger(db)
	require.NoError(t, err)
	ix, err := indexer.NewIndexer(db, 0)
	require.NoError(t, err)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	f := &fixture{
		db:     db,
		ledger: l,
		ix:     ix,
		sm:     statemachine.NewStateMachine(l, execution.NewEngine(false)),
		key:    key,
		sender: crypto.PubkeyToAddress(key.PublicKey),
	}
	require.NoError(t, f.sm.Genesis(f.sender, big.NewInt(funds), ix))
	f.flush(t)
	return f
}

func (f *fixture) flush(t *testing.T) []byte {
	tx := f.db.NewTx()
	root, err := f.ledger.Flush(tx)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return root
}

func (f *fixture) tx(t *testing.T, nonce uint64, to *common.Address, value int64, data []byte) *types.Transaction {
	tx := &types.Transaction{
		Nonce:    nonce,
		To:       to,
		Data:     data,
		GasLimit: 10,
		GasPrice: big.NewInt(1),
		Value:    big.NewInt(value),
	}
	_, err := codec.Sign(tx, f.key)
	require.NoError(t, err)
	return tx
}

func (f *fixture) account(t *testing.T, addr common.Address) *types.Account {
	acct, err := f.ledger.GetAccount(addr)
	require.NoError(t, err)
	return acct
}

func assertBalance(t *testing.T, want int64, acct *types.Account) {
	assert.Equal(t, 0, acct.Balance.Cmp(big.NewInt(want)), "balance %s, want %d", acct.Balance, want)
}

func addr(b byte) *common.Address {
	a := common.BytesToAddress([]byte{b})
	return &a
}

func TestGenesis(t *testing.T) {
	f := newFixture(t, 1000)

	accounts, err := f.ledger.Accounts()
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, f.sender, accounts[0].Address)
	assertBalance(t, 1000, accounts[0])

	resolved, err := f.ix.Resolve(0)
	require.NoError(t, err)
	assert.Equal(t, f.sender, resolved)
}

func TestGenesisNeedsFreshIndexer(t *testing.T) {
	f := newFixture(t, 1000)
	other := common.HexToAddress("0x77")
	err := f.sm.Genesis(other, big.NewInt(1), f.ix)
	assert.Error(t, err)
}

func TestThreeTransfers(t *testing.T) {
	f := newFixture(t, 1000)
	batch := &types.Batch{
		Sequencer: sequencer,
		Transactions: []*types.Transaction{
			f.tx(t, 0, addr(1), 100, nil),
			f.tx(t, 1, addr(2), 100, nil),
			f.tx(t, 2, addr(3), 100, nil),
		},
	}

	result, err := f.sm.ApplyBatch(batch)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Applied)
	assert.Empty(t, result.Skipped)

	sender := f.account(t, f.sender)
	assert.Equal(t, uint64(3), sender.Nonce)
	assertBalance(t, 1000-3*(100+10), sender)
	for i := byte(1); i <= 3; i++ {
		assertBalance(t, 100, f.account(t, *addr(i)))
	}
	assertBalance(t, 30, f.account(t, sequencer))
}

func TestNonceMismatchLeavesLedgerUnchanged(t *testing.T) {
	f := newFixture(t, 1000)
	before := f.ledger.StateRoot()

	batch := &types.Batch{
		Sequencer: sequencer,
		Transactions: []*types.Transaction{
			f.tx(t, 1, addr(1), 100, nil), // future nonce
		},
	}
	result, err := f.sm.ApplyBatch(batch)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Applied)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, statemachine.ReasonNonceMismatch, result.Skipped[0].Reason)
	assert.ErrorIs(t, result.Skipped[0].Err, statemachine.ErrNonceMismatch)

	assert.Equal(t, before, f.flush(t))
}

func TestSkipDoesNotHaltBatch(t *testing.T) {
	f := newFixture(t, 1000)
	batch := &types.Batch{
		Sequencer: sequencer,
		Transactions: []*types.Transaction{
			f.tx(t, 0, addr(1), 100, nil),
			f.tx(t, 0, addr(2), 100, nil), // stale
			f.tx(t, 1, addr(3), 100, nil),
		},
	}
	result, err := f.sm.ApplyBatch(batch)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Applied)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, 1, result.Skipped[0].Index)
	assertBalance(t, 0, f.account(t, *addr(2)))
	assertBalance(t, 100, f.account(t, *addr(3)))
}

func TestInsufficientBalance(t *testing.T) {
	f := newFixture(t, 100)
	batch := &types.Batch{
		Sequencer:    sequencer,
		Transactions: []*types.Transaction{f.tx(t, 0, addr(1), 95, nil)}, // 95 + fee 10 > 100
	}
	result, err := f.sm.ApplyBatch(batch)
	require.NoError(t, err)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, statemachine.ReasonInsufficientBalance, result.Skipped[0].Reason)

	sender := f.account(t, f.sender)
	assertBalance(t, 100, sender)
	assert.Equal(t, uint64(0), sender.Nonce)
	assertBalance(t, 0, f.account(t, *addr(1)))
}

func TestInvalidSignatureIsSkipped(t *testing.T) {
	f := newFixture(t, 1000)
	bad := f.tx(t, 0, addr(1), 100, nil)
	bad.Signature = bad.Signature[:10]

	result, err := f.sm.ApplyBatch(&types.Batch{Sequencer: sequencer, Transactions: []*types.Transaction{bad}})
	require.NoError(t, err)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, statemachine.ReasonInvalidSignature, result.Skipped[0].Reason)
	assert.ErrorIs(t, result.Skipped[0].Err, codec.ErrInvalidSignature)
}

func TestContractCreation(t *testing.T) {
	f := newFixture(t, 1000)
	code := []byte{0x60, 0x00, 0x60, 0x00}
	result, err := f.sm.ApplyBatch(&types.Batch{
		Sequencer:    sequencer,
		Transactions: []*types.Transaction{f.tx(t, 0, nil, 50, code)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)

	created := crypto.CreateAddress(f.sender, 0)
	stored, err := f.ledger.GetCode(created)
	require.NoError(t, err)
	assert.Equal(t, code, stored)
	assertBalance(t, 50, f.account(t, created))
}

func TestExecutionFailureReverts(t *testing.T) {
	f := newFixture(t, 1000)
	tooLarge := make([]byte, execution.MaxCodeSize+1)
	result, err := f.sm.ApplyBatch(&types.Batch{
		Sequencer:    sequencer,
		Transactions: []*types.Transaction{f.tx(t, 0, nil, 50, tooLarge)},
	})
	require.NoError(t, err)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, statemachine.ReasonExecutionFailed, result.Skipped[0].Reason)
	assert.ErrorIs(t, result.Skipped[0].Err, execution.ErrCodeTooLarge)

	sender := f.account(t, f.sender)
	assert.Equal(t, uint64(0), sender.Nonce)
	assertBalance(t, 1000, sender)
	assertBalance(t, 0, f.account(t, sequencer))
}

func TestStrictCallRejectsCodelessTarget(t *testing.T) {
	f := newFixture(t, 1000)
	f.sm = statemachine.NewStateMachine(f.ledger, execution.NewEngine(true))

	result, err := f.sm.ApplyBatch(&types.Batch{
		Sequencer:    sequencer,
		Transactions: []*types.Transaction{f.tx(t, 0, addr(9), 10, []byte{1})},
	})
	require.NoError(t, err)
	require.Len(t, result.Skipped, 1)
	assert.ErrorIs(t, result.Skipped[0].Err, execution.ErrNoCode)
	assertBalance(t, 0, f.account(t, *addr(9)))
}
