// Package statemachine applies decoded batches to the ledger.
package statemachine

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rolled-bit/go-rollup/codec"
	rollupdb "github.com/rolled-bit/go-rollup/db"
	"github.com/rolled-bit/go-rollup/log"
	"github.com/rolled-bit/go-rollup/types"
)

var logger = log.NewLogger("statemachine")

var (
	ErrNonceMismatch       = errors.New("nonce mismatch")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Skip reasons reported in Result.
const (
	ReasonInvalidSignature    = "invalid_signature"
	ReasonNonceMismatch       = "nonce_mismatch"
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonExecutionFailed     = "execution_failed"
)

// State is the ledger surface the state machine mutates.
type State interface {
	GetAccount(addr common.Address) (*types.Account, error)
	SetAccount(acct *types.Account)
	GetCode(addr common.Address) ([]byte, error)
	SetCode(addr common.Address, code []byte)
	Checkpoint()
	Commit() error
	Revert() error
}

// Executor runs contract creation and calls. It mutates state only through
// the State it is handed, inside the checkpoint of the transaction.
type Executor interface {
	Create(state State, sender common.Address, nonce uint64, code []byte) (common.Address, error)
	Call(state State, sender common.Address, to common.Address, input []byte) error
}

// AddressIndexer registers the genesis address.
type AddressIndexer interface {
	GetOrAssign(addr common.Address) (uint64, bool, error)
}

// Skipped describes a transaction that was not applied.
type Skipped struct {
	Index  int
	Reason string
	Err    error
}

// Result summarises one ApplyBatch call.
type Result struct {
	Applied int
	Skipped []Skipped
}

type StateMachine struct {
	state    State
	executor Executor
}

func NewStateMachine(state State, executor Executor) *StateMachine {
	return &StateMachine{state: state, executor: executor}
}

// ApplyBatch applies the batch transactions in order. Transactions that fail
// validation or execution are skipped without touching the ledger; the
// returned error is reserved for storage failures, after which the ledger
// must be discarded.
func (sm *StateMachine) ApplyBatch(batch *types.Batch) (*Result, error) {
	result := &Result{}
	for i, tx := range batch.Transactions {
		reason, err := sm.ApplyTransaction(tx, batch.Sequencer)
		if err != nil && errors.Is(err, rollupdb.ErrStorage) {
			return result, err
		}
		if reason != "" {
			logger.Debug().Int("tx", i).Str("reason", reason).Err(err).Msg("Skip transaction")
			result.Skipped = append(result.Skipped, Skipped{Index: i, Reason: reason, Err: err})
			continue
		}
		result.Applied++
	}
	return result, nil
}

// ApplyTransaction applies one transaction and credits the fee to sequencer.
// A non-empty reason means the transaction was skipped.
func (sm *StateMachine) ApplyTransaction(tx *types.Transaction, sequencer common.Address) (string, error) {
	sender, err := codec.Verify(tx)
	if err != nil {
		return ReasonInvalidSignature, err
	}

	senderAccount, err := sm.state.GetAccount(sender)
	if err != nil {
		return ReasonExecutionFailed, err
	}
	if senderAccount.Nonce != tx.Nonce {
		return ReasonNonceMismatch, fmt.Errorf("%w: account %d, tx %d", ErrNonceMismatch, senderAccount.Nonce, tx.Nonce)
	}
	cost := tx.Cost()
	if senderAccount.Balance.Cmp(cost) < 0 {
		return ReasonInsufficientBalance, fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, senderAccount.Balance, cost)
	}

	sm.state.Checkpoint()
	if err := sm.execute(tx, sender, senderAccount, cost, sequencer); err != nil {
		if revertErr := sm.state.Revert(); revertErr != nil {
			return ReasonExecutionFailed, revertErr
		}
		return ReasonExecutionFailed, err
	}
	return "", sm.state.Commit()
}

func (sm *StateMachine) execute(tx *types.Transaction, sender common.Address, senderAccount *types.Account, cost *big.Int, sequencer common.Address) error {
	senderAccount.Balance.Sub(senderAccount.Balance, cost)
	senderAccount.Nonce++
	sm.state.SetAccount(senderAccount)

	value := tx.Value
	if value == nil {
		value = new(big.Int)
	}

	var err error
	if tx.IsCreate() {
		err = sm.applyCreate(tx, sender, value)
	} else {
		err = sm.applyTransfer(tx, sender, value)
	}
	if err != nil {
		return err
	}
	return sm.credit(sequencer, tx.Fee())
}

func (sm *StateMachine) applyCreate(tx *types.Transaction, sender common.Address, value *big.Int) error {
	created, err := sm.executor.Create(sm.state, sender, tx.Nonce, tx.Data)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	return sm.credit(created, value)
}

func (sm *StateMachine) applyTransfer(tx *types.Transaction, sender common.Address, value *big.Int) error {
	if err := sm.credit(*tx.To, value); err != nil {
		return err
	}
	if len(tx.Data) == 0 {
		return nil
	}
	if err := sm.executor.Call(sm.state, sender, *tx.To, tx.Data); err != nil {
		return fmt.Errorf("call: %w", err)
	}
	return nil
}

func (sm *StateMachine) credit(addr common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	acct, err := sm.state.GetAccount(addr)
	if err != nil {
		return err
	}
	acct.Balance.Add(acct.Balance, amount)
	sm.state.SetAccount(acct)
	return nil
}

// Genesis mints amount to addr and records index 0 for it. The node calls it
// once, when no sync state has been persisted.
func (sm *StateMachine) Genesis(addr common.Address, amount *big.Int, indexer AddressIndexer) error {
	index, _, err := indexer.GetOrAssign(addr)
	if err != nil {
		return err
	}
	if index != 0 {
		return fmt.Errorf("genesis address %s got index %d, want 0", addr.Hex(), index)
	}

	sm.state.Checkpoint()
	acct, err := sm.state.GetAccount(addr)
	if err != nil {
		sm.state.Revert()
		return err
	}
	acct.Balance.Add(acct.Balance, amount)
	sm.state.SetAccount(acct)
	if err := sm.state.Commit(); err != nil {
		return err
	}
	logger.Info().Str("address", addr.Hex()).Str("amount", amount.String()).Msg("Genesis minted")
	return nil
}
