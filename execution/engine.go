// Package execution is the default contract engine. It records init code at
// the derived contract address; running bytecode is left to an external
// engine plugged in through the same interface.
package execution

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rolled-bit/go-rollup/statemachine"
)

// MaxCodeSize bounds deployed code, as on Ethereum (EIP-170).
const MaxCodeSize = 24576

var (
	ErrContractCollision = errors.New("contract address collision")
	ErrCodeTooLarge      = errors.New("contract code too large")
	ErrNoCode            = errors.New("call data sent to an account without code")
)

var _ statemachine.Executor = (*Engine)(nil)

type Engine struct {
	// strictCalls rejects calls carrying data to accounts without code.
	strictCalls bool
}

func NewEngine(strictCalls bool) *Engine {
	return &Engine{strictCalls: strictCalls}
}

// Create stores code at the address derived from sender and nonce.
func (e *Engine) Create(state statemachine.State, sender common.Address, nonce uint64, code []byte) (common.Address, error) {
	if len(code) > MaxCodeSize {
		return common.Address{}, fmt.Errorf("%w: %d bytes", ErrCodeTooLarge, len(code))
	}
	addr := crypto.CreateAddress(sender, nonce)

	existing, err := state.GetCode(addr)
	if err != nil {
		return common.Address{}, err
	}
	acct, err := state.GetAccount(addr)
	if err != nil {
		return common.Address{}, err
	}
	if len(existing) > 0 || acct.Nonce != 0 {
		return common.Address{}, fmt.Errorf("%w: %s", ErrContractCollision, addr.Hex())
	}

	acct.Nonce = 1
	state.SetAccount(acct)
	if len(code) > 0 {
		state.SetCode(addr, code)
	}
	return addr, nil
}

// Call accepts input for to. Value has already been moved by the caller.
func (e *Engine) Call(state statemachine.State, sender common.Address, to common.Address, input []byte) error {
	if !e.strictCalls {
		return nil
	}
	code, err := state.GetCode(to)
	if err != nil {
		return err
	}
	if len(code) == 0 {
		return fmt.Errorf("%w: %s", ErrNoCode, to.Hex())
	}
	return nil
}
