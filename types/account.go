package types

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// Account is a rollup ledger entry. Code lives with the execution engine.
type Account struct {
	Address common.Address
	Nonce   uint64
	Balance *big.Int
}

type accountRLP struct {
	Nonce   uint64
	Balance *big.Int
}

// NewAccount returns an empty account for addr.
func NewAccount(addr common.Address) *Account {
	return &Account{Address: addr, Balance: new(big.Int)}
}

func (a *Account) Copy() *Account {
	return &Account{
		Address: a.Address,
		Nonce:   a.Nonce,
		Balance: new(big.Int).Set(a.Balance),
	}
}

// IsEmpty reports whether the account has neither nonce nor balance.
func (a *Account) IsEmpty() bool {
	return a.Nonce == 0 && a.Balance.Sign() == 0
}

// Serialize encodes the account as the RLP list [nonce, balance].
func (a *Account) Serialize() ([]byte, error) {
	data, err := rlp.EncodeToBytes(&accountRLP{Nonce: a.Nonce, Balance: a.Balance})
	if err != nil {
		return nil, fmt.Errorf("Serialize Account %s: %w", a.Address.Hex(), err)
	}
	return data, nil
}

// DeserializeAccount decodes an account written by Serialize.
func DeserializeAccount(addr common.Address, data []byte) (*Account, error) {
	var dec accountRLP
	if err := rlp.DecodeBytes(data, &dec); err != nil {
		return nil, fmt.Errorf("Deserialize Account %s: %w", addr.Hex(), err)
	}
	if dec.Balance == nil {
		dec.Balance = new(big.Int)
	}
	return &Account{Address: addr, Nonce: dec.Nonce, Balance: dec.Balance}, nil
}
