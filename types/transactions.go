package types

import (
	"encoding/json"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// SignatureLength is the size of a recoverable signature, r || s || v.
const SignatureLength = 65

// Transaction is a signed rollup transaction. A nil To creates a contract
// from Data. The sender is not carried; it is recovered from Signature.
type Transaction struct {
	Nonce     uint64
	To        *common.Address
	Data      []byte
	GasLimit  uint64
	GasPrice  *big.Int
	Value     *big.Int
	Signature []byte
}

// IsCreate reports whether the transaction deploys a contract.
func (tx *Transaction) IsCreate() bool {
	return tx.To == nil
}

// Fee is gasLimit * gasPrice.
func (tx *Transaction) Fee() *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(tx.GasLimit), tx.gasPrice())
}

// Cost is value + fee, the amount the sender must hold.
func (tx *Transaction) Cost() *big.Int {
	return new(big.Int).Add(tx.value(), tx.Fee())
}

func (tx *Transaction) gasPrice() *big.Int {
	if tx.GasPrice == nil {
		return new(big.Int)
	}
	return tx.GasPrice
}

func (tx *Transaction) value() *big.Int {
	if tx.Value == nil {
		return new(big.Int)
	}
	return tx.Value
}

// Copy returns a deep copy.
func (tx *Transaction) Copy() *Transaction {
	cpy := &Transaction{
		Nonce:     tx.Nonce,
		Data:      common.CopyBytes(tx.Data),
		GasLimit:  tx.GasLimit,
		GasPrice:  new(big.Int).Set(tx.gasPrice()),
		Value:     new(big.Int).Set(tx.value()),
		Signature: common.CopyBytes(tx.Signature),
	}
	if tx.To != nil {
		to := *tx.To
		cpy.To = &to
	}
	return cpy
}

type txJSON struct {
	Nonce     *hexutil.Uint64 `json:"nonce"`
	To        *common.Address `json:"to"`
	Data      hexutil.Bytes   `json:"data"`
	GasLimit  *hexutil.Uint64 `json:"gasLimit"`
	GasPrice  *hexutil.Big    `json:"gasPrice"`
	Value     *hexutil.Big    `json:"value"`
	Signature hexutil.Bytes   `json:"signature"`
}

var errMissingTxField = errors.New("missing required field in transaction")

func (tx *Transaction) MarshalJSON() ([]byte, error) {
	nonce := hexutil.Uint64(tx.Nonce)
	gasLimit := hexutil.Uint64(tx.GasLimit)
	return json.Marshal(&txJSON{
		Nonce:     &nonce,
		To:        tx.To,
		Data:      tx.Data,
		GasLimit:  &gasLimit,
		GasPrice:  (*hexutil.Big)(tx.gasPrice()),
		Value:     (*hexutil.Big)(tx.value()),
		Signature: tx.Signature,
	})
}

func (tx *Transaction) UnmarshalJSON(input []byte) error {
	var dec txJSON
	if err := json.Unmarshal(input, &dec); err != nil {
		return err
	}
	if dec.Nonce == nil || dec.GasLimit == nil || dec.GasPrice == nil || dec.Value == nil || dec.Signature == nil {
		return errMissingTxField
	}
	tx.Nonce = uint64(*dec.Nonce)
	tx.To = dec.To
	tx.Data = dec.Data
	tx.GasLimit = uint64(*dec.GasLimit)
	tx.GasPrice = (*big.Int)(dec.GasPrice)
	tx.Value = (*big.Int)(dec.Value)
	tx.Signature = dec.Signature
	return nil
}
