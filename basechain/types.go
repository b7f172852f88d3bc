package basechain

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/btcutil"
)

// Block is the verbosity 2 form of getblock, reduced to what the rollup reads.
type Block struct {
	Hash   string `json:"hash"`
	Height uint64 `json:"height"`
	Tx     []Tx   `json:"tx"`
}

type Tx struct {
	Txid string `json:"txid"`
	Vout []Vout `json:"vout"`
}

type Vout struct {
	Value        float64      `json:"value"`
	N            uint32       `json:"n"`
	ScriptPubKey ScriptPubKey `json:"scriptPubKey"`
}

type ScriptPubKey struct {
	Hex     string `json:"hex"`
	Type    string `json:"type"`
	Address string `json:"address,omitempty"`
}

// Script decodes the output script.
func (s ScriptPubKey) Script() ([]byte, error) {
	return hex.DecodeString(s.Hex)
}

// Unspent is one listunspent entry.
type Unspent struct {
	Txid          string  `json:"txid"`
	Vout          uint32  `json:"vout"`
	Address       string  `json:"address"`
	ScriptPubKey  string  `json:"scriptPubKey"`
	Amount        float64 `json:"amount"`
	Confirmations int64   `json:"confirmations"`
	Spendable     bool    `json:"spendable"`
}

// Value converts the BTC amount to satoshis.
func (u Unspent) Value() (btcutil.Amount, error) {
	return btcutil.NewAmount(u.Amount)
}

type processedPsbt struct {
	Psbt     string `json:"psbt"`
	Complete bool   `json:"complete"`
}

type finalizedPsbt struct {
	Hex      string `json:"hex"`
	Complete bool   `json:"complete"`
}
