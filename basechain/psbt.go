package basechain

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// DustLimit is the smallest change output worth creating.
	DustLimit btcutil.Amount = 546

	// MaxStandardTxWeight is the largest transaction Bitcoin Core relays.
	MaxStandardTxWeight = 400000
	witnessScaleFactor  = 4

	// anchorOverhead bounds everything but the null-data outputs, in virtual
	// bytes: version, locktime, counts, one input with its signature and the
	// deposit and change outputs.
	anchorOverhead = 400
)

var (
	ErrNoFunds       = errors.New("no spendable output covers the anchor")
	ErrFrameTooLarge = errors.New("frame exceeds the standard transaction size")
	errBadChunkSize  = errors.New("chunk size out of range")
)

// MaxFrameSize is the largest frame whose anchor, split into chunks of
// chunkSize bytes, stays within MaxStandardTxWeight.
func MaxFrameSize(chunkSize int) (int, error) {
	if chunkSize <= 0 || chunkSize > txscript.MaxDataCarrierSize {
		return 0, fmt.Errorf("%w: %d", errBadChunkSize, chunkSize)
	}
	script, err := txscript.NullDataScript(make([]byte, chunkSize))
	if err != nil {
		return 0, err
	}
	outputSize := wire.NewTxOut(0, script).SerializeSize()
	chunks := (MaxStandardTxWeight/witnessScaleFactor - anchorOverhead) / outputSize
	return chunks * chunkSize, nil
}

// AnchorParams shapes the anchoring transaction.
type AnchorParams struct {
	DepositScript []byte
	AnchorAmount  btcutil.Amount
	Fee           btcutil.Amount
	ChunkSize     int
}

// SelectFunding picks the largest spendable output. Fee estimation and coin
// selection are out of scope; the fee is a flat configured amount.
func SelectFunding(utxos []Unspent, need btcutil.Amount) (Unspent, btcutil.Amount, error) {
	var best Unspent
	var bestValue btcutil.Amount
	found := false
	for _, u := range utxos {
		if !u.Spendable {
			continue
		}
		value, err := u.Value()
		if err != nil {
			return Unspent{}, 0, err
		}
		if !found || value > bestValue {
			best, bestValue, found = u, value, true
		}
	}
	if !found || bestValue < need {
		return Unspent{}, 0, fmt.Errorf("%w: need %s", ErrNoFunds, need)
	}
	return best, bestValue, nil
}

// BuildAnchorPsbt returns an unsigned base64 PSBT spending the largest
// spendable output. Output 0 pays the deposit script, then one null-data
// output per chunk of frame, then change back to the funding address.
func BuildAnchorPsbt(frame []byte, utxos []Unspent, params AnchorParams) (string, error) {
	maxFrame, err := MaxFrameSize(params.ChunkSize)
	if err != nil {
		return "", err
	}
	if len(frame) > maxFrame {
		return "", fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, len(frame), maxFrame)
	}
	funding, value, err := SelectFunding(utxos, params.AnchorAmount+params.Fee)
	if err != nil {
		return "", err
	}
	hash, err := chainhash.NewHashFromStr(funding.Txid)
	if err != nil {
		return "", fmt.Errorf("funding txid: %w", err)
	}
	fundingScript, err := hex.DecodeString(funding.ScriptPubKey)
	if err != nil {
		return "", fmt.Errorf("funding script: %w", err)
	}

	outputs := []*wire.TxOut{wire.NewTxOut(int64(params.AnchorAmount), params.DepositScript)}
	for _, chunk := range Chunk(frame, params.ChunkSize) {
		script, err := txscript.NullDataScript(chunk)
		if err != nil {
			return "", err
		}
		outputs = append(outputs, wire.NewTxOut(0, script))
	}
	if change := value - params.AnchorAmount - params.Fee; change >= DustLimit {
		outputs = append(outputs, wire.NewTxOut(int64(change), fundingScript))
	}

	packet, err := psbt.New(
		[]*wire.OutPoint{wire.NewOutPoint(hash, funding.Vout)},
		outputs,
		2,
		0,
		[]uint32{wire.MaxTxInSequenceNum},
	)
	if err != nil {
		return "", err
	}
	if txscript.IsWitnessProgram(fundingScript) {
		packet.Inputs[0].WitnessUtxo = wire.NewTxOut(int64(value), fundingScript)
	}
	return packet.B64Encode()
}
