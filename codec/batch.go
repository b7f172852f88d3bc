package codec

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rolled-bit/go-rollup/types"
)

// EncodeBatch writes the raw sequencer address followed by every transaction
// in order. No count is stored; the decoder reads until the input ends.
func EncodeBatch(txs []*types.Transaction, sequencer common.Address, indexer AddressIndexer) ([]byte, error) {
	out := make([]byte, 0, common.AddressLength+len(txs)*160)
	out = append(out, sequencer.Bytes()...)
	for i, tx := range txs {
		encoded, err := EncodeTransaction(tx, indexer)
		if err != nil {
			return nil, fmt.Errorf("encode tx %d: %w", i, err)
		}
		out = append(out, encoded...)
	}
	return out, nil
}

// DecodeBatch is the inverse of EncodeBatch. Any framing failure, including
// an unknown index, is reported as ErrMalformedBatch wrapping the cause.
func DecodeBatch(data []byte, indexer AddressIndexer) (*types.Batch, error) {
	if len(data) < common.AddressLength {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the sequencer prefix", ErrMalformedBatch, len(data))
	}
	batch := &types.Batch{Sequencer: common.BytesToAddress(data[:common.AddressLength])}

	rest := data[common.AddressLength:]
	for len(rest) > 0 {
		tx, n, err := DecodeTransaction(rest, indexer)
		if err != nil {
			return nil, fmt.Errorf("%w: tx %d at offset %d: %w", ErrMalformedBatch, len(batch.Transactions), len(data)-len(rest), err)
		}
		batch.Transactions = append(batch.Transactions, tx)
		rest = rest[n:]
	}
	return batch, nil
}
