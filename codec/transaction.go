// Package codec serializes rollup transactions and batches into the compact
// form that is anchored on the base chain.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rolled-bit/go-rollup/types"
)

var (
	ErrTruncatedTransaction = errors.New("truncated transaction")
	ErrMalformedTransaction = errors.New("malformed transaction")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrMalformedBatch       = errors.New("malformed batch")
)

// Recipient tags.
const (
	toEmpty   byte = 0x00
	toIndexed byte = 0x01
	toRaw     byte = 0x02
)

const (
	uint64Size = 8
	wordSize   = 32

	// MaxDataLength bounds the data field of a decoded transaction.
	MaxDataLength = 1 << 20
)

// AddressIndexer is the part of the address index the codec drives.
type AddressIndexer interface {
	GetOrAssign(addr common.Address) (uint64, bool, error)
	Resolve(index uint64) (common.Address, error)
}

// EncodeTransaction appends the wire form of tx. A recipient seen for the
// first time is written raw and registered; known recipients are written as
// their index.
func EncodeTransaction(tx *types.Transaction, indexer AddressIndexer) ([]byte, error) {
	if len(tx.Signature) != types.SignatureLength {
		return nil, fmt.Errorf("%w: signature length %d", ErrMalformedTransaction, len(tx.Signature))
	}
	gasPrice, err := toWord(tx.GasPrice)
	if err != nil {
		return nil, fmt.Errorf("gasPrice: %w", err)
	}
	value, err := toWord(tx.Value)
	if err != nil {
		return nil, fmt.Errorf("value: %w", err)
	}

	out := make([]byte, 0, 2*uint64Size+2*wordSize+1+binary.MaxVarintLen64*2+len(tx.Data)+types.SignatureLength)
	out = binary.BigEndian.AppendUint64(out, tx.Nonce)
	out = binary.BigEndian.AppendUint64(out, tx.GasLimit)
	out = append(out, gasPrice[:]...)
	out = append(out, value[:]...)

	if tx.To == nil {
		out = append(out, toEmpty)
	} else {
		index, created, err := indexer.GetOrAssign(*tx.To)
		if err != nil {
			return nil, err
		}
		if created {
			out = append(out, toRaw)
			out = append(out, tx.To.Bytes()...)
		} else {
			out = append(out, toIndexed)
			out = binary.AppendUvarint(out, index)
		}
	}

	out = binary.AppendUvarint(out, uint64(len(tx.Data)))
	out = append(out, tx.Data...)
	return append(out, tx.Signature...), nil
}

// MaxEncodedSize is the length of tx on the wire when its recipient is
// written raw, the longest form EncodeTransaction can produce.
func MaxEncodedSize(tx *types.Transaction) int {
	size := 2*uint64Size + 2*wordSize + 1
	if tx.To != nil {
		size += common.AddressLength
	}
	var length [binary.MaxVarintLen64]byte
	size += binary.PutUvarint(length[:], uint64(len(tx.Data)))
	return size + len(tx.Data) + types.SignatureLength
}

func toWord(v *big.Int) ([32]byte, error) {
	if v == nil {
		return [32]byte{}, nil
	}
	if v.Sign() < 0 {
		return [32]byte{}, fmt.Errorf("%w: negative amount", ErrMalformedTransaction)
	}
	word, overflow := uint256.FromBig(v)
	if overflow {
		return [32]byte{}, fmt.Errorf("%w: amount exceeds 256 bits", ErrMalformedTransaction)
	}
	return word.Bytes32(), nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *reader) next(n int, field string) ([]byte, error) {
	if r.remaining() < n {
		return nil, fmt.Errorf("%w: %s needs %d bytes, %d left", ErrTruncatedTransaction, field, n, r.remaining())
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) uvarint(field string) (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n == 0 {
		return 0, fmt.Errorf("%w: %s", ErrTruncatedTransaction, field)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: %s overflows", ErrMalformedTransaction, field)
	}
	r.pos += n
	return v, nil
}

// DecodeTransaction reads one transaction from the front of data and returns
// it with the number of bytes consumed.
func DecodeTransaction(data []byte, indexer AddressIndexer) (*types.Transaction, int, error) {
	r := &reader{buf: data}
	tx := new(types.Transaction)

	b, err := r.next(uint64Size, "nonce")
	if err != nil {
		return nil, 0, err
	}
	tx.Nonce = binary.BigEndian.Uint64(b)

	if b, err = r.next(uint64Size, "gasLimit"); err != nil {
		return nil, 0, err
	}
	tx.GasLimit = binary.BigEndian.Uint64(b)

	if b, err = r.next(wordSize, "gasPrice"); err != nil {
		return nil, 0, err
	}
	tx.GasPrice = new(uint256.Int).SetBytes32(b).ToBig()

	if b, err = r.next(wordSize, "value"); err != nil {
		return nil, 0, err
	}
	tx.Value = new(uint256.Int).SetBytes32(b).ToBig()

	if b, err = r.next(1, "to tag"); err != nil {
		return nil, 0, err
	}
	switch b[0] {
	case toEmpty:
	case toIndexed:
		index, err := r.uvarint("to index")
		if err != nil {
			return nil, 0, err
		}
		to, err := indexer.Resolve(index)
		if err != nil {
			return nil, 0, err
		}
		tx.To = &to
	case toRaw:
		raw, err := r.next(common.AddressLength, "to address")
		if err != nil {
			return nil, 0, err
		}
		to := common.BytesToAddress(raw)
		if _, _, err := indexer.GetOrAssign(to); err != nil {
			return nil, 0, err
		}
		tx.To = &to
	default:
		return nil, 0, fmt.Errorf("%w: unknown recipient tag 0x%02x", ErrMalformedTransaction, b[0])
	}

	length, err := r.uvarint("data length")
	if err != nil {
		return nil, 0, err
	}
	if length > MaxDataLength {
		return nil, 0, fmt.Errorf("%w: data length %d", ErrMalformedTransaction, length)
	}
	if b, err = r.next(int(length), "data"); err != nil {
		return nil, 0, err
	}
	if length > 0 {
		tx.Data = common.CopyBytes(b)
	}

	if b, err = r.next(types.SignatureLength, "signature"); err != nil {
		return nil, 0, err
	}
	tx.Signature = common.CopyBytes(b)

	return tx, r.pos, nil
}
