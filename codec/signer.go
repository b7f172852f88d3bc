package codec

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/rolled-bit/go-rollup/types"
	"golang.org/x/crypto/sha3"
)

func signingPayload(tx *types.Transaction) ([]byte, error) {
	to := []byte{}
	if tx.To != nil {
		to = tx.To.Bytes()
	}
	gasPrice, value := tx.GasPrice, tx.Value
	if gasPrice == nil {
		gasPrice = new(big.Int)
	}
	if value == nil {
		value = new(big.Int)
	}
	return rlp.EncodeToBytes([]interface{}{tx.Nonce, gasPrice, tx.GasLimit, to, value, tx.Data})
}

// SigningHash is keccak256 of the RLP list [nonce, gasPrice, gasLimit, to,
// value, data].
func SigningHash(tx *types.Transaction) (common.Hash, error) {
	payload, err := signingPayload(tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrMalformedTransaction, err)
	}
	return crypto.Keccak256Hash(payload), nil
}

// Sign computes the recoverable signature of tx with key and stores it in
// tx.Signature.
func Sign(tx *types.Transaction, key *ecdsa.PrivateKey) ([]byte, error) {
	hash, err := SigningHash(tx)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		return nil, err
	}
	tx.Signature = sig
	return sig, nil
}

// Verify recovers the sender of tx from its signature.
func Verify(tx *types.Transaction) (common.Address, error) {
	sig := tx.Signature
	if len(sig) != types.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(sig[64], r, s, true) {
		return common.Address{}, fmt.Errorf("%w: values out of range", ErrInvalidSignature)
	}
	hash, err := SigningHash(tx)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Hash identifies a signed transaction: keccak256 of the signing payload
// followed by the signature.
func Hash(tx *types.Transaction) (common.Hash, error) {
	payload, err := signingPayload(tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrMalformedTransaction, err)
	}
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(payload)
	hasher.Write(tx.Signature)
	var h common.Hash
	hasher.Sum(h[:0])
	return h, nil
}
