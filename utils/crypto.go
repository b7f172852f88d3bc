package utils

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrNoKey = errors.New("no signing key configured")

func GetPrivateKeyFromKeystore(path string, password string) (*ecdsa.PrivateKey, error) {
	ksBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := keystore.DecryptKey(ksBytes, password)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", path, err)
	}
	return key.PrivateKey, nil
}

// LoadPrivateKey takes a raw hex key if given, else decrypts the keystore.
func LoadPrivateKey(hexKey string, keystorePath string, password string) (*ecdsa.PrivateKey, error) {
	if hexKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return key, nil
	}
	if keystorePath != "" {
		return GetPrivateKeyFromKeystore(keystorePath, password)
	}
	return nil, ErrNoKey
}

func AddressOf(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

// ExportPrivateKey is the 0x-prefixed hex form LoadPrivateKey accepts.
func ExportPrivateKey(key *ecdsa.PrivateKey) string {
	return hexutil.Encode(crypto.FromECDSA(key))
}
