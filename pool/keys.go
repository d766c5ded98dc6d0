package pool

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"

	"github.com/mark3labs/x402x"
)

// ParsePrivateKeys converts a list of hex-encoded private keys into signing
// keys. A leading 0x prefix is accepted.
func ParsePrivateKeys(hexKeys []string) ([]*ecdsa.PrivateKey, error) {
	keys := make([]*ecdsa.PrivateKey, 0, len(hexKeys))
	for i, hexKey := range hexKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
		if err != nil {
			return nil, x402x.NewFacilitatorError(x402x.ErrCodeConfiguration,
				fmt.Sprintf("private key %d is not valid hex", i), x402x.ErrInvalidKey)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// DeriveKeys derives count signing keys from a BIP-39 mnemonic along the
// standard Ethereum path m/44'/60'/0'/0/{i}. One mnemonic can seed an entire
// pool.
func DeriveKeys(mnemonic string, count int) ([]*ecdsa.PrivateKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeConfiguration,
			"mnemonic failed BIP-39 validation", x402x.ErrInvalidMnemonic)
	}
	if count < 1 {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeConfiguration,
			"account count must be at least 1", x402x.ErrNoAccounts)
	}

	seed := bip39.NewSeed(mnemonic, "")
	keys := make([]*ecdsa.PrivateKey, 0, count)
	for i := 0; i < count; i++ {
		key, err := deriveEthereumKey(seed, uint32(i))
		if err != nil {
			return nil, x402x.NewFacilitatorError(x402x.ErrCodeConfiguration,
				fmt.Sprintf("key derivation failed at index %d", i), err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// LoadKeystoreKey decrypts a go-ethereum keystore file.
func LoadKeystoreKey(path, password string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeConfiguration,
			"cannot read keystore file", err).WithDetails("path", path)
	}

	var keyJSON struct {
		Crypto keystore.CryptoJSON `json:"crypto"`
	}
	if err := json.Unmarshal(data, &keyJSON); err != nil {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeConfiguration,
			"keystore file is not valid JSON", x402x.ErrInvalidKey)
	}

	keyBytes, err := keystore.DecryptDataV3(keyJSON.Crypto, password)
	if err != nil {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeConfiguration,
			"keystore decryption failed", x402x.ErrInvalidKey)
	}

	key, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, x402x.NewFacilitatorError(x402x.ErrCodeConfiguration,
			"keystore does not contain a valid key", x402x.ErrInvalidKey)
	}
	return key, nil
}

// deriveEthereumKey derives an Ethereum private key from a BIP-39 seed along
// BIP-44 path m/44'/60'/0'/0/{index}.
func deriveEthereumKey(seed []byte, index uint32) (*ecdsa.PrivateKey, error) {
	masterKey, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, err
	}

	path := []uint32{
		bip32.FirstHardenedChild + 44, // purpose
		bip32.FirstHardenedChild + 60, // coin type: Ethereum
		bip32.FirstHardenedChild + 0,  // account 0
		0,                             // external chain
		index,
	}
	key := masterKey
	for _, segment := range path {
		key, err = key.NewChildKey(segment)
		if err != nil {
			return nil, err
		}
	}

	return crypto.ToECDSA(key.Key)
}
