// Package keys resolves the private keys that sign outgoing transfers:
// HD-derived deposit keys, imported per-address keys, and the master wallet key.
package keys

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/tarancss/hd"

	"github.com/rail-service/custody_service/internal/domain/entities"
	domainerrors "github.com/rail-service/custody_service/internal/domain/errors"
	"github.com/rail-service/custody_service/internal/infrastructure/config"
	"github.com/rail-service/custody_service/pkg/crypto"
)

// Keystore holds decrypted signing material for the lifetime of the process.
type Keystore struct {
	wallet  *hd.HdWallet
	account uint32
	secret  string
	master  *ecdsa.PrivateKey
}

// NewKeystore decrypts the HD seed and master key from configuration.
func NewKeystore(cfg config.WalletConfig) (*Keystore, error) {
	seed, err := crypto.Decrypt(cfg.EncryptedSeed, cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt hd seed: %w", err)
	}
	seed, err = decodeHexSecret(seed)
	if err != nil {
		return nil, fmt.Errorf("decode hd seed: %w", err)
	}

	wallet, err := hd.Init(seed)
	if err != nil {
		return nil, fmt.Errorf("init hd wallet: %w", err)
	}

	masterRaw, err := crypto.Decrypt(cfg.EncryptedMasterKey, cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt master key: %w", err)
	}
	master, err := parsePrivateKey(masterRaw)
	if err != nil {
		return nil, fmt.Errorf("parse master key: %w", err)
	}

	if !strings.EqualFold(ethcrypto.PubkeyToAddress(master.PublicKey).Hex(), cfg.MasterAddress) {
		return nil, fmt.Errorf("master key does not control %s", cfg.MasterAddress)
	}

	return &Keystore{
		wallet:  wallet,
		account: cfg.HDAccount,
		secret:  cfg.EncryptionKey,
		master:  master,
	}, nil
}

// decodeHexSecret accepts either raw bytes or their hex encoding.
func decodeHexSecret(b []byte) ([]byte, error) {
	s := strings.TrimPrefix(strings.TrimSpace(string(b)), "0x")
	if decoded, err := hex.DecodeString(s); err == nil {
		return decoded, nil
	}
	return b, nil
}

func parsePrivateKey(b []byte) (*ecdsa.PrivateKey, error) {
	raw, err := decodeHexSecret(b)
	if err != nil {
		return nil, err
	}
	return ethcrypto.ToECDSA(raw)
}

// AddressAt returns the external-chain deposit address at index.
func (k *Keystore) AddressAt(index uint32) (common.Address, error) {
	addr, _, _, err := k.wallet.Address(k.account, hd.External, index)
	if err != nil {
		return common.Address{}, fmt.Errorf("derive address %d: %w", index, err)
	}
	return common.BytesToAddress(addr), nil
}

// KeyFor returns the key controlling a watched address. An imported key
// reference takes precedence over HD derivation. The resolved key must control
// the watched address.
func (k *Keystore) KeyFor(w *entities.WatchedAddress) (*ecdsa.PrivateKey, error) {
	var (
		key *ecdsa.PrivateKey
		err error
	)

	if w.EncryptedKeyRef != nil && *w.EncryptedKeyRef != "" {
		raw, decErr := crypto.Decrypt(*w.EncryptedKeyRef, k.secret)
		if decErr != nil {
			return nil, fmt.Errorf("%w: decrypt key for %s: %v", domainerrors.ErrKeyUnavailable, w.Address, decErr)
		}
		key, err = parsePrivateKey(raw)
	} else {
		var raw []byte
		_, raw, _, err = k.wallet.Address(k.account, hd.External, w.DerivationIndex)
		if err == nil {
			key, err = ethcrypto.ToECDSA(raw)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domainerrors.ErrKeyUnavailable, w.Address, err)
	}

	if !strings.EqualFold(ethcrypto.PubkeyToAddress(key.PublicKey).Hex(), w.Address) {
		return nil, fmt.Errorf("%w: key does not control %s", domainerrors.ErrKeyUnavailable, w.Address)
	}
	return key, nil
}

// MasterKey signs withdrawals and profit transfers.
func (k *Keystore) MasterKey() *ecdsa.PrivateKey {
	return k.master
}

func (k *Keystore) MasterAddress() common.Address {
	return ethcrypto.PubkeyToAddress(k.master.PublicKey)
}
