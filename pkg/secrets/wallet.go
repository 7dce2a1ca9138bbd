package secrets

import (
	"context"
	"errors"
	"fmt"
)

// WalletSecrets is the JSON document holding the custody signing material.
type WalletSecrets struct {
	EncryptionKey      string `json:"encryption_key"`
	EncryptedSeed      string `json:"encrypted_seed"`
	EncryptedMasterKey string `json:"encrypted_master_key"`
}

// LoadWalletSecrets fetches and decodes the wallet secret named id.
func LoadWalletSecrets(ctx context.Context, provider Provider, id string) (*WalletSecrets, error) {
	var ws WalletSecrets
	if err := provider.GetSecretJSON(ctx, id, &ws); err != nil {
		return nil, fmt.Errorf("load wallet secret %s: %w", id, err)
	}
	if ws.EncryptionKey == "" || ws.EncryptedSeed == "" || ws.EncryptedMasterKey == "" {
		return nil, errors.New("wallet secret is missing encryption_key, encrypted_seed or encrypted_master_key")
	}
	return &ws, nil
}
