//
//  Copyright © Control Core Inc. All rights reserved.
//

// Package vault implements the credential vault.
//
// Secrets are sealed with AES-256-GCM under a fresh data key per
// credential; the data key is itself wrapped under the deployment master
// key.  Only envelopes reach the store, and the API layer renders vault
// references as a masked placeholder, never the plaintext.
//
// The tenant and vault identifiers are bound into the envelope as
// additional authenticated data, so a row copied between tenants fails
// authentication instead of decrypting.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"

	"github.com/controlcore/controlplane/internal/logging"
	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/config"
	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/controlcore/controlplane/pkg/core/store"
	"github.com/google/uuid"
)

var logger = logging.GetLogger("controlplane.vault")

const agent = "vault"

const keySize = 32

// Vault seals and reveals credentials for the rest of the control plane.
type Vault struct {
	masterKey   []byte
	credentials store.Credentials
}

// New creates a Vault over the credential repository.  The master key is
// the base64-encoded 32-byte value from configuration.
func New(credentials store.Credentials) (*Vault, error) {
	encoded := config.VConfig.GetString(config.VaultMasterKey)
	if encoded == "" {
		return nil, common.NewError(common.KindValidation, "vault master key is not configured")
	}

	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, common.WrapError(common.KindValidation, "decoding vault master key", err)
	}
	if len(key) != keySize {
		return nil, common.NewErrorf(common.KindValidation,
			"vault master key must be %d bytes, got %d", keySize, len(key))
	}

	return &Vault{masterKey: key, credentials: credentials}, nil
}

// NewWithKey creates a Vault with an explicit master key, bypassing
// configuration.  Used by tests and the migrate subcommand.
func NewWithKey(credentials store.Credentials, key []byte) (*Vault, error) {
	if len(key) != keySize {
		return nil, common.NewErrorf(common.KindValidation,
			"vault master key must be %d bytes, got %d", keySize, len(key))
	}
	return &Vault{masterKey: key, credentials: credentials}, nil
}

// Put seals plaintext under a fresh data key and stores the envelope,
// returning the vault id to reference it by.
func (v *Vault) Put(ctx context.Context, tenantID string, plaintext []byte) (string, error) {
	vaultID := "vlt-" + uuid.NewString()

	credential, err := v.seal(tenantID, vaultID, plaintext, 1)
	if err != nil {
		return "", err
	}
	if err := v.credentials.Put(ctx, credential); err != nil {
		return "", err
	}

	logger.Infof(agent, "Put", "sealed credential %s for tenant %s", vaultID, tenantID)
	return vaultID, nil
}

// Update re-seals an existing credential with new plaintext, keeping the
// vault id stable so referencing rows do not change.
func (v *Vault) Update(ctx context.Context, tenantID, vaultID string, plaintext []byte) error {
	existing, err := v.credentials.Get(ctx, tenantID, vaultID)
	if err != nil {
		return err
	}

	credential, err := v.seal(tenantID, vaultID, plaintext, existing.KeyVersion+1)
	if err != nil {
		return err
	}
	return v.credentials.Put(ctx, credential)
}

// Reveal decrypts and returns the plaintext.  Internal callers only; the
// HTTP surface never exposes this.
func (v *Vault) Reveal(ctx context.Context, tenantID, vaultID string) ([]byte, error) {
	credential, err := v.credentials.Get(ctx, tenantID, vaultID)
	if err != nil {
		return nil, err
	}
	return v.unseal(credential)
}

// Rotate re-encrypts the credential under a fresh data key without
// changing the plaintext, bumping the key version.
func (v *Vault) Rotate(ctx context.Context, tenantID, vaultID string) error {
	credential, err := v.credentials.Get(ctx, tenantID, vaultID)
	if err != nil {
		return err
	}

	plaintext, err := v.unseal(credential)
	if err != nil {
		return err
	}

	resealed, err := v.seal(tenantID, vaultID, plaintext, credential.KeyVersion+1)
	if err != nil {
		return err
	}
	if err := v.credentials.Put(ctx, resealed); err != nil {
		return err
	}

	logger.Infof(agent, "Rotate", "rotated credential %s to key version %d", vaultID, resealed.KeyVersion)
	return nil
}

// Delete removes the envelope.
func (v *Vault) Delete(ctx context.Context, tenantID, vaultID string) error {
	return v.credentials.Delete(ctx, tenantID, vaultID)
}

func (v *Vault) seal(tenantID, vaultID string, plaintext []byte, keyVersion int) (*model.Credential, error) {
	dataKey := make([]byte, keySize)
	if _, err := rand.Read(dataKey); err != nil {
		return nil, common.WrapError(common.KindInternal, "generating data key", err)
	}

	aad := []byte(tenantID + "/" + vaultID)

	ciphertext, nonce, err := encrypt(dataKey, plaintext, aad)
	if err != nil {
		return nil, err
	}
	wrappedKey, keyNonce, err := encrypt(v.masterKey, dataKey, aad)
	if err != nil {
		return nil, err
	}

	return &model.Credential{
		VaultID:    vaultID,
		TenantID:   tenantID,
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		WrappedKey: base64.StdEncoding.EncodeToString(wrappedKey),
		KeyNonce:   base64.StdEncoding.EncodeToString(keyNonce),
		KeyVersion: keyVersion,
	}, nil
}

func (v *Vault) unseal(credential *model.Credential) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(credential.Ciphertext)
	if err != nil {
		return nil, common.WrapError(common.KindInternal, "decoding ciphertext", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(credential.Nonce)
	if err != nil {
		return nil, common.WrapError(common.KindInternal, "decoding nonce", err)
	}
	wrappedKey, err := base64.StdEncoding.DecodeString(credential.WrappedKey)
	if err != nil {
		return nil, common.WrapError(common.KindInternal, "decoding wrapped key", err)
	}
	keyNonce, err := base64.StdEncoding.DecodeString(credential.KeyNonce)
	if err != nil {
		return nil, common.WrapError(common.KindInternal, "decoding key nonce", err)
	}

	aad := []byte(credential.TenantID + "/" + credential.VaultID)

	dataKey, err := decrypt(v.masterKey, wrappedKey, keyNonce, aad)
	if err != nil {
		return nil, common.WrapError(common.KindInternal, "unwrapping data key", err)
	}
	plaintext, err := decrypt(dataKey, ciphertext, nonce, aad)
	if err != nil {
		return nil, common.WrapError(common.KindInternal, "decrypting credential", err)
	}
	return plaintext, nil
}

func encrypt(key, plaintext, aad []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, common.WrapError(common.KindInternal, "creating cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, common.WrapError(common.KindInternal, "creating gcm", err)
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, common.WrapError(common.KindInternal, "generating nonce", err)
	}

	return gcm.Seal(nil, nonce, plaintext, aad), nonce, nil
}

func decrypt(key, ciphertext, nonce, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, aad)
}
