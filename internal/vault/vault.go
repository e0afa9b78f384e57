// Package vault decrypts per-user exchange credentials. It never
// caches plaintext beyond the lifetime of a single GetCredentials
// call.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"sentryguard/internal/domain"
	apperrors "sentryguard/pkg/errors"
)

// EncryptedRecord is the at-rest shape a Repository returns: base64
// nonce+ciphertext columns plus the active flag, exactly as the row
// would be read out of storage.
type EncryptedRecord struct {
	APIKeyCiphertext     string
	SecretCiphertext     string
	PassphraseCiphertext string
	Active               bool
}

// Repository loads one user's encrypted credential row. It does not
// know about AES-GCM; that's the Vault's concern alone.
type Repository interface {
	GetEncryptedCredentials(ctx context.Context, userID string) (EncryptedRecord, error)
}

// Vault decrypts credential columns with a single AES-GCM key shared
// across all users, loaded once at startup from configuration.
type Vault struct {
	repo Repository
	gcm  cipher.AEAD
}

// New builds a Vault. key must be 16, 24, or 32 bytes (AES-128/192/256).
func New(repo Repository, key []byte) (*Vault, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: invalid encryption key: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: build GCM: %w", err)
	}
	return &Vault{repo: repo, gcm: gcm}, nil
}

// GetCredentials decrypts and returns a user's exchange credentials.
// Returns apperrors.ErrCredentialsNotConfigured if no row exists,
// apperrors.ErrCredentialsInactive if the row exists but is disabled,
// and apperrors.ErrDecryptionFailed on any cipher/auth-tag failure.
func (v *Vault) GetCredentials(ctx context.Context, userID string) (domain.Credentials, error) {
	record, err := v.repo.GetEncryptedCredentials(ctx, userID)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("%w: %v", apperrors.ErrCredentialsNotConfigured, err)
	}
	if !record.Active {
		return domain.Credentials{}, apperrors.ErrCredentialsInactive
	}

	apiKey, err := v.decrypt(record.APIKeyCiphertext)
	if err != nil {
		return domain.Credentials{}, err
	}
	secret, err := v.decrypt(record.SecretCiphertext)
	if err != nil {
		return domain.Credentials{}, err
	}
	passphrase, err := v.decrypt(record.PassphraseCiphertext)
	if err != nil {
		return domain.Credentials{}, err
	}

	return domain.Credentials{
		APIKey:     apiKey,
		Secret:     secret,
		Passphrase: passphrase,
	}, nil
}

// decrypt expects b64 to be base64(nonce || ciphertext || tag), the
// layout produced by Encrypt below.
func (v *Vault) decrypt(b64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrDecryptionFailed, err)
	}
	nonceSize := v.gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", apperrors.ErrDecryptionFailed)
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := v.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

// Encrypt is the inverse of decrypt, exposed so operator tooling and
// tests can produce valid ciphertext columns without a second
// implementation of the nonce-prefix convention.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: generate nonce: %w", err)
	}
	sealed := v.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}
