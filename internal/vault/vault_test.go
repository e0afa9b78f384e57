package vault

import (
	"context"
	"errors"
	"testing"

	apperrors "sentryguard/pkg/errors"
)

type fakeRepo struct {
	record EncryptedRecord
	err    error
}

func (f *fakeRepo) GetEncryptedCredentials(ctx context.Context, userID string) (EncryptedRecord, error) {
	return f.record, f.err
}

func testKey() []byte {
	return []byte("0123456789abcdef0123456789abcdef")[:32]
}

func TestVault_RoundTrip(t *testing.T) {
	v, err := New(&fakeRepo{}, testKey())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ciphertext, err := v.Encrypt("my-api-key")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	repo := &fakeRepo{record: EncryptedRecord{
		APIKeyCiphertext:     ciphertext,
		SecretCiphertext:     ciphertext,
		PassphraseCiphertext: ciphertext,
		Active:               true,
	}}
	v2, _ := New(repo, testKey())

	creds, err := v2.GetCredentials(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetCredentials: %v", err)
	}
	if creds.APIKey != "my-api-key" {
		t.Errorf("expected decrypted api key, got %q", creds.APIKey)
	}
}

func TestVault_Inactive(t *testing.T) {
	repo := &fakeRepo{record: EncryptedRecord{Active: false}}
	v, _ := New(repo, testKey())

	_, err := v.GetCredentials(context.Background(), "user-1")
	if !errors.Is(err, apperrors.ErrCredentialsInactive) {
		t.Errorf("expected ErrCredentialsInactive, got %v", err)
	}
}

func TestVault_NotConfigured(t *testing.T) {
	repo := &fakeRepo{err: errors.New("no rows")}
	v, _ := New(repo, testKey())

	_, err := v.GetCredentials(context.Background(), "user-1")
	if !errors.Is(err, apperrors.ErrCredentialsNotConfigured) {
		t.Errorf("expected ErrCredentialsNotConfigured, got %v", err)
	}
}
