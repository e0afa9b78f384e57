// Package gatewayfactory is the one concrete ForUser(userID) resolver
// every consumer-defined GatewayFactory interface (opener, reconciler,
// emergency, risk) is satisfied against. It decrypts a user's
// credentials through internal/vault and hands back a
// gateway/bitget client built from them, caching clients for the
// lifetime of the process so a busy reconciliation cycle does not
// decrypt the same row on every position it touches.
package gatewayfactory

import (
	"context"
	"fmt"
	"sync"

	"sentryguard/internal/core"
	"sentryguard/internal/gateway"
	"sentryguard/internal/gateway/bitget"

	apperrors "sentryguard/pkg/errors"
)

// CredentialSource is the vault's contract as seen from the factory.
type CredentialSource interface {
	GetCredentials(ctx context.Context, userID string) (Credentials, error)
}

// Credentials mirrors domain.Credentials; kept as its own type so this
// package does not need to import internal/domain just for three
// strings, and so CredentialSource can be satisfied by internal/vault.Vault
// directly (its GetCredentials returns domain.Credentials, which has
// the identical field set — Go's structural typing handles the rest
// via the adapter below).
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// VaultAdapter adapts *vault.Vault's domain.Credentials-returning
// GetCredentials to the CredentialSource this package consumes,
// avoiding a dependency from this package onto internal/domain.
type VaultAdapter struct {
	Get func(ctx context.Context, userID string) (Credentials, error)
}

func (a VaultAdapter) GetCredentials(ctx context.Context, userID string) (Credentials, error) {
	return a.Get(ctx, userID)
}

// Factory builds and caches one gateway.Gateway per user.
type Factory struct {
	vault   CredentialSource
	baseURL string
	logger  core.ILogger

	mu      sync.RWMutex
	clients map[string]gateway.Gateway
}

// New builds a Factory. baseURL overrides the exchange's default API
// host; an empty string uses gateway/bitget's own default.
func New(vault CredentialSource, baseURL string, logger core.ILogger) *Factory {
	return &Factory{
		vault:   vault,
		baseURL: baseURL,
		logger:  logger.WithField("component", "gateway_factory"),
		clients: make(map[string]gateway.Gateway),
	}
}

// ForUser implements every consumer's GatewayFactory interface.
func (f *Factory) ForUser(ctx context.Context, userID string) (gateway.Gateway, error) {
	f.mu.RLock()
	gw, ok := f.clients[userID]
	f.mu.RUnlock()
	if ok {
		return gw, nil
	}

	creds, err := f.vault.GetCredentials(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("gatewayfactory: %s: %w", userID, err)
	}
	if creds.APIKey == "" || creds.Secret == "" {
		return nil, fmt.Errorf("gatewayfactory: %s: %w", userID, apperrors.ErrCredentialsNotConfigured)
	}

	built := bitget.New(bitget.Config{
		APIKey:     creds.APIKey,
		SecretKey:  creds.Secret,
		Passphrase: creds.Passphrase,
		BaseURL:    f.baseURL,
	}, f.logger)

	f.mu.Lock()
	f.clients[userID] = built
	f.mu.Unlock()

	return built, nil
}

// Invalidate drops a cached client, forcing the next ForUser call to
// rebuild it from a fresh credential decrypt. Called when a Gateway
// call surfaces ErrorKindAuth, since that means the cached client's
// key is no longer valid (rotated or deactivated mid-process).
func (f *Factory) Invalidate(userID string) {
	f.mu.Lock()
	delete(f.clients, userID)
	f.mu.Unlock()
}
