package auth

import (
	"context"
	"errors"
	"sync"
)

// CredentialLookup maps an MCP access token to the Instana credential it was
// issued for. *OAuthProvider implements it. Unknown tokens report
// ErrUnmappedToken and expired ones ErrAccessTokenExpired.
type CredentialLookup interface {
	LookupCredential(ctx context.Context, mcpToken string) (string, error)
}

// AuthContext holds the active OAuth provider. It is constructed once at
// startup, populated at most once and read-only afterwards. It is passed to
// the CredentialResolver explicitly instead of living in a package variable.
type AuthContext struct {
	mu       sync.RWMutex
	provider CredentialLookup
}

// NewAuthContext creates an empty AuthContext.
func NewAuthContext() *AuthContext {
	return &AuthContext{}
}

// SetProvider stores the provider. Only the first call succeeds.
func (a *AuthContext) SetProvider(p CredentialLookup) error {
	if p == nil {
		return errors.New("auth provider is nil")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.provider != nil {
		return ErrProviderAlreadySet
	}
	a.provider = p
	return nil
}

// Provider returns the provider and whether one was set.
func (a *AuthContext) Provider() (CredentialLookup, bool) {
	if a == nil {
		return nil, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.provider, a.provider != nil
}
