package auth

import "errors"

// Token validation errors (TokenVerifier path). These indicate a misconfigured
// client or a forged token and must not be retried.
var (
	ErrNoToken              = errors.New("no token provided")
	ErrMalformedToken       = errors.New("malformed token")
	ErrInvalidSignature     = errors.New("invalid token signature")
	ErrInvalidAudience      = errors.New("invalid audience")
	ErrMissingScope         = errors.New("missing required scope")
	ErrMissingInstanaClaims = errors.New("missing Instana credentials in token claims")
	ErrNoVerificationKey    = errors.New("no verification key available")
)

// Expiry errors. A client receiving one of these should refresh and retry;
// the server never refreshes a self-issued JWT on the client's behalf.
var (
	ErrTokenExpired       = errors.New("token expired")
	ErrAccessTokenExpired = errors.New("access token expired")
	ErrCodeExpired        = errors.New("authorization code expired")
)

// OAuth flow errors.
var (
	ErrInvalidState          = errors.New("invalid state parameter")
	ErrUpstreamAuthorization = errors.New("upstream authorization denied")
	ErrUpstreamExchange      = errors.New("upstream token exchange failed")
	ErrNoUpstreamCredential  = errors.New("no Instana credential in upstream token response")
	ErrInvalidCode           = errors.New("invalid authorization code")
	ErrCodeAlreadyUsed       = errors.New("authorization code already used")
	ErrClientMismatch        = errors.New("authorization code was issued to another client")
	ErrInvalidRefreshToken   = errors.New("invalid refresh token")
	ErrRefreshFailed         = errors.New("upstream token refresh failed")
	ErrPKCEVerification      = errors.New("PKCE verification failed")
	ErrInvalidRedirectURI    = errors.New("invalid redirect_uri")
	ErrUnknownClient         = errors.New("unknown client")
)

// Credential resolution errors.
var (
	ErrNoCredentials  = errors.New("no Instana credentials could be resolved")
	ErrUnmappedToken  = errors.New("bearer token is not mapped to an Instana credential")
	ErrInvalidBaseURL = errors.New("instana base URL must start with http:// or https://")

	ErrProviderAlreadySet = errors.New("auth provider already set")
)

// IsExpiryError reports whether err signals an expired token or code, as
// opposed to a validation or configuration failure.
func IsExpiryError(err error) bool {
	return errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrAccessTokenExpired) ||
		errors.Is(err, ErrCodeExpired)
}

// IsValidationError reports whether err is a token validation failure.
func IsValidationError(err error) bool {
	for _, target := range []error{
		ErrNoToken,
		ErrMalformedToken,
		ErrInvalidSignature,
		ErrInvalidAudience,
		ErrMissingScope,
		ErrMissingInstanaClaims,
		ErrNoVerificationKey,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
