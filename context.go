package auth

import "context"

// Context keys
type contextKey string

const (
	oauthTokenKey     contextKey = "oauth_token"
	verifiedClaimsKey contextKey = "verified_claims"
	credentialKey     contextKey = "instana_credential"
	headersKey        contextKey = "request_headers"
)

// WithOAuthToken adds a bearer token to the context
func WithOAuthToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, oauthTokenKey, token)
}

// GetOAuthToken extracts a bearer token from the context
func GetOAuthToken(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(oauthTokenKey).(string)
	return token, ok
}

// WithVerifiedClaims adds the claims of a verified self-issued JWT to the context
func WithVerifiedClaims(ctx context.Context, claims *VerifiedClaims) context.Context {
	return context.WithValue(ctx, verifiedClaimsKey, claims)
}

// VerifiedClaimsFromContext returns the claims stored by BearerMiddleware.
func VerifiedClaimsFromContext(ctx context.Context) (*VerifiedClaims, bool) {
	claims, ok := ctx.Value(verifiedClaimsKey).(*VerifiedClaims)
	return claims, ok && claims != nil
}

// WithCredential adds a resolved Instana credential to the context
func WithCredential(ctx context.Context, cred *Credential) context.Context {
	return context.WithValue(ctx, credentialKey, cred)
}

// CredentialFromContext extracts the resolved Instana credential from context.
// Returns the Credential and true if resolution succeeded, or nil and false otherwise.
//
// Example:
//
//	func toolHandler(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
//	    cred, ok := auth.CredentialFromContext(ctx)
//	    if !ok {
//	        return nil, fmt.Errorf("instana credentials required")
//	    }
//	    client := instana.NewClient(cred.BaseURL, cred.Token)
//	    ...
//	}
func CredentialFromContext(ctx context.Context) (*Credential, bool) {
	cred, ok := ctx.Value(credentialKey).(*Credential)
	return cred, ok && cred != nil
}

// WithHeaders stores the inbound HTTP headers so tool-level middleware can
// resolve credentials from them.
func WithHeaders(ctx context.Context, headers map[string][]string) context.Context {
	return context.WithValue(ctx, headersKey, headers)
}

// HeadersFromContext returns the inbound headers stored by WithHeaders.
func HeadersFromContext(ctx context.Context) (map[string][]string, bool) {
	h, ok := ctx.Value(headersKey).(map[string][]string)
	return h, ok
}
