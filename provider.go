package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/instana/mcp-instana-auth/instrumentation"
)

const (
	codePrefix         = "mcp_"
	accessTokenPrefix  = "mcp_"
	refreshTokenPrefix = "mcp_rt_"

	upstreamRefreshTimeout = 30 * time.Second
)

// AuthorizationRequest is a client's request to start the authorization flow.
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ExchangeRequest is a client's authorization_code grant.
type ExchangeRequest struct {
	Code         string
	ClientID     string
	RedirectURI  string
	CodeVerifier string
}

// ClientRegistration is a dynamic client registration request.
type ClientRegistration struct {
	ClientName   string   `json:"client_name,omitempty"`
	RedirectURIs []string `json:"redirect_uris"`
}

// TokenResponse is returned by the token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// OAuthProvider runs the authorization-code flow against the upstream identity
// provider, issues MCP tokens and maps them to the Instana credential taken
// from the upstream token response.
type OAuthProvider struct {
	cfg          OAuthConfig
	oauth2Config *oauth2.Config
	store        Store
	stateKey     []byte
	allowlist    []string

	credentialField string
	claimPath       string

	httpClient   *http.Client
	logger       Logger
	inst         *instrumentation.Instrumentation
	refreshGroup singleflight.Group
	now          func() time.Time
}

// NewOAuthProvider creates the provider. When the OAuth config has no explicit
// endpoints they are discovered from the issuer. A nil store selects the
// in-memory store.
func NewOAuthProvider(ctx context.Context, cfg *Config, store Store) (*OAuthProvider, error) {
	oc := cfg.OAuth
	if err := oc.validate(); err != nil {
		return nil, fmt.Errorf("invalid OAuth config: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = DefaultLogger()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	endpoint := oauth2.Endpoint{AuthURL: oc.AuthURL, TokenURL: oc.TokenURL}
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		discovered, err := discoverOIDCEndpoints(ctx, oc.Issuer, httpClient)
		if err != nil {
			return nil, err
		}
		endpoint = discovered
		logger.Info("OAuth: Discovered upstream endpoints from %s", oc.Issuer)
	}

	field, claimPath, err := parseCredentialSource(oc.CredentialSource)
	if err != nil {
		return nil, err
	}

	stateKey := oc.StateSecret
	if len(stateKey) == 0 {
		stateKey = make([]byte, 32)
		if _, err := rand.Read(stateKey); err != nil {
			return nil, fmt.Errorf("failed to generate state signing key: %w", err)
		}
		logger.Warn("OAuth: OAUTH_STATE_SECRET not set, using a random state signing key (pending authorizations do not survive restart)")
	}

	if store == nil {
		store = NewMemoryStore(0)
	}

	return &OAuthProvider{
		cfg: oc,
		oauth2Config: &oauth2.Config{
			ClientID:     oc.ClientID,
			ClientSecret: oc.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  oc.CallbackURL(),
			Scopes:       strings.Fields(oc.ProviderScope),
		},
		store:           store,
		stateKey:        stateKey,
		allowlist:       splitList(oc.RedirectURIs),
		credentialField: field,
		claimPath:       claimPath,
		httpClient:      httpClient,
		logger:          logger,
		inst:            cfg.Instrumentation,
		now:             time.Now,
	}, nil
}

// discoverOIDCEndpoints uses OIDC discovery to get the authorization and token endpoints
func discoverOIDCEndpoints(ctx context.Context, issuer string, httpClient *http.Client) (oauth2.Endpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), issuer)
	if err != nil {
		return oauth2.Endpoint{}, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	return provider.Endpoint(), nil
}

// Store returns the underlying store.
func (p *OAuthProvider) Store() Store {
	return p.store
}

// Close stops the store's background sweep.
func (p *OAuthProvider) Close() {
	p.store.Close()
}

// RegisterClient registers a client dynamically (RFC 7591 subset).
func (p *OAuthProvider) RegisterClient(ctx context.Context, reg ClientRegistration) (*Client, error) {
	if len(reg.RedirectURIs) == 0 {
		return nil, fmt.Errorf("%w: at least one redirect_uri is required", ErrInvalidRedirectURI)
	}
	for _, uri := range reg.RedirectURIs {
		if err := checkRedirectURIFormat(uri); err != nil {
			return nil, err
		}
	}

	client := &Client{
		ID:           uuid.NewString(),
		Name:         reg.ClientName,
		RedirectURIs: append([]string(nil), reg.RedirectURIs...),
		CreatedAt:    p.now(),
	}
	if err := p.store.SaveClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to save client: %w", err)
	}

	p.logger.Info("OAuth: Registered client %s (%s) with %d redirect URI(s)", client.ID, client.Name, len(client.RedirectURIs))
	return client, nil
}

// GetClient returns a registered client.
func (p *OAuthProvider) GetClient(ctx context.Context, clientID string) (*Client, error) {
	return p.store.GetClient(ctx, clientID)
}

// validateRedirectURI checks the client redirect URI against the registered
// client, else the configured allowlist, else localhost only.
func (p *OAuthProvider) validateRedirectURI(ctx context.Context, clientID, redirectURI string) error {
	if err := checkRedirectURIFormat(redirectURI); err != nil {
		return err
	}

	if clientID != "" {
		client, err := p.store.GetClient(ctx, clientID)
		if err == nil {
			for _, uri := range client.RedirectURIs {
				if uri == redirectURI {
					return nil
				}
			}
			return fmt.Errorf("%w: not registered for client %s", ErrInvalidRedirectURI, clientID)
		}
		if !errors.Is(err, ErrUnknownClient) {
			return err
		}
	}

	if len(p.allowlist) > 0 {
		for _, allowed := range p.allowlist {
			if allowed == redirectURI {
				return nil
			}
		}
		return fmt.Errorf("%w: not in allowlist", ErrInvalidRedirectURI)
	}

	if !isLocalhostURI(redirectURI) {
		return fmt.Errorf("%w: only localhost redirect URIs are allowed without an allowlist", ErrInvalidRedirectURI)
	}
	return nil
}

// StartAuthorization validates the request, records the pending authorization
// and returns the upstream authorization URL.
func (p *OAuthProvider) StartAuthorization(ctx context.Context, req AuthorizationRequest) (string, error) {
	if err := p.validateRedirectURI(ctx, req.ClientID, req.RedirectURI); err != nil {
		p.logger.Warn("SECURITY: Rejected redirect_uri %s for client %s: %v", req.RedirectURI, req.ClientID, err)
		return "", err
	}

	method := req.CodeChallengeMethod
	if req.CodeChallenge != "" {
		if method == "" {
			method = "plain"
		}
		if method != "S256" && method != "plain" {
			return "", fmt.Errorf("%w: unsupported code_challenge_method %q", ErrPKCEVerification, method)
		}
	}

	nonce, err := randomHex(16)
	if err != nil {
		return "", err
	}
	signedState, err := signState(p.stateKey, map[string]string{"nonce": nonce})
	if err != nil {
		return "", err
	}

	verifier := oauth2.GenerateVerifier()
	pending := &PendingAuthorization{
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		ClientState:         req.State,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		UpstreamVerifier:    verifier,
		ExpiresAt:           p.now().Add(defaultPendingTTL),
	}
	if err := p.store.SavePending(ctx, nonce, pending); err != nil {
		return "", fmt.Errorf("failed to save pending authorization: %w", err)
	}

	authURL := p.oauth2Config.AuthCodeURL(signedState, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))

	p.inst.Metrics().RecordAuthorizationStarted(ctx)
	p.logger.Info("OAuth: Authorization started for client %s, redirecting upstream (state length: %d)", req.ClientID, len(signedState))
	return authURL, nil
}

// HandleCallback processes the upstream provider's redirect. On success it
// returns the client redirect URL carrying the local code and the client's
// original state, plus the code itself.
func (p *OAuthProvider) HandleCallback(ctx context.Context, params url.Values) (redirectTo string, code string, err error) {
	defer func() {
		p.inst.Metrics().RecordCallbackProcessed(ctx, instrumentation.Result(err))
	}()

	pending, err := p.consumeState(ctx, params.Get("state"))

	if upstreamErr := params.Get("error"); upstreamErr != "" {
		desc := params.Get("error_description")
		p.logger.Error("OAuth: Upstream authorization error: %s - %s", upstreamErr, desc)
		return "", "", fmt.Errorf("%w: %s: %s", ErrUpstreamAuthorization, upstreamErr, desc)
	}
	if err != nil {
		p.logger.Warn("SECURITY: State verification failed: %v", err)
		return "", "", err
	}

	upstreamCode := params.Get("code")
	if upstreamCode == "" {
		return "", "", fmt.Errorf("%w: no authorization code received", ErrUpstreamAuthorization)
	}

	tok, err := p.exchangeUpstream(ctx, upstreamCode, pending.UpstreamVerifier)
	if err != nil {
		return "", "", err
	}

	credential, err := p.extractCredential(tok)
	if err != nil {
		p.logger.Error("OAuth: %v", err)
		return "", "", err
	}

	localCode, err := randomHex(16)
	if err != nil {
		return "", "", err
	}
	localCode = codePrefix + localCode

	now := p.now()
	grant := &Grant{
		ID:            uuid.NewString(),
		ClientID:      pending.ClientID,
		Scope:         p.grantedScope(pending.Scope),
		Credential:    credential,
		UpstreamToken: tok,
		CreatedAt:     now,
	}
	authCode := &AuthorizationCode{
		Code:                localCode,
		GrantID:             grant.ID,
		ClientID:            pending.ClientID,
		RedirectURI:         pending.RedirectURI,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
		ExpiresAt:           now.Add(p.cfg.CodeTTL),
	}
	if err := p.store.IssueCode(ctx, grant, authCode); err != nil {
		return "", "", fmt.Errorf("failed to store authorization code: %w", err)
	}

	redirectTo, err = buildClientRedirect(pending.RedirectURI, localCode, pending.ClientState)
	if err != nil {
		return "", "", err
	}

	p.logger.Info("OAuth: Issued authorization code %s for client %s", truncateString(localCode, 10), pending.ClientID)
	return redirectTo, localCode, nil
}

// consumeState verifies the signed upstream state and consumes the pending
// authorization it names. Consumption happens before any network call so a
// state can never be replayed.
func (p *OAuthProvider) consumeState(ctx context.Context, state string) (*PendingAuthorization, error) {
	if state == "" {
		return nil, fmt.Errorf("%w: missing state", ErrInvalidState)
	}
	data, err := verifyState(p.stateKey, state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	nonce := data["nonce"]
	if nonce == "" {
		return nil, fmt.Errorf("%w: state missing nonce", ErrInvalidState)
	}
	pending, err := p.store.ConsumePending(ctx, nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: no pending authorization", ErrInvalidState)
	}
	return pending, nil
}

func (p *OAuthProvider) exchangeUpstream(ctx context.Context, code, verifier string) (tok *oauth2.Token, err error) {
	ctx, span := p.inst.StartSpan(ctx, "oauth.upstream.exchange")
	defer func() { instrumentation.EndSpan(span, err) }()

	start := time.Now()
	tok, err = p.oauth2Config.Exchange(context.WithValue(ctx, oauth2.HTTPClient, p.httpClient), code, oauth2.VerifierOption(verifier))
	p.inst.Metrics().RecordUpstreamCall(ctx, "exchange", float64(time.Since(start).Milliseconds()))
	if err != nil {
		p.logger.Error("OAuth: Upstream token exchange failed: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrUpstreamExchange, err)
	}
	return tok, nil
}

// extractCredential picks the Instana credential out of an upstream token
// response according to the configured credential source.
func (p *OAuthProvider) extractCredential(tok *oauth2.Token) (string, error) {
	idToken, _ := tok.Extra("id_token").(string)

	if p.claimPath != "" {
		if v := claimFromJWT(idToken, p.claimPath); v != "" {
			return v, nil
		}
		return "", fmt.Errorf("%w: claim %q not found in id_token", ErrNoUpstreamCredential, p.claimPath)
	}

	credential := idToken
	if p.credentialField == CredentialSourceAccessToken {
		credential = tok.AccessToken
	}
	if credential == "" {
		return "", fmt.Errorf("%w: %s missing", ErrNoUpstreamCredential, p.credentialField)
	}
	return credential, nil
}

// claimFromJWT reads a gjson path from the (unverified) payload of a JWT.
// The upstream token was just received from the token endpoint over TLS.
func claimFromJWT(raw, path string) string {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := jwt.NewParser().DecodeSegment(parts[1])
	if err != nil {
		return ""
	}
	return gjson.GetBytes(payload, path).String()
}

func (p *OAuthProvider) grantedScope(requested string) string {
	if p.cfg.MCPScope != "" {
		return p.cfg.MCPScope
	}
	return requested
}

func buildClientRedirect(redirectURI, code, state string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRedirectURI, err)
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ExchangeAuthorizationCode consumes a local code exactly once and issues an
// MCP access token mapped to the code's credential.
func (p *OAuthProvider) ExchangeAuthorizationCode(ctx context.Context, req ExchangeRequest) (resp *TokenResponse, err error) {
	defer func() {
		p.inst.Metrics().RecordCodeExchange(ctx, instrumentation.Result(err))
	}()

	if req.Code == "" {
		return nil, fmt.Errorf("%w: missing code", ErrInvalidCode)
	}

	access, refresh, err := p.mintTokens(req.ClientID)
	if err != nil {
		return nil, err
	}

	check := func(code *AuthorizationCode) error {
		if code.ClientID != "" && code.ClientID != req.ClientID {
			return ErrClientMismatch
		}
		if req.RedirectURI != "" && code.RedirectURI != req.RedirectURI {
			return fmt.Errorf("%w: does not match authorization request", ErrInvalidRedirectURI)
		}
		if code.CodeChallenge != "" && !verifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier) {
			return ErrPKCEVerification
		}
		return nil
	}

	grant, err := p.store.ExchangeCode(ctx, req.Code, check, access, refresh)
	if err != nil {
		if errors.Is(err, ErrCodeAlreadyUsed) {
			p.logger.Warn("SECURITY: Authorization code reuse detected: %s", truncateString(req.Code, 10))
		} else {
			p.logger.Error("OAuth: Code exchange failed for client %s: %v", req.ClientID, err)
		}
		return nil, err
	}

	access.Scope = grant.Scope
	resp = p.tokenResponse(access, refresh, grant)

	p.logger.Info("OAuth: Issued MCP token %s for client %s", truncateString(access.Token, 10), req.ClientID)
	return resp, nil
}

func (p *OAuthProvider) mintTokens(clientID string) (*AccessToken, *RefreshToken, error) {
	accessValue, err := randomHex(32)
	if err != nil {
		return nil, nil, err
	}
	refreshValue, err := randomHex(32)
	if err != nil {
		return nil, nil, err
	}
	now := p.now()
	access := &AccessToken{
		Token:     accessTokenPrefix + accessValue,
		ClientID:  clientID,
		Scope:     p.cfg.MCPScope,
		IssuedAt:  now,
		ExpiresAt: now.Add(p.cfg.AccessTokenTTL),
	}
	refresh := &RefreshToken{
		Token:    refreshTokenPrefix + refreshValue,
		ClientID: clientID,
		IssuedAt: now,
	}
	return access, refresh, nil
}

// tokenResponse builds the token endpoint response. The refresh token is only
// included when the grant is backed by an upstream refresh token.
func (p *OAuthProvider) tokenResponse(access *AccessToken, refresh *RefreshToken, grant *Grant) *TokenResponse {
	resp := &TokenResponse{
		AccessToken: access.Token,
		TokenType:   "Bearer",
		ExpiresIn:   int(access.ExpiresAt.Sub(access.IssuedAt).Seconds()),
		Scope:       grant.Scope,
	}
	if refresh != nil && grant.UpstreamToken != nil && grant.UpstreamToken.RefreshToken != "" {
		resp.RefreshToken = refresh.Token
	}
	return resp
}

// GetInstanaJWTToken returns the Instana credential mapped to an MCP token.
// Unknown or expired tokens are never resolved.
func (p *OAuthProvider) GetInstanaJWTToken(mcpToken string) (string, bool) {
	credential, err := p.LookupCredential(context.Background(), mcpToken)
	return credential, err == nil
}

// LookupCredential is GetInstanaJWTToken with the failure reason:
// ErrUnmappedToken or ErrAccessTokenExpired.
func (p *OAuthProvider) LookupCredential(ctx context.Context, mcpToken string) (string, error) {
	_, grant, err := p.store.LookupAccessToken(ctx, mcpToken)
	if err != nil {
		return "", err
	}
	return grant.Credential, nil
}

// LoadAccessToken returns an unexpired MCP access token.
func (p *OAuthProvider) LoadAccessToken(ctx context.Context, token string) (*AccessToken, error) {
	at, _, err := p.store.LookupAccessToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return at, nil
}

// Refresh exchanges a local refresh token: the upstream token is refreshed,
// the credential re-extracted and the grant updated so every MCP token issued
// from it resolves to the new credential. Concurrent refreshes of the same
// token share one upstream call. The shared call is detached from the
// callers' contexts: a caller giving up gets ctx.Err() while the refresh
// completes for everyone else.
func (p *OAuthProvider) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := p.refreshGroup.DoChan(refreshToken, func() (interface{}, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), upstreamRefreshTimeout)
		defer cancel()
		return p.refresh(refreshCtx, refreshToken)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		resp := *res.Val.(*TokenResponse)
		return &resp, nil
	}
}

func (p *OAuthProvider) refresh(ctx context.Context, refreshToken string) (resp *TokenResponse, err error) {
	ctx, span := p.inst.StartSpan(ctx, "oauth.upstream.refresh")
	defer func() {
		instrumentation.EndSpan(span, err)
		p.inst.Metrics().RecordTokenRefresh(ctx, instrumentation.Result(err))
	}()

	rt, grant, err := p.store.GetRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String(instrumentation.AttrClientID, rt.ClientID))

	if grant.UpstreamToken == nil || grant.UpstreamToken.RefreshToken == "" {
		_ = p.store.DeleteRefreshToken(ctx, refreshToken)
		return nil, ErrInvalidRefreshToken
	}

	start := time.Now()
	src := p.oauth2Config.TokenSource(
		context.WithValue(ctx, oauth2.HTTPClient, p.httpClient),
		&oauth2.Token{RefreshToken: grant.UpstreamToken.RefreshToken},
	)
	tok, err := src.Token()
	p.inst.Metrics().RecordUpstreamCall(ctx, "refresh", float64(time.Since(start).Milliseconds()))
	if err != nil {
		// Timeouts leave the grant intact so the client can retry.
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			p.logger.Warn("OAuth: Upstream refresh for client %s interrupted: %v", rt.ClientID, err)
			return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		}
		_ = p.store.DeleteRefreshToken(ctx, refreshToken)
		p.logger.Error("OAuth: Upstream refresh failed for client %s: %v", rt.ClientID, err)
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	credential, err := p.extractCredential(tok)
	if err != nil {
		_ = p.store.DeleteRefreshToken(ctx, refreshToken)
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	access, refresh, err := p.mintTokens(rt.ClientID)
	if err != nil {
		return nil, err
	}
	access.Scope = grant.Scope
	if tok.RefreshToken == "" {
		refresh = nil
	}

	updated, err := p.store.RotateGrant(ctx, refreshToken, credential, tok, access, refresh)
	if err != nil {
		return nil, err
	}

	resp = p.tokenResponse(access, refresh, updated)

	p.logger.Info("OAuth: Refreshed grant for client %s, issued MCP token %s", rt.ClientID, truncateString(access.Token, 10))
	return resp, nil
}

// Revoke removes an access or refresh token and its mapping. Unknown tokens
// are ignored (RFC 7009).
func (p *OAuthProvider) Revoke(ctx context.Context, token string) error {
	removed, err := p.store.RevokeToken(ctx, token)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	if removed {
		p.inst.Metrics().RecordTokenRevocation(ctx)
		p.logger.Info("OAuth: Revoked token %s", truncateString(token, 10))
	}
	return nil
}
