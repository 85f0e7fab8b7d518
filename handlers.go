package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Default endpoint paths.
const (
	AuthorizePath = "/oauth/authorize"
	TokenPath     = "/oauth/token"
	RegisterPath  = "/oauth/register"
	RevokePath    = "/oauth/revoke"

	AuthorizationServerMetadataPath = "/.well-known/oauth-authorization-server"
	ProtectedResourceMetadataPath   = "/.well-known/oauth-protected-resource"
)

// OAuthHandler serves the OAuth HTTP endpoints in front of an OAuthProvider.
type OAuthHandler struct {
	provider *OAuthProvider
	cfg      OAuthConfig
	limiter  *rateLimiter
	logger   Logger
}

// NewOAuthHandler creates the HTTP handlers for provider.
func NewOAuthHandler(provider *OAuthProvider, logger Logger) *OAuthHandler {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &OAuthHandler{
		provider: provider,
		cfg:      provider.cfg,
		limiter:  newRateLimiter(defaultRatePerSecond, defaultRateBurst, defaultRateMaxIPs),
		logger:   logger,
	}
}

// HandleAuthorize starts the flow and redirects the user agent upstream.
func (h *OAuthHandler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	h.addSecurityHeaders(w)
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.validateOAuthParams(r); err != nil {
		h.logger.Warn("SECURITY: Invalid OAuth parameters from %s: %v", clientIP(r), err)
		http.Error(w, "Invalid request parameters", http.StatusBadRequest)
		return
	}

	query := r.URL.Query()
	if rt := query.Get("response_type"); rt != "" && rt != "code" {
		http.Error(w, "Unsupported response_type", http.StatusBadRequest)
		return
	}

	req := AuthorizationRequest{
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		Scope:               query.Get("scope"),
		State:               query.Get("state"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
	}

	h.logger.Info("OAuth: Authorization request - client_id: %s, redirect_uri: %s, code_challenge: %s",
		req.ClientID, req.RedirectURI, truncateString(req.CodeChallenge, 10))

	authURL, err := h.provider.StartAuthorization(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidRedirectURI):
			http.Error(w, "Invalid redirect_uri", http.StatusBadRequest)
		case errors.Is(err, ErrPKCEVerification):
			http.Error(w, "Invalid code_challenge_method", http.StatusBadRequest)
		default:
			h.logger.Error("OAuth: Failed to start authorization: %v", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleCallback handles the upstream provider's redirect and forwards the
// user agent to the client with a local code.
func (h *OAuthHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	h.addSecurityHeaders(w)
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.validateOAuthParams(r); err != nil {
		h.logger.Warn("SECURITY: Invalid callback parameters from %s: %v", clientIP(r), err)
		http.Error(w, "Invalid request parameters", http.StatusBadRequest)
		return
	}

	redirectTo, _, err := h.provider.HandleCallback(r.Context(), r.URL.Query())
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidState):
			http.Error(w, "Invalid state parameter", http.StatusBadRequest)
		case errors.Is(err, ErrUpstreamAuthorization):
			http.Error(w, "Authorization failed", http.StatusBadRequest)
		case errors.Is(err, ErrUpstreamExchange), errors.Is(err, ErrNoUpstreamCredential):
			http.Error(w, "Token exchange failed", http.StatusBadGateway)
		default:
			h.logger.Error("OAuth: Callback failed: %v", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	http.Redirect(w, r, redirectTo, http.StatusFound)
}

// HandleToken handles the authorization_code and refresh_token grants
func (h *OAuthHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	addCORSHeaders(w, "POST, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.limiter.Allow(clientIP(r)) {
		h.logger.Warn("SECURITY: Token endpoint rate limit exceeded for %s", clientIP(r))
		w.Header().Set("Retry-After", "1")
		writeOAuthError(w, http.StatusTooManyRequests, "slow_down", "rate limit exceeded")
		return
	}

	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	if err := h.validateOAuthParams(r); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	clientID := r.FormValue("client_id")
	if clientID == "" {
		if user, _, ok := r.BasicAuth(); ok {
			clientID = user
		}
	}

	var (
		resp *TokenResponse
		err  error
	)
	switch grantType := r.FormValue("grant_type"); grantType {
	case "authorization_code":
		code := r.FormValue("code")
		if code == "" {
			writeOAuthError(w, http.StatusBadRequest, "invalid_request", "missing code")
			return
		}
		resp, err = h.provider.ExchangeAuthorizationCode(r.Context(), ExchangeRequest{
			Code:         code,
			ClientID:     clientID,
			RedirectURI:  r.FormValue("redirect_uri"),
			CodeVerifier: r.FormValue("code_verifier"),
		})
	case "refresh_token":
		refreshToken := r.FormValue("refresh_token")
		if refreshToken == "" {
			writeOAuthError(w, http.StatusBadRequest, "invalid_request", "missing refresh_token")
			return
		}
		resp, err = h.provider.Refresh(r.Context(), refreshToken)
	default:
		h.logger.Error("OAuth: Unsupported grant type: %s", grantType)
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}

	if err != nil {
		status, code := tokenErrorStatus(err)
		writeOAuthError(w, status, code, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func tokenErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidCode),
		errors.Is(err, ErrCodeAlreadyUsed),
		errors.Is(err, ErrCodeExpired),
		errors.Is(err, ErrClientMismatch),
		errors.Is(err, ErrPKCEVerification),
		errors.Is(err, ErrInvalidRedirectURI),
		errors.Is(err, ErrInvalidRefreshToken),
		errors.Is(err, ErrRefreshFailed):
		return http.StatusBadRequest, "invalid_grant"
	}
	return http.StatusInternalServerError, "server_error"
}

// HandleRegister handles dynamic client registration
func (h *OAuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	addCORSHeaders(w, "POST, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.limiter.Allow(clientIP(r)) {
		h.logger.Warn("SECURITY: Registration rate limit exceeded for %s", clientIP(r))
		w.Header().Set("Retry-After", "1")
		writeOAuthError(w, http.StatusTooManyRequests, "slow_down", "rate limit exceeded")
		return
	}

	var reg ClientRegistration
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&reg); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", "malformed registration body")
		return
	}

	client, err := h.provider.RegisterClient(r.Context(), reg)
	if err != nil {
		if errors.Is(err, ErrInvalidRedirectURI) {
			writeOAuthError(w, http.StatusBadRequest, "invalid_redirect_uri", err.Error())
			return
		}
		h.logger.Error("OAuth: Client registration failed: %v", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"client_id":                  client.ID,
		"client_name":                client.Name,
		"client_id_issued_at":        client.CreatedAt.Unix(),
		"redirect_uris":              client.RedirectURIs,
		"token_endpoint_auth_method": "none",
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
	})
}

// HandleRevoke handles token revocation (RFC 7009). Unknown tokens still
// yield 200.
func (h *OAuthHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	addCORSHeaders(w, "POST, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	token := r.FormValue("token")
	if token == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "missing token")
		return
	}
	if err := h.provider.Revoke(r.Context(), token); err != nil {
		h.logger.Error("OAuth: Revocation failed: %v", err)
		writeOAuthError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// validateOAuthParams performs basic input validation to prevent abuse
func (h *OAuthHandler) validateOAuthParams(r *http.Request) error {
	if code := r.FormValue("code"); len(code) > 512 {
		return fmt.Errorf("invalid code parameter length")
	}
	if state := r.FormValue("state"); len(state) > 1024 {
		return fmt.Errorf("invalid state parameter length")
	}
	if challenge := r.FormValue("code_challenge"); len(challenge) > 256 {
		return fmt.Errorf("invalid code_challenge parameter length")
	}
	if verifier := r.FormValue("code_verifier"); len(verifier) > 256 {
		return fmt.Errorf("invalid code_verifier parameter length")
	}
	return nil
}

// addSecurityHeaders adds essential security headers for OAuth endpoints
func (h *OAuthHandler) addSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Cache-Control", "no-store, no-cache, max-age=0")
	w.Header().Set("Pragma", "no-cache")
}

// addCORSHeaders adds CORS headers for browser-based MCP clients
func addCORSHeaders(w http.ResponseWriter, methods string) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", methods)
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", "86400")
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	body := map[string]string{"error": code}
	if description != "" {
		body["error_description"] = description
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// RequireAccessToken rejects requests to the protected MCP endpoint that do
// not carry a live MCP access token. The 401 challenge points clients at the
// protected resource metadata (RFC 9728) so they can start the flow.
// Requests with explicit Instana credential headers and no bearer token pass,
// those headers take precedence during resolution.
func (h *OAuthHandler) RequireAccessToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r.Header)
		if !ok {
			if r.Header.Get(HeaderInstanaToken) != "" || r.Header.Get(HeaderInstanaAPIToken) != "" {
				next.ServeHTTP(w, r)
				return
			}
			h.writeResourceChallenge(w, "", "missing bearer token")
			return
		}

		if _, err := h.provider.LoadAccessToken(r.Context(), token); err != nil {
			if IsExpiryError(err) {
				h.logger.Info("OAuth: Expired MCP token %s for %s", truncateString(token, 10), r.URL.Path)
				h.writeResourceChallenge(w, "invalid_token", "token expired")
				return
			}
			h.logger.Warn("SECURITY: Unknown MCP token %s from %s", truncateString(token, 10), clientIP(r))
			h.writeResourceChallenge(w, "invalid_token", "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithOAuthToken(r.Context(), token)))
	})
}

// writeResourceChallenge answers 401 with a Bearer challenge. errorCode is
// left out of the header when the request had no credentials (RFC 6750 3.1).
func (h *OAuthHandler) writeResourceChallenge(w http.ResponseWriter, errorCode, description string) {
	challenge := fmt.Sprintf(`Bearer resource_metadata=%q`, h.baseURL()+ProtectedResourceMetadataPath)
	if errorCode != "" {
		challenge += fmt.Sprintf(`, error=%q, error_description=%q`, errorCode, description)
	}
	w.Header().Set("WWW-Authenticate", challenge)

	if errorCode == "" {
		errorCode = "unauthorized"
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errorCode,
		"error_description": description,
	})
}
