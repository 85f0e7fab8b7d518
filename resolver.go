package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/instana/mcp-instana-auth/instrumentation"
)

// Header names carrying explicit Instana credentials.
const (
	HeaderInstanaToken    = "instana-jwt-token"
	HeaderInstanaAPIToken = "instana-api-token"
	HeaderInstanaBaseURL  = "instana-base-url"
)

// Credential sources reported on a resolved Credential.
const (
	SourceHeader      = "header"
	SourceOAuth       = "oauth"
	SourceJWT         = "jwt"
	SourceEnvironment = "environment"
)

// Credential is the Instana base URL and API token a tool call runs with.
type Credential struct {
	BaseURL string
	Token   string
	// Source names the resolution step that produced the credential.
	Source string
}

// CredentialResolver turns an inbound request into a Credential, trying in
// order: explicit Instana headers, the bearer token (OAuth mapping or
// self-issued JWT claims), then the environment in stdio mode.
type CredentialResolver struct {
	transport    Transport
	oauthEnabled bool
	baseURL      string
	authCtx      *AuthContext
	verifier     *TokenVerifier
	getenv       func(string) string
	logger       Logger
	inst         *instrumentation.Instrumentation
}

// NewCredentialResolver creates a resolver. authCtx supplies the OAuth provider
// when OAuth is enabled; verifier is used when self-issued JWT verification is
// enabled. Either may be nil.
func NewCredentialResolver(cfg *Config, authCtx *AuthContext, verifier *TokenVerifier) *CredentialResolver {
	logger := cfg.Logger
	if logger == nil {
		logger = DefaultLogger()
	}
	transport := cfg.Transport
	if transport == "" {
		transport = TransportStdio
	}
	return &CredentialResolver{
		transport:    transport,
		oauthEnabled: cfg.OAuth.Enabled,
		baseURL:      cfg.InstanaBaseURL,
		authCtx:      authCtx,
		verifier:     verifier,
		getenv:       os.Getenv,
		logger:       logger,
		inst:         cfg.Instrumentation,
	}
}

// Resolve resolves the credential for one tool invocation. It never returns a
// partial credential: either both base URL and token are set, or an error.
func (r *CredentialResolver) Resolve(ctx context.Context, headers http.Header) (*Credential, error) {
	if headers == nil {
		headers = http.Header{}
	}

	token := headers.Get(HeaderInstanaToken)
	if token == "" {
		token = headers.Get(HeaderInstanaAPIToken)
	}
	headerBaseURL := headers.Get(HeaderInstanaBaseURL)

	// 1. explicit headers
	if token != "" {
		return r.finish(ctx, SourceHeader, token, firstNonEmpty(headerBaseURL, r.baseURL))
	}

	// 2. bearer token
	bearer, hasBearer := bearerToken(headers)
	if !hasBearer {
		bearer, hasBearer = GetOAuthToken(ctx)
		hasBearer = hasBearer && bearer != ""
	}
	if hasBearer {
		switch {
		case r.oauthEnabled:
			return r.resolveOAuth(ctx, bearer, firstNonEmpty(headerBaseURL, r.baseURL))
		case r.verifier != nil:
			return r.resolveJWT(ctx, bearer)
		}
	}

	// 3. environment, stdio only
	if r.transport == TransportStdio {
		return r.resolveEnv(ctx)
	}

	// 4. nothing resolved
	missing := []string{HeaderInstanaToken + " (or valid OAuth token)"}
	if headerBaseURL == "" && r.baseURL == "" {
		missing = append(missing, HeaderInstanaBaseURL+" (header or INSTANA_BASE_URL env var)")
	}
	err := fmt.Errorf("%w: missing %s", ErrNoCredentials, strings.Join(missing, ", "))
	r.inst.Metrics().RecordCredentialResolved(ctx, SourceHeader, instrumentation.ResultFailure)
	r.logger.Error("Credential resolution failed: %v", err)
	return nil, err
}

func (r *CredentialResolver) resolveOAuth(ctx context.Context, bearer, baseURL string) (*Credential, error) {
	provider, ok := r.authCtx.Provider()
	if !ok {
		r.inst.Metrics().RecordCredentialResolved(ctx, SourceOAuth, instrumentation.ResultFailure)
		return nil, fmt.Errorf("%w: OAuth is enabled but no provider is registered", ErrNoCredentials)
	}

	credential, err := provider.LookupCredential(ctx, bearer)
	if err != nil {
		r.inst.Metrics().RecordCredentialResolved(ctx, SourceOAuth, instrumentation.ResultFailure)
		if errors.Is(err, ErrAccessTokenExpired) {
			r.logger.Info("Bearer token %s expired", truncateString(bearer, 10))
			return nil, err
		}
		r.logger.Warn("SECURITY: Bearer token %s is not mapped to an Instana credential", truncateString(bearer, 10))
		if !errors.Is(err, ErrUnmappedToken) {
			err = fmt.Errorf("%w: %v", ErrUnmappedToken, err)
		}
		return nil, err
	}
	return r.finish(ctx, SourceOAuth, credential, baseURL)
}

func (r *CredentialResolver) resolveJWT(ctx context.Context, bearer string) (*Credential, error) {
	claims, ok := VerifiedClaimsFromContext(ctx)
	if !ok {
		var err error
		claims, err = r.verifier.Verify(ctx, bearer)
		if err != nil {
			r.inst.Metrics().RecordCredentialResolved(ctx, SourceJWT, instrumentation.ResultFailure)
			return nil, err
		}
	}
	return r.finish(ctx, SourceJWT, claims.InstanaToken, claims.InstanaBaseURL)
}

func (r *CredentialResolver) resolveEnv(ctx context.Context) (*Credential, error) {
	token := firstNonEmpty(r.getenv("INSTANA_JWT_TOKEN"), r.getenv("INSTANA_API_TOKEN"))
	baseURL := firstNonEmpty(r.getenv("INSTANA_BASE_URL"), r.baseURL)

	if token == "" || baseURL == "" {
		var missing []string
		if token == "" {
			missing = append(missing, "INSTANA_JWT_TOKEN")
		}
		if baseURL == "" {
			missing = append(missing, "INSTANA_BASE_URL")
		}
		r.inst.Metrics().RecordCredentialResolved(ctx, SourceEnvironment, instrumentation.ResultFailure)
		return nil, fmt.Errorf("%w: stdio mode requires %s", ErrNoCredentials, strings.Join(missing, " and "))
	}
	return r.finish(ctx, SourceEnvironment, token, baseURL)
}

func (r *CredentialResolver) finish(ctx context.Context, source, token, baseURL string) (*Credential, error) {
	var err error
	switch {
	case baseURL == "":
		err = fmt.Errorf("%w: missing %s (header or INSTANA_BASE_URL env var)", ErrNoCredentials, HeaderInstanaBaseURL)
	case !hasHTTPScheme(baseURL):
		err = ErrInvalidBaseURL
	}
	r.inst.Metrics().RecordCredentialResolved(ctx, source, instrumentation.Result(err))
	if err != nil {
		r.logger.Error("Credential resolution via %s failed: %v", source, err)
		return nil, err
	}

	r.logger.Debug("Resolved Instana credential via %s for %s", source, baseURL)
	return &Credential{BaseURL: baseURL, Token: token, Source: source}, nil
}

// ResolveContext resolves using the headers captured in ctx by
// CreateHTTPContextFunc or CaptureHeaders. Without captured headers only the
// bearer token in ctx and the environment apply.
func (r *CredentialResolver) ResolveContext(ctx context.Context) (*Credential, error) {
	headers, _ := HeadersFromContext(ctx)
	return r.Resolve(ctx, http.Header(headers))
}

// IsResolutionError reports whether err came from credential resolution (as
// opposed to a failure of the wrapped tool).
func IsResolutionError(err error) bool {
	return errors.Is(err, ErrNoCredentials) ||
		errors.Is(err, ErrUnmappedToken) ||
		errors.Is(err, ErrInvalidBaseURL) ||
		IsValidationError(err) ||
		IsExpiryError(err)
}

// ResolutionErrorMessage renders a resolution error for an MCP tool error
// result.
func ResolutionErrorMessage(err error) string {
	switch {
	case IsExpiryError(err):
		return "Authentication failed: token expired, re-authenticate and retry"
	case errors.Is(err, ErrUnmappedToken):
		return "Authentication failed: OAuth token is not recognized, re-authenticate and retry"
	}
	return fmt.Sprintf("Instana credentials unavailable: %v", err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
