package auth

import (
	"context"
	"fmt"
	"net/http"
)

// Server wires the authentication components for one MCP server instance.
type Server struct {
	config   *Config
	verifier *TokenVerifier
	provider *OAuthProvider
	authCtx  *AuthContext
	resolver *CredentialResolver
	handler  *OAuthHandler
	logger   Logger
}

// NewServer creates a new auth server with the given configuration
func NewServer(cfg *Config) (*Server, error) {
	return NewServerWithStore(context.Background(), cfg, nil)
}

// NewServerWithStore is NewServer with an explicit OAuth store. A nil store
// selects the in-memory store.
func NewServerWithStore(ctx context.Context, cfg *Config, store Store) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = DefaultLogger()
		cfg.Logger = logger
	}

	s := &Server{
		config:  cfg,
		authCtx: NewAuthContext(),
		logger:  logger,
	}

	if cfg.JWT.Enabled {
		verifier, err := NewTokenVerifier(ctx, cfg.JWT, cfg.HTTPClient, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create token verifier: %w", err)
		}
		s.verifier = verifier
	}

	if cfg.OAuth.Enabled {
		provider, err := NewOAuthProvider(ctx, cfg, store)
		if err != nil {
			return nil, fmt.Errorf("failed to create OAuth provider: %w", err)
		}
		if err := s.authCtx.SetProvider(provider); err != nil {
			provider.Close()
			return nil, err
		}
		s.provider = provider
		s.handler = NewOAuthHandler(provider, logger)
	}

	s.resolver = NewCredentialResolver(cfg, s.authCtx, s.verifier)
	return s, nil
}

// RegisterHandlers registers the OAuth HTTP endpoints on the provided mux.
// It is a no-op when OAuth is disabled.
func (s *Server) RegisterHandlers(mux *http.ServeMux) {
	if s.handler == nil {
		return
	}
	mux.HandleFunc(AuthorizationServerMetadataPath, s.handler.HandleAuthorizationServerMetadata)
	mux.HandleFunc(ProtectedResourceMetadataPath, s.handler.HandleProtectedResourceMetadata)
	mux.HandleFunc(AuthorizePath, s.handler.HandleAuthorize)
	mux.HandleFunc(s.config.OAuth.callbackRoute(), s.handler.HandleCallback)
	mux.HandleFunc(TokenPath, s.handler.HandleToken)
	mux.HandleFunc(RegisterPath, s.handler.HandleRegister)
	mux.HandleFunc(RevokePath, s.handler.HandleRevoke)
}

// WrapHandler captures request headers for credential resolution and
// rejects requests without a valid bearer token: a verified JWT when JWT
// verification is enabled, a live MCP access token when OAuth is enabled.
func (s *Server) WrapHandler(next http.Handler) http.Handler {
	switch {
	case s.verifier != nil:
		next = s.verifier.BearerMiddleware(next)
	case s.handler != nil:
		next = s.handler.RequireAccessToken(next)
	}
	return CaptureHeaders(next)
}

// Resolver returns the credential resolver.
func (s *Server) Resolver() *CredentialResolver { return s.resolver }

// Provider returns the OAuth provider, or nil when OAuth is disabled.
func (s *Server) Provider() *OAuthProvider { return s.provider }

// Verifier returns the JWT verifier, or nil when JWT verification is disabled.
func (s *Server) Verifier() *TokenVerifier { return s.verifier }

// AuthContext returns the auth context shared with the resolver.
func (s *Server) AuthContext() *AuthContext { return s.authCtx }

// Config returns the validated configuration.
func (s *Server) Config() *Config { return s.config }

// LogStartup logs the active authentication mode and endpoints.
func (s *Server) LogStartup() {
	s.logger.Info("Auth: transport %s", s.config.Transport)

	switch {
	case s.provider != nil:
		oc := s.config.OAuth
		s.logger.Info("Auth: OAuth enabled (client %s), credential source: %s", oc.ClientID, oc.CredentialSource)
		s.logger.Info("Auth: Callback URL: %s", oc.CallbackURL())
		base := s.handler.baseURL()
		s.logger.Info("Auth: Authorization server metadata: %s%s", base, AuthorizationServerMetadataPath)
		s.logger.Info("Auth: Endpoints: %s%s, %s%s, %s%s, %s%s",
			base, AuthorizePath, base, TokenPath, base, RegisterPath, base, RevokePath)
	case s.verifier != nil:
		s.logger.Info("Auth: JWT verification enabled (audience %s, algorithm %s)", s.config.JWT.Audience, s.config.JWT.Algorithm)
	default:
		s.logger.Info("Auth: No token verification, credentials from headers or environment")
	}

	if s.config.InstanaBaseURL != "" {
		s.logger.Info("Auth: Default Instana base URL: %s", s.config.InstanaBaseURL)
	}
}

// Close releases background resources.
func (s *Server) Close() {
	if s.provider != nil {
		s.provider.Close()
	}
}
