package auth

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/instana/mcp-instana-auth/instrumentation"
)

// Transport identifies how the MCP server is reached. It gates which
// credential resolution strategies apply.
type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "streamable-http"
)

// Credential sources for the upstream token response.
const (
	CredentialSourceIDToken     = "id_token"
	CredentialSourceAccessToken = "access_token"
	credentialSourceClaimPrefix = "claim:"
)

const (
	defaultCallbackPath   = "/oauth/callback"
	defaultAccessTokenTTL = time.Hour
	defaultCodeTTL        = 5 * time.Minute
	defaultPendingTTL     = 10 * time.Minute
	defaultJWTAlgorithm   = "RS256"
)

// Config holds the authentication configuration of the MCP server.
type Config struct {
	// Transport selects stdio or streamable-http. Environment fallback for
	// Instana credentials is only applied in stdio mode.
	Transport Transport

	OAuth OAuthConfig
	JWT   JWTConfig

	// InstanaBaseURL is the default Instana base URL (INSTANA_BASE_URL). It is
	// paired with tokens that arrive without an explicit base URL.
	InstanaBaseURL string

	// Optional - Logging
	// Logger allows custom logging implementation. If nil, uses default logger
	// that outputs to log.Printf with level prefixes ([INFO], [ERROR], etc.).
	Logger Logger

	// Optional - HTTPClient used for upstream token endpoint, discovery and JWKS calls.
	HTTPClient *http.Client

	// Optional - Instrumentation; nil disables metrics and tracing.
	Instrumentation *instrumentation.Instrumentation
}

// OAuthConfig configures the authorization-code flow against the upstream
// identity provider.
type OAuthConfig struct {
	Enabled      bool
	ClientID     string
	ClientSecret string

	// AuthURL and TokenURL are the upstream endpoints. When both are empty and
	// Issuer is set, they are discovered via OIDC.
	AuthURL  string
	TokenURL string
	Issuer   string

	// ServerURL is the public URL of this server; CallbackPath is appended to it
	// to form the redirect URI registered with the upstream provider.
	ServerURL    string
	CallbackPath string

	// ProviderScope is requested from the upstream provider, MCPScope is
	// granted on issued MCP tokens.
	ProviderScope string
	MCPScope      string

	// CredentialSource selects which part of the upstream token response is the
	// Instana credential: "id_token", "access_token" or "claim:<path>" where path
	// addresses a claim inside the id_token JWT payload.
	// Defaults to id_token; there is no implicit fallback between fields.
	CredentialSource string

	// RedirectURIs is an optional comma-separated allowlist of client redirect
	// URIs for clients that did not register their own.
	RedirectURIs string

	// StateSecret signs the state parameter sent upstream. Random if empty.
	StateSecret []byte

	AccessTokenTTL time.Duration
	CodeTTL        time.Duration
}

// JWTConfig configures verification of self-issued bearer JWTs.
type JWTConfig struct {
	Enabled  bool
	Audience string

	// PublicKey holds a PEM public key for asymmetric algorithms or the shared
	// secret for HMAC algorithms. Mutually exclusive with JWKSURI.
	PublicKey string
	JWKSURI   string

	// Algorithm is the only accepted signing algorithm (default RS256).
	Algorithm string

	RequiredScopes []string
}

// Validate validates the configuration and applies defaults
func (c *Config) Validate() error {
	if c.Transport == "" {
		c.Transport = TransportStdio
	}
	if c.Transport != TransportStdio && c.Transport != TransportHTTP {
		return fmt.Errorf("transport must be '%s' or '%s', got: %s", TransportStdio, TransportHTTP, c.Transport)
	}

	if c.OAuth.Enabled && c.JWT.Enabled {
		return fmt.Errorf("OAuth and JWT authentication are mutually exclusive")
	}

	if c.OAuth.Enabled {
		if err := c.OAuth.validate(); err != nil {
			return fmt.Errorf("invalid OAuth config: %w", err)
		}
	}

	if c.JWT.Enabled {
		if err := c.JWT.validate(); err != nil {
			return fmt.Errorf("invalid JWT config: %w", err)
		}
	}

	if c.InstanaBaseURL != "" && !hasHTTPScheme(c.InstanaBaseURL) {
		return fmt.Errorf("INSTANA_BASE_URL: %w", ErrInvalidBaseURL)
	}

	return nil
}

func (o *OAuthConfig) validate() error {
	if o.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}
	if (o.AuthURL == "" || o.TokenURL == "") && o.Issuer == "" {
		return fmt.Errorf("auth URL and token URL are required unless an issuer is configured for discovery")
	}
	if o.ServerURL == "" {
		return fmt.Errorf("server URL is required")
	}
	if o.CallbackPath == "" {
		o.CallbackPath = defaultCallbackPath
	}
	if !strings.HasPrefix(o.CallbackPath, "/") && !hasHTTPScheme(o.CallbackPath) {
		return fmt.Errorf("callback path must be absolute, got: %s", o.CallbackPath)
	}
	if o.CredentialSource == "" {
		o.CredentialSource = CredentialSourceIDToken
	}
	if _, _, err := parseCredentialSource(o.CredentialSource); err != nil {
		return err
	}
	if o.AccessTokenTTL <= 0 {
		o.AccessTokenTTL = defaultAccessTokenTTL
	}
	if o.CodeTTL <= 0 {
		o.CodeTTL = defaultCodeTTL
	}
	return nil
}

func (j *JWTConfig) validate() error {
	if j.Audience == "" {
		return fmt.Errorf("audience is required")
	}
	if j.Algorithm == "" {
		j.Algorithm = defaultJWTAlgorithm
	}
	if j.PublicKey == "" && j.JWKSURI == "" {
		return fmt.Errorf("either a public key or a JWKS URI is required")
	}
	if j.PublicKey != "" && j.JWKSURI != "" {
		return fmt.Errorf("public key and JWKS URI are mutually exclusive")
	}
	if isHMACAlgorithm(j.Algorithm) && j.JWKSURI != "" {
		return fmt.Errorf("JWKS URI cannot be used with HMAC algorithm %s", j.Algorithm)
	}
	if !isSupportedAlgorithm(j.Algorithm) {
		return fmt.Errorf("unsupported JWT algorithm: %s", j.Algorithm)
	}
	return nil
}

// CallbackURL returns the absolute redirect URI registered with the upstream provider.
func (o *OAuthConfig) CallbackURL() string {
	if hasHTTPScheme(o.CallbackPath) {
		return o.CallbackPath
	}
	return strings.TrimRight(o.ServerURL, "/") + o.CallbackPath
}

// callbackRoute returns the path component under which the callback handler is mounted.
func (o *OAuthConfig) callbackRoute() string {
	if !hasHTTPScheme(o.CallbackPath) {
		return o.CallbackPath
	}
	u, err := url.Parse(o.CallbackPath)
	if err != nil || u.Path == "" {
		return defaultCallbackPath
	}
	return u.Path
}

// parseCredentialSource splits a credential source into the token field to
// read and an optional claim path inside that token.
func parseCredentialSource(source string) (field, claimPath string, err error) {
	switch {
	case source == CredentialSourceIDToken, source == CredentialSourceAccessToken:
		return source, "", nil
	case strings.HasPrefix(source, credentialSourceClaimPrefix):
		path := strings.TrimPrefix(source, credentialSourceClaimPrefix)
		if path == "" {
			return "", "", fmt.Errorf("credential source %q has an empty claim path", source)
		}
		return CredentialSourceIDToken, path, nil
	default:
		return "", "", fmt.Errorf("unknown credential source: %s (supported: id_token, access_token, claim:<path>)", source)
	}
}

func hasHTTPScheme(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

// ConfigBuilder provides a fluent API for constructing Config
type ConfigBuilder struct {
	config *Config
}

// NewConfigBuilder creates a new ConfigBuilder
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{config: &Config{}}
}

// WithTransport sets the transport ("stdio" or "streamable-http")
func (b *ConfigBuilder) WithTransport(transport Transport) *ConfigBuilder {
	b.config.Transport = transport
	return b
}

// WithOAuth sets the OAuth configuration
func (b *ConfigBuilder) WithOAuth(oauth OAuthConfig) *ConfigBuilder {
	b.config.OAuth = oauth
	return b
}

// WithJWT sets the JWT verification configuration
func (b *ConfigBuilder) WithJWT(jwt JWTConfig) *ConfigBuilder {
	b.config.JWT = jwt
	return b
}

// WithInstanaBaseURL sets the default Instana base URL
func (b *ConfigBuilder) WithInstanaBaseURL(baseURL string) *ConfigBuilder {
	b.config.InstanaBaseURL = baseURL
	return b
}

// WithLogger sets the logger
func (b *ConfigBuilder) WithLogger(logger Logger) *ConfigBuilder {
	b.config.Logger = logger
	return b
}

// WithHTTPClient sets the HTTP client for upstream calls
func (b *ConfigBuilder) WithHTTPClient(client *http.Client) *ConfigBuilder {
	b.config.HTTPClient = client
	return b
}

// WithInstrumentation sets the instrumentation
func (b *ConfigBuilder) WithInstrumentation(inst *instrumentation.Instrumentation) *ConfigBuilder {
	b.config.Instrumentation = inst
	return b
}

// Build constructs and validates the Config
func (b *ConfigBuilder) Build() (*Config, error) {
	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	return b.config, nil
}

// FromEnv creates a Config from environment variables
func FromEnv() (*Config, error) {
	oauth := OAuthConfig{
		Enabled:          envBool("ENABLE_OAUTH"),
		ClientID:         getEnv("OAUTH_CLIENT_ID", ""),
		ClientSecret:     getEnv("OAUTH_CLIENT_SECRET", ""),
		AuthURL:          getEnv("OAUTH_AUTH_URL", ""),
		TokenURL:         getEnv("OAUTH_TOKEN_URL", ""),
		Issuer:           getEnv("OAUTH_ISSUER", ""),
		ServerURL:        getEnv("OAUTH_SERVER_URL", "http://localhost:8080"),
		CallbackPath:     getEnv("OAUTH_CALLBACK_PATH", defaultCallbackPath),
		ProviderScope:    getEnv("OAUTH_PROVIDER_SCOPE", "openid"),
		MCPScope:         getEnv("OAUTH_MCP_SCOPE", "instana"),
		CredentialSource: getEnv("OAUTH_CREDENTIAL_SOURCE", CredentialSourceIDToken),
		RedirectURIs:     getEnv("OAUTH_REDIRECT_URIS", ""),
		StateSecret:      []byte(getEnv("OAUTH_STATE_SECRET", "")),
	}

	jwt := JWTConfig{
		Enabled:        envBool("FASTMCP_AUTH_JWT_ENABLED"),
		Audience:       getEnv("FASTMCP_AUTH_JWT_AUDIENCE", ""),
		PublicKey:      getEnv("FASTMCP_AUTH_JWT_PUBLIC_KEY", ""),
		JWKSURI:        getEnv("FASTMCP_AUTH_JWT_JWKS_URI", ""),
		Algorithm:      getEnv("FASTMCP_AUTH_JWT_ALGORITHM", defaultJWTAlgorithm),
		RequiredScopes: splitList(getEnv("FASTMCP_AUTH_JWT_REQUIRED_SCOPES", "")),
	}

	return NewConfigBuilder().
		WithTransport(Transport(getEnv("MCP_TRANSPORT", string(TransportStdio)))).
		WithOAuth(oauth).
		WithJWT(jwt).
		WithInstanaBaseURL(getEnv("INSTANA_BASE_URL", "")).
		Build()
}

// getEnv gets environment variable with default value
func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envBool(key string) bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), "true")
}

// splitList splits a comma-separated list, dropping empty entries
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
