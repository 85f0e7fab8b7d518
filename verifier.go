package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// VerifiedClaims is the validated payload of a self-issued bearer JWT.
// It is produced fresh for every request and never cached.
type VerifiedClaims struct {
	Subject        string
	Audience       []string
	IssuedAt       time.Time
	ExpiresAt      time.Time
	Scopes         []string
	InstanaToken   string
	InstanaBaseURL string

	// Raw is the full decoded claim set.
	Raw jwt.MapClaims
}

// TokenVerifier validates self-issued JWTs (signature, audience, expiry and
// optional scopes) and extracts the Instana credentials they carry. The
// issuer claim is never validated.
type TokenVerifier struct {
	audience       string
	algorithm      string
	requiredScopes []string
	keys           keySource
	logger         Logger
}

// NewTokenVerifier builds a verifier from JWT configuration. The key source
// is an HMAC secret, a PEM public key or a JWKS URI, in that order of precedence.
func NewTokenVerifier(ctx context.Context, cfg JWTConfig, httpClient *http.Client, logger Logger) (*TokenVerifier, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid JWT config: %w", err)
	}
	if logger == nil {
		logger = DefaultLogger()
	}

	v := &TokenVerifier{
		audience:       cfg.Audience,
		algorithm:      cfg.Algorithm,
		requiredScopes: cfg.RequiredScopes,
		logger:         logger,
	}

	if cfg.JWKSURI != "" {
		src, err := newJWKSKeySource(ctx, cfg.JWKSURI, httpClient)
		if err != nil {
			return nil, err
		}
		v.keys = src
	} else {
		src, err := newStaticKey(cfg.Algorithm, cfg.PublicKey)
		if err != nil {
			return nil, err
		}
		v.keys = src
	}

	return v, nil
}

// Verify validates a bearer JWT. A "Bearer " prefix is tolerated.
//
// Expiry is checked before the signature so that an expired token is always
// reported as such and never yields credentials.
func (v *TokenVerifier) Verify(ctx context.Context, bearer string) (*VerifiedClaims, error) {
	tokenString := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(bearer), "Bearer "))
	if tokenString == "" {
		return nil, ErrNoToken
	}

	unverified := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, unverified); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if exp, err := unverified.GetExpirationTime(); err == nil && exp != nil && !time.Now().Before(exp.Time) {
		return nil, fmt.Errorf("%w: expired at %s", ErrTokenExpired, exp.Time.UTC().Format(time.RFC3339))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(token *jwt.Token) (interface{}, error) {
			return v.keys.key(ctx, token)
		},
		jwt.WithValidMethods([]string{v.algorithm}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, mapJWTError(err)
	}

	if err := v.validateAudience(claims); err != nil {
		return nil, err
	}

	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return nil, fmt.Errorf("%w: missing iat claim", ErrMalformedToken)
	}
	exp, _ := claims.GetExpirationTime()

	scopes := tokenScopes(claims)
	if missing := missingScopes(v.requiredScopes, scopes); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingScope, strings.Join(missing, ", "))
	}

	instanaToken := firstStringClaim(claims, "instana_token", "instana_api_token")
	instanaBaseURL := firstStringClaim(claims, "instana_base_url", "instana_url")
	if instanaToken == "" || instanaBaseURL == "" {
		return nil, ErrMissingInstanaClaims
	}

	aud, _ := claims.GetAudience()
	sub, _ := claims.GetSubject()

	return &VerifiedClaims{
		Subject:        sub,
		Audience:       aud,
		IssuedAt:       iat.Time,
		ExpiresAt:      exp.Time,
		Scopes:         scopes,
		InstanaToken:   instanaToken,
		InstanaBaseURL: instanaBaseURL,
		Raw:            claims,
	}, nil
}

// validateAudience validates the audience claim (string or array) contains the configured value
func (v *TokenVerifier) validateAudience(claims jwt.MapClaims) error {
	aud, err := claims.GetAudience()
	if err != nil {
		return fmt.Errorf("%w: invalid audience claim type", ErrInvalidAudience)
	}
	if len(aud) == 0 {
		return fmt.Errorf("%w: missing audience claim", ErrInvalidAudience)
	}
	for _, a := range aud {
		if a == v.audience {
			return nil
		}
	}
	return fmt.Errorf("%w: expected %s", ErrInvalidAudience, v.audience)
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, ErrNoVerificationKey):
		return fmt.Errorf("%w: %v", ErrNoVerificationKey, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
}

// tokenScopes reads scopes from the space-separated "scope" claim or the "scp" array.
func tokenScopes(claims jwt.MapClaims) []string {
	if s, ok := claims["scope"].(string); ok {
		return strings.Fields(s)
	}
	switch scp := claims["scp"].(type) {
	case string:
		return strings.Fields(scp)
	case []interface{}:
		out := make([]string, 0, len(scp))
		for _, item := range scp {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func missingScopes(required, granted []string) []string {
	have := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		have[s] = struct{}{}
	}
	var missing []string
	for _, s := range required {
		if _, ok := have[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}

func firstStringClaim(claims jwt.MapClaims, names ...string) string {
	for _, name := range names {
		if s, ok := claims[name].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// BearerMiddleware rejects requests without a valid self-issued bearer JWT
// and stores the verified claims in the request context.
func (v *TokenVerifier) BearerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r.Header)
		if !ok {
			writeBearerChallenge(w, "missing bearer token")
			return
		}

		claims, err := v.Verify(r.Context(), token)
		if err != nil {
			if IsExpiryError(err) {
				v.logger.Info("Rejected expired bearer token for %s", r.URL.Path)
				writeBearerChallenge(w, "token expired")
				return
			}
			v.logger.Warn("SECURITY: Bearer token rejected for %s: %v", r.URL.Path, err)
			writeBearerChallenge(w, "invalid token")
			return
		}

		ctx := WithVerifiedClaims(r.Context(), claims)
		ctx = WithOAuthToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeBearerChallenge(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer error="invalid_token", error_description=%q`, description))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = fmt.Fprintf(w, `{"error":"invalid_token","error_description":%q}`, description)
}

// bearerToken extracts the token from an "Authorization: Bearer" header.
func bearerToken(h http.Header) (string, bool) {
	authHeader := h.Get("Authorization")
	if len(authHeader) < 7 || !strings.EqualFold(authHeader[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(authHeader[7:])
	return token, token != ""
}
