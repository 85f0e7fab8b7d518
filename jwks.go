package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// keySource resolves the verification key for a parsed (not yet verified) token.
type keySource interface {
	key(ctx context.Context, token *jwt.Token) (interface{}, error)
}

// staticKey serves a single configured key: an HMAC secret or a PEM public key.
type staticKey struct {
	value interface{}
}

func (s staticKey) key(_ context.Context, _ *jwt.Token) (interface{}, error) {
	return s.value, nil
}

// newStaticKey parses the configured key material for the algorithm family.
func newStaticKey(algorithm, material string) (staticKey, error) {
	switch {
	case isHMACAlgorithm(algorithm):
		return staticKey{value: []byte(material)}, nil
	case strings.HasPrefix(algorithm, "RS"), strings.HasPrefix(algorithm, "PS"):
		k, err := jwt.ParseRSAPublicKeyFromPEM([]byte(material))
		if err != nil {
			return staticKey{}, fmt.Errorf("failed to parse RSA public key: %w", err)
		}
		return staticKey{value: k}, nil
	case strings.HasPrefix(algorithm, "ES"):
		k, err := jwt.ParseECPublicKeyFromPEM([]byte(material))
		if err != nil {
			return staticKey{}, fmt.Errorf("failed to parse EC public key: %w", err)
		}
		return staticKey{value: k}, nil
	case algorithm == "EdDSA":
		k, err := jwt.ParseEdPublicKeyFromPEM([]byte(material))
		if err != nil {
			return staticKey{}, fmt.Errorf("failed to parse Ed25519 public key: %w", err)
		}
		return staticKey{value: k}, nil
	}
	return staticKey{}, fmt.Errorf("unsupported JWT algorithm: %s", algorithm)
}

// jwksKeySource fetches keys from a JWKS endpoint through an auto-refreshing
// cache. Only key material is cached, never tokens.
type jwksKeySource struct {
	url   string
	cache *jwk.Cache

	mu         sync.Mutex
	registered bool
}

func newJWKSKeySource(ctx context.Context, url string, httpClient *http.Client) (*jwksKeySource, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(httpClient)))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}
	// Registration is deferred to first use so startup never blocks on the endpoint.
	return &jwksKeySource{url: url, cache: cache}, nil
}

// ensureRegistered registers the JWKS URL with the cache. A failed
// registration is retried on the next verification.
func (s *jwksKeySource) ensureRegistered(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registered {
		return nil
	}

	regCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.cache.Register(regCtx, s.url); err != nil {
		return fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	s.registered = true
	return nil
}

func (s *jwksKeySource) key(ctx context.Context, token *jwt.Token) (interface{}, error) {
	if err := s.ensureRegistered(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoVerificationKey, err)
	}

	kid, _ := token.Header["kid"].(string)

	keySet, err := s.cache.Lookup(ctx, s.url)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to lookup JWKS: %v", ErrNoVerificationKey, err)
	}

	var key jwk.Key
	if kid != "" {
		var found bool
		key, found = keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("%w: key ID %s not found in JWKS", ErrNoVerificationKey, kid)
		}
	} else {
		// Without a kid only an unambiguous single-key set is usable.
		if keySet.Len() != 1 {
			return nil, fmt.Errorf("%w: token header missing kid", ErrNoVerificationKey)
		}
		key, _ = keySet.Key(0)
	}

	var raw interface{}
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("%w: failed to export raw key: %v", ErrNoVerificationKey, err)
	}

	// golang-jwt expects public keys by pointer (ed25519 by value).
	switch k := raw.(type) {
	case rsa.PublicKey:
		return &k, nil
	case ecdsa.PublicKey:
		return &k, nil
	case *ed25519.PublicKey:
		return *k, nil
	}
	return raw, nil
}

func isHMACAlgorithm(alg string) bool {
	return alg == "HS256" || alg == "HS384" || alg == "HS512"
}

func isSupportedAlgorithm(alg string) bool {
	switch alg {
	case "HS256", "HS384", "HS512",
		"RS256", "RS384", "RS512",
		"PS256", "PS384", "PS512",
		"ES256", "ES384", "ES512",
		"EdDSA":
		return true
	}
	return false
}
