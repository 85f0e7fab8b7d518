package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// signState signs state data with HMAC-SHA256 for integrity protection
func signState(key []byte, stateData map[string]string) (string, error) {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(canonicalState(stateData)))
	signature := hex.EncodeToString(mac.Sum(nil))

	signed := make(map[string]string, len(stateData)+1)
	for k, v := range stateData {
		signed[k] = v
	}
	signed["sig"] = signature

	signedData, err := json.Marshal(signed)
	if err != nil {
		return "", fmt.Errorf("failed to marshal signed state: %w", err)
	}

	// Base64 encode for URL safety
	return base64.URLEncoding.EncodeToString(signedData), nil
}

// verifyState verifies and decodes HMAC-signed state parameter
func verifyState(key []byte, encodedState string) (map[string]string, error) {
	decodedState, err := base64.URLEncoding.DecodeString(encodedState)
	if err != nil {
		return nil, fmt.Errorf("failed to decode state: %w", err)
	}

	var stateData map[string]string
	if err := json.Unmarshal(decodedState, &stateData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	receivedSig, ok := stateData["sig"]
	if !ok {
		return nil, fmt.Errorf("state missing signature")
	}
	delete(stateData, "sig")

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(canonicalState(stateData)))
	expectedSig := hex.EncodeToString(mac.Sum(nil))

	// Verify signature using constant-time comparison
	if !hmac.Equal([]byte(receivedSig), []byte(expectedSig)) {
		return nil, fmt.Errorf("invalid state signature - possible tampering detected")
	}

	return stateData, nil
}

// canonicalState renders state data deterministically (sorted, query-escaped).
func canonicalState(stateData map[string]string) string {
	keys := make([]string, 0, len(stateData))
	for k := range stateData {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(stateData[k]))
	}
	return strings.Join(parts, "&")
}

// randomHex returns n random bytes hex-encoded.
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random value: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// isLocalhostURI checks if URI is localhost for development
func isLocalhostURI(uri string) bool {
	parsedURI, err := url.Parse(uri)
	if err != nil {
		return false
	}

	hostname := strings.ToLower(parsedURI.Hostname())
	return hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
}

// checkRedirectURIFormat enforces http(s), HTTPS for non-localhost hosts and
// no fragment.
func checkRedirectURIFormat(uri string) error {
	if uri == "" {
		return fmt.Errorf("%w: missing redirect_uri", ErrInvalidRedirectURI)
	}
	parsedURI, err := url.Parse(uri)
	if err != nil || parsedURI.Host == "" {
		return fmt.Errorf("%w: malformed redirect_uri", ErrInvalidRedirectURI)
	}
	if parsedURI.Scheme != "http" && parsedURI.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q must be http or https", ErrInvalidRedirectURI, parsedURI.Scheme)
	}
	if parsedURI.Scheme == "http" && !isLocalhostURI(uri) {
		return fmt.Errorf("%w: HTTPS required for non-localhost redirect_uri", ErrInvalidRedirectURI)
	}
	if parsedURI.Fragment != "" {
		return fmt.Errorf("%w: redirect_uri must not contain fragment", ErrInvalidRedirectURI)
	}
	return nil
}

// verifyPKCE checks a code_verifier against the stored challenge (S256 or plain)
func verifyPKCE(challenge, method, verifier string) bool {
	if verifier == "" {
		return false
	}
	switch method {
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		return hmac.Equal([]byte(computed), []byte(challenge))
	case "plain":
		return hmac.Equal([]byte(verifier), []byte(challenge))
	}
	return false
}
