package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
)

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return key
}

func TestStateSigningAndVerification(t *testing.T) {
	key := randomKey(t)

	tests := []struct {
		name      string
		stateData map[string]string
	}{
		{
			name:      "Nonce only",
			stateData: map[string]string{"nonce": "abc123"},
		},
		{
			name: "Several fields",
			stateData: map[string]string{
				"nonce":    "xyz789",
				"redirect": "http://localhost:8080/callback",
			},
		},
		{
			name: "Special characters",
			stateData: map[string]string{
				"nonce":    "state-with-dashes_and_underscores",
				"redirect": "https://example.com/callback?foo=bar&baz=qux",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signed, err := signState(key, tt.stateData)
			if err != nil {
				t.Fatalf("Failed to sign state: %v", err)
			}

			verified, err := verifyState(key, signed)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			for k, v := range tt.stateData {
				if verified[k] != v {
					t.Errorf("%s mismatch: got %s, want %s", k, verified[k], v)
				}
			}
			if _, ok := verified["sig"]; ok {
				t.Error("Signature must not be returned as state data")
			}
		})
	}
}

func TestStateTamperingDetection(t *testing.T) {
	key := randomKey(t)

	signed, err := signState(key, map[string]string{"nonce": "original"})
	if err != nil {
		t.Fatalf("Failed to sign state: %v", err)
	}

	t.Run("DifferentKey", func(t *testing.T) {
		if _, err := verifyState(randomKey(t), signed); err == nil {
			t.Error("Expected verification to fail with different key")
		}
	})

	t.Run("ModifiedPayload", func(t *testing.T) {
		raw, _ := base64.URLEncoding.DecodeString(signed)
		var data map[string]string
		if err := json.Unmarshal(raw, &data); err != nil {
			t.Fatalf("Failed to decode state: %v", err)
		}
		data["nonce"] = "forged"
		forged, _ := json.Marshal(data)

		if _, err := verifyState(key, base64.URLEncoding.EncodeToString(forged)); err == nil {
			t.Error("Expected verification to fail for modified payload")
		}
	})

	t.Run("MissingSignature", func(t *testing.T) {
		unsigned, _ := json.Marshal(map[string]string{"nonce": "original"})
		if _, err := verifyState(key, base64.URLEncoding.EncodeToString(unsigned)); err == nil {
			t.Error("Expected verification to fail without signature")
		}
	})

	t.Run("InvalidBase64", func(t *testing.T) {
		if _, err := verifyState(key, "not-valid-base64!!!"); err == nil {
			t.Error("Expected verification to fail with invalid base64")
		}
	})
}

func TestLocalhostDetection(t *testing.T) {
	tests := []struct {
		name     string
		uri      string
		expected bool
	}{
		{"HTTP localhost", "http://localhost:8080/callback", true},
		{"HTTPS localhost", "https://localhost/callback", true},
		{"HTTP 127.0.0.1", "http://127.0.0.1:3000/callback", true},
		{"IPv6 localhost", "http://[::1]:8080/callback", true},
		{"Non-localhost domain", "http://example.com/callback", false},
		{"Non-localhost subdomain", "https://localhost.example.com/callback", false},
		{"Invalid URI", "not-a-valid-uri", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isLocalhostURI(tt.uri); got != tt.expected {
				t.Errorf("isLocalhostURI(%q) = %v, expected %v", tt.uri, got, tt.expected)
			}
		})
	}
}

func TestRedirectURIFormat(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		wantErr bool
	}{
		{"HTTPS remote", "https://app.example.com/callback", false},
		{"HTTP localhost", "http://localhost:6274/oauth/callback", false},
		{"HTTP remote", "http://app.example.com/callback", true},
		{"Custom scheme", "myapp://callback", true},
		{"Fragment", "https://app.example.com/callback#frag", true},
		{"Empty", "", true},
		{"Relative", "/callback", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkRedirectURIFormat(tt.uri)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidRedirectURI) {
					t.Errorf("Expected ErrInvalidRedirectURI for %q, got %v", tt.uri, err)
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected error for %q: %v", tt.uri, err)
			}
		})
	}
}

func TestVerifyPKCE(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	sum := sha256.Sum256([]byte(verifier))
	s256 := base64.RawURLEncoding.EncodeToString(sum[:])

	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		want      bool
	}{
		{"S256 match", s256, "S256", verifier, true},
		{"S256 mismatch", s256, "S256", "wrong-verifier", false},
		{"Plain match", verifier, "plain", verifier, true},
		{"Plain mismatch", verifier, "plain", "other", false},
		{"Missing verifier", s256, "S256", "", false},
		{"Unknown method", s256, "S512", verifier, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := verifyPKCE(tt.challenge, tt.method, tt.verifier); got != tt.want {
				t.Errorf("verifyPKCE() = %v, want %v", got, tt.want)
			}
		})
	}
}
