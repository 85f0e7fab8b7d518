package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestNewServer(t *testing.T) {
	t.Run("NoAuthentication", func(t *testing.T) {
		s, err := NewServer(&Config{Transport: TransportHTTP})
		if err != nil {
			t.Fatalf("NewServer failed: %v", err)
		}
		defer s.Close()

		if s.Provider() != nil || s.Verifier() != nil {
			t.Error("Expected no provider and no verifier")
		}
		if s.Resolver() == nil || s.AuthContext() == nil {
			t.Error("Expected resolver and auth context")
		}
		if s.Config().Logger == nil {
			t.Error("Expected default logger to be set")
		}

		mux := http.NewServeMux()
		s.RegisterHandlers(mux)
		if w := serve(mux, httptest.NewRequest(http.MethodGet, AuthorizationServerMetadataPath, nil)); w.Code != http.StatusNotFound {
			t.Errorf("Expected no OAuth endpoints when OAuth is disabled, got %d", w.Code)
		}
		s.LogStartup()
	})

	t.Run("OAuthRegistersProvider", func(t *testing.T) {
		idp := newFakeIdP(t)
		s, _ := newTestServer(t, idp)

		p, ok := s.AuthContext().Provider()
		if !ok || p != CredentialLookup(s.Provider()) {
			t.Error("Expected OAuth provider in auth context")
		}
		s.LogStartup()
	})

	t.Run("InvalidConfig", func(t *testing.T) {
		if _, err := NewServer(&Config{Transport: "carrier-pigeon"}); err == nil {
			t.Error("Expected invalid config to be rejected")
		}
	})
}

func TestWrapHandler(t *testing.T) {
	var got *Credential
	var resolveErr error

	newHandler := func(s *Server) http.Handler {
		return s.WrapHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, resolveErr = s.Resolver().ResolveContext(r.Context())
			w.WriteHeader(http.StatusOK)
		}))
	}

	t.Run("CapturesHeaders", func(t *testing.T) {
		s, err := NewServer(&Config{Transport: TransportHTTP})
		if err != nil {
			t.Fatalf("NewServer failed: %v", err)
		}
		defer s.Close()

		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		req.Header.Set(HeaderInstanaToken, "header-token")
		req.Header.Set(HeaderInstanaBaseURL, "https://tenant.instana.io")
		if w := serve(newHandler(s), req); w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", w.Code)
		}
		if resolveErr != nil || got.Source != SourceHeader {
			t.Errorf("Expected header credential, got %+v, %v", got, resolveErr)
		}
	})

	t.Run("JWTEnforced", func(t *testing.T) {
		s, err := NewServer(&Config{
			Transport: TransportHTTP,
			JWT:       JWTConfig{Enabled: true, Audience: "mcp-instana", Algorithm: "HS256", PublicKey: testHMACSecret},
		})
		if err != nil {
			t.Fatalf("NewServer failed: %v", err)
		}
		defer s.Close()
		handler := newHandler(s)

		if w := serve(handler, httptest.NewRequest(http.MethodPost, "/mcp", nil)); w.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401 without bearer, got %d", w.Code)
		}

		claims := jwt.MapClaims{
			"aud":              "mcp-instana",
			"iat":              time.Now().Unix(),
			"exp":              time.Now().Add(time.Hour).Unix(),
			"instana_token":    "claim-token",
			"instana_base_url": "https://claims.instana.io",
		}
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		req.Header.Set("Authorization", "Bearer "+signHMAC(t, claims, testHMACSecret))
		if w := serve(handler, req); w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", w.Code)
		}
		if resolveErr != nil || got.Source != SourceJWT || got.Token != "claim-token" {
			t.Errorf("Expected JWT credential, got %+v, %v", got, resolveErr)
		}
	})
}

func TestWrapHandlerOAuth(t *testing.T) {
	idp := newFakeIdP(t)
	clock := newTestClock()
	s, err := NewServerWithStore(context.Background(), testOAuthConfig(idp), newMemoryStore(time.Hour, clock.Now))
	if err != nil {
		t.Fatalf("NewServerWithStore failed: %v", err)
	}
	s.provider.now = clock.Now
	defer s.Close()

	var reached bool
	var got *Credential
	handler := s.WrapHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		got, _ = s.Resolver().ResolveContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	mcpRequest := func(authorization string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		return req
	}
	const resourceMetadata = `resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource"`

	t.Run("MissingBearer", func(t *testing.T) {
		reached = false
		w := serve(handler, mcpRequest(""))
		if w.Code != http.StatusUnauthorized || reached {
			t.Fatalf("Expected 401 before the MCP handler, got %d (reached=%v)", w.Code, reached)
		}
		challenge := w.Header().Get("WWW-Authenticate")
		if !strings.HasPrefix(challenge, "Bearer ") || !strings.Contains(challenge, resourceMetadata) {
			t.Errorf("Expected resource metadata challenge, got %q", challenge)
		}
		if strings.Contains(challenge, "error=") {
			t.Errorf("No error code expected without credentials, got %q", challenge)
		}
	})

	t.Run("UnknownToken", func(t *testing.T) {
		reached = false
		w := serve(handler, mcpRequest("Bearer mcp_not_a_real_token"))
		if w.Code != http.StatusUnauthorized || reached {
			t.Fatalf("Expected 401 for unknown token, got %d (reached=%v)", w.Code, reached)
		}
		challenge := w.Header().Get("WWW-Authenticate")
		if !strings.Contains(challenge, `error="invalid_token"`) || !strings.Contains(challenge, resourceMetadata) {
			t.Errorf("Unexpected challenge %q", challenge)
		}
	})

	t.Run("ExplicitInstanaHeaders", func(t *testing.T) {
		reached = false
		req := mcpRequest("")
		req.Header.Set(HeaderInstanaToken, "header-token")
		if w := serve(handler, req); w.Code != http.StatusOK || !reached {
			t.Fatalf("Expected explicit credentials to pass, got %d", w.Code)
		}
		if got == nil || got.Source != SourceHeader {
			t.Errorf("Expected header credential, got %+v", got)
		}
	})

	resp, err := exchange(s.Provider(), authorize(t, s.Provider()))
	if err != nil {
		t.Fatalf("Code exchange failed: %v", err)
	}

	t.Run("ValidToken", func(t *testing.T) {
		reached = false
		if w := serve(handler, mcpRequest("Bearer "+resp.AccessToken)); w.Code != http.StatusOK || !reached {
			t.Fatalf("Expected 200 for a live token, got %d", w.Code)
		}
		if got == nil || got.Source != SourceOAuth {
			t.Errorf("Expected OAuth credential, got %+v", got)
		}
	})

	t.Run("ExpiredToken", func(t *testing.T) {
		clock.Advance(defaultAccessTokenTTL + time.Second)
		reached = false
		w := serve(handler, mcpRequest("Bearer "+resp.AccessToken))
		if w.Code != http.StatusUnauthorized || reached {
			t.Fatalf("Expected 401 for expired token, got %d", w.Code)
		}
		if challenge := w.Header().Get("WWW-Authenticate"); !strings.Contains(challenge, `error_description="token expired"`) {
			t.Errorf("Expected expiry description, got %q", challenge)
		}
		var body map[string]string
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("Failed to decode body: %v", err)
		}
		if body["error"] != "invalid_token" || body["error_description"] != "token expired" {
			t.Errorf("Unexpected body %v", body)
		}
	})
}
