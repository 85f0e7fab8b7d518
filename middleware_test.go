package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateHTTPContextFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer mcp_token")
	req.Header.Set(HeaderInstanaBaseURL, "https://tenant.instana.io")

	ctx := CreateHTTPContextFunc()(context.Background(), req)

	token, ok := GetOAuthToken(ctx)
	if !ok || token != "mcp_token" {
		t.Errorf("Expected bearer token in context, got %q", token)
	}

	headers, ok := HeadersFromContext(ctx)
	if !ok {
		t.Fatal("Expected headers in context")
	}
	if http.Header(headers).Get(HeaderInstanaBaseURL) != "https://tenant.instana.io" {
		t.Error("Expected captured base URL header")
	}

	req.Header.Set(HeaderInstanaBaseURL, "https://mutated.instana.io")
	if http.Header(headers).Get(HeaderInstanaBaseURL) != "https://tenant.instana.io" {
		t.Error("Captured headers must not alias the request")
	}
}

func TestCaptureHeadersWithoutBearer(t *testing.T) {
	var hasToken, hasHeaders bool
	handler := CaptureHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasToken = GetOAuthToken(r.Context())
		_, hasHeaders = HeadersFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if hasToken {
		t.Error("Non-bearer authorization must not be stored as a token")
	}
	if !hasHeaders {
		t.Error("Expected headers in context")
	}
}

func TestCredentialContext(t *testing.T) {
	if _, ok := CredentialFromContext(context.Background()); ok {
		t.Error("Expected no credential in empty context")
	}
	if _, ok := CredentialFromContext(WithCredential(context.Background(), nil)); ok {
		t.Error("Expected nil credential to be reported as absent")
	}

	cred := &Credential{BaseURL: "https://tenant.instana.io", Token: "t", Source: SourceHeader}
	got, ok := CredentialFromContext(WithCredential(context.Background(), cred))
	if !ok || got != cred {
		t.Error("Expected stored credential")
	}
}
