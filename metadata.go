package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// HandleAuthorizationServerMetadata serves OAuth 2.0 Authorization Server
// Metadata (RFC 8414). This server is the authorization server MCP clients
// talk to; the upstream provider stays hidden behind it.
func (h *OAuthHandler) HandleAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, *")
	w.Header().Set("Access-Control-Max-Age", "86400")

	switch r.Method {
	case http.MethodOptions, http.MethodHead:
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodGet:
	default:
		http.Error(w, `{"error":"Method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	writeMetadata(w, h.logger, h.AuthorizationServerMetadata())
}

// AuthorizationServerMetadata returns the RFC 8414 document for this server.
func (h *OAuthHandler) AuthorizationServerMetadata() map[string]interface{} {
	base := h.baseURL()
	metadata := map[string]interface{}{
		"issuer":                                     base,
		"authorization_endpoint":                     base + AuthorizePath,
		"token_endpoint":                             base + TokenPath,
		"registration_endpoint":                      base + RegisterPath,
		"revocation_endpoint":                        base + RevokePath,
		"response_types_supported":                   []string{"code"},
		"response_modes_supported":                   []string{"query"},
		"grant_types_supported":                      []string{"authorization_code", "refresh_token"},
		"token_endpoint_auth_methods_supported":      []string{"none"},
		"revocation_endpoint_auth_methods_supported": []string{"none"},
		"code_challenge_methods_supported":           []string{"plain", "S256"},
	}
	if h.cfg.MCPScope != "" {
		metadata["scopes_supported"] = strings.Fields(h.cfg.MCPScope)
	}
	return metadata
}

// HandleProtectedResourceMetadata serves OAuth 2.0 Protected Resource
// Metadata (RFC 9728) pointing clients at this server's authorization
// endpoints.
func (h *OAuthHandler) HandleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, *")

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodGet:
	default:
		http.Error(w, `{"error":"Method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	base := h.baseURL()
	metadata := map[string]interface{}{
		"resource":                 base,
		"authorization_servers":    []string{base},
		"bearer_methods_supported": []string{"header"},
	}
	if h.cfg.MCPScope != "" {
		metadata["scopes_supported"] = strings.Fields(h.cfg.MCPScope)
	}
	writeMetadata(w, h.logger, metadata)
}

func (h *OAuthHandler) baseURL() string {
	return strings.TrimRight(h.cfg.ServerURL, "/")
}

func writeMetadata(w http.ResponseWriter, logger Logger, metadata map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(metadata); err != nil {
		logger.Error("OAuth: Error encoding metadata: %v", err)
	}
}
