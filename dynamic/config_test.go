package dynamic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		want    Strategy
		wantTTL time.Duration
		wantNil bool
		wantErr string
	}{
		{
			name:    "unset",
			env:     map[string]string{},
			wantNil: true,
		},
		{
			name: "basic",
			env: map[string]string{
				"INSTANA_AUTH_STRATEGY":     "basic",
				"INSTANA_AUTH_TOKEN_URL":    "https://auth.example.com/token",
				"INSTANA_AUTH_ID":           "id",
				"INSTANA_AUTH_SECRET":       "secret",
				"INSTANA_AUTH_TOKEN_METHOD": "POST",
			},
			want: BasicStrategy{TokenURL: "https://auth.example.com/token", ID: "id", Secret: "secret", Method: "POST"},
		},
		{
			name: "apikey_jwt",
			env: map[string]string{
				"INSTANA_AUTH_STRATEGY":  "apikey_jwt",
				"INSTANA_AUTH_TOKEN_URL": "https://auth.example.com/jwt",
				"INSTANA_AUTH_APIKEY":    "key",
			},
			want: APIKeyJWTStrategy{TokenURL: "https://auth.example.com/jwt", APIKey: "key"},
		},
		{
			name: "signed_jwt with ttl",
			env: map[string]string{
				"INSTANA_AUTH_STRATEGY": "SIGNED_JWT",
				"INSTANA_AUTH_SECRET":   "hmac",
				"INSTANA_AUTH_ID":       "svc",
				"INSTANA_AUTH_TTL":      "15m",
			},
			want:    SignedJWTStrategy{Secret: []byte("hmac"), Subject: "svc", TTL: 15 * time.Minute},
			wantTTL: 15 * time.Minute,
		},
		{
			name: "iam",
			env: map[string]string{
				"INSTANA_AUTH_STRATEGY":  "iam",
				"INSTANA_AUTH_TOKEN_URL": "https://iam.example.com/identity/token",
				"INSTANA_AUTH_APIKEY":    "key",
			},
			want: IAMStrategy{TokenURL: "https://iam.example.com/identity/token", APIKey: "key"},
		},
		{
			name: "jsessionid",
			env: map[string]string{
				"INSTANA_AUTH_STRATEGY":  "jsessionid",
				"INSTANA_AUTH_LOGIN_URL": "https://legacy.example.com/login",
				"INSTANA_AUTH_USERNAME":  "u",
				"INSTANA_AUTH_PASSWORD":  "p",
			},
			want: JSessionIDStrategy{LoginURL: "https://legacy.example.com/login", Username: "u", Password: "p"},
		},
		{
			name:    "unknown strategy",
			env:     map[string]string{"INSTANA_AUTH_STRATEGY": "kerberos"},
			wantErr: "unknown INSTANA_AUTH_STRATEGY",
		},
		{
			name:    "incomplete strategy",
			env:     map[string]string{"INSTANA_AUTH_STRATEGY": "iam"},
			wantErr: "iam strategy requires",
		},
		{
			name: "bad ttl",
			env: map[string]string{
				"INSTANA_AUTH_STRATEGY": "signed_jwt",
				"INSTANA_AUTH_SECRET":   "hmac",
				"INSTANA_AUTH_TTL":      "soon",
			},
			wantErr: "invalid INSTANA_AUTH_TTL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := fromLookup(envMap(tt.env))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.wantNil {
				assert.Nil(t, cfg)
				return
			}
			require.NotNil(t, cfg)
			assert.Equal(t, tt.want, cfg.Strategy)
			assert.Equal(t, tt.wantTTL, cfg.TTL)
		})
	}
}
