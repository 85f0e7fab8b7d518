package dynamic

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// FromEnv builds a Config from environment variables. It returns nil and no
// error when INSTANA_AUTH_STRATEGY is unset.
//
//	INSTANA_AUTH_STRATEGY      basic | apikey_jwt | signed_jwt | iam | jsessionid
//	INSTANA_AUTH_TOKEN_URL     token endpoint (basic, apikey_jwt, iam)
//	INSTANA_AUTH_ID            basic auth id, or JWT subject for signed_jwt
//	INSTANA_AUTH_SECRET        basic auth secret, or HMAC secret for signed_jwt
//	INSTANA_AUTH_APIKEY        API key (apikey_jwt, iam)
//	INSTANA_AUTH_TOKEN_METHOD  GET or POST for basic (default GET)
//	INSTANA_AUTH_AUDIENCE      audience for signed_jwt
//	INSTANA_AUTH_LOGIN_URL     login form URL (jsessionid)
//	INSTANA_AUTH_USERNAME      login username (jsessionid)
//	INSTANA_AUTH_PASSWORD      login password (jsessionid)
//	INSTANA_AUTH_TTL           credential TTL, e.g. 30m (optional)
func FromEnv() (*Config, error) {
	return fromLookup(os.Getenv)
}

func fromLookup(getenv func(string) string) (*Config, error) {
	name := strings.ToLower(strings.TrimSpace(getenv("INSTANA_AUTH_STRATEGY")))
	if name == "" {
		return nil, nil
	}

	cfg := &Config{}
	if raw := getenv("INSTANA_AUTH_TTL"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid INSTANA_AUTH_TTL %q: %w", raw, err)
		}
		cfg.TTL = ttl
	}

	switch name {
	case StrategyBasic:
		cfg.Strategy = BasicStrategy{
			TokenURL: getenv("INSTANA_AUTH_TOKEN_URL"),
			ID:       getenv("INSTANA_AUTH_ID"),
			Secret:   getenv("INSTANA_AUTH_SECRET"),
			Method:   getenv("INSTANA_AUTH_TOKEN_METHOD"),
		}
	case StrategyAPIKeyJWT:
		cfg.Strategy = APIKeyJWTStrategy{
			TokenURL: getenv("INSTANA_AUTH_TOKEN_URL"),
			APIKey:   getenv("INSTANA_AUTH_APIKEY"),
		}
	case StrategySignedJWT:
		cfg.Strategy = SignedJWTStrategy{
			Secret:   []byte(getenv("INSTANA_AUTH_SECRET")),
			Subject:  getenv("INSTANA_AUTH_ID"),
			Audience: getenv("INSTANA_AUTH_AUDIENCE"),
			TTL:      cfg.TTL,
		}
	case StrategyIAM:
		cfg.Strategy = IAMStrategy{
			TokenURL: getenv("INSTANA_AUTH_TOKEN_URL"),
			APIKey:   getenv("INSTANA_AUTH_APIKEY"),
		}
	case StrategyJSessionID:
		cfg.Strategy = JSessionIDStrategy{
			LoginURL: getenv("INSTANA_AUTH_LOGIN_URL"),
			Username: getenv("INSTANA_AUTH_USERNAME"),
			Password: getenv("INSTANA_AUTH_PASSWORD"),
		}
	default:
		return nil, fmt.Errorf("unknown INSTANA_AUTH_STRATEGY %q (supported: %s, %s, %s, %s, %s)",
			name, StrategyBasic, StrategyAPIKeyJWT, StrategySignedJWT, StrategyIAM, StrategyJSessionID)
	}

	if err := validateStrategy(cfg.Strategy); err != nil {
		return nil, err
	}
	return cfg, nil
}
