package dynamic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	// DefaultTokenExpiry applies when a token response carries no expires_in.
	DefaultTokenExpiry = time.Hour
	// RefreshBuffer is how long before expiry a credential counts as stale.
	RefreshBuffer = 60 * time.Second

	sessionCookieName = "JSESSIONID"
	iamGrantType      = "urn:ibm:params:oauth:grant-type:apikey"
	maxResponseBytes  = 1 << 20
)

// Strategy names accepted by INSTANA_AUTH_STRATEGY.
const (
	StrategyBasic      = "basic"
	StrategyAPIKeyJWT  = "apikey_jwt"
	StrategySignedJWT  = "signed_jwt"
	StrategyIAM        = "iam"
	StrategyJSessionID = "jsessionid"
)

// Kind says how a credential is attached to outbound requests.
type Kind string

const (
	KindBearer Kind = "bearer"
	KindCookie Kind = "cookie"
)

// Credential is an acquired downstream credential.
type Credential struct {
	Value      string
	Kind       Kind
	AcquiredAt time.Time
	// ExpiresAt is zero when the credential has no known lifetime.
	ExpiresAt time.Time
}

func (c *Credential) fresh(now time.Time) bool {
	if c == nil || c.Value == "" {
		return false
	}
	return c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt.Add(-RefreshBuffer))
}

func (c *Credential) apply(req *http.Request) {
	switch c.Kind {
	case KindCookie:
		req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: c.Value})
	default:
		req.Header.Set("Authorization", "Bearer "+c.Value)
	}
}

// Strategy acquires a credential. The set of strategies is closed; pick one
// of the exported types in this package.
type Strategy interface {
	// Name returns the strategy name as used in configuration.
	Name() string
	acquire(ctx context.Context, client *http.Client, now time.Time) (*Credential, error)
}

// BasicStrategy fetches a bearer token from TokenURL with HTTP basic auth.
type BasicStrategy struct {
	TokenURL string
	ID       string
	Secret   string
	// Method is GET (default) or POST.
	Method string
}

func (BasicStrategy) Name() string { return StrategyBasic }

func (s BasicStrategy) acquire(ctx context.Context, client *http.Client, now time.Time) (*Credential, error) {
	method := strings.ToUpper(s.Method)
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, s.TokenURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: %v", ErrAcquisition, err))
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(s.ID, s.Secret)
	return fetchToken(client, req, now)
}

// APIKeyJWTStrategy exchanges an API key for a JWT by posting {"apikey": ...}
// as JSON to TokenURL.
type APIKeyJWTStrategy struct {
	TokenURL string
	APIKey   string
}

func (APIKeyJWTStrategy) Name() string { return StrategyAPIKeyJWT }

func (s APIKeyJWTStrategy) acquire(ctx context.Context, client *http.Client, now time.Time) (*Credential, error) {
	body, err := json.Marshal(map[string]string{"apikey": s.APIKey})
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: %v", ErrAcquisition, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.TokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: %v", ErrAcquisition, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return fetchToken(client, req, now)
}

// SignedJWTStrategy mints an HS256 JWT locally from a shared secret. No
// network call is made.
type SignedJWTStrategy struct {
	Secret   []byte
	Subject  string
	Audience string
	// TTL is the token lifetime, DefaultTokenExpiry when zero.
	TTL time.Duration
}

func (SignedJWTStrategy) Name() string { return StrategySignedJWT }

func (s SignedJWTStrategy) acquire(_ context.Context, _ *http.Client, now time.Time) (*Credential, error) {
	ttl := s.TTL
	if ttl <= 0 {
		ttl = DefaultTokenExpiry
	}
	claims := jwt.RegisteredClaims{
		Subject:   s.Subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	if s.Audience != "" {
		claims.Audience = jwt.ClaimStrings{s.Audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.Secret)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: signing token: %v", ErrAcquisition, err))
	}
	return &Credential{Value: signed, Kind: KindBearer, AcquiredAt: now, ExpiresAt: now.Add(ttl)}, nil
}

// IAMStrategy exchanges an API key at an IAM token endpoint using the
// urn:ibm:params:oauth:grant-type:apikey grant.
type IAMStrategy struct {
	TokenURL string
	APIKey   string
}

func (IAMStrategy) Name() string { return StrategyIAM }

func (s IAMStrategy) acquire(ctx context.Context, client *http.Client, now time.Time) (*Credential, error) {
	form := url.Values{
		"grant_type": {iamGrantType},
		"apikey":     {s.APIKey},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: %v", ErrAcquisition, err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return fetchToken(client, req, now)
}

// JSessionIDStrategy logs in with a username/password form and keeps the
// JSESSIONID session cookie. The session has no known lifetime unless the
// manager is configured with a TTL.
type JSessionIDStrategy struct {
	LoginURL string
	Username string
	Password string
}

func (JSessionIDStrategy) Name() string { return StrategyJSessionID }

func (s JSessionIDStrategy) acquire(ctx context.Context, client *http.Client, now time.Time) (*Credential, error) {
	form := url.Values{
		"username": {s.Username},
		"password": {s.Password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.LoginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: %v", ErrAcquisition, err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	// Cookies set on a redirect response are only visible through a jar.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: %v", ErrAcquisition, err))
	}
	loginClient := *client
	loginClient.Jar = jar

	resp, err := loginClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: login request: %v", ErrAcquisition, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, statusError(resp.StatusCode, "login")
	}

	var cookies []*http.Cookie
	cookies = append(cookies, resp.Cookies()...)
	cookies = append(cookies, jar.Cookies(req.URL)...)
	if resp.Request != nil && resp.Request.URL != nil {
		cookies = append(cookies, jar.Cookies(resp.Request.URL)...)
	}
	for _, c := range cookies {
		if c.Name == sessionCookieName && c.Value != "" {
			return &Credential{Value: c.Value, Kind: KindCookie, AcquiredAt: now}, nil
		}
	}
	return nil, backoff.Permanent(ErrSessionCookieMissing)
}

// fetchToken performs a token request and parses the response. A token in
// the body is accepted whatever the status code, some token endpoints
// answer 401 with a valid token.
func fetchToken(client *http.Client, req *http.Request, now time.Time) (*Credential, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: token request: %v", ErrAcquisition, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading token response: %v", ErrAcquisition, err)
	}

	if cred := parseTokenResponse(body, now); cred != nil {
		return cred, nil
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, statusError(resp.StatusCode, "token request")
	}
	return nil, backoff.Permanent(fmt.Errorf("%w: no token in response", ErrAcquisition))
}

func parseTokenResponse(body []byte, now time.Time) *Credential {
	if !gjson.ValidBytes(body) {
		return nil
	}
	parsed := gjson.ParseBytes(body)
	token := parsed.Get("access_token").String()
	if token == "" {
		token = parsed.Get("token").String()
	}
	if token == "" {
		return nil
	}

	expiresIn := DefaultTokenExpiry
	if v := parsed.Get("expires_in"); v.Exists() && v.Int() > 0 {
		expiresIn = time.Duration(v.Int()) * time.Second
	}
	return &Credential{Value: token, Kind: KindBearer, AcquiredAt: now, ExpiresAt: now.Add(expiresIn)}
}

// statusError classifies an HTTP failure: server errors are retried, client
// errors are permanent.
func statusError(status int, what string) error {
	err := fmt.Errorf("%w: %s returned status %d", ErrAcquisition, what, status)
	if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
		return err
	}
	return backoff.Permanent(err)
}
