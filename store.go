package auth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// Client is an OAuth client known to this server.
type Client struct {
	ID           string    `json:"client_id"`
	Name         string    `json:"client_name,omitempty"`
	RedirectURIs []string  `json:"redirect_uris,omitempty"`
	CreatedAt    time.Time `json:"-"`
}

// PendingAuthorization is an authorization attempt waiting for the upstream
// provider's callback, keyed by the upstream state nonce.
type PendingAuthorization struct {
	ClientID            string
	RedirectURI         string
	ClientState         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	UpstreamVerifier    string
	ExpiresAt           time.Time
}

// Grant binds an Instana credential to the outcome of one authorization. Codes
// and tokens reference a grant, so updating it on refresh re-points every MCP
// token issued from it.
type Grant struct {
	ID            string
	ClientID      string
	Scope         string
	Credential    string
	UpstreamToken *oauth2.Token
	CreatedAt     time.Time
}

// AuthorizationCode is a local single-use code. After consumption the entry
// remains as a tombstone without a grant so replays are detected.
type AuthorizationCode struct {
	Code                string
	GrantID             string
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	ExpiresAt           time.Time
	Used                bool
}

// AccessToken is an MCP token issued by the code exchange or refresh.
type AccessToken struct {
	Token     string
	GrantID   string
	ClientID  string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RefreshToken is a local refresh token backed by an upstream refresh token.
type RefreshToken struct {
	Token    string
	GrantID  string
	ClientID string
	IssuedAt time.Time
}

// Store holds the OAuth provider state. Every method is safe for concurrent
// use and each one is atomic with respect to the others.
//
// Only an in-memory implementation ships; a shared implementation of this
// interface is required to run more than one server instance.
type Store interface {
	SaveClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, clientID string) (*Client, error)

	SavePending(ctx context.Context, state string, pending *PendingAuthorization) error
	// ConsumePending removes and returns a pending authorization. Unknown or
	// expired states yield ErrInvalidState.
	ConsumePending(ctx context.Context, state string) (*PendingAuthorization, error)

	// IssueCode stores a grant and the code referencing it together.
	IssueCode(ctx context.Context, grant *Grant, code *AuthorizationCode) error

	// ExchangeCode consumes a code exactly once. check runs inside the same
	// critical section; if it fails the code is still consumed. On success the
	// access token is stored referencing the code's grant, and the refresh
	// token too when the grant's upstream token carries one.
	ExchangeCode(ctx context.Context, code string, check func(*AuthorizationCode) error, access *AccessToken, refresh *RefreshToken) (*Grant, error)

	// LookupAccessToken returns the token and its grant. Expired tokens are
	// deleted and reported as ErrAccessTokenExpired.
	LookupAccessToken(ctx context.Context, token string) (*AccessToken, *Grant, error)

	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, *Grant, error)

	// RotateGrant updates a grant after an upstream refresh, replaces the old
	// refresh token and stores the newly minted tokens.
	RotateGrant(ctx context.Context, oldRefresh string, credential string, upstream *oauth2.Token, access *AccessToken, refresh *RefreshToken) (*Grant, error)

	DeleteRefreshToken(ctx context.Context, token string) error

	// RevokeToken removes an access or refresh token. Revoking a refresh token
	// also removes the access tokens of its grant. Reports whether anything
	// was removed.
	RevokeToken(ctx context.Context, token string) (bool, error)

	Close()
}

// memoryStore is the in-memory Store. All maps are guarded by one mutex so that
// consumption, token minting and mapping transfer are never observed half-done.
type memoryStore struct {
	mu sync.Mutex

	clients       map[string]*Client
	pending       map[string]*PendingAuthorization
	grants        map[string]*Grant
	codes         map[string]*AuthorizationCode
	accessTokens  map[string]*AccessToken
	refreshTokens map[string]*RefreshToken

	now             func() time.Time
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewMemoryStore creates an in-memory store with a background sweep of expired
// entries every cleanupInterval (1 minute if <= 0). Call Close to stop it.
func NewMemoryStore(cleanupInterval time.Duration) Store {
	return newMemoryStore(cleanupInterval, time.Now)
}

func newMemoryStore(cleanupInterval time.Duration, now func() time.Time) *memoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	s := &memoryStore{
		clients:         make(map[string]*Client),
		pending:         make(map[string]*PendingAuthorization),
		grants:          make(map[string]*Grant),
		codes:           make(map[string]*AuthorizationCode),
		accessTokens:    make(map[string]*AccessToken),
		refreshTokens:   make(map[string]*RefreshToken),
		now:             now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *memoryStore) SaveClient(_ context.Context, client *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *client
	s.clients[client.ID] = &c
	return nil
}

func (s *memoryStore) GetClient(_ context.Context, clientID string) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[clientID]
	if !ok {
		return nil, ErrUnknownClient
	}
	out := *c
	return &out, nil
}

func (s *memoryStore) SavePending(_ context.Context, state string, pending *PendingAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := *pending
	s.pending[state] = &p
	return nil
}

func (s *memoryStore) ConsumePending(_ context.Context, state string) (*PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[state]
	if !ok {
		return nil, ErrInvalidState
	}
	delete(s.pending, state)

	if !s.now().Before(p.ExpiresAt) {
		return nil, ErrInvalidState
	}
	return p, nil
}

func (s *memoryStore) IssueCode(_ context.Context, grant *Grant, code *AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := *grant
	c := *code
	s.grants[grant.ID] = &g
	s.codes[code.Code] = &c
	return nil
}

func (s *memoryStore) ExchangeCode(_ context.Context, code string, check func(*AuthorizationCode) error, access *AccessToken, refresh *RefreshToken) (*Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil, ErrInvalidCode
	}

	// ATOMIC check-and-set: only one caller can pass this check
	if authCode.Used {
		return nil, ErrCodeAlreadyUsed
	}
	if !s.now().Before(authCode.ExpiresAt) {
		s.dropCodeLocked(authCode)
		return nil, ErrCodeExpired
	}

	grantID := authCode.GrantID
	snapshot := *authCode
	authCode.Used = true
	authCode.GrantID = ""

	grant, ok := s.grants[grantID]
	if !ok {
		return nil, ErrInvalidCode
	}

	if check != nil {
		if err := check(&snapshot); err != nil {
			delete(s.grants, grantID)
			return nil, err
		}
	}

	a := *access
	a.GrantID = grantID
	s.accessTokens[a.Token] = &a
	if refresh != nil && grant.UpstreamToken != nil && grant.UpstreamToken.RefreshToken != "" {
		r := *refresh
		r.GrantID = grantID
		s.refreshTokens[r.Token] = &r
	}

	out := *grant
	return &out, nil
}

// dropCodeLocked removes a code and its grant if nothing else references it.
func (s *memoryStore) dropCodeLocked(code *AuthorizationCode) {
	delete(s.codes, code.Code)
	if code.GrantID != "" && !s.grantReferencedLocked(code.GrantID) {
		delete(s.grants, code.GrantID)
	}
}

func (s *memoryStore) LookupAccessToken(_ context.Context, token string) (*AccessToken, *Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.accessTokens[token]
	if !ok {
		return nil, nil, ErrUnmappedToken
	}
	if !s.now().Before(at.ExpiresAt) {
		delete(s.accessTokens, token)
		return nil, nil, ErrAccessTokenExpired
	}
	grant, ok := s.grants[at.GrantID]
	if !ok {
		delete(s.accessTokens, token)
		return nil, nil, ErrUnmappedToken
	}

	a := *at
	g := *grant
	return &a, &g, nil
}

func (s *memoryStore) GetRefreshToken(_ context.Context, token string) (*RefreshToken, *Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.refreshTokens[token]
	if !ok {
		return nil, nil, ErrInvalidRefreshToken
	}
	grant, ok := s.grants[rt.GrantID]
	if !ok {
		delete(s.refreshTokens, token)
		return nil, nil, ErrInvalidRefreshToken
	}

	r := *rt
	g := *grant
	return &r, &g, nil
}

func (s *memoryStore) RotateGrant(_ context.Context, oldRefresh string, credential string, upstream *oauth2.Token, access *AccessToken, refresh *RefreshToken) (*Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.refreshTokens[oldRefresh]
	if !ok {
		// Revoked or rotated by a concurrent call while upstream was refreshing.
		return nil, ErrInvalidRefreshToken
	}
	grant, ok := s.grants[rt.GrantID]
	if !ok {
		delete(s.refreshTokens, oldRefresh)
		return nil, ErrInvalidRefreshToken
	}

	grant.Credential = credential
	grant.UpstreamToken = upstream
	delete(s.refreshTokens, oldRefresh)

	a := *access
	a.GrantID = grant.ID
	s.accessTokens[a.Token] = &a
	if refresh != nil {
		r := *refresh
		r.GrantID = grant.ID
		s.refreshTokens[r.Token] = &r
	}

	out := *grant
	return &out, nil
}

func (s *memoryStore) DeleteRefreshToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.refreshTokens, token)
	return nil
}

func (s *memoryStore) RevokeToken(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if at, ok := s.accessTokens[token]; ok {
		delete(s.accessTokens, token)
		if !s.grantReferencedLocked(at.GrantID) {
			delete(s.grants, at.GrantID)
		}
		return true, nil
	}

	if rt, ok := s.refreshTokens[token]; ok {
		delete(s.refreshTokens, token)
		for k, at := range s.accessTokens {
			if at.GrantID == rt.GrantID {
				delete(s.accessTokens, k)
			}
		}
		if !s.grantReferencedLocked(rt.GrantID) {
			delete(s.grants, rt.GrantID)
		}
		return true, nil
	}

	return false, nil
}

func (s *memoryStore) grantReferencedLocked(grantID string) bool {
	for _, at := range s.accessTokens {
		if at.GrantID == grantID {
			return true
		}
	}
	for _, rt := range s.refreshTokens {
		if rt.GrantID == grantID {
			return true
		}
	}
	for _, c := range s.codes {
		if c.GrantID == grantID {
			return true
		}
	}
	return false
}

// Close gracefully stops the cleanup goroutine
func (s *memoryStore) Close() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *memoryStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *memoryStore) cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0

	for state, p := range s.pending {
		if !now.Before(p.ExpiresAt) {
			delete(s.pending, state)
			cleaned++
		}
	}

	for code, c := range s.codes {
		if !now.Before(c.ExpiresAt) {
			delete(s.codes, code)
			cleaned++
		}
	}

	for token, at := range s.accessTokens {
		if !now.Before(at.ExpiresAt) {
			delete(s.accessTokens, token)
			cleaned++
		}
	}

	// Grants no longer referenced by any code or token are unreachable.
	referenced := make(map[string]struct{}, len(s.grants))
	for _, c := range s.codes {
		referenced[c.GrantID] = struct{}{}
	}
	for _, at := range s.accessTokens {
		referenced[at.GrantID] = struct{}{}
	}
	for _, rt := range s.refreshTokens {
		referenced[rt.GrantID] = struct{}{}
	}
	for id := range s.grants {
		if _, ok := referenced[id]; !ok {
			delete(s.grants, id)
			cleaned++
		}
	}

	return cleaned
}
