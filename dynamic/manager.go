package dynamic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	auth "github.com/instana/mcp-instana-auth"
	"github.com/instana/mcp-instana-auth/instrumentation"
)

const (
	defaultMaxTries       = 3
	defaultAcquireTimeout = 30 * time.Second
	acquireKey            = "acquire"
)

// Config configures a Manager.
type Config struct {
	// Strategy selects how credentials are acquired. Required.
	Strategy Strategy

	// TTL bounds the lifetime of credentials that carry no expiry of their
	// own, such as JSESSIONID sessions. Zero means until rejected.
	TTL time.Duration

	// MaxTries bounds acquisition attempts on transient failures (default 3).
	MaxTries uint

	// HTTPClient performs acquisition calls. Defaults to a client with a 10s timeout.
	HTTPClient *http.Client

	// Transport is the base transport of the authenticated client returned
	// by HTTPClient. Defaults to http.DefaultTransport.
	Transport http.RoundTripper

	Logger          auth.Logger
	Instrumentation *instrumentation.Instrumentation
}

// Manager keeps one downstream credential fresh and shares it between all
// requests issued through its HTTP client.
type Manager struct {
	strategy  Strategy
	ttl       time.Duration
	maxTries  uint
	client    *http.Client
	transport http.RoundTripper
	logger    auth.Logger
	inst      *instrumentation.Instrumentation

	mu      sync.Mutex
	current *Credential
	group   singleflight.Group

	now        func() time.Time
	newBackOff func() backoff.BackOff
}

// NewManager creates a Manager. No credential is acquired until first use.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Strategy == nil {
		return nil, fmt.Errorf("dynamic auth strategy is required")
	}
	if err := validateStrategy(cfg.Strategy); err != nil {
		return nil, err
	}

	m := &Manager{
		strategy:  cfg.Strategy,
		ttl:       cfg.TTL,
		maxTries:  cfg.MaxTries,
		client:    cfg.HTTPClient,
		transport: cfg.Transport,
		logger:    cfg.Logger,
		inst:      cfg.Instrumentation,
		now:       time.Now,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
	if m.maxTries == 0 {
		m.maxTries = defaultMaxTries
	}
	if m.client == nil {
		m.client = &http.Client{Timeout: 10 * time.Second}
	}
	if m.transport == nil {
		m.transport = http.DefaultTransport
	}
	if m.logger == nil {
		m.logger = auth.DefaultLogger()
	}
	return m, nil
}

// Strategy returns the configured strategy.
func (m *Manager) Strategy() Strategy {
	return m.strategy
}

// Credential returns a fresh credential, acquiring one if the current one is
// missing, stale or invalidated. Concurrent callers share one acquisition.
// A caller whose ctx ends stops waiting; the shared acquisition carries on.
func (m *Manager) Credential(ctx context.Context) (*Credential, error) {
	if cred := m.cached(); cred != nil {
		return cred, nil
	}

	ch := m.group.DoChan(acquireKey, func() (interface{}, error) {
		if cred := m.cached(); cred != nil {
			return cred, nil
		}
		acquireCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultAcquireTimeout)
		defer cancel()
		return m.acquire(acquireCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Credential), nil
	}
}

// Invalidate marks cred as rejected so the next request re-acquires. It is
// a no-op when a newer credential has already replaced cred.
func (m *Manager) Invalidate(cred *Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cred != nil && m.current == cred {
		m.current = nil
		m.logger.Info("Dynamic auth: %s credential invalidated", m.strategy.Name())
	}
}

// HTTPClient returns a client that attaches the current credential to every
// request and re-acquires once on 401/403.
func (m *Manager) HTTPClient() *http.Client {
	return &http.Client{Transport: &authTransport{manager: m, base: m.transport}}
}

func (m *Manager) cached() *Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.fresh(m.now()) {
		return m.current
	}
	return nil
}

func (m *Manager) acquire(ctx context.Context) (cred *Credential, err error) {
	name := m.strategy.Name()
	ctx, span := m.inst.StartSpan(ctx, "dynamic.acquire", attribute.String(instrumentation.AttrStrategy, name))
	defer func() {
		instrumentation.EndSpan(span, err)
		m.inst.Metrics().RecordDynamicAcquisition(ctx, name, instrumentation.Result(err))
	}()

	attempt := 0
	operation := func() (*Credential, error) {
		attempt++
		start := time.Now()
		c, err := m.strategy.acquire(ctx, m.client, m.now())
		m.inst.Metrics().RecordUpstreamCall(ctx, name, float64(time.Since(start).Milliseconds()))
		if err != nil {
			m.logger.Warn("Dynamic auth: %s acquisition failed (attempt %d/%d): %v", name, attempt, m.maxTries, err)
			return nil, err
		}
		return c, nil
	}

	cred, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(m.newBackOff()),
		backoff.WithMaxTries(m.maxTries),
	)
	if err != nil {
		if !errors.Is(err, ErrAcquisition) && !errors.Is(err, ErrSessionCookieMissing) {
			err = fmt.Errorf("%w: %v", ErrAcquisition, err)
		}
		m.logger.Error("Dynamic auth: %s acquisition failed: %v", name, err)
		return nil, err
	}

	if cred.ExpiresAt.IsZero() && m.ttl > 0 {
		cred.ExpiresAt = cred.AcquiredAt.Add(m.ttl)
	}

	m.mu.Lock()
	m.current = cred
	m.mu.Unlock()

	m.logger.Info("Dynamic auth: acquired %s credential via %s", cred.Kind, name)
	return cred, nil
}

func validateStrategy(s Strategy) error {
	switch st := s.(type) {
	case BasicStrategy:
		if st.TokenURL == "" || st.ID == "" || st.Secret == "" {
			return fmt.Errorf("basic strategy requires token URL, id and secret")
		}
	case APIKeyJWTStrategy:
		if st.TokenURL == "" || st.APIKey == "" {
			return fmt.Errorf("apikey_jwt strategy requires token URL and API key")
		}
	case SignedJWTStrategy:
		if len(st.Secret) == 0 {
			return fmt.Errorf("signed_jwt strategy requires a secret")
		}
	case IAMStrategy:
		if st.TokenURL == "" || st.APIKey == "" {
			return fmt.Errorf("iam strategy requires token URL and API key")
		}
	case JSessionIDStrategy:
		if st.LoginURL == "" || st.Username == "" || st.Password == "" {
			return fmt.Errorf("jsessionid strategy requires login URL, username and password")
		}
	default:
		return fmt.Errorf("unknown dynamic auth strategy %T", s)
	}
	return nil
}
