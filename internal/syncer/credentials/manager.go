// Package credentials loads directory API credentials and keeps a valid bearer token available.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/agentregistry-dev/dirsync/internal/syncer/circuitbreaker"
)

const (
	// DefaultBuffer is how long before expiry a token is treated as stale.
	DefaultBuffer = 5 * time.Minute

	// defaultLifetime applies when neither expires_in nor a JWT exp claim is available.
	defaultLifetime = time.Hour

	proactiveRefreshTimeout = 30 * time.Second
)

var (
	// ErrNotInitialized is returned until a credential source yields usable credentials.
	ErrNotInitialized = errors.New("credential manager not initialized")

	// ErrNoCredentials is returned when every source was tried without success.
	ErrNoCredentials = errors.New("no usable credentials found")
)

// Exchanger trades credentials for a bearer token.
type Exchanger interface {
	Exchange(ctx context.Context, creds *Credentials, tokenURL string) (*oauth2.Token, error)
}

// ClientCredentialsExchanger performs an OAuth2 client-credentials grant.
type ClientCredentialsExchanger struct {
	HTTPClient *http.Client
}

func (e ClientCredentialsExchanger) Exchange(ctx context.Context, creds *Credentials, tokenURL string) (*oauth2.Token, error) {
	cfg := clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	if e.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, e.HTTPClient)
	}
	return cfg.Token(ctx)
}

// Options configures a Manager.
type Options struct {
	// Sources are tried in order; the first complete one wins.
	Sources   []Source
	Exchanger Exchanger
	// Breaker guards the token endpoint. Optional.
	Breaker *circuitbreaker.Breaker
	Buffer  time.Duration
	// Endpoints overrides the region lookup when either URL is set.
	Endpoints Endpoints
	Logger    zerolog.Logger
	Now       func() time.Time
	// OnRefresh observes every token exchange attempt. Optional.
	OnRefresh func(ctx context.Context, err error)
}

// InitResult reports the outcome of Initialize.
type InitResult struct {
	Success bool       `json:"success"`
	Source  SourceName `json:"source,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// TokenInfo describes the cached token without exposing it.
type TokenInfo struct {
	HasToken  bool       `json:"hasToken"`
	IsValid   bool       `json:"isValid"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	ExpiresIn int64      `json:"expiresIn"`
	Source    SourceName `json:"source,omitempty"`
}

// Manager owns the process credential and token pair.
//
// Concurrent refreshes share one in-flight token request. After every
// successful refresh a timer renews the token again shortly before expiry.
type Manager struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	group singleflight.Group

	mu            sync.RWMutex
	initAttempted bool
	initErr       error
	creds         *Credentials
	endpoints     Endpoints
	token         *oauth2.Token
	buffer        time.Duration
	timer         *time.Timer
	generation    uint64
}

// NewManager creates a Manager. Nothing is loaded until Initialize or GetValidToken.
func NewManager(opts Options) *Manager {
	if opts.Exchanger == nil {
		opts.Exchanger = ClientCredentialsExchanger{HTTPClient: &http.Client{Timeout: 30 * time.Second}}
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "credentials").Logger(),
		now:    now,
	}
}

// Initialize loads credentials from the sources and requests a first token.
//
// Missing credentials leave the manager uninitialized. A token request
// failure is reported but keeps the loaded credentials so later calls retry.
func (m *Manager) Initialize(ctx context.Context) InitResult {
	v, _, _ := m.group.Do("init", func() (any, error) {
		return m.initialize(ctx), nil
	})
	return v.(InitResult)
}

// ensureInitialized runs Initialize once for lazy callers; a failed attempt is not retried here.
func (m *Manager) ensureInitialized(ctx context.Context) {
	m.mu.RLock()
	attempted := m.initAttempted
	m.mu.RUnlock()
	if attempted {
		return
	}
	_, _, _ = m.group.Do("init", func() (any, error) {
		m.mu.RLock()
		attempted := m.initAttempted
		m.mu.RUnlock()
		if attempted {
			return InitResult{}, nil
		}
		return m.initialize(ctx), nil
	})
}

func (m *Manager) initialize(ctx context.Context) InitResult {
	creds, err := m.loadFirst()
	if err == nil {
		var endpoints Endpoints
		endpoints, err = m.resolveEndpoints(creds.Region)
		if err == nil {
			m.install(creds, endpoints)
		}
	}
	if err != nil {
		m.mu.Lock()
		m.stopTimerLocked()
		m.initAttempted = true
		m.initErr = err
		m.creds = nil
		m.token = nil
		m.generation++
		m.mu.Unlock()

		m.logger.Error().Err(err).Msg("credential initialization failed, token requests disabled until credentials are fixed")
		return InitResult{Success: false, Error: err.Error()}
	}

	m.logger.Info().
		Str("source", string(creds.Source)).
		Str("environmentId", creds.EnvironmentID).
		Str("region", creds.Region).
		Msg("credentials loaded")

	if _, err := m.refresh(ctx); err != nil {
		return InitResult{Success: false, Source: creds.Source, Error: err.Error()}
	}
	return InitResult{Success: true, Source: creds.Source}
}

func (m *Manager) loadFirst() (*Credentials, error) {
	if len(m.opts.Sources) == 0 {
		return nil, ErrNoCredentials
	}
	var errs []error
	for _, src := range m.opts.Sources {
		creds, err := src.Load()
		if err != nil {
			m.logger.Debug().Err(err).Str("source", string(src.Name())).Msg("credential source skipped")
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}
		return creds, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrNoCredentials, errors.Join(errs...))
}

func (m *Manager) resolveEndpoints(region string) (Endpoints, error) {
	override := m.opts.Endpoints
	if override.AuthBaseURL != "" && override.APIBaseURL != "" {
		return override, nil
	}
	resolved, err := ResolveRegion(region)
	if err != nil {
		return Endpoints{}, err
	}
	if override.AuthBaseURL != "" {
		resolved.AuthBaseURL = override.AuthBaseURL
	}
	if override.APIBaseURL != "" {
		resolved.APIBaseURL = override.APIBaseURL
	}
	return resolved, nil
}

func (m *Manager) install(creds *Credentials, endpoints Endpoints) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimerLocked()
	m.initAttempted = true
	m.initErr = nil
	m.creds = creds
	m.endpoints = endpoints
	m.token = nil
	m.generation++
}

// GetValidToken returns a bearer token that is not near expiry, refreshing
// synchronously when needed. The first call initializes lazily.
func (m *Manager) GetValidToken(ctx context.Context) (string, error) {
	m.ensureInitialized(ctx)

	m.mu.RLock()
	creds, initErr, tok, buffer := m.creds, m.initErr, m.token, m.buffer
	m.mu.RUnlock()

	if creds == nil {
		if initErr != nil {
			return "", fmt.Errorf("%w: %w", ErrNotInitialized, initErr)
		}
		return "", ErrNotInitialized
	}
	now := m.now()
	if tok != nil && now.Before(tok.Expiry.Add(-buffer)) {
		return tok.AccessToken, nil
	}

	fresh, err := m.refresh(ctx)
	if err != nil {
		if tok != nil && now.Before(tok.Expiry) {
			m.logger.Warn().Err(err).Time("expiresAt", tok.Expiry).Msg("token refresh failed, serving current token until expiry")
			return tok.AccessToken, nil
		}
		return "", err
	}
	return fresh.AccessToken, nil
}

// RefreshToken forces a token request, joining one already in flight.
func (m *Manager) RefreshToken(ctx context.Context) error {
	m.mu.RLock()
	attempted := m.initAttempted
	m.mu.RUnlock()
	if !attempted {
		if res := m.Initialize(ctx); !res.Success {
			return errors.New(res.Error)
		}
		return nil
	}
	_, err := m.refresh(ctx)
	return err
}

func (m *Manager) refresh(ctx context.Context) (*oauth2.Token, error) {
	// Joined callers must not inherit the first caller's cancellation.
	ctx = context.WithoutCancel(ctx)

	v, err, shared := m.group.Do("token", func() (_ any, err error) {
		if m.opts.OnRefresh != nil {
			defer func() { m.opts.OnRefresh(ctx, err) }()
		}
		m.mu.RLock()
		creds, endpoints, generation := m.creds, m.endpoints, m.generation
		m.mu.RUnlock()
		if creds == nil {
			return nil, ErrNotInitialized
		}

		tokenURL := endpoints.TokenURL(creds.EnvironmentID)
		exchange := func(ctx context.Context) (*oauth2.Token, error) {
			return m.opts.Exchanger.Exchange(ctx, creds, tokenURL)
		}

		var tok *oauth2.Token
		if m.opts.Breaker != nil {
			tok, err = circuitbreaker.Do(ctx, m.opts.Breaker, exchange)
		} else {
			tok, err = exchange(ctx)
		}
		if err != nil {
			m.logger.Error().Err(err).Str("environmentId", creds.EnvironmentID).Msg("token request failed")
			return nil, fmt.Errorf("token request failed: %w", err)
		}
		if tok == nil || tok.AccessToken == "" {
			return nil, errors.New("token request failed: empty access token")
		}

		now := m.now()
		issued := *tok
		if issued.Expiry.IsZero() {
			if exp, ok := expiryFromJWT(issued.AccessToken); ok {
				issued.Expiry = exp
			} else {
				issued.Expiry = now.Add(defaultLifetime)
			}
		}
		lifetime := issued.Expiry.Sub(now)

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.generation != generation {
			return nil, errors.New("token request superseded by credential change")
		}
		m.token = &issued
		m.buffer = effectiveBuffer(m.opts.Buffer, lifetime)
		m.armTimerLocked(lifetime - m.buffer)

		m.logger.Info().Time("expiresAt", issued.Expiry).Dur("lifetime", lifetime).Msg("access token refreshed")
		return &issued, nil
	})
	if shared {
		m.logger.Debug().Msg("joined in-flight token refresh")
	}
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

func (m *Manager) armTimerLocked(delay time.Duration) {
	m.stopTimerLocked()
	if delay <= 0 {
		return
	}
	generation := m.generation
	m.timer = time.AfterFunc(delay, func() {
		m.mu.RLock()
		current := m.generation
		m.mu.RUnlock()
		if current != generation {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), proactiveRefreshTimeout)
		defer cancel()
		if _, err := m.refresh(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("proactive token refresh failed, current token is served until expiry")
		}
	})
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// TokenInfo describes the cached token. IsValid uses the same refresh buffer
// as GetValidToken, so a token inside the buffer reports invalid.
func (m *Manager) TokenInfo() TokenInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := TokenInfo{}
	if m.creds != nil {
		info.Source = m.creds.Source
	}
	if m.token == nil {
		return info
	}
	expiresAt := m.token.Expiry
	now := m.now()
	remaining := expiresAt.Sub(now)
	info.HasToken = true
	info.ExpiresAt = &expiresAt
	info.IsValid = now.Before(expiresAt.Add(-m.buffer))
	if remaining > 0 {
		info.ExpiresIn = int64(remaining / time.Second)
	}
	return info
}

// Credentials returns the sanitized active credentials.
func (m *Manager) Credentials() (SanitizedCredentials, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.creds == nil {
		return SanitizedCredentials{}, false
	}
	return m.creds.Sanitized(), true
}

// Initialized reports whether usable credentials are loaded.
func (m *Manager) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds != nil
}

// EnvironmentID returns the active environment id.
func (m *Manager) EnvironmentID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.creds == nil {
		return ""
	}
	return m.creds.EnvironmentID
}

// PopulationID returns the default population configured with the credentials.
func (m *Manager) PopulationID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.creds == nil {
		return ""
	}
	return m.creds.PopulationID
}

// APIBaseURL returns the directory API base URL for the active region.
func (m *Manager) APIBaseURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return strings.TrimSuffix(m.endpoints.APIBaseURL, "/")
}

// Clear drops credentials, token and the renewal timer. The next
// GetValidToken initializes again.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimerLocked()
	m.initAttempted = false
	m.initErr = nil
	m.creds = nil
	m.token = nil
	m.endpoints = Endpoints{}
	m.generation++
	m.logger.Info().Msg("credentials cleared")
}

// effectiveBuffer keeps short-lived tokens usable by capping the buffer at half the lifetime.
func effectiveBuffer(buffer, lifetime time.Duration) time.Duration {
	if half := lifetime / 2; buffer > half {
		return half
	}
	return buffer
}

func expiryFromJWT(raw string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
