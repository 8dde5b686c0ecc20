package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"resticgw/internal/cloudtypes"
	"resticgw/internal/gwerr"
	"resticgw/internal/gwlog"
	"resticgw/internal/metacache"
)

// refreshLead is the fixed lead window before expiry at which a token is
// considered due for refresh.
const refreshLead = 5 * time.Minute

// tokenPersister is the subset of metacache.Store the token manager needs.
// Satisfied by *metacache.Store; narrowed to an interface so tests can stub
// it without a real database.
type tokenPersister interface {
	LoadCachedToken() (*metacache.CachedToken, error)
	StoreCachedToken(metacache.CachedToken) error
}

type tokenState struct {
	accessToken string
	expiresAt   time.Time
}

func (t *tokenState) validFor(now time.Time) bool {
	return t != nil && now.Add(refreshLead).Before(t.expiresAt)
}

// TokenManager owns the current access token and its expiry, refreshing
// pre-emptively before the lead window. Concurrent callers
// observe at most one in-flight refresh.
type TokenManager struct {
	clientID     string
	clientSecret string
	baseURL      string
	httpClient   *http.Client
	store        tokenPersister
	log          gwlog.Logger

	mu    sync.RWMutex
	state *tokenState

	// refreshMu serializes the actual issuance calls so that concurrent
	// ValidToken callers who all observe an expired token collapse into
	// exactly one in-flight refresh, per /§8 scenario 5.
	refreshMu sync.Mutex
}

// NewTokenManager constructs a TokenManager. store may be nil, in which case
// no cross-restart persistence is attempted.
func NewTokenManager(clientID, clientSecret, baseURL string, httpClient *http.Client, store tokenPersister, log gwlog.Logger) *TokenManager {
	if log == nil {
		log = gwlog.NewNopLogger()
	}
	return &TokenManager{
		clientID:     clientID,
		clientSecret: clientSecret,
		baseURL:      baseURL,
		httpClient:   httpClient,
		store:        store,
		log:          log,
	}
}

// ValidToken returns a bearer token whose remaining lifetime exceeds the
// refresh lead. If the cached token is absent or within the lead window, it
// performs a token-issuance call first.
func (m *TokenManager) ValidToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	state := m.state
	m.mu.RUnlock()
	if state.validFor(time.Now()) {
		return state.accessToken, nil
	}

	return m.refresh(ctx, false)
}

// ForceRefresh discards any cached token and issues a fresh one, used after
// an unexpected 401 from a downstream call.
func (m *TokenManager) ForceRefresh(ctx context.Context) (string, error) {
	return m.refresh(ctx, true)
}

// refresh serializes concurrent refreshers behind refreshMu, re-checks
// expiry under that guard (the double-check collapsing concurrent callers
// into one issuance call), then performs the network call while holding only
// refreshMu (never m.mu, so readers of a still-valid token are not blocked),
// and finally re-acquires m.mu only to install the result.
func (m *TokenManager) refresh(ctx context.Context, force bool) (string, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	if !force {
		m.mu.RLock()
		state := m.state
		m.mu.RUnlock()
		if state.validFor(time.Now()) {
			return state.accessToken, nil
		}

		if state == nil && m.store != nil {
			if cached, err := m.store.LoadCachedToken(); err == nil && cached != nil {
				candidate := &tokenState{accessToken: cached.AccessToken, expiresAt: cached.ExpiresAt}
				if candidate.validFor(time.Now()) {
					m.mu.Lock()
					m.state = candidate
					m.mu.Unlock()
					return candidate.accessToken, nil
				}
			}
		}
	}

	return m.issue(ctx)
}

// issue performs the token-issuance HTTP call. Called with refreshMu held
// but not m.mu, so concurrent readers are never blocked by the network
// round trip.
func (m *TokenManager) issue(ctx context.Context) (string, error) {
	m.log.Info("refreshing access token")

	reqBody := cloudtypes.AccessTokenRequest{ClientID: m.clientID, ClientSecret: m.clientSecret}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", gwerr.Wrap(gwerr.KindAuthFailure, "encoding access token request", err)
	}

	url := m.baseURL + "/api/v1/access_token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", gwerr.Wrap(gwerr.KindAuthFailure, "building access token request", err)
	}
	req.Header.Set("Platform", "open_platform")
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", gwerr.Wrap(gwerr.KindAuthFailure, "issuing access token request", err)
	}
	defer resp.Body.Close()

	var envelope cloudtypes.Envelope[cloudtypes.AccessTokenData]
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return "", gwerr.Wrap(gwerr.KindAuthFailure, "decoding access token response", err)
	}
	if !envelope.OK() {
		return "", gwerr.New(gwerr.KindAuthFailure, fmt.Sprintf("access token request rejected: %s (code %d)", envelope.Message, envelope.Code))
	}

	expiresAt, err := time.Parse(time.RFC3339, envelope.Data.ExpiredAt)
	if err != nil {
		m.log.Warn("failed to parse token expiry, defaulting to 1 hour", "raw", envelope.Data.ExpiredAt)
		expiresAt = time.Now().Add(time.Hour)
	}

	state := &tokenState{accessToken: envelope.Data.AccessToken, expiresAt: expiresAt}
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.StoreCachedToken(metacache.CachedToken{AccessToken: state.accessToken, ExpiresAt: state.expiresAt}); err != nil {
			m.log.Warn("failed to persist refreshed token", "error", err)
		}
	}

	m.log.Info("access token refreshed", "expires_at", expiresAt)
	return state.accessToken, nil
}
