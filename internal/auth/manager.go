// Package auth manages the OAuth credential lifecycle: storage access,
// refresh ahead of expiry, and degradation to a needs-login state.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/user/pointqueue/internal/storage"
	"github.com/user/pointqueue/internal/twitch"
	"github.com/user/pointqueue/pkg/logger"
)

// ErrAuthRequired means no usable credential exists and the operator must
// re-authenticate via the OAuth flow.
var ErrAuthRequired = errors.New("authentication required")

// Safety margin before expiry at which the token is refreshed.
const refreshMargin = 60

// Refresher exchanges a refresh token for a fresh token pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*twitch.Token, error)
}

// Alerter is notified when the credential degrades to needs-login.
type Alerter interface {
	AuthRequired()
}

// Manager serves valid access tokens, refreshing ahead of expiry. On
// refresh failure the prior token is retained until it actually expires.
type Manager struct {
	store  *storage.CredentialStore
	client Refresher
	alerts Alerter
	now    func() int64

	mu sync.Mutex // serializes refresh attempts

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a new credential manager.
func NewManager(store *storage.CredentialStore, client Refresher, alerts Alerter) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:  store,
		client: client,
		alerts: alerts,
		now:    func() int64 { return time.Now().Unix() },
		ctx:    ctx,
		cancel: cancel,
	}
}

// Authenticated reports whether a credential exists that is not about to
// expire.
func (m *Manager) Authenticated() (bool, error) {
	cred, err := m.store.Get()
	if err != nil {
		return false, err
	}
	return cred != nil && cred.ExpiresAt > m.now()+30, nil
}

// AccessToken returns a valid access token, refreshing it first when it is
// within the safety margin of expiry. Returns ErrAuthRequired when no
// credential exists or the refresh grant no longer works on an expired
// token.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, err := m.store.Get()
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", ErrAuthRequired
	}

	now := m.now()
	if cred.ExpiresAt > now+refreshMargin {
		return cred.AccessToken, nil
	}

	refreshed, err := m.client.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		if cred.ExpiresAt > now {
			// Keep using the prior token until it truly expires.
			logger.Warn().Err(err).Msg("Token refresh failed; retaining current token")
			return cred.AccessToken, nil
		}
		logger.Warn().Err(err).Msg("Token refresh failed and token expired; re-authentication required")
		if m.alerts != nil {
			m.alerts.AuthRequired()
		}
		return "", ErrAuthRequired
	}

	newCred := storage.Credential{
		AccessToken:  refreshed.AccessToken,
		RefreshToken: refreshed.RefreshToken,
		ExpiresAt:    refreshed.ExpiresAt,
	}
	if err := m.store.Put(newCred); err != nil {
		return "", err
	}
	logger.Info().Msg("Refreshed Twitch access token")
	return newCred.AccessToken, nil
}

// Store persists a freshly obtained token pair (login flow).
func (m *Manager) Store(token *twitch.Token) error {
	return m.store.Put(storage.Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.ExpiresAt,
	})
}

// Clear removes the stored credential (logout).
func (m *Manager) Clear() error {
	return m.store.Delete()
}

// Start launches the background refresh-ahead tick.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.refreshLoop()
}

// Stop stops the background tick.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) refreshLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(m.ctx, 15*time.Second)
			if _, err := m.AccessToken(ctx); err != nil && !errors.Is(err, ErrAuthRequired) {
				logger.Warn().Err(err).Msg("Background token refresh failed")
			}
			cancel()
		}
	}
}
