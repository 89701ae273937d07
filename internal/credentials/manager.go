// Package credentials resolves OAuth token sets for jobs. The Manager hides
// refresh handling from the worker: callers ask for a usable access token and
// get one that will not expire mid-request.
package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adsheet/crawlerd/internal/crawljob"
)

// DefaultExpiryMargin is how close to expiry a token may be before it is
// refreshed ahead of use.
const DefaultExpiryMargin = 60 * time.Second

// Manager resolves access tokens, refreshing them through the platform's
// token endpoint when they are about to expire. Refreshes for the same
// (user, platform) pair are serialized so concurrent jobs never race on the
// stored token set.
type Manager struct {
	store     crawljob.CredentialStore
	refresher crawljob.TokenRefresher
	clock     crawljob.Clock
	margin    time.Duration
	logger    *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager wires a Manager. A zero margin falls back to DefaultExpiryMargin.
func NewManager(store crawljob.CredentialStore, refresher crawljob.TokenRefresher, clock crawljob.Clock, margin time.Duration, logger *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if refresher == nil {
		return nil, fmt.Errorf("token refresher is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if margin <= 0 {
		margin = DefaultExpiryMargin
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     store,
		refresher: refresher,
		clock:     clock,
		margin:    margin,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
	}, nil
}

// AccessToken returns a token valid for at least the configured margin,
// refreshing and persisting the stored set when needed. All failures carry
// the credential error kind so the retry policy treats them as transient.
func (m *Manager) AccessToken(ctx context.Context, userID string, platform crawljob.Platform) (string, error) {
	lock := m.lockFor(userID, platform)
	lock.Lock()
	defer lock.Unlock()

	creds, err := m.store.Get(ctx, userID, platform)
	if err != nil {
		return "", crawljob.WrapError(crawljob.KindCredential,
			fmt.Errorf("load credentials for user %s on %s: %w", userID, platform, err))
	}

	if !creds.ExpiresWithin(m.clock.Now(), m.margin) {
		return creds.AccessToken, nil
	}

	if creds.RefreshToken == "" {
		return "", crawljob.Errorf(crawljob.KindCredential,
			"token for user %s on %s expired and no refresh token is stored", userID, platform)
	}

	refreshed, err := m.refresher.Refresh(ctx, platform, creds)
	if err != nil {
		return "", crawljob.WrapError(crawljob.KindCredential,
			fmt.Errorf("refresh token for user %s on %s: %w", userID, platform, err))
	}
	if refreshed.RefreshToken == "" {
		// Platforms that do not rotate refresh tokens return only a new
		// access token; keep the old refresh token in that case.
		refreshed.RefreshToken = creds.RefreshToken
	}

	if err := m.store.Put(ctx, userID, platform, refreshed); err != nil {
		return "", crawljob.WrapError(crawljob.KindCredential,
			fmt.Errorf("persist refreshed credentials for user %s on %s: %w", userID, platform, err))
	}
	m.logger.Info("credentials refreshed",
		zap.String("user_id", userID), zap.String("platform", string(platform)))
	return refreshed.AccessToken, nil
}

func (m *Manager) lockFor(userID string, platform crawljob.Platform) *sync.Mutex {
	key := userID + "|" + string(platform)
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}
