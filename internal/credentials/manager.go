// Copyright (c) 2026 RelayCRM
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/relaycrm/ingestion/internal/config"
)

// ErrNeedsReauth is returned when the stored refresh token is known dead and
// the tenant must reconnect the account before any further refresh attempt.
var ErrNeedsReauth = errors.New("account needs reauthorization")

// ErrAccountNotFound is returned when no connected account exists.
var ErrAccountNotFound = errors.New("connected account not found")

// RefreshError wraps any failure to obtain a fresh access token. Callers map
// it to the TokenRefreshFailed audit reason via errors.As.
type RefreshError struct {
	AccountID string
	Err       error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed for account %s: %v", e.AccountID, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// IsRefreshError reports whether err is (or wraps) a RefreshError.
func IsRefreshError(err error) bool {
	var re *RefreshError
	return errors.As(err, &re)
}

// AccountStore is the persistence surface the Manager needs. Implemented by
// Store; tests substitute an in-memory version.
type AccountStore interface {
	Get(ctx context.Context, accountID string) (*Account, error)
	UpdateToken(ctx context.Context, accountID, accessToken, refreshToken string, expiry time.Time) error
	MarkNeedsReauth(ctx context.Context, accountID string) error
}

// RefreshFunc exchanges a refresh token for a new access token at the
// provider's token endpoint.
type RefreshFunc func(ctx context.Context, account *Account) (*oauth2.Token, error)

// Manager returns currently-valid access tokens for connected accounts,
// refreshing near-expiry tokens against the provider single-flight per
// account. Unrelated accounts never block each other.
type Manager struct {
	store   AccountStore
	refresh RefreshFunc
	margin  time.Duration // refresh when expiry is closer than this
	timeout time.Duration // bound on the provider refresh call

	mu    sync.Mutex
	locks map[string]*sync.Mutex // keyed by account id
}

// ManagerConfig holds the configuration for the token lifecycle manager.
type ManagerConfig struct {
	Store   AccountStore
	Refresh RefreshFunc
	Margin  time.Duration
	Timeout time.Duration
}

// NewManager creates a token lifecycle manager.
func NewManager(cfg ManagerConfig) *Manager {
	margin := cfg.Margin
	if margin <= 0 {
		margin = 60 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Manager{
		store:   cfg.Store,
		refresh: cfg.Refresh,
		margin:  margin,
		timeout: timeout,
		locks:   make(map[string]*sync.Mutex),
	}
}

// OAuthRefresh builds a RefreshFunc backed by golang.org/x/oauth2 using the
// provider client credentials from config. The provider is looked up by the
// account's source.
func OAuthRefresh(providers map[string]config.ProviderConfig) RefreshFunc {
	return func(ctx context.Context, account *Account) (*oauth2.Token, error) {
		p, ok := providers[string(account.Source)]
		if !ok {
			return nil, fmt.Errorf("no provider credentials configured for source %s", account.Source)
		}
		conf := &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: p.TokenURL},
		}
		src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: account.RefreshToken})
		return src.Token()
	}
}

// GetValidAccessToken returns an access token guaranteed valid for at least
// the configured margin. If the stored token is near expiry it refreshes it
// at the provider and persists the result before returning.
//
// Concurrency: a per-account lock ensures only one refresh is in flight per
// account — providers invalidate the previous refresh token on use, so a
// racing second refresh with the stale token would fail and strand the
// account. The lock is held only for the re-check and the refresh call.
func (m *Manager) GetValidAccessToken(ctx context.Context, accountID string) (string, error) {
	account, err := m.store.Get(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("load account %s: %w", accountID, err)
	}
	if account == nil {
		return "", ErrAccountNotFound
	}

	if account.NeedsReauth {
		// Known-dead refresh token — fail fast until the tenant reconnects.
		return "", &RefreshError{AccountID: accountID, Err: ErrNeedsReauth}
	}

	if m.fresh(account) {
		return account.AccessToken, nil
	}

	lock := m.lockFor(accountID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock: another caller may have completed the refresh
	// while we were waiting.
	account, err = m.store.Get(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("reload account %s: %w", accountID, err)
	}
	if account == nil {
		return "", ErrAccountNotFound
	}
	if account.NeedsReauth {
		return "", &RefreshError{AccountID: accountID, Err: ErrNeedsReauth}
	}
	if m.fresh(account) {
		return account.AccessToken, nil
	}

	refreshCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	tok, err := m.refresh(refreshCtx, account)
	if err != nil {
		// No automatic retry: the refresh token may be revoked, and hammering
		// the provider with a dead token helps nobody. Mark the account so
		// subsequent callers fail fast until the tenant reconnects.
		if markErr := m.store.MarkNeedsReauth(ctx, accountID); markErr != nil {
			slog.Error("failed to mark account for reauth",
				"account_id", accountID,
				"error", markErr,
			)
		}
		slog.Warn("token refresh failed",
			"account_id", accountID,
			"tenant", account.TenantID,
			"source", account.Source,
			"error", err,
		)
		return "", &RefreshError{AccountID: accountID, Err: err}
	}

	// Persist before releasing the lock so waiting callers see the new token.
	if err := m.store.UpdateToken(ctx, accountID, tok.AccessToken, tok.RefreshToken, tok.Expiry); err != nil {
		return "", fmt.Errorf("persist refreshed token for %s: %w", accountID, err)
	}

	slog.Info("access token refreshed",
		"account_id", accountID,
		"tenant", account.TenantID,
		"source", account.Source,
		"expires_at", tok.Expiry,
	)

	return tok.AccessToken, nil
}

// fresh reports whether the stored token is still comfortably inside its
// validity window.
func (m *Manager) fresh(account *Account) bool {
	return account.AccessToken != "" && time.Until(account.TokenExpiry) > m.margin
}

// lockFor returns the mutex for an account, creating it on first use.
// A single global lock would serialize all tenants' refreshes; keying by
// account keeps contention scoped to concurrent callers for the same account.
func (m *Manager) lockFor(accountID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[accountID] = lock
	}
	return lock
}
