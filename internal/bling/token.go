package bling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"bling-sync-api/internal/cache"
	"bling-sync-api/internal/model"
	"bling-sync-api/internal/repository"
)

// cachedToken is the cache entry stored per account.
type cachedToken struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"`
}

// tokenResponse is the body returned by the token endpoint.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// TokenManager resolves access tokens per account. Refresh tokens are single
// use under rotation, so every refresh runs inside the account's critical
// section and re-checks cache and store before calling upstream.
type TokenManager struct {
	cfg      Config
	http     *http.Client
	accounts repository.AccountRepository
	cache    cache.Cache
	locker   Locker
	log      *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// pending holds rotated tokens whose store write failed. They win over
	// the stored row until a later write succeeds.
	pendingMu sync.Mutex
	pending   map[string]model.Account

	refreshes atomic.Int64
}

// NewTokenManager creates a TokenManager.
func NewTokenManager(cfg Config, accounts repository.AccountRepository, c cache.Cache, locker Locker, httpClient *http.Client, log *zap.Logger) *TokenManager {
	cfg.applyDefaults()
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TokenManager{
		cfg:      cfg,
		http:     httpClient,
		accounts: accounts,
		cache:    c,
		locker:   locker,
		log:      log.Named("TokenManager"),
		now:      time.Now,
		sleep:    sleepCtx,
		pending:  make(map[string]model.Account),
	}
}

// Refreshes returns the number of successful upstream refreshes.
func (m *TokenManager) Refreshes() int64 {
	return m.refreshes.Load()
}

func cacheKey(account string) string {
	return "token:" + account
}

// Acquire returns a usable access token for account. A cached token with
// more than TokenSkew of validity left is returned without any I/O beyond
// the cache read.
func (m *TokenManager) Acquire(ctx context.Context, account string) (string, error) {
	return m.acquire(ctx, account, "")
}

// Refresh forces a new token after upstream rejected stale. Concurrent calls
// for the same stale token refresh once; later callers get the new token.
func (m *TokenManager) Refresh(ctx context.Context, account, stale string) (string, error) {
	return m.acquire(ctx, account, stale)
}

func (m *TokenManager) acquire(ctx context.Context, account, stale string) (string, error) {
	if tok, ok := m.fromCache(ctx, account, stale); ok {
		return tok, nil
	}

	unlock, err := m.locker.Lock(ctx, account)
	if err != nil {
		return "", &AuthError{Account: account, Err: err}
	}
	defer unlock()

	if tok, ok := m.fromCache(ctx, account, stale); ok {
		return tok, nil
	}

	acc, err := m.loadAccount(ctx, account)
	if err != nil {
		return "", err
	}
	if acc.AccessToken != stale && acc.ValidFor(m.now(), m.cfg.TokenSkew) {
		m.storeCache(ctx, account, acc.AccessToken, acc.ExpiresAt)
		return acc.AccessToken, nil
	}

	return m.refresh(ctx, acc)
}

func (m *TokenManager) fromCache(ctx context.Context, account, stale string) (string, bool) {
	raw, err := m.cache.Get(ctx, cacheKey(account))
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			m.log.Warn("token cache read failed", zap.String("account", account), zap.Error(err))
		}
		return "", false
	}
	var ct cachedToken
	if err := json.Unmarshal(raw, &ct); err != nil || ct.AccessToken == "" {
		return "", false
	}
	if ct.AccessToken == stale {
		return "", false
	}
	if ct.ExpiresAt <= m.now().Add(m.cfg.TokenSkew).Unix() {
		return "", false
	}
	return ct.AccessToken, true
}

func (m *TokenManager) storeCache(ctx context.Context, account, token string, expiresAt int64) {
	raw, _ := json.Marshal(cachedToken{AccessToken: token, ExpiresAt: expiresAt})
	ttl := time.Unix(expiresAt, 0).Sub(m.now())
	if ttl <= 0 {
		return
	}
	if err := m.cache.Set(ctx, cacheKey(account), raw, ttl); err != nil {
		m.log.Warn("token cache write failed", zap.String("account", account), zap.Error(err))
	}
}

// Forget drops the cached token and any unsaved rotated pair for account.
// Called after the account is re-authorized so the next Acquire reads the
// new credentials from the store.
func (m *TokenManager) Forget(ctx context.Context, account string) {
	m.pendingMu.Lock()
	delete(m.pending, account)
	m.pendingMu.Unlock()
	m.invalidate(ctx, account)
}

func (m *TokenManager) invalidate(ctx context.Context, account string) {
	if err := m.cache.Delete(ctx, cacheKey(account)); err != nil {
		m.log.Warn("token cache delete failed", zap.String("account", account), zap.Error(err))
	}
}

// loadAccount reads the credential row, preferring unsaved rotated tokens.
func (m *TokenManager) loadAccount(ctx context.Context, account string) (*model.Account, error) {
	acc, err := m.accounts.GetAccount(ctx, account)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			m.log.Error("account not found", zap.String("account", account))
			return nil, &AuthError{Account: account, Permanent: true, Err: ErrAccountNotFound}
		}
		return nil, &AuthError{Account: account, Err: err}
	}

	m.pendingMu.Lock()
	p, ok := m.pending[account]
	m.pendingMu.Unlock()
	if ok {
		if err := m.accounts.SaveTokens(ctx, account, p.AccessToken, p.RefreshToken, p.ExpiresAt); err == nil {
			m.pendingMu.Lock()
			delete(m.pending, account)
			m.pendingMu.Unlock()
		}
		acc.AccessToken, acc.RefreshToken, acc.ExpiresAt = p.AccessToken, p.RefreshToken, p.ExpiresAt
	}
	return acc, nil
}

// refresh runs the refresh grant. 429 answers are retried after
// RefreshRetryWait up to RefreshMaxAttempts; the refresh token is only
// consumed by a 200.
func (m *TokenManager) refresh(ctx context.Context, acc *model.Account) (string, error) {
	if acc.RefreshToken == "" {
		return "", &AuthError{Account: acc.Name, Permanent: true, Err: errors.New("no refresh token stored")}
	}

	m.log.Info("refreshing access token", zap.String("account", acc.Name))

	for attempt := 1; attempt <= m.cfg.RefreshMaxAttempts; attempt++ {
		status, body, err := m.postRefresh(ctx, acc)
		if err != nil {
			return "", &AuthError{Account: acc.Name, Err: err}
		}

		switch {
		case status == http.StatusOK:
			return m.saveRefreshed(ctx, acc, body)

		case status == http.StatusTooManyRequests:
			m.log.Warn("token endpoint rate limited",
				zap.String("account", acc.Name),
				zap.Int("attempt", attempt),
				zap.Duration("wait", m.cfg.RefreshRetryWait))
			if attempt == m.cfg.RefreshMaxAttempts {
				break
			}
			if err := m.sleep(ctx, m.cfg.RefreshRetryWait); err != nil {
				return "", &AuthError{Account: acc.Name, StatusCode: status, Err: err}
			}

		case status == http.StatusBadRequest || status == http.StatusUnauthorized:
			m.invalidate(ctx, acc.Name)
			m.log.Error("refresh token rejected, manual reauthorization required",
				zap.String("account", acc.Name), zap.Int("status", status))
			return "", &AuthError{Account: acc.Name, StatusCode: status, Permanent: true, Err: errors.New(snippet(body))}

		default:
			m.log.Error("unexpected token endpoint status", zap.String("account", acc.Name), zap.Int("status", status))
			return "", &AuthError{Account: acc.Name, StatusCode: status, Err: errors.New(snippet(body))}
		}
	}

	return "", &AuthError{Account: acc.Name, StatusCode: http.StatusTooManyRequests,
		Err: fmt.Errorf("%w after %d attempts", ErrRateLimited, m.cfg.RefreshMaxAttempts)}
}

func (m *TokenManager) postRefresh(ctx context.Context, acc *model.Account) (int, []byte, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", acc.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(acc.ClientID, acc.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read token response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (m *TokenManager) saveRefreshed(ctx context.Context, acc *model.Account, body []byte) (string, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		return "", &AuthError{Account: acc.Name, StatusCode: http.StatusOK, Err: errors.New("malformed token response")}
	}
	if tr.RefreshToken == "" {
		tr.RefreshToken = acc.RefreshToken
	}
	expiresAt := m.now().Unix() + tr.ExpiresIn
	m.refreshes.Add(1)

	if err := m.accounts.SaveTokens(ctx, acc.Name, tr.AccessToken, tr.RefreshToken, expiresAt); err != nil {
		// The old refresh token is already spent; keep the new pair in memory.
		m.log.Error("failed to persist refreshed tokens", zap.String("account", acc.Name), zap.Error(err))
		m.pendingMu.Lock()
		m.pending[acc.Name] = model.Account{Name: acc.Name, AccessToken: tr.AccessToken, RefreshToken: tr.RefreshToken, ExpiresAt: expiresAt}
		m.pendingMu.Unlock()
	}

	m.storeCache(ctx, acc.Name, tr.AccessToken, expiresAt)
	m.log.Info("access token refreshed", zap.String("account", acc.Name), zap.Int64("expires_at", expiresAt))
	return tr.AccessToken, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "empty response"
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
