package auth

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/blueberrycongee/msgmux/internal/config"
)

// TokenStore holds the OAuth access token shared by every provider with the
// oauth auth scheme. The refresher writes it, the resolver reads it.
type TokenStore struct {
	mu  sync.RWMutex
	tok *oauth2.Token
}

// Current returns the access token. ok is false until the first successful
// refresh; an expired token is still returned, the upstream 401 surfaces
// through the normal error path if the refresher has fallen behind.
func (s *TokenStore) Current() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tok == nil || s.tok.AccessToken == "" {
		return "", false
	}
	return s.tok.AccessToken, true
}

// Set replaces the stored token.
func (s *TokenStore) Set(tok *oauth2.Token) {
	s.mu.Lock()
	s.tok = tok
	s.mu.Unlock()
}

// Expiry returns the stored token's expiry time, zero when absent.
func (s *TokenStore) Expiry() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tok == nil {
		return time.Time{}
	}
	return s.tok.Expiry
}

// Refresher keeps the token store fresh with the refresh-token grant. The
// client id, client secret and refresh token are read from the configured
// environment variables on every cycle so rotated secrets are picked up
// without a restart.
type Refresher struct {
	cfg    config.OAuthConfig
	store  *TokenStore
	client *http.Client
	logger *slog.Logger
}

// NewRefresher creates a refresher writing into store.
func NewRefresher(cfg config.OAuthConfig, store *TokenStore, client *http.Client, logger *slog.Logger) *Refresher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{cfg: cfg, store: store, client: client, logger: logger}
}

// Run refreshes in a loop until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	r.logger.Info("starting oauth token refresh loop", "token_url", r.cfg.TokenURL)
	for {
		delay := r.refreshOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// refreshOnce performs one refresh-token grant and returns how long to wait
// before the next one: the token lifetime minus the refresh margin on
// success (floored at one minute), the retry interval on failure.
func (r *Refresher) refreshOnce(ctx context.Context) time.Duration {
	clientID := os.Getenv(r.cfg.ClientIDEnv)
	clientSecret := os.Getenv(r.cfg.ClientSecretEnv)
	refreshToken := os.Getenv(r.cfg.RefreshTokenEnv)
	if clientID == "" || refreshToken == "" {
		r.logger.Warn("oauth credentials missing from environment",
			"client_id_env", r.cfg.ClientIDEnv,
			"refresh_token_env", r.cfg.RefreshTokenEnv,
		)
		return r.retryInterval()
	}

	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: r.cfg.TokenURL},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		r.logger.Error("oauth token refresh failed", "error", err)
		return r.retryInterval()
	}

	r.store.Set(tok)
	r.logger.Info("oauth token refreshed", "expires_at", tok.Expiry)

	if tok.Expiry.IsZero() {
		return r.retryInterval()
	}
	delay := time.Until(tok.Expiry) - r.refreshMargin()
	if delay < time.Minute {
		delay = time.Minute
	}
	return delay
}

func (r *Refresher) retryInterval() time.Duration {
	if r.cfg.RetryInterval > 0 {
		return r.cfg.RetryInterval
	}
	return time.Hour
}

func (r *Refresher) refreshMargin() time.Duration {
	if r.cfg.RefreshMargin > 0 {
		return r.cfg.RefreshMargin
	}
	return 5 * time.Minute
}
