// Package gateway implements the two protocol clients for the energy gateway:
// the legacy unauthenticated CGI interface and the session-authenticated
// interface used by newer firmware.
package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// AuthUsername is the fixed owner account the gateway accepts.
const AuthUsername = "ssm_owner"

// SessionRefreshInterval bounds session age. Sessions older than this are
// re-established before the next call instead of waiting for the gateway to
// reject them, because reactive-only refresh produces visible request
// failures.
const SessionRefreshInterval = 10 * time.Minute

var (
	// ErrAuthRequired indicates the gateway rejected an unauthenticated call.
	ErrAuthRequired = errors.New("authentication required")
	// ErrAuthFailed indicates login or an authenticated retry was rejected.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrNoCredential indicates no serial was configured to derive a password from.
	ErrNoCredential = errors.New("no credential available")
)

// DeriveCredential returns the owner password for a gateway serial: its last
// 5 characters, upper-cased.
func DeriveCredential(serial string) (string, error) {
	s := strings.TrimSpace(serial)
	if len(s) < 5 {
		return "", fmt.Errorf("serial %q too short to derive credential: %w", serial, ErrNoCredential)
	}
	return strings.ToUpper(s[len(s)-5:]), nil
}

// SessionManager owns credential state and the cookie-session lifecycle of
// the authenticated protocol.
type SessionManager struct {
	authURL    string
	credential string
	client     *http.Client
	logger     zerolog.Logger

	mu            sync.Mutex
	authenticated bool
	lastAuth      time.Time
}

// NewSessionManager creates a session manager that logs in against authURL
// using the shared HTTP client. The client's cookie jar carries the session.
func NewSessionManager(authURL, credential string, client *http.Client) *SessionManager {
	return &SessionManager{
		authURL:    authURL,
		credential: credential,
		client:     client,
		logger:     log.With().Str("component", "session").Logger(),
	}
}

// EnsureAuthenticated logs in if the session is missing or older than the
// refresh interval. Safe to call before every protocol request.
func (m *SessionManager) EnsureAuthenticated(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.authenticated && time.Since(m.lastAuth) < SessionRefreshInterval {
		return nil
	}
	return m.login(ctx)
}

// login performs the cookie-session handshake. Caller holds m.mu.
func (m *SessionManager) login(ctx context.Context) error {
	if m.credential == "" {
		return ErrNoCredential
	}

	// The gateway adds cookies implicitly on unauthenticated requests; a
	// stale jar confuses its auth handler, so start from an empty one.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("failed to create cookie jar: %w", err)
	}
	m.client.Jar = jar

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.authURL+"/auth?login", nil)
	if err != nil {
		return fmt.Errorf("failed to create login request: %w", err)
	}

	// The device insists on a lowercase "basic" scheme.
	token := base64.StdEncoding.EncodeToString([]byte(AuthUsername + ":" + m.credential))
	req.Header.Set("Authorization", "basic "+token)

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		m.authenticated = false
		return fmt.Errorf("login returned HTTP %d: %w", resp.StatusCode, ErrAuthFailed)
	}

	m.authenticated = true
	m.lastAuth = time.Now()
	m.logger.Info().Msg("Session authenticated")
	return nil
}

// Invalidate marks the session dead without destroying credential state. The
// next EnsureAuthenticated call re-establishes it.
func (m *SessionManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.authenticated {
		m.logger.Debug().Msg("Session invalidated")
	}
	m.authenticated = false
}

// Authenticated reports the current session state and the time of the last
// successful login.
func (m *SessionManager) Authenticated() (bool, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authenticated, m.lastAuth
}

// Logout ends the session on the gateway side. Errors are ignored; the
// session is considered dead either way.
func (m *SessionManager) Logout(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.authenticated {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.authURL+"/auth?logout", nil)
		if err == nil {
			if resp, err := m.client.Do(req); err == nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
		}
	}
	m.authenticated = false
}

// Run proactively refreshes the session on a timer until the context is
// cancelled. Refresh failures are logged and retried on the next tick; the
// reactive path still recovers in between.
func (m *SessionManager) Run(ctx context.Context) {
	ticker := time.NewTicker(SessionRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.EnsureAuthenticated(ctx); err != nil {
				m.logger.Warn().Err(err).Msg("Proactive session refresh failed")
			}
		}
	}
}
