package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Manager is the single owner of session state. All transitions go through
// its methods; everything else reads derived values. Safe for concurrent
// use.
type Manager struct {
	backend Backend
	store   Store
	now     func() time.Time

	checkInterval time.Duration
	gracePeriod   time.Duration

	mu          sync.RWMutex
	state       State
	session     *Session
	lastError   string
	startedAt   time.Time
	subscribers []func()
}

type ManagerOption func(*Manager)

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithCheckInterval sets how often Watch re-evaluates expiry.
func WithCheckInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.checkInterval = d }
}

// WithGracePeriod sets the startup window during which the watcher never
// clears a session.
func WithGracePeriod(d time.Duration) ManagerOption {
	return func(m *Manager) { m.gracePeriod = d }
}

func NewManager(backend Backend, store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		backend:       backend,
		store:         store,
		now:           time.Now,
		checkInterval: 5 * time.Minute,
		gracePeriod:   5 * time.Second,
		state:         StateUninitialized,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.startedAt = m.now()
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// CurrentUser returns a copy of the authenticated user, or nil.
func (m *Manager) CurrentUser() *User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil || m.session.User == nil {
		return nil
	}
	user := *m.session.User
	return &user
}

// AccessToken returns the current access token, or "" when not
// authenticated.
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return ""
	}
	return m.session.AccessToken
}

// LastError returns the formatted message of the most recent failed login,
// registration or refresh. Cleared on success.
func (m *Manager) LastError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// Subscribe registers a callback invoked whenever an authenticated session
// is invalidated (logout, refresh failure, expiry, unauthorized signal).
// Must be called before Watch starts.
func (m *Manager) Subscribe(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Restore loads the persisted session on startup. An expired access token
// with a live refresh token triggers a refresh; anything else unusable
// leaves the manager unauthenticated.
func (m *Manager) Restore(ctx context.Context) {
	m.mu.Lock()
	m.state = StateLoading
	m.mu.Unlock()

	persisted, err := m.store.Load()
	if err != nil {
		if !errors.Is(err, ErrNoSession) {
			slog.Warn("Failed to load persisted session", "error", err)
		}
		m.setUnauthenticated("")
		return
	}

	sess, err := persisted.Session()
	if err != nil {
		slog.Warn("Persisted session unusable, clearing", "error", err)
		m.setUnauthenticated("")
		return
	}

	now := m.now()
	if now.Before(sess.AccessTokenExpiresAt) {
		m.adopt(sess)
		slog.Info("Session restored", "user", sess.User.Email)
		return
	}

	if sess.RefreshToken != "" && now.Before(sess.RefreshTokenExpiresAt) {
		slog.Info("Restored session expired, attempting refresh")
		m.mu.Lock()
		m.session = sess
		m.mu.Unlock()
		if err := m.RefreshTokens(ctx); err != nil {
			slog.Warn("Failed to refresh restored session", "error", err)
		}
		return
	}

	slog.Info("Persisted session expired beyond refresh, clearing")
	m.setUnauthenticated("")
}

// Login authenticates with the account backend. On failure the manager is
// fully unauthenticated and LastError carries a user-facing message.
func (m *Manager) Login(ctx context.Context, creds Credentials) error {
	grant, err := m.backend.Login(ctx, creds)
	if err != nil {
		m.setUnauthenticated(FormatError(err))
		return err
	}
	m.adoptGrant(grant)
	return nil
}

// Register creates an account and authenticates, with the same contract as
// Login.
func (m *Manager) Register(ctx context.Context, reg Registration) error {
	grant, err := m.backend.Register(ctx, reg)
	if err != nil {
		m.setUnauthenticated(FormatError(err))
		return err
	}
	m.adoptGrant(grant)
	return nil
}

// Logout always succeeds locally. The backend call is best effort; a user
// must never stay logged in because the backend was unreachable.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.RLock()
	token := ""
	if m.session != nil {
		token = m.session.AccessToken
	}
	m.mu.RUnlock()

	if token != "" {
		if err := m.backend.Logout(ctx, token); err != nil {
			slog.Warn("Backend logout failed, clearing local session anyway", "error", err)
		}
	}

	m.invalidate("")
}

// RefreshTokens exchanges the refresh token for a new access token. Failure
// forces a full logout: the session is never left half-valid.
func (m *Manager) RefreshTokens(ctx context.Context) error {
	m.mu.RLock()
	refreshToken := ""
	if m.session != nil {
		refreshToken = m.session.RefreshToken
	}
	m.mu.RUnlock()

	if refreshToken == "" {
		m.invalidate("")
		return errors.New("no refresh token")
	}

	grant, err := m.backend.Refresh(ctx, refreshToken)
	if err != nil {
		slog.Warn("Token refresh failed, logging out", "error", err)
		m.invalidate(FormatError(err))
		return err
	}

	m.mu.Lock()
	// Refresh endpoints may omit the user record; identity is preserved.
	if grant.User == nil && m.session != nil {
		grant.User = m.session.User
	}
	m.mu.Unlock()

	m.adoptGrant(grant)
	slog.Debug("Session refreshed", "expires_at", grant.AccessTokenExpiresAt)
	return nil
}

// ValidateToken asks the backend whether the current access token is still
// accepted. Does not mutate state.
func (m *Manager) ValidateToken(ctx context.Context) (*Validation, error) {
	token := m.AccessToken()
	if token == "" {
		return &Validation{Valid: false}, nil
	}
	return m.backend.Validate(ctx, token)
}

// IsSessionExpired is a pure function of the stored expiry and the clock.
// With no expiry recorded it reports true.
func (m *Manager) IsSessionExpired() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expiredLocked()
}

func (m *Manager) expiredLocked() bool {
	if m.session == nil || m.session.AccessTokenExpiresAt.IsZero() {
		return true
	}
	return !m.now().Before(m.session.AccessTokenExpiresAt)
}

// TimeUntilExpiry returns the remaining validity window. Zero or negative
// means expired.
func (m *Manager) TimeUntilExpiry() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil || m.session.AccessTokenExpiresAt.IsZero() {
		return 0
	}
	return m.session.AccessTokenExpiresAt.Sub(m.now())
}

// Status summarizes validity for the session endpoint and the guard.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	status := Status{
		State:         m.state,
		InGracePeriod: now.Sub(m.startedAt) < m.gracePeriod,
	}
	if m.session != nil {
		if !m.session.AccessTokenExpiresAt.IsZero() {
			status.TimeRemaining = m.session.AccessTokenExpiresAt.Sub(now)
		}
		status.CanRefresh = m.session.RefreshToken != "" &&
			now.Before(m.session.RefreshTokenExpiresAt)
	}
	status.Valid = m.state == StateAuthenticated && status.TimeRemaining > 0
	return status
}

// HasRole reports whether the current user is at least the given role.
func (m *Manager) HasRole(role Role) bool {
	user := m.CurrentUser()
	return user != nil && user.Role.Satisfies(role)
}

// HasPermission checks the static per-role allow-list.
func (m *Manager) HasPermission(p Permission) bool {
	user := m.CurrentUser()
	return user != nil && user.Role.Can(p)
}

func (m *Manager) IsAdmin() bool {
	return m.HasRole(RoleAdmin)
}

// NotifyUnauthorized is the out-of-band signal raised by any API client
// that receives a 401. It forces a local logout without a backend call.
func (m *Manager) NotifyUnauthorized() {
	m.mu.RLock()
	authenticated := m.state == StateAuthenticated
	m.mu.RUnlock()
	if !authenticated {
		return
	}
	slog.Info("Unauthorized signal received, invalidating session")
	m.invalidate("")
}

// Watch periodically re-checks expiry so sessions that silently lapse while
// idle still get cleared. It logs out only when the computed remaining time
// is zero or negative, never on any other heuristic, and suppresses
// clearing during the startup grace period.
func (m *Manager) Watch(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkExpiry(ctx)
		}
	}
}

func (m *Manager) checkExpiry(ctx context.Context) {
	m.mu.RLock()
	authenticated := m.state == StateAuthenticated
	var remaining time.Duration
	canRefresh := false
	now := m.now()
	if m.session != nil && !m.session.AccessTokenExpiresAt.IsZero() {
		remaining = m.session.AccessTokenExpiresAt.Sub(now)
		canRefresh = m.session.RefreshToken != "" &&
			now.Before(m.session.RefreshTokenExpiresAt)
	}
	inGrace := now.Sub(m.startedAt) < m.gracePeriod
	m.mu.RUnlock()

	if !authenticated {
		return
	}
	if remaining > 0 {
		// Strictly positive remaining time is never treated as expired.
		return
	}
	if inGrace {
		slog.Debug("Session expired during grace period, deferring")
		return
	}

	if canRefresh {
		slog.Info("Session expired, attempting refresh")
		if err := m.RefreshTokens(ctx); err == nil {
			return
		}
		// RefreshTokens already invalidated on failure.
		return
	}

	slog.Info("Session expired with no refresh path, logging out")
	m.invalidate("")
}

// adoptGrant installs a successful login/register/refresh result.
func (m *Manager) adoptGrant(grant *TokenGrant) {
	m.adopt(&Session{
		User:                  grant.User,
		AccessToken:           grant.AccessToken,
		RefreshToken:          grant.RefreshToken,
		AccessTokenExpiresAt:  grant.AccessTokenExpiresAt,
		RefreshTokenExpiresAt: grant.RefreshTokenExpiresAt,
	})
}

func (m *Manager) adopt(sess *Session) {
	m.mu.Lock()
	m.session = sess
	m.state = StateAuthenticated
	m.lastError = ""
	m.mu.Unlock()

	if err := m.store.Save(persistedForm(sess)); err != nil {
		slog.Warn("Failed to persist session", "error", err)
	}
}

// setUnauthenticated records a definitive unauthenticated state without
// notifying subscribers (used for failed logins and empty restores). The
// persisted cache is cleared as well so a restart cannot resurrect a session
// the manager has already abandoned.
func (m *Manager) setUnauthenticated(message string) {
	m.mu.Lock()
	m.session = nil
	m.state = StateUnauthenticated
	m.lastError = message
	m.mu.Unlock()

	m.clearStore()
}

// invalidate clears local and persisted state and notifies subscribers.
func (m *Manager) invalidate(message string) {
	m.mu.Lock()
	hadSession := m.session != nil
	m.session = nil
	m.state = StateUnauthenticated
	m.lastError = message
	subscribers := append([]func(){}, m.subscribers...)
	m.mu.Unlock()

	m.clearStore()

	if hadSession {
		for _, fn := range subscribers {
			fn()
		}
	}
}

func (m *Manager) clearStore() {
	if err := m.store.Clear(); err != nil {
		slog.Warn("Failed to clear persisted session", "error", err)
	}
}
