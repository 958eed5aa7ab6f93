package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/docport/gateway/pkg/session"
)

// fakeBackend lets each test script the account backend.
type fakeBackend struct {
	loginFunc    func(session.Credentials) (*session.TokenGrant, error)
	registerFunc func(session.Registration) (*session.TokenGrant, error)
	logoutFunc   func(string) error
	refreshFunc  func(string) (*session.TokenGrant, error)
	validateFunc func(string) (*session.Validation, error)
}

func (f *fakeBackend) Login(ctx context.Context, creds session.Credentials) (*session.TokenGrant, error) {
	return f.loginFunc(creds)
}

func (f *fakeBackend) Register(ctx context.Context, reg session.Registration) (*session.TokenGrant, error) {
	return f.registerFunc(reg)
}

func (f *fakeBackend) Logout(ctx context.Context, token string) error {
	if f.logoutFunc == nil {
		return nil
	}
	return f.logoutFunc(token)
}

func (f *fakeBackend) Refresh(ctx context.Context, token string) (*session.TokenGrant, error) {
	return f.refreshFunc(token)
}

func (f *fakeBackend) Validate(ctx context.Context, token string) (*session.Validation, error) {
	return f.validateFunc(token)
}

func testUser() *session.User {
	return &session.User{
		ID:               "u-1",
		Email:            "ada@example.com",
		FullName:         "Ada Lovelace",
		Role:             session.RoleUser,
		OrganizationID:   "org-1",
		OrganizationName: "Example Corp",
	}
}

func grantExpiring(at time.Time) *session.TokenGrant {
	return &session.TokenGrant{
		User:                  testUser(),
		AccessToken:           "abc",
		RefreshToken:          "xyz",
		AccessTokenExpiresAt:  at,
		RefreshTokenExpiresAt: at.Add(24 * time.Hour),
	}
}

func TestLoginSuccess(t *testing.T) {
	expiry, _ := time.Parse(time.RFC3339, "2030-01-01T00:00:00Z")
	backend := &fakeBackend{
		loginFunc: func(creds session.Credentials) (*session.TokenGrant, error) {
			return grantExpiring(expiry), nil
		},
	}
	store := session.NewMemoryStore()
	m := session.NewManager(backend, store)

	if err := m.Login(context.Background(), session.Credentials{Email: "ada@example.com", Password: "pw"}); err != nil {
		t.Fatalf("unexpected login error: %v", err)
	}

	if m.State() != session.StateAuthenticated {
		t.Fatalf("expected authenticated, got %s", m.State())
	}
	if m.IsSessionExpired() {
		t.Fatal("session should not be expired")
	}
	if m.TimeUntilExpiry() <= 0 {
		t.Fatalf("expected positive time until expiry, got %v", m.TimeUntilExpiry())
	}
	if m.LastError() != "" {
		t.Fatalf("expected no error, got %q", m.LastError())
	}

	persisted, err := store.Load()
	if err != nil {
		t.Fatalf("expected persisted session: %v", err)
	}
	if persisted.AccessToken != "abc" || persisted.User == nil {
		t.Fatalf("persisted session incomplete: %+v", persisted)
	}
	if persisted.AccessTokenExpiresAt != "2030-01-01T00:00:00Z" {
		t.Fatalf("unexpected persisted expiry: %s", persisted.AccessTokenExpiresAt)
	}
}

func TestLoginFailureLeavesNoPartialState(t *testing.T) {
	backend := &fakeBackend{
		loginFunc: func(creds session.Credentials) (*session.TokenGrant, error) {
			return nil, &session.APIError{StatusCode: 401, StatusText: "Unauthorized"}
		},
	}
	store := session.NewMemoryStore()
	m := session.NewManager(backend, store)

	if err := m.Login(context.Background(), session.Credentials{Email: "ada@example.com", Password: "bad"}); err == nil {
		t.Fatal("expected login error")
	}

	if m.State() != session.StateUnauthenticated {
		t.Fatalf("expected unauthenticated, got %s", m.State())
	}
	if m.CurrentUser() != nil {
		t.Fatal("expected no user after failed login")
	}
	if m.AccessToken() != "" {
		t.Fatal("expected no access token after failed login")
	}
	if m.LastError() != "Invalid email or password" {
		t.Fatalf("unexpected error message: %q", m.LastError())
	}
}

func TestLoginFailureClearsPersistedSession(t *testing.T) {
	fail := false
	backend := &fakeBackend{
		loginFunc: func(creds session.Credentials) (*session.TokenGrant, error) {
			if fail {
				return nil, &session.APIError{StatusCode: 401, StatusText: "Unauthorized"}
			}
			return grantExpiring(time.Now().Add(time.Hour)), nil
		},
	}
	store := session.NewMemoryStore()
	m := session.NewManager(backend, store)

	if err := m.Login(context.Background(), session.Credentials{Email: "ada@example.com", Password: "pw"}); err != nil {
		t.Fatal(err)
	}

	fail = true
	if err := m.Login(context.Background(), session.Credentials{Email: "ada@example.com", Password: "bad"}); err == nil {
		t.Fatal("expected login error")
	}

	if _, err := store.Load(); !errors.Is(err, session.ErrNoSession) {
		t.Fatalf("failed login must clear the persisted session, got %v", err)
	}

	// A restart over the same store must not resurrect the old session.
	restarted := session.NewManager(backend, store)
	restarted.Restore(context.Background())
	if restarted.State() != session.StateUnauthenticated {
		t.Fatalf("restart resurrected an abandoned session, state %s", restarted.State())
	}
	if restarted.AccessToken() != "" {
		t.Fatalf("restart resurrected token %q", restarted.AccessToken())
	}
}

func TestLogoutIdempotent(t *testing.T) {
	backend := &fakeBackend{}
	store := session.NewMemoryStore()
	m := session.NewManager(backend, store)

	// Already unauthenticated: must not panic, must still clear storage.
	m.Logout(context.Background())
	m.Logout(context.Background())

	if m.State() != session.StateUnauthenticated {
		t.Fatalf("expected unauthenticated, got %s", m.State())
	}
	if _, err := store.Load(); !errors.Is(err, session.ErrNoSession) {
		t.Fatalf("expected cleared store, got %v", err)
	}
}

func TestLogoutSurvivesBackendFailure(t *testing.T) {
	backendCalled := false
	backend := &fakeBackend{
		loginFunc: func(session.Credentials) (*session.TokenGrant, error) {
			return grantExpiring(time.Now().Add(time.Hour)), nil
		},
		logoutFunc: func(string) error {
			backendCalled = true
			return errors.New("backend unreachable")
		},
	}
	store := session.NewMemoryStore()
	m := session.NewManager(backend, store)

	if err := m.Login(context.Background(), session.Credentials{Email: "a@b.c", Password: "pw"}); err != nil {
		t.Fatal(err)
	}
	m.Logout(context.Background())

	if !backendCalled {
		t.Fatal("expected best-effort backend logout call")
	}
	if m.State() != session.StateUnauthenticated {
		t.Fatal("logout must complete locally despite backend failure")
	}
	if _, err := store.Load(); !errors.Is(err, session.ErrNoSession) {
		t.Fatalf("expected cleared store, got %v", err)
	}
}

func TestRefreshFailureForcesFullLogout(t *testing.T) {
	backend := &fakeBackend{
		loginFunc: func(session.Credentials) (*session.TokenGrant, error) {
			return grantExpiring(time.Now().Add(time.Minute)), nil
		},
		refreshFunc: func(string) (*session.TokenGrant, error) {
			return nil, &session.APIError{StatusCode: 401, StatusText: "Unauthorized"}
		},
	}
	store := session.NewMemoryStore()
	m := session.NewManager(backend, store)

	invalidated := false
	m.Subscribe(func() { invalidated = true })

	if err := m.Login(context.Background(), session.Credentials{Email: "a@b.c", Password: "pw"}); err != nil {
		t.Fatal(err)
	}
	if err := m.RefreshTokens(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}

	if m.State() != session.StateUnauthenticated {
		t.Fatal("refresh failure must force logout")
	}
	if m.AccessToken() != "" || m.CurrentUser() != nil {
		t.Fatal("session must not be left half-valid")
	}
	if !invalidated {
		t.Fatal("expected invalidation subscribers to run")
	}
	if _, err := store.Load(); !errors.Is(err, session.ErrNoSession) {
		t.Fatalf("expected cleared store, got %v", err)
	}
}

func TestRefreshPreservesIdentity(t *testing.T) {
	backend := &fakeBackend{
		loginFunc: func(session.Credentials) (*session.TokenGrant, error) {
			return grantExpiring(time.Now().Add(time.Minute)), nil
		},
		refreshFunc: func(refreshToken string) (*session.TokenGrant, error) {
			if refreshToken != "xyz" {
				return nil, errors.New("wrong refresh token")
			}
			// Refresh responses omit the user record.
			return &session.TokenGrant{
				AccessToken:           "abc2",
				RefreshToken:          "xyz2",
				AccessTokenExpiresAt:  time.Now().Add(time.Hour),
				RefreshTokenExpiresAt: time.Now().Add(48 * time.Hour),
			}, nil
		},
	}
	m := session.NewManager(backend, session.NewMemoryStore())

	if err := m.Login(context.Background(), session.Credentials{Email: "a@b.c", Password: "pw"}); err != nil {
		t.Fatal(err)
	}
	if err := m.RefreshTokens(context.Background()); err != nil {
		t.Fatal(err)
	}

	if m.AccessToken() != "abc2" {
		t.Fatalf("expected rotated access token, got %q", m.AccessToken())
	}
	user := m.CurrentUser()
	if user == nil || user.Email != "ada@example.com" {
		t.Fatalf("identity must be preserved across refresh, got %+v", user)
	}
}

func TestExpiryMonotonicity(t *testing.T) {
	expiry := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	now := expiry.Add(-time.Hour)
	backend := &fakeBackend{
		loginFunc: func(session.Credentials) (*session.TokenGrant, error) {
			return grantExpiring(expiry), nil
		},
	}
	m := session.NewManager(backend, session.NewMemoryStore(),
		session.WithClock(func() time.Time { return now }))

	if err := m.Login(context.Background(), session.Credentials{Email: "a@b.c", Password: "pw"}); err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		name    string
		now     time.Time
		expired bool
	}{
		{"one hour before", expiry.Add(-time.Hour), false},
		{"one millisecond before", expiry.Add(-time.Millisecond), false},
		{"exactly at expiry", expiry, true},
		{"after expiry", expiry.Add(time.Second), true},
	} {
		now = tc.now
		if got := m.IsSessionExpired(); got != tc.expired {
			t.Errorf("%s: IsSessionExpired() = %v, want %v", tc.name, got, tc.expired)
		}
		remaining := m.TimeUntilExpiry()
		if tc.expired && remaining > 0 {
			t.Errorf("%s: expired but remaining %v > 0", tc.name, remaining)
		}
		if !tc.expired && remaining <= 0 {
			t.Errorf("%s: valid but remaining %v <= 0", tc.name, remaining)
		}
	}
}

func TestExpiredWithNoExpiryRecorded(t *testing.T) {
	m := session.NewManager(&fakeBackend{}, session.NewMemoryStore())
	if !m.IsSessionExpired() {
		t.Fatal("no recorded expiry must report expired")
	}
}

func TestWatchLogsOutExpiredSession(t *testing.T) {
	expiry := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	backend := &fakeBackend{
		loginFunc: func(session.Credentials) (*session.TokenGrant, error) {
			return &session.TokenGrant{
				User:                 testUser(),
				AccessToken:          "abc",
				AccessTokenExpiresAt: expiry,
				// No refresh token: no refresh path.
			}, nil
		},
	}
	m := session.NewManager(backend, session.NewMemoryStore(),
		session.WithCheckInterval(10*time.Millisecond),
		session.WithGracePeriod(0))

	if err := m.Login(context.Background(), session.Credentials{Email: "a@b.c", Password: "pw"}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Watch(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == session.StateUnauthenticated {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("watcher did not log out the expired session")
}

func TestWatchNeverLogsOutValidSession(t *testing.T) {
	backend := &fakeBackend{
		loginFunc: func(session.Credentials) (*session.TokenGrant, error) {
			return grantExpiring(time.Now().Add(time.Hour)), nil
		},
	}
	m := session.NewManager(backend, session.NewMemoryStore(),
		session.WithCheckInterval(10*time.Millisecond),
		session.WithGracePeriod(0))

	if err := m.Login(context.Background(), session.Credentials{Email: "a@b.c", Password: "pw"}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Watch(ctx)

	time.Sleep(100 * time.Millisecond)
	if m.State() != session.StateAuthenticated {
		t.Fatal("watcher must not log out a session with positive time remaining")
	}
}

func TestWatchDefersDuringGracePeriod(t *testing.T) {
	backend := &fakeBackend{
		loginFunc: func(session.Credentials) (*session.TokenGrant, error) {
			return &session.TokenGrant{
				User:                 testUser(),
				AccessToken:          "abc",
				AccessTokenExpiresAt: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
			}, nil
		},
	}
	m := session.NewManager(backend, session.NewMemoryStore(),
		session.WithCheckInterval(10*time.Millisecond),
		session.WithGracePeriod(time.Hour))

	if err := m.Login(context.Background(), session.Credentials{Email: "a@b.c", Password: "pw"}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Watch(ctx)

	time.Sleep(100 * time.Millisecond)
	if m.State() != session.StateAuthenticated {
		t.Fatal("grace period must suppress session clearing")
	}
}

func TestNotifyUnauthorized(t *testing.T) {
	backend := &fakeBackend{
		loginFunc: func(session.Credentials) (*session.TokenGrant, error) {
			return grantExpiring(time.Now().Add(time.Hour)), nil
		},
	}
	store := session.NewMemoryStore()
	m := session.NewManager(backend, store)

	notified := 0
	m.Subscribe(func() { notified++ })

	if err := m.Login(context.Background(), session.Credentials{Email: "a@b.c", Password: "pw"}); err != nil {
		t.Fatal(err)
	}

	m.NotifyUnauthorized()
	if m.State() != session.StateUnauthenticated {
		t.Fatal("unauthorized signal must invalidate the session")
	}
	if notified != 1 {
		t.Fatalf("expected 1 notification, got %d", notified)
	}

	// Signal while already unauthenticated is a no-op.
	m.NotifyUnauthorized()
	if notified != 1 {
		t.Fatalf("expected no second notification, got %d", notified)
	}
}

func TestRestoreValidSession(t *testing.T) {
	store := session.NewMemoryStore()
	store.Save(&session.PersistedSession{
		AccessToken:           "abc",
		RefreshToken:          "xyz",
		AccessTokenExpiresAt:  "2030-01-01T00:00:00Z",
		RefreshTokenExpiresAt: "2030-02-01T00:00:00Z",
		User:                  testUser(),
	})

	m := session.NewManager(&fakeBackend{}, store,
		session.WithClock(func() time.Time {
			return time.Date(2029, 12, 1, 0, 0, 0, 0, time.UTC)
		}))
	m.Restore(context.Background())

	if m.State() != session.StateAuthenticated {
		t.Fatalf("expected restored session, got %s", m.State())
	}
	if m.AccessToken() != "abc" {
		t.Fatalf("unexpected token after restore: %q", m.AccessToken())
	}
}

func TestRestoreExpiredSessionRefreshes(t *testing.T) {
	store := session.NewMemoryStore()
	store.Save(&session.PersistedSession{
		AccessToken:           "old",
		RefreshToken:          "xyz",
		AccessTokenExpiresAt:  "2020-01-01T00:00:00Z",
		RefreshTokenExpiresAt: "2030-01-01T00:00:00Z",
		User:                  testUser(),
	})

	refreshed := false
	backend := &fakeBackend{
		refreshFunc: func(refreshToken string) (*session.TokenGrant, error) {
			refreshed = true
			if refreshToken != "xyz" {
				return nil, errors.New("wrong refresh token")
			}
			return grantExpiring(time.Now().Add(time.Hour)), nil
		},
	}

	m := session.NewManager(backend, store)
	m.Restore(context.Background())

	if !refreshed {
		t.Fatal("expected restore to attempt a refresh")
	}
	if m.State() != session.StateAuthenticated {
		t.Fatalf("expected authenticated after refresh, got %s", m.State())
	}
}

func TestRestoreUnrefreshableSessionClears(t *testing.T) {
	store := session.NewMemoryStore()
	store.Save(&session.PersistedSession{
		AccessToken:           "old",
		RefreshToken:          "xyz",
		AccessTokenExpiresAt:  "2020-01-01T00:00:00Z",
		RefreshTokenExpiresAt: "2020-02-01T00:00:00Z",
		User:                  testUser(),
	})

	m := session.NewManager(&fakeBackend{}, store)
	m.Restore(context.Background())

	if m.State() != session.StateUnauthenticated {
		t.Fatalf("expected unauthenticated, got %s", m.State())
	}
	if _, err := store.Load(); !errors.Is(err, session.ErrNoSession) {
		t.Fatalf("expected cleared store, got %v", err)
	}
}

func TestRestoreEmptyStore(t *testing.T) {
	m := session.NewManager(&fakeBackend{}, session.NewMemoryStore())
	m.Restore(context.Background())
	if m.State() != session.StateUnauthenticated {
		t.Fatalf("expected unauthenticated, got %s", m.State())
	}
}

func TestStatusJSONShape(t *testing.T) {
	status := session.Status{
		State:         session.StateAuthenticated,
		Valid:         true,
		TimeRemaining: 1500 * time.Millisecond,
		CanRefresh:    true,
	}

	data, err := json.Marshal(status)
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["state"] != "authenticated" {
		t.Errorf("state = %v, want the state name", decoded["state"])
	}
	if decoded["time_remaining_ms"] != float64(1500) {
		t.Errorf("time_remaining_ms = %v, want 1500", decoded["time_remaining_ms"])
	}
}

func TestValidateTokenDoesNotMutate(t *testing.T) {
	backend := &fakeBackend{
		loginFunc: func(session.Credentials) (*session.TokenGrant, error) {
			return grantExpiring(time.Now().Add(time.Hour)), nil
		},
		validateFunc: func(token string) (*session.Validation, error) {
			return &session.Validation{Valid: false}, nil
		},
	}
	m := session.NewManager(backend, session.NewMemoryStore())

	if err := m.Login(context.Background(), session.Credentials{Email: "a@b.c", Password: "pw"}); err != nil {
		t.Fatal(err)
	}

	result, err := m.ValidateToken(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Valid {
		t.Fatal("expected invalid verdict from backend")
	}
	if m.State() != session.StateAuthenticated {
		t.Fatal("ValidateToken must not mutate state")
	}
}
