// Package session owns the gateway's belief about whether a browser is
// authenticated, as whom, and until when. The in-memory state held by the
// Manager is authoritative for a running gateway; the persisted copy in a
// Store is a cache which only matters across restarts.
package session

import (
	"context"
	"encoding/json"
	"time"
)

// State of the lifecycle manager.
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateAuthenticated
	StateUnauthenticated
)

// MarshalJSON renders the state by name, which is what the browser sees in
// the session status payload.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// User is the authenticated identity as reported by the account backend.
type User struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	FullName         string `json:"full_name"`
	Role             Role   `json:"role"`
	OrganizationID   string `json:"organization_id"`
	OrganizationName string `json:"organization_name"`
}

// Session holds the current credentials and their validity window.
// If the session exists, User and AccessToken are non-empty.
type Session struct {
	User                  *User
	AccessToken           string
	RefreshToken          string
	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt time.Time
}

// Status is a point-in-time summary of session validity.
type Status struct {
	State         State         `json:"state"`
	Valid         bool          `json:"valid"`
	TimeRemaining time.Duration `json:"-"`
	InGracePeriod bool          `json:"in_grace_period"`
	CanRefresh    bool          `json:"can_refresh"`
}

// MarshalJSON reports the remaining time in milliseconds; a raw
// time.Duration would serialize as nanoseconds.
func (s Status) MarshalJSON() ([]byte, error) {
	type alias Status
	return json.Marshal(struct {
		alias
		TimeRemaining int64 `json:"time_remaining_ms"`
	}{alias(s), s.TimeRemaining.Milliseconds()})
}

// Credentials for login.
type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Registration data for a new account.
type Registration struct {
	Email            string `json:"email" validate:"required,email"`
	Password         string `json:"password" validate:"required,min=8"`
	FullName         string `json:"full_name" validate:"required"`
	OrganizationName string `json:"organization_name"`
}

// TokenGrant is what the account backend returns on successful login,
// registration or refresh.
type TokenGrant struct {
	User                  *User
	AccessToken           string
	RefreshToken          string
	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt time.Time
}

// Validation is the backend's verdict on an access token.
type Validation struct {
	Valid  bool   `json:"valid"`
	UserID string `json:"user_id,omitempty"`
}

// Backend is the account backend consumed by the Manager. Implemented by
// authclient; injected so the lifecycle logic is testable without a network.
type Backend interface {
	Login(ctx context.Context, creds Credentials) (*TokenGrant, error)
	Register(ctx context.Context, reg Registration) (*TokenGrant, error)
	Logout(ctx context.Context, accessToken string) error
	Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error)
	Validate(ctx context.Context, accessToken string) (*Validation, error)
}
