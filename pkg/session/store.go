package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNoSession is returned by Store.Load when nothing is persisted.
var ErrNoSession = errors.New("no persisted session")

// PersistedSession is the storage shape of a session. Expiries are RFC 3339
// strings so the cache stays readable and diffable.
type PersistedSession struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	AccessTokenExpiresAt  string `json:"access_token_expires_at"`
	RefreshTokenExpiresAt string `json:"refresh_token_expires_at"`
	User                  *User  `json:"user"`
}

// Session parses the persisted form back into a live session.
func (p *PersistedSession) Session() (*Session, error) {
	if p.AccessToken == "" || p.User == nil {
		return nil, fmt.Errorf("persisted session incomplete")
	}
	accessExpiry, err := time.Parse(time.RFC3339, p.AccessTokenExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("parse access token expiry: %w", err)
	}
	refreshExpiry, err := time.Parse(time.RFC3339, p.RefreshTokenExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("parse refresh token expiry: %w", err)
	}
	return &Session{
		User:                  p.User,
		AccessToken:           p.AccessToken,
		RefreshToken:          p.RefreshToken,
		AccessTokenExpiresAt:  accessExpiry,
		RefreshTokenExpiresAt: refreshExpiry,
	}, nil
}

func persistedForm(s *Session) *PersistedSession {
	return &PersistedSession{
		AccessToken:           s.AccessToken,
		RefreshToken:          s.RefreshToken,
		AccessTokenExpiresAt:  s.AccessTokenExpiresAt.Format(time.RFC3339),
		RefreshTokenExpiresAt: s.RefreshTokenExpiresAt.Format(time.RFC3339),
		User:                  s.User,
	}
}

// Store is the persisted session cache. Save replaces the whole record and
// Clear removes it; both are single calls so tokens and user never get out
// of sync with each other. Clear on an empty store is a no-op.
type Store interface {
	Load() (*PersistedSession, error)
	Save(*PersistedSession) error
	Clear() error
}

// MemoryStore keeps the session in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	current *PersistedSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() (*PersistedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, ErrNoSession
	}
	copied := *s.current
	return &copied, nil
}

func (s *MemoryStore) Save(p *PersistedSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *p
	s.current = &copied
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
	return nil
}

// FileStore keeps the session in a single JSON file with owner-only
// permissions. Writes go through a temp file and rename so a crash never
// leaves a half-written cache.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load() (*PersistedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}

	var p PersistedSession
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal session file: %w", err)
	}
	return &p, nil
}

func (s *FileStore) Save(p *PersistedSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp session file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp session file: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}
