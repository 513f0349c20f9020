// Package tokenstore persists authentication state — access/refresh
// tokens and marked "authy" response values — one document per
// manifest identity, under .credentials/<id>.json.
package tokenstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/precog-cx/connector-harness/internal/engerr"
)

const credentialsDir = ".credentials"

// expirySafetyMargin is subtracted from a token's advertised TTL at
// write time, per §4.2.
const expirySafetyMargin = 60 * time.Second

// AuthState is the persisted authentication document for one manifest
// identity.
type AuthState struct {
	AccessToken  string         `json:"accessToken,omitempty"`
	RefreshToken string         `json:"refreshToken,omitempty"`
	ExpiresAt    *time.Time     `json:"expiresAt,omitempty"`
	AuthyValues  map[string]any `json:"authyValues"`
}

func empty() AuthState {
	return AuthState{AuthyValues: map[string]any{}}
}

// Store reads and writes the AuthState document for a single manifest
// id. Access is serialized by the caller (the executor never issues
// concurrent requests), so Store does no internal locking beyond what
// is needed for atomic file replacement.
type Store struct {
	dir string
	id  string
}

// New returns a Store rooted at baseDir (".credentials" when baseDir
// is empty) for the given manifest id.
func New(baseDir, manifestID string) *Store {
	if baseDir == "" {
		baseDir = credentialsDir
	}
	return &Store{dir: baseDir, id: manifestID}
}

func (s *Store) path() string {
	return filepath.Join(s.dir, s.id+".json")
}

// Load reads the persisted state, tolerating absence by returning an
// empty AuthState.
func (s *Store) Load() (AuthState, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return empty(), nil
		}
		return AuthState{}, engerr.NewIOError("load auth state", err)
	}
	var st AuthState
	if err := json.Unmarshal(data, &st); err != nil {
		return AuthState{}, engerr.NewIOError("parse auth state", err)
	}
	if st.AuthyValues == nil {
		st.AuthyValues = map[string]any{}
	}
	return st, nil
}

// Save writes st as the new persisted document, atomically (temp file
// in the same directory, then rename into place).
func (s *Store) Save(st AuthState) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return engerr.NewIOError("create credentials dir", err)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return engerr.NewIOError("marshal auth state", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+s.id+"-*")
	if err != nil {
		return engerr.NewIOError("create temp credentials file", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return engerr.NewIOError("write temp credentials file", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return engerr.NewIOError("close temp credentials file", err)
	}
	if err := os.Rename(tmpName, s.path()); err != nil {
		_ = os.Remove(tmpName)
		return engerr.NewIOError("rename temp credentials file", err)
	}
	return nil
}

// Clear removes the persisted document entirely.
func (s *Store) Clear() error {
	err := os.Remove(s.path())
	if err != nil && !os.IsNotExist(err) {
		return engerr.NewIOError("clear auth state", err)
	}
	return nil
}

// SaveAuthyValue performs a read-modify-write to set a single authy
// value without disturbing any other field.
func (s *Store) SaveAuthyValue(name string, value any) error {
	st, err := s.Load()
	if err != nil {
		return err
	}
	if st.AuthyValues == nil {
		st.AuthyValues = map[string]any{}
	}
	st.AuthyValues[name] = value
	return s.Save(st)
}

// GetAuthyValue reads a single authy value, if present.
func (s *Store) GetAuthyValue(name string) (any, bool, error) {
	st, err := s.Load()
	if err != nil {
		return nil, false, err
	}
	v, ok := st.AuthyValues[name]
	return v, ok, nil
}

// UpdateAccessToken sets the access token and, when ttlSeconds is
// supplied, computes expiresAt = now + (ttl-60)*1000, preserving
// every other field via read-modify-write.
func (s *Store) UpdateAccessToken(token string, ttlSeconds *int) error {
	st, err := s.Load()
	if err != nil {
		return err
	}
	st.AccessToken = token
	if ttlSeconds != nil {
		exp := time.Now().Add(time.Duration(*ttlSeconds)*time.Second - expirySafetyMargin)
		st.ExpiresAt = &exp
	}
	return s.Save(st)
}

// UpdateRefreshToken sets the refresh token via read-modify-write.
func (s *Store) UpdateRefreshToken(token string) error {
	st, err := s.Load()
	if err != nil {
		return err
	}
	st.RefreshToken = token
	return s.Save(st)
}

// IsTokenExpired is true when no access token is present, or when
// ExpiresAt is set and now is at or past it.
func (s *Store) IsTokenExpired() (bool, error) {
	st, err := s.Load()
	if err != nil {
		return false, err
	}
	return isExpired(st), nil
}

func isExpired(st AuthState) bool {
	if st.AccessToken == "" {
		return true
	}
	if st.ExpiresAt == nil {
		return false
	}
	return !time.Now().Before(*st.ExpiresAt)
}

// HasRefreshToken reports whether a refresh token is currently stored.
func (s *Store) HasRefreshToken() (bool, error) {
	st, err := s.Load()
	if err != nil {
		return false, err
	}
	return st.RefreshToken != "", nil
}

