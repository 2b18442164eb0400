package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// ErrNoToken is returned when no access token has been stored yet.
var ErrNoToken = errors.New("no access token stored")

// Store provides and persists the current access token.
type Store interface {
	Token(ctx context.Context) (string, error)
	SetToken(ctx context.Context, token string) error
}

// fileDoc is the on-disk layout.
type fileDoc struct {
	Auth fileAuth `toml:"auth"`
}

type fileAuth struct {
	Token     string    `toml:"token"`
	UpdatedAt time.Time `toml:"updated_at"`
}

// FileStore keeps the token in a TOML file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store backed by path. The file is created on first SetToken.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file.
func (s *FileStore) Path() string {
	return s.path
}

// Token reads the stored token.
func (s *FileStore) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoToken
		}
		return "", fmt.Errorf("read credentials: %w", err)
	}

	var doc fileDoc
	if err := toml.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("parse credentials: %w", err)
	}
	if doc.Auth.Token == "" {
		return "", ErrNoToken
	}
	return doc.Auth.Token, nil
}

// SetToken replaces the stored token. The file is swapped in atomically.
func (s *FileStore) SetToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := toml.Marshal(fileDoc{Auth: fileAuth{Token: token, UpdatedAt: time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("create temp credentials: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close credentials: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace credentials: %w", err)
	}
	return nil
}

// MemoryStore keeps the token in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	token string
}

// NewMemoryStore returns a store seeded with token (may be empty).
func NewMemoryStore(token string) *MemoryStore {
	return &MemoryStore{token: token}
}

// Token returns the stored token.
func (s *MemoryStore) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return "", ErrNoToken
	}
	return s.token, nil
}

// SetToken replaces the stored token.
func (s *MemoryStore) SetToken(ctx context.Context, token string) error {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}
