package store

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore persists one JSON document per conversation under dir.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// path hashes the id since channel conversation ids may contain path separators.
func (f *FileStore) path(conversationID string) string {
	sum := sha1.Sum([]byte(conversationID))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:])+".json")
}

func (f *FileStore) Load(_ context.Context, conversationID string) (*Session, error) {
	if conversationID == "" {
		return nil, ErrInvalidKey
	}
	b, err := os.ReadFile(f.path(conversationID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewSession(conversationID), nil
		}
		return nil, err
	}
	return decode(conversationID, b)
}

func (f *FileStore) Save(_ context.Context, s *Session) error {
	if s == nil || s.ConversationID == "" {
		return ErrInvalidKey
	}
	touch(s)
	b, err := encode(s)
	if err != nil {
		return err
	}
	p := f.path(s.ConversationID)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

// Clear removes a conversation's session file.
func (f *FileStore) Clear(conversationID string) error {
	if err := os.Remove(f.path(conversationID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (f *FileStore) Close() error { return nil }
