// Package memory provides an in-memory credential store. Blobs are sealed
// with the same AES-GCM cipher the durable store would use, so tests exercise
// the full encrypt/decrypt path.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/adsheet/crawlerd/internal/crawljob"
	"github.com/adsheet/crawlerd/internal/credentials"
)

// ErrNotFound is returned when no credentials exist for a (user, platform).
var ErrNotFound = errors.New("credentials not found")

// Store keeps encrypted credential blobs in memory.
type Store struct {
	cipher *credentials.Cipher

	mu    sync.RWMutex
	blobs map[string]string
}

// NewStore creates a Store sealing blobs with the given cipher.
func NewStore(cipher *credentials.Cipher) (*Store, error) {
	if cipher == nil {
		return nil, fmt.Errorf("cipher is required")
	}
	return &Store{cipher: cipher, blobs: make(map[string]string)}, nil
}

func key(userID string, platform crawljob.Platform) string {
	return userID + "|" + string(platform)
}

// Get decrypts and returns the stored credentials.
func (s *Store) Get(_ context.Context, userID string, platform crawljob.Platform) (crawljob.Credentials, error) {
	s.mu.RLock()
	blob, ok := s.blobs[key(userID, platform)]
	s.mu.RUnlock()
	if !ok {
		return crawljob.Credentials{}, fmt.Errorf("user %s on %s: %w", userID, platform, ErrNotFound)
	}

	plaintext, err := s.cipher.Open(blob)
	if err != nil {
		return crawljob.Credentials{}, err
	}
	var creds crawljob.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return crawljob.Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}

// Put seals and stores the credentials, replacing any prior set.
func (s *Store) Put(_ context.Context, userID string, platform crawljob.Platform, creds crawljob.Credentials) error {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	blob, err := s.cipher.Seal(plaintext)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.blobs[key(userID, platform)] = blob
	s.mu.Unlock()
	return nil
}
