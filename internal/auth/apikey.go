package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/vyrodovalexey/avamesh/internal/config"
	"github.com/vyrodovalexey/avamesh/internal/observability"
	"github.com/vyrodovalexey/avamesh/internal/util"
)

// APIKey is a stored key. Only the bcrypt hash of the secret is held.
type APIKey struct {
	ID     string
	Hash   string
	Roles  []string
	Scopes []string
}

// KeyStore validates presented API keys against bcrypt hashes. Successful
// verifications are remembered by digest so repeat callers skip bcrypt.
type KeyStore struct {
	logger observability.Logger

	mu       sync.RWMutex
	keys     []APIKey
	verified map[string]int
}

// NewKeyStore builds a store from configured keys.
func NewKeyStore(keys []config.APIKeyConfig, logger observability.Logger) *KeyStore {
	if logger == nil {
		logger = observability.NopLogger()
	}
	s := &KeyStore{logger: logger, verified: make(map[string]int)}
	converted := make([]APIKey, 0, len(keys))
	for _, k := range keys {
		converted = append(converted, APIKey{ID: k.ID, Hash: k.Hash, Roles: k.Roles, Scopes: k.Scopes})
	}
	s.Replace(converted)
	return s
}

// Replace swaps the whole key set and forgets remembered verifications.
func (s *KeyStore) Replace(keys []APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append([]APIKey(nil), keys...)
	s.verified = make(map[string]int)
}

// Add appends keys, replacing any with the same ID.
func (s *KeyStore) Add(keys ...APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		replaced := false
		for i := range s.keys {
			if s.keys[i].ID == k.ID {
				s.keys[i] = k
				replaced = true
				break
			}
		}
		if !replaced {
			s.keys = append(s.keys, k)
		}
	}
	s.verified = make(map[string]int)
}

// Len returns the number of stored keys.
func (s *KeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Validate returns the principal owning presented.
func (s *KeyStore) Validate(_ context.Context, presented string) (*Principal, error) {
	if presented == "" {
		return nil, util.NewAuthenticationError("empty API key")
	}

	sum := sha256.Sum256([]byte(presented))
	digest := hex.EncodeToString(sum[:])

	s.mu.RLock()
	if idx, ok := s.verified[digest]; ok && idx < len(s.keys) {
		p := s.keys[idx].principal()
		s.mu.RUnlock()
		return p, nil
	}
	keys := s.keys
	s.mu.RUnlock()

	for i, k := range keys {
		if bcrypt.CompareHashAndPassword([]byte(k.Hash), []byte(presented)) != nil {
			continue
		}
		s.mu.Lock()
		// Replace may have swapped the set while bcrypt ran.
		if i < len(s.keys) && s.keys[i].ID == k.ID {
			s.verified[digest] = i
		}
		s.mu.Unlock()
		s.logger.Debug("API key validated", observability.String("key_id", k.ID))
		return k.principal(), nil
	}

	return nil, util.NewAuthenticationError("invalid API key")
}

func (k APIKey) principal() *Principal {
	return &Principal{
		Subject: k.ID,
		Method:  MethodAPIKey,
		Roles:   append([]string(nil), k.Roles...),
		Scopes:  append([]string(nil), k.Scopes...),
	}
}

// HashKey returns the bcrypt hash of secret for use in configuration.
func HashKey(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
