package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix starts every generated worker key.
const KeyPrefix = "mg_"

// ErrUnknownKey is returned when a key hash matches no worker.
var ErrUnknownKey = errors.New("unknown api key")

// Worker is an authenticated out-of-process caller of the gateway.
type Worker struct {
	Name      string
	RateLimit int
}

// APIKey holds the hashed key and a short prefix for identification.
type APIKey struct {
	Hash   string
	Prefix string // first 10 characters of the plaintext key
}

// WorkerLookup retrieves workers by their key hash.
type WorkerLookup interface {
	GetByKeyHash(ctx context.Context, hash string) (*Worker, error)
}

// Observer is an optional interface for counting authentication attempts.
type Observer interface {
	IncAuthFailure(authType string)
	IncAuthSuccess(authType string)
}

// KeyEntry is one configured worker key.
type KeyEntry struct {
	Name      string
	KeyHash   string
	RateLimit int
}

// KeyRing is a WorkerLookup over a fixed set of configured keys.
type KeyRing struct {
	byHash map[string]*Worker
}

// NewKeyRing indexes entries by hash. Later duplicates win.
func NewKeyRing(entries []KeyEntry) *KeyRing {
	kr := &KeyRing{byHash: make(map[string]*Worker, len(entries))}
	for _, e := range entries {
		kr.byHash[e.KeyHash] = &Worker{Name: e.Name, RateLimit: e.RateLimit}
	}
	return kr
}

func (kr *KeyRing) GetByKeyHash(_ context.Context, hash string) (*Worker, error) {
	w, ok := kr.byHash[hash]
	if !ok {
		return nil, ErrUnknownKey
	}
	return w, nil
}

// Len returns the number of configured keys.
func (kr *KeyRing) Len() int {
	return len(kr.byHash)
}

// Service provides authentication operations backed by a worker lookup.
type Service struct {
	store   WorkerLookup
	metrics Observer
}

// NewService creates a new authentication service.
func NewService(store WorkerLookup) *Service {
	return &Service{store: store}
}

// SetMetrics sets the optional metrics observer.
func (s *Service) SetMetrics(m Observer) {
	s.metrics = m
}

// Authenticate resolves a plaintext worker key.
func (s *Service) Authenticate(ctx context.Context, plaintext string) (*Worker, error) {
	w, err := s.store.GetByKeyHash(ctx, HashKey(plaintext))
	if err == nil && w == nil {
		err = ErrUnknownKey
	}
	s.observe("worker", err == nil)
	return w, err
}

func (s *Service) observe(authType string, ok bool) {
	if s == nil || s.metrics == nil {
		return
	}
	if ok {
		s.metrics.IncAuthSuccess(authType)
	} else {
		s.metrics.IncAuthFailure(authType)
	}
}

// GenerateAPIKey creates a new worker key with the "mg_" prefix followed by
// 32 URL-safe random characters. It returns the APIKey (hash and prefix)
// and the full plaintext key.
func GenerateAPIKey() (APIKey, string, error) {
	b := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(b); err != nil {
		return APIKey{}, "", fmt.Errorf("generating random bytes: %w", err)
	}

	plaintext := KeyPrefix + base64.RawURLEncoding.EncodeToString(b)

	return APIKey{
		Hash:   HashKey(plaintext),
		Prefix: plaintext[:10],
	}, plaintext, nil
}

// HashKey returns the hex-encoded SHA-256 hash of the given plaintext key.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

// HashAdminKey returns the bcrypt hash stored in auth.admin_key_hash.
func HashAdminKey(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing admin key: %w", err)
	}
	return string(hash), nil
}

// VerifyAdminKey reports whether plaintext matches the bcrypt hash.
func VerifyAdminKey(hash, plaintext string) bool {
	if hash == "" || plaintext == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
