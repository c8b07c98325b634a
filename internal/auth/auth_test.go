package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

type countingObserver struct {
	mu        sync.Mutex
	failures  map[string]int
	successes map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{failures: map[string]int{}, successes: map[string]int{}}
}

func (c *countingObserver) IncAuthFailure(authType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[authType]++
}

func (c *countingObserver) IncAuthSuccess(authType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successes[authType]++
}

// --- GenerateAPIKey tests ---

func TestGenerateAPIKey_PrefixAndLength(t *testing.T) {
	key, plaintext, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey() error: %v", err)
	}

	if !strings.HasPrefix(plaintext, KeyPrefix) {
		t.Errorf("plaintext key should start with %q, got %q", KeyPrefix, plaintext)
	}

	// "mg_" (3) + 32 random chars = 35
	if len(plaintext) != 35 {
		t.Errorf("expected plaintext length 35, got %d", len(plaintext))
	}

	if key.Prefix != plaintext[:10] {
		t.Errorf("expected prefix %q, got %q", plaintext[:10], key.Prefix)
	}

	if key.Hash != HashKey(plaintext) {
		t.Error("expected hash of the plaintext")
	}
}

func TestGenerateAPIKey_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		_, plaintext, err := GenerateAPIKey()
		if err != nil {
			t.Fatalf("GenerateAPIKey() error: %v", err)
		}
		if seen[plaintext] {
			t.Fatalf("duplicate key generated: %s", plaintext)
		}
		seen[plaintext] = true
	}
}

func TestHashKey(t *testing.T) {
	a := HashKey("mg_abc")
	if a != HashKey("mg_abc") {
		t.Error("HashKey should be deterministic")
	}
	if a == HashKey("mg_abd") {
		t.Error("different inputs should hash differently")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestAdminKeyHash(t *testing.T) {
	hash, err := HashAdminKey("s3cret")
	if err != nil {
		t.Fatalf("HashAdminKey: %v", err)
	}
	if !VerifyAdminKey(hash, "s3cret") {
		t.Error("expected matching key to verify")
	}
	if VerifyAdminKey(hash, "wrong") {
		t.Error("expected wrong key to fail")
	}
	if VerifyAdminKey("", "s3cret") || VerifyAdminKey(hash, "") {
		t.Error("empty hash or key must never verify")
	}
}

func TestKeyRing(t *testing.T) {
	kr := NewKeyRing([]KeyEntry{
		{Name: "extractor", KeyHash: HashKey("mg_one"), RateLimit: 30},
		{Name: "repairer", KeyHash: HashKey("mg_two")},
	})
	if kr.Len() != 2 {
		t.Fatalf("expected 2 keys, got %d", kr.Len())
	}

	w, err := kr.GetByKeyHash(context.Background(), HashKey("mg_one"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Name != "extractor" || w.RateLimit != 30 {
		t.Errorf("unexpected worker: %+v", w)
	}

	if _, err := kr.GetByKeyHash(context.Background(), HashKey("mg_three")); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("expected ErrUnknownKey, got %v", err)
	}
}

func TestWorkerContext_RoundTrip(t *testing.T) {
	if got := WorkerFromContext(context.Background()); got != nil {
		t.Errorf("expected nil from empty context, got %+v", got)
	}
	w := &Worker{Name: "extractor"}
	if got := WorkerFromContext(ContextWithWorker(context.Background(), w)); got != w {
		t.Errorf("expected %+v, got %+v", w, got)
	}
}

// --- WorkerAuthMiddleware tests ---

func TestWorkerAuthMiddleware(t *testing.T) {
	plaintext := "mg_validkey1234567890abcdefghijkl"
	svc := NewService(NewKeyRing([]KeyEntry{{Name: "extractor", KeyHash: HashKey(plaintext), RateLimit: 60}}))
	obs := newCountingObserver()
	svc.SetMetrics(obs)

	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if WorkerFromContext(r.Context()) == nil {
			t.Error("expected worker in context inside handler")
		}
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
	}{
		{"valid key", "Bearer " + plaintext, http.StatusOK},
		{"invalid key", "Bearer mg_wrongkey000000000000000000000", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"malformed header no bearer", "Token " + plaintext, http.StatusUnauthorized},
		{"bearer only no token", "Bearer", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/calls", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rr := httptest.NewRecorder()

			WorkerAuthMiddleware(svc)(okHandler).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			if tt.wantStatus != http.StatusOK {
				assertJSONError(t, rr)
			}
		})
	}

	if obs.successes["worker"] != 1 || obs.failures["worker"] != 4 {
		t.Errorf("unexpected auth counts: success=%v failure=%v", obs.successes, obs.failures)
	}
}

// --- AdminAuthMiddleware tests ---

func TestAdminAuthMiddleware(t *testing.T) {
	adminKey := "super-secret-admin-key"
	hash, err := bcrypt.GenerateFromPassword([]byte(adminKey), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		hash       string
		authHeader string
		wantStatus int
	}{
		{"valid admin key", string(hash), "Bearer " + adminKey, http.StatusOK},
		{"wrong admin key", string(hash), "Bearer wrong-key", http.StatusUnauthorized},
		{"missing header", string(hash), "", http.StatusUnauthorized},
		{"malformed header", string(hash), "Basic " + adminKey, http.StatusUnauthorized},
		{"admin disabled", "", "Bearer " + adminKey, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/usage", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rr := httptest.NewRecorder()

			AdminAuthMiddleware(tt.hash, nil)(okHandler).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			if tt.wantStatus != http.StatusOK {
				assertJSONError(t, rr)
			}
		})
	}
}

// assertJSONError checks that the response body contains the expected error JSON structure.
func assertJSONError(t *testing.T, rr *httptest.ResponseRecorder) {
	t.Helper()

	ct := rr.Header().Get("Content-Type")
	if !strings.Contains(ct, "application/json") {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}

	var resp errorResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if resp.Error.Code == "" || resp.Error.Message == "" {
		t.Errorf("expected error code and message, got %+v", resp.Error)
	}
}
