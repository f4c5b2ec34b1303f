package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"topstep-gateway/config"

	"github.com/golang-jwt/jwt/v5"
)

func signedTestToken(t *testing.T, expiresIn time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(expiresIn).Unix(),
		"sub": "gateway-test",
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return signed
}

func loginServer(t *testing.T, logins *int32, token string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Auth/loginKey" {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(logins, 1)
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserName == "" || req.APIKey == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		// Small delay so concurrent callers pile onto one refresh
		time.Sleep(10 * time.Millisecond)
		json.NewEncoder(w).Encode(loginResponse{Token: token, Success: true})
	}))
}

func TestEnsureValidTokenCachesSession(t *testing.T) {
	var logins int32
	token := signedTestToken(t, time.Hour)
	srv := loginServer(t, &logins, token)
	defer srv.Close()

	auth := NewAuthenticator(config.BrokerConfig{APIBaseURL: srv.URL}, "user", "key", testLog())

	got, err := auth.EnsureValidToken(context.Background())
	if err != nil {
		t.Fatalf("first ensure failed: %v", err)
	}
	if got != token {
		t.Error("returned token does not match login response")
	}
	if auth.State() != StateAuthenticated {
		t.Errorf("state = %v, want AUTHENTICATED", auth.State())
	}

	if _, err := auth.EnsureValidToken(context.Background()); err != nil {
		t.Fatalf("second ensure failed: %v", err)
	}
	if n := atomic.LoadInt32(&logins); n != 1 {
		t.Errorf("expected 1 login, got %d", n)
	}
}

func TestEnsureValidTokenSingleFlight(t *testing.T) {
	var logins int32
	srv := loginServer(t, &logins, signedTestToken(t, time.Hour))
	defer srv.Close()

	auth := NewAuthenticator(config.BrokerConfig{APIBaseURL: srv.URL}, "user", "key", testLog())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := auth.EnsureValidToken(context.Background()); err != nil {
				t.Errorf("concurrent ensure failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&logins); n != 1 {
		t.Errorf("expected a single in-flight login, got %d", n)
	}
}

func TestEnsureValidTokenRefreshesNearExpiry(t *testing.T) {
	var logins int32
	// Expires inside the 5-minute refresh buffer, so every ensure refreshes
	srv := loginServer(t, &logins, signedTestToken(t, time.Minute))
	defer srv.Close()

	auth := NewAuthenticator(config.BrokerConfig{APIBaseURL: srv.URL}, "user", "key", testLog())

	for i := 0; i < 2; i++ {
		if _, err := auth.EnsureValidToken(context.Background()); err != nil {
			t.Fatalf("ensure %d failed: %v", i, err)
		}
	}
	if n := atomic.LoadInt32(&logins); n != 2 {
		t.Errorf("expected refresh on each ensure near expiry, got %d logins", n)
	}
}

func TestLoginRetriesTransientFailure(t *testing.T) {
	var attempts int32
	token := signedTestToken(t, time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(loginResponse{Token: token, Success: true})
	}))
	defer srv.Close()

	auth := NewAuthenticator(config.BrokerConfig{APIBaseURL: srv.URL}, "user", "key", testLog())
	auth.retryDelay = time.Millisecond

	if _, err := auth.EnsureValidToken(context.Background()); err != nil {
		t.Fatalf("ensure failed despite eventual success: %v", err)
	}
	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestLoginRejectedNotRetriedForever(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		json.NewEncoder(w).Encode(loginResponse{Success: false, ErrorCode: 3, ErrorMessage: "invalid key"})
	}))
	defer srv.Close()

	auth := NewAuthenticator(config.BrokerConfig{APIBaseURL: srv.URL}, "user", "bad-key", testLog())
	auth.retryDelay = time.Millisecond

	if _, err := auth.EnsureValidToken(context.Background()); err == nil {
		t.Fatal("expected authentication failure")
	}
	if auth.State() != StateFailed {
		t.Errorf("state = %v, want FAILED", auth.State())
	}
	if n := atomic.LoadInt32(&attempts); n != maxAuthRetries {
		t.Errorf("expected %d attempts, got %d", maxAuthRetries, n)
	}
}

func TestAuthRetryLimitFromConfig(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	auth := NewAuthenticator(config.BrokerConfig{APIBaseURL: srv.URL, MaxAuthRetries: 2}, "user", "key", testLog())
	auth.retryDelay = time.Millisecond

	if _, err := auth.EnsureValidToken(context.Background()); err == nil {
		t.Fatal("expected authentication failure")
	}
	if n := atomic.LoadInt32(&attempts); n != 2 {
		t.Errorf("expected 2 attempts from config, got %d", n)
	}
}

func TestRefreshBufferFromConfig(t *testing.T) {
	var logins int32
	// Token lives an hour; a two-hour buffer forces a refresh on every ensure
	srv := loginServer(t, &logins, signedTestToken(t, time.Hour))
	defer srv.Close()

	auth := NewAuthenticator(config.BrokerConfig{APIBaseURL: srv.URL, RefreshBuffer: 2 * time.Hour}, "user", "key", testLog())

	for i := 0; i < 2; i++ {
		if _, err := auth.EnsureValidToken(context.Background()); err != nil {
			t.Fatalf("ensure %d failed: %v", i, err)
		}
	}
	if n := atomic.LoadInt32(&logins); n != 2 {
		t.Errorf("configured buffer not honored: %d logins", n)
	}
}

func TestTokenExpiryFallback(t *testing.T) {
	before := time.Now().Add(fallbackTokenLifetime - time.Minute)
	after := time.Now().Add(fallbackTokenLifetime + time.Minute)

	got := tokenExpiry("not-a-jwt")
	if got.Before(before) || got.After(after) {
		t.Errorf("fallback expiry %v not near %v", got, fallbackTokenLifetime)
	}
}

func TestClearForcesReauthentication(t *testing.T) {
	var logins int32
	srv := loginServer(t, &logins, signedTestToken(t, time.Hour))
	defer srv.Close()

	auth := NewAuthenticator(config.BrokerConfig{APIBaseURL: srv.URL}, "user", "key", testLog())

	if _, err := auth.EnsureValidToken(context.Background()); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	auth.Clear()
	if auth.State() != StateUnauthenticated {
		t.Errorf("state after clear = %v, want UNAUTHENTICATED", auth.State())
	}
	if _, err := auth.EnsureValidToken(context.Background()); err != nil {
		t.Fatalf("ensure after clear failed: %v", err)
	}
	if n := atomic.LoadInt32(&logins); n != 2 {
		t.Errorf("expected 2 logins, got %d", n)
	}
}
