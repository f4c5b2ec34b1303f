package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"topstep-gateway/config"
	"topstep-gateway/internal/logging"

	"github.com/golang-jwt/jwt/v5"
)

// AuthState tracks the session lifecycle
type AuthState int

const (
	StateUnauthenticated AuthState = iota
	StateAuthenticating
	StateAuthenticated
	StateRefreshing
	StateFailed
)

func (s AuthState) String() string {
	switch s {
	case StateUnauthenticated:
		return "UNAUTHENTICATED"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateRefreshing:
		return "REFRESHING"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

var ErrAuthFailed = errors.New("broker authentication failed")

const (
	defaultRefreshBuffer = 5 * time.Minute
	maxAuthRetries       = 5
	// Used when the session token carries no readable exp claim
	fallbackTokenLifetime = 23 * time.Hour
)

// Authenticator owns the broker session token. Refreshes are single-flight:
// concurrent callers of EnsureValidToken share one login request.
type Authenticator struct {
	baseURL    string
	username   string
	apiKey     string
	httpClient *http.Client
	log        *logging.Logger

	refreshBuffer time.Duration
	retryDelay    time.Duration
	maxRetries    int

	mu        sync.Mutex
	state     AuthState
	token     string
	expiresAt time.Time
	inflight  chan struct{}
	lastErr   error
}

// NewAuthenticator creates an authenticator for the loginKey flow. The
// credentials are passed separately because they may come from Vault rather
// than the config file.
func NewAuthenticator(cfg config.BrokerConfig, username, apiKey string, log *logging.Logger) *Authenticator {
	refreshBuffer := cfg.RefreshBuffer
	if refreshBuffer <= 0 {
		refreshBuffer = defaultRefreshBuffer
	}
	maxRetries := cfg.MaxAuthRetries
	if maxRetries <= 0 {
		maxRetries = maxAuthRetries
	}
	return &Authenticator{
		baseURL:       cfg.APIBaseURL,
		username:      username,
		apiKey:        apiKey,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		log:           log.WithComponent("auth"),
		refreshBuffer: refreshBuffer,
		retryDelay:    2 * time.Second,
		maxRetries:    maxRetries,
		state:         StateUnauthenticated,
	}
}

// State returns the current lifecycle state
func (a *Authenticator) State() AuthState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// EnsureValidToken returns a token valid for at least the refresh buffer,
// refreshing first when necessary. Concurrent callers during a refresh block
// on the same in-flight request.
func (a *Authenticator) EnsureValidToken(ctx context.Context) (string, error) {
	a.mu.Lock()

	if a.token != "" && time.Now().Before(a.expiresAt.Add(-a.refreshBuffer)) {
		token := a.token
		a.mu.Unlock()
		return token, nil
	}

	if a.inflight != nil {
		done := a.inflight
		a.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return "", ctx.Err()
		}

		a.mu.Lock()
		token, err := a.token, a.lastErr
		a.mu.Unlock()
		if err != nil {
			return "", err
		}
		return token, nil
	}

	done := make(chan struct{})
	a.inflight = done
	if a.token == "" {
		a.state = StateAuthenticating
	} else {
		a.state = StateRefreshing
	}
	a.mu.Unlock()

	token, expiresAt, err := a.loginWithRetry(ctx)

	a.mu.Lock()
	a.inflight = nil
	close(done)
	if err != nil {
		a.state = StateFailed
		a.lastErr = err
		a.mu.Unlock()
		return "", err
	}
	a.state = StateAuthenticated
	a.token = token
	a.expiresAt = expiresAt
	a.lastErr = nil
	a.mu.Unlock()

	a.log.Info("broker session authenticated", "expires_at", expiresAt.Format(time.RFC3339))
	return token, nil
}

// AuthHeaders returns the headers for an authenticated broker request
func (a *Authenticator) AuthHeaders(token string) map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/json",
		"Accept":        "application/json",
	}
}

// Clear drops the session token, forcing the next call to re-authenticate
func (a *Authenticator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = ""
	a.expiresAt = time.Time{}
	a.state = StateUnauthenticated
}

func (a *Authenticator) loginWithRetry(ctx context.Context) (string, time.Time, error) {
	var lastErr error

	for attempt := 1; attempt <= a.maxRetries; attempt++ {
		token, expiresAt, err := a.login(ctx)
		if err == nil {
			return token, expiresAt, nil
		}
		lastErr = err
		a.log.Warn("login attempt failed", "attempt", attempt, "error", err)

		if attempt == a.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return "", time.Time{}, ctx.Err()
		case <-time.After(time.Duration(attempt) * a.retryDelay):
		}
	}

	return "", time.Time{}, fmt.Errorf("%w after %d attempts: %v", ErrAuthFailed, a.maxRetries, lastErr)
}

type loginRequest struct {
	UserName string `json:"userName"`
	APIKey   string `json:"apiKey"`
}

type loginResponse struct {
	Token        string `json:"token"`
	Success      bool   `json:"success"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (a *Authenticator) login(ctx context.Context) (string, time.Time, error) {
	body, err := json.Marshal(loginRequest{UserName: a.username, APIKey: a.apiKey})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("error marshaling login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/Auth/loginKey", bytes.NewReader(body))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("error creating login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("error calling loginKey: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("error reading login response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("loginKey returned status %d: %s", resp.StatusCode, string(data))
	}

	var lr loginResponse
	if err := json.Unmarshal(data, &lr); err != nil {
		return "", time.Time{}, fmt.Errorf("error decoding login response: %w", err)
	}
	if !lr.Success || lr.Token == "" {
		return "", time.Time{}, fmt.Errorf("loginKey rejected: code=%d message=%s", lr.ErrorCode, lr.ErrorMessage)
	}

	return lr.Token, tokenExpiry(lr.Token), nil
}

// tokenExpiry reads the exp claim from the session JWT without verifying the
// signature (the broker signs with its own key). Tokens without a readable
// exp fall back to a conservative fixed lifetime.
func tokenExpiry(token string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return time.Now().Add(fallbackTokenLifetime)
}
