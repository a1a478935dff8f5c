// Package github implements the GitHub App integration: app JWT minting,
// installation token exchange, issue comments, and the contents API.
package github

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const defaultBaseURL = "https://api.github.com"

// App mints GitHub App JWTs and exchanges them for installation tokens.
type App struct {
	appID      int64
	privateKey *rsa.PrivateKey
	log        *slog.Logger

	// BaseURL of the GitHub API. Overridable for tests.
	BaseURL string

	client *http.Client

	// Installation token cache
	tokenCache   map[int64]*cachedToken
	tokenCacheMu sync.RWMutex
}

type cachedToken struct {
	Token     string
	ExpiresAt time.Time
}

// NewApp creates a GitHub App from a PEM-encoded RSA private key.
func NewApp(appID int64, privateKeyPEM []byte, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}

	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		// Try PKCS8
		keyInterface, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		var ok bool
		key, ok = keyInterface.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
	}

	log.Info("GitHub App configured", "app_id", appID)

	return &App{
		appID:      appID,
		privateKey: key,
		log:        log,
		BaseURL:    defaultBaseURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		tokenCache: make(map[int64]*cachedToken),
	}, nil
}

// InstallationToken returns a cached or freshly exchanged installation
// token. Tokens are short-lived and never persisted.
func (a *App) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	a.tokenCacheMu.RLock()
	cached, ok := a.tokenCache[installationID]
	a.tokenCacheMu.RUnlock()

	if ok && time.Now().Add(5*time.Minute).Before(cached.ExpiresAt) {
		return cached.Token, nil
	}

	token, expiresAt, err := a.requestInstallationToken(ctx, installationID)
	if err != nil {
		return "", err
	}

	a.tokenCacheMu.Lock()
	a.tokenCache[installationID] = &cachedToken{
		Token:     token,
		ExpiresAt: expiresAt,
	}
	a.tokenCacheMu.Unlock()

	return token, nil
}

func (a *App) requestInstallationToken(ctx context.Context, installationID int64) (string, time.Time, error) {
	appJWT, err := a.createAppJWT()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("create app JWT: %w", err)
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", a.BaseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", time.Time{}, fmt.Errorf("github api error: %d - %s", resp.StatusCode, string(body))
	}

	var result struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", time.Time{}, fmt.Errorf("decode response: %w", err)
	}

	return result.Token, result.ExpiresAt, nil
}

func (a *App) createAppJWT() (string, error) {
	if a.privateKey == nil {
		return "", fmt.Errorf("private key not configured")
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Add(-60 * time.Second).Unix(), // 60 seconds in the past for clock drift
		"exp": now.Add(10 * time.Minute).Unix(),  // 10 minute max
		"iss": a.appID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(a.privateKey)
}
