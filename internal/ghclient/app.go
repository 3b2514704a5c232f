package ghclient

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/agentswarm/orchestrator/internal/apperr"
)

// AppAuthenticator mints installation access tokens for a GitHub App: an
// RS256 app JWT exchanged for a per-repository installation token, with a
// process-wide token cache.
type AppAuthenticator struct {
	appID      string
	privateKey *rsa.PrivateKey
	httpClient *http.Client
	apiBaseURL string

	mu     sync.Mutex
	tokens map[string]cachedToken // repo "owner/name" -> token
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// NewAppAuthenticator parses a PEM-encoded RSA private key (PKCS#1 or
// PKCS#8) as distributed by GitHub's App settings page.
func NewAppAuthenticator(appID, pemPrivateKey string) (*AppAuthenticator, error) {
	key, err := parsePrivateKey(pemPrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse github app private key")
	}
	return &AppAuthenticator{
		appID:      appID,
		privateKey: key,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		apiBaseURL: "https://api.github.com",
		tokens:     make(map[string]cachedToken),
	}, nil
}

// WithAPIBaseURL overrides the GitHub API base URL, the seam tests use to
// point InstallationToken at an httptest server.
func (a *AppAuthenticator) WithAPIBaseURL(baseURL string) *AppAuthenticator {
	a.apiBaseURL = baseURL
	return a
}

func parsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("no PEM block found in private key")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse PKCS#1 or PKCS#8 private key")
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("github app private key is not an RSA key")
	}
	return rsaKey, nil
}

// generateJWT mints a short-lived RS256 app JWT, valid for ten minutes
// with a one-minute clock-skew allowance.
func (a *AppAuthenticator) generateJWT(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(600 * time.Second)),
		Issuer:    a.appID,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.privateKey)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign app jwt")
	}
	return signed, nil
}

// InstallationToken returns a cached installation token for repo
// ("owner/name") if still valid, otherwise fetches and caches a new one.
// Racing callers may fetch redundantly; the mutex only protects the map
// itself.
func (a *AppAuthenticator) InstallationToken(ctx context.Context, repo string) (string, error) {
	a.mu.Lock()
	cached, ok := a.tokens[repo]
	a.mu.Unlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return cached.token, nil
	}

	owner, name, ok := strings.Cut(repo, "/")
	if !ok {
		return "", errors.Errorf("repo must be owner/name, got %q", repo)
	}

	jwtToken, err := a.generateJWT(time.Now())
	if err != nil {
		return "", err
	}

	installationID, err := a.fetchInstallationID(ctx, owner, name, jwtToken)
	if err != nil {
		return "", err
	}

	token, expiresAt, err := a.fetchAccessToken(ctx, installationID, jwtToken)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.tokens[repo] = cachedToken{token: token, expiresAt: expiresAt}
	a.mu.Unlock()

	return token, nil
}

func (a *AppAuthenticator) fetchInstallationID(ctx context.Context, owner, name, jwtToken string) (int64, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/installation", a.apiBaseURL, owner, name)
	var out struct {
		ID int64 `json:"id"`
	}
	if err := a.doJSON(ctx, http.MethodGet, url, jwtToken, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

func (a *AppAuthenticator) fetchAccessToken(ctx context.Context, installationID int64, jwtToken string) (string, time.Time, error) {
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", a.apiBaseURL, installationID)
	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := a.doJSON(ctx, http.MethodPost, url, jwtToken, &out); err != nil {
		return "", time.Time{}, err
	}
	return out.Token, out.ExpiresAt, nil
}

func (a *AppAuthenticator) doJSON(ctx context.Context, method, url, jwtToken string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+jwtToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(errors.Wrap(apperr.ErrRemoteAPIFailure, err.Error()), "github app auth request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.Wrapf(apperr.ErrRemoteAPIFailure, "github app auth request to %s returned %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
