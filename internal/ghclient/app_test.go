package ghclient

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func generateTestKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der := x509.MarshalPKCS1PrivateKey(key)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block))
}

func TestInstallationTokenFetchesAndCaches(t *testing.T) {
	var accessTokenCalls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/repos/org/repo/installation":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": 123})
		case "/app/installations/123/access_tokens":
			accessTokenCalls.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"token":      "installation-token-" + strconv.Itoa(int(accessTokenCalls.Load())),
				"expires_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	auth, err := NewAppAuthenticator("app-1", generateTestKeyPEM(t))
	require.NoError(t, err)
	auth.WithAPIBaseURL(server.URL)

	token1, err := auth.InstallationToken(context.Background(), "org/repo")
	require.NoError(t, err)
	require.Equal(t, "installation-token-1", token1)

	token2, err := auth.InstallationToken(context.Background(), "org/repo")
	require.NoError(t, err)
	require.Equal(t, "installation-token-1", token2, "cached token should be reused")
	require.Equal(t, int32(1), accessTokenCalls.Load())
}

func TestInstallationTokenRefetchesAfterExpiry(t *testing.T) {
	var accessTokenCalls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/org/repo/installation":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": 1})
		case "/app/installations/1/access_tokens":
			n := accessTokenCalls.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"token":      "token-" + strconv.Itoa(int(n)),
				"expires_at": time.Now().Add(-time.Minute).UTC().Format(time.RFC3339),
			})
		}
	}))
	defer server.Close()

	auth, err := NewAppAuthenticator("app-1", generateTestKeyPEM(t))
	require.NoError(t, err)
	auth.WithAPIBaseURL(server.URL)

	_, err = auth.InstallationToken(context.Background(), "org/repo")
	require.NoError(t, err)
	_, err = auth.InstallationToken(context.Background(), "org/repo")
	require.NoError(t, err)
	require.Equal(t, int32(2), accessTokenCalls.Load())
}
