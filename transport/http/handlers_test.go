package http

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/talisman/adapters/store"
	"github.com/layer-3/talisman/adapters/verifier"
	"github.com/layer-3/talisman/service"
	"github.com/layer-3/talisman/token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	svc := service.NewAuthService(
		store.NewMemoryStore(),
		verifier.NewEthereumVerifier(),
		nil,
		service.DefaultConfig(),
	)
	return SetupRouter(svc)
}

func doJSON(t *testing.T, router *gin.Engine, method, path, bearer string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	resp := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func testWalletKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	priv, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return priv, hexutil.Encode(ethcrypto.FromECDSAPub(&priv.PublicKey))
}

func signLogin(t *testing.T, priv *ecdsa.PrivateKey, wallet string, ts int64) string {
	t.Helper()
	msg := fmt.Sprintf("%s:%d", wallet, ts)
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(msg), msg)
	sig, err := ethcrypto.Sign(ethcrypto.Keccak256([]byte(prefixed)), priv)
	require.NoError(t, err)
	return hexutil.Encode(sig)
}

// registerOverHTTP walks initiate→register-key through the router.
func registerOverHTTP(t *testing.T, router *gin.Engine, wallet, publicKey string) {
	t.Helper()

	w, resp := doJSON(t, router, http.MethodPost, "/wallet-auth/initiate", "", gin.H{
		"walletAddress": wallet,
	})
	require.Equal(t, http.StatusOK, w.Code)
	code, _ := resp["challengeCode"].(string)
	require.NotEmpty(t, code)
	assert.NotEmpty(t, resp["instructions"])

	w, resp = doJSON(t, router, http.MethodPost, "/wallet-auth/register-key", "", gin.H{
		"walletAddress":     wallet,
		"publicKey":         publicKey,
		"challengeCode":     code,
		"challengeResponse": token.ChallengeResponse(code, wallet),
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, publicKey, resp["publicKey"])
	assert.Equal(t, "ACTIVE", resp["status"])
}

func loginOverHTTP(t *testing.T, router *gin.Engine, priv *ecdsa.PrivateKey, wallet, publicKey string) string {
	t.Helper()

	ts := time.Now().Unix()
	w, resp := doJSON(t, router, http.MethodPost, "/wallet-auth/authenticate", "", gin.H{
		"walletAddress": wallet,
		"publicKey":     publicKey,
		"signature":     signLogin(t, priv, wallet, ts),
		"timestamp":     ts,
	})
	require.Equal(t, http.StatusOK, w.Code)
	sessionToken, _ := resp["sessionToken"].(string)
	require.NotEmpty(t, sessionToken)
	return sessionToken
}

func TestFullFlow(t *testing.T) {
	router := newTestRouter(t)
	priv, pub := testWalletKey(t)

	registerOverHTTP(t, router, "0xabc", pub)
	sessionToken := loginOverHTTP(t, router, priv, "0xabc", pub)

	// Validate is public and reports the identity.
	w, resp := doJSON(t, router, http.MethodGet, "/wallet-auth/validate?sessionToken="+sessionToken, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["valid"])
	assert.Equal(t, "0xabc", resp["walletAddress"])
	assert.Equal(t, pub, resp["publicKey"])

	// Refresh keeps the same token.
	w, resp = doJSON(t, router, http.MethodPost, "/wallet-auth/refresh", "", gin.H{
		"sessionToken":  sessionToken,
		"walletAddress": "0xabc",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, sessionToken, resp["sessionToken"])

	// Guarded listings work with the session token.
	w, resp = doJSON(t, router, http.MethodGet, "/wallet-auth/keys", sessionToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	keys, _ := resp["keys"].([]any)
	require.Len(t, keys, 1)

	w, resp = doJSON(t, router, http.MethodGet, "/wallet-auth/sessions", sessionToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	sessions, _ := resp["sessions"].([]any)
	require.Len(t, sessions, 1)

	// Revoking the session invalidates it.
	w, resp = doJSON(t, router, http.MethodPost, "/wallet-auth/revoke-session", sessionToken, gin.H{
		"sessionToken": sessionToken,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["success"])

	w, resp = doJSON(t, router, http.MethodGet, "/wallet-auth/validate?sessionToken="+sessionToken, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, resp["valid"])
}

func TestGuardRejections(t *testing.T) {
	router := newTestRouter(t)

	cases := []struct {
		name   string
		bearer string
	}{
		{"missing header", ""},
		{"unknown token", "not-a-session"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, resp := doJSON(t, router, http.MethodGet, "/wallet-auth/keys", tc.bearer, nil)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "Invalid or expired session", resp["error"])
		})
	}
}

func TestGuardRejectsForeignWallet(t *testing.T) {
	router := newTestRouter(t)
	priv, pub := testWalletKey(t)
	registerOverHTTP(t, router, "0xabc", pub)
	sessionToken := loginOverHTTP(t, router, priv, "0xabc", pub)

	w, _ := doJSON(t, router, http.MethodPost, "/wallet-auth/revoke-keys", sessionToken, gin.H{
		"walletAddress": "0xother",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = doJSON(t, router, http.MethodGet, "/wallet-auth/keys?walletAddress=0xother", sessionToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRevokeKeysCascadesOverHTTP(t *testing.T) {
	router := newTestRouter(t)
	priv, pub := testWalletKey(t)
	registerOverHTTP(t, router, "0xabc", pub)
	sessionToken := loginOverHTTP(t, router, priv, "0xabc", pub)

	w, resp := doJSON(t, router, http.MethodPost, "/wallet-auth/revoke-keys", sessionToken, gin.H{
		"walletAddress": "0xabc",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), resp["revokedCount"])

	// The cascade killed the session that authorized the call.
	w, _ = doJSON(t, router, http.MethodGet, "/wallet-auth/keys", sessionToken, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStatusMapping(t *testing.T) {
	router := newTestRouter(t)
	_, pub := testWalletKey(t)

	// Malformed body.
	w, _ := doJSON(t, router, http.MethodPost, "/wallet-auth/initiate", "", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown challenge code.
	w, resp := doJSON(t, router, http.MethodPost, "/wallet-auth/register-key", "", gin.H{
		"walletAddress":     "0xabc",
		"publicKey":         pub,
		"challengeCode":     "nope",
		"challengeResponse": "nope",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid or expired challenge", resp["error"])

	// Wrong challenge response.
	w, resp = doJSON(t, router, http.MethodPost, "/wallet-auth/initiate", "", gin.H{"walletAddress": "0xabc"})
	require.Equal(t, http.StatusOK, w.Code)
	code := resp["challengeCode"].(string)
	w, resp = doJSON(t, router, http.MethodPost, "/wallet-auth/register-key", "", gin.H{
		"walletAddress":     "0xabc",
		"publicKey":         pub,
		"challengeCode":     code,
		"challengeResponse": "wrong",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid challenge response", resp["error"])

	// Authenticating against an unregistered key.
	w, resp = doJSON(t, router, http.MethodPost, "/wallet-auth/authenticate", "", gin.H{
		"walletAddress": "0xabc",
		"publicKey":     pub,
		"signature":     "0xdead",
		"timestamp":     time.Now().Unix(),
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid or expired key", resp["error"])

	// Refreshing an unknown session.
	w, resp = doJSON(t, router, http.MethodPost, "/wallet-auth/refresh", "", gin.H{
		"sessionToken":  "nope",
		"walletAddress": "0xabc",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid or expired session", resp["error"])
}

func TestBadSignatureOverHTTP(t *testing.T) {
	router := newTestRouter(t)
	_, pub := testWalletKey(t)
	other, _ := testWalletKey(t)
	registerOverHTTP(t, router, "0xabc", pub)

	ts := time.Now().Unix()
	w, resp := doJSON(t, router, http.MethodPost, "/wallet-auth/authenticate", "", gin.H{
		"walletAddress": "0xabc",
		"publicKey":     pub,
		"signature":     signLogin(t, other, "0xabc", ts),
		"timestamp":     ts,
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Invalid signature", resp["error"])
}
