package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/layer-3/talisman/core"
	"github.com/layer-3/talisman/service"
)

// AuthHandlers contains HTTP handlers for the wallet auth endpoints
type AuthHandlers struct {
	authService *service.AuthService
}

// NewAuthHandlers creates new auth handlers
func NewAuthHandlers(authService *service.AuthService) *AuthHandlers {
	return &AuthHandlers{
		authService: authService,
	}
}

// statusForError maps domain errors to HTTP status codes. Unknown errors
// collapse to a generic 500; their details are only logged upstream.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrChallengeInvalid):
		return http.StatusBadRequest, "Invalid or expired challenge"
	case errors.Is(err, core.ErrChallengeExpired):
		return http.StatusBadRequest, "Invalid or expired challenge"
	case errors.Is(err, core.ErrChallengeResponseInvalid):
		return http.StatusBadRequest, "Invalid challenge response"
	case errors.Is(err, core.ErrKeyCapacityExceeded):
		return http.StatusBadRequest, "Maximum number of active keys reached"
	case errors.Is(err, core.ErrPublicKeyExists):
		return http.StatusBadRequest, "Public key already registered"
	case errors.Is(err, core.ErrKeyInvalidOrExpired):
		return http.StatusUnauthorized, "Invalid or expired key"
	case errors.Is(err, core.ErrKeyInactive):
		return http.StatusUnauthorized, "Key is no longer active"
	case errors.Is(err, core.ErrSignatureInvalid):
		return http.StatusUnauthorized, "Invalid signature"
	case errors.Is(err, core.ErrTimestampOutOfRange):
		return http.StatusUnauthorized, "Timestamp outside the accepted window"
	case errors.Is(err, core.ErrSessionInvalid):
		return http.StatusUnauthorized, "Invalid or expired session"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}

func abortWithError(c *gin.Context, err error) {
	status, msg := statusForError(err)
	c.JSON(status, gin.H{"error": msg})
}

func networkMeta(c *gin.Context) core.NetworkMeta {
	return core.NetworkMeta{
		IPAddress: c.ClientIP(),
		UserAgent: c.GetHeader("User-Agent"),
	}
}

// Initiate issues a challenge for the wallet
func (h *AuthHandlers) Initiate(c *gin.Context) {
	var req struct {
		WalletAddress     string          `json:"walletAddress" binding:"required"`
		DeviceFingerprint string          `json:"deviceFingerprint"`
		DeviceType        string          `json:"deviceType"`
		Metadata          json.RawMessage `json:"metadata"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	res, err := h.authService.InitiateAuth(c.Request.Context(), service.InitiateParams{
		WalletAddress: req.WalletAddress,
		Client: core.ClientMeta{
			DeviceFingerprint: req.DeviceFingerprint,
			DeviceType:        req.DeviceType,
			Metadata:          string(req.Metadata),
		},
		Network: networkMeta(c),
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"challengeCode": res.ChallengeCode,
		"expiresAt":     res.ExpiresAt.UTC().Format(time.RFC3339),
		"instructions":  res.Instructions,
	})
}

// RegisterKey answers a challenge and binds a public key to the wallet
func (h *AuthHandlers) RegisterKey(c *gin.Context) {
	var req struct {
		WalletAddress     string `json:"walletAddress" binding:"required"`
		PublicKey         string `json:"publicKey" binding:"required"`
		ChallengeCode     string `json:"challengeCode" binding:"required"`
		ChallengeResponse string `json:"challengeResponse" binding:"required"`
		DeviceFingerprint string `json:"deviceFingerprint"`
		DeviceType        string `json:"deviceType"`
		ExpirationHours   int    `json:"expirationHours"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	res, err := h.authService.RegisterKey(c.Request.Context(), service.RegisterKeyParams{
		WalletAddress:     req.WalletAddress,
		PublicKey:         req.PublicKey,
		ChallengeCode:     req.ChallengeCode,
		ChallengeResponse: req.ChallengeResponse,
		DeviceFingerprint: req.DeviceFingerprint,
		DeviceType:        req.DeviceType,
		ExpirationHours:   req.ExpirationHours,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"publicKey": res.PublicKey,
		"expiresAt": res.ExpiresAt.UTC().Format(time.RFC3339),
		"status":    res.Status,
	})
}

// Authenticate verifies a wallet signature and opens a session
func (h *AuthHandlers) Authenticate(c *gin.Context) {
	var req struct {
		WalletAddress     string `json:"walletAddress" binding:"required"`
		PublicKey         string `json:"publicKey" binding:"required"`
		Signature         string `json:"signature" binding:"required"`
		Timestamp         int64  `json:"timestamp" binding:"required"`
		DeviceFingerprint string `json:"deviceFingerprint"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	res, err := h.authService.Authenticate(c.Request.Context(), service.AuthenticateParams{
		WalletAddress:     req.WalletAddress,
		PublicKey:         req.PublicKey,
		Signature:         req.Signature,
		Timestamp:         req.Timestamp,
		DeviceFingerprint: req.DeviceFingerprint,
		Network:           networkMeta(c),
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, authResponse(res))
}

// Refresh extends an active session
func (h *AuthHandlers) Refresh(c *gin.Context) {
	var req struct {
		SessionToken  string `json:"sessionToken" binding:"required"`
		WalletAddress string `json:"walletAddress" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	res, err := h.authService.RefreshToken(c.Request.Context(), req.SessionToken, req.WalletAddress)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, authResponse(res))
}

func authResponse(res *service.AuthResult) gin.H {
	return gin.H{
		"sessionToken":  res.SessionToken,
		"expiresAt":     res.ExpiresAt.UTC().Format(time.RFC3339),
		"walletAddress": res.WalletAddress,
		"publicKey":     res.PublicKey,
	}
}

// Validate resolves a session token without requiring the guard
func (h *AuthHandlers) Validate(c *gin.Context) {
	identity := h.authService.ValidateSession(c.Request.Context(), c.Query("sessionToken"))
	if identity == nil {
		c.JSON(http.StatusOK, gin.H{"valid": false})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"valid":         true,
		"walletAddress": identity.WalletAddress,
		"publicKey":     identity.PublicKey,
	})
}

// RevokeKeys revokes one or all keys of the session's wallet
func (h *AuthHandlers) RevokeKeys(c *gin.Context) {
	var req struct {
		WalletAddress string `json:"walletAddress" binding:"required"`
		PublicKey     string `json:"publicKey"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	// A session only manages its own wallet.
	if req.WalletAddress != sessionWallet(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Wallet does not match session"})
		return
	}

	count, err := h.authService.RevokeKeys(c.Request.Context(), req.WalletAddress, req.PublicKey)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"revokedCount": count})
}

// RevokeSession deactivates a single session of the session's wallet
func (h *AuthHandlers) RevokeSession(c *gin.Context) {
	var req struct {
		SessionToken string `json:"sessionToken" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := h.authService.RevokeSession(c.Request.Context(), req.SessionToken); err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ListKeys lists the session wallet's keys
func (h *AuthHandlers) ListKeys(c *gin.Context) {
	wallet := c.Query("walletAddress")
	if wallet == "" {
		wallet = sessionWallet(c)
	}
	if wallet != sessionWallet(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Wallet does not match session"})
		return
	}

	keys, err := h.authService.ListKeys(c.Request.Context(), wallet)
	if err != nil {
		abortWithError(c, err)
		return
	}

	out := make([]gin.H, 0, len(keys))
	for _, k := range keys {
		out = append(out, gin.H{
			"publicKey":         k.PublicKey,
			"status":            k.Status,
			"expiresAt":         k.ExpiresAt.UTC().Format(time.RFC3339),
			"lastUsedAt":        timeOrEmpty(k.LastUsedAt),
			"deviceFingerprint": k.DeviceFingerprint,
			"deviceType":        k.DeviceType,
			"createdAt":         k.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"keys": out})
}

// ListSessions lists the session wallet's sessions
func (h *AuthHandlers) ListSessions(c *gin.Context) {
	wallet := c.Query("walletAddress")
	if wallet == "" {
		wallet = sessionWallet(c)
	}
	if wallet != sessionWallet(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Wallet does not match session"})
		return
	}
	includeInactive := c.Query("includeInactive") == "true"

	sessions, err := h.authService.ListSessions(c.Request.Context(), wallet, includeInactive)
	if err != nil {
		abortWithError(c, err)
		return
	}

	out := make([]gin.H, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, gin.H{
			"sessionToken":   s.SessionToken,
			"active":         s.Active,
			"expiresAt":      s.ExpiresAt.UTC().Format(time.RFC3339),
			"lastActivityAt": timeOrEmpty(s.LastActivityAt),
			"ipAddress":      s.IPAddress,
			"userAgent":      s.UserAgent,
			"loginAt":        s.LoginAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func timeOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
