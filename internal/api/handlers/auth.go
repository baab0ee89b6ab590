package handlers

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/TheGojiOG/LocalSM/internal/api/middleware"
	"github.com/TheGojiOG/LocalSM/internal/auth"
	"github.com/TheGojiOG/LocalSM/internal/models"
)

func isSecureRequest(c *gin.Context) bool {
	if c.Request.TLS != nil {
		return true
	}
	proto := c.GetHeader("X-Forwarded-Proto")
	return strings.EqualFold(proto, "https")
}

func setAuthCookie(c *gin.Context, token string, expiresAt time.Time) {
	maxAge := int(time.Until(expiresAt).Seconds())
	if maxAge < 0 {
		maxAge = 0
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.AccessTokenCookieName, token, maxAge, "/", "", isSecureRequest(c), true)
}

func clearAuthCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.AccessTokenCookieName, "", -1, "/", "", isSecureRequest(c), true)
}

// AuthHandler handles operator authentication
type AuthHandler struct {
	jwtManager *auth.JWTManager
	operator   auth.Operator
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(jwtManager *auth.JWTManager, operator auth.Operator) *AuthHandler {
	return &AuthHandler{
		jwtManager: jwtManager,
		operator:   operator,
	}
}

// Login verifies the operator credentials and issues an access token
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.operator.Authenticate(req.Username, req.Password); err != nil {
		if errors.Is(err, auth.ErrOperatorNotConfigured) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Operator account is not configured"})
			return
		}
		log.Printf("[Auth] Failed login for %q from %s", req.Username, c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	token, expiresAt, err := h.jwtManager.GenerateAccessToken(req.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	setAuthCookie(c, token, expiresAt)
	c.JSON(http.StatusOK, models.LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
		Username:    req.Username,
	})
}

// Logout clears the access cookie
func (h *AuthHandler) Logout(c *gin.Context) {
	clearAuthCookie(c)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

// Me returns the authenticated operator
func (h *AuthHandler) Me(c *gin.Context) {
	value, exists := c.Get(middleware.ContextClaims)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	claims := value.(*auth.Claims)

	resp := gin.H{"username": claims.Username}
	if claims.ExpiresAt != nil {
		resp["expires_at"] = claims.ExpiresAt.Time
	}
	c.JSON(http.StatusOK, resp)
}
