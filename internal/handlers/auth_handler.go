package handlers

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"gasless-backend/internal/config"
	"gasless-backend/internal/dto"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
)

// UserClaims binds an API caller to a custodial account.
type UserClaims struct {
	UserID       string `json:"user_id"`
	AccountIndex uint32 `json:"account_index"`
	jwt.RegisteredClaims
}

// AdminClaims is the admin token payload.
type AdminClaims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

func jwtSecret() []byte {
	if config.AppConfig != nil && config.AppConfig.JWT.Secret != "" {
		return []byte(config.AppConfig.JWT.Secret)
	}
	return []byte(os.Getenv("JWT_SECRET"))
}

// GenerateJWTToken issues a user token.
func GenerateJWTToken(userID string, accountIndex uint32, ttl time.Duration) (string, error) {
	secret := jwtSecret()
	if len(secret) == 0 {
		return "", fmt.Errorf("JWT secret not configured")
	}
	claims := UserClaims{
		UserID:       userID,
		AccountIndex: accountIndex,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			Subject:   userID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ValidateJWTToken parses and verifies a user token.
func ValidateJWTToken(tokenString string) (*UserClaims, error) {
	secret := jwtSecret()
	if len(secret) == 0 {
		return nil, fmt.Errorf("JWT secret not configured")
	}

	claims := &UserClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.UserID == "" {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// GenerateAdminJWTToken issues an admin token.
func GenerateAdminJWTToken(username string, ttl time.Duration) (string, error) {
	secret := jwtSecret()
	if len(secret) == 0 {
		return "", fmt.Errorf("JWT secret not configured")
	}
	claims := AdminClaims{
		Username: username,
		Role:     "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			Subject:   username,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ValidateAdminJWTToken parses and verifies an admin token.
func ValidateAdminJWTToken(tokenString string) (*AdminClaims, error) {
	secret := jwtSecret()
	if len(secret) == 0 {
		return nil, fmt.Errorf("JWT secret not configured")
	}

	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// AuthHandler exposes the admin login endpoint.
type AuthHandler struct {
	log *logrus.Entry
}

// NewAuthHandler creates the handler.
func NewAuthHandler() *AuthHandler {
	return &AuthHandler{log: logrus.WithField("component", "auth_handler")}
}

// AdminLogin exchanges a TOTP code for an admin token. The endpoint is
// additionally gated by the admin IP allowlist at the router.
func (h *AuthHandler) AdminLogin(c *gin.Context) {
	var req dto.AdminLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}

	secret := ""
	if config.AppConfig != nil {
		secret = config.AppConfig.Admin.TOTPSecret
	}
	if secret == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "admin login not configured"})
		return
	}

	if !totp.Validate(req.TOTPCode, secret) {
		h.log.WithFields(logrus.Fields{
			"username":  req.Username,
			"remote_ip": c.ClientIP(),
		}).Warn("Admin login failed - invalid TOTP code")
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid TOTP code"})
		return
	}

	token, err := GenerateAdminJWTToken(req.Username, 12*time.Hour)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "token generation failed"})
		return
	}

	h.log.WithField("username", req.Username).Info("Admin login succeeded")
	c.JSON(http.StatusOK, gin.H{"success": true, "token": token})
}
