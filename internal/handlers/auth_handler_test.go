package handlers

import (
	"testing"
	"time"

	"gasless-backend/internal/config"
)

func TestUserTokenRoundTrip(t *testing.T) {
	config.AppConfig = &config.Config{JWT: config.JWTConfig{Secret: "test-secret"}}

	token, err := GenerateJWTToken("user-42", 7, time.Hour)
	if err != nil {
		t.Fatalf("GenerateJWTToken: %v", err)
	}

	claims, err := ValidateJWTToken(token)
	if err != nil {
		t.Fatalf("ValidateJWTToken: %v", err)
	}
	if claims.UserID != "user-42" {
		t.Errorf("user id = %q", claims.UserID)
	}
	if claims.AccountIndex != 7 {
		t.Errorf("account index = %d", claims.AccountIndex)
	}
}

func TestUserTokenRejectedWithWrongSecret(t *testing.T) {
	config.AppConfig = &config.Config{JWT: config.JWTConfig{Secret: "secret-a"}}
	token, err := GenerateJWTToken("user-1", 0, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	config.AppConfig = &config.Config{JWT: config.JWTConfig{Secret: "secret-b"}}
	if _, err := ValidateJWTToken(token); err == nil {
		t.Error("token signed with a different secret should be rejected")
	}
}

func TestExpiredUserToken(t *testing.T) {
	config.AppConfig = &config.Config{JWT: config.JWTConfig{Secret: "test-secret"}}
	token, err := GenerateJWTToken("user-1", 0, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ValidateJWTToken(token); err == nil {
		t.Error("expired token should be rejected")
	}
}

func TestAdminTokenRoundTrip(t *testing.T) {
	config.AppConfig = &config.Config{JWT: config.JWTConfig{Secret: "test-secret"}}

	token, err := GenerateAdminJWTToken("ops", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := ValidateAdminJWTToken(token)
	if err != nil {
		t.Fatalf("ValidateAdminJWTToken: %v", err)
	}
	if claims.Username != "ops" || claims.Role != "admin" {
		t.Errorf("claims = %+v", claims)
	}

	// A user token is not an admin token: it parses but carries no role.
	userToken, err := GenerateJWTToken("user-1", 0, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	adminClaims, err := ValidateAdminJWTToken(userToken)
	if err == nil && adminClaims.Role == "admin" {
		t.Error("user token must not validate as admin")
	}
}

func TestTokenGenerationRequiresSecret(t *testing.T) {
	config.AppConfig = &config.Config{}
	t.Setenv("JWT_SECRET", "")
	if _, err := GenerateJWTToken("user-1", 0, time.Hour); err == nil {
		t.Error("missing secret should fail")
	}
	if _, err := ValidateJWTToken("whatever"); err == nil {
		t.Error("missing secret should fail validation")
	}
}
