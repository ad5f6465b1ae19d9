package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims mirrors the user claims the server validates.
type Claims struct {
	UserID       string `json:"user_id"`
	AccountIndex uint32 `json:"account_index"`
	jwt.RegisteredClaims
}

func main() {
	userID := flag.String("user", "test-user", "user id to embed in the token")
	accountIndex := flag.Uint("index", 0, "derivation account index")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "JWT_SECRET environment variable is required")
		os.Exit(1)
	}

	now := time.Now()
	claims := Claims{
		UserID:       *userID,
		AccountIndex: uint32(*accountIndex),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(*ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "gasless-backend",
			Subject:   *userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(tokenString)
}
