package utils

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dgrijalva/jwt-go"
)

const RoleAdmin = "admin"

// JwtCustomClaim identifies a reviewer or operator. Subject carries the username.
type JwtCustomClaim struct {
	Role string `json:"role"`
	jwt.StandardClaims
}

func (c *JwtCustomClaim) Username() string {
	if c == nil {
		return ""
	}
	return c.Subject
}

func (c *JwtCustomClaim) IsAdmin() bool {
	return c != nil && c.Role == RoleAdmin
}

func jwtSecret() []byte {
	secret := os.Getenv("API_SECRET")
	if secret == "" {
		return []byte("docflow-dev-secret")
	}
	return []byte(secret)
}

// tokenLifespan reads TOKEN_HOUR_LIFESPAN, default 12 hours.
func tokenLifespan() time.Duration {
	hours, err := strconv.Atoi(os.Getenv("TOKEN_HOUR_LIFESPAN"))
	if err != nil || hours <= 0 {
		hours = 12
	}
	return time.Duration(hours) * time.Hour
}

func JwtGenerate(username string, role string) (string, error) {
	if username == "" {
		return "", errors.New("username is required")
	}
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &JwtCustomClaim{
		Role: role,
		StandardClaims: jwt.StandardClaims{
			Subject:   username,
			ExpiresAt: now.Add(tokenLifespan()).Unix(),
			IssuedAt:  now.Unix(),
		},
	})
	return t.SignedString(jwtSecret())
}

func JwtValidate(token string) (*jwt.Token, error) {
	return jwt.ParseWithClaims(token, &JwtCustomClaim{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("there's a problem with the signing method")
		}
		return jwtSecret(), nil
	})
}
