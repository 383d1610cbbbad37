package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("auth: invalid token")

// Claims identifies the caller a request is rate limited and attributed to.
type Claims struct {
	CallerID string `json:"caller_id"`
	jwt.RegisteredClaims
}

// Caller returns CallerID, or the subject for tokens minted without one.
func (c *Claims) Caller() string {
	if c.CallerID != "" {
		return c.CallerID
	}
	return c.Subject
}

func GenerateToken(callerID, secret string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	claims := &Claims{
		CallerID: callerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   callerID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ValidateToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.Caller() != "" {
		return claims, nil
	}

	return nil, ErrInvalidToken
}
