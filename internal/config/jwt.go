package config

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried by the principal issued by the clinic's identity service.
const (
	RoleReception = "reception"
	RoleDoctor    = "doctor"
	RoleAdmin     = "admin"
	RoleDisplay   = "display"
)

type JWTClaims struct {
	Nama string `json:"nama"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Actor is the principal reference written into transition events.
func (c *JWTClaims) Actor() string {
	return c.Role + ":" + c.Subject
}

func GenerateToken(secret, subject, nama, role string, ttl time.Duration) (string, error) {
	claims := JWTClaims{
		Nama: nama,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ValidateToken(secret, tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		if claims.Subject == "" || claims.Role == "" {
			return nil, errors.New("token has no subject or role")
		}
		return claims, nil
	}

	return nil, jwt.ErrSignatureInvalid
}
