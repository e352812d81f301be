// internal/auth/token.go
// Package auth mints and verifies serve-authorization tokens. A serve
// request must prove the requester is allowed to fetch a given source
// device's replica; the proof is an HS256 JWT naming both devices, issued
// by whoever holds the shared serve secret (typically the gateway that
// authenticated the owner).
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/powerclubglobal/sovereign-storage-go/internal/errors"
)

// ServeClaims are the claims carried by a serve-authorization token.
type ServeClaims struct {
	SourceDeviceID string `json:"source_device_id"` // Replica the bearer may fetch
	jwt.RegisteredClaims
}

// MintServeToken issues a token allowing requesterDeviceID to fetch
// sourceDeviceID's replica for the given lifetime.
func MintServeToken(secret []byte, requesterDeviceID, sourceDeviceID string, lifetime time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := ServeClaims{
		SourceDeviceID: sourceDeviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   requesterDeviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// VerifyServeToken checks a token's signature and expiry and that it
// authorizes exactly this requester/source pair. Any failure is a
// STORAGE_AUTHZ error.
func VerifyServeToken(secret []byte, tokenString, requesterDeviceID, sourceDeviceID string) error {
	var claims ServeClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return errors.Wrap(errors.STORAGE_AUTHZ, "serve token invalid", err)
	}
	if !token.Valid {
		return errors.New(errors.STORAGE_AUTHZ, "serve token invalid")
	}
	if claims.Subject != requesterDeviceID {
		return errors.New(errors.STORAGE_AUTHZ, "serve token subject does not match requester")
	}
	if claims.SourceDeviceID != sourceDeviceID {
		return errors.New(errors.STORAGE_AUTHZ, "serve token does not cover requested device")
	}
	return nil
}
