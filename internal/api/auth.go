package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const callerKey = "caller"

// AuthMiddleware authenticates the caller from an HS256 bearer token whose
// subject is the caller's address. Websocket clients may pass the token in
// the "token" query parameter instead.
func AuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if raw == "" {
			raw = c.Query("token")
		}
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "unauthenticated", Message: "missing bearer token"})
			return
		}

		caller, err := parseToken(secret, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Error: "unauthenticated", Message: err.Error()})
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

func parseToken(secret []byte, raw string) (common.Address, error) {
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return common.Address{}, errors.New("invalid token claims")
	}
	if !common.IsHexAddress(claims.Subject) {
		return common.Address{}, fmt.Errorf("subject %q is not an address", claims.Subject)
	}
	return common.HexToAddress(claims.Subject), nil
}

// IssueToken signs a token for account valid for ttl.
func IssueToken(secret []byte, account common.Address, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   account.Hex(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func callerFrom(c *gin.Context) common.Address {
	v, _ := c.Get(callerKey)
	addr, _ := v.(common.Address)
	return addr
}
