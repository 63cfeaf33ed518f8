/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signalserver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const contextUserKey = "callmesh.claims"

var ErrInvalidToken = errors.New("invalid token")

// Claims identify a connection. Guest tokens carry the one room they may
// join; their UserID equals GuestID.
type Claims struct {
	UserID  string `json:"user_id"`
	RoomID  string `json:"roomId,omitempty"`
	GuestID string `json:"guestId,omitempty"`
	Name    string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) IsGuest() bool { return c.GuestID != "" }

// TokenIssuer signs and verifies HS256 tokens.
type TokenIssuer struct {
	secret   []byte
	ttl      time.Duration
	guestTTL time.Duration
	now      func() time.Time
}

func NewTokenIssuer(secret string, ttl, guestTTL time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, guestTTL: guestTTL, now: time.Now}
}

func (t *TokenIssuer) sign(claims *Claims, ttl time.Duration) (string, time.Time, error) {
	now := t.now()
	expires := now.Add(ttl)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   claims.UserID,
		ExpiresAt: jwt.NewNumericDate(expires),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate token: %w", err)
	}
	return token, expires, nil
}

// IssueUser returns a token for userID.
func (t *TokenIssuer) IssueUser(userID string) (string, time.Time, error) {
	return t.sign(&Claims{UserID: userID}, t.ttl)
}

// IssueGuest returns a token admitting a new guest to roomID. A zero ttl
// uses the configured guest lifetime.
func (t *TokenIssuer) IssueGuest(roomID, name string, ttl time.Duration) (*Claims, string, time.Time, error) {
	if ttl <= 0 {
		ttl = t.guestTTL
	}
	guestID := "guest-" + uuid.NewString()
	claims := &Claims{UserID: guestID, RoomID: roomID, GuestID: guestID, Name: name}
	token, expires, err := t.sign(claims, ttl)
	return claims, token, expires, err
}

// Parse verifies token and returns its claims.
func (t *TokenIssuer) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func bearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// requireAuth rejects requests without a valid bearer token. Guest tokens
// are only good for the WebSocket, so they are refused here.
func (t *TokenIssuer) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}
		claims, err := t.Parse(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}
		if claims.IsGuest() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Guests cannot use this endpoint"})
			return
		}
		c.Set(contextUserKey, claims)
		c.Next()
	}
}

func claimsFrom(c *gin.Context) *Claims {
	v, _ := c.Get(contextUserKey)
	claims, _ := v.(*Claims)
	return claims
}
