// Package auth verifies the identity a connection announces.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CookieName is the cookie checked for a session token on upgrade.
const CookieName = "session-token"

var (
	ErrMissingToken = errors.New("token is required")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the JWT claims a client token carries. The user id is the
// subject.
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HMAC-signed tokens.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier creates a verifier for tokens signed with secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// Verify parses token and returns the user id in its subject.
func (v *Verifier) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// Issue signs a token for userID that expires after ttl. A zero ttl
// issues a token without expiry.
func (v *Verifier) Issue(userID, username string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// TokenFromRequest extracts a token from the Authorization header, the
// session cookie or the token query parameter, in that order.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get("token")
}
