// Package auth verifies bearer tokens and carries the authenticated user
// through request contexts.
//
// Tokens are HS256 signed JWTs. The "sub" claim is the user ID, "name" the
// display name, and a configurable boolean claim marks administrators.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MrWong99/lumi/pkg/types"
)

// DefaultAdminClaim is the claim that marks administrators unless configured
// otherwise.
const DefaultAdminClaim = "admin"

// Token errors.
var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrExpiredToken = errors.New("auth: token expired")
	ErrMissingClaim = errors.New("auth: missing required claim")
)

// Verifier turns a raw token into an authenticated user.
type Verifier interface {
	Verify(token string) (types.User, error)
}

// JWTVerifier implements [Verifier] for HS256 signed JWTs.
type JWTVerifier struct {
	secret     []byte
	adminClaim string
}

var _ Verifier = (*JWTVerifier)(nil)

// NewJWTVerifier creates a verifier for tokens signed with secret. An empty
// adminClaim selects [DefaultAdminClaim].
func NewJWTVerifier(secret []byte, adminClaim string) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: jwt secret must not be empty")
	}
	if adminClaim == "" {
		adminClaim = DefaultAdminClaim
	}
	return &JWTVerifier{secret: secret, adminClaim: adminClaim}, nil
}

// Verify validates the signature and expiry of token and extracts the user.
func (v *JWTVerifier) Verify(token string) (types.User, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return types.User{}, ErrExpiredToken
		}
		return types.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return types.User{}, ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return types.User{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	name, _ := claims["name"].(string)
	admin, _ := claims[v.adminClaim].(bool)
	return types.User{ID: sub, Name: name, Admin: admin}, nil
}

// Generate issues a token for u that expires after ttl.
func (v *JWTVerifier) Generate(u types.User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": u.ID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if u.Name != "" {
		claims["name"] = u.Name
	}
	if u.Admin {
		claims[v.adminClaim] = true
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
