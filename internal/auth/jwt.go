package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTProvider authenticates {token: "<jwt>"} credentials signed with
// HS256. Identity is mapped from the sub, roles, and perms claims.
type JWTProvider struct {
	secret []byte
}

// NewJWTProvider creates a provider validating tokens under the secret.
func NewJWTProvider(secret string) *JWTProvider {
	return &JWTProvider{secret: []byte(secret)}
}

// Name implements Provider.
func (p *JWTProvider) Name() string { return "jwt" }

type liveClaims struct {
	Roles []string `json:"roles"`
	Perms []string `json:"perms"`
	jwt.RegisteredClaims
}

// Authenticate implements Provider.
func (p *JWTProvider) Authenticate(_ context.Context, creds Credentials) (*Context, error) {
	raw, ok := creds["token"].(string)
	if !ok || raw == "" {
		return nil, nil // not our credential shape
	}

	var claims liveClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token missing sub claim")
	}

	issuedAt := time.Now()
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time
	}
	return &Context{
		Authenticated: true,
		UserID:        claims.Subject,
		Roles:         claims.Roles,
		Permissions:   claims.Perms,
		IssuedAt:      issuedAt,
	}, nil
}

// IssueToken mints a token for tests and tooling.
func (p *JWTProvider) IssueToken(userID string, roles, perms []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := liveClaims{
		Roles: roles,
		Perms: perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
}
